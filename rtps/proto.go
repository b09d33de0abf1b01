package rtps

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
)

// Submessage flag bits").
const (
	flagEndianLE   = 0x01
	flagInlineQoS  = 0x02
	flagDataFlag   = 0x04
	flagKeyFlag    = 0x08
	flagAckNackFinal = 0x02
	flagHBFinal    = 0x02
	flagHBLiveliness = 0x04
	flagInfoTSInvalidate = 0x02
)

// Submessage kinds, RTPS §9.4.5.
const (
	SubmsgPad           = 0x01
	SubmsgAckNack       = 0x06
	SubmsgHeartbeat     = 0x07
	SubmsgGap           = 0x08
	SubmsgInfoTS        = 0x09
	SubmsgInfoSrc       = 0x0c
	SubmsgInfoReplyIP4  = 0x0d
	SubmsgInfoDst       = 0x0e
	SubmsgInfoReply     = 0x0f
	SubmsgNackFrag      = 0x12
	SubmsgHeartbeatFrag = 0x13
	SubmsgData          = 0x15
	SubmsgDataFrag      = 0x16
)

// Encapsulation schemes for serialized payloads / parameter lists.
const (
	SchemeCDRLE   = 0x0001
	SchemePLCDRLE = 0x0003
	SchemeCDRBE   = 0x0000
	SchemePLCDRBE = 0x0002
)

const (
	rtpsVersionMajor = 2
	rtpsVersionMinor = 1
)

// SNSMaxNumBits is the wire limit on a SequenceNumberSet's bitmap, used to
// bound the GAP case-3 scan so a malformed or maximal GAP can never walk
// past the declared bitmap.
const SNSMaxNumBits = 256

// SeqNum is the RTPS sequence number: a lexicographically ordered
// {high, low} pair. Keeping the pair explicit, rather than packing it
// into a single int64, avoids silently truncating High on values that
// actually use it.
type SeqNum struct {
	High int32
	Low  uint32
}

// SeqNumUnknown is SEQUENCENUMBER_UNKNOWN = {-1, 0}.
var SeqNumUnknown = SeqNum{High: -1, Low: 0}

func NewSeqNum(high int32, low uint32) SeqNum {
	return SeqNum{High: high, Low: low}
}

// Less reports whether sn orders strictly before other.
func (sn SeqNum) Less(other SeqNum) bool {
	if sn.High != other.High {
		return sn.High < other.High
	}
	return sn.Low < other.Low
}

func (sn SeqNum) Greater(other SeqNum) bool { return other.Less(sn) }

func (sn SeqNum) Equal(other SeqNum) bool { return sn == other }

// Next returns sn+1, carrying Low into High on overflow.
func (sn SeqNum) Next() SeqNum {
	if sn.Low == ^uint32(0) {
		return SeqNum{High: sn.High + 1, Low: 0}
	}
	return SeqNum{High: sn.High, Low: sn.Low + 1}
}

// Add returns sn+n for a small non-negative n (bounded by SNSMaxNumBits in
// practice), carrying as needed.
func (sn SeqNum) Add(n uint32) SeqNum {
	result := sn
	low := uint64(sn.Low) + uint64(n)
	result.High = sn.High + int32(low>>32)
	result.Low = uint32(low)
	return result
}

// Prev returns sn-1, borrowing Low from High on underflow.
func (sn SeqNum) Prev() SeqNum {
	if sn.Low == 0 {
		return SeqNum{High: sn.High - 1, Low: ^uint32(0)}
	}
	return SeqNum{High: sn.High, Low: sn.Low - 1}
}

func (sn SeqNum) String() string {
	return fmt.Sprintf("{%d,%d}", sn.High, sn.Low)
}

// SeqNumSet is a base sequence number plus a bitmap of up to
// SNSMaxNumBits relative bits: bit i set means base+i is present.
type SeqNumSet struct {
	Base    SeqNum
	NumBits uint32
	Bitmap  []uint32 // ceil(NumBits/32) words
}

func NewSeqNumSet(base SeqNum, numBits uint32) SeqNumSet {
	if numBits > SNSMaxNumBits {
		numBits = SNSMaxNumBits
	}
	return SeqNumSet{
		Base:    base,
		NumBits: numBits,
		Bitmap:  make([]uint32, (numBits+31)/32),
	}
}

func (s *SeqNumSet) SetBit(i uint32) {
	if i >= s.NumBits {
		return
	}
	s.Bitmap[i/32] |= 1 << (31 - (i % 32))
}

func (s *SeqNumSet) TestBit(i uint32) bool {
	if i >= s.NumBits || int(i/32) >= len(s.Bitmap) {
		return false
	}
	return s.Bitmap[i/32]&(1<<(31-(i%32))) != 0
}

func (s *SeqNumSet) bitmapWords() int {
	return int((s.NumBits + 31) / 32)
}

func (s *SeqNumSet) wireLen() int {
	return 8 + 4 + s.bitmapWords()*4
}

func (s *SeqNumSet) writeTo(bin binary.ByteOrder, b []byte) {
	bin.PutUint32(b[0:], uint32(s.Base.High))
	bin.PutUint32(b[4:], s.Base.Low)
	bin.PutUint32(b[8:], s.NumBits)
	for i, w := range s.Bitmap {
		bin.PutUint32(b[12+i*4:], w)
	}
}

func seqNumSetFromBytes(bin binary.ByteOrder, b []byte) (SeqNumSet, int, error) {
	if len(b) < 12 {
		return SeqNumSet{}, 0, errors.Wrap(ErrMalformedWire, "seqnumset: short buffer")
	}
	base := NewSeqNum(int32(bin.Uint32(b[0:])), bin.Uint32(b[4:]))
	numBits := bin.Uint32(b[8:])
	if numBits > SNSMaxNumBits {
		numBits = SNSMaxNumBits
	}
	words := int((numBits + 31) / 32)
	if len(b) < 12+words*4 {
		return SeqNumSet{}, 0, errors.Wrap(ErrMalformedWire, "seqnumset: short bitmap")
	}
	bitmap := make([]uint32, words)
	for i := range bitmap {
		bitmap[i] = bin.Uint32(b[12+i*4:])
	}
	return SeqNumSet{Base: base, NumBits: numBits, Bitmap: bitmap}, 12 + words*4, nil
}

// ProtoVersion is the 2-byte major.minor RTPS protocol version.
type ProtoVersion struct {
	Major uint8
	Minor uint8
}

// Header is the 20-byte RTPS message header: magic, version, vendor,
// guid prefix.
type Header struct {
	Magic      uint32
	Version    ProtoVersion
	VendorID   VendorID
	GUIDPrefix GUIDPrefix
}

func NewHeader(prefix GUIDPrefix) Header {
	return Header{
		Magic:      Magic,
		Version:    ProtoVersion{rtpsVersionMajor, rtpsVersionMinor},
		VendorID:   MyVendorID,
		GUIDPrefix: prefix,
	}
}

const headerWireLen = 20

func (h Header) WriteTo(w io.Writer) error {
	b := make([]byte, headerWireLen)
	binary.BigEndian.PutUint32(b[0:], h.Magic)
	b[4], b[5] = h.Version.Major, h.Version.Minor
	binary.BigEndian.PutUint16(b[6:], uint16(h.VendorID))
	copy(b[8:], h.GUIDPrefix[:])
	_, err := w.Write(b)
	return err
}

func headerFromBytes(b []byte) (Header, error) {
	if len(b) < headerWireLen {
		return Header{}, errors.Wrap(ErrMalformedWire, "header: short buffer")
	}
	var h Header
	h.Magic = binary.BigEndian.Uint32(b[0:])
	h.Version = ProtoVersion{b[4], b[5]}
	h.VendorID = VendorID(binary.BigEndian.Uint16(b[6:]))
	copy(h.GUIDPrefix[:], b[8:8+GUIDPrefixLen])
	return h, nil
}

// submsgHeader is the 4-byte submessage header: kind, flags,
// octetsToNextHeader.
type submsgHeader struct {
	id    uint8
	flags uint8
	size  uint16
}

func (s submsgHeader) byteOrder() binary.ByteOrder {
	if s.flags&flagEndianLE != 0 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func (s submsgHeader) writeTo(w io.Writer) error {
	b := make([]byte, 4)
	b[0], b[1] = s.id, s.flags
	binary.LittleEndian.PutUint16(b[2:], s.size)
	_, err := w.Write(b)
	return err
}

// subMsg is one parsed submessage: its header plus the raw body bytes and
// the byte order those body bytes are encoded in.
type subMsg struct {
	hdr  submsgHeader
	bin  binary.ByteOrder
	data []byte
}

// subMsgFromBytes parses one submessage off the front of b.
// octetsToNextHeader == 0 means "until end of datagram".
func subMsgFromBytes(b []byte) (*subMsg, error) {
	if len(b) < 4 {
		return nil, errors.Wrap(ErrMalformedWire, "submsg: short header")
	}
	sm := &subMsg{hdr: submsgHeader{id: b[0], flags: b[1]}}
	sm.bin = sm.hdr.byteOrder()
	sm.hdr.size = sm.bin.Uint16(b[2:])
	sz := int(sm.hdr.size)
	if sz == 0 {
		sz = len(b) - 4
	}
	if len(b) < 4+sz {
		return nil, errors.Wrap(ErrMalformedWire, "submsg: declared length exceeds remaining bytes")
	}
	sm.data = b[4 : 4+sz]
	return sm, nil
}

func (s *subMsg) wireLen() int { return 4 + len(s.data) }

// DATA submessage body.
type submsgData struct {
	hdr               submsgHeader
	extraFlags        uint16
	octetsToInlineQos uint16
	readerID          EntityID
	writerID          EntityID
	writerSN          SeqNum
	data              []byte
}

const submsgDataFixedLen = 20

func (s *submsgData) writeTo(w io.Writer) error {
	s.hdr.id = SubmsgData
	s.hdr.flags |= flagEndianLE
	s.hdr.size = uint16(submsgDataFixedLen + len(s.data))
	if err := s.hdr.writeTo(w); err != nil {
		return err
	}
	b := make([]byte, submsgDataFixedLen)
	binary.LittleEndian.PutUint16(b[0:], s.extraFlags)
	binary.LittleEndian.PutUint16(b[2:], s.octetsToInlineQos)
	binary.BigEndian.PutUint32(b[4:], uint32(s.readerID))
	binary.BigEndian.PutUint32(b[8:], uint32(s.writerID))
	binary.LittleEndian.PutUint32(b[12:], uint32(s.writerSN.High))
	binary.LittleEndian.PutUint32(b[16:], s.writerSN.Low)
	if _, err := w.Write(b); err != nil {
		return err
	}
	_, err := w.Write(s.data)
	return err
}

func dataFromSubMsg(sm *subMsg) (*submsgData, error) {
	if len(sm.data) < submsgDataFixedLen {
		return nil, errors.Wrap(ErrMalformedWire, "data: short body")
	}
	d := &submsgData{
		hdr:               sm.hdr,
		extraFlags:        sm.bin.Uint16(sm.data[0:]),
		octetsToInlineQos: sm.bin.Uint16(sm.data[2:]),
		readerID:          EntityID(binary.BigEndian.Uint32(sm.data[4:])),
		writerID:          EntityID(binary.BigEndian.Uint32(sm.data[8:])),
		writerSN:          NewSeqNum(int32(sm.bin.Uint32(sm.data[12:])), sm.bin.Uint32(sm.data[16:])),
		data:              sm.data[submsgDataFixedLen:],
	}
	return d, nil
}

// HEARTBEAT submessage body.
type submsgHeartbeat struct {
	hdr       submsgHeader
	readerID  EntityID
	writerID  EntityID
	firstSN   SeqNum
	lastSN    SeqNum
	count     uint32
}

const submsgHeartbeatLen = 28

func (s *submsgHeartbeat) writeTo(w io.Writer) error {
	s.hdr.id = SubmsgHeartbeat
	s.hdr.flags |= flagEndianLE
	s.hdr.size = uint16(submsgHeartbeatLen)
	if err := s.hdr.writeTo(w); err != nil {
		return err
	}
	b := make([]byte, submsgHeartbeatLen)
	binary.BigEndian.PutUint32(b[0:], uint32(s.readerID))
	binary.BigEndian.PutUint32(b[4:], uint32(s.writerID))
	binary.LittleEndian.PutUint32(b[8:], uint32(s.firstSN.High))
	binary.LittleEndian.PutUint32(b[12:], s.firstSN.Low)
	binary.LittleEndian.PutUint32(b[16:], uint32(s.lastSN.High))
	binary.LittleEndian.PutUint32(b[20:], s.lastSN.Low)
	binary.LittleEndian.PutUint32(b[24:], s.count)
	_, err := w.Write(b)
	return err
}

func heartbeatFromSubMsg(sm *subMsg) (*submsgHeartbeat, error) {
	if len(sm.data) < submsgHeartbeatLen {
		return nil, errors.Wrap(ErrMalformedWire, "heartbeat: short body")
	}
	return &submsgHeartbeat{
		hdr:      sm.hdr,
		readerID: EntityID(binary.BigEndian.Uint32(sm.data[0:])),
		writerID: EntityID(binary.BigEndian.Uint32(sm.data[4:])),
		firstSN:  NewSeqNum(int32(sm.bin.Uint32(sm.data[8:])), sm.bin.Uint32(sm.data[12:])),
		lastSN:   NewSeqNum(int32(sm.bin.Uint32(sm.data[16:])), sm.bin.Uint32(sm.data[20:])),
		count:    sm.bin.Uint32(sm.data[24:]),
	}, nil
}

// ACKNACK submessage body.
type submsgAckNack struct {
	hdr           submsgHeader
	readerID      EntityID
	writerID      EntityID
	readerSNState SeqNumSet
	count         uint32
	final         bool
}

func (s *submsgAckNack) writeTo(w io.Writer) error {
	snsLen := s.readerSNState.wireLen()
	s.hdr.id = SubmsgAckNack
	s.hdr.flags |= flagEndianLE
	if s.final {
		s.hdr.flags |= flagAckNackFinal
	}
	s.hdr.size = uint16(8 + snsLen + 4)
	if err := s.hdr.writeTo(w); err != nil {
		return err
	}
	b := make([]byte, 8+snsLen+4)
	binary.BigEndian.PutUint32(b[0:], uint32(s.readerID))
	binary.BigEndian.PutUint32(b[4:], uint32(s.writerID))
	s.readerSNState.writeTo(binary.LittleEndian, b[8:])
	binary.LittleEndian.PutUint32(b[8+snsLen:], s.count)
	_, err := w.Write(b)
	return err
}

func ackNackFromSubMsg(sm *subMsg) (*submsgAckNack, error) {
	if len(sm.data) < 8 {
		return nil, errors.Wrap(ErrMalformedWire, "acknack: short body")
	}
	sns, n, err := seqNumSetFromBytes(sm.bin, sm.data[8:])
	if err != nil {
		return nil, err
	}
	if len(sm.data) < 8+n+4 {
		return nil, errors.Wrap(ErrMalformedWire, "acknack: missing count")
	}
	return &submsgAckNack{
		hdr:           sm.hdr,
		readerID:      EntityID(binary.BigEndian.Uint32(sm.data[0:])),
		writerID:      EntityID(binary.BigEndian.Uint32(sm.data[4:])),
		readerSNState: sns,
		count:         sm.bin.Uint32(sm.data[8+n:]),
		final:         sm.hdr.flags&flagAckNackFinal != 0,
	}, nil
}

// GAP submessage body.
type submsgGap struct {
	hdr      submsgHeader
	readerID EntityID
	writerID EntityID
	gapStart SeqNum
	gapList  SeqNumSet
}

func (s *submsgGap) writeTo(w io.Writer) error {
	listLen := s.gapList.wireLen()
	s.hdr.id = SubmsgGap
	s.hdr.flags |= flagEndianLE
	s.hdr.size = uint16(8 + 8 + listLen)
	if err := s.hdr.writeTo(w); err != nil {
		return err
	}
	b := make([]byte, 8+8+listLen)
	binary.BigEndian.PutUint32(b[0:], uint32(s.readerID))
	binary.BigEndian.PutUint32(b[4:], uint32(s.writerID))
	binary.LittleEndian.PutUint32(b[8:], uint32(s.gapStart.High))
	binary.LittleEndian.PutUint32(b[12:], s.gapStart.Low)
	s.gapList.writeTo(binary.LittleEndian, b[16:])
	_, err := w.Write(b)
	return err
}

func gapFromSubMsg(sm *subMsg) (*submsgGap, error) {
	if len(sm.data) < 16 {
		return nil, errors.Wrap(ErrMalformedWire, "gap: short body")
	}
	gapStart := NewSeqNum(int32(sm.bin.Uint32(sm.data[8:])), sm.bin.Uint32(sm.data[12:]))
	gapList, _, err := seqNumSetFromBytes(sm.bin, sm.data[16:])
	if err != nil {
		return nil, err
	}
	return &submsgGap{
		hdr:      sm.hdr,
		readerID: EntityID(binary.BigEndian.Uint32(sm.data[0:])),
		writerID: EntityID(binary.BigEndian.Uint32(sm.data[4:])),
		gapStart: gapStart,
		gapList:  gapList,
	}, nil
}

// encapsulationScheme is the 4-byte header preceding a serialized payload
// or parameter list: a 2-byte scheme id (always big-endian) and 2
// option bytes.
type encapsulationScheme struct {
	scheme  uint16
	options uint16
}

func (es encapsulationScheme) writeTo(w io.Writer) error {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b, es.scheme)
	binary.LittleEndian.PutUint16(b[2:], es.options)
	_, err := w.Write(b)
	return err
}

func encapsulationFromBytes(b []byte) (encapsulationScheme, error) {
	if len(b) < 4 {
		return encapsulationScheme{}, errors.Wrap(ErrMalformedWire, "encapsulation: short buffer")
	}
	return encapsulationScheme{
		scheme:  binary.BigEndian.Uint16(b[0:]),
		options: binary.LittleEndian.Uint16(b[2:]),
	}, nil
}
