package rtps

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func composeTestDatagram(prefix GUIDPrefix, subs ...wireSubmessage) []byte {
	return composeMessage(prefix, subs...)
}

func TestMessageReceiverDropsOwnLoopback(t *testing.T) {
	p, _ := newTestParticipant(t, testConfig())
	data := composeTestDatagram(p.GUIDPrefix)
	// must not panic even though no submessages follow the header.
	p.receiver.ProcessMessage(data)
}

func TestMessageReceiverDropsBadMagic(t *testing.T) {
	p, _ := newTestParticipant(t, testConfig())
	data := composeTestDatagram(GUIDPrefix{7})
	data[0] = 'X' // corrupt the magic
	p.receiver.ProcessMessage(data)
}

func TestMessageReceiverDeliversDataToMatchedReader(t *testing.T) {
	p, _ := newTestParticipant(t, testConfig())
	var delivered *CacheChange
	r, err := p.AddReader(EntityID(0x107), "square", "ShapeType", false, func(c *CacheChange) { delivered = c })
	require.NoError(t, err)

	writerGUID := GUID{Prefix: GUIDPrefix{5}, EID: EntityID(0x200)}
	require.NoError(t, r.AddMatchedWriter(NewWriterProxy(writerGUID, testLocator())))

	change := &CacheChange{SN: NewSeqNum(0, 1), Payload: []byte("hello")}
	d := buildDataSubmsg(r.ReaderEID, writerGUID.EID, change)

	data := composeTestDatagram(writerGUID.Prefix, d)
	p.receiver.ProcessMessage(data)

	require.NotNil(t, delivered)
	require.Equal(t, "hello", string(delivered.Payload))
}

func TestMessageReceiverDataUnboundReaderIsDropped(t *testing.T) {
	p, _ := newTestParticipant(t, testConfig())
	writerGUID := GUID{Prefix: GUIDPrefix{5}, EID: EntityID(0x200)}
	change := &CacheChange{SN: NewSeqNum(0, 1), Payload: []byte("x")}
	d := buildDataSubmsg(EntityID(0x999), writerGUID.EID, change)

	data := composeTestDatagram(writerGUID.Prefix, d)
	p.receiver.ProcessMessage(data) // must not panic
}

func TestMessageReceiverHeartbeatTriggersAckNack(t *testing.T) {
	p, driver := newTestParticipant(t, testConfig())
	r, err := p.AddReader(EntityID(0x107), "square", "ShapeType", false, nil)
	require.NoError(t, err)

	writerGUID := GUID{Prefix: GUIDPrefix{5}, EID: EntityID(0x200)}
	require.NoError(t, r.AddMatchedWriter(NewWriterProxy(writerGUID, testLocator())))

	hb := &submsgHeartbeat{readerID: r.ReaderEID, writerID: writerGUID.EID, firstSN: NewSeqNum(0, 1), lastSN: NewSeqNum(0, 2), count: 1}
	data := composeTestDatagram(writerGUID.Prefix, hb)
	p.receiver.ProcessMessage(data)

	require.Len(t, driver.packets(), 1)
}

func TestMessageReceiverAckNackTriggersResend(t *testing.T) {
	p, driver := newTestParticipant(t, testConfig())
	w, err := p.AddWriter(EntityID(0x107), "square", "ShapeType")
	require.NoError(t, err)

	readerGUID := GUID{Prefix: GUIDPrefix{5}, EID: EntityID(0x200)}
	proxy := NewReaderProxy(readerGUID, testLocator(), false, true)
	require.NoError(t, w.AddMatchedReader(proxy))
	w.AddChange([]byte("1"), false, false)

	set := NewSeqNumSet(NewSeqNum(0, 1), 1)
	set.SetBit(0)
	an := &submsgAckNack{readerID: readerGUID.EID, writerID: w.WriterEID, readerSNState: set, count: 1}
	data := composeTestDatagram(readerGUID.Prefix, an)
	p.receiver.ProcessMessage(data)

	require.Len(t, driver.packets(), 1)
}

func TestMessageReceiverGapTriggersAckNack(t *testing.T) {
	p, driver := newTestParticipant(t, testConfig())
	r, err := p.AddReader(EntityID(0x107), "square", "ShapeType", false, nil)
	require.NoError(t, err)

	writerGUID := GUID{Prefix: GUIDPrefix{5}, EID: EntityID(0x200)}
	require.NoError(t, r.AddMatchedWriter(NewWriterProxy(writerGUID, testLocator())))

	gap := &submsgGap{readerID: r.ReaderEID, writerID: writerGUID.EID, gapStart: NewSeqNum(0, 3), gapList: NewSeqNumSet(NewSeqNum(0, 3), 0)}
	data := composeTestDatagram(writerGUID.Prefix, gap)
	p.receiver.ProcessMessage(data)

	require.Len(t, driver.packets(), 1)
}

func TestMessageReceiverRejectsOldProtocolVersion(t *testing.T) {
	p, _ := newTestParticipant(t, testConfig())

	var buf bytes.Buffer
	hdr := Header{Magic: Magic, Version: ProtoVersion{1, 0}, VendorID: MyVendorID, GUIDPrefix: GUIDPrefix{3}}
	require.NoError(t, hdr.WriteTo(&buf))

	p.receiver.ProcessMessage(buf.Bytes()) // must not panic, simply dropped
}
