package rtps

import (
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"
)

// Parameter ids recognized by the SPDP/SEDP codec.
const (
	PIDPad                        = 0x0000
	PIDSentinel                   = 0x0001
	PIDParticipantLeaseDuration   = 0x0002
	PIDTopicName                  = 0x0005
	PIDTypeName                   = 0x0007
	PIDProtocolVersion            = 0x0015
	PIDVendorID                   = 0x0016
	PIDReliability                = 0x001a
	PIDLiveliness                 = 0x001b
	PIDDurability                 = 0x001d
	PIDPresentation                = 0x0021
	PIDPartition                  = 0x0029
	PIDDefaultUnicastLocator      = 0x0031
	PIDMetatrafficUnicastLocator  = 0x0032
	PIDMetatrafficMulticastLocator = 0x0033
	PIDHistory                    = 0x0040
	PIDDefaultMulticastLocator    = 0x0048
	PIDTransportPriority          = 0x0049
	PIDExpectsInlineQoS           = 0x0043
	PIDParticipantGUID            = 0x0050
	PIDBuiltinEndpointSet         = 0x0058
	PIDPropertyList               = 0x0059
	PIDEndpointGUID               = 0x005a
	PIDKeyHash                    = 0x0070
	PIDStatusInfo                 = 0x0071
)

// Built-in endpoint bitmask bits.
type BuiltinEndpointSet uint32

const (
	BuiltinEndpointParticipantAnnouncer  BuiltinEndpointSet = 1 << 0
	BuiltinEndpointParticipantDetector   BuiltinEndpointSet = 1 << 1
	BuiltinEndpointPublicationAnnouncer  BuiltinEndpointSet = 1 << 2
	BuiltinEndpointPublicationDetector   BuiltinEndpointSet = 1 << 3
	BuiltinEndpointSubscriptionAnnouncer BuiltinEndpointSet = 1 << 4
	BuiltinEndpointSubscriptionDetector  BuiltinEndpointSet = 1 << 5
)

// Reliability/durability kinds carried on the wire.
const (
	ReliabilityBestEffort uint32 = 1
	ReliabilityReliable   uint32 = 2

	DurabilityVolatile      uint32 = 0
	DurabilityTransientLocal uint32 = 1
	DurabilityTransient      uint32 = 2
	DurabilityPersistent     uint32 = 3
)

// StatusInfo bits carried in the last byte of PID_STATUS_INFO.
const (
	StatusInfoDisposed     byte = 0x01
	StatusInfoUnregistered byte = 0x02
)

type paramID uint16

// paramListItem is one (pid, length, value) entry of a tagged parameter
// list, 4-byte aligned.
type paramListItem struct {
	pid   paramID
	value []byte
}

func (p *paramListItem) writeTo(b []byte) int {
	binary.LittleEndian.PutUint16(b[0:], uint16(p.pid))
	binary.LittleEndian.PutUint16(b[2:], uint16(len(p.value)))
	copy(b[4:], p.value)
	return 4 + len(p.value)
}

func (p *paramListItem) wireLen() int { return 4 + len(p.value) }

func paramListItemFromBytes(bin binary.ByteOrder, b []byte) (*paramListItem, int, error) {
	if len(b) < 4 {
		return nil, 0, errors.Wrap(ErrMalformedWire, "param: short header")
	}
	sz := bin.Uint16(b[2:])
	if len(b) < int(sz)+4 {
		return nil, 0, errors.Wrap(ErrMalformedWire, "param: declared length exceeds remaining bytes")
	}
	return &paramListItem{
		pid:   paramID(bin.Uint16(b[0:])),
		value: b[4 : 4+sz],
	}, 4 + int(sz), nil
}

func stringFromParamValue(bin binary.ByteOrder, value []byte) (string, error) {
	if len(value) < 4 {
		return "", errors.Wrap(ErrMalformedWire, "param string: short value")
	}
	sz := int(bin.Uint32(value[0:]))
	if sz < 1 || len(value) < 4+sz {
		return "", errors.Wrap(ErrMalformedWire, "param string: bad length")
	}
	return string(value[4 : 4+sz-1]), nil // trailing NUL is counted in sz, not in the string
}

// packParamString encodes a PID_TOPIC_NAME/PID_TYPE_NAME style value:
// 4-byte length (including the NUL) + UTF-8 bytes + NUL + align4.
func packParamString(s string) []byte {
	raw := len(s) + 1
	total := (4 + raw + 3) &^ 3
	b := make([]byte, total)
	binary.LittleEndian.PutUint32(b[0:], uint32(raw))
	copy(b[4:], s)
	return b
}

// paramList parses a full (PID,len,value)* stream terminated by
// PID_SENTINEL. Unknown PIDs are skipped; decoding aborts
// if the declared length exceeds the remaining buffer, or the buffer runs
// out before a sentinel and isn't exactly empty.
func parseParamList(bin binary.ByteOrder, b []byte) ([]*paramListItem, int, error) {
	var items []*paramListItem
	consumed := 0
	for len(b) >= 4 {
		item, n, err := paramListItemFromBytes(bin, b)
		if err != nil {
			return nil, 0, err
		}
		b = b[n:]
		consumed += n
		if item.pid == PIDSentinel {
			return items, consumed, nil
		}
		items = append(items, item)
	}
	if len(b) != 0 {
		return nil, 0, errors.Wrap(ErrMalformedWire, "param list: no sentinel before buffer end")
	}
	return items, consumed, nil
}

// paramListByteOrder inspects a leading 4-byte encapsulation header to
// pick the byte order the parameter list that follows was written with,
// stripping the header once recognized. A body too short to carry one, or
// whose first four bytes don't match a known scheme, is assumed to be a
// bare little-endian parameter list with no header at all.
func paramListByteOrder(body []byte) (binary.ByteOrder, []byte) {
	if len(body) < 4 {
		return binary.LittleEndian, body
	}
	es, err := encapsulationFromBytes(body)
	if err != nil {
		return binary.LittleEndian, body
	}
	switch es.scheme {
	case SchemeCDRBE, SchemePLCDRBE:
		return binary.BigEndian, body[4:]
	case SchemeCDRLE, SchemePLCDRLE:
		return binary.LittleEndian, body[4:]
	default:
		return binary.LittleEndian, body
	}
}

func writeParamList(items []paramListItem) []byte {
	size := 0
	for _, it := range items {
		size += it.wireLen()
	}
	sentinel := paramListItem{pid: PIDSentinel}
	size += sentinel.wireLen()
	buf := make([]byte, size)
	off := 0
	for _, it := range items {
		off += it.writeTo(buf[off:])
	}
	sentinel.writeTo(buf[off:])
	return buf
}

// ParticipantProxyData is the deserialized parameter list describing a
// remote participant: GUID, locator lists, lease
// duration, built-in-endpoint bitmask, last-seen timestamp.
type ParticipantProxyData struct {
	GUIDPrefix       GUIDPrefix
	ProtoVersion     ProtoVersion
	VendorID         VendorID
	ExpectsInlineQoS bool
	BuiltinEndpoints BuiltinEndpointSet

	MetatrafficUnicastLocators   *LocatorList
	MetatrafficMulticastLocators *LocatorList
	DefaultUnicastLocators       *LocatorList
	DefaultMulticastLocators     *LocatorList

	LeaseDuration time.Duration

	LastLivelinessReceived time.Time
}

// IsAlive reports whether the proxy is still within its lease, comparing
// against min(leaseDuration, maxConfiguredLease) using
// the standards-compliant Duration_t-to-milliseconds formula.
func (p *ParticipantProxyData) IsAlive(now time.Time, maxConfiguredLease time.Duration) bool {
	lease := p.LeaseDuration
	if maxConfiguredLease < lease {
		lease = maxConfiguredLease
	}
	return now.Sub(p.LastLivelinessReceived) <= lease
}

func serializeParticipantProxyData(p *ParticipantProxyData, localGUID GUID) []byte {
	bin := binary.LittleEndian
	var items []paramListItem

	items = append(items, paramListItem{pid: PIDProtocolVersion, value: []byte{p.ProtoVersion.Major, p.ProtoVersion.Minor, 0, 0}})

	vidBuf := make([]byte, 4)
	bin.PutUint16(vidBuf, uint16(p.VendorID))
	items = append(items, paramListItem{pid: PIDVendorID, value: vidBuf})

	for _, loc := range p.DefaultUnicastLocators.Items() {
		items = append(items, paramListItem{pid: PIDDefaultUnicastLocator, value: loc.wireBytes(bin)})
	}
	for _, loc := range p.DefaultMulticastLocators.Items() {
		items = append(items, paramListItem{pid: PIDDefaultMulticastLocator, value: loc.wireBytes(bin)})
	}
	for _, loc := range p.MetatrafficUnicastLocators.Items() {
		items = append(items, paramListItem{pid: PIDMetatrafficUnicastLocator, value: loc.wireBytes(bin)})
	}
	for _, loc := range p.MetatrafficMulticastLocators.Items() {
		items = append(items, paramListItem{pid: PIDMetatrafficMulticastLocator, value: loc.wireBytes(bin)})
	}

	items = append(items, paramListItem{pid: PIDParticipantLeaseDuration, value: durationToBytes(p.LeaseDuration, bin)})

	guidBuf := make([]byte, 16)
	copy(guidBuf, p.GUIDPrefix[:])
	binary.BigEndian.PutUint32(guidBuf[GUIDPrefixLen:], uint32(EntityIDParticipant))
	items = append(items, paramListItem{pid: PIDParticipantGUID, value: guidBuf})

	epBuf := make([]byte, 4)
	bin.PutUint32(epBuf, uint32(p.BuiltinEndpoints))
	items = append(items, paramListItem{pid: PIDBuiltinEndpointSet, value: epBuf})

	if p.ExpectsInlineQoS {
		items = append(items, paramListItem{pid: PIDExpectsInlineQoS, value: []byte{1, 0, 0, 0}})
	}

	return writeParamList(items)
}

// deserializeParticipantProxyData parses the parameter list body
// (post-encapsulation-scheme) into a ParticipantProxyData. Unrecognized
// PIDs are skipped. Each locator list is bounded at maxLocators entries;
// locators beyond that are dropped rather than growing the list
// unbounded.
func deserializeParticipantProxyData(bin binary.ByteOrder, b []byte, now time.Time, maxLocators int) (*ParticipantProxyData, error) {
	items, _, err := parseParamList(bin, b)
	if err != nil {
		return nil, err
	}
	p := &ParticipantProxyData{
		LastLivelinessReceived:       now,
		MetatrafficUnicastLocators:   NewLocatorList(maxLocators),
		MetatrafficMulticastLocators: NewLocatorList(maxLocators),
		DefaultUnicastLocators:       NewLocatorList(maxLocators),
		DefaultMulticastLocators:     NewLocatorList(maxLocators),
	}
	for _, item := range items {
		if item.pid&0x8000 != 0 {
			continue // vendor-specific, not interpreted
		}
		switch item.pid {
		case PIDProtocolVersion:
			if len(item.value) >= 2 {
				p.ProtoVersion = ProtoVersion{item.value[0], item.value[1]}
				if p.ProtoVersion.Major < rtpsVersionMajor {
					return nil, errors.Wrap(ErrMalformedWire, "participant proxy: unsupported protocol major version")
				}
			}
		case PIDVendorID:
			if len(item.value) >= 2 {
				p.VendorID = VendorID(bin.Uint16(item.value))
			}
		case PIDExpectsInlineQoS:
			if len(item.value) >= 1 {
				p.ExpectsInlineQoS = item.value[0] != 0
			}
		case PIDDefaultUnicastLocator:
			if loc, err := locatorFromBytes(bin, item.value); err == nil {
				_ = p.DefaultUnicastLocators.Add(loc)
			}
		case PIDDefaultMulticastLocator:
			if loc, err := locatorFromBytes(bin, item.value); err == nil {
				_ = p.DefaultMulticastLocators.Add(loc)
			}
		case PIDMetatrafficUnicastLocator:
			if loc, err := locatorFromBytes(bin, item.value); err == nil {
				_ = p.MetatrafficUnicastLocators.Add(loc)
			}
		case PIDMetatrafficMulticastLocator:
			if loc, err := locatorFromBytes(bin, item.value); err == nil {
				_ = p.MetatrafficMulticastLocators.Add(loc)
			}
		case PIDParticipantLeaseDuration:
			if dur, err := durationFromBytes(bin, item.value); err == nil {
				p.LeaseDuration = dur
			}
		case PIDParticipantGUID:
			if len(item.value) >= GUIDPrefixLen {
				copy(p.GUIDPrefix[:], item.value[:GUIDPrefixLen])
			}
		case PIDBuiltinEndpointSet:
			if len(item.value) >= 4 {
				p.BuiltinEndpoints = BuiltinEndpointSet(bin.Uint32(item.value))
			}
		}
	}
	return p, nil
}

// TopicData / BuiltInTopicData is the SEDP parameter list describing one
// publication or subscription.
type TopicData struct {
	EndpointGUID     GUID
	TopicName        string
	TypeName         string
	ReliabilityKind  uint32
	DurabilityKind   uint32
	HistoryKind      uint32
	HistoryDepth     uint32
	StatusInfo       byte
	KeyHash          [16]byte
}

func serializeTopicData(t *TopicData, participantPrefix GUIDPrefix) []byte {
	bin := binary.LittleEndian
	var items []paramListItem

	guidBuf := make([]byte, 16)
	copy(guidBuf, t.EndpointGUID.Prefix[:])
	binary.BigEndian.PutUint32(guidBuf[GUIDPrefixLen:], uint32(t.EndpointGUID.EID))
	items = append(items, paramListItem{pid: PIDEndpointGUID, value: guidBuf})

	if t.TopicName != "" {
		items = append(items, paramListItem{pid: PIDTopicName, value: packParamString(t.TopicName)})
	}
	if t.TypeName != "" {
		items = append(items, paramListItem{pid: PIDTypeName, value: packParamString(t.TypeName)})
	}

	relBuf := make([]byte, 12)
	bin.PutUint32(relBuf, t.ReliabilityKind)
	items = append(items, paramListItem{pid: PIDReliability, value: relBuf})

	durBuf := make([]byte, 4)
	bin.PutUint32(durBuf, t.DurabilityKind)
	items = append(items, paramListItem{pid: PIDDurability, value: durBuf})

	histBuf := make([]byte, 8)
	bin.PutUint32(histBuf, t.HistoryKind)
	bin.PutUint32(histBuf[4:], t.HistoryDepth)
	items = append(items, paramListItem{pid: PIDHistory, value: histBuf})

	if t.StatusInfo != 0 {
		items = append(items, paramListItem{pid: PIDStatusInfo, value: []byte{0, 0, 0, t.StatusInfo}})
	}

	return writeParamList(items)
}

func deserializeTopicData(bin binary.ByteOrder, b []byte) (*TopicData, error) {
	items, _, err := parseParamList(bin, b)
	if err != nil {
		return nil, err
	}
	t := &TopicData{}
	for _, item := range items {
		switch item.pid {
		case PIDEndpointGUID:
			if len(item.value) >= 16 {
				t.EndpointGUID = GUIDFromBytes(item.value)
			}
		case PIDTopicName:
			if s, err := stringFromParamValue(bin, item.value); err == nil {
				t.TopicName = s
			}
		case PIDTypeName:
			if s, err := stringFromParamValue(bin, item.value); err == nil {
				t.TypeName = s
			}
		case PIDReliability:
			if len(item.value) >= 4 {
				t.ReliabilityKind = bin.Uint32(item.value)
			}
		case PIDDurability:
			if len(item.value) >= 4 {
				t.DurabilityKind = bin.Uint32(item.value)
			}
		case PIDHistory:
			if len(item.value) >= 8 {
				t.HistoryKind = bin.Uint32(item.value)
				t.HistoryDepth = bin.Uint32(item.value[4:])
			}
		case PIDStatusInfo:
			if len(item.value) >= 4 {
				t.StatusInfo = item.value[3]
			}
		case PIDKeyHash:
			if len(item.value) >= 16 {
				copy(t.KeyHash[:], item.value[:16])
			}
		}
	}
	return t, nil
}
