package rtps

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// GUIDPrefixLen is the fixed prefix size from the RTPS spec: 12-byte
// prefix + 4-byte entity id.
const GUIDPrefixLen = 12

// Magic is the 4-byte "RTPS" marker that opens every message Header.
const Magic = 0x52545053

// MyVendorID identifies this implementation on the wire. Vendor ids are
// allocated by the OMG; this one is unregistered and only meaningful among
// peers that know to treat it as "some Go RTPS stack".
const MyVendorID = 0x1234

// Reserved entity ids from the RTPS standard. These must match peer
// implementations bit-for-bit.
const (
	EntityIDUnknown                    EntityID = 0x00000000
	EntityIDParticipant                EntityID = 0x000001c1
	EntityIDSEDPBuiltinTopicWriter     EntityID = 0x000002c2
	EntityIDSEDPBuiltinTopicReader     EntityID = 0x000002c7
	EntityIDSEDPBuiltinPubWriter       EntityID = 0x000003c2
	EntityIDSEDPBuiltinPubReader       EntityID = 0x000003c7
	EntityIDSEDPBuiltinSubWriter       EntityID = 0x000004c2
	EntityIDSEDPBuiltinSubReader       EntityID = 0x000004c7
	EntityIDSPDPBuiltinParticipantWriter EntityID = 0x000100c2
	EntityIDSPDPBuiltinParticipantReader EntityID = 0x000100c7
	EntityIDP2PBuiltinParticipantMessageWriter EntityID = 0x000200c2
	EntityIDP2PBuiltinParticipantMessageReader EntityID = 0x000200c7
)

// EntityID kind/source masks (RTPS §9.3.1.2).
const (
	entityIDSourceMask     = 0xc0
	entityIDSourceUser     = 0x00
	entityIDSourceBuiltin  = 0xc0
	entityIDSourceVendor   = 0x40
	entityIDKindMask       = 0x3f
	EntityKindWriterWithKey = 0x02
	EntityKindWriterNoKey   = 0x03
	EntityKindReaderNoKey   = 0x04
	EntityKindReaderWithKey = 0x07
	entityIDAllocStep       = 0x100
)

// VendorID is the vendor field of a GUID / Header; see vendorName for the
// well-known OMG-registered values.
type VendorID uint16

func vendorName(id VendorID) string {
	switch id {
	case 0x0101:
		return "RTI Connext"
	case 0x0102:
		return "PrismTech OpenSplice"
	case 0x0103:
		return "OCI OpenDDS"
	case 0x010a:
		return "RTI Connext Micro"
	case 0x010f:
		return "eProsima"
	case MyVendorID:
		return "go-rtps"
	default:
		return "unknown"
	}
}

// EntityID is the 4-byte (3-byte key + 1-byte kind) entity identifier half
// of a GUID. It is always encoded big-endian on the wire, regardless of a
// submessage's endian flag.
type EntityID uint32

func (eid EntityID) kind() uint8 { return uint8(eid & 0xff) }

func (eid EntityID) IsWriter() bool {
	switch eid & entityIDKindMask {
	case EntityKindWriterWithKey, EntityKindWriterNoKey:
		return true
	}
	return false
}

func (eid EntityID) IsReader() bool {
	switch eid & entityIDKindMask {
	case EntityKindReaderWithKey, EntityKindReaderNoKey:
		return true
	}
	return false
}

func (eid EntityID) IsBuiltin() bool {
	return (eid & entityIDSourceMask) == entityIDSourceBuiltin
}

func (eid EntityID) IsBuiltinEndpoint() bool {
	return eid.IsBuiltin() && eid != EntityIDParticipant
}

func (eid EntityID) String() string {
	return fmt.Sprintf("0x%08x", uint32(eid))
}

// userEntityCounter is the sequential 3-byte counter user entity ids are
// assigned from. It lives at package scope because EntityID values must
// be unique per-process; NewWriter (pub.go) and NewReader (sub.go) are
// its callers in normal use.
var userEntityCounter int32

func nextUserEntityID(kind uint8) EntityID {
	return EntityID(atomic.AddInt32(&userEntityCounter, entityIDAllocStep)) | EntityID(kind)
}

// GUIDPrefix is the 12-byte participant-scoped half of every GUID in that
// participant's domain.
type GUIDPrefix [GUIDPrefixLen]byte

var UnknownGUIDPrefix = GUIDPrefix{}

func (gp GUIDPrefix) String() string {
	return fmt.Sprintf("%02x%02x%02x%02x-%02x%02x%02x%02x-%02x%02x%02x%02x",
		gp[0], gp[1], gp[2], gp[3], gp[4], gp[5], gp[6], gp[7], gp[8], gp[9], gp[10], gp[11])
}

// GUID is a 16-byte globally unique endpoint identifier: prefix + entity
// id. It is a plain comparable struct (not a pointer) so it can key maps
// directly: all cross-references in this module are by GUID, not by
// pointer.
type GUID struct {
	Prefix GUIDPrefix
	EID    EntityID
}

func GUIDFromBytes(b []byte) GUID {
	var g GUID
	copy(g.Prefix[:], b[:GUIDPrefixLen])
	g.EID = EntityID(binary.BigEndian.Uint32(b[GUIDPrefixLen:]))
	return g
}

func (g GUID) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, g.Prefix[:])
	binary.BigEndian.PutUint32(b[GUIDPrefixLen:], uint32(g.EID))
	return b
}

func (g GUID) Unknown() bool {
	return g.EID == EntityIDUnknown && g.Prefix == UnknownGUIDPrefix
}

func (g GUID) String() string {
	return fmt.Sprintf("[%s : %s]", g.Prefix.String(), g.EID.String())
}
