package rtps

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/cockroachdb/errors"
)

// Locator kinds, RTPS §9.3.3.1.
type LocatorKind int32

const (
	LocatorKindInvalid LocatorKind = -1
	LocatorKindUDPv4    LocatorKind = 1
	LocatorKindUDPv6    LocatorKind = 2
)

// Locator is (kind, port, address). The wire form carries a 16-byte
// address; this in-memory form stores only the 4-byte IPv4 suffix plus a
// validity flag.
type Locator struct {
	Kind  LocatorKind
	Port  uint32
	Addr  [4]byte
	Valid bool
}

func NewUDPv4Locator(ip net.IP, port uint16) Locator {
	var loc Locator
	loc.Kind = LocatorKindUDPv4
	loc.Port = uint32(port)
	v4 := ip.To4()
	copy(loc.Addr[:], v4)
	loc.Valid = true
	return loc
}

func (loc Locator) IP() net.IP {
	return net.IPv4(loc.Addr[0], loc.Addr[1], loc.Addr[2], loc.Addr[3])
}

func (loc Locator) String() string {
	if !loc.Valid {
		return "<invalid locator>"
	}
	return fmt.Sprintf("%s:%d", loc.IP().String(), loc.Port)
}

// wire form: kind(4) + port(4) + address(16), little/big endian per the
// enclosing parameter list's encapsulation scheme.
const wireLocatorLen = 24

func locatorFromBytes(bin binary.ByteOrder, b []byte) (Locator, error) {
	if len(b) < wireLocatorLen {
		return Locator{}, errors.Wrap(ErrMalformedWire, "locator: short buffer")
	}
	var loc Locator
	loc.Kind = LocatorKind(bin.Uint32(b[0:]))
	loc.Port = bin.Uint32(b[4:])
	// the wire address is a 16-byte field; an IPv4 address is carried in
	// the last 4 bytes with the rest zeroed.
	copy(loc.Addr[:], b[8+12:8+16])
	loc.Valid = loc.Kind == LocatorKindUDPv4 || loc.Kind == LocatorKindUDPv6
	return loc, nil
}

func (loc Locator) wireBytes(bin binary.ByteOrder) []byte {
	b := make([]byte, wireLocatorLen)
	bin.PutUint32(b[0:], uint32(loc.Kind))
	bin.PutUint32(b[4:], loc.Port)
	copy(b[8+12:8+16], loc.Addr[:])
	return b
}

// LocatorList is a bounded list of locators: fixed capacity with unused
// slots simply absent rather than explicitly marked invalid. The bound
// comes from Config.MaxLocatorsPerList at construction time rather than a
// compile-time array, since list capacity is itself a runtime-configurable
// resource bound.
type LocatorList struct {
	items []Locator
	cap   int
}

func NewLocatorList(capacity int) *LocatorList {
	return &LocatorList{cap: capacity}
}

func (l *LocatorList) Add(loc Locator) error {
	if len(l.items) >= l.cap {
		return errors.Wrap(ErrCapacity, "locator list full")
	}
	l.items = append(l.items, loc)
	return nil
}

// Items returns the list's entries, or nil for a nil *LocatorList — a
// ParticipantProxyData built without locators (tests, defaults) leaves
// these fields unset rather than forcing every caller to check for nil.
func (l *LocatorList) Items() []Locator {
	if l == nil {
		return nil
	}
	return l.items
}

// FirstValid returns the first valid locator in the list, used by the
// SEDP wiring step that needs the first remote meta-traffic unicast
// locator that is valid.
func (l *LocatorList) FirstValid() (Locator, bool) {
	if l == nil {
		return Locator{}, false
	}
	for _, loc := range l.items {
		if loc.Valid {
			return loc, true
		}
	}
	return Locator{}, false
}
