package rtps

import (
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"
)

// RTPS times and durations use the NTP representation: seconds (i32/u32) +
// fraction (u32), where fraction is in units of 2^-32 seconds (IETF RFC
// 1305).
const fractionsPerSecond = 1 << 32

var (
	timeInvalid  = time.Unix(-1, 0)
	timeInfinite = time.Unix(0x7fffffff, 999999999)
)

func timeFromBytes(bin binary.ByteOrder, b []byte) (time.Time, error) {
	if len(b) < 8 {
		return timeInvalid, errors.Wrap(ErrMalformedWire, "time: short buffer")
	}
	sec := int64(bin.Uint32(b[0:]))
	frac := int64(bin.Uint32(b[4:]))
	nsec := (frac * int64(time.Second)) / fractionsPerSecond
	return time.Unix(sec, nsec).UTC(), nil
}

func timeToBytes(t time.Time, bin binary.ByteOrder) []byte {
	b := make([]byte, 8)
	bin.PutUint32(b[0:], uint32(t.Unix()))
	frac := (int64(t.Nanosecond()) * fractionsPerSecond) / int64(time.Second)
	bin.PutUint32(b[4:], uint32(frac))
	return b
}

func durationToBytes(d time.Duration, bin binary.ByteOrder) []byte {
	b := make([]byte, 8)
	sec := int64(d / time.Second)
	nsec := int64(d % time.Second)
	bin.PutUint32(b[0:], uint32(sec))
	frac := (nsec * fractionsPerSecond) / int64(time.Second)
	bin.PutUint32(b[4:], uint32(frac))
	return b
}

// durationFromBytes converts a wire Duration_t to a time.Duration. Per
// RTPS, fraction is in units of 2^-32 seconds, not microseconds, so the
// conversion multiplies by 1e9 (nanoseconds per second) and divides by
// 2^32 rather than scaling by 1e-6.
func durationFromBytes(bin binary.ByteOrder, b []byte) (time.Duration, error) {
	if len(b) < 8 {
		return 0, errors.Wrap(ErrMalformedWire, "duration: short buffer")
	}
	sec := int64(int32(bin.Uint32(b[0:])))
	frac := int64(bin.Uint32(b[4:]))
	nsec := sec*int64(time.Second) + (frac*int64(time.Second))/fractionsPerSecond
	return time.Duration(nsec), nil
}

// durationMillis converts a raw Duration_t (seconds, fraction) directly to
// milliseconds for lease-expiry comparisons:
// seconds*1000 + (fraction*1000)/2^32.
func durationMillis(seconds int32, fraction uint32) int64 {
	return int64(seconds)*1000 + (int64(fraction)*1000)/fractionsPerSecond
}
