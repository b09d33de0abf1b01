package rtps

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeRoundtrip(t *testing.T) {
	cases := []time.Time{
		time.Unix(1451457191, 226962928).UTC(),
		time.Unix(0, 0).UTC(),
	}

	for _, want := range cases {
		b := timeToBytes(want, binary.LittleEndian)
		got, err := timeFromBytes(binary.LittleEndian, b)
		require.NoError(t, err)
		require.WithinDuration(t, want, got, time.Nanosecond, "NTP fraction rounding should stay sub-nanosecond")
	}
}

func TestTimeFromBytesRejectsShortBuffer(t *testing.T) {
	_, err := timeFromBytes(binary.LittleEndian, []byte{1, 2, 3})
	require.Error(t, err)
}

func TestDurationRoundtrip(t *testing.T) {
	cases := []time.Duration{
		1451457191 * time.Nanosecond,
		5 * time.Second,
		0,
	}

	for _, want := range cases {
		b := durationToBytes(want, binary.LittleEndian)
		got, err := durationFromBytes(binary.LittleEndian, b)
		require.NoError(t, err)
		require.InDelta(t, int64(want), int64(got), 1, "NTP fraction rounding should stay sub-nanosecond")
	}
}

// TestDurationFromBytesUsesFractionOfASecond checks that fraction is
// treated as units of 2^-32 seconds, so a fraction of 0x80000000 (half
// the fraction range) contributes exactly 500ms, not 500 microseconds.
func TestDurationFromBytesUsesFractionOfASecond(t *testing.T) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:], 1)
	binary.LittleEndian.PutUint32(b[4:], 0x80000000)

	got, err := durationFromBytes(binary.LittleEndian, b)
	require.NoError(t, err)
	require.Equal(t, 1500*time.Millisecond, got)
}

func TestDurationMillis(t *testing.T) {
	require.Equal(t, int64(1500), durationMillis(1, 0x80000000))
	require.Equal(t, int64(0), durationMillis(0, 0))
}

func TestDurationFromBytesRejectsShortBuffer(t *testing.T) {
	_, err := durationFromBytes(binary.LittleEndian, []byte{1, 2, 3})
	require.Error(t, err)
}
