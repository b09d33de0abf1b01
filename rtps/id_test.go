package rtps

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextUserEntityID(t *testing.T) {
	cases := []struct {
		kind     uint8
		isReader bool
		isWriter bool
	}{
		{EntityKindReaderNoKey, true, false},
		{EntityKindWriterNoKey, false, true},
	}

	for _, c := range cases {
		id := nextUserEntityID(c.kind)
		require.Equal(t, c.isReader, id.IsReader())
		require.Equal(t, c.isWriter, id.IsWriter())
		require.False(t, id.IsBuiltin(), "user id should never be builtin")
	}
}

func TestNextUserEntityIDIncreases(t *testing.T) {
	a := nextUserEntityID(EntityKindWriterNoKey)
	b := nextUserEntityID(EntityKindWriterNoKey)
	require.NotEqual(t, a, b)
}

func TestGUIDRoundTrip(t *testing.T) {
	g := GUID{Prefix: GUIDPrefix{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, EID: EntityIDParticipant}
	got := GUIDFromBytes(g.Bytes())
	require.Equal(t, g, got)
}

func TestGUIDUnknown(t *testing.T) {
	require.True(t, GUID{}.Unknown())
	require.False(t, (GUID{EID: EntityIDParticipant}).Unknown())
}
