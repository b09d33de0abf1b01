package rtps

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackParamString(t *testing.T) {
	cases := []string{
		"i am a test",
		"test", // already aligned
		"",     // empty
	}

	for _, s := range cases {
		packed := packParamString(s)
		require.Zero(t, len(packed)&0x3, "packed string must be 32-bit aligned")

		got, err := stringFromParamValue(binary.LittleEndian, packed)
		require.NoError(t, err)
		require.Equal(t, s, got)
	}
}

func TestSeqNumOrdering(t *testing.T) {
	require.True(t, NewSeqNum(0, 1).Less(NewSeqNum(0, 2)))
	require.True(t, NewSeqNum(0, 1).Less(NewSeqNum(1, 0)))
	require.True(t, NewSeqNum(1, 0).Greater(NewSeqNum(0, 0xffffffff)))
	require.True(t, NewSeqNum(0, 1).Equal(NewSeqNum(0, 1)))
}

func TestSeqNumNextCarries(t *testing.T) {
	next := NewSeqNum(0, 0xffffffff).Next()
	require.Equal(t, NewSeqNum(1, 0), next)
}

func TestSeqNumAddCarries(t *testing.T) {
	sn := NewSeqNum(0, 0xfffffffe).Add(3)
	require.Equal(t, NewSeqNum(1, 1), sn)
}

func TestSeqNumSetBits(t *testing.T) {
	set := NewSeqNumSet(NewSeqNum(0, 10), 5)
	set.SetBit(0)
	set.SetBit(4)
	require.True(t, set.TestBit(0))
	require.True(t, set.TestBit(4))
	require.False(t, set.TestBit(1))
	require.False(t, set.TestBit(5)) // out of range
}

func TestSeqNumSetWireRoundTrip(t *testing.T) {
	set := NewSeqNumSet(NewSeqNum(0, 10), 40)
	set.SetBit(0)
	set.SetBit(33)

	b := make([]byte, set.wireLen())
	set.writeTo(binary.LittleEndian, b)

	got, n, err := seqNumSetFromBytes(binary.LittleEndian, b)
	require.NoError(t, err)
	require.Equal(t, set.wireLen(), n)
	require.Equal(t, set.Base, got.Base)
	require.Equal(t, set.NumBits, got.NumBits)
	require.True(t, got.TestBit(0))
	require.True(t, got.TestBit(33))
	require.False(t, got.TestBit(1))
}

func TestHeaderWireRoundTrip(t *testing.T) {
	prefix := GUIDPrefix{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	var buf bytes.Buffer
	require.NoError(t, NewHeader(prefix).WriteTo(&buf))

	got, err := headerFromBytes(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, uint32(Magic), got.Magic)
	require.Equal(t, prefix, got.GUIDPrefix)
	require.Equal(t, VendorID(MyVendorID), got.VendorID)
}

func TestHeartbeatSubmsgWireRoundTrip(t *testing.T) {
	hb := &submsgHeartbeat{
		readerID: EntityIDUnknown,
		writerID: EntityIDSPDPBuiltinParticipantWriter,
		firstSN:  NewSeqNum(0, 1),
		lastSN:   NewSeqNum(0, 5),
		count:    3,
	}
	var buf bytes.Buffer
	require.NoError(t, hb.writeTo(&buf))

	sm, err := subMsgFromBytes(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, SubmsgHeartbeat, int(sm.hdr.id))

	got, err := heartbeatFromSubMsg(sm)
	require.NoError(t, err)
	require.Equal(t, hb.readerID, got.readerID)
	require.Equal(t, hb.writerID, got.writerID)
	require.Equal(t, hb.firstSN, got.firstSN)
	require.Equal(t, hb.lastSN, got.lastSN)
	require.Equal(t, hb.count, got.count)
}

func TestAckNackSubmsgWireRoundTrip(t *testing.T) {
	set := NewSeqNumSet(NewSeqNum(0, 2), 3)
	set.SetBit(1)
	an := &submsgAckNack{
		readerID:      EntityIDSPDPBuiltinParticipantReader,
		writerID:      EntityIDSPDPBuiltinParticipantWriter,
		readerSNState: set,
		count:         7,
		final:         true,
	}
	var buf bytes.Buffer
	require.NoError(t, an.writeTo(&buf))

	sm, err := subMsgFromBytes(buf.Bytes())
	require.NoError(t, err)
	got, err := ackNackFromSubMsg(sm)
	require.NoError(t, err)
	require.Equal(t, an.readerID, got.readerID)
	require.Equal(t, an.writerID, got.writerID)
	require.Equal(t, an.count, got.count)
	require.True(t, got.final)
	require.True(t, got.readerSNState.TestBit(1))
}

func TestSubMsgFromBytesRejectsShortHeader(t *testing.T) {
	_, err := subMsgFromBytes([]byte{1, 2})
	require.Error(t, err)
}
