package rtps

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestWriter(t *testing.T) (*StatefulWriter, *ReaderProxy) {
	t.Helper()
	localGUID := GUID{Prefix: GUIDPrefix{1}, EID: EntityID(0x100)}
	w := NewStatefulWriter(localGUID, EntityID(0x100), "topic", "type", 4, 8)
	readerGUID := GUID{Prefix: GUIDPrefix{2}, EID: EntityID(0x200)}
	proxy := NewReaderProxy(readerGUID, testLocator(), false, true)
	require.NoError(t, w.AddMatchedReader(proxy))
	return w, proxy
}

func TestStatefulWriterAddChangeAdvancesUnsentCursor(t *testing.T) {
	w, proxy := newTestWriter(t)
	c := w.AddChange([]byte("a"), false, false)
	require.Equal(t, NewSeqNum(0, 1), c.SN)
	require.Equal(t, NewSeqNum(0, 1), proxy.unsentFrom)
}

func TestStatefulWriterAddMatchedReaderDedups(t *testing.T) {
	w, proxy := newTestWriter(t)
	require.NoError(t, w.AddMatchedReader(proxy))
	require.Len(t, w.MatchedProxies(), 1)
}

func TestStatefulWriterAddMatchedReaderCapacity(t *testing.T) {
	w := NewStatefulWriter(GUID{}, EntityID(1), "t", "t", 1, 4)
	require.NoError(t, w.AddMatchedReader(NewReaderProxy(GUID{Prefix: GUIDPrefix{1}, EID: 1}, testLocator(), false, true)))
	err := w.AddMatchedReader(NewReaderProxy(GUID{Prefix: GUIDPrefix{2}, EID: 2}, testLocator(), false, true))
	require.Error(t, err)
}

func TestStatefulWriterHandleAckNackResendsMissing(t *testing.T) {
	w, proxy := newTestWriter(t)
	w.AddChange([]byte("1"), false, false)
	w.AddChange([]byte("2"), false, false)
	w.AddChange([]byte("3"), false, false)

	set := NewSeqNumSet(NewSeqNum(0, 2), 2)
	set.SetBit(1) // request SN 3 only
	an := &submsgAckNack{readerID: proxy.RemoteReaderGUID.EID, writerID: w.WriterEID, readerSNState: set, count: 1}

	missing, gotProxy := w.HandleAckNack(an, proxy.RemoteReaderGUID.Prefix)
	require.Same(t, proxy, gotProxy)
	require.Len(t, missing, 1)
	require.Equal(t, NewSeqNum(0, 3), missing[0].SN)
	require.Equal(t, NewSeqNum(0, 1), proxy.AckedUpTo)
}

func TestStatefulWriterHandleAckNackDropsStaleCount(t *testing.T) {
	w, proxy := newTestWriter(t)
	w.AddChange([]byte("1"), false, false)

	an := &submsgAckNack{readerID: proxy.RemoteReaderGUID.EID, writerID: w.WriterEID, readerSNState: NewSeqNumSet(NewSeqNum(0, 2), 0), count: 3}
	_, gotProxy := w.HandleAckNack(an, proxy.RemoteReaderGUID.Prefix)
	require.NotNil(t, gotProxy)

	// stale count should now be ignored.
	missing, gotProxy := w.HandleAckNack(an, proxy.RemoteReaderGUID.Prefix)
	require.Nil(t, gotProxy)
	require.Nil(t, missing)
}

func TestStatefulWriterHandleAckNackUnknownReader(t *testing.T) {
	w, _ := newTestWriter(t)
	an := &submsgAckNack{readerID: EntityID(0xdead), writerID: w.WriterEID, readerSNState: NewSeqNumSet(NewSeqNum(0, 1), 0), count: 1}
	missing, gotProxy := w.HandleAckNack(an, GUIDPrefix{9})
	require.Nil(t, missing)
	require.Nil(t, gotProxy)
}

func TestStatefulWriterBuildHeartbeatsFinalWhenAllAcked(t *testing.T) {
	w, proxy := newTestWriter(t)
	w.AddChange([]byte("1"), false, false)
	proxy.AckedUpTo = NewSeqNum(0, 1)

	targets := w.BuildHeartbeats()
	require.Len(t, targets, 1)
	require.NotZero(t, targets[0].HB.hdr.flags&flagHBFinal)
	require.Equal(t, proxy.RemoteLocator, targets[0].Dest)
}

func TestStatefulWriterBuildHeartbeatsNotFinalWhenBehind(t *testing.T) {
	w, _ := newTestWriter(t)
	w.AddChange([]byte("1"), false, false)

	targets := w.BuildHeartbeats()
	require.Len(t, targets, 1)
	require.Zero(t, targets[0].HB.hdr.flags&flagHBFinal)
}

func TestStatefulWriterBuildHeartbeatsEmptyWithNoProxies(t *testing.T) {
	w := NewStatefulWriter(GUID{}, EntityID(1), "t", "t", 4, 4)
	require.Nil(t, w.BuildHeartbeats())
}

func TestStatefulWriterSetAllChangesToUnsent(t *testing.T) {
	w, proxy := newTestWriter(t)
	w.AddChange([]byte("1"), false, false)
	w.AddChange([]byte("2"), false, false)
	proxy.unsentFrom = SeqNumUnknown

	w.SetAllChangesToUnsent()
	require.Equal(t, NewSeqNum(0, 1), proxy.unsentFrom)
}

func TestStatefulWriterUnsentChangesAdvancesCursor(t *testing.T) {
	w, proxy := newTestWriter(t)
	w.AddChange([]byte("1"), false, false)
	w.AddChange([]byte("2"), false, false)

	pending := w.UnsentChanges(proxy)
	require.Len(t, pending, 2)
	require.Equal(t, NewSeqNum(0, 2).Next(), proxy.unsentFrom)

	require.Empty(t, w.UnsentChanges(proxy))
}
