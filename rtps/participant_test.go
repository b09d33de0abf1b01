package rtps

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDriver is an in-memory NetworkDriver stand-in so tests never touch a
// real socket. Sent packets are recorded for assertions and can be replayed
// into a receiver with deliver.
type fakeDriver struct {
	mu   sync.Mutex
	sent []PacketInfo
}

func (f *fakeDriver) SendPacket(info PacketInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, info)
	return nil
}

func (f *fakeDriver) Close() error { return nil }

func (f *fakeDriver) packets() []PacketInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PacketInfo(nil), f.sent...)
}

// newTestParticipant builds a Participant without touching any real
// network resource, for unit-testing the table/bookkeeping logic in
// isolation from transport.go.
func newTestParticipant(t *testing.T, cfg Config) (*Participant, *fakeDriver) {
	t.Helper()
	p := &Participant{
		cfg:        cfg,
		GUIDPrefix: GUIDPrefix{0xaa},
		remotes:    make([]*ParticipantProxyData, cfg.MaxRemoteParticipants),
	}
	p.receiver = newMessageReceiver(p)
	driver := &fakeDriver{}
	p.transport = driver
	p.spdp = newSPDPAgent(p)
	p.sedp = newSEDPAgent(p)
	return p, driver
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NumWriters = 2
	cfg.NumReaders = 2
	cfg.MaxRemoteParticipants = 2
	cfg.MaxMatchedProxies = 2
	cfg.HistoryCacheSize = 8
	return cfg
}

func TestParticipantAddWriterCapacity(t *testing.T) {
	p, _ := newTestParticipant(t, testConfig())
	_, err := p.AddWriter(EntityID(1), "a", "T")
	require.NoError(t, err)
	_, err = p.AddWriter(EntityID(2), "b", "T")
	require.NoError(t, err)
	_, err = p.AddWriter(EntityID(3), "c", "T")
	require.Error(t, err)
}

func TestParticipantAddReaderCapacity(t *testing.T) {
	p, _ := newTestParticipant(t, testConfig())
	_, err := p.AddReader(EntityID(1), "a", "T", false, nil)
	require.NoError(t, err)
	_, err = p.AddReader(EntityID(2), "b", "T", false, nil)
	require.NoError(t, err)
	_, err = p.AddReader(EntityID(3), "c", "T", false, nil)
	require.Error(t, err)
}

func TestParticipantGetWriterByTopic(t *testing.T) {
	p, _ := newTestParticipant(t, testConfig())
	w, err := p.AddWriter(EntityID(1), "square", "ShapeType")
	require.NoError(t, err)
	require.Same(t, w, p.GetWriterByTopic("square", "ShapeType"))
	require.Nil(t, p.GetWriterByTopic("circle", "ShapeType"))
}

func TestParticipantFindReaderForWriterFallback(t *testing.T) {
	p, _ := newTestParticipant(t, testConfig())
	r, err := p.AddReader(EntityID(1), "square", "ShapeType", false, nil)
	require.NoError(t, err)

	writerGUID := GUID{Prefix: GUIDPrefix{1}, EID: EntityID(0x200)}
	require.NoError(t, r.AddMatchedWriter(NewWriterProxy(writerGUID, testLocator())))

	got := p.findReaderForWriter(writerGUID.EID, writerGUID.Prefix)
	require.Same(t, r, got)
}

func TestParticipantAddNewRemoteParticipantReusesDeadSlot(t *testing.T) {
	p, _ := newTestParticipant(t, testConfig())
	cfg := testConfig()
	p.cfg.MaxRemoteLeaseDuration = cfg.MaxRemoteLeaseDuration

	dead := &ParticipantProxyData{GUIDPrefix: GUIDPrefix{1}, LeaseDuration: time.Millisecond, LastLivelinessReceived: time.Now().Add(-time.Hour)}
	p.remotes[0] = dead

	fresh := &ParticipantProxyData{GUIDPrefix: GUIDPrefix{2}, LeaseDuration: time.Hour, LastLivelinessReceived: time.Now()}
	_, isNew, err := p.AddNewRemoteParticipant(fresh)
	require.NoError(t, err)
	require.True(t, isNew)
	require.Same(t, fresh, p.remotes[0])
}

func TestParticipantAddNewRemoteParticipantUpdatesExistingSlot(t *testing.T) {
	p, _ := newTestParticipant(t, testConfig())
	first := &ParticipantProxyData{GUIDPrefix: GUIDPrefix{3}, LeaseDuration: time.Hour, LastLivelinessReceived: time.Now()}
	_, isNew, err := p.AddNewRemoteParticipant(first)
	require.NoError(t, err)
	require.True(t, isNew)

	updated := &ParticipantProxyData{GUIDPrefix: GUIDPrefix{3}, LeaseDuration: 2 * time.Hour, LastLivelinessReceived: time.Now()}
	_, isNew, err = p.AddNewRemoteParticipant(updated)
	require.NoError(t, err)
	require.False(t, isNew)
	require.Equal(t, updated, p.FindRemoteParticipant(GUIDPrefix{3}))
}

func TestParticipantAddNewRemoteParticipantCapacityError(t *testing.T) {
	p, _ := newTestParticipant(t, testConfig())
	for i := byte(0); i < 2; i++ {
		proxy := &ParticipantProxyData{GUIDPrefix: GUIDPrefix{i + 1}, LeaseDuration: time.Hour, LastLivelinessReceived: time.Now()}
		_, _, err := p.AddNewRemoteParticipant(proxy)
		require.NoError(t, err)
	}
	_, _, err := p.AddNewRemoteParticipant(&ParticipantProxyData{GUIDPrefix: GUIDPrefix{9}, LeaseDuration: time.Hour, LastLivelinessReceived: time.Now()})
	require.Error(t, err)
}

func TestParticipantCheckAndResetHeartbeatsPrunesExpired(t *testing.T) {
	p, _ := newTestParticipant(t, testConfig())
	p.cfg.MaxRemoteLeaseDuration = time.Minute
	p.remotes[0] = &ParticipantProxyData{GUIDPrefix: GUIDPrefix{1}, LeaseDuration: time.Millisecond, LastLivelinessReceived: time.Now().Add(-time.Hour)}
	p.remotes[1] = &ParticipantProxyData{GUIDPrefix: GUIDPrefix{2}, LeaseDuration: time.Hour, LastLivelinessReceived: time.Now()}

	p.CheckAndResetHeartbeats()

	require.Nil(t, p.remotes[0])
	require.NotNil(t, p.remotes[1])
}

func TestParticipantRefreshRemoteParticipantLiveliness(t *testing.T) {
	p, _ := newTestParticipant(t, testConfig())
	old := time.Now().Add(-time.Hour)
	p.remotes[0] = &ParticipantProxyData{GUIDPrefix: GUIDPrefix{1}, LastLivelinessReceived: old}

	p.RefreshRemoteParticipantLiveliness(GUIDPrefix{1})
	require.True(t, p.remotes[0].LastLivelinessReceived.After(old))
}

func TestParticipantPublishChangeSendsToEachValidProxy(t *testing.T) {
	p, driver := newTestParticipant(t, testConfig())
	w, err := p.AddWriter(EntityID(1), "square", "ShapeType")
	require.NoError(t, err)

	locA := NewUDPv4Locator(net.ParseIP("10.0.0.1"), 7411)
	locB := Locator{} // invalid, should be skipped
	proxyA := NewReaderProxy(GUID{Prefix: GUIDPrefix{1}, EID: EntityID(1)}, locA, false, true)
	proxyB := NewReaderProxy(GUID{Prefix: GUIDPrefix{2}, EID: EntityID(2)}, locB, false, true)
	require.NoError(t, w.AddMatchedReader(proxyA))
	require.NoError(t, w.AddMatchedReader(proxyB))

	change := w.AddChange([]byte("payload"), false, false)
	p.publishChange(w, change, w.MatchedProxies())

	sent := driver.packets()
	require.Len(t, sent, 1)
	require.True(t, sent[0].DestAddr.Equal(locA.IP()))
}

func TestParticipantSendAckNackSkipsInvalidLocator(t *testing.T) {
	p, driver := newTestParticipant(t, testConfig())
	p.sendAckNack(&submsgAckNack{readerSNState: NewSeqNumSet(NewSeqNum(0, 1), 0)}, Locator{})
	require.Empty(t, driver.packets())
}

func TestParticipantResendChangesSkipsWhenNothingMissing(t *testing.T) {
	p, driver := newTestParticipant(t, testConfig())
	w, err := p.AddWriter(EntityID(1), "square", "ShapeType")
	require.NoError(t, err)
	proxy := NewReaderProxy(GUID{Prefix: GUIDPrefix{1}, EID: EntityID(1)}, testLocator(), false, true)
	p.resendChanges(w, proxy, nil)
	require.Empty(t, driver.packets())
}

func TestBuildDataSubmsgSetsKeyFlagForDisposed(t *testing.T) {
	change := &CacheChange{Kind: ChangeNotAliveDisposed, SN: NewSeqNum(0, 1), Payload: []byte("x")}
	d := buildDataSubmsg(EntityID(1), EntityID(2), change)
	require.NotZero(t, d.hdr.flags&flagKeyFlag)
}

func TestBuildDataSubmsgSetsDataFlagForAlive(t *testing.T) {
	change := &CacheChange{Kind: ChangeAlive, SN: NewSeqNum(0, 1), Payload: []byte("x")}
	d := buildDataSubmsg(EntityID(1), EntityID(2), change)
	require.NotZero(t, d.hdr.flags&flagDataFlag)
}

func TestNewGUIDPrefixSetsVendorBytes(t *testing.T) {
	gp := newGUIDPrefix()
	require.Equal(t, byte(MyVendorID>>8), gp[0])
	require.Equal(t, byte(MyVendorID&0xff), gp[1])
}
