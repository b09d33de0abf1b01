package rtps

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// dataSubmsgOctetsToInlineQoS is the fixed byte count between the
// octetsToInlineQos field and the start of inline QoS / payload when no
// inline QoS is present: readerId(4) + writerId(4) + writerSN(8).
const dataSubmsgOctetsToInlineQoS = 16

// Participant owns every resource a domain participant holds: the matched
// writer/reader tables, the remote-participant proxy table, the transport,
// and the discovery agents. There is no package-level mutable state;
// everything hangs off a Participant instance.
type Participant struct {
	cfg Config

	GUIDPrefix GUIDPrefix

	transport NetworkDriver
	receiver  *MessageReceiver

	writersMu sync.RWMutex
	writers   []*StatefulWriter

	readersMu sync.RWMutex
	readers   []*StatefulReader

	remotesMu sync.RWMutex
	remotes   []*ParticipantProxyData

	spdp *SPDPAgent
	sedp *SEDPAgent

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// NewParticipant builds a Participant bound to cfg, opens its UDP
// transport, and wires up the SPDP/SEDP discovery agents. It does not start
// any background task; call Start for that.
func NewParticipant(cfg Config) (*Participant, error) {
	p := &Participant{
		cfg:        cfg,
		GUIDPrefix: newGUIDPrefix(),
		remotes:    make([]*ParticipantProxyData, cfg.MaxRemoteParticipants),
	}
	p.receiver = newMessageReceiver(p)

	transport, err := NewUDPDriver(cfg, p.receiver.ProcessMessage)
	if err != nil {
		return nil, errors.Wrap(err, "rtps: starting transport")
	}
	p.transport = transport

	p.spdp = newSPDPAgent(p)
	p.sedp = newSEDPAgent(p)
	return p, nil
}

// newGUIDPrefix derives a prefix from vendor id + interface MAC + pid,
// falling back to a random google/uuid-derived prefix when no hardware
// MAC is available (containers, CI).
func newGUIDPrefix() GUIDPrefix {
	var gp GUIDPrefix
	gp[0] = byte(MyVendorID >> 8)
	gp[1] = byte(MyVendorID & 0xff)

	if iface, err := defaultInterface(); err == nil && len(iface.HardwareAddr) >= 6 {
		copy(gp[2:8], iface.HardwareAddr[:6])
	} else {
		id := uuid.New()
		copy(gp[2:8], id[:6])
	}

	binary.BigEndian.PutUint32(gp[8:], uint32(os.Getpid()))
	return gp
}

// AddWriter registers a new StatefulWriter for (topicName, typeName),
// failing with ErrCapacity once cfg.NumWriters writers are registered.
func (p *Participant) AddWriter(writerEID EntityID, topicName, typeName string) (*StatefulWriter, error) {
	p.writersMu.Lock()
	defer p.writersMu.Unlock()
	if len(p.writers) >= p.cfg.NumWriters {
		return nil, errors.Wrapf(ErrCapacity, "participant: writer table full (max %d)", p.cfg.NumWriters)
	}
	localGUID := GUID{Prefix: p.GUIDPrefix, EID: writerEID}
	w := NewStatefulWriter(localGUID, writerEID, topicName, typeName, p.cfg.MaxMatchedProxies, p.cfg.HistoryCacheSize)
	p.writers = append(p.writers, w)
	return w, nil
}

// AddReader registers a new StatefulReader for (topicName, typeName).
func (p *Participant) AddReader(readerEID EntityID, topicName, typeName string, keepHistory bool, onData DataCallback) (*StatefulReader, error) {
	p.readersMu.Lock()
	defer p.readersMu.Unlock()
	if len(p.readers) >= p.cfg.NumReaders {
		return nil, errors.Wrapf(ErrCapacity, "participant: reader table full (max %d)", p.cfg.NumReaders)
	}
	r := NewStatefulReader(p, readerEID, topicName, typeName, p.cfg.MaxMatchedProxies, p.cfg.HistoryCacheSize, keepHistory, onData)
	p.readers = append(p.readers, r)
	return r, nil
}

func (p *Participant) GetWriter(eid EntityID) *StatefulWriter {
	p.writersMu.RLock()
	defer p.writersMu.RUnlock()
	for _, w := range p.writers {
		if w.WriterEID == eid {
			return w
		}
	}
	return nil
}

func (p *Participant) GetReader(eid EntityID) *StatefulReader {
	p.readersMu.RLock()
	defer p.readersMu.RUnlock()
	for _, r := range p.readers {
		if r.ReaderEID == eid {
			return r
		}
	}
	return nil
}

func (p *Participant) GetWriterByTopic(topicName, typeName string) *StatefulWriter {
	p.writersMu.RLock()
	defer p.writersMu.RUnlock()
	for _, w := range p.writers {
		if w.TopicName == topicName && w.TypeName == typeName {
			return w
		}
	}
	return nil
}

func (p *Participant) GetReaderByTopic(topicName, typeName string) *StatefulReader {
	p.readersMu.RLock()
	defer p.readersMu.RUnlock()
	for _, r := range p.readers {
		if r.TopicName == topicName && r.TypeName == typeName {
			return r
		}
	}
	return nil
}

// findReaderForWriter resolves the matched-writer fallback needed when a
// DATA submessage addresses READER_ID_UNKNOWN: the first reader that
// already matched writerID in sourcePrefix's domain.
func (p *Participant) findReaderForWriter(writerID EntityID, sourcePrefix GUIDPrefix) *StatefulReader {
	writerGUID := GUID{Prefix: sourcePrefix, EID: writerID}
	p.readersMu.RLock()
	defer p.readersMu.RUnlock()
	for _, r := range p.readers {
		if r.HasMatchedWriter(writerGUID) {
			return r
		}
	}
	return nil
}

// AddNewRemoteParticipant records or refreshes a remote participant's proxy
// data in the fixed-size slot table sized at construction; slots are
// reused in place once a peer's lease expires. Returns ErrCapacity if
// every slot is occupied by a still-alive peer.
func (p *Participant) AddNewRemoteParticipant(proxy *ParticipantProxyData) (*ParticipantProxyData, bool, error) {
	now := time.Now()
	p.remotesMu.Lock()
	defer p.remotesMu.Unlock()

	for i, slot := range p.remotes {
		if slot != nil && slot.GUIDPrefix == proxy.GUIDPrefix {
			p.remotes[i] = proxy
			return proxy, false, nil
		}
	}
	for i, slot := range p.remotes {
		if slot == nil || !slot.IsAlive(now, p.cfg.MaxRemoteLeaseDuration) {
			p.remotes[i] = proxy
			return proxy, true, nil
		}
	}
	return nil, false, errors.Wrapf(ErrCapacity, "participant: remote-participant table full (max %d)", p.cfg.MaxRemoteParticipants)
}

func (p *Participant) FindRemoteParticipant(prefix GUIDPrefix) *ParticipantProxyData {
	p.remotesMu.RLock()
	defer p.remotesMu.RUnlock()
	for _, slot := range p.remotes {
		if slot != nil && slot.GUIDPrefix == prefix {
			return slot
		}
	}
	return nil
}

// RefreshRemoteParticipantLiveliness stamps LastLivelinessReceived for
// prefix, called on every HEARTBEAT.
func (p *Participant) RefreshRemoteParticipantLiveliness(prefix GUIDPrefix) {
	p.remotesMu.Lock()
	defer p.remotesMu.Unlock()
	for _, slot := range p.remotes {
		if slot != nil && slot.GUIDPrefix == prefix {
			slot.LastLivelinessReceived = time.Now()
			return
		}
	}
}

// CheckAndResetHeartbeats prunes remote participants whose lease has
// expired, clearing their slot so it can be reused.
func (p *Participant) CheckAndResetHeartbeats() {
	now := time.Now()
	p.remotesMu.Lock()
	defer p.remotesMu.Unlock()
	for i, slot := range p.remotes {
		if slot != nil && !slot.IsAlive(now, p.cfg.MaxRemoteLeaseDuration) {
			glog.V(vProtocol).Infof("rtps: remote participant %s lease expired", slot.GUIDPrefix)
			p.remotes[i] = nil
		}
	}
}

// sendAckNack composes and transmits one ACKNACK submessage, the callback
// StatefulReader uses to reply to a HEARTBEAT or GAP.
func (p *Participant) sendAckNack(an *submsgAckNack, dest Locator) {
	if !dest.Valid {
		return
	}
	data := composeMessage(p.GUIDPrefix, an)
	if err := p.transport.SendPacket(PacketInfo{DestAddr: dest.IP(), DestPort: uint16(dest.Port), Data: data}); err != nil {
		glog.V(vProtocol).Infof("rtps: sendAckNack to %s: %v", dest, err)
	}
}

// resendChanges retransmits every change a reader's ACKNACK reported
// missing, addressed directly to that reader.
func (p *Participant) resendChanges(writer *StatefulWriter, proxy *ReaderProxy, missing []*CacheChange) {
	if !proxy.RemoteLocator.Valid || len(missing) == 0 {
		return
	}
	for _, change := range missing {
		d := buildDataSubmsg(proxy.RemoteReaderGUID.EID, writer.WriterEID, change)
		data := composeMessage(p.GUIDPrefix, d)
		dest := proxy.RemoteLocator
		if err := p.transport.SendPacket(PacketInfo{DestAddr: dest.IP(), DestPort: uint16(dest.Port), Data: data}); err != nil {
			glog.V(vProtocol).Infof("rtps: resend to %s: %v", dest, err)
		}
	}
}

// publishChange sends one freshly-appended change to every currently
// matched reader proxy, used by pub.go's Writer.Write for the initial
// best-effort push (reliable delivery still falls back to ACKNACK-driven
// resend via resendChanges).
func (p *Participant) publishChange(writer *StatefulWriter, change *CacheChange, proxies []*ReaderProxy) {
	d := buildDataSubmsg(EntityIDUnknown, writer.WriterEID, change)
	for _, proxy := range proxies {
		if !proxy.RemoteLocator.Valid {
			continue
		}
		dd := *d
		dd.readerID = proxy.RemoteReaderGUID.EID
		data := composeMessage(p.GUIDPrefix, &dd)
		dest := proxy.RemoteLocator
		if err := p.transport.SendPacket(PacketInfo{DestAddr: dest.IP(), DestPort: uint16(dest.Port), Data: data}); err != nil {
			glog.V(vProtocol).Infof("rtps: publish to %s: %v", dest, err)
		}
	}
}

// buildDataSubmsg serializes a CacheChange back into a DATA submessage body
// ready to transmit. The encapsulation scheme header this module always
// writes is SchemeCDRLE; STATUS_INFO/key-hash framing for disposal samples
// is left to the caller via change.Kind.
func buildDataSubmsg(readerID, writerID EntityID, change *CacheChange) *submsgData {
	var body bytes.Buffer
	_ = encapsulationScheme{scheme: SchemeCDRLE}.writeTo(&body)
	body.Write(change.Payload)
	d := &submsgData{
		octetsToInlineQos: dataSubmsgOctetsToInlineQoS,
		readerID:          readerID,
		writerID:          writerID,
		writerSN:          change.SN,
		data:              body.Bytes(),
	}
	if change.Kind == ChangeNotAliveDisposed {
		d.hdr.flags |= flagKeyFlag
	} else {
		d.hdr.flags |= flagDataFlag
	}
	return d
}

// Start launches the receive path (already running inside the transport's
// goroutines) plus four long-lived background tasks: periodic SPDP
// announcement, periodic SEDP re-announcement, periodic writer
// heartbeats, and the remote-liveliness sweep. All four are tied to ctx
// via an errgroup.Group so Close can wait for a clean shutdown.
func (p *Participant) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	p.ctx, p.cancel, p.group = gctx, cancel, group

	group.Go(func() error { return p.spdp.run(gctx) })
	group.Go(func() error { return p.sedp.run(gctx) })
	group.Go(func() error { return p.heartbeatLoop(gctx) })
	group.Go(func() error { return p.livelinessLoop(gctx) })
}

func (p *Participant) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.writersMu.RLock()
			writers := append([]*StatefulWriter(nil), p.writers...)
			p.writersMu.RUnlock()
			for _, w := range writers {
				p.sendHeartbeats(w)
			}
		}
	}
}

func (p *Participant) sendHeartbeats(w *StatefulWriter) {
	for _, t := range w.BuildHeartbeats() {
		dest := t.Dest
		if !dest.Valid {
			dest = p.spdp.metatrafficMulticastLocator()
		}
		if !dest.Valid {
			continue
		}
		data := composeMessage(p.GUIDPrefix, t.HB)
		if err := p.transport.SendPacket(PacketInfo{DestAddr: dest.IP(), DestPort: uint16(dest.Port), Data: data}); err != nil {
			glog.V(vProtocol).Infof("rtps: heartbeat to %s: %v", dest, err)
		}
	}
}

// livelinessLoop ticks on the SPDP cadence but only sweeps expired
// remote participants every SPDPCycleCountHB cycles, not every tick.
func (p *Participant) livelinessLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.SPDPResendPeriod)
	defer ticker.Stop()

	cyclesPerSweep := p.cfg.SPDPCycleCountHB
	if cyclesPerSweep < 1 {
		cyclesPerSweep = 1
	}
	cycle := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cycle++
			if cycle >= cyclesPerSweep {
				cycle = 0
				p.CheckAndResetHeartbeats()
			}
		}
	}
}

// Close stops every background task and releases the transport.
func (p *Participant) Close() error {
	if p.cancel != nil {
		p.cancel()
		_ = p.group.Wait()
	}
	return p.transport.Close()
}
