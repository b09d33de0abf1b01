package rtps

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// firstValidLocator returns the first valid entry of locs, used wherever
// a peer's first valid remote locator needs picking.
func firstValidLocator(locs []Locator) (Locator, bool) {
	for _, loc := range locs {
		if loc.Valid {
			return loc, true
		}
	}
	return Locator{}, false
}

// SEDPAgent implements the Simple Endpoint Discovery Protocol: announce
// every local writer/reader's (topic, type) over the builtin SEDP
// endpoints, and match inbound announcements against local endpoints by
// (topic, type) to wire up WriterProxy/ReaderProxy pairs. Publication and
// subscription announcements are addressed with distinct
// announcer/detector id pairs, picked by what kind of endpoint is being
// announced, rather than always using the subscription pair.
type SEDPAgent struct {
	p *Participant

	mu                  sync.Mutex
	remoteMetatraffic   map[GUIDPrefix]Locator
	remotePublications  []*TopicData
	remoteSubscriptions []*TopicData
}

func newSEDPAgent(p *Participant) *SEDPAgent {
	return &SEDPAgent{
		p:                 p,
		remoteMetatraffic: make(map[GUIDPrefix]Locator),
	}
}

// run re-announces every local endpoint on the same cadence as SPDP, so a
// peer that missed the original announcement (or joined mid-flight)
// eventually catches up even without the onNewParticipant fast path.
func (s *SEDPAgent) run(ctx context.Context) error {
	ticker := time.NewTicker(s.p.cfg.SPDPResendPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.announceAllLocal(s.p.spdp.metatrafficMulticastLocator())
		}
	}
}

func (s *SEDPAgent) announceAllLocal(dest Locator) {
	s.announceLocalWriters(dest)
	s.announceLocalReaders(dest)
}

func (s *SEDPAgent) announceLocalWriters(dest Locator) {
	s.p.writersMu.RLock()
	writers := append([]*StatefulWriter(nil), s.p.writers...)
	s.p.writersMu.RUnlock()
	for _, w := range writers {
		if w.TopicName != "" {
			s.announceWriter(w, dest)
		}
	}
}

func (s *SEDPAgent) announceLocalReaders(dest Locator) {
	s.p.readersMu.RLock()
	readers := append([]*StatefulReader(nil), s.p.readers...)
	s.p.readersMu.RUnlock()
	for _, r := range readers {
		if r.TopicName != "" {
			s.announceReader(r, dest)
		}
	}
}

// onNewParticipant fires once per newly discovered remote participant. It
// records that peer's metatraffic unicast locator, then consults the
// peer's declared built-in-endpoint bitmask: local writers are only
// announced to a peer that declared a publication detector, local readers
// only to one that declared a subscription detector, and a peer that
// declared a SEDP builtin writer (publication or subscription announcer)
// gets an immediate preemptive ACKNACK so that writer starts heartbeating
// without waiting out its own periodic cycle.
func (s *SEDPAgent) onNewParticipant(proxy *ParticipantProxyData) {
	dest := s.p.spdp.metatrafficMulticastLocator()
	if loc, ok := firstValidLocator(proxy.MetatrafficUnicastLocators.Items()); ok {
		dest = loc
	}
	s.mu.Lock()
	s.remoteMetatraffic[proxy.GUIDPrefix] = dest
	s.mu.Unlock()

	if proxy.BuiltinEndpoints&BuiltinEndpointPublicationDetector != 0 {
		s.announceLocalWriters(dest)
	}
	if proxy.BuiltinEndpoints&BuiltinEndpointSubscriptionDetector != 0 {
		s.announceLocalReaders(dest)
	}
	if proxy.BuiltinEndpoints&BuiltinEndpointPublicationAnnouncer != 0 {
		s.sendPreemptiveAckNack(EntityIDSEDPBuiltinPubWriter, EntityIDSEDPBuiltinPubReader, dest)
	}
	if proxy.BuiltinEndpoints&BuiltinEndpointSubscriptionAnnouncer != 0 {
		s.sendPreemptiveAckNack(EntityIDSEDPBuiltinSubWriter, EntityIDSEDPBuiltinSubReader, dest)
	}
}

// sendPreemptiveAckNack requests an immediate HEARTBEAT from a remote
// builtin SEDP writer, mirroring StatefulReader.SendPreemptiveAckNack for
// the SEDP channel itself, which isn't backed by a StatefulReader proxy
// table.
func (s *SEDPAgent) sendPreemptiveAckNack(remoteWriterID, localReaderID EntityID, dest Locator) {
	if !dest.Valid {
		return
	}
	an := &submsgAckNack{
		readerID:      localReaderID,
		writerID:      remoteWriterID,
		readerSNState: NewSeqNumSet(NewSeqNum(0, 1), 0),
		count:         0,
		final:         true,
	}
	data := composeMessage(s.p.GUIDPrefix, an)
	if err := s.p.transport.SendPacket(PacketInfo{DestAddr: dest.IP(), DestPort: uint16(dest.Port), Data: data}); err != nil {
		glog.V(vProtocol).Infof("rtps: sedp preemptive acknack: %v", err)
	}
}

func (s *SEDPAgent) announceWriter(w *StatefulWriter, dest Locator) {
	t := &TopicData{
		EndpointGUID:    w.LocalGUID,
		TopicName:       w.TopicName,
		TypeName:        w.TypeName,
		ReliabilityKind: ReliabilityReliable,
		DurabilityKind:  DurabilityVolatile,
	}
	s.announce(t, EntityIDSEDPBuiltinPubReader, EntityIDSEDPBuiltinPubWriter, dest)
}

func (s *SEDPAgent) announceReader(r *StatefulReader, dest Locator) {
	t := &TopicData{
		EndpointGUID:    GUID{Prefix: s.p.GUIDPrefix, EID: r.ReaderEID},
		TopicName:       r.TopicName,
		TypeName:        r.TypeName,
		ReliabilityKind: ReliabilityReliable,
		DurabilityKind:  DurabilityVolatile,
	}
	s.announce(t, EntityIDSEDPBuiltinSubReader, EntityIDSEDPBuiltinSubWriter, dest)
}

// announce serializes t and sends it addressed to (readerID, writerID) —
// the SEDP publication pair for a writer announcement, the subscription
// pair for a reader announcement. Earlier designs that always used the
// subscription pair made publication announcements silently
// misdelivered to peers' subscription detectors.
func (s *SEDPAgent) announce(t *TopicData, readerID, writerID EntityID, dest Locator) {
	if !dest.Valid {
		return
	}
	body := serializeTopicData(t, s.p.GUIDPrefix)

	var encapsulated bytes.Buffer
	_ = encapsulationScheme{scheme: SchemePLCDRLE}.writeTo(&encapsulated)
	encapsulated.Write(body)

	d := &submsgData{
		octetsToInlineQos: dataSubmsgOctetsToInlineQoS,
		readerID:          readerID,
		writerID:          writerID,
		writerSN:          NewSeqNum(0, 1),
		data:              encapsulated.Bytes(),
	}
	d.hdr.flags |= flagDataFlag

	data := composeMessage(s.p.GUIDPrefix, d)
	if err := s.p.transport.SendPacket(PacketInfo{DestAddr: dest.IP(), DestPort: uint16(dest.Port), Data: data}); err != nil {
		glog.V(vProtocol).Infof("rtps: sedp announce %s/%s: %v", t.TopicName, t.TypeName, err)
	}
}

// onPubData handles an inbound SEDP publication announcement: match it
// against every local reader sharing (topic, type) and add the remote
// writer as a matched proxy.
func (s *SEDPAgent) onPubData(body []byte, sourcePrefix GUIDPrefix) {
	bin, payload := paramListByteOrder(body)
	t, err := deserializeTopicData(bin, payload)
	if err != nil {
		glog.V(vTrace).Infof("rtps: dropping malformed SEDP pub data from %s: %v", sourcePrefix, err)
		return
	}
	t.EndpointGUID.Prefix = sourcePrefix

	s.mu.Lock()
	s.remotePublications = append(s.remotePublications, t)
	s.mu.Unlock()

	loc := s.remoteDefaultLocator(sourcePrefix)
	s.p.readersMu.RLock()
	readers := append([]*StatefulReader(nil), s.p.readers...)
	s.p.readersMu.RUnlock()
	for _, r := range readers {
		if r.TopicName == t.TopicName && r.TypeName == t.TypeName {
			proxy := NewWriterProxy(t.EndpointGUID, loc)
			if err := r.AddMatchedWriter(proxy); err != nil {
				glog.V(vProtocol).Infof("rtps: %v", err)
				continue
			}
			r.SendPreemptiveAckNack(proxy, s.p.sendAckNack)
		}
	}
}

// onSubData handles an inbound SEDP subscription announcement,
// symmetrically matching it against local writers and resetting each
// matched writer's per-reader send cursors to its oldest cached change.
func (s *SEDPAgent) onSubData(body []byte, sourcePrefix GUIDPrefix) {
	bin, payload := paramListByteOrder(body)
	t, err := deserializeTopicData(bin, payload)
	if err != nil {
		glog.V(vTrace).Infof("rtps: dropping malformed SEDP sub data from %s: %v", sourcePrefix, err)
		return
	}
	t.EndpointGUID.Prefix = sourcePrefix

	s.mu.Lock()
	s.remoteSubscriptions = append(s.remoteSubscriptions, t)
	s.mu.Unlock()

	loc := s.remoteDefaultLocator(sourcePrefix)
	s.p.writersMu.RLock()
	writers := append([]*StatefulWriter(nil), s.p.writers...)
	s.p.writersMu.RUnlock()
	for _, w := range writers {
		if w.TopicName == t.TopicName && w.TypeName == t.TypeName {
			proxy := NewReaderProxy(t.EndpointGUID, loc, false, true)
			if err := w.AddMatchedReader(proxy); err != nil {
				glog.V(vProtocol).Infof("rtps: %v", err)
				continue
			}
			w.SetAllChangesToUnsent()
		}
	}
}

func (s *SEDPAgent) remoteDefaultLocator(prefix GUIDPrefix) Locator {
	if proxy := s.p.FindRemoteParticipant(prefix); proxy != nil {
		if loc, ok := firstValidLocator(proxy.DefaultUnicastLocators.Items()); ok {
			return loc
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteMetatraffic[prefix]
}
