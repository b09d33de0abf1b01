package rtps

import (
	"bytes"
	"context"
	"net"
	"time"

	"github.com/golang/glog"
)

// SPDPAgent implements the Simple Participant Discovery Protocol:
// periodically multicast this participant's proxy data, and hand every
// inbound announcement to the remote-participant table,
// triggering SEDPAgent's catch-up announcement on first contact. Built
// as a per-Participant agent on top of paramlist.go's ParticipantProxyData
// codec rather than constructing parameters inline.
type SPDPAgent struct {
	p *Participant
}

func newSPDPAgent(p *Participant) *SPDPAgent {
	return &SPDPAgent{p: p}
}

func (s *SPDPAgent) run(ctx context.Context) error {
	s.broadcast()
	ticker := time.NewTicker(s.p.cfg.SPDPResendPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.broadcast()
		}
	}
}

func (s *SPDPAgent) metatrafficMulticastLocator() Locator {
	return NewUDPv4Locator(net.ParseIP(s.p.cfg.MulticastGroup), s.p.cfg.mcastBuiltinPort())
}

func (s *SPDPAgent) userMulticastLocator() Locator {
	return NewUDPv4Locator(net.ParseIP(s.p.cfg.MulticastGroup), s.p.cfg.mcastUserPort())
}

func (s *SPDPAgent) localIP() net.IP {
	if d, ok := s.p.transport.(*UDPDriver); ok {
		return d.LocalIP()
	}
	return net.IPv4zero
}

func (s *SPDPAgent) localProxyData() *ParticipantProxyData {
	ip := s.localIP()
	maxLocators := s.p.cfg.MaxLocatorsPerList

	defaultUnicast := NewLocatorList(maxLocators)
	_ = defaultUnicast.Add(NewUDPv4Locator(ip, s.p.cfg.ucastUserPort()))
	defaultMulticast := NewLocatorList(maxLocators)
	_ = defaultMulticast.Add(s.userMulticastLocator())
	metaUnicast := NewLocatorList(maxLocators)
	_ = metaUnicast.Add(NewUDPv4Locator(ip, s.p.cfg.ucastBuiltinPort()))
	metaMulticast := NewLocatorList(maxLocators)
	_ = metaMulticast.Add(s.metatrafficMulticastLocator())

	return &ParticipantProxyData{
		GUIDPrefix:   s.p.GUIDPrefix,
		ProtoVersion: ProtoVersion{rtpsVersionMajor, rtpsVersionMinor},
		VendorID:     MyVendorID,
		BuiltinEndpoints: BuiltinEndpointParticipantAnnouncer | BuiltinEndpointParticipantDetector |
			BuiltinEndpointPublicationAnnouncer | BuiltinEndpointPublicationDetector |
			BuiltinEndpointSubscriptionAnnouncer | BuiltinEndpointSubscriptionDetector,
		DefaultUnicastLocators:       defaultUnicast,
		DefaultMulticastLocators:     defaultMulticast,
		MetatrafficUnicastLocators:   metaUnicast,
		MetatrafficMulticastLocators: metaMulticast,
		LeaseDuration:                s.p.cfg.LeaseDuration,
	}
}

// broadcast announces this participant's proxy data over the builtin
// multicast group.
func (s *SPDPAgent) broadcast() {
	body := serializeParticipantProxyData(s.localProxyData(), GUID{Prefix: s.p.GUIDPrefix, EID: EntityIDParticipant})

	var encapsulated bytes.Buffer
	_ = encapsulationScheme{scheme: SchemePLCDRLE}.writeTo(&encapsulated)
	encapsulated.Write(body)

	d := &submsgData{
		octetsToInlineQos: dataSubmsgOctetsToInlineQoS,
		readerID:          EntityIDUnknown,
		writerID:          EntityIDSPDPBuiltinParticipantWriter,
		writerSN:          NewSeqNum(0, 1),
		data:              encapsulated.Bytes(),
	}
	d.hdr.flags |= flagDataFlag

	dest := s.metatrafficMulticastLocator()
	data := composeMessage(s.p.GUIDPrefix, d)
	if err := s.p.transport.SendPacket(PacketInfo{DestAddr: dest.IP(), DestPort: uint16(dest.Port), Data: data}); err != nil {
		glog.V(vProtocol).Infof("rtps: spdp broadcast: %v", err)
	}
}

// onData handles one inbound SPDP announcement: decode it, record/refresh
// it in the Participant's remote table, and on first contact re-broadcast
// this participant's own announcement and hand the newcomer to
// SEDPAgent so the two participants exchange endpoint information
// immediately rather than waiting for the next periodic SEDP tick. The
// body's encapsulation header, if present, picks PL_CDR_LE vs PL_CDR_BE
// for the parameter list that follows.
func (s *SPDPAgent) onData(body []byte, sourcePrefix GUIDPrefix) {
	bin, payload := paramListByteOrder(body)
	proxy, err := deserializeParticipantProxyData(bin, payload, time.Now(), s.p.cfg.MaxLocatorsPerList)
	if err != nil {
		glog.V(vTrace).Infof("rtps: dropping malformed SPDP data from %s: %v", sourcePrefix, err)
		return
	}
	if proxy.GUIDPrefix == s.p.GUIDPrefix {
		return
	}

	_, isNew, err := s.p.AddNewRemoteParticipant(proxy)
	if err != nil {
		glog.V(vProtocol).Infof("rtps: %v", err)
		return
	}
	if isNew {
		glog.V(vProtocol).Infof("rtps: discovered participant %s", proxy.GUIDPrefix)
		s.broadcast()
		s.p.sedp.onNewParticipant(proxy)
	}
}
