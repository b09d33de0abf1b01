package rtps

import (
	"time"

	"github.com/golang/glog"
)

// MessageReceiver is the stateful per-datagram parser: it parses the
// header, walks submessages, and dispatches each to the reader or writer
// that owns its entity id, advancing the cursor by octetsToNextHeader
// after each.
type MessageReceiver struct {
	participant *Participant

	sourceGUIDPrefix GUIDPrefix
	sourceVendor     VendorID
	sourceVersion    ProtoVersion
	destGUIDPrefix   GUIDPrefix
	haveTimestamp    bool
	timestamp        time.Time
}

func newMessageReceiver(p *Participant) *MessageReceiver {
	return &MessageReceiver{participant: p}
}

// ProcessMessage parses one complete UDP datagram and dispatches every
// submessage it contains. It never panics on malformed input: a bad
// header, or a submessage header that does not fit, drops the rest of the
// datagram; a submessage whose body fails to decode is skipped and the
// walk continues with the next one (MalformedWire never mutates state).
func (r *MessageReceiver) ProcessMessage(data []byte) {
	hdr, err := headerFromBytes(data)
	if err != nil {
		glog.V(vTrace).Infof("rtps: dropping datagram, bad header: %v", err)
		return
	}
	if hdr.Magic != Magic {
		return
	}
	if hdr.Version.Major < rtpsVersionMajor {
		glog.V(vTrace).Infof("rtps: dropping datagram, protocol version %d.%d too old", hdr.Version.Major, hdr.Version.Minor)
		return
	}
	if hdr.GUIDPrefix == r.participant.GUIDPrefix {
		return // loopback of our own packet
	}

	r.sourceGUIDPrefix = hdr.GUIDPrefix
	r.sourceVendor = hdr.VendorID
	r.sourceVersion = hdr.Version
	r.haveTimestamp = false

	buf := data[headerWireLen:]
	for len(buf) >= 4 {
		sm, err := subMsgFromBytes(buf)
		if err != nil {
			glog.V(vTrace).Infof("rtps: aborting datagram mid-submessage: %v", err)
			return
		}
		r.dispatch(sm)
		buf = buf[sm.wireLen():]
	}
}

func (r *MessageReceiver) dispatch(sm *subMsg) {
	switch sm.hdr.id {
	case SubmsgData:
		r.handleData(sm)
	case SubmsgHeartbeat:
		r.handleHeartbeat(sm)
	case SubmsgAckNack:
		r.handleAckNack(sm)
	case SubmsgGap:
		r.handleGap(sm)
	case SubmsgInfoTS:
		r.handleInfoTS(sm)
	case SubmsgInfoSrc:
		r.handleInfoSrc(sm)
	case SubmsgInfoDst:
		r.handleInfoDst(sm)
	case SubmsgPad:
		// no-op
	default:
		glog.V(vTrace).Infof("rtps: skipping unhandled submessage kind 0x%02x", sm.hdr.id)
	}
}

func (r *MessageReceiver) handleInfoTS(sm *subMsg) {
	if sm.hdr.flags&flagInfoTSInvalidate != 0 {
		r.haveTimestamp = false
		return
	}
	t, err := timeFromBytes(sm.bin, sm.data)
	if err != nil {
		return
	}
	r.timestamp = t
	r.haveTimestamp = true
}

func (r *MessageReceiver) handleInfoSrc(sm *subMsg) {
	if len(sm.data) < 8+GUIDPrefixLen {
		return
	}
	r.sourceVersion = ProtoVersion{sm.data[4], sm.data[5]}
	r.sourceVendor = VendorID(sm.bin.Uint16(sm.data[6:]))
	copy(r.sourceGUIDPrefix[:], sm.data[8:8+GUIDPrefixLen])
}

func (r *MessageReceiver) handleInfoDst(sm *subMsg) {
	if len(sm.data) != GUIDPrefixLen {
		return
	}
	copy(r.destGUIDPrefix[:], sm.data)
}

// handleData dispatches DATA to a reader by readerId; if readerId is
// unknown, falls back to the local reader that already has the sending
// writer's GUID as a matched proxy.
func (r *MessageReceiver) handleData(sm *subMsg) {
	d, err := dataFromSubMsg(sm)
	if err != nil {
		glog.V(vTrace).Infof("rtps: dropping malformed DATA: %v", err)
		return
	}
	body := d.data
	inlineQoS := sm.hdr.flags&flagInlineQoS != 0
	if inlineQoS {
		qosBuf := sm.data[4+d.octetsToInlineQos:]
		_, n, err := parseParamList(sm.bin, qosBuf)
		if err != nil {
			glog.V(vTrace).Infof("rtps: dropping DATA with malformed inline QoS: %v", err)
			return
		}
		body = qosBuf[n:]
	}

	kind := ChangeAlive
	if sm.hdr.flags&flagDataFlag == 0 && sm.hdr.flags&flagKeyFlag != 0 {
		kind = ChangeNotAliveDisposed
	}

	switch d.writerID {
	case EntityIDSPDPBuiltinParticipantWriter:
		// SPDP/SEDP decode their own encapsulation header (it carries the
		// byte order for the parameter list), so they get body unstripped.
		r.participant.spdp.onData(body, r.sourceGUIDPrefix)
		return
	case EntityIDSEDPBuiltinPubWriter:
		r.participant.sedp.onPubData(body, r.sourceGUIDPrefix)
		return
	case EntityIDSEDPBuiltinSubWriter:
		r.participant.sedp.onSubData(body, r.sourceGUIDPrefix)
		return
	}

	var payload []byte
	if len(body) >= 4 {
		es, err := encapsulationFromBytes(body)
		if err == nil && (es.scheme == SchemeCDRLE || es.scheme == SchemePLCDRLE || es.scheme == SchemeCDRBE || es.scheme == SchemePLCDRBE) {
			payload = body[4:]
		} else {
			payload = body
		}
	}

	reader := r.participant.GetReader(d.readerID)
	if reader == nil && d.readerID == EntityIDUnknown {
		reader = r.participant.findReaderForWriter(d.writerID, r.sourceGUIDPrefix)
	}
	if reader == nil {
		glog.V(vTrace).Infof("rtps: %v: DATA addressed to reader id %s", ErrUnknownEntity, d.readerID)
		return
	}

	writerGUID := GUID{Prefix: r.sourceGUIDPrefix, EID: d.writerID}
	reader.NewChange(writerGUID, d.writerSN, kind, inlineQoS, payload)
}

func (r *MessageReceiver) handleHeartbeat(sm *subMsg) {
	hb, err := heartbeatFromSubMsg(sm)
	if err != nil {
		glog.V(vTrace).Infof("rtps: dropping malformed HEARTBEAT: %v", err)
		return
	}
	r.participant.RefreshRemoteParticipantLiveliness(r.sourceGUIDPrefix)

	reader := r.participant.GetReader(hb.readerID)
	if reader == nil {
		glog.V(vTrace).Infof("rtps: %v: HEARTBEAT addressed to reader id %s", ErrUnknownEntity, hb.readerID)
		return
	}
	reader.OnNewHeartbeat(hb, r.sourceGUIDPrefix, r.participant.sendAckNack)
}

func (r *MessageReceiver) handleAckNack(sm *subMsg) {
	an, err := ackNackFromSubMsg(sm)
	if err != nil {
		glog.V(vTrace).Infof("rtps: dropping malformed ACKNACK: %v", err)
		return
	}
	writer := r.participant.GetWriter(an.writerID)
	if writer == nil {
		glog.V(vTrace).Infof("rtps: %v: ACKNACK addressed to writer id %s", ErrUnknownEntity, an.writerID)
		return
	}
	missing, proxy := writer.HandleAckNack(an, r.sourceGUIDPrefix)
	if proxy == nil {
		return
	}
	r.participant.resendChanges(writer, proxy, missing)
}

func (r *MessageReceiver) handleGap(sm *subMsg) {
	gap, err := gapFromSubMsg(sm)
	if err != nil {
		glog.V(vTrace).Infof("rtps: dropping malformed GAP: %v", err)
		return
	}
	reader := r.participant.GetReader(gap.readerID)
	if reader == nil {
		glog.V(vTrace).Infof("rtps: %v: GAP addressed to reader id %s", ErrUnknownEntity, gap.readerID)
		return
	}
	reader.OnNewGapMessage(gap, r.sourceGUIDPrefix, r.participant.sendAckNack)
}
