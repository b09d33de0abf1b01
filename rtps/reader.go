package rtps

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/golang/glog"
)

// DataCallback is invoked synchronously from the receive goroutine for
// every in-order DATA delivered by a StatefulReader.
type DataCallback func(change *CacheChange)

// StatefulReader delivers, per matched writer, every DATA in SN order and
// requests missing SNs via ACKNACK.
type StatefulReader struct {
	mu sync.Mutex

	ReaderEID EntityID
	TopicName string
	TypeName  string

	maxProxies int
	proxies    []*WriterProxy

	cache *HistoryCacheWithDeletion // nil for readers that don't retain history

	onData      DataCallback
	participant *Participant

	droppedOutOfOrder uint64
	droppedUnknown    uint64
}

// NewStatefulReader builds a reader bound to readerEID. keepHistory
// enables the deletion-variant cache used by discovery endpoints; user
// readers that only care about live delivery can leave it off.
func NewStatefulReader(p *Participant, readerEID EntityID, topicName, typeName string, maxProxies, historySize int, keepHistory bool, onData DataCallback) *StatefulReader {
	r := &StatefulReader{
		ReaderEID:   readerEID,
		TopicName:   topicName,
		TypeName:    typeName,
		maxProxies:  maxProxies,
		onData:      onData,
		participant: p,
	}
	if keepHistory {
		r.cache = NewHistoryCacheWithDeletion(historySize)
	}
	return r
}

// AddMatchedWriter registers a remote writer proxy, failing with
// ErrCapacity if the proxy table is full.
func (r *StatefulReader) AddMatchedWriter(proxy *WriterProxy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.proxies {
		if p.RemoteWriterGUID == proxy.RemoteWriterGUID {
			return nil
		}
	}
	if len(r.proxies) >= r.maxProxies {
		return errors.Wrapf(ErrCapacity, "reader 0x%08x: matched-writer table full", r.ReaderEID)
	}
	r.proxies = append(r.proxies, proxy)
	return nil
}

// HasMatchedWriter reports whether writerGUID is already a matched proxy,
// used by Participant.findReaderForWriter to resolve DATA submessages
// addressed to READER_ID_UNKNOWN.
func (r *StatefulReader) HasMatchedWriter(writerGUID GUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findProxyLocked(writerGUID) != nil
}

func (r *StatefulReader) findProxyLocked(writerGUID GUID) *WriterProxy {
	for _, p := range r.proxies {
		if p.RemoteWriterGUID == writerGUID {
			return p
		}
	}
	return nil
}

// NewChange handles an inbound DATA: accept only the next-expected SN per
// writer, silently dropping duplicates/out-of-order SNs and data from
// unmatched writers.
func (r *StatefulReader) NewChange(writerGUID GUID, sn SeqNum, kind ChangeKind, inlineQoS bool, payload []byte) {
	r.mu.Lock()
	proxy := r.findProxyLocked(writerGUID)
	if proxy == nil {
		r.droppedUnknown++
		r.mu.Unlock()
		glog.V(vTrace).Infof("rtps: reader 0x%08x dropped DATA from unmatched writer %s", r.ReaderEID, writerGUID)
		return
	}
	if !sn.Equal(proxy.ExpectedSN) {
		r.droppedOutOfOrder++
		r.mu.Unlock()
		glog.V(vTrace).Infof("rtps: reader 0x%08x dropped DATA sn=%s, expected %s from %s", r.ReaderEID, sn, proxy.ExpectedSN, writerGUID)
		return
	}

	var change *CacheChange
	if r.cache != nil {
		change = r.cache.AddChange(writerGUID, payload, inlineQoS, false)
		change.SN = sn
		change.Kind = kind
	} else {
		change = &CacheChange{Kind: kind, WriterGUID: writerGUID, SN: sn, InlineQoS: inlineQoS, Payload: payload}
	}
	proxy.ExpectedSN = proxy.ExpectedSN.Next()
	cb := r.onData
	r.mu.Unlock()

	if cb != nil {
		cb(change)
	}
}

// OnNewHeartbeat handles the heartbeat path: jump expectedSN forward if
// the writer has discarded older history, then respond with an ACKNACK
// covering [expectedSN, lastSN].
func (r *StatefulReader) OnNewHeartbeat(hb *submsgHeartbeat, sourcePrefix GUIDPrefix, send func(an *submsgAckNack, dest Locator)) {
	writerGUID := GUID{Prefix: sourcePrefix, EID: hb.writerID}

	r.mu.Lock()
	proxy := r.findProxyLocked(writerGUID)
	if proxy == nil {
		r.mu.Unlock()
		return
	}
	if hb.count <= proxy.HBCount && proxy.HBCount != 0 {
		r.mu.Unlock()
		return
	}
	proxy.HBCount = hb.count

	if proxy.ExpectedSN.Less(hb.firstSN) {
		proxy.ExpectedSN = hb.firstSN
	}

	missingCount := uint32(0)
	if !hb.lastSN.Less(proxy.ExpectedSN) {
		missingCount = snDiffBits(proxy.ExpectedSN, hb.lastSN)
	}

	set := NewSeqNumSet(proxy.ExpectedSN, missingCount)
	for i := uint32(0); i < missingCount; i++ {
		set.SetBit(i)
	}
	proxy.AckNackCount++
	an := &submsgAckNack{
		readerID:      r.ReaderEID,
		writerID:      hb.writerID,
		readerSNState: set,
		count:         proxy.AckNackCount,
		final:         missingCount == 0,
	}
	loc := proxy.RemoteLocator
	r.mu.Unlock()

	if send != nil {
		send(an, loc)
	}
}

// snDiffBits returns the number of SNs in [from, to] inclusive, bounded by
// SNSMaxNumBits.
func snDiffBits(from, to SeqNum) uint32 {
	if to.Less(from) {
		return 0
	}
	diffHigh := int64(to.High) - int64(from.High)
	count := diffHigh*4294967296 + int64(to.Low) - int64(from.Low) + 1
	if count < 0 {
		return 0
	}
	if count > SNSMaxNumBits {
		return SNSMaxNumBits
	}
	return uint32(count)
}

// OnNewGapMessage implements the three-case GAP logic, bounded so a
// malformed or maximal GAP can never walk past the declared bitmap.
func (r *StatefulReader) OnNewGapMessage(gap *submsgGap, sourcePrefix GUIDPrefix, send func(an *submsgAckNack, dest Locator)) {
	writerGUID := GUID{Prefix: sourcePrefix, EID: gap.writerID}

	r.mu.Lock()
	proxy := r.findProxyLocked(writerGUID)
	if proxy == nil {
		r.mu.Unlock()
		return
	}

	var ackNackNeeded bool
	var missingBase SeqNum
	var missingCount uint32

	switch {
	case proxy.ExpectedSN.Less(gap.gapStart):
		// Case 1: request [expectedSN, gapStart-1].
		missingBase = proxy.ExpectedSN
		missingCount = snDiffBits(proxy.ExpectedSN, gap.gapStart.Prev())
		ackNackNeeded = true

	case !proxy.ExpectedSN.Less(gap.gapStart) && proxy.ExpectedSN.Less(gap.gapList.Base):
		// Case 2: jump to gapList.base, then keep advancing while the
		// bitmap says the SN is declared absent.
		proxy.ExpectedSN = gap.gapList.Base
		fallthrough

	default:
		// Case 3 (and the tail of case 2): advance while bit
		// (expectedSN - base) is set; stop at the first unset bit and
		// request that SN.
		if !proxy.ExpectedSN.Less(gap.gapList.Base) {
			bit := snDiffBits(gap.gapList.Base, proxy.ExpectedSN) - 1
			for bit < gap.gapList.NumBits && bit < SNSMaxNumBits && gap.gapList.TestBit(bit) {
				proxy.ExpectedSN = proxy.ExpectedSN.Next()
				bit++
			}
			if bit < gap.gapList.NumBits {
				missingBase = proxy.ExpectedSN
				missingCount = 1
				ackNackNeeded = true
			}
		}
	}

	var an *submsgAckNack
	var loc Locator
	if ackNackNeeded && missingCount > 0 {
		set := NewSeqNumSet(missingBase, missingCount)
		for i := uint32(0); i < missingCount; i++ {
			set.SetBit(i)
		}
		proxy.AckNackCount++
		an = &submsgAckNack{
			readerID:      r.ReaderEID,
			writerID:      gap.writerID,
			readerSNState: set,
			count:         proxy.AckNackCount,
		}
		loc = proxy.RemoteLocator
	}
	r.mu.Unlock()

	if an != nil && send != nil {
		send(an, loc)
	}
}

// SendPreemptiveAckNack emits a zero-count ACKNACK with an empty SNS to
// prompt the remote writer to heartbeat, used immediately after adding a
// writer proxy.
func (r *StatefulReader) SendPreemptiveAckNack(proxy *WriterProxy, send func(an *submsgAckNack, dest Locator)) {
	r.mu.Lock()
	an := &submsgAckNack{
		readerID:      r.ReaderEID,
		writerID:      proxy.RemoteWriterGUID.EID,
		readerSNState: NewSeqNumSet(proxy.ExpectedSN, 0),
		count:         0,
		final:         true,
	}
	loc := proxy.RemoteLocator
	r.mu.Unlock()
	if send != nil {
		send(an, loc)
	}
}
