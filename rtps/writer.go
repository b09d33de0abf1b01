package rtps

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/golang/glog"
)

// StatefulWriter reliably delivers each appended cache change to every
// matched reader, resending on ACKNACK and emitting periodic HEARTBEATs,
// tracked per ReaderProxy.
type StatefulWriter struct {
	mu sync.Mutex

	WriterEID EntityID
	LocalGUID GUID
	TopicName string
	TypeName  string

	maxProxies int
	proxies    []*ReaderProxy

	cache *HistoryCache

	hbCount uint32
}

func NewStatefulWriter(localGUID GUID, writerEID EntityID, topicName, typeName string, maxProxies, historySize int) *StatefulWriter {
	return &StatefulWriter{
		WriterEID:  writerEID,
		LocalGUID:  localGUID,
		TopicName:  topicName,
		TypeName:   typeName,
		maxProxies: maxProxies,
		cache:      NewHistoryCache(historySize),
	}
}

func (w *StatefulWriter) AddMatchedReader(proxy *ReaderProxy) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range w.proxies {
		if p.RemoteReaderGUID == proxy.RemoteReaderGUID {
			return nil
		}
	}
	if len(w.proxies) >= w.maxProxies {
		return errors.Wrapf(ErrCapacity, "writer 0x%08x: matched-reader table full", w.WriterEID)
	}
	if w.cache.Empty() {
		proxy.unsentFrom = SeqNumUnknown
	} else {
		proxy.unsentFrom = w.cache.MinSN()
	}
	w.proxies = append(w.proxies, proxy)
	return nil
}

// AddChange appends payload to the history cache and marks every reader
// proxy as having an unsent change up to the new SN.
func (w *StatefulWriter) AddChange(payload []byte, inlineQoS, disposeAfterWrite bool) *CacheChange {
	w.mu.Lock()
	defer w.mu.Unlock()
	change := w.cache.AddChange(w.LocalGUID, payload, inlineQoS, disposeAfterWrite)
	for _, p := range w.proxies {
		if p.unsentFrom.Equal(SeqNumUnknown) || change.SN.Less(p.unsentFrom) {
			p.unsentFrom = change.SN
		}
	}
	return change
}

// MatchedProxies returns a snapshot of every currently matched reader
// proxy, used by Writer.Write to push a fresh sample without holding the
// writer's lock across the network call.
func (w *StatefulWriter) MatchedProxies() []*ReaderProxy {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*ReaderProxy(nil), w.proxies...)
}

func (w *StatefulWriter) findProxyLocked(readerGUID GUID) *ReaderProxy {
	for _, p := range w.proxies {
		if p.RemoteReaderGUID == readerGUID {
			return p
		}
	}
	return nil
}

// HandleAckNack drops non-increasing acknack counts, records
// ackedUpTo = base-1, and returns the list of still-cached changes the
// reader is missing for the caller to serialize and transmit. SNs the
// bitmap requests but that have already been evicted are implicitly
// covered by the next HEARTBEAT.
func (w *StatefulWriter) HandleAckNack(msg *submsgAckNack, sourcePrefix GUIDPrefix) ([]*CacheChange, *ReaderProxy) {
	readerGUID := GUID{Prefix: sourcePrefix, EID: msg.readerID}

	w.mu.Lock()
	defer w.mu.Unlock()

	proxy := w.findProxyLocked(readerGUID)
	if proxy == nil {
		return nil, nil
	}
	if proxy.ackNackSeen && msg.count <= proxy.ackNackCountLast {
		return nil, nil
	}
	proxy.ackNackCountLast = msg.count
	proxy.ackNackSeen = true

	base := msg.readerSNState.Base
	proxy.AckedUpTo = base.Prev()

	var missing []*CacheChange
	for i := uint32(0); i < msg.readerSNState.NumBits; i++ {
		if !msg.readerSNState.TestBit(i) {
			continue
		}
		sn := base.Add(i)
		if change, ok := w.cache.GetBySN(sn); ok {
			missing = append(missing, change)
		}
	}
	return missing, proxy
}

// HeartbeatTarget pairs a built HEARTBEAT with the locator it should be
// sent to, so the caller doesn't need to re-resolve the proxy by GUID.
type HeartbeatTarget struct {
	HB   *submsgHeartbeat
	Dest Locator
}

// BuildHeartbeats is the periodic HEARTBEAT task: for each reader proxy,
// builds a heartbeat with (firstSN=cache.MinSN, lastSN=cache.MaxSN,
// count=next count), final iff all proxies are fully acked.
func (w *StatefulWriter) BuildHeartbeats() []HeartbeatTarget {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.proxies) == 0 {
		return nil
	}
	w.hbCount++
	allAcked := true
	first, last := w.cache.MinSN(), w.cache.MaxSN()
	for _, p := range w.proxies {
		if p.AckedUpTo.Less(last) {
			allAcked = false
		}
	}
	hbs := make([]HeartbeatTarget, 0, len(w.proxies))
	for _, p := range w.proxies {
		hb := &submsgHeartbeat{
			readerID: p.RemoteReaderGUID.EID,
			writerID: w.WriterEID,
			firstSN:  first,
			lastSN:   last,
			count:    w.hbCount,
		}
		if allAcked {
			hb.hdr.flags |= flagHBFinal
		}
		hbs = append(hbs, HeartbeatTarget{HB: hb, Dest: p.RemoteLocator})
	}
	return hbs
}

// SetAllChangesToUnsent is a manual trigger (used by SEDPAgent.onSubData
// when a new subscriber matches): it resets every proxy's send cursor back
// to the cache's oldest change.
func (w *StatefulWriter) SetAllChangesToUnsent() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cache.Empty() {
		return
	}
	min := w.cache.MinSN()
	for _, p := range w.proxies {
		p.unsentFrom = min
	}
}

// UnsentChanges returns, for proxy, every cached change at or after its
// send cursor, and advances the cursor past them.
func (w *StatefulWriter) UnsentChanges(proxy *ReaderProxy) []*CacheChange {
	w.mu.Lock()
	defer w.mu.Unlock()
	if proxy.unsentFrom.Equal(SeqNumUnknown) || w.cache.Empty() {
		return nil
	}
	var pending []*CacheChange
	w.cache.ForEach(func(c *CacheChange) {
		if !c.SN.Less(proxy.unsentFrom) {
			pending = append(pending, c)
		}
	})
	if !w.cache.Empty() {
		proxy.unsentFrom = w.cache.MaxSN().Next()
	}
	return pending
}

func (w *StatefulWriter) logDrop(err error) {
	if err != nil {
		glog.V(vProtocol).Infof("rtps: writer 0x%08x: %v", w.WriterEID, err)
	}
}
