package rtps

// ChangeKind is the disposition of a CacheChange.
type ChangeKind int

const (
	ChangeAlive ChangeKind = iota
	ChangeNotAliveDisposed
	ChangeInvalid
)

// CacheChange is one entry in a HistoryCache: a sequence-numbered sample
// owned by the cache that created it. The byte payload is
// consumed by the transport on send and otherwise treated as opaque.
type CacheChange struct {
	Kind              ChangeKind
	WriterGUID        GUID
	SN                SeqNum
	InlineQoS         bool
	DisposeAfterWrite bool
	Payload           []byte
}

// HistoryCache is an append-only ring buffer of N+1 slots: tail-drop
// eviction on overflow, early-abort linear scan for GetBySN, bulk prefix
// eviction via RemoveUntilIncl. It has no internal lock of its own; the
// owning StatefulReader or StatefulWriter guards cache and proxy table
// together with one mutex.
type HistoryCache struct {
	slots      []CacheChange
	head, tail int
	lastUsedSN SeqNum
}

// NewHistoryCache allocates a cache that holds at most capacity live
// changes (the ring itself has capacity+1 slots so head can always
// advance past a full tail without aliasing).
func NewHistoryCache(capacity int) *HistoryCache {
	if capacity < 1 {
		capacity = 1
	}
	return &HistoryCache{
		slots:      make([]CacheChange, capacity+1),
		lastUsedSN: NewSeqNum(0, 0),
	}
}

func (h *HistoryCache) next(i int) int { return (i + 1) % len(h.slots) }

func (h *HistoryCache) Empty() bool { return h.head == h.tail }

func (h *HistoryCache) Len() int {
	if h.head >= h.tail {
		return h.head - h.tail
	}
	return len(h.slots) - h.tail + h.head
}

// AddChange assigns SN = ++lastUsedSN, overwrites the head slot, and
// advances head. If the cache is now full, tail also advances, silently
// dropping the oldest change.
func (h *HistoryCache) AddChange(writerGUID GUID, payload []byte, inlineQoS, disposeAfterWrite bool) *CacheChange {
	h.lastUsedSN = h.lastUsedSN.Next()
	idx := h.head
	h.slots[idx] = CacheChange{
		Kind:              ChangeAlive,
		WriterGUID:        writerGUID,
		SN:                h.lastUsedSN,
		InlineQoS:         inlineQoS,
		DisposeAfterWrite: disposeAfterWrite,
		Payload:           payload,
	}
	h.head = h.next(h.head)
	if h.head == h.tail {
		h.tail = h.next(h.tail)
	}
	return &h.slots[idx]
}

// GetBySN scans from tail and aborts early once a slot's SN exceeds sn,
// since SNs are strictly increasing from tail to head.
func (h *HistoryCache) GetBySN(sn SeqNum) (*CacheChange, bool) {
	for i := h.tail; i != h.head; i = h.next(i) {
		c := &h.slots[i]
		if c.SN.Equal(sn) {
			return c, true
		}
		if c.SN.Greater(sn) {
			break
		}
	}
	return nil, false
}

func (h *HistoryCache) IsSNInRange(sn SeqNum) bool {
	if h.Empty() {
		return false
	}
	return !sn.Less(h.MinSN()) && !sn.Greater(h.MaxSN())
}

func (h *HistoryCache) MinSN() SeqNum {
	if h.Empty() {
		return SeqNumUnknown
	}
	return h.slots[h.tail].SN
}

func (h *HistoryCache) MaxSN() SeqNum {
	if h.Empty() {
		return SeqNumUnknown
	}
	prev := (h.head - 1 + len(h.slots)) % len(h.slots)
	return h.slots[prev].SN
}

// RemoveUntilIncl advances tail past every slot whose SN <= sn.
func (h *HistoryCache) RemoveUntilIncl(sn SeqNum) {
	for !h.Empty() && !h.slots[h.tail].SN.Greater(sn) {
		h.tail = h.next(h.tail)
	}
}

// SetKind mutates the kind of the change at sn in place, if present.
func (h *HistoryCache) SetKind(sn SeqNum, kind ChangeKind) bool {
	c, ok := h.GetBySN(sn)
	if !ok {
		return false
	}
	c.Kind = kind
	return true
}

// ForEach walks live changes from tail to head.
func (h *HistoryCache) ForEach(fn func(*CacheChange)) {
	for i := h.tail; i != h.head; i = h.next(i) {
		fn(&h.slots[i])
	}
}

// HistoryCacheWithDeletion adds DropChange to HistoryCache. It backs every
// StatefulReader created with keepHistory (the readers NewReader creates
// among them); no StatefulWriter uses it. DropChange compacts the ring in
// O(n).
type HistoryCacheWithDeletion struct {
	HistoryCache
	disposeAfterWriteCount int
}

func NewHistoryCacheWithDeletion(capacity int) *HistoryCacheWithDeletion {
	return &HistoryCacheWithDeletion{HistoryCache: *NewHistoryCache(capacity)}
}

// AddChange shadows HistoryCache.AddChange to keep disposeAfterWriteCount
// balanced: incrementing it for every disposeAfterWrite change added, and
// decrementing it when the ring's implicit tail-drop evicts an older
// change that was itself disposeAfterWrite (the explicit-removal path,
// DropChange, decrements it the same way).
func (h *HistoryCacheWithDeletion) AddChange(writerGUID GUID, payload []byte, inlineQoS, disposeAfterWrite bool) *CacheChange {
	willEvict := h.next(h.head) == h.tail
	var evicted CacheChange
	if willEvict {
		evicted = h.slots[h.tail]
	}
	c := h.HistoryCache.AddChange(writerGUID, payload, inlineQoS, disposeAfterWrite)
	if willEvict && evicted.DisposeAfterWrite {
		h.disposeAfterWriteCount--
	}
	if disposeAfterWrite {
		h.disposeAfterWriteCount++
	}
	return c
}

// DropChange locates sn, then shifts the live entries between tail and sn
// forward by one slot (toward where sn was) and advances tail, keeping
// the remaining SNs contiguous from the new tail to head. A change marked
// DisposeAfterWrite decrements the dispose-after-write counter on
// eviction.
func (h *HistoryCacheWithDeletion) DropChange(sn SeqNum) bool {
	n := len(h.slots)
	idx := -1
	for i := h.tail; i != h.head; i = h.next(i) {
		if h.slots[i].SN.Equal(sn) {
			idx = i
			break
		}
		if h.slots[i].SN.Greater(sn) {
			break
		}
	}
	if idx == -1 {
		return false
	}
	if h.slots[idx].DisposeAfterWrite {
		h.disposeAfterWriteCount--
	}
	for i := idx; i != h.tail; {
		prev := (i - 1 + n) % n
		h.slots[i] = h.slots[prev]
		i = prev
	}
	h.tail = h.next(h.tail)
	return true
}
