package rtps

// WriterProxy is the per-remote-writer record held inside a StatefulReader.
// expectedSN only ever moves forward.
type WriterProxy struct {
	RemoteWriterGUID GUID
	RemoteLocator    Locator
	ExpectedSN       SeqNum
	HBCount          uint32
	AckNackCount     uint32
}

// NewWriterProxy seeds expectedSN at {0,1}, the initial value used
// until the first heartbeat arrives.
func NewWriterProxy(remoteWriterGUID GUID, loc Locator) *WriterProxy {
	return &WriterProxy{
		RemoteWriterGUID: remoteWriterGUID,
		RemoteLocator:    loc,
		ExpectedSN:       NewSeqNum(0, 1),
	}
}

// ReaderProxy is the per-remote-reader record held inside a StatefulWriter.
// ackedUpTo only ever moves forward.
type ReaderProxy struct {
	RemoteReaderGUID GUID
	RemoteLocator    Locator
	ExpectsInlineQoS bool
	IsReliable       bool
	AckedUpTo        SeqNum

	// unsentFrom is the per-proxy send cursor: changes with SN >=
	// unsentFrom haven't been pushed to this reader yet. AddChange sets
	// it to the new change's SN only while it is unset (SeqNumUnknown)
	// or past that SN, and otherwise leaves it where it is;
	// SetAllChangesToUnsent resets it to the cache's MinSN to force a
	// full resend.
	unsentFrom SeqNum

	// ackNackCountLast/ackNackSeen track the last accepted ACKNACK count
	// from this reader so StatefulWriter.HandleAckNack can drop
	// non-increasing counts.
	ackNackCountLast uint32
	ackNackSeen      bool
}

func NewReaderProxy(remoteReaderGUID GUID, loc Locator, expectsInlineQoS, isReliable bool) *ReaderProxy {
	return &ReaderProxy{
		RemoteReaderGUID: remoteReaderGUID,
		RemoteLocator:    loc,
		ExpectsInlineQoS: expectsInlineQoS,
		IsReliable:       isReliable,
		AckedUpTo:        SeqNumUnknown,
		unsentFrom:       SeqNumUnknown,
	}
}
