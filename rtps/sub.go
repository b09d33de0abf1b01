package rtps

// Reader is the application-facing subscribe handle, the subscribing
// counterpart to Writer. It wraps a StatefulReader; the actual reliability
// bookkeeping (matched-writer proxies, ACKNACK/GAP handling) lives there
// and in the SEDPAgent that wires proxies up as peers are discovered.
// Collapsed into one handle since this module excludes a QoS-rich
// subscriber API.
type Reader struct {
	participant *Participant
	reader      *StatefulReader
}

// NewReader registers a new topic subscription and returns a handle for
// it. Samples arrive via onData, invoked synchronously from the receive
// path: it must not block.
func NewReader(p *Participant, topicName, typeName string, onData DataCallback) (*Reader, error) {
	eid := nextUserEntityID(EntityKindReaderWithKey)
	r, err := p.AddReader(eid, topicName, typeName, true, onData)
	if err != nil {
		return nil, err
	}
	return &Reader{participant: p, reader: r}, nil
}

// EntityID returns the reader's local entity id.
func (r *Reader) EntityID() EntityID { return r.reader.ReaderEID }
