package rtps

// Writer is the minimal application-facing publish handle needed to
// exercise the reliability protocol, not a full DDS publish/subscribe
// API. It wraps a StatefulWriter and a Participant so Write can both
// append to history and push the sample out immediately; buffering/QoS
// policy beyond history retention is out of scope.
type Writer struct {
	participant *Participant
	writer      *StatefulWriter
}

// NewWriter registers a new topic with the participant and returns a
// handle for publishing samples on it.
func NewWriter(p *Participant, topicName, typeName string) (*Writer, error) {
	eid := nextUserEntityID(EntityKindWriterWithKey)
	w, err := p.AddWriter(eid, topicName, typeName)
	if err != nil {
		return nil, err
	}
	return &Writer{participant: p, writer: w}, nil
}

// Write appends payload as a new sample and pushes it to every currently
// matched reader. Reliable delivery to readers that don't receive it
// first time is handled by the ACKNACK/HEARTBEAT loop, not by this call.
func (w *Writer) Write(payload []byte) *CacheChange {
	change := w.writer.AddChange(payload, false, false)
	w.participant.publishChange(w.writer, change, w.writer.MatchedProxies())
	return change
}

// Dispose marks a disposal sample (Kind=ChangeNotAliveDisposed, sent as a
// DATA with the key flag set instead of the data flag; no STATUS_INFO
// parameter is attached) and pushes it the same way Write does.
func (w *Writer) Dispose(payload []byte) *CacheChange {
	change := w.writer.AddChange(payload, false, true)
	change.Kind = ChangeNotAliveDisposed
	w.participant.publishChange(w.writer, change, w.writer.MatchedProxies())
	return change
}

// EntityID returns the writer's local entity id, mostly useful for tests
// and logging.
func (w *Writer) EntityID() EntityID { return w.writer.WriterEID }
