// Package consumer defines the boundary between the connector and its two
// downstream processes, the stratifier and the generator. Both are modeled
// as opaque text sinks: the connector never inspects their replies beyond
// administrative drop notices routed back through the control loop. The
// real stratifier/generator processes are external collaborators and are
// not implemented in this repository; this package supplies the interface
// they are expected to satisfy, plus an in-memory recording implementation
// used by tests.
package consumer

import "sync"

// Sink receives forwarded frames. Forward is called once per parsed,
// decorated inbound record; it returns an error only for a local failure to
// hand off the frame (e.g. the sink's own transport is down), never to
// signal that the sink rejected the frame's content.
type Sink interface {
	Forward(listener int, clientID uint64, frame []byte) error

	// DropClient notifies the sink that a direct client has disconnected.
	DropClient(clientID uint64)

	// TerminatePassthrough notifies the sink that an entire passthrough
	// pool has disconnected (its parent client dropped).
	TerminatePassthrough(parentID uint64)
}

// Recorder is an in-memory Sink used by tests and by a connector running
// with no external stratifier/generator configured.
type Recorder struct {
	mu sync.Mutex

	Frames       []RecordedFrame
	Drops        []uint64
	Terminations []uint64
}

// RecordedFrame is one frame handed to a Recorder.
type RecordedFrame struct {
	Listener int
	ClientID uint64
	Frame    []byte
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Forward(listener int, clientID uint64, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	r.Frames = append(r.Frames, RecordedFrame{Listener: listener, ClientID: clientID, Frame: cp})
	return nil
}

func (r *Recorder) DropClient(clientID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Drops = append(r.Drops, clientID)
}

func (r *Recorder) TerminatePassthrough(parentID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Terminations = append(r.Terminations, parentID)
}

// Snapshot returns a copy of the frames recorded so far, safe to range over
// without holding the Recorder's lock.
func (r *Recorder) Snapshot() []RecordedFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedFrame, len(r.Frames))
	copy(out, r.Frames)
	return out
}
