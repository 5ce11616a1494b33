package fleet

import (
	"github.com/ChuLiYu/pyramid-gp/internal/protocol"
)

// Handle is the coordinator-side view of one island's transport.
//
// TrySend/TryReceive return (0, nil) when the transport is not ready within
// its short poll bound. Any call may flip IsClosed; callers re-check it
// after every attempt and never retry a closed handle.
type Handle interface {
	TrySend(p []byte) (int, error)
	TryReceive(p []byte) (int, error)
	IsClosed() bool
	Close() error
}

// Worker is one island as seen by the coordinator.
type Worker struct {
	PID    int
	Handle Handle // nil until the island's connection is accepted

	// Fitness is the most recent FITNESS_REPORT; meaningful only when
	// HasFitness is set.
	Fitness    float64
	HasFitness bool
	// Reported marks a report received in the current EVALUATE phase.
	Reported bool
	// Pruned islands were sent PRUNE and are waiting to exit; they are not
	// part of the active fleet anymore.
	Pruned bool
	// Unbounded islands were told to run to completion and never report again.
	Unbounded bool

	inbox  []protocol.Envelope
	outbox [][]byte
}

// Attached reports whether the island completed its handshake.
func (w *Worker) Attached() bool {
	return w.Handle != nil
}

// Active reports whether the island takes part in the next epoch.
func (w *Worker) Active() bool {
	return w.Attached() && !w.Pruned
}

// Deliver appends a received record to the inbound queue.
func (w *Worker) Deliver(env protocol.Envelope) {
	w.inbox = append(w.inbox, env)
}

// Pending returns the number of unconsumed inbound records.
func (w *Worker) Pending() int {
	return len(w.inbox)
}

// TakeFirst removes and returns the oldest inbound record of kind k.
func (w *Worker) TakeFirst(k protocol.Kind) (protocol.Envelope, bool) {
	for i, env := range w.inbox {
		if env.Msg.Kind() == k {
			w.inbox = append(w.inbox[:i], w.inbox[i+1:]...)
			return env, true
		}
	}
	return protocol.Envelope{}, false
}

// DropKind discards every inbound record of kind k and returns how many.
func (w *Worker) DropKind(k protocol.Kind) int {
	kept := w.inbox[:0]
	dropped := 0
	for _, env := range w.inbox {
		if env.Msg.Kind() == k {
			dropped++
			continue
		}
		kept = append(kept, env)
	}
	w.inbox = kept
	return dropped
}

// TakeWhere removes and returns every inbound record matching keep.
func (w *Worker) TakeWhere(match func(protocol.Envelope) bool) []protocol.Envelope {
	var taken []protocol.Envelope
	kept := w.inbox[:0]
	for _, env := range w.inbox {
		if match(env) {
			taken = append(taken, env)
			continue
		}
		kept = append(kept, env)
	}
	w.inbox = kept
	return taken
}

// Enqueue schedules an encoded record for sending.
func (w *Worker) Enqueue(record []byte) {
	w.outbox = append(w.outbox, record)
}

// Queued returns the number of records not yet written.
func (w *Worker) Queued() int {
	return len(w.outbox)
}

// Flush writes queued records in order until the transport stops accepting
// them. Records that were not written stay queued for the next tick.
func (w *Worker) Flush() (int, error) {
	if w.Handle == nil {
		return 0, nil
	}
	sent := 0
	for len(w.outbox) > 0 {
		n, err := w.Handle.TrySend(w.outbox[0])
		if err != nil {
			return sent, err
		}
		if n != len(w.outbox[0]) {
			return sent, nil
		}
		w.outbox[0] = nil
		w.outbox = w.outbox[1:]
		sent++
	}
	return sent, nil
}
