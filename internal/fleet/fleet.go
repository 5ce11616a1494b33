// Package fleet holds the coordinator's view of its islands.
//
// A Fleet is owned by a single goroutine (the coordinator event loop) and is
// not safe for concurrent use.
package fleet

import (
	"sort"
)

// Fleet is the set of known islands keyed by process id.
type Fleet struct {
	workers map[int]*Worker
}

// New returns an empty fleet.
func New() *Fleet {
	return &Fleet{workers: make(map[int]*Worker)}
}

// Add registers a freshly spawned island. Adding a known pid returns the
// existing record.
func (f *Fleet) Add(pid int) *Worker {
	if w, ok := f.workers[pid]; ok {
		return w
	}
	w := &Worker{PID: pid}
	f.workers[pid] = w
	return w
}

// Get looks up an island by pid.
func (f *Fleet) Get(pid int) (*Worker, bool) {
	w, ok := f.workers[pid]
	return w, ok
}

// Remove drops an island and closes its transport, if any.
func (f *Fleet) Remove(pid int) (*Worker, bool) {
	w, ok := f.workers[pid]
	if !ok {
		return nil, false
	}
	delete(f.workers, pid)
	if w.Handle != nil {
		w.Handle.Close()
	}
	return w, true
}

// Len counts every known island, pruned ones included.
func (f *Fleet) Len() int {
	return len(f.workers)
}

// All returns every island ordered by pid.
func (f *Fleet) All() []*Worker {
	out := make([]*Worker, 0, len(f.workers))
	for _, w := range f.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Active returns attached, not-yet-pruned islands ordered by pid.
func (f *Fleet) Active() []*Worker {
	out := make([]*Worker, 0, len(f.workers))
	for _, w := range f.All() {
		if w.Active() {
			out = append(out, w)
		}
	}
	return out
}

// ActiveCount is len(Active()) without the allocation.
func (f *Fleet) ActiveCount() int {
	n := 0
	for _, w := range f.workers {
		if w.Active() {
			n++
		}
	}
	return n
}

// Unattached returns islands still waiting for their handshake.
func (f *Fleet) Unattached() []*Worker {
	var out []*Worker
	for _, w := range f.All() {
		if !w.Attached() {
			out = append(out, w)
		}
	}
	return out
}
