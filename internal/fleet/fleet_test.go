package fleet

import (
	"errors"
	"testing"

	"github.com/ChuLiYu/pyramid-gp/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubHandle accepts at most `budget` sends, then reports not-ready.
type stubHandle struct {
	budget int
	sent   [][]byte
	fail   error
	closed bool
}

func (h *stubHandle) TrySend(p []byte) (int, error) {
	if h.fail != nil {
		h.closed = true
		return 0, h.fail
	}
	if h.budget == 0 {
		return 0, nil
	}
	h.budget--
	h.sent = append(h.sent, p)
	return len(p), nil
}

func (h *stubHandle) TryReceive(p []byte) (int, error) { return 0, nil }
func (h *stubHandle) IsClosed() bool                   { return h.closed }
func (h *stubHandle) Close() error                     { h.closed = true; return nil }

func report(v float64) protocol.Envelope {
	return protocol.Envelope{State: protocol.PhaseEvaluate, Msg: protocol.FitnessReport{Fitness: v}}
}

func stat(v float64) protocol.Envelope {
	return protocol.Envelope{
		State: protocol.PhaseEvaluate,
		Msg:   protocol.Stat{StatKind: protocol.KindBestFitness, Generation: 1, Value: v},
	}
}

func TestFleetActiveExcludesUnattachedAndPruned(t *testing.T) {
	f := New()
	a := f.Add(30)
	b := f.Add(10)
	f.Add(20) // never attached

	a.Handle = &stubHandle{}
	b.Handle = &stubHandle{}
	b.Pruned = true

	assert.Equal(t, 3, f.Len())
	assert.Equal(t, 1, f.ActiveCount())
	require.Len(t, f.Active(), 1)
	assert.Equal(t, 30, f.Active()[0].PID)

	unattached := f.Unattached()
	require.Len(t, unattached, 1)
	assert.Equal(t, 20, unattached[0].PID)
}

func TestFleetAllIsOrderedByPID(t *testing.T) {
	f := New()
	for _, pid := range []int{42, 7, 19} {
		f.Add(pid)
	}
	var pids []int
	for _, w := range f.All() {
		pids = append(pids, w.PID)
	}
	assert.Equal(t, []int{7, 19, 42}, pids)
}

func TestFleetAddIsIdempotent(t *testing.T) {
	f := New()
	first := f.Add(5)
	first.Fitness = 1.5
	assert.Same(t, first, f.Add(5))
	assert.Equal(t, 1, f.Len())
}

func TestFleetRemoveClosesHandle(t *testing.T) {
	f := New()
	w := f.Add(5)
	h := &stubHandle{}
	w.Handle = h

	removed, ok := f.Remove(5)
	require.True(t, ok)
	assert.Same(t, w, removed)
	assert.True(t, h.closed)

	_, ok = f.Remove(5)
	assert.False(t, ok)
	_, ok = f.Get(5)
	assert.False(t, ok)
}

func TestWorkerInboxTakeFirst(t *testing.T) {
	w := &Worker{PID: 1}
	w.Deliver(stat(0.1))
	w.Deliver(report(0.5))
	w.Deliver(report(0.7))

	env, ok := w.TakeFirst(protocol.KindFitnessReport)
	require.True(t, ok)
	assert.Equal(t, protocol.FitnessReport{Fitness: 0.5}, env.Msg)
	assert.Equal(t, 2, w.Pending())

	assert.Equal(t, 1, w.DropKind(protocol.KindFitnessReport))
	_, ok = w.TakeFirst(protocol.KindFitnessReport)
	assert.False(t, ok)
	assert.Equal(t, 1, w.Pending(), "stats are untouched")
}

func TestWorkerTakeWhere(t *testing.T) {
	w := &Worker{PID: 1}
	w.Deliver(stat(0.1))
	w.Deliver(report(0.5))
	w.Deliver(stat(0.2))

	stats := w.TakeWhere(func(env protocol.Envelope) bool {
		return protocol.IsStatKind(env.Msg.Kind())
	})
	assert.Len(t, stats, 2)
	assert.Equal(t, 1, w.Pending())
}

func TestWorkerFlushKeepsUnsentRecords(t *testing.T) {
	h := &stubHandle{budget: 1}
	w := &Worker{PID: 1, Handle: h}
	w.Enqueue([]byte("first"))
	w.Enqueue([]byte("second"))

	sent, err := w.Flush()
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, w.Queued())

	h.budget = 5
	sent, err = w.Flush()
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 0, w.Queued())
	assert.Equal(t, [][]byte{[]byte("first"), []byte("second")}, h.sent, "order is preserved")
}

func TestWorkerFlushReportsTransportError(t *testing.T) {
	boom := errors.New("broken pipe")
	w := &Worker{PID: 1, Handle: &stubHandle{fail: boom}}
	w.Enqueue([]byte("x"))

	_, err := w.Flush()
	assert.ErrorIs(t, err, boom)
	assert.True(t, w.Handle.IsClosed())
	assert.Equal(t, 1, w.Queued())
}

func TestWorkerFlushWithoutHandle(t *testing.T) {
	w := &Worker{PID: 1}
	w.Enqueue([]byte("x"))
	sent, err := w.Flush()
	assert.NoError(t, err)
	assert.Equal(t, 0, sent)
}
