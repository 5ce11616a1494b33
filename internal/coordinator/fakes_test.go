package coordinator

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ChuLiYu/pyramid-gp/internal/fleet"
	"github.com/ChuLiYu/pyramid-gp/internal/protocol"
	"github.com/ChuLiYu/pyramid-gp/internal/supervisor"
	"github.com/ChuLiYu/pyramid-gp/pkg/types"
	"github.com/stretchr/testify/require"
)

var errFakeHangUp = errors.New("fake: hang-up")

// fakeProcs stands in for the supervisor.
type fakeProcs struct {
	failIndex  map[int]bool
	exits      []supervisor.Exit
	terminated []int
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{failIndex: map[int]bool{}}
}

func (p *fakeProcs) Spawn(index int) (supervisor.Process, error) {
	if p.failIndex[index] {
		return supervisor.Process{}, fmt.Errorf("spawn %d: exec format error", index)
	}
	return supervisor.Process{PID: 100 + index, Index: index}, nil
}

func (p *fakeProcs) Reap() []supervisor.Exit {
	out := p.exits
	p.exits = nil
	return out
}

func (p *fakeProcs) Terminate(pid int, grace time.Duration) {
	p.terminated = append(p.terminated, pid)
}

func (p *fakeProcs) exit(pid, code int) {
	p.exits = append(p.exits, supervisor.Exit{PID: pid, Code: code})
}

// fakeIsland behaves like an island agent: it answers EXECUTE_RUN with a
// fitness report and exits on PRUNE.
type fakeIsland struct {
	pid     int
	fitness float64
	procs   *fakeProcs

	mute       bool // never reports
	blockSends int  // next n sends report not-ready

	inbound  [][]byte
	received []protocol.Envelope
	closed   bool
}

func (f *fakeIsland) TrySend(p []byte) (int, error) {
	if f.closed {
		return 0, errFakeHangUp
	}
	if f.blockSends > 0 {
		f.blockSends--
		return 0, nil
	}
	env, err := protocol.Decode(p)
	if err != nil {
		return 0, err
	}
	f.received = append(f.received, env)

	switch m := env.Msg.(type) {
	case protocol.ExecuteRun:
		if !m.IsUnbounded() && !f.mute {
			f.push(protocol.FitnessReport{Fitness: f.fitness})
		}
	case protocol.Prune:
		f.procs.exit(f.pid, 0)
	}
	return len(p), nil
}

func (f *fakeIsland) TryReceive(p []byte) (int, error) {
	if f.closed {
		return 0, errFakeHangUp
	}
	if len(f.inbound) == 0 {
		return 0, nil
	}
	n := copy(p, f.inbound[0])
	f.inbound = f.inbound[1:]
	return n, nil
}

func (f *fakeIsland) IsClosed() bool { return f.closed }
func (f *fakeIsland) Close() error   { f.closed = true; return nil }

func (f *fakeIsland) push(msg protocol.Message) {
	record, err := protocol.Encode(protocol.Envelope{State: protocol.PhaseEvaluate, Msg: msg})
	if err != nil {
		panic(err)
	}
	f.inbound = append(f.inbound, record)
}

func (f *fakeIsland) commands(kind protocol.Kind) []protocol.Message {
	var out []protocol.Message
	for _, env := range f.received {
		if env.Msg.Kind() == kind {
			out = append(out, env.Msg)
		}
	}
	return out
}

// eventLog collects everything the coordinator emits.
type eventLog struct {
	events []types.Event
}

func (l *eventLog) Observe(ev types.Event) { l.events = append(l.events, ev) }

func (l *eventLog) ofType(t types.EventType) []types.Event {
	var out []types.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	coord   *Coordinator
	procs   *fakeProcs
	islands map[int]*fakeIsland
	events  *eventLog
}

// newHarness attaches one fake island per fitness, pids starting at 100.
func newHarness(t *testing.T, cfg Config, fitnesses ...float64) *harness {
	t.Helper()
	h := &harness{
		procs:   newFakeProcs(),
		islands: map[int]*fakeIsland{},
		events:  &eventLog{},
	}
	f := fleet.New()
	for i, fit := range fitnesses {
		pid := 100 + i
		island := &fakeIsland{pid: pid, fitness: fit, procs: h.procs}
		f.Add(pid).Handle = island
		h.islands[pid] = island
	}
	h.coord = New(cfg, f, h.procs, WithObserver(h.events))
	return h
}

// tickUntil ticks until cond holds, failing after max ticks.
func (h *harness) tickUntil(t *testing.T, max int, cond func() bool) {
	t.Helper()
	for i := 0; i < max; i++ {
		if cond() {
			return
		}
		h.coord.Tick()
	}
	require.True(t, cond(), "condition not reached after %d ticks (%s, epoch %d)",
		max, h.coord.Phase(), h.coord.Epoch())
}
