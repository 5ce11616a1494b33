// ============================================================================
// Pyramid Coordinator - 島嶼模型淘汰協調器
// ============================================================================
//
// Package: internal/coordinator
// File: coordinator.go
// Purpose: 單執行緒、poll-driven 的 event loop，驅動整個 fleet 經歷
//          RUN_GENERATIONS -> EVALUATE -> PRUNE 的循環，直到只剩一個 island。
//
// 一個 tick 的工作:
//   1. reap   - 取出 supervisor 觀察到已結束的 process，將其從 fleet 移除
//   2. drain  - 從每個 island 的 transport 讀出所有可讀的 record
//   3. step   - 依目前 phase 執行一步狀態機
//   4. flush  - 把尚未送出的 record 再嘗試寫一次
//
// 狀態機:
//   RUN_GENERATIONS: 廣播 EXECUTE_RUN(batch)，無條件進入 EVALUATE
//   EVALUATE:        等待所有仍活躍的 island 回報 fitness，進入 PRUNE
//   PRUNE:           cutoff = ranking[floor(N*ratio)]，fitness <= cutoff 全部淘汰
//                    只剩一個 island 時改送 EXECUTE_RUN(unbounded)，進入 IDLE
//   IDLE:            只 drain 不下指令
//
// 錯誤處理:
//   任何 transport 錯誤或 process 結束都只影響該 island，不會中止 loop。
//
// ============================================================================

package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChuLiYu/pyramid-gp/internal/fleet"
	"github.com/ChuLiYu/pyramid-gp/internal/protocol"
	"github.com/ChuLiYu/pyramid-gp/internal/supervisor"
	"github.com/ChuLiYu/pyramid-gp/pkg/types"
)

var log = slog.Default()

// maxReadsPerTick bounds how many records one island may deliver per tick so
// a chatty island cannot starve the others.
const maxReadsPerTick = 256

// ============================================================================
// 資料結構定義
// ============================================================================

// Processes is the supervisor surface the coordinator depends on.
type Processes interface {
	Spawn(index int) (supervisor.Process, error)
	Reap() []supervisor.Exit
	Terminate(pid int, grace time.Duration)
}

// Observer receives coordination events. Observers run on the event loop
// goroutine and must not block.
type Observer interface {
	Observe(types.Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(types.Event)

// Observe calls f(ev).
func (f ObserverFunc) Observe(ev types.Event) { f(ev) }

// StatusWriter persists status snapshots after phase transitions.
type StatusWriter interface {
	WriteStatus(types.CoordinatorStatus) error
}

// Config Coordinator 配置
type Config struct {
	GenerationsPerEpoch int32         // 每個 epoch 的 generation 數
	PruneRatio          float64       // 每個 epoch 淘汰的比例，[0,1)
	TickInterval        time.Duration // 每個 tick 之間的休眠
	TerminateGrace      time.Duration // SIGTERM 到 SIGKILL 的寬限期
}

func (c *Config) applyDefaults() {
	if c.GenerationsPerEpoch <= 0 {
		c.GenerationsPerEpoch = 5
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Millisecond
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = 2 * time.Second
	}
}

// Coordinator owns the fleet and the coordination phase. Not safe for
// concurrent use; everything runs on the goroutine calling Run or Tick.
type Coordinator struct {
	cfg       Config
	fleet     *fleet.Fleet
	procs     Processes
	observers []Observer
	status    StatusWriter

	phase      protocol.Phase
	epoch      int
	lastCutoff *types.Float
	survivor   int

	rx []byte
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithObserver registers an event observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// WithStatusWriter sets where status snapshots go.
func WithStatusWriter(w StatusWriter) Option {
	return func(c *Coordinator) { c.status = w }
}

// New creates a coordinator starting in RUN_GENERATIONS.
func New(cfg Config, f *fleet.Fleet, procs Processes, opts ...Option) *Coordinator {
	cfg.applyDefaults()
	if f == nil {
		f = fleet.New()
	}
	c := &Coordinator{
		cfg:   cfg,
		fleet: f,
		procs: procs,
		phase: protocol.PhaseRunGenerations,
		rx:    make([]byte, protocol.MessageSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fleet exposes the coordinator's fleet.
func (c *Coordinator) Fleet() *fleet.Fleet { return c.fleet }

// Phase returns the current coordination phase.
func (c *Coordinator) Phase() protocol.Phase { return c.phase }

// Epoch returns the number of epochs started so far.
func (c *Coordinator) Epoch() int { return c.epoch }

// Done reports that no active island is left.
func (c *Coordinator) Done() bool {
	return c.fleet.ActiveCount() == 0
}

// ============================================================================
// Event Loop
// ============================================================================

// Run ticks until the fleet has no active island or ctx is cancelled. While
// a survivor runs unbounded it stays in IDLE, draining its telemetry.
func (c *Coordinator) Run(ctx context.Context) error {
	log.Info("Coordinator started",
		"islands", c.fleet.ActiveCount(),
		"generations_per_epoch", c.cfg.GenerationsPerEpoch,
		"prune_ratio", c.cfg.PruneRatio)
	c.writeStatus()

	timer := time.NewTimer(c.cfg.TickInterval)
	defer timer.Stop()

	for {
		c.Tick()
		if c.Done() {
			log.Info("Fleet empty, coordinator exiting", "epochs", c.epoch)
			c.writeStatus()
			return nil
		}

		timer.Reset(c.cfg.TickInterval)
		select {
		case <-ctx.Done():
			c.writeStatus()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Tick performs one reap / drain / step / flush cycle.
func (c *Coordinator) Tick() {
	c.reap()
	c.drain()
	c.consumeStats()
	c.step()
	c.flush()
}

func (c *Coordinator) step() {
	switch c.phase {
	case protocol.PhaseRunGenerations:
		c.runGenerations()
	case protocol.PhaseEvaluate:
		c.evaluate()
	case protocol.PhasePrune:
		c.prune()
	case protocol.PhaseIdle:
		// only drain
	}
}

// ============================================================================
// 狀態機步驟
// ============================================================================

func (c *Coordinator) runGenerations() {
	active := c.fleet.Active()
	c.epoch++
	log.Info("Epoch started", "epoch", c.epoch, "islands", len(active))
	c.emit(types.Event{Type: types.EventEpoch, Count: len(active), Value: float64(c.cfg.GenerationsPerEpoch)})

	for _, w := range active {
		w.Reported = false
		if n := w.DropKind(protocol.KindFitnessReport); n > 0 {
			log.Warn("Discarding unsolicited fitness reports", "pid", w.PID, "count", n)
		}
		c.send(w, protocol.ExecuteRun{Generations: c.cfg.GenerationsPerEpoch})
	}
	c.transition(protocol.PhaseEvaluate)
}

func (c *Coordinator) evaluate() {
	active := c.fleet.Active()
	if len(active) == 0 {
		return
	}

	waiting := 0
	for _, w := range active {
		if w.Reported {
			continue
		}
		env, ok := w.TakeFirst(protocol.KindFitnessReport)
		if !ok {
			waiting++
			continue
		}
		w.Fitness = env.Msg.(protocol.FitnessReport).Fitness
		w.HasFitness = true
		w.Reported = true
		log.Debug("Fitness reported", "pid", w.PID, "fitness", w.Fitness)
		c.emit(types.Event{Type: types.EventReport, PID: w.PID, Value: w.Fitness})
	}

	if waiting == 0 {
		c.transition(protocol.PhasePrune)
	}
}

func (c *Coordinator) prune() {
	active := c.fleet.Active()

	if len(active) == 1 {
		w := active[0]
		w.Unbounded = true
		c.survivor = w.PID
		log.Info("Single survivor, running unbounded", "pid", w.PID, "fitness", w.Fitness, "epoch", c.epoch)
		c.emit(types.Event{Type: types.EventSurvivor, PID: w.PID, Value: w.Fitness})
		c.send(w, protocol.ExecuteRun{Generations: protocol.Unbounded})
		c.transition(protocol.PhaseIdle)
		return
	}

	ranking := BuildRanking(active)
	cutoff, ok := ranking.Cutoff(c.cfg.PruneRatio)
	if !ok {
		c.transition(protocol.PhaseRunGenerations)
		return
	}
	lc := types.Float(cutoff)
	c.lastCutoff = &lc

	losers := ranking.Losers(cutoff)
	log.Info("Pruning islands",
		"epoch", c.epoch,
		"ranked", len(ranking),
		"cutoff_index", CutoffIndex(len(ranking), c.cfg.PruneRatio),
		"cutoff", cutoff,
		"pruned", len(losers))
	c.emit(types.Event{Type: types.EventCutoff, Value: cutoff, Count: len(losers)})

	for _, pid := range losers {
		w, ok := c.fleet.Get(pid)
		if !ok {
			continue
		}
		w.Pruned = true
		c.emit(types.Event{Type: types.EventPrune, PID: pid, Value: w.Fitness})
		c.send(w, protocol.Prune{Cutoff: cutoff})
	}
	c.transition(protocol.PhaseRunGenerations)
}

func (c *Coordinator) transition(next protocol.Phase) {
	if next == c.phase {
		return
	}
	log.Debug("Phase transition", "from", c.phase, "to", next, "epoch", c.epoch)
	c.phase = next
	c.emit(types.Event{Type: types.EventPhase})
	c.writeStatus()
}

// ============================================================================
// I/O
// ============================================================================

func (c *Coordinator) reap() {
	if c.procs == nil {
		return
	}
	for _, exit := range c.procs.Reap() {
		w, ok := c.fleet.Get(exit.PID)
		if !ok {
			continue
		}
		reason := "exited"
		if w.Pruned {
			reason = "pruned"
		} else if !exit.Clean() {
			reason = exit.Reason()
		}
		c.retire(w, reason, false)
	}
}

func (c *Coordinator) drain() {
	for _, w := range c.fleet.All() {
		if !w.Attached() {
			continue
		}
		for i := 0; i < maxReadsPerTick; i++ {
			n, err := w.Handle.TryReceive(c.rx)
			if err != nil || w.Handle.IsClosed() {
				c.retire(w, "transport closed", true)
				break
			}
			if n == 0 {
				break
			}
			if n != protocol.MessageSize {
				log.Warn("Discarding undersized record", "pid", w.PID, "bytes", n)
				continue
			}
			env, err := protocol.Decode(c.rx[:n])
			if err != nil {
				log.Warn("Discarding malformed record", "pid", w.PID, "error", err)
				continue
			}
			w.Deliver(env)
		}
	}
}

func (c *Coordinator) consumeStats() {
	for _, w := range c.fleet.All() {
		if w.Pending() == 0 {
			continue
		}
		stats := w.TakeWhere(func(env protocol.Envelope) bool {
			return protocol.IsStatKind(env.Msg.Kind())
		})
		for _, env := range stats {
			s := env.Msg.(protocol.Stat)
			c.emit(types.Event{
				Type:       types.EventStat,
				PID:        w.PID,
				Stat:       s.StatKind.String(),
				Generation: s.Generation,
				Value:      s.Value,
			})
		}
		if w.Unbounded {
			w.DropKind(protocol.KindFitnessReport)
		}
	}
}

func (c *Coordinator) flush() {
	for _, w := range c.fleet.All() {
		if w.Queued() == 0 || !w.Attached() {
			continue
		}
		if _, err := w.Flush(); err != nil || w.Handle.IsClosed() {
			c.retire(w, "send failed", true)
		}
	}
}

// send queues msg and tries to write it right away.
func (c *Coordinator) send(w *fleet.Worker, msg protocol.Message) {
	record, err := protocol.Encode(protocol.Envelope{State: c.phase, Msg: msg})
	if err != nil {
		log.Error("Failed to encode command", "pid", w.PID, "kind", msg.Kind(), "error", err)
		return
	}
	w.Enqueue(record)
	if _, err := w.Flush(); err != nil || w.Handle.IsClosed() {
		c.retire(w, "send failed", true)
	}
}

// retire removes w from the fleet. When the process may still be alive it
// is terminated as well.
func (c *Coordinator) retire(w *fleet.Worker, reason string, terminate bool) {
	if _, ok := c.fleet.Remove(w.PID); !ok {
		return
	}
	if w.Pruned {
		log.Info("Pruned island left the fleet", "pid", w.PID, "reason", reason)
	} else {
		log.Warn("Island retired", "pid", w.PID, "reason", reason, "phase", c.phase)
	}
	if terminate && c.procs != nil {
		c.procs.Terminate(w.PID, c.cfg.TerminateGrace)
	}
	c.emit(types.Event{Type: types.EventRetire, PID: w.PID, Reason: reason})
	c.writeStatus()
}

// ============================================================================
// 觀察與狀態
// ============================================================================

func (c *Coordinator) emit(ev types.Event) {
	if len(c.observers) == 0 {
		return
	}
	ev.Epoch = c.epoch
	ev.Phase = c.phase.String()
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	for _, o := range c.observers {
		o.Observe(ev)
	}
}

// Status returns a snapshot of the fleet and phase.
func (c *Coordinator) Status() types.CoordinatorStatus {
	st := types.CoordinatorStatus{
		Phase:      c.phase.String(),
		Epoch:      c.epoch,
		Active:     c.fleet.ActiveCount(),
		LastCutoff: c.lastCutoff,
		Survivor:   c.survivor,
		SchemaVer:  1,
		UpdatedAt:  time.Now().UnixMilli(),
	}
	for _, w := range c.fleet.All() {
		st.Islands = append(st.Islands, types.IslandStatus{
			PID:        w.PID,
			State:      islandState(w),
			Fitness:    types.Float(w.Fitness),
			HasFitness: w.HasFitness,
		})
	}
	return st
}

func islandState(w *fleet.Worker) types.IslandState {
	switch {
	case !w.Attached():
		return types.IslandPending
	case w.Pruned:
		return types.IslandPruned
	case w.Unbounded:
		return types.IslandSurvivor
	case w.Reported:
		return types.IslandReported
	default:
		return types.IslandRunning
	}
}

func (c *Coordinator) writeStatus() {
	if c.status == nil {
		return
	}
	if err := c.status.WriteStatus(c.Status()); err != nil {
		log.Warn("Failed to write status", "error", err)
	}
}
