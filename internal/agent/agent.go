// ============================================================================
// Pyramid Agent - Island-side Protocol Bridge
// ============================================================================
//
// Package: internal/agent
// File: agent.go
// Purpose: 嵌入在每個 island process 中，把 engine 的 generation loop 與
//          coordinator 的指令連接起來。
//
// 兩個並行的活動:
//   1. engine goroutine   - CPU-bound 的演化計算，每個 generation 呼叫
//                           BeginGeneration / EndGeneration
//   2. comm goroutine     - 擁有 transport 與 outbox，非阻塞地收發 record
//
// 共享狀態 (由 mu 保護，critical section 只有幾個欄位賦值):
//   paused      - engine 在開始下一個 batch 之前等待的閘門（初始 true）
//   remaining   - 本 batch 剩餘 generation 數（初始 -1）
//   terminate   - 收到 PRUNE、coordinator 斷線或 ctx 取消
//   outbox      - 待送出的 record
//
// paused 的等待使用 sync.Cond，而不是 busy loop。
//
// ============================================================================

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/pyramid-gp/internal/protocol"
	"github.com/ChuLiYu/pyramid-gp/internal/transport"
)

var log = slog.Default()

// Config describes how an island reaches its coordinator.
type Config struct {
	Socket           string
	PID              int           // handshake id; 0 means os.Getpid()
	PollTimeout      time.Duration // per non-blocking attempt
	DialInterval     time.Duration // between connection attempts
	ConnectTimeout   time.Duration // 0 waits until ctx is done
	HandshakeTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.PID == 0 {
		c.PID = os.Getpid()
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = transport.DefaultPollTimeout
	}
	if c.DialInterval <= 0 {
		c.DialInterval = time.Millisecond
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = time.Second
	}
}

// Agent bridges an island's generation loop with the coordinator.
type Agent struct {
	conn *transport.Conn

	mu        sync.Mutex
	cond      *sync.Cond
	paused    bool
	remaining int32
	unbounded bool
	terminate bool
	reason    string
	best      float64
	outbox    [][]byte

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Connect dials the coordinator and completes the handshake.
func Connect(ctx context.Context, cfg Config) (*Agent, error) {
	cfg.applyDefaults()
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	c, err := transport.Dial(ctx, cfg.Socket, cfg.DialInterval)
	if err != nil {
		return nil, err
	}
	conn := transport.NewConn(c, cfg.PollTimeout)
	if err := conn.WriteHandshake(protocol.EncodeHandshake(cfg.PID), cfg.HandshakeTimeout); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	log.Info("Connected to coordinator", "socket", cfg.Socket, "pid", cfg.PID)
	return New(conn), nil
}

// New wraps an already attached connection. The agent starts paused.
func New(conn *transport.Conn) *Agent {
	a := &Agent{
		conn:      conn,
		paused:    true,
		remaining: -1,
		stop:      make(chan struct{}),
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Start runs the communication loop until Close, PRUNE, hang-up or ctx end.
func (a *Agent) Start(ctx context.Context) {
	context.AfterFunc(ctx, func() {
		a.requestTermination("context cancelled")
		a.stopLoop()
	})
	a.wg.Add(1)
	go a.loop()
}

// ============================================================================
// Engine hooks
// ============================================================================

// BeginGeneration is called before every generation. When the current batch
// is exhausted it queues a FITNESS_REPORT and blocks until the next
// EXECUTE_RUN. It returns false once the island must stop.
func (a *Agent) BeginGeneration() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.remaining == 0 && !a.unbounded && !a.terminate {
		a.paused = true
		a.enqueueLocked(protocol.FitnessReport{Fitness: a.best})
		log.Debug("Batch complete, waiting for next run", "fitness", a.best)
	}
	for a.paused && !a.terminate {
		a.cond.Wait()
	}
	return !a.terminate
}

// EndGeneration is called after every generation with the current best
// fitness. It returns false once the island must stop.
func (a *Agent) EndGeneration(best float64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.best = best
	if !a.unbounded && a.remaining > 0 {
		a.remaining--
	}
	return !a.terminate
}

// ReportStat queues a telemetry record. Never blocks.
func (a *Agent) ReportStat(kind protocol.Kind, generation int32, value float64) {
	if !protocol.IsStatKind(kind) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.terminate {
		return
	}
	a.enqueueLocked(protocol.Stat{StatKind: kind, Generation: generation, Value: value})
}

// Terminated reports whether the island was told to stop, and why.
func (a *Agent) Terminated() (bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.terminate, a.reason
}

// Unbounded reports whether the island was told to run to completion.
func (a *Agent) Unbounded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unbounded
}

// Close stops the communication loop, makes one last attempt to send queued
// records and closes the transport.
func (a *Agent) Close() error {
	a.stopLoop()
	a.wg.Wait()
	if !a.conn.IsClosed() {
		if err := a.flush(); err != nil {
			log.Debug("Dropping unsent records", "error", err)
		}
	}
	a.requestTermination("closed")
	return a.conn.Close()
}

// ============================================================================
// Communication loop
// ============================================================================

func (a *Agent) loop() {
	defer a.wg.Done()

	buf := make([]byte, protocol.MessageSize)
	for {
		select {
		case <-a.stop:
			return
		default:
		}

		n, err := a.conn.TryReceive(buf)
		if err != nil || a.conn.IsClosed() {
			log.Warn("Coordinator hung up, stopping island", "error", err)
			a.requestTermination("coordinator hung up")
			return
		}
		if n == protocol.MessageSize {
			if !a.dispatch(buf) {
				return
			}
		} else if n > 0 {
			log.Warn("Discarding undersized record", "bytes", n)
		}

		if err := a.flush(); err != nil {
			log.Warn("Send failed, stopping island", "error", err)
			a.requestTermination("coordinator hung up")
			return
		}
	}
}

// dispatch handles one inbound record. It returns false when the loop must end.
func (a *Agent) dispatch(buf []byte) bool {
	env, err := protocol.Decode(buf)
	if err != nil {
		log.Warn("Discarding malformed record", "error", err)
		return true
	}

	switch m := env.Msg.(type) {
	case protocol.ExecuteRun:
		a.mu.Lock()
		a.remaining = m.Generations
		a.unbounded = m.IsUnbounded()
		a.paused = false
		a.cond.Broadcast()
		a.mu.Unlock()
		log.Debug("Beginning execution", "generations", m.Generations, "unbounded", m.IsUnbounded())
	case protocol.Prune:
		log.Info("Pruned by coordinator", "cutoff", m.Cutoff)
		a.requestTermination("pruned")
		a.conn.Close()
		return false
	default:
		log.Error("Unexpected record sent to island", "kind", env.Msg.Kind())
	}
	return true
}

func (a *Agent) flush() error {
	for {
		a.mu.Lock()
		if len(a.outbox) == 0 {
			a.mu.Unlock()
			return nil
		}
		record := a.outbox[0]
		a.mu.Unlock()

		n, err := a.conn.TrySend(record)
		if err != nil {
			return err
		}
		if n != len(record) {
			return nil
		}

		a.mu.Lock()
		a.outbox = a.outbox[1:]
		a.mu.Unlock()
	}
}

func (a *Agent) enqueueLocked(msg protocol.Message) {
	record, err := protocol.Encode(protocol.Envelope{State: protocol.PhaseEvaluate, Msg: msg})
	if err != nil {
		log.Error("Failed to encode record", "kind", msg.Kind(), "error", err)
		return
	}
	a.outbox = append(a.outbox, record)
}

func (a *Agent) requestTermination(reason string) {
	a.mu.Lock()
	if !a.terminate {
		a.terminate = true
		a.reason = reason
	}
	a.paused = false
	a.cond.Broadcast()
	a.mu.Unlock()
}

func (a *Agent) stopLoop() {
	a.stopOnce.Do(func() { close(a.stop) })
}
