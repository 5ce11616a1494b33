// ============================================================================
// Pyramid 端到端測試套件
// ============================================================================
//
// Package: test/integration
// 文件: pyramid_test.go
// 功能: 在同一個 process 內跑完整的 coordinator + island 流程
//
// 測試目標:
//   1. 真實的 unixpacket socket、handshake 與 agent
//   2. 真實的 island engine（每個 island 一個 goroutine）
//   3. 假的 process 層：Spawn 啟動 goroutine，Terminate 取消 ctx
//
// 預期結果（5 islands, ratio 0.2, 2 generations per epoch）:
//   - 第一次淘汰 ranking[1] 以下的 2 個 island
//   - 之後每個 epoch 淘汰 1 個，直到剩下 1 個 survivor
//   - survivor 跑完 max_generations 後結束，coordinator 回傳 nil
//
// ============================================================================

package integration

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/pyramid-gp/internal/agent"
	"github.com/ChuLiYu/pyramid-gp/internal/coordinator"
	"github.com/ChuLiYu/pyramid-gp/internal/island"
	"github.com/ChuLiYu/pyramid-gp/internal/journal"
	"github.com/ChuLiYu/pyramid-gp/internal/metrics"
	"github.com/ChuLiYu/pyramid-gp/internal/server"
	"github.com/ChuLiYu/pyramid-gp/internal/snapshot"
	"github.com/ChuLiYu/pyramid-gp/internal/supervisor"
	"github.com/ChuLiYu/pyramid-gp/internal/transport"
	"github.com/ChuLiYu/pyramid-gp/pkg/types"
)

const basePID = 700000

// ============================================================================
// in-process islands
// ============================================================================

// goroutineIslands implements coordinator.Processes with one goroutine per
// island. Pids are synthetic and only used for the handshake.
type goroutineIslands struct {
	socket string
	cfg    island.Config

	// behaviour per spawn index
	neverConnect map[int]bool
	crashAfter   map[int]int // exit with code 2 after this many generations

	mu      sync.Mutex
	cancels map[int]context.CancelFunc
	exited  []supervisor.Exit
	results map[int]island.Result
	wg      sync.WaitGroup
}

func newGoroutineIslands(socket string, cfg island.Config) *goroutineIslands {
	return &goroutineIslands{
		socket:       socket,
		cfg:          cfg,
		neverConnect: make(map[int]bool),
		crashAfter:   make(map[int]int),
		cancels:      make(map[int]context.CancelFunc),
		results:      make(map[int]island.Result),
	}
}

func (g *goroutineIslands) Spawn(index int) (supervisor.Process, error) {
	pid := basePID + index
	ctx, cancel := context.WithCancel(context.Background())

	g.mu.Lock()
	g.cancels[pid] = cancel
	g.mu.Unlock()

	g.wg.Add(1)
	go g.run(ctx, index, pid)
	return supervisor.Process{PID: pid, Index: index, Started: time.Now()}, nil
}

func (g *goroutineIslands) run(ctx context.Context, index, pid int) {
	defer g.wg.Done()

	if g.neverConnect[index] {
		g.exit(pid, index, 1)
		return
	}

	a, err := agent.Connect(ctx, agent.Config{
		Socket:         g.socket,
		PID:            pid,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		g.exit(pid, index, 1)
		return
	}
	a.Start(ctx)

	cfg := g.cfg
	cfg.Seed = int64(index + 1)
	var hooks island.Hooks = a
	if n, ok := g.crashAfter[index]; ok {
		hooks = &crashingHooks{Agent: a, after: n}
	}

	res, _ := island.NewEngine(cfg, island.GenerateCases(cfg.FitnessCases), hooks).Run(ctx, nil)
	a.Close()

	code := 0
	if _, ok := hooks.(*crashingHooks); ok {
		code = 2
	}
	g.mu.Lock()
	g.results[pid] = res
	g.mu.Unlock()
	g.exit(pid, index, code)
}

func (g *goroutineIslands) exit(pid, index, code int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.exited = append(g.exited, supervisor.Exit{PID: pid, Index: index, Code: code, ExitedAt: time.Now()})
}

func (g *goroutineIslands) Reap() []supervisor.Exit {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.exited
	g.exited = nil
	return out
}

func (g *goroutineIslands) Terminate(pid int, _ time.Duration) {
	g.mu.Lock()
	cancel, ok := g.cancels[pid]
	g.mu.Unlock()
	if ok {
		cancel()
	}
}

func (g *goroutineIslands) shutdown() {
	g.mu.Lock()
	for _, cancel := range g.cancels {
		cancel()
	}
	g.mu.Unlock()
	g.wg.Wait()
}

func (g *goroutineIslands) result(pid int) (island.Result, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	res, ok := g.results[pid]
	return res, ok
}

// crashingHooks stops the engine after a fixed number of generations, as if
// the island process died mid-epoch.
type crashingHooks struct {
	*agent.Agent
	after int
	done  int
}

func (h *crashingHooks) EndGeneration(best float64) bool {
	h.done++
	if h.done >= h.after {
		return false
	}
	return h.Agent.EndGeneration(best)
}

// ============================================================================
// helpers
// ============================================================================

type eventLog struct {
	mu     sync.Mutex
	events []types.Event
}

func (l *eventLog) Observe(ev types.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ofType(t types.EventType) []types.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []types.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func tempSocketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "pgi")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func engineConfig() island.Config {
	cfg := island.DefaultConfig()
	cfg.Population = 20
	cfg.MaxGenerations = 30
	cfg.MaxDegree = 1 // a line cannot fit the quartic exactly, so fitnesses stay distinct
	cfg.FitnessCases = 10
	return cfg
}

type harness struct {
	coord   *coordinator.Coordinator
	islands *goroutineIslands
	ln      *transport.Listener
	events  *eventLog
}

func newHarness(t *testing.T, cfg coordinator.Config, opts ...coordinator.Option) *harness {
	t.Helper()
	dir := tempSocketDir(t)
	ln, err := transport.Listen(filepath.Join(dir, "pyramid.socket"))
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	h := &harness{
		islands: newGoroutineIslands(ln.Path(), engineConfig()),
		ln:      ln,
		events:  &eventLog{},
	}
	opts = append(opts, coordinator.WithObserver(h.events))
	h.coord = coordinator.New(cfg, nil, h.islands, opts...)
	t.Cleanup(h.islands.shutdown)
	return h
}

func (h *harness) start(t *testing.T, n int) {
	t.Helper()
	require.NoError(t, h.coord.SpawnIslands(n))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.coord.AcceptIslands(ctx, h.ln, n, coordinator.AcceptConfig{ConnectTimeout: 5 * time.Second}))
}

func (h *harness) run(t *testing.T, timeout time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return h.coord.Run(ctx)
}

// ============================================================================
// 測試
// ============================================================================

// metricValue returns the value of the first series of a counter or gauge.
func metricValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name || len(mf.GetMetric()) == 0 {
			continue
		}
		m := mf.GetMetric()[0]
		if c := m.GetCounter(); c != nil {
			return c.GetValue()
		}
		return m.GetGauge().GetValue()
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

// TestPyramid_RunsToSingleSurvivor 完整流程：淘汰到剩一個，survivor 跑完
func TestPyramid_RunsToSingleSurvivor(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	collector := metrics.NewCollector()

	statusPath := filepath.Join(t.TempDir(), "status.json")
	journalPath := filepath.Join(t.TempDir(), "pyramid.journal")
	j, err := journal.Open(journalPath, journal.Options{})
	require.NoError(t, err)

	health, err := server.New(filepath.Join(tempSocketDir(t), "health.sock"))
	require.NoError(t, err)
	health.Start()
	t.Cleanup(func() { health.Close() })

	h := newHarness(t, coordinator.Config{GenerationsPerEpoch: 2, PruneRatio: 0.2},
		coordinator.WithObserver(j),
		coordinator.WithObserver(collector),
		coordinator.WithObserver(health),
		coordinator.WithStatusWriter(snapshot.NewManager(statusPath)),
	)
	h.start(t, 5)
	assert.Equal(t, 5.0, metricValue(t, reg, "pyramid_islands_active"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	resp, err := server.Check(ctx, health.Path(), server.CoordinatorService)
	cancel()
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	require.NoError(t, h.run(t, 30*time.Second))
	require.NoError(t, j.Close())

	// 第一次淘汰：ranking[floor(5*0.2)] 以下（含）都被淘汰
	cutoffs := h.events.ofType(types.EventCutoff)
	require.NotEmpty(t, cutoffs)
	assert.Equal(t, 2, cutoffs[0].Count)

	survivors := h.events.ofType(types.EventSurvivor)
	require.Len(t, survivors, 1)
	survivor := survivors[0].PID
	assert.Len(t, h.events.ofType(types.EventPrune), 4)

	// survivor 跑完整個 run，其他都被 PRUNE 停下
	h.islands.shutdown()
	for i := 0; i < 5; i++ {
		pid := basePID + i
		res, ok := h.islands.result(pid)
		require.True(t, ok, "island %d finished", pid)
		if pid == survivor {
			assert.Equal(t, "completed", res.Stopped)
			assert.Equal(t, engineConfig().MaxGenerations, res.Generations)
		} else {
			assert.Equal(t, "terminated", res.Stopped, "island %d", pid)
			assert.Less(t, res.Generations, engineConfig().MaxGenerations)
		}
	}

	// epoch barrier: 每個 epoch 的 REPORT 數等於開始時的 island 數
	epochs := h.events.ofType(types.EventEpoch)
	reports := h.events.ofType(types.EventReport)
	total := 0
	for _, ev := range epochs {
		total += ev.Count
	}
	assert.Equal(t, total, len(reports))

	st, err := snapshot.NewManager(statusPath).Load()
	require.NoError(t, err)
	assert.Equal(t, survivor, st.Survivor)
	assert.Equal(t, 0, st.Active)

	jst, err := journal.Summarize(journalPath)
	require.NoError(t, err)
	assert.Equal(t, 5, jst.ByType[types.EventSpawn])
	assert.Equal(t, 5, jst.ByType[types.EventAttach])
	assert.Equal(t, 5, jst.ByType[types.EventRetire])
	assert.Equal(t, len(epochs), jst.Epochs)

	assert.Equal(t, 0.0, metricValue(t, reg, "pyramid_islands_active"))
	assert.Equal(t, 4.0, metricValue(t, reg, "pyramid_islands_pruned_total"))
	assert.Equal(t, float64(survivor), metricValue(t, reg, "pyramid_survivor_pid"))

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err = server.Check(ctx, health.Path(), server.CoordinatorService)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

// TestPyramid_IslandThatNeverConnects 少一個 island 也照常執行
func TestPyramid_IslandThatNeverConnects(t *testing.T) {
	h := newHarness(t, coordinator.Config{GenerationsPerEpoch: 2, PruneRatio: 0.3})
	h.islands.neverConnect[1] = true

	h.start(t, 3)
	assert.Equal(t, 2, h.coord.Fleet().ActiveCount())

	require.NoError(t, h.run(t, 30*time.Second))

	retired := h.events.ofType(types.EventRetire)
	reasons := make(map[int]string)
	for _, ev := range retired {
		reasons[ev.PID] = ev.Reason
	}
	assert.Contains(t, reasons, basePID+1)
	assert.Len(t, h.events.ofType(types.EventSurvivor), 1)
}

// TestPyramid_CrashMidEpoch 一個 island 在 epoch 中途結束，只有它被移除
func TestPyramid_CrashMidEpoch(t *testing.T) {
	h := newHarness(t, coordinator.Config{GenerationsPerEpoch: 4, PruneRatio: 0.2})
	h.islands.crashAfter[0] = 2

	h.start(t, 4)
	require.NoError(t, h.run(t, 30*time.Second))

	// 第一個 epoch 只等到 3 個 report
	reports := h.events.ofType(types.EventReport)
	for _, ev := range reports {
		assert.NotEqual(t, basePID, ev.PID, "crashed island never reports")
	}
	for _, ev := range h.events.ofType(types.EventPrune) {
		assert.NotEqual(t, basePID, ev.PID, "crashed island is retired, not pruned")
	}

	var crashed []types.Event
	for _, ev := range h.events.ofType(types.EventRetire) {
		if ev.PID == basePID {
			crashed = append(crashed, ev)
		}
	}
	require.Len(t, crashed, 1)
	assert.Len(t, h.events.ofType(types.EventSurvivor), 1)
}

// TestPyramid_CancelStopsLoop ctx 取消時 Run 回傳 ctx 的錯誤
func TestPyramid_CancelStopsLoop(t *testing.T) {
	h := newHarness(t, coordinator.Config{GenerationsPerEpoch: 1_000_000, PruneRatio: 0.2})
	h.islands.cfg.MaxGenerations = 10_000_000

	h.start(t, 2)
	err := h.run(t, 200*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, h.coord.Fleet().ActiveCount())
	assert.Empty(t, h.events.ofType(types.EventPrune))
}
