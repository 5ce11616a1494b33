// ============================================================================
// Pyramid Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 觀察 coordinator 發出的事件，轉成 Prometheus 指標
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - pyramid_islands_spawned_total: 已啟動的 island process
//      - pyramid_islands_attached_total: 完成 handshake 的 island
//      - pyramid_epochs_total: 已開始的 epoch
//      - pyramid_islands_pruned_total: 收到 PRUNE 的 island
//      - pyramid_islands_retired_total{reason}: 從 fleet 移除的 island
//
//   2. 分佈 (Histogram)：
//      - pyramid_fitness_reports: 每輪 FITNESS_REPORT 的值
//        * 桶分佈: 0.1 ~ 1.0，adjusted fitness 落在 [0,1]
//
//   3. 瞬時值 (Gauge)：
//      - pyramid_islands_active: 已連線且未被淘汰的 island
//      - pyramid_epoch / pyramid_phase{phase}
//      - pyramid_cutoff_fitness: 最近一次的淘汰門檻
//      - pyramid_best_fitness: 目前看過的最佳回報
//      - pyramid_survivor_pid: 最後存活者（0 表示尚未決定）
//      - pyramid_island_stat{pid,stat}: island 回報的遙測數據
//
// Prometheus 查詢示例:
//
//   # 每個 epoch 淘汰的比例
//   increase(pyramid_islands_pruned_total[1m]) / pyramid_islands_active
//
//   # 非正常結束的 island
//   pyramid_islands_retired_total{reason!~"pruned|exited"}
//
// HTTP 端點:
//   通過 /metrics 端點暴露，由 Prometheus 定期抓取
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/pyramid-gp/internal/protocol"
	"github.com/ChuLiYu/pyramid-gp/pkg/types"
)

var log = slog.Default()

var phases = []protocol.Phase{
	protocol.PhaseRunGenerations,
	protocol.PhaseEvaluate,
	protocol.PhasePrune,
	protocol.PhaseIdle,
}

// Collector Prometheus 指標收集器
type Collector struct {
	// 計數器
	spawned  prometheus.Counter
	attached prometheus.Counter
	epochs   prometheus.Counter
	pruned   prometheus.Counter
	retired  *prometheus.CounterVec

	// 分佈
	fitness prometheus.Histogram

	// 狀態指標
	active   prometheus.Gauge
	epoch    prometheus.Gauge
	phase    *prometheus.GaugeVec
	cutoff   prometheus.Gauge
	best     prometheus.Gauge
	survivor prometheus.Gauge
	stats    *prometheus.GaugeVec

	mu        sync.Mutex
	islands   map[int]*islandView // 用來推算 active 數量
	bestSoFar float64
}

type islandView struct {
	attached bool
	pruned   bool
	stats    map[string]bool
}

// NewCollector 創建新的指標收集器，並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	c := &Collector{
		spawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pyramid_islands_spawned_total",
			Help: "Total number of island processes spawned",
		}),
		attached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pyramid_islands_attached_total",
			Help: "Total number of islands that completed the handshake",
		}),
		epochs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pyramid_epochs_total",
			Help: "Total number of epochs started",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pyramid_islands_pruned_total",
			Help: "Total number of islands instructed to terminate",
		}),
		retired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pyramid_islands_retired_total",
			Help: "Total number of islands removed from the fleet, by reason",
		}, []string{"reason"}),
		fitness: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pyramid_fitness_reports",
			Help:    "Distribution of reported island fitness",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pyramid_islands_active",
			Help: "Current number of attached, not pruned islands",
		}),
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pyramid_epoch",
			Help: "Current epoch number",
		}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pyramid_phase",
			Help: "1 for the current coordination phase, 0 otherwise",
		}, []string{"phase"}),
		cutoff: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pyramid_cutoff_fitness",
			Help: "Most recent prune cutoff",
		}),
		best: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pyramid_best_fitness",
			Help: "Best fitness reported so far",
		}),
		survivor: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pyramid_survivor_pid",
			Help: "Process id of the last surviving island, 0 until decided",
		}),
		stats: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pyramid_island_stat",
			Help: "Latest telemetry value reported by an island",
		}, []string{"pid", "stat"}),
		islands:   make(map[int]*islandView),
		bestSoFar: math.Inf(-1),
	}

	prometheus.MustRegister(
		c.spawned, c.attached, c.epochs, c.pruned, c.retired,
		c.fitness,
		c.active, c.epoch, c.phase, c.cutoff, c.best, c.survivor, c.stats,
	)
	return c
}

// Observe 依事件類型更新指標，可直接註冊為 coordinator observer
func (c *Collector) Observe(ev types.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Type {
	case types.EventSpawn:
		c.spawned.Inc()
		c.islands[ev.PID] = &islandView{}

	case types.EventAttach:
		c.attached.Inc()
		v := c.view(ev.PID)
		if !v.attached {
			v.attached = true
			c.active.Inc()
		}

	case types.EventEpoch:
		c.epochs.Inc()
		c.epoch.Set(float64(ev.Epoch))

	case types.EventReport:
		if !math.IsNaN(ev.Value) && !math.IsInf(ev.Value, 0) {
			c.fitness.Observe(ev.Value)
		}
		if ev.Value > c.bestSoFar {
			c.bestSoFar = ev.Value
			c.best.Set(ev.Value)
		}

	case types.EventCutoff:
		c.cutoff.Set(ev.Value)

	case types.EventPrune:
		c.pruned.Inc()
		v := c.view(ev.PID)
		if v.attached && !v.pruned {
			c.active.Dec()
		}
		v.pruned = true

	case types.EventSurvivor:
		c.survivor.Set(float64(ev.PID))

	case types.EventRetire:
		c.retired.WithLabelValues(ev.Reason).Inc()
		if v, ok := c.islands[ev.PID]; ok {
			if v.attached && !v.pruned {
				c.active.Dec()
			}
			pid := strconv.Itoa(ev.PID)
			for stat := range v.stats {
				c.stats.DeleteLabelValues(pid, stat)
			}
			delete(c.islands, ev.PID)
		}

	case types.EventStat:
		v := c.view(ev.PID)
		if v.stats == nil {
			v.stats = make(map[string]bool)
		}
		v.stats[ev.Stat] = true
		c.stats.WithLabelValues(strconv.Itoa(ev.PID), ev.Stat).Set(ev.Value)

	case types.EventPhase:
		for _, p := range phases {
			value := 0.0
			if p.String() == ev.Phase {
				value = 1
			}
			c.phase.WithLabelValues(p.String()).Set(value)
		}
	}
}

func (c *Collector) view(pid int) *islandView {
	v, ok := c.islands[pid]
	if !ok {
		v = &islandView{}
		c.islands[pid] = v
	}
	return v
}

// Server 包裝 metrics HTTP 伺服器
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// StartServer 在 addr 上啟動 Prometheus metrics HTTP 伺服器
//
// 監聽失敗會立即回傳；之後的錯誤只記錄。呼叫者負責 Shutdown。
func StartServer(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s := &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server stopped", "error", err)
		}
	}()
	log.Info("Metrics server listening", "addr", s.Addr())
	return s, nil
}

// Addr 實際監聽的位址（addr 使用 :0 時有用）
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown 停止 metrics 伺服器，nil 時不做任何事
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
