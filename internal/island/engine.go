// ============================================================================
// Pyramid Island - Reference Evolutionary Engine
// ============================================================================
//
// Package: internal/island
// File: engine.go
// Purpose: 多項式回歸的演化引擎。每個 generation 前後呼叫 Hooks，
//          讓 coordinator 可以暫停、恢復或終止這個 island。
//
// Generation loop:
//   for gen := 0; gen < MaxGenerations; gen++ {
//       BeginGeneration()   <- 可能在此等待下一個 EXECUTE_RUN
//       breed + evaluate     (gen 0 只評估初始族群)
//       寫一列 .stt、送出遙測
//       EndGeneration(best)
//   }
//
// ============================================================================

package island

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/ChuLiYu/pyramid-gp/internal/protocol"
)

var log = slog.Default()

// Hooks connect the generation loop to the outside world.
type Hooks interface {
	BeginGeneration() bool
	EndGeneration(best float64) bool
	ReportStat(kind protocol.Kind, generation int32, value float64)
}

// Standalone hooks never pause or stop the engine.
type Standalone struct{}

func (Standalone) BeginGeneration() bool                    { return true }
func (Standalone) EndGeneration(float64) bool               { return true }
func (Standalone) ReportStat(protocol.Kind, int32, float64) {}

// Stats summarizes one generation.
type Stats struct {
	Generation     int
	MeanFitness    float64
	BestFitness    float64
	WorstFitness   float64
	MeanSize       float64
	BestSize       int
	RunBestFitness float64
	RunBestMSE     float64
}

// Result is the outcome of a run.
type Result struct {
	Generations int         // generations completed
	Best        *Individual // best of run
	BestGen     int         // generation the best was found in
	Stopped     string      // completed, terminated or cancelled
	Cases       int
}

// Engine evolves a population against a fixed set of cases.
type Engine struct {
	cfg   Config
	cases []Case
	hooks Hooks
	rng   *rand.Rand

	pop     []*Individual
	best    *Individual
	bestGen int
}

// NewEngine creates an engine. A nil hooks value runs standalone.
func NewEngine(cfg Config, cases []Case, hooks Hooks) *Engine {
	if hooks == nil {
		hooks = Standalone{}
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano() ^ int64(os.Getpid())<<20
	}
	return &Engine{
		cfg:   cfg,
		cases: cases,
		hooks: hooks,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// Run executes up to MaxGenerations generations, calling onStats after each.
func (e *Engine) Run(ctx context.Context, onStats func(Stats) error) (Result, error) {
	res := Result{Stopped: "completed", Cases: len(e.cases)}

	for gen := 0; gen < e.cfg.MaxGenerations; gen++ {
		if ctx.Err() != nil {
			res.Stopped = "cancelled"
			break
		}
		if !e.hooks.BeginGeneration() {
			res.Stopped = "terminated"
			break
		}

		if gen == 0 {
			e.initPopulation()
		} else {
			e.breed()
		}
		st := e.evaluate(gen)
		res.Generations = gen + 1

		if onStats != nil {
			if err := onStats(st); err != nil {
				return e.finish(res), err
			}
		}
		g := int32(gen)
		e.hooks.ReportStat(protocol.KindAverageFitness, g, st.MeanFitness)
		e.hooks.ReportStat(protocol.KindBestFitness, g, st.BestFitness)
		e.hooks.ReportStat(protocol.KindAverageTreeSize, g, st.MeanSize)

		if !e.hooks.EndGeneration(e.best.Fitness) {
			res.Stopped = "terminated"
			break
		}
	}

	res = e.finish(res)
	log.Info("Run finished",
		"generations", res.Generations,
		"stopped", res.Stopped,
		"best_fitness", bestFitness(res.Best))
	return res, nil
}

func (e *Engine) finish(res Result) Result {
	res.Best = e.best
	res.BestGen = e.bestGen
	return res
}

func (e *Engine) initPopulation() {
	e.pop = make([]*Individual, e.cfg.Population)
	for i := range e.pop {
		e.pop[i] = randomIndividual(e.rng, e.cfg.MaxDegree)
	}
}

func (e *Engine) breed() {
	// population is sorted best-first by evaluate
	next := make([]*Individual, 0, len(e.pop))
	for i := 0; i < e.cfg.Elitism && i < len(e.pop); i++ {
		next = append(next, e.pop[i].clone())
	}
	for len(next) < len(e.pop) {
		var child *Individual
		if e.rng.Float64() < e.cfg.CrossoverRate {
			child = crossover(e.rng, e.tournament(), e.tournament())
		} else {
			child = e.tournament().clone()
		}
		mutate(e.rng, child, e.cfg.MutationRate, e.cfg.MutationScale)
		next = append(next, child)
	}
	e.pop = next
}

func (e *Engine) tournament() *Individual {
	var winner *Individual
	for i := 0; i < e.cfg.TournamentSize; i++ {
		c := e.pop[e.rng.Intn(len(e.pop))]
		if winner == nil || c.Fitness > winner.Fitness {
			winner = c
		}
	}
	return winner
}

func (e *Engine) evaluate(gen int) Stats {
	for _, ind := range e.pop {
		ind.evaluate(e.cases, e.cfg.HitThreshold)
	}
	sort.SliceStable(e.pop, func(i, j int) bool { return e.pop[i].Fitness > e.pop[j].Fitness })

	genBest := e.pop[0]
	if e.best == nil || genBest.Fitness > e.best.Fitness {
		e.best = genBest.clone()
		e.bestGen = gen
	}

	st := Stats{
		Generation:     gen,
		BestFitness:    genBest.Fitness,
		WorstFitness:   e.pop[len(e.pop)-1].Fitness,
		BestSize:       genBest.Size(),
		RunBestFitness: e.best.Fitness,
		RunBestMSE:     e.best.MSE,
	}
	for _, ind := range e.pop {
		st.MeanFitness += ind.Fitness
		st.MeanSize += float64(ind.Size())
	}
	n := float64(len(e.pop))
	st.MeanFitness /= n
	st.MeanSize /= n
	return st
}

func bestFitness(ind *Individual) float64 {
	if ind == nil {
		return math.NaN()
	}
	return ind.Fitness
}
