package coordinator

import (
	"math"
	"sort"

	"github.com/ChuLiYu/pyramid-gp/internal/fleet"
)

// Entry is one island's position in a fitness ranking.
type Entry struct {
	PID     int
	Fitness float64
}

// Ranking holds reported fitnesses in ascending order (worst first).
type Ranking []Entry

// BuildRanking ranks every worker that has a reported fitness. NaN sorts as
// the worst possible value; equal fitnesses are ordered by pid.
func BuildRanking(workers []*fleet.Worker) Ranking {
	r := make(Ranking, 0, len(workers))
	for _, w := range workers {
		if !w.HasFitness {
			continue
		}
		f := w.Fitness
		if math.IsNaN(f) {
			f = math.Inf(-1)
		}
		r = append(r, Entry{PID: w.PID, Fitness: f})
	}
	sort.SliceStable(r, func(i, j int) bool {
		if r[i].Fitness != r[j].Fitness {
			return r[i].Fitness < r[j].Fitness
		}
		return r[i].PID < r[j].PID
	})
	return r
}

// CutoffIndex returns floor(n*ratio), clamped to a valid index.
func CutoffIndex(n int, ratio float64) int {
	if n <= 0 {
		return 0
	}
	idx := int(math.Floor(float64(n) * ratio))
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return idx
}

// Cutoff returns the fitness at CutoffIndex. ok is false for an empty ranking.
func (r Ranking) Cutoff(ratio float64) (fitness float64, ok bool) {
	if len(r) == 0 {
		return 0, false
	}
	return r[CutoffIndex(len(r), ratio)].Fitness, true
}

// Losers lists every island whose fitness is <= cutoff. Ties at the cutoff
// are all included, so the count may exceed floor(n*ratio).
func (r Ranking) Losers(cutoff float64) []int {
	var pids []int
	for _, e := range r {
		if e.Fitness <= cutoff {
			pids = append(pids, e.PID)
		}
	}
	return pids
}
