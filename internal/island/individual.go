package island

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// Individual is a sparse polynomial: term i contributes Coeffs[i]*x^i when
// Active[i] is set.
type Individual struct {
	Coeffs []float64
	Active []bool

	Fitness float64 // 1/(1+MSE), higher is better
	MSE     float64
	Hits    int
}

func randomIndividual(rng *rand.Rand, degree int) *Individual {
	ind := &Individual{
		Coeffs: make([]float64, degree+1),
		Active: make([]bool, degree+1),
	}
	for i := range ind.Coeffs {
		if rng.Float64() < 0.5 {
			ind.Active[i] = true
			ind.Coeffs[i] = rng.NormFloat64()
		}
	}
	ind.ensureTerm(rng)
	return ind
}

func (ind *Individual) clone() *Individual {
	c := &Individual{
		Coeffs:  append([]float64(nil), ind.Coeffs...),
		Active:  append([]bool(nil), ind.Active...),
		Fitness: ind.Fitness,
		MSE:     ind.MSE,
		Hits:    ind.Hits,
	}
	return c
}

// ensureTerm keeps at least one active term.
func (ind *Individual) ensureTerm(rng *rand.Rand) {
	if ind.Size() > 0 {
		return
	}
	i := rng.Intn(len(ind.Coeffs))
	ind.Active[i] = true
	ind.Coeffs[i] = rng.NormFloat64()
}

// Size counts active terms.
func (ind *Individual) Size() int {
	n := 0
	for _, a := range ind.Active {
		if a {
			n++
		}
	}
	return n
}

// Eval computes the polynomial at x.
func (ind *Individual) Eval(x float64) float64 {
	y, p := 0.0, 1.0
	for i, c := range ind.Coeffs {
		if ind.Active[i] {
			y += c * p
		}
		p *= x
	}
	return y
}

func (ind *Individual) evaluate(cases []Case, hitThreshold float64) {
	sum := 0.0
	hits := 0
	for _, c := range cases {
		diff := ind.Eval(c.X) - c.Y
		if math.Abs(diff) <= hitThreshold {
			hits++
		}
		sum += diff * diff
	}
	mse := sum / float64(len(cases))
	if math.IsNaN(mse) || math.IsInf(mse, 0) {
		mse = math.Inf(1)
	}
	ind.MSE = mse
	ind.Hits = hits
	ind.Fitness = 1 / (1 + mse)
}

func (ind *Individual) String() string {
	var terms []string
	for i := len(ind.Coeffs) - 1; i >= 0; i-- {
		if !ind.Active[i] {
			continue
		}
		switch i {
		case 0:
			terms = append(terms, fmt.Sprintf("%.4f", ind.Coeffs[i]))
		case 1:
			terms = append(terms, fmt.Sprintf("%.4f*x", ind.Coeffs[i]))
		default:
			terms = append(terms, fmt.Sprintf("%.4f*x^%d", ind.Coeffs[i], i))
		}
	}
	return strings.Join(terms, " + ")
}

// crossover mixes terms uniformly from a and b.
func crossover(rng *rand.Rand, a, b *Individual) *Individual {
	child := a.clone()
	for i := range child.Coeffs {
		if rng.Float64() < 0.5 {
			child.Coeffs[i] = b.Coeffs[i]
			child.Active[i] = b.Active[i]
		}
	}
	child.ensureTerm(rng)
	return child
}

// mutate perturbs, drops or adds terms, each with probability rate.
func mutate(rng *rand.Rand, ind *Individual, rate, scale float64) {
	for i := range ind.Coeffs {
		if rng.Float64() >= rate {
			continue
		}
		switch {
		case !ind.Active[i]:
			ind.Active[i] = true
			ind.Coeffs[i] = rng.NormFloat64()
		case rng.Float64() < 0.1:
			ind.Active[i] = false
		default:
			ind.Coeffs[i] += rng.NormFloat64() * scale
		}
	}
	ind.ensureTerm(rng)
}
