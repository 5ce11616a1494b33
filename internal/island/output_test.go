package island

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsWriter_RowsParseBack(t *testing.T) {
	var buf bytes.Buffer
	sw, err := NewStatsWriter(&buf)
	require.NoError(t, err)

	in := Stats{
		Generation:     4,
		MeanFitness:    0.25,
		BestFitness:    0.5,
		WorstFitness:   0.125,
		MeanSize:       3.5,
		BestSize:       4,
		RunBestFitness: 0.75,
		RunBestMSE:     0.333,
	}
	require.NoError(t, sw.Write(in))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, strings.Join(StatsColumns, "\t"), lines[0])

	out, err := ParseStatsRow(lines[1])
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestParseStatsRow_Errors(t *testing.T) {
	_, err := ParseStatsRow("1\t2\t3")
	assert.Error(t, err)

	_, err = ParseStatsRow("x\t0\t0\t0\t0\t0\t0\t0")
	assert.ErrorContains(t, err, "GEN")
}

func TestSummary_WriteAndParse(t *testing.T) {
	best := &Individual{
		Coeffs:  []float64{0, 1},
		Active:  []bool{false, true},
		Fitness: 0.9,
		MSE:     0.111,
		Hits:    12,
	}
	s := SummaryOf(Result{Generations: 20, Best: best, BestGen: 17, Stopped: "terminated", Cases: 50})

	var buf bytes.Buffer
	require.NoError(t, WriteSummary(&buf, s))
	assert.Contains(t, buf.String(), "expression: 1.0000*x\n")

	got, err := ParseSummary(&buf)
	require.NoError(t, err)
	assert.Equal(t, s, got)
	assert.Equal(t, 1, got.Size)
	assert.Equal(t, 17, got.BestGeneration)
}

func TestParseSummary_IgnoresUnknownKeys(t *testing.T) {
	got, err := ParseSummary(strings.NewReader("note: hello\nfitness: 0.5\n\n"))
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Fitness)

	_, err = ParseSummary(strings.NewReader("nothing here\n"))
	assert.Error(t, err)

	_, err = ParseSummary(strings.NewReader("hits: many\n"))
	assert.Error(t, err)
}
