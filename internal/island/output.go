package island

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// File suffixes written into an island's run directory.
const (
	StatsSuffix   = ".stt"
	SummarySuffix = ".fn"
)

// StatsColumns is the header of the per-generation TSV.
var StatsColumns = []string{
	"GEN", "MEAN_FIT", "BEST_FIT", "WORST_FIT", "MEAN_SIZE", "BEST_SIZE", "RUN_BEST_FIT", "RUN_BEST_MSE",
}

// ============================================================================
// .stt: one TSV row per generation
// ============================================================================

// StatsWriter appends generation rows to a .stt stream.
type StatsWriter struct {
	w *bufio.Writer
}

// NewStatsWriter writes the header and returns a writer for rows.
func NewStatsWriter(w io.Writer) (*StatsWriter, error) {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(strings.Join(StatsColumns, "\t") + "\n"); err != nil {
		return nil, err
	}
	return &StatsWriter{w: bw}, nil
}

// Write appends one row and flushes it, so a killed island leaves every
// completed generation on disk.
func (sw *StatsWriter) Write(st Stats) error {
	_, err := fmt.Fprintf(sw.w, "%d\t%g\t%g\t%g\t%g\t%d\t%g\t%g\n",
		st.Generation, st.MeanFitness, st.BestFitness, st.WorstFitness,
		st.MeanSize, st.BestSize, st.RunBestFitness, st.RunBestMSE)
	if err != nil {
		return err
	}
	return sw.w.Flush()
}

// ParseStatsRow parses one data row of a .stt file.
func ParseStatsRow(line string) (Stats, error) {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), "\t")
	if len(fields) < len(StatsColumns) {
		return Stats{}, fmt.Errorf("stats row has %d fields, want %d", len(fields), len(StatsColumns))
	}

	var st Stats
	var err error
	ints := []*int{&st.Generation, &st.BestSize}
	intIdx := []int{0, 5}
	for i, p := range ints {
		if *p, err = strconv.Atoi(fields[intIdx[i]]); err != nil {
			return Stats{}, fmt.Errorf("column %s: %w", StatsColumns[intIdx[i]], err)
		}
	}
	floats := []*float64{&st.MeanFitness, &st.BestFitness, &st.WorstFitness, &st.MeanSize, &st.RunBestFitness, &st.RunBestMSE}
	floatIdx := []int{1, 2, 3, 4, 6, 7}
	for i, p := range floats {
		if *p, err = strconv.ParseFloat(fields[floatIdx[i]], 64); err != nil {
			return Stats{}, fmt.Errorf("column %s: %w", StatsColumns[floatIdx[i]], err)
		}
	}
	return st, nil
}

// ============================================================================
// .fn: best-of-run summary, "key: value" per line
// ============================================================================

// Summary describes the best individual of a run.
type Summary struct {
	Fitness        float64
	MSE            float64
	Hits           int
	Cases          int
	Size           int
	BestGeneration int
	Generations    int
	Stopped        string
	Expression     string
}

// SummaryOf builds the summary of a finished run.
func SummaryOf(res Result) Summary {
	s := Summary{
		Cases:          res.Cases,
		BestGeneration: res.BestGen,
		Generations:    res.Generations,
		Stopped:        res.Stopped,
	}
	if res.Best != nil {
		s.Fitness = res.Best.Fitness
		s.MSE = res.Best.MSE
		s.Hits = res.Best.Hits
		s.Size = res.Best.Size()
		s.Expression = res.Best.String()
	}
	return s
}

// WriteSummary writes s in .fn format.
func WriteSummary(w io.Writer, s Summary) error {
	_, err := fmt.Fprintf(w,
		"fitness: %g\nmse: %g\nhits: %d\ncases: %d\nsize: %d\nbest_generation: %d\ngenerations: %d\nstopped: %s\nexpression: %s\n",
		s.Fitness, s.MSE, s.Hits, s.Cases, s.Size, s.BestGeneration, s.Generations, s.Stopped, s.Expression)
	return err
}

// ParseSummary reads a .fn stream. Unknown keys are ignored.
func ParseSummary(r io.Reader) (Summary, error) {
	var s Summary
	seen := 0
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		var err error
		switch key {
		case "fitness":
			s.Fitness, err = strconv.ParseFloat(value, 64)
		case "mse":
			s.MSE, err = strconv.ParseFloat(value, 64)
		case "hits":
			s.Hits, err = strconv.Atoi(value)
		case "cases":
			s.Cases, err = strconv.Atoi(value)
		case "size":
			s.Size, err = strconv.Atoi(value)
		case "best_generation":
			s.BestGeneration, err = strconv.Atoi(value)
		case "generations":
			s.Generations, err = strconv.Atoi(value)
		case "stopped":
			s.Stopped = value
		case "expression":
			s.Expression = value
		default:
			continue
		}
		if err != nil {
			return s, fmt.Errorf("summary key %q: %w", key, err)
		}
		seen++
	}
	if err := sc.Err(); err != nil {
		return s, err
	}
	if seen == 0 {
		return s, fmt.Errorf("summary has no known keys")
	}
	return s, nil
}
