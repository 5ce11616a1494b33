package aggregation

// ============================================================================
// 職責說明：
// 1. 平行讀取每個 run 目錄的 <out>.stt 與 <out>.fn
// 2. 計算每個 generation 的平均值、generation 數的平均與眾數
// 3. 輸出 <write>.tsv、<write>_runs.tsv、<write>_fn.tsv
// 缺檔的 run 會被略過並記錄 Warn
// ============================================================================

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"github.com/ChuLiYu/pyramid-gp/internal/island"
)

var log = slog.Default()

// ErrNoRuns is returned when none of the run directories could be read.
var ErrNoRuns = errors.New("aggregation: no readable runs")

// Aggregator combines the outputs of finished runs.
type Aggregator interface {
	Aggregate(ctx context.Context, runDirs []string) (Summary, error)
}

// Run is the parsed output of one island.
type Run struct {
	Index   int // position in the runDirs argument
	Dir     string
	Stats   []island.Stats
	Summary island.Summary
}

// Generations is the number of generation rows the run wrote.
func (r Run) Generations() int {
	return len(r.Stats)
}

// Summary describes what Aggregate produced.
type Summary struct {
	Runs            []Run
	Skipped         []string
	GenerationsMean float64
	ModeGenerations int
	ModeCount       int
	Averages        []Average
	Best            int // index into Runs
	Files           []string
}

// Average is the per-generation mean over every run that reached it.
type Average struct {
	island.Stats
	Runs int
}

// ============================================================================
// TSV 實作
// ============================================================================

// TSV reads island output files and writes tab-separated reports.
type TSV struct {
	OutFile    string // island output basename, e.g. "regress"
	WriteFile  string // report basename, may include a directory
	MaxWorkers int    // 0 means one goroutine per run
}

// NewTSV returns a TSV aggregator.
func NewTSV(outFile, writeFile string) *TSV {
	return &TSV{OutFile: outFile, WriteFile: writeFile}
}

// Aggregate loads every run concurrently and writes the three reports.
func (a *TSV) Aggregate(ctx context.Context, runDirs []string) (Summary, error) {
	loaded := make([]*Run, len(runDirs))

	p := pool.New().WithContext(ctx)
	if a.MaxWorkers > 0 {
		p = p.WithMaxGoroutines(a.MaxWorkers)
	}
	for i, dir := range runDirs {
		p.Go(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			run, err := a.loadRun(i, dir)
			if err != nil {
				log.Warn("Skipping run", "dir", dir, "error", err)
				return nil
			}
			loaded[i] = run
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return Summary{}, err
	}

	var sum Summary
	for i, run := range loaded {
		if run == nil {
			sum.Skipped = append(sum.Skipped, runDirs[i])
			continue
		}
		sum.Runs = append(sum.Runs, *run)
	}
	if len(sum.Runs) == 0 {
		return sum, ErrNoRuns
	}

	sum.computeGenerations()
	sum.computeAverages()
	sum.computeBest()

	files := []struct {
		path  string
		write func(*bufio.Writer) error
	}{
		{a.WriteFile + ".tsv", sum.writeAverages},
		{a.WriteFile + "_runs.tsv", sum.writeRuns},
		{a.WriteFile + "_fn.tsv", sum.writeSummaries},
	}
	for _, f := range files {
		if err := writeFile(f.path, f.write); err != nil {
			return sum, err
		}
		sum.Files = append(sum.Files, f.path)
	}

	log.Info("Aggregation complete",
		"runs", len(sum.Runs),
		"skipped", len(sum.Skipped),
		"generations_mean", sum.GenerationsMean,
		"best_dir", sum.Runs[sum.Best].Dir)
	return sum, nil
}

func (a *TSV) loadRun(index int, dir string) (*Run, error) {
	base := filepath.Join(dir, a.OutFile)

	stats, err := readStats(base + island.StatsSuffix)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(base + island.SummarySuffix)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	summary, err := island.ParseSummary(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Name(), err)
	}

	return &Run{Index: index, Dir: dir, Stats: stats, Summary: summary}, nil
}

func readStats(path string) ([]island.Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var stats []island.Stats
	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		if line == 1 || strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		st, err := island.ParseStatsRow(sc.Text())
		if err != nil {
			log.Warn("Skipping stats row", "file", path, "line", line, "error", err)
			continue
		}
		stats = append(stats, st)
	}
	return stats, sc.Err()
}

// ============================================================================
// 統計計算
// ============================================================================

func (s *Summary) computeGenerations() {
	counts := make(map[int]int)
	total := 0
	for _, run := range s.Runs {
		n := run.Generations()
		total += n
		counts[n]++
	}
	s.GenerationsMean = float64(total) / float64(len(s.Runs))

	// smallest generation count wins a tie
	for n, c := range counts {
		if c > s.ModeCount || (c == s.ModeCount && n < s.ModeGenerations) {
			s.ModeGenerations = n
			s.ModeCount = c
		}
	}
}

func (s *Summary) computeAverages() {
	byGen := make(map[int]*Average)
	for _, run := range s.Runs {
		for _, st := range run.Stats {
			avg, ok := byGen[st.Generation]
			if !ok {
				avg = &Average{Stats: island.Stats{Generation: st.Generation}}
				byGen[st.Generation] = avg
			}
			avg.MeanFitness += st.MeanFitness
			avg.BestFitness += st.BestFitness
			avg.WorstFitness += st.WorstFitness
			avg.MeanSize += st.MeanSize
			avg.BestSize += st.BestSize
			avg.RunBestFitness += st.RunBestFitness
			avg.RunBestMSE += st.RunBestMSE
			avg.Runs++
		}
	}

	s.Averages = make([]Average, 0, len(byGen))
	for _, avg := range byGen {
		n := float64(avg.Runs)
		avg.MeanFitness /= n
		avg.BestFitness /= n
		avg.WorstFitness /= n
		avg.MeanSize /= n
		avg.BestSize /= avg.Runs
		avg.RunBestFitness /= n
		avg.RunBestMSE /= n
		s.Averages = append(s.Averages, *avg)
	}
	sort.Slice(s.Averages, func(i, j int) bool {
		return s.Averages[i].Generation < s.Averages[j].Generation
	})
}

func (s *Summary) computeBest() {
	s.Best = 0
	for i, run := range s.Runs {
		if run.Summary.Fitness > s.Runs[s.Best].Summary.Fitness {
			s.Best = i
		}
	}
}

// ============================================================================
// 輸出
// ============================================================================

func writeFile(path string, write func(*bufio.Writer) error) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := write(w); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func statsCells(st island.Stats) string {
	return fmt.Sprintf("%g\t%g\t%g\t%g\t%d\t%g\t%g",
		st.MeanFitness, st.BestFitness, st.WorstFitness,
		st.MeanSize, st.BestSize, st.RunBestFitness, st.RunBestMSE)
}

func (s *Summary) writeAverages(w *bufio.Writer) error {
	fmt.Fprintf(w, "Runs Generation Count Mean: %g\n", s.GenerationsMean)
	fmt.Fprintf(w, "Runs Generation Count Mode: %d occurred (%d) time(s)\n", s.ModeGenerations, s.ModeCount)
	fmt.Fprintf(w, "GEN\tRUNS\t%s\n", strings.Join(island.StatsColumns[1:], "\t"))
	for _, avg := range s.Averages {
		if _, err := fmt.Fprintf(w, "%d\t%d\t%s\n", avg.Generation, avg.Runs, statsCells(avg.Stats)); err != nil {
			return err
		}
	}
	return nil
}

type runRecord struct {
	run int
	st  island.Stats
}

func (s *Summary) writeRuns(w *bufio.Writer) error {
	var records []runRecord
	for _, run := range s.Runs {
		for _, st := range run.Stats {
			records = append(records, runRecord{run: run.Index, st: st})
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].st.Generation != records[j].st.Generation {
			return records[i].st.Generation < records[j].st.Generation
		}
		return records[i].run < records[j].run
	})

	fmt.Fprintf(w, "GEN\tRUN\t%s\n", strings.Join(island.StatsColumns[1:], "\t"))
	for _, r := range records {
		if _, err := fmt.Fprintf(w, "%d\t%d\t%s\n", r.st.Generation, r.run, statsCells(r.st)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Summary) writeSummaries(w *bufio.Writer) error {
	var fitness, mse float64
	var hits, cases int

	fmt.Fprintln(w, "RUN\tFITNESS\tMSE\tHITS\tCASES\tSIZE\tGENERATIONS\tSTOPPED\tEXPRESSION")
	for _, run := range s.Runs {
		fn := run.Summary
		fmt.Fprintf(w, "%d\t%g\t%g\t%d\t%d\t%d\t%d\t%s\t%s\n",
			run.Index, fn.Fitness, fn.MSE, fn.Hits, fn.Cases, fn.Size, fn.Generations, fn.Stopped, fn.Expression)
		fitness += fn.Fitness
		mse += fn.MSE
		hits += fn.Hits
		cases += fn.Cases
	}

	best := s.Runs[s.Best]
	fmt.Fprintf(w, "\nBest Result:\n")
	fmt.Fprintf(w, "Run:\t%d\n", best.Index)
	fmt.Fprintf(w, "Dir:\t%s\n", best.Dir)
	fmt.Fprintf(w, "Fitness:\t%g\n", best.Summary.Fitness)
	fmt.Fprintf(w, "Expression:\t%s\n", best.Summary.Expression)

	n := float64(len(s.Runs))
	fmt.Fprintf(w, "\nAverage Fitness Per Run:\t%g\n", fitness/n)
	fmt.Fprintf(w, "Average MSE Per Run:\t%g\n", mse/n)
	fmt.Fprintf(w, "Average Hits Per Run:\t%g\n", float64(hits)/n)
	fmt.Fprintf(w, "Total Hits(All runs combined):\t%d\n", hits)
	_, err := fmt.Fprintf(w, "Total Tests(All runs combined):\t%d\n", cases)
	return err
}

// ============================================================================
// run 目錄
// ============================================================================

// RunDirs lists the run_<i> directories under root in index order.
func RunDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	type indexed struct {
		i   int
		dir string
	}
	var dirs []indexed
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		i, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "run_"))
		if err != nil || !strings.HasPrefix(e.Name(), "run_") {
			continue
		}
		dirs = append(dirs, indexed{i: i, dir: filepath.Join(root, e.Name())})
	}
	sort.Slice(dirs, func(a, b int) bool { return dirs[a].i < dirs[b].i })

	out := make([]string, len(dirs))
	for k, d := range dirs {
		out[k] = d.dir
	}
	return out, nil
}
