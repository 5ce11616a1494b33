package cli

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/ChuLiYu/pyramid-gp/internal/aggregation"
	"github.com/ChuLiYu/pyramid-gp/internal/journal"
	"github.com/ChuLiYu/pyramid-gp/internal/server"
	"github.com/ChuLiYu/pyramid-gp/internal/snapshot"
	"github.com/ChuLiYu/pyramid-gp/pkg/types"
)

// ============================================================================
// aggregate
// ============================================================================

func buildAggregateCommand() *cobra.Command {
	var runsDir, outFile, writeFile string

	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Aggregate island output of a finished run",
		Long:  "Read <out-file>.stt and <out-file>.fn from every run_<i> directory and write the TSV reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigFor(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("runs-dir") {
				cfg.Island.RunsDir = runsDir
			}
			if cmd.Flags().Changed("out-file") {
				cfg.Island.OutFile = outFile
			}
			if cmd.Flags().Changed("write-file") {
				cfg.Aggregation.WriteFile = writeFile
			}

			dirs, err := aggregation.RunDirs(cfg.Island.RunsDir)
			if err != nil {
				return err
			}
			log.Printf("Aggregating %d run directories under %s\n", len(dirs), cfg.Island.RunsDir)
			return aggregate(cmd.Context(), cfg, dirs)
		},
	}

	cmd.Flags().StringVar(&runsDir, "runs-dir", "runs", "parent directory of run_<i> directories")
	cmd.Flags().StringVar(&outFile, "out-file", "regress", "basename of island output files")
	cmd.Flags().StringVar(&writeFile, "write-file", "aggregated", "basename of aggregated reports")

	return cmd
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var withHealth bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show coordinator status",
		Long:  "Print the status file written by a running or finished coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigFor(cmd)
			if err != nil {
				return err
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), cfg, withHealth)
		},
	}

	cmd.Flags().BoolVar(&withHealth, "health", false, "query the health socket as well")
	return cmd
}

func showStatus(ctx context.Context, w io.Writer, cfg *Config, withHealth bool) error {
	st, err := snapshot.NewManager(cfg.Status.Path).Load()
	if err != nil {
		return fmt.Errorf("failed to load status: %w", err)
	}

	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           Pyramid Coordinator Status                      ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Coordinator:")
	fmt.Fprintf(w, "  ├─ Status File:  %s\n", cfg.Status.Path)
	fmt.Fprintf(w, "  ├─ Phase:        %s\n", st.Phase)
	fmt.Fprintf(w, "  ├─ Epoch:        %d\n", st.Epoch)
	fmt.Fprintf(w, "  ├─ Active:       %d\n", st.Active)
	if st.LastCutoff != nil {
		fmt.Fprintf(w, "  ├─ Last Cutoff:  %g\n", float64(*st.LastCutoff))
	}
	if st.Survivor != 0 {
		fmt.Fprintf(w, "  ├─ Survivor:     %d\n", st.Survivor)
	}
	fmt.Fprintf(w, "  └─ Updated:      %s\n", time.UnixMilli(st.UpdatedAt).Format(time.RFC3339))
	fmt.Fprintln(w)

	islands := append([]types.IslandStatus(nil), st.Islands...)
	sort.Slice(islands, func(i, j int) bool { return rankFitness(islands[i]) > rankFitness(islands[j]) })

	fmt.Fprintf(w, "🏝  Islands (%d):\n", len(islands))
	for i, is := range islands {
		branch := "├─"
		if i == len(islands)-1 {
			branch = "└─"
		}
		fitness := "-"
		if is.HasFitness {
			fitness = fmt.Sprintf("%g", float64(is.Fitness))
		}
		fmt.Fprintf(w, "  %s pid %-8d %-9s fitness %s\n", branch, is.PID, is.State, fitness)
	}
	fmt.Fprintln(w)

	if withHealth {
		fmt.Fprintln(w, "💓 Health:")
		if !cfg.Health.Enabled {
			fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
		} else {
			services := []string{server.CoordinatorService}
			for _, is := range st.Islands {
				services = append(services, server.IslandService(is.PID))
			}
			printHealth(ctx, w, cfg.Health.Socket, services)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Status: ✅ Enabled on http://%s/metrics\n", cfg.Metrics.Addr)
	} else {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	return nil
}

func printHealth(ctx context.Context, w io.Writer, socket string, services []string) {
	if ctx == nil {
		ctx = context.Background()
	}
	for i, svc := range services {
		branch := "├─"
		if i == len(services)-1 {
			branch = "└─"
		}
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		resp, err := server.Check(checkCtx, socket, svc)
		cancel()
		if err != nil {
			fmt.Fprintf(w, "  %s %-20s ❌ %v\n", branch, svc, err)
			continue
		}
		fmt.Fprintf(w, "  %s %-20s %s\n", branch, svc, protojson.Format(resp))
	}
}

// unreported islands sort last, NaN below every number
func rankFitness(is types.IslandStatus) float64 {
	if !is.HasFitness || math.IsNaN(float64(is.Fitness)) {
		return math.Inf(-1)
	}
	return float64(is.Fitness)
}

// ============================================================================
// journal
// ============================================================================

func buildJournalCommand() *cobra.Command {
	var path string
	var statsOnly bool

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Dump the coordination journal",
		Long:  "Print every journal record, verifying checksums, or a summary with --stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigFor(cmd)
			if err != nil {
				return err
			}
			if path == "" {
				path = cfg.Journal.Path
			}
			if statsOnly {
				return showJournalStats(cmd.OutOrStdout(), path)
			}
			return journal.Dump(path, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "journal file (defaults to journal.path from the config)")
	cmd.Flags().BoolVar(&statsOnly, "stats", false, "print a summary instead of every record")
	return cmd
}

func showJournalStats(w io.Writer, path string) error {
	st, err := journal.Summarize(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "📜 Journal: %s\n", path)
	fmt.Fprintf(w, "  ├─ Records:  %d (seq %d..%d)\n", st.TotalRecords, st.FirstSeq, st.LastSeq)
	fmt.Fprintf(w, "  ├─ Epochs:   %d\n", st.Epochs)
	if st.TotalRecords > 0 {
		fmt.Fprintf(w, "  ├─ Span:     %s\n", time.Duration(st.TimeRange[1]-st.TimeRange[0])*time.Millisecond)
	}

	kinds := make([]string, 0, len(st.ByType))
	for k := range st.ByType {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	fmt.Fprintln(w, "  └─ By type:")
	for _, k := range kinds {
		fmt.Fprintf(w, "       %-9s %d\n", k, st.ByType[types.EventType(k)])
	}
	return nil
}
