package cli

// ============================================================================
// island 命令
// 職責：
// 1. 載入 engine 設定與 dataset（沒有 dataset 時自動產生）
// 2. 有 --socket 時連線 coordinator，由 agent 控制 generation batch
// 3. 每個 generation 寫一行 .stt，結束時寫 .fn
// ============================================================================

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/pyramid-gp/internal/agent"
	"github.com/ChuLiYu/pyramid-gp/internal/island"
)

// islandOptions are the arguments the supervisor passes to every island.
type islandOptions struct {
	dir            string
	socket         string
	outFile        string
	configFile     string
	dataset        string
	connectTimeout time.Duration
	logLevel       string
}

// BuildIslandCLI builds the root command of the island binary.
func BuildIslandCLI() *cobra.Command {
	var opts islandOptions

	cmd := &cobra.Command{
		Use:   "island",
		Short: "Island: polynomial regression by tournament evolution",
		Long: `Island evolves a population of polynomials against a dataset.
With --socket it is controlled by a pyramid coordinator; without it,
it runs standalone for max_generations.`,
		Version:      "1.0.0",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogging(opts.logLevel); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runIsland(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.dir, "dir", ".", "working directory for output files")
	cmd.Flags().StringVar(&opts.socket, "socket", "", "coordinator socket; empty runs standalone")
	cmd.Flags().StringVar(&opts.outFile, "out-file", "regress", "basename of the .stt and .fn files")
	cmd.Flags().StringVar(&opts.configFile, "config", "", "engine config (YAML)")
	cmd.Flags().StringVar(&opts.dataset, "dataset", "", "CSV dataset of x,y rows")
	cmd.Flags().DurationVar(&opts.connectTimeout, "connect-timeout", 10*time.Second, "give up connecting to the coordinator after this long")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	return cmd
}

func runIsland(ctx context.Context, opts islandOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := island.LoadConfig(opts.configFile)
	if err != nil {
		return err
	}
	cases, err := loadCases(opts.dataset, cfg.FitnessCases)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(opts.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	sttPath := filepath.Join(opts.dir, opts.outFile+island.StatsSuffix)
	stt, err := os.Create(sttPath)
	if err != nil {
		return fmt.Errorf("failed to create stats file: %w", err)
	}
	defer stt.Close()
	sw, err := island.NewStatsWriter(stt)
	if err != nil {
		return err
	}

	var hooks island.Hooks = island.Standalone{}
	if opts.socket != "" {
		a, err := agent.Connect(ctx, agent.Config{
			Socket:         opts.socket,
			ConnectTimeout: opts.connectTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to coordinator: %w", err)
		}
		a.Start(ctx)
		defer a.Close()
		hooks = a
	}

	log.Printf("Island %d: %d cases, population %d, up to %d generations\n",
		os.Getpid(), len(cases), cfg.Population, cfg.MaxGenerations)

	res, runErr := island.NewEngine(cfg, cases, hooks).Run(ctx, sw.Write)

	// the summary is written even when the run was cut short
	fnPath := filepath.Join(opts.dir, opts.outFile+island.SummarySuffix)
	if err := writeSummaryFile(fnPath, island.SummaryOf(res)); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("island run failed: %w", runErr)
	}

	log.Printf("Island %d %s after %d generations\n", os.Getpid(), res.Stopped, res.Generations)
	return nil
}

func loadCases(dataset string, n int) ([]island.Case, error) {
	if dataset == "" {
		return island.GenerateCases(n), nil
	}
	return island.LoadDataset(dataset)
}

func writeSummaryFile(path string, s island.Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	if err := island.WriteSummary(f, s); err != nil {
		f.Close()
		return fmt.Errorf("failed to write summary file: %w", err)
	}
	return f.Close()
}
