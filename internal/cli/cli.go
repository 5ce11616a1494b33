// ============================================================================
// Pyramid CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for the coordinator (pyramid) and the reference
//          island engine (island)
//
// Command Structure:
//   pyramid                        # Root command
//   ├── run                        # Spawn islands and coordinate them
//   │   ├── --num-pops, -n         # Fleet size
//   │   ├── --num-gen, -g          # Generations per epoch
//   │   └── --prune-ratio, -p      # Fraction eliminated per epoch
//   ├── aggregate                  # Aggregate island output of a finished run
//   ├── status                     # Print the coordinator status file
//   │   └── --health               # Query the gRPC health socket as well
//   ├── journal                    # Dump the coordination journal
//   │   └── --stats                # Only print a summary
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --log-level                # debug, info, warn, error
//
// Configuration Management:
//   YAML file parsed on top of defaultConfig(); flags of the run command
//   override the file. When the default config path does not exist the
//   built-in defaults are used.
//   - fleet: num_pops, generations_per_epoch, prune_ratio
//   - island: program, config_file, dataset, out_file, runs_dir
//   - timing: tick / poll / handshake / connect / terminate grace
//   - journal, status, health, metrics, aggregation
//
// run Command:
//   1. Load config, apply flag overrides, validate
//   2. Listen on /tmp/pyramid_<uuid>.socket
//   3. Open journal, status file, metrics and health server (if enabled)
//   4. Spawn islands and accept their handshakes
//   5. Run the coordination loop until one survivor finishes
//   6. Terminate leftover islands, aggregate their output
//
//   Examples:
//     ./pyramid run
//     ./pyramid run -n 20 -g 10 -p 0.25 --file data.csv
//
// Signal Handling:
//   SIGINT / SIGTERM cancel the loop; islands are terminated (SIGTERM, then
//   SIGKILL after the grace period) and whatever they wrote is aggregated.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/pyramid-gp/internal/aggregation"
	"github.com/ChuLiYu/pyramid-gp/internal/coordinator"
	"github.com/ChuLiYu/pyramid-gp/internal/journal"
	"github.com/ChuLiYu/pyramid-gp/internal/metrics"
	"github.com/ChuLiYu/pyramid-gp/internal/server"
	"github.com/ChuLiYu/pyramid-gp/internal/snapshot"
	"github.com/ChuLiYu/pyramid-gp/internal/supervisor"
	"github.com/ChuLiYu/pyramid-gp/internal/transport"
)

const defaultConfigPath = "configs/default.yaml"

// Config represents the complete coordinator configuration
// Maps config file fields through YAML tags
type Config struct {
	Fleet struct {
		NumPops             int     `yaml:"num_pops"`
		GenerationsPerEpoch int     `yaml:"generations_per_epoch"`
		PruneRatio          float64 `yaml:"prune_ratio"`
	} `yaml:"fleet"`

	Island struct {
		Program    string `yaml:"program"`
		ConfigFile string `yaml:"config_file"` // engine config handed to every island
		Dataset    string `yaml:"dataset"`
		OutFile    string `yaml:"out_file"` // basename of .stt / .fn
		RunsDir    string `yaml:"runs_dir"`
	} `yaml:"island"`

	Timing struct {
		TickInterval     time.Duration `yaml:"tick_interval"`
		PollTimeout      time.Duration `yaml:"poll_timeout"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		ConnectTimeout   time.Duration `yaml:"connect_timeout"`
		TerminateGrace   time.Duration `yaml:"terminate_grace"`
	} `yaml:"timing"`

	Journal struct {
		Enabled         bool   `yaml:"enabled"`
		Path            string `yaml:"path"`
		BufferSize      int    `yaml:"buffer_size"`
		FlushIntervalMs int    `yaml:"flush_interval_ms"`
		SyncOnFlush     bool   `yaml:"sync_on_flush"`
	} `yaml:"journal"`

	Status struct {
		Path string `yaml:"path"`
	} `yaml:"status"`

	Health struct {
		Enabled bool   `yaml:"enabled"`
		Socket  string `yaml:"socket"`
	} `yaml:"health"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Aggregation struct {
		Enabled    bool   `yaml:"enabled"`
		WriteFile  string `yaml:"write_file"`
		MaxWorkers int    `yaml:"max_workers"`
	} `yaml:"aggregation"`
}

func defaultConfig() *Config {
	var cfg Config
	cfg.Fleet.NumPops = 10
	cfg.Fleet.GenerationsPerEpoch = 5
	cfg.Fleet.PruneRatio = 0.2

	cfg.Island.Program = "./island"
	cfg.Island.OutFile = "regress"
	cfg.Island.RunsDir = "runs"

	cfg.Timing.TickInterval = time.Millisecond
	cfg.Timing.PollTimeout = transport.DefaultPollTimeout
	cfg.Timing.HandshakeTimeout = 5 * time.Second
	cfg.Timing.ConnectTimeout = 30 * time.Second
	cfg.Timing.TerminateGrace = 2 * time.Second

	cfg.Journal.Enabled = true
	cfg.Journal.Path = "runs/pyramid.journal"
	cfg.Journal.BufferSize = 256
	cfg.Journal.FlushIntervalMs = 1000

	cfg.Status.Path = "runs/status.json"

	cfg.Health.Socket = "/tmp/pyramid-health.sock"

	cfg.Metrics.Addr = ":9090"

	cfg.Aggregation.Enabled = true
	cfg.Aggregation.WriteFile = "aggregated"
	return &cfg
}

// Validate checks the values the coordinator cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Fleet.NumPops < 1 {
		errs = append(errs, fmt.Errorf("fleet.num_pops must be >= 1, got %d", c.Fleet.NumPops))
	}
	if c.Fleet.GenerationsPerEpoch < 1 {
		errs = append(errs, fmt.Errorf("fleet.generations_per_epoch must be >= 1, got %d", c.Fleet.GenerationsPerEpoch))
	}
	if c.Fleet.PruneRatio < 0 || c.Fleet.PruneRatio >= 1 {
		errs = append(errs, fmt.Errorf("fleet.prune_ratio must be in [0,1), got %g", c.Fleet.PruneRatio))
	}
	if strings.TrimSpace(c.Island.Program) == "" {
		errs = append(errs, errors.New("island.program is required"))
	}
	if c.Island.OutFile == "" {
		errs = append(errs, errors.New("island.out_file is required"))
	}
	if c.Timing.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("timing.tick_interval must be positive, got %s", c.Timing.TickInterval))
	}
	if c.Timing.PollTimeout <= 0 {
		errs = append(errs, fmt.Errorf("timing.poll_timeout must be positive, got %s", c.Timing.PollTimeout))
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, errors.New("journal.path is required when the journal is enabled"))
	}
	if c.Health.Enabled && c.Health.Socket == "" {
		errs = append(errs, errors.New("health.socket is required when health is enabled"))
	}
	return errors.Join(errs...)
}

var (
	configFile string
	logLevel   string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pyramid",
		Short: "Pyramid: island-model pruning coordinator",
		Long: `Pyramid runs a fleet of independent evolutionary islands and
prunes the weakest fraction after every epoch:
- one OS process per island, sequenced-packet unix sockets
- epoch barrier on fitness reports, cutoff by rank
- the last survivor runs to completion
- journal, status file, Prometheus metrics and gRPC health`,
		Version: "1.0.0",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(logLevel)
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildAggregateCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildJournalCommand())

	return rootCmd
}

// runFlags holds the overrides of the run command.
type runFlags struct {
	numPops    int
	numGen     int
	pruneRatio float64
	program    string
	dataset    string
	engineCfg  string
	outFile    string
	writeFile  string
	runsDir    string
}

func buildRunCommand() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start islands and coordinate them until one survives",
		Long:  "Spawn the island fleet, run epochs, prune the weakest islands and aggregate their output",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigFor(cmd)
			if err != nil {
				return err
			}
			f.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runPyramid(cmd.Context(), cfg)
		},
	}

	cmd.Flags().IntVarP(&f.numPops, "num-pops", "n", 10, "number of islands")
	cmd.Flags().IntVarP(&f.numGen, "num-gen", "g", 5, "generations per epoch")
	cmd.Flags().Float64VarP(&f.pruneRatio, "prune-ratio", "p", 0.2, "fraction of islands pruned per epoch")
	cmd.Flags().StringVar(&f.program, "program", "./island", "island executable")
	cmd.Flags().StringVar(&f.dataset, "file", "", "dataset handed to every island")
	cmd.Flags().StringVar(&f.engineCfg, "config-file", "", "engine config handed to every island")
	cmd.Flags().StringVar(&f.outFile, "out-file", "regress", "basename of island output files")
	cmd.Flags().StringVar(&f.writeFile, "write-file", "aggregated", "basename of aggregated reports")
	cmd.Flags().StringVar(&f.runsDir, "runs-dir", "runs", "parent directory of run_<i> directories")

	return cmd
}

// apply copies the flags the user actually set onto cfg.
func (f *runFlags) apply(cmd *cobra.Command, cfg *Config) {
	flags := cmd.Flags()
	if flags.Changed("num-pops") {
		cfg.Fleet.NumPops = f.numPops
	}
	if flags.Changed("num-gen") {
		cfg.Fleet.GenerationsPerEpoch = f.numGen
	}
	if flags.Changed("prune-ratio") {
		cfg.Fleet.PruneRatio = f.pruneRatio
	}
	if flags.Changed("program") {
		cfg.Island.Program = f.program
	}
	if flags.Changed("file") {
		cfg.Island.Dataset = f.dataset
	}
	if flags.Changed("config-file") {
		cfg.Island.ConfigFile = f.engineCfg
	}
	if flags.Changed("out-file") {
		cfg.Island.OutFile = f.outFile
	}
	if flags.Changed("write-file") {
		cfg.Aggregation.WriteFile = f.writeFile
	}
	if flags.Changed("runs-dir") {
		cfg.Island.RunsDir = f.runsDir
	}
}

func runPyramid(parent context.Context, cfg *Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			log.Printf("Received %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// islands run inside their own directories
	runsDir, err := filepath.Abs(cfg.Island.RunsDir)
	if err != nil {
		return fmt.Errorf("failed to resolve runs directory: %w", err)
	}
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create runs directory: %w", err)
	}
	engineCfg, err := absIfSet(cfg.Island.ConfigFile)
	if err != nil {
		return err
	}
	dataset, err := absIfSet(cfg.Island.Dataset)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	socketPath := filepath.Join(os.TempDir(), "pyramid_"+runID+".socket")
	ln, err := transport.Listen(socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	defer ln.Close()

	log.Printf("Starting Pyramid run %s: %d islands, %d generations per epoch, prune ratio %g\n",
		runID, cfg.Fleet.NumPops, cfg.Fleet.GenerationsPerEpoch, cfg.Fleet.PruneRatio)

	opts, closeAll, err := buildObservers(cfg)
	if err != nil {
		return err
	}
	defer closeAll()

	sup := supervisor.New(supervisor.Options{
		Program: cfg.Island.Program,
		RunsDir: runsDir,
		Args:    supervisor.IslandArgs(engineCfg, dataset, socketPath, cfg.Island.OutFile),
	})
	coord := coordinator.New(coordinator.Config{
		GenerationsPerEpoch: int32(cfg.Fleet.GenerationsPerEpoch),
		PruneRatio:          cfg.Fleet.PruneRatio,
		TickInterval:        cfg.Timing.TickInterval,
		TerminateGrace:      cfg.Timing.TerminateGrace,
	}, nil, sup, opts...)

	runErr := coordinate(ctx, coord, ln, cfg)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Timing.TerminateGrace+5*time.Second)
	defer shutdownCancel()
	if err := sup.Shutdown(shutdownCtx, cfg.Timing.TerminateGrace); err != nil {
		log.Printf("Warning: %v\n", err)
	}

	var fleetErr *coordinator.FleetError
	if errors.As(runErr, &fleetErr) {
		return runErr
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	if cfg.Aggregation.Enabled {
		dirs := make([]string, cfg.Fleet.NumPops)
		for i := range dirs {
			dirs[i] = sup.RunDir(i)
		}
		if err := aggregate(context.Background(), cfg, dirs); err != nil {
			return err
		}
	}

	log.Println("Pyramid run complete")
	return nil
}

// coordinate runs the pre-loop phases and the event loop.
func coordinate(ctx context.Context, coord *coordinator.Coordinator, ln *transport.Listener, cfg *Config) error {
	if err := coord.SpawnIslands(cfg.Fleet.NumPops); err != nil {
		return fmt.Errorf("failed to start islands: %w", err)
	}
	err := coord.AcceptIslands(ctx, ln, cfg.Fleet.NumPops, coordinator.AcceptConfig{
		HandshakeTimeout: cfg.Timing.HandshakeTimeout,
		ConnectTimeout:   cfg.Timing.ConnectTimeout,
		PollTimeout:      cfg.Timing.PollTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect islands: %w", err)
	}

	if err := coord.Run(ctx); err != nil {
		log.Printf("Coordinator stopped after %d epochs: %v\n", coord.Epoch(), err)
		return err
	}
	log.Printf("Coordinator finished after %d epochs\n", coord.Epoch())
	return nil
}

// buildObservers wires journal, metrics, health and status file into
// coordinator options. The returned func releases all of them.
func buildObservers(cfg *Config) ([]coordinator.Option, func(), error) {
	var (
		opts    []coordinator.Option
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) ([]coordinator.Option, func(), error) {
		closeAll()
		return nil, func() {}, err
	}

	if cfg.Journal.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0o755); err != nil {
			return fail(fmt.Errorf("failed to create journal directory: %w", err))
		}
		j, err := journal.Open(cfg.Journal.Path, journal.Options{
			SyncOnFlush:   cfg.Journal.SyncOnFlush,
			BufferSize:    cfg.Journal.BufferSize,
			FlushInterval: time.Duration(cfg.Journal.FlushIntervalMs) * time.Millisecond,
		})
		if err != nil {
			return fail(err)
		}
		backup, err := j.Rotate()
		if err != nil {
			j.Close()
			return fail(fmt.Errorf("failed to rotate journal: %w", err))
		}
		if backup != "" {
			log.Printf("Previous journal moved to %s\n", backup)
		}
		opts = append(opts, coordinator.WithObserver(j))
		closers = append(closers, func() {
			if err := j.Close(); err != nil {
				log.Printf("Warning: failed to close journal: %v\n", err)
			}
		})
	}

	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector()
		srv, err := metrics.StartServer(cfg.Metrics.Addr)
		if err != nil {
			return fail(fmt.Errorf("failed to start metrics server: %w", err))
		}
		log.Printf("Metrics available at http://%s/metrics\n", srv.Addr())
		opts = append(opts, coordinator.WithObserver(collector))
		closers = append(closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.Health.Enabled {
		hs, err := server.New(cfg.Health.Socket)
		if err != nil {
			return fail(err)
		}
		hs.Start()
		opts = append(opts, coordinator.WithObserver(hs))
		closers = append(closers, func() {
			if err := hs.Close(); err != nil {
				log.Printf("Warning: failed to close health server: %v\n", err)
			}
		})
	}

	if cfg.Status.Path != "" {
		opts = append(opts, coordinator.WithStatusWriter(snapshot.NewManager(cfg.Status.Path)))
	}

	return opts, closeAll, nil
}

func aggregate(ctx context.Context, cfg *Config, dirs []string) error {
	agg := aggregation.NewTSV(cfg.Island.OutFile, cfg.Aggregation.WriteFile)
	agg.MaxWorkers = cfg.Aggregation.MaxWorkers

	summary, err := agg.Aggregate(ctx, dirs)
	if err != nil {
		return fmt.Errorf("failed to aggregate runs: %w", err)
	}

	best := summary.Runs[summary.Best]
	log.Printf("Aggregated %d runs (%d skipped), mean generations %.2f\n",
		len(summary.Runs), len(summary.Skipped), summary.GenerationsMean)
	log.Printf("Best run %d: fitness %g, %s\n", best.Index, best.Summary.Fitness, best.Summary.Expression)
	for _, f := range summary.Files {
		log.Printf("  wrote %s\n", f)
	}
	return nil
}

func absIfSet(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	return abs, nil
}

// ============================================================================
// 配置與日誌
// ============================================================================

// loadConfigFor loads --config; a missing file at the default path means
// "use defaults".
func loadConfigFor(cmd *cobra.Command) (*Config, error) {
	path := configFile
	explicit := cmd.Flags().Changed("config")
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return defaultConfig(), nil
		}
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return cfg, nil
}

// setupLogging sets the level of the default slog handler, which every
// package logger writes through.
func setupLogging(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	slog.SetLogLoggerLevel(lvl)
	return nil
}
