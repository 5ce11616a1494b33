package island

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 演化引擎參數，從 YAML 載入
type Config struct {
	Population     int     `yaml:"population"`      // 族群大小
	MaxGenerations int     `yaml:"max_generations"` // 單次 run 的最大 generation 數
	MaxDegree      int     `yaml:"max_degree"`      // 多項式最高次方
	TournamentSize int     `yaml:"tournament_size"`
	Elitism        int     `yaml:"elitism"`        // 每代直接保留的最佳個體數
	CrossoverRate  float64 `yaml:"crossover_rate"` // [0,1]
	MutationRate   float64 `yaml:"mutation_rate"`  // 每個項的突變機率
	MutationScale  float64 `yaml:"mutation_scale"` // 係數擾動的標準差
	HitThreshold   float64 `yaml:"hit_threshold"`  // |誤差| 小於此值算一次 hit
	FitnessCases   int     `yaml:"fitness_cases"`  // 沒有 dataset 時產生的案例數
	Seed           int64   `yaml:"seed"`           // 0 表示依時間與 pid
}

// DefaultConfig returns the parameters used when no file is given.
func DefaultConfig() Config {
	return Config{
		Population:     200,
		MaxGenerations: 100,
		MaxDegree:      6,
		TournamentSize: 4,
		Elitism:        2,
		CrossoverRate:  0.7,
		MutationRate:   0.2,
		MutationScale:  0.5,
		HitThreshold:   0.01,
		FitnessCases:   50,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig. An empty path
// returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read engine config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse engine config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks parameter ranges.
func (c Config) Validate() error {
	var errs []error
	if c.Population < 2 {
		errs = append(errs, fmt.Errorf("population must be >= 2, got %d", c.Population))
	}
	if c.MaxGenerations < 1 {
		errs = append(errs, fmt.Errorf("max_generations must be >= 1, got %d", c.MaxGenerations))
	}
	if c.MaxDegree < 0 {
		errs = append(errs, fmt.Errorf("max_degree must be >= 0, got %d", c.MaxDegree))
	}
	if c.TournamentSize < 1 {
		errs = append(errs, fmt.Errorf("tournament_size must be >= 1, got %d", c.TournamentSize))
	}
	if c.Elitism < 0 || c.Elitism >= c.Population {
		errs = append(errs, fmt.Errorf("elitism must be in [0,population), got %d", c.Elitism))
	}
	if c.CrossoverRate < 0 || c.CrossoverRate > 1 {
		errs = append(errs, fmt.Errorf("crossover_rate must be in [0,1], got %v", c.CrossoverRate))
	}
	if c.MutationRate < 0 || c.MutationRate > 1 {
		errs = append(errs, fmt.Errorf("mutation_rate must be in [0,1], got %v", c.MutationRate))
	}
	if c.FitnessCases < 1 {
		errs = append(errs, fmt.Errorf("fitness_cases must be >= 1, got %d", c.FitnessCases))
	}
	return errors.Join(errs...)
}
