// Package config loads training configuration from YAML and validates it.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Model   ModelConfig   `yaml:"model"`
	Init    InitConfig    `yaml:"init"`
	Train   TrainConfig   `yaml:"train"`
	Data    DataConfig    `yaml:"data"`
	Storage StorageConfig `yaml:"storage"`
	Runtime RuntimeConfig `yaml:"runtime"`
}

type ModelConfig struct {
	HiddenCount int     `yaml:"hidden_count" validate:"gte=0"`
	EdgeWeight  float64 `yaml:"edge_weight" validate:"gt=0"`
}

type InitConfig struct {
	BatchSize     int     `yaml:"batch_size" validate:"gt=0"`
	ReachableFrac float64 `yaml:"reachable_frac" validate:"gte=0,lte=1"`
	HiddenGroups  int     `yaml:"hidden_groups" validate:"gte=1"`
}

type TrainConfig struct {
	Steps                    int     `yaml:"steps" validate:"gte=0"`
	BatchSize                int     `yaml:"batch_size" validate:"gt=0"`
	TestSize                 int     `yaml:"test_size" validate:"gte=0"`
	MutationCount            int     `yaml:"mutation_count" validate:"gte=0,ltefield=PreliminaryMutationCount"`
	MutationSize             int     `yaml:"mutation_size" validate:"gte=0"`
	MutationDeleteProb       float64 `yaml:"mutation_delete_prob" validate:"gte=0,lte=1"`
	PreliminaryMutationCount int     `yaml:"preliminary_mutation_count" validate:"gte=0"`
	PreliminaryBatchSize     int     `yaml:"preliminary_batch_size" validate:"gt=0,ltefield=BatchSize"`
	// SelectionConfidence switches acceptance to a lower confidence bound with
	// this many standard errors. Unset uses the mean rule.
	SelectionConfidence *float64 `yaml:"selection_confidence" validate:"omitempty,gte=0"`
	ExactReRank         bool     `yaml:"exact_rerank"`
	EvaluateProbe       bool     `yaml:"evaluate_probe"`
	ProbeIters          int      `yaml:"probe_iters" validate:"gte=0"`
	SaveInterval        int      `yaml:"save_interval" validate:"gt=0"`
}

type DataConfig struct {
	Task      string `yaml:"task" validate:"oneof=xor parity majority and table"`
	Width     int    `yaml:"width" validate:"gte=0"`
	Bits      int    `yaml:"bits" validate:"gte=0"`
	TrainPath string `yaml:"train_path" validate:"required_if=Task table"`
	TestPath  string `yaml:"test_path"`
}

type StorageConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory sqlite badger"`
	Path    string `yaml:"path" validate:"required_if=Backend sqlite"`
}

type RuntimeConfig struct {
	Seed        int64  `yaml:"seed"`
	Workers     int    `yaml:"workers" validate:"gte=0"`
	LogLevel    string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat   string `yaml:"log_format" validate:"oneof=auto text json"`
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
}

// Default mirrors the reference MNIST run, scaled to a synthetic task.
func Default() Config {
	return Config{
		Model: ModelConfig{
			HiddenCount: 1024,
			EdgeWeight:  1.0,
		},
		Init: InitConfig{
			BatchSize:     100,
			ReachableFrac: 0.2,
			HiddenGroups:  1,
		},
		Train: TrainConfig{
			Steps:                    100,
			BatchSize:                10000,
			TestSize:                 2000,
			MutationCount:            5,
			MutationSize:             3,
			MutationDeleteProb:       0.25,
			PreliminaryMutationCount: 5,
			PreliminaryBatchSize:     100,
			ProbeIters:               10000,
			SaveInterval:             10,
		},
		Data: DataConfig{
			Task:  "parity",
			Width: 16,
			Bits:  3,
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		Runtime: RuntimeConfig{
			Seed:      1,
			LogLevel:  "info",
			LogFormat: "auto",
		},
	}
}

// Load reads path over the defaults and validates the result. An empty path
// returns the validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

var ErrInvalid = errors.New("invalid config")

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("%w: %s failed %q (value %v)", ErrInvalid, fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
