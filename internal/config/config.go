package config

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	DataDir       string  `yaml:"data_dir"`
	ResultsDir    string  `yaml:"results_dir"`
	CheckpointDir string  `yaml:"checkpoint_dir"`
	HistoryDB     string  `yaml:"history_db"`
	Mirror        string  `yaml:"mirror"`
	Download      bool    `yaml:"download"`
	BatchSize     int     `yaml:"batch_size"`
	Epochs        int     `yaml:"epochs"`
	NoAccel       bool    `yaml:"no_accel"`
	Seed          int64   `yaml:"seed"`
	LogInterval   int     `yaml:"log_interval"`
	Prefetch      int     `yaml:"prefetch"`
	InputDim      int     `yaml:"input_dim"`
	HiddenDim     int     `yaml:"hidden_dim"`
	EmbDim        int     `yaml:"emb_dim"`
	EmbNum        int     `yaml:"emb_num"`
	Beta          float64 `yaml:"beta"`
	LearningRate  float64 `yaml:"lr"`
	LossPolicy    string  `yaml:"loss_policy"`
}

// Default returns the stock MNIST setup.
func Default() *Config {
	return &Config{
		DataDir:      "../data",
		ResultsDir:   "results",
		Download:     true,
		BatchSize:    128,
		Epochs:       10,
		Seed:         1,
		LogInterval:  10,
		Prefetch:     2,
		InputDim:     784,
		HiddenDim:    400,
		EmbDim:       500,
		EmbNum:       10,
		Beta:         0.3,
		LearningRate: 1e-3,
		LossPolicy:   "full",
	}
}

// Overrides captures CLI supplied values. Nil fields were not given on the
// command line, so an explicit zero still overrides.
type Overrides struct {
	DataDir       *string
	ResultsDir    *string
	CheckpointDir *string
	HistoryDB     *string
	Mirror        *string
	Download      *bool
	BatchSize     *int
	Epochs        *int
	NoAccel       *bool
	Seed          *int64
	LogInterval   *int
	Prefetch      *int
	InputDim      *int
	HiddenDim     *int
	EmbDim        *int
	EmbNum        *int
	Beta          *float64
	LearningRate  *float64
	LossPolicy    *string
}

// Load reads a Config from YAML on top of Default. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	cfg, err := parseYAML(f, Default())
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return cfg, nil
}

// ApplyOverrides updates cfg with every override that was set.
func (c *Config) ApplyOverrides(o Overrides) {
	setString(&c.DataDir, o.DataDir)
	setString(&c.ResultsDir, o.ResultsDir)
	setString(&c.CheckpointDir, o.CheckpointDir)
	setString(&c.HistoryDB, o.HistoryDB)
	setString(&c.Mirror, o.Mirror)
	setString(&c.LossPolicy, o.LossPolicy)
	setBool(&c.Download, o.Download)
	setBool(&c.NoAccel, o.NoAccel)
	setInt(&c.BatchSize, o.BatchSize)
	setInt(&c.Epochs, o.Epochs)
	setInt(&c.LogInterval, o.LogInterval)
	setInt(&c.Prefetch, o.Prefetch)
	setInt(&c.InputDim, o.InputDim)
	setInt(&c.HiddenDim, o.HiddenDim)
	setInt(&c.EmbDim, o.EmbDim)
	setInt(&c.EmbNum, o.EmbNum)
	if o.Seed != nil {
		c.Seed = *o.Seed
	}
	if o.Beta != nil {
		c.Beta = *o.Beta
	}
	if o.LearningRate != nil {
		c.LearningRate = *o.LearningRate
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if c.ResultsDir == "" {
		return errors.New("results_dir must be set")
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"batch_size", c.BatchSize},
		{"epochs", c.Epochs},
		{"log_interval", c.LogInterval},
		{"prefetch", c.Prefetch},
		{"input_dim", c.InputDim},
		{"hidden_dim", c.HiddenDim},
		{"emb_dim", c.EmbDim},
		{"emb_num", c.EmbNum},
	} {
		if f.v <= 0 {
			return errors.Errorf("%s must be > 0 (got %d)", f.name, f.v)
		}
	}
	if c.Beta < 0 {
		return errors.Errorf("beta must be >= 0 (got %g)", c.Beta)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("lr must be > 0 (got %g)", c.LearningRate)
	}
	return nil
}

func parseYAML(r io.Reader, cfg *Config) (*Config, error) {
	str := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	integer := func(dst *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			*dst = n
			return err
		}
	}
	boolean := func(dst *bool) func(string) error {
		return func(v string) error {
			b, err := strconv.ParseBool(v)
			*dst = b
			return err
		}
	}
	float := func(dst *float64) func(string) error {
		return func(v string) error {
			f, err := strconv.ParseFloat(v, 64)
			*dst = f
			return err
		}
	}
	setters := map[string]func(string) error{
		"data_dir":       str(&cfg.DataDir),
		"results_dir":    str(&cfg.ResultsDir),
		"checkpoint_dir": str(&cfg.CheckpointDir),
		"history_db":     str(&cfg.HistoryDB),
		"mirror":         str(&cfg.Mirror),
		"loss_policy":    str(&cfg.LossPolicy),
		"download":       boolean(&cfg.Download),
		"no_accel":       boolean(&cfg.NoAccel),
		"batch_size":     integer(&cfg.BatchSize),
		"epochs":         integer(&cfg.Epochs),
		"log_interval":   integer(&cfg.LogInterval),
		"prefetch":       integer(&cfg.Prefetch),
		"input_dim":      integer(&cfg.InputDim),
		"hidden_dim":     integer(&cfg.HiddenDim),
		"emb_dim":        integer(&cfg.EmbDim),
		"emb_num":        integer(&cfg.EmbNum),
		"beta":           float(&cfg.Beta),
		"lr":             float(&cfg.LearningRate),
		"seed": func(v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			cfg.Seed = n
			return err
		},
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("line %d: missing ':'", lineNo)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		value = strings.Trim(value, "\"'")
		set, ok := setters[key]
		if !ok {
			return nil, errors.Errorf("line %d: unknown key %s", lineNo, key)
		}
		if err := set(value); err != nil {
			return nil, errors.Wrapf(err, "line %d: %s", lineNo, key)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}
