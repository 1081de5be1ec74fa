// Package config loads the pipeline settings shared by the command line
// tools from an optional YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/carbocation/qsmpipe/metrics"
	"github.com/carbocation/qsmpipe/qc"
	"github.com/carbocation/qsmpipe/registration"
	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration. Flags given on the command line override
// whatever it sets.
type Config struct {
	Registration struct {
		Bins         int       `yaml:"bins"`
		LevelIters   []int     `yaml:"levelIters"`
		Sigmas       []float64 `yaml:"sigmas"`
		Factors      []int     `yaml:"factors"`
		SimplexSize  float64   `yaml:"simplexSize"`
		ConvergeIter int       `yaml:"convergeIter"`

		SynIters    []int   `yaml:"synIters"`
		SynFactors  []int   `yaml:"synFactors"`
		CCRadius    int     `yaml:"ccRadius"`
		SmoothSigma float64 `yaml:"smoothSigma"`
		StepLength  float64 `yaml:"stepLength"`
	} `yaml:"registration"`

	Batch struct {
		// Workers is the number of subjects registered at once.
		Workers int `yaml:"workers"`

		// Template is the static image every subject is registered to.
		Template string `yaml:"template"`
	} `yaml:"batch"`

	QC struct {
		Enabled bool    `yaml:"enabled"`
		Scale   int     `yaml:"scale"`
		Tile    int     `yaml:"tile"`
		Labels  string  `yaml:"labels"`
		Opacity float64 `yaml:"opacity"`
	} `yaml:"qc"`

	Metrics struct {
		Percentile float64 `yaml:"percentile"`

		// Atlases in column order.
		Atlases []AtlasConfig `yaml:"atlases"`
	} `yaml:"metrics"`

	Plot struct {
		Kind string `yaml:"kind"`

		// YLim is [min, max]; empty lets the data decide.
		YLim   []float64 `yaml:"ylim"`
		Width  int       `yaml:"width"`
		Height int       `yaml:"height"`
	} `yaml:"plot"`
}

// AtlasConfig names a label volume on the template grid and its dictionary.
type AtlasConfig struct {
	Labels     string `yaml:"labels"`
	Dictionary string `yaml:"dictionary"`
}

func DefaultConfig() *Config {
	cfg := &Config{}

	p := registration.DefaultParams()
	cfg.Registration.Bins = p.Bins
	cfg.Registration.LevelIters = p.LevelIters
	cfg.Registration.Sigmas = p.Sigmas
	cfg.Registration.Factors = p.Factors
	cfg.Registration.SimplexSize = p.SimplexSize
	cfg.Registration.ConvergeIter = p.ConvergeIter
	cfg.Registration.SynIters = p.SynIters
	cfg.Registration.SynFactors = p.SynFactors
	cfg.Registration.CCRadius = p.CCRadius
	cfg.Registration.SmoothSigma = p.SmoothSigma
	cfg.Registration.StepLength = p.StepLength

	cfg.Batch.Workers = runtime.NumCPU()

	q := qc.DefaultOptions()
	cfg.QC.Scale = q.Scale
	cfg.QC.Tile = q.Tile
	cfg.QC.Opacity = q.Opacity

	cfg.Metrics.Percentile = metrics.VeinPercentile

	cfg.Plot.Kind = "box"
	cfg.Plot.YLim = []float64{0, 0.07}
	cfg.Plot.Width = 1200
	cfg.Plot.Height = 300

	return cfg
}

// LoadConfig reads path over the defaults. An empty path or a file that does
// not exist yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	} else if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	return cfg, nil
}

// SaveConfig writes cfg as YAML, creating the directory if needed.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// Params returns the registration schedule.
func (c *Config) Params() registration.Params {
	r := c.Registration
	return registration.Params{
		Bins:         r.Bins,
		LevelIters:   r.LevelIters,
		Sigmas:       r.Sigmas,
		Factors:      r.Factors,
		SimplexSize:  r.SimplexSize,
		ConvergeIter: r.ConvergeIter,
		SynIters:     r.SynIters,
		SynFactors:   r.SynFactors,
		CCRadius:     r.CCRadius,
		SmoothSigma:  r.SmoothSigma,
		StepLength:   r.StepLength,
	}
}

// QCOptions returns the snapshot settings. Labels are loaded by the caller.
func (c *Config) QCOptions() qc.Options {
	return qc.Options{Scale: c.QC.Scale, Tile: c.QC.Tile, Opacity: c.QC.Opacity}
}

// Validate rejects settings that would only fail later, mid-run.
func (c *Config) Validate() error {
	if err := c.Params().Validate(); err != nil {
		return err
	}

	if c.Batch.Workers < 0 {
		return fmt.Errorf("batch.workers must not be negative, got %d", c.Batch.Workers)
	}

	if c.QC.Scale < 1 || c.QC.Tile < 1 {
		return fmt.Errorf("qc.scale and qc.tile must be at least 1, got %d and %d", c.QC.Scale, c.QC.Tile)
	}
	if c.QC.Opacity < 0 || c.QC.Opacity > 1 {
		return fmt.Errorf("qc.opacity must be between 0 and 1, got %g", c.QC.Opacity)
	}

	if c.Metrics.Percentile <= 0 || c.Metrics.Percentile >= 100 {
		return fmt.Errorf("metrics.percentile must be between 0 and 100, got %g", c.Metrics.Percentile)
	}
	for i, a := range c.Metrics.Atlases {
		if a.Labels == "" || a.Dictionary == "" {
			return fmt.Errorf("metrics.atlases[%d] needs both labels and dictionary", i)
		}
	}

	switch c.Plot.Kind {
	case "box", "violin":
	default:
		return fmt.Errorf("plot.kind must be box or violin, got %q", c.Plot.Kind)
	}
	if n := len(c.Plot.YLim); n != 0 && (n != 2 || c.Plot.YLim[1] <= c.Plot.YLim[0]) {
		return fmt.Errorf("plot.ylim must be [min, max], got %v", c.Plot.YLim)
	}
	if c.Plot.Width < 1 || c.Plot.Height < 1 {
		return fmt.Errorf("plot.width and plot.height must be positive")
	}

	return nil
}
