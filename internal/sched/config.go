package sched

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	yaml "github.com/goccy/go-yaml"
)

// Config mirrors the workload YAML file.
type Config struct {
	Name             string        `yaml:"name"`              // "deferq" (by default)
	DefaultTimeout   time.Duration `yaml:"default_timeout"`   // 0 = tasks have no timeout unless set
	LogLevel         string        `yaml:"log_level"`         // "info" (by default)
	LogFormat        string        `yaml:"log_format"`        // "text" or "json"
	CSVLog           string        `yaml:"csv_log"`           // empty = no CSV event log
	MetricsNamespace string        `yaml:"metrics_namespace"` // "deferq" (by default)
	Mode             string        `yaml:"mode"`              // "schedule", "all" or "race"
	Jobs             []JobSpec     `yaml:"jobs"`
}

// JobSpec describes one task of a workload. The host program turns it into
// a work function from internal/job.
type JobSpec struct {
	Name     string        `yaml:"name"`
	Priority int           `yaml:"priority"`
	Duration time.Duration `yaml:"duration"` // total run time
	Steps    int           `yaml:"steps"`    // progress reports spread over Duration
	Fail     string        `yaml:"fail"`     // non-empty = fail with this message
	Timeout  time.Duration `yaml:"timeout"`  // overrides DefaultTimeout
	Value    string        `yaml:"value"`    // result on success; defaults to Name
}

const (
	ModeSchedule = "schedule"
	ModeAll      = "all"
	ModeRace     = "race"
)

// If the config file is not found, we use default values
func defaultConfig() Config {
	return Config{
		Name:             "deferq",
		LogLevel:         "info",
		LogFormat:        "text",
		MetricsNamespace: "deferq",
		Mode:             ModeSchedule,
	}
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config { return defaultConfig() }

// Load reads YAML and overrides defaults; empty path or a missing file =
// defaults only. A file that exists but does not parse is an error.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return defaultConfig(), fmt.Errorf("parse config %s: %w", path, err)
	}

	// sanity clamps
	if cfg.Name == "" {
		cfg.Name = "deferq"
	}
	if cfg.DefaultTimeout < 0 {
		cfg.DefaultTimeout = 0
	}
	if cfg.MetricsNamespace == "" {
		cfg.MetricsNamespace = "deferq"
	}
	switch cfg.Mode {
	case ModeSchedule, ModeAll, ModeRace:
	case "":
		cfg.Mode = ModeSchedule
	default:
		return cfg, fmt.Errorf("config %s: unknown mode %q", path, cfg.Mode)
	}
	for i := range cfg.Jobs {
		j := &cfg.Jobs[i]
		if j.Name == "" {
			j.Name = fmt.Sprintf("job-%d", i+1)
		}
		if j.Duration < 0 {
			j.Duration = 0
		}
		if j.Steps < 0 {
			j.Steps = 0
		}
		if j.Timeout < 0 {
			j.Timeout = 0
		}
	}

	return cfg, nil
}
