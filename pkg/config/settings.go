package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Settings is the runtime configuration of the stackform CLI, loaded
// from a YAML file. Everything has a default; a missing file means
// default settings.
type Settings struct {
	// State selects and locates the state backend.
	State StateSettings `yaml:"state"`

	// Execution tunes the apply phase.
	Execution ExecutionSettings `yaml:"execution"`

	// Policy configures plan policy evaluation.
	Policy PolicySettings `yaml:"policy"`

	// Telemetry holds log level and observability endpoints.
	Telemetry TelemetrySettings `yaml:"telemetry"`
}

// StateSettings locates the state backend.
type StateSettings struct {
	// Backend is the store implementation: file or sqlite.
	Backend string `yaml:"backend" validate:"oneof=file sqlite"`

	// Path is the state file or database path.
	Path string `yaml:"path" validate:"required"`

	// LockTimeout bounds how long a run waits on a contended state
	// lock before failing.
	LockTimeout time.Duration `yaml:"lock_timeout" validate:"min=0"`
}

// ExecutionSettings tunes the executor.
type ExecutionSettings struct {
	// MaxParallel bounds concurrent actions within a wave.
	MaxParallel int `yaml:"max_parallel" validate:"min=1,max=256"`

	// MaxRetries bounds retries of transient provider failures.
	MaxRetries int `yaml:"max_retries" validate:"min=0,max=20"`

	// BaseBackoff is the first retry delay.
	BaseBackoff time.Duration `yaml:"base_backoff" validate:"min=0"`

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration `yaml:"max_backoff" validate:"min=0"`
}

// PolicySettings configures plan policy evaluation.
type PolicySettings struct {
	// Enabled switches policy evaluation on.
	Enabled bool `yaml:"enabled"`

	// Paths lists Rego files or directories evaluated against every
	// plan, in addition to the built-in policy.
	Paths []string `yaml:"paths"`
}

// TelemetrySettings holds the observability knobs exposed in settings.
type TelemetrySettings struct {
	// LogLevel is the minimum log level.
	LogLevel string `yaml:"log_level" validate:"oneof=trace debug info warn error fatal"`

	// LogFormat selects console or json logs.
	LogFormat string `yaml:"log_format" validate:"oneof=console json"`

	// MetricsAddress enables the Prometheus endpoint when non-empty.
	MetricsAddress string `yaml:"metrics_address"`

	// TraceEndpoint enables OTLP trace export when non-empty.
	TraceEndpoint string `yaml:"trace_endpoint"`
}

// DefaultSettings returns the settings used when no file overrides
// them: file state next to the working directory, ten-way parallelism,
// three retries.
func DefaultSettings() *Settings {
	return &Settings{
		State: StateSettings{
			Backend:     "file",
			Path:        "stackform.state.json",
			LockTimeout: 30 * time.Second,
		},
		Execution: ExecutionSettings{
			MaxParallel: 10,
			MaxRetries:  3,
			BaseBackoff: time.Second,
			MaxBackoff:  time.Minute,
		},
		Policy: PolicySettings{
			Enabled: false,
		},
		Telemetry: TelemetrySettings{
			LogLevel:  "info",
			LogFormat: "console",
		},
	}
}

// LoadSettings reads settings from path, layering the file's values
// over the defaults. A missing file is not an error.
func LoadSettings(path string) (*Settings, error) {
	settings := DefaultSettings()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return settings, nil
			}
			return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
		}
		if err := yaml.Unmarshal(content, settings); err != nil {
			return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
		}
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Validate checks settings with struct validation tags.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("invalid settings: field %s fails %q", first.Namespace(), first.Tag())
		}
		return fmt.Errorf("invalid settings: %w", err)
	}
	if s.Execution.MaxBackoff < s.Execution.BaseBackoff {
		return fmt.Errorf("invalid settings: max_backoff is below base_backoff")
	}
	return nil
}
