package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/nilmprep/internal/dataset"
	"github.com/starford/nilmprep/internal/merge"
	"github.com/starford/nilmprep/internal/table"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	Merge   MergeConfig       `yaml:"merge"`
	Dataset DatasetConfig     `yaml:"dataset"`
	Store   StoreConfig       `yaml:"store"`
	Replay  ReplayConfig      `yaml:"replay"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Merge.Validate(); err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	if err := c.Dataset.Validate(); err != nil {
		return fmt.Errorf("dataset: %w", err)
	}
	return c.Replay.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level    `yaml:"log_level"`
	LogFile  LogFileConfig `yaml:"log_file"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.LogFile.Validate()
}

// LogFileConfig routes logs to a rotated file instead of stderr when Path is set.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Validate validates the log file configuration.
func (c *LogFileConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxSizeMB, validation.Min(0)),
		validation.Field(&c.MaxBackups, validation.Min(0)),
		validation.Field(&c.MaxAgeDays, validation.Min(0)),
	)
}

// MergeConfig holds the defaults of the merge command.
type MergeConfig struct {
	IndexColumn string   `yaml:"index_column"`
	ValueColumn string   `yaml:"value_column"`
	Mode        string   `yaml:"mode"`
	Fill        *float64 `yaml:"fill"` // nil leaves missing cells empty
	Sort        bool     `yaml:"sort"`
	TimeUnit    string   `yaml:"time_unit"`
	Manifest    string   `yaml:"manifest"`
	Debounce    Duration `yaml:"debounce"`
}

// Validate validates the merge configuration.
func (c *MergeConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.IndexColumn, validation.Required),
		validation.Field(&c.Mode, validation.Required, validation.In(merge.ModeJoin, merge.ModeConcat)),
		validation.Field(&c.TimeUnit, validation.Required, validation.In(timeUnitNames()...)),
	); err != nil {
		return err
	}
	if c.Mode == merge.ModeJoin && c.ValueColumn == "" {
		return fmt.Errorf("value_column is required in %q mode", merge.ModeJoin)
	}
	return nil
}

// Options converts the configuration to merge options.
func (c *MergeConfig) Options() merge.Options {
	return merge.Options{
		IndexColumn: c.IndexColumn,
		ValueColumn: c.ValueColumn,
		Mode:        c.Mode,
		Fill:        c.Fill,
		Sort:        c.Sort,
		Time:        table.TimeParser{Unit: timeUnits[c.TimeUnit]},
		Manifest:    c.Manifest,
	}
}

// DatasetConfig describes the household archive prepared by the prepare command.
type DatasetConfig struct {
	URLTemplate string            `yaml:"url_template"`
	DataDir     string            `yaml:"data_dir"`
	Number      int               `yaml:"household"`
	Start       string            `yaml:"start"`
	End         string            `yaml:"end"`
	Labels      map[string]string `yaml:"labels"`
	Phases      []string          `yaml:"phases"`
	Bucket      Duration          `yaml:"bucket"`
	Fill        *float64          `yaml:"fill"`
	KeepArchive bool              `yaml:"keep_archive"`
	KeepTemp    bool              `yaml:"keep_temp"`
	Timeout     Duration          `yaml:"timeout"`
}

// Validate validates the dataset configuration.
func (c *DatasetConfig) Validate() error {
	// An empty mapping selects the GeLaP label files.
	if len(c.Labels) == 0 {
		c.Labels = DefaultGeLaPLabels()
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.URLTemplate, validation.Required),
		validation.Field(&c.DataDir, validation.Required),
		validation.Field(&c.Number, validation.Required, validation.Min(1)),
		validation.Field(&c.Labels, validation.Required),
		validation.Field(&c.Phases, validation.Required),
		validation.Field(&c.Bucket, validation.Required),
	); err != nil {
		return err
	}
	p := table.TimeParser{}
	for _, bound := range []string{c.Start, c.End} {
		if bound == "" {
			continue
		}
		if _, err := p.Parse(bound); err != nil {
			return fmt.Errorf("window bound: %w", err)
		}
	}
	return nil
}

// Household converts the configuration to the prepare job's input.
func (c *DatasetConfig) Household() (dataset.Household, error) {
	h := dataset.Household{
		Number:      c.Number,
		URLTemplate: c.URLTemplate,
		DataDir:     c.DataDir,
		Labels:      c.Labels,
		Phases:      c.Phases,
		Bucket:      time.Duration(c.Bucket),
		Fill:        c.Fill,
		KeepArchive: c.KeepArchive,
		KeepTemp:    c.KeepTemp,
	}
	p := table.TimeParser{}
	var err error
	if c.Start != "" {
		if h.Start, err = p.Parse(c.Start); err != nil {
			return h, fmt.Errorf("dataset: start: %w", err)
		}
	}
	if c.End != "" {
		if h.End, err = p.Parse(c.End); err != nil {
			return h, fmt.Errorf("dataset: end: %w", err)
		}
	}
	return h, nil
}

// StoreConfig holds the run-history database location. An empty path
// disables run recording.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ReplayConfig holds the replay server configuration.
type ReplayConfig struct {
	File        string     `yaml:"file"`
	IndexColumn string     `yaml:"index_column"` // empty selects the first column
	TimeUnit    string     `yaml:"time_unit"`
	HTTP        HTTPConfig `yaml:"http"`
	Topic       string     `yaml:"topic"`
	Auth        AuthConfig `yaml:"auth"`
}

// Validate validates the replay configuration.
func (c *ReplayConfig) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return err
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Topic, validation.Required),
		validation.Field(&c.TimeUnit, validation.Required, validation.In(timeUnitNames()...)),
	); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// TimeParser reads replayed keys; keys without a zone are local time.
func (c *ReplayConfig) TimeParser() table.TimeParser {
	return table.TimeParser{Unit: timeUnits[c.TimeUnit], Location: time.Local}
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// Duration is a time.Duration that unmarshals from strings like "1s".
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

var timeUnits = map[string]time.Duration{
	"s":  time.Second,
	"ms": time.Millisecond,
	"us": time.Microsecond,
	"ns": time.Nanosecond,
}

func timeUnitNames() []interface{} {
	return []interface{}{"s", "ms", "us", "ns"}
}

// DefaultGeLaPLabels maps the label files of a GeLaP household to device names.
func DefaultGeLaPLabels() map[string]string {
	return map[string]string{
		"label_001.csv": "thermomix",
		"label_002.csv": "toaster",
		"label_003.csv": "coffee_machine",
		"label_004.csv": "electric_kettle",
		"label_005.csv": "microwave",
		"label_006.csv": "radio",
		"label_007.csv": "washing_machine",
		"label_008.csv": "vacuum_cleaner",
		"label_009.csv": "television",
		"label_010.csv": "charger",
	}
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	zero := 0.0
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			LogFile: LogFileConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
		Merge: MergeConfig{
			IndexColumn: "timestamp",
			ValueColumn: "power",
			Mode:        merge.ModeJoin,
			Fill:        &zero,
			Sort:        true,
			TimeUnit:    "ms",
			Debounce:    Duration(500 * time.Millisecond),
		},
		Dataset: DatasetConfig{
			URLTemplate: "https://mygit.th-deg.de/tcg/gelap/-/raw/master/hh-{household}.tar.xz?ref_type=heads",
			DataDir:     "./data",
			Number:      14,
			Start:       "2020-03-17 09:30:00",
			End:         "2020-04-21 06:30:00",
			Phases:      []string{"power1", "power2", "power3"},
			Bucket:      Duration(time.Second),
			Timeout:     Duration(10 * time.Minute),
		},
		Store: StoreConfig{
			Path: "./nilmprep.db",
		},
		Replay: ReplayConfig{
			TimeUnit: "ms",
			HTTP:     HTTPConfig{Port: 8080},
			Topic:    "syntised",
			Auth:     AuthConfig{Mode: AuthModeDisabled},
		},
	}
}
