// Package config loads scraper settings from an optional TOML file, a .env
// file and SEJM_* environment variables, in increasing priority.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"sejm-vote-scraper/internal/classifier"
	"sejm-vote-scraper/internal/collector"
	"sejm-vote-scraper/internal/models"
	"sejm-vote-scraper/internal/transform"
)

const EnvPrefix = "SEJM"

// Unset marks a start/stop index that was not configured.
const Unset = -1

type Config struct {
	Home          string          `mapstructure:"home"`
	Term          int             `mapstructure:"term"`
	Year          int             `mapstructure:"year"`
	DataDir       string          `mapstructure:"data_dir"`
	SleepInterval time.Duration   `mapstructure:"sleep_interval"`
	HTTP          HTTPConfig      `mapstructure:"http"`
	Collect       CollectConfig   `mapstructure:"collect"`
	Transform     TransformConfig `mapstructure:"transform"`
	Schedule      ScheduleConfig  `mapstructure:"schedule"`
	Server        ServerConfig    `mapstructure:"server"`
}

type HTTPConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	SizeCap     int64         `mapstructure:"size_cap"`
}

type CollectConfig struct {
	Start                  int `mapstructure:"start"`
	Stop                   int `mapstructure:"stop"`
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures"`
}

// LabelRule pins one raw label to an outcome. Labels are kept in a list
// because viper folds map keys to lower case.
type LabelRule struct {
	Label   string `mapstructure:"label"`
	Outcome string `mapstructure:"outcome"`
}

type TransformConfig struct {
	ReferenceColumn  string      `mapstructure:"reference_column"`
	Order            []string    `mapstructure:"order"`
	Labels           []LabelRule `mapstructure:"labels"`
	MinPartySize     int         `mapstructure:"min_party_size"`
	BulkAbsenceRatio float64     `mapstructure:"bulk_absence_ratio"`
	BulkAbsenceFill  float64     `mapstructure:"bulk_absence_fill"`
	FallbackFill     float64     `mapstructure:"fallback_fill"`
}

type ScheduleConfig struct {
	Every time.Duration `mapstructure:"every"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// SetDefaults registers every key so environment overrides resolve.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("home", "https://www.sejm.gov.pl/sejm9.nsf/")
	v.SetDefault("term", 9)
	v.SetDefault("year", 2022)
	v.SetDefault("data_dir", ".")
	v.SetDefault("sleep_interval", "1s")

	v.SetDefault("http.timeout", "15s")
	v.SetDefault("http.dial_timeout", "5s")
	v.SetDefault("http.size_cap", 5*1024*1024)

	v.SetDefault("collect.start", Unset)
	v.SetDefault("collect.stop", Unset)
	v.SetDefault("collect.max_consecutive_failures", collector.DefaultPolicy().MaxConsecutiveFailures)

	pol := transform.DefaultPolicy()
	v.SetDefault("transform.reference_column", "")
	v.SetDefault("transform.order", []string{"for", "against", "abstain", "absent"})
	v.SetDefault("transform.labels", []LabelRule{})
	v.SetDefault("transform.min_party_size", pol.MinPartySize)
	v.SetDefault("transform.bulk_absence_ratio", pol.BulkAbsenceRatio)
	v.SetDefault("transform.bulk_absence_fill", pol.BulkAbsenceFill)
	v.SetDefault("transform.fallback_fill", pol.FallbackFill)

	v.SetDefault("schedule.every", "10m")
	v.SetDefault("server.addr", ":8080")
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration. An empty path looks for sejm.toml in the working
// directory and carries on with defaults when there is none.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	} else {
		v.SetConfigName("sejm")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "read config")
			}
		}
	}
	return LoadWithViper(v)
}

func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Home == "":
		return errors.New("home must be set")
	case c.Year < 1990:
		return errors.Newf("year %d out of range", c.Year)
	case c.SleepInterval < 0:
		return errors.New("sleep_interval must not be negative")
	case c.Collect.Start < Unset || c.Collect.Stop < Unset:
		return errors.New("collect.start and collect.stop must be -1 or an index")
	case c.Collect.Start != Unset && c.Collect.Stop != Unset && c.Collect.Start > c.Collect.Stop:
		return errors.Newf("collect.start %d is after collect.stop %d", c.Collect.Start, c.Collect.Stop)
	case c.Collect.MaxConsecutiveFailures < 1:
		return errors.New("collect.max_consecutive_failures must be at least 1")
	case c.Transform.MinPartySize < 1:
		return errors.New("transform.min_party_size must be at least 1")
	case c.Transform.BulkAbsenceRatio <= 0 || c.Transform.BulkAbsenceRatio > 1:
		return errors.New("transform.bulk_absence_ratio must be in (0, 1]")
	case c.Schedule.Every <= 0:
		return errors.New("schedule.every must be positive")
	}
	return nil
}

func (c *Config) path(name string) string { return filepath.Join(c.DataDir, name) }

func (c *Config) VotesPath() string       { return c.path("votes_info.csv") }
func (c *Config) StatusPath() string      { return c.path("status.txt") }
func (c *Config) FinalPath() string       { return c.path("final_results.csv") }
func (c *Config) TransformedPath() string { return c.path("transformed_results.csv") }
func (c *Config) DBPath() string          { return c.path("results.db") }
func (c *Config) FailedPath() string      { return c.path("failed_votes.csv") }

// Range turns the configured start/stop into a collector range.
func (c *Config) Range() collector.Range {
	var r collector.Range
	if c.Collect.Start != Unset {
		r.Start = collector.Index(c.Collect.Start)
	}
	if c.Collect.Stop != Unset {
		r.Stop = collector.Index(c.Collect.Stop)
	}
	return r
}

func (c *Config) CollectorPolicy() collector.Policy {
	return collector.Policy{MaxConsecutiveFailures: c.Collect.MaxConsecutiveFailures}
}

// TransformOptions builds the transformer options, preferring an explicit
// label table over rank order when one is configured.
func (c *Config) TransformOptions() (transform.Options, error) {
	opts := transform.Options{
		ReferenceColumn: c.Transform.ReferenceColumn,
		Policy: transform.Policy{
			MinPartySize:     c.Transform.MinPartySize,
			BulkAbsenceRatio: c.Transform.BulkAbsenceRatio,
			BulkAbsenceFill:  c.Transform.BulkAbsenceFill,
			FallbackFill:     c.Transform.FallbackFill,
		},
	}
	var err error
	if len(c.Transform.Labels) > 0 {
		labels := make(map[string]models.Outcome, len(c.Transform.Labels))
		for _, l := range c.Transform.Labels {
			labels[l.Label] = models.Outcome(strings.ToLower(l.Outcome))
		}
		opts.Classifier, err = classifier.NewLabeled(labels)
	} else {
		order := make([]models.Outcome, 0, len(c.Transform.Order))
		for _, o := range c.Transform.Order {
			order = append(order, models.Outcome(strings.ToLower(o)))
		}
		opts.Classifier, err = classifier.NewRanked(order)
	}
	if err != nil {
		return opts, errors.Wrap(err, "transform outcome mapping")
	}
	return opts, nil
}
