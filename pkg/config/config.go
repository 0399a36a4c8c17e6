// Package config loads the pipeline configuration from YAML.
//
// ${VAR} references in the file are expanded from the environment before
// parsing, and a small set of environment variables override the parsed
// values so credentials never have to live in the file.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/exploopio/intelpipe/pkg/audit"
	"github.com/exploopio/intelpipe/pkg/collector"
	"github.com/exploopio/intelpipe/pkg/compress"
	"github.com/exploopio/intelpipe/pkg/credentials"
	"github.com/exploopio/intelpipe/pkg/dedupe"
	"github.com/exploopio/intelpipe/pkg/enrich/epss"
	"github.com/exploopio/intelpipe/pkg/enrich/kev"
	"github.com/exploopio/intelpipe/pkg/errors"
	"github.com/exploopio/intelpipe/pkg/normalize"
	"github.com/exploopio/intelpipe/pkg/pipeline"
	"github.com/exploopio/intelpipe/pkg/publish/archive"
	"github.com/exploopio/intelpipe/pkg/publish/misp"
	"github.com/exploopio/intelpipe/pkg/publish/opencti"
	"github.com/exploopio/intelpipe/pkg/scheduler"
	"github.com/exploopio/intelpipe/pkg/server"
	"github.com/exploopio/intelpipe/pkg/source"
)

// Environment variables that override file values.
const (
	EnvDBPath        = "INTELPIPE_DB_PATH"
	EnvLogLevel      = "INTELPIPE_LOG_LEVEL"
	EnvServerAddr    = "INTELPIPE_ADDR"
	EnvMISPURL       = "MISP_URL"
	EnvMISPAPIKey    = "MISP_API_KEY"
	EnvOpenCTIURL    = "OPENCTI_URL"
	EnvOpenCTIToken  = "OPENCTI_TOKEN"
	EnvRunOnStart    = "INTELPIPE_RUN_ON_START"
	EnvScheduleSpec  = "INTELPIPE_SCHEDULE"
	EnvArchiveDir    = "INTELPIPE_ARCHIVE_DIR"
	EnvSkipRepublish = "INTELPIPE_SKIP_REPUBLISHED"
)

// Config is the full process configuration.
type Config struct {
	Log       LogConfig          `yaml:"log"`
	Database  DatabaseConfig     `yaml:"database"`
	Schedule  ScheduleConfig     `yaml:"schedule"`
	Pipeline  pipeline.Config    `yaml:"pipeline"`
	Collector collector.Config   `yaml:"collector"`
	Normalize normalize.Options  `yaml:"normalize"`
	MISP      misp.Config        `yaml:"misp"`
	OpenCTI   opencti.Config     `yaml:"opencti"`
	Archive   archive.Config     `yaml:"archive"`
	Enrich    EnrichConfig       `yaml:"enrich"`
	Publish   PublishConfig      `yaml:"publish"`
	Server    server.Config      `yaml:"server"`
	Health    HealthConfig       `yaml:"health"`
	Audit     audit.LoggerConfig `yaml:"audit"`
	Secrets   SecretsConfig      `yaml:"secrets"`

	// Sources are upserted into the registry at startup.
	Sources []source.Source `yaml:"sources"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig selects the source registry. An empty Path keeps the
// registry in memory, seeded only from Sources.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type ScheduleConfig struct {
	Spec       string `yaml:"spec"`
	Timezone   string `yaml:"timezone"`
	RunOnStart bool   `yaml:"run_on_start"`
}

// Location resolves Timezone. Empty means UTC.
func (s ScheduleConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

type EnrichConfig struct {
	KEV  kev.Config  `yaml:"kev"`
	EPSS epss.Config `yaml:"epss"`
}

type PublishConfig struct {
	// SkipRepublished suppresses indicators already sent in earlier runs.
	SkipRepublished bool          `yaml:"skip_republished"`
	Dedupe          dedupe.Config `yaml:"dedupe"`
}

// SecretsConfig configures the stores behind "secret:" credential
// references.
type SecretsConfig struct {
	// Dir holds one file per secret, e.g. /run/secrets.
	Dir string `yaml:"dir"`

	// EnvPrefix is prepended to environment lookups. Default: INTELPIPE_
	EnvPrefix string `yaml:"env_prefix"`
}

// Store returns the chained environment and directory store.
func (s SecretsConfig) Store() credentials.Store {
	return credentials.NewChainedStore(
		credentials.NewEnvStore(s.EnvPrefix),
		credentials.NewDirStore(s.Dir),
	)
}

type HealthConfig struct {
	// MaxRunAge degrades /health when the last run is older. Default: 2h.
	MaxRunAge    time.Duration `yaml:"max_run_age"`
	MaxHeapBytes uint64        `yaml:"max_heap_bytes"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log:       LogConfig{Level: "info", Format: "text"},
		Schedule:  ScheduleConfig{Spec: scheduler.DefaultSpec},
		Pipeline:  pipeline.Config{Concurrency: pipeline.DefaultConcurrency},
		Collector: collector.DefaultConfig(),
		MISP:      misp.Config{MaxRetries: 2},
		OpenCTI:   opencti.Config{MaxRetries: 2},
		Archive:   archive.Config{Compression: string(compress.AlgorithmZSTD)},
		Publish: PublishConfig{
			Dedupe: dedupe.Config{Capacity: 100000, FalsePositiveRate: 0.001},
		},
		Server:  server.Config{Addr: ":8080"},
		Health:  HealthConfig{MaxRunAge: 2 * time.Hour},
		Secrets: SecretsConfig{EnvPrefix: "INTELPIPE_"},
	}
}

// Load reads path, applies environment overrides and validates the result.
// An empty path starts from Default.
func Load(path string) (*Config, error) {
	const op = "config.Load"

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.E(errors.KindConfigParse, op, "read config", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse expands ${VAR} references in data and decodes it over cfg.
func Parse(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return errors.E(errors.KindConfigParse, "config.Parse", "parse config", err)
	}
	return nil
}

// ApplyEnv overrides values from the environment. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.E(errors.KindConfigParse, "config.ApplyEnv", fmt.Sprintf("%s=%q", key, v), err)
		}
		*dst = b
		return nil
	}

	str(EnvDBPath, &c.Database.Path)
	str(EnvLogLevel, &c.Log.Level)
	str(EnvServerAddr, &c.Server.Addr)
	str(EnvMISPURL, &c.MISP.URL)
	str(EnvMISPAPIKey, &c.MISP.APIKey)
	str(EnvOpenCTIURL, &c.OpenCTI.URL)
	str(EnvOpenCTIToken, &c.OpenCTI.Token)
	str(EnvScheduleSpec, &c.Schedule.Spec)
	str(EnvArchiveDir, &c.Archive.Dir)
	if err := boolean(EnvRunOnStart, &c.Schedule.RunOnStart); err != nil {
		return err
	}
	return boolean(EnvSkipRepublish, &c.Publish.SkipRepublished)
}

// ResolveSecrets replaces env:, file: and secret: references in sink
// credentials with the values they name.
func (c *Config) ResolveSecrets(ctx context.Context, store credentials.Store) error {
	const op = "config.ResolveSecrets"

	refs := []struct {
		name string
		dst  *string
	}{
		{"misp.api_key", &c.MISP.APIKey},
		{"opencti.token", &c.OpenCTI.Token},
	}
	for _, ref := range refs {
		v, err := credentials.Resolve(ctx, store, *ref.dst)
		if err != nil {
			return errors.E(errors.KindConfigParse, op, ref.name, err)
		}
		*ref.dst = v
	}
	return nil
}

// Validate rejects values the pipeline cannot start with. Unconfigured
// sinks are valid: they are skipped at publish time.
func (c *Config) Validate() error {
	const op = "config.Validate"
	var problems []string

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q", c.Log.Level))
	}
	if _, err := cron.ParseStandard(c.Schedule.Spec); err != nil {
		problems = append(problems, fmt.Sprintf("schedule.spec %q: %v", c.Schedule.Spec, err))
	}
	if _, err := c.Schedule.Location(); err != nil {
		problems = append(problems, fmt.Sprintf("schedule.timezone %q", c.Schedule.Timezone))
	}
	if c.Pipeline.Concurrency < 0 {
		problems = append(problems, "pipeline.concurrency must not be negative")
	}
	if _, err := compress.ParseAlgorithm(c.Archive.Compression); err != nil {
		problems = append(problems, "archive.compression: "+err.Error())
	}
	if c.MISP.MaxRetries < 0 || c.OpenCTI.MaxRetries < 0 {
		problems = append(problems, "max_retries must not be negative")
	}
	if r := c.Publish.Dedupe.FalsePositiveRate; c.Publish.SkipRepublished && (r <= 0 || r >= 1) {
		problems = append(problems, fmt.Sprintf("publish.dedupe.false_positive_rate %v not in (0,1)", r))
	}
	for i, s := range c.Sources {
		if s.URL == "" {
			problems = append(problems, fmt.Sprintf("sources[%d]: url is required", i))
		}
		if s.Type != source.TypeUnknown && !source.ParseType(string(s.Type)).Valid() {
			problems = append(problems, fmt.Sprintf("sources[%d]: unknown type %q", i, s.Type))
		}
	}

	if len(problems) > 0 {
		return errors.E(errors.KindConfigParse, op, strings.Join(problems, "; "))
	}
	return nil
}
