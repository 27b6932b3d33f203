// Package config assembles the run configuration. Sources apply in
// increasing precedence: defaults, an optional YAML file, a .env file, the
// process environment, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/DeusData/odoo-graph/internal/graph"
)

// LogLevels is the accepted LOG_LEVEL set.
var LogLevels = []string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"}

// Config is built once in main and passed to every constructor.
type Config struct {
	GraphURI string `yaml:"graph_uri" validate:"required"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`

	AddonsPaths []string `yaml:"addons_paths"`

	BatchSize        int     `yaml:"batch_size" validate:"gt=0"`
	MaxMemoryPercent float64 `yaml:"max_memory_percent" validate:"gt=0,lte=100"`

	EnableCache       bool   `yaml:"enable_cache"`
	CacheDir          string `yaml:"cache_dir" validate:"required_if=EnableCache true"`
	EnableParallel    bool   `yaml:"enable_parallel"`
	MaxWorkers        int    `yaml:"max_workers" validate:"gt=0"`
	EnableIncremental bool   `yaml:"enable_incremental"`

	IndexViews           bool `yaml:"index_views"`
	SkipTestFiles        bool `yaml:"skip_test_files"`
	IncludeUninstallable bool `yaml:"include_uninstallable"`
	MaxDepth             int  `yaml:"max_depth" validate:"gt=0"`

	LogLevel string `yaml:"log_level" validate:"oneof=DEBUG INFO WARNING ERROR CRITICAL"`
	LogFile  string `yaml:"log_file"`

	ConnectRetries    int           `yaml:"connect_retries" validate:"gte=1"`
	ConnectRetryDelay time.Duration `yaml:"connect_retry_delay" validate:"gte=0"`

	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		GraphURI:          "bolt://localhost:7687",
		User:              "neo4j",
		Password:          "password",
		Database:          "neo4j",
		BatchSize:         50,
		MaxMemoryPercent:  70,
		EnableCache:       true,
		CacheDir:          ".cache",
		MaxWorkers:        4,
		EnableIncremental: true,
		IndexViews:        true,
		SkipTestFiles:     true,
		MaxDepth:          3,
		LogLevel:          "INFO",
		LogFile:           "odoo_graph.log",
		ConnectRetries:    3,
		ConnectRetryDelay: time.Second,
	}
}

// key binds one setting to its environment variable and flag.
type key struct {
	env   string
	alias string
	flag  string
	usage string
	kind  kind
	set   func(c *Config, s string) error
	get   func(c *Config) string
}

type kind int

const (
	kindString kind = iota
	kindInt
	kindFloat
	kindBool
	kindDuration
)

func stringKey(env, flag, usage string, f func(*Config) *string) key {
	return key{env: env, flag: flag, usage: usage, kind: kindString,
		set: func(c *Config, s string) error { *f(c) = s; return nil },
		get: func(c *Config) string { return *f(c) }}
}

func intKey(env, flag, usage string, f func(*Config) *int) key {
	return key{env: env, flag: flag, usage: usage, kind: kindInt,
		set: func(c *Config, s string) error {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return err
			}
			*f(c) = n
			return nil
		},
		get: func(c *Config) string { return strconv.Itoa(*f(c)) }}
}

func floatKey(env, flag, usage string, f func(*Config) *float64) key {
	return key{env: env, flag: flag, usage: usage, kind: kindFloat,
		set: func(c *Config, s string) error {
			v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return err
			}
			*f(c) = v
			return nil
		},
		get: func(c *Config) string { return strconv.FormatFloat(*f(c), 'g', -1, 64) }}
}

func boolKey(env, flag, usage string, f func(*Config) *bool) key {
	return key{env: env, flag: flag, usage: usage, kind: kindBool,
		set: func(c *Config, s string) error {
			b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(s)))
			if err != nil {
				return err
			}
			*f(c) = b
			return nil
		},
		get: func(c *Config) string { return strconv.FormatBool(*f(c)) }}
}

func durationKey(env, flag, usage string, f func(*Config) *time.Duration) key {
	return key{env: env, flag: flag, usage: usage, kind: kindDuration,
		set: func(c *Config, s string) error {
			d, err := time.ParseDuration(strings.TrimSpace(s))
			if err != nil {
				return err
			}
			*f(c) = d
			return nil
		},
		get: func(c *Config) string { return f(c).String() }}
}

var keys = []key{
	withAlias(stringKey("GRAPH_URI", "graph-uri", "graph database URI (bolt://, neo4j://, sqlite://, memory://)",
		func(c *Config) *string { return &c.GraphURI }), "NEO4J_URI"),
	stringKey("NEO4J_USER", "user", "graph database user", func(c *Config) *string { return &c.User }),
	stringKey("NEO4J_PASSWORD", "password", "graph database password", func(c *Config) *string { return &c.Password }),
	stringKey("NEO4J_DATABASE", "database", "graph database name", func(c *Config) *string { return &c.Database }),
	{env: "ADDONS_PATHS", flag: "addons-paths", usage: "comma separated addons roots", kind: kindString,
		set: func(c *Config, s string) error { c.AddonsPaths = SplitPaths(s); return nil },
		get: func(c *Config) string { return strings.Join(c.AddonsPaths, ",") }},
	intKey("BATCH_SIZE", "batch-size", "records per write batch", func(c *Config) *int { return &c.BatchSize }),
	floatKey("MAX_MEMORY_PERCENT", "max-memory-percent", "memory warning threshold, percent of system memory",
		func(c *Config) *float64 { return &c.MaxMemoryPercent }),
	boolKey("ENABLE_CACHE", "enable-cache", "cache extraction results on disk", func(c *Config) *bool { return &c.EnableCache }),
	stringKey("CACHE_DIR", "cache-dir", "directory for the ledger and extraction cache", func(c *Config) *string { return &c.CacheDir }),
	boolKey("ENABLE_PARALLEL", "enable-parallel", "extract modules concurrently", func(c *Config) *bool { return &c.EnableParallel }),
	intKey("MAX_WORKERS", "max-workers", "concurrent extraction workers", func(c *Config) *int { return &c.MaxWorkers }),
	boolKey("ENABLE_INCREMENTAL", "enable-incremental", "skip modules whose files are unchanged",
		func(c *Config) *bool { return &c.EnableIncremental }),
	boolKey("INDEX_VIEWS", "index-views", "extract ir.ui.view records", func(c *Config) *bool { return &c.IndexViews }),
	boolKey("SKIP_TEST_FILES", "skip-test-files", "ignore tests directories and test_*.py",
		func(c *Config) *bool { return &c.SkipTestFiles }),
	boolKey("INCLUDE_UNINSTALLABLE", "include-uninstallable", "index modules marked installable=False",
		func(c *Config) *bool { return &c.IncludeUninstallable }),
	intKey("MAX_DEPTH", "max-depth", "default traversal depth for queries", func(c *Config) *int { return &c.MaxDepth }),
	stringKey("LOG_LEVEL", "log-level", "DEBUG, INFO, WARNING, ERROR or CRITICAL", func(c *Config) *string { return &c.LogLevel }),
	stringKey("LOG_FILE", "log-file", "also write logs to this file (empty disables)", func(c *Config) *string { return &c.LogFile }),
	intKey("CONNECT_RETRIES", "connect-retries", "graph connection attempts", func(c *Config) *int { return &c.ConnectRetries }),
	durationKey("CONNECT_RETRY_DELAY", "connect-retry-delay", "delay between connection attempts",
		func(c *Config) *time.Duration { return &c.ConnectRetryDelay }),
	stringKey("METRICS_ADDR", "metrics-addr", "serve Prometheus metrics on host:port", func(c *Config) *string { return &c.MetricsAddr }),
}

func withAlias(k key, alias string) key {
	k.alias = alias
	return k
}

// Sources names the optional files Load reads.
type Sources struct {
	File    string // YAML; a missing named file is an error
	EnvFile string // .env; a missing file is ignored
	// Lookup reads the process environment; nil means os.LookupEnv.
	Lookup func(string) (string, bool)
}

// Load applies defaults, the YAML file, the .env file and the environment.
// Flags come after, through Bind and Apply. The result is not validated.
func Load(src Sources) (Config, error) {
	c := Default()
	if src.File != "" {
		raw, err := os.ReadFile(src.File)
		if err != nil {
			return c, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return c, fmt.Errorf("config: %s: %w", src.File, err)
		}
	}

	dotenv := map[string]string{}
	if src.EnvFile != "" {
		m, err := godotenv.Read(src.EnvFile)
		switch {
		case err == nil:
			dotenv = m
		case !errors.Is(err, os.ErrNotExist):
			return c, fmt.Errorf("config: %s: %w", src.EnvFile, err)
		}
	}
	lookup := src.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(name string) (string, bool) {
		if v, ok := lookup(name); ok {
			return v, true
		}
		v, ok := dotenv[name]
		return v, ok
	}

	for _, k := range keys {
		v, ok := get(k.env)
		if !ok && k.alias != "" {
			v, ok = get(k.alias)
		}
		if !ok {
			continue
		}
		if err := k.set(&c, v); err != nil {
			return c, fmt.Errorf("config: %s=%q: %w", k.env, v, err)
		}
	}
	return c, nil
}

// Bind registers one flag per setting on fs, defaulting to c's values so
// help text shows the effective configuration.
func Bind(fs *pflag.FlagSet, c *Config) {
	for _, k := range keys {
		if fs.Lookup(k.flag) != nil {
			continue
		}
		usage := fmt.Sprintf("%s (env %s)", k.usage, k.env)
		switch k.kind {
		case kindInt:
			n, _ := strconv.Atoi(k.get(c))
			fs.Int(k.flag, n, usage)
		case kindFloat:
			f, _ := strconv.ParseFloat(k.get(c), 64)
			fs.Float64(k.flag, f, usage)
		case kindBool:
			b, _ := strconv.ParseBool(k.get(c))
			fs.Bool(k.flag, b, usage)
		case kindDuration:
			d, _ := time.ParseDuration(k.get(c))
			fs.Duration(k.flag, d, usage)
		default:
			fs.String(k.flag, k.get(c), usage)
		}
	}
}

// Apply copies every flag set on the command line into c.
func Apply(fs *pflag.FlagSet, c *Config) error {
	for _, k := range keys {
		f := fs.Lookup(k.flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := k.set(c, f.Value.String()); err != nil {
			return fmt.Errorf("config: --%s: %w", k.flag, err)
		}
	}
	return nil
}

var validate = validator.New()

// Validate normalizes the log level and checks every constraint.
func (c *Config) Validate() error {
	c.LogLevel = strings.ToUpper(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "WARN" {
		c.LogLevel = "WARNING"
	}
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value())
			}
			return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Graph returns the connection options.
func (c *Config) Graph() graph.Options {
	return graph.Options{
		URI:        c.GraphURI,
		User:       c.User,
		Password:   c.Password,
		Database:   c.Database,
		Retries:    c.ConnectRetries,
		RetryDelay: c.ConnectRetryDelay,
	}
}

// LedgerPath is the change-tracker database.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.CacheDir, "ledger.db")
}

// ExtractCacheDir holds the extraction cache.
func (c *Config) ExtractCacheDir() string {
	return filepath.Join(c.CacheDir, "extract")
}

// SplitPaths parses a comma separated path list, dropping blanks.
func SplitPaths(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Redacted returns the settings for display with the password hidden.
func (c *Config) Redacted() map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v := k.get(c)
		if k.env == "NEO4J_PASSWORD" && v != "" {
			v = "********"
		}
		out[k.env] = v
	}
	return out
}
