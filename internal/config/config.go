package config

import (
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultFile is read from the working directory when no path is given.
const DefaultFile = "subway.yml"

// Config is resolved from defaults, then the YAML file, then .env and the
// process environment, later layers winning.
type Config struct {
	RedisURL string `yaml:"redis_url" env:"SUBWAY_REDIS_URL"`
	Prefix   string `yaml:"prefix" env:"SUBWAY_PREFIX"`

	// Interval is how often the worker polls queues and drains schedules.
	Interval     time.Duration `yaml:"interval" env:"SUBWAY_INTERVAL"`
	ReapInterval time.Duration `yaml:"reap_interval" env:"SUBWAY_REAP_INTERVAL"`
	Concurrency  int           `yaml:"concurrency" env:"SUBWAY_CONCURRENCY"`
	Queues       []string      `yaml:"queues" env:"SUBWAY_QUEUES" envSeparator:","`

	LogLevel string `yaml:"log_level" env:"SUBWAY_LOG_LEVEL"`
	LogFile  string `yaml:"log_file" env:"SUBWAY_LOG_FILE"`

	StatusRetention time.Duration `yaml:"status_retention" env:"SUBWAY_STATUS_RETENTION"`

	APIAddr            string   `yaml:"api_addr" env:"SUBWAY_API_ADDR"`
	JWTSigningKey      string   `yaml:"jwt_signing_key,omitempty" env:"SUBWAY_JWT_SIGNING_KEY"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins,omitempty" env:"SUBWAY_CORS_ALLOWED_ORIGINS" envSeparator:","`

	PostgresDSN   string `yaml:"postgres_dsn,omitempty" env:"SUBWAY_POSTGRES_DSN"`
	MigrationsDir string `yaml:"migrations_dir" env:"SUBWAY_MIGRATIONS_DIR"`
}

func Default() Config {
	return Config{
		RedisURL:        "redis://localhost:6379/0",
		Prefix:          "subway",
		Interval:        5 * time.Second,
		ReapInterval:    time.Second,
		Concurrency:     5,
		LogLevel:        "info",
		StatusRetention: 5 * 24 * time.Hour,
		APIAddr:         ":8080",
		MigrationsDir:   "migrations",
	}
}

// Load resolves the configuration. An empty path falls back to DefaultFile
// when it exists; an explicit path must exist.
func Load(path string) (Config, error) {
	c := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return c, errors.Wrap(err, "loading .env")
	}

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &c); err != nil {
			return c, errors.Wrapf(err, "parsing %s", path)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return c, errors.Wrapf(err, "reading %s", path)
	}

	if err := env.Parse(&c); err != nil {
		return c, errors.Wrap(err, "parsing environment")
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.RedisURL == "":
		return errors.New("config: redis_url must not be empty")
	case c.Interval <= 0:
		return errors.New("config: interval must be positive")
	case c.ReapInterval <= 0:
		return errors.New("config: reap_interval must be positive")
	case c.Concurrency < 1:
		return errors.New("config: concurrency must be at least 1")
	case c.StatusRetention <= 0:
		return errors.New("config: status_retention must be positive")
	}
	return nil
}

// Marshal renders the configuration as YAML, as written by `subway init`.
func (c Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "encoding config")
	}
	return data, nil
}

// Environ exports the settings an execution unit needs to reconnect.
func (c Config) Environ() []string {
	return []string{
		"SUBWAY_REDIS_URL=" + c.RedisURL,
		"SUBWAY_PREFIX=" + c.Prefix,
		"SUBWAY_LOG_LEVEL=" + c.LogLevel,
		"SUBWAY_LOG_FILE=" + c.LogFile,
		"SUBWAY_STATUS_RETENTION=" + c.StatusRetention.String(),
		"SUBWAY_POSTGRES_DSN=" + c.PostgresDSN,
	}
}
