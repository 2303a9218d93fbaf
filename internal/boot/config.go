package boot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"uk.co.dudmesh.crosspost/internal/platform"
	"uk.co.dudmesh.crosspost/internal/queue"
)

const (
	BackendSQL   = "sql"
	BackendRedis = "redis"
)

type Config struct {
	Env     string `env:"ENV,default=dev"`
	DataDir string `env:"DATA_DIR,default=."`
	Server  struct {
		Port        string `env:"PORT,default=8080"`
		MetricsPort string `env:"METRICS_PORT,default=8081"`
		Origins     string `env:"ALLOWED_ORIGINS,default=*"`
		BodyLimit   string `env:"BODY_LIMIT,default=100M"`
		APIKeyHash  string `env:"API_KEY_HASH"`
	}
	Queue struct {
		queue.Config
		Backend string `env:"QUEUE_BACKEND,default=sql"`
	}
	Database struct {
		Driver      string `env:"DATABASE_DRIVER,default=sqlite3"`
		DatabaseURL string `env:"DATABASE_URL"`
	}
	Redis struct {
		Host      string        `env:"REDIS_HOST,default=localhost"`
		Port      string        `env:"REDIS_PORT,default=6379"`
		Password  string        `env:"REDIS_PASSWORD"`
		Prefix    string        `env:"REDIS_PREFIX,default=crosspost:"`
		Retention time.Duration `env:"REDIS_RETENTION,default=168h"`
	}
	Platforms platform.Settings
}

// Load reads an optional .env file and then the environment. Values already
// set in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	return LoadFrom(envconfig.OsLookuper())
}

func LoadFrom(lookuper envconfig.Lookuper) (*Config, error) {
	config := &Config{}
	if err := envconfig.ProcessWith(context.Background(), config, lookuper); err != nil {
		return nil, fmt.Errorf("parsing env vars: %w", err)
	}

	switch config.Queue.Backend {
	case BackendSQL, BackendRedis:
	default:
		return nil, fmt.Errorf("unknown queue backend %q", config.Queue.Backend)
	}
	return config, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "prod"
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "dev"
}

func (c *Config) DataDirectory() string {
	return c.DataDir
}

// SQLDSN is DATABASE_URL when set, otherwise a sqlite file in the data
// directory.
func (c *Config) SQLDSN() string {
	if c.Database.DatabaseURL != "" {
		return c.Database.DatabaseURL
	}
	return "file:" + filepath.Join(c.DataDirectory(), "crosspost.db") + "?_busy_timeout=5000"
}

func (c *Config) RedisAddr() string {
	return net.JoinHostPort(c.Redis.Host, c.Redis.Port)
}

func (c *Config) AllowedOrigins() []string {
	origins := strings.Split(c.Server.Origins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	return origins
}
