package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"development"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"internal/storage/migrations"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Worker    Worker    `envPrefix:"WORKER_"`
	Job       Job       `envPrefix:"JOB_"`
	Admission Admission `envPrefix:"ADMISSION_"`
	Cache     Cache     `envPrefix:"CACHE_"`
	RateLimit RateLimit `envPrefix:"RATE_LIMIT_"`
	Sweep     Sweep     `envPrefix:"SWEEP_"`
}

type Worker struct {
	Concurrency     int           `env:"CONCURRENCY" envDefault:"3"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"500ms"`
	StalledInterval time.Duration `env:"STALLED_INTERVAL" envDefault:"5s"`
	// LeaseRate caps leases per second across the pool; 0 disables it.
	LeaseRate  float64 `env:"LEASE_RATE" envDefault:"0"`
	LeaseBurst int     `env:"LEASE_BURST" envDefault:"1"`
}

type Job struct {
	MaxAttempts     int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	Timeout         time.Duration `env:"TIMEOUT" envDefault:"30s"`
	LeaseDuration   time.Duration `env:"LEASE_DURATION" envDefault:"45s"`
	MaxStalledCount int           `env:"MAX_STALLED_COUNT" envDefault:"1"`
	Backoff         string        `env:"BACKOFF" envDefault:"exponential"`
	BackoffDelay    time.Duration `env:"BACKOFF_DELAY" envDefault:"2s"`
	BackoffMax      time.Duration `env:"BACKOFF_MAX" envDefault:"1m"`
}

type Admission struct {
	TextInlineMaxBytes     int `env:"TEXT_INLINE_MAX_BYTES" envDefault:"500"`
	TextMaxBytes           int `env:"TEXT_MAX_BYTES" envDefault:"100000"`
	DocumentInlineMaxBytes int `env:"DOCUMENT_INLINE_MAX_BYTES" envDefault:"0"`
	DocumentMaxBytes       int `env:"DOCUMENT_MAX_BYTES" envDefault:"3145728"`
}

type Cache struct {
	Backend       string        `env:"BACKEND" envDefault:"redis"`
	MaxEntries    int           `env:"MAX_ENTRIES" envDefault:"10000"`
	ResultTTL     time.Duration `env:"RESULT_TTL" envDefault:"1h"`
	StatsTTL      time.Duration `env:"STATS_TTL" envDefault:"10m"`
	ListTTL       time.Duration `env:"LIST_TTL" envDefault:"5m"`
	QueueStatsTTL time.Duration `env:"QUEUE_STATS_TTL" envDefault:"30s"`
}

type RateLimit struct {
	AnalysisWindow time.Duration `env:"ANALYSIS_WINDOW" envDefault:"1m"`
	AnalysisMax    int           `env:"ANALYSIS_MAX" envDefault:"10"`
	GeneralWindow  time.Duration `env:"GENERAL_WINDOW" envDefault:"1m"`
	GeneralMax     int           `env:"GENERAL_MAX" envDefault:"100"`
}

type Sweep struct {
	Schedule string `env:"SCHEDULE" envDefault:"@every 30m"`
	// Retention is how long terminal queue entries are kept.
	Retention    time.Duration `env:"RETENTION" envDefault:"1h"`
	TriggerAfter int           `env:"TRIGGER_AFTER" envDefault:"100"`
}

// Parse reads the configuration from the environment.
func Parse() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

func Load() Config {
	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}
	return c
}
