package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Database *DatabaseConfig
	Service  *ServiceConfig
	Jobs     *JobsConfig
	Recovery *RecoveryConfig
	Gitea    *GiteaConfig
}

type DatabaseConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"pgsql"`
	Hostname string `envconfig:"DB_HOST" default:"localhost"`
	Port     int    `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"forgemirror"`
	User     string `envconfig:"DB_USER" default:"admin"`
	Password string `envconfig:"DB_PASS" default:"adminpass"`
}

type ServiceConfig struct {
	Address         string `envconfig:"FORGEMIRROR_ADDRESS" default:":8585"`
	LogLevel        string `envconfig:"FORGEMIRROR_LOG_LEVEL" default:"info"`
	MigrationFolder string `envconfig:"FORGEMIRROR_MIGRATIONS_FOLDER" default:""`
}

type JobsConfig struct {
	Concurrency        int           `envconfig:"FORGEMIRROR_JOB_CONCURRENCY" default:"5"`
	MaxRetries         int           `envconfig:"FORGEMIRROR_JOB_MAX_RETRIES" default:"2"`
	RetryDelay         time.Duration `envconfig:"FORGEMIRROR_JOB_RETRY_DELAY" default:"1s"`
	CheckpointInterval int           `envconfig:"FORGEMIRROR_JOB_CHECKPOINT_INTERVAL" default:"1"`
}

// RecoveryConfig carries the staleness windows and the reduced-throughput
// knobs used when resuming interrupted jobs. Recovery deliberately runs
// with lower concurrency and more retries than a fresh batch.
type RecoveryConfig struct {
	Cooldown            time.Duration `envconfig:"FORGEMIRROR_RECOVERY_COOLDOWN" default:"5m"`
	InactivityThreshold time.Duration `envconfig:"FORGEMIRROR_RECOVERY_INACTIVITY_THRESHOLD" default:"10m"`
	StalenessThreshold  time.Duration `envconfig:"FORGEMIRROR_RECOVERY_STALENESS_THRESHOLD" default:"2h"`
	HardCeiling         time.Duration `envconfig:"FORGEMIRROR_RECOVERY_HARD_CEILING" default:"24h"`
	ScanAttempts        int           `envconfig:"FORGEMIRROR_RECOVERY_SCAN_ATTEMPTS" default:"3"`
	ScanRetryDelay      time.Duration `envconfig:"FORGEMIRROR_RECOVERY_SCAN_RETRY_DELAY" default:"5s"`
	Concurrency         int           `envconfig:"FORGEMIRROR_RECOVERY_CONCURRENCY" default:"2"`
	MaxRetries          int           `envconfig:"FORGEMIRROR_RECOVERY_MAX_RETRIES" default:"3"`
	RetryDelay          time.Duration `envconfig:"FORGEMIRROR_RECOVERY_RETRY_DELAY" default:"2s"`
	StartupTimeout      time.Duration `envconfig:"FORGEMIRROR_RECOVERY_STARTUP_TIMEOUT" default:"2m"`
	RescanInterval      time.Duration `envconfig:"FORGEMIRROR_RECOVERY_RESCAN_INTERVAL" default:"0"`
}

type GiteaConfig struct {
	URL   string `envconfig:"FORGEMIRROR_GITEA_URL" default:"http://localhost:3000"`
	Token string `envconfig:"FORGEMIRROR_GITEA_TOKEN" default:""`
}

func New() (*Config, error) {
	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
