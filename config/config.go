// Package config loads payroll engine settings from the environment and
// command-line flags. Flags win over environment variables, which win over
// the envDefault values.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/notify"
)

// Config holds the server configuration.
type Config struct {
	Port           int      `env:"PAYROLL_PORT" envDefault:"8080"`
	DBPath         string   `env:"PAYROLL_DB_PATH" envDefault:"payroll.db"`
	AllowedOrigins []string `env:"PAYROLL_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://localhost:5173"`
	OTelEndpoint   string   `env:"PAYROLL_OTEL_ENDPOINT"`

	// Audit log
	AuditPath       string `env:"PAYROLL_AUDIT_PATH" envDefault:"logs/audit.log"`
	AuditMaxSizeMB  int    `env:"PAYROLL_AUDIT_MAX_SIZE_MB" envDefault:"5"`
	AuditMaxBackups int    `env:"PAYROLL_AUDIT_MAX_BACKUPS" envDefault:"5"`

	// Email
	SMTPHost     string   `env:"PAYROLL_SMTP_HOST"`
	SMTPPort     int      `env:"PAYROLL_SMTP_PORT" envDefault:"587"`
	SMTPUser     string   `env:"PAYROLL_SMTP_USER"`
	SMTPPassword string   `env:"PAYROLL_SMTP_PASSWORD"`
	MailFrom     string   `env:"PAYROLL_MAIL_FROM" envDefault:"payroll@localhost"`
	MailTo       []string `env:"PAYROLL_MAIL_TO" envSeparator:","`

	// Bulk run
	EmployeeRetries    int           `env:"PAYROLL_EMPLOYEE_RETRIES" envDefault:"3"`
	EmployeeRetryDelay time.Duration `env:"PAYROLL_EMPLOYEE_RETRY_DELAY" envDefault:"1s"`
	DepartmentWorkers  int           `env:"PAYROLL_DEPARTMENT_WORKERS" envDefault:"1"`

	// Retry queue
	RetryDelay       time.Duration `env:"PAYROLL_RETRY_DELAY" envDefault:"5m"`
	RetryInterval    time.Duration `env:"PAYROLL_RETRY_INTERVAL" envDefault:"5m"`
	RetryBatchSize   int           `env:"PAYROLL_RETRY_BATCH_SIZE" envDefault:"5"`
	MaxRetryAttempts int           `env:"PAYROLL_MAX_RETRY_ATTEMPTS" envDefault:"3"`
	RetryBackoff     time.Duration `env:"PAYROLL_RETRY_BACKOFF" envDefault:"5m"`
	RetryMaxDelay    time.Duration `env:"PAYROLL_RETRY_MAX_DELAY" envDefault:"1h"`
	RetryLease       time.Duration `env:"PAYROLL_RETRY_LEASE" envDefault:"15m"`
	WorkerEnabled    bool          `env:"PAYROLL_RETRY_WORKER_ENABLED" envDefault:"true"`
}

// Parse loads environment defaults into a Config and then applies flags.
func Parse(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (use :memory: for in-memory)")
	fs.StringVar(&cfg.AuditPath, "audit-log", cfg.AuditPath, "Audit log file path")
	fs.StringVar(&cfg.SMTPHost, "smtp-host", cfg.SMTPHost, "SMTP relay host (empty logs emails instead)")
	fs.IntVar(&cfg.EmployeeRetries, "employee-retries", cfg.EmployeeRetries, "Inline retries per failing employee")
	fs.IntVar(&cfg.DepartmentWorkers, "workers", cfg.DepartmentWorkers, "Departments processed in parallel")
	fs.DurationVar(&cfg.RetryDelay, "retry-delay", cfg.RetryDelay, "Delay before a failed department is retried")
	fs.DurationVar(&cfg.RetryInterval, "retry-interval", cfg.RetryInterval, "Retry worker poll interval")
	fs.IntVar(&cfg.MaxRetryAttempts, "max-retry-attempts", cfg.MaxRetryAttempts, "Attempts per retry entry before FAILED")
	fs.BoolVar(&cfg.WorkerEnabled, "retry-worker", cfg.WorkerEnabled, "Run the background retry worker")

	if args == nil {
		args = []string{}
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port %d", c.Port)
	case strings.TrimSpace(c.DBPath) == "":
		return fmt.Errorf("database path is required")
	case c.EmployeeRetries < 0:
		return fmt.Errorf("employee retries must not be negative")
	case c.MaxRetryAttempts < 1:
		return fmt.Errorf("max retry attempts must be at least 1")
	case c.RetryBatchSize < 1:
		return fmt.Errorf("retry batch size must be at least 1")
	case c.SMTPHost != "" && len(c.MailTo) == 0:
		return fmt.Errorf("PAYROLL_MAIL_TO is required when SMTP is configured")
	}
	return nil
}

// Processor returns the bulk run settings.
func (c Config) Processor() batch.ProcessorConfig {
	return batch.ProcessorConfig{
		EmployeeRetries:    c.EmployeeRetries,
		EmployeeRetryDelay: c.EmployeeRetryDelay,
		Workers:            c.DepartmentWorkers,
	}
}

// Worker returns the retry worker settings.
func (c Config) Worker() batch.WorkerConfig {
	return batch.WorkerConfig{
		Interval:    c.RetryInterval,
		BatchSize:   c.RetryBatchSize,
		MaxAttempts: c.MaxRetryAttempts,
		Backoff:     c.RetryBackoff,
		MaxDelay:    c.RetryMaxDelay,
		Lease:       c.RetryLease,
	}
}

// SMTP returns the mail relay settings, or false when email is disabled.
func (c Config) SMTP() (notify.SMTPConfig, bool) {
	if c.SMTPHost == "" {
		return notify.SMTPConfig{}, false
	}
	return notify.SMTPConfig{
		Host:     c.SMTPHost,
		Port:     c.SMTPPort,
		Username: c.SMTPUser,
		Password: c.SMTPPassword,
		From:     c.MailFrom,
		To:       c.MailTo,
	}, true
}
