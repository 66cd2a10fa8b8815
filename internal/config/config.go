package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SMTP is the outbound mail server.
type SMTP struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	Security string `yaml:"security"` // starttls, ssl, none
}

// VAPID identifies the server to browser push services.
type VAPID struct {
	PublicKey  string `yaml:"public_key"`
	PrivateKey string `yaml:"private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// Config is the server configuration.
type Config struct {
	Port          string `yaml:"port"`
	DBPath        string `yaml:"db_path"`
	BaseURL       string `yaml:"base_url"`
	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
	LogFormat     string `yaml:"log_format"` // text or json
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`
	CronSecret    string `yaml:"cron_secret"`

	EmailEnabled bool `yaml:"email_enabled"`
	NotifySelf   bool `yaml:"notify_self"`

	SMTP          SMTP   `yaml:"smtp"`
	PushoverURL   string `yaml:"pushover_url"`
	RocketChatURL string `yaml:"rocketchat_url"`
	TeamsURL      string `yaml:"teams_url"`
	VAPID         VAPID  `yaml:"vapid"`

	ChannelTimeout    time.Duration `yaml:"channel_timeout"`
	ChannelRatePerSec float64       `yaml:"channel_rate_per_sec"`
	AuditQueueSize    int           `yaml:"audit_queue_size"`
	EventQueueSize    int           `yaml:"event_queue_size"`

	DigestSchedule      string `yaml:"digest_schedule"`
	DigestRetentionDays int    `yaml:"digest_retention_days"`
	DigestTimezone      string `yaml:"digest_timezone"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Port:                "9080",
		DBPath:              "nextbt.db",
		LogLevel:            "info",
		LogMaxSizeMB:        50,
		LogMaxBackups:       5,
		LogMaxAgeDays:       28,
		EmailEnabled:        true,
		SMTP:                SMTP{Port: "587", Security: "starttls"},
		VAPID:               VAPID{TTL: 3600},
		ChannelTimeout:      15 * time.Second,
		AuditQueueSize:      256,
		EventQueueSize:      256,
		DigestRetentionDays: 30,
		DigestTimezone:      "UTC",
	}
}

// Load builds the configuration from defaults, an optional YAML file named
// by CONFIG_FILE and the environment, in increasing precedence. A .env file
// in the working directory is loaded into the environment first without
// overriding variables that are already set.
func Load() (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	}

	cfg := Defaults()
	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	e := &envReader{}
	e.str(&cfg.Port, "PORT")
	e.str(&cfg.DBPath, "DB_PATH")
	e.str(&cfg.BaseURL, "BASE_URL")
	e.str(&cfg.LogLevel, "LOG_LEVEL")
	e.str(&cfg.LogFile, "LOG_FILE")
	e.str(&cfg.LogFormat, "LOG_FORMAT")
	e.int(&cfg.LogMaxSizeMB, "LOG_MAX_SIZE_MB")
	e.int(&cfg.LogMaxBackups, "LOG_MAX_BACKUPS")
	e.int(&cfg.LogMaxAgeDays, "LOG_MAX_AGE_DAYS")
	e.str(&cfg.CronSecret, "CRON_SECRET")
	e.bool(&cfg.EmailEnabled, "EMAIL_ENABLED")
	e.bool(&cfg.NotifySelf, "NOTIFY_SELF")

	e.str(&cfg.SMTP.Host, "SMTP_HOST")
	e.str(&cfg.SMTP.Port, "SMTP_PORT")
	e.str(&cfg.SMTP.Username, "SMTP_USERNAME")
	e.str(&cfg.SMTP.Password, "SMTP_PASSWORD")
	e.str(&cfg.SMTP.From, "SMTP_FROM")
	e.str(&cfg.SMTP.Security, "SMTP_SECURITY")
	e.str(&cfg.PushoverURL, "PUSHOVER_URL")
	e.str(&cfg.RocketChatURL, "ROCKETCHAT_URL")
	e.str(&cfg.TeamsURL, "TEAMS_URL")
	e.str(&cfg.VAPID.PublicKey, "VAPID_PUBLIC_KEY")
	e.str(&cfg.VAPID.PrivateKey, "VAPID_PRIVATE_KEY")
	e.str(&cfg.VAPID.Subject, "VAPID_SUBJECT")
	e.int(&cfg.VAPID.TTL, "VAPID_TTL")

	e.duration(&cfg.ChannelTimeout, "CHANNEL_TIMEOUT")
	e.float(&cfg.ChannelRatePerSec, "CHANNEL_RATE_PER_SEC")
	e.int(&cfg.AuditQueueSize, "AUDIT_QUEUE_SIZE")
	e.int(&cfg.EventQueueSize, "EVENT_QUEUE_SIZE")
	e.str(&cfg.DigestSchedule, "DIGEST_SCHEDULE")
	e.int(&cfg.DigestRetentionDays, "DIGEST_RETENTION_DAYS")
	e.str(&cfg.DigestTimezone, "DIGEST_TIMEZONE")

	if err := errors.Join(e.errs...); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Port) == "" {
		errs = append(errs, errors.New("PORT must not be empty"))
	}
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("DB_PATH must not be empty"))
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	switch strings.ToLower(c.SMTP.Security) {
	case "", "starttls", "ssl", "none":
	default:
		errs = append(errs, fmt.Errorf("SMTP_SECURITY must be starttls, ssl or none, got %q", c.SMTP.Security))
	}
	if c.ChannelTimeout <= 0 {
		errs = append(errs, errors.New("CHANNEL_TIMEOUT must be positive"))
	}
	if c.ChannelRatePerSec < 0 {
		errs = append(errs, errors.New("CHANNEL_RATE_PER_SEC must not be negative"))
	}
	if c.AuditQueueSize < 1 {
		errs = append(errs, errors.New("AUDIT_QUEUE_SIZE must be at least 1"))
	}
	if c.EventQueueSize < 1 {
		errs = append(errs, errors.New("EVENT_QUEUE_SIZE must be at least 1"))
	}
	if c.DigestRetentionDays < 1 {
		errs = append(errs, errors.New("DIGEST_RETENTION_DAYS must be at least 1"))
	}
	if _, err := time.LoadLocation(c.DigestTimezone); err != nil {
		errs = append(errs, fmt.Errorf("DIGEST_TIMEZONE: %w", err))
	}
	return errors.Join(errs...)
}

// SMTPConfigured reports whether enough SMTP settings exist to send mail.
func (c Config) SMTPConfigured() bool {
	return c.SMTP.Host != "" && c.SMTP.Port != "" && c.SMTP.From != ""
}

// Location returns the digest time zone, UTC if it cannot be loaded.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.DigestTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// envReader overlays environment variables on existing values, collecting
// parse errors instead of stopping at the first one.
type envReader struct {
	errs []error
}

func (e *envReader) str(dst *string, key string) {
	*dst = getEnv(key, *dst)
}

func (e *envReader) bool(dst *bool, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return
	}
	*dst = b
}

func (e *envReader) int(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

func (e *envReader) float(dst *float64, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a number", key, v))
		return
	}
	*dst = f
}

// duration accepts Go durations ("30s") or a bare number of seconds.
func (e *envReader) duration(dst *time.Duration, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return
	}
	*dst = d
}
