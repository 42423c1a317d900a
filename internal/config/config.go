package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lawrence-idegy/commonsku-automation/internal/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Log          logger.Config `yaml:"log"`
	StateDir     string        `yaml:"state_dir"`
	ShowProgress bool          `yaml:"show_progress"`
	Exporter     Exporter      `yaml:"exporter"`
	Upload       Upload        `yaml:"upload"`
	Schedule     Schedule      `yaml:"schedule"`
	Notify       Notify        `yaml:"notify"`
	Server       Server        `yaml:"server"`
	History      History       `yaml:"history"`
}

// Exporter configures the external report runner command
type Exporter struct {
	Command     string        `yaml:"command"`
	DownloadDir string        `yaml:"download_dir"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// Upload configures the cloud storage remote
type Upload struct {
	Enabled      bool   `yaml:"enabled"`
	Provider     string `yaml:"provider"`
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	Secure       bool   `yaml:"secure"`
	Bucket       string `yaml:"bucket"`
	RemoteFolder string `yaml:"remote_folder"`
	Organization string `yaml:"organization"`
	SkipExisting bool   `yaml:"skip_existing"`
	// Transfers is the number of parallel uploads for directory uploads
	Transfers int `yaml:"transfers"`
}

// Schedule configures the daily cron run
type Schedule struct {
	Enabled  bool   `yaml:"enabled"`
	Time     string `yaml:"time"`
	Timezone string `yaml:"timezone"`
}

// Notify configures batch summary emails
type Notify struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	From    string `yaml:"from"`
	To      string `yaml:"to"`
}

// Server configures the local control API
type Server struct {
	Listen string `yaml:"listen"`
}

// History configures the run history database. Path defaults to
// HistoryFileName under the state dir.
type History struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// HistoryFileName is the history database name inside the state dir
const HistoryFileName = "history.db"

const (
	ProviderMinIO = "minio"
	ProviderS3    = "s3"
)

// Load builds the configuration from defaults, the YAML file, the environment
// (including envFile when present) and finally command line flags
func Load(configFile, envFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := loadFromEnv(cfg, envFile); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	cfg.History.Path = cfg.HistoryPath()

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Log: logger.Config{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		StateDir:     "./state",
		ShowProgress: true,
		Exporter: Exporter{
			DownloadDir: "./downloads",
			Timeout:     10 * time.Minute,
			MaxRetries:  3,
			RetryDelay:  5 * time.Second,
		},
		Upload: Upload{
			Provider:     ProviderMinIO,
			Region:       "us-east-1",
			Secure:       true,
			RemoteFolder: "CommonSKU Reports",
			Organization: "by-date",
			SkipExisting: true,
			Transfers:    4,
		},
		Schedule: Schedule{
			Time:     "17:00",
			Timezone: "America/New_York",
		},
		Server: Server{
			Listen: "127.0.0.1:8090",
		},
		History: History{
			Enabled: true,
		},
	}
}

// HistoryPath is the history database location, or "" when history is off
func (c *Config) HistoryPath() string {
	if !c.History.Enabled {
		return ""
	}
	if c.History.Path != "" {
		return c.History.Path
	}
	return filepath.Join(c.StateDir, HistoryFileName)
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromEnv(cfg *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	var err error
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.StateDir = getEnv("STATE_DIR", cfg.StateDir)
	cfg.History.Path = getEnv("HISTORY_PATH", cfg.History.Path)

	cfg.Exporter.Command = getEnv("EXPORT_COMMAND", cfg.Exporter.Command)
	cfg.Exporter.DownloadDir = getEnv("DOWNLOAD_DIR", cfg.Exporter.DownloadDir)
	if cfg.Exporter.MaxRetries, err = getEnvAsInt("MAX_RETRIES", cfg.Exporter.MaxRetries); err != nil {
		return err
	}
	if cfg.Exporter.RetryDelay, err = getEnvAsDuration("RETRY_DELAY", cfg.Exporter.RetryDelay); err != nil {
		return err
	}

	if cfg.Upload.Enabled, err = getEnvAsBool("UPLOAD_ENABLED", cfg.Upload.Enabled); err != nil {
		return err
	}
	cfg.Upload.Provider = getEnv("UPLOAD_PROVIDER", cfg.Upload.Provider)
	cfg.Upload.Endpoint = getEnv("UPLOAD_ENDPOINT", cfg.Upload.Endpoint)
	cfg.Upload.Region = getEnv("UPLOAD_REGION", cfg.Upload.Region)
	cfg.Upload.AccessKey = getEnv("UPLOAD_ACCESS_KEY", cfg.Upload.AccessKey)
	cfg.Upload.SecretKey = getEnv("UPLOAD_SECRET_KEY", cfg.Upload.SecretKey)
	cfg.Upload.Bucket = getEnv("UPLOAD_BUCKET", cfg.Upload.Bucket)
	cfg.Upload.RemoteFolder = getEnv("UPLOAD_REMOTE_FOLDER", cfg.Upload.RemoteFolder)
	cfg.Upload.Organization = getEnv("UPLOAD_ORGANIZATION", cfg.Upload.Organization)
	if cfg.Upload.Transfers, err = getEnvAsInt("UPLOAD_TRANSFERS", cfg.Upload.Transfers); err != nil {
		return err
	}

	if cfg.Schedule.Enabled, err = getEnvAsBool("RUN_SCHEDULED", cfg.Schedule.Enabled); err != nil {
		return err
	}
	cfg.Schedule.Time = getEnv("SCHEDULE_TIME", cfg.Schedule.Time)
	cfg.Schedule.Timezone = getEnv("SCHEDULE_TIMEZONE", cfg.Schedule.Timezone)

	if cfg.Notify.Enabled, err = getEnvAsBool("ENABLE_NOTIFICATIONS", cfg.Notify.Enabled); err != nil {
		return err
	}
	cfg.Notify.APIKey = getEnv("SENDGRID_API_KEY", cfg.Notify.APIKey)
	cfg.Notify.From = getEnv("NOTIFICATION_FROM", cfg.Notify.From)
	cfg.Notify.To = getEnv("NOTIFICATION_EMAIL", cfg.Notify.To)

	return nil
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Log.Format, _ = flags.GetString("log-format")
	}
	if flags.Changed("log-file") {
		cfg.Log.File, _ = flags.GetString("log-file")
	}
	if flags.Changed("state-dir") {
		cfg.StateDir, _ = flags.GetString("state-dir")
	}
	if flags.Changed("show-progress") {
		cfg.ShowProgress, _ = flags.GetBool("show-progress")
	}

	if flags.Changed("export-command") {
		cfg.Exporter.Command, _ = flags.GetString("export-command")
	}
	if flags.Changed("download-dir") {
		cfg.Exporter.DownloadDir, _ = flags.GetString("download-dir")
	}
	if flags.Changed("max-retries") {
		cfg.Exporter.MaxRetries, _ = flags.GetInt("max-retries")
	}
	if flags.Changed("retry-delay") {
		cfg.Exporter.RetryDelay, _ = flags.GetDuration("retry-delay")
	}

	if flags.Changed("upload") {
		cfg.Upload.Enabled, _ = flags.GetBool("upload")
	}
	if flags.Changed("organization") {
		cfg.Upload.Organization, _ = flags.GetString("organization")
	}
	if flags.Changed("transfers") {
		cfg.Upload.Transfers, _ = flags.GetInt("transfers")
	}

	if flags.Changed("schedule-time") {
		cfg.Schedule.Time, _ = flags.GetString("schedule-time")
	}
	if flags.Changed("timezone") {
		cfg.Schedule.Timezone, _ = flags.GetString("timezone")
	}
	if flags.Changed("listen") {
		cfg.Server.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("history") {
		// An empty path turns the history off
		cfg.History.Path, _ = flags.GetString("history")
		cfg.History.Enabled = cfg.History.Path != ""
	}
	if flags.Changed("notify") {
		cfg.Notify.Enabled, _ = flags.GetBool("notify")
	}

	return nil
}

func (c *Config) validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state dir is required")
	}
	if c.Exporter.DownloadDir == "" {
		return fmt.Errorf("download dir is required")
	}
	if c.Exporter.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive")
	}
	if c.Exporter.RetryDelay < 0 {
		return fmt.Errorf("retry delay must not be negative")
	}

	if _, err := time.Parse("15:04", c.Schedule.Time); err != nil {
		return fmt.Errorf("schedule time must be HH:MM: %q", c.Schedule.Time)
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("unknown schedule timezone %q: %w", c.Schedule.Timezone, err)
	}

	if c.Upload.Transfers <= 0 {
		return fmt.Errorf("upload transfers must be positive")
	}

	if c.Upload.Enabled {
		switch c.Upload.Provider {
		case ProviderMinIO:
			if c.Upload.Endpoint == "" {
				return fmt.Errorf("upload endpoint is required for provider %s", ProviderMinIO)
			}
		case ProviderS3:
		default:
			return fmt.Errorf("unknown upload provider %q", c.Upload.Provider)
		}
		if c.Upload.Bucket == "" {
			return fmt.Errorf("upload bucket is required")
		}
		switch c.Upload.Organization {
		case "single", "by-date", "by-type":
		default:
			return fmt.Errorf("unknown upload organization %q", c.Upload.Organization)
		}
	}

	if c.Notify.Enabled {
		if c.Notify.APIKey == "" {
			return fmt.Errorf("sendgrid api key is required when notifications are enabled")
		}
		if c.Notify.To == "" {
			return fmt.Errorf("notification recipient is required")
		}
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return b, nil
}

// getEnvAsDuration accepts a Go duration ("5s") or a bare number of milliseconds
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue, nil
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}
