package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"firepoints/internal/detection/models"
	strutil "firepoints/pkg/platform/strings"
)

// DefaultSourceURL is the NOAA-21 VIIRS 48h global active fire feed.
const DefaultSourceURL = "https://firms.modaps.eosdis.nasa.gov/data/active_fire/noaa-21-viirs-c2/csv/J2_VIIRS_C2_Global_48h.csv"

// Config captures everything the refresh service needs at startup.
type Config struct {
	Source   SourceConfig   `yaml:"source"`
	Raster   RasterConfig   `yaml:"raster"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Database DatabaseConfig `yaml:"database"`
	Enrich   EnrichConfig   `yaml:"enrich"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

type SourceConfig struct {
	URL          string        `yaml:"url"`
	DataDir      string        `yaml:"data_dir"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	// Snapshot enables writing the enriched records to DataDir/process_data.csv.
	Snapshot bool `yaml:"snapshot"`
}

type RasterConfig struct {
	Path string `yaml:"path"`
	// MaskNoData treats pixels equal to the file's nodata value as absent.
	MaskNoData bool `yaml:"mask_nodata"`
}

type ScheduleConfig struct {
	Spec            string        `yaml:"spec"`
	Timezone        string        `yaml:"timezone"`
	RunOnStart      bool          `yaml:"run_on_start"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL         string `yaml:"url"`
	Table       string `yaml:"table"`
	BatchSize   int    `yaml:"batch_size"`
	MaxConns    int    `yaml:"max_conns"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

type EnrichConfig struct {
	Workers int `yaml:"workers"`
}

// RedisConfig enables the cross-replica run lease when URL is set.
type RedisConfig struct {
	URL      string        `yaml:"url"`
	LeaseKey string        `yaml:"lease_key"`
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// KafkaConfig enables run summary publishing when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SourcePath is where the downloaded CSV is stored.
func (c *Config) SourcePath() string {
	return filepath.Join(c.Source.DataDir, "source_data.csv")
}

// SnapshotPath is where the enriched CSV snapshot is written.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.Source.DataDir, "process_data.csv")
}

// Location resolves the schedule timezone. Valid after Load.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load builds the configuration from defaults, an optional YAML file named by
// FIREPOINTS_CONFIG, and environment variables, in that order of precedence.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("FIREPOINTS_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	envErr := cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := errors.Join(envErr, cfg.validate()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Source: SourceConfig{
			URL:          DefaultSourceURL,
			DataDir:      "./data",
			FetchTimeout: 300 * time.Second,
			Snapshot:     true,
		},
		Schedule: ScheduleConfig{
			Spec:            "0 * * * *",
			Timezone:        "Asia/Shanghai",
			RunOnStart:      true,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Table:     "fire_points",
			BatchSize: 100,
			MaxConns:  3,
		},
		Enrich: EnrichConfig{Workers: runtime.GOMAXPROCS(0)},
		Redis: RedisConfig{
			LeaseKey: "firepoints:refresh:lease",
			LeaseTTL: 15 * time.Minute,
		},
		Kafka:   KafkaConfig{Topic: "firepoints.refreshed"},
		Metrics: MetricsConfig{Addr: ":9100"},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides fields from the environment. Malformed values are
// reported and leave the field unchanged.
func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error
	setString(getenv, "FIREPOINTS_SOURCE_URL", &c.Source.URL)
	setString(getenv, "FIREPOINTS_DATA_DIR", &c.Source.DataDir)
	setDuration(getenv, &errs, "FIREPOINTS_FETCH_TIMEOUT", &c.Source.FetchTimeout)
	setBool(getenv, &errs, "FIREPOINTS_SNAPSHOT", &c.Source.Snapshot)
	setString(getenv, "FIREPOINTS_RASTER_PATH", &c.Raster.Path)
	setBool(getenv, &errs, "FIREPOINTS_RASTER_MASK_NODATA", &c.Raster.MaskNoData)
	setString(getenv, "FIREPOINTS_SCHEDULE", &c.Schedule.Spec)
	setString(getenv, "FIREPOINTS_TIMEZONE", &c.Schedule.Timezone)
	setBool(getenv, &errs, "FIREPOINTS_RUN_ON_START", &c.Schedule.RunOnStart)
	setDuration(getenv, &errs, "FIREPOINTS_SHUTDOWN_TIMEOUT", &c.Schedule.ShutdownTimeout)
	setString(getenv, "FIREPOINTS_TABLE", &c.Database.Table)
	setInt(getenv, &errs, "FIREPOINTS_BATCH_SIZE", &c.Database.BatchSize)
	setInt(getenv, &errs, "FIREPOINTS_DB_MAX_CONNS", &c.Database.MaxConns)
	setBool(getenv, &errs, "FIREPOINTS_AUTO_MIGRATE", &c.Database.AutoMigrate)
	setInt(getenv, &errs, "FIREPOINTS_ENRICH_WORKERS", &c.Enrich.Workers)
	setString(getenv, "REDIS_URL", &c.Redis.URL)
	setString(getenv, "FIREPOINTS_LEASE_KEY", &c.Redis.LeaseKey)
	setDuration(getenv, &errs, "FIREPOINTS_LEASE_TTL", &c.Redis.LeaseTTL)
	if v := getenv("FIREPOINTS_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	setString(getenv, "FIREPOINTS_KAFKA_TOPIC", &c.Kafka.Topic)
	setString(getenv, "FIREPOINTS_METRICS_ADDR", &c.Metrics.Addr)
	setString(getenv, "FIREPOINTS_LOG_LEVEL", &c.Log.Level)
	setString(getenv, "FIREPOINTS_LOG_FORMAT", &c.Log.Format)

	setString(getenv, "DATABASE_URL", &c.Database.URL)
	if c.Database.URL == "" {
		c.Database.URL = postgresURLFromParts(getenv)
	}
	return errors.Join(errs...)
}

func (c *Config) applyDefaults() {
	if c.Raster.Path == "" {
		c.Raster.Path = filepath.Join(c.Source.DataDir, "ndvi2407.tif")
	}
	if c.Enrich.Workers <= 0 {
		c.Enrich.Workers = 1
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 3
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.Source.URL == "" {
		errs = append(errs, errors.New("source url is required"))
	}
	if c.Source.FetchTimeout <= 0 {
		errs = append(errs, errors.New("fetch timeout must be positive"))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database url is required (DATABASE_URL or POSTGRES_*)"))
	}
	if c.Database.BatchSize <= 0 {
		errs = append(errs, errors.New("batch size must be positive"))
	}
	if c.Database.BatchSize > models.MaxBatchSize {
		errs = append(errs, fmt.Errorf("batch size %d exceeds %d: %d columns per row would bind more than %d parameters",
			c.Database.BatchSize, models.MaxBatchSize, len(models.EnrichedColumns), models.MaxBindParameters))
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Schedule.Timezone, err))
	}
	if _, err := cron.ParseStandard(c.Schedule.Spec); err != nil {
		errs = append(errs, fmt.Errorf("schedule %q: %w", c.Schedule.Spec, err))
	}
	if c.Redis.URL != "" && c.Redis.LeaseTTL <= 0 {
		errs = append(errs, errors.New("lease ttl must be positive when redis is configured"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka topic is required when brokers are set"))
	}
	return errors.Join(errs...)
}

// postgresURLFromParts assembles a DSN from the discrete POSTGRES_* variables.
// TLS is required unless POSTGRES_SSLMODE says otherwise.
func postgresURLFromParts(getenv func(string) string) string {
	host := getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	sslmode := getenv("POSTGRES_SSLMODE")
	if sslmode == "" {
		sslmode = "require"
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(host, port),
		Path:     "/" + getenv("POSTGRES_DATABASE"),
		RawQuery: url.Values{"sslmode": {sslmode}}.Encode(),
	}
	if user := getenv("POSTGRES_USER"); user != "" {
		u.User = url.UserPassword(user, getenv("POSTGRES_PASSWORD"))
	}
	return u.String()
}

func setString(getenv func(string) string, key string, dst *string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func setBool(getenv func(string) string, errs *[]error, key string, dst *bool) {
	if v := getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: invalid boolean %q", key, v))
			return
		}
		*dst = b
	}
}

func setInt(getenv func(string) string, errs *[]error, key string, dst *int) {
	if v := getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: invalid integer %q", key, v))
			return
		}
		*dst = n
	}
}

func setDuration(getenv func(string) string, errs *[]error, key string, dst *time.Duration) {
	if v := getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: invalid duration %q: %w", key, v, err))
			return
		}
		*dst = d
	}
}

func splitList(v string) []string {
	return strutil.SplitList(v, ",")
}
