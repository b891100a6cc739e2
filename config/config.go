package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"hvcollector/models"
)

const DefaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentStaging:    "config/config.staging.yml",
	environmentProduction: "config/config.production.yml",
}

type Config struct {
	App       AppConfig       `yaml:"app"`
	Run       RunConfig       `yaml:"run"`
	Source    SourceConfig    `yaml:"source"`
	Cache     CacheConfig     `yaml:"cache"`
	Storage   StorageConfig   `yaml:"storage"`
	Writer    WriterConfig    `yaml:"writer"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type RunConfig struct {
	AssetList           string        `yaml:"asset_list"`
	StartDate           string        `yaml:"start_date"`
	EndDate             string        `yaml:"end_date"`
	LookbackDays        int           `yaml:"lookback_days"`
	SnapshotHour        int           `yaml:"snapshot_hour"`
	Windows             []int         `yaml:"windows"`
	Composites          [][2]int      `yaml:"composites"`
	FundingEventsPerDay int           `yaml:"funding_events_per_day"`
	Workers             int           `yaml:"workers"`
	SourceOrder         []string      `yaml:"source_order"`
	RepairDerivatives   *bool         `yaml:"repair_derivatives"`
	MinObservations     int           `yaml:"min_observations"`
	Schedule            string        `yaml:"schedule"`
	ReportInterval      time.Duration `yaml:"report_interval"`
}

type RetryConfig struct {
	MaxRateLimitRetries int           `yaml:"max_rate_limit_retries"`
	MaxTransportRetries int           `yaml:"max_transport_retries"`
	BaseDelay           time.Duration `yaml:"base_delay"`
	RateLimitDelay      time.Duration `yaml:"rate_limit_delay"`
	MaxDelay            time.Duration `yaml:"max_delay"`
}

type ProviderConfig struct {
	Enabled      *bool         `yaml:"enabled"`
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	APIKeyHeader string        `yaml:"api_key_header"`
	MinInterval  time.Duration `yaml:"min_interval"`
	Timeout      time.Duration `yaml:"timeout"`
	PageDays     int           `yaml:"page_days"`
	Retry        RetryConfig   `yaml:"retry"`
}

// IsEnabled treats an unset flag as enabled.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

type BinanceConfig struct {
	ProviderConfig `yaml:",inline"`
	FundingPageDays int `yaml:"funding_page_days"`
	OIPageDays      int `yaml:"oi_page_days"`
}

type SourceConfig struct {
	CoinGecko ProviderConfig `yaml:"coingecko"`
	Binance   BinanceConfig  `yaml:"binance"`
	Kraken    ProviderConfig `yaml:"kraken"`
}

type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Backend  string        `yaml:"backend"`
	TTL      time.Duration `yaml:"ttl"`
	Redis    RedisConfig   `yaml:"redis"`
	MaxItems int           `yaml:"max_items"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type StorageConfig struct {
	Local LocalConfig `yaml:"local"`
	S3    S3Config    `yaml:"s3"`
}

type LocalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type WriterConfig struct {
	Prefix      string `yaml:"prefix"`
	Compression string `yaml:"compression"`
}

type MetricsConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Address    string           `yaml:"address"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type DashboardConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	LogHistory int    `yaml:"log_history"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// ResolvePath applies APP_ENV specific overrides to the default path.
func ResolvePath(path string) string {
	return resolveEnvSpecificPath(path, DefaultConfigPath, envConfigPaths)
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// snapshot hour 0 is a legitimate setting, so it is seeded before parsing
	config := Config{Run: RunConfig{SnapshotHour: 8}}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)
	applyEnv(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("COINGECKO_API_KEY"); v != "" {
		cfg.Source.CoinGecko.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Cache.Redis.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Cache.Redis.Password = v
	}
	if cfg.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	cfg.Storage.S3.Bucket = strings.TrimSpace(cfg.Storage.S3.Bucket)
}

// Range resolves the configured start/end dates, or a lookback ending at
// now, to snapshot instants.
func (r RunConfig) Range(now time.Time) (models.DateRange, error) {
	end := models.SnapshotDate(now, r.SnapshotHour)
	if r.EndDate != "" {
		t, err := time.Parse(time.DateOnly, r.EndDate)
		if err != nil {
			return models.DateRange{}, fmt.Errorf("run.end_date: %w", err)
		}
		end = models.SnapshotDate(t, r.SnapshotHour)
	}
	start := end.AddDate(0, 0, -(r.LookbackDays - 1))
	if r.StartDate != "" {
		t, err := time.Parse(time.DateOnly, r.StartDate)
		if err != nil {
			return models.DateRange{}, fmt.Errorf("run.start_date: %w", err)
		}
		start = models.SnapshotDate(t, r.SnapshotHour)
	}
	if start.After(end) {
		return models.DateRange{}, fmt.Errorf("run.start_date %s is after run.end_date %s", start.Format(time.DateOnly), end.Format(time.DateOnly))
	}
	return models.DateRange{From: start, To: end}, nil
}

// Providers returns the configured source order.
func (r RunConfig) Providers() []models.Provider {
	out := make([]models.Provider, 0, len(r.SourceOrder))
	for _, s := range r.SourceOrder {
		if p, ok := models.ParseProvider(s); ok {
			out = append(out, p)
		}
	}
	return out
}

// Repair reports whether the derivatives repair pass is on.
func (r RunConfig) Repair() bool {
	return r.RepairDerivatives == nil || *r.RepairDerivatives
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if cfg.Run.Workers <= 0 {
		return fmt.Errorf("run.workers must be greater than 0")
	}
	if cfg.Run.SnapshotHour < 0 || cfg.Run.SnapshotHour > 23 {
		return fmt.Errorf("run.snapshot_hour must be between 0 and 23")
	}
	if cfg.Run.LookbackDays <= 0 && cfg.Run.StartDate == "" {
		return fmt.Errorf("run.lookback_days must be greater than 0 when run.start_date is empty")
	}
	if cfg.Run.FundingEventsPerDay <= 0 {
		return fmt.Errorf("run.funding_events_per_day must be greater than 0")
	}
	if _, err := cfg.Run.Range(time.Now()); err != nil {
		return err
	}
	if cfg.Run.Schedule != "" {
		if _, err := cron.ParseStandard(cfg.Run.Schedule); err != nil {
			return fmt.Errorf("run.schedule '%s' is invalid: %w", cfg.Run.Schedule, err)
		}
	}

	seen := make(map[int]bool, len(cfg.Run.Windows))
	for _, w := range cfg.Run.Windows {
		if w <= 0 {
			return fmt.Errorf("run.windows must contain positive integers, got %d", w)
		}
		if seen[w] {
			return fmt.Errorf("run.windows contains duplicate window %d", w)
		}
		seen[w] = true
	}
	for _, c := range cfg.Run.Composites {
		if !seen[c[0]] || !seen[c[1]] {
			return fmt.Errorf("run.composites pair %v references a window not in run.windows", c)
		}
	}

	providers := cfg.Run.Providers()
	if len(providers) != len(cfg.Run.SourceOrder) {
		return fmt.Errorf("run.source_order contains an unknown provider: %v", cfg.Run.SourceOrder)
	}
	if len(providers) == 0 {
		return fmt.Errorf("run.source_order must list at least one provider")
	}

	for name, p := range map[string]ProviderConfig{
		"coingecko": cfg.Source.CoinGecko,
		"binance":   cfg.Source.Binance.ProviderConfig,
		"kraken":    cfg.Source.Kraken,
	} {
		if p.MinInterval < 0 {
			return fmt.Errorf("source.%s.min_interval must not be negative", name)
		}
		if p.PageDays <= 0 {
			return fmt.Errorf("source.%s.page_days must be greater than 0", name)
		}
		if p.Retry.MaxRateLimitRetries < 0 || p.Retry.MaxTransportRetries < 0 {
			return fmt.Errorf("source.%s.retry budgets must not be negative", name)
		}
	}

	if cfg.Cache.Enabled {
		switch cfg.Cache.Backend {
		case "memory":
		case "redis":
			if cfg.Cache.Redis.Addr == "" {
				return fmt.Errorf("cache.redis.addr is required when cache.backend is redis")
			}
		default:
			return fmt.Errorf("cache.backend '%s' is invalid", cfg.Cache.Backend)
		}
	}

	switch strings.ToLower(cfg.Writer.Compression) {
	case "snappy", "gzip", "none":
	default:
		return fmt.Errorf("writer.compression '%s' is invalid", cfg.Writer.Compression)
	}

	if cfg.Storage.Local.Enabled && cfg.Storage.Local.Dir == "" {
		return fmt.Errorf("storage.local.dir is required when local storage is enabled")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
