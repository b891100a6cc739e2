package config

import "time"

var (
	DefaultWindows    = []int{2, 3, 7, 14, 30, 60, 90}
	DefaultComposites = [][2]int{{2, 3}, {7, 14}}
)

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "hvcollector"
	}

	r := &cfg.Run
	if r.AssetList == "" {
		r.AssetList = "config/assets.yml"
	}
	if r.LookbackDays == 0 {
		r.LookbackDays = 365
	}
	if len(r.Windows) == 0 {
		r.Windows = append([]int(nil), DefaultWindows...)
	}
	if r.Composites == nil {
		r.Composites = append([][2]int(nil), DefaultComposites...)
	}
	if r.FundingEventsPerDay == 0 {
		r.FundingEventsPerDay = 3
	}
	if r.Workers == 0 {
		r.Workers = 4
	}
	if len(r.SourceOrder) == 0 {
		r.SourceOrder = []string{"coingecko", "binance", "kraken"}
	}
	if r.MinObservations == 0 {
		r.MinObservations = 1
	}
	if r.ReportInterval == 0 {
		r.ReportInterval = 30 * time.Second
	}

	providerDefaults(&cfg.Source.CoinGecko, "https://api.coingecko.com/api/v3", 1200*time.Millisecond, 90, 60*time.Second)
	if cfg.Source.CoinGecko.APIKeyHeader == "" {
		cfg.Source.CoinGecko.APIKeyHeader = "x-cg-demo-api-key"
	}
	providerDefaults(&cfg.Source.Binance.ProviderConfig, "https://fapi.binance.com", 500*time.Millisecond, 1500, 10*time.Second)
	if cfg.Source.Binance.FundingPageDays == 0 {
		cfg.Source.Binance.FundingPageDays = 300
	}
	if cfg.Source.Binance.OIPageDays == 0 {
		cfg.Source.Binance.OIPageDays = 500
	}
	providerDefaults(&cfg.Source.Kraken, "https://api.kraken.com", time.Second, 720, 10*time.Second)

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 6 * time.Hour
	}
	if cfg.Cache.Redis.PoolSize == 0 {
		cfg.Cache.Redis.PoolSize = 10
	}

	if cfg.Storage.Local.Dir == "" {
		cfg.Storage.Local.Dir = "output"
	}
	if cfg.Writer.Compression == "" {
		cfg.Writer.Compression = "snappy"
	}
	if cfg.Writer.Prefix == "" {
		cfg.Writer.Prefix = "hv"
	}

	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "0.0.0.0:2112"
	}
	if cfg.Metrics.CloudWatch.Namespace == "" {
		cfg.Metrics.CloudWatch.Namespace = "HVCollector"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func providerDefaults(p *ProviderConfig, baseURL string, interval time.Duration, pageDays int, rateLimitDelay time.Duration) {
	if p.BaseURL == "" {
		p.BaseURL = baseURL
	}
	if p.MinInterval == 0 {
		p.MinInterval = interval
	}
	if p.Timeout == 0 {
		p.Timeout = 30 * time.Second
	}
	if p.PageDays == 0 {
		p.PageDays = pageDays
	}
	if p.Retry.MaxRateLimitRetries == 0 {
		p.Retry.MaxRateLimitRetries = 4
	}
	if p.Retry.MaxTransportRetries == 0 {
		p.Retry.MaxTransportRetries = 2
	}
	if p.Retry.BaseDelay == 0 {
		p.Retry.BaseDelay = time.Second
	}
	if p.Retry.RateLimitDelay == 0 {
		p.Retry.RateLimitDelay = rateLimitDelay
	}
	if p.Retry.MaxDelay == 0 {
		p.Retry.MaxDelay = 5 * time.Minute
	}
}
