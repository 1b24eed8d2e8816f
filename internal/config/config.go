package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/surfwatch/crowd-forecast-service/internal/models"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string

	OpenMeteoAPIKey      string
	OpenMeteoForecastURL string
	OpenMeteoMarineURL   string
	UpstreamTimeout      time.Duration

	RequestTimeout time.Duration
	CacheTTL       time.Duration
	CacheBackend   string // "in_memory", "memcached" or "redis"

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTimeout  time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration

	ModelBackend string // "xgboost" or "http"
	ModelPath    string
	FeaturesPath string
	ModelURL     string
	ModelTimeout time.Duration

	ArchiveEnabled bool
	ArchiveDriver  string // "sqlite" or "postgres"
	ArchiveDSN     string

	Sites         []models.Site
	Holidays      []string
	DisplayOffset time.Duration
	MaxDays       int

	WarmEnabled  bool
	WarmSchedule string
	WarmDays     int

	ShutdownTimeout time.Duration

	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	IdleThresholdReqPerMin int
	IdleWindow             time.Duration
	MinimumLifespan        time.Duration
	DegradedWindow         time.Duration
	DegradedErrorPct       int
	DegradedRetryInitial   time.Duration
	DegradedRetryMax       time.Duration

	TrackedSites []string
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	OpenMeteo struct {
		ForecastURL string `yaml:"forecast_url"`
		MarineURL   string `yaml:"marine_url"`
		Timeout     string `yaml:"timeout"`
	} `yaml:"open_meteo"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Redis struct {
			Addr    string `yaml:"addr"`
			DB      int    `yaml:"db"`
			Timeout string `yaml:"timeout"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CircuitBreaker   struct {
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Model struct {
		Backend      string `yaml:"backend"`
		Path         string `yaml:"path"`
		FeaturesPath string `yaml:"features_path"`
		URL          string `yaml:"url"`
		Timeout      string `yaml:"timeout"`
	} `yaml:"model"`

	Archive struct {
		Enabled bool   `yaml:"enabled"`
		Driver  string `yaml:"driver"`
		DSN     string `yaml:"dsn"`
	} `yaml:"archive"`

	Forecast struct {
		Sites         []models.Site `yaml:"sites"`
		Holidays      []string      `yaml:"holidays"`
		DisplayOffset string        `yaml:"display_offset"`
		MaxDays       int           `yaml:"max_days"`
	} `yaml:"forecast"`

	Warming struct {
		Enabled  *bool  `yaml:"enabled"`
		Schedule string `yaml:"schedule"`
		Days     int    `yaml:"days"`
	} `yaml:"warming"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		OverloadWindow         string `yaml:"overload_window"`
		OverloadThresholdPct   int    `yaml:"overload_threshold_pct"`
		IdleThresholdReqPerMin int    `yaml:"idle_threshold_req_per_min"`
		IdleWindow             string `yaml:"idle_window"`
		MinimumLifespan        string `yaml:"minimum_lifespan"`
		DegradedWindow         string `yaml:"degraded_window"`
		DegradedErrorPct       int    `yaml:"degraded_error_pct"`
		DegradedRetryInitial   string `yaml:"degraded_retry_initial"`
		DegradedRetryMax       string `yaml:"degraded_retry_max"`
	} `yaml:"lifecycle"`

	Metrics struct {
		TrackedSites []string `yaml:"tracked_sites"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	OpenMeteoAPIKey string `yaml:"open_meteo_api_key"`
	RedisPassword   string `yaml:"redis_password"`
	ArchiveDSN      string `yaml:"archive_dsn"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) under the working directory.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFrom(cwd)
}

// LoadFrom reads root/config/{ENV_NAME}.yaml and the optional root/config/secrets.yaml.
// The Open-Meteo API key is optional; it comes from OPEN_METEO_API_KEY or the secrets file.
func LoadFrom(root string) (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	configPath := filepath.Join(root, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	sec, err := readSecrets(filepath.Join(root, "config", "secrets.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.OpenMeteoAPIKey = firstNonEmpty(os.Getenv("OPEN_METEO_API_KEY"), sec.OpenMeteoAPIKey)
	cfg.OpenMeteoForecastURL = strings.TrimSpace(fc.OpenMeteo.ForecastURL)
	cfg.OpenMeteoMarineURL = strings.TrimSpace(fc.OpenMeteo.MarineURL)
	cfg.UpstreamTimeout = parseDurationOrZero(fc.OpenMeteo.Timeout, 10*time.Second)
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 30*time.Second)

	cfg.CacheTTL = parseDuration(fc.Cache.TTL, time.Hour)
	cfg.CacheBackend = strings.ToLower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, "in_memory"))
	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.RedisAddr = firstNonEmpty(os.Getenv("REDIS_ADDR"), fc.Cache.Redis.Addr, "localhost:6379")
	cfg.RedisPassword = firstNonEmpty(os.Getenv("REDIS_PASSWORD"), sec.RedisPassword)
	cfg.RedisDB = fc.Cache.Redis.DB
	cfg.RedisTimeout = parseDuration(fc.Cache.Redis.Timeout, 500*time.Millisecond)

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 5
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 200*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 10*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	cfg.BreakerFailureThreshold = fc.Reliability.CircuitBreaker.FailureThreshold
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = 5
	}
	cfg.BreakerSuccessThreshold = fc.Reliability.CircuitBreaker.SuccessThreshold
	if cfg.BreakerSuccessThreshold <= 0 {
		cfg.BreakerSuccessThreshold = 2
	}
	cfg.BreakerTimeout = parseDuration(fc.Reliability.CircuitBreaker.Timeout, 30*time.Second)

	cfg.ModelBackend = strings.ToLower(firstNonEmpty(fc.Model.Backend, "xgboost"))
	cfg.ModelPath = firstNonEmpty(os.Getenv("MODEL_PATH"), fc.Model.Path, "models/crowd_model.json")
	cfg.FeaturesPath = firstNonEmpty(os.Getenv("FEATURES_PATH"), fc.Model.FeaturesPath, "models/features.json")
	cfg.ModelURL = firstNonEmpty(os.Getenv("MODEL_URL"), fc.Model.URL)
	cfg.ModelTimeout = parseDuration(fc.Model.Timeout, 5*time.Second)

	cfg.ArchiveEnabled = fc.Archive.Enabled
	cfg.ArchiveDriver = strings.ToLower(firstNonEmpty(fc.Archive.Driver, "sqlite"))
	cfg.ArchiveDSN = firstNonEmpty(os.Getenv("ARCHIVE_DSN"), sec.ArchiveDSN, fc.Archive.DSN, "file:forecasts.db")

	cfg.Sites = fc.Forecast.Sites
	cfg.Holidays = fc.Forecast.Holidays
	cfg.DisplayOffset = parseDurationOrZero(fc.Forecast.DisplayOffset, -7*time.Hour)
	cfg.MaxDays = fc.Forecast.MaxDays
	if cfg.MaxDays <= 0 {
		cfg.MaxDays = 16
	}

	cfg.WarmEnabled = true
	if fc.Warming.Enabled != nil {
		cfg.WarmEnabled = *fc.Warming.Enabled
	}
	cfg.WarmSchedule = firstNonEmpty(fc.Warming.Schedule, "@every 30m")
	cfg.WarmDays = fc.Warming.Days
	if cfg.WarmDays <= 0 {
		cfg.WarmDays = 7
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Lifecycle.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.IdleThresholdReqPerMin = fc.Lifecycle.IdleThresholdReqPerMin
	if cfg.IdleThresholdReqPerMin <= 0 {
		cfg.IdleThresholdReqPerMin = 1
	}
	cfg.IdleWindow = parseDuration(fc.Lifecycle.IdleWindow, 10*time.Minute)
	cfg.MinimumLifespan = parseDuration(fc.Lifecycle.MinimumLifespan, 5*time.Minute)
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 20
	}
	cfg.DegradedRetryInitial = parseDuration(fc.Lifecycle.DegradedRetryInitial, time.Minute)
	cfg.DegradedRetryMax = parseDuration(fc.Lifecycle.DegradedRetryMax, 20*time.Minute)
	cfg.TrackedSites = fc.Metrics.TrackedSites

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readSecrets(path string) (secretsFile, error) {
	var sec secretsFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sec, nil
		}
		return sec, fmt.Errorf("read secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return sec, fmt.Errorf("parse secrets file: %w", err)
	}
	return sec, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero and negative durations are returned as-is.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation. RequestTimeout is raised above UpstreamTimeout
// when needed.
func validate(cfg *Config) error {
	if cfg.UpstreamTimeout <= 0 {
		return fmt.Errorf("open_meteo.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.UpstreamTimeout {
		cfg.RequestTimeout = cfg.UpstreamTimeout + time.Second
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached", "redis":
	default:
		return fmt.Errorf("cache.backend must be in_memory, memcached or redis, got %q", cfg.CacheBackend)
	}
	switch cfg.ModelBackend {
	case "xgboost":
	case "http":
		if cfg.ModelURL == "" {
			return fmt.Errorf("model.url required when model.backend is http")
		}
	default:
		return fmt.Errorf("model.backend must be xgboost or http, got %q", cfg.ModelBackend)
	}
	if cfg.ArchiveEnabled {
		switch cfg.ArchiveDriver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("archive.driver must be sqlite or postgres, got %q", cfg.ArchiveDriver)
		}
	}
	for _, s := range cfg.Sites {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("forecast.sites: site with empty id")
		}
		if s.TimeZone != "" {
			if _, err := time.LoadLocation(s.TimeZone); err != nil {
				return fmt.Errorf("forecast.sites[%s]: time zone %q: %w", s.ID, s.TimeZone, err)
			}
		}
	}
	for _, d := range cfg.Holidays {
		if _, err := time.Parse(time.DateOnly, strings.TrimSpace(d)); err != nil {
			return fmt.Errorf("forecast.holidays: %q is not YYYY-MM-DD", d)
		}
	}
	return nil
}
