package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Proxy    ProxyConfig
	Crawler  CrawlerConfig
	Browser  BrowserConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type ProxyConfig struct {
	URLs           []string
	MinHealthScore float64
	Cooldown       time.Duration
}

type CrawlerConfig struct {
	MaxConcurrent  int
	DelayMin       time.Duration
	DelayMax       time.Duration
	MaxRetries     int
	RequestTimeout time.Duration
	Transport      string
	SourcesFile    string
}

type BrowserConfig struct {
	Headless           bool
	MaxPagesPerSession int
	NavigationTimeout  time.Duration
	SelectorTimeout    time.Duration
}

// DatabaseConfig is optional; the run repository is enabled when Host is
// set.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
}

func (d DatabaseConfig) Enabled() bool { return d.Host != "" }

// RedisConfig is optional; events are published when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type StorageConfig struct {
	ResultsDir string
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", "8080"),
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Proxy: ProxyConfig{
			URLs:           proxyURLs(),
			MinHealthScore: getFloatOrDefault("PROXY_MIN_HEALTH_SCORE", 0.2),
			Cooldown:       getDurationOrDefault("PROXY_COOLDOWN", 300*time.Second),
		},
		Crawler: CrawlerConfig{
			MaxConcurrent:  getIntOrDefault("CRAWLER_MAX_CONCURRENT", 3),
			DelayMin:       getDurationOrDefault("CRAWLER_DELAY_MIN", 1*time.Second),
			DelayMax:       getDurationOrDefault("CRAWLER_DELAY_MAX", 3*time.Second),
			MaxRetries:     getIntOrDefault("CRAWLER_MAX_RETRIES", 3),
			RequestTimeout: getDurationOrDefault("CRAWLER_REQUEST_TIMEOUT", 30*time.Second),
			Transport:      getEnvOrDefault("CRAWLER_TRANSPORT", "http"),
			SourcesFile:    getEnvOrDefault("CRAWLER_SOURCES_FILE", "sources.yaml"),
		},
		Browser: BrowserConfig{
			Headless:           getBoolOrDefault("BROWSER_HEADLESS", true),
			MaxPagesPerSession: getIntOrDefault("BROWSER_MAX_PAGES_PER_SESSION", 15),
			NavigationTimeout:  getDurationOrDefault("BROWSER_NAVIGATION_TIMEOUT", 45*time.Second),
			SelectorTimeout:    getDurationOrDefault("BROWSER_SELECTOR_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnvOrDefault("DB_HOST", ""),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			DBName:   getEnvOrDefault("DB_NAME", "stealth_crawler"),
			SSLMode:  getEnvOrDefault("DB_SSL_MODE", "disable"),
			MaxConns: int32(getIntOrDefault("DB_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Addr:     getEnvOrDefault("REDIS_ADDR", ""),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       getIntOrDefault("REDIS_DB", 0),
			Stream:   getEnvOrDefault("REDIS_STREAM", "stream:crawl_runs"),
		},
		Storage: StorageConfig{
			ResultsDir: getEnvOrDefault("RESULTS_DIR", "results"),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Crawler.MaxConcurrent < 1 {
		return fmt.Errorf("CRAWLER_MAX_CONCURRENT must be at least 1")
	}

	if c.Crawler.DelayMin > c.Crawler.DelayMax {
		return fmt.Errorf("CRAWLER_DELAY_MIN cannot be greater than CRAWLER_DELAY_MAX")
	}

	if c.Crawler.MaxRetries < 0 {
		return fmt.Errorf("CRAWLER_MAX_RETRIES cannot be negative")
	}

	switch c.Crawler.Transport {
	case "http", "browser":
	default:
		return fmt.Errorf("CRAWLER_TRANSPORT must be http or browser, got %q", c.Crawler.Transport)
	}

	if c.Proxy.MinHealthScore < 0 || c.Proxy.MinHealthScore > 1 {
		return fmt.Errorf("PROXY_MIN_HEALTH_SCORE must be between 0 and 1")
	}

	if c.Proxy.Cooldown < 0 {
		return fmt.Errorf("PROXY_COOLDOWN cannot be negative")
	}

	if c.Browser.MaxPagesPerSession < 1 {
		return fmt.Errorf("BROWSER_MAX_PAGES_PER_SESSION must be at least 1")
	}

	if c.Browser.SelectorTimeout > c.Browser.NavigationTimeout {
		return fmt.Errorf("BROWSER_SELECTOR_TIMEOUT cannot exceed BROWSER_NAVIGATION_TIMEOUT")
	}

	return nil
}

// DSN builds the pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

// proxyURLs reads PROXY_LIST and falls back to the conventional proxy
// variables.
func proxyURLs() []string {
	if list := getStringSliceOrDefault("PROXY_LIST", nil); len(list) > 0 {
		return list
	}
	var urls []string
	for _, key := range []string{"HTTP_PROXY", "HTTPS_PROXY"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			urls = append(urls, v)
		}
	}
	return urls
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getDurationOrDefault accepts Go durations ("90s") and bare seconds ("90").
func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return defaultValue
}
