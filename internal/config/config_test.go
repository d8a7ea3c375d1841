package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearProxyEnv(t *testing.T) {
	t.Setenv("PROXY_LIST", "")
	t.Setenv("HTTP_PROXY", "")
	t.Setenv("HTTPS_PROXY", "")
}

func TestLoad_Defaults(t *testing.T) {
	clearProxyEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Empty(t, cfg.Proxy.URLs)
	assert.Equal(t, 0.2, cfg.Proxy.MinHealthScore)
	assert.Equal(t, 300*time.Second, cfg.Proxy.Cooldown)
	assert.Equal(t, 3, cfg.Crawler.MaxConcurrent)
	assert.Equal(t, time.Second, cfg.Crawler.DelayMin)
	assert.Equal(t, 3*time.Second, cfg.Crawler.DelayMax)
	assert.Equal(t, 3, cfg.Crawler.MaxRetries)
	assert.Equal(t, "http", cfg.Crawler.Transport)
	assert.Equal(t, 15, cfg.Browser.MaxPagesPerSession)
	assert.True(t, cfg.Browser.Headless)
	assert.False(t, cfg.Database.Enabled())
	assert.False(t, cfg.Redis.Enabled())
}

func TestLoad_FromEnvironment(t *testing.T) {
	clearProxyEnv(t)
	t.Setenv("PROXY_LIST", "http://p1:8080, http://u:p@p2:3128 ,")
	t.Setenv("PROXY_COOLDOWN", "120")
	t.Setenv("CRAWLER_DELAY_MIN", "2s")
	t.Setenv("CRAWLER_DELAY_MAX", "5s")
	t.Setenv("CRAWLER_TRANSPORT", "browser")
	t.Setenv("BROWSER_MAX_PAGES_PER_SESSION", "20")
	t.Setenv("DB_HOST", "db")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"http://p1:8080", "http://u:p@p2:3128"}, cfg.Proxy.URLs)
	assert.Equal(t, 120*time.Second, cfg.Proxy.Cooldown)
	assert.Equal(t, 2*time.Second, cfg.Crawler.DelayMin)
	assert.Equal(t, "browser", cfg.Crawler.Transport)
	assert.Equal(t, 20, cfg.Browser.MaxPagesPerSession)
	assert.True(t, cfg.Database.Enabled())
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, "postgres://postgres:@db:5432/stealth_crawler?sslmode=disable", cfg.Database.DSN())
}

func TestLoad_ProxyFallbackVariables(t *testing.T) {
	clearProxyEnv(t)
	t.Setenv("HTTP_PROXY", "http://corp-proxy:3128")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"http://corp-proxy:3128"}, cfg.Proxy.URLs)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"zero concurrency", func(c *Config) { c.Crawler.MaxConcurrent = 0 }, "CRAWLER_MAX_CONCURRENT"},
		{"inverted delay", func(c *Config) { c.Crawler.DelayMin = 10 * time.Second }, "CRAWLER_DELAY_MIN"},
		{"negative retries", func(c *Config) { c.Crawler.MaxRetries = -1 }, "CRAWLER_MAX_RETRIES"},
		{"unknown transport", func(c *Config) { c.Crawler.Transport = "ftp" }, "CRAWLER_TRANSPORT"},
		{"score above one", func(c *Config) { c.Proxy.MinHealthScore = 1.5 }, "PROXY_MIN_HEALTH_SCORE"},
		{"no pages per session", func(c *Config) { c.Browser.MaxPagesPerSession = 0 }, "BROWSER_MAX_PAGES_PER_SESSION"},
		{"selector wait longer than navigation", func(c *Config) { c.Browser.SelectorTimeout = time.Minute }, "BROWSER_SELECTOR_TIMEOUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearProxyEnv(t)
			cfg, err := Load()
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
