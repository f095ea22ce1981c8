package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 8080",
			check:  func(c *Config) bool { return c.Port == 8080 },
			expect: "8080",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default metrics path",
			check:  func(c *Config) bool { return c.MetricsPath == "/metrics" },
			expect: "/metrics",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
		},
		{
			name:   "default health check interval is 10s",
			check:  func(c *Config) bool { return c.HealthCheckInterval().Seconds() == 10 },
			expect: "10s",
		},
		{
			name:   "default model refresh interval is 60s",
			check:  func(c *Config) bool { return c.ModelRefreshInterval().Seconds() == 60 },
			expect: "60s",
		},
		{
			name:   "default leader lock ttl is 30s",
			check:  func(c *Config) bool { return c.LeaderLockTTL().Seconds() == 30 },
			expect: "30s",
		},
		{
			name:   "default strategy is least_active",
			check:  func(c *Config) bool { return c.DefaultStrategy == "least_active" },
			expect: "least_active",
		},
		{
			name:   "default health path is empty (probe node root)",
			check:  func(c *Config) bool { return c.HealthPath == "" },
			expect: "",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}
