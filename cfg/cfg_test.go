package cfg

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"UPSTASH_REDIS_URL", "UPSTASH_REDIS_TOKEN", "KV_REDIS_URL", "KV_REDIS_TOKEN",
		"ENVIRONMENT", "PEPPER", "METRICS_USER", "METRICS_PASS", "TEST_MODE",
		"BACKEND_REPROBE_INTERVAL", "LRU_CACHE_SIZE", "SWEEP_INTERVAL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	c, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Port != "8080" {
		t.Errorf("Port = %q", c.Port)
	}
	if c.SweepThreshold != 100 {
		t.Errorf("SweepThreshold = %d, want 100", c.SweepThreshold)
	}
	if c.ReprobeInterval != 0 {
		t.Errorf("re-probing should be off by default, got %v", c.ReprobeInterval)
	}
	if _, ok := c.Remote(); ok {
		t.Error("no remote should be configured")
	}
	if err := Validate(c); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestRemoteFirstPairWins(t *testing.T) {
	clearEnv(t)
	t.Setenv("UPSTASH_REDIS_URL", "rediss://up.example:6379")
	t.Setenv("UPSTASH_REDIS_TOKEN", "tok-a")
	t.Setenv("KV_REDIS_URL", "redis://kv.example:6379")
	t.Setenv("KV_REDIS_TOKEN", "tok-b")
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	r, ok := c.Remote()
	if !ok || r.Name != "upstash" || r.Token.Value() != "tok-a" {
		t.Errorf("expected upstash pair, got %+v ok=%v", r, ok)
	}

	t.Setenv("UPSTASH_REDIS_URL", "")
	c, err = Load()
	if err != nil {
		t.Fatal(err)
	}
	r, ok = c.Remote()
	if !ok || r.Name != "kv" {
		t.Errorf("expected kv pair, got %+v ok=%v", r, ok)
	}

	t.Setenv("UPSTASH_REDIS_URL", "rediss://up.example:6379")
	t.Setenv("UPSTASH_REDIS_TOKEN", "")
	c, err = Load()
	if err != nil {
		t.Fatal(err)
	}
	r, ok = c.Remote()
	if !ok || r.Name != "kv" {
		t.Errorf("pair without a token must be skipped, got %+v ok=%v", r, ok)
	}

	t.Setenv("KV_REDIS_TOKEN", "")
	c, err = Load()
	if err != nil {
		t.Fatal(err)
	}
	if r, ok := c.Remote(); ok {
		t.Errorf("no complete pair, got %+v", r)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Cfg)
		want   string
	}{
		{"bad port", func(c *Cfg) { c.Port = "http" }, "PORT"},
		{"bad scheme", func(c *Cfg) { c.Remotes[0].URL = "http://x" }, "redis://"},
		{"short pepper with remote", func(c *Cfg) {
			c.Remotes[0].URL = "redis://x:6379"
			c.Remotes[0].Token = NewSecret("tok")
		}, "PEPPER"},
		{"sub-second reprobe", func(c *Cfg) { c.ReprobeInterval = time.Millisecond }, "REPROBE"},
		{"zero cache", func(c *Cfg) { c.LRUCacheSize = 0 }, "LRU_CACHE_SIZE"},
		{"test mode in prod", func(c *Cfg) {
			c.Environment = "production"
			c.Pepper = NewSecret(strings.Repeat("p", 32))
			c.MetricsUser, c.MetricsPass = "m", NewSecret("m")
			c.TestMode = true
		}, "TEST_MODE"},
		{"bad proxy", func(c *Cfg) { c.TrustedProxies = []string{"10.0.0.0/99"} }, "TRUSTED_PROXIES"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			c, err := Load()
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(c)
			err = Validate(c)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestSecretRedacts(t *testing.T) {
	s := NewSecret("hunter2")
	if s.String() == "hunter2" {
		t.Error("secret printed in clear")
	}
	s.Wipe()
	if s.Value() == "hunter2" {
		t.Error("secret not wiped")
	}
}
