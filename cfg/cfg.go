package cfg

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

// Remote is one credential pair for the remote store. The token is sent as
// the connection password. A pair counts only when both halves are set.
type Remote struct {
	Name  string
	URL   string
	Token Secret
}

func (r Remote) Configured() bool {
	return r.URL != "" && r.Token.Value() != ""
}

type Cfg struct {
	Port               string
	Environment        string
	LogLevel           string
	BaseURL            string
	TestMode           bool
	Remotes            []Remote
	RedisTimeout       time.Duration
	RedisCACert        string
	ReprobeInterval    time.Duration
	LRUCacheSize       int
	SweepThreshold     int
	SweepInterval      time.Duration
	ExhaustedRetention time.Duration
	Argon2Time         uint32
	Argon2Memory       uint32
	Argon2Parallelism  uint8
	HasherWorkerCount  int
	Pepper             Secret
	RateLimit          RateLimitCfg
	MaxPasteSize       int64
	TrustedProxies     []string
	MetricsUser        string
	MetricsPass        Secret
	ContextTimeout     time.Duration
	AllowedOrigins     []string
	SecureCookies      bool
}

type RateLimitCfg struct {
	RPM   int
	Burst int
}

// Load reads configuration from the environment, after merging a .env file
// from the working directory when one exists.
func Load() (*Cfg, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return nil, errors.Wrap(err, "load .env")
	}
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.BaseURL = strings.TrimRight(getEnv("BASE_URL", ""), "/")
	c.TestMode = getEnv("TEST_MODE", "0") == "1"
	c.Remotes = []Remote{
		{
			Name:  "upstash",
			URL:   getEnv("UPSTASH_REDIS_URL", ""),
			Token: NewSecret(getEnv("UPSTASH_REDIS_TOKEN", "")),
		},
		{
			Name:  "kv",
			URL:   getEnv("KV_REDIS_URL", ""),
			Token: NewSecret(getEnv("KV_REDIS_TOKEN", "")),
		},
	}
	c.RedisCACert = getEnv("REDIS_TLS_CA_CERT", "")
	var err error
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.ReprobeInterval, err = getDuration("BACKEND_REPROBE_INTERVAL", 0)
	if err != nil {
		return nil, err
	}
	c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 10000)
	if err != nil {
		return nil, err
	}
	c.SweepThreshold, err = getInt("SWEEP_THRESHOLD", 100)
	if err != nil {
		return nil, err
	}
	c.SweepInterval, err = getDuration("SWEEP_INTERVAL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	c.ExhaustedRetention, err = getDuration("EXHAUSTED_RETENTION", time.Hour)
	if err != nil {
		return nil, err
	}
	c.Argon2Time, err = getUint32("ARGON2_TIME", 3)
	if err != nil {
		return nil, err
	}
	c.Argon2Memory, err = getUint32("ARGON2_MEMORY", 64*1024)
	if err != nil {
		return nil, err
	}
	p, err := getUint32("ARGON2_PARALLELISM", 2)
	if err != nil {
		return nil, err
	}
	if p > 255 {
		return nil, errors.New("ARGON2_PARALLELISM must be <= 255")
	}
	c.Argon2Parallelism = uint8(p)
	c.HasherWorkerCount, err = getInt("HASHER_WORKER_COUNT", 4)
	if err != nil {
		return nil, err
	}
	c.Pepper = NewSecret(getEnv("PEPPER", ""))
	c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 120)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 20)
	if err != nil {
		return nil, err
	}
	c.MaxPasteSize, err = getInt64("MAX_PASTE_SIZE", 512*1024)
	if err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	c.SecureCookies = getEnv("SECURE_COOKIES", "") == "true" || c.Environment == "production"
	return c, nil
}

// Remote returns the first configured credential pair.
func (c *Cfg) Remote() (Remote, bool) {
	for _, r := range c.Remotes {
		if r.Configured() {
			return r, true
		}
	}
	return Remote{}, false
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	for _, r := range c.Remotes {
		if r.URL == "" {
			continue
		}
		if !strings.HasPrefix(r.URL, "redis://") && !strings.HasPrefix(r.URL, "rediss://") {
			return fmt.Errorf("%s redis url must start with redis:// or rediss://", r.Name)
		}
	}
	if c.RedisTimeout <= 0 {
		return errors.New("REDIS_TIMEOUT must be positive")
	}
	if c.ReprobeInterval < 0 {
		return errors.New("BACKEND_REPROBE_INTERVAL cannot be negative")
	}
	if c.ReprobeInterval > 0 && c.ReprobeInterval < time.Second {
		return errors.New("BACKEND_REPROBE_INTERVAL must be at least 1s when enabled")
	}
	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.LRUCacheSize > 1000000 {
		return errors.New("LRU_CACHE_SIZE cannot exceed 1000000")
	}
	if c.SweepThreshold <= 0 {
		return errors.New("SWEEP_THRESHOLD must be positive")
	}
	if c.SweepInterval < time.Second {
		return errors.New("SWEEP_INTERVAL must be at least 1s")
	}
	if c.ExhaustedRetention < time.Second {
		return errors.New("EXHAUSTED_RETENTION must be at least 1s")
	}
	if c.Argon2Time < 1 {
		return errors.New("ARGON2_TIME must be >= 1")
	}
	if c.Argon2Memory < 8*1024 {
		return errors.New("ARGON2_MEMORY must be >= 8192 (8MB)")
	}
	if c.Argon2Parallelism < 1 {
		return errors.New("ARGON2_PARALLELISM must be at least 1")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.RateLimit.Burst <= 0 {
		return errors.New("RATE_LIMIT_BURST must be positive")
	}
	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.MaxPasteSize > 10*1024*1024 {
		return errors.New("MAX_PASTE_SIZE cannot exceed 10MB")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}
	_, remote := c.Remote()
	if c.Environment == "production" || remote {
		if len(c.Pepper.Value()) < 32 {
			return errors.New("PEPPER must be at least 32 bytes when a remote store is configured or in production")
		}
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
		if c.TestMode {
			return errors.New("TEST_MODE cannot be enabled in production")
		}
	}
	return nil
}
func (c *Cfg) Wipe() {
	for _, r := range c.Remotes {
		r.Token.Wipe()
	}
	c.MetricsPass.Wipe()
	c.Pepper.Wipe()
}
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getUint32(key string, fallback uint32) (uint32, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uint32 for %s: %w", key, err)
	}
	return uint32(v), nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
