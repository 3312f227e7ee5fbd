package platforms

import (
	"strconv"
	"strings"

	"github.com/PortNumber53/crosspost/internal/models"
	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

func DefaultRateLimits() map[models.Platform]RateLimitConfig {
	// Conservative defaults; override via env per platform to match each network's quota policy.
	return map[models.Platform]RateLimitConfig{
		models.PlatformTwitter:   {RequestsPerSecond: 1, Burst: 1},
		models.PlatformFacebook:  {RequestsPerSecond: 1, Burst: 2},
		models.PlatformInstagram: {RequestsPerSecond: 1, Burst: 2},
		models.PlatformYouTube:   {RequestsPerSecond: 3, Burst: 3},
		models.PlatformTikTok:    {RequestsPerSecond: 1, Burst: 2},
		models.PlatformLinkedIn:  {RequestsPerSecond: 1, Burst: 2},
	}
}

// RateLimitFromEnv applies overrides such as
// PLATFORM_INSTAGRAM_RPS=0.5 and PLATFORM_INSTAGRAM_BURST=2.
func RateLimitFromEnv(getenv func(string) string, p models.Platform, def RateLimitConfig) RateLimitConfig {
	if getenv == nil {
		return def
	}
	prefix := envPrefix(p)
	if v := getenv(prefix + "RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			def.RequestsPerSecond = f
		}
	}
	if v := getenv(prefix + "BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			def.Burst = n
		}
	}
	return def
}

// NewLimiter builds the limiter for p from defaults plus env overrides.
func NewLimiter(getenv func(string) string, p models.Platform) *rate.Limiter {
	cfg, ok := DefaultRateLimits()[p]
	if !ok {
		cfg = RateLimitConfig{RequestsPerSecond: 1, Burst: 1}
	}
	cfg = RateLimitFromEnv(getenv, p, cfg)
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
}

func envPrefix(p models.Platform) string {
	return "PLATFORM_" + strings.ToUpper(strings.ReplaceAll(string(p), "-", "_")) + "_"
}
