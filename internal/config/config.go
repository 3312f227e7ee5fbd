package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PortNumber53/crosspost/internal/media"
	"github.com/PortNumber53/crosspost/internal/workers"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

const (
	DefaultPort           = "18911"
	DefaultMigrationsPath = "file://db/migrations"
)

// Config is the process configuration, read from the environment.
type Config struct {
	Port           string `validate:"required,numeric"`
	DatabaseURL    string `validate:"required"`
	MigrationsPath string `validate:"required"`
	JWTSecret      string `validate:"required,min=16"`

	WebhookSecret   string
	StripeSecretKey string

	ResetSpec      string `validate:"required,cronspec"`
	GraceSpec      string `validate:"required,cronspec"`
	ReconcileOnRun bool

	CORSOrigins     []string      `validate:"dive,required"`
	PlatformTimeout time.Duration `validate:"gt=0"`

	Media media.S3Config
}

// MediaEnabled reports whether uploads can be staged to S3.
func (c Config) MediaEnabled() bool {
	return strings.TrimSpace(c.Media.Bucket) != ""
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("cronspec", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
	return v
}

// Load reads the configuration using getenv and validates it.
func Load(getenv func(string) string) (Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := Config{
		Port:            get("PORT", DefaultPort),
		DatabaseURL:     get("DATABASE_URL", ""),
		MigrationsPath:  get("MIGRATIONS_PATH", DefaultMigrationsPath),
		JWTSecret:       get("JWT_SECRET", ""),
		WebhookSecret:   get("PAYSTACK_SECRET_KEY", get("WEBHOOK_SECRET", "")),
		StripeSecretKey: get("STRIPE_SECRET_KEY", ""),
		ResetSpec:       get("RECONCILE_RESET_INTERVAL", workers.DefaultResetSpec),
		GraceSpec:       get("RECONCILE_GRACE_INTERVAL", workers.DefaultGraceSpec),
		ReconcileOnRun:  parseBool(get("RECONCILE_ON_START", "true")),
		CORSOrigins:     splitList(get("CORS_ALLOWED_ORIGINS", "*")),
		PlatformTimeout: time.Duration(parsePositiveInt(get("PLATFORM_HTTP_TIMEOUT_SECONDS", ""), 30)) * time.Second,
		Media: media.S3Config{
			Bucket:        get("MEDIA_S3_BUCKET", ""),
			Region:        get("MEDIA_S3_REGION", get("AWS_REGION", "us-east-1")),
			Endpoint:      get("MEDIA_S3_ENDPOINT", ""),
			AccessKey:     get("MEDIA_S3_ACCESS_KEY_ID", get("AWS_ACCESS_KEY_ID", "")),
			SecretKey:     get("MEDIA_S3_SECRET_ACCESS_KEY", get("AWS_SECRET_ACCESS_KEY", "")),
			PublicBaseURL: get("MEDIA_PUBLIC_BASE_URL", ""),
		},
	}
	cfg.ResetSpec = normalizeInterval(cfg.ResetSpec)
	cfg.GraceSpec = normalizeInterval(cfg.GraceSpec)

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// normalizeInterval accepts a Go duration ("45m") as shorthand for "@every 45m".
func normalizeInterval(v string) string {
	if _, err := time.ParseDuration(v); err == nil {
		return "@every " + v
	}
	return v
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func parsePositiveInt(v string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
