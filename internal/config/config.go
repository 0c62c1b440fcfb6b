package config

import (
	"strings"
	"time"

	"jp2web/internal/errors"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	HTTPAddr             string
	DatabaseURL          string
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool

	JWTSecret          string
	LoginRatePerMinute int

	MediaRoot   string
	MaxUploadMB int64

	MockMode            bool
	ConverterCommand    string
	ConverterVersion    string
	ComplianceTolerance float64

	WorkerCount        int
	WorkerPollInterval time.Duration
	TaskTimeLimit      time.Duration
	StuckAfter         time.Duration
	KeepTemp           bool

	LogJSON  bool
	LogLevel string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("CORS_ALLOW_CREDENTIALS", false)
	v.SetDefault("LOGIN_RATE_PER_MINUTE", 20)
	v.SetDefault("MEDIA_ROOT", "media")
	v.SetDefault("MAX_UPLOAD_MB", 100)
	v.SetDefault("JP2FORGE_MOCK_MODE", false)
	v.SetDefault("JP2FORGE_COMMAND", "jp2forge")
	v.SetDefault("JP2FORGE_VERSION", "")
	v.SetDefault("COMPLIANCE_TOLERANCE", 0.05)
	v.SetDefault("WORKER_COUNT", 2)
	v.SetDefault("WORKER_POLL_INTERVAL", "800ms")
	v.SetDefault("TASK_TIME_LIMIT", "30m")
	v.SetDefault("KEEP_TEMP", false)
	v.SetDefault("LOG_JSON", false)
	v.SetDefault("LOG_LEVEL", "info")

	cfg := Config{
		HTTPAddr:             strings.TrimSpace(v.GetString("HTTP_ADDR")),
		DatabaseURL:          strings.TrimSpace(v.GetString("DATABASE_URL")),
		CORSAllowCredentials: v.GetBool("CORS_ALLOW_CREDENTIALS"),
		JWTSecret:            strings.TrimSpace(v.GetString("JWT_SECRET")),
		LoginRatePerMinute:   v.GetInt("LOGIN_RATE_PER_MINUTE"),
		MediaRoot:            v.GetString("MEDIA_ROOT"),
		MaxUploadMB:          v.GetInt64("MAX_UPLOAD_MB"),
		MockMode:             v.GetBool("JP2FORGE_MOCK_MODE"),
		ConverterCommand:     v.GetString("JP2FORGE_COMMAND"),
		ConverterVersion:     strings.TrimSpace(v.GetString("JP2FORGE_VERSION")),
		ComplianceTolerance:  v.GetFloat64("COMPLIANCE_TOLERANCE"),
		WorkerCount:          v.GetInt("WORKER_COUNT"),
		WorkerPollInterval:   v.GetDuration("WORKER_POLL_INTERVAL"),
		TaskTimeLimit:        v.GetDuration("TASK_TIME_LIMIT"),
		StuckAfter:           v.GetDuration("STUCK_AFTER"),
		KeepTemp:             v.GetBool("KEEP_TEMP"),
		LogJSON:              v.GetBool("LOG_JSON"),
		LogLevel:             v.GetString("LOG_LEVEL"),
	}

	for _, o := range strings.Split(v.GetString("CORS_ALLOWED_ORIGINS"), ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	if cfg.DatabaseURL == "" {
		return cfg, errors.New("missing env: DATABASE_URL")
	}
	if cfg.JWTSecret == "" {
		return cfg, errors.New("missing env: JWT_SECRET")
	}
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	if cfg.TaskTimeLimit <= 0 {
		return cfg, errors.Newf("TASK_TIME_LIMIT must be positive, got %v", cfg.TaskTimeLimit)
	}
	if cfg.StuckAfter == 0 {
		cfg.StuckAfter = cfg.TaskLease()
	}
	if cfg.StuckAfter <= cfg.TaskTimeLimit {
		return cfg, errors.Newf("STUCK_AFTER (%v) must exceed TASK_TIME_LIMIT (%v)", cfg.StuckAfter, cfg.TaskTimeLimit)
	}
	if cfg.ComplianceTolerance <= 0 || cfg.ComplianceTolerance >= 1 {
		return cfg, errors.Newf("COMPLIANCE_TOLERANCE must be in (0,1), got %v", cfg.ComplianceTolerance)
	}
	return cfg, nil
}

// StuckMargin is how long past TASK_TIME_LIMIT a RUNNING task may stay
// locked before it is handed to another worker.
const StuckMargin = 5 * time.Minute

// TaskLease is how long a claimed task stays locked. It always exceeds the
// task time limit so a live worker never loses its task.
func (c Config) TaskLease() time.Duration {
	if c.StuckAfter > c.TaskTimeLimit {
		return c.StuckAfter
	}
	return c.TaskTimeLimit + StuckMargin
}

// MaxUploadBytes is the request body cap for uploads.
func (c Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}
