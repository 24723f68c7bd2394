// Package config loads service settings from the environment, optionally
// seeded from a .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// AuthMode selects how the vendor account is authenticated.
type AuthMode string

const (
	AuthAuto     AuthMode = "auto"
	AuthPassword AuthMode = "password"
	AuthCookie   AuthMode = "cookie"
)

// DeviceIDKind selects which roster field the configured device id is
// matched against. Auto tries all of them in priority order.
type DeviceIDKind string

const (
	DeviceIDAuto    DeviceIDKind = "auto"
	DeviceIDSession DeviceIDKind = "session"
	DeviceIDNumeric DeviceIDKind = "numeric"
	DeviceIDName    DeviceIDKind = "name"
)

// Speaker drivers.
const (
	DriverXiaomi = "xiaomi"
	DriverLocal  = "local"
)

// Default message templates.
const (
	DefaultTemplateFailure = "GitHub Actions 构建失败：仓库 {repo}，工作流 {workflow} 执行失败"
	DefaultTemplateSuccess = "GitHub Actions 构建成功：仓库 {repo}，工作流 {workflow} 执行成功"
)

// Config holds every setting of the service.
type Config struct {
	// Xiaomi account
	MiUser      string       `env:"MI_USER"`
	MiPass      string       `env:"MI_PASS"`
	MiDID       string       `env:"MI_DID"`
	MiDIDKind   DeviceIDKind `env:"MI_DID_KIND" envDefault:"auto"`
	MiAuth      AuthMode     `env:"MI_AUTH" envDefault:"auto"`
	MiUserID    string       `env:"MI_USER_ID"`
	MiPassToken string       `env:"MI_PASS_TOKEN"`
	MiTokenPath string       `env:"MI_TOKEN_PATH" envDefault:"data/.mi.token"`

	SpeakerDriver string `env:"SPEAKER_DRIVER" envDefault:"xiaomi"`

	// Webhook server
	ServerHost string `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	ServerPort int    `env:"SERVER_PORT" envDefault:"2010"`

	// Static file server
	StaticServerHost string        `env:"STATIC_SERVER_HOST" envDefault:"0.0.0.0"`
	StaticServerPort int           `env:"STATIC_SERVER_PORT" envDefault:"1810"`
	StaticBaseURL    string        `env:"STATIC_BASE_URL"`
	StaticLinger     time.Duration `env:"STATIC_LINGER" envDefault:"10s"`

	// Piper TTS
	PiperBin         string  `env:"PIPER_BIN" envDefault:"piper"`
	PiperModelsDir   string  `env:"PIPER_MODELS_DIR"`
	PiperVoiceZH     string  `env:"PIPER_VOICE_ZH"`
	PiperVoiceEN     string  `env:"PIPER_VOICE_EN" envDefault:"en_US-lessac-medium"`
	PiperSpeaker     int     `env:"PIPER_SPEAKER" envDefault:"0"`
	PiperLengthScale float64 `env:"PIPER_LENGTH_SCALE" envDefault:"1.0"`

	// Notifications
	TemplateFailure      string        `env:"NOTIFICATION_TEMPLATE_FAILURE"`
	TemplateSuccess      string        `env:"NOTIFICATION_TEMPLATE_SUCCESS"`
	NotificationInterval time.Duration `env:"NOTIFICATION_INTERVAL" envDefault:"3s"`

	// Audio cache
	AudioCacheDir       string        `env:"AUDIO_CACHE_DIR" envDefault:"audio_cache"`
	AudioCacheMaxSizeMB int64         `env:"AUDIO_CACHE_MAX_SIZE_MB" envDefault:"100"`
	AudioCacheMaxAge    time.Duration `env:"AUDIO_CACHE_MAX_AGE" envDefault:"0s"`

	// Security
	GitHubWebhookSecret string  `env:"GITHUB_WEBHOOK_SECRET"`
	APISecret           string  `env:"API_SECRET"`
	WebhookRateLimit    float64 `env:"WEBHOOK_RATE_LIMIT" envDefault:"0"`

	// Process
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"text"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.TemplateFailure == "" {
		c.TemplateFailure = DefaultTemplateFailure
	}
	if c.TemplateSuccess == "" {
		c.TemplateSuccess = DefaultTemplateSuccess
	}
	c.StaticBaseURL = strings.TrimRight(c.StaticBaseURL, "/")
}

// Validate checks value ranges and enum fields.
func (c *Config) Validate() error {
	var errs []error
	switch c.MiDIDKind {
	case DeviceIDAuto, DeviceIDSession, DeviceIDNumeric, DeviceIDName:
	default:
		errs = append(errs, fmt.Errorf("MI_DID_KIND: unknown kind %q", c.MiDIDKind))
	}
	switch c.MiAuth {
	case AuthAuto, AuthPassword, AuthCookie:
	default:
		errs = append(errs, fmt.Errorf("MI_AUTH: unknown mode %q", c.MiAuth))
	}
	switch c.SpeakerDriver {
	case DriverXiaomi, DriverLocal:
	default:
		errs = append(errs, fmt.Errorf("SPEAKER_DRIVER: unknown driver %q", c.SpeakerDriver))
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT: %d out of range", c.ServerPort))
	}
	if c.StaticServerPort <= 0 || c.StaticServerPort > 65535 {
		errs = append(errs, fmt.Errorf("STATIC_SERVER_PORT: %d out of range", c.StaticServerPort))
	}
	if c.AudioCacheMaxSizeMB < 0 {
		errs = append(errs, errors.New("AUDIO_CACHE_MAX_SIZE_MB must not be negative"))
	}
	if c.PiperLengthScale <= 0 {
		errs = append(errs, errors.New("PIPER_LENGTH_SCALE must be positive"))
	}
	if c.WebhookRateLimit < 0 {
		errs = append(errs, errors.New("WEBHOOK_RATE_LIMIT must not be negative"))
	}
	return errors.Join(errs...)
}

// EffectiveAuth resolves AuthAuto: cookie material wins when present.
func (c *Config) EffectiveAuth() AuthMode {
	if c.MiAuth != AuthAuto {
		return c.MiAuth
	}
	if c.MiUserID != "" && c.MiPassToken != "" {
		return AuthCookie
	}
	return AuthPassword
}

// StaticURL is the base URL the speaker uses to fetch cached audio.
// STATIC_BASE_URL wins; otherwise it is derived from the static server
// address.
func (c *Config) StaticURL() string {
	if c.StaticBaseURL != "" {
		return c.StaticBaseURL
	}
	return fmt.Sprintf("http://%s:%d", c.StaticServerHost, c.StaticServerPort)
}

// PlaybackGrace is how long the audio server stays up after the last clip
// was handed to the speaker: STATIC_LINGER, but never shorter than the
// pause between notifications.
func (c *Config) PlaybackGrace() time.Duration {
	if c.NotificationInterval > c.StaticLinger {
		return c.NotificationInterval
	}
	return c.StaticLinger
}

// CacheMaxBytes converts the MB limit to bytes. 0 means unlimited.
func (c *Config) CacheMaxBytes() int64 {
	return c.AudioCacheMaxSizeMB * 1024 * 1024
}

// ModelsDir is where Piper voices are looked up and downloaded to.
// Defaults to ~/.local/share/piper-voices.
func (c *Config) ModelsDir(home string) string {
	if c.PiperModelsDir != "" {
		return c.PiperModelsDir
	}
	return filepath.Join(home, ".local", "share", "piper-voices")
}

// VoiceFor returns the configured voice for a language code, or "".
func (c *Config) VoiceFor(lang string) string {
	switch lang {
	case "zh":
		return c.PiperVoiceZH
	case "en":
		return c.PiperVoiceEN
	}
	return ""
}
