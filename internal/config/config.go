package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"roomchat/backend/internal/chathub"
	"roomchat/backend/internal/retention"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"
)

// Config holds every runtime setting of the chat server.
type Config struct {
	Addr      string `env:"ROOMCHAT_ADDR" envDefault:":8080"`
	LogLevel  string `env:"ROOMCHAT_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"ROOMCHAT_LOG_FORMAT" envDefault:"json"`

	// DatabaseDSN selects the Postgres store; empty means the embedded Pebble store at PebblePath.
	DatabaseDSN string `env:"ROOMCHAT_DATABASE_DSN"`
	PebblePath  string `env:"ROOMCHAT_PEBBLE_PATH" envDefault:"data/messages"`

	// RedisAddr enables the cross-instance relay.
	RedisAddr     string `env:"ROOMCHAT_REDIS_ADDR"`
	RedisPassword string `env:"ROOMCHAT_REDIS_PASSWORD"`
	RedisDB       int    `env:"ROOMCHAT_REDIS_DB" envDefault:"0"`

	JWTSecret      string        `env:"ROOMCHAT_JWT_SECRET"`
	TokenTTL       time.Duration `env:"ROOMCHAT_TOKEN_TTL" envDefault:"72h"`
	DevTokens      bool          `env:"ROOMCHAT_DEV_TOKENS" envDefault:"false"`
	AllowAnonymous bool          `env:"ROOMCHAT_ALLOW_ANONYMOUS" envDefault:"false"`
	AllowedOrigins []string      `env:"ROOMCHAT_ALLOWED_ORIGINS" envSeparator:","`

	RoomQueueSize         int           `env:"ROOMCHAT_ROOM_QUEUE_SIZE" envDefault:"256"`
	OutboxSize            int           `env:"ROOMCHAT_OUTBOX_SIZE" envDefault:"64"`
	StoreTimeout          time.Duration `env:"ROOMCHAT_STORE_TIMEOUT" envDefault:"5s"`
	StoreFailureThreshold int           `env:"ROOMCHAT_STORE_FAILURE_THRESHOLD" envDefault:"5"`
	StoreProbeInterval    time.Duration `env:"ROOMCHAT_STORE_PROBE_INTERVAL" envDefault:"10s"`
	MaxTextRunes          int           `env:"ROOMCHAT_MAX_TEXT_RUNES" envDefault:"4000"`
	MaxMediaSize          string        `env:"ROOMCHAT_MAX_MEDIA_SIZE" envDefault:"5MiB"`
	MaxFrameSize          string        `env:"ROOMCHAT_MAX_FRAME_SIZE" envDefault:"8MiB"`
	MaxDecodeErrors       int           `env:"ROOMCHAT_MAX_DECODE_ERRORS" envDefault:"5"`
	RateLimit             float64       `env:"ROOMCHAT_RATE_LIMIT" envDefault:"10"`
	RateBurst             int           `env:"ROOMCHAT_RATE_BURST" envDefault:"20"`

	// RetentionPeriod of 0 disables the purge job.
	RetentionPeriod time.Duration `env:"ROOMCHAT_RETENTION_PERIOD" envDefault:"0"`
	RetentionCron   string        `env:"ROOMCHAT_RETENTION_CRON" envDefault:"0 3 * * *"`

	TelegramToken  string `env:"ROOMCHAT_TELEGRAM_TOKEN"`
	TelegramChatID int64  `env:"ROOMCHAT_TELEGRAM_CHAT_ID"`
	TelegramRoom   string `env:"ROOMCHAT_TELEGRAM_ROOM"`
	TelegramLang   string `env:"ROOMCHAT_TELEGRAM_LANG" envDefault:"en"`

	ShutdownTimeout time.Duration `env:"ROOMCHAT_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	maxMediaBytes uint64
	maxFrameBytes uint64
}

// Load reads .env (if present), then the environment, then command line
// flags. Flags win over the environment.
func Load(fs *flag.FlagSet, args []string) (Config, error) {
	cfg, err := FromEnv()
	if err != nil {
		return Config{}, err
	}

	if fs != nil {
		fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
		fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
		fs.StringVar(&cfg.PebblePath, "pebble", cfg.PebblePath, "embedded store directory")
		fs.BoolVar(&cfg.DevTokens, "dev-tokens", cfg.DevTokens, "enable POST /token")
		if err := fs.Parse(args); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv reads .env (if present) and the environment without validating.
// Tools that only need the store settings use it directly.
func FromEnv() (Config, error) {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks required settings and parses the size fields.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("ROOMCHAT_JWT_SECRET is required")
	}
	if c.DatabaseDSN == "" && c.PebblePath == "" {
		return errors.New("either ROOMCHAT_DATABASE_DSN or ROOMCHAT_PEBBLE_PATH must be set")
	}
	if c.TelegramToken != "" && (c.TelegramChatID == 0 || c.TelegramRoom == "") {
		return errors.New("telegram bridge needs ROOMCHAT_TELEGRAM_CHAT_ID and ROOMCHAT_TELEGRAM_ROOM")
	}
	if c.RetentionPeriod < 0 {
		return errors.New("ROOMCHAT_RETENTION_PERIOD must not be negative")
	}
	if c.RetentionPeriod > 0 {
		if err := retention.ValidateCron(c.RetentionCron); err != nil {
			return err
		}
	}

	var err error
	if c.maxMediaBytes, err = humanize.ParseBytes(c.MaxMediaSize); err != nil {
		return fmt.Errorf("parse ROOMCHAT_MAX_MEDIA_SIZE: %w", err)
	}
	if c.maxFrameBytes, err = humanize.ParseBytes(c.MaxFrameSize); err != nil {
		return fmt.Errorf("parse ROOMCHAT_MAX_FRAME_SIZE: %w", err)
	}
	if c.maxFrameBytes < c.maxMediaBytes {
		return fmt.Errorf("max frame size %s is below max media size %s",
			humanize.IBytes(c.maxFrameBytes), humanize.IBytes(c.maxMediaBytes))
	}
	return nil
}

// TelegramEnabled reports whether the Telegram bridge is configured.
func (c Config) TelegramEnabled() bool {
	return c.TelegramToken != ""
}

// BrokerOptions maps the config onto the room broker settings.
func (c Config) BrokerOptions() chathub.Options {
	return chathub.Options{
		RoomQueueSize:         c.RoomQueueSize,
		StoreTimeout:          c.StoreTimeout,
		StoreFailureThreshold: c.StoreFailureThreshold,
		StoreProbeInterval:    c.StoreProbeInterval,
		MaxTextRunes:          c.MaxTextRunes,
		MaxMediaBytes:         int(c.maxMediaBytes),
		MaxRoomIDRunes:        MaxRoomIDRunes,
		MaxEmojiRunes:         MaxEmojiRunes,
		MaxClientIDRunes:      MaxClientIDRunes,
	}
}

// ConnOptions maps the config onto per-connection settings.
func (c Config) ConnOptions() chathub.ConnOptions {
	return chathub.ConnOptions{
		OutboxSize:      c.OutboxSize,
		MaxFrameSize:    int64(c.maxFrameBytes),
		MaxDecodeErrors: c.MaxDecodeErrors,
		RateLimit:       rate.Limit(c.RateLimit),
		RateBurst:       c.RateBurst,
		RequestTimeout:  DefaultRequestTimeout,
	}
}
