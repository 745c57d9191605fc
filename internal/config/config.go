// Package config loads relay settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/LemmyAI/roomrelay/internal/room"
	"github.com/LemmyAI/roomrelay/internal/transport"
	"github.com/LemmyAI/roomrelay/internal/webrtc"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config is the full relay configuration.
type Config struct {
	Addr     string
	LogLevel string
	Env      string

	AllowedOrigins  []string
	MaxMessageBytes int64
	SendBuffer      int

	RoomTTL       time.Duration
	CleanupPeriod time.Duration
	MaxMembers    int

	// EventsPerSecond of 0 disables inbound rate limiting.
	EventsPerSecond float64
	EventBurst      int

	PermissiveClose bool

	ViewsDir  string
	PublicDir string

	TLSCertFile string
	TLSKeyFile  string

	KakaoMapAPIKey string
	ICE            webrtc.Source
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	rooms := room.DefaultConfig()
	tc := transport.DefaultConfig()
	return Config{
		Addr:            ":3000",
		LogLevel:        "info",
		Env:             EnvDevelopment,
		MaxMessageBytes: tc.MaxMessageSize,
		SendBuffer:      tc.SendBufferSize,
		RoomTTL:         rooms.RoomTTL,
		CleanupPeriod:   rooms.CleanupPeriod,
		MaxMembers:      rooms.MaxMembers,
		EventsPerSecond: 50,
		EventBurst:      100,
	}
}

// Load reads .env (a missing file is fine) and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv, applying defaults for unset keys.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Default()
	p := parser{getenv: getenv}

	if port := getenv("PORT"); port != "" {
		cfg.Addr = ":" + port
	}
	cfg.Addr = p.str("RELAY_ADDR", cfg.Addr)
	cfg.LogLevel = p.str("LOG_LEVEL", cfg.LogLevel)
	cfg.Env = strings.ToLower(p.str("APP_ENV", cfg.Env))

	cfg.AllowedOrigins = splitList(getenv("RELAY_ALLOWED_ORIGINS"))
	cfg.MaxMessageBytes = int64(p.int("RELAY_MAX_MESSAGE_BYTES", int(cfg.MaxMessageBytes)))
	cfg.SendBuffer = p.int("RELAY_SEND_BUFFER", cfg.SendBuffer)

	cfg.RoomTTL = p.duration("RELAY_ROOM_TTL", cfg.RoomTTL)
	cfg.CleanupPeriod = p.duration("RELAY_CLEANUP_PERIOD", cfg.CleanupPeriod)
	cfg.MaxMembers = p.int("RELAY_MAX_MEMBERS", cfg.MaxMembers)

	cfg.EventsPerSecond = p.float("RELAY_EVENTS_PER_SECOND", cfg.EventsPerSecond)
	cfg.EventBurst = p.int("RELAY_EVENT_BURST", cfg.EventBurst)
	cfg.PermissiveClose = p.bool("RELAY_PERMISSIVE_CLOSE", cfg.PermissiveClose)

	cfg.ViewsDir = getenv("RELAY_VIEWS_DIR")
	cfg.PublicDir = getenv("RELAY_PUBLIC_DIR")
	cfg.TLSCertFile = getenv("RELAY_TLS_CERT")
	cfg.TLSKeyFile = getenv("RELAY_TLS_KEY")

	cfg.KakaoMapAPIKey = getenv("KAKAO_MAP_API_KEY")
	cfg.ICE = webrtc.Source{
		JSON:           getenv("RELAY_ICE_SERVERS_JSON"),
		STUNURLs:       getenv("RELAY_STUN_URLS"),
		TURNURLs:       getenv("RELAY_TURN_URLS"),
		TURNUsername:   getenv("RELAY_TURN_USERNAME"),
		TURNCredential: getenv("RELAY_TURN_CREDENTIAL"),
	}

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and combinations parsing cannot catch.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	if c.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("max message bytes must be positive"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, errors.New("send buffer must be positive"))
	}
	if c.RoomTTL <= 0 {
		errs = append(errs, errors.New("room ttl must be positive"))
	}
	if c.CleanupPeriod <= 0 {
		errs = append(errs, errors.New("cleanup period must be positive"))
	}
	if c.MaxMembers < 0 {
		errs = append(errs, errors.New("max members must not be negative"))
	}
	if c.EventsPerSecond < 0 {
		errs = append(errs, errors.New("events per second must not be negative"))
	}
	if c.EventsPerSecond > 0 && c.EventBurst < 1 {
		errs = append(errs, errors.New("event burst must be at least 1 when rate limiting"))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.New("tls cert and key must be set together"))
	}
	if _, err := webrtc.ParseICEServers(c.ICE); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// IsProduction reports whether APP_ENV is production.
func (c Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// Room returns the room directory settings.
func (c Config) Room() room.Config {
	return room.Config{
		MaxMembers:    c.MaxMembers,
		RoomTTL:       c.RoomTTL,
		CleanupPeriod: c.CleanupPeriod,
	}
}

// Transport returns the WebSocket settings.
func (c Config) Transport() transport.Config {
	tc := transport.DefaultConfig()
	tc.MaxMessageSize = c.MaxMessageBytes
	tc.SendBufferSize = c.SendBuffer
	tc.AllowedOrigins = c.AllowedOrigins
	return tc
}

// NewLogger builds the process logger: JSON in production, text otherwise.
func (c Config) NewLogger() *logrus.Logger {
	log := logrus.New()
	if c.IsProduction() {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) int(key string, def int) int {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (p *parser) bool(key string, def bool) bool {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func splitList(value string) []string {
	var out []string
	for part := range strings.SplitSeq(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
