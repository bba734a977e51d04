// Package config provides Viper-based configuration loading for the chat gateway.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// HTTPConfig holds the websocket/HTTP listener settings.
type HTTPConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// ReadHeaderTimeout bounds how long the server waits for request headers.
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	// ShutdownTimeout bounds graceful shutdown of in-flight requests.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// AllowedOrigins lists the Origin header values accepted on upgrade.
	// An empty list accepts only origins whose host matches the request host;
	// "*" accepts any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// PingInterval is how often a keepalive ping is written to websocket peers.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// PongTimeout is how long a websocket peer may stay silent before it is dropped.
	PongTimeout time.Duration `mapstructure:"pong_timeout"`
	// WriteTimeout is the per-frame write deadline.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// LineConfig holds settings for the newline-delimited JSON TCP listener.
type LineConfig struct {
	// Enabled turns the line listener on.
	Enabled bool `mapstructure:"enabled"`
	// Host is the bind address for the line listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the line listener.
	Port int `mapstructure:"port"`
	// ReadTimeout is the per-read timeout for line connections.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the per-write timeout for line connections.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (l LineConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// AdminConfig holds the admin gRPC listener settings.
type AdminConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	GRPCHost string `mapstructure:"grpc_host"`
	GRPCPort int    `mapstructure:"grpc_port"`
}

// Addr returns the "host:port" gRPC address.
func (a AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.GRPCHost, a.GRPCPort)
}

// Authentication modes.
const (
	AuthModeJWT    = "jwt"
	AuthModeStatic = "static"
)

// AuthConfig selects and configures the connection Authenticator.
type AuthConfig struct {
	// Mode is "jwt" or "static".
	Mode string `mapstructure:"mode"`
	// JWTSecret is the HMAC secret used to verify HS256 tokens.
	JWTSecret string `mapstructure:"jwt_secret"`
	// JWTIssuer, when non-empty, is required to match the token's iss claim.
	JWTIssuer string `mapstructure:"jwt_issuer"`
	// TokenTTL is the lifetime of tokens minted by the devtoken tool.
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	// KeysFile is the YAML file of bcrypt-hashed API keys used in static mode.
	KeysFile string `mapstructure:"keys_file"`
	// HandshakeTimeout bounds the time a connection may stay unauthenticated.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// GatewayConfig holds per-connection dispatch settings.
type GatewayConfig struct {
	// OutboxSize is the per-session outbound frame buffer.
	OutboxSize int `mapstructure:"outbox_size"`
	// MaxFrameBytes is the largest inbound frame accepted.
	MaxFrameBytes int64 `mapstructure:"max_frame_bytes"`
	// EventsPerSecond is the sustained inbound event rate per connection.
	EventsPerSecond float64 `mapstructure:"events_per_second"`
	// EventBurst is the inbound event burst allowance per connection.
	EventBurst int `mapstructure:"event_burst"`
	// RequireMembership drops send_message from sessions that have not joined the room.
	RequireMembership bool `mapstructure:"require_membership"`
}

// RoomConfig holds room id generation settings.
type RoomConfig struct {
	// IDLength is the number of base-36 characters in a generated room id.
	IDLength int `mapstructure:"id_length"`
	// MaxIDAttempts is the number of draws before id generation gives up.
	MaxIDAttempts int `mapstructure:"max_id_attempts"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	HTTP    HTTPConfig    `mapstructure:"http"`
	Line    LineConfig    `mapstructure:"line"`
	Admin   AdminConfig   `mapstructure:"admin"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Room    RoomConfig    `mapstructure:"room"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	validators := []func() error{
		func() error { return validateHTTP(c.HTTP) },
		func() error { return validateLine(c.Line) },
		func() error { return validateAdmin(c.Admin) },
		func() error { return validateAuth(c.Auth) },
		func() error { return validateGateway(c.Gateway) },
		func() error { return validateRoom(c.Room) },
		func() error { return validateLogging(c.Logging) },
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validPort(p int) bool {
	return p >= 0 && p <= 65535
}

func validateHTTP(h HTTPConfig) error {
	var errs []string
	if !validPort(h.Port) {
		errs = append(errs, fmt.Sprintf("http.port must be 0-65535, got %d", h.Port))
	}
	if h.ReadHeaderTimeout < 0 {
		errs = append(errs, "http.read_header_timeout must not be negative")
	}
	if h.ShutdownTimeout < 0 {
		errs = append(errs, "http.shutdown_timeout must not be negative")
	}
	if h.WriteTimeout < 0 {
		errs = append(errs, "http.write_timeout must not be negative")
	}
	if h.PingInterval <= 0 {
		errs = append(errs, "http.ping_interval must be positive")
	}
	if h.PongTimeout <= h.PingInterval {
		errs = append(errs, "http.pong_timeout must exceed http.ping_interval")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLine(l LineConfig) error {
	if !l.Enabled {
		return nil
	}
	var errs []string
	if !validPort(l.Port) {
		errs = append(errs, fmt.Sprintf("line.port must be 0-65535, got %d", l.Port))
	}
	if l.ReadTimeout < 0 {
		errs = append(errs, "line.read_timeout must not be negative")
	}
	if l.WriteTimeout < 0 {
		errs = append(errs, "line.write_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAdmin(a AdminConfig) error {
	if !a.Enabled {
		return nil
	}
	var errs []string
	if a.GRPCHost == "" {
		errs = append(errs, "admin.grpc_host must not be empty")
	}
	if !validPort(a.GRPCPort) {
		errs = append(errs, fmt.Sprintf("admin.grpc_port must be 0-65535, got %d", a.GRPCPort))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAuth(a AuthConfig) error {
	var errs []string
	switch a.Mode {
	case AuthModeJWT:
		if len(a.JWTSecret) < 32 {
			errs = append(errs, "auth.jwt_secret must be at least 32 characters in jwt mode")
		}
	case AuthModeStatic:
		if a.KeysFile == "" {
			errs = append(errs, "auth.keys_file must not be empty in static mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("auth.mode must be one of [jwt, static], got %q", a.Mode))
	}
	if a.HandshakeTimeout <= 0 {
		errs = append(errs, "auth.handshake_timeout must be positive")
	}
	if a.TokenTTL < 0 {
		errs = append(errs, "auth.token_ttl must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateGateway(g GatewayConfig) error {
	var errs []string
	if g.OutboxSize < 1 {
		errs = append(errs, fmt.Sprintf("gateway.outbox_size must be >= 1, got %d", g.OutboxSize))
	}
	if g.MaxFrameBytes < 64 {
		errs = append(errs, fmt.Sprintf("gateway.max_frame_bytes must be >= 64, got %d", g.MaxFrameBytes))
	}
	if g.EventsPerSecond <= 0 {
		errs = append(errs, "gateway.events_per_second must be positive")
	}
	if g.EventBurst < 1 {
		errs = append(errs, fmt.Sprintf("gateway.event_burst must be >= 1, got %d", g.EventBurst))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRoom(r RoomConfig) error {
	var errs []string
	if r.IDLength < 6 || r.IDLength > 64 {
		errs = append(errs, fmt.Sprintf("room.id_length must be 6-64, got %d", r.IDLength))
	}
	if r.MaxIDAttempts < 1 {
		errs = append(errs, fmt.Sprintf("room.max_id_attempts must be >= 1, got %d", r.MaxIDAttempts))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := NewViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// NewViper returns a Viper instance with defaults and CHATGATE_ environment
// overrides applied but no config file attached.
//
// Postcondition: Returns a non-nil Viper.
func NewViper() *viper.Viper {
	v := viper.New()

	// Environment variable overrides with CHATGATE_ prefix
	v.SetEnvPrefix("CHATGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 4000)
	v.SetDefault("http.read_header_timeout", "5s")
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("http.allowed_origins", []string{})
	v.SetDefault("http.ping_interval", "54s")
	v.SetDefault("http.pong_timeout", "60s")
	v.SetDefault("http.write_timeout", "10s")

	v.SetDefault("line.enabled", false)
	v.SetDefault("line.host", "0.0.0.0")
	v.SetDefault("line.port", 4001)
	v.SetDefault("line.read_timeout", "5m")
	v.SetDefault("line.write_timeout", "30s")

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.grpc_host", "127.0.0.1")
	v.SetDefault("admin.grpc_port", 50061)

	v.SetDefault("auth.mode", AuthModeJWT)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_issuer", "")
	v.SetDefault("auth.keys_file", "")
	v.SetDefault("auth.token_ttl", "1h")
	v.SetDefault("auth.handshake_timeout", "10s")

	v.SetDefault("gateway.outbox_size", 256)
	v.SetDefault("gateway.max_frame_bytes", 16*1024)
	v.SetDefault("gateway.events_per_second", 40)
	v.SetDefault("gateway.event_burst", 80)
	v.SetDefault("gateway.require_membership", false)

	v.SetDefault("room.id_length", 10)
	v.SetDefault("room.max_id_attempts", 16)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
