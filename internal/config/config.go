package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/FeexSystems/BrowserSyncBot/internal/conflict"
	"github.com/FeexSystems/BrowserSyncBot/internal/protocol"
	"github.com/spf13/viper"
)

const (
	envPrefix                   = "BROWSERSYNC"
	defaultHTTPAddress          = "0.0.0.0:3002"
	defaultAllowedOrigins       = "http://localhost:3000,http://localhost:3001"
	defaultDatabasePath         = "file:browsersync?mode=memory&cache=shared"
	defaultLogLevel             = "info"
	defaultTokenTTL             = 24 * time.Hour
	defaultSweepInterval        = time.Minute
	defaultStaleAfter           = 5 * time.Minute
	defaultSessionBuffer        = 256
	defaultRelayURL             = "ws://localhost:3002/ws"
	defaultEncoding             = protocol.EncodingJSON
	defaultHandshakeTimeout     = 10 * time.Second
	defaultHeartbeatInterval    = 30 * time.Second
	defaultReconnectInterval    = 5 * time.Second
	defaultMaxReconnectAttempts = 10
	defaultRecentEvents         = 50
	maxSweepInterval            = time.Minute
)

// AuthConfig holds device token settings. An empty signing secret disables authentication.
type AuthConfig struct {
	SigningSecret string
	TokenTTL      time.Duration
}

// Enabled reports whether the relay requires device tokens.
func (c AuthConfig) Enabled() bool {
	return strings.TrimSpace(c.SigningSecret) != ""
}

// RelayConfig captures runtime configuration for the relay server.
type RelayConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabasePath   string
	LogLevel       string
	Auth           AuthConfig
	SweepInterval  time.Duration
	StaleAfter     time.Duration
	SessionBuffer  int
}

// DeviceConfig captures runtime configuration for a headless device client.
type DeviceConfig struct {
	DeviceID             string
	DeviceName           string
	DeviceType           protocol.DeviceType
	Platform             string
	RelayURL             string
	RelayToken           string
	Encoding             string
	LogLevel             string
	HandshakeTimeout     time.Duration
	HeartbeatInterval    time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
	ConflictPolicy       conflict.Policy
	RecentEvents         int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("registry.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("registry.stale_after", defaultStaleAfter)
	configViper.SetDefault("registry.session_buffer", defaultSessionBuffer)

	configViper.SetDefault("device.name", defaultDeviceName())
	configViper.SetDefault("device.type", string(protocol.DeviceTypeDesktop))
	configViper.SetDefault("device.platform", runtime.GOOS)
	configViper.SetDefault("relay.url", defaultRelayURL)
	configViper.SetDefault("transport.encoding", defaultEncoding)
	configViper.SetDefault("transport.handshake_timeout", defaultHandshakeTimeout)
	configViper.SetDefault("transport.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("transport.reconnect_interval", defaultReconnectInterval)
	configViper.SetDefault("transport.reconnect_max_delay", time.Duration(0))
	configViper.SetDefault("transport.max_reconnect_attempts", defaultMaxReconnectAttempts)
	configViper.SetDefault("sync.conflict_policy", string(conflict.PolicyTimestampWins))
	configViper.SetDefault("sync.recent_events", defaultRecentEvents)
}

func defaultDeviceName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "browsersync-device"
	}
	return hostname
}

// LoadAuth parses token settings and requires a signing secret.
func LoadAuth(configViper *viper.Viper) (AuthConfig, error) {
	cfg := loadAuth(configViper)
	if !cfg.Enabled() {
		return AuthConfig{}, fmt.Errorf("auth.signing_secret is required")
	}
	if cfg.TokenTTL <= 0 {
		return AuthConfig{}, fmt.Errorf("auth.token_ttl must be positive")
	}
	return cfg, nil
}

func loadAuth(configViper *viper.Viper) AuthConfig {
	return AuthConfig{
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:      configViper.GetDuration("auth.token_ttl"),
	}
}

// LoadRelay parses relay configuration from viper.
func LoadRelay(configViper *viper.Viper) (RelayConfig, error) {
	cfg := RelayConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		Auth:           loadAuth(configViper),
		SweepInterval:  configViper.GetDuration("registry.sweep_interval"),
		StaleAfter:     configViper.GetDuration("registry.stale_after"),
		SessionBuffer:  configViper.GetInt("registry.session_buffer"),
	}

	if err := cfg.validate(); err != nil {
		return RelayConfig{}, err
	}

	return cfg, nil
}

func (c RelayConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SweepInterval <= 0 || c.SweepInterval > maxSweepInterval {
		return fmt.Errorf("registry.sweep_interval must be between 0 and %s", maxSweepInterval)
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("registry.stale_after must be positive")
	}
	if c.SessionBuffer <= 0 {
		return fmt.Errorf("registry.session_buffer must be positive")
	}
	if c.Auth.Enabled() && c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	return nil
}

// LoadDevice parses device client configuration from viper.
func LoadDevice(configViper *viper.Viper) (DeviceConfig, error) {
	deviceID, err := protocol.NewDeviceID(configViper.GetString("device.id"))
	if err != nil {
		return DeviceConfig{}, fmt.Errorf("device.id: %w", err)
	}
	deviceType, err := protocol.ParseDeviceType(configViper.GetString("device.type"))
	if err != nil {
		return DeviceConfig{}, fmt.Errorf("device.type: %w", err)
	}
	policy, err := conflict.ParsePolicy(configViper.GetString("sync.conflict_policy"))
	if err != nil {
		return DeviceConfig{}, fmt.Errorf("sync.conflict_policy: %w", err)
	}

	cfg := DeviceConfig{
		DeviceID:             deviceID.String(),
		DeviceName:           configViper.GetString("device.name"),
		DeviceType:           deviceType,
		Platform:             configViper.GetString("device.platform"),
		RelayURL:             configViper.GetString("relay.url"),
		RelayToken:           configViper.GetString("relay.token"),
		Encoding:             configViper.GetString("transport.encoding"),
		LogLevel:             configViper.GetString("log.level"),
		HandshakeTimeout:     configViper.GetDuration("transport.handshake_timeout"),
		HeartbeatInterval:    configViper.GetDuration("transport.heartbeat_interval"),
		ReconnectInterval:    configViper.GetDuration("transport.reconnect_interval"),
		MaxReconnectDelay:    configViper.GetDuration("transport.reconnect_max_delay"),
		MaxReconnectAttempts: configViper.GetInt("transport.max_reconnect_attempts"),
		ConflictPolicy:       policy,
		RecentEvents:         configViper.GetInt("sync.recent_events"),
	}

	if err := cfg.validate(); err != nil {
		return DeviceConfig{}, err
	}

	return cfg, nil
}

func (c DeviceConfig) validate() error {
	if strings.TrimSpace(c.RelayURL) == "" {
		return fmt.Errorf("relay.url is required")
	}
	if _, err := protocol.CodecByName(c.Encoding); err != nil {
		return fmt.Errorf("transport.encoding: %w", err)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("transport.handshake_timeout must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("transport.heartbeat_interval must be positive")
	}
	if c.ReconnectInterval <= 0 {
		return fmt.Errorf("transport.reconnect_interval must be positive")
	}
	if c.MaxReconnectDelay < 0 {
		return fmt.Errorf("transport.reconnect_max_delay must not be negative")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("transport.max_reconnect_attempts must not be negative")
	}
	if c.RecentEvents <= 0 {
		return fmt.Errorf("sync.recent_events must be positive")
	}
	return nil
}

// splitList accepts both list values and comma separated strings from env.
func splitList(values []string) []string {
	var items []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				items = append(items, trimmed)
			}
		}
	}
	return items
}
