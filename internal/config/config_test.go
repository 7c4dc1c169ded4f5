package config

import (
	"strings"
	"testing"
	"time"

	"github.com/FeexSystems/BrowserSyncBot/internal/conflict"
	"github.com/FeexSystems/BrowserSyncBot/internal/protocol"
)

func TestLoadRelayDefaults(t *testing.T) {
	cfg, err := LoadRelay(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected address %s", cfg.HTTPAddress)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://localhost:3001" {
		t.Fatalf("unexpected origins %#v", cfg.AllowedOrigins)
	}
	if cfg.Auth.Enabled() {
		t.Fatalf("expected auth to be disabled without a secret")
	}
	if cfg.SweepInterval != time.Minute || cfg.StaleAfter != 5*time.Minute {
		t.Fatalf("unexpected registry timings %s/%s", cfg.SweepInterval, cfg.StaleAfter)
	}
	if cfg.SessionBuffer != defaultSessionBuffer {
		t.Fatalf("unexpected session buffer %d", cfg.SessionBuffer)
	}
}

func TestLoadRelayRejectsSlowSweep(t *testing.T) {
	configViper := NewViper()
	configViper.Set("registry.sweep_interval", "2m")
	if _, err := LoadRelay(configViper); err == nil || !strings.Contains(err.Error(), "sweep_interval") {
		t.Fatalf("expected sweep interval error, got %v", err)
	}
}

func TestLoadRelayReadsEnvironment(t *testing.T) {
	t.Setenv("BROWSERSYNC_HTTP_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("BROWSERSYNC_AUTH_SIGNING_SECRET", "secret")
	cfg, err := LoadRelay(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins %#v", cfg.AllowedOrigins)
	}
	if !cfg.Auth.Enabled() || cfg.Auth.TokenTTL != 24*time.Hour {
		t.Fatalf("unexpected auth config %#v", cfg.Auth)
	}
}

func TestLoadAuthRequiresSecret(t *testing.T) {
	if _, err := LoadAuth(NewViper()); err == nil {
		t.Fatalf("expected error without signing secret")
	}
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("auth.token_ttl", "1h")
	cfg, err := LoadAuth(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TokenTTL != time.Hour {
		t.Fatalf("unexpected ttl %s", cfg.TokenTTL)
	}
}

func TestLoadDeviceDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("device.id", " laptop ")
	cfg, err := LoadDevice(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DeviceID != "laptop" {
		t.Fatalf("unexpected device id %q", cfg.DeviceID)
	}
	if cfg.DeviceType != protocol.DeviceTypeDesktop {
		t.Fatalf("unexpected device type %s", cfg.DeviceType)
	}
	if cfg.RelayURL != defaultRelayURL || cfg.Encoding != protocol.EncodingJSON {
		t.Fatalf("unexpected relay settings %s/%s", cfg.RelayURL, cfg.Encoding)
	}
	if cfg.HeartbeatInterval != 30*time.Second || cfg.ReconnectInterval != 5*time.Second {
		t.Fatalf("unexpected transport timings %s/%s", cfg.HeartbeatInterval, cfg.ReconnectInterval)
	}
	if cfg.MaxReconnectAttempts != 10 || cfg.MaxReconnectDelay != 0 {
		t.Fatalf("unexpected reconnect settings %d/%s", cfg.MaxReconnectAttempts, cfg.MaxReconnectDelay)
	}
	if cfg.ConflictPolicy != conflict.PolicyTimestampWins || cfg.RecentEvents != 50 {
		t.Fatalf("unexpected sync settings %s/%d", cfg.ConflictPolicy, cfg.RecentEvents)
	}
	if cfg.DeviceName == "" {
		t.Fatalf("expected a default device name")
	}
}

func TestLoadDeviceValidation(t *testing.T) {
	testCases := []struct {
		name string
		key  string
		val  string
	}{
		{name: "reserved id", key: "device.id", val: protocol.RelayDeviceID},
		{name: "unknown type", key: "device.type", val: "toaster"},
		{name: "unknown policy", key: "sync.conflict_policy", val: "coin_flip"},
		{name: "unknown encoding", key: "transport.encoding", val: "xml"},
		{name: "negative attempts", key: "transport.max_reconnect_attempts", val: "-1"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set("device.id", "laptop")
			configViper.Set(testCase.key, testCase.val)
			if _, err := LoadDevice(configViper); err == nil {
				t.Fatalf("expected error for %s=%s", testCase.key, testCase.val)
			}
		})
	}
}

func TestLoadDeviceRequiresID(t *testing.T) {
	if _, err := LoadDevice(NewViper()); err == nil {
		t.Fatalf("expected error without device id")
	}
}
