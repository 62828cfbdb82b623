package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/hostlink/internal/channel"
	"github.com/danmuck/hostlink/internal/protocol/envelope"
	"github.com/danmuck/hostlink/internal/relay"
	"github.com/danmuck/hostlink/internal/session"
	"github.com/pelletier/go-toml/v2"
)

// LinkConfig holds the connection settings shared by host and service.
type LinkConfig struct {
	Service              string `toml:"service"`
	Network              string `toml:"network"`
	Address              string `toml:"address"`
	SocketDir            string `toml:"socket_dir"`
	StatusAddr           string `toml:"status_addr"`
	ConnectTimeout       string `toml:"connect_timeout"`
	WriteTimeout         string `toml:"write_timeout"`
	ReplyTimeout         string `toml:"reply_timeout"`
	HandoffTimeout       string `toml:"handoff_timeout"`
	ProcessTimeout       string `toml:"process_timeout"`
	MaxInFlight          int64  `toml:"max_in_flight"`
	MaxQueued            int64  `toml:"max_queued"`
	MaxPayloadBytes      uint32 `toml:"max_payload_bytes"`
	Reconnect            bool   `toml:"reconnect"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
}

type HostConfig struct {
	Name    string `toml:"name"`
	Handoff bool   `toml:"handoff"`
	LinkConfig
}

type ServiceConfig struct {
	Name string `toml:"name"`
	// Mode selects the inbound processor: "registry" dispatches method
	// invocations, "echo" relays payloads back unchanged.
	Mode string `toml:"mode"`
	LinkConfig
}

func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		Service:              "hostlink.service",
		Network:              "unix",
		SocketDir:            filepath.Join(os.TempDir(), "hostlink"),
		ConnectTimeout:       "5s",
		WriteTimeout:         "15s",
		HandoffTimeout:       "10s",
		MaxInFlight:          64,
		MaxQueued:            1024,
		MaxReconnectAttempts: 8,
	}
}

func DefaultHostConfig() HostConfig {
	link := DefaultLinkConfig()
	link.StatusAddr = "127.0.0.1:9400"
	link.Reconnect = true
	return HostConfig{
		Name:       "linkhost",
		Handoff:    true,
		LinkConfig: link,
	}
}

func DefaultServiceConfig() ServiceConfig {
	link := DefaultLinkConfig()
	link.StatusAddr = "127.0.0.1:9401"
	return ServiceConfig{
		Name:       "linkservice",
		Mode:       "registry",
		LinkConfig: link,
	}
}

func LoadHostConfig(path string) (HostConfig, error) {
	cfg := DefaultHostConfig()
	if err := loadToml(path, &cfg); err != nil {
		return HostConfig{}, err
	}
	if err := ValidateHostConfig(cfg); err != nil {
		return HostConfig{}, err
	}
	return cfg, nil
}

func LoadServiceConfig(path string) (ServiceConfig, error) {
	cfg := DefaultServiceConfig()
	if err := loadToml(path, &cfg); err != nil {
		return ServiceConfig{}, err
	}
	if err := ValidateServiceConfig(cfg); err != nil {
		return ServiceConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateHostConfig(cfg HostConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("host config missing name")
	}
	return ValidateLinkConfig(cfg.LinkConfig)
}

func ValidateServiceConfig(cfg ServiceConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("service config missing name")
	}
	switch cfg.Mode {
	case "registry", "echo":
	default:
		return fmt.Errorf("service config mode must be registry or echo, got %q", cfg.Mode)
	}
	return ValidateLinkConfig(cfg.LinkConfig)
}

func ValidateLinkConfig(cfg LinkConfig) error {
	if _, err := cfg.Endpoint(); err != nil {
		return err
	}
	if _, err := cfg.SessionConfig(); err != nil {
		return err
	}
	if _, err := cfg.RelayConfig(); err != nil {
		return err
	}
	if cfg.MaxInFlight < 0 {
		return fmt.Errorf("max_in_flight must not be negative")
	}
	if cfg.MaxQueued < 0 {
		return fmt.Errorf("max_queued must not be negative")
	}
	if cfg.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts must not be negative")
	}
	return nil
}

// Endpoint resolves the service endpoint. An explicit address wins; a unix
// network without one resolves the service name under socket_dir.
func (c LinkConfig) Endpoint() (envelope.Endpoint, error) {
	network := strings.TrimSpace(c.Network)
	address := strings.TrimSpace(c.Address)
	if address == "" && network == "unix" {
		if strings.TrimSpace(c.Service) == "" || strings.TrimSpace(c.SocketDir) == "" {
			return envelope.Endpoint{}, fmt.Errorf("service and socket_dir are required for unix endpoints")
		}
		return channel.NamedEndpoint(c.SocketDir, c.Service), nil
	}
	ep := envelope.Endpoint{Network: network, Address: address}
	if err := ep.Validate(); err != nil {
		return envelope.Endpoint{}, fmt.Errorf("invalid endpoint: %w", err)
	}
	return ep, nil
}

func (c LinkConfig) SessionConfig() (session.Config, error) {
	cfg := session.DefaultConfig()
	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", c.ConnectTimeout, &cfg.ConnectTimeout},
		{"write_timeout", c.WriteTimeout, &cfg.WriteTimeout},
		{"reply_timeout", c.ReplyTimeout, &cfg.ReplyTimeout},
		{"handoff_timeout", c.HandoffTimeout, &cfg.HandoffTimeout},
	} {
		v, err := parseDuration(d.key, d.raw)
		if err != nil {
			return session.Config{}, err
		}
		if v > 0 {
			*d.dst = v
		}
	}
	cfg.Reconnect = c.Reconnect
	cfg.MaxReconnectAttempts = c.MaxReconnectAttempts
	if c.MaxPayloadBytes > 0 {
		cfg.MaxPayloadBytes = c.MaxPayloadBytes
	}
	return cfg.WithDefaults(), nil
}

func (c LinkConfig) RelayConfig() (relay.Config, error) {
	cfg := relay.DefaultConfig()
	if c.MaxInFlight > 0 {
		cfg.MaxInFlight = c.MaxInFlight
	}
	if c.MaxQueued > 0 {
		cfg.MaxQueued = c.MaxQueued
	}
	d, err := parseDuration("process_timeout", c.ProcessTimeout)
	if err != nil {
		return relay.Config{}, err
	}
	cfg.ProcessTimeout = d
	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}
