package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/hostlink/internal/config"
)

type fileConfig struct {
	Name                 string `toml:"name"`
	Handoff              bool   `toml:"handoff"`
	Service              string `toml:"service"`
	Network              string `toml:"network"`
	Address              string `toml:"address"`
	SocketDir            string `toml:"socket_dir"`
	StatusAddr           string `toml:"status_addr"`
	ConnectTimeout       string `toml:"connect_timeout"`
	ReplyTimeout         string `toml:"reply_timeout"`
	HandoffTimeout       string `toml:"handoff_timeout"`
	MaxInFlight          int64  `toml:"max_in_flight"`
	Reconnect            bool   `toml:"reconnect"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
	LogLevel             string `toml:"log_level"`
}

// loadHostConfig overlays the keys present in path onto the host defaults.
// An empty path yields the defaults.
func loadHostConfig(path string) (config.HostConfig, string, error) {
	cfg := config.DefaultHostConfig()
	if path == "" {
		return cfg, "", nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config.HostConfig{}, "", fmt.Errorf("load host config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return config.HostConfig{}, "", fmt.Errorf("load host config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("handoff") {
		cfg.Handoff = raw.Handoff
	}
	if meta.IsDefined("service") {
		cfg.Service = strings.TrimSpace(raw.Service)
	}
	if meta.IsDefined("network") {
		cfg.Network = strings.TrimSpace(raw.Network)
	}
	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("socket_dir") {
		cfg.SocketDir = strings.TrimSpace(raw.SocketDir)
	}
	if meta.IsDefined("status_addr") {
		cfg.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}
	if meta.IsDefined("connect_timeout") {
		cfg.ConnectTimeout = strings.TrimSpace(raw.ConnectTimeout)
	}
	if meta.IsDefined("reply_timeout") {
		cfg.ReplyTimeout = strings.TrimSpace(raw.ReplyTimeout)
	}
	if meta.IsDefined("handoff_timeout") {
		cfg.HandoffTimeout = strings.TrimSpace(raw.HandoffTimeout)
	}
	if meta.IsDefined("max_in_flight") {
		cfg.MaxInFlight = raw.MaxInFlight
	}
	if meta.IsDefined("reconnect") {
		cfg.Reconnect = raw.Reconnect
	}
	if meta.IsDefined("max_reconnect_attempts") {
		cfg.MaxReconnectAttempts = raw.MaxReconnectAttempts
	}

	if err := config.ValidateHostConfig(cfg); err != nil {
		return config.HostConfig{}, "", err
	}
	return cfg, strings.TrimSpace(raw.LogLevel), nil
}
