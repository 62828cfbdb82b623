package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/hostlink/internal/config"
)

type fileConfig struct {
	Name            string `toml:"name"`
	Mode            string `toml:"mode"`
	Service         string `toml:"service"`
	Network         string `toml:"network"`
	Address         string `toml:"address"`
	SocketDir       string `toml:"socket_dir"`
	StatusAddr      string `toml:"status_addr"`
	WriteTimeout    string `toml:"write_timeout"`
	ReplyTimeout    string `toml:"reply_timeout"`
	ProcessTimeout  string `toml:"process_timeout"`
	MaxInFlight     int64  `toml:"max_in_flight"`
	MaxQueued       int64  `toml:"max_queued"`
	MaxPayloadBytes uint32 `toml:"max_payload_bytes"`
	LogLevel        string `toml:"log_level"`
}

// loadServiceConfig overlays the keys present in path onto the service
// defaults. An empty path yields the defaults.
func loadServiceConfig(path string) (config.ServiceConfig, string, error) {
	cfg := config.DefaultServiceConfig()
	if path == "" {
		return cfg, "", nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config.ServiceConfig{}, "", fmt.Errorf("load service config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return config.ServiceConfig{}, "", fmt.Errorf("load service config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("mode") {
		cfg.Mode = strings.ToLower(strings.TrimSpace(raw.Mode))
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
	if meta.IsDefined("write_timeout") {
		cfg.WriteTimeout = strings.TrimSpace(raw.WriteTimeout)
	}
	if meta.IsDefined("reply_timeout") {
		cfg.ReplyTimeout = strings.TrimSpace(raw.ReplyTimeout)
	}
	if meta.IsDefined("process_timeout") {
		cfg.ProcessTimeout = strings.TrimSpace(raw.ProcessTimeout)
	}
	if meta.IsDefined("max_in_flight") {
		cfg.MaxInFlight = raw.MaxInFlight
	}
	if meta.IsDefined("max_queued") {
		cfg.MaxQueued = raw.MaxQueued
	}
	if meta.IsDefined("max_payload_bytes") {
		cfg.MaxPayloadBytes = raw.MaxPayloadBytes
	}

	if err := config.ValidateServiceConfig(cfg); err != nil {
		return config.ServiceConfig{}, "", err
	}
	return cfg, strings.TrimSpace(raw.LogLevel), nil
}
