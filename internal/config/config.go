// Package config loads the runtime configuration for an empirectl instance.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Session SessionConfig `toml:"session"`
	Storage StorageConfig `toml:"storage"`
	Ops     OpsConfig     `toml:"ops"`
}

type ServerConfig struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	Zone       string `toml:"zone"`
	Version    string `toml:"version"`
	ServerName string `toml:"tls_server_name"`
	UseWebSock bool   `toml:"use_websocket"`
	WSPath     string `toml:"websocket_path"`
}

type SessionConfig struct {
	KeepaliveSeconds  int `toml:"keepalive_seconds"`
	StepTimeoutSecs   int `toml:"step_timeout_seconds"`
	RequestTimeoutSec int `toml:"request_timeout_seconds"`
	BackoffMinMillis  int `toml:"backoff_min_millis"`
	BackoffMaxMillis  int `toml:"backoff_max_millis"`
	MovementPollSecs  int `toml:"movement_poll_seconds"`
}

type StorageConfig struct {
	Path string `toml:"path"`
}

type OpsConfig struct {
	Addr string `toml:"addr"`
}

// Load reads the TOML file at path and overlays it on the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:    443,
			Zone:    "EmpireEx_2",
			Version: "166",
			WSPath:  "/",
		},
		Session: SessionConfig{
			KeepaliveSeconds:  60,
			StepTimeoutSecs:   10,
			RequestTimeoutSec: 15,
			BackoffMinMillis:  500,
			BackoffMaxMillis:  60000,
			MovementPollSecs:  30,
		},
		Ops: OpsConfig{Addr: ""},
	}
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Server.Host) == "" {
		return fmt.Errorf("config missing server host")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("config server port %d out of range", cfg.Server.Port)
	}
	if strings.TrimSpace(cfg.Server.Zone) == "" {
		return fmt.Errorf("config missing server zone")
	}
	if cfg.Session.KeepaliveSeconds <= 0 {
		return fmt.Errorf("config keepalive_seconds must be positive")
	}
	if cfg.Session.BackoffMinMillis <= 0 ||
		cfg.Session.BackoffMaxMillis < cfg.Session.BackoffMinMillis {
		return fmt.Errorf("config backoff window invalid (%dms..%dms)",
			cfg.Session.BackoffMinMillis, cfg.Session.BackoffMaxMillis)
	}
	return nil
}

// Addr is the dial target host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TLSServerName is the certificate name to verify, defaulting to the host.
func (s ServerConfig) TLSServerName() string {
	if s.ServerName != "" {
		return s.ServerName
	}
	return s.Host
}

func (s SessionConfig) Keepalive() time.Duration {
	return time.Duration(s.KeepaliveSeconds) * time.Second
}

func (s SessionConfig) StepTimeout() time.Duration {
	return time.Duration(s.StepTimeoutSecs) * time.Second
}

func (s SessionConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSec) * time.Second
}

func (s SessionConfig) BackoffMin() time.Duration {
	return time.Duration(s.BackoffMinMillis) * time.Millisecond
}

func (s SessionConfig) BackoffMax() time.Duration {
	return time.Duration(s.BackoffMaxMillis) * time.Millisecond
}

func (s SessionConfig) MovementPoll() time.Duration {
	return time.Duration(s.MovementPollSecs) * time.Second
}
