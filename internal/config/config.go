package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.imclient/config.toml.
type Config struct {
	DefaultSession string     `toml:"default_session"`
	Server         Server     `toml:"server"`
	Connection     Connection `toml:"connection"`
	Messages       Messages   `toml:"messages"`
}

// Server holds the remote endpoints.
type Server struct {
	WSURL  string `toml:"ws_url"`
	APIURL string `toml:"api_url"`
}

// Connection tunes the real-time link.
type Connection struct {
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`
	HeartbeatTimeout     Duration `toml:"heartbeat_timeout"`
	BackoffBase          Duration `toml:"backoff_base"`
	BackoffCap           Duration `toml:"backoff_cap"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	WriteTimeout         Duration `toml:"write_timeout"`
	DialTimeout          Duration `toml:"dial_timeout"`
	AutoConnect          bool     `toml:"auto_connect"`
}

// Messages tunes history paging and the pending-send sweeper.
type Messages struct {
	PageSize       int      `toml:"page_size"`
	AckTimeout     Duration `toml:"ack_timeout"`
	MaxSendRetries int      `toml:"max_send_retries"`
	SweepInterval  Duration `toml:"sweep_interval"`
}

// Duration is a time.Duration that reads and writes as "30s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: Server{
			WSURL:  "ws://localhost:8081/ws",
			APIURL: "http://localhost:8081/api",
		},
		Connection: Connection{
			HeartbeatInterval:    Duration{30 * time.Second},
			HeartbeatTimeout:     Duration{10 * time.Second},
			BackoffBase:          Duration{time.Second},
			BackoffCap:           Duration{30 * time.Second},
			MaxReconnectAttempts: 5,
			WriteTimeout:         Duration{5 * time.Second},
			DialTimeout:          Duration{10 * time.Second},
			AutoConnect:          true,
		},
		Messages: Messages{
			PageSize:       20,
			AckTimeout:     Duration{15 * time.Second},
			MaxSendRetries: 2,
			SweepInterval:  Duration{500 * time.Millisecond},
		},
	}
}

// Load reads config from the given path on top of Default. Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
