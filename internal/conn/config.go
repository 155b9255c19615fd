package conn

import (
	"fmt"
	"net/url"
	"time"

	"github.com/matheus3301/imclient/internal/config"
)

// Config tunes the connection manager.
type Config struct {
	URL                  string
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	MaxReconnectAttempts int
	WriteTimeout         time.Duration
	DialTimeout          time.Duration
}

// ConfigFrom maps the TOML connection section onto a manager Config.
func ConfigFrom(server config.Server, c config.Connection) Config {
	return Config{
		URL:                  server.WSURL,
		HeartbeatInterval:    c.HeartbeatInterval.Duration,
		HeartbeatTimeout:     c.HeartbeatTimeout.Duration,
		BackoffBase:          c.BackoffBase.Duration,
		BackoffCap:           c.BackoffCap.Duration,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		WriteTimeout:         c.WriteTimeout.Duration,
		DialTimeout:          c.DialTimeout.Duration,
	}
}

// DefaultConfig returns the built-in connection settings for url.
func DefaultConfig(url string) Config {
	d := config.Default()
	d.Server.WSURL = url
	return ConfigFrom(d.Server, d.Connection)
}

// endpoint appends the credential to the socket URL as ?token=.
func endpoint(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse socket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
