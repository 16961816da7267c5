// Package config loads process configuration from the environment.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Fixed endpoints of the hub when running as a supervised add-on.
const (
	SupervisorRestURL = "http://supervisor/core/api"
	SupervisorWSURL   = "ws://supervisor/core/websocket"
)

type Config struct {
	Server ServerConfig
	Log    LogConfig
	DB     DBConfig
	Auth   AuthConfig
	Hub    HubSettings
}

type ServerConfig struct {
	Port            string
	Env             string
	ShutdownTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type DBConfig struct {
	Path string
}

type AuthConfig struct {
	JWTSecret string
}

// HubSettings holds the raw hub settings. Use Config.HubEndpoint to get the
// endpoint for the current deployment mode.
type HubSettings struct {
	URL                  string
	WSURL                string
	Token                string
	SupervisorToken      string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	KeepaliveInterval    time.Duration
	HandshakeTimeout     time.Duration
}

// HubEndpoint is the resolved upstream hub location and credential.
type HubEndpoint struct {
	RestURL    string
	WSURL      string
	Token      string
	Supervised bool
}

// Load reads configuration from environment variables, applying defaults.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("PORT", "3000")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("SHUTDOWN_TIMEOUT", 10*time.Second)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("DB_PATH", "data/casa.db")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("SUPERVISOR_TOKEN", "")
	v.SetDefault("HOMEASSISTANT_URL", SupervisorRestURL)
	v.SetDefault("HOMEASSISTANT_WS_URL", SupervisorWSURL)
	v.SetDefault("HOMEASSISTANT_TOKEN", "")
	v.SetDefault("HUB_MAX_RECONNECT_ATTEMPTS", 5)
	v.SetDefault("HUB_RECONNECT_DELAY", time.Second)
	v.SetDefault("HUB_KEEPALIVE_INTERVAL", 30*time.Second)
	v.SetDefault("HUB_HANDSHAKE_TIMEOUT", 10*time.Second)
	v.AutomaticEnv()

	return &Config{
		Server: ServerConfig{
			Port:            v.GetString("PORT"),
			Env:             v.GetString("APP_ENV"),
			ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
		DB: DBConfig{
			Path: v.GetString("DB_PATH"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("JWT_SECRET"),
		},
		Hub: HubSettings{
			URL:                  v.GetString("HOMEASSISTANT_URL"),
			WSURL:                v.GetString("HOMEASSISTANT_WS_URL"),
			Token:                v.GetString("HOMEASSISTANT_TOKEN"),
			SupervisorToken:      v.GetString("SUPERVISOR_TOKEN"),
			MaxReconnectAttempts: v.GetInt("HUB_MAX_RECONNECT_ATTEMPTS"),
			ReconnectDelay:       v.GetDuration("HUB_RECONNECT_DELAY"),
			KeepaliveInterval:    v.GetDuration("HUB_KEEPALIVE_INTERVAL"),
			HandshakeTimeout:     v.GetDuration("HUB_HANDSHAKE_TIMEOUT"),
		},
	}, nil
}

// IsProduction reports whether APP_ENV is "production".
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// HubEndpoint resolves the hub endpoint for the deployment mode. In production
// with a supervisor token the platform-issued token and fixed internal URLs are
// used; otherwise the externally configured URLs and token apply.
func (c *Config) HubEndpoint() HubEndpoint {
	if c.IsProduction() && c.Hub.SupervisorToken != "" {
		return HubEndpoint{
			RestURL:    SupervisorRestURL,
			WSURL:      SupervisorWSURL,
			Token:      c.Hub.SupervisorToken,
			Supervised: true,
		}
	}

	return HubEndpoint{
		RestURL: c.Hub.URL,
		WSURL:   c.Hub.WSURL,
		Token:   c.Hub.Token,
	}
}
