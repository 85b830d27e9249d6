package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/codeblocks/internal/realtime"
	"github.com/MarcoPoloResearchLab/codeblocks/internal/session"
	"github.com/spf13/viper"
)

const (
	envPrefix              = "CODEBLOCKS"
	defaultHTTPHost        = "0.0.0.0"
	defaultHTTPPort        = 3000
	defaultAllowedOrigin   = "https://online-coding-app-client-pw9l.onrender.com"
	defaultDatabasePath    = "codeblocks.db"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultBroadcastScope  = string(session.BroadcastScopeGlobal)
	defaultEventsPerSecond = 0.0
	defaultEventBurst      = 0
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPHost               string
	HTTPPort               int
	AllowedOrigin          string
	DatabasePath           string
	LogLevel               string
	LogFormat              string
	BroadcastScope         session.BroadcastScope
	EventsPerSecond        float64
	EventBurst             int
	ReleaseAllOnDisconnect bool
}

// HTTPAddress joins host and port into a listen address.
func (c AppConfig) HTTPAddress() string {
	return net.JoinHostPort(c.HTTPHost, strconv.Itoa(c.HTTPPort))
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
// The bare PORT variable is honored for the listen port alongside CODEBLOCKS_HTTP_PORT.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()
	_ = configViper.BindEnv("http.port", envPrefix+"_HTTP_PORT", "PORT")

	configViper.SetDefault("http.host", defaultHTTPHost)
	configViper.SetDefault("http.port", defaultHTTPPort)
	configViper.SetDefault("cors.allowed_origin", defaultAllowedOrigin)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("realtime.broadcast_scope", defaultBroadcastScope)
	configViper.SetDefault("realtime.events_per_second", defaultEventsPerSecond)
	configViper.SetDefault("realtime.event_burst", defaultEventBurst)
	configViper.SetDefault("session.release_all_on_disconnect", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	scope, err := session.ParseBroadcastScope(configViper.GetString("realtime.broadcast_scope"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("realtime.broadcast_scope: %w", err)
	}

	cfg := AppConfig{
		HTTPHost:               configViper.GetString("http.host"),
		HTTPPort:               configViper.GetInt("http.port"),
		AllowedOrigin:          configViper.GetString("cors.allowed_origin"),
		DatabasePath:           configViper.GetString("database.path"),
		LogLevel:               configViper.GetString("log.level"),
		LogFormat:              configViper.GetString("log.format"),
		BroadcastScope:         scope,
		EventsPerSecond:        configViper.GetFloat64("realtime.events_per_second"),
		EventBurst:             configViper.GetInt("realtime.event_burst"),
		ReleaseAllOnDisconnect: configViper.GetBool("session.release_all_on_disconnect"),
	}

	origin, ok := realtime.NormalizeOrigin(cfg.AllowedOrigin)
	if !ok {
		return AppConfig{}, fmt.Errorf("cors.allowed_origin must be scheme://host, got %q", cfg.AllowedOrigin)
	}
	cfg.AllowedOrigin = origin

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.EventsPerSecond < 0 {
		return fmt.Errorf("realtime.events_per_second must not be negative")
	}
	if c.EventBurst < 0 {
		return fmt.Errorf("realtime.event_burst must not be negative")
	}
	return nil
}
