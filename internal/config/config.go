package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Log         LogConfig                 `json:"log"`
	Chat        ChatConfig                `json:"chat"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	// FeedDriver selects the change-feed backend: "redis" or "memory".
	FeedDriver string `json:"feed_driver"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

// ChatConfig tunes the chat room engine cadences. Zero values fall back to
// the defaults in the chat package.
type ChatConfig struct {
	GatePollSeconds        int `json:"gate_poll_seconds"`
	HeartbeatSeconds       int `json:"heartbeat_seconds"`
	ListRefreshSeconds     int `json:"list_refresh_seconds"`
	MessageReloadSeconds   int `json:"message_reload_seconds"`
	PresenceDebounceMillis int `json:"presence_debounce_millis"`
	HistoryLimit           int `json:"history_limit"`
}

// GatePoll returns the session gate polling interval.
func (c ChatConfig) GatePoll() time.Duration {
	return time.Duration(c.GatePollSeconds) * time.Second
}

// Heartbeat returns the forced presence heartbeat interval.
func (c ChatConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// ListRefresh returns the online-list refresh interval.
func (c ChatConfig) ListRefresh() time.Duration {
	return time.Duration(c.ListRefreshSeconds) * time.Second
}

// MessageReload returns the fallback message reload interval.
func (c ChatConfig) MessageReload() time.Duration {
	return time.Duration(c.MessageReloadSeconds) * time.Second
}

// PresenceDebounce returns the debounce applied to presence change events.
func (c ChatConfig) PresenceDebounce() time.Duration {
	return time.Duration(c.PresenceDebounceMillis) * time.Millisecond
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}

	for name, db := range cfg.Databases {
		if db.DSN != "" && db.DSN != ":memory:" && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	return &cfg, nil
}
