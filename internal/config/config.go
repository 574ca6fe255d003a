// Package config loads the engine configuration: file defaults merged from
// yaml, then environment overrides, then clamping to safe values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"aim-chat/go-sync/internal/channel"
)

// Duration wraps time.Duration so yaml accepts strings like "25s" as well as
// plain numbers, which are read as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

type Config struct {
	Server ServerConfig
	Chan   channel.Config
	Send   SendConfig
	Events EventsConfig
}

type ServerConfig struct {
	// BaseURL is the REST collaborator root, e.g. https://chat.example.com.
	BaseURL string `yaml:"baseUrl"`
	// SocketURL is the channel endpoint; derived from BaseURL when empty.
	SocketURL string `yaml:"socketUrl"`
}

type SendConfig struct {
	RatePerSecond float64
	Burst         int
	IdleTTL       time.Duration
}

type EventsConfig struct {
	HistoryLimit int `yaml:"historyLimit"`
}

// fileConfig is the yaml-facing shape; durations decode through Duration and
// are converted to the runtime Config before merging.
type fileConfig struct {
	Server ServerConfig      `yaml:"server"`
	Chan   fileChannelConfig `yaml:"channel"`
	Send   fileSendConfig    `yaml:"send"`
	Events EventsConfig      `yaml:"events"`
}

type fileChannelConfig struct {
	Endpoint          string   `yaml:"endpoint"`
	HeartbeatInterval Duration `yaml:"heartbeatInterval"`
	BackoffBase       Duration `yaml:"backoffBase"`
	BackoffMax        Duration `yaml:"backoffMax"`
	MaxReconnects     int      `yaml:"maxReconnects"`
	HandshakeTimeout  Duration `yaml:"handshakeTimeout"`
	WriteTimeout      Duration `yaml:"writeTimeout"`
}

type fileSendConfig struct {
	RatePerSecond float64  `yaml:"ratePerSecond"`
	Burst         int      `yaml:"burst"`
	IdleTTL       Duration `yaml:"idleTtl"`
}

func (f fileConfig) toConfig() Config {
	return Config{
		Server: f.Server,
		Chan: channel.Config{
			Endpoint:          f.Chan.Endpoint,
			HeartbeatInterval: f.Chan.HeartbeatInterval.Duration(),
			BackoffBase:       f.Chan.BackoffBase.Duration(),
			BackoffMax:        f.Chan.BackoffMax.Duration(),
			MaxReconnects:     f.Chan.MaxReconnects,
			HandshakeTimeout:  f.Chan.HandshakeTimeout.Duration(),
			WriteTimeout:      f.Chan.WriteTimeout.Duration(),
		},
		Send: SendConfig{
			RatePerSecond: f.Send.RatePerSecond,
			Burst:         f.Send.Burst,
			IdleTTL:       f.Send.IdleTTL.Duration(),
		},
		Events: f.Events,
	}
}

func DefaultConfig() Config {
	return Config{
		Chan: channel.DefaultConfig(),
		Send: SendConfig{
			RatePerSecond: 5,
			Burst:         10,
			IdleTTL:       10 * time.Minute,
		},
		Events: EventsConfig{HistoryLimit: 256},
	}
}

// Load reads the yaml config at path (or the default candidates when path is
// empty), applies env overrides, and normalizes.
func Load(path string) Config {
	cfg := DefaultConfig()

	candidates := make([]string, 0, 2)
	if path != "" {
		candidates = append(candidates, path)
	} else {
		candidates = append(candidates,
			"configs/config.yaml",
			"config.yaml",
		)
	}

	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merged := cfg
		Merge(&merged, parsed.toConfig())
		ApplyEnvOverrides(&merged)
		return normalize(merged)
	}

	ApplyEnvOverrides(&cfg)
	return normalize(cfg)
}

func Merge(dst *Config, src Config) {
	if src.Server.BaseURL != "" {
		dst.Server.BaseURL = src.Server.BaseURL
	}
	if src.Server.SocketURL != "" {
		dst.Server.SocketURL = src.Server.SocketURL
	}
	if src.Chan.Endpoint != "" {
		dst.Chan.Endpoint = src.Chan.Endpoint
	}
	if src.Chan.HeartbeatInterval != 0 {
		dst.Chan.HeartbeatInterval = src.Chan.HeartbeatInterval
	}
	if src.Chan.BackoffBase != 0 {
		dst.Chan.BackoffBase = src.Chan.BackoffBase
	}
	if src.Chan.BackoffMax != 0 {
		dst.Chan.BackoffMax = src.Chan.BackoffMax
	}
	if src.Chan.MaxReconnects != 0 {
		dst.Chan.MaxReconnects = src.Chan.MaxReconnects
	}
	if src.Chan.HandshakeTimeout != 0 {
		dst.Chan.HandshakeTimeout = src.Chan.HandshakeTimeout
	}
	if src.Chan.WriteTimeout != 0 {
		dst.Chan.WriteTimeout = src.Chan.WriteTimeout
	}
	if src.Send.RatePerSecond != 0 {
		dst.Send.RatePerSecond = src.Send.RatePerSecond
	}
	if src.Send.Burst != 0 {
		dst.Send.Burst = src.Send.Burst
	}
	if src.Send.IdleTTL != 0 {
		dst.Send.IdleTTL = src.Send.IdleTTL
	}
	if src.Events.HistoryLimit != 0 {
		dst.Events.HistoryLimit = src.Events.HistoryLimit
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("CHAT_SYNC_BASE_URL")); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("CHAT_SYNC_SOCKET_URL")); v != "" {
		cfg.Server.SocketURL = v
	}
	if v := strings.TrimSpace(os.Getenv("CHAT_SYNC_HEARTBEAT_INTERVAL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Chan.HeartbeatInterval = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("CHAT_SYNC_MAX_RECONNECTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Chan.MaxReconnects = n
		}
	}
}

func normalize(cfg Config) Config {
	if cfg.Server.SocketURL == "" {
		cfg.Server.SocketURL = deriveSocketURL(cfg.Server.BaseURL)
	}
	if cfg.Chan.Endpoint == "" {
		cfg.Chan.Endpoint = cfg.Server.SocketURL
	}
	if cfg.Send.RatePerSecond < 0 {
		cfg.Send.RatePerSecond = 0
	}
	if cfg.Events.HistoryLimit < 1 {
		cfg.Events.HistoryLimit = 1
	}
	return cfg
}

// deriveSocketURL maps the REST base to the websocket endpoint: scheme
// https→wss, http→ws, path /ws.
func deriveSocketURL(baseURL string) string {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/ws"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/ws"
	default:
		return baseURL + "/ws"
	}
}
