package channel

import "time"

type Config struct {
	Endpoint          string
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxReconnects     int
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 25 * time.Second,
		BackoffBase:       1 * time.Second,
		BackoffMax:        30 * time.Second,
		MaxReconnects:     8,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = def.MaxReconnects
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return cfg
}

// backoffDelay computes min(base << attempt, max).
func backoffDelay(cfg Config, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Shifting past 30 would overflow any sane base long before the cap matters.
	if attempt > 30 {
		return cfg.BackoffMax
	}
	delay := cfg.BackoffBase << uint(attempt)
	if delay <= 0 || delay > cfg.BackoffMax {
		return cfg.BackoffMax
	}
	return delay
}
