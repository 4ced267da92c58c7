package config

import (
	"fmt"
	"log/slog"
	"strings"

	"nhbchain/core/types"
	"nhbchain/storage"
)

// Validate checks the moderator address, fee bounds and rate limits.
func (cfg *Config) Validate() error {
	if _, err := cfg.ModeratorAddress(); err != nil {
		return err
	}
	if _, err := cfg.Fees.Policy(); err != nil {
		return err
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 || cfg.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit: RequestsPerSecond and Burst must be positive")
	}
	if _, err := cfg.Level(); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.StorageBackend)) {
	case storage.BackendLevelDB, storage.BackendBolt, storage.BackendMemory:
	default:
		return fmt.Errorf("invalid StorageBackend %q", cfg.StorageBackend)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Journal.Driver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("journal: unsupported Driver %q", cfg.Journal.Driver)
	}
	if cfg.Log.MaxSizeMB < 0 || cfg.Log.MaxBackups < 0 || cfg.Log.MaxAgeDays < 0 {
		return fmt.Errorf("log: rotation limits must not be negative")
	}
	return nil
}

// ModeratorAddress parses the configured moderator.
func (cfg *Config) ModeratorAddress() (types.Address, error) {
	addr, err := types.ParseAddress(cfg.Moderator)
	if err != nil {
		return types.Address{}, fmt.Errorf("invalid Moderator: %w", err)
	}
	if addr.IsZero() {
		return types.Address{}, fmt.Errorf("invalid Moderator: zero address")
	}
	return addr, nil
}

// Level maps LogLevel to a slog level.
func (cfg *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LogLevel %q", cfg.LogLevel)
	}
	return level, nil
}
