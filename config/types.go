package config

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"nhbchain/native/escrow"
)

// FeeConfig is the TOML form of escrow.FeePolicy. Amounts are decimal strings
// in base units so values above 2^64 survive the round trip.
type FeeConfig struct {
	CreateFee         string `toml:"CreateFee"`
	SkimBps           uint32 `toml:"SkimBps"`
	Reserve           string `toml:"Reserve"`
	MaxUnknownRecords uint32 `toml:"MaxUnknownRecords"`
	MinStrayDeposit   string `toml:"MinStrayDeposit"`
}

// RateLimit throttles message submission on the query API.
type RateLimit struct {
	RequestsPerSecond float64 `toml:"RequestsPerSecond"`
	Burst             int     `toml:"Burst"`
}

func (f *FeeConfig) applyDefaults() {
	defaults := escrow.DefaultFeePolicy()
	if strings.TrimSpace(f.CreateFee) == "" {
		f.CreateFee = defaults.CreateFee.Dec()
	}
	if strings.TrimSpace(f.Reserve) == "" {
		f.Reserve = defaults.Reserve.Dec()
	}
	if strings.TrimSpace(f.MinStrayDeposit) == "" {
		f.MinStrayDeposit = defaults.MinStrayDeposit.Dec()
	}
	if f.MaxUnknownRecords == 0 {
		f.MaxUnknownRecords = defaults.MaxUnknownRecords
	}
}

func (r *RateLimit) applyDefaults() {
	if r.RequestsPerSecond <= 0 {
		r.RequestsPerSecond = 20
	}
	if r.Burst <= 0 {
		r.Burst = 40
	}
}

// Policy parses the fee configuration into an escrow.FeePolicy.
func (f FeeConfig) Policy() (escrow.FeePolicy, error) {
	policy := escrow.FeePolicy{SkimBps: f.SkimBps, MaxUnknownRecords: f.MaxUnknownRecords}
	var err error
	if policy.CreateFee, err = parseAmount("fees.CreateFee", f.CreateFee); err != nil {
		return policy, err
	}
	if policy.Reserve, err = parseAmount("fees.Reserve", f.Reserve); err != nil {
		return policy, err
	}
	if policy.MinStrayDeposit, err = parseAmount("fees.MinStrayDeposit", f.MinStrayDeposit); err != nil {
		return policy, err
	}
	if err := policy.Validate(); err != nil {
		return policy, err
	}
	return policy, nil
}

func parseAmount(field, value string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uint256.NewInt(0), nil
	}
	amount, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	if amount.Cmp(escrow.MaxAmount()) > 0 {
		return nil, fmt.Errorf("invalid %s: exceeds 128 bits", field)
	}
	return amount, nil
}

// LogConfig routes structured logs to a rotating file instead of stdout.
type LogConfig struct {
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
	Compress   bool   `toml:"Compress"`
}

// AuthConfig enables bearer-token checks on message submission when
// HMACSecret is set.
type AuthConfig struct {
	HMACSecret string `toml:"HMACSecret"`
	Issuer     string `toml:"Issuer"`
	Audience   string `toml:"Audience"`
}

// TelemetryConfig controls the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`
}

// JournalConfig enables the SQL receipt archive when DSN is set.
type JournalConfig struct {
	Driver string `toml:"Driver"`
	DSN    string `toml:"DSN"`
}

// EventsConfig sizes the per-subscriber buffer of the websocket event stream.
type EventsConfig struct {
	Buffer int `toml:"Buffer"`
}

func (j *JournalConfig) applyDefaults() {
	if strings.TrimSpace(j.Driver) == "" {
		j.Driver = "sqlite"
	}
}

func (e *EventsConfig) applyDefaults() {
	if e.Buffer <= 0 {
		e.Buffer = 64
	}
}
