package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"nhbchain/crypto"
	"nhbchain/native/escrow"
)

func TestLoadCreatesDefaultWithModeratorKeystore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8080", cfg.ListenAddress, "default listener must stay on loopback")
	require.Equal(t, filepath.Join(dir, "moderator.keystore"), cfg.ModeratorKeystorePath)

	key, err := crypto.LoadFromKeystore(cfg.ModeratorKeystorePath, "")
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Address().String(), cfg.Moderator)

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Moderator, reloaded.Moderator)

	policy, err := reloaded.Fees.Policy()
	require.NoError(t, err)
	defaults := escrow.DefaultFeePolicy()
	require.True(t, policy.CreateFee.Eq(defaults.CreateFee))
	require.True(t, policy.Reserve.Eq(defaults.Reserve))
	require.Equal(t, defaults.MaxUnknownRecords, policy.MaxUnknownRecords)
	require.EqualValues(t, 100_000_000, policy.MinStrayDeposit.Uint64())
}

func TestLoadParsesFeesAndLimits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `ListenAddress = "127.0.0.1:9000"
DataDir = "./data"
LogLevel = "debug"
Moderator = "0x1111111111111111111111111111111111111111"

[fees]
CreateFee = "4000000"
SkimBps = 250
Reserve = "340282366920938463463374607431768211455"
MaxUnknownRecords = 3
MinStrayDeposit = "1000"

[rate_limit]
RequestsPerSecond = 5
Burst = 10

[log]
File = "./logs/escrowd.log"
MaxSizeMB = 50

[auth]
HMACSecret = "relay-secret"
Issuer = "escrow-host"

[telemetry]
Endpoint = "otel:4318"
Traces = true
Headers = "api-key=abc"

[journal]
DSN = "./receipts.db"

[events]
Buffer = 16
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddress)
	require.Equal(t, defaultNetworkName, cfg.NetworkName)
	require.Equal(t, 10, cfg.RateLimit.Burst)
	require.Equal(t, "leveldb", cfg.StorageBackend)
	require.Equal(t, "./logs/escrowd.log", cfg.Log.File)
	require.Equal(t, "relay-secret", cfg.Auth.HMACSecret)
	require.True(t, cfg.Telemetry.Traces)
	require.Equal(t, "sqlite", cfg.Journal.Driver)
	require.Equal(t, 16, cfg.Events.Buffer)

	moderator, err := cfg.ModeratorAddress()
	require.NoError(t, err)
	require.Equal(t, byte(0x11), moderator[0])

	policy, err := cfg.Fees.Policy()
	require.NoError(t, err)
	require.EqualValues(t, 250, policy.SkimBps)
	require.EqualValues(t, 3, policy.MaxUnknownRecords)
	require.EqualValues(t, 4_000_000, policy.CreateFee.Uint64())
	require.True(t, policy.Reserve.Eq(escrow.MaxAmount()))
	require.EqualValues(t, 1000, policy.MinStrayDeposit.Uint64())

	_, err = os.Stat(filepath.Join(dir, "moderator.keystore"))
	require.True(t, os.IsNotExist(err), "explicit moderator must not generate a keystore")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"bad moderator": `Moderator = "nhb1notours"`,
		"skim too high": "Moderator = \"0x1111111111111111111111111111111111111111\"\n[fees]\nSkimBps = 10001\n",
		"fee overflow":  "Moderator = \"0x1111111111111111111111111111111111111111\"\n[fees]\nReserve = \"340282366920938463463374607431768211456\"\n",
		"unknown field": "Moderator = \"0x1111111111111111111111111111111111111111\"\nValidatorKey = \"x\"\n",
		"bad log level": "Moderator = \"0x1111111111111111111111111111111111111111\"\nLogLevel = \"loud\"\n",
		"bad backend":   "Moderator = \"0x1111111111111111111111111111111111111111\"\nStorageBackend = \"rocksdb\"\n",
		"bad journal":   "Moderator = \"0x1111111111111111111111111111111111111111\"\n[journal]\nDriver = \"mysql\"\n",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestLoadDerivesModeratorFromExistingKeystore(t *testing.T) {
	dir := t.TempDir()
	keystorePath := filepath.Join(dir, "mod.keystore")
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	require.NoError(t, crypto.SaveToKeystore(keystorePath, key, ""))

	path := filepath.Join(dir, "config.toml")
	contents := "ModeratorKeystorePath = \"" + filepath.ToSlash(keystorePath) + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Address().String(), cfg.Moderator)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(raw), cfg.Moderator), "derived moderator should be persisted")
}

func TestLoadUsesPassphraseSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	source := WithKeystorePassphraseSource(func() (string, error) { return "s3cret", nil })

	cfg, err := Load(path, source)
	require.NoError(t, err)

	_, err = crypto.LoadFromKeystore(cfg.ModeratorKeystorePath, "")
	require.Error(t, err)
	key, err := crypto.LoadFromKeystore(cfg.ModeratorKeystorePath, "s3cret")
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Address().String(), cfg.Moderator)
}
