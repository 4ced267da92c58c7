package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"nhbchain/crypto"

	"github.com/BurntSushi/toml"
)

const (
	defaultListenAddress  = "127.0.0.1:8080"
	defaultDataDir        = "./escrow-data"
	defaultNetworkName    = "p2pescrow-local"
	defaultLogLevel       = "info"
	defaultStorageBackend = "leveldb"
)

type Config struct {
	ListenAddress         string          `toml:"ListenAddress"`
	DataDir               string          `toml:"DataDir"`
	NetworkName           string          `toml:"NetworkName"`
	Environment           string          `toml:"Environment"`
	LogLevel              string          `toml:"LogLevel"`
	Moderator             string          `toml:"Moderator"`
	ModeratorKeystorePath string          `toml:"ModeratorKeystorePath"`
	StorageBackend        string          `toml:"StorageBackend"`
	Fees                  FeeConfig       `toml:"fees"`
	RateLimit             RateLimit       `toml:"rate_limit"`
	Log                   LogConfig       `toml:"log"`
	Auth                  AuthConfig      `toml:"auth"`
	Telemetry             TelemetryConfig `toml:"telemetry"`
	Journal               JournalConfig   `toml:"journal"`
	Events                EventsConfig    `toml:"events"`
}

// PassphraseSource resolves the moderator keystore passphrase.
type PassphraseSource func() (string, error)

type loadOptions struct {
	passphrase PassphraseSource
}

// Option customises Load.
type Option func(*loadOptions)

// WithKeystorePassphraseSource sets the passphrase used to create or decrypt
// the moderator keystore. Without it the keystore uses an empty passphrase.
func WithKeystorePassphraseSource(source PassphraseSource) Option {
	return func(o *loadOptions) { o.passphrase = source }
}

// Load loads the configuration from the given path, writing a default file
// and a fresh moderator keystore when none exists yet.
func Load(path string, opts ...Option) (*Config, error) {
	options := loadOptions{passphrase: func() (string, error) { return "", nil }}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.passphrase == nil {
		options.passphrase = func() (string, error) { return "", nil }
	}

	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, options.passphrase)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0].String())
	}

	if strings.TrimSpace(cfg.Moderator) == "" {
		if err := ensureKeystore(path, cfg, options.passphrase); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = defaultDataDir
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = defaultNetworkName
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if strings.TrimSpace(cfg.StorageBackend) == "" {
		cfg.StorageBackend = defaultStorageBackend
	}
	cfg.Fees.applyDefaults()
	cfg.RateLimit.applyDefaults()
	cfg.Journal.applyDefaults()
	cfg.Events.applyDefaults()
}

// ensureKeystore derives the moderator from the configured keystore,
// generating one when the file does not exist.
func ensureKeystore(configPath string, cfg *Config, source PassphraseSource) error {
	keystorePath := cfg.ModeratorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}
	passphrase, err := source()
	if err != nil {
		return fmt.Errorf("moderator keystore passphrase: %w", err)
	}

	var key *crypto.PrivateKey
	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, err = crypto.GeneratePrivateKey()
		if err != nil {
			return err
		}
		if err := crypto.SaveToKeystore(keystorePath, key, passphrase); err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else {
		key, err = crypto.LoadFromKeystore(keystorePath, passphrase)
		if err != nil {
			return fmt.Errorf("load moderator keystore: %w", err)
		}
	}

	cfg.ModeratorKeystorePath = keystorePath
	cfg.Moderator = key.PubKey().Address().String()
	return persist(configPath, cfg)
}

// createDefault creates and saves a default configuration file.
func createDefault(path string, source PassphraseSource) (*Config, error) {
	passphrase, err := source()
	if err != nil {
		return nil, fmt.Errorf("moderator keystore passphrase: %w", err)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, passphrase); err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress:         defaultListenAddress,
		DataDir:               defaultDataDir,
		NetworkName:           defaultNetworkName,
		LogLevel:              defaultLogLevel,
		Moderator:             key.PubKey().Address().String(),
		ModeratorKeystorePath: keystorePath,
	}
	cfg.applyDefaults()

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "moderator.keystore")
}
