package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"lendpool/crypto"
	"lendpool/native/pool"
	"lendpool/storage"
)

// Config is the ledger node configuration persisted as TOML.
type Config struct {
	DataDir              string      `toml:"DataDir"`
	StorageBackend       string      `toml:"StorageBackend"`
	ReserveAddress       string      `toml:"ReserveAddress"`
	EscrowAddress        string      `toml:"EscrowAddress"`
	OperatorKeystorePath string      `toml:"OperatorKeystorePath"`
	AllowMigrate         bool        `toml:"AllowMigrate"`
	Pool                 pool.Config `toml:"pool"`
}

type loadOptions struct {
	passphrase func() (string, error)
}

// LoadOption customises Load.
type LoadOption func(*loadOptions)

// WithKeystorePassphrase supplies the passphrase used when Load has to create
// the operator keystore.
func WithKeystorePassphrase(passphrase string) LoadOption {
	return func(o *loadOptions) {
		o.passphrase = func() (string, error) { return passphrase, nil }
	}
}

// WithPassphraseSource defers passphrase resolution until a keystore actually
// needs to be created.
func WithPassphraseSource(source func() (string, error)) LoadOption {
	return func(o *loadOptions) {
		o.passphrase = source
	}
}

// Load loads the configuration from the given path, creating a default file
// and operator keystore when none exists.
func Load(path string, opts ...LoadOption) (*Config, error) {
	var options loadOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, cfg, options)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if err := ensureKeystore(path, cfg, options); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration written for a fresh node.
func Default() *Config {
	return &Config{
		DataDir:        "./pool-data",
		StorageBackend: storage.BackendLevelDB,
		ReserveAddress: DeriveAccount("reserve").Hex(),
		EscrowAddress:  DeriveAccount("escrow").Hex(),
		Pool:           pool.DefaultConfig(),
	}
}

// DeriveAccount returns a deterministic custody address with no known key.
func DeriveAccount(label string) common.Address {
	return common.BytesToAddress(ethcrypto.Keccak256([]byte("lendpool/" + label))[12:])
}

func (c *Config) normalize() {
	c.DataDir = strings.TrimSpace(c.DataDir)
	c.StorageBackend = strings.ToLower(strings.TrimSpace(c.StorageBackend))
	if c.StorageBackend == "" {
		c.StorageBackend = storage.BackendLevelDB
	}
	if strings.TrimSpace(c.ReserveAddress) == "" {
		c.ReserveAddress = DeriveAccount("reserve").Hex()
	}
	if strings.TrimSpace(c.EscrowAddress) == "" {
		c.EscrowAddress = DeriveAccount("escrow").Hex()
	}
	c.Pool.EnsureDefaults()
}

// Accounts parses the reserve and escrow addresses.
func (c *Config) Accounts() (reserve, escrow common.Address, err error) {
	if reserve, err = crypto.ParseAddress(c.ReserveAddress); err != nil {
		return common.Address{}, common.Address{}, fmt.Errorf("ReserveAddress: %w", err)
	}
	if escrow, err = crypto.ParseAddress(c.EscrowAddress); err != nil {
		return common.Address{}, common.Address{}, fmt.Errorf("EscrowAddress: %w", err)
	}
	return reserve, escrow, nil
}

// StoragePath is the location of the ledger database inside DataDir.
func (c *Config) StoragePath() string {
	if c.StorageBackend == storage.BackendBolt {
		return filepath.Join(c.DataDir, "ledger.db")
	}
	return filepath.Join(c.DataDir, "ledger")
}

func ensureKeystore(configPath string, cfg *Config, options loadOptions) error {
	keystorePath := cfg.OperatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		if err := createKeystore(keystorePath, options); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.OperatorKeystorePath != keystorePath {
		cfg.OperatorKeystorePath = keystorePath
		return persist(configPath, cfg)
	}
	return nil
}

func createKeystore(path string, options loadOptions) error {
	if options.passphrase == nil {
		return errors.New("operator keystore missing and no passphrase provided")
	}
	passphrase, err := options.passphrase()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	return crypto.SaveToKeystore(path, key, passphrase)
}

// createDefault creates and saves a default configuration file.
func createDefault(path string, cfg *Config, options loadOptions) (*Config, error) {
	keystorePath := defaultKeystorePath(path)
	if err := createKeystore(keystorePath, options); err != nil {
		return nil, err
	}
	cfg.OperatorKeystorePath = keystorePath
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
	return filepath.Join(dir, "operator.keystore")
}
