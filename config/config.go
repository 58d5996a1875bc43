package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Payment media the marketplace can settle in.
const (
	PaymentModeNative = "native"
	PaymentModeToken  = "token"
)

type Config struct {
	RPCAddress     string `toml:"RPCAddress"`
	MetricsAddress string `toml:"MetricsAddress"`
	DataDir        string `toml:"DataDir"`
	Environment    string `toml:"Environment"`

	// OwnerAddress is authorised for fee configuration and withdrawal.
	// VaultAddress holds escrowed offers and accumulated fees.
	OwnerAddress string `toml:"OwnerAddress"`
	VaultAddress string `toml:"VaultAddress"`

	PaymentMode string `toml:"PaymentMode"`

	FeePercentage   uint64 `toml:"FeePercentage"`
	FloorPercentage uint64 `toml:"FloorPercentage"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.MetricsAddress) == "" {
		cfg.MetricsAddress = ":9090"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./fusy-data"
	}
	if strings.TrimSpace(cfg.PaymentMode) == "" {
		cfg.PaymentMode = PaymentModeNative
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.PaymentMode {
	case PaymentModeNative, PaymentModeToken:
	default:
		return fmt.Errorf("config: PaymentMode must be %q or %q, got %q", PaymentModeNative, PaymentModeToken, c.PaymentMode)
	}
	if c.FeePercentage > 100 {
		return fmt.Errorf("config: FeePercentage must be <= 100")
	}
	if c.FloorPercentage > 100 {
		return fmt.Errorf("config: FloorPercentage must be <= 100")
	}
	if _, err := c.Owner(); err != nil {
		return err
	}
	if _, err := c.Vault(); err != nil {
		return err
	}
	return nil
}

// Owner decodes the configured owner address.
func (c *Config) Owner() ([20]byte, error) {
	return parseAddress("OwnerAddress", c.OwnerAddress)
}

// Vault decodes the configured vault address.
func (c *Config) Vault() ([20]byte, error) {
	return parseAddress("VaultAddress", c.VaultAddress)
}

func parseAddress(field, raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if len(trimmed) != 40 {
		return addr, fmt.Errorf("config: %s must be 20 hex-encoded bytes", field)
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("config: invalid %s: %w", field, err)
	}
	copy(addr[:], decoded)
	return addr, nil
}

// createDefault creates and saves a default configuration file. The owner
// and vault addresses stay zeroed; operators must fill them in before the
// daemon starts handling funds.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:      ":8080",
		MetricsAddress:  ":9090",
		DataDir:         "./fusy-data",
		Environment:     "local",
		OwnerAddress:    "0x" + strings.Repeat("0", 40),
		VaultAddress:    "0x" + strings.Repeat("0", 40),
		PaymentMode:     PaymentModeNative,
		FeePercentage:   2,
		FloorPercentage: 20,
	}
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
