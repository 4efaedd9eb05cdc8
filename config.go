package walletcore

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/tranvictor/walletcore/internal/balance"
	"github.com/tranvictor/walletcore/internal/txstore"
	"github.com/tranvictor/walletcore/token"
)

// Config is the file configuration of a wallet session
type Config struct {
	Network      NetworkConfig     `yaml:"network"`
	Account      string            `yaml:"account"`
	Keys         []string          `yaml:"keys"`
	Store        StoreConfig       `yaml:"store"`
	Balances     balance.Config    `yaml:"balances"`
	Transactions TransactionConfig `yaml:"transactions"`
	Tokens       TokensConfig      `yaml:"tokens"`
	Metrics      MetricsConfig     `yaml:"metrics"`
}

// NetworkConfig points at the node
type NetworkConfig struct {
	// Name is a jarvis network name such as mainnet or bsc
	Name          string        `yaml:"name"`
	RPCURL        string        `yaml:"rpc_url"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// TransactionConfig tunes submissions and replacements
type TransactionConfig struct {
	// GasPriceFloorGwei is the minimum gas price of a cancel, in gwei
	GasPriceFloorGwei  float64       `yaml:"gas_price_floor_gwei"`
	CancelGasLimit     uint64        `yaml:"cancel_gas_limit"`
	ReplacementTimeout time.Duration `yaml:"replacement_timeout"`

	// IdempotencyTTL is how long an idempotency key is remembered
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// TokenConfig is one registry entry
type TokenConfig struct {
	Address  string `yaml:"address"`
	Symbol   string `yaml:"symbol"`
	Name     string `yaml:"name"`
	Decimals uint8  `yaml:"decimals"`
}

// TokensConfig seeds the token registry
type TokensConfig struct {
	Supported []TokenConfig `yaml:"supported"`
	Other     []TokenConfig `yaml:"other"`
}

// MetricsConfig controls the prometheus endpoint of long-running commands
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns a config with every tunable set to its default
func DefaultConfig() Config {
	return Config{
		Network: NetworkConfig{
			Name:          "mainnet",
			CallTimeout:   10 * time.Second,
			ProbeTimeout:  3 * time.Second,
			ProbeInterval: 5 * time.Second,
		},
		Store: StoreConfig{
			Backend: StoreBackendLevelDB,
			Limit:   txstore.DefaultLimit,
		},
		Balances: balance.DefaultConfig(),
		Transactions: TransactionConfig{
			GasPriceFloorGwei:  1,
			CancelGasLimit:     DefaultCancelGasLimit,
			ReplacementTimeout: DefaultReplacementTimeout,
			IdempotencyTTL:     24 * time.Hour,
		},
	}
}

// LoadConfig reads a YAML config file on top of the defaults
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("couldn't read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("couldn't parse config %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return config, nil
}

// Validate checks the values a session cannot run without
func (c Config) Validate() error {
	if c.Network.Name == "" {
		return fmt.Errorf("network.name is required")
	}
	if c.Network.RPCURL == "" {
		return fmt.Errorf("network.rpc_url is required")
	}
	if c.Account != "" && !common.IsHexAddress(c.Account) {
		return fmt.Errorf("account %q is not an address", c.Account)
	}
	switch c.Store.Backend {
	case StoreBackendLevelDB, StoreBackendBolt, StoreBackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend != StoreBackendMemory && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for the %s backend", c.Store.Backend)
	}
	for _, t := range append(append([]TokenConfig{}, c.Tokens.Supported...), c.Tokens.Other...) {
		if !common.IsHexAddress(t.Address) {
			return fmt.Errorf("token %q has an invalid address %q", t.Symbol, t.Address)
		}
	}
	return nil
}

// Defaults converts the transaction section to coordinator defaults
func (c Config) Defaults() Defaults {
	defaults := DefaultDefaults()
	if c.Transactions.GasPriceFloorGwei > 0 {
		defaults.GasPriceFloor = gweiToWei(c.Transactions.GasPriceFloorGwei)
	}
	if c.Transactions.CancelGasLimit > 0 {
		defaults.CancelGasLimit = c.Transactions.CancelGasLimit
	}
	if c.Transactions.ReplacementTimeout > 0 {
		defaults.ReplacementTimeout = c.Transactions.ReplacementTimeout
	}
	if c.Store.Limit > 0 {
		defaults.StoreLimit = c.Store.Limit
	}
	return defaults
}

// Registry builds the static token registry from the tokens section
func (c Config) Registry() *token.StaticRegistry {
	convert := func(list []TokenConfig) []token.Info {
		out := make([]token.Info, 0, len(list))
		for _, t := range list {
			out = append(out, token.Info{
				ID:       token.NewID(t.Address),
				Symbol:   t.Symbol,
				Name:     t.Name,
				Decimals: t.Decimals,
			})
		}
		return out
	}
	return token.NewStaticRegistry(convert(c.Tokens.Supported), convert(c.Tokens.Other))
}

// AccountAddress returns the configured account
func (c Config) AccountAddress() common.Address {
	return common.HexToAddress(c.Account)
}

func gweiToWei(gwei float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(1e9)).Int(nil)
	return wei
}
