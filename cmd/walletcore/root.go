package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tranvictor/walletcore"
	"github.com/tranvictor/walletcore/chain"
	"github.com/tranvictor/walletcore/txrecord"
)

var (
	configPath string
	accountHex string
)

var rootCmd = &cobra.Command{
	Use:   "walletcore",
	Short: "EVM wallet transaction lifecycle and balance tool",
	Long: "Command line interface for submitting, replacing and reconciling wallet " +
		"transactions and for watching token balances.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "walletcore.yaml", "path to the YAML config")
	rootCmd.PersistentFlags().StringVar(&accountHex, "account", "", "account to act as (defaults to the config or the first key)")
}

// env holds what a command needs and how to tear it down
type env struct {
	config   walletcore.Config
	session  *walletcore.Session
	client   *chain.EthClient
	registry *prometheus.Registry
}

func (e *env) Close() {
	if e.session != nil {
		_ = e.session.Close()
	}
	if e.client != nil {
		e.client.Close()
	}
}

// openEnv loads the config and opens a session for the selected account.
func openEnv(ctx context.Context) (*env, error) {
	config, err := walletcore.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	keys := config.Keys
	if fromEnv := os.Getenv("WALLETCORE_KEYS"); fromEnv != "" {
		keys = append(keys, strings.Split(fromEnv, ",")...)
	}
	signer, err := chain.NewPrivateKeySigner(keys...)
	if err != nil {
		return nil, err
	}

	account, err := selectAccount(config, signer.Accounts())
	if err != nil {
		return nil, err
	}

	network, err := chain.LookupNetwork(config.Network.Name)
	if err != nil {
		return nil, err
	}
	client, err := chain.DialEthClient(ctx, network, config.Network.RPCURL, signer,
		chain.WithCallTimeout(config.Network.CallTimeout))
	if err != nil {
		return nil, err
	}

	probe, err := chain.NewTCPProbe(config.Network.RPCURL, config.Network.ProbeTimeout,
		config.Network.ProbeInterval, clock.NewDefaultClock())
	if err != nil {
		client.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	session, err := walletcore.NewSession(ctx, account, walletcore.Deps{
		Client:       client,
		Reachability: probe,
		Registry:     config.Registry(),
	},
		walletcore.WithStoreConfig(config.Store),
		walletcore.WithBalanceConfig(config.Balances),
		walletcore.WithSessionDefaults(config.Defaults()),
		walletcore.WithIdempotencyTTL(config.Transactions.IdempotencyTTL),
		walletcore.WithRegisterer(registry),
	)
	if err != nil {
		client.Close()
		return nil, err
	}

	return &env{
		config:   config,
		session:  session,
		client:   client,
		registry: registry,
	}, nil
}

func selectAccount(config walletcore.Config, keyed []common.Address) (common.Address, error) {
	switch {
	case accountHex != "":
		if !common.IsHexAddress(accountHex) {
			return common.Address{}, fmt.Errorf("--account %q is not an address", accountHex)
		}
		return common.HexToAddress(accountHex), nil
	case config.Account != "":
		return config.AccountAddress(), nil
	case len(keyed) > 0:
		return keyed[0], nil
	default:
		return common.Address{}, fmt.Errorf("no account configured and no keys loaded")
	}
}

// findRecord looks up a record of the session by transaction hash.
func findRecord(s *walletcore.Session, hash string) (*txrecord.Record, error) {
	records, err := s.History()
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if strings.EqualFold(r.ID, hash) {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", walletcore.ErrRecordNotFound, hash)
}
