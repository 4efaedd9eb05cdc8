package walletcore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tranvictor/walletcore/internal/txstore"
)

// Store backends
const (
	StoreBackendLevelDB = "leveldb"
	StoreBackendBolt    = "bolt"
	StoreBackendMemory  = "memory"
)

// StoreConfig selects where transaction records are persisted. Each account
// gets its own database under Path, so switching accounts never mixes
// histories.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`

	// Limit is the number of settled records kept
	Limit int `yaml:"limit"`
}

// OpenStore opens the record store of account.
func OpenStore(config StoreConfig, account common.Address) (*txstore.Store, error) {
	var opts []txstore.Option
	if config.Limit > 0 {
		opts = append(opts, txstore.WithLimit(config.Limit))
	}

	name := strings.ToLower(account.Hex())
	switch config.Backend {
	case StoreBackendMemory:
		backend, err := txstore.OpenLevelDB("")
		if err != nil {
			return nil, err
		}
		return txstore.New(backend, opts...), nil

	case StoreBackendLevelDB, "":
		if config.Path == "" {
			return nil, fmt.Errorf("store path is required for the %s backend", StoreBackendLevelDB)
		}
		backend, err := txstore.OpenLevelDB(filepath.Join(config.Path, name))
		if err != nil {
			return nil, err
		}
		return txstore.New(backend, opts...), nil

	case StoreBackendBolt:
		if config.Path == "" {
			return nil, fmt.Errorf("store path is required for the %s backend", StoreBackendBolt)
		}
		if err := os.MkdirAll(config.Path, 0o700); err != nil {
			return nil, fmt.Errorf("couldn't create store directory: %w", err)
		}
		backend, err := txstore.OpenBolt(filepath.Join(config.Path, name+".db"))
		if err != nil {
			return nil, err
		}
		return txstore.New(backend, opts...), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", config.Backend)
	}
}
