package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrUnknownAccount is returned when asked to sign for an account without a key
var ErrUnknownAccount = fmt.Errorf("no key for account")

// PrivateKeySigner signs with in-memory ECDSA keys. It exists for the CLI;
// wallets embedding the core bring their own Signer.
type PrivateKeySigner struct {
	mu   sync.RWMutex
	keys map[common.Address]*ecdsa.PrivateKey
}

// NewPrivateKeySigner parses hex encoded private keys, with or without 0x.
func NewPrivateKeySigner(hexKeys ...string) (*PrivateKeySigner, error) {
	s := &PrivateKeySigner{keys: make(map[common.Address]*ecdsa.PrivateKey)}
	for i, hexKey := range hexKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key #%d: %w", i, err)
		}
		s.keys[crypto.PubkeyToAddress(key.PublicKey)] = key
	}
	return s, nil
}

// Accounts lists the addresses the signer holds keys for
func (s *PrivateKeySigner) Accounts() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]common.Address, 0, len(s.keys))
	for addr := range s.keys {
		accounts = append(accounts, addr)
	}
	return accounts
}

func (s *PrivateKeySigner) SignTx(ctx context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	s.mu.RLock()
	key, ok := s.keys[from]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, from.Hex())
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
}
