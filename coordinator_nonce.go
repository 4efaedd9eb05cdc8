package walletcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"

	"github.com/tranvictor/walletcore/internal/nonce"
)

// InitializeNonce seeds the tracker for account and returns the next nonce.
//
// Logic:
//  1. Get the transaction count from the network
//  2. Get the highest nonce among the account's locally pending records
//  3. Let the tracker pick max(count, localPending+1)
func (c *Coordinator) InitializeNonce(ctx context.Context, account common.Address) (uint64, error) {
	count, err := c.client.GetTransactionCount(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("couldn't get transaction count: %w", err)
	}

	localPending, err := c.store.LocalPendingNonce(account)
	if err != nil {
		return 0, fmt.Errorf("couldn't get local pending nonce: %w", err)
	}

	return c.nonces.Initialize(account, count, localPending), nil
}

// reserveNonce atomically determines and reserves the next nonce. The tracker
// is seeded on first use. MUST be called with the wallet lock held.
func (c *Coordinator) reserveNonce(ctx context.Context, account common.Address) (uint64, error) {
	n, err := c.nonces.PeekAndReserve(account)
	if !errors.Is(err, nonce.ErrNotInitialized) {
		return n, err
	}

	if _, err := c.InitializeNonce(ctx, account); err != nil {
		return 0, err
	}
	return c.nonces.PeekAndReserve(account)
}

// rebaseNonce trusts the network again after it rejected a nonce as too low
// or as taken by a pending transaction.
func (c *Coordinator) rebaseNonce(ctx context.Context, account common.Address) {
	count, err := c.client.GetTransactionCount(ctx, account)
	if err != nil {
		logger.WithFields(logger.Fields{
			"wallet": account.Hex(),
			"error":  err,
		}).Warn("couldn't refetch transaction count after nonce rejection")
		return
	}

	c.nonces.Override(account, count)
	c.metrics.NonceOverride()
}

// ReleaseNonce gives back a nonce that was reserved but never broadcast.
// Note: if the transaction reached some nodes anyway, the next submission
// will be rejected with nonce too low and the tracker rebased.
func (c *Coordinator) ReleaseNonce(account common.Address, n uint64) {
	c.nonces.Release(account, n)
}
