// Package nonce provides thread-safe nonce tracking for wallet accounts.
// This is an internal package and should not be imported directly by external code.
package nonce

import (
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Tracker hands out strictly increasing nonces per account. Reservation is
// serialized per account with the account's lock, so callers in different
// goroutines never observe the same nonce twice.
type Tracker struct {
	// next maps account -> next nonce to hand out
	next sync.Map // map[common.Address]uint64

	// accountLocks provides per-account locking
	accountLocks sync.Map // map[common.Address]*sync.RWMutex
}

// NewTracker creates a new nonce tracker
func NewTracker() *Tracker {
	return &Tracker{}
}

// getAccountLock returns the lock for a specific account, creating it if necessary
func (t *Tracker) getAccountLock(account common.Address) *sync.RWMutex {
	lock, _ := t.accountLocks.LoadOrStore(account, &sync.RWMutex{})
	return lock.(*sync.RWMutex)
}

// loadUnlocked returns the tracked next nonce. MUST be called with account lock held.
func (t *Tracker) loadUnlocked(account common.Address) (uint64, bool) {
	v, ok := t.next.Load(account)
	if !ok {
		return 0, false
	}
	return v.(uint64), true
}

// Initialize seeds the tracker for account and returns the next nonce.
//
// The chain-reported count can lag behind the node a transaction was just
// submitted to, so a locally stored pending nonce wins when it is ahead:
//
//	next = max(chainCount, localPending+1)
func (t *Tracker) Initialize(account common.Address, chainCount uint64, localPending fn.Option[uint64]) uint64 {
	lock := t.getAccountLock(account)
	lock.Lock()
	defer lock.Unlock()

	next := chainCount
	decision := "chain count"
	localPending.WhenSome(func(n uint64) {
		if n+1 > next {
			next = n + 1
			decision = "local pending ahead of chain"
		}
	})
	t.next.Store(account, next)

	logger.WithFields(logger.Fields{
		"wallet":        account.Hex(),
		"chain_count":   chainCount,
		"local_pending": fn.MapOptionZ(localPending, func(n uint64) int64 { return int64(n) }),
		"has_local":     localPending.IsSome(),
		"next_nonce":    next,
		"decision":      decision,
	}).Debug("nonce tracker initialized")

	return next
}

// Next returns the nonce the next reservation would hand out without
// reserving it.
func (t *Tracker) Next(account common.Address) (uint64, error) {
	lock := t.getAccountLock(account)
	lock.RLock()
	defer lock.RUnlock()

	next, ok := t.loadUnlocked(account)
	if !ok {
		return 0, ErrNotInitialized
	}
	return next, nil
}

// PeekAndReserve returns the current nonce for account and advances it by one.
func (t *Tracker) PeekAndReserve(account common.Address) (uint64, error) {
	lock := t.getAccountLock(account)
	lock.Lock()
	defer lock.Unlock()

	next, ok := t.loadUnlocked(account)
	if !ok {
		return 0, ErrNotInitialized
	}
	t.next.Store(account, next+1)

	logger.WithFields(logger.Fields{
		"wallet":         account.Hex(),
		"reserved_nonce": next,
	}).Debug("nonce reserved")

	return next, nil
}

// Override forcibly sets the next nonce, used to rebase from the chain after
// drift was detected. Unlike reservation it may move the counter backwards.
func (t *Tracker) Override(account common.Address, next uint64) {
	lock := t.getAccountLock(account)
	lock.Lock()
	defer lock.Unlock()

	old, ok := t.loadUnlocked(account)
	t.next.Store(account, next)

	fields := logger.Fields{
		"wallet":     account.Hex(),
		"next_nonce": next,
	}
	if ok {
		fields["old_next"] = old
	}
	logger.WithFields(fields).Info("nonce overridden")
}

// Release gives back a reserved nonce that was never broadcast.
// Only the tip of the sequence can be released; releasing anything else would
// open a gap, so it is ignored.
func (t *Tracker) Release(account common.Address, nonce uint64) {
	lock := t.getAccountLock(account)
	lock.Lock()
	defer lock.Unlock()

	next, ok := t.loadUnlocked(account)
	if !ok {
		logger.WithFields(logger.Fields{
			"wallet": account.Hex(),
			"nonce":  nonce,
		}).Debug("release skipped: account not tracked")
		return
	}

	if next != nonce+1 {
		logger.WithFields(logger.Fields{
			"wallet":          account.Hex(),
			"requested_nonce": nonce,
			"next_nonce":      next,
		}).Debug("release skipped: not the tip nonce")
		return
	}

	t.next.Store(account, nonce)
	logger.WithFields(logger.Fields{
		"wallet":         account.Hex(),
		"released_nonce": nonce,
	}).Debug("nonce released")
}
