// Package events carries the notifications the wallet core publishes to its
// consumers: balances changed, transaction updated, transaction failed.
package events

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/tranvictor/walletcore/chain"
	"github.com/tranvictor/walletcore/token"
	"github.com/tranvictor/walletcore/txrecord"
)

// Kind identifies an event type for subscription filtering.
type Kind int

const (
	KindBalancesChanged Kind = iota + 1
	KindTransactionUpdated
	KindTransactionFailed
	KindBalanceRefreshDone
)

func (k Kind) String() string {
	switch k {
	case KindBalancesChanged:
		return "balances_changed"
	case KindTransactionUpdated:
		return "transaction_updated"
	case KindTransactionFailed:
		return "transaction_failed"
	case KindBalanceRefreshDone:
		return "balance_refresh_done"
	default:
		return "unknown"
	}
}

// Event is implemented by every value delivered on a subscription.
type Event interface {
	Kind() Kind
}

// BalancesChanged tells consumers to re-read the balance cache. It carries no
// balances on purpose: the cache is the only source.
type BalancesChanged struct {
	Account common.Address
	Track   string
}

func (BalancesChanged) Kind() Kind { return KindBalancesChanged }

// TransactionUpdated is published after a record was created or changed state.
type TransactionUpdated struct {
	Account common.Address
	Key     string
	Record  *txrecord.Record
}

func (TransactionUpdated) Kind() Kind { return KindTransactionUpdated }

// Operation names the user action a failure belongs to.
type Operation string

const (
	OpSubmit  Operation = "submit"
	OpCancel  Operation = "cancel"
	OpSpeedUp Operation = "speedup"
)

// TransactionFailed reports a broadcast that did not produce a hash. No
// record was created or changed.
type TransactionFailed struct {
	Account   common.Address
	Operation Operation
	Class     chain.Class
	Err       error
}

func (TransactionFailed) Kind() Kind { return KindTransactionFailed }

// BalanceRefreshDone is the single completion of a post-broadcast refresh.
type BalanceRefreshDone struct {
	Account common.Address
	Tokens  []token.ID
}

func (BalanceRefreshDone) Kind() Kind { return KindBalanceRefreshDone }
