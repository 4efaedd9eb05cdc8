package walletcore

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tranvictor/walletcore/events"
)

// BroadcastInfo describes a transaction about to be, or just, broadcast.
// Hash is set only after a successful broadcast.
type BroadcastInfo struct {
	Operation events.Operation
	From      common.Address
	To        common.Address
	Nonce     uint64
	GasPrice  *big.Int
	Hash      common.Hash
}

// Hook is a function that is called before and after a transaction is broadcast.
// A before hook returning an error aborts the broadcast and releases the
// reserved nonce. An after hook error is returned to the caller, but the
// record of the broadcast transaction is still stored.
type Hook func(info *BroadcastInfo, err error) error
