// Package chain declares the collaborators the wallet core consumes (chain
// RPC, reachability, token registry, signer) and ships implementations of
// them built on jarvis and go-ethereum.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/tranvictor/walletcore/token"
)

// Client is the chain RPC surface used by the balance fetcher and the
// transaction coordinator.
type Client interface {
	GetNativeBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	GetTokenBalance(ctx context.Context, owner common.Address, tok common.Address) (*big.Int, error)

	// GetBatchTokenBalances returns one balance per requested token, in
	// request order. Callers treat a result of a different length as a soft
	// failure.
	GetBatchTokenBalances(ctx context.Context, owner common.Address, tokens []common.Address) ([]*big.Int, error)

	// GetTransactionCount is the nonce source of truth, pending transactions included.
	GetTransactionCount(ctx context.Context, owner common.Address) (uint64, error)

	BroadcastTransfer(ctx context.Context, params TransferParams) (common.Hash, error)
	BroadcastSwap(ctx context.Context, params SwapParams) (common.Hash, error)
	GetTransactionByHash(ctx context.Context, hash common.Hash) (*RawTransaction, error)
}

// Reachability reports whether the network can currently be reached.
type Reachability interface {
	IsReachable() bool
}

// TokenRegistry is the canonical token list. It decides track membership for
// the balance fetcher and receives disable requests for dead tokens.
type TokenRegistry interface {
	SupportedTokens(ctx context.Context) ([]token.ID, error)
	OtherTokens(ctx context.Context) ([]token.ID, error)
	DisableTokens(ctx context.Context, ids []token.ID) error
}

// Signer signs transactions for accounts it holds keys for.
type Signer interface {
	SignTx(ctx context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// TransferParams describes a native or ERC-20 transfer. Token is the native
// sentinel for plain value transfers.
type TransferParams struct {
	From     common.Address
	To       common.Address
	Token    token.ID
	Amount   *big.Int
	GasPrice *big.Int
	GasLimit uint64
	Nonce    uint64
}

// SwapParams describes a contract call carrying pre-built calldata, used for
// exchanges and for rebroadcasting them.
type SwapParams struct {
	From     common.Address
	To       common.Address
	Value    *big.Int
	Data     []byte
	GasPrice *big.Int
	GasLimit uint64
	Nonce    uint64
}

// RawTransaction is a transaction as the node reports it, input payload included.
type RawTransaction struct {
	Hash     common.Hash
	From     common.Address
	To       *common.Address
	Value    *big.Int
	Input    []byte
	Gas      uint64
	GasPrice *big.Int
	Nonce    uint64
	Pending  bool
}

// SwapParamsFrom rebuilds call parameters from a fetched transaction.
func SwapParamsFrom(raw *RawTransaction) SwapParams {
	p := SwapParams{
		From:     raw.From,
		Value:    raw.Value,
		Data:     common.CopyBytes(raw.Input),
		GasPrice: raw.GasPrice,
		GasLimit: raw.Gas,
		Nonce:    raw.Nonce,
	}
	if raw.To != nil {
		p.To = *raw.To
	}
	return p
}
