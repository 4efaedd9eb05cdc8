package walletcore

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tranvictor/walletcore/token"
	"github.com/tranvictor/walletcore/txrecord"
)

// tokenLookup is implemented by registries that know token metadata
type tokenLookup interface {
	Lookup(id token.ID) (token.Info, bool)
}

// Request represents a transfer or swap request with builder pattern
type Request struct {
	s *Session

	to       common.Address
	token    token.ID
	amount   *big.Int
	value    *big.Int
	data     []byte
	gasPrice *big.Int
	gasLimit uint64

	symbol   string
	name     string
	decimals uint8

	// Exchange summary and the tokens to refresh after a swap
	operation     txrecord.Operation
	refreshTokens []token.ID

	beforeBroadcastHook Hook
	afterBroadcastHook  Hook

	// Idempotency key for preventing duplicate submissions
	idempotencyKey string
}

// R creates a new request sent from the session account (similar to
// go-resty's R() method). Without data it is a transfer of the native coin.
func (s *Session) R() *Request {
	return &Request{
		s:      s,
		token:  token.Native,
		amount: big.NewInt(0),
		value:  big.NewInt(0),
	}
}

// SetTo sets the recipient of a transfer or the router of a swap
func (r *Request) SetTo(to common.Address) *Request {
	r.to = to
	return r
}

// SetToken sets the transferred token
func (r *Request) SetToken(id token.ID) *Request {
	r.token = id.Normalize()
	return r
}

// SetTokenInfo sets the display metadata of the transferred token
func (r *Request) SetTokenInfo(symbol, name string, decimals uint8) *Request {
	r.symbol = symbol
	r.name = name
	r.decimals = decimals
	return r
}

// SetAmount sets the transferred amount in the token's smallest unit
func (r *Request) SetAmount(amount *big.Int) *Request {
	if amount != nil {
		r.amount = amount
	}
	return r
}

// SetValue sets the native value sent along with a swap
func (r *Request) SetValue(value *big.Int) *Request {
	if value != nil {
		r.value = value
	}
	return r
}

// SetData sets the swap calldata; a request with data is submitted as a swap
func (r *Request) SetData(data []byte) *Request {
	r.data = data
	return r
}

// SetGasPrice sets the gas price in wei
func (r *Request) SetGasPrice(gasPrice *big.Int) *Request {
	r.gasPrice = gasPrice
	return r
}

// SetGasPriceGwei sets the gas price in gwei
func (r *Request) SetGasPriceGwei(gwei float64) *Request {
	r.gasPrice = gweiToWei(gwei)
	return r
}

// SetGasLimit sets the gas limit
func (r *Request) SetGasLimit(gasLimit uint64) *Request {
	r.gasLimit = gasLimit
	return r
}

// SetOperation sets the exchange summary stored with a swap record
func (r *Request) SetOperation(op txrecord.Operation) *Request {
	r.operation = op
	return r
}

// SetRefreshTokens sets the tokens refreshed after a swap, at most two
func (r *Request) SetRefreshTokens(ids ...token.ID) *Request {
	r.refreshTokens = ids
	return r
}

// SetBeforeBroadcastHook sets the hook to be called before broadcasting
func (r *Request) SetBeforeBroadcastHook(hook Hook) *Request {
	r.beforeBroadcastHook = hook
	return r
}

// SetAfterBroadcastHook sets the hook to be called after broadcasting
func (r *Request) SetAfterBroadcastHook(hook Hook) *Request {
	r.afterBroadcastHook = hook
	return r
}

// SetIdempotencyKey sets a unique key to prevent duplicate submissions.
// If the same key is used again, the record of the first submission is
// returned instead of broadcasting again.
func (r *Request) SetIdempotencyKey(key string) *Request {
	r.idempotencyKey = key
	return r
}

// Submit broadcasts the request and returns its pending record
func (r *Request) Submit(ctx context.Context) (*txrecord.Record, error) {
	if r.s.closed.Load() {
		return nil, ErrSessionClosed
	}

	if len(r.data) > 0 {
		return r.s.coordinator.SubmitSwap(ctx, SwapIntent{
			From:            r.s.account,
			Router:          r.to,
			Value:           r.value,
			Data:            r.data,
			GasPrice:        r.gasPrice,
			GasLimit:        r.gasLimit,
			Operation:       r.operation,
			RefreshTokens:   r.refreshTokens,
			IdempotencyKey:  r.idempotencyKey,
			BeforeBroadcast: r.beforeBroadcastHook,
			AfterBroadcast:  r.afterBroadcastHook,
		})
	}

	symbol, name, decimals := r.symbol, r.name, r.decimals
	if symbol == "" {
		if lookup, ok := r.s.deps.Registry.(tokenLookup); ok {
			if info, found := lookup.Lookup(r.token); found {
				symbol, name, decimals = info.Symbol, info.Name, info.Decimals
			}
		}
	}

	return r.s.coordinator.SubmitTransfer(ctx, TransferIntent{
		From:            r.s.account,
		To:              r.to,
		Token:           r.token,
		Amount:          r.amount,
		GasPrice:        r.gasPrice,
		GasLimit:        r.gasLimit,
		Symbol:          symbol,
		Name:            name,
		Decimals:        decimals,
		IdempotencyKey:  r.idempotencyKey,
		BeforeBroadcast: r.beforeBroadcastHook,
		AfterBroadcast:  r.afterBroadcastHook,
	})
}
