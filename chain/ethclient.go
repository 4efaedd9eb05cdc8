package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	jarviscommon "github.com/tranvictor/jarvis/common"

	"github.com/tranvictor/walletcore/internal/circuitbreaker"
	"github.com/tranvictor/walletcore/token"
)

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// ERC20 is the parsed subset of the ERC-20 ABI the client needs.
var ERC20 = mustParseABI(erc20ABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid built-in abi: %v", err))
	}
	return parsed
}

// DefaultCallTimeout bounds a single RPC round trip.
const DefaultCallTimeout = 15 * time.Second

// EthClient implements Client over the jarvis reader and broadcaster, with
// balances batched over a raw JSON-RPC connection. Every call goes through a
// circuit breaker that only counts transport failures.
type EthClient struct {
	rpc         *rpc.Client
	reader      NodeReader
	broadcaster NodeBroadcaster
	signer      Signer
	chainID     *big.Int

	breaker     *circuitbreaker.CircuitBreaker
	callTimeout time.Duration
}

// EthClientOption configures an EthClient
type EthClientOption func(*EthClient)

// WithBreakerConfig replaces the default circuit breaker configuration.
// IsFailure is always set to count transport failures only.
func WithBreakerConfig(config circuitbreaker.Config) EthClientOption {
	return func(c *EthClient) {
		config.IsFailure = IsTransportFailure
		c.breaker = circuitbreaker.New(config)
	}
}

// WithCallTimeout sets the per-call timeout
func WithCallTimeout(timeout time.Duration) EthClientOption {
	return func(c *EthClient) {
		c.callTimeout = timeout
	}
}

// NewEthClient wraps an existing backend.
func NewEthClient(backend Backend, chainID *big.Int, signer Signer, opts ...EthClientOption) *EthClient {
	config := circuitbreaker.DefaultConfig()
	config.Name = "rpc"
	config.IsFailure = IsTransportFailure

	c := &EthClient{
		rpc:         backend.RPC,
		reader:      backend.Reader,
		broadcaster: backend.Broadcaster,
		signer:      signer,
		chainID:     new(big.Int).Set(chainID),
		breaker:     circuitbreaker.New(config),
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChainID returns the chain id the client signs for
func (c *EthClient) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Breaker exposes the circuit breaker for health reporting
func (c *EthClient) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

// Close closes the batch connection
func (c *EthClient) Close() {
	if c.rpc != nil {
		c.rpc.Close()
	}
}

func (c *EthClient) call(ctx context.Context, f func(ctx context.Context) error) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		if c.callTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
			defer cancel()
		}
		return f(ctx)
	})
}

// callNode runs a jarvis call, which takes no context, under the same
// breaker and timeout. On timeout the call is abandoned and its result
// discarded.
func (c *EthClient) callNode(ctx context.Context, f func() error) error {
	return c.call(ctx, func(ctx context.Context) error {
		done := make(chan error, 1)
		go func() {
			done <- f()
		}()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func (c *EthClient) GetNativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	var balance *big.Int
	err := c.callNode(ctx, func() (err error) {
		balance, err = c.reader.GetBalance(owner.Hex())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("couldn't get native balance: %w", err)
	}
	return balance, nil
}

func (c *EthClient) GetTokenBalance(ctx context.Context, owner common.Address, tok common.Address) (*big.Int, error) {
	var balance *big.Int
	err := c.callNode(ctx, func() (err error) {
		balance, err = c.reader.ERC20Balance(tok.Hex(), owner.Hex())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("couldn't get balance of token %s: %w", tok.Hex(), err)
	}
	return balance, nil
}

// GetBatchTokenBalances sends one JSON-RPC batch with an eth_call per token.
// The native sentinel is answered with eth_getBalance in the same batch.
func (c *EthClient) GetBatchTokenBalances(ctx context.Context, owner common.Address, tokens []common.Address) ([]*big.Int, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	calldata, err := ERC20.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}

	native := token.Native.Address()
	elems := make([]rpc.BatchElem, len(tokens))
	for i, tok := range tokens {
		if tok == native {
			elems[i] = rpc.BatchElem{
				Method: "eth_getBalance",
				Args:   []interface{}{owner, "latest"},
				Result: new(hexutil.Big),
			}
			continue
		}
		elems[i] = rpc.BatchElem{
			Method: "eth_call",
			Args: []interface{}{
				map[string]interface{}{"to": tok, "data": hexutil.Bytes(calldata)},
				"latest",
			},
			Result: new(hexutil.Bytes),
		}
	}

	err = c.call(ctx, func(ctx context.Context) error {
		return c.rpc.BatchCallContext(ctx, elems)
	})
	if err != nil {
		return nil, fmt.Errorf("batch balance call failed: %w", err)
	}

	balances := make([]*big.Int, 0, len(tokens))
	var errs []error
	for i, elem := range elems {
		if elem.Error != nil {
			errs = append(errs, fmt.Errorf("token %s: %w", tokens[i].Hex(), elem.Error))
			continue
		}
		switch res := elem.Result.(type) {
		case *hexutil.Big:
			balances = append(balances, res.ToInt())
		case *hexutil.Bytes:
			b, err := unpackBalance(*res)
			if err != nil {
				errs = append(errs, fmt.Errorf("token %s: %w", tokens[i].Hex(), err))
				continue
			}
			balances = append(balances, b)
		}
	}

	if len(errs) > 0 {
		logger.WithFields(logger.Fields{
			"owner":     owner.Hex(),
			"requested": len(tokens),
			"failed":    len(errs),
		}).Debug("batch balance call returned partial results")
		return balances, errors.Join(errs...)
	}
	return balances, nil
}

func unpackBalance(out []byte) (*big.Int, error) {
	values, err := ERC20.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("couldn't decode balance: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("couldn't decode balance: got %d values", len(values))
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("couldn't decode balance: unexpected type %T", values[0])
	}
	return balance, nil
}

func (c *EthClient) GetTransactionCount(ctx context.Context, owner common.Address) (uint64, error) {
	var nonce uint64
	err := c.callNode(ctx, func() (err error) {
		nonce, err = c.reader.GetPendingNonce(owner.Hex())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("couldn't get transaction count: %w", err)
	}
	return nonce, nil
}

// BroadcastTransfer builds, signs and sends a legacy transfer. ERC-20
// transfers call the token contract; native transfers move value directly.
func (c *EthClient) BroadcastTransfer(ctx context.Context, p TransferParams) (common.Hash, error) {
	amount := p.Amount
	if amount == nil {
		amount = new(big.Int)
	}
	if amount.Sign() < 0 {
		return common.Hash{}, fmt.Errorf("%w: negative amount", ErrInvalidParams)
	}

	to := p.To
	value := amount
	var data []byte
	if !p.Token.IsNative() && p.Token != "" {
		packed, err := ERC20.Pack("transfer", p.To, amount)
		if err != nil {
			return common.Hash{}, err
		}
		to = p.Token.Address()
		value = new(big.Int)
		data = packed
	}

	return c.sendLegacy(ctx, p.From, p.Nonce, to, value, data, p.GasPrice, p.GasLimit)
}

// BroadcastSwap signs and sends a contract call with the given calldata.
func (c *EthClient) BroadcastSwap(ctx context.Context, p SwapParams) (common.Hash, error) {
	if len(p.Data) == 0 {
		return common.Hash{}, fmt.Errorf("%w: empty swap calldata", ErrInvalidParams)
	}
	value := p.Value
	if value == nil {
		value = new(big.Int)
	}
	return c.sendLegacy(ctx, p.From, p.Nonce, p.To, value, p.Data, p.GasPrice, p.GasLimit)
}

func (c *EthClient) sendLegacy(
	ctx context.Context,
	from common.Address,
	nonce uint64,
	to common.Address,
	value *big.Int,
	data []byte,
	gasPrice *big.Int,
	gasLimit uint64,
) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, fmt.Errorf("%w: no signer configured", ErrInvalidParams)
	}

	if gasPrice == nil {
		var priceGwei float64
		err := c.callNode(ctx, func() (err error) {
			priceGwei, _, err = c.reader.SuggestedGasSettings()
			return err
		})
		if err != nil {
			return common.Hash{}, fmt.Errorf("couldn't get gas price: %w", err)
		}
		gasPrice = weiFromGwei(priceGwei)
	}

	if gasLimit == 0 {
		err := c.callNode(ctx, func() (err error) {
			gasLimit, err = c.reader.EstimateExactGas(from.Hex(), to.Hex(), gwei(gasPrice), value, data)
			return err
		})
		if err != nil {
			return common.Hash{}, fmt.Errorf("couldn't estimate gas: %w", err)
		}
	}

	tx := jarviscommon.BuildExactTx(
		types.LegacyTxType,
		nonce,
		to.Hex(),
		value,
		gasLimit,
		gwei(gasPrice),
		0,
		data,
		c.chainID.Uint64(),
	)
	// Gwei floats can't carry every wei price; keep the exact one.
	if tx.GasPrice().Cmp(gasPrice) != 0 {
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gasLimit,
			To:       &to,
			Value:    value,
			Data:     data,
		})
	}

	signed, err := c.signer.SignTx(ctx, from, tx, c.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("couldn't sign tx: %w", err)
	}

	err = c.callNode(ctx, func() error {
		_, broadcasted, err := c.broadcaster.BroadcastTx(signed)
		if broadcasted {
			if err != nil {
				logger.WithFields(logger.Fields{
					"tx_hash": signed.Hash().Hex(),
					"error":   err,
				}).Debug("some nodes rejected the transaction")
			}
			return nil
		}
		if err == nil {
			err = fmt.Errorf("no node accepted the transaction")
		}
		return err
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("couldn't broadcast tx: %w", err)
	}

	logger.WithFields(logger.Fields{
		"wallet":    from.Hex(),
		"nonce":     nonce,
		"gas_price": gasPrice.String(),
		"tx_hash":   signed.Hash().Hex(),
	}).Info("transaction broadcast")

	return signed.Hash(), nil
}

func (c *EthClient) GetTransactionByHash(ctx context.Context, hash common.Hash) (*RawTransaction, error) {
	var info jarviscommon.TxInfo
	err := c.callNode(ctx, func() error {
		got, err := c.reader.TxInfoFromHash(hash.Hex())
		if got.Status == txStatusNotFound {
			return ErrTxNotFound
		}
		info = got
		return err
	})
	if err == nil {
		var raw *RawTransaction
		raw, err = rawFromTxInfo(info, c.chainID)
		if err == nil {
			return raw, nil
		}
	}
	if errors.Is(err, ErrTxNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, hash.Hex())
	}
	return nil, fmt.Errorf("couldn't get transaction %s: %w", hash.Hex(), err)
}
