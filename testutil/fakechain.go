package testutil

import (
	"context"
	"encoding/binary"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tranvictor/walletcore/chain"
	"github.com/tranvictor/walletcore/token"
)

// ============================================================
// Scripted Chain
// ============================================================

// BatchFunc overrides GetBatchTokenBalances. call is the 1-based index of
// the batch call; balances is the default answer for tokens.
type BatchFunc func(call int, tokens []common.Address, balances []*big.Int) ([]*big.Int, error)

// FakeChain is an in-memory chain.Client. Balances are per token and shared
// by every owner. Every call is recorded for assertions.
type FakeChain struct {
	mu sync.Mutex

	native   *big.Int
	balances map[common.Address]*big.Int
	counts   map[common.Address]uint64
	txs      map[common.Hash]*chain.RawTransaction

	batchFunc     BatchFunc
	nativeErr     error
	tokenErrs     map[common.Address]error
	broadcastErrs []error
	hashSeq       uint64

	batchCalls  [][]common.Address
	singleCalls []common.Address
	nativeCalls int
	transfers   []chain.TransferParams
	swaps       []chain.SwapParams
}

// NewFakeChain creates an empty chain with a zero native balance
func NewFakeChain() *FakeChain {
	return &FakeChain{
		native:    new(big.Int),
		balances:  make(map[common.Address]*big.Int),
		counts:    make(map[common.Address]uint64),
		txs:       make(map[common.Hash]*chain.RawTransaction),
		tokenErrs: make(map[common.Address]error),
	}
}

var _ chain.Client = (*FakeChain)(nil)

// ============================================================
// Scripting
// ============================================================

func (c *FakeChain) SetNativeBalance(v *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.native = new(big.Int).Set(v)
}

func (c *FakeChain) SetTokenBalance(id token.ID, v *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[id.Address()] = new(big.Int).Set(v)
}

func (c *FakeChain) SetTransactionCount(owner common.Address, n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[owner] = n
}

// SetBatchFunc scripts GetBatchTokenBalances
func (c *FakeChain) SetBatchFunc(f BatchFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batchFunc = f
}

// FailNative makes GetNativeBalance return err; nil clears it
func (c *FakeChain) FailNative(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nativeErr = err
}

// FailToken makes GetTokenBalance for id return err; nil clears it
func (c *FakeChain) FailToken(id token.ID, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.tokenErrs, id.Address())
		return
	}
	c.tokenErrs[id.Address()] = err
}

// FailNextBroadcast queues err for the next broadcast
func (c *FakeChain) FailNextBroadcast(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcastErrs = append(c.broadcastErrs, err)
}

// AddTransaction makes raw available to GetTransactionByHash
func (c *FakeChain) AddTransaction(raw *chain.RawTransaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txs[raw.Hash] = raw
}

// ============================================================
// Recorded Calls
// ============================================================

func (c *FakeChain) BatchCalls() [][]common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]common.Address, len(c.batchCalls))
	copy(out, c.batchCalls)
	return out
}

func (c *FakeChain) SingleCalls() []common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]common.Address(nil), c.singleCalls...)
}

func (c *FakeChain) NativeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nativeCalls
}

func (c *FakeChain) Transfers() []chain.TransferParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chain.TransferParams(nil), c.transfers...)
}

func (c *FakeChain) Swaps() []chain.SwapParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chain.SwapParams(nil), c.swaps...)
}

// ============================================================
// chain.Client
// ============================================================

func (c *FakeChain) GetNativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nativeCalls++
	if c.nativeErr != nil {
		return nil, c.nativeErr
	}
	return new(big.Int).Set(c.native), nil
}

func (c *FakeChain) GetTokenBalance(ctx context.Context, owner common.Address, tok common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.singleCalls = append(c.singleCalls, tok)
	if err := c.tokenErrs[tok]; err != nil {
		return nil, err
	}
	return c.balanceLocked(tok), nil
}

func (c *FakeChain) GetBatchTokenBalances(ctx context.Context, owner common.Address, tokens []common.Address) ([]*big.Int, error) {
	c.mu.Lock()
	c.batchCalls = append(c.batchCalls, append([]common.Address(nil), tokens...))
	call := len(c.batchCalls)
	values := make([]*big.Int, len(tokens))
	for i, tok := range tokens {
		values[i] = c.balanceLocked(tok)
	}
	f := c.batchFunc
	c.mu.Unlock()

	if f != nil {
		return f(call, tokens, values)
	}
	return values, nil
}

func (c *FakeChain) balanceLocked(tok common.Address) *big.Int {
	if v, ok := c.balances[tok]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (c *FakeChain) GetTransactionCount(ctx context.Context, owner common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[owner], nil
}

// popBroadcastErrLocked returns the next queued broadcast error, if any.
func (c *FakeChain) popBroadcastErrLocked() error {
	if len(c.broadcastErrs) == 0 {
		return nil
	}
	err := c.broadcastErrs[0]
	c.broadcastErrs = c.broadcastErrs[1:]
	return err
}

func (c *FakeChain) nextHashLocked() common.Hash {
	c.hashSeq++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], c.hashSeq)
	return crypto.Keccak256Hash([]byte("fakechain"), buf[:])
}

func (c *FakeChain) acceptNonceLocked(from common.Address, nonce uint64) {
	if nonce+1 > c.counts[from] {
		c.counts[from] = nonce + 1
	}
}

func (c *FakeChain) BroadcastTransfer(ctx context.Context, params chain.TransferParams) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.popBroadcastErrLocked(); err != nil {
		return common.Hash{}, err
	}
	c.transfers = append(c.transfers, params)
	c.acceptNonceLocked(params.From, params.Nonce)

	hash := c.nextHashLocked()
	to := params.To
	value := params.Amount
	if !params.Token.IsNative() {
		to = params.Token.Address()
		value = new(big.Int)
	}
	c.txs[hash] = &chain.RawTransaction{
		Hash:     hash,
		From:     params.From,
		To:       &to,
		Value:    value,
		Gas:      params.GasLimit,
		GasPrice: params.GasPrice,
		Nonce:    params.Nonce,
		Pending:  true,
	}
	return hash, nil
}

func (c *FakeChain) BroadcastSwap(ctx context.Context, params chain.SwapParams) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.popBroadcastErrLocked(); err != nil {
		return common.Hash{}, err
	}
	c.swaps = append(c.swaps, params)
	c.acceptNonceLocked(params.From, params.Nonce)

	hash := c.nextHashLocked()
	to := params.To
	c.txs[hash] = &chain.RawTransaction{
		Hash:     hash,
		From:     params.From,
		To:       &to,
		Value:    params.Value,
		Input:    common.CopyBytes(params.Data),
		Gas:      params.GasLimit,
		GasPrice: params.GasPrice,
		Nonce:    params.Nonce,
		Pending:  true,
	}
	return hash, nil
}

func (c *FakeChain) GetTransactionByHash(ctx context.Context, hash common.Hash) (*chain.RawTransaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, ok := c.txs[hash]
	if !ok {
		return nil, chain.ErrTxNotFound
	}
	cp := *raw
	cp.Input = common.CopyBytes(raw.Input)
	return &cp, nil
}

// ============================================================
// Reachability
// ============================================================

// Switch is a chain.Reachability that tests flip on and off
type Switch struct {
	mu        sync.Mutex
	reachable bool
}

func NewSwitch(reachable bool) *Switch {
	return &Switch{reachable: reachable}
}

func (s *Switch) Set(reachable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reachable = reachable
}

func (s *Switch) IsReachable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reachable
}
