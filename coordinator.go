package walletcore

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/tranvictor/walletcore/chain"
	"github.com/tranvictor/walletcore/events"
	"github.com/tranvictor/walletcore/idempotency"
	"github.com/tranvictor/walletcore/internal/metrics"
	"github.com/tranvictor/walletcore/internal/nonce"
	"github.com/tranvictor/walletcore/internal/txstore"
	"github.com/tranvictor/walletcore/token"
	"github.com/tranvictor/walletcore/txrecord"
)

// Publisher receives lifecycle events
type Publisher interface {
	Publish(ev events.Event) error
}

// BalanceRefresher refreshes the balances a broadcast touched
type BalanceRefresher interface {
	ScheduleRefreshAfterBroadcast(ctx context.Context, ids ...token.ID) bool
}

// Coordinator drives transaction records through their lifecycle:
//  1. submits transfers and swaps with a reserved nonce and records them as
//     pending once the network returned a hash
//  2. replaces pending transactions by fee (cancel, speed-up) at the same
//     nonce, keeping the original record for the audit trail
//  3. rolls back or rebases local state when a broadcast error shows it
//     drifted from the chain
//  4. applies external reconciliation (confirmed, dropped, abandoned)
//
// Submissions of the same account are serialized by a wallet-level lock held
// from nonce reservation until the record is stored.
type Coordinator struct {
	client    chain.Client
	store     *txstore.Store
	nonces    *nonce.Tracker
	publisher Publisher
	refresher BalanceRefresher

	idempotencyStore idempotency.Store

	clock   clock.Clock
	metrics *metrics.Metrics

	defaultsMu sync.RWMutex
	defaults   Defaults

	// Wallet-level locks (keyed by address)
	walletLocks sync.Map // map[common.Address]*sync.Mutex
}

// CoordinatorOption is a function that configures a Coordinator
type CoordinatorOption func(*Coordinator)

// WithPublisher sets where lifecycle events go
func WithPublisher(p Publisher) CoordinatorOption {
	return func(c *Coordinator) {
		c.publisher = p
	}
}

// WithBalanceRefresher refreshes touched balances after each broadcast
func WithBalanceRefresher(r BalanceRefresher) CoordinatorOption {
	return func(c *Coordinator) {
		c.refresher = r
	}
}

// WithIdempotencyStore sets a custom idempotency store
func WithIdempotencyStore(store idempotency.Store) CoordinatorOption {
	return func(c *Coordinator) {
		c.idempotencyStore = store
	}
}

// WithCoordinatorClock sets the clock records are dated with
func WithCoordinatorClock(clk clock.Clock) CoordinatorOption {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

// WithCoordinatorMetrics sets the metrics sink
func WithCoordinatorMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithDefaults sets all default configuration at once
func WithDefaults(defaults Defaults) CoordinatorOption {
	return func(c *Coordinator) {
		c.defaults = defaults
	}
}

// NewCoordinator creates a coordinator over the given store and tracker
func NewCoordinator(client chain.Client, store *txstore.Store, nonces *nonce.Tracker, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		client:   client,
		store:    store,
		nonces:   nonces,
		clock:    clock.NewDefaultClock(),
		defaults: DefaultDefaults(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Defaults returns a copy of the current default configuration
func (c *Coordinator) Defaults() Defaults {
	c.defaultsMu.RLock()
	defer c.defaultsMu.RUnlock()
	return c.defaults
}

// SetDefaults updates the default configuration
func (c *Coordinator) SetDefaults(defaults Defaults) {
	c.defaultsMu.Lock()
	defer c.defaultsMu.Unlock()
	c.defaults = defaults
}

// Store returns the record store
func (c *Coordinator) Store() *txstore.Store {
	return c.store
}

// getWalletLock returns the lock for a specific wallet, creating it if necessary
func (c *Coordinator) getWalletLock(wallet common.Address) *sync.Mutex {
	lock, _ := c.walletLocks.LoadOrStore(wallet, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// TransferIntent is a native or ERC-20 transfer to submit
type TransferIntent struct {
	From   common.Address
	To     common.Address
	Token  token.ID // empty means the native coin
	Amount *big.Int

	// GasPrice nil lets the node suggest one; GasLimit 0 estimates it
	GasPrice *big.Int
	GasLimit uint64

	Symbol   string
	Name     string
	Decimals uint8

	IdempotencyKey  string
	BeforeBroadcast Hook
	AfterBroadcast  Hook
}

// SwapIntent is a call to an exchange router with pre-built calldata
type SwapIntent struct {
	From   common.Address
	Router common.Address
	Value  *big.Int
	Data   []byte

	GasPrice *big.Int
	GasLimit uint64

	// Operation summarizes the exchange leg for the record
	Operation txrecord.Operation

	// RefreshTokens are the source and destination tokens, refreshed after
	// a successful broadcast
	RefreshTokens []token.ID

	IdempotencyKey  string
	BeforeBroadcast Hook
	AfterBroadcast  Hook
}

// submission is one broadcast attempt and the records it produces
type submission struct {
	op       events.Operation
	from     common.Address
	to       common.Address
	gasPrice *big.Int

	// reserve takes the nonce from the tracker; otherwise nonce is reused
	reserve bool
	nonce   uint64

	before Hook
	after  Hook

	send func(ctx context.Context, nonce uint64) (common.Hash, error)

	// records returns the new record first, followed by any record whose
	// state changes because of it
	records func(hash common.Hash, nonce uint64) []*txrecord.Record

	refresh []token.ID
}

// transferSpec is what a transfer record needs to be rebuilt
type transferSpec struct {
	to       common.Address
	token    token.ID
	amount   *big.Int
	gasLimit uint64
	op       txrecord.Operation
}

func (s transferSpec) params(from common.Address, gasPrice *big.Int, n uint64) chain.TransferParams {
	return chain.TransferParams{
		From:     from,
		To:       s.to,
		Token:    s.token,
		Amount:   s.amount,
		GasPrice: gasPrice,
		GasLimit: s.gasLimit,
		Nonce:    n,
	}
}

func (s transferSpec) record(hash common.Hash, from common.Address, gasPrice *big.Int, n uint64, typ txrecord.Type) *txrecord.Record {
	to := s.to
	value := s.amount.String()
	if !s.token.IsNative() {
		to = s.token.Address()
		value = "0"
	}
	return &txrecord.Record{
		ID:         hash.Hex(),
		From:       from.Hex(),
		To:         to.Hex(),
		Value:      value,
		Gas:        gasString(s.gasLimit),
		GasPrice:   decimalString(gasPrice),
		Nonce:      fmt.Sprint(n),
		State:      txrecord.StatePending,
		Type:       typ,
		Operations: []txrecord.Operation{s.op},
	}
}

func transferSpecFromIntent(intent TransferIntent) transferSpec {
	tok := intent.Token.Normalize()
	if tok == "" {
		tok = token.Native
	}
	return transferSpec{
		to:       intent.To,
		token:    tok,
		amount:   intent.Amount,
		gasLimit: intent.GasLimit,
		op: txrecord.Operation{
			From:     intent.From.Hex(),
			To:       intent.To.Hex(),
			Contract: tok.String(),
			Kind:     txrecord.OperationTransfer,
			Value:    intent.Amount.String(),
			Symbol:   intent.Symbol,
			Name:     intent.Name,
			Decimals: intent.Decimals,
		},
	}
}

func transferSpecFromRecord(r *txrecord.Record) (transferSpec, error) {
	op, _ := r.PrimaryOperation()
	amount, ok := new(big.Int).SetString(op.Value, 10)
	if !ok {
		return transferSpec{}, fmt.Errorf("invalid transfer amount %q in record %s", op.Value, r.CompoundKey())
	}
	tok := token.NewID(op.Contract)
	if tok == "" {
		tok = token.Native
	}
	gasLimit, _ := r.GasLimit()
	return transferSpec{
		to:       common.HexToAddress(op.To),
		token:    tok,
		amount:   amount,
		gasLimit: gasLimit,
		op:       op,
	}, nil
}

// SubmitTransfer reserves a nonce, broadcasts the transfer and stores it as a
// pending record. A failed broadcast creates no record.
func (c *Coordinator) SubmitTransfer(ctx context.Context, intent TransferIntent) (*txrecord.Record, error) {
	if intent.From == (common.Address{}) {
		return nil, ErrFromAddressZero
	}
	if intent.To == (common.Address{}) {
		return nil, ErrToAddressZero
	}
	if intent.Amount == nil || intent.Amount.Sign() < 0 {
		return nil, ErrAmountNil
	}

	xfer := transferSpecFromIntent(intent)
	refresh := []token.ID{xfer.token}
	if !xfer.token.IsNative() {
		refresh = append(refresh, token.Native)
	}

	return c.withIdempotency(intent.IdempotencyKey, func() (*txrecord.Record, error) {
		return c.execute(ctx, &submission{
			op:       events.OpSubmit,
			from:     intent.From,
			to:       intent.To,
			gasPrice: intent.GasPrice,
			reserve:  true,
			before:   intent.BeforeBroadcast,
			after:    intent.AfterBroadcast,
			send: func(ctx context.Context, n uint64) (common.Hash, error) {
				return c.client.BroadcastTransfer(ctx, xfer.params(intent.From, intent.GasPrice, n))
			},
			records: func(hash common.Hash, n uint64) []*txrecord.Record {
				return []*txrecord.Record{xfer.record(hash, intent.From, intent.GasPrice, n, txrecord.TypeNormal)}
			},
			refresh: refresh,
		})
	})
}

// SubmitSwap reserves a nonce, broadcasts the router call and stores it as a
// pending exchange record.
func (c *Coordinator) SubmitSwap(ctx context.Context, intent SwapIntent) (*txrecord.Record, error) {
	if intent.From == (common.Address{}) {
		return nil, ErrFromAddressZero
	}
	if intent.Router == (common.Address{}) {
		return nil, ErrToAddressZero
	}
	value := intent.Value
	if value == nil {
		value = new(big.Int)
	}

	op := intent.Operation
	op.Kind = txrecord.OperationExchange
	if op.From == "" {
		op.From = intent.From.Hex()
	}
	if op.To == "" {
		op.To = intent.Router.Hex()
	}

	return c.withIdempotency(intent.IdempotencyKey, func() (*txrecord.Record, error) {
		return c.execute(ctx, &submission{
			op:       events.OpSubmit,
			from:     intent.From,
			to:       intent.Router,
			gasPrice: intent.GasPrice,
			reserve:  true,
			before:   intent.BeforeBroadcast,
			after:    intent.AfterBroadcast,
			send: func(ctx context.Context, n uint64) (common.Hash, error) {
				return c.client.BroadcastSwap(ctx, chain.SwapParams{
					From:     intent.From,
					To:       intent.Router,
					Value:    value,
					Data:     intent.Data,
					GasPrice: intent.GasPrice,
					GasLimit: intent.GasLimit,
					Nonce:    n,
				})
			},
			records: func(hash common.Hash, n uint64) []*txrecord.Record {
				return []*txrecord.Record{{
					ID:         hash.Hex(),
					From:       intent.From.Hex(),
					To:         intent.Router.Hex(),
					Value:      value.String(),
					Gas:        gasString(intent.GasLimit),
					GasPrice:   decimalString(intent.GasPrice),
					Nonce:      fmt.Sprint(n),
					State:      txrecord.StatePending,
					Type:       txrecord.TypeNormal,
					Operations: []txrecord.Operation{op},
				}}
			},
			refresh: intent.RefreshTokens,
		})
	})
}

// Cancel replaces original with a zero-value transfer to self at the same
// nonce, paying max(original gas price × 1.2, floor). On success the
// original becomes cancelling and a new cancel record is stored next to it.
func (c *Coordinator) Cancel(ctx context.Context, original *txrecord.Record) (*txrecord.Record, error) {
	stored, n, err := c.loadReplaceable(original)
	if err != nil {
		return nil, err
	}
	from := stored.FromAddress()

	defaults := c.Defaults()
	origPrice, err := stored.GasPriceValue()
	if err != nil {
		origPrice = new(big.Int)
	}
	price := CancelGasPrice(origPrice, defaults.GasPriceFloor)

	xfer := transferSpec{
		to:       from,
		token:    token.Native,
		amount:   new(big.Int),
		gasLimit: defaults.CancelGasLimit,
		op: txrecord.Operation{
			From:     from.Hex(),
			To:       from.Hex(),
			Contract: token.NativeAddress,
			Kind:     txrecord.OperationTransfer,
			Value:    "0",
		},
	}

	return c.execute(ctx, &submission{
		op:       events.OpCancel,
		from:     from,
		to:       from,
		gasPrice: price,
		nonce:    n,
		send: func(ctx context.Context, n uint64) (common.Hash, error) {
			return c.client.BroadcastTransfer(ctx, xfer.params(from, price, n))
		},
		records: func(hash common.Hash, n uint64) []*txrecord.Record {
			rec := xfer.record(hash, from, price, n, txrecord.TypeCancel)
			rec.ReplacesKey = stored.CompoundKey()
			orig := stored.Clone()
			orig.State = txrecord.StateCancelling
			return []*txrecord.Record{rec, orig}
		},
		refresh: []token.ID{token.Native},
	})
}

// SpeedUp rebroadcasts original with gasPrice at the same nonce. Transfers
// are rebuilt from the record; exchanges are rebuilt from the original
// calldata fetched by hash. Other kinds return ErrReplacementUnsupported
// without changing any state.
func (c *Coordinator) SpeedUp(ctx context.Context, original *txrecord.Record, gasPrice *big.Int) (*txrecord.Record, error) {
	if gasPrice == nil {
		return nil, ErrGasPriceNil
	}
	stored, n, err := c.loadReplaceable(original)
	if err != nil {
		return nil, err
	}
	from := stored.FromAddress()

	speedingUp := func(rec *txrecord.Record) []*txrecord.Record {
		rec.ReplacesKey = stored.CompoundKey()
		orig := stored.Clone()
		orig.State = txrecord.StateSpeedingUp
		return []*txrecord.Record{rec, orig}
	}

	switch stored.Kind() {
	case txrecord.OperationTransfer:
		xfer, err := transferSpecFromRecord(stored)
		if err != nil {
			return nil, err
		}
		return c.execute(ctx, &submission{
			op:       events.OpSpeedUp,
			from:     from,
			to:       xfer.to,
			gasPrice: gasPrice,
			nonce:    n,
			send: func(ctx context.Context, n uint64) (common.Hash, error) {
				return c.client.BroadcastTransfer(ctx, xfer.params(from, gasPrice, n))
			},
			records: func(hash common.Hash, n uint64) []*txrecord.Record {
				return speedingUp(xfer.record(hash, from, gasPrice, n, txrecord.TypeSpeedUp))
			},
		})

	case txrecord.OperationExchange:
		raw, err := c.client.GetTransactionByHash(ctx, stored.Hash())
		if err != nil {
			c.publishFailed(from, events.OpSpeedUp, err)
			return nil, fmt.Errorf("couldn't fetch original exchange %s: %w", stored.ID, err)
		}
		params := chain.SwapParamsFrom(raw)
		params.From = from
		params.GasPrice = gasPrice
		if params.Value == nil {
			params.Value = new(big.Int)
		}

		return c.execute(ctx, &submission{
			op:       events.OpSpeedUp,
			from:     from,
			to:       params.To,
			gasPrice: gasPrice,
			nonce:    n,
			send: func(ctx context.Context, n uint64) (common.Hash, error) {
				p := params
				p.Nonce = n
				return c.client.BroadcastSwap(ctx, p)
			},
			records: func(hash common.Hash, n uint64) []*txrecord.Record {
				rec := stored.Clone()
				rec.ID = hash.Hex()
				rec.BlockNumber = 0
				rec.GasUsed = ""
				rec.GasPrice = gasPrice.String()
				rec.Gas = gasString(params.GasLimit)
				rec.Nonce = fmt.Sprint(n)
				rec.State = txrecord.StatePending
				rec.Type = txrecord.TypeSpeedUp
				return speedingUp(rec)
			},
		})

	default:
		logger.WithFields(logger.Fields{
			"wallet": from.Hex(),
			"key":    stored.CompoundKey(),
			"kind":   stored.Kind().String(),
		}).Info("speed-up requested for unsupported transaction kind, ignoring")
		return nil, ErrReplacementUnsupported
	}
}

// loadReplaceable reads the current version of original and its nonce.
func (c *Coordinator) loadReplaceable(original *txrecord.Record) (*txrecord.Record, uint64, error) {
	if original == nil {
		return nil, 0, ErrRecordNotFound
	}
	stored, err := c.store.Get(original.CompoundKey())
	if err != nil {
		return nil, 0, err
	}
	if stored == nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrRecordNotFound, original.CompoundKey())
	}
	if !stored.State.IsInFlight() {
		return nil, 0, fmt.Errorf("%w: %s is %s", ErrRecordSettled, stored.ID, stored.State)
	}
	n, err := stored.NonceValue()
	if err != nil {
		return nil, 0, err
	}
	return stored, n, nil
}

// execute runs one submission under the wallet lock.
func (c *Coordinator) execute(ctx context.Context, s *submission) (*txrecord.Record, error) {
	lock := c.getWalletLock(s.from)
	lock.Lock()
	defer lock.Unlock()

	n := s.nonce
	if s.reserve {
		var err error
		n, err = c.reserveNonce(ctx, s.from)
		if err != nil {
			c.publishFailed(s.from, s.op, err)
			return nil, fmt.Errorf("couldn't reserve nonce: %w", err)
		}
	}

	info := &BroadcastInfo{
		Operation: s.op,
		From:      s.from,
		To:        s.to,
		Nonce:     n,
		GasPrice:  s.gasPrice,
	}

	if s.before != nil {
		if hookErr := s.before(info, nil); hookErr != nil {
			if s.reserve {
				c.nonces.Release(s.from, n)
			}
			return nil, fmt.Errorf("before broadcast hook error: %w", hookErr)
		}
	}

	hash, err := s.send(ctx, n)
	class := chain.Classify(err)
	c.metrics.Broadcast(string(s.op), class.String())
	if err != nil {
		c.handleBroadcastError(ctx, s, n, class, err)
		return nil, fmt.Errorf("%s broadcast failed: %w", s.op, err)
	}
	info.Hash = hash

	records := s.records(hash, n)
	now := c.clock.Now()
	records[0].Date = now
	c.completeFromChain(ctx, records[0])

	logger.WithFields(logger.Fields{
		"wallet":    s.from.Hex(),
		"operation": string(s.op),
		"tx_hash":   hash.Hex(),
		"nonce":     n,
		"gas_price": records[0].GasPrice,
	}).Info("broadcast transaction")

	if err := c.store.Upsert(records...); err != nil {
		logger.WithFields(logger.Fields{
			"wallet":  s.from.Hex(),
			"tx_hash": hash.Hex(),
			"error":   err,
		}).Error("broadcast transaction could not be recorded")
		return records[0], err
	}
	for _, r := range records {
		c.publishUpdated(r)
	}

	if c.refresher != nil && len(s.refresh) > 0 {
		refresh := token.NormalizeIDs(s.refresh)
		if len(refresh) > DefaultMaxRefreshTokens {
			refresh = refresh[:DefaultMaxRefreshTokens]
		}
		c.refresher.ScheduleRefreshAfterBroadcast(context.WithoutCancel(ctx), refresh...)
	}

	if s.after != nil {
		if hookErr := s.after(info, nil); hookErr != nil {
			return records[0], fmt.Errorf("after broadcast hook error: %w", hookErr)
		}
	}
	return records[0], nil
}

// completeFromChain fills a gas price or limit the node chose for us.
func (c *Coordinator) completeFromChain(ctx context.Context, rec *txrecord.Record) {
	if rec.GasPrice != "" && rec.Gas != "" {
		return
	}
	raw, err := c.client.GetTransactionByHash(ctx, rec.Hash())
	if err != nil {
		logger.WithFields(logger.Fields{
			"tx_hash": rec.ID,
			"error":   err,
		}).Debug("couldn't read back gas settings of broadcast transaction")
		return
	}
	if rec.GasPrice == "" && raw.GasPrice != nil {
		rec.GasPrice = raw.GasPrice.String()
	}
	if rec.Gas == "" && raw.Gas > 0 {
		rec.Gas = fmt.Sprint(raw.Gas)
	}
}

// handleBroadcastError reacts to the class of a broadcast failure. No record
// changes state because of the failed transaction itself.
func (c *Coordinator) handleBroadcastError(ctx context.Context, s *submission, n uint64, class chain.Class, err error) {
	logger.WithFields(logger.Fields{
		"wallet":    s.from.Hex(),
		"operation": string(s.op),
		"nonce":     n,
		"class":     class.String(),
		"error":     err,
	}).Warn("broadcast failed")

	switch class {
	case chain.ClassNonceTooLow:
		c.rebaseNonce(ctx, s.from)
	case chain.ClassReplacementUnderpriced:
		c.rollbackLatestReplacement(s.from)
		// A fresh nonce rejected this way is held by the node.
		if s.reserve {
			c.rebaseNonce(ctx, s.from)
		}
	default:
		if s.reserve {
			c.nonces.Release(s.from, n)
		}
	}

	c.publishFailed(s.from, s.op, err)
}

// rollbackLatestReplacement returns the account's most recent cancelling or
// speeding-up record to pending: the node still holds the original.
func (c *Coordinator) rollbackLatestReplacement(account common.Address) {
	latest, err := c.store.LatestReplacing(account)
	if err != nil || latest == nil {
		if err != nil {
			logger.WithFields(logger.Fields{
				"wallet": account.Hex(),
				"error":  err,
			}).Warn("couldn't look up replaced records")
		}
		return
	}

	updated, err := c.store.UpdateState(latest.CompoundKey(), txrecord.StatePending)
	if err != nil || updated == nil {
		logger.WithFields(logger.Fields{
			"wallet": account.Hex(),
			"key":    latest.CompoundKey(),
			"error":  err,
		}).Warn("couldn't roll back replaced record")
		return
	}

	logger.WithFields(logger.Fields{
		"wallet": account.Hex(),
		"key":    updated.CompoundKey(),
		"from":   latest.State.String(),
	}).Info("rolled back replaced record to pending")
	c.publishUpdated(updated)
}

// UpdateState applies an externally observed state to the record at key.
// A mined replacement supersedes its original; a mined original supersedes
// its pending replacements; a dropped replacement hands the nonce back to
// its original. All affected records are written together.
func (c *Coordinator) UpdateState(key string, state txrecord.State) (*txrecord.Record, error) {
	rec, err := c.store.Get(key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, key)
	}

	lock := c.getWalletLock(rec.FromAddress())
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock so a concurrent cancel or speed-up is not lost.
	rec, err = c.store.Get(key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, key)
	}

	updated := rec.Clone()
	updated.State = state

	related, err := c.relatedChanges(updated)
	if err != nil {
		return nil, err
	}
	changes := append([]*txrecord.Record{updated}, related...)
	if err := c.store.Upsert(changes...); err != nil {
		return nil, err
	}

	for _, r := range changes {
		c.publishUpdated(r)
	}

	logger.WithFields(logger.Fields{
		"wallet":  rec.From,
		"key":     updated.CompoundKey(),
		"from":    rec.State.String(),
		"to":      state.String(),
		"related": len(related),
	}).Debug("reconciled transaction state")
	return updated, nil
}

func isMined(s txrecord.State) bool {
	return s == txrecord.StateCompleted || s == txrecord.StateError
}

func (c *Coordinator) relatedChanges(rec *txrecord.Record) ([]*txrecord.Record, error) {
	if rec.Type != txrecord.TypeNormal && rec.ReplacesKey != "" {
		orig, err := c.store.Get(rec.ReplacesKey)
		if err != nil || orig == nil || !orig.State.IsInFlight() {
			return nil, err
		}
		switch {
		case isMined(rec.State):
			orig.State = txrecord.StateFailed
		case rec.State == txrecord.StateFailed && orig.State.IsReplacing():
			orig.State = txrecord.StatePending
		default:
			return nil, nil
		}
		return []*txrecord.Record{orig}, nil
	}

	if !isMined(rec.State) {
		return nil, nil
	}
	key := rec.CompoundKey()
	replacements, err := c.store.Filter(func(r *txrecord.Record) bool {
		return r.ReplacesKey == key && r.State.IsInFlight()
	})
	if err != nil {
		return nil, err
	}
	for _, r := range replacements {
		r.State = txrecord.StateFailed
	}
	return replacements, nil
}

// AbandonStaleReplacements fails the account's cancel and speed-up records
// that stayed pending longer than the replacement timeout, and returns their
// originals to pending. It returns the abandoned replacements.
func (c *Coordinator) AbandonStaleReplacements(account common.Address) ([]*txrecord.Record, error) {
	lock := c.getWalletLock(account)
	lock.Lock()
	defer lock.Unlock()

	cutoff := c.clock.Now().Add(-c.Defaults().ReplacementTimeout)
	stale, err := c.store.Filter(func(r *txrecord.Record) bool {
		return r.IsFrom(account) &&
			r.Type != txrecord.TypeNormal &&
			r.State == txrecord.StatePending &&
			r.Date.Before(cutoff)
	})
	if err != nil || len(stale) == 0 {
		return nil, err
	}

	changes := make(map[string]*txrecord.Record)
	for _, r := range stale {
		r.State = txrecord.StateFailed
		changes[r.CompoundKey()] = r

		if r.ReplacesKey == "" {
			continue
		}
		orig, ok := changes[r.ReplacesKey]
		if !ok {
			orig, err = c.store.Get(r.ReplacesKey)
			if err != nil {
				return nil, err
			}
		}
		if orig != nil && orig.State.IsReplacing() {
			orig.State = txrecord.StatePending
			changes[orig.CompoundKey()] = orig
		}
	}

	batch := make([]*txrecord.Record, 0, len(changes))
	for _, r := range changes {
		batch = append(batch, r)
	}
	if err := c.store.Upsert(batch...); err != nil {
		return nil, err
	}
	for _, r := range batch {
		c.publishUpdated(r)
	}

	logger.WithFields(logger.Fields{
		"wallet":    account.Hex(),
		"abandoned": len(stale),
		"cutoff":    cutoff,
	}).Info("abandoned stale replacement transactions")
	return stale, nil
}

// withIdempotency runs submit at most once per key. A key that already
// produced a record returns that record.
func (c *Coordinator) withIdempotency(key string, submit func() (*txrecord.Record, error)) (*txrecord.Record, error) {
	if key == "" || c.idempotencyStore == nil {
		return submit()
	}
	store := c.idempotencyStore

	existing, err := store.Get(key)
	if err == nil {
		switch existing.Status {
		case idempotency.StatusSubmitted:
			return c.recordFor(existing)
		case idempotency.StatusFailed:
			return nil, existing.Error
		default:
			return nil, ErrSubmissionInProgress
		}
	}

	record, err := store.Create(key)
	if errors.Is(err, idempotency.ErrDuplicateKey) {
		// Another submission created the key in between
		return nil, ErrSubmissionInProgress
	}
	if err != nil {
		return nil, err
	}

	rec, submitErr := submit()
	if rec != nil {
		record.Status = idempotency.StatusSubmitted
		record.TxHash = rec.Hash()
		record.RecordKey = rec.CompoundKey()
	} else {
		record.Status = idempotency.StatusFailed
	}
	record.Error = submitErr

	// Best effort update - don't fail the submission if update fails
	_ = store.Update(record)

	return rec, submitErr
}

func (c *Coordinator) recordFor(existing *idempotency.Record) (*txrecord.Record, error) {
	rec, err := c.store.Get(existing.RecordKey)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, existing.RecordKey)
	}
	return rec, existing.Error
}

func (c *Coordinator) publishUpdated(r *txrecord.Record) {
	c.publish(events.TransactionUpdated{
		Account: r.FromAddress(),
		Key:     r.CompoundKey(),
		Record:  r.Clone(),
	})
}

func (c *Coordinator) publishFailed(account common.Address, op events.Operation, err error) {
	c.publish(events.TransactionFailed{
		Account:   account,
		Operation: op,
		Class:     chain.Classify(err),
		Err:       err,
	})
}

func (c *Coordinator) publish(ev events.Event) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ev); err != nil {
		logger.WithFields(logger.Fields{
			"event": ev.Kind().String(),
			"error": err,
		}).Debug("couldn't publish transaction event")
	}
}

func decimalString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func gasString(limit uint64) string {
	if limit == 0 {
		return ""
	}
	return fmt.Sprint(limit)
}
