package walletcore

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tranvictor/walletcore/chain"
	"github.com/tranvictor/walletcore/events"
	"github.com/tranvictor/walletcore/idempotency"
	"github.com/tranvictor/walletcore/internal/balance"
	"github.com/tranvictor/walletcore/internal/metrics"
	"github.com/tranvictor/walletcore/internal/nonce"
	"github.com/tranvictor/walletcore/internal/txstore"
	"github.com/tranvictor/walletcore/token"
	"github.com/tranvictor/walletcore/txrecord"
)

// Deps are the outside collaborators of a session
type Deps struct {
	Client       chain.Client
	Reachability chain.Reachability
	Registry     chain.TokenRegistry
}

type sessionOptions struct {
	store          *txstore.Store
	storeConfig    StoreConfig
	balanceConfig  balance.Config
	defaults       Defaults
	clock          clock.Clock
	registerer     prometheus.Registerer
	idempotencyTTL time.Duration
	tickers        [2]ticker.Ticker
}

// SessionOption configures a Session
type SessionOption func(*sessionOptions)

// WithStore uses an already opened record store. The session takes
// ownership and closes it.
func WithStore(store *txstore.Store) SessionOption {
	return func(o *sessionOptions) {
		o.store = store
	}
}

// WithStoreConfig opens the record store from config
func WithStoreConfig(config StoreConfig) SessionOption {
	return func(o *sessionOptions) {
		o.storeConfig = config
	}
}

// WithBalanceConfig tunes the balance fetcher
func WithBalanceConfig(config balance.Config) SessionOption {
	return func(o *sessionOptions) {
		o.balanceConfig = config
	}
}

// WithSessionDefaults sets the coordinator defaults
func WithSessionDefaults(defaults Defaults) SessionOption {
	return func(o *sessionOptions) {
		o.defaults = defaults
	}
}

// WithClock sets the clock of every time-driven component
func WithClock(clk clock.Clock) SessionOption {
	return func(o *sessionOptions) {
		o.clock = clk
	}
}

// WithRegisterer registers the session metrics with reg
func WithRegisterer(reg prometheus.Registerer) SessionOption {
	return func(o *sessionOptions) {
		o.registerer = reg
	}
}

// WithIdempotencyTTL sets how long idempotency keys are remembered
func WithIdempotencyTTL(ttl time.Duration) SessionOption {
	return func(o *sessionOptions) {
		o.idempotencyTTL = ttl
	}
}

// WithBalanceTickers replaces the periodic tickers of the balance tracks
func WithBalanceTickers(supported, other ticker.Ticker) SessionOption {
	return func(o *sessionOptions) {
		o.tickers = [2]ticker.Ticker{supported, other}
	}
}

// Session is the wallet core of one active account: its record store, nonce
// tracker, balance cache and fetcher, transaction coordinator and event bus.
// Switching accounts means closing the session and opening a new one.
type Session struct {
	account common.Address
	deps    Deps

	store       *txstore.Store
	nonces      *nonce.Tracker
	fetcher     *balance.Fetcher
	coordinator *Coordinator
	bus         *events.Bus
	idempotency *idempotency.InMemoryStore

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewSession wires the components of account. The nonce tracker is seeded
// from the chain when the network answers; otherwise it is seeded on the
// first submission.
func NewSession(ctx context.Context, account common.Address, deps Deps, opts ...SessionOption) (*Session, error) {
	if account == (common.Address{}) {
		return nil, ErrFromAddressZero
	}
	if deps.Client == nil || deps.Registry == nil {
		return nil, fmt.Errorf("session needs a chain client and a token registry")
	}
	if deps.Reachability == nil {
		deps.Reachability = chain.AlwaysReachable
	}

	o := sessionOptions{
		storeConfig:    StoreConfig{Backend: StoreBackendMemory},
		balanceConfig:  balance.DefaultConfig(),
		defaults:       DefaultDefaults(),
		clock:          clock.NewDefaultClock(),
		idempotencyTTL: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(&o)
	}

	store := o.store
	if store == nil {
		config := o.storeConfig
		if config.Limit == 0 {
			config.Limit = o.defaults.StoreLimit
		}
		var err error
		store, err = OpenStore(config, account)
		if err != nil {
			return nil, fmt.Errorf("couldn't open transaction store: %w", err)
		}
	}

	m := metrics.New(o.registerer)
	bus := events.NewBus()
	bus.Start()

	fetcherOpts := []balance.Option{
		balance.WithConfig(o.balanceConfig),
		balance.WithClock(o.clock),
		balance.WithMetrics(m),
		balance.WithPublisher(bus),
	}
	if o.tickers[0] != nil && o.tickers[1] != nil {
		fetcherOpts = append(fetcherOpts, balance.WithTickers(o.tickers[0], o.tickers[1]))
	}
	fetcher := balance.NewFetcher(account, deps.Client, deps.Reachability, deps.Registry,
		balance.NewCache(), fetcherOpts...)

	idem := idempotency.NewInMemoryStore(o.idempotencyTTL, o.clock)
	nonces := nonce.NewTracker()

	coordinator := NewCoordinator(deps.Client, store, nonces,
		WithPublisher(bus),
		WithBalanceRefresher(fetcher),
		WithIdempotencyStore(idem),
		WithCoordinatorClock(o.clock),
		WithCoordinatorMetrics(m),
		WithDefaults(o.defaults),
	)

	s := &Session{
		account:     account,
		deps:        deps,
		store:       store,
		nonces:      nonces,
		fetcher:     fetcher,
		coordinator: coordinator,
		bus:         bus,
		idempotency: idem,
	}

	if deps.Reachability.IsReachable() {
		if next, err := coordinator.InitializeNonce(ctx, account); err != nil {
			logger.WithFields(logger.Fields{
				"wallet": account.Hex(),
				"error":  err,
			}).Warn("couldn't seed nonce tracker, deferring to first submission")
		} else {
			logger.WithFields(logger.Fields{
				"wallet":     account.Hex(),
				"next_nonce": next,
			}).Info("wallet session opened")
		}
	}
	return s, nil
}

// Start begins periodic balance fetching until ctx is done or Close is
// called.
func (s *Session) Start(ctx context.Context) {
	s.fetcher.Start(ctx)
}

// Close stops every background task, invalidates the record store and
// closes it. Writes still in flight become no-ops.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.fetcher.Stop()
		s.store.Invalidate()
		err = s.store.Close()
		s.idempotency.Stop()
		s.bus.Stop()

		logger.WithFields(logger.Fields{"wallet": s.account.Hex()}).Info("wallet session closed")
	})
	return err
}

// Account returns the active account
func (s *Session) Account() common.Address {
	return s.account
}

// Coordinator returns the transaction coordinator
func (s *Session) Coordinator() *Coordinator {
	return s.coordinator
}

// Store returns the record store
func (s *Session) Store() *txstore.Store {
	return s.store
}

// Subscribe registers for the given event kinds, or all kinds if none given
func (s *Session) Subscribe(kinds ...events.Kind) (*events.Subscription, error) {
	return s.bus.Subscribe(kinds...)
}

// Balances returns a copy of the cached balances
func (s *Session) Balances() map[token.ID]token.Balance {
	return s.fetcher.Cache().Snapshot()
}

// Balance returns the cached balance of id
func (s *Session) Balance(id token.ID) (token.Balance, bool) {
	return s.fetcher.Cache().Get(id)
}

// RefreshBalances runs one fetch cycle of track now
func (s *Session) RefreshBalances(ctx context.Context, track balance.Track) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.fetcher.Refresh(ctx, track)
}

// IsFetching reports whether a cycle of track is in flight
func (s *Session) IsFetching(track balance.Track) bool {
	return s.fetcher.IsFetching(track)
}

// History returns every record, newest first
func (s *Session) History() ([]*txrecord.Record, error) {
	return s.store.AllSortedByDateDescending()
}

// Pending returns the in-flight records of the account, newest first
func (s *Session) Pending() ([]*txrecord.Record, error) {
	return s.store.PendingFor(s.account)
}

// Cancel replaces a pending record of this account with a self-transfer
func (s *Session) Cancel(ctx context.Context, original *txrecord.Record) (*txrecord.Record, error) {
	if err := s.checkOwned(original); err != nil {
		return nil, err
	}
	return s.coordinator.Cancel(ctx, original)
}

// SpeedUp rebroadcasts a pending record of this account at gasPrice
func (s *Session) SpeedUp(ctx context.Context, original *txrecord.Record, gasPrice *big.Int) (*txrecord.Record, error) {
	if err := s.checkOwned(original); err != nil {
		return nil, err
	}
	return s.coordinator.SpeedUp(ctx, original, gasPrice)
}

// UpdateState applies an externally observed state to the record at key
func (s *Session) UpdateState(key string, state txrecord.State) (*txrecord.Record, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	return s.coordinator.UpdateState(key, state)
}

// AbandonStaleReplacements fails replacements pending past the timeout
func (s *Session) AbandonStaleReplacements() ([]*txrecord.Record, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	return s.coordinator.AbandonStaleReplacements(s.account)
}

func (s *Session) checkOwned(r *txrecord.Record) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if r == nil {
		return ErrRecordNotFound
	}
	if !r.IsFrom(s.account) {
		return ErrWrongAccount
	}
	return nil
}
