package balance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"

	"github.com/tranvictor/walletcore/chain"
	"github.com/tranvictor/walletcore/events"
	"github.com/tranvictor/walletcore/internal/metrics"
	"github.com/tranvictor/walletcore/token"
)

var (
	// ErrFetchInProgress is returned when a cycle is requested for a track
	// that already has one in flight.
	ErrFetchInProgress = fmt.Errorf("balance fetch already in progress")

	// ErrCycleFailed is returned when a cycle obtained no balance at all for
	// a reason other than being offline.
	ErrCycleFailed = fmt.Errorf("balance fetch cycle failed")

	// ErrTooManyTokens is returned by RefreshAfterBroadcast for more than two tokens.
	ErrTooManyTokens = fmt.Errorf("at most two tokens can be refreshed after a broadcast")

	errOffline = fmt.Errorf("network unreachable")
)

// Track is one of the two independently polled token sets.
type Track int

const (
	TrackSupported Track = iota
	TrackOther
)

func (t Track) String() string {
	if t == TrackOther {
		return "other"
	}
	return "supported"
}

// Config tunes the fetcher.
type Config struct {
	SupportedInterval time.Duration `yaml:"supported_interval"`
	OtherInterval     time.Duration `yaml:"other_interval"`

	// ChunkSize is the number of tokens per batched call once the full
	// batch has failed.
	ChunkSize int `yaml:"chunk_size"`

	// StaggerStep delays the n-th per-address call of a failed chunk by
	// n × StaggerStep.
	StaggerStep time.Duration `yaml:"stagger_step"`

	// RetryDelay is the delay of the single retry after a failed cycle.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

func DefaultConfig() Config {
	return Config{
		SupportedInterval: 30 * time.Second,
		OtherInterval:     60 * time.Second,
		ChunkSize:         20,
		StaggerStep:       200 * time.Millisecond,
		RetryDelay:        15 * time.Second,
	}
}

// Publisher receives balance events.
type Publisher interface {
	Publish(ev events.Event) error
}

// Fetcher polls an account's token balances into a Cache.
type Fetcher struct {
	owner    common.Address
	client   chain.Client
	reach    chain.Reachability
	registry chain.TokenRegistry
	cache    *Cache

	publisher Publisher
	clock     clock.Clock
	metrics   *metrics.Metrics
	config    Config

	fetching [2]atomic.Bool
	tickers  [2]ticker.Ticker

	started atomic.Bool
	gm      *fn.GoroutineManager
}

// Option configures a Fetcher
type Option func(*Fetcher)

func WithConfig(config Config) Option {
	return func(f *Fetcher) {
		f.config = config
	}
}

func WithClock(clk clock.Clock) Option {
	return func(f *Fetcher) {
		f.clock = clk
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) {
		f.metrics = m
	}
}

func WithPublisher(p Publisher) Option {
	return func(f *Fetcher) {
		f.publisher = p
	}
}

// WithTickers replaces the periodic tickers of the two tracks.
func WithTickers(supported, other ticker.Ticker) Option {
	return func(f *Fetcher) {
		f.tickers[TrackSupported] = supported
		f.tickers[TrackOther] = other
	}
}

func NewFetcher(owner common.Address, client chain.Client, reach chain.Reachability,
	registry chain.TokenRegistry, cache *Cache, opts ...Option) *Fetcher {

	f := &Fetcher{
		owner:    owner,
		client:   client,
		reach:    reach,
		registry: registry,
		cache:    cache,
		clock:    clock.NewDefaultClock(),
		config:   DefaultConfig(),
		gm:       fn.NewGoroutineManager(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.config.ChunkSize <= 0 {
		f.config.ChunkSize = DefaultConfig().ChunkSize
	}
	if f.tickers[TrackSupported] == nil {
		f.tickers[TrackSupported] = ticker.New(f.config.SupportedInterval)
	}
	if f.tickers[TrackOther] == nil {
		f.tickers[TrackOther] = ticker.New(f.config.OtherInterval)
	}
	return f
}

// Cache returns the cache the fetcher writes to.
func (f *Fetcher) Cache() *Cache {
	return f.cache
}

// Start runs both tracks immediately and then on their tickers until ctx is
// done or Stop is called.
func (f *Fetcher) Start(ctx context.Context) {
	if !f.started.CompareAndSwap(false, true) {
		return
	}

	for _, track := range []Track{TrackSupported, TrackOther} {
		track := track
		f.gm.Go(ctx, func(ctx context.Context) {
			f.trackLoop(ctx, track)
		})
	}
}

// Stop cancels running cycles and pending retries and waits for them.
func (f *Fetcher) Stop() {
	f.gm.Stop()
}

// IsFetching reports whether a cycle of track is in flight.
func (f *Fetcher) IsFetching(track Track) bool {
	return f.fetching[track].Load()
}

func (f *Fetcher) trackLoop(ctx context.Context, track Track) {
	t := f.tickers[track]
	t.Resume()
	defer t.Stop()

	f.trigger(ctx, track, true)
	for {
		select {
		case <-t.Ticks():
			f.trigger(ctx, track, true)
		case <-ctx.Done():
			return
		}
	}
}

// trigger starts a cycle in the background unless one is in flight.
func (f *Fetcher) trigger(ctx context.Context, track Track, allowRetry bool) {
	ok := f.gm.Go(ctx, func(ctx context.Context) {
		err := f.refresh(ctx, track, allowRetry)
		if err != nil && !errors.Is(err, ErrFetchInProgress) && !errors.Is(err, context.Canceled) {
			logger.WithFields(logger.Fields{
				"wallet": f.owner.Hex(),
				"track":  track.String(),
				"error":  err,
			}).Warn("balance fetch cycle failed")
		}
	})
	if !ok {
		logger.WithFields(logger.Fields{
			"wallet": f.owner.Hex(),
			"track":  track.String(),
		}).Debug("fetcher stopping, cycle not started")
	}
}

// Refresh runs one cycle of track and returns when every sub-call has
// returned. A failed cycle schedules one delayed retry.
func (f *Fetcher) Refresh(ctx context.Context, track Track) error {
	return f.refresh(ctx, track, true)
}

func (f *Fetcher) refresh(ctx context.Context, track Track, allowRetry bool) error {
	if !f.fetching[track].CompareAndSwap(false, true) {
		f.metrics.ObserveCycle(track.String(), metrics.OutcomeSkipped, 0)
		logger.WithFields(logger.Fields{
			"wallet": f.owner.Hex(),
			"track":  track.String(),
		}).Debug("balance fetch in flight, skipping cycle")
		return ErrFetchInProgress
	}
	defer f.fetching[track].Store(false)

	start := f.clock.Now()
	outcome, err := f.runCycle(ctx, track)
	f.metrics.ObserveCycle(track.String(), outcome, f.clock.Now().Sub(start))

	if errors.Is(err, ErrCycleFailed) && allowRetry {
		f.scheduleRetry(ctx, track)
	}
	return err
}

func (f *Fetcher) scheduleRetry(ctx context.Context, track Track) {
	delay := f.config.RetryDelay
	ok := f.gm.Go(ctx, func(ctx context.Context) {
		select {
		case <-f.clock.TickAfter(delay):
		case <-ctx.Done():
			return
		}
		// The retry never schedules another retry.
		if err := f.refresh(ctx, track, false); err != nil && !errors.Is(err, ErrFetchInProgress) {
			logger.WithFields(logger.Fields{
				"wallet": f.owner.Hex(),
				"track":  track.String(),
				"error":  err,
			}).Warn("balance fetch retry failed")
		}
	})
	if ok {
		f.metrics.RetryScheduled(track.String())
		logger.WithFields(logger.Fields{
			"wallet": f.owner.Hex(),
			"track":  track.String(),
			"delay":  delay.String(),
		}).Info("scheduled balance fetch retry")
	}
}

func (f *Fetcher) tokensFor(ctx context.Context, track Track) ([]token.ID, error) {
	if track == TrackOther {
		return f.registry.OtherTokens(ctx)
	}
	return f.registry.SupportedTokens(ctx)
}

func (f *Fetcher) runCycle(ctx context.Context, track Track) (string, error) {
	if f.reach != nil && !f.reach.IsReachable() {
		logger.WithFields(logger.Fields{
			"wallet": f.owner.Hex(),
			"track":  track.String(),
		}).Debug("network unreachable, skipping balance fetch")
		return metrics.OutcomeOffline, nil
	}

	ids, err := f.tokensFor(ctx, track)
	if err != nil {
		return metrics.OutcomeFailed, fmt.Errorf("couldn't list %s tokens: %w", track, err)
	}
	ids = token.NormalizeIDs(ids)
	if len(ids) == 0 {
		return metrics.OutcomeEmpty, nil
	}

	observedAt := f.clock.Now()
	updates, failed, err := f.fetch(ctx, track, ids)
	if ctx.Err() != nil {
		return metrics.OutcomeFailed, ctx.Err()
	}
	switch {
	case errors.Is(err, errOffline):
		logger.WithFields(logger.Fields{
			"wallet": f.owner.Hex(),
			"track":  track.String(),
			"error":  err,
		}).Debug("went offline during balance fetch, abandoning cycle")
		return metrics.OutcomeOffline, nil

	case err != nil:
		return metrics.OutcomeFailed, err

	case len(updates) == 0:
		return metrics.OutcomeFailed, fmt.Errorf("%w: none of %d %s tokens fetched",
			ErrCycleFailed, len(ids), track)
	}

	if f.cache.ApplyObserved(updates, observedAt) {
		f.publish(events.BalancesChanged{Account: f.owner, Track: track.String()})
	}

	if track == TrackOther {
		f.disableEmptyTokens(ctx, updates)
	}

	logger.WithFields(logger.Fields{
		"wallet":  f.owner.Hex(),
		"track":   track.String(),
		"tokens":  len(ids),
		"fetched": len(updates),
		"failed":  failed,
	}).Debug("balance fetch cycle done")

	if failed > 0 {
		return metrics.OutcomePartial, nil
	}
	return metrics.OutcomeOK, nil
}

// disableEmptyTokens reports zero-balance other tokens that are not in the
// supported set.
func (f *Fetcher) disableEmptyTokens(ctx context.Context, updates map[token.ID]token.Balance) {
	supported, err := f.registry.SupportedTokens(ctx)
	if err != nil {
		logger.WithFields(logger.Fields{
			"wallet": f.owner.Hex(),
			"error":  err,
		}).Warn("couldn't list supported tokens, not disabling empty tokens")
		return
	}
	keep := make(map[token.ID]struct{}, len(supported))
	for _, id := range token.NormalizeIDs(supported) {
		keep[id] = struct{}{}
	}

	var empty []token.ID
	for id, b := range updates {
		if _, ok := keep[id]; ok || id.IsNative() || !b.IsZero() {
			continue
		}
		empty = append(empty, id)
	}
	if len(empty) == 0 {
		return
	}

	if err := f.registry.DisableTokens(ctx, empty); err != nil {
		logger.WithFields(logger.Fields{
			"wallet": f.owner.Hex(),
			"tokens": len(empty),
			"error":  err,
		}).Warn("couldn't disable empty tokens")
		return
	}
	f.metrics.TokensDisabled(len(empty))
	logger.WithFields(logger.Fields{
		"wallet": f.owner.Hex(),
		"tokens": len(empty),
	}).Info("disabled zero-balance tokens")
}

// collector gathers results from concurrent sub-calls.
type collector struct {
	mu      sync.Mutex
	updates map[token.ID]token.Balance
	failed  int
}

func (c *collector) put(id token.ID, v *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates[id] = token.NewBalance(v)
}

func (c *collector) fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed++
}

// fetch reads the balances of ids. The native token is read on its own, the
// rest with one batched call that falls back to chunks and then to single
// calls. Every sub-call joins the same group, so fetch returns only when all
// of them are done.
func (f *Fetcher) fetch(ctx context.Context, track Track, ids []token.ID) (map[token.ID]token.Balance, int, error) {
	c := &collector{updates: make(map[token.ID]token.Balance, len(ids))}
	g, gctx := errgroup.WithContext(ctx)

	var tokens []token.ID
	for _, id := range ids {
		id := id
		if id.IsNative() {
			g.Go(func() error {
				f.fetchOne(gctx, track, id, c)
				return nil
			})
			continue
		}
		tokens = append(tokens, id)
	}

	if len(tokens) > 0 {
		g.Go(func() error {
			return f.fetchBatch(gctx, g, track, tokens, c)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return c.updates, c.failed, nil
}

func (f *Fetcher) fetchBatch(ctx context.Context, g *errgroup.Group, track Track, tokens []token.ID, c *collector) error {
	values, err := f.client.GetBatchTokenBalances(ctx, f.owner, addresses(tokens))
	if err == nil && len(values) == len(tokens) {
		for i, id := range tokens {
			c.put(id, values[i])
		}
		return nil
	}
	if err != nil && chain.IsOffline(err) {
		return fmt.Errorf("%w: %w", errOffline, err)
	}

	f.metrics.Fallback(track.String(), metrics.StageChunk)
	logger.WithFields(logger.Fields{
		"wallet":    f.owner.Hex(),
		"track":     track.String(),
		"requested": len(tokens),
		"returned":  len(values),
		"error":     err,
	}).Info("batched balance call failed, falling back to chunks")

	for _, chunk := range chunks(tokens, f.config.ChunkSize) {
		chunk := chunk
		g.Go(func() error {
			f.fetchChunk(ctx, g, track, chunk, c)
			return nil
		})
	}
	return nil
}

func (f *Fetcher) fetchChunk(ctx context.Context, g *errgroup.Group, track Track, chunk []token.ID, c *collector) {
	values, err := f.client.GetBatchTokenBalances(ctx, f.owner, addresses(chunk))
	if err == nil && len(values) == len(chunk) {
		for i, id := range chunk {
			c.put(id, values[i])
		}
		return
	}

	f.metrics.Fallback(track.String(), metrics.StageAddress)
	logger.WithFields(logger.Fields{
		"wallet":    f.owner.Hex(),
		"track":     track.String(),
		"requested": len(chunk),
		"returned":  len(values),
		"error":     err,
	}).Info("chunked balance call failed, falling back to single calls")

	for pos, id := range chunk {
		id := id
		delay := time.Duration(pos) * f.config.StaggerStep
		g.Go(func() error {
			select {
			case <-f.clock.TickAfter(delay):
			case <-ctx.Done():
				c.fail()
				return nil
			}
			f.fetchOne(ctx, track, id, c)
			return nil
		})
	}
}

// fetchOne reads a single balance. Failures leave the cached value stale.
func (f *Fetcher) fetchOne(ctx context.Context, track Track, id token.ID, c *collector) {
	v, err := f.balanceOf(ctx, id)
	if err != nil {
		c.fail()
		f.metrics.AddressFailure(track.String())
		logger.WithFields(logger.Fields{
			"wallet": f.owner.Hex(),
			"track":  track.String(),
			"token":  id.String(),
			"error":  err,
		}).Warn("couldn't fetch token balance")
		return
	}
	c.put(id, v)
}

func (f *Fetcher) balanceOf(ctx context.Context, id token.ID) (*big.Int, error) {
	if id.IsNative() {
		return f.client.GetNativeBalance(ctx, f.owner)
	}
	return f.client.GetTokenBalance(ctx, f.owner, id.Address())
}

// RefreshAfterBroadcast fetches up to two tokens concurrently, applies what
// it got and publishes exactly one BalanceRefreshDone, whatever the outcome
// of the individual calls.
func (f *Fetcher) RefreshAfterBroadcast(ctx context.Context, ids ...token.ID) (map[token.ID]token.Balance, error) {
	ids = token.NormalizeIDs(ids)
	if len(ids) > 2 {
		return nil, fmt.Errorf("%w: got %d", ErrTooManyTokens, len(ids))
	}

	observedAt := f.clock.Now()
	c := &collector{updates: make(map[token.ID]token.Balance, len(ids))}

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			f.fetchOne(ctx, TrackSupported, id, c)
			return nil
		})
	}
	_ = g.Wait()

	if len(c.updates) > 0 && f.cache.ApplyObserved(c.updates, observedAt) {
		f.publish(events.BalancesChanged{Account: f.owner, Track: "broadcast"})
	}
	f.publish(events.BalanceRefreshDone{Account: f.owner, Tokens: ids})

	return c.updates, nil
}

// ScheduleRefreshAfterBroadcast runs RefreshAfterBroadcast in the background.
func (f *Fetcher) ScheduleRefreshAfterBroadcast(ctx context.Context, ids ...token.ID) bool {
	return f.gm.Go(ctx, func(ctx context.Context) {
		if _, err := f.RefreshAfterBroadcast(ctx, ids...); err != nil {
			logger.WithFields(logger.Fields{
				"wallet": f.owner.Hex(),
				"error":  err,
			}).Warn("post-broadcast balance refresh failed")
		}
	})
}

func (f *Fetcher) publish(ev events.Event) {
	if f.publisher == nil {
		return
	}
	if err := f.publisher.Publish(ev); err != nil {
		logger.WithFields(logger.Fields{
			"wallet": f.owner.Hex(),
			"event":  ev.Kind().String(),
			"error":  err,
		}).Debug("couldn't publish balance event")
	}
}

func addresses(ids []token.ID) []common.Address {
	out := make([]common.Address, len(ids))
	for i, id := range ids {
		out[i] = id.Address()
	}
	return out
}

func chunks(ids []token.ID, size int) [][]token.ID {
	var out [][]token.ID
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
