package walletcore

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tranvictor/walletcore/chain"
	"github.com/tranvictor/walletcore/events"
	"github.com/tranvictor/walletcore/idempotency"
	"github.com/tranvictor/walletcore/internal/nonce"
	"github.com/tranvictor/walletcore/internal/txstore"
	"github.com/tranvictor/walletcore/testutil"
	"github.com/tranvictor/walletcore/token"
	"github.com/tranvictor/walletcore/txrecord"
)

// ============================================================
// Harness
// ============================================================

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) updates() []events.TransactionUpdated {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.TransactionUpdated
	for _, ev := range r.events {
		if u, ok := ev.(events.TransactionUpdated); ok {
			out = append(out, u)
		}
	}
	return out
}

func (r *recorder) failures() []events.TransactionFailed {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.TransactionFailed
	for _, ev := range r.events {
		if f, ok := ev.(events.TransactionFailed); ok {
			out = append(out, f)
		}
	}
	return out
}

type refreshRecorder struct {
	mu    sync.Mutex
	calls [][]token.ID
}

func (r *refreshRecorder) ScheduleRefreshAfterBroadcast(ctx context.Context, ids ...token.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ids)
	return true
}

func (r *refreshRecorder) all() [][]token.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]token.ID(nil), r.calls...)
}

type harness struct {
	chain     *testutil.FakeChain
	store     *txstore.Store
	nonces    *nonce.Tracker
	events    *recorder
	refresher *refreshRecorder
	clock     *clock.TestClock
	coord     *Coordinator
}

func newHarness(t testing.TB, opts ...CoordinatorOption) *harness {
	backend, err := txstore.OpenLevelDB("")
	require.NoError(t, err)
	store := txstore.New(backend)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		chain:     testutil.NewFakeChain(),
		store:     store,
		nonces:    nonce.NewTracker(),
		events:    &recorder{},
		refresher: &refreshRecorder{},
		clock:     clock.NewTestClock(testutil.StartTime),
	}
	base := []CoordinatorOption{
		WithPublisher(h.events),
		WithBalanceRefresher(h.refresher),
		WithCoordinatorClock(h.clock),
	}
	h.coord = NewCoordinator(h.chain, store, h.nonces, append(base, opts...)...)
	return h
}

func (h *harness) seed(t testing.TB, records ...*txrecord.Record) {
	require.NoError(t, h.store.Upsert(records...))
}

func (h *harness) get(t testing.TB, key string) *txrecord.Record {
	r, err := h.store.Get(key)
	require.NoError(t, err)
	require.NotNil(t, r, "record %s missing", key)
	return r
}

func nativeIntent() TransferIntent {
	return TransferIntent{
		From:     testutil.TestAddr1,
		To:       testutil.TestAddr2,
		Amount:   testutil.OneEth,
		GasPrice: testutil.TwentyGwei,
		GasLimit: 21000,
	}
}

// ============================================================
// Submission
// ============================================================

func TestSubmitTransfer_Native(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.coord.SubmitTransfer(ctx, nativeIntent())
	require.NoError(t, err)

	assert.Equal(t, "0", rec.Nonce)
	assert.Equal(t, txrecord.StatePending, rec.State)
	assert.Equal(t, txrecord.TypeNormal, rec.Type)
	assert.Equal(t, testutil.TestAddr2.Hex(), rec.To)
	assert.Equal(t, testutil.OneEth.String(), rec.Value)
	assert.Equal(t, testutil.TwentyGwei.String(), rec.GasPrice)
	assert.Equal(t, "21000", rec.Gas)
	assert.True(t, rec.Date.Equal(testutil.StartTime))
	assert.Equal(t, txrecord.OperationTransfer, rec.Kind())

	stored := h.get(t, rec.CompoundKey())
	assert.Equal(t, rec.ID, stored.ID)

	next, err := h.nonces.Next(testutil.TestAddr1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next)

	updates := h.events.updates()
	require.Len(t, updates, 1)
	assert.Equal(t, rec.CompoundKey(), updates[0].Key)

	assert.Equal(t, [][]token.ID{{token.Native}}, h.refresher.all())

	second, err := h.coord.SubmitTransfer(ctx, nativeIntent())
	require.NoError(t, err)
	assert.Equal(t, "1", second.Nonce)
}

func TestSubmitTransfer_ERC20RecordsContractAndRecipient(t *testing.T) {
	h := newHarness(t)

	intent := nativeIntent()
	intent.Token = testutil.TokenKNC
	intent.Amount = big.NewInt(5000)
	intent.GasLimit = 60000
	intent.Symbol = "KNC"

	rec, err := h.coord.SubmitTransfer(context.Background(), intent)
	require.NoError(t, err)

	assert.Equal(t, testutil.TokenKNC.Address().Hex(), rec.To)
	assert.Equal(t, "0", rec.Value)

	op, ok := rec.PrimaryOperation()
	require.True(t, ok)
	assert.Equal(t, testutil.TestAddr2.Hex(), op.To)
	assert.Equal(t, testutil.TokenKNC.String(), op.Contract)
	assert.Equal(t, "5000", op.Value)
	assert.Equal(t, "KNC", op.Symbol)

	transfers := h.chain.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, testutil.TokenKNC, transfers[0].Token)
	assert.Equal(t, testutil.TestAddr2, transfers[0].To)

	assert.Equal(t, [][]token.ID{{testutil.TokenKNC, token.Native}}, h.refresher.all())
}

func TestSubmitTransfer_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TransferIntent)
		want   error
	}{
		{"zero from", func(i *TransferIntent) { i.From = common.Address{} }, ErrFromAddressZero},
		{"zero to", func(i *TransferIntent) { i.To = common.Address{} }, ErrToAddressZero},
		{"nil amount", func(i *TransferIntent) { i.Amount = nil }, ErrAmountNil},
		{"negative amount", func(i *TransferIntent) { i.Amount = big.NewInt(-1) }, ErrAmountNil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			intent := nativeIntent()
			tt.mutate(&intent)

			_, err := h.coord.SubmitTransfer(context.Background(), intent)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, h.chain.Transfers())
		})
	}
}

func TestSubmitTransfer_SeedsFromLocalPending(t *testing.T) {
	h := newHarness(t)
	h.chain.SetTransactionCount(testutil.TestAddr1, 5)
	h.seed(t, testutil.NewTransferRecord("local", testutil.TestAddr1, testutil.TestAddr2, 7,
		testutil.TwentyGwei, testutil.StartTime))

	rec, err := h.coord.SubmitTransfer(context.Background(), nativeIntent())
	require.NoError(t, err)
	assert.Equal(t, "8", rec.Nonce)
}

func TestSubmitTransfer_BroadcastFailureReleasesNonce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.chain.FailNextBroadcast(errors.New("insufficient funds for gas * price + value"))
	rec, err := h.coord.SubmitTransfer(ctx, nativeIntent())
	require.Error(t, err)
	assert.Nil(t, rec)

	count, err := h.store.Count()
	require.NoError(t, err)
	assert.Zero(t, count, "a failed broadcast creates no record")

	failures := h.events.failures()
	require.Len(t, failures, 1)
	assert.Equal(t, chain.ClassOther, failures[0].Class)
	assert.Equal(t, events.OpSubmit, failures[0].Operation)

	rec, err = h.coord.SubmitTransfer(ctx, nativeIntent())
	require.NoError(t, err)
	assert.Equal(t, "0", rec.Nonce, "released nonce is reused")
}

func TestSubmitTransfer_NonceTooLowRebases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.SubmitTransfer(ctx, nativeIntent())
	require.NoError(t, err)

	// Another wallet sharing the key sent four transactions meanwhile.
	h.chain.SetTransactionCount(testutil.TestAddr1, 5)
	h.chain.FailNextBroadcast(errors.New("nonce too low"))

	_, err = h.coord.SubmitTransfer(ctx, nativeIntent())
	require.Error(t, err)

	next, err := h.nonces.Next(testutil.TestAddr1)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), next)

	rec, err := h.coord.SubmitTransfer(ctx, nativeIntent())
	require.NoError(t, err)
	assert.Equal(t, "5", rec.Nonce)
}

func TestSubmitTransfer_UnderpricedRebases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Nonce 0 is already held by a transaction this session never saw.
	h.chain.SetTransactionCount(testutil.TestAddr1, 1)
	h.nonces.Initialize(testutil.TestAddr1, 0, fn.None[uint64]())
	h.chain.FailNextBroadcast(errors.New("replacement transaction underpriced"))

	_, err := h.coord.SubmitTransfer(ctx, nativeIntent())
	require.Error(t, err)

	rec, err := h.coord.SubmitTransfer(ctx, nativeIntent())
	require.NoError(t, err)
	assert.Equal(t, "1", rec.Nonce, "the rejected nonce is not handed out again")
}

func TestSubmitTransfer_Hooks(t *testing.T) {
	t.Run("before hook error aborts", func(t *testing.T) {
		h := newHarness(t)
		intent := nativeIntent()
		intent.BeforeBroadcast = func(info *BroadcastInfo, err error) error {
			return errors.New("user rejected")
		}

		_, err := h.coord.SubmitTransfer(context.Background(), intent)
		require.ErrorContains(t, err, "user rejected")
		assert.Empty(t, h.chain.Transfers())

		rec, err := h.coord.SubmitTransfer(context.Background(), nativeIntent())
		require.NoError(t, err)
		assert.Equal(t, "0", rec.Nonce)
	})

	t.Run("after hook error keeps the record", func(t *testing.T) {
		h := newHarness(t)
		var seen *BroadcastInfo
		intent := nativeIntent()
		intent.AfterBroadcast = func(info *BroadcastInfo, err error) error {
			seen = info
			return errors.New("bookkeeping failed")
		}

		rec, err := h.coord.SubmitTransfer(context.Background(), intent)
		require.ErrorContains(t, err, "bookkeeping failed")
		require.NotNil(t, rec)
		h.get(t, rec.CompoundKey())

		require.NotNil(t, seen)
		assert.Equal(t, rec.Hash(), seen.Hash)
		assert.Equal(t, uint64(0), seen.Nonce)
		assert.Equal(t, events.OpSubmit, seen.Operation)
	})
}

func TestSubmitTransfer_ConcurrentNoncesAreUnique(t *testing.T) {
	h := newHarness(t)
	const n = 20

	var wg sync.WaitGroup
	nonces := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := h.coord.SubmitTransfer(context.Background(), nativeIntent())
			if err == nil {
				nonces <- rec.Nonce
			}
		}()
	}
	wg.Wait()
	close(nonces)

	seen := make(map[string]bool)
	for nonce := range nonces {
		assert.False(t, seen[nonce], "nonce %s handed out twice", nonce)
		seen[nonce] = true
	}
	assert.Len(t, seen, n)
	for i := 0; i < n; i++ {
		assert.True(t, seen[fmt.Sprint(i)], "nonce %d missing", i)
	}
}

func TestSubmitSwap(t *testing.T) {
	h := newHarness(t)
	router := testutil.TestAddr3
	data := []byte{0xde, 0xad, 0xbe, 0xef}

	rec, err := h.coord.SubmitSwap(context.Background(), SwapIntent{
		From:     testutil.TestAddr1,
		Router:   router,
		Value:    big.NewInt(42),
		Data:     data,
		GasPrice: testutil.TwentyGwei,
		GasLimit: 250000,
		Operation: txrecord.Operation{
			Contract: testutil.TokenKNC.String(),
			Value:    "1000",
			Symbol:   "KNC",
		},
		RefreshTokens: []token.ID{token.Native, testutil.TokenKNC},
	})
	require.NoError(t, err)

	assert.Equal(t, txrecord.OperationExchange, rec.Kind())
	assert.Equal(t, router.Hex(), rec.To)
	assert.Equal(t, "42", rec.Value)
	assert.Equal(t, "250000", rec.Gas)

	swaps := h.chain.Swaps()
	require.Len(t, swaps, 1)
	assert.Equal(t, data, swaps[0].Data)
	assert.Equal(t, uint64(0), swaps[0].Nonce)

	assert.Equal(t, [][]token.ID{{token.Native, testutil.TokenKNC}}, h.refresher.all())
}

func TestSubmitTransfer_Idempotent(t *testing.T) {
	t.Run("second submission returns the first record", func(t *testing.T) {
		h := newHarness(t)
		store := idempotency.NewInMemoryStore(0, h.clock)
		defer store.Stop()
		h.coord = NewCoordinator(h.chain, h.store, h.nonces, WithIdempotencyStore(store),
			WithCoordinatorClock(h.clock))

		intent := nativeIntent()
		intent.IdempotencyKey = "order-1"

		first, err := h.coord.SubmitTransfer(context.Background(), intent)
		require.NoError(t, err)
		second, err := h.coord.SubmitTransfer(context.Background(), intent)
		require.NoError(t, err)

		assert.Equal(t, first.CompoundKey(), second.CompoundKey())
		assert.Len(t, h.chain.Transfers(), 1)
	})

	t.Run("failed submission is not retried under the same key", func(t *testing.T) {
		h := newHarness(t)
		store := idempotency.NewInMemoryStore(0, h.clock)
		defer store.Stop()
		h.coord = NewCoordinator(h.chain, h.store, h.nonces, WithIdempotencyStore(store),
			WithCoordinatorClock(h.clock))

		intent := nativeIntent()
		intent.IdempotencyKey = "order-2"

		h.chain.FailNextBroadcast(errors.New("insufficient funds"))
		_, firstErr := h.coord.SubmitTransfer(context.Background(), intent)
		require.Error(t, firstErr)

		_, err := h.coord.SubmitTransfer(context.Background(), intent)
		assert.Equal(t, firstErr, err)
		assert.Empty(t, h.chain.Transfers())
	})

	t.Run("key in progress", func(t *testing.T) {
		h := newHarness(t)
		store := idempotency.NewInMemoryStore(0, h.clock)
		defer store.Stop()
		h.coord = NewCoordinator(h.chain, h.store, h.nonces, WithIdempotencyStore(store))

		_, err := store.Create("order-3")
		require.NoError(t, err)

		intent := nativeIntent()
		intent.IdempotencyKey = "order-3"
		_, err = h.coord.SubmitTransfer(context.Background(), intent)
		assert.ErrorIs(t, err, ErrSubmissionInProgress)
	})
}

// ============================================================
// Replacement
// ============================================================

func TestCancelGasPrice(t *testing.T) {
	gwei := big.NewInt(1_000_000_000)
	tests := []struct {
		name     string
		original *big.Int
		floor    *big.Int
		want     *big.Int
	}{
		{"bumps by 20 percent", testutil.TwentyGwei, gwei, big.NewInt(24_000_000_000)},
		{"floor wins", big.NewInt(100), gwei, gwei},
		{"nil original", nil, gwei, gwei},
		{"nil floor", big.NewInt(10), nil, big.NewInt(12)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, 0, tt.want.Cmp(CancelGasPrice(tt.original, tt.floor)))
		})
	}
}

func TestCancel_KeepsAuditTrail(t *testing.T) {
	h := newHarness(t)
	original := testutil.NewTransferRecord("orig", testutil.TestAddr1, testutil.TestAddr2, 2,
		testutil.TwentyGwei, testutil.StartTime.Add(-time.Minute))
	h.seed(t, original)

	cancel, err := h.coord.Cancel(context.Background(), original)
	require.NoError(t, err)

	assert.Equal(t, txrecord.TypeCancel, cancel.Type)
	assert.Equal(t, txrecord.StatePending, cancel.State)
	assert.Equal(t, "2", cancel.Nonce)
	assert.Equal(t, "24000000000", cancel.GasPrice)
	assert.Equal(t, "21000", cancel.Gas)
	assert.Equal(t, "0", cancel.Value)
	assert.Equal(t, cancel.From, cancel.To)
	assert.Equal(t, original.CompoundKey(), cancel.ReplacesKey)

	// Both records are stored side by side.
	assert.Equal(t, txrecord.StateCancelling, h.get(t, original.CompoundKey()).State)
	assert.Equal(t, txrecord.TypeCancel, h.get(t, cancel.CompoundKey()).Type)

	transfers := h.chain.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, testutil.TestAddr1, transfers[0].To)
	assert.Equal(t, uint64(2), transfers[0].Nonce)
	assert.Zero(t, transfers[0].Amount.Sign())
	assert.Equal(t, uint64(DefaultCancelGasLimit), transfers[0].GasLimit)
	assert.True(t, transfers[0].Token.IsNative())

	assert.Len(t, h.events.updates(), 2)
}

func TestCancel_UnknownRecord(t *testing.T) {
	h := newHarness(t)
	original := testutil.NewTransferRecord("ghost", testutil.TestAddr1, testutil.TestAddr2, 2,
		testutil.TwentyGwei, testutil.StartTime)

	_, err := h.coord.Cancel(context.Background(), original)
	assert.ErrorIs(t, err, ErrRecordNotFound)
	assert.Empty(t, h.chain.Transfers())
}

func TestSpeedUp_TransferKeepsNonce(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.Uint64Range(0, 1<<40).Draw(rt, "nonce")
		bump := rapid.Int64Range(1, 1_000_000_000_000).Draw(rt, "gas_price")

		h := newHarness(t)
		original := testutil.NewTransferRecord("orig", testutil.TestAddr1, testutil.TestAddr2, n,
			testutil.TwoGwei, testutil.StartTime)
		h.seed(t, original)

		rec, err := h.coord.SpeedUp(context.Background(), original, big.NewInt(bump))
		if err != nil {
			rt.Fatalf("speed-up failed: %v", err)
		}
		if rec.Nonce != original.Nonce {
			rt.Fatalf("speed-up nonce %s, original %s", rec.Nonce, original.Nonce)
		}
		transfers := h.chain.Transfers()
		if len(transfers) != 1 || transfers[0].Nonce != n {
			rt.Fatalf("broadcast nonce mismatch: %+v", transfers)
		}
	})
}

func TestSpeedUp_Transfer(t *testing.T) {
	h := newHarness(t)
	original := testutil.NewTransferRecord("orig", testutil.TestAddr1, testutil.TestAddr2, 3,
		testutil.TwoGwei, testutil.StartTime)
	h.seed(t, original)

	rec, err := h.coord.SpeedUp(context.Background(), original, testutil.TwentyGwei)
	require.NoError(t, err)

	assert.Equal(t, txrecord.TypeSpeedUp, rec.Type)
	assert.Equal(t, "3", rec.Nonce)
	assert.Equal(t, testutil.TwentyGwei.String(), rec.GasPrice)
	assert.Equal(t, original.CompoundKey(), rec.ReplacesKey)
	assert.Equal(t, txrecord.StateSpeedingUp, h.get(t, original.CompoundKey()).State)

	transfers := h.chain.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, testutil.TestAddr2, transfers[0].To)
	assert.Equal(t, 0, testutil.OneEth.Cmp(transfers[0].Amount))
	assert.Equal(t, uint64(21000), transfers[0].GasLimit)
}

func TestSpeedUp_ExchangeRefetchesCalldata(t *testing.T) {
	h := newHarness(t)
	router := testutil.TestAddr3
	original := testutil.NewSwapRecord("swap", testutil.TestAddr1, router, 4,
		testutil.TwoGwei, testutil.StartTime)
	h.seed(t, original)

	data := []byte{0x12, 0x34}
	h.chain.AddTransaction(&chain.RawTransaction{
		Hash:     original.Hash(),
		From:     testutil.TestAddr1,
		To:       &router,
		Value:    big.NewInt(7),
		Input:    data,
		Gas:      250000,
		GasPrice: testutil.TwoGwei,
		Nonce:    4,
		Pending:  true,
	})

	rec, err := h.coord.SpeedUp(context.Background(), original, testutil.TwentyGwei)
	require.NoError(t, err)

	swaps := h.chain.Swaps()
	require.Len(t, swaps, 1)
	assert.Equal(t, data, swaps[0].Data)
	assert.Equal(t, uint64(4), swaps[0].Nonce)
	assert.Equal(t, router, swaps[0].To)
	assert.Equal(t, 0, testutil.TwentyGwei.Cmp(swaps[0].GasPrice))

	assert.Equal(t, "4", rec.Nonce)
	assert.Equal(t, txrecord.OperationExchange, rec.Kind())
	assert.Equal(t, txrecord.StateSpeedingUp, h.get(t, original.CompoundKey()).State)
}

func TestSpeedUp_ExchangeLookupFailure(t *testing.T) {
	h := newHarness(t)
	original := testutil.NewSwapRecord("swap", testutil.TestAddr1, testutil.TestAddr3, 4,
		testutil.TwoGwei, testutil.StartTime)
	h.seed(t, original)

	_, err := h.coord.SpeedUp(context.Background(), original, testutil.TwentyGwei)
	assert.ErrorIs(t, err, chain.ErrTxNotFound)

	assert.Equal(t, txrecord.StatePending, h.get(t, original.CompoundKey()).State)
	assert.Empty(t, h.chain.Swaps())
	assert.Len(t, h.events.failures(), 1)
}

func TestSpeedUp_UnsupportedKind(t *testing.T) {
	h := newHarness(t)
	original := testutil.NewTransferRecord("plain", testutil.TestAddr1, testutil.TestAddr2, 1,
		testutil.TwoGwei, testutil.StartTime)
	original.Operations = nil
	h.seed(t, original)

	_, err := h.coord.SpeedUp(context.Background(), original, testutil.TwentyGwei)
	assert.ErrorIs(t, err, ErrReplacementUnsupported)
	assert.Empty(t, h.chain.Transfers())
	assert.Equal(t, txrecord.StatePending, h.get(t, original.CompoundKey()).State)
}

func TestReplacementUnderpricedRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	original := testutil.NewTransferRecord("orig", testutil.TestAddr1, testutil.TestAddr2, 2,
		testutil.TwentyGwei, testutil.StartTime)
	h.seed(t, original)

	_, err := h.coord.Cancel(ctx, original)
	require.NoError(t, err)
	require.Equal(t, txrecord.StateCancelling, h.get(t, original.CompoundKey()).State)

	// The node still holds the original at a price the next attempt does
	// not beat.
	h.chain.FailNextBroadcast(errors.New("replacement transaction underpriced"))
	_, err = h.coord.SpeedUp(ctx, original, testutil.TwentyGwei)
	require.Error(t, err)

	assert.Equal(t, txrecord.StatePending, h.get(t, original.CompoundKey()).State)

	failures := h.events.failures()
	require.Len(t, failures, 1)
	assert.Equal(t, chain.ClassReplacementUnderpriced, failures[0].Class)
	assert.Equal(t, events.OpSpeedUp, failures[0].Operation)
}

// ============================================================
// Reconciliation
// ============================================================

func TestUpdateState(t *testing.T) {
	setup := func(t *testing.T) (*harness, *txrecord.Record, *txrecord.Record) {
		h := newHarness(t)
		original := testutil.NewTransferRecord("orig", testutil.TestAddr1, testutil.TestAddr2, 2,
			testutil.TwentyGwei, testutil.StartTime)
		h.seed(t, original)
		cancel, err := h.coord.Cancel(context.Background(), original)
		require.NoError(t, err)
		return h, original, cancel
	}

	t.Run("mined replacement supersedes original", func(t *testing.T) {
		h, original, cancel := setup(t)

		updated, err := h.coord.UpdateState(cancel.CompoundKey(), txrecord.StateCompleted)
		require.NoError(t, err)
		assert.Equal(t, txrecord.StateCompleted, updated.State)
		assert.Equal(t, txrecord.StateFailed, h.get(t, original.CompoundKey()).State)
	})

	t.Run("mined original fails replacements", func(t *testing.T) {
		h, original, cancel := setup(t)

		_, err := h.coord.UpdateState(original.CompoundKey(), txrecord.StateCompleted)
		require.NoError(t, err)
		assert.Equal(t, txrecord.StateCompleted, h.get(t, original.CompoundKey()).State)
		assert.Equal(t, txrecord.StateFailed, h.get(t, cancel.CompoundKey()).State)
	})

	t.Run("reverted original still fails replacements", func(t *testing.T) {
		h, original, cancel := setup(t)

		_, err := h.coord.UpdateState(original.CompoundKey(), txrecord.StateError)
		require.NoError(t, err)
		assert.Equal(t, txrecord.StateFailed, h.get(t, cancel.CompoundKey()).State)
	})

	t.Run("dropped replacement restores original", func(t *testing.T) {
		h, original, cancel := setup(t)

		_, err := h.coord.UpdateState(cancel.CompoundKey(), txrecord.StateFailed)
		require.NoError(t, err)
		assert.Equal(t, txrecord.StatePending, h.get(t, original.CompoundKey()).State)
	})

	t.Run("unknown key", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.coord.UpdateState("nope", txrecord.StateCompleted)
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})
}

func TestUpdateState_RereadsUnderWalletLock(t *testing.T) {
	h := newHarness(t)
	original := testutil.NewTransferRecord("orig", testutil.TestAddr1, testutil.TestAddr2, 2,
		testutil.TwentyGwei, testutil.StartTime)
	h.seed(t, original)

	lock := h.coord.getWalletLock(testutil.TestAddr1)
	lock.Lock()

	type result struct {
		rec *txrecord.Record
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := h.coord.UpdateState(original.CompoundKey(), txrecord.StateCompleted)
		done <- result{rec, err}
	}()

	// A writer holding the lock changes the record first.
	time.Sleep(20 * time.Millisecond)
	changed := original.Clone()
	changed.Gas = "99999"
	h.seed(t, changed)
	lock.Unlock()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, "99999", res.rec.Gas)
	case <-time.After(time.Second):
		t.Fatal("UpdateState did not return")
	}

	stored := h.get(t, original.CompoundKey())
	assert.Equal(t, txrecord.StateCompleted, stored.State)
	assert.Equal(t, "99999", stored.Gas, "concurrent change survives reconciliation")
}

func TestAbandonStaleReplacements(t *testing.T) {
	h := newHarness(t)
	original := testutil.NewTransferRecord("orig", testutil.TestAddr1, testutil.TestAddr2, 2,
		testutil.TwentyGwei, testutil.StartTime.Add(-time.Hour))
	h.seed(t, original)

	cancel, err := h.coord.Cancel(context.Background(), original)
	require.NoError(t, err)

	abandoned, err := h.coord.AbandonStaleReplacements(testutil.TestAddr1)
	require.NoError(t, err)
	assert.Empty(t, abandoned, "fresh replacements are kept")

	h.clock.SetTime(testutil.StartTime.Add(DefaultReplacementTimeout + time.Minute))

	abandoned, err = h.coord.AbandonStaleReplacements(testutil.TestAddr1)
	require.NoError(t, err)
	require.Len(t, abandoned, 1)
	assert.Equal(t, cancel.CompoundKey(), abandoned[0].CompoundKey())

	assert.Equal(t, txrecord.StateFailed, h.get(t, cancel.CompoundKey()).State)
	assert.Equal(t, txrecord.StatePending, h.get(t, original.CompoundKey()).State)

	// Other accounts are untouched.
	abandoned, err = h.coord.AbandonStaleReplacements(testutil.TestAddr2)
	require.NoError(t, err)
	assert.Empty(t, abandoned)
}

func TestCancel_SettledRecord(t *testing.T) {
	h := newHarness(t)
	original := testutil.WithState(testutil.NewTransferRecord("done", testutil.TestAddr1, testutil.TestAddr2, 2,
		testutil.TwentyGwei, testutil.StartTime), txrecord.StateCompleted)
	h.seed(t, original)

	_, err := h.coord.Cancel(context.Background(), original)
	assert.ErrorIs(t, err, ErrRecordSettled)
	assert.Empty(t, h.chain.Transfers())
}
