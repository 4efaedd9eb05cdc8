package walletcore

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tranvictor/walletcore/events"
	"github.com/tranvictor/walletcore/internal/balance"
	"github.com/tranvictor/walletcore/testutil"
	"github.com/tranvictor/walletcore/token"
	"github.com/tranvictor/walletcore/txrecord"
)

func newTestSession(t *testing.T, fake *testutil.FakeChain, opts ...SessionOption) *Session {
	registry := token.NewStaticRegistry([]token.Info{
		{ID: testutil.TokenKNC, Symbol: "KNC", Name: "Kyber Network Crystal", Decimals: 18},
	}, nil)

	config := balance.DefaultConfig()
	config.StaggerStep = time.Millisecond

	base := []SessionOption{
		WithBalanceConfig(config),
		WithBalanceTickers(ticker.NewForce(time.Hour), ticker.NewForce(time.Hour)),
		WithRegisterer(prometheus.NewRegistry()),
	}
	s, err := NewSession(context.Background(), testutil.TestAddr1, Deps{
		Client:       fake,
		Reachability: testutil.NewSwitch(true),
		Registry:     registry,
	}, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// waitFor drains sub until match accepts an event.
func waitFor(t *testing.T, sub *events.Subscription, match func(events.Event) bool) events.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case update := <-sub.Updates():
			ev := update.(events.Event)
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
			return nil
		}
	}
}

func TestSession_EndToEnd(t *testing.T) {
	ctx := context.Background()
	fake := testutil.NewFakeChain()
	fake.SetNativeBalance(testutil.OneEth)
	fake.SetTokenBalance(testutil.TokenKNC, big.NewInt(1000))

	s := newTestSession(t, fake)
	assert.Empty(t, s.Balances())
	history, err := s.History()
	require.NoError(t, err)
	assert.Empty(t, history)

	next, err := s.nonces.Next(testutil.TestAddr1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), next, "seeded from a chain count of zero")

	sub, err := s.Subscribe()
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, s.RefreshBalances(ctx, balance.TrackSupported))
	knc, ok := s.Balance(testutil.TokenKNC)
	require.True(t, ok)
	assert.Equal(t, "1000", knc.String())

	rec, err := s.R().
		SetTo(testutil.TestAddr2).
		SetToken(testutil.TokenKNC).
		SetAmount(big.NewInt(100)).
		SetGasPrice(testutil.TwentyGwei).
		SetGasLimit(60000).
		Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0", rec.Nonce)

	op, _ := rec.PrimaryOperation()
	assert.Equal(t, "KNC", op.Symbol, "metadata filled from the registry")

	next, err = s.nonces.Next(testutil.TestAddr1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next)

	pending, err := s.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, txrecord.StatePending, pending[0].State)

	waitFor(t, sub, func(ev events.Event) bool {
		_, ok := ev.(events.BalanceRefreshDone)
		return ok
	})

	fake.SetTokenBalance(testutil.TokenKNC, big.NewInt(900))
	require.NoError(t, s.RefreshBalances(ctx, balance.TrackSupported))
	waitFor(t, sub, func(ev events.Event) bool {
		changed, ok := ev.(events.BalancesChanged)
		return ok && changed.Track == balance.TrackSupported.String()
	})
	knc, _ = s.Balance(testutil.TokenKNC)
	assert.Equal(t, "900", knc.String())

	_, err = s.UpdateState(rec.CompoundKey(), txrecord.StateCompleted)
	require.NoError(t, err)
	ev := waitFor(t, sub, func(ev events.Event) bool {
		u, ok := ev.(events.TransactionUpdated)
		return ok && u.Record.State == txrecord.StateCompleted
	})
	assert.Equal(t, rec.CompoundKey(), ev.(events.TransactionUpdated).Key)

	stored, err := s.Store().Get(rec.CompoundKey())
	require.NoError(t, err)
	assert.Equal(t, txrecord.StateCompleted, stored.State)
}

func TestSession_Close(t *testing.T) {
	s := newTestSession(t, testutil.NewFakeChain())

	_, err := s.R().SetTo(testutil.TestAddr2).SetAmount(testutil.OneEth).Submit(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	history, err := s.History()
	require.NoError(t, err)
	assert.Empty(t, history, "reads on a closed session are empty")

	_, err = s.R().SetTo(testutil.TestAddr2).SetAmount(testutil.OneEth).Submit(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.RefreshBalances(context.Background(), balance.TrackOther), ErrSessionClosed)
}

func TestSession_RejectsForeignRecords(t *testing.T) {
	s := newTestSession(t, testutil.NewFakeChain())
	foreign := testutil.NewTransferRecord("foreign", testutil.TestAddr2, testutil.TestAddr3, 0,
		testutil.TwoGwei, testutil.StartTime)

	_, err := s.Cancel(context.Background(), foreign)
	assert.ErrorIs(t, err, ErrWrongAccount)
	_, err = s.SpeedUp(context.Background(), foreign, testutil.TwentyGwei)
	assert.ErrorIs(t, err, ErrWrongAccount)
}

func TestSession_UnreachableDefersNonceSeeding(t *testing.T) {
	fake := testutil.NewFakeChain()
	fake.SetTransactionCount(testutil.TestAddr1, 3)

	s, err := NewSession(context.Background(), testutil.TestAddr1, Deps{
		Client:       fake,
		Reachability: testutil.NewSwitch(false),
		Registry:     token.NewStaticRegistry(nil, nil),
	}, WithBalanceTickers(ticker.NewForce(time.Hour), ticker.NewForce(time.Hour)))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.nonces.Next(testutil.TestAddr1)
	require.Error(t, err)

	rec, err := s.R().SetTo(testutil.TestAddr2).SetAmount(testutil.OneEth).Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3", rec.Nonce)
}
