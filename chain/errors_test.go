package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tranvictor/walletcore/internal/circuitbreaker"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Class
	}{
		{"nil", nil, ClassNone},
		{"unreachable sentinel", fmt.Errorf("fetch: %w", ErrUnreachable), ClassOffline},
		{"breaker open", fmt.Errorf("rpc: %w", circuitbreaker.ErrOpen), ClassOffline},
		{"deadline", context.DeadlineExceeded, ClassTimeout},
		{"wrapped deadline", fmt.Errorf("batch balance call failed: %w", context.DeadlineExceeded), ClassTimeout},
		{"net timeout", &net.OpError{Op: "read", Net: "tcp", Err: timeoutErr{}}, ClassTimeout},
		{"timeout text", errors.New("read tcp 10.0.0.2:51234->10.0.0.1:8545: i/o timeout"), ClassTimeout},
		{"refused errno", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, ClassOffline},
		{"unknown host", &net.DNSError{Err: "no such host", Name: "node", IsNotFound: true}, ClassOffline},
		{"dial error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, ClassOffline},
		{"refused text", errors.New("Post \"http://node\": dial tcp 10.0.0.1:8545: connect: connection refused"), ClassOffline},
		{"nonce too low", errors.New("couldn't broadcast tx: nonce too low"), ClassNonceTooLow},
		{"replacement underpriced", errors.New("replacement transaction underpriced"), ClassReplacementUnderpriced},
		{"mixed case", errors.New("Replacement Transaction Underpriced"), ClassReplacementUnderpriced},
		{"revert", errors.New("execution reverted"), ClassOther},
		{"cancelled", context.Canceled, ClassOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestIsTransportFailure(t *testing.T) {
	assert.True(t, IsTransportFailure(ErrUnreachable))
	assert.True(t, IsTransportFailure(context.DeadlineExceeded))
	assert.False(t, IsTransportFailure(errors.New("nonce too low")))
	assert.False(t, IsTransportFailure(nil))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassString(t *testing.T) {
	assert.Equal(t, "offline", ClassOffline.String())
	assert.Equal(t, "timeout", ClassTimeout.String())
	assert.Equal(t, "nonce_too_low", ClassNonceTooLow.String())
	assert.Equal(t, "other", Class(42).String())
}

type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

func TestTCPProbe(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewTestClock(start)

	p, err := NewTCPProbe("https://node.example.org/rpc", time.Second, 10*time.Second, clk)
	require.NoError(t, err)
	assert.Equal(t, "node.example.org:443", p.addr)

	dials := 0
	up := true
	p.dial = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		dials++
		if up {
			return fakeConn{}, nil
		}
		return nil, errors.New("connection refused")
	}

	assert.True(t, p.IsReachable())
	up = false
	assert.True(t, p.IsReachable(), "cached within interval")
	assert.Equal(t, 1, dials)

	clk.SetTime(start.Add(10 * time.Second))
	assert.False(t, p.IsReachable())
	assert.Equal(t, 2, dials)
}

func TestNewTCPProbe_DefaultPorts(t *testing.T) {
	p, err := NewTCPProbe("http://localhost:8545", time.Second, time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, "localhost:8545", p.addr)

	p, err = NewTCPProbe("ws://localhost", time.Second, time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, "localhost:80", p.addr)
}

func TestReachabilityFunc(t *testing.T) {
	assert.True(t, AlwaysReachable.IsReachable())
	assert.False(t, ReachabilityFunc(func() bool { return false }).IsReachable())
}
