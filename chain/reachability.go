package chain

import (
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/lightningnetwork/lnd/clock"
)

// ReachabilityFunc adapts a plain function to Reachability.
type ReachabilityFunc func() bool

func (f ReachabilityFunc) IsReachable() bool { return f() }

// AlwaysReachable never gates fetch cycles.
var AlwaysReachable Reachability = ReachabilityFunc(func() bool { return true })

// TCPProbe reports reachability by dialing the RPC endpoint. The result is
// cached for Interval so a burst of callers causes at most one dial.
type TCPProbe struct {
	addr     string
	timeout  time.Duration
	interval time.Duration
	clock    clock.Clock
	dial     func(network, addr string, timeout time.Duration) (net.Conn, error)

	mu        sync.Mutex
	lastCheck time.Time
	reachable bool
}

// NewTCPProbe builds a probe for the host of an RPC url such as
// https://node:8545. Missing ports default to the scheme's.
func NewTCPProbe(rawURL string, timeout, interval time.Duration, clk clock.Clock) (*TCPProbe, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "http", "ws":
			port = "80"
		default:
			port = "443"
		}
	}
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	return &TCPProbe{
		addr:     net.JoinHostPort(u.Hostname(), port),
		timeout:  timeout,
		interval: interval,
		clock:    clk,
		dial:     net.DialTimeout,
	}, nil
}

func (p *TCPProbe) IsReachable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	if !p.lastCheck.IsZero() && now.Sub(p.lastCheck) < p.interval {
		return p.reachable
	}

	conn, err := p.dial("tcp", p.addr, p.timeout)
	reachable := err == nil
	if conn != nil {
		_ = conn.Close()
	}

	if reachable != p.reachable || p.lastCheck.IsZero() {
		fields := logger.Fields{"addr": p.addr, "reachable": reachable}
		if err != nil {
			fields["error"] = err.Error()
		}
		logger.WithFields(fields).Info("reachability changed")
	}

	p.lastCheck = now
	p.reachable = reachable
	return reachable
}
