package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/tranvictor/walletcore/internal/circuitbreaker"
)

var (
	ErrUnreachable   = fmt.Errorf("network unreachable")
	ErrTxNotFound    = fmt.Errorf("transaction not found")
	ErrInvalidParams = fmt.Errorf("invalid transaction parameters")
)

// Class is the coarse error taxonomy the core reacts to.
type Class int

const (
	ClassNone Class = iota
	ClassOffline
	ClassTimeout
	ClassNonceTooLow
	ClassReplacementUnderpriced
	ClassOther
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassOffline:
		return "offline"
	case ClassTimeout:
		return "timeout"
	case ClassNonceTooLow:
		return "nonce_too_low"
	case ClassReplacementUnderpriced:
		return "replacement_underpriced"
	default:
		return "other"
	}
}

var offlineMarkers = []string{
	"connection refused",
	"no such host",
	"network is unreachable",
	"connection reset",
}

var timeoutMarkers = []string{
	"i/o timeout",
	"context deadline exceeded",
	"client.timeout exceeded",
}

// Classify maps an RPC or transport error onto the taxonomy. Node errors
// arrive as JSON-RPC messages, so rejections are matched on their text.
// Offline is reserved for errors proving the node cannot be reached; a call
// that merely ran out of time is ClassTimeout.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	if errors.Is(err, ErrUnreachable) ||
		errors.Is(err, circuitbreaker.ErrOpen) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return ClassOffline
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return ClassOffline
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"):
		return ClassNonceTooLow
	case strings.Contains(msg, "replacement transaction underpriced"):
		return ClassReplacementUnderpriced
	}

	for _, marker := range offlineMarkers {
		if strings.Contains(msg, marker) {
			return ClassOffline
		}
	}
	for _, marker := range timeoutMarkers {
		if strings.Contains(msg, marker) {
			return ClassTimeout
		}
	}
	return ClassOther
}

// IsOffline reports whether err means the network could not be reached.
func IsOffline(err error) bool {
	return Classify(err) == ClassOffline
}

// IsTransportFailure reports whether err says anything about the health of
// the connection: offline errors and timeouts. Node rejections do not.
func IsTransportFailure(err error) bool {
	switch Classify(err) {
	case ClassOffline, ClassTimeout:
		return true
	default:
		return false
	}
}
