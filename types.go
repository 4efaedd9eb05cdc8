package walletcore

import (
	"math/big"
	"time"

	"github.com/tranvictor/walletcore/internal/txstore"
)

// Constants for replacement transactions
const (
	// DefaultCancelGasLimit is the gas of a plain value transfer
	DefaultCancelGasLimit = 21000

	// A cancel pays at least 120% of the original gas price
	CancelGasPriceNumerator   = 12
	CancelGasPriceDenominator = 10

	// DefaultReplacementTimeout is how long a cancel or speed-up may stay
	// pending before it is abandoned
	DefaultReplacementTimeout = 30 * time.Minute

	// DefaultMaxRefreshTokens bounds the post-broadcast balance refresh
	DefaultMaxRefreshTokens = 2
)

// DefaultGasPriceFloor is the lowest gas price a cancel is sent with: 1 gwei
var DefaultGasPriceFloor = big.NewInt(1_000_000_000)

// Defaults holds configuration values inherited by requests and used by the
// coordinator
type Defaults struct {
	// GasPriceFloor is the minimum gas price of a cancel
	GasPriceFloor *big.Int

	// CancelGasLimit is the gas limit of a cancel
	CancelGasLimit uint64

	// ReplacementTimeout is when a pending cancel or speed-up is abandoned
	ReplacementTimeout time.Duration

	// StoreLimit is the number of settled records kept
	StoreLimit int
}

// DefaultDefaults returns the built-in defaults
func DefaultDefaults() Defaults {
	return Defaults{
		GasPriceFloor:      new(big.Int).Set(DefaultGasPriceFloor),
		CancelGasLimit:     DefaultCancelGasLimit,
		ReplacementTimeout: DefaultReplacementTimeout,
		StoreLimit:         txstore.DefaultLimit,
	}
}

// CancelGasPrice returns max(original × 1.2, floor)
func CancelGasPrice(original, floor *big.Int) *big.Int {
	price := new(big.Int)
	if original != nil {
		price.Mul(original, big.NewInt(CancelGasPriceNumerator))
		price.Div(price, big.NewInt(CancelGasPriceDenominator))
	}
	if floor != nil && price.Cmp(floor) < 0 {
		price.Set(floor)
	}
	return price
}
