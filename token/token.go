// Package token defines the token identifiers and balance values shared by the
// balance cache, the fetcher and callers reading balances.
package token

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// NativeAddress is the sentinel contract address used for the chain's native coin.
const NativeAddress = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"

// ID is a lower-cased contract address. Construct it with NewID so every
// lookup compares normalized values.
type ID string

// Native is the ID of the chain's native coin.
var Native = ID(NativeAddress)

// NewID normalizes addr to a token ID.
func NewID(addr string) ID {
	return ID(strings.ToLower(strings.TrimSpace(addr)))
}

// FromAddress converts a go-ethereum address to a token ID.
func FromAddress(addr common.Address) ID {
	return NewID(addr.Hex())
}

// Normalize returns id in canonical lower-case form. IDs built by casting a raw
// string need this before being used as map keys.
func (id ID) Normalize() ID {
	return NewID(string(id))
}

// IsNative reports whether id is the native coin sentinel.
func (id ID) IsNative() bool {
	return id.Normalize() == Native
}

// Address returns the contract address for id.
func (id ID) Address() common.Address {
	return common.HexToAddress(string(id))
}

func (id ID) String() string {
	return string(id)
}

// NormalizeIDs returns a copy of ids in canonical form, dropping duplicates and
// keeping the first occurrence order.
func NormalizeIDs(ids []ID) []ID {
	seen := make(map[ID]struct{}, len(ids))
	out := make([]ID, 0, len(ids))
	for _, id := range ids {
		n := id.Normalize()
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Balance is an amount in the token's smallest unit. It is a value type: the
// zero value is a zero balance and copies never alias.
type Balance struct {
	v uint256.Int
}

// NewBalance converts a non-negative big.Int. Negative or overflowing values
// are clamped to zero and max respectively.
func NewBalance(b *big.Int) Balance {
	var bal Balance
	if b == nil || b.Sign() <= 0 {
		return bal
	}
	if overflow := bal.v.SetFromBig(b); overflow {
		bal.v.SetAllOne()
	}
	return bal
}

// BalanceFromUint64 builds a balance from a small integer.
func BalanceFromUint64(x uint64) Balance {
	var bal Balance
	bal.v.SetUint64(x)
	return bal
}

// BalanceFromUint256 copies x into a balance.
func BalanceFromUint256(x *uint256.Int) Balance {
	var bal Balance
	if x != nil {
		bal.v.Set(x)
	}
	return bal
}

// Value returns a copy of the underlying integer.
func (b Balance) Value() *uint256.Int {
	return new(uint256.Int).Set(&b.v)
}

// Big returns the balance as a big.Int.
func (b Balance) Big() *big.Int {
	return b.v.ToBig()
}

// Equal compares the two values.
func (b Balance) Equal(o Balance) bool {
	return b.v.Eq(&o.v)
}

// IsZero reports whether the balance is zero.
func (b Balance) IsZero() bool {
	return b.v.IsZero()
}

func (b Balance) String() string {
	return b.v.ToBig().String()
}
