package testutil

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tranvictor/walletcore/token"
	"github.com/tranvictor/walletcore/txrecord"
)

// ============================================================
// Record Builders
// ============================================================

// HashOf derives a deterministic transaction hash from a label
func HashOf(label string) common.Hash {
	return crypto.Keccak256Hash([]byte(label))
}

// NewTransferRecord creates a pending native transfer record
func NewTransferRecord(label string, from, to common.Address, nonce uint64, gasPrice *big.Int, date time.Time) *txrecord.Record {
	return &txrecord.Record{
		ID:       HashOf(label).Hex(),
		From:     from.Hex(),
		To:       to.Hex(),
		Value:    OneEth.String(),
		Gas:      "21000",
		GasPrice: gasPrice.String(),
		Nonce:    fmt.Sprint(nonce),
		Date:     date,
		State:    txrecord.StatePending,
		Type:     txrecord.TypeNormal,
		Operations: []txrecord.Operation{{
			From:     from.Hex(),
			To:       to.Hex(),
			Contract: token.NativeAddress,
			Kind:     txrecord.OperationTransfer,
			Value:    OneEth.String(),
			Symbol:   "ETH",
			Name:     "Ether",
			Decimals: 18,
		}},
	}
}

// NewSwapRecord creates a pending exchange record sent to router
func NewSwapRecord(label string, from, router common.Address, nonce uint64, gasPrice *big.Int, date time.Time) *txrecord.Record {
	return &txrecord.Record{
		ID:       HashOf(label).Hex(),
		From:     from.Hex(),
		To:       router.Hex(),
		Value:    "0",
		Gas:      "250000",
		GasPrice: gasPrice.String(),
		Nonce:    fmt.Sprint(nonce),
		Date:     date,
		State:    txrecord.StatePending,
		Type:     txrecord.TypeNormal,
		Operations: []txrecord.Operation{{
			From:     from.Hex(),
			To:       router.Hex(),
			Contract: TokenKNC.String(),
			Kind:     txrecord.OperationExchange,
			Value:    "1000",
			Symbol:   "KNC",
			Name:     "Kyber Network Crystal",
			Decimals: 18,
		}},
	}
}

// WithState returns a copy of r in state s
func WithState(r *txrecord.Record, s txrecord.State) *txrecord.Record {
	c := r.Clone()
	c.State = s
	return c
}
