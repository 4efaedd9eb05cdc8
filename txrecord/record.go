// Package txrecord defines the durable unit of transaction history and
// pending tracking.
package txrecord

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Operation is one value movement carried by a transaction: a token or native
// transfer, or one side of an exchange.
type Operation struct {
	From     string        `json:"from"`
	To       string        `json:"to"`
	Contract string        `json:"contract,omitempty"`
	Kind     OperationKind `json:"kind"`
	Value    string        `json:"value"`
	Symbol   string        `json:"symbol"`
	Name     string        `json:"name"`
	Decimals uint8         `json:"decimals"`
}

// Record is a transaction known to the wallet. Numeric chain values are kept
// as decimal strings so the persisted form is independent of integer width.
type Record struct {
	ID          string      `json:"id"`
	BlockNumber uint64      `json:"blockNumber"`
	From        string      `json:"from"`
	To          string      `json:"to"`
	Value       string      `json:"value"`
	Gas         string      `json:"gas"`
	GasPrice    string      `json:"gasPrice"`
	GasUsed     string      `json:"gasUsed"`
	Nonce       string      `json:"nonce"`
	Date        time.Time   `json:"date"`
	State       State       `json:"state"`
	Type        Type        `json:"type"`
	Operations  []Operation `json:"operations,omitempty"`

	// ReplacesKey is the compound key of the record a cancel or speed-up
	// replaces. Empty for normal records.
	ReplacesKey string `json:"replacesKey,omitempty"`
}

// CompoundKey is the storage primary key: id + from + to, lower-cased.
func (r *Record) CompoundKey() string {
	return CompoundKey(r.ID, r.From, r.To)
}

// CompoundKey builds a primary key from its parts.
func CompoundKey(id, from, to string) string {
	return strings.ToLower(id + from + to)
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Operations != nil {
		c.Operations = make([]Operation, len(r.Operations))
		copy(c.Operations, r.Operations)
	}
	return &c
}

// Hash returns the transaction hash.
func (r *Record) Hash() common.Hash {
	return common.HexToHash(r.ID)
}

// FromAddress returns the sender.
func (r *Record) FromAddress() common.Address {
	return common.HexToAddress(r.From)
}

// ToAddress returns the on-chain recipient (the contract for token transfers).
func (r *Record) ToAddress() common.Address {
	return common.HexToAddress(r.To)
}

// IsFrom reports whether the record was sent by account.
func (r *Record) IsFrom(account common.Address) bool {
	return strings.EqualFold(r.From, account.Hex())
}

// NonceValue parses the nonce field.
func (r *Record) NonceValue() (uint64, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(r.Nonce), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid nonce %q: %w", r.Nonce, err)
	}
	return n, nil
}

// GasPriceValue parses the gas price field, in wei.
func (r *Record) GasPriceValue() (*big.Int, error) {
	return parseDecimal("gas price", r.GasPrice)
}

// ValueAmount parses the value field, in wei.
func (r *Record) ValueAmount() (*big.Int, error) {
	return parseDecimal("value", r.Value)
}

// GasLimit parses the gas field.
func (r *Record) GasLimit() (uint64, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(r.Gas), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid gas %q: %w", r.Gas, err)
	}
	return n, nil
}

// PrimaryOperation returns the first populated operation, if any.
func (r *Record) PrimaryOperation() (Operation, bool) {
	for _, op := range r.Operations {
		if op.Kind != OperationUnknown {
			return op, true
		}
	}
	return Operation{}, false
}

// Kind returns the kind of the primary operation.
func (r *Record) Kind() OperationKind {
	op, ok := r.PrimaryOperation()
	if !ok {
		return OperationUnknown
	}
	return op.Kind
}

// Encode serializes r for storage.
func Encode(r *Record) ([]byte, error) {
	return json.Marshal(r)
}

// Decode parses a stored record. Enum fields never fail to decode; they fall
// back to their unknown or default variants.
func Decode(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("couldn't decode transaction record: %w", err)
	}
	return &r, nil
}

func parseDecimal(field, s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s %q", field, s)
	}
	return v, nil
}
