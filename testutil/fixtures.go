package testutil

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tranvictor/walletcore/token"
)

// ============================================================
// Test Addresses
// ============================================================

var (
	// TestAddr1 is a common test address for "from" addresses
	TestAddr1 = common.HexToAddress("0x1111111111111111111111111111111111111111")
	// TestAddr2 is a common test address for "to" addresses
	TestAddr2 = common.HexToAddress("0x2222222222222222222222222222222222222222")
	// TestAddr3 is an additional test address
	TestAddr3 = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

// ============================================================
// Test Private Keys
// ============================================================

var (
	// TestPrivateKeyHex is a test private key in hex format
	TestPrivateKeyHex = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	// TestPrivateKey1 is a parsed ECDSA private key for testing
	TestPrivateKey1, _ = crypto.HexToECDSA(TestPrivateKeyHex)
	// TestPrivateKey1Address is the address derived from TestPrivateKey1
	TestPrivateKey1Address = crypto.PubkeyToAddress(TestPrivateKey1.PublicKey)
)

// ============================================================
// Tokens
// ============================================================

var (
	// TokenKNC is a supported ERC-20 token
	TokenKNC = token.NewID("0xdeFA4e8a7bcBA345F687a2f1456F5Edd9CE97202")
	// TokenDAI is a supported ERC-20 token
	TokenDAI = token.NewID("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	// TokenJunk is an unsupported token that usually has zero balance
	TokenJunk = token.NewID("0x4444444444444444444444444444444444444444")
)

// Tokens returns n distinct ERC-20 token IDs.
func Tokens(n int) []token.ID {
	ids := make([]token.ID, n)
	for i := range ids {
		ids[i] = token.FromAddress(common.BigToAddress(big.NewInt(int64(0x1000 + i))))
	}
	return ids
}

// ============================================================
// Common Values
// ============================================================

var (
	// OneEth represents 1 ETH in wei
	OneEth = big.NewInt(1000000000000000000)
	// TwentyGwei represents 20 gwei
	TwentyGwei = big.NewInt(20000000000)
	// TwoGwei represents 2 gwei
	TwoGwei = big.NewInt(2000000000)

	// StartTime is the initial time of test clocks
	StartTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

// ============================================================
// Chain IDs
// ============================================================

var (
	// ChainIDMainnet is the chain ID for Ethereum mainnet
	ChainIDMainnet = big.NewInt(1)
)
