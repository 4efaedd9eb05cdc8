// Package testutil provides testing utilities for walletcore.
//
// This package contains test fixtures, record builders and a scripted chain
// that are commonly used across tests in the walletcore packages. It must not
// import the balance, txstore or root packages, which test against it.
//
// # Test Fixtures
//
// Common test values are provided:
//   - TestAddr1, TestAddr2, TestAddr3: Common test addresses
//   - TestPrivateKey1, TestPrivateKeyHex, TestPrivateKey1Address: Test private keys and derived address
//   - TokenKNC, TokenDAI, TokenJunk, Tokens(n): Token IDs
//   - OneEth, TwentyGwei, TwoGwei: Common value constants
//   - StartTime: Initial time for lnd test clocks
//
// # Record Builders
//
// Helper functions for creating transaction records:
//   - NewTransferRecord: A pending native transfer
//   - NewSwapRecord: A pending exchange
//   - WithState: A copy in another state
//
// # Scripted Chain
//
// FakeChain implements chain.Client in memory. Balances, transaction counts,
// batch answers and broadcast failures are scripted, and every call is
// recorded. Switch is a settable chain.Reachability.
//
// # Example Usage
//
//	func TestMyFunction(t *testing.T) {
//	    fake := testutil.NewFakeChain()
//	    fake.SetTokenBalance(testutil.TokenKNC, testutil.OneEth)
//	    fake.FailNextBroadcast(errors.New("replacement transaction underpriced"))
//
//	    // Run test
//	    // ...
//	}
package testutil
