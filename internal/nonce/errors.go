package nonce

import "fmt"

var (
	// ErrNotInitialized is returned when a nonce is requested for an account
	// the tracker was never seeded for
	ErrNotInitialized = fmt.Errorf("nonce tracker not initialized for account")
)
