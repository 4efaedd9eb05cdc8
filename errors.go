package walletcore

import "fmt"

// Submission errors
var (
	ErrFromAddressZero        = fmt.Errorf("from address cannot be zero")
	ErrToAddressZero          = fmt.Errorf("to address cannot be zero")
	ErrAmountNil              = fmt.Errorf("amount cannot be nil or negative")
	ErrGasPriceNil            = fmt.Errorf("gas price cannot be nil")
	ErrWrongAccount           = fmt.Errorf("record was not sent by this account")
	ErrReplacementUnsupported = fmt.Errorf("only transfers and exchanges can be sped up")
	ErrRecordNotFound         = fmt.Errorf("transaction record not found")
	ErrRecordSettled          = fmt.Errorf("transaction is no longer pending")
	ErrSubmissionInProgress   = fmt.Errorf("a submission with this idempotency key is in progress")
	ErrSessionClosed          = fmt.Errorf("session closed")
)
