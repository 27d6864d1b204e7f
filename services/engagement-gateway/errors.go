package main

import (
	"errors"
	"fmt"
)

// ErrWalletUnavailable is returned when no signing session is attached to the
// coordinator. Recoverable by connecting a session; no ledger call was made.
var ErrWalletUnavailable = errors.New("wallet session unavailable")

// WrongNetworkError indicates the wallet session is attached to a different
// chain than the escrow ledger expects. Retryable after a network switch.
type WrongNetworkError struct {
	Have string
	Want string
}

func (e *WrongNetworkError) Error() string {
	return fmt.Sprintf("wallet on network %q, ledger expects %q", e.Have, e.Want)
}

// LedgerRejectedError indicates the ledger accepted the transaction and
// reverted it (insufficient funds, illegal transition). Not retryable as-is.
type LedgerRejectedError struct {
	Op     string
	Reason string
}

func (e *LedgerRejectedError) Error() string {
	return fmt.Sprintf("ledger rejected %s: %s", e.Op, e.Reason)
}

// PendingConfirmationError indicates a transaction was submitted but its
// outcome is unknown. It must be resolved by a later recheck keyed by the
// request token, transaction hash or ledger id, never by resubmitting.
type PendingConfirmationError struct {
	RequestToken string
	TxHash       string
	LedgerID     uint64
}

func (e *PendingConfirmationError) Error() string {
	if e.LedgerID != 0 {
		return fmt.Sprintf("transaction pending confirmation (ledger=%d token=%s tx=%s)", e.LedgerID, e.RequestToken, e.TxHash)
	}
	return fmt.Sprintf("transaction pending confirmation (token=%s tx=%s)", e.RequestToken, e.TxHash)
}

// PartialCommitError indicates funds were locked on the ledger but the
// off-chain record write failed. Repair retries only the off-chain write
// keyed by LedgerID; re-locking would double-spend the seeker's intent.
type PartialCommitError struct {
	LedgerID uint64
	Cause    error
}

func (e *PartialCommitError) Error() string {
	return fmt.Sprintf("funds locked under ledger id %d but off-chain record write failed: %v", e.LedgerID, e.Cause)
}

func (e *PartialCommitError) Unwrap() error { return e.Cause }

// AmbiguousLedgerStateError indicates a confirmed locking transaction whose
// confirmation event could not be parsed for a ledger id. Surfaced distinctly
// so callers never treat it as success with a null id.
type AmbiguousLedgerStateError struct {
	TxHash string
}

func (e *AmbiguousLedgerStateError) Error() string {
	return fmt.Sprintf("transaction %s confirmed but produced no parseable engagement event", e.TxHash)
}
