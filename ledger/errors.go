package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// TxError is a confirmed on-ledger rejection. It carries the provider's error
// code so operators can distinguish, say, an insufficient-treasury failure
// from a bad-account failure without digging through raw provider payloads.
type TxError struct {
	Op      string
	Code    string
	Message string
}

func (e *TxError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("ledger: %s rejected (code=%s): %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("ledger: %s rejected: %s", e.Op, e.Message)
}

// TimeoutError reports that confirmation was not observed within the budget.
// A timed-out operation may still land on the ledger, so callers must not
// treat this as a definite failure; the retry path re-checks idempotency
// state before resubmitting.
type TimeoutError struct {
	Op     string
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ledger: %s confirmation not observed within %s (outcome unknown)", e.Op, e.Budget)
}

// AccountCreateError wraps a failed recipient account provisioning attempt.
type AccountCreateError struct {
	Owner string
	Err   error
}

func (e *AccountCreateError) Error() string {
	return fmt.Sprintf("ledger: create recipient account for %s: %v", e.Owner, e.Err)
}

func (e *AccountCreateError) Unwrap() error { return e.Err }

// timedOut reports whether the transport error is a deadline expiry rather
// than a confirmed rejection.
func timedOut(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
