package settlement

import "fmt"

// StepError wraps a ledger failure with the protocol step and recipient it
// occurred on. The challenge stays PENDING when one surfaces; the caller
// decides whether to re-invoke the protocol.
type StepError struct {
	Protocol  string
	Step      string
	Recipient string
	Err       error
}

func (e *StepError) Error() string {
	if e.Recipient != "" {
		return fmt.Sprintf("settlement: %s step %s (recipient %s): %v", e.Protocol, e.Step, e.Recipient, e.Err)
	}
	return fmt.Sprintf("settlement: %s step %s: %v", e.Protocol, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
