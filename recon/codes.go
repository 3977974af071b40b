package recon

import (
	"errors"
	"fmt"

	"gigchain/chain"
	"gigchain/settlement"
)

// Code identifies one rejection class from the error taxonomy. Clients use
// it to decide whether to retry, wait, or alert the user; collapsing the
// classes into a generic error is a regression.
type Code string

const (
	// CodeChainUnavailable: transient RPC failure, retry.
	CodeChainUnavailable Code = "CHAIN_UNAVAILABLE"
	// CodeTransactionNotConfirmed: transaction pending or unknown, retry later.
	CodeTransactionNotConfirmed Code = "TRANSACTION_NOT_CONFIRMED"
	// CodeTransactionFailed: transaction reverted, permanent.
	CodeTransactionFailed Code = "TRANSACTION_FAILED"
	// CodeEventNotFound: confirmed receipt carries no matching escrow event;
	// the caller likely supplied the wrong hash.
	CodeEventNotFound Code = "EVENT_NOT_FOUND"
	// CodePreconditionNotMet: effect arrived before its prerequisite was
	// ingested; retried by the poller.
	CodePreconditionNotMet Code = "PRECONDITION_NOT_MET"
	// CodeInvalidStateTransition: permanent, indicates a client bug or true
	// conflict.
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	// CodeMilestoneLocked: review effects are frozen until the open dispute
	// resolves.
	CodeMilestoneLocked Code = "MILESTONE_LOCKED"
	// CodeNotFound: referenced entity does not exist.
	CodeNotFound Code = "NOT_FOUND"
)

// Retryable reports whether the poller should retry effects rejected with
// this code.
func (c Code) Retryable() bool {
	switch c {
	case CodeChainUnavailable, CodeTransactionNotConfirmed, CodePreconditionNotMet:
		return true
	}
	return false
}

// Rejection is a typed refusal to apply an effect. InvalidStateTransition
// rejections carry the attempted and actual states for diagnostics.
type Rejection struct {
	Code      Code
	Message   string
	Attempted string
	Actual    string
	cause     error
}

func (r *Rejection) Error() string {
	if r.Attempted != "" || r.Actual != "" {
		return fmt.Sprintf("%s: %s (attempted %s, actual %s)", r.Code, r.Message, r.Attempted, r.Actual)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

func (r *Rejection) Unwrap() error { return r.cause }

func reject(code Code, format string, args ...interface{}) error {
	return &Rejection{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsRejection extracts the typed rejection from an error chain.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// classify wraps oracle and settlement errors into the rejection taxonomy.
// Unrecognised errors pass through untouched and are treated as system
// failures by callers.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsRejection(err); ok {
		return err
	}
	switch {
	case errors.Is(err, chain.ErrChainUnavailable):
		return &Rejection{Code: CodeChainUnavailable, Message: err.Error(), cause: err}
	case errors.Is(err, chain.ErrTransactionNotConfirmed):
		return &Rejection{Code: CodeTransactionNotConfirmed, Message: err.Error(), cause: err}
	case errors.Is(err, chain.ErrTransactionFailed):
		return &Rejection{Code: CodeTransactionFailed, Message: err.Error(), cause: err}
	case errors.Is(err, settlement.ErrMilestoneLocked):
		return rejectionFromTransition(err, CodeMilestoneLocked)
	case errors.Is(err, settlement.ErrPreconditionNotMet):
		return rejectionFromTransition(err, CodePreconditionNotMet)
	case errors.Is(err, settlement.ErrInvalidTransition), errors.Is(err, settlement.ErrPaymentTerminal):
		return rejectionFromTransition(err, CodeInvalidStateTransition)
	case errors.Is(err, settlement.ErrNotFound):
		return &Rejection{Code: CodeNotFound, Message: err.Error(), cause: err}
	}
	return err
}

func rejectionFromTransition(err error, code Code) error {
	r := &Rejection{Code: code, Message: err.Error(), cause: err}
	var te *settlement.TransitionError
	if errors.As(err, &te) {
		r.Attempted = te.Attempted
		r.Actual = te.Actual
	}
	return r
}
