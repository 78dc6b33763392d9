// Package errs defines the typed errors surfaced by the client.
// Every remote-call failure is converted into one of these kinds before
// it crosses a package boundary; callers can classify with KindOf and
// decide on retry with Retryable.
package errs

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// Argument is bad caller input. Never retried.
	Argument Kind = iota + 1
	// Crypto covers PEM/DER parse failures, unknown algorithms and
	// key/cert mismatches. Not retried.
	Crypto
	// Consistency means endorsement responses diverged.
	Consistency
	// Proposal is a peer-side failure (bad status, endorsement refusal).
	Proposal
	// Transaction is an orderer rejection or envelope build failure.
	Transaction
	// TransactionTimeout means the commit listener expired.
	TransactionTimeout
	// EventHub covers stream drops and registration timeouts, surfaced
	// after the internal retry budget is exhausted.
	EventHub
	// ShuttingDown means the channel closed while an operation was in flight.
	ShuttingDown
)

func (k Kind) String() string {
	switch k {
	case Argument:
		return "argument"
	case Crypto:
		return "crypto"
	case Consistency:
		return "consistency"
	case Proposal:
		return "proposal"
	case Transaction:
		return "transaction"
	case TransactionTimeout:
		return "transaction timeout"
	case EventHub:
		return "event hub"
	case ShuttingDown:
		return "shutting down"
	}
	return "unknown"
}

// Error carries the kind, the remote endpoint it originated from (if
// any), a retry hint and the cause chain.
type Error struct {
	Kind      Kind
	Msg       string
	Endpoint  string
	TxID      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	s := e.Msg
	if e.Endpoint != "" {
		s = fmt.Sprintf("%s [%s]", s, e.Endpoint)
	}
	if e.Err != nil {
		s = fmt.Sprintf("%s: %v", s, e.Err)
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func Wrapf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// WithEndpoint tags the error with the remote it originated from.
func (e *Error) WithEndpoint(ep string) *Error {
	e.Endpoint = ep
	return e
}

func (e *Error) WithTxID(txID string) *Error {
	e.TxID = txID
	return e
}

func (e *Error) WithRetry() *Error {
	e.Retryable = true
	return e
}

// KindOf returns the kind of the outermost *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// Retryable reports whether the error chain carries a retry hint.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
