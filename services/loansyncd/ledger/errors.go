package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrRejected     = errors.New("ledger: rejected")
	ErrTransport    = errors.New("ledger: transport failure")
	ErrNoSigner     = errors.New("ledger: signer required")
	ErrUnknownEvent = errors.New("ledger: unknown event")
	ErrUnsupported  = errors.New("ledger: not supported by contract")
)

// Kind classifies a remote failure.
type Kind int

const (
	// KindRejected means the ledger refused the transition (revert).
	KindRejected Kind = iota + 1
	// KindTransport means the call could not complete.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindRejected:
		return "rejected"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Failure is the structured error returned for remote rejections and
// transport failures.
type Failure struct {
	Kind   Kind
	Method string
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	if f.Reason != "" {
		return fmt.Sprintf("ledger: %s %s: %s", f.Method, f.Kind, f.Reason)
	}
	if f.Err != nil {
		return fmt.Sprintf("ledger: %s %s: %v", f.Method, f.Kind, f.Err)
	}
	return fmt.Sprintf("ledger: %s %s", f.Method, f.Kind)
}

func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// Is matches ErrRejected and ErrTransport according to Kind.
func (f *Failure) Is(target error) bool {
	if f == nil {
		return false
	}
	switch target {
	case ErrRejected:
		return f.Kind == KindRejected
	case ErrTransport:
		return f.Kind == KindTransport
	}
	return false
}

// Rejected builds a remote rejection failure.
func Rejected(method, reason string, err error) *Failure {
	return &Failure{Kind: KindRejected, Method: method, Reason: reason, Err: err}
}

// Transport builds a transport failure.
func Transport(method string, err error) *Failure {
	return &Failure{Kind: KindTransport, Method: method, Err: err}
}
