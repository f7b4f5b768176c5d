package lifecycle

import (
	"errors"
	"fmt"

	"lendearn/native/loan"
	"lendearn/services/loansyncd/ledger"
)

var (
	ErrNotConnected       = errors.New("lifecycle: no connected session")
	ErrBusy               = errors.New("lifecycle: another action is in flight")
	ErrLoanNotFound       = errors.New("lifecycle: loan not found")
	ErrLoanActive         = errors.New("lifecycle: loan already active")
	ErrLoanClosed         = errors.New("lifecycle: loan already closed")
	ErrLoanCancelled      = errors.New("lifecycle: loan cancelled")
	ErrLoanNotActive      = errors.New("lifecycle: loan not active")
	ErrLoanRepaid         = errors.New("lifecycle: loan already repaid")
	ErrNotBorrower        = errors.New("lifecycle: caller is not the bound borrower")
	ErrNotLender          = errors.New("lifecycle: caller is not the lender")
	ErrInvalidReferrer    = errors.New("lifecycle: invalid referrer")
	ErrSelfReferral       = errors.New("lifecycle: cannot refer self")
	ErrReferrerAlreadySet = errors.New("lifecycle: referrer already set")
)

// Class groups action failures by how callers should react to them.
type Class int

const (
	// ClassValidation covers locally detected precondition violations.
	ClassValidation Class = iota + 1
	// ClassAuthorization means the caller lacks the required role.
	ClassAuthorization
	// ClassBusy means another action holds the gate.
	ClassBusy
	// ClassRejected means the ledger refused the transition.
	ClassRejected
	// ClassTransport means the ledger could not be reached.
	ClassTransport
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassAuthorization:
		return "authorization"
	case ClassBusy:
		return "busy"
	case ClassRejected:
		return "rejected"
	case ClassTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// ActionError is returned by every controller operation.
type ActionError struct {
	Action ledger.Action
	Class  Class
	Err    error
}

func (e *ActionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s (%s): %v", e.Action, e.Class, e.Err)
}

func (e *ActionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Reached reports whether the action was submitted to the ledger.
func (e *ActionError) Reached() bool {
	return e != nil && (e.Class == ClassRejected || e.Class == ClassTransport)
}

// Validation wraps err as a validation failure.
func Validation(action ledger.Action, err error) *ActionError {
	return &ActionError{Action: action, Class: ClassValidation, Err: err}
}

// Authorization wraps err as an authorization failure.
func Authorization(action ledger.Action, err error) *ActionError {
	return &ActionError{Action: action, Class: ClassAuthorization, Err: err}
}

// ClassOf reports the class of err, or zero when err is not an ActionError.
func ClassOf(err error) Class {
	var actionErr *ActionError
	if errors.As(err, &actionErr) {
		return actionErr.Class
	}
	return 0
}

// classify wraps a precondition or ledger error in an ActionError.
func classify(action ledger.Action, err error) *ActionError {
	var actionErr *ActionError
	if errors.As(err, &actionErr) {
		return actionErr
	}
	switch {
	case errors.Is(err, ledger.ErrNoSigner):
		return Validation(action, fmt.Errorf("%w: %w", ErrNotConnected, err))
	case errors.Is(err, ledger.ErrRejected):
		return &ActionError{Action: action, Class: ClassRejected, Err: err}
	case errors.Is(err, ledger.ErrTransport):
		return &ActionError{Action: action, Class: ClassTransport, Err: err}
	case errors.Is(err, ErrBusy):
		return &ActionError{Action: action, Class: ClassBusy, Err: err}
	case errors.Is(err, ErrNotBorrower), errors.Is(err, ErrNotLender):
		return Authorization(action, err)
	case isPrecondition(err):
		return Validation(action, err)
	default:
		// Anything else came back from the ledger binding without a
		// classification, so the outcome is unknown.
		return &ActionError{Action: action, Class: ClassTransport, Err: err}
	}
}

func isPrecondition(err error) bool {
	for _, target := range []error{
		ErrNotConnected, ErrLoanNotFound, ErrLoanActive, ErrLoanClosed, ErrLoanNotActive,
		ErrLoanRepaid, ErrInvalidReferrer, ErrSelfReferral, ErrReferrerAlreadySet,
		loan.ErrInvalidAmount, loan.ErrInvalidPayback, loan.ErrInvalidDueDays,
		loan.ErrInvalidAddress, loan.ErrAmountOverflow, loan.ErrInvalidDecimals,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
