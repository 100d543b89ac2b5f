package treasury

import (
	"errors"
)

// Kind groups errors by what the caller can do about them.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindProtocol
	KindState
	KindResource
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindProtocol:
		return "protocol"
	case KindState:
		return "state"
	case KindResource:
		return "resource"
	case KindExternal:
		return "external"
	default:
		return "unknown"
	}
}

var (
	// validation
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrTooManyRecipients   = errors.New("too many recipients")
	ErrArrayLengthMismatch = errors.New("array length mismatch")
	ErrZeroAddress         = errors.New("zero address")
	ErrDuplicateRecipient  = errors.New("duplicate recipient")
	ErrRecipientBlocked    = errors.New("recipient blocked")
	ErrInvalidInput        = errors.New("invalid input")

	// authorization
	ErrUnauthorizedApprover = errors.New("unauthorized approver")
	ErrNotGuardian          = errors.New("not guardian equivalent")
	ErrAlreadyApproved      = errors.New("already approved")

	// protocol
	ErrRevealTooEarly    = errors.New("reveal too early")
	ErrInvalidCommitment = errors.New("invalid commitment")

	// state
	ErrInvalidStatus         = errors.New("invalid status")
	ErrRequestNotFound       = errors.New("request not found")
	ErrClosureNotFound       = errors.New("closure not found")
	ErrClosureActive         = errors.New("closure already active")
	ErrActionAlreadyExecuted = errors.New("action already executed")
	ErrRequestNotAbandoned   = errors.New("request not abandoned")
	ErrRequestNotStale       = errors.New("request not stale")
	ErrPaused                = errors.New("contract paused")

	// resource
	ErrInsufficientAvailableBalance = errors.New("insufficient available balance")
	ErrMaxLockedPercentageExceeded  = errors.New("max locked percentage exceeded")
	ErrInsufficientBalance          = errors.New("insufficient balance")

	// external
	ErrTransferFailed = errors.New("transfer failed")
)

// errorKinds is ordered: an external failure may wrap a ledger error that
// happens to match another sentinel.
var errorKinds = []struct {
	err  error
	kind Kind
}{
	{ErrTransferFailed, KindExternal},

	{ErrInvalidAmount, KindValidation},
	{ErrTooManyRecipients, KindValidation},
	{ErrArrayLengthMismatch, KindValidation},
	{ErrZeroAddress, KindValidation},
	{ErrDuplicateRecipient, KindValidation},
	{ErrRecipientBlocked, KindValidation},
	{ErrInvalidInput, KindValidation},

	{ErrUnauthorizedApprover, KindAuthorization},
	{ErrNotGuardian, KindAuthorization},
	{ErrAlreadyApproved, KindAuthorization},

	{ErrRevealTooEarly, KindProtocol},
	{ErrInvalidCommitment, KindProtocol},

	{ErrInvalidStatus, KindState},
	{ErrRequestNotFound, KindState},
	{ErrClosureNotFound, KindState},
	{ErrClosureActive, KindState},
	{ErrActionAlreadyExecuted, KindState},
	{ErrRequestNotAbandoned, KindState},
	{ErrRequestNotStale, KindState},
	{ErrPaused, KindState},

	{ErrInsufficientAvailableBalance, KindResource},
	{ErrMaxLockedPercentageExceeded, KindResource},
	{ErrInsufficientBalance, KindResource},
}

// ErrorKind reports the kind of the first known sentinel wrapped by err.
func ErrorKind(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}

	return KindUnknown
}
