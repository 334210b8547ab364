package deal

import "errors"

// Kind classifies failures the way callers must react to them.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindPrecondition Kind = "precondition"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindTransient    Kind = "transient"
	KindDependency   Kind = "dependency"
)

// Error is a classified deal failure.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error of the same kind. A target without a message
// matches every error of its kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

func newError(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

// Kind-wide targets for errors.Is.
var (
	ErrValidation   = &Error{Kind: KindValidation}
	ErrPrecondition = &Error{Kind: KindPrecondition}
	ErrNotFound     = &Error{Kind: KindNotFound, Message: "deal: not found"}
	ErrTransient    = &Error{Kind: KindTransient}
	ErrDependency   = &Error{Kind: KindDependency}
)

var (
	ErrAmountBelowMinimum     = newError(KindValidation, "deal: amount below minimum")
	ErrInvalidAmount          = newError(KindValidation, "deal: invalid amount")
	ErrInvalidType            = newError(KindValidation, "deal: invalid deal type")
	ErrInvalidRole            = newError(KindValidation, "deal: invalid role")
	ErrGoodsRequired          = newError(KindValidation, "deal: goods description required")
	ErrCounterpartRequired    = newError(KindValidation, "deal: counterpart email required")
	ErrCounterpartIsCreator   = newError(KindValidation, "deal: counterpart must differ from creator")
	ErrDealDateInPast         = newError(KindValidation, "deal: deal date must be in the future")
	ErrCallerRequired         = newError(KindValidation, "deal: caller identity required")
	ErrDealIDRequired         = newError(KindValidation, "deal: deal id required")
	ErrInviteTokenRequired    = newError(KindValidation, "deal: invite token required")
	ErrInvalidPurpose         = newError(KindValidation, "deal: invalid payment purpose")
	ErrInvalidOutcome         = newError(KindValidation, "deal: invalid outcome")
	ErrFreezeReasonRequired   = newError(KindValidation, "deal: freeze reason required")
	ErrExtensionDateInvalid   = newError(KindValidation, "deal: extension date must be in the future")
	ErrPaymentEventIncomplete = newError(KindValidation, "deal: payment confirmation incomplete")

	ErrNotParty          = newError(KindPrecondition, "deal: caller is not a party")
	ErrInvalidStatus     = newError(KindPrecondition, "deal: operation not allowed in current status")
	ErrInviteInvalid     = newError(KindPrecondition, "deal: invite token invalid or consumed")
	ErrSelfAccept        = newError(KindPrecondition, "deal: creator cannot accept own invite")
	ErrAlreadyPaid       = newError(KindPrecondition, "deal: obligation already paid")
	ErrDuplicateCapture  = newError(KindPrecondition, "deal: obligation already paid by another capture")
	ErrFrozen            = newError(KindPrecondition, "deal: deal is frozen")
	ErrAlreadyFrozen     = newError(KindPrecondition, "deal: deal already frozen")
	ErrNotFrozen         = newError(KindPrecondition, "deal: deal is not frozen")
	ErrNotFreezer        = newError(KindPrecondition, "deal: only the freezing party may unfreeze")
	ErrDuplicateProposal = newError(KindPrecondition, "deal: caller already has a pending proposal")
	ErrNoProposal        = newError(KindPrecondition, "deal: no outcome proposal to confirm")
	ErrSelfConfirm       = newError(KindPrecondition, "deal: proposer cannot confirm own proposal")
	ErrExtensionPending  = newError(KindPrecondition, "deal: extension already pending")
	ErrExtensionNotLater = newError(KindPrecondition, "deal: extension date must be after the current deal date")
	ErrNoExtension       = newError(KindPrecondition, "deal: no pending extension")
	ErrSelfApprove       = newError(KindPrecondition, "deal: requester cannot answer own extension")
	ErrPayoutNotReady    = newError(KindPrecondition, "deal: seller cannot receive payouts yet")

	ErrVersionConflict = newError(KindConflict, "deal: version conflict")
	ErrUnknownOutcome  = newError(KindDependency, "deal: write outcome unknown, re-read before retrying")
)

// KindOf returns the kind of err, or "" when err is not a classified deal error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func dependency(msg string, cause error) error {
	return &Error{Kind: KindDependency, Message: msg, Cause: cause}
}
