package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable, machine-readable class of a failure surfaced to callers.
type Kind string

const (
	InputInvalid       Kind = "InputInvalid"
	CatalogUnavailable Kind = "CatalogUnavailable"
	ItemNotFound       Kind = "ItemNotFound"
	CouponNotFound     Kind = "CouponNotFound"
	CouponExpired      Kind = "CouponExpired"
	CouponAlreadyUsed  Kind = "CouponAlreadyUsed"
	DuplicateRequest   Kind = "DuplicateRequest"
	AmountMismatch     Kind = "AmountMismatch"
	PaymentFailed      Kind = "PaymentFailed"
	InvalidTransition  Kind = "InvalidTransition"
	Timeout            Kind = "Timeout"
	NotFound           Kind = "NotFound"
	Unauthorized       Kind = "Unauthorized"
	Forbidden          Kind = "Forbidden"
	Internal           Kind = "Internal"
)

// Reasons used alongside CouponExpired to tell the two halves of the window apart.
const (
	ReasonNotYetValid = "not_yet_valid"
	ReasonExpired     = "expired"
)

// Error is the structured error every component returns across package boundaries.
type Error struct {
	Kind    Kind
	Message string
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, &Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Reason == ""
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithReason returns a copy of e carrying reason.
func (e *Error) WithReason(reason string) *Error {
	cp := *e
	cp.Reason = reason
	return &cp
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// KindOf returns the kind of err, Internal for foreign errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if ae, ok := As(err); ok {
		return ae.Kind
	}
	return Internal
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsCoupon reports whether kind is one of the coupon eligibility failures.
func IsCoupon(kind Kind) bool {
	return kind == CouponNotFound || kind == CouponExpired || kind == CouponAlreadyUsed
}

// HTTPStatus maps a kind to the status code handlers respond with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InputInvalid:
		return http.StatusBadRequest
	case ItemNotFound, CouponNotFound, CouponExpired, CouponAlreadyUsed:
		return http.StatusUnprocessableEntity
	case CatalogUnavailable:
		return http.StatusServiceUnavailable
	case DuplicateRequest:
		return http.StatusOK
	case AmountMismatch, InvalidTransition:
		return http.StatusConflict
	case PaymentFailed:
		return http.StatusPaymentRequired
	case Timeout:
		return http.StatusGatewayTimeout
	case NotFound:
		return http.StatusNotFound
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Body renders err as the JSON body handlers return. Foreign errors never leak their text.
func Body(err error) map[string]interface{} {
	ae, ok := As(err)
	if !ok {
		return map[string]interface{}{"error": Internal, "message": "internal error"}
	}
	body := map[string]interface{}{"error": ae.Kind, "message": ae.Message}
	if ae.Reason != "" {
		body["reason"] = ae.Reason
	}
	return body
}

// Status is HTTPStatus(KindOf(err)).
func Status(err error) int {
	return HTTPStatus(KindOf(err))
}
