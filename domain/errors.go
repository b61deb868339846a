package domain

import (
	"errors"
	"fmt"
	"strings"
)

// RejectReason is the caller-visible classification of a refused request.
type RejectReason string

const (
	ReasonInvalidRequest        RejectReason = "INVALID_REQUEST"
	ReasonDuplicateRequest      RejectReason = "DUPLICATE_REQUEST"
	ReasonUserAlreadyPurchased  RejectReason = "USER_ALREADY_PURCHASED"
	ReasonUserActiveReservation RejectReason = "USER_HAS_ACTIVE_RESERVATION"
	ReasonOutOfStock            RejectReason = "OUT_OF_STOCK"
	ReasonReservationExpired    RejectReason = "RESERVATION_EXPIRED"
	ReasonNotFound              RejectReason = "NOT_FOUND"
	ReasonInvalidState          RejectReason = "INVALID_STATE"
	ReasonUnavailable           RejectReason = "TEMPORARILY_UNAVAILABLE"
)

// Sentinel errors for the store and service layers. Handlers map these to
// HTTP statuses; the allocator maps them to rejection markers.
var (
	ErrNotFound             = errors.New("not found")
	ErrOutOfStock           = errors.New("out of stock")
	ErrDuplicateRequest     = errors.New("duplicate request")
	ErrUserAlreadyPurchased = errors.New("user already purchased")
	ErrActiveReservation    = errors.New("user has an active reservation")
	ErrReservationExpired   = errors.New("reservation expired")
	ErrInvalidState         = errors.New("invalid reservation state")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrUnavailable          = errors.New("temporarily unavailable")
)

// ReasonForError maps a sentinel error to its reject reason. Unknown errors
// map to TEMPORARILY_UNAVAILABLE so transient store failures stay retryable.
func ReasonForError(err error) RejectReason {
	switch {
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrOutOfStock):
		return ReasonOutOfStock
	case errors.Is(err, ErrDuplicateRequest):
		return ReasonDuplicateRequest
	case errors.Is(err, ErrUserAlreadyPurchased):
		return ReasonUserAlreadyPurchased
	case errors.Is(err, ErrActiveReservation):
		return ReasonUserActiveReservation
	case errors.Is(err, ErrReservationExpired):
		return ReasonReservationExpired
	case errors.Is(err, ErrInvalidState):
		return ReasonInvalidState
	case errors.Is(err, ErrInvalidRequest):
		return ReasonInvalidRequest
	default:
		return ReasonUnavailable
	}
}

// Rejection is the payload stored on the cache rejection channel
// (`rejection:{user}:{sku}`), serialized as "REASON:message".
type Rejection struct {
	Reason  RejectReason
	Message string
}

func (r Rejection) Encode() string {
	return fmt.Sprintf("%s:%s", r.Reason, r.Message)
}

// ParseRejection decodes a rejection marker. The message part may itself
// contain colons.
func ParseRejection(s string) (Rejection, error) {
	reason, msg, ok := strings.Cut(s, ":")
	if !ok || reason == "" {
		return Rejection{}, fmt.Errorf("malformed rejection payload: %q", s)
	}
	return Rejection{Reason: RejectReason(reason), Message: msg}, nil
}
