package domain

import "errors"

// Saga failure taxonomy. Every step failure is classified into one of these
// before any compensation decision is made; handlers map them onto HTTP
// responses so raw transport errors never reach clients.
var (
	// ErrRoomNotFound and ErrUserNotFound are terminal; no retry.
	ErrRoomNotFound = errors.New("room not found")
	ErrUserNotFound = errors.New("user not found")

	// ErrEntryDenied and ErrNotInRoom are business-rule rejections.
	ErrEntryDenied = errors.New("user is not allowed to enter this room")
	ErrNotInRoom   = errors.New("user is not in this room")

	// ErrRoomFull is returned when an add would exceed room capacity.
	ErrRoomFull = errors.New("room is at capacity")

	// ErrSagaInProgress is returned when another enter/exit saga already holds
	// the lease for the same user.
	ErrSagaInProgress = errors.New("another operation for this user is in progress")

	// ErrConflict covers invalid status transitions reported by the reconciler.
	ErrConflict = errors.New("conflicting status change")

	// ErrUnavailable classifies transient failures (timeouts, 5xx, broken
	// connections) after bounded retry is exhausted.
	ErrUnavailable = errors.New("dependency unavailable")

	// ErrPartialEnter and ErrPartialExit mean compensation itself failed and
	// the stores are inconsistent until an operator intervenes.
	ErrPartialEnter = errors.New("enter compensation failed, stores inconsistent")
	ErrPartialExit  = errors.New("exit left a stale membership entry")

	// ErrConcurrencyConflict indicates that the underlying storage rejected an
	// update because a newer version of the entity is already persisted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// Terminal reports whether the error is a final classification that must not
// be retried.
func Terminal(err error) bool {
	return errors.Is(err, ErrRoomNotFound) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrEntryDenied) ||
		errors.Is(err, ErrNotInRoom) ||
		errors.Is(err, ErrRoomFull) ||
		errors.Is(err, ErrConflict)
}
