package domain

import "errors"

// Presence statuses. Status and room reference always change together
// through the reconciler; clients never mutate them directly.
const (
	StatusOutside  = "outside"
	StatusEntering = "entering"
	StatusInside   = "inside"
	StatusExiting  = "exiting"
)

// User is an identity plus presence record. PasswordHash never leaves the
// user service.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	Status       string `json:"status"`
	RoomID       string `json:"roomId"`
}

// UserRecord pairs a user with the storage version it was read at.
type UserRecord struct {
	User
	ETag string
}

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrInvalidTransition is the reconciler's Conflict: the requested status
	// change does not follow the allowed chain and is not an idempotent
	// re-application.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConcurrencyConflict indicates that the underlying storage rejected an
	// update because a newer version of the entity is already persisted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// ValidStatus reports whether s is one of the presence statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusOutside, StatusEntering, StatusInside, StatusExiting:
		return true
	}
	return false
}

// CanTransition decides whether a user currently at (from, fromRoom) may be
// moved to (to, toRoom). The base chain is
// outside -> entering -> inside -> exiting -> outside; the room coordinator
// drives it with one call per direction, so a target state may also be
// reached by collapsing the intermediate hop. Re-applying the current state
// with the same room reference is always allowed so retried calls stay safe,
// and outside is reachable from anywhere because it is the compensation
// target.
func CanTransition(from, fromRoom, to, toRoom string) bool {
	if !ValidStatus(to) {
		return false
	}
	if from == to {
		return fromRoom == toRoom
	}
	switch to {
	case StatusEntering:
		return from == StatusOutside
	case StatusInside:
		return from == StatusOutside || (from == StatusEntering && fromRoom == toRoom)
	case StatusExiting:
		return from == StatusInside && fromRoom == toRoom
	case StatusOutside:
		return toRoom == ""
	}
	return false
}
