package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// UserStore defines the persistence operations required by the service.
// UpdatePresence must persist status and room reference in one write and fail
// with ErrConcurrencyConflict when the etag no longer matches.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*UserRecord, error)
	GetUserByEmail(ctx context.Context, email string) (*UserRecord, error)
	InsertUser(ctx context.Context, user User) error
	UpdatePresence(ctx context.Context, rec UserRecord) error
}

// Service owns user identity and presence.
type Service struct {
	store UserStore
}

func NewService(store UserStore) *Service {
	return &Service{store: store}
}

// Register creates a user with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, email, password string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return User{}, errors.New("email and password are required")
	}
	if existing, err := s.store.GetUserByEmail(ctx, email); err != nil {
		return User{}, err
	} else if existing != nil {
		return User{}, ErrEmailTaken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}
	user := User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		Status:       StatusOutside,
	}
	if err := s.store.InsertUser(ctx, user); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

// Authenticate verifies email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	rec, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return User{}, err
	}
	if rec == nil {
		return User{}, ErrUserNotFound
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return rec.User, nil
}

// Get returns the user's presence record.
func (s *Service) Get(ctx context.Context, userID string) (User, error) {
	rec, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if rec == nil {
		return User{}, ErrUserNotFound
	}
	return rec.User, nil
}

// SetStatus applies a status change requested by the room coordinator.
// Status and room reference are persisted together under the record's etag;
// a concurrent change re-reads and re-validates, so an invalid transition can
// never slip in through a race. Re-applying the current state is a no-op
// success, which makes the operation safe to retry after ambiguous timeouts.
func (s *Service) SetStatus(ctx context.Context, userID, status, roomID string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	for {
		rec, err := s.store.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrUserNotFound
		}
		if rec.Status == status && rec.RoomID == roomID {
			return nil
		}
		if !CanTransition(rec.Status, rec.RoomID, status, roomID) {
			return fmt.Errorf("%w: %s(%s) -> %s(%s)", ErrInvalidTransition, rec.Status, rec.RoomID, status, roomID)
		}
		rec.Status = status
		rec.RoomID = roomID
		if err := s.store.UpdatePresence(ctx, *rec); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				log.WithFields(log.Fields{"user": userID, "status": status}).Debug("presence update lost the race, retrying")
				continue
			}
			return err
		}
		return nil
	}
}
