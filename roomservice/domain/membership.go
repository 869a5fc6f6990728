package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// RoomRecord pairs a room with the storage version it was read at.
type RoomRecord struct {
	Room
	ETag string
}

// RoomStore defines the persistence operations required by the membership
// service. UpdateMembers must fail with ErrConcurrencyConflict when the etag
// no longer matches the stored entity.
type RoomStore interface {
	GetRoom(ctx context.Context, roomID string) (*RoomRecord, error)
	InsertRoom(ctx context.Context, room Room) error
	UpdateMembers(ctx context.Context, rec RoomRecord) error
	DeleteRoom(ctx context.Context, roomID string) error
}

// MembershipService owns the room member sets. Mutations are read-modify-write
// cycles guarded by the store's etag, so the capacity check and the add land
// as one atomic operation even when two users enter the same room at once.
type MembershipService struct {
	store RoomStore
}

func NewMembershipService(store RoomStore) *MembershipService {
	return &MembershipService{store: store}
}

// Create persists a new empty room.
func (s *MembershipService) Create(ctx context.Context, name string, capacity int) (Room, error) {
	if name == "" {
		return Room{}, errors.New("room name is required")
	}
	if capacity <= 0 {
		return Room{}, errors.New("room capacity must be positive")
	}
	room := Room{ID: uuid.NewString(), Name: name, Capacity: capacity, Members: []string{}}
	if err := s.store.InsertRoom(ctx, room); err != nil {
		return Room{}, fmt.Errorf("insert room: %w", err)
	}
	return room, nil
}

// Get returns the current room record.
func (s *MembershipService) Get(ctx context.Context, roomID string) (Room, error) {
	rec, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return Room{}, err
	}
	if rec == nil {
		return Room{}, ErrRoomNotFound
	}
	return rec.Room, nil
}

// Delete removes the room record.
func (s *MembershipService) Delete(ctx context.Context, roomID string) error {
	rec, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrRoomNotFound
	}
	return s.store.DeleteRoom(ctx, roomID)
}

// AddMember adds the user to the room's member set. Adding an existing member
// is a no-op success, so retries after an ambiguous timeout are safe. Returns
// ErrRoomFull when the room is at capacity.
func (s *MembershipService) AddMember(ctx context.Context, roomID, userID string) error {
	for {
		rec, err := s.store.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrRoomNotFound
		}
		if rec.HasMember(userID) {
			return nil
		}
		if len(rec.Members) >= rec.Capacity {
			return ErrRoomFull
		}
		rec.Members = append(rec.Members, userID)
		rec.StaleMembers = without(rec.StaleMembers, userID)
		if err := s.store.UpdateMembers(ctx, *rec); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				log.WithFields(log.Fields{"room": roomID, "user": userID}).Debug("membership add lost the race, retrying")
				continue
			}
			return err
		}
		return nil
	}
}

// RemoveMember removes the user from the room's member set. Removing an
// absent member is a no-op success.
func (s *MembershipService) RemoveMember(ctx context.Context, roomID, userID string) error {
	for {
		rec, err := s.store.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrRoomNotFound
		}
		if !rec.HasMember(userID) && !contains(rec.StaleMembers, userID) {
			return nil
		}
		rec.Members = without(rec.Members, userID)
		rec.StaleMembers = without(rec.StaleMembers, userID)
		if err := s.store.UpdateMembers(ctx, *rec); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				log.WithFields(log.Fields{"room": roomID, "user": userID}).Debug("membership remove lost the race, retrying")
				continue
			}
			return err
		}
		return nil
	}
}

// MarkStale moves the user's membership entry to the stale list. Used when an
// exit saga updated the user's status but could not remove the membership
// entry; the entry stops counting toward occupancy but stays visible.
func (s *MembershipService) MarkStale(ctx context.Context, roomID, userID string) error {
	for {
		rec, err := s.store.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrRoomNotFound
		}
		if !rec.HasMember(userID) {
			return nil
		}
		rec.Members = without(rec.Members, userID)
		if !contains(rec.StaleMembers, userID) {
			rec.StaleMembers = append(rec.StaleMembers, userID)
		}
		if err := s.store.UpdateMembers(ctx, *rec); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				continue
			}
			return err
		}
		return nil
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func without(list []string, v string) []string {
	if !contains(list, v) {
		return list
	}
	out := make([]string, 0, len(list)-1)
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
