// Package occupancy maintains the per-room occupancy read model from
// membership change events. Events arrive at least once and unordered, so
// application deduplicates on event ID and ignores anything older than the
// state already persisted for the room/user pair.
package occupancy

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/OritPerlman/Hotel/events"
)

// OccupantEntity is one row of the read model: a user's last known presence
// change for a room.
type OccupantEntity struct {
	RoomID    string
	UserID    string
	Present   bool
	EventTime int64
}

// Store defines the persistence the read model needs.
type Store interface {
	// GetOccupant returns (nil, nil) when no row exists yet.
	GetOccupant(ctx context.Context, roomID, userID string) (*OccupantEntity, error)
	UpsertOccupant(ctx context.Context, ent OccupantEntity) error
}

// Service applies membership change events to the read model.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Apply folds one event into the read model. Replays and reordered deliveries
// are resolved by event time: an event at or before the persisted one is a
// no-op.
func (s *Service) Apply(ctx context.Context, ev events.MembershipChangeEvent) error {
	if ev.UserID == "" || ev.RoomID == "" {
		return fmt.Errorf("event %s missing user or room", ev.ID)
	}
	present, err := presence(ev.Direction)
	if err != nil {
		return err
	}
	current, err := s.store.GetOccupant(ctx, ev.RoomID, ev.UserID)
	if err != nil {
		return err
	}
	if current != nil && ev.Time <= current.EventTime {
		log.WithFields(log.Fields{"event": ev.ID, "room": ev.RoomID, "user": ev.UserID}).
			Debug("skipping stale membership event")
		return nil
	}
	return s.store.UpsertOccupant(ctx, OccupantEntity{
		RoomID:    ev.RoomID,
		UserID:    ev.UserID,
		Present:   present,
		EventTime: ev.Time,
	})
}

func presence(direction string) (bool, error) {
	switch direction {
	case events.Entered:
		return true, nil
	case events.Exited:
		return false, nil
	default:
		return false, fmt.Errorf("unknown direction %q", direction)
	}
}
