package events

import (
	"time"

	"github.com/google/uuid"
)

// Direction of a membership change.
const (
	Entered = "entered"
	Exited  = "exited"
)

// SchemaVersion is stamped on every published event so consumers can evolve
// their decoders independently of the producer.
const SchemaVersion = 1

// MembershipChangeEvent is published to the membership events queue whenever a
// user enters or exits a room. Events are delivered at least once; consumers
// deduplicate on ID.
type MembershipChangeEvent struct {
	ID        string `json:"id"`
	Version   int    `json:"version"`
	UserID    string `json:"userId"`
	RoomID    string `json:"roomId"`
	Direction string `json:"direction"`
	Time      int64  `json:"time"`
}

// NewMembershipChange builds an event with a fresh identifier and the current
// time.
func NewMembershipChange(userID, roomID, direction string) MembershipChangeEvent {
	return MembershipChangeEvent{
		ID:        uuid.NewString(),
		Version:   SchemaVersion,
		UserID:    userID,
		RoomID:    roomID,
		Direction: direction,
		Time:      time.Now().UTC().UnixNano(),
	}
}
