package domain

// Room holds a room record together with its current member set. The member
// count never exceeds Capacity. StaleMembers carries entries left behind by
// exits whose membership removal could not be completed; they are excluded
// from occupancy but kept visible for operator cleanup.
type Room struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capacity     int      `json:"capacity"`
	Members      []string `json:"members"`
	StaleMembers []string `json:"staleMembers,omitempty"`
}

// HasMember reports whether the user is a live member of the room.
func (r Room) HasMember(userID string) bool {
	for _, m := range r.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// User statuses as recorded by the user service. The room service only reads
// them; all mutations go through the status reconciler endpoint.
const (
	StatusOutside  = "outside"
	StatusEntering = "entering"
	StatusInside   = "inside"
	StatusExiting  = "exiting"
)

// User is the room service's read-only view of a presence record.
type User struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Status string `json:"status"`
	RoomID string `json:"roomId"`
}
