package domain

// CanEnter decides whether a user may enter a room. Pure function of the
// user's current presence and the room's occupancy; no I/O.
//
// Entry is permitted only when the user is outside with no lingering room
// reference and the room has a free slot. A user already present in the
// member set does not consume a second slot, so a retried enter after a
// half-finished attempt passes validation again.
func CanEnter(user User, room Room) bool {
	if user.Status != StatusOutside {
		return false
	}
	if user.RoomID != "" && user.RoomID != room.ID {
		return false
	}
	if room.HasMember(user.ID) {
		return true
	}
	return len(room.Members) < room.Capacity
}
