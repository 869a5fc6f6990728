package api

import (
	"context"

	"github.com/OritPerlman/Hotel/roomservice/domain"
)

// Rooms abstracts room record persistence for handlers.
type Rooms interface {
	Create(ctx context.Context, name string, capacity int) (domain.Room, error)
	Get(ctx context.Context, roomID string) (domain.Room, error)
	Delete(ctx context.Context, roomID string) error
}

// Coordinator runs the enter/exit sagas.
type Coordinator interface {
	Enter(ctx context.Context, roomID, userID string) error
	Exit(ctx context.Context, roomID, userID string) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}
