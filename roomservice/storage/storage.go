package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"github.com/OritPerlman/Hotel/events"
	"github.com/OritPerlman/Hotel/roomservice/domain"
)

// Storage provides access to the rooms table and the membership event queue.
type Storage struct {
	roomTable  *aztables.Client
	eventQueue *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr, roomsTable, eventsQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Second * 30,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	rt := svc.NewClient(roomsTable)
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Second * 30,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	eq, err := azqueue.NewQueueClientFromConnectionString(connStr, eventsQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{roomTable: rt, eventQueue: eq}, nil
}

// Member lists are stored as JSON strings because table properties cannot
// hold arrays.
type roomEntity struct {
	aztables.Entity
	Name         string `json:"Name"`
	Capacity     int    `json:"Capacity"`
	Members      string `json:"Members"`
	StaleMembers string `json:"StaleMembers"`
}

func encodeRoomEntity(rec domain.RoomRecord) ([]byte, error) {
	members, err := json.Marshal(rec.Members)
	if err != nil {
		return nil, err
	}
	stale, err := json.Marshal(rec.StaleMembers)
	if err != nil {
		return nil, err
	}
	return json.Marshal(roomEntity{
		Entity:       aztables.Entity{PartitionKey: rec.ID, RowKey: rec.ID},
		Name:         rec.Name,
		Capacity:     rec.Capacity,
		Members:      string(members),
		StaleMembers: string(stale),
	})
}

func decodeRoomEntity(data []byte, etag string) (*domain.RoomRecord, error) {
	var ent roomEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, err
	}
	rec := domain.RoomRecord{
		Room: domain.Room{
			ID:       ent.RowKey,
			Name:     ent.Name,
			Capacity: ent.Capacity,
			Members:  []string{},
		},
		ETag: etag,
	}
	if ent.Members != "" {
		if err := json.Unmarshal([]byte(ent.Members), &rec.Members); err != nil {
			return nil, err
		}
	}
	if ent.StaleMembers != "" && ent.StaleMembers != "null" {
		if err := json.Unmarshal([]byte(ent.StaleMembers), &rec.StaleMembers); err != nil {
			return nil, err
		}
	}
	if rec.Members == nil {
		rec.Members = []string{}
	}
	return &rec, nil
}

// GetRoom retrieves a room record if present. Returns (nil, nil) when the
// room does not exist.
func (s *Storage) GetRoom(ctx context.Context, roomID string) (*domain.RoomRecord, error) {
	ent, err := s.roomTable.GetEntity(ctx, roomID, roomID, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil, nil
		}
		return nil, err
	}
	return decodeRoomEntity(ent.Value, string(ent.ETag))
}

// InsertRoom creates a new room entity.
func (s *Storage) InsertRoom(ctx context.Context, room domain.Room) error {
	payload, err := encodeRoomEntity(domain.RoomRecord{Room: room})
	if err != nil {
		return err
	}
	_, err = s.roomTable.AddEntity(ctx, payload, nil)
	return err
}

// UpdateMembers replaces the room entity guarded by the record's etag, so the
// capacity check and the member change land atomically. A lost race surfaces
// as ErrConcurrencyConflict for the caller to re-read and retry.
func (s *Storage) UpdateMembers(ctx context.Context, rec domain.RoomRecord) error {
	payload, err := encodeRoomEntity(rec)
	if err != nil {
		return err
	}
	et := azcore.ETag(rec.ETag)
	_, err = s.roomTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeReplace})
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) {
			switch respErr.StatusCode {
			case 404:
				return domain.ErrRoomNotFound
			case 409, 412:
				return domain.ErrConcurrencyConflict
			}
		}
		return err
	}
	return nil
}

// DeleteRoom removes the room entity.
func (s *Storage) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := s.roomTable.DeleteEntity(ctx, roomID, roomID, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return domain.ErrRoomNotFound
		}
	}
	return err
}

// Publish sends a membership change event to the events queue.
func (s *Storage) Publish(ctx context.Context, ev events.MembershipChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.eventQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}
