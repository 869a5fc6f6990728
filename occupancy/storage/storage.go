package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"github.com/OritPerlman/Hotel/occupancy"
)

// Storage wraps the Azure clients the occupancy updater uses: the membership
// events queue and the occupancy read-model table.
type Storage struct {
	queue          *azqueue.QueueClient
	occupancyTable *aztables.Client
}

// New creates a Storage from connection parameters.
func New(connStr, eventsQueue, occupancyTable string) (*Storage, error) {
	queue, err := azqueue.NewQueueClientFromConnectionString(connStr, eventsQueue, nil)
	if err != nil {
		return nil, err
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, err
	}
	return &Storage{queue: queue, occupancyTable: svc.NewClient(occupancyTable)}, nil
}

// Dequeue retrieves a single message from the events queue.
func (s *Storage) Dequeue(ctx context.Context) (*azqueue.DequeuedMessage, error) {
	resp, err := s.queue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	return resp.Messages[0], nil
}

// Delete removes a processed message from the queue.
func (s *Storage) Delete(ctx context.Context, id, receipt string) error {
	_, err := s.queue.DeleteMessage(ctx, id, receipt, nil)
	return err
}

// Rows are keyed by room (partition) and user (row) so a room's occupants can
// be listed with a single partition scan.
type occupantEntity struct {
	aztables.Entity
	Present   bool  `json:"Present"`
	EventTime int64 `json:"EventTime"`
}

// GetOccupant retrieves one read-model row, or (nil, nil) when absent.
func (s *Storage) GetOccupant(ctx context.Context, roomID, userID string) (*occupancy.OccupantEntity, error) {
	resp, err := s.occupancyTable.GetEntity(ctx, roomID, userID, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil, nil
		}
		return nil, err
	}
	var ent occupantEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	return &occupancy.OccupantEntity{
		RoomID:    ent.PartitionKey,
		UserID:    ent.RowKey,
		Present:   ent.Present,
		EventTime: ent.EventTime,
	}, nil
}

// UpsertOccupant writes one read-model row, replacing any previous state.
func (s *Storage) UpsertOccupant(ctx context.Context, ent occupancy.OccupantEntity) error {
	payload, err := json.Marshal(occupantEntity{
		Entity:    aztables.Entity{PartitionKey: ent.RoomID, RowKey: ent.UserID},
		Present:   ent.Present,
		EventTime: ent.EventTime,
	})
	if err != nil {
		return err
	}
	_, err = s.occupancyTable.UpsertEntity(ctx, payload, nil)
	return err
}
