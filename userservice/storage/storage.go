package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"github.com/OritPerlman/Hotel/userservice/domain"
)

// Storage provides access to the users table.
type Storage struct {
	userTable *aztables.Client
}

// New creates a Storage instance from the given connection string.
func New(connStr, usersTable string) (*Storage, error) {
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
	return &Storage{userTable: svc.NewClient(usersTable)}, nil
}

type userEntity struct {
	aztables.Entity
	Email        string `json:"Email"`
	PasswordHash string `json:"PasswordHash"`
	Status       string `json:"Status"`
	RoomID       string `json:"RoomId"`
}

func decodeUserEntity(data []byte, etag string) (*domain.UserRecord, error) {
	var ent userEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, err
	}
	return &domain.UserRecord{
		User: domain.User{
			ID:           ent.RowKey,
			Email:        ent.Email,
			PasswordHash: ent.PasswordHash,
			Status:       ent.Status,
			RoomID:       ent.RoomID,
		},
		ETag: etag,
	}, nil
}

// GetUser retrieves a user record if present. Returns (nil, nil) when the
// user does not exist.
func (s *Storage) GetUser(ctx context.Context, userID string) (*domain.UserRecord, error) {
	ent, err := s.userTable.GetEntity(ctx, userID, userID, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil, nil
		}
		return nil, err
	}
	return decodeUserEntity(ent.Value, string(ent.ETag))
}

// GetUserByEmail scans for a user with the given email. Emails are stored
// lowercased, so the filter is an exact match.
func (s *Storage) GetUserByEmail(ctx context.Context, email string) (*domain.UserRecord, error) {
	filter := fmt.Sprintf("Email eq '%s'", strings.ReplaceAll(email, "'", "''"))
	pager := s.userTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			return decodeUserEntity(e, "")
		}
	}
	return nil, nil
}

// InsertUser creates a new user entity.
func (s *Storage) InsertUser(ctx context.Context, user domain.User) error {
	payload, err := json.Marshal(userEntity{
		Entity:       aztables.Entity{PartitionKey: user.ID, RowKey: user.ID},
		Email:        user.Email,
		PasswordHash: user.PasswordHash,
		Status:       user.Status,
		RoomID:       user.RoomID,
	})
	if err != nil {
		return err
	}
	_, err = s.userTable.AddEntity(ctx, payload, nil)
	return err
}

// UpdatePresence persists status and room reference in a single merge update
// guarded by the record's etag. Identity fields are untouched.
func (s *Storage) UpdatePresence(ctx context.Context, rec domain.UserRecord) error {
	payload, err := json.Marshal(map[string]any{
		"PartitionKey": rec.ID,
		"RowKey":       rec.ID,
		"Status":       rec.Status,
		"RoomId":       rec.RoomID,
	})
	if err != nil {
		return err
	}
	et := azcore.ETag(rec.ETag)
	_, err = s.userTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) {
			switch respErr.StatusCode {
			case 404:
				return domain.ErrUserNotFound
			case 409, 412:
				return domain.ErrConcurrencyConflict
			}
		}
		return err
	}
	return nil
}
