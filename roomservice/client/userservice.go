// Package client implements the room service's HTTP client for the user
// service: read-only presence lookups and status reconciler calls.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/OritPerlman/Hotel/roomservice/domain"
)

// UserService talks to the user service over HTTP. Every call carries its own
// timeout so a hung reconciler surfaces as a transient error instead of an
// indefinite wait.
type UserService struct {
	baseURL string
	bearer  string
	http    *http.Client
}

// New creates a client for the user service at baseURL. bearer is the
// service-to-service credential presented on reconciler calls.
func New(baseURL, bearer string, timeout time.Duration) *UserService {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &UserService{
		baseURL: baseURL,
		bearer:  bearer,
		http:    &http.Client{Timeout: timeout},
	}
}

// GetUser fetches a presence record.
func (c *UserService) GetUser(ctx context.Context, userID string) (domain.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/users/"+userID, nil)
	if err != nil {
		return domain.User{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.bearer)
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: get user: %v", domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var user domain.User
		if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
			return domain.User{}, fmt.Errorf("decode user: %w", err)
		}
		return user, nil
	case http.StatusNotFound:
		return domain.User{}, domain.ErrUserNotFound
	default:
		return domain.User{}, fmt.Errorf("%w: get user: %s", domain.ErrUnavailable, responseMessage(resp))
	}
}

type setStatusRequest struct {
	Status string `json:"status"`
	RoomID string `json:"roomId"`
}

// SetStatus asks the status reconciler to move the user to the given status
// and room reference. Repeating a call with the same target state is safe, so
// the coordinator may retry after an ambiguous timeout.
func (c *UserService) SetStatus(ctx context.Context, userID, status, roomID string) error {
	body, err := json.Marshal(setStatusRequest{Status: status, RoomID: roomID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/users/"+userID+"/status", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.bearer)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: set status: %v", domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return domain.ErrUserNotFound
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrConflict, responseMessage(resp))
	default:
		return fmt.Errorf("%w: set status: %s", domain.ErrUnavailable, responseMessage(resp))
	}
}

func responseMessage(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil || len(data) == 0 {
		return resp.Status
	}
	return fmt.Sprintf("%s: %s", resp.Status, data)
}
