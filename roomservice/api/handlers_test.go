package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/OritPerlman/Hotel/roomservice/domain"
)

type mockRooms struct {
	room      domain.Room
	err       error
	deleted   []string
	createErr error
}

func (m *mockRooms) Create(ctx context.Context, name string, capacity int) (domain.Room, error) {
	if m.createErr != nil {
		return domain.Room{}, m.createErr
	}
	return domain.Room{ID: "r1", Name: name, Capacity: capacity, Members: []string{}}, nil
}

func (m *mockRooms) Get(ctx context.Context, roomID string) (domain.Room, error) {
	return m.room, m.err
}

func (m *mockRooms) Delete(ctx context.Context, roomID string) error {
	m.deleted = append(m.deleted, roomID)
	return m.err
}

type mockCoordinator struct {
	enterErr error
	exitErr  error
	entered  []string
	exited   []string
}

func (m *mockCoordinator) Enter(ctx context.Context, roomID, userID string) error {
	m.entered = append(m.entered, roomID+"/"+userID)
	return m.enterErr
}

func (m *mockCoordinator) Exit(ctx context.Context, roomID, userID string) error {
	m.exited = append(m.exited, roomID+"/"+userID)
	return m.exitErr
}

type mockAuth struct{ err error }

func (m mockAuth) UserIDFromAuthHeader(string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return "alice", nil
}

func newContext(t *testing.T, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestCreateRoom(t *testing.T) {
	c, rec := newContext(t, http.MethodPost, "/rooms", `{"name":"Lobby","capacity":2}`)
	h := createRoom(&mockRooms{}, mockAuth{})
	if err := h(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"Lobby"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestCreateRoomInvalidBody(t *testing.T) {
	c, rec := newContext(t, http.MethodPost, "/rooms", `{"name":`)
	h := createRoom(&mockRooms{}, mockAuth{})
	if err := h(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateRoomUnauthorized(t *testing.T) {
	c, rec := newContext(t, http.MethodPost, "/rooms", `{"name":"Lobby","capacity":2}`)
	h := createRoom(&mockRooms{}, mockAuth{err: errors.New("bad token")})
	if err := h(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestGetRoom(t *testing.T) {
	rooms := &mockRooms{room: domain.Room{ID: "r1", Name: "Lobby", Capacity: 2, Members: []string{"alice"}}}
	c, rec := newContext(t, http.MethodGet, "/rooms/r1", "")
	c.SetParamNames("id")
	c.SetParamValues("r1")
	if err := getRoom(rooms, mockAuth{})(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"alice"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestGetRoomNotFound(t *testing.T) {
	rooms := &mockRooms{err: domain.ErrRoomNotFound}
	c, rec := newContext(t, http.MethodGet, "/rooms/nope", "")
	c.SetParamNames("id")
	c.SetParamValues("nope")
	if err := getRoom(rooms, mockAuth{})(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestEnterRoom(t *testing.T) {
	coord := &mockCoordinator{}
	c, rec := newContext(t, http.MethodPost, "/rooms/r1/enter", "")
	c.SetParamNames("id")
	c.SetParamValues("r1")
	if err := enterRoom(coord, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(coord.entered) != 1 || coord.entered[0] != "r1/alice" {
		t.Fatalf("unexpected saga invocation: %v", coord.entered)
	}
}

func TestEnterRoomErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{domain.ErrRoomNotFound, http.StatusNotFound},
		{domain.ErrUserNotFound, http.StatusNotFound},
		{domain.ErrEntryDenied, http.StatusForbidden},
		{domain.ErrRoomFull, http.StatusConflict},
		{domain.ErrSagaInProgress, http.StatusConflict},
		{domain.ErrConflict, http.StatusConflict},
		{domain.ErrPartialEnter, http.StatusInternalServerError},
		{domain.ErrUnavailable, http.StatusServiceUnavailable},
		{errors.New("raw storage explosion"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		coord := &mockCoordinator{enterErr: tc.err}
		c, rec := newContext(t, http.MethodPost, "/rooms/r1/enter", "")
		c.SetParamNames("id")
		c.SetParamValues("r1")
		if err := enterRoom(coord, mockAuth{}, log.New())(c); err != nil {
			t.Fatalf("handler: %v", err)
		}
		if rec.Code != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.code, rec.Code)
		}
		if strings.Contains(rec.Body.String(), "explosion") {
			t.Fatalf("raw error leaked to client: %s", rec.Body.String())
		}
	}
}

func TestExitRoom(t *testing.T) {
	coord := &mockCoordinator{}
	c, rec := newContext(t, http.MethodPost, "/rooms/r1/exit", "")
	c.SetParamNames("id")
	c.SetParamValues("r1")
	if err := exitRoom(coord, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(coord.exited) != 1 || coord.exited[0] != "r1/alice" {
		t.Fatalf("unexpected saga invocation: %v", coord.exited)
	}
}

func TestExitRoomErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{domain.ErrNotInRoom, http.StatusForbidden},
		{domain.ErrPartialExit, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		coord := &mockCoordinator{exitErr: tc.err}
		c, rec := newContext(t, http.MethodPost, "/rooms/r1/exit", "")
		c.SetParamNames("id")
		c.SetParamValues("r1")
		if err := exitRoom(coord, mockAuth{}, log.New())(c); err != nil {
			t.Fatalf("handler: %v", err)
		}
		if rec.Code != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.code, rec.Code)
		}
	}
}

func TestDeleteRoom(t *testing.T) {
	rooms := &mockRooms{}
	c, rec := newContext(t, http.MethodDelete, "/rooms/r1", "")
	c.SetParamNames("id")
	c.SetParamValues("r1")
	if err := deleteRoom(rooms, mockAuth{})(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(rooms.deleted) != 1 || rooms.deleted[0] != "r1" {
		t.Fatalf("unexpected delete calls: %v", rooms.deleted)
	}
}
