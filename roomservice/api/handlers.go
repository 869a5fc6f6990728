package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/OritPerlman/Hotel/roomservice/domain"
)

const createRoomMaxSize = 4 * 1024

// Register wires up all room API routes on the provided Echo instance.
func Register(e *echo.Echo, rooms Rooms, coord Coordinator, auth Authenticator, logger *log.Logger) {
	e.POST("/rooms", createRoom(rooms, auth))
	e.GET("/rooms/:id", getRoom(rooms, auth))
	e.DELETE("/rooms/:id", deleteRoom(rooms, auth))
	e.POST("/rooms/:id/enter", enterRoom(coord, auth, logger))
	e.POST("/rooms/:id/exit", exitRoom(coord, auth, logger))
	e.GET("/healthz", healthz())
}

type messageResponse struct {
	Message string `json:"message"`
}

type createRoomRequest struct {
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func createRoom(rooms Rooms, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.JSON(http.StatusUnauthorized, messageResponse{Message: err.Error()})
		}

		lr := io.LimitReader(c.Request().Body, createRoomMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		var req createRoomRequest
		if err := dec.Decode(&req); err != nil {
			return c.JSON(http.StatusBadRequest, messageResponse{Message: "invalid body"})
		}
		room, err := rooms.Create(c.Request().Context(), req.Name, req.Capacity)
		if err != nil {
			return c.JSON(http.StatusBadRequest, messageResponse{Message: err.Error()})
		}
		return c.JSON(http.StatusCreated, room)
	}
}

func getRoom(rooms Rooms, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.JSON(http.StatusUnauthorized, messageResponse{Message: err.Error()})
		}
		room, err := rooms.Get(c.Request().Context(), c.Param("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, room)
	}
}

func deleteRoom(rooms Rooms, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.JSON(http.StatusUnauthorized, messageResponse{Message: err.Error()})
		}
		if err := rooms.Delete(c.Request().Context(), c.Param("id")); err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, messageResponse{Message: "room deleted"})
	}
}

func enterRoom(coord Coordinator, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, messageResponse{Message: err.Error()})
		}
		roomID := c.Param("id")
		if err := coord.Enter(c.Request().Context(), roomID, userID); err != nil {
			logSagaFailure(logger, "enter", roomID, userID, err)
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, messageResponse{Message: "user entered room"})
	}
}

func exitRoom(coord Coordinator, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, messageResponse{Message: err.Error()})
		}
		roomID := c.Param("id")
		if err := coord.Exit(c.Request().Context(), roomID, userID); err != nil {
			logSagaFailure(logger, "exit", roomID, userID, err)
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, messageResponse{Message: "user exited room"})
	}
}

func logSagaFailure(logger *log.Logger, op, roomID, userID string, err error) {
	if logger == nil {
		return
	}
	entry := logger.WithError(err).WithFields(log.Fields{"op": op, "room": roomID, "user": userID})
	if errors.Is(err, domain.ErrPartialEnter) || errors.Is(err, domain.ErrPartialExit) {
		entry.Error("saga left stores inconsistent")
		return
	}
	entry.Debug("saga rejected")
}

// respondError maps the saga error taxonomy onto client-visible responses.
// Raw transport or storage errors never leak; unknown failures become a
// generic 500.
func respondError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		return c.JSON(http.StatusNotFound, messageResponse{Message: "room not found"})
	case errors.Is(err, domain.ErrUserNotFound):
		return c.JSON(http.StatusNotFound, messageResponse{Message: "user not found"})
	case errors.Is(err, domain.ErrEntryDenied):
		return c.JSON(http.StatusForbidden, messageResponse{Message: "user is not allowed to enter this room"})
	case errors.Is(err, domain.ErrNotInRoom):
		return c.JSON(http.StatusForbidden, messageResponse{Message: "user is not in this room"})
	case errors.Is(err, domain.ErrRoomFull):
		return c.JSON(http.StatusConflict, messageResponse{Message: "room is at capacity"})
	case errors.Is(err, domain.ErrSagaInProgress):
		return c.JSON(http.StatusConflict, messageResponse{Message: "another operation for this user is in progress"})
	case errors.Is(err, domain.ErrConflict):
		return c.JSON(http.StatusConflict, messageResponse{Message: "conflicting status change"})
	case errors.Is(err, domain.ErrPartialEnter), errors.Is(err, domain.ErrPartialExit):
		return c.JSON(http.StatusInternalServerError, messageResponse{Message: "internal inconsistency, operation is being reconciled"})
	case errors.Is(err, domain.ErrUnavailable):
		return c.JSON(http.StatusServiceUnavailable, messageResponse{Message: "a dependent service is unavailable, try again"})
	default:
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, messageResponse{Message: "internal error"})
	}
}
