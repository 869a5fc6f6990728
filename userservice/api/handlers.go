package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/OritPerlman/Hotel/userservice/domain"
)

const credentialsMaxSize = 4 * 1024

// Users abstracts the user service for handlers.
type Users interface {
	Register(ctx context.Context, email, password string) (domain.User, error)
	Authenticate(ctx context.Context, email, password string) (domain.User, error)
	Get(ctx context.Context, userID string) (domain.User, error)
	SetStatus(ctx context.Context, userID, status, roomID string) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// TokenIssuer signs a session token for the given user.
type TokenIssuer func(userID string) (string, error)

// Register wires up all user API routes on the provided Echo instance.
// serviceToken is the credential the room service presents on reconciler and
// presence calls.
func Register(e *echo.Echo, users Users, auth Authenticator, issue TokenIssuer, serviceToken string, logger *log.Logger) {
	e.POST("/register", registerUser(users, issue))
	e.POST("/users", registerUser(users, issue))
	e.POST("/login", login(users, issue))
	e.GET("/users/:id", getUser(users, auth, serviceToken))
	e.GET("/users/:id/room", getUserRoom(users, auth, serviceToken))
	e.PUT("/users/:id/status", setStatus(users, serviceToken, logger))
	e.GET("/healthz", healthz())
}

type messageResponse struct {
	Message string `json:"message"`
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type setStatusRequest struct {
	Status string `json:"status"`
	RoomID string `json:"roomId"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func decodeCredentials(c echo.Context) (credentialsRequest, error) {
	lr := io.LimitReader(c.Request().Body, credentialsMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	var req credentialsRequest
	if err := dec.Decode(&req); err != nil {
		return credentialsRequest{}, err
	}
	return req, nil
}

func registerUser(users Users, issue TokenIssuer) echo.HandlerFunc {
	return func(c echo.Context) error {
		req, err := decodeCredentials(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, messageResponse{Message: "invalid body"})
		}
		if req.Email == "" || req.Password == "" {
			return c.JSON(http.StatusBadRequest, messageResponse{Message: "email and password are required"})
		}
		user, err := users.Register(c.Request().Context(), req.Email, req.Password)
		if err != nil {
			if errors.Is(err, domain.ErrEmailTaken) {
				return c.JSON(http.StatusConflict, messageResponse{Message: "email already registered"})
			}
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, messageResponse{Message: "registration failed"})
		}
		token, err := issue(user.ID)
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, messageResponse{Message: "token issuance failed"})
		}
		return c.JSON(http.StatusCreated, tokenResponse{Token: token})
	}
}

func login(users Users, issue TokenIssuer) echo.HandlerFunc {
	return func(c echo.Context) error {
		req, err := decodeCredentials(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, messageResponse{Message: "invalid body"})
		}
		user, err := users.Authenticate(c.Request().Context(), req.Email, req.Password)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrUserNotFound):
				return c.JSON(http.StatusNotFound, messageResponse{Message: "user not found"})
			case errors.Is(err, domain.ErrInvalidCredentials):
				return c.JSON(http.StatusUnauthorized, messageResponse{Message: "invalid email or password"})
			}
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, messageResponse{Message: "login failed"})
		}
		token, err := issue(user.ID)
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, messageResponse{Message: "token issuance failed"})
		}
		return c.JSON(http.StatusOK, tokenResponse{Token: token})
	}
}

// authorizeRead admits either the room service's credential or the user's own
// session token.
func authorizeRead(c echo.Context, auth Authenticator, serviceToken string) bool {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if isServiceCall(header, serviceToken) {
		return true
	}
	_, err := auth.UserIDFromAuthHeader(header)
	return err == nil
}

func isServiceCall(header, serviceToken string) bool {
	if serviceToken == "" {
		return false
	}
	parts := strings.SplitN(header, " ", 2)
	return len(parts) == 2 && parts[0] == "Bearer" && parts[1] == serviceToken
}

func getUser(users Users, auth Authenticator, serviceToken string) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !authorizeRead(c, auth, serviceToken) {
			return c.JSON(http.StatusUnauthorized, messageResponse{Message: "unauthorized"})
		}
		user, err := users.Get(c.Request().Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, domain.ErrUserNotFound) {
				return c.JSON(http.StatusNotFound, messageResponse{Message: "user not found"})
			}
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, messageResponse{Message: "internal error"})
		}
		return c.JSON(http.StatusOK, user)
	}
}

func getUserRoom(users Users, auth Authenticator, serviceToken string) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !authorizeRead(c, auth, serviceToken) {
			return c.JSON(http.StatusUnauthorized, messageResponse{Message: "unauthorized"})
		}
		user, err := users.Get(c.Request().Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, domain.ErrUserNotFound) {
				return c.JSON(http.StatusNotFound, messageResponse{Message: "user not found"})
			}
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, messageResponse{Message: "internal error"})
		}
		return c.JSON(http.StatusOK, map[string]string{"roomId": user.RoomID})
	}
}

// setStatus is the status reconciler endpoint. Only the room coordinator may
// call it; status and room reference change atomically or not at all.
func setStatus(users Users, serviceToken string, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !isServiceCall(c.Request().Header.Get(echo.HeaderAuthorization), serviceToken) {
			return c.JSON(http.StatusUnauthorized, messageResponse{Message: "unauthorized"})
		}
		var req setStatusRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, messageResponse{Message: "invalid body"})
		}
		if req.Status == "" {
			return c.JSON(http.StatusBadRequest, messageResponse{Message: "status is required"})
		}
		userID := c.Param("id")
		if err := users.SetStatus(c.Request().Context(), userID, req.Status, req.RoomID); err != nil {
			switch {
			case errors.Is(err, domain.ErrUserNotFound):
				return c.JSON(http.StatusNotFound, messageResponse{Message: "user not found"})
			case errors.Is(err, domain.ErrInvalidTransition):
				if logger != nil {
					logger.WithError(err).WithField("user", userID).Warn("rejected status transition")
				}
				return c.JSON(http.StatusConflict, messageResponse{Message: err.Error()})
			}
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, messageResponse{Message: "status update failed"})
		}
		return c.JSON(http.StatusOK, messageResponse{Message: "status updated"})
	}
}
