package auth

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// Handler provides the login and identity endpoints.
type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token    string   `json:"token"`
	Reviewer Reviewer `json:"reviewer"`
}

// Login authenticates a reviewer and issues a token.
func (h *Handler) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	reviewer, err := h.validateCredentials(req.Email, req.Password)
	if err != nil {
		log.Warn().Str("email", req.Email).Msg("login failed")
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
	}

	token, err := h.manager.GenerateToken(*reviewer)
	if err != nil {
		log.Error().Err(err).Msg("failed to generate token")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to generate token"})
	}

	log.Info().Str("email", reviewer.Email).Msg("reviewer logged in")

	return c.JSON(http.StatusOK, LoginResponse{Token: token, Reviewer: *reviewer})
}

// Me returns the authenticated reviewer.
func (h *Handler) Me(c echo.Context) error {
	reviewer := ReviewerFromContext(c)
	if reviewer == nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
	return c.JSON(http.StatusOK, reviewer)
}

// validateCredentials checks the reviewer list from AUTH_REVIEWERS.
// Format: EMAIL:PASSWORD:NAME:ROLES, semicolon-separated.
func (h *Handler) validateCredentials(email, password string) (*Reviewer, error) {
	reviewersEnv := os.Getenv("AUTH_REVIEWERS")
	if reviewersEnv == "" {
		// Development default.
		reviewersEnv = "admin@example.com:admin:Administrator:admin,approver"
	}

	for _, entry := range strings.Split(reviewersEnv, ";") {
		parts := strings.Split(entry, ":")
		if len(parts) < 4 {
			continue
		}

		if subtle.ConstantTimeCompare([]byte(email), []byte(parts[0])) == 1 &&
			subtle.ConstantTimeCompare([]byte(password), []byte(parts[1])) == 1 {
			return &Reviewer{
				ID:    strings.ReplaceAll(email, "@", "-"),
				Email: email,
				Name:  parts[2],
				Roles: strings.Split(parts[3], ","),
			}, nil
		}
	}

	return nil, ErrInvalidCredentials
}

// ErrInvalidCredentials is returned for unknown reviewers or wrong passwords.
var ErrInvalidCredentials = &Error{"invalid credentials"}

// Error is an authentication failure.
type Error struct {
	message string
}

func (e *Error) Error() string {
	return e.message
}
