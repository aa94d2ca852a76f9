package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// Reviewer is an authenticated human who may resolve approvals. Their ID is
// recorded as resolved_by on every transition they make.
type Reviewer struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

// Reviewer roles.
const (
	RoleAdmin    = "admin"
	RoleApprover = "approver"
	RoleViewer   = "viewer"
)

// Claims extends JWT registered claims with the reviewer identity.
type Claims struct {
	Reviewer Reviewer `json:"reviewer"`
	jwt.RegisteredClaims
}

// Config holds auth configuration.
type Config struct {
	JWTSecret       string
	TokenExpiration time.Duration
	RequireAuth     bool
}

// Manager issues and validates reviewer tokens.
type Manager struct {
	config Config
	secret []byte
}

func NewManager(config Config) *Manager {
	secret := config.JWTSecret
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	if secret == "" {
		// Generated secret only survives the process; fine for development.
		b := make([]byte, 32)
		rand.Read(b)
		secret = base64.StdEncoding.EncodeToString(b)
		log.Warn().Msg("using generated JWT secret, set JWT_SECRET for production")
	}

	return &Manager{
		config: config,
		secret: []byte(secret),
	}
}

// GenerateToken creates a signed JWT for the reviewer.
func (m *Manager) GenerateToken(reviewer Reviewer) (string, error) {
	expiration := m.config.TokenExpiration
	if expiration == 0 {
		expiration = 24 * time.Hour
	}

	now := time.Now()
	claims := &Claims{
		Reviewer: reviewer,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "toolgate",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ValidateToken verifies a JWT and returns the reviewer it carries.
func (m *Manager) ValidateToken(tokenString string) (*Reviewer, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return &claims.Reviewer, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// Middleware returns Echo middleware that authenticates reviewers.
func (m *Manager) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !m.config.RequireAuth {
				return next(c)
			}

			token, err := bearerToken(c)
			if err != nil {
				return c.JSON(401, map[string]string{"error": err.Error()})
			}

			reviewer, err := m.ValidateToken(token)
			if err != nil {
				return c.JSON(401, map[string]string{"error": fmt.Sprintf("invalid token: %v", err)})
			}

			c.Set("reviewer", reviewer)
			return next(c)
		}
	}
}

func bearerToken(c echo.Context) (string, error) {
	header := c.Request().Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing authorization header")
	}

	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", fmt.Errorf("invalid authorization header format")
	}

	return parts[1], nil
}

// ReviewerFromContext extracts the authenticated reviewer, if any.
func ReviewerFromContext(c echo.Context) *Reviewer {
	if reviewer, ok := c.Get("reviewer").(*Reviewer); ok {
		return reviewer
	}
	return nil
}
