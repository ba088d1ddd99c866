package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/creatorsync/client/internal/models"
)

var (
	// ErrNoSession indicates no session credential was configured.
	ErrNoSession = errors.New("no session credential")
	// ErrInvalidSession indicates the session credential could not be decoded.
	ErrInvalidSession = errors.New("invalid session credential")
)

// Claims is the identity payload carried by the backend-issued session token.
type Claims struct {
	UserID           string `json:"userId"`
	Username         string `json:"username"`
	Type             string `json:"type"`
	YouTubeConnected bool   `json:"youtubeConnected"`
	jwt.RegisteredClaims
}

// Session holds the credential issued by the backend's auth flow.
// The token is verified server-side; the client only reads its claims.
type Session struct {
	token      string
	cookieName string
	user       models.User
}

// NewSession decodes the identity carried by token.
func NewSession(token, cookieName string) (*Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNoSession
	}
	if cookieName == "" {
		cookieName = "token"
	}

	user, err := ParseIdentity(token)
	if err != nil {
		return nil, err
	}

	return &Session{token: token, cookieName: cookieName, user: user}, nil
}

// ParseIdentity reads the user claims from an unverified session token.
func ParseIdentity(token string) (models.User, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return models.User{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if claims.UserID == "" {
		return models.User{}, fmt.Errorf("%w: missing userId claim", ErrInvalidSession)
	}

	role, err := models.ParseRole(strings.ToUpper(claims.Type))
	if err != nil {
		return models.User{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	return models.User{
		ID:                  claims.UserID,
		Username:            claims.Username,
		Role:                role,
		PublishingConnected: claims.YouTubeConnected,
	}, nil
}

// User returns the signed-in identity.
func (s *Session) User() models.User {
	return s.user
}

// Apply attaches the credential to an outgoing backend request.
func (s *Session) Apply(req *http.Request) {
	req.AddCookie(&http.Cookie{Name: s.cookieName, Value: s.token})
}
