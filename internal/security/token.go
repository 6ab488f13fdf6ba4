package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential validation failures, distinguished so the transport can report
// precise close reasons.
var (
	ErrTokenMalformed = errors.New("malformed credential")
	ErrTokenExpired   = errors.New("credential expired")
	ErrTokenSignature = errors.New("credential signature invalid")
)

// SessionIdentity is the result of verifying a credential. It is derived,
// never stored server-side.
type SessionIdentity struct {
	UserID      int64
	Username    string
	DisplayName string
	ExpiresAt   time.Time
}

// Claims is the JWT claim set issued at login.
type Claims struct {
	UserID      int64  `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// TokenService wraps JWT creation and validation.
type TokenService struct {
	secret    []byte
	expiresIn time.Duration
}

func NewTokenService(secret string, expiresIn time.Duration) *TokenService {
	return &TokenService{
		secret:    []byte(secret),
		expiresIn: expiresIn,
	}
}

// CreateForUser creates a signed token carrying the user's identity.
func (t *TokenService) CreateForUser(userID int64, username, displayName string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:      userID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.expiresIn)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Authenticate validates a raw credential and returns the embedded identity.
// Pure validation: no shared state is touched.
func (t *TokenService) Authenticate(raw string) (*SessionIdentity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrTokenSignature
		default:
			return nil, ErrTokenMalformed
		}
	}
	if !token.Valid || claims.UserID == 0 || claims.Subject == "" {
		return nil, ErrTokenMalformed
	}

	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return &SessionIdentity{
		UserID:      claims.UserID,
		Username:    claims.Subject,
		DisplayName: claims.DisplayName,
		ExpiresAt:   exp,
	}, nil
}
