package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles carried in tokens.
const (
	// RoleSignaling is the signaling service that creates and closes sessions.
	RoleSignaling = "signaling"
	// RoleTransport is the media transport that streams health reports.
	RoleTransport = "transport"
	// RoleOperator reads metrics and the archive.
	RoleOperator = "operator"
	// RoleParticipant is a single participant; its subject is the participant ID.
	RoleParticipant = "participant"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrForbidden    = errors.New("token not allowed for this participant")
)

// Claims holds the caller identity and role.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTService handles token generation and validation.
type JWTService struct {
	secret      []byte
	expireHours int
}

// NewJWTService creates a JWT service.
func NewJWTService(secret string, expireHours int) *JWTService {
	return &JWTService{
		secret:      []byte(secret),
		expireHours: expireHours,
	}
}

// Generate creates a token for subject with the given role.
func (s *JWTService) Generate(subject, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(s.expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT, returning claims or error.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// AuthorizeParticipant accepts service tokens for any participant and
// participant tokens only for their own subject.
func (s *JWTService) AuthorizeParticipant(tokenString, participantID string) error {
	claims, err := s.Validate(tokenString)
	if err != nil {
		return err
	}
	switch claims.Role {
	case RoleSignaling, RoleTransport:
		return nil
	case RoleParticipant:
		if claims.Subject == participantID {
			return nil
		}
	}
	return ErrForbidden
}
