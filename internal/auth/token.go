// Package auth mints and verifies room-scoped session tokens. A token binds
// one participant identity to one room; it is useless in any other room.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "coderoom"

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrRoomMismatch = errors.New("auth: token issued for another room")
)

// Claims are the JWT claims of a room token
type Claims struct {
	RoomCode      string `json:"roomCode"`
	ParticipantID string `json:"participantId"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	return &Issuer{secret: secret, ttl: ttl, now: time.Now}
}

// WithNow replaces the time source used for issuing and validating
func (i *Issuer) WithNow(now func() time.Time) *Issuer {
	i.now = now
	return i
}

func (i *Issuer) Issue(roomCode, participantID string) (string, error) {
	now := i.now()
	claims := Claims{
		RoomCode:      roomCode,
		ParticipantID: participantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   participantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry and that the token belongs to roomCode
func (i *Issuer) Verify(token, roomCode string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ParticipantID == "" {
		return nil, fmt.Errorf("%w: missing participant", ErrInvalidToken)
	}
	if claims.RoomCode != roomCode {
		return nil, ErrRoomMismatch
	}
	return claims, nil
}
