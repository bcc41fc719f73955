package auth

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nyxlight/backend/internal/apperr"
)

type Claims struct {
	DisplayName string `json:"name,omitempty"`
	Role        string `json:"role"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies the HS256 bearer tokens the API
// middleware expects. An empty secret gets a random one per process,
// which invalidates tokens on restart; fine for a single-box service,
// set NYX_TOKEN_SECRET to survive restarts.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenManager(secret string, ttlMinutes int) *TokenManager {
	if ttlMinutes <= 0 {
		ttlMinutes = 12 * 60
	}
	key := []byte(secret)
	if len(key) == 0 {
		buf := make([]byte, 32)
		rand.Read(buf)
		key = []byte(hex.EncodeToString(buf))
	}
	return &TokenManager{
		secret: key,
		ttl:    time.Duration(ttlMinutes) * time.Minute,
	}
}

func (tm *TokenManager) Issue(u *User) (string, error) {
	now := time.Now()
	claims := Claims{
		DisplayName: u.DisplayName,
		Role:        u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", apperr.Newf(apperr.Internal, "potpisivanje tokena nije uspjelo: %v", err)
	}
	return signed, nil
}

func (tm *TokenManager) Verify(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return tm.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apperr.New(apperr.Unauthorized, "neispravan ili istekao token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, apperr.New(apperr.Unauthorized, "neispravan ili istekao token")
	}
	return claims, nil
}
