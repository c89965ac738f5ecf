// Package auth issues and verifies the bearer tokens devices present on
// every sync call.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a token fails signature or claim checks.
var ErrInvalidToken = errors.New("invalid token")

// Claims binds a device identity to the standard JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	DeviceID string `json:"device_id"`
}

// GenerateToken mints an HS256 token for the given device.
func GenerateToken(deviceID string, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		DeviceID: deviceID,
	})
	return token.SignedString(secret)
}

// DeviceIDFromToken verifies the token and returns the device it was minted
// for. Expired or tampered tokens return ErrInvalidToken.
func DeviceIDFromToken(tokenString string, secret []byte) (string, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return secret, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}
	if !token.Valid || claims.DeviceID == "" {
		return "", ErrInvalidToken
	}

	return claims.DeviceID, nil
}
