package utils

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"mailflow/config"
)

// JWTClaims are the access-token claims issued by the auth service. This
// service only validates them; token acquisition lives elsewhere.
type JWTClaims struct {
	UserID       uint   `json:"user_id"`
	SessionID    string `json:"session_id"`
	TokenVersion int    `json:"token_version"`
	jwt.RegisteredClaims
}

// ParseJWTToken validates the signature and expiry of an access token and
// returns its claims.
func ParseJWTToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(config.AppConfig.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
