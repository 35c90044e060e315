package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims are carried by tokens that grant access to admin routes.
type JWTClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}
