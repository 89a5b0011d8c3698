// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig mirrors the bearer-token settings the admin surface validates
// incoming requests against (HS256 only; the daemon has no need for the
// asymmetric-key paths a multi-tenant API would).
type JWTConfig struct {
	Secret    []byte
	Issuer    string
	ClockSkew time.Duration
}

// Scope names an authorization level a bearer token carries.
type Scope string

const (
	ScopeRead  Scope = "read"
	ScopeAdmin Scope = "admin"
)

// Claims is the JWT payload minted for admin-surface callers.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

func (c Claims) hasScope(want Scope) bool {
	for _, s := range c.Scopes {
		if s == string(want) || s == string(ScopeAdmin) {
			return true
		}
	}
	return false
}

type claimsContextKey struct{}

// GenerateJWT signs an HS256 token for an operator or service account,
// defaulting the expiry to 24 hours and the issuer to cfg.Issuer.
func GenerateJWT(claims Claims, cfg JWTConfig) (string, error) {
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(24 * time.Hour))
	}
	if cfg.Issuer != "" && claims.Issuer == "" {
		claims.Issuer = cfg.Issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(cfg.Secret)
}

func validateJWT(tokenString string, cfg JWTConfig) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithLeeway(cfg.ClockSkew))
	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != "HS256" {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return cfg.Secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if cfg.Issuer != "" && claims.Issuer != cfg.Issuer {
		return nil, jwt.ErrTokenInvalidIssuer
	}
	return claims, nil
}

// requireScope returns middleware that rejects requests lacking a bearer
// token authorized for at least want ("write operations require
// an administrator authorization; read operations require only
// authentication").
func requireScope(cfg JWTConfig, want Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			claims, err := validateJWT(token, cfg)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid bearer token: "+err.Error())
				return
			}
			if want != ScopeRead && !claims.hasScope(want) {
				writeError(w, http.StatusForbidden, "token lacks required scope: "+string(want))
				return
			}
			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
