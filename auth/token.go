/*
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

// Package auth acquires and caches the JWT used to call the Particle API.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expirySkew is subtracted from a token's expiry, so a token isn't used right before it expires.
const expirySkew = 60 * time.Second

// Token is an access token and, if it could be determined, its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// ParseToken reads the expiry from the token's exp claim.
// The signature isn't verified: the token is only passed on to the server that issued it.
// Tokens that aren't JWTs, or JWTs without exp, get no expiry.
func ParseToken(value string) Token {
	token := Token{Value: value}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(value, claims); err != nil {
		return token
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return token
	}
	token.ExpiresAt = exp.Time
	return token
}

// Valid returns false if the token is empty or (about to be) expired.
func (t Token) Valid(now time.Time) bool {
	if t.Value == "" {
		return false
	}
	return t.ExpiresAt.IsZero() || now.Add(expirySkew).Before(t.ExpiresAt)
}

// TTL returns the remaining lifetime of the token, or 0 if it has no expiry.
func (t Token) TTL(now time.Time) time.Duration {
	if t.ExpiresAt.IsZero() {
		return 0
	}
	if ttl := t.ExpiresAt.Sub(now); ttl > 0 {
		return ttl
	}
	return 0
}
