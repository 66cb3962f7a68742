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

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticator_Token(t *testing.T) {
	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
	jwtValue := signedToken(t, expiresAt)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Header.Get("client-id") == "json-client":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"` + jwtValue + `","token_type":"Bearer"}`))
		case r.Header.Get("client-id") == "empty-client":
			_, _ = w.Write(nil)
		case r.Header.Get("client-id") == "broken-client":
			w.WriteHeader(http.StatusBadGateway)
		case r.Header.Get("client-id") != "client-1" || r.Header.Get("client-secret") != "secret-1":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(jwtValue + "\n"))
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	ctx := context.Background()

	t.Run("plain text token", func(t *testing.T) {
		authenticator, err := NewAuthenticator(server.URL, "client-1", "secret-1", server.Client())
		require.NoError(t, err)

		token, err := authenticator.Token(ctx)

		require.NoError(t, err)
		assert.Equal(t, jwtValue, token.Value)
		assert.True(t, expiresAt.Equal(token.ExpiresAt))
	})
	t.Run("JSON token", func(t *testing.T) {
		authenticator, err := NewAuthenticator(server.URL+"/", "json-client", "secret", server.Client())
		require.NoError(t, err)

		token, err := authenticator.Token(ctx)

		require.NoError(t, err)
		assert.Equal(t, jwtValue, token.Value)
	})
	t.Run("invalid credentials", func(t *testing.T) {
		authenticator, err := NewAuthenticator(server.URL, "client-1", "wrong", server.Client())
		require.NoError(t, err)

		_, err = authenticator.Token(ctx)

		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.EqualError(t, err, "client credentials rejected (status=401)")
	})
	t.Run("server error", func(t *testing.T) {
		authenticator, err := NewAuthenticator(server.URL, "broken-client", "secret", server.Client())
		require.NoError(t, err)

		_, err = authenticator.Token(ctx)

		assert.EqualError(t, err, "auth request failed ("+server.URL+"/auth, status=502)")
	})
	t.Run("empty response", func(t *testing.T) {
		authenticator, err := NewAuthenticator(server.URL, "empty-client", "secret", server.Client())
		require.NoError(t, err)

		_, err = authenticator.Token(ctx)

		assert.EqualError(t, err, "auth response did not contain a token")
	})
	t.Run("missing credentials", func(t *testing.T) {
		_, err := NewAuthenticator(server.URL, "", "", server.Client())

		assert.EqualError(t, err, "client id and client secret are required")
	})
}
