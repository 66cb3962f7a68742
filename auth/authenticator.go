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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/ParticleHealth/charm/fhirclient"
)

// ErrUnauthorized is returned when the API rejects the client credentials.
var ErrUnauthorized = errors.New("client credentials rejected")

const maxTokenResponseSize = 64 * 1024

// Authenticator exchanges client credentials for a token at {host}/auth.
type Authenticator struct {
	authURL      string
	clientID     string
	clientSecret string
	httpClient   fhirclient.HttpRequestDoer
}

func NewAuthenticator(host string, clientID string, clientSecret string, httpClient fhirclient.HttpRequestDoer) (*Authenticator, error) {
	authURL, err := url.JoinPath(host, "auth")
	if err != nil {
		return nil, fmt.Errorf("invalid host %q: %w", host, err)
	}
	if clientID == "" || clientSecret == "" {
		return nil, errors.New("client id and client secret are required")
	}
	return &Authenticator{
		authURL:      authURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
	}, nil
}

// Token requests a new token. The API responds with the bare JWT; a JSON body with access_token is accepted as well.
func (a Authenticator) Token(ctx context.Context) (Token, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, a.authURL, nil)
	if err != nil {
		return Token{}, err
	}
	httpRequest.Header.Set("client-id", a.clientID)
	httpRequest.Header.Set("client-secret", a.clientSecret)
	httpResponse, err := a.httpClient.Do(httpRequest)
	if err != nil {
		return Token{}, fmt.Errorf("auth request failed (%s): %w", a.authURL, err)
	}
	defer httpResponse.Body.Close()
	data, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxTokenResponseSize))
	if err != nil {
		return Token{}, fmt.Errorf("auth response read failed (%s): %w", a.authURL, err)
	}
	switch {
	case httpResponse.StatusCode == http.StatusUnauthorized || httpResponse.StatusCode == http.StatusForbidden:
		return Token{}, fmt.Errorf("%w (status=%d)", ErrUnauthorized, httpResponse.StatusCode)
	case httpResponse.StatusCode != http.StatusOK:
		return Token{}, fmt.Errorf("auth request failed (%s, status=%d)", a.authURL, httpResponse.StatusCode)
	}
	value := string(bytes.TrimSpace(data))
	if len(value) > 0 && value[0] == '{' {
		var body struct {
			AccessToken string `json:"access_token"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return Token{}, fmt.Errorf("auth response unmarshal failed: %w", err)
		}
		value = body.AccessToken
	}
	if value == "" {
		return Token{}, errors.New("auth response did not contain a token")
	}
	return ParseToken(value), nil
}
