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
	"io"
	"net/http"

	"github.com/ParticleHealth/charm/fhirclient"
)

// TokenProvider is implemented by Source.
type TokenProvider interface {
	Token(ctx context.Context) (Token, error)
	Invalidate(ctx context.Context) error
}

var _ fhirclient.HttpRequestDoer = &BearerDoer{}

// BearerDoer sets the Authorization header on outgoing requests.
// When the API responds 401, the token is dropped and the request is retried once with a new token.
type BearerDoer struct {
	tokens TokenProvider
	next   fhirclient.HttpRequestDoer
	scheme string
}

// NewBearerDoer creates a BearerDoer. An empty scheme sends the bare token, which the Particle API also accepts.
func NewBearerDoer(tokens TokenProvider, next fhirclient.HttpRequestDoer, scheme string) *BearerDoer {
	return &BearerDoer{tokens: tokens, next: next, scheme: scheme}
}

func (b *BearerDoer) Do(req *http.Request) (*http.Response, error) {
	if err := b.authorize(req); err != nil {
		return nil, err
	}
	response, err := b.next.Do(req)
	if err != nil || response.StatusCode != http.StatusUnauthorized {
		return response, err
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		// Body was consumed and can't be sent again.
		return response, nil
	}
	if err := b.tokens.Invalidate(req.Context()); err != nil {
		return response, nil
	}
	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return response, nil
		}
		retry.Body = body
	}
	if err := b.authorize(retry); err != nil {
		return response, nil
	}
	if response.Body != nil {
		_, _ = io.Copy(io.Discard, response.Body)
		_ = response.Body.Close()
	}
	return b.next.Do(retry)
}

func (b *BearerDoer) authorize(req *http.Request) error {
	token, err := b.tokens.Token(req.Context())
	if err != nil {
		return err
	}
	if b.scheme == "" {
		req.Header.Set("Authorization", token.Value)
	} else {
		req.Header.Set("Authorization", b.scheme+" "+token.Value)
	}
	return nil
}
