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
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDoer struct {
	requests  []*http.Request
	bodies    []string
	responses []*http.Response
}

func (r *recordingDoer) Do(req *http.Request) (*http.Response, error) {
	r.requests = append(r.requests, req)
	var body string
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		body = string(data)
	}
	r.bodies = append(r.bodies, body)
	return r.responses[len(r.requests)-1], nil
}

func statusResponse(status int) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(nil))}
}

func TestBearerDoer_Do(t *testing.T) {
	t.Run("Bearer scheme", func(t *testing.T) {
		next := &recordingDoer{responses: []*http.Response{statusResponse(http.StatusOK)}}
		source := NewSource(&countingFetcher{tokens: []Token{{Value: "t1"}}}, nil, zerolog.Nop())
		doer := NewBearerDoer(source, next, "Bearer")
		req, _ := http.NewRequest(http.MethodGet, "http://example.com/R4/Patient/1", nil)

		response, err := doer.Do(req)

		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, response.StatusCode)
		assert.Equal(t, "Bearer t1", next.requests[0].Header.Get("Authorization"))
	})
	t.Run("bare token", func(t *testing.T) {
		next := &recordingDoer{responses: []*http.Response{statusResponse(http.StatusOK)}}
		source := NewSource(&countingFetcher{tokens: []Token{{Value: "t1"}}}, nil, zerolog.Nop())
		doer := NewBearerDoer(source, next, "")
		req, _ := http.NewRequest(http.MethodGet, "http://example.com/R4/Patient/1", nil)

		_, err := doer.Do(req)

		require.NoError(t, err)
		assert.Equal(t, "t1", next.requests[0].Header.Get("Authorization"))
	})
	t.Run("401 retries once with a new token", func(t *testing.T) {
		next := &recordingDoer{responses: []*http.Response{statusResponse(http.StatusUnauthorized), statusResponse(http.StatusCreated)}}
		fetcher := &countingFetcher{tokens: []Token{{Value: "stale"}, {Value: "fresh"}}}
		doer := NewBearerDoer(NewSource(fetcher, nil, zerolog.Nop()), next, "Bearer")
		req, _ := http.NewRequest(http.MethodPost, "http://example.com/R4/Patient", strings.NewReader(`{"resourceType":"Patient"}`))

		response, err := doer.Do(req)

		require.NoError(t, err)
		assert.Equal(t, http.StatusCreated, response.StatusCode)
		require.Len(t, next.requests, 2)
		assert.Equal(t, "Bearer stale", next.requests[0].Header.Get("Authorization"))
		assert.Equal(t, "Bearer fresh", next.requests[1].Header.Get("Authorization"))
		assert.Equal(t, `{"resourceType":"Patient"}`, next.bodies[1])
	})
	t.Run("401 twice is returned", func(t *testing.T) {
		next := &recordingDoer{responses: []*http.Response{statusResponse(http.StatusUnauthorized), statusResponse(http.StatusUnauthorized)}}
		fetcher := &countingFetcher{tokens: []Token{{Value: "t1"}, {Value: "t2"}}}
		doer := NewBearerDoer(NewSource(fetcher, nil, zerolog.Nop()), next, "Bearer")
		req, _ := http.NewRequest(http.MethodGet, "http://example.com/R4/Patient/1", nil)

		response, err := doer.Do(req)

		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, response.StatusCode)
		assert.Len(t, next.requests, 2)
	})
	t.Run("body that can't be replayed is not retried", func(t *testing.T) {
		next := &recordingDoer{responses: []*http.Response{statusResponse(http.StatusUnauthorized)}}
		doer := NewBearerDoer(NewSource(&countingFetcher{tokens: []Token{{Value: "t1"}}}, nil, zerolog.Nop()), next, "Bearer")
		req, _ := http.NewRequest(http.MethodPost, "http://example.com/R4/Patient", io.NopCloser(strings.NewReader("{}")))

		response, err := doer.Do(req)

		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, response.StatusCode)
		assert.Len(t, next.requests, 1)
	})
	t.Run("no token available", func(t *testing.T) {
		next := &recordingDoer{}
		doer := NewBearerDoer(NewSource(&countingFetcher{err: ErrUnauthorized}, nil, zerolog.Nop()), next, "Bearer")
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://example.com/R4/Patient/1", nil)

		_, err := doer.Do(req)

		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.Empty(t, next.requests)
	})
}
