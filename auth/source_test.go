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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFetcher struct {
	calls  atomic.Int32
	tokens []Token
	err    error
}

func (c *countingFetcher) Token(_ context.Context) (Token, error) {
	n := c.calls.Add(1)
	if c.err != nil {
		return Token{}, c.err
	}
	return c.tokens[int(n-1)%len(c.tokens)], nil
}

func TestSource_Token(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("cached token is reused", func(t *testing.T) {
		fetcher := &countingFetcher{tokens: []Token{{Value: "t1", ExpiresAt: now.Add(time.Hour)}}}
		source := NewSource(fetcher, nil, zerolog.Nop())
		source.now = func() time.Time { return now }

		first, err := source.Token(ctx)
		require.NoError(t, err)
		second, err := source.Token(ctx)
		require.NoError(t, err)

		assert.Equal(t, "t1", first.Value)
		assert.Equal(t, "t1", second.Value)
		assert.Equal(t, int32(1), fetcher.calls.Load())
	})
	t.Run("expired token is refreshed", func(t *testing.T) {
		fetcher := &countingFetcher{tokens: []Token{{Value: "new", ExpiresAt: now.Add(time.Hour)}}}
		store := &MemoryStore{}
		require.NoError(t, store.Save(ctx, Token{Value: "old", ExpiresAt: now.Add(-time.Minute)}))
		source := NewSource(fetcher, store, zerolog.Nop())
		source.now = func() time.Time { return now }

		token, err := source.Token(ctx)

		require.NoError(t, err)
		assert.Equal(t, "new", token.Value)
		cached, _, _ := store.Load(ctx)
		assert.Equal(t, "new", cached.Value)
	})
	t.Run("invalidate forces a new token", func(t *testing.T) {
		fetcher := &countingFetcher{tokens: []Token{{Value: "t1"}, {Value: "t2"}}}
		source := NewSource(fetcher, &MemoryStore{}, zerolog.Nop())

		first, _ := source.Token(ctx)
		require.NoError(t, source.Invalidate(ctx))
		second, err := source.Token(ctx)

		require.NoError(t, err)
		assert.Equal(t, "t1", first.Value)
		assert.Equal(t, "t2", second.Value)
	})
	t.Run("pre-issued token without credentials", func(t *testing.T) {
		store := &MemoryStore{}
		require.NoError(t, store.Save(ctx, Token{Value: "pre-issued"}))
		source := NewSource(nil, store, zerolog.Nop())

		token, err := source.Token(ctx)

		require.NoError(t, err)
		assert.Equal(t, "pre-issued", token.Value)
	})
	t.Run("no token and no credentials", func(t *testing.T) {
		source := NewSource(nil, nil, zerolog.Nop())

		_, err := source.Token(ctx)

		assert.EqualError(t, err, "no valid token available and no client credentials configured")
	})
	t.Run("fetch fails", func(t *testing.T) {
		source := NewSource(&countingFetcher{err: ErrUnauthorized}, nil, zerolog.Nop())

		_, err := source.Token(ctx)

		assert.ErrorIs(t, err, ErrUnauthorized)
	})
	t.Run("store failures don't prevent fetching", func(t *testing.T) {
		client := newFakeRedis()
		client.err = errors.New("connection refused")
		fetcher := &countingFetcher{tokens: []Token{{Value: "t1"}}}
		source := NewSource(fetcher, newRedisStore(client, ""), zerolog.Nop())

		token, err := source.Token(ctx)

		require.NoError(t, err)
		assert.Equal(t, "t1", token.Value)
	})
	t.Run("concurrent callers share one fetch", func(t *testing.T) {
		fetcher := &countingFetcher{tokens: []Token{{Value: "t1"}}}
		source := NewSource(fetcher, nil, zerolog.Nop())

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = source.Token(ctx)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), fetcher.calls.Load())
	})
}
