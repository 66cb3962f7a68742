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
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Fetcher acquires a new token.
type Fetcher interface {
	Token(ctx context.Context) (Token, error)
}

// Source hands out a cached token while it's valid, and fetches a new one when it isn't.
type Source struct {
	fetcher Fetcher
	store   Store
	logger  zerolog.Logger
	now     func() time.Time
	mux     sync.Mutex
}

// NewSource creates a Source. The fetcher may be nil when only a pre-issued token (e.g. from EnvStore) is used.
func NewSource(fetcher Fetcher, store Store, logger zerolog.Logger) *Source {
	if store == nil {
		store = &MemoryStore{}
	}
	return &Source{
		fetcher: fetcher,
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *Source) Token(ctx context.Context) (Token, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	cached, ok, err := s.store.Load(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load cached token, requesting a new one")
	} else if ok && cached.Valid(s.now()) {
		return cached, nil
	}
	if s.fetcher == nil {
		return Token{}, errors.New("no valid token available and no client credentials configured")
	}
	token, err := s.fetcher.Token(ctx)
	if err != nil {
		return Token{}, fmt.Errorf("acquire token: %w", err)
	}
	event := s.logger.Info()
	if !token.ExpiresAt.IsZero() {
		event = event.Time("expires_at", token.ExpiresAt)
	}
	event.Msg("Acquired access token")
	if err := s.store.Save(ctx, token); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to cache token")
	}
	return token, nil
}

// Invalidate drops the cached token, e.g. after the API rejected it.
func (s *Source) Invalidate(ctx context.Context) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.store.Clear(ctx)
}
