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
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store caches a token between requests (and, depending on the implementation, between runs).
type Store interface {
	// Load returns the cached token. The bool is false if there is none.
	Load(ctx context.Context) (Token, bool, error)
	Save(ctx context.Context, token Token) error
	Clear(ctx context.Context) error
}

var _ Store = &MemoryStore{}
var _ Store = EnvStore{}
var _ Store = &RedisStore{}

// MemoryStore keeps the token for the lifetime of the process.
type MemoryStore struct {
	mux   sync.RWMutex
	token *Token
}

func (m *MemoryStore) Load(_ context.Context) (Token, bool, error) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	if m.token == nil {
		return Token{}, false, nil
	}
	return *m.token, true, nil
}

func (m *MemoryStore) Save(_ context.Context, token Token) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.token = &token
	return nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.token = nil
	return nil
}

// DefaultEnvKey is the environment variable a pre-issued token is read from.
const DefaultEnvKey = "JWT"

// EnvStore keeps the token in an environment variable, so child processes and a pre-issued JWT can share it.
type EnvStore struct {
	Key string
}

func (e EnvStore) key() string {
	if e.Key == "" {
		return DefaultEnvKey
	}
	return e.Key
}

func (e EnvStore) Load(_ context.Context) (Token, bool, error) {
	value, ok := os.LookupEnv(e.key())
	if !ok || value == "" {
		return Token{}, false, nil
	}
	return ParseToken(value), true, nil
}

func (e EnvStore) Save(_ context.Context, token Token) error {
	return os.Setenv(e.key(), token.Value)
}

func (e EnvStore) Clear(_ context.Context) error {
	return os.Unsetenv(e.key())
}

// DefaultRedisKey is the key the token is stored under in Redis.
const DefaultRedisKey = "charm:jwt"

type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore shares the token between processes. The key expires together with the token.
type RedisStore struct {
	client redisClient
	key    string
	now    func() time.Time
}

// NewRedisStore connects to the Redis server at the given URL (e.g. redis://localhost:6379/0).
func NewRedisStore(redisURL string, key string) (*RedisStore, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return newRedisStore(redis.NewClient(options), key), nil
}

func newRedisStore(client redisClient, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key, now: time.Now}
}

func (r *RedisStore) Load(ctx context.Context) (Token, bool, error) {
	value, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, fmt.Errorf("redis: load token: %w", err)
	}
	return ParseToken(value), true, nil
}

func (r *RedisStore) Save(ctx context.Context, token Token) error {
	if err := r.client.Set(ctx, r.key, token.Value, token.TTL(r.now())).Err(); err != nil {
		return fmt.Errorf("redis: save token: %w", err)
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("redis: clear token: %w", err)
	}
	return nil
}
