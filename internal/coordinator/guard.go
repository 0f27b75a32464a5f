package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Guard keeps a trip from being dispatched twice at once. Acquire returns an
// owner token that Release must present.
type Guard interface {
	Acquire(ctx context.Context, tripID string) (string, bool, error)
	Release(ctx context.Context, tripID, token string) error
}

// LocalGuard guards trips within one process.
type LocalGuard struct {
	mu   sync.Mutex
	held map[string]string
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{held: make(map[string]string)}
}

func (g *LocalGuard) Acquire(_ context.Context, tripID string) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.held[tripID]; ok {
		return "", false, nil
	}
	token := uuid.NewString()
	g.held[tripID] = token
	return token, true, nil
}

func (g *LocalGuard) Release(_ context.Context, tripID, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held[tripID] == token {
		delete(g.held, tripID)
	}
	return nil
}

// redisStore defines the operations used by RedisGuard.
type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
}

// RedisGuard guards trips across replicas with SETNX + TTL. The TTL frees the
// key if the holder dies mid-dispatch.
type RedisGuard struct {
	client redisStore
	prefix string
	ttl    time.Duration
}

func NewRedisGuard(client redisStore, ttl time.Duration) (*RedisGuard, error) {
	if client == nil {
		return nil, errors.New("redis client required for dispatch guard")
	}
	if ttl <= 0 {
		return nil, errors.New("dispatch guard ttl must be > 0")
	}
	return &RedisGuard{client: client, prefix: "dispatch:guard:", ttl: ttl}, nil
}

func (g *RedisGuard) Acquire(ctx context.Context, tripID string) (string, bool, error) {
	owner := uuid.NewString()
	ok, err := g.client.SetNX(ctx, g.prefix+tripID, owner, g.ttl)
	if err != nil {
		return "", false, fmt.Errorf("setnx: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return owner, true, nil
}

// Release frees the guard only if the owner value still matches.
func (g *RedisGuard) Release(ctx context.Context, tripID, token string) error {
	if token == "" {
		return nil
	}
	key := g.prefix + tripID
	value, err := g.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("read guard owner: %w", err)
	}
	if value != token {
		return nil
	}
	if err := g.client.Del(ctx, key); err != nil {
		return fmt.Errorf("delete guard: %w", err)
	}
	return nil
}

// RedisClient adapts a go-redis client to the guard's store interface.
type RedisClient struct {
	rdb *redis.Client
}

func NewRedisClient(rdb *redis.Client) RedisClient { return RedisClient{rdb: rdb} }

func (c RedisClient) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (c RedisClient) Get(ctx context.Context, key string) (string, error) {
	return c.rdb.Get(ctx, key).Result()
}

func (c RedisClient) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}
