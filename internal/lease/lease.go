// Package lease caps per-kind job concurrency across worker processes with
// Redis slot leases. A lease is a SETNX key with a TTL, so a crashed worker's
// slot frees itself.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/patrin/sceneforge/internal/models"
)

// ErrNoCapacity means every slot for the kind is currently leased.
var ErrNoCapacity = errors.New("no lease capacity")

const defaultTTL = 10 * time.Minute

// Token identifies one held slot.
type Token struct {
	key   string
	owner string
}

type Leaser struct {
	client *redis.Client
	slots  int
	ttl    time.Duration
	owner  string
}

// New connects to Redis and returns a leaser granting at most slots
// concurrent leases per job kind.
func New(redisURL string, slots int) (*Leaser, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	if slots < 1 {
		slots = 1
	}
	return &Leaser{
		client: client,
		slots:  slots,
		ttl:    defaultTTL,
		owner:  uuid.NewString(),
	}, nil
}

// Acquire claims the first free slot for the kind, or ErrNoCapacity.
func (l *Leaser) Acquire(ctx context.Context, kind models.JobKind) (*Token, error) {
	for slot := 0; slot < l.slots; slot++ {
		key := fmt.Sprintf("lease:%s:%d", kind, slot)
		ok, err := l.client.SetNX(ctx, key, l.owner, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lease acquire: %w", err)
		}
		if ok {
			return &Token{key: key, owner: l.owner}, nil
		}
	}
	return nil, ErrNoCapacity
}

// Extend refreshes a held lease's TTL; long jobs call this periodically.
func (l *Leaser) Extend(ctx context.Context, tok *Token) error {
	if tok == nil {
		return nil
	}
	if err := l.client.Expire(ctx, tok.key, l.ttl).Err(); err != nil {
		return fmt.Errorf("lease extend: %w", err)
	}
	return nil
}

// Release frees the slot. Only the owner's value is deleted, so an expired
// lease reclaimed by another worker is left alone.
func (l *Leaser) Release(ctx context.Context, tok *Token) error {
	if tok == nil {
		return nil
	}
	val, err := l.client.Get(ctx, tok.key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lease release: %w", err)
	}
	if val != tok.owner {
		return nil
	}
	return l.client.Del(ctx, tok.key).Err()
}

func (l *Leaser) Close() error {
	return l.client.Close()
}
