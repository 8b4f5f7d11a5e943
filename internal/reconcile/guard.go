package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard remembers notification bodies that were already applied so exact
// redeliveries skip the provider round-trip. The ledger stays authoritative;
// a guard miss only costs a lookup.
type Guard interface {
	Lookup(ctx context.Context, digest string) (Outcome, bool, error)
	Store(ctx context.Context, digest string, out Outcome) error
}

type RedisGuard struct {
	Client *redis.Client
	TTL    time.Duration
	Prefix string
}

// NewRedisGuard connects to Redis by URL ("redis://...") or host:port.
func NewRedisGuard(ctx context.Context, addr string, ttl time.Duration) (*RedisGuard, error) {
	var opts *redis.Options
	if parsed, err := redis.ParseURL(addr); err == nil {
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisGuard{Client: client, TTL: ttl, Prefix: "escrowline:notification:"}, nil
}

func (g *RedisGuard) Lookup(ctx context.Context, digest string) (Outcome, bool, error) {
	b, err := g.Client.Get(ctx, g.Prefix+digest).Bytes()
	if errors.Is(err, redis.Nil) {
		return Outcome{}, false, nil
	}
	if err != nil {
		return Outcome{}, false, err
	}
	var out Outcome
	if err := json.Unmarshal(b, &out); err != nil {
		return Outcome{}, false, err
	}
	return out, true, nil
}

// Store keeps the first outcome seen for a digest.
func (g *RedisGuard) Store(ctx context.Context, digest string, out Outcome) error {
	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return g.Client.SetNX(ctx, g.Prefix+digest, b, g.TTL).Err()
}

func (g *RedisGuard) Close() error {
	return g.Client.Close()
}
