package redislock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client implements a simple Redis distributed lock: SET NX PX + Lua safe release/refresh.
// This is intended for "single job at a time" exclusion across multiple workers.
type Client struct {
	rdb    *redis.Client
	prefix string
}

func New(rdb *redis.Client, prefix string) *Client {
	return &Client{
		rdb:    rdb,
		prefix: strings.TrimSpace(prefix),
	}
}

// ErrNotAcquired is returned by WithHeld when another worker holds the lock.
var ErrNotAcquired = errors.New("lock held elsewhere")

func (c *Client) Key(tenantID, jobID string) string {
	suffix := strings.TrimSpace(tenantID) + ":" + strings.TrimSpace(jobID)
	if c == nil {
		return suffix
	}
	p := strings.TrimSpace(c.prefix)
	if p == "" {
		p = "dp:lock:job:"
	}
	return p + suffix
}

func Token() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func (c *Client) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if c == nil || c.rdb == nil {
		return false, errors.New("redis lock 未初始化")
	}
	key = strings.TrimSpace(key)
	token = strings.TrimSpace(token)
	if key == "" || token == "" {
		return false, errors.New("lock key/token 为空")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return c.rdb.SetNX(ctx, key, token, ttl).Result()
}

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`)

func (c *Client) Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if c == nil || c.rdb == nil {
		return false, errors.New("redis lock 未初始化")
	}
	key = strings.TrimSpace(key)
	token = strings.TrimSpace(token)
	if key == "" || token == "" {
		return false, errors.New("lock key/token 为空")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	px := ttl.Milliseconds()
	if px <= 0 {
		px = (10 * time.Minute).Milliseconds()
	}
	n, err := refreshScript.Run(ctx, c.rdb, []string{key}, token, px).Int64()
	if err != nil {
		return false, err
	}
	// PEXPIRE returns 1 if timeout was set, 0 otherwise.
	return n == 1, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (c *Client) Release(ctx context.Context, key, token string) (bool, error) {
	if c == nil || c.rdb == nil {
		return false, errors.New("redis lock 未初始化")
	}
	key = strings.TrimSpace(key)
	token = strings.TrimSpace(token)
	if key == "" || token == "" {
		return false, errors.New("lock key/token 为空")
	}
	n, err := releaseScript.Run(ctx, c.rdb, []string{key}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// WithHeld runs fn while holding the lock for key, keeping the TTL alive
// with a background refresh goroutine until fn returns. Returns
// ErrNotAcquired if another holder exists. A nil client runs fn unlocked
// (single-replica deployments).
func (c *Client) WithHeld(ctx context.Context, key string, ttl, refreshEvery time.Duration, fn func(ctx context.Context) error) error {
	if c == nil || c.rdb == nil {
		return fn(ctx)
	}
	token, err := Token()
	if err != nil {
		return err
	}
	ok, err := c.Acquire(ctx, key, token, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}
	defer func() {
		_, _ = c.Release(context.Background(), key, token)
	}()

	if refreshEvery <= 0 {
		refreshEvery = 30 * time.Second
	}
	stopKick := make(chan struct{})
	defer close(stopKick)
	go func() {
		t := time.NewTicker(refreshEvery)
		defer t.Stop()
		for {
			select {
			case <-stopKick:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := c.Refresh(context.Background(), key, token, ttl); err != nil {
					// best-effort; TTL is long enough for typical jobs
					log.Printf("lock refresh failed key=%s: %v", key, err)
				}
			}
		}
	}()

	return fn(ctx)
}
