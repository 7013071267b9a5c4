package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "dp:events:"

// RedisBus carries events across pods via PUBLISH/SUBSCRIBE, one channel
// per job. API pods subscribe for their websocket clients; worker pods
// publish transitions they apply.
type RedisBus struct {
	rdb *redis.Client
}

func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func channelFor(tenantID, jobID string) string {
	return channelPrefix + tenantID + ":" + jobID
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) {
	if b == nil || b.rdb == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("status publish marshal failed", "jobId", ev.JobID, "err", err)
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := b.rdb.Publish(pubCtx, channelFor(ev.TenantID, ev.JobID), payload).Err(); err != nil {
		// Best-effort by contract; the ledger write already happened.
		slog.Warn("status publish failed", "jobId", ev.JobID, "err", err)
	}
}

func (b *RedisBus) Subscribe(tenantID, jobID string) (<-chan Event, func(), error) {
	sub := b.rdb.Subscribe(context.Background(), channelFor(tenantID, jobID))
	// Force the SUBSCRIBE round-trip so a dead redis surfaces here,
	// not as a silently empty stream.
	if _, err := sub.Receive(context.Background()); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan Event, subscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		src := sub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Warn("status event decode failed", "channel", msg.Channel, "err", err)
					continue
				}
				select {
				case out <- ev:
				default:
					// Same drop-oldest policy as the in-process hub.
					select {
					case <-out:
					default:
					}
					select {
					case out <- ev:
					default:
					}
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return out, cancel, nil
}
