// Package status fans job state transitions out to interested clients.
// Delivery is best-effort: a slow or absent subscriber never blocks or
// fails a ledger write, and there is no replay. Clients needing current
// state query the job endpoint on (re)connect.
package status

import (
	"context"
	"sync"
	"time"

	"docbackend/domain"
)

type Event struct {
	JobID    string          `json:"jobId"`
	TenantID string          `json:"tenantId"`
	State    domain.JobState `json:"state"`
	Detail   string          `json:"detail,omitempty"`
	At       time.Time       `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

type Subscriber interface {
	// Subscribe returns an ordered event channel for one job and a
	// cancel func. The channel is closed on cancel.
	Subscribe(tenantID, jobID string) (<-chan Event, func(), error)
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, ev Event) {}

const subscriberBuffer = 16

// Hub is the in-process fan-out: per-job subscriber set with buffered
// per-subscriber channels. Each subscriber sees its own events in publish
// order; when a buffer fills the oldest event is dropped so the newest
// state always gets through.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{})}
}

func topic(tenantID, jobID string) string { return tenantID + ":" + jobID }

func (h *Hub) Publish(ctx context.Context, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[topic(ev.TenantID, ev.JobID)] {
		select {
		case ch <- ev:
		default:
			// Full buffer: evict the oldest so ordering is preserved
			// and the latest transition still arrives.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

func (h *Hub) Subscribe(tenantID, jobID string) (<-chan Event, func(), error) {
	ch := make(chan Event, subscriberBuffer)
	t := topic(tenantID, jobID)

	h.mu.Lock()
	if h.subs[t] == nil {
		h.subs[t] = make(map[chan Event]struct{})
	}
	h.subs[t][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[t]; ok {
			if _, live := set[ch]; live {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(h.subs, t)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel, nil
}
