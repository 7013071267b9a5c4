package status

import (
	"context"
	"fmt"
	"testing"
	"time"

	"docbackend/domain"
)

func TestHubPerSubscriberOrdering(t *testing.T) {
	h := NewHub()
	ch, cancel, err := h.Subscribe("acme", "j1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	states := []domain.JobState{
		domain.JobStateCreated,
		domain.JobStateUploading,
		domain.JobStateDispatched,
		domain.JobStateCompleted,
	}
	for _, s := range states {
		h.Publish(context.Background(), Event{JobID: "j1", TenantID: "acme", State: s, At: time.Now()})
	}
	for i, want := range states {
		got := <-ch
		if got.State != want {
			t.Fatalf("event %d: got %s want %s", i, got.State, want)
		}
	}
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub()
	_, cancel, _ := h.Subscribe("acme", "j1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Far beyond the buffer; must not block even with no reader.
		for i := 0; i < subscriberBuffer*10; i++ {
			h.Publish(context.Background(), Event{
				JobID: "j1", TenantID: "acme",
				State:  domain.JobStateExtracting,
				Detail: fmt.Sprintf("n=%d", i),
			})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
}

func TestHubOverflowKeepsNewest(t *testing.T) {
	h := NewHub()
	ch, cancel, _ := h.Subscribe("acme", "j1")
	defer cancel()

	total := subscriberBuffer * 3
	for i := 0; i < total; i++ {
		h.Publish(context.Background(), Event{
			JobID: "j1", TenantID: "acme",
			State:  domain.JobStateExtracting,
			Detail: fmt.Sprintf("n=%d", i),
		})
	}
	var last Event
	for i := 0; i < subscriberBuffer; i++ {
		last = <-ch
	}
	if last.Detail != fmt.Sprintf("n=%d", total-1) {
		t.Fatalf("newest event lost; last seen %q", last.Detail)
	}
}

func TestHubIsolatesJobs(t *testing.T) {
	h := NewHub()
	ch1, cancel1, _ := h.Subscribe("acme", "j1")
	defer cancel1()
	ch2, cancel2, _ := h.Subscribe("acme", "j2")
	defer cancel2()

	h.Publish(context.Background(), Event{JobID: "j1", TenantID: "acme", State: domain.JobStateCompleted})

	select {
	case ev := <-ch1:
		if ev.JobID != "j1" {
			t.Fatalf("wrong job: %s", ev.JobID)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber missed its event")
	}
	select {
	case ev := <-ch2:
		t.Fatalf("event leaked to other job's subscriber: %+v", ev)
	default:
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub()
	ch, cancel, _ := h.Subscribe("acme", "j1")
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after cancel")
	}
	// Publishing after cancel must not panic.
	h.Publish(context.Background(), Event{JobID: "j1", TenantID: "acme", State: domain.JobStateFailed})
}
