// Package dispatch drives uploaded jobs into the extraction engine. One
// coordinator per worker pod consumes the dispatch stream; the redis lock
// keeps replicas from double-dispatching the same job.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"docbackend/domain"
	"docbackend/engine"
	"docbackend/obs"
	"docbackend/redislock"
	"docbackend/status"
	"docbackend/store"
	"docbackend/streamq"
)

type Coordinator struct {
	store    store.JobStore
	engine   engine.Dispatcher
	lock     *redislock.Client
	pub      status.Publisher
	lockTTL  time.Duration
	lockKick time.Duration
	inflight chan struct{}
}

func NewCoordinator(st store.JobStore, eng engine.Dispatcher, lock *redislock.Client, pub status.Publisher) *Coordinator {
	maxInflight := readEnvIntDefault("DISPATCH_MAX_INFLIGHT", 8)
	if maxInflight <= 0 {
		maxInflight = 1
	}
	if pub == nil {
		pub = status.NopPublisher{}
	}
	return &Coordinator{
		store:    st,
		engine:   eng,
		lock:     lock,
		pub:      pub,
		lockTTL:  readEnvDurationSecondsDefault("DISPATCH_LOCK_TTL_SECONDS", 5*time.Minute),
		lockKick: readEnvDurationSecondsDefault("DISPATCH_LOCK_REFRESH_SECONDS", 30*time.Second),
		inflight: make(chan struct{}, maxInflight),
	}
}

func (w *Coordinator) acquireInflight() {
	if w == nil || w.inflight == nil {
		return
	}
	w.inflight <- struct{}{}
}

func (w *Coordinator) releaseInflight() {
	if w == nil || w.inflight == nil {
		return
	}
	select {
	case <-w.inflight:
	default:
	}
}

// Process is the streamq handler for one dispatch message. ACK semantics:
// Terminal for every disposition the ledger already records, plain error
// only for transient infrastructure faults worth a redelivery.
func (w *Coordinator) Process(ctx context.Context, tenantID, jobID string) error {
	w.acquireInflight()
	defer w.releaseInflight()

	if w == nil || w.store == nil {
		return errors.New("coordinator/store 未初始化")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	key := w.lock.Key(tenantID, jobID)
	err := w.lock.WithHeld(ctx, key, w.lockTTL, w.lockKick, func(ctx context.Context) error {
		return w.dispatchLocked(ctx, tenantID, jobID)
	})
	if errors.Is(err, redislock.ErrNotAcquired) {
		// Likely a duplicate enqueue; ACK and move on.
		err = streamq.Terminal(fmt.Errorf("job locked: %s", key))
	}
	obs.RecordWorkerJob("dispatch", start, err)
	return err
}

func (w *Coordinator) dispatchLocked(ctx context.Context, tenantID, jobID string) error {
	job, ok, err := w.store.Get(tenantID, jobID)
	if err != nil {
		// transient: keep pending
		return err
	}
	if !ok {
		return streamq.Terminal(nil)
	}
	if job.State != domain.JobStateUploading {
		// Redelivered or already settled; the ledger is authoritative.
		return streamq.Terminal(nil)
	}
	if strings.TrimSpace(job.StorageRef) == "" {
		return streamq.Terminal(w.fail(ctx, tenantID, jobID, domain.FailureDispatch, "dispatch without storage ref"))
	}

	// The token must be durable before the engine sees it: if we crash
	// after the call, the callback still matches the persisted attempt.
	token := uuid.NewString()
	job, ok, err = w.store.Update(tenantID, jobID, func(j *domain.ProcessingJob) error {
		if j.State != domain.JobStateUploading {
			return store.ErrConflict
		}
		j.IdempotencyToken = token
		j.DispatchAttempts++
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return streamq.Terminal(nil)
		}
		return err
	}
	if !ok {
		return streamq.Terminal(nil)
	}

	err = w.engine.Dispatch(ctx, engine.DispatchRequest{
		JobID:            job.ID,
		TenantID:         job.TenantID,
		Category:         job.Category,
		StorageRef:       job.StorageRef,
		IdempotencyToken: token,
		PricingProfile:   job.PricingProfile,
	})
	if err != nil {
		reason := "engine unreachable: " + err.Error()
		if errors.Is(err, engine.ErrRejected) {
			reason = err.Error()
		}
		return streamq.Terminal(w.fail(ctx, tenantID, jobID, domain.FailureDispatch, reason))
	}

	now := time.Now()
	job, _, err = w.store.Update(tenantID, jobID, func(j *domain.ProcessingJob) error {
		if j.State != domain.JobStateUploading || j.IdempotencyToken != token {
			return store.ErrConflict
		}
		j.State = domain.JobStateDispatched
		j.DispatchedAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return streamq.Terminal(nil)
		}
		return err
	}

	obs.RecordTransition(string(domain.JobStateDispatched))
	w.pub.Publish(ctx, status.Event{
		JobID:    job.ID,
		TenantID: job.TenantID,
		State:    job.State,
		At:       now,
	})
	slog.Info("job dispatched", "tenant", tenantID, "jobId", jobID, "attempt", job.DispatchAttempts)
	return nil
}

func (w *Coordinator) fail(ctx context.Context, tenantID, jobID string, reason domain.FailureReason, msg string) error {
	now := time.Now()
	job, ok, _ := w.store.Update(tenantID, jobID, func(j *domain.ProcessingJob) error {
		if j.State.Terminal() {
			return store.ErrConflict
		}
		j.State = domain.JobStateFailed
		j.FailureReason = reason
		j.Error = msg
		j.CompletedAt = &now
		return nil
	})
	if ok && job != nil && job.State == domain.JobStateFailed {
		obs.RecordTransition(string(domain.JobStateFailed))
		w.pub.Publish(ctx, status.Event{
			JobID:    job.ID,
			TenantID: job.TenantID,
			State:    job.State,
			Detail:   msg,
			At:       now,
		})
	}
	return errors.New(msg)
}

func readEnvIntDefault(key string, defaultVal int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

func readEnvDurationSecondsDefault(key string, defaultVal time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return time.Duration(n) * time.Second
}
