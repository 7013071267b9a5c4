package reconcile

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
	"docbackend/obs"
	"docbackend/redislock"
	"docbackend/status"
	"docbackend/store"
)

// Sweeper writes off in-flight jobs whose dispatch never produced a
// callback. Marking a job timed out rotates its idempotency token, so a
// callback from the dead attempt that limps in later is classified stale
// instead of mutating a job the ledger already settled.
type Sweeper struct {
	store    store.JobStore
	lock     *redislock.Client
	pub      status.Publisher
	interval time.Duration
	maxWait  time.Duration
	lockTTL  time.Duration
	lockKick time.Duration
}

func NewSweeper(st store.JobStore, lock *redislock.Client, pub status.Publisher) *Sweeper {
	if pub == nil {
		pub = status.NopPublisher{}
	}
	return &Sweeper{
		store:    st,
		lock:     lock,
		pub:      pub,
		interval: readEnvDurationSecondsDefault("SWEEP_INTERVAL_SECONDS", time.Minute),
		maxWait:  readEnvDurationSecondsDefault("SWEEP_MAX_WAIT_SECONDS", 15*time.Minute),
		lockTTL:  readEnvDurationSecondsDefault("SWEEP_LOCK_TTL_SECONDS", time.Minute),
		lockKick: readEnvDurationSecondsDefault("SWEEP_LOCK_REFRESH_SECONDS", 15*time.Second),
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	if s == nil || s.store == nil {
		return errors.New("sweeper/store 未初始化")
	}
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := s.SweepOnce(ctx); err != nil {
				slog.Error("stale sweep failed", "err", err)
			}
		}
	}
}

// SweepOnce marks every over-age in-flight job failed/timeout. Each hit is
// re-checked under the atomic Update, so a callback racing the sweep wins
// cleanly one way or the other.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	threshold := time.Now().Add(-s.maxWait)
	stale, err := s.store.ListStale(threshold)
	if err != nil {
		return err
	}
	for _, hit := range stale {
		if err := s.sweepJob(ctx, hit); err != nil && !errors.Is(err, redislock.ErrNotAcquired) {
			slog.Error("sweep job failed", "tenant", hit.TenantID, "jobId", hit.ID, "err", err)
		}
	}
	return nil
}

func (s *Sweeper) sweepJob(ctx context.Context, hit *domain.ProcessingJob) error {
	start := time.Now()
	key := s.lock.Key(hit.TenantID, hit.ID)
	err := s.lock.WithHeld(ctx, key, s.lockTTL, s.lockKick, func(ctx context.Context) error {
		threshold := time.Now().Add(-s.maxWait)
		now := time.Now()
		swept := false
		job, ok, err := s.store.Update(hit.TenantID, hit.ID, func(j *domain.ProcessingJob) error {
			// Re-check: a callback may have settled the job since ListStale.
			if !j.State.InFlight() || j.DispatchedAt == nil || !j.DispatchedAt.Before(threshold) {
				return store.ErrConflict
			}
			j.State = domain.JobStateFailed
			j.FailureReason = domain.FailureTimeout
			j.Error = fmt.Sprintf("no callback within %s of dispatch", s.maxWait)
			// Rotate the token so the dead attempt's late callback is stale.
			j.IdempotencyToken = uuid.NewString()
			j.CompletedAt = &now
			swept = true
			return nil
		})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
		if !ok || !swept {
			return nil
		}
		obs.RecordTransition(string(domain.JobStateFailed))
		s.pub.Publish(ctx, status.Event{
			JobID:    job.ID,
			TenantID: job.TenantID,
			State:    job.State,
			Detail:   job.Error,
			At:       now,
		})
		slog.Info("job timed out", "tenant", job.TenantID, "jobId", job.ID, "dispatchedAt", job.DispatchedAt)
		return nil
	})
	obs.RecordWorkerJob("sweeper", start, err)
	return err
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
