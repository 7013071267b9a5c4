// Package reconcile applies engine result callbacks to the ledger exactly
// once. Callbacks are untrusted input: they may be duplicated, arrive out
// of order, or reference a dispatch attempt that has already been written
// off. Cost is always derived here, never accepted from the payload.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"docbackend/cost"
	"docbackend/domain"
	"docbackend/obs"
	"docbackend/pricing"
	"docbackend/status"
	"docbackend/store"
)

type Kind string

const (
	KindSuccess    Kind = "success"
	KindFailure    Kind = "failure"
	KindProcessing Kind = "processing"
)

// Callback is the validated form of one engine report. Construction goes
// through the HTTP handler's validation; nothing else builds these from
// raw input.
type Callback struct {
	JobID            string
	TenantID         string
	IdempotencyToken string
	Kind             Kind

	// success fields
	PageCount  *int
	Tokens     *domain.TokenUsage
	ResultRefs []string

	// failure field
	ErrorReason string
}

type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	ResultStale     Result = "stale"
)

// errNoApply aborts the CAS write without surfacing an error to callers;
// the captured result carries the classification instead.
var errNoApply = errors.New("no apply")

type Reconciler struct {
	store   store.JobStore
	pricing pricing.Provider
	pub     status.Publisher
}

func New(st store.JobStore, pr pricing.Provider, pub status.Publisher) *Reconciler {
	if pub == nil {
		pub = status.NopPublisher{}
	}
	return &Reconciler{store: st, pricing: pr, pub: pub}
}

// Apply reconciles one callback. Only infrastructure faults return an
// error; every domain-level disposition (applied, duplicate, stale) is a
// normal Result so the endpoint can ack it.
func (r *Reconciler) Apply(ctx context.Context, cb Callback) (Result, error) {
	// Cheap pre-read: skips pricing I/O for obvious duplicates and lets a
	// success callback compute cost before entering the atomic write. The
	// closure re-runs every check, so this read is advisory only; if it
	// raced a transition the outer loop re-reads and tries again.
	var res Result
	var job *domain.ProcessingJob
	var now time.Time

	for attempt := 0; attempt < 2; attempt++ {
		pre, exists, err := r.store.Get(cb.TenantID, cb.JobID)
		if err != nil {
			return "", err
		}
		if !exists {
			// Unknown job: nothing to mutate. Treated like a stale attempt.
			slog.Warn("callback for unknown job", "tenant", cb.TenantID, "jobId", cb.JobID)
			obs.RecordCallback(string(ResultStale))
			return ResultStale, nil
		}

		var breakdown *domain.CostBreakdown
		var qualityNote string
		if cb.Kind == KindSuccess && pre.IdempotencyToken == cb.IdempotencyToken && pre.State.InFlight() {
			// Fresh snapshot per job; no caching across reconciliations.
			snap, err := r.pricing.GetPricing(ctx, pre.PricingProfile)
			if err != nil {
				return "", err
			}
			pages, usage, note := normalizeCounts(cb)
			qualityNote = note
			bd := cost.Compute(pages, usage, snap)
			breakdown = &bd
		}

		res = ResultDuplicate
		now = time.Now()
		raced := false

		job, _, err = r.store.Update(cb.TenantID, cb.JobID, func(j *domain.ProcessingJob) error {
			// Token mismatch first: a rotated token means this callback belongs
			// to a dispatch attempt the ledger already wrote off.
			if j.IdempotencyToken != cb.IdempotencyToken {
				res = ResultStale
				return errNoApply
			}
			if j.State.Terminal() || !j.State.InFlight() {
				res = ResultDuplicate
				return errNoApply
			}

			switch cb.Kind {
			case KindProcessing:
				if j.State != domain.JobStateDispatched {
					res = ResultDuplicate
					return errNoApply
				}
				j.State = domain.JobStateExtracting

			case KindSuccess:
				if breakdown == nil {
					raced = true
					return errNoApply
				}
				pages, usage, _ := normalizeCounts(cb)
				j.State = domain.JobStateCompleted
				j.ResultRefs = append([]string(nil), cb.ResultRefs...)
				j.PageCount = pages
				j.Tokens = usage
				j.Cost = breakdown
				j.DataQualityNote = qualityNote
				j.CompletedAt = &now

			case KindFailure:
				j.State = domain.JobStateFailed
				j.FailureReason = domain.FailureEngine
				j.Error = cb.ErrorReason
				j.CompletedAt = &now

			default:
				res = ResultDuplicate
				return errNoApply
			}
			res = ResultApplied
			return nil
		})
		if err != nil && !errors.Is(err, errNoApply) {
			return "", err
		}
		if !raced {
			break
		}
	}

	obs.RecordCallback(string(res))
	if res == ResultApplied && job != nil {
		obs.RecordTransition(string(job.State))
		r.pub.Publish(ctx, status.Event{
			JobID:    job.ID,
			TenantID: job.TenantID,
			State:    job.State,
			Detail:   job.Error,
			At:       now,
		})
	}
	return res, nil
}

func normalizeCounts(cb Callback) (pages int, usage domain.TokenUsage, note string) {
	var notes []string
	if cb.PageCount != nil {
		pages = *cb.PageCount
	} else {
		notes = append(notes, "page_count missing from callback")
	}
	if cb.Tokens != nil {
		usage = *cb.Tokens
	} else {
		notes = append(notes, "token_usage missing from callback")
	}
	return pages, usage, strings.Join(notes, "; ")
}
