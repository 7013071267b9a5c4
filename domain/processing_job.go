package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type JobState string

const (
	JobStateCreated     JobState = "created"
	JobStateUploading   JobState = "uploading"
	JobStateDispatched  JobState = "dispatched"
	JobStateExtracting  JobState = "extracting"
	JobStateReconciling JobState = "reconciling"
	JobStateCompleted   JobState = "completed"
	JobStateFailed      JobState = "failed"
)

func (s JobState) Valid() bool {
	switch s {
	case JobStateCreated, JobStateUploading, JobStateDispatched, JobStateExtracting,
		JobStateReconciling, JobStateCompleted, JobStateFailed:
		return true
	}
	return false
}

// Terminal reports whether the state is final. A terminal job is immutable
// except for a manual redispatch, which re-enters the dispatch path.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// InFlight reports whether the job is waiting on the external engine.
func (s JobState) InFlight() bool {
	return s == JobStateDispatched || s == JobStateExtracting
}

// forward is the set of legal forward transitions. Redispatch
// (failed -> uploading) is the single sanctioned backward edge.
var forward = map[JobState][]JobState{
	JobStateCreated:     {JobStateUploading, JobStateFailed},
	JobStateUploading:   {JobStateDispatched, JobStateFailed},
	JobStateDispatched:  {JobStateExtracting, JobStateReconciling, JobStateCompleted, JobStateFailed},
	JobStateExtracting:  {JobStateReconciling, JobStateCompleted, JobStateFailed},
	JobStateReconciling: {JobStateCompleted, JobStateFailed},
	JobStateFailed:      {JobStateUploading},
}

func (s JobState) CanAdvance(to JobState) bool {
	for _, n := range forward[s] {
		if n == to {
			return true
		}
	}
	return false
}

type Category string

const (
	CategoryEOB       Category = "eob"
	CategoryFacesheet Category = "facesheet"
	CategoryInvoice   Category = "invoice"
)

func (c Category) Valid() bool {
	return c == CategoryEOB || c == CategoryFacesheet || c == CategoryInvoice
}

func ParseCategory(raw string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(raw)))
	if c.Valid() {
		return c, true
	}
	return "", false
}

type FailureReason string

const (
	FailureStorageUpload FailureReason = "storage_upload_failed"
	FailureDispatch      FailureReason = "dispatch_failed"
	FailureEngine        FailureReason = "engine_reported_failure"
	FailureTimeout       FailureReason = "timeout"
)

// Retryable reports whether a manual redispatch is allowed for the reason.
// Upload failures require a fresh intake because the source never reached
// storage.
func (r FailureReason) Retryable() bool {
	return r == FailureDispatch || r == FailureTimeout
}

// TokenUsage is the engine-reported token consumption for one job.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// CostBreakdown is derived at reconciliation time and never accepted from
// the callback payload. Decimal throughout; totals must survive repeated
// aggregation without drift.
type CostBreakdown struct {
	Extraction decimal.Decimal `json:"extraction"`
	LLM        decimal.Decimal `json:"llm"`
	Total      decimal.Decimal `json:"total"`
	Model      string          `json:"model,omitempty"`
}

// ProcessingJob is the ledger entity: one attempt to extract structured
// data from one uploaded document.
type ProcessingJob struct {
	ID       string   `json:"jobId"`
	TenantID string   `json:"tenantId"`
	Category Category `json:"category"`
	State    JobState `json:"state"`

	// Set once by the intake gate after the source reaches object storage.
	StorageRef string `json:"-"`
	// Original upload filename (object key naming, export labelling).
	SourceName string `json:"-"`

	// Set once at reconciliation from a successful callback.
	ResultRefs []string       `json:"-"`
	PageCount  int            `json:"pageCount,omitempty"`
	Tokens     TokenUsage     `json:"tokens"`
	Cost       *CostBreakdown `json:"cost,omitempty"`

	// Dispatch bookkeeping. The token ties one dispatch attempt to its
	// eventual callback; it is rotated on every attempt and on timeout.
	IdempotencyToken string `json:"-"`
	PricingProfile   string `json:"-"`
	DispatchAttempts int    `json:"dispatchAttempts,omitempty"`

	FailureReason   FailureReason `json:"failureReason,omitempty"`
	Error           string        `json:"error,omitempty"`
	DataQualityNote string        `json:"dataQualityNote,omitempty"`

	CreatedAt    time.Time  `json:"createdAt"`
	DispatchedAt *time.Time `json:"dispatchedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Clone returns a deep copy so store callers can't mutate shared state.
func (j *ProcessingJob) Clone() *ProcessingJob {
	if j == nil {
		return nil
	}
	cp := *j
	if j.ResultRefs != nil {
		cp.ResultRefs = append([]string(nil), j.ResultRefs...)
	}
	if j.Cost != nil {
		c := *j.Cost
		cp.Cost = &c
	}
	if j.DispatchedAt != nil {
		t := *j.DispatchedAt
		cp.DispatchedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
