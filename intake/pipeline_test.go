package intake

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"

	"docbackend/cost"
	"docbackend/dispatch"
	"docbackend/domain"
	"docbackend/engine"
	"docbackend/pricing"
	"docbackend/reconcile"
	"docbackend/status"
	"docbackend/store"
)

type capturedEngine struct {
	last engine.DispatchRequest
}

func (e *capturedEngine) Dispatch(ctx context.Context, req engine.DispatchRequest) error {
	e.last = req
	return nil
}

// Drives one document upload through intake, dispatch and reconciliation
// against the in-memory ledger, the way the two binaries wire it with redis.
func TestPipelineUploadToCompleted(t *testing.T) {
	st := store.NewInMemoryJobStore()
	blobs := &fakeBlobs{enabled: true}
	q := &fakeQueue{}
	hub := status.NewHub()
	eng := &capturedEngine{}

	srv := newTestService(t, st, blobs, q)

	resp, err := http.DefaultClient.Do(uploadRequest(t, srv.URL, "facesheet", "chart.pdf", []byte("%PDF-1.7")))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	var created map[string]string
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	jobID := created["jobId"]

	waitFor(t, "enqueue", func() bool { return q.count() == 1 })

	coordinator := dispatch.NewCoordinator(st, eng, nil, hub)
	if err := coordinator.Process(context.Background(), "acme", jobID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	j, _, _ := st.Get("acme", jobID)
	if j.State != domain.JobStateDispatched || eng.last.IdempotencyToken == "" {
		t.Fatalf("after dispatch: %+v", j)
	}

	snap := pricing.Snapshot{
		PerPage:     decimal.RequireFromString("0.015"),
		InputPer1K:  decimal.RequireFromString("0.0025"),
		OutputPer1K: decimal.RequireFromString("0.01"),
		ModelName:   "extract-v2",
	}
	pages := 10
	rec := reconcile.New(st, pricing.Static{Snap: snap}, hub)
	res, err := rec.Apply(context.Background(), reconcile.Callback{
		JobID:            jobID,
		TenantID:         "acme",
		IdempotencyToken: eng.last.IdempotencyToken,
		Kind:             reconcile.KindSuccess,
		PageCount:        &pages,
		Tokens:           &domain.TokenUsage{Input: 5000, Output: 800},
		ResultRefs:       []string{"doc-results/acme/" + jobID + "/extract.json"},
	})
	if err != nil || res != reconcile.ResultApplied {
		t.Fatalf("apply: res=%v err=%v", res, err)
	}

	done, _, _ := st.Get("acme", jobID)
	if done.State != domain.JobStateCompleted || done.Cost == nil {
		t.Fatalf("final job: %+v", done)
	}
	if got := done.Cost.Total.String(); got != "0.1705" {
		t.Fatalf("total = %s", got)
	}
	expected := cost.Compute(10, domain.TokenUsage{Input: 5000, Output: 800}, snap)
	if !done.Cost.Total.Equal(expected.Total) {
		t.Fatalf("cost drifted from calculator: %s vs %s", done.Cost.Total, expected.Total)
	}

	// Completed results are downloadable through the service.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/documents/"+jobID+"/result", nil)
	req.Header.Set("X-Tenant-ID", "acme")
	rr, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	defer rr.Body.Close()
	if rr.StatusCode != http.StatusOK {
		t.Fatalf("result status = %d", rr.StatusCode)
	}
}
