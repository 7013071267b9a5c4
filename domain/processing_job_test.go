package domain

import "testing"

func TestStateTransitionsAreForwardOnly(t *testing.T) {
	edges := [][2]JobState{
		{JobStateCreated, JobStateUploading},
		{JobStateCreated, JobStateFailed},
		{JobStateUploading, JobStateDispatched},
		{JobStateUploading, JobStateFailed},
		{JobStateDispatched, JobStateExtracting},
		{JobStateDispatched, JobStateReconciling},
		{JobStateDispatched, JobStateCompleted},
		{JobStateDispatched, JobStateFailed},
		{JobStateExtracting, JobStateReconciling},
		{JobStateExtracting, JobStateCompleted},
		{JobStateExtracting, JobStateFailed},
		{JobStateReconciling, JobStateCompleted},
		{JobStateReconciling, JobStateFailed},
		// Manual redispatch is the only sanctioned backward edge.
		{JobStateFailed, JobStateUploading},
	}
	allowed := make(map[[2]JobState]bool, len(edges))
	for _, e := range edges {
		allowed[e] = true
	}
	states := []JobState{
		JobStateCreated, JobStateUploading, JobStateDispatched,
		JobStateExtracting, JobStateReconciling, JobStateCompleted, JobStateFailed,
	}
	for _, from := range states {
		for _, to := range states {
			want := allowed[[2]JobState{from, to}]
			if got := from.CanAdvance(to); got != want {
				t.Fatalf("CanAdvance(%s -> %s) = %v, want %v", from, to, got, want)
			}
		}
	}
	if JobStateCompleted.CanAdvance(JobStateUploading) {
		t.Fatalf("completed must be terminal")
	}
}

func TestStatePredicates(t *testing.T) {
	if !JobStateCompleted.Terminal() || !JobStateFailed.Terminal() {
		t.Fatalf("terminal predicate broken")
	}
	if JobStateDispatched.Terminal() || !JobStateDispatched.InFlight() || !JobStateExtracting.InFlight() {
		t.Fatalf("in-flight predicate broken")
	}
	if JobState("exploded").Valid() {
		t.Fatalf("unknown state accepted")
	}
}

func TestParseCategory(t *testing.T) {
	if c, ok := ParseCategory("  EOB "); !ok || c != CategoryEOB {
		t.Fatalf("got %q ok=%v", c, ok)
	}
	if _, ok := ParseCategory("receipt"); ok {
		t.Fatalf("unknown category accepted")
	}
}

func TestFailureRetryable(t *testing.T) {
	if !FailureDispatch.Retryable() || !FailureTimeout.Retryable() {
		t.Fatalf("retryable reasons rejected")
	}
	if FailureEngine.Retryable() || FailureStorageUpload.Retryable() {
		t.Fatalf("non-retryable reasons accepted")
	}
}
