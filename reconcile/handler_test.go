package reconcile

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"docbackend/store"
)

func newTestServer(t *testing.T, st *store.InMemoryJobStore) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewHandler(New(st, testPricing(), nil)).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func postCallback(t *testing.T, srv *httptest.Server, body string) (*http.Response, map[string]string) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/callbacks/extraction", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var out map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

const successBody = `{
	"job_id": "j1",
	"tenant_id": "acme",
	"idempotency_token": "tok-1",
	"outcome": {
		"status": "success",
		"page_count": 10,
		"token_usage": {"input": 5000, "output": 800},
		"result_refs": ["doc-results/acme/j1/extract.json"]
	}
}`

func TestHandlerAppliesSuccess(t *testing.T) {
	st := store.NewInMemoryJobStore()
	dispatchedJob(t, st)
	srv := newTestServer(t, st)

	resp, out := postCallback(t, srv, successBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out["status"] != "applied" {
		t.Fatalf("ack = %v", out)
	}
}

func TestHandlerAcksDuplicateAndStaleWith2xx(t *testing.T) {
	st := store.NewInMemoryJobStore()
	dispatchedJob(t, st)
	srv := newTestServer(t, st)

	postCallback(t, srv, successBody)

	resp, out := postCallback(t, srv, successBody)
	if resp.StatusCode != http.StatusOK || out["status"] != "duplicate" {
		t.Fatalf("duplicate ack: %d %v", resp.StatusCode, out)
	}

	stale := strings.Replace(successBody, "tok-1", "tok-dead", 1)
	resp, out = postCallback(t, srv, stale)
	if resp.StatusCode != http.StatusOK || out["status"] != "stale" {
		t.Fatalf("stale ack: %d %v", resp.StatusCode, out)
	}
}

func TestHandlerRejectsMalformed(t *testing.T) {
	st := store.NewInMemoryJobStore()
	dispatchedJob(t, st)
	srv := newTestServer(t, st)

	cases := []struct {
		name string
		body string
	}{
		{"not json", `{{{`},
		{"missing token", `{"job_id":"j1","tenant_id":"acme","outcome":{"status":"success","result_refs":["r"]}}`},
		{"no outcome", `{"job_id":"j1","tenant_id":"acme","idempotency_token":"tok-1"}`},
		{"unknown status", `{"job_id":"j1","tenant_id":"acme","idempotency_token":"tok-1","outcome":{"status":"exploded"}}`},
		{"success without refs", `{"job_id":"j1","tenant_id":"acme","idempotency_token":"tok-1","outcome":{"status":"success"}}`},
		{"failure without reason", `{"job_id":"j1","tenant_id":"acme","idempotency_token":"tok-1","outcome":{"status":"failure"}}`},
		{"negative pages", `{"job_id":"j1","tenant_id":"acme","idempotency_token":"tok-1","outcome":{"status":"success","page_count":-1,"result_refs":["r"]}}`},
	}
	for _, tc := range cases {
		resp, _ := postCallback(t, srv, tc.body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", tc.name, resp.StatusCode)
		}
	}

	// None of the malformed payloads may have touched the ledger.
	j, _, _ := st.Get("acme", "j1")
	if j.State.Terminal() {
		t.Fatalf("malformed callback mutated the job: %s", j.State)
	}
}

func TestHandlerMethodNotAllowed(t *testing.T) {
	st := store.NewInMemoryJobStore()
	srv := newTestServer(t, st)
	resp, err := http.Get(srv.URL + "/callbacks/extraction")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
