package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"docbackend/domain"
)

func testReq() DispatchRequest {
	return DispatchRequest{
		JobID:            "j1",
		TenantID:         "acme",
		Category:         domain.CategoryInvoice,
		StorageRef:       "doc-sources/acme/j1/scan.pdf",
		IdempotencyToken: "tok-1",
	}
}

func TestDispatchAccepted(t *testing.T) {
	var got DispatchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/extract" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.Dispatch(context.Background(), testReq()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got.IdempotencyToken != "tok-1" || got.Category != domain.CategoryInvoice {
		t.Fatalf("wrong payload: %+v", got)
	}
}

func TestDispatchRejectionNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "unsupported category", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.Dispatch(context.Background(), testReq())
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("rejection retried: %d calls", n)
	}
}

func TestDispatchTransportRetryOnce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			// Kill the connection so the client sees a transport error.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatalf("no hijacker")
			}
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.retryWait = 10 * time.Millisecond
	if err := c.Dispatch(context.Background(), testReq()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
}

func TestDispatchValidatesInput(t *testing.T) {
	c := NewClient("http://engine")
	if err := c.Dispatch(context.Background(), DispatchRequest{JobID: "j1"}); err == nil {
		t.Fatalf("dispatch without token must fail")
	}
}
