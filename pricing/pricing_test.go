package pricing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
)

func TestHTTPProviderFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/admin/models/gpt-4o/pricing" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"per_page":"0.015","input_per_1k":"0.0025","output_per_1k":"0.01","model_name":"gpt-4o"}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, Snapshot{})
	snap, err := p.GetPricing(context.Background(), "gpt-4o")
	if err != nil {
		t.Fatalf("getPricing: %v", err)
	}
	if !snap.PerPage.Equal(decimal.RequireFromString("0.015")) {
		t.Fatalf("per_page = %s", snap.PerPage)
	}
	if snap.ModelName != "gpt-4o" {
		t.Fatalf("model = %q", snap.ModelName)
	}
}

func TestHTTPProviderRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"per_page":"0.02","input_per_1k":"0.001","output_per_1k":"0.002"}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, Snapshot{})
	snap, err := p.GetPricing(context.Background(), "m")
	if err != nil {
		t.Fatalf("getPricing: %v", err)
	}
	if !snap.PerPage.Equal(decimal.RequireFromString("0.02")) {
		t.Fatalf("per_page = %s", snap.PerPage)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestHTTPProviderFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	fallback := Snapshot{PerPage: decimal.RequireFromString("0.015")}
	p := NewHTTPProvider(srv.URL, fallback)
	snap, err := p.GetPricing(context.Background(), "m")
	if err != nil {
		t.Fatalf("fallback must not error: %v", err)
	}
	if !snap.PerPage.Equal(fallback.PerPage) {
		t.Fatalf("expected fallback rates, got %s", snap.PerPage)
	}
}

func TestHTTPProviderMalformedRates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"per_page":"not-a-number","input_per_1k":"0.1","output_per_1k":"0.1"}`))
	}))
	defer srv.Close()

	fallback := Snapshot{PerPage: decimal.RequireFromString("0.015")}
	p := NewHTTPProvider(srv.URL, fallback)
	snap, err := p.GetPricing(context.Background(), "m")
	if err != nil {
		t.Fatalf("getPricing: %v", err)
	}
	if !snap.PerPage.Equal(fallback.PerPage) {
		t.Fatalf("malformed rates must fall back, got %s", snap.PerPage)
	}
}
