package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Snapshot is one consistent set of rates read at reconciliation time.
// A job's cost is always computed against a single snapshot; rates are
// never cached across jobs.
type Snapshot struct {
	PerPage     decimal.Decimal `json:"per_page"`
	InputPer1K  decimal.Decimal `json:"input_per_1k"`
	OutputPer1K decimal.Decimal `json:"output_per_1k"`
	ModelName   string          `json:"model_name,omitempty"`
}

type Provider interface {
	GetPricing(ctx context.Context, profile string) (Snapshot, error)
}

// Static always returns the same snapshot. Used in tests and as the
// fallback when the admin API is unreachable.
type Static struct {
	Snap Snapshot
}

func (s Static) GetPricing(ctx context.Context, profile string) (Snapshot, error) {
	return s.Snap, nil
}

func readEnvDecimal(key, def string) decimal.Decimal {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		d, _ = decimal.NewFromString(def)
	}
	return d
}

// DefaultSnapshot reads the env-configured fallback rates.
func DefaultSnapshot() Snapshot {
	return Snapshot{
		PerPage:     readEnvDecimal("PRICING_PER_PAGE", "0.015"),
		InputPer1K:  readEnvDecimal("PRICING_INPUT_PER_1K", "0.00015"),
		OutputPer1K: readEnvDecimal("PRICING_OUTPUT_PER_1K", "0.0006"),
		ModelName:   strings.TrimSpace(os.Getenv("PRICING_MODEL_NAME")),
	}
}

// HTTPProvider fetches rates from the backend admin API, falling back to
// the static default snapshot after three failed attempts.
type HTTPProvider struct {
	base     string
	client   *http.Client
	fallback Snapshot
	attempts int
}

func NewHTTPProvider(baseURL string, fallback Snapshot) *HTTPProvider {
	return &HTTPProvider{
		base: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client: &http.Client{
			Timeout:   5 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		fallback: fallback,
		attempts: 3,
	}
}

type pricingResponse struct {
	PerPage     string `json:"per_page"`
	InputPer1K  string `json:"input_per_1k"`
	OutputPer1K string `json:"output_per_1k"`
	ModelName   string `json:"model_name"`
}

func (p *HTTPProvider) fetch(ctx context.Context, profile string) (Snapshot, error) {
	u := fmt.Sprintf("%s/api/admin/models/%s/pricing", p.base, url.PathEscape(profile))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Snapshot{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("pricing api status %d", resp.StatusCode)
	}
	var pr pricingResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return Snapshot{}, err
	}
	perPage, err := decimal.NewFromString(pr.PerPage)
	if err != nil {
		return Snapshot{}, fmt.Errorf("bad per_page %q: %w", pr.PerPage, err)
	}
	in1k, err := decimal.NewFromString(pr.InputPer1K)
	if err != nil {
		return Snapshot{}, fmt.Errorf("bad input_per_1k %q: %w", pr.InputPer1K, err)
	}
	out1k, err := decimal.NewFromString(pr.OutputPer1K)
	if err != nil {
		return Snapshot{}, fmt.Errorf("bad output_per_1k %q: %w", pr.OutputPer1K, err)
	}
	return Snapshot{PerPage: perPage, InputPer1K: in1k, OutputPer1K: out1k, ModelName: pr.ModelName}, nil
}

func (p *HTTPProvider) GetPricing(ctx context.Context, profile string) (Snapshot, error) {
	profile = strings.TrimSpace(profile)
	if profile == "" {
		return p.fallback, nil
	}
	var lastErr error
	for i := 0; i < p.attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return Snapshot{}, ctx.Err()
			case <-time.After(time.Duration(1<<uint(i-1)) * 500 * time.Millisecond):
			}
		}
		snap, err := p.fetch(ctx, profile)
		if err == nil {
			return snap, nil
		}
		lastErr = err
		slog.Warn("pricing fetch failed", "profile", profile, "attempt", i+1, "err", err)
	}
	if errors.Is(lastErr, context.Canceled) {
		return Snapshot{}, lastErr
	}
	slog.Warn("pricing api exhausted, using fallback rates", "profile", profile, "err", lastErr)
	return p.fallback, nil
}
