// Package engine talks to the external extraction engine. The engine only
// acknowledges acceptance here; results arrive later through the callback
// endpoint.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"docbackend/domain"
)

// ErrRejected means the engine understood the request and refused it.
// Rejections are never retried; the job goes to failed/dispatch_failed.
var ErrRejected = errors.New("engine rejected dispatch")

// DispatchRequest carries everything the engine needs to process one job.
// The idempotency token must come back verbatim on the callback.
type DispatchRequest struct {
	JobID            string          `json:"job_id"`
	TenantID         string          `json:"tenant_id"`
	Category         domain.Category `json:"category"`
	StorageRef       string          `json:"storage_ref"`
	IdempotencyToken string          `json:"idempotency_token"`
	PricingProfile   string          `json:"pricing_profile,omitempty"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) error
}

type Client struct {
	base       string
	httpClient *http.Client
	retryWait  time.Duration
}

func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{
			Timeout:   5 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retryWait: time.Second,
	}
}

func NewClientFromEnv() (*Client, error) {
	base := strings.TrimSpace(os.Getenv("ENGINE_URL"))
	if base == "" {
		return nil, errors.New("ENGINE_URL 为空")
	}
	return NewClient(base), nil
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/extract", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(detail)))
}

// Dispatch submits the job. Transport failures get exactly one retry with
// a short backoff; an ErrRejected response is final.
func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) error {
	if strings.TrimSpace(req.JobID) == "" || strings.TrimSpace(req.IdempotencyToken) == "" {
		return errors.New("jobID/idempotencyToken 为空")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	err = c.post(ctx, body)
	if err == nil || errors.Is(err, ErrRejected) {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.retryWait):
	}
	return c.post(ctx, body)
}
