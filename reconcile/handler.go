package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"docbackend/domain"
	"docbackend/obs"
)

// rawCallback is the untrusted wire shape. Nothing in it is used until
// validate() has narrowed it into a Callback.
type rawCallback struct {
	JobID            string      `json:"job_id"`
	TenantID         string      `json:"tenant_id"`
	IdempotencyToken string      `json:"idempotency_token"`
	Outcome          *rawOutcome `json:"outcome"`
}

type rawOutcome struct {
	Status     string             `json:"status"`
	PageCount  *int               `json:"page_count"`
	TokenUsage *domain.TokenUsage `json:"token_usage"`
	ResultRefs []string           `json:"result_refs"`
	// ErrorReason is stored verbatim on engine-reported failures.
	ErrorReason string `json:"error_reason"`
}

func (rc *rawCallback) validate() (Callback, error) {
	cb := Callback{
		JobID:            strings.TrimSpace(rc.JobID),
		TenantID:         strings.TrimSpace(rc.TenantID),
		IdempotencyToken: strings.TrimSpace(rc.IdempotencyToken),
	}
	if cb.JobID == "" || cb.TenantID == "" || cb.IdempotencyToken == "" {
		return Callback{}, errors.New("job_id/tenant_id/idempotency_token required")
	}
	if rc.Outcome == nil {
		return Callback{}, errors.New("outcome required")
	}
	switch Kind(strings.ToLower(strings.TrimSpace(rc.Outcome.Status))) {
	case KindSuccess:
		cb.Kind = KindSuccess
		if len(rc.Outcome.ResultRefs) == 0 {
			return Callback{}, errors.New("success outcome requires result_refs")
		}
		for _, ref := range rc.Outcome.ResultRefs {
			if strings.TrimSpace(ref) == "" {
				return Callback{}, errors.New("empty result_ref")
			}
		}
		cb.ResultRefs = rc.Outcome.ResultRefs
		if rc.Outcome.PageCount != nil && *rc.Outcome.PageCount < 0 {
			return Callback{}, errors.New("negative page_count")
		}
		if rc.Outcome.TokenUsage != nil && (rc.Outcome.TokenUsage.Input < 0 || rc.Outcome.TokenUsage.Output < 0) {
			return Callback{}, errors.New("negative token_usage")
		}
		cb.PageCount = rc.Outcome.PageCount
		cb.Tokens = rc.Outcome.TokenUsage
	case KindFailure:
		cb.Kind = KindFailure
		if strings.TrimSpace(rc.Outcome.ErrorReason) == "" {
			return Callback{}, errors.New("failure outcome requires error_reason")
		}
		cb.ErrorReason = rc.Outcome.ErrorReason
	case KindProcessing:
		cb.Kind = KindProcessing
	default:
		return Callback{}, fmt.Errorf("unknown outcome status %q", rc.Outcome.Status)
	}
	return cb, nil
}

type Handler struct {
	rec *Reconciler
}

func NewHandler(rec *Reconciler) *Handler {
	return &Handler{rec: rec}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/callbacks/extraction", h.handle)
	// 兼容末尾多一个 "/" 的 callback URL（ServeMux 对不带 "/" 结尾的 pattern 是精确匹配）
	mux.HandleFunc("/callbacks/extraction/", h.handle)
}

// handle acks every well-formed callback with 2xx, whatever its
// disposition, so the engine stops redelivering. Only malformed payloads
// and infrastructure faults get non-2xx.
func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		obs.RecordCallback("malformed")
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "read body failed"})
		return
	}
	var raw rawCallback
	if err := json.Unmarshal(body, &raw); err != nil {
		obs.RecordCallback("malformed")
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "invalid json"})
		return
	}
	cb, err := raw.validate()
	if err != nil {
		obs.RecordCallback("malformed")
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": err.Error()})
		return
	}

	res, err := h.rec.Apply(r.Context(), cb)
	if err != nil {
		slog.Error("callback apply failed", "jobId", cb.JobID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": "server error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(res)})
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
