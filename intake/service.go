// Package intake is the front door: it validates uploads before anything
// is persisted, creates ledger entries, and hands accepted documents to
// the dispatch pipeline. It also serves the job status, result download,
// redispatch, stale query, websocket and usage export routes.
package intake

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"docbackend/domain"
	"docbackend/export"
	"docbackend/obs"
	"docbackend/status"
	"docbackend/store"
	"docbackend/storage"
	"docbackend/streamq"
)

type Service struct {
	store   store.JobStore
	queue   streamq.DispatchQueue
	blobs   storage.BlobStore
	pub     status.Publisher
	sub     status.Subscriber
	tmpRoot string
}

func NewService(st store.JobStore, q streamq.DispatchQueue, blobs storage.BlobStore, pub status.Publisher, sub status.Subscriber, tmpRoot string) *Service {
	if pub == nil {
		pub = status.NopPublisher{}
	}
	return &Service{
		store:   st,
		queue:   q,
		blobs:   blobs,
		pub:     pub,
		sub:     sub,
		tmpRoot: tmpRoot,
	}
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/documents", s.handleCreateJob)
	mux.HandleFunc("/documents/", s.handleJobRoutes)
	mux.HandleFunc("/usage/export", s.handleUsageExport)
}

func tenantFrom(r *http.Request) string {
	t := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
	if t == "" {
		// Websocket clients can't always set headers.
		t = strings.TrimSpace(r.URL.Query().Get("tenant"))
	}
	return t
}

// handleCreateJob accepts a multipart upload and responds as soon as the
// job is in the ledger; storage upload and enqueue run in the background.
// Everything rejected here is invalid_input and never touches the ledger.
func (s *Service) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := tenantFrom(r)
	if tenantID == "" {
		http.Error(w, "X-Tenant-ID required", http.StatusBadRequest)
		return
	}

	// Stream multipart to disk to reduce memory usage (avoid ParseMultipartForm buffering).
	maxUploadMB := readEnvIntDefault("INTAKE_MAX_UPLOAD_MB", 64)
	if maxUploadMB <= 0 {
		maxUploadMB = 64
	}
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxUploadMB)<<20)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	jobID := newJobID()
	jobDir := filepath.Join(s.tmpRoot, "intake_jobs", jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		http.Error(w, "failed to create job dir", http.StatusInternalServerError)
		return
	}

	var (
		rawCategory string
		filePath    string
		fileName    string
	)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, "invalid multipart stream", http.StatusBadRequest)
			return
		}
		if part == nil {
			continue
		}
		switch strings.TrimSpace(part.FormName()) {
		case "category":
			b, err := io.ReadAll(io.LimitReader(part, 64))
			_ = part.Close()
			if err != nil {
				http.Error(w, "invalid category field", http.StatusBadRequest)
				return
			}
			rawCategory = string(b)
		case "file":
			fn := safeBaseNameFromName(part.FileName())
			dst, err := saveUploadTo(jobDir, fn, part)
			_ = part.Close()
			if err != nil {
				http.Error(w, "failed to save file", http.StatusInternalServerError)
				return
			}
			filePath = dst
			fileName = fn
		default:
			// Drain unknown parts to keep parser healthy.
			_, _ = io.Copy(io.Discard, part)
			_ = part.Close()
		}
	}

	cleanup := func() { _ = os.RemoveAll(jobDir) }

	category, ok := domain.ParseCategory(rawCategory)
	if !ok {
		cleanup()
		http.Error(w, "category must be one of eob, facesheet, invoice", http.StatusBadRequest)
		return
	}
	if filePath == "" {
		cleanup()
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	if !strings.EqualFold(filepath.Ext(fileName), ".pdf") {
		cleanup()
		http.Error(w, "only .pdf uploads are accepted", http.StatusBadRequest)
		return
	}
	if s.blobs == nil || !s.blobs.Enabled() {
		cleanup()
		http.Error(w, "object storage unavailable", http.StatusServiceUnavailable)
		return
	}

	job := &domain.ProcessingJob{
		ID:             jobID,
		TenantID:       tenantID,
		Category:       category,
		State:          domain.JobStateCreated,
		SourceName:     fileName,
		PricingProfile: strings.TrimSpace(os.Getenv("PRICING_PROFILE")),
		CreatedAt:      time.Now(),
	}
	if err := s.store.Create(job); err != nil {
		cleanup()
		slog.Error("job create failed", "tenant", tenantID, "jobId", jobID, "err", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	obs.RecordTransition(string(domain.JobStateCreated))
	s.pub.Publish(r.Context(), status.Event{
		JobID: jobID, TenantID: tenantID, State: domain.JobStateCreated, At: job.CreatedAt,
	})

	go s.runUploadTask(tenantID, jobID, filePath, fileName, cleanup)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobId":  jobID,
		"status": string(job.State),
	})
}

// runUploadTask drives created -> uploading -> (enqueued | failed) off the
// request path. The recover boundary keeps a panic from taking the pod
// down with an upload half-recorded.
func (s *Service) runUploadTask(tenantID, jobID, filePath, fileName string, cleanup func()) {
	defer cleanup()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("upload task panic", "tenant", tenantID, "jobId", jobID, "panic", r)
			s.failJob(tenantID, jobID, domain.FailureStorageUpload, fmt.Sprintf("panic: %v", r))
		}
	}()
	ctx := context.Background()

	if !s.advance(ctx, tenantID, jobID, domain.JobStateCreated, domain.JobStateUploading) {
		return
	}

	f, err := os.Open(filePath)
	if err != nil {
		s.failJob(tenantID, jobID, domain.FailureStorageUpload, "open upload: "+err.Error())
		return
	}
	objectKey, err := s.blobs.PutSource(tenantID, jobID, fileName, f)
	_ = f.Close()
	if err != nil {
		s.failJob(tenantID, jobID, domain.FailureStorageUpload, "oss upload: "+err.Error())
		return
	}

	_, _, err = s.store.Update(tenantID, jobID, func(j *domain.ProcessingJob) error {
		if j.State != domain.JobStateUploading {
			return store.ErrConflict
		}
		j.StorageRef = objectKey
		return nil
	})
	if err != nil {
		s.failJob(tenantID, jobID, domain.FailureStorageUpload, "record storage ref: "+err.Error())
		return
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.queue.Enqueue(enqueueCtx, tenantID, jobID); err != nil {
		s.failJob(tenantID, jobID, domain.FailureDispatch, "enqueue dispatch: "+err.Error())
		return
	}
}

func (s *Service) advance(ctx context.Context, tenantID, jobID string, from, to domain.JobState) bool {
	job, ok, err := s.store.Update(tenantID, jobID, func(j *domain.ProcessingJob) error {
		if j.State != from || !j.State.CanAdvance(to) {
			return store.ErrConflict
		}
		j.State = to
		return nil
	})
	if err != nil || !ok {
		slog.Error("transition failed", "tenant", tenantID, "jobId", jobID, "to", to, "err", err)
		return false
	}
	obs.RecordTransition(string(to))
	s.pub.Publish(ctx, status.Event{JobID: job.ID, TenantID: job.TenantID, State: to, At: time.Now()})
	return true
}

func (s *Service) failJob(tenantID, jobID string, reason domain.FailureReason, msg string) {
	now := time.Now()
	job, ok, err := s.store.Update(tenantID, jobID, func(j *domain.ProcessingJob) error {
		if j.State.Terminal() {
			return store.ErrConflict
		}
		j.State = domain.JobStateFailed
		j.FailureReason = reason
		j.Error = msg
		j.CompletedAt = &now
		return nil
	})
	if err != nil || !ok {
		slog.Error("fail transition lost", "tenant", tenantID, "jobId", jobID, "err", err)
		return
	}
	obs.RecordTransition(string(domain.JobStateFailed))
	s.pub.Publish(context.Background(), status.Event{
		JobID: job.ID, TenantID: job.TenantID, State: domain.JobStateFailed, Detail: msg, At: now,
	})
	slog.Warn("job failed at intake", "tenant", tenantID, "jobId", jobID, "reason", reason, "err", msg)
}

func (s *Service) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	// /documents/{jobId}
	// /documents/{jobId}/result
	// /documents/{jobId}/redispatch
	// /documents/{jobId}/ws
	// /documents/stale
	path := strings.TrimPrefix(r.URL.Path, "/documents/")
	path = strings.Trim(path, "/")
	if path == "" {
		http.Error(w, "jobId required", http.StatusBadRequest)
		return
	}
	parts := strings.Split(path, "/")

	if parts[0] == "stale" && len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleStaleJobs(w, r)
		return
	}

	jobID := parts[0]
	if len(parts) == 1 {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleGetJob(w, r, jobID)
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "result":
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			s.handleGetResult(w, r, jobID)
			return
		case "redispatch":
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			s.handleRedispatch(w, r, jobID)
			return
		case "ws":
			s.handleJobWS(w, r, jobID)
			return
		}
	}

	http.NotFound(w, r)
}

func (s *Service) loadJob(w http.ResponseWriter, r *http.Request, jobID string) (*domain.ProcessingJob, bool) {
	tenantID := tenantFrom(r)
	if tenantID == "" {
		http.Error(w, "X-Tenant-ID required", http.StatusBadRequest)
		return nil, false
	}
	job, ok, err := s.store.Get(tenantID, jobID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return nil, false
	}
	if !ok {
		http.NotFound(w, r)
		return nil, false
	}
	return job, true
}

func (s *Service) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, ok := s.loadJob(w, r, jobID)
	if !ok {
		return
	}
	// The domain json tags already hide internal fields (storage keys,
	// idempotency token); this is the safe subset.
	writeJSON(w, http.StatusOK, job)
}

func (s *Service) handleGetResult(w http.ResponseWriter, r *http.Request, jobID string) {
	job, ok := s.loadJob(w, r, jobID)
	if !ok {
		return
	}
	if job.State != domain.JobStateCompleted {
		http.Error(w, "job not completed", http.StatusConflict)
		return
	}
	if s.blobs == nil || !s.blobs.Enabled() {
		http.Error(w, "object storage unavailable", http.StatusServiceUnavailable)
		return
	}
	urls := make([]map[string]string, 0, len(job.ResultRefs))
	for _, ref := range job.ResultRefs {
		signed, err := s.blobs.SignDownloadURL(ref, filepath.Base(ref))
		if err != nil {
			http.Error(w, "sign download url failed", http.StatusBadGateway)
			return
		}
		urls = append(urls, map[string]string{
			"ref": filepath.Base(ref),
			"url": signed,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobId":   job.ID,
		"results": urls,
	})
}

// handleRedispatch re-enters the dispatch path for retryable failures
// (dispatch_failed, timeout). The worker rotates the token on the way
// back through, so the old attempt stays written off.
func (s *Service) handleRedispatch(w http.ResponseWriter, r *http.Request, jobID string) {
	tenantID := tenantFrom(r)
	if tenantID == "" {
		http.Error(w, "X-Tenant-ID required", http.StatusBadRequest)
		return
	}

	job, ok, err := s.store.Update(tenantID, jobID, func(j *domain.ProcessingJob) error {
		if j.State != domain.JobStateFailed || !j.FailureReason.Retryable() {
			return store.ErrConflict
		}
		j.State = domain.JobStateUploading
		j.FailureReason = ""
		j.Error = ""
		j.CompletedAt = nil
		j.DispatchedAt = nil
		return nil
	})
	if !ok {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		if err == store.ErrConflict {
			http.Error(w, "job is not retryable from its current state", http.StatusConflict)
			return
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	obs.RecordTransition(string(domain.JobStateUploading))
	s.pub.Publish(r.Context(), status.Event{
		JobID: job.ID, TenantID: job.TenantID, State: job.State, Detail: "manual redispatch", At: time.Now(),
	})

	enqueueCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.queue.Enqueue(enqueueCtx, tenantID, jobID); err != nil {
		s.failJob(tenantID, jobID, domain.FailureDispatch, "enqueue dispatch: "+err.Error())
		http.Error(w, "enqueue failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobId":  job.ID,
		"status": string(job.State),
	})
}

func (s *Service) handleStaleJobs(w http.ResponseWriter, r *http.Request) {
	thresholdSec := readEnvIntDefault("SWEEP_MAX_WAIT_SECONDS", 900)
	if raw := strings.TrimSpace(r.URL.Query().Get("threshold")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "threshold must be a positive number of seconds", http.StatusBadRequest)
			return
		}
		thresholdSec = n
	}
	stale, err := s.store.ListStale(time.Now().Add(-time.Duration(thresholdSec) * time.Second))
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	out := make([]map[string]interface{}, 0, len(stale))
	for _, j := range stale {
		out = append(out, map[string]interface{}{
			"jobId":        j.ID,
			"tenantId":     j.TenantID,
			"state":        string(j.State),
			"dispatchedAt": j.DispatchedAt,
			"attempts":     j.DispatchAttempts,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"thresholdSeconds": thresholdSec,
		"jobs":             out,
	})
}

func (s *Service) handleJobWS(w http.ResponseWriter, r *http.Request, jobID string) {
	job, ok := s.loadJob(w, r, jobID)
	if !ok {
		return
	}
	if s.sub == nil {
		http.Error(w, "status stream unavailable", http.StatusServiceUnavailable)
		return
	}
	first := &status.Event{
		JobID:    job.ID,
		TenantID: job.TenantID,
		State:    job.State,
		Detail:   job.Error,
		At:       time.Now(),
	}
	status.ServeJobEvents(w, r, s.sub, job.TenantID, job.ID, first)
}

func (s *Service) handleUsageExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID := tenantFrom(r)
	if tenantID == "" {
		http.Error(w, "X-Tenant-ID required", http.StatusBadRequest)
		return
	}
	from, to, err := parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	jobs, err := s.store.ListCompletedRange(tenantID, from, to)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	filename := fmt.Sprintf("usage_%s_%s.xlsx", from.Format("20060102"), to.Format("20060102"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if err := export.WriteUsageWorkbook(w, tenantID, from, to, jobs); err != nil {
		slog.Error("usage export failed", "tenant", tenantID, "err", err)
	}
}

func parseRange(r *http.Request) (time.Time, time.Time, error) {
	const layout = "2006-01-02"
	now := time.Now().UTC()
	from := now.AddDate(0, -1, 0)
	to := now
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		t, err := time.Parse(layout, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("bad from date %q (want YYYY-MM-DD)", raw)
		}
		from = t
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("to")); raw != "" {
		t, err := time.Parse(layout, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("bad to date %q (want YYYY-MM-DD)", raw)
		}
		// Inclusive end of day.
		to = t.Add(24*time.Hour - time.Second)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("to before from")
	}
	return from, to, nil
}

func newJobID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err == nil {
		return "doc_" + hex.EncodeToString(buf)
	}
	return fmt.Sprintf("doc_%d", time.Now().UnixNano())
}

func saveUploadTo(dir, name string, src io.Reader) (string, error) {
	if dir == "" || name == "" {
		return "", fmt.Errorf("invalid path")
	}
	dstPath := filepath.Join(dir, name)
	f, err := os.Create(dstPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, src); err != nil {
		return "", err
	}
	return dstPath, nil
}

func safeBaseNameFromName(name string) string {
	if strings.TrimSpace(name) == "" {
		return "upload.pdf"
	}
	return filepath.Base(name)
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func readEnvIntDefault(key string, defaultVal int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}
