package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"docbackend/engine"
	"docbackend/intake"
	"docbackend/obs"
	"docbackend/pricing"
	"docbackend/reconcile"
	"docbackend/status"
	"docbackend/storage"
	"docbackend/store"
	"docbackend/streamq"
)

func main() {
	shutdownObs, _ := obs.Init("docbackend")
	defer func() { _ = shutdownObs(context.Background()) }()

	redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if redisAddr == "" {
		log.Fatalf("REDIS_ADDR 为空：ledger 与 Streams 队列必须启用 Redis")
	}
	jobStore, err := store.NewRedisJobStore(redisAddr, os.Getenv("REDIS_PASSWORD"))
	if err != nil {
		log.Fatalf("init redis store failed: %v", err)
	}
	rdb := jobStore.Client()

	var blobs storage.BlobStore
	if st, enabled, err := storage.NewFromEnv(); err != nil {
		if enabled {
			log.Fatalf("init oss store failed: %v", err)
		}
	} else if enabled {
		blobs = st
		log.Printf("oss store enabled bucket=%s prefix=%s", strings.TrimSpace(os.Getenv("OSS_BUCKET")), strings.TrimSpace(os.Getenv("OSS_SOURCE_PREFIX")))
	}

	streamKey := readEnvDefault("DISPATCH_STREAM_KEY", "dp:jobs:stream")
	group := readEnvDefault("DISPATCH_STREAM_GROUP", "dp-dispatch")
	maxLen := int64(readEnvIntDefault("DISPATCH_STREAM_MAXLEN", 100000))
	q := streamq.NewRedisStreamQueue(rdb, streamKey, group, maxLen)
	if err := q.EnsureGroup(context.Background()); err != nil {
		log.Fatalf("ensure stream group failed: %v", err)
	}

	bus := status.NewRedisBus(rdb)

	var priceProvider pricing.Provider = pricing.Static{Snap: pricing.DefaultSnapshot()}
	if pricingURL := strings.TrimSpace(os.Getenv("PRICING_URL")); pricingURL != "" {
		priceProvider = pricing.NewHTTPProvider(pricingURL, pricing.DefaultSnapshot())
	}

	if _, err := engine.NewClientFromEnv(); err != nil {
		// The API binary never calls the engine itself; warn so a missing
		// ENGINE_URL is caught before the worker rolls out.
		log.Printf("engine config incomplete (worker will fail): %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	tmpRoot := readEnvDefault("TMP_ROOT", "./tmp")
	intakeSvc := intake.NewService(jobStore, q, blobs, bus, bus, tmpRoot)
	intakeSvc.RegisterRoutes(mux)

	rec := reconcile.New(jobStore, priceProvider, bus)
	reconcile.NewHandler(rec).RegisterRoutes(mux)

	addr := ":" + readEnvDefault("PORT", "8080")
	log.Printf("docbackend api listening on %s", addr)
	// Wrap order: cors -> otel/metrics -> mux
	handler := corsMiddleware(obs.WrapHTTP("docbackend", mux))
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
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

func corsMiddleware(next http.Handler) http.Handler {
	allowOrigin := readEnvDefault("CORS_ALLOW_ORIGIN", "http://localhost:5173")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tenant-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
