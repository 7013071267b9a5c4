package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"docbackend/domain"
)

// jobRecord is the wire form stored in redis. Kept separate from the domain
// struct so internal fields (storage ref, idempotency token) serialize here
// without leaking through the API's json tags.
type jobRecord struct {
	ID       string          `json:"id"`
	TenantID string          `json:"tenantId"`
	Category domain.Category `json:"category"`
	State    domain.JobState `json:"state"`

	StorageRef string   `json:"storageRef,omitempty"`
	SourceName string   `json:"sourceName,omitempty"`
	ResultRefs []string `json:"resultRefs,omitempty"`

	PageCount int                   `json:"pageCount"`
	Tokens    domain.TokenUsage     `json:"tokens"`
	Cost      *domain.CostBreakdown `json:"cost,omitempty"`

	IdempotencyToken string `json:"idempotencyToken,omitempty"`
	PricingProfile   string `json:"pricingProfile,omitempty"`
	DispatchAttempts int    `json:"dispatchAttempts"`

	FailureReason   domain.FailureReason `json:"failureReason,omitempty"`
	Error           string               `json:"error,omitempty"`
	DataQualityNote string               `json:"dataQualityNote,omitempty"`

	CreatedAt    time.Time  `json:"createdAt"`
	DispatchedAt *time.Time `json:"dispatchedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

func recordFromJob(j *domain.ProcessingJob) jobRecord {
	if j == nil {
		return jobRecord{}
	}
	return jobRecord{
		ID:               j.ID,
		TenantID:         j.TenantID,
		Category:         j.Category,
		State:            j.State,
		StorageRef:       j.StorageRef,
		SourceName:       j.SourceName,
		ResultRefs:       j.ResultRefs,
		PageCount:        j.PageCount,
		Tokens:           j.Tokens,
		Cost:             j.Cost,
		IdempotencyToken: j.IdempotencyToken,
		PricingProfile:   j.PricingProfile,
		DispatchAttempts: j.DispatchAttempts,
		FailureReason:    j.FailureReason,
		Error:            j.Error,
		DataQualityNote:  j.DataQualityNote,
		CreatedAt:        j.CreatedAt,
		DispatchedAt:     j.DispatchedAt,
		CompletedAt:      j.CompletedAt,
	}
}

func jobFromRecord(r jobRecord) *domain.ProcessingJob {
	return &domain.ProcessingJob{
		ID:               r.ID,
		TenantID:         r.TenantID,
		Category:         r.Category,
		State:            r.State,
		StorageRef:       r.StorageRef,
		SourceName:       r.SourceName,
		ResultRefs:       r.ResultRefs,
		PageCount:        r.PageCount,
		Tokens:           r.Tokens,
		Cost:             r.Cost,
		IdempotencyToken: r.IdempotencyToken,
		PricingProfile:   r.PricingProfile,
		DispatchAttempts: r.DispatchAttempts,
		FailureReason:    r.FailureReason,
		Error:            r.Error,
		DataQualityNote:  r.DataQualityNote,
		CreatedAt:        r.CreatedAt,
		DispatchedAt:     r.DispatchedAt,
		CompletedAt:      r.CompletedAt,
	}
}

type RedisJobStore struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func readRedisDB() int {
	raw := strings.TrimSpace(os.Getenv("REDIS_DB"))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func readJobTTL() time.Duration {
	raw := strings.TrimSpace(os.Getenv("PROCESSING_JOB_TTL_SECONDS"))
	if raw == "" {
		return 30 * 24 * time.Hour
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 30 * 24 * time.Hour
	}
	return time.Duration(n) * time.Second
}

func NewRedisJobStore(addr, password string) (*RedisJobStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("REDIS_ADDR 为空")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(password),
		DB:       readRedisDB(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Printf("job store: redis enabled addr=%s db=%d ttl=%s", addr, readRedisDB(), readJobTTL())

	return &RedisJobStore{
		rdb:       rdb,
		keyPrefix: "dp:job:",
		ttl:       readJobTTL(),
	}, nil
}

func NewRedisJobStoreWithClient(rdb *redis.Client) *RedisJobStore {
	return &RedisJobStore{rdb: rdb, keyPrefix: "dp:job:", ttl: readJobTTL()}
}

func (s *RedisJobStore) Client() *redis.Client { return s.rdb }

func (s *RedisJobStore) key(tenantID, id string) string {
	return s.keyPrefix + strings.TrimSpace(tenantID) + ":" + strings.TrimSpace(id)
}

const (
	inflightIndexKey = "dp:jobs:inflight"
	doneIndexPrefix  = "dp:jobs:done:"
)

func inflightMember(tenantID, id string) string { return tenantID + ":" + id }

// indexOps keeps the secondary ZSET indexes aligned with the job's state.
// Runs inside the same MULTI as the job write, so index and record move
// together.
func (s *RedisJobStore) indexOps(ctx context.Context, pipe redis.Pipeliner, j *domain.ProcessingJob) {
	member := inflightMember(j.TenantID, j.ID)
	if j.State.InFlight() && j.DispatchedAt != nil {
		pipe.ZAdd(ctx, inflightIndexKey, redis.Z{
			Score:  float64(j.DispatchedAt.Unix()),
			Member: member,
		})
	} else {
		pipe.ZRem(ctx, inflightIndexKey, member)
	}
	if j.State == domain.JobStateCompleted && j.CompletedAt != nil {
		pipe.ZAdd(ctx, doneIndexPrefix+j.TenantID, redis.Z{
			Score:  float64(j.CompletedAt.Unix()),
			Member: j.ID,
		})
	}
}

func (s *RedisJobStore) Create(job *domain.ProcessingJob) error {
	if job == nil || strings.TrimSpace(job.ID) == "" || strings.TrimSpace(job.TenantID) == "" {
		return errors.New("job/id/tenant 为空")
	}
	b, err := json.Marshal(recordFromJob(job))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	created, err := s.rdb.SetNX(ctx, s.key(job.TenantID, job.ID), b, s.ttl).Result()
	if err != nil {
		return err
	}
	if !created {
		return errors.New("job already exists: " + job.ID)
	}
	return nil
}

func (s *RedisJobStore) Get(tenantID, id string) (*domain.ProcessingJob, bool, error) {
	tenantID = strings.TrimSpace(tenantID)
	id = strings.TrimSpace(id)
	if tenantID == "" || id == "" {
		return nil, false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := s.rdb.Get(ctx, s.key(tenantID, id)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec jobRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, false, err
	}
	return jobFromRecord(rec), true, nil
}

func (s *RedisJobStore) Update(tenantID, id string, fn func(j *domain.ProcessingJob) error) (*domain.ProcessingJob, bool, error) {
	tenantID = strings.TrimSpace(tenantID)
	id = strings.TrimSpace(id)
	if tenantID == "" || id == "" {
		return nil, false, nil
	}
	if fn == nil {
		return nil, false, errors.New("update fn 为空")
	}

	key := s.key(tenantID, id)

	var out *domain.ProcessingJob
	var ok bool
	var fnErr error

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	for i := 0; i < 8; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			out = nil
			ok = false
			fnErr = nil

			val, err := tx.Get(ctx, key).Result()
			if err == redis.Nil {
				return nil
			}
			if err != nil {
				return err
			}
			var rec jobRecord
			if err := json.Unmarshal([]byte(val), &rec); err != nil {
				return err
			}
			j := jobFromRecord(rec)
			ok = true
			if fnErr = fn(j); fnErr != nil {
				// Guard rejected: leave the record untouched.
				return nil
			}
			out = j

			nb, err := json.Marshal(recordFromJob(j))
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, nb, s.ttl)
				s.indexOps(ctx, pipe, j)
				return nil
			})
			return err
		}, key)

		if err == nil {
			return out, ok, fnErr
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, false, err
	}

	return nil, false, errors.New("redis update retry exceeded")
}

func (s *RedisJobStore) ListStale(olderThan time.Time) ([]*domain.ProcessingJob, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	members, err := s.rdb.ZRangeByScore(ctx, inflightIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(olderThan.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	var out []*domain.ProcessingJob
	for _, m := range members {
		tenantID, id, found := strings.Cut(m, ":")
		if !found {
			_ = s.rdb.ZRem(ctx, inflightIndexKey, m).Err()
			continue
		}
		j, exists, err := s.Get(tenantID, id)
		if err != nil {
			return nil, err
		}
		if !exists {
			// Job expired out from under the index.
			_ = s.rdb.ZRem(ctx, inflightIndexKey, m).Err()
			continue
		}
		// The index score can lag a concurrent transition; the job record wins.
		if !j.State.InFlight() || j.DispatchedAt == nil || !j.DispatchedAt.Before(olderThan) {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *RedisJobStore) ListCompletedRange(tenantID string, from, to time.Time) ([]*domain.ProcessingJob, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, errors.New("tenant 为空")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	ids, err := s.rdb.ZRangeByScore(ctx, doneIndexPrefix+tenantID, &redis.ZRangeBy{
		Min: strconv.FormatInt(from.Unix(), 10),
		Max: strconv.FormatInt(to.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	var out []*domain.ProcessingJob
	for _, id := range ids {
		j, exists, err := s.Get(tenantID, id)
		if err != nil {
			return nil, err
		}
		if !exists || j.State != domain.JobStateCompleted {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}
