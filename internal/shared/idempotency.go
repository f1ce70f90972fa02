package shared

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyRecord captures the stored outcome of one logical request.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseCode int
	ResponseBody []byte
	ExpiresAt    time.Time
}

// IdempotencyStore persists processed keys for the retention window.
type IdempotencyStore interface {
	Find(ctx context.Context, key string) (IdempotencyRecord, bool, error)
	Save(ctx context.Context, rec IdempotencyRecord) error
	DeleteExpired(ctx context.Context) (int64, error)
}

// PgIdempotencyStore is the postgres-backed store.
type PgIdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewPgIdempotencyStore constructs the store.
func NewPgIdempotencyStore(pool *pgxpool.Pool) *PgIdempotencyStore {
	return &PgIdempotencyStore{pool: pool}
}

// Find returns the live record for key, if any. Expired rows are invisible
// here and reclaimed by the cleanup job.
func (s *PgIdempotencyStore) Find(ctx context.Context, key string) (IdempotencyRecord, bool, error) {
	if s == nil {
		return IdempotencyRecord{}, false, errors.New("idempotency store not initialised")
	}
	var rec IdempotencyRecord
	err := s.pool.QueryRow(ctx, `SELECT key, request_hash, response_code, response_body, expires_at
FROM idempotency_records WHERE key=$1 AND expires_at > NOW()`, key).
		Scan(&rec.Key, &rec.RequestHash, &rec.ResponseCode, &rec.ResponseBody, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return IdempotencyRecord{}, false, nil
		}
		return IdempotencyRecord{}, false, err
	}
	return rec, true, nil
}

// Save upserts the record. A concurrent writer for the same key wins once;
// the stored response is identical either way because hashes matched first.
func (s *PgIdempotencyStore) Save(ctx context.Context, rec IdempotencyRecord) error {
	if s == nil {
		return errors.New("idempotency store not initialised")
	}
	if rec.Key == "" {
		return errors.New("idempotency key required")
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO idempotency_records (key, request_hash, response_code, response_body, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (key) DO NOTHING`, rec.Key, rec.RequestHash, rec.ResponseCode, rec.ResponseBody, rec.ExpiresAt)
	return err
}

// DeleteExpired removes records past their retention window.
func (s *PgIdempotencyStore) DeleteExpired(ctx context.Context) (int64, error) {
	if s == nil {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// IdempotencyResult is the outcome handed back to the transport layer.
type IdempotencyResult struct {
	Code   int
	Body   []byte
	Cached bool
}

// IdempotentOperation produces the response for a first-time request.
type IdempotentOperation func(ctx context.Context) (int, []byte, error)

// IdempotencyGuard deduplicates mutating calls by caller-supplied key.
type IdempotencyGuard struct {
	store     IdempotencyStore
	retention time.Duration
	logger    *slog.Logger
}

// NewIdempotencyGuard constructs the guard. Retention bounds how long a
// replay window stays open for one key.
func NewIdempotencyGuard(store IdempotencyStore, retention time.Duration, logger *slog.Logger) *IdempotencyGuard {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &IdempotencyGuard{store: store, retention: retention, logger: logger}
}

// HashRequest returns the canonical hash of a request body.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Do executes op at most once per key within the retention window.
// A live record with a matching hash is replayed verbatim without invoking
// op. The same key with a different hash is rejected with ErrKeyConflict
// rather than silently overwriting the stored response.
func (g *IdempotencyGuard) Do(ctx context.Context, key string, requestBody []byte, op IdempotentOperation) (IdempotencyResult, error) {
	if key == "" {
		code, body, err := op(ctx)
		if err != nil {
			return IdempotencyResult{}, err
		}
		return IdempotencyResult{Code: code, Body: body}, nil
	}
	hash := HashRequest(requestBody)
	rec, found, err := g.store.Find(ctx, key)
	if err != nil {
		return IdempotencyResult{}, err
	}
	if found {
		if rec.RequestHash != hash {
			return IdempotencyResult{}, ErrKeyConflict
		}
		return IdempotencyResult{Code: rec.ResponseCode, Body: rec.ResponseBody, Cached: true}, nil
	}
	code, body, err := op(ctx)
	if err != nil {
		return IdempotencyResult{}, err
	}
	// The operation already completed; a failed record write only narrows
	// the replay window, so it is logged, not surfaced.
	if saveErr := g.store.Save(ctx, IdempotencyRecord{
		Key:          key,
		RequestHash:  hash,
		ResponseCode: code,
		ResponseBody: body,
		ExpiresAt:    time.Now().Add(g.retention),
	}); saveErr != nil && g.logger != nil {
		g.logger.Warn("persist idempotency record", slog.String("key", key), slog.Any("error", saveErr))
	}
	return IdempotencyResult{Code: code, Body: body}, nil
}

// IdempotencyKeyHeader carries the caller-supplied key across retries.
const IdempotencyKeyHeader = "Idempotency-Key"

type bufferedResponseWriter struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func (w *bufferedResponseWriter) Header() http.Header { return w.header }

func (w *bufferedResponseWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *bufferedResponseWriter) Write(data []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(data)
}

// Middleware wraps mutating handlers with key deduplication at the
// transport boundary. Requests without a key pass through untouched.
func (g *IdempotencyGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyKeyHeader)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		_ = r.Body.Close()

		result, err := g.Do(r.Context(), key, body, func(ctx context.Context) (int, []byte, error) {
			rec := &bufferedResponseWriter{header: make(http.Header)}
			clone := r.Clone(ctx)
			clone.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(rec, clone)
			if rec.status == 0 {
				rec.status = http.StatusOK
			}
			return rec.status, rec.body.Bytes(), nil
		})
		if err != nil {
			if errors.Is(err, ErrKeyConflict) {
				http.Error(w, UserSafeMessage(err), http.StatusConflict)
				return
			}
			if g.logger != nil {
				g.logger.Error("idempotency guard", slog.String("key", key), slog.Any("error", err))
			}
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if result.Cached {
			w.Header().Set("Idempotency-Replayed", "true")
		}
		w.WriteHeader(result.Code)
		_, _ = w.Write(result.Body)
	})
}
