package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Strob0t/TaskForge/internal/port/cache"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	maxIdempotencyBody   = 1 << 20 // 1 MB
	maxIdempotencyKeyLen = 255
)

// idempotencyEntry stores a completed HTTP response and the fingerprint of
// the request that produced it.
type idempotencyEntry struct {
	Fingerprint string              `json:"fingerprint"`
	StatusCode  int                 `json:"status_code"`
	Headers     map[string][]string `json:"headers"`
	Body        []byte              `json:"body"`
}

// Idempotency returns middleware that deduplicates mutating requests carrying
// an Idempotency-Key header. Responses are cached under method, path and key
// for ttl. A retry with the same key replays the stored response; a retry
// with a different body is rejected with 422, and one arriving while the
// first is still being served gets 409. Server errors are not cached so the
// client may retry them.
func Idempotency(c cache.Cache, ttl time.Duration) func(http.Handler) http.Handler {
	var (
		mu       sync.Mutex
		inFlight = make(map[string]struct{})
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(headerIdempotencyKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				http.Error(w, "Idempotency-Key too long", http.StatusBadRequest)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotencyBody+1))
			if err != nil {
				http.Error(w, "read request body", http.StatusBadRequest)
				return
			}
			if len(body) > maxIdempotencyBody {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			fingerprint := hex.EncodeToString(sum[:])

			cacheKey := "idem:" + r.Method + ":" + r.URL.Path + ":" + key

			if raw, ok, getErr := c.Get(r.Context(), cacheKey); getErr != nil {
				slog.WarnContext(r.Context(), "idempotency: cache read failed", "key", key, "error", getErr)
			} else if ok {
				var cached idempotencyEntry
				if err := json.Unmarshal(raw, &cached); err == nil {
					if cached.Fingerprint != fingerprint {
						http.Error(w, "Idempotency-Key reused with a different request", http.StatusUnprocessableEntity)
						return
					}
					replay(w, &cached)
					return
				}
				slog.WarnContext(r.Context(), "idempotency: corrupt cache entry", "key", key)
			}

			mu.Lock()
			if _, busy := inFlight[cacheKey]; busy {
				mu.Unlock()
				http.Error(w, "request with this Idempotency-Key is in progress", http.StatusConflict)
				return
			}
			inFlight[cacheKey] = struct{}{}
			mu.Unlock()
			defer func() {
				mu.Lock()
				delete(inFlight, cacheKey)
				mu.Unlock()
			}()

			rec := &responseRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
				body:           &bytes.Buffer{},
			}
			next.ServeHTTP(rec, r)

			if rec.statusCode >= http.StatusInternalServerError || rec.body.Len() > maxIdempotencyBody {
				return
			}
			data, err := json.Marshal(idempotencyEntry{
				Fingerprint: fingerprint,
				StatusCode:  rec.statusCode,
				Headers:     w.Header().Clone(),
				Body:        rec.body.Bytes(),
			})
			if err != nil {
				return
			}
			if err := c.Set(r.Context(), cacheKey, data, ttl); err != nil {
				slog.WarnContext(r.Context(), "idempotency: failed to store response", "key", key, "error", err)
			}
		})
	}
}

func replay(w http.ResponseWriter, e *idempotencyEntry) {
	for k, vals := range e.Headers {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(headerReplayed, "true")
	w.WriteHeader(e.StatusCode)
	_, _ = w.Write(e.Body)
}

// responseRecorder wraps http.ResponseWriter to capture the response.
type responseRecorder struct {
	http.ResponseWriter
	statusCode  int
	body        *bytes.Buffer
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.statusCode = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
