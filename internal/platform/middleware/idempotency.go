package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	IdempotencyHeader         = "Idempotency-Key"
	IdempotencyReplayedHeader = "Idempotent-Replayed"

	DefaultIdempotencyTTL = 24 * time.Hour
	idempotencyLockTTL    = 30 * time.Second
	maxIdempotencyKeyLen  = 255
)

// CachedResponse is a response stored under an idempotency key.
type CachedResponse struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	BodyHash    string `json:"body_hash"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
}

// IdempotencyStore persists responses for replay. Lock reports false when
// another request already holds the key.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*CachedResponse, error)
	Set(ctx context.Context, key string, resp *CachedResponse) error
	Lock(ctx context.Context, key string) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// RedisIdempotencyStore keeps responses in redis with a TTL.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisIdempotencyStore(client redis.UniversalClient, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &RedisIdempotencyStore{client: client, prefix: "telecare:idem:", ttl: ttl}
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (*CachedResponse, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	var resp CachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode idempotency entry: %w", err)
	}
	return &resp, nil
}

func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, resp *CachedResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("set idempotency key: %w", err)
	}
	return nil
}

func (s *RedisIdempotencyStore) Lock(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+"lock:"+key, "1", idempotencyLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("lock idempotency key: %w", err)
	}
	return ok, nil
}

func (s *RedisIdempotencyStore) Unlock(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+"lock:"+key).Err()
}

// Idempotency replays the stored response for a repeated Idempotency-Key on
// write requests. Keys are scoped to the caller. Reusing a key for a
// different method, path or body returns 422, and a key whose first request is
// still running returns 409. Server errors are not stored so the client can
// retry them. When the store fails the request runs without protection.
func Idempotency(store IdempotencyStore, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodPost && req.Method != http.MethodPut && req.Method != http.MethodPatch {
				return next(c)
			}
			key := req.Header.Get(IdempotencyHeader)
			if key == "" {
				return next(c)
			}
			if len(key) > maxIdempotencyKeyLen {
				return echo.NewHTTPError(http.StatusBadRequest, "Idempotency-Key too long")
			}
			if uid, ok := c.Get("user_id").(string); ok {
				key = uid + ":" + key
			}

			ctx := req.Context()
			path := req.URL.Path

			body, err := io.ReadAll(req.Body)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
			}
			req.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			bodyHash := hex.EncodeToString(sum[:])

			cached, err := store.Get(ctx, key)
			if err != nil {
				logger.Warn().Err(err).Msg("idempotency store unavailable")
				return next(c)
			}
			if cached != nil {
				return replay(c, cached, req.Method, path, bodyHash)
			}

			locked, err := store.Lock(ctx, key)
			if err != nil {
				logger.Warn().Err(err).Msg("idempotency store unavailable")
				return next(c)
			}
			if !locked {
				return echo.NewHTTPError(http.StatusConflict, "a request with this Idempotency-Key is in progress")
			}
			defer func() {
				if err := store.Unlock(context.WithoutCancel(ctx), key); err != nil {
					logger.Warn().Err(err).Msg("idempotency unlock failed")
				}
			}()

			resp := c.Response()
			orig := resp.Writer
			rec := &idempotencyRecorder{ResponseWriter: orig, body: &bytes.Buffer{}, statusCode: http.StatusOK, headers: make(http.Header)}
			resp.Writer = rec

			err = next(c)
			if err != nil {
				// Render the error into the recorder so it can be stored too.
				c.Error(err)
			}
			resp.Writer = orig

			for k, vals := range rec.headers {
				orig.Header()[k] = vals
			}
			if rec.statusCode < http.StatusInternalServerError {
				entry := &CachedResponse{
					Method:      req.Method,
					Path:        path,
					BodyHash:    bodyHash,
					StatusCode:  rec.statusCode,
					ContentType: rec.headers.Get(echo.HeaderContentType),
					Body:        rec.body.Bytes(),
				}
				if serr := store.Set(context.WithoutCancel(ctx), key, entry); serr != nil {
					logger.Warn().Err(serr).Msg("idempotency store write failed")
				}
			}
			orig.WriteHeader(rec.statusCode)
			_, werr := orig.Write(rec.body.Bytes())
			return werr
		}
	}
}

func replay(c echo.Context, cached *CachedResponse, method, path, bodyHash string) error {
	if cached.Method != method || cached.Path != path || cached.BodyHash != bodyHash {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "Idempotency-Key was already used for a different request")
	}
	h := c.Response().Header()
	if cached.ContentType != "" {
		h.Set(echo.HeaderContentType, cached.ContentType)
	}
	h.Set(IdempotencyReplayedHeader, "true")
	return c.Blob(cached.StatusCode, cached.ContentType, cached.Body)
}

type idempotencyRecorder struct {
	http.ResponseWriter
	body       *bytes.Buffer
	statusCode int
	headers    http.Header
	wroteHead  bool
}

func (r *idempotencyRecorder) Header() http.Header {
	return r.headers
}

func (r *idempotencyRecorder) WriteHeader(code int) {
	if r.wroteHead {
		return
	}
	r.statusCode = code
	r.wroteHead = true
}

func (r *idempotencyRecorder) Write(b []byte) (int, error) {
	if !r.wroteHead {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(b)
}
