package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIdempotencyStore(t *testing.T) (*RedisIdempotencyStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisIdempotencyStore(client, 0), mr
}

func doIdempotent(e *echo.Echo, h echo.HandlerFunc, method, path, key, user string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(method, path, strings.NewReader(`{}`))
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if user != "" {
		c.Set("user_id", user)
	}
	return rec, h(c)
}

func TestIdempotency_ReplaysStoredResponse(t *testing.T) {
	store, _ := newTestIdempotencyStore(t)
	e := echo.New()
	calls := 0
	h := Idempotency(store, zerolog.Nop())(func(c echo.Context) error {
		calls++
		return c.JSON(http.StatusCreated, map[string]int{"n": calls})
	})

	rec1, err := doIdempotent(e, h, http.MethodPost, "/bookings", "key-1", "u1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, rec1.Code)

	rec2, err := doIdempotent(e, h, http.MethodPost, "/bookings", "key-1", "u1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, rec2.Code)
	assert.Equal(t, "true", rec2.Header().Get(IdempotencyReplayedHeader))
	assert.JSONEq(t, rec1.Body.String(), rec2.Body.String())
	assert.Equal(t, 1, calls)
}

func TestIdempotency_KeysAreScopedPerUser(t *testing.T) {
	store, _ := newTestIdempotencyStore(t)
	e := echo.New()
	calls := 0
	h := Idempotency(store, zerolog.Nop())(func(c echo.Context) error {
		calls++
		return c.NoContent(http.StatusCreated)
	})

	_, err := doIdempotent(e, h, http.MethodPost, "/bookings", "shared", "u1")
	require.NoError(t, err)
	_, err = doIdempotent(e, h, http.MethodPost, "/bookings", "shared", "u2")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestIdempotency_RejectsReuseOnDifferentPath(t *testing.T) {
	store, _ := newTestIdempotencyStore(t)
	e := echo.New()
	h := Idempotency(store, zerolog.Nop())(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	_, err := doIdempotent(e, h, http.MethodPost, "/bookings", "k", "u1")
	require.NoError(t, err)

	_, err = doIdempotent(e, h, http.MethodPost, "/bookings/abc/cancel", "k", "u1")
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok, "expected HTTPError, got %v", err)
	assert.Equal(t, http.StatusUnprocessableEntity, httpErr.Code)
}

func TestIdempotency_RejectsReuseWithDifferentBody(t *testing.T) {
	store, _ := newTestIdempotencyStore(t)
	e := echo.New()
	calls := 0
	h := Idempotency(store, zerolog.Nop())(func(c echo.Context) error {
		calls++
		var body map[string]string
		if err := c.Bind(&body); err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, body)
	})

	post := func(body string) (*httptest.ResponseRecorder, error) {
		req := httptest.NewRequest(http.MethodPost, "/bookings", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set(IdempotencyHeader, "book-1")
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.Set("user_id", "u1")
		return rec, h(c)
	}

	first := `{"therapist_id":"t1","start_time":"09:00"}`
	rec, err := post(first)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, first, rec.Body.String(), "handler must still see the request body")

	rec, err = post(first)
	require.NoError(t, err)
	assert.Equal(t, "true", rec.Header().Get(IdempotencyReplayedHeader))

	_, err = post(`{"therapist_id":"t1","start_time":"10:00"}`)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok, "expected HTTPError, got %v", err)
	assert.Equal(t, http.StatusUnprocessableEntity, httpErr.Code)
	assert.Equal(t, 1, calls)
}

func TestIdempotency_StoresClientErrors(t *testing.T) {
	store, _ := newTestIdempotencyStore(t)
	e := echo.New()
	calls := 0
	h := Idempotency(store, zerolog.Nop())(func(c echo.Context) error {
		calls++
		return echo.NewHTTPError(http.StatusConflict, "slot_taken")
	})

	rec1, err := doIdempotent(e, h, http.MethodPost, "/bookings", "k", "u1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, rec1.Code)

	rec2, err := doIdempotent(e, h, http.MethodPost, "/bookings", "k", "u1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, rec2.Code)
	assert.Equal(t, 1, calls)
}

func TestIdempotency_DoesNotStoreServerErrors(t *testing.T) {
	store, _ := newTestIdempotencyStore(t)
	e := echo.New()
	calls := 0
	h := Idempotency(store, zerolog.Nop())(func(c echo.Context) error {
		calls++
		return echo.NewHTTPError(http.StatusGatewayTimeout, "outcome unknown")
	})

	for i := 0; i < 2; i++ {
		rec, err := doIdempotent(e, h, http.MethodPost, "/bookings", "k", "u1")
		require.NoError(t, err)
		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	}
	assert.Equal(t, 2, calls)
}

func TestIdempotency_InFlightKeyConflicts(t *testing.T) {
	store, _ := newTestIdempotencyStore(t)
	ok, err := store.Lock(context.Background(), "u1:busy")
	require.NoError(t, err)
	require.True(t, ok)

	e := echo.New()
	h := Idempotency(store, zerolog.Nop())(func(c echo.Context) error {
		t.Error("handler must not run while the key is locked")
		return nil
	})
	_, err = doIdempotent(e, h, http.MethodPost, "/bookings", "busy", "u1")
	httpErr, isHTTP := err.(*echo.HTTPError)
	require.True(t, isHTTP)
	assert.Equal(t, http.StatusConflict, httpErr.Code)
}

func TestIdempotency_PassesThroughWithoutKeyOrOnGet(t *testing.T) {
	store, mr := newTestIdempotencyStore(t)
	e := echo.New()
	h := Idempotency(store, zerolog.Nop())(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	_, err := doIdempotent(e, h, http.MethodPost, "/bookings", "", "u1")
	require.NoError(t, err)
	_, err = doIdempotent(e, h, http.MethodGet, "/bookings", "k", "u1")
	require.NoError(t, err)
	assert.Empty(t, mr.Keys())
}

func TestIdempotency_StoreDownRunsHandler(t *testing.T) {
	store, mr := newTestIdempotencyStore(t)
	mr.Close()

	e := echo.New()
	called := false
	h := Idempotency(store, zerolog.Nop())(func(c echo.Context) error {
		called = true
		return c.NoContent(http.StatusCreated)
	})
	_, err := doIdempotent(e, h, http.MethodPost, "/bookings", "k", "u1")
	require.NoError(t, err)
	assert.True(t, called)
}
