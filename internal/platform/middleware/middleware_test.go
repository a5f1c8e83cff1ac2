package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		check    func(t *testing.T, got string)
	}{
		{"generated when absent", "", func(t *testing.T, got string) {
			assert.Len(t, got, 36)
		}},
		{"caller id kept", "booking-req-7", func(t *testing.T, got string) {
			assert.Equal(t, "booking-req-7", got)
		}},
		{"oversized id replaced", strings.Repeat("x", 200), func(t *testing.T, got string) {
			assert.Len(t, got, 36)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/bookings", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			rec := httptest.NewRecorder()
			c := echo.New().NewContext(req, rec)

			var seen string
			h := RequestID()(func(c echo.Context) error {
				seen, _ = c.Get("request_id").(string)
				return c.NoContent(http.StatusOK)
			})
			require.NoError(t, h(c))

			tt.check(t, seen)
			assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
		})
	}
}

func TestLogger_ClientErrorAtWarn(t *testing.T) {
	var buf bytes.Buffer
	req := httptest.NewRequest(http.MethodPost, "/api/v1/bookings", nil)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	c.Set("request_id", "req-1")
	c.Set("user_id", "user-1")
	c.Set("role", "individual")

	h := Logger(zerolog.New(&buf))(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "slot_taken")
	})
	require.NoError(t, h(c))

	assert.Equal(t, http.StatusConflict, rec.Code)
	line := buf.String()
	for _, want := range []string{
		`"level":"warn"`, `"status":409`, `"user_id":"user-1"`,
		`"role":"individual"`, `"request_id":"req-1"`, `"method":"POST"`,
	} {
		assert.Contains(t, line, want)
	}
}

func TestLogger_ServerErrorAtErrorWithTrace(t *testing.T) {
	var buf bytes.Buffer
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/availability/slots", nil)
	req = req.WithContext(trace.ContextWithSpanContext(context.Background(), sc))
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)

	h := Logger(zerolog.New(&buf))(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusInternalServerError, "boom")
	})
	require.NoError(t, h(c))

	line := buf.String()
	assert.Contains(t, line, `"level":"error"`)
	assert.Contains(t, line, `"trace_id":"4bf92f3577b34da6a3ce929d0e0e4736"`)
	assert.NotContains(t, line, `"user_id"`)
}

func TestLogger_SuccessAtInfo(t *testing.T) {
	var buf bytes.Buffer
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), rec)

	h := Logger(zerolog.New(&buf))(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	require.NoError(t, h(c))
	assert.Contains(t, buf.String(), `"level":"info"`)
	assert.Contains(t, buf.String(), `"bytes_out":2`)
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	e.Use(RequestID(), Recovery(zerolog.New(&buf)))
	e.GET("/api/v1/bookings/:id", func(c echo.Context) error {
		panic("nil session")
	})
	e.GET("/ok", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/bookings/abc", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "nil session")

	logged := buf.String()
	assert.Contains(t, logged, `"panic":"nil session"`)
	assert.Contains(t, logged, `"route":"/api/v1/bookings/:id"`)
	assert.Contains(t, logged, `"request_id"`)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecovery_RepanicsAbortHandler(t *testing.T) {
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	h := Recovery(zerolog.Nop())(func(c echo.Context) error {
		panic(http.ErrAbortHandler)
	})
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() { _ = h(c) })
}
