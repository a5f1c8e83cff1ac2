package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on the request context. The handler writes
// into a buffer; its response reaches the client only when it returns in
// time. When the deadline passes the middleware cancels the context, waits
// for the handler to return, throws its output away and answers 504.
//
// The echo.Context is pooled and reused, so it is never released while the
// handler still holds it. Handlers must return once their context is done.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			resp := c.Response()
			orig := resp.Writer
			buf := &bufferedWriter{header: orig.Header().Clone(), status: http.StatusOK}
			resp.Writer = buf

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				resp.Writer = orig
				buf.flushTo(orig)
				return err
			case <-ctx.Done():
				cancel()
				<-done
				resp.Writer = orig
				resp.Committed = false
				resp.Status = http.StatusOK
				resp.Size = 0
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return echo.NewHTTPError(http.StatusGatewayTimeout,
						"request timed out; the outcome is unknown, re-check before retrying")
				}
				return ctx.Err()
			}
		}
	}
}

// bufferedWriter holds a handler's response until the timeout middleware
// decides whether to send it.
type bufferedWriter struct {
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func (w *bufferedWriter) Header() http.Header { return w.header }

func (w *bufferedWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
}

func (w *bufferedWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.Write(b)
}

func (w *bufferedWriter) flushTo(dst http.ResponseWriter) {
	h := dst.Header()
	for k, vals := range w.header {
		h[k] = vals
	}
	if !w.wroteHeader {
		return
	}
	dst.WriteHeader(w.status)
	_, _ = dst.Write(w.body.Bytes())
}
