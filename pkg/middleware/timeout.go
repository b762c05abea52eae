package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/texnomagic/texnomagic/pkg/logger"
)

// Timeout answers 504 when the wrapped handler has not written anything
// within timeout. The handler keeps its context and sees the cancellation.
// A handler panic is logged and answered with 500 when nothing was written
// yet.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			done := make(chan struct{})
			tw := &timeoutWriter{ResponseWriter: w}
			go func() {
				defer close(done)
				defer func() {
					if p := recover(); p != nil {
						logger.FromContext(r.Context()).Error("handler panic", "method", r.Method, "path", r.URL.Path, "panic", p)
						tw.fail()
					}
				}()
				next.ServeHTTP(tw, r.WithContext(ctx))
			}()
			select {
			case <-done:
			case <-ctx.Done():
				if !tw.expire() {
					logger.FromContext(r.Context()).Warn("request timed out", "method", r.Method, "path", r.URL.Path, "timeout", timeout)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusGatewayTimeout)
					w.Write([]byte(`{"error":"request timeout"}`))
				}
			}
		})
	}
}

type timeoutWriter struct {
	http.ResponseWriter
	mu       sync.Mutex
	written  bool
	timedOut bool
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return
	}
	tw.written = true
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	tw.written = true
	return tw.ResponseWriter.Write(b)
}

// fail answers 500 unless the response was already started or abandoned.
func (tw *timeoutWriter) fail() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.written || tw.timedOut {
		return
	}
	tw.written = true
	tw.ResponseWriter.Header().Set("Content-Type", "application/json")
	tw.ResponseWriter.WriteHeader(http.StatusInternalServerError)
	tw.ResponseWriter.Write([]byte(`{"error":"internal server error"}`))
}

// expire marks the writer as timed out and reports whether the handler had
// already started the response.
func (tw *timeoutWriter) expire() bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.timedOut = true
	return tw.written
}
