package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/texnomagic/texnomagic/pkg/metrics"
	"github.com/texnomagic/texnomagic/pkg/ratelimit"
)

func TestRequestIDAssignsAndEchoes(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, seen)
	require.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "abc-123", seen)
	require.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/alphabets/{abc}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := Chain(mux, RequestID, Metrics(m))

	for _, name := range []string{"runes", "words"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/alphabets/"+name, nil))
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	require.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/alphabets/{abc}", "418")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.HTTPRequestsInFlight))
}

func TestTimeout(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	rec := httptest.NewRecorder()
	Timeout(20*time.Millisecond)(slow).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	require.JSONEq(t, `{"error":"request timeout"}`, rec.Body.String())

	fast := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	rec = httptest.NewRecorder()
	Timeout(time.Second)(fast).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestTimeoutRecoversPanic(t *testing.T) {
	boom := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("index out of range")
	})
	rec := httptest.NewRecorder()
	require.NotPanics(t, func() {
		Timeout(time.Second)(boom).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/alphabets/runes/recognize", nil))
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")

	late := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		panic("after header")
	})
	rec = httptest.NewRecorder()
	Timeout(time.Second)(late).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRateLimitPerClient(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := RateLimit(ratelimit.New(2, time.Minute))(ok)

	send := func(remote, fwd string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		if fwd != "" {
			req.Header.Set("X-Forwarded-For", fwd)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, send("10.0.0.1:1000", "").Code)
	require.Equal(t, http.StatusOK, send("10.0.0.1:2000", "").Code)
	rec := send("10.0.0.1:3000", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "30", rec.Header().Get("Retry-After"))

	require.Equal(t, http.StatusOK, send("10.0.0.1:4000", "192.168.1.7, 10.0.0.1").Code)
	require.Equal(t, http.StatusOK, send("10.0.0.2:1000", "").Code)
}

func TestCORS(t *testing.T) {
	var called bool
	h := CORS(NewCORSConfig([]string{"http://game.local"}))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/alphabets", nil)
	req.Header.Set("Origin", "http://game.local")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "http://game.local", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), RequestIDHeader)
	require.False(t, called)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/alphabets", nil)
	req.Header.Set("Origin", "http://evil.local")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	require.True(t, called)
}

func TestAPIKey(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := APIKey([]string{"s3cret", "other"}, MutatingRequests)(ok)

	send := func(method, path string, set func(*http.Request)) int {
		req := httptest.NewRequest(method, path, nil)
		if set != nil {
			set(req)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusOK, send(http.MethodGet, "/api/v1/alphabets", nil))
	require.Equal(t, http.StatusOK, send(http.MethodPost, "/api/v1/alphabets/runes/recognize", nil))
	require.Equal(t, http.StatusUnauthorized, send(http.MethodPost, "/api/v1/reload", nil))
	require.Equal(t, http.StatusUnauthorized, send(http.MethodPost, "/api/v1/reload", func(r *http.Request) {
		r.Header.Set("X-API-Key", "wrong")
	}))
	require.Equal(t, http.StatusOK, send(http.MethodPost, "/api/v1/reload", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer s3cret")
	}))
	require.Equal(t, http.StatusOK, send(http.MethodPost, "/api/v1/alphabets/runes/train?api_key=other", nil))
}
