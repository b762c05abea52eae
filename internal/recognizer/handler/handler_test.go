package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/texnomagic/texnomagic/internal/alphabet"
	"github.com/texnomagic/texnomagic/internal/catalog"
	"github.com/texnomagic/texnomagic/internal/drawing"
	"github.com/texnomagic/texnomagic/internal/events"
	"github.com/texnomagic/texnomagic/internal/recognizer"
	"github.com/texnomagic/texnomagic/internal/symbol"
	"github.com/texnomagic/texnomagic/pkg/config"
)

func circle(n int) [][]drawing.Point {
	pts := make([]drawing.Point, n)
	for i := range pts {
		a := 2 * math.Pi * float64(i) / float64(n)
		pts[i] = drawing.Point{X: 500 + 400*math.Cos(a), Y: 500 + 400*math.Sin(a) + float64(i%3)}
	}
	d := drawing.New([][]drawing.Point{pts})
	d.Normalize()
	return d.Curves()
}

func cross(n int) [][]drawing.Point {
	h := make([]drawing.Point, n)
	v := make([]drawing.Point, n)
	for i := 0; i < n; i++ {
		t := 1000 * float64(i) / float64(n-1)
		h[i] = drawing.Point{X: t, Y: 500 + float64(i%3)}
		v[i] = drawing.Point{X: 500 + float64(i%3), Y: t}
	}
	d := drawing.New([][]drawing.Point{h, v})
	d.Normalize()
	return d.Curves()
}

type fakeCache struct {
	invalidated []string
}

func (f *fakeCache) Stats() (int64, int64) { return 3, 1 }

func (f *fakeCache) Invalidate(_ context.Context, abc string) error {
	f.invalidated = append(f.invalidated, abc)
	return nil
}

type fakeStats struct{}

func (fakeStats) Stats() events.Stats { return events.Stats{TotalRecognitions: 7} }

func newServer(t *testing.T, cache CacheAdmin) *httptest.Server {
	t.Helper()
	root := t.TempDir()
	cat := catalog.New([]catalog.Source{{Tag: "user", Dir: filepath.Join(root, "user")}})
	require.NoError(t, cat.Load())
	abc := alphabet.New("", "Runes")
	require.NoError(t, cat.SaveNewAlphabet(abc, "user"))
	for name, curves := range map[string][][]drawing.Point{"Fire": circle(80), "Ice": cross(40)} {
		s := symbol.New("", name, "")
		require.NoError(t, abc.SaveNewSymbol(s))
		for i := 0; i < 3; i++ {
			require.NoError(t, s.SaveNewDrawing(drawing.New(curves)))
		}
	}

	svc := recognizer.New(cat, config.ModelConfig{PointsRange: drawing.DefaultPointsRange, TrainWorkers: 1}, recognizer.WithVersion("0.9.0"))
	require.NoError(t, svc.Reload(context.Background()))
	_, err := svc.TrainAlphabet(context.Background(), "runes", true)
	require.NoError(t, err)

	var stats StatsProvider
	if cache != nil {
		stats = fakeStats{}
	}
	mux := http.NewServeMux()
	New(svc, cache, stats).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var raw any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	if m, ok := raw.(map[string]any); ok {
		return resp.StatusCode, m
	}
	return resp.StatusCode, map[string]any{"items": raw}
}

func TestRecognize(t *testing.T) {
	srv := newServer(t, nil)

	status, body := do(t, srv, http.MethodPost, "/api/v1/alphabets/runes/recognize", map[string]any{"curves": circle(80)})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "Fire", body["symbol"])
	require.Equal(t, true, body["matched"])
	require.Equal(t, "user:runes", body["alphabet"])

	status, body = do(t, srv, http.MethodPost, "/api/v1/alphabets/nope/recognize", map[string]any{"curves": circle(80)})
	require.Equal(t, http.StatusNotFound, status)
	require.Contains(t, body["error"], "alphabet not found")

	status, _ = do(t, srv, http.MethodPost, "/api/v1/alphabets/runes/recognize", map[string]any{"curves": [][]drawing.Point{}})
	require.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, srv, http.MethodPost, "/api/v1/alphabets/runes/recognize", map[string]any{"strokes": 1})
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, body["error"], "invalid request body")
}

func TestScoresTopN(t *testing.T) {
	srv := newServer(t, nil)
	status, body := do(t, srv, http.MethodPost, "/api/v1/alphabets/runes/scores", map[string]any{"curves": cross(40), "n": 1})
	require.Equal(t, http.StatusOK, status)
	scores := body["scores"].([]any)
	require.Len(t, scores, 1)
	top := scores[0].(map[string]any)
	require.Equal(t, "Ice", top["symbol"])
	require.NotEmpty(t, top["rating"])

	status, _ = do(t, srv, http.MethodPost, "/api/v1/alphabets/runes/scores", map[string]any{"curves": cross(40), "n": -1})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestTrainAndPreview(t *testing.T) {
	srv := newServer(t, nil)

	status, body := do(t, srv, http.MethodPost, "/api/v1/alphabets/runes/symbols/fire/train", map[string]any{"n_gauss": 4})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "Fire", body["symbol"])
	require.Equal(t, 4.0, body["n_gauss"])

	status, _ = do(t, srv, http.MethodPost, "/api/v1/alphabets/runes/symbols/water/train", nil)
	require.Equal(t, http.StatusNotFound, status)

	status, body = do(t, srv, http.MethodGet, "/api/v1/alphabets/runes/symbols/fire/preview", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["components"], 4)

	status, body = do(t, srv, http.MethodPost, "/api/v1/alphabets/runes/train", map[string]any{"all": false})
	require.Equal(t, http.StatusOK, status)
	require.ElementsMatch(t, []any{"Fire", "Ice"}, body["kept"])
}

func TestCheckAndListings(t *testing.T) {
	srv := newServer(t, nil)

	status, body := do(t, srv, http.MethodPost, "/api/v1/alphabets/runes/check", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, false, body["ok"])
	require.NotEmpty(t, body["messages"].(map[string]any)["warn"])

	status, body = do(t, srv, http.MethodGet, "/api/v1/alphabets", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["items"], 1)

	status, body = do(t, srv, http.MethodGet, "/api/v1/alphabets/runes/symbols", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["items"], 2)

	status, body = do(t, srv, http.MethodGet, "/api/v1/version", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "0.9.0", body["version"])

	status, _ = do(t, srv, http.MethodGet, "/api/v1/alphabets/runes/audits?limit=x", nil)
	require.Equal(t, http.StatusBadRequest, status)
	status, _ = do(t, srv, http.MethodGet, "/api/v1/alphabets/runes/audits", nil)
	require.Equal(t, http.StatusNotFound, status)

	status, body = do(t, srv, http.MethodPost, "/api/v1/reload", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1.0, body["alphabets"])
}

func TestCacheAndStatsEndpoints(t *testing.T) {
	srv := newServer(t, nil)
	status, body := do(t, srv, http.MethodGet, "/api/v1/cache/stats", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "disabled", body["status"])
	status, _ = do(t, srv, http.MethodPost, "/api/v1/cache/invalidate", nil)
	require.Equal(t, http.StatusServiceUnavailable, status)
	status, body = do(t, srv, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "disabled", body["status"])

	cache := &fakeCache{}
	srv = newServer(t, cache)
	status, body = do(t, srv, http.MethodGet, "/api/v1/cache/stats", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "75.0%", body["hit_rate"])

	status, _ = do(t, srv, http.MethodPost, "/api/v1/cache/invalidate?alphabet=user:runes", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, []string{"user:runes"}, cache.invalidated)

	status, body = do(t, srv, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 7.0, body["total_recognitions"])
}
