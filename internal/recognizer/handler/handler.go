// Package handler exposes the recognizer over an HTTP JSON API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/texnomagic/texnomagic/internal/drawing"
	"github.com/texnomagic/texnomagic/internal/events"
	"github.com/texnomagic/texnomagic/internal/recognizer"
	apperrors "github.com/texnomagic/texnomagic/pkg/errors"
	"github.com/texnomagic/texnomagic/pkg/logger"
)

const maxBodyBytes = 4 << 20

// CacheAdmin is the score cache as seen by the admin endpoints.
type CacheAdmin interface {
	Stats() (hits, misses int64)
	Invalidate(ctx context.Context, alphabetID string) error
}

// StatsProvider reports aggregated activity.
type StatsProvider interface {
	Stats() events.Stats
}

type Handler struct {
	svc    *recognizer.Service
	cache  CacheAdmin
	stats  StatsProvider
	logger *slog.Logger
}

// New creates a handler. cache and stats may be nil.
func New(svc *recognizer.Service, cache CacheAdmin, stats StatsProvider) *Handler {
	return &Handler{
		svc:    svc,
		cache:  cache,
		stats:  stats,
		logger: slog.Default().With("component", "recognizer-handler"),
	}
}

// Register adds every route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/version", h.Version)
	mux.HandleFunc("GET /api/v1/alphabets", h.Alphabets)
	mux.HandleFunc("GET /api/v1/alphabets/{abc}/symbols", h.Symbols)
	mux.HandleFunc("POST /api/v1/alphabets/{abc}/recognize", h.Recognize)
	mux.HandleFunc("POST /api/v1/alphabets/{abc}/scores", h.Scores)
	mux.HandleFunc("POST /api/v1/alphabets/{abc}/train", h.TrainAlphabet)
	mux.HandleFunc("POST /api/v1/alphabets/{abc}/symbols/{symbol}/train", h.TrainSymbol)
	mux.HandleFunc("GET /api/v1/alphabets/{abc}/symbols/{symbol}/preview", h.Preview)
	mux.HandleFunc("POST /api/v1/alphabets/{abc}/check", h.Check)
	mux.HandleFunc("GET /api/v1/alphabets/{abc}/audits", h.Audits)
	mux.HandleFunc("POST /api/v1/reload", h.Reload)
	mux.HandleFunc("GET /api/v1/stats", h.Stats)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
}

type gestureRequest struct {
	Curves [][]drawing.Point `json:"curves"`
	// FlipY mirrors the gesture for clients whose Y axis points up.
	FlipY bool `json:"flip_y"`
	N     int  `json:"n"`
}

func (g gestureRequest) curves() [][]drawing.Point {
	if !g.FlipY {
		return g.Curves
	}
	d := drawing.New(g.Curves)
	d.Normalize()
	d.FlipYAxis()
	return d.Curves()
}

func (h *Handler) Recognize(w http.ResponseWriter, r *http.Request) {
	var req gestureRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := recognizer.WithSource(r.Context(), events.SourceHTTP)
	rec, err := h.svc.Recognize(ctx, r.PathValue("abc"), req.curves())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) Scores(w http.ResponseWriter, r *http.Request) {
	var req gestureRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.N < 0 {
		h.writeError(w, http.StatusBadRequest, "n must not be negative")
		return
	}
	ctx := recognizer.WithSource(r.Context(), events.SourceHTTP)
	matches, err := h.svc.Scores(ctx, r.PathValue("abc"), req.curves(), req.N)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	type scored struct {
		recognizer.Match
		Rating string `json:"rating"`
	}
	out := make([]scored, len(matches))
	for i, m := range matches {
		out[i] = scored{Match: m, Rating: m.Rating()}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"alphabet": r.PathValue("abc"), "scores": out})
}

func (h *Handler) TrainSymbol(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NGauss int `json:"n_gauss"`
	}
	if !h.decodeOptional(w, r, &req) {
		return
	}
	res, err := h.svc.Train(r.Context(), r.PathValue("abc"), r.PathValue("symbol"), req.NGauss)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) TrainAlphabet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		All bool `json:"all"`
	}
	if !h.decodeOptional(w, r, &req) {
		return
	}
	summary, err := h.svc.TrainAlphabet(r.Context(), r.PathValue("abc"), req.All)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Check(r.Context(), r.PathValue("abc"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	messages := map[string][]string{}
	for sev, msgs := range report.BySeverity() {
		messages[sev.String()] = msgs
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"alphabet": report.Alphabet,
		"ok":       report.OK(),
		"findings": report.Findings,
		"messages": messages,
	})
}

func (h *Handler) Audits(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := h.svc.Audits(r.Context(), r.PathValue("abc"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, records)
}

func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Preview(r.Context(), r.PathValue("abc"), r.PathValue("symbol"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

func (h *Handler) Alphabets(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.Alphabets())
}

func (h *Handler) Symbols(w http.ResponseWriter, r *http.Request) {
	syms, err := h.svc.Symbols(r.Context(), r.PathValue("abc"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, syms)
}

func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Reload(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded", "alphabets": len(h.svc.Alphabets())})
}

func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"version": h.svc.Version()})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	h.writeJSON(w, http.StatusOK, h.stats.Stats())
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}

	hits, misses := h.cache.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

// CacheInvalidate drops cached scores of the alphabet named by the
// "alphabet" query parameter, or of every alphabet without one.
func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}

	abc := r.URL.Query().Get("alphabet")
	if err := h.cache.Invalidate(r.Context(), abc); err != nil {
		h.logger.Error("cache invalidation failed", "alphabet", abc, "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// decodeOptional is decode that accepts an empty body.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		h.writeError(w, status, http.StatusText(status))
		return
	}
	h.writeError(w, status, err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
