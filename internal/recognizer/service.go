// Package recognizer serves recognition, training and alphabet checks over
// a catalog of alphabets. It is the boundary shared by the HTTP API, the
// JSON-RPC server, the Kafka training consumer and the CLI.
package recognizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/texnomagic/texnomagic/internal/alphabet"
	"github.com/texnomagic/texnomagic/internal/audit"
	"github.com/texnomagic/texnomagic/internal/catalog"
	"github.com/texnomagic/texnomagic/internal/drawing"
	"github.com/texnomagic/texnomagic/internal/events"
	"github.com/texnomagic/texnomagic/internal/model"
	"github.com/texnomagic/texnomagic/pkg/config"
	apperrors "github.com/texnomagic/texnomagic/pkg/errors"
	"github.com/texnomagic/texnomagic/pkg/logger"
	"github.com/texnomagic/texnomagic/pkg/metrics"
	"github.com/texnomagic/texnomagic/pkg/tracing"
)

// ScoreCache caches encoded score lists per alphabet and curves.
type ScoreCache interface {
	GetOrCompute(ctx context.Context, alphabetID string, curves [][]drawing.Point, compute func() ([]byte, error)) ([]byte, bool, error)
	Invalidate(ctx context.Context, alphabetID string) error
}

// Tracker receives activity events; *events.Collector implements it.
type Tracker interface {
	Track(event any)
}

// Service owns the catalog. Scoring runs under a read lock on preloaded
// alphabets; training, checks and reloads take the write lock.
type Service struct {
	mu      sync.RWMutex
	catalog *catalog.Catalog
	cfg     config.ModelConfig
	cache   ScoreCache
	tracker Tracker
	metrics *metrics.Metrics
	audits  audit.Store
	version string
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithCache(c ScoreCache) Option         { return func(s *Service) { s.cache = c } }
func WithTracker(t Tracker) Option          { return func(s *Service) { s.tracker = t } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }
func WithAuditStore(a audit.Store) Option   { return func(s *Service) { s.audits = a } }
func WithVersion(v string) Option           { return func(s *Service) { s.version = v } }

// New creates a service over cat. Call Reload before serving.
func New(cat *catalog.Catalog, cfg config.ModelConfig, opts ...Option) *Service {
	s := &Service{
		catalog: cat,
		cfg:     cfg,
		version: "dev",
		logger:  slog.Default().With("component", "recognizer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Version returns the version reported to clients.
func (s *Service) Version() string {
	return s.version
}

// Reload rediscovers every alphabet, loads symbol models and drops cached
// scores.
func (s *Service) Reload(ctx context.Context) error {
	ctx, span := tracing.Start(ctx, "recognizer.Reload")
	var err error
	defer func() { tracing.End(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err = s.catalog.Load(); err != nil {
		return err
	}
	entries := s.catalog.Entries()
	for _, e := range entries {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = e.Alphabet.Preload(); err != nil {
			return fmt.Errorf("loading %s: %w", e.ID(), err)
		}
	}
	if s.cache != nil {
		if cerr := s.cache.Invalidate(ctx, ""); cerr != nil {
			s.logger.Warn("score cache not invalidated", "error", cerr)
		}
	}
	if s.metrics != nil {
		s.metrics.LoadedAlphabets.Set(float64(len(entries)))
	}
	s.logger.Info("alphabets loaded", "stats", s.catalog.Stats())
	return nil
}

// Alphabets lists the loaded alphabets in source order.
func (s *Service) Alphabets() []AlphabetInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.catalog.Entries()
	out := make([]AlphabetInfo, 0, len(entries))
	for _, e := range entries {
		info := AlphabetInfo{
			ID:      e.ID(),
			Tag:     e.Tag,
			Name:    e.Alphabet.Name,
			Handle:  e.Alphabet.Handle(),
			Symbols: len(e.Alphabet.Symbols()),
		}
		for _, sym := range e.Alphabet.Symbols() {
			if m := sym.Model(); m != nil && m.Ready() {
				info.Trained++
			}
		}
		out = append(out, info)
	}
	return out
}

// Symbols lists the symbols of one alphabet in alphabet order.
func (s *Service) Symbols(ctx context.Context, abc string) ([]SymbolInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, err := s.catalog.Lookup(abc)
	if err != nil {
		return nil, err
	}
	syms := e.Alphabet.Symbols()
	out := make([]SymbolInfo, 0, len(syms))
	for _, sym := range syms {
		info := SymbolInfo{
			Name:     sym.Name,
			Meaning:  sym.Meaning,
			Handle:   sym.Handle(),
			HasImage: sym.HasImage(),
		}
		if m := sym.Model(); m != nil {
			info.Ready = m.Ready()
			info.NGauss = m.NGauss()
		}
		out = append(out, info)
	}
	return out, nil
}

// Recognize normalizes curves and returns the best matching symbol of abc.
// A gesture without points is invalid input.
func (s *Service) Recognize(ctx context.Context, abc string, curves [][]drawing.Point) (Recognition, error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "recognizer.Recognize", attribute.String("alphabet", abc))
	var err error
	defer func() { tracing.End(span, err) }()

	entry, matches, hit, err := s.scores(ctx, abc, curves)
	if err != nil {
		s.countRecognition(abc, "error")
		return Recognition{}, err
	}

	rec := Recognition{Alphabet: entry.ID(), Score: model.FailScore, CacheHit: hit}
	if len(matches) > 0 {
		top := matches[0]
		rec.Score = top.Score
		if model.Score(top.Score).Accepted() {
			rec.Symbol = top.Symbol
			rec.Matched = true
		}
	}
	rec.Rating = model.Score(rec.Score).Rating()
	span.SetAttributes(attribute.String("symbol", rec.Symbol), attribute.Float64("score", rec.Score))

	s.observeRecognition(ctx, rec, curves, start)
	return rec, nil
}

// Scores returns the symbols of abc with a positive score for curves, best
// first, cut to the top n when n is positive.
func (s *Service) Scores(ctx context.Context, abc string, curves [][]drawing.Point, n int) ([]Match, error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "recognizer.Scores", attribute.String("alphabet", abc))
	var err error
	defer func() { tracing.End(span, err) }()

	entry, matches, hit, err := s.scores(ctx, abc, curves)
	if err != nil {
		s.countRecognition(abc, "error")
		return nil, err
	}
	out := make([]Match, 0, len(matches))
	for _, m := range matches {
		if m.Score > 0 {
			out = append(out, m)
		}
	}
	if n > 0 && len(out) > n {
		out = out[:n]
	}

	rec := Recognition{Alphabet: entry.ID(), Score: model.FailScore, CacheHit: hit}
	if len(out) > 0 {
		rec.Score = out[0].Score
		rec.Matched = model.Score(out[0].Score).Accepted()
		if rec.Matched {
			rec.Symbol = out[0].Symbol
		}
	}
	s.observeRecognition(ctx, rec, curves, start)
	return out, nil
}

// scores returns every symbol of abc with its score for curves, best first.
func (s *Service) scores(ctx context.Context, abc string, curves [][]drawing.Point) (catalog.Entry, []Match, bool, error) {
	if err := ctx.Err(); err != nil {
		return catalog.Entry{}, nil, false, err
	}
	if countPoints(curves) == 0 {
		return catalog.Entry{}, nil, false, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "drawing has no points")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, err := s.catalog.Lookup(abc)
	if err != nil {
		return catalog.Entry{}, nil, false, err
	}

	compute := func() ([]Match, error) {
		d := drawing.New(curves, drawing.WithPointsRange(s.cfg.PointsRange))
		d.Normalize()
		scored := entry.Alphabet.Scores(d)
		out := make([]Match, len(scored))
		for i, sc := range scored {
			out[i] = Match{Symbol: sc.Symbol.Name, Score: float64(sc.Score)}
		}
		return out, nil
	}
	if s.cache == nil {
		matches, err := compute()
		return entry, matches, false, err
	}

	raw, hit, err := s.cache.GetOrCompute(ctx, entry.ID(), curves, func() ([]byte, error) {
		matches, err := compute()
		if err != nil {
			return nil, err
		}
		return json.Marshal(matches)
	})
	if err != nil {
		return entry, nil, false, err
	}
	var matches []Match
	if err := json.Unmarshal(raw, &matches); err != nil {
		s.logger.Warn("discarding undecodable cached scores", "alphabet", entry.ID(), "error", err)
		matches, err = compute()
		return entry, matches, false, err
	}
	return entry, matches, hit, nil
}

// Train fits and saves the model of one symbol. nGauss overrides the
// configured component count when positive.
func (s *Service) Train(ctx context.Context, abc, symbolID string, nGauss int) (TrainResult, error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "recognizer.Train",
		attribute.String("alphabet", abc), attribute.String("symbol", symbolID))
	var err error
	defer func() { tracing.End(span, err) }()

	if err = ctx.Err(); err != nil {
		return TrainResult{}, err
	}
	if nGauss < 0 {
		err = apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "n_gauss must not be negative, got %d", nGauss)
		return TrainResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.catalog.Lookup(abc)
	if err != nil {
		return TrainResult{}, err
	}
	sym, err := entry.Alphabet.TrainSymbol(symbolID, nGauss)
	name := symbolID
	if sym != nil {
		name = sym.Name
	}
	s.observeTraining(entry.ID(), name, nGauss, start, err)
	if err != nil {
		return TrainResult{}, err
	}
	s.invalidate(ctx, entry.ID())

	m := sym.Model()
	result := TrainResult{
		Alphabet:   entry.ID(),
		Symbol:     sym.Name,
		NGauss:     m.NGauss(),
		ScoreAvg:   m.ScoreAvg(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	logger.FromContext(ctx).Info("symbol trained",
		"alphabet", result.Alphabet,
		"symbol", result.Symbol,
		"n_gauss", result.NGauss,
		"score_avg", result.ScoreAvg,
		"duration_ms", result.DurationMs,
	)
	return result, nil
}

// TrainAlphabet trains every symbol of abc lacking a ready model, or all of
// them when all is set.
func (s *Service) TrainAlphabet(ctx context.Context, abc string, all bool) (alphabet.TrainSummary, error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "recognizer.TrainAlphabet", attribute.String("alphabet", abc))
	var err error
	defer func() { tracing.End(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.catalog.Lookup(abc)
	if err != nil {
		return alphabet.TrainSummary{}, err
	}
	summary, err := entry.Alphabet.TrainModels(ctx, all, s.cfg.TrainWorkers)
	if len(summary.Trained) > 0 {
		s.invalidate(ctx, entry.ID())
	}
	if s.metrics != nil {
		s.metrics.TrainingsTotal.WithLabelValues("trained").Add(float64(len(summary.Trained)))
		s.metrics.TrainingsTotal.WithLabelValues("failed").Add(float64(len(summary.Failed)))
	}
	logger.FromContext(ctx).Info("alphabet trained",
		"alphabet", entry.ID(),
		"trained", len(summary.Trained),
		"failed", len(summary.Failed),
		"kept", len(summary.Kept),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return summary, err
}

// Check audits abc for confusable symbols and stores the report when an
// audit store is configured.
func (s *Service) Check(ctx context.Context, abc string) (alphabet.Report, error) {
	ctx, span := tracing.Start(ctx, "recognizer.Check", attribute.String("alphabet", abc))
	var err error
	defer func() { tracing.End(span, err) }()

	if err = ctx.Err(); err != nil {
		return alphabet.Report{}, err
	}
	s.mu.Lock()
	entry, err := s.catalog.Lookup(abc)
	if err != nil {
		s.mu.Unlock()
		return alphabet.Report{}, err
	}
	report, err := entry.Alphabet.Check()
	s.mu.Unlock()
	if err != nil {
		return alphabet.Report{}, err
	}

	errs, warns := report.Count(alphabet.Error), report.Count(alphabet.Warn)
	if s.metrics != nil {
		s.metrics.AuditFindings.WithLabelValues(entry.ID(), alphabet.Error.String()).Set(float64(errs))
		s.metrics.AuditFindings.WithLabelValues(entry.ID(), alphabet.Warn.String()).Set(float64(warns))
	}
	if s.tracker != nil {
		s.tracker.Track(events.CheckEvent{
			Type:      events.EventCheck,
			Alphabet:  entry.ID(),
			Errors:    errs,
			Warnings:  warns,
			Timestamp: time.Now().UTC(),
		})
	}
	if s.audits != nil {
		if _, serr := s.audits.Save(ctx, entry.ID(), report); serr != nil {
			logger.FromContext(ctx).Warn("check report not stored", "alphabet", entry.ID(), "error", serr)
		}
	}
	logger.FromContext(ctx).Info("alphabet checked", "alphabet", entry.ID(), "errors", errs, "warnings", warns)
	return report, nil
}

// Audits returns stored check reports of abc, newest first.
func (s *Service) Audits(ctx context.Context, abc string, limit int) ([]audit.Record, error) {
	if s.audits == nil {
		return nil, apperrors.New(apperrors.ErrInvalidInput, http.StatusNotFound, "audit storage is disabled")
	}
	s.mu.RLock()
	entry, err := s.catalog.Lookup(abc)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return s.audits.List(ctx, entry.ID(), limit)
}

// Preview returns the display form of a symbol model.
func (s *Service) Preview(ctx context.Context, abc, symbolID string) (model.Preview, error) {
	if err := ctx.Err(); err != nil {
		return model.Preview{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.catalog.Lookup(abc)
	if err != nil {
		return model.Preview{}, err
	}
	return entry.Alphabet.ModelPreview(symbolID)
}

// Export archives abc into outDir and returns the archive path.
func (s *Service) Export(ctx context.Context, abc, outDir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, err := s.catalog.Lookup(abc)
	if err != nil {
		return "", err
	}
	return entry.Alphabet.Export(outDir)
}

// Drawings returns the loaded drawings of one symbol.
func (s *Service) Drawings(ctx context.Context, abc, symbolID string) ([]*drawing.Drawing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.catalog.Lookup(abc)
	if err != nil {
		return nil, err
	}
	if err := entry.Alphabet.EnsureSymbols(); err != nil {
		return nil, err
	}
	sym := entry.Alphabet.Symbol(symbolID)
	if sym == nil {
		return nil, fmt.Errorf("%w: %s in %s", apperrors.ErrSymbolNotFound, symbolID, entry.Alphabet.Name)
	}
	if err := sym.EnsureDrawings(); err != nil {
		return nil, err
	}
	for _, d := range sym.Drawings() {
		if err := d.EnsureLoaded(); err != nil {
			return nil, err
		}
	}
	return sym.Drawings(), nil
}

// FlipY mirrors every stored drawing of abc vertically and saves it. It
// returns the number of drawings rewritten. Models are not retrained.
func (s *Service) FlipY(ctx context.Context, abc string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.catalog.Lookup(abc)
	if err != nil {
		return 0, err
	}
	if err := entry.Alphabet.EnsureDrawings(); err != nil {
		return 0, err
	}
	n := 0
	for _, sym := range entry.Alphabet.Symbols() {
		for _, d := range sym.Drawings() {
			if err := ctx.Err(); err != nil {
				return n, err
			}
			if err := d.EnsureLoaded(); err != nil {
				return n, err
			}
			d.FlipYAxis()
			if err := d.Save(); err != nil {
				return n, apperrors.Storage(d.Path(), err)
			}
			n++
		}
	}
	logger.FromContext(ctx).Info("drawings flipped", "alphabet", entry.ID(), "drawings", n)
	return n, nil
}

func (s *Service) invalidate(ctx context.Context, alphabetID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, alphabetID); err != nil {
		logger.FromContext(ctx).Warn("score cache not invalidated", "alphabet", alphabetID, "error", err)
	}
}

func (s *Service) countRecognition(abc, outcome string) {
	if s.metrics != nil {
		s.metrics.RecognitionsTotal.WithLabelValues(abc, outcome).Inc()
	}
}

func (s *Service) observeRecognition(ctx context.Context, rec Recognition, curves [][]drawing.Point, start time.Time) {
	elapsed := time.Since(start)
	outcome := "no_match"
	if rec.Matched {
		outcome = "match"
	}
	if s.metrics != nil {
		cacheStatus := "miss"
		if rec.CacheHit {
			cacheStatus = "hit"
		}
		s.metrics.RecognitionsTotal.WithLabelValues(rec.Alphabet, outcome).Inc()
		s.metrics.RecognitionLatency.WithLabelValues(cacheStatus).Observe(elapsed.Seconds())
		s.metrics.RecognitionScore.WithLabelValues(rec.Alphabet).Observe(rec.Score)
	}
	if s.tracker != nil {
		s.tracker.Track(events.RecognitionEvent{
			Type:      events.EventRecognize,
			Alphabet:  rec.Alphabet,
			Symbol:    rec.Symbol,
			Score:     rec.Score,
			Matched:   rec.Matched,
			Points:    countPoints(curves),
			LatencyMs: elapsed.Milliseconds(),
			CacheHit:  rec.CacheHit,
			Source:    SourceFromContext(ctx),
			Timestamp: time.Now().UTC(),
			RequestID: logger.RequestID(ctx),
		})
	}
	logger.FromContext(ctx).Debug("recognized",
		"alphabet", rec.Alphabet,
		"symbol", rec.Symbol,
		"score", rec.Score,
		"cache_hit", rec.CacheHit,
		"latency_ms", elapsed.Milliseconds(),
	)
}

func (s *Service) observeTraining(alphabetID, symbolName string, nGauss int, start time.Time, err error) {
	elapsed := time.Since(start)
	if s.metrics != nil {
		status := "trained"
		if err != nil {
			status = "failed"
		}
		s.metrics.TrainingsTotal.WithLabelValues(status).Inc()
		s.metrics.TrainingDuration.Observe(elapsed.Seconds())
	}
	if s.tracker != nil {
		ev := events.TrainEvent{
			Type:       events.EventTrain,
			Alphabet:   alphabetID,
			Symbol:     symbolName,
			NGauss:     nGauss,
			Success:    err == nil,
			DurationMs: elapsed.Milliseconds(),
			Timestamp:  time.Now().UTC(),
		}
		if err != nil {
			ev.Error = err.Error()
		}
		s.tracker.Track(ev)
	}
}

func countPoints(curves [][]drawing.Point) int {
	n := 0
	for _, c := range curves {
		n += len(c)
	}
	return n
}

type sourceKey struct{}

// WithSource tags ctx with the boundary a request came through.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFromContext returns the tag set by WithSource, or "".
func SourceFromContext(ctx context.Context) string {
	src, _ := ctx.Value(sourceKey{}).(string)
	return src
}
