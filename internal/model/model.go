// Package model implements the per-symbol shape model: a Gaussian mixture
// fitted to the pooled points of a symbol's drawings, plus the calibration
// statistics used to turn a log-likelihood into a comparable score.
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/texnomagic/texnomagic/internal/drawing"
	apperrors "github.com/texnomagic/texnomagic/pkg/errors"
)

const (
	// InfoFile is the persisted model file inside the model directory.
	InfoFile = "texno_model.json"
	// ModelType tags persisted models.
	ModelType = "gmm"
	// DefaultNGauss is the default mixture component count.
	DefaultNGauss = 10

	minLabelK = 0.3
)

// FitOptions tune mixture fitting.
type FitOptions struct {
	MaxIter  int
	Tol      float64
	RegCovar float64
	Seed     uint64
}

// DefaultFitOptions returns the fitting parameters used when none are given.
func DefaultFitOptions() FitOptions {
	return FitOptions{
		MaxIter:  defaultMaxIter,
		Tol:      defaultTol,
		RegCovar: defaultRegCovar,
		Seed:     1,
	}
}

// Option configures a SymbolModel.
type Option func(*SymbolModel)

// WithNGauss sets the component count.
func WithNGauss(n int) Option {
	return func(m *SymbolModel) {
		if n > 0 {
			m.nGauss = n
		}
	}
}

// WithFitOptions overrides the fitting parameters. Zero fields keep their
// defaults.
func WithFitOptions(o FitOptions) Option {
	return func(m *SymbolModel) {
		if o.MaxIter > 0 {
			m.fit.MaxIter = o.MaxIter
		}
		if o.Tol > 0 {
			m.fit.Tol = o.Tol
		}
		if o.RegCovar > 0 {
			m.fit.RegCovar = o.RegCovar
		}
		if o.Seed != 0 {
			m.fit.Seed = o.Seed
		}
	}
}

// SymbolModel is the trained shape model of one symbol. It is ready only
// after a successful Train or Load; scoring an unready model yields
// FailScore.
//
// A ready model is safe for concurrent Score calls. Train and Load must not
// run concurrently with anything else on the same model.
type SymbolModel struct {
	dir       string
	fit       FitOptions
	nGauss    int
	baseGauss int
	ready     bool
	gmm       *GaussianMixture
	scoreAvg  float64
	labelsAvg []float64
}

// New returns an untrained model stored under dir. dir may be empty for
// in-memory models.
func New(dir string, opts ...Option) *SymbolModel {
	m := &SymbolModel{dir: dir, fit: DefaultFitOptions(), nGauss: DefaultNGauss}
	for _, opt := range opts {
		opt(m)
	}
	m.baseGauss = m.nGauss
	return m
}

// Dir returns the model directory.
func (m *SymbolModel) Dir() string { return m.dir }

// SetDir changes the model directory used by Save and Load.
func (m *SymbolModel) SetDir(dir string) { m.dir = dir }

// InfoPath returns the persisted model file path, or "" without a directory.
func (m *SymbolModel) InfoPath() string {
	if m.dir == "" {
		return ""
	}
	return filepath.Join(m.dir, InfoFile)
}

// Ready reports whether the model can score.
func (m *SymbolModel) Ready() bool { return m.ready }

// NGauss returns the component count.
func (m *SymbolModel) NGauss() int { return m.nGauss }

// ScoreAvg returns the mean training log-likelihood per drawing.
func (m *SymbolModel) ScoreAvg() float64 { return m.scoreAvg }

// LabelsAvg returns a copy of the average component assignment distribution.
func (m *SymbolModel) LabelsAvg() []float64 {
	return append([]float64(nil), m.labelsAvg...)
}

// Mixture returns the fitted mixture, or nil.
func (m *SymbolModel) Mixture() *GaussianMixture { return m.gmm }

// Train fits the model to the pooled points of drawings, which must be
// loaded, using the current component count.
func (m *SymbolModel) Train(drawings []*drawing.Drawing) error {
	return m.TrainN(drawings, m.nGauss)
}

// TrainN is Train with n mixture components. It fails with
// ErrInsufficientData when there are fewer than 2*n points. The component
// count changes only when training succeeds; on failure the previous state
// is kept untouched.
func (m *SymbolModel) TrainN(drawings []*drawing.Drawing, n int) error {
	if n < 1 {
		return fmt.Errorf("%w: n_gauss must be positive, got %d", apperrors.ErrInvalidInput, n)
	}
	var points []drawing.Point
	for _, d := range drawings {
		points = append(points, d.Points()...)
	}
	if len(points) < 2*n {
		return fmt.Errorf("%w: %d points, need at least %d", apperrors.ErrInsufficientData, len(points), 2*n)
	}

	gmm := NewGaussianMixture(n)
	gmm.MaxIter = m.fit.MaxIter
	gmm.Tol = m.fit.Tol
	gmm.RegCovar = m.fit.RegCovar
	gmm.Seed = m.fit.Seed
	if err := gmm.Fit(points); err != nil {
		return fmt.Errorf("fitting mixture: %w", err)
	}

	var scoreSum float64
	labelSums := make([]float64, n)
	counted := 0
	for _, d := range drawings {
		// empty drawings carry no likelihood
		if d.NumPoints() == 0 {
			continue
		}
		scoreSum += gmm.Score(d.Points())
		for i, v := range labelHistogram(gmm.Predict(d.Points()), n) {
			labelSums[i] += v
		}
		counted++
	}
	var total float64
	for _, v := range labelSums {
		total += v
	}
	for i := range labelSums {
		labelSums[i] /= total
	}

	m.gmm = gmm
	m.nGauss = n
	m.scoreAvg = scoreSum / float64(counted)
	m.labelsAvg = labelSums
	m.ready = true
	return nil
}

// Score rates how well d matches the model. d must be normalized and
// loaded. Unready models and empty drawings yield FailScore.
//
// The value is (ScoreAvg / logScore) * max(1 - L1(labels, LabelsAvg), 0.3)
// where logScore is the mean point log-likelihood of d and labels its
// normalized component assignment histogram.
func (m *SymbolModel) Score(d *drawing.Drawing) Score {
	if !m.ready || d.NumPoints() == 0 {
		return FailScore
	}
	points := d.Points()
	logScore := m.gmm.Score(points)
	labels := labelHistogram(m.gmm.Predict(points), len(m.labelsAvg))

	var labelDiff float64
	for i, v := range labels {
		labelDiff += math.Abs(v - m.labelsAvg[i])
	}
	labelK := math.Max(1-labelDiff, minLabelK)
	return Score(m.scoreAvg / logScore * labelK)
}

func labelHistogram(labels []int, n int) []float64 {
	h := make([]float64, n)
	for _, l := range labels {
		h[l]++
	}
	total := float64(len(labels))
	for i := range h {
		h[i] /= total
	}
	return h
}

type modelInfo struct {
	ModelType string    `json:"model_type"`
	NGauss    int       `json:"n_gauss"`
	ScoreAvg  float64   `json:"score_avg"`
	LabelsAvg []float64 `json:"labels_avg"`
	Params    *Params   `json:"params"`
}

// Save persists the model as InfoFile in its directory.
func (m *SymbolModel) Save() error {
	if !m.ready {
		return apperrors.ErrModelNotReady
	}
	path := m.InfoPath()
	if path == "" {
		return fmt.Errorf("model has no directory to save to")
	}
	data, err := json.MarshalIndent(modelInfo{
		ModelType: ModelType,
		NGauss:    m.nGauss,
		ScoreAvg:  m.scoreAvg,
		LabelsAvg: m.labelsAvg,
		Params:    m.gmm.Params(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding model: %w", err)
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return apperrors.Storage(m.dir, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperrors.Storage(tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return apperrors.Storage(path, err)
	}
	return nil
}

// Load resets the model and restores it from InfoFile. A missing file
// leaves the model unready and returns false without error. A malformed
// file returns an ErrStorage error and leaves the model unready.
func (m *SymbolModel) Load() (bool, error) {
	m.reset()
	path := m.InfoPath()
	if path == "" {
		return false, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Storage(path, err)
	}

	var info modelInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return false, apperrors.Storage(path, err)
	}
	if info.ModelType != ModelType {
		return false, apperrors.Storage(path, fmt.Errorf("unsupported model type %q", info.ModelType))
	}
	if info.Params == nil {
		return false, apperrors.Storage(path, fmt.Errorf("missing params"))
	}
	if info.NGauss < 1 || len(info.LabelsAvg) != info.NGauss || len(info.Params.Weights) != info.NGauss {
		return false, apperrors.Storage(path, fmt.Errorf("inconsistent component count: n_gauss %d, %d labels, %d weights",
			info.NGauss, len(info.LabelsAvg), len(info.Params.Weights)))
	}
	gmm, err := FromParams(*info.Params)
	if err != nil {
		return false, apperrors.Storage(path, err)
	}

	m.nGauss = info.NGauss
	m.scoreAvg = info.ScoreAvg
	m.labelsAvg = info.LabelsAvg
	m.gmm = gmm
	m.ready = true
	return true, nil
}

func (m *SymbolModel) reset() {
	m.ready = false
	m.gmm = nil
	m.nGauss = m.baseGauss
	m.scoreAvg = 0
	m.labelsAvg = nil
}

func (m *SymbolModel) String() string {
	return fmt.Sprintf("<SymbolModel @ %s>", m.dir)
}
