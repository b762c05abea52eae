// Package symbol holds a named shape category together with its training
// drawings and its trained model, laid out on disk as
//
//	<dir>/texno_symbol.json
//	<dir>/drawings/*.csv
//	<dir>/model/texno_model.json
//	<dir>/image.png or image.svg (optional reference image)
package symbol

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/texnomagic/texnomagic/internal/drawing"
	"github.com/texnomagic/texnomagic/internal/model"
	apperrors "github.com/texnomagic/texnomagic/pkg/errors"
)

const (
	InfoFile    = "texno_symbol.json"
	DrawingsDir = "drawings"
	ModelDir    = "model"
)

var imageFiles = []string{"image.png", "image.svg"}

var whitespace = regexp.MustCompile(`\s+`)

// NameToHandle turns a display name into a file-system friendly handle:
// lowercase with whitespace runs replaced by "-".
func NameToHandle(name string) string {
	return whitespace.ReplaceAllString(strings.ToLower(name), "-")
}

// Option configures a Symbol.
type Option func(*Symbol)

// WithModelOptions passes options to the symbol model when it is created.
func WithModelOptions(opts ...model.Option) Option {
	return func(s *Symbol) {
		s.modelOpts = append(s.modelOpts, opts...)
	}
}

// WithPointsRange sets the normalization range of loaded drawings.
func WithPointsRange(r float64) Option {
	return func(s *Symbol) {
		s.pointsRange = r
	}
}

// WithClock overrides the clock used to name new drawings.
func WithClock(now func() time.Time) Option {
	return func(s *Symbol) {
		s.now = now
	}
}

// Symbol is a shape category. Drawings and the model are loaded on demand
// through EnsureDrawings and EnsureModel. A Symbol is not safe for
// concurrent mutation.
type Symbol struct {
	Name    string
	Meaning string

	dir            string
	drawings       []*drawing.Drawing
	drawingsLoaded bool
	model          *model.SymbolModel
	modelOpts      []model.Option
	pointsRange    float64
	now            func() time.Time
}

// New returns an in-memory symbol rooted at dir. An empty meaning defaults
// to the lowercased name.
func New(dir, name, meaning string, opts ...Option) *Symbol {
	s := &Symbol{
		Name:        name,
		Meaning:     meaning,
		dir:         dir,
		pointsRange: drawing.DefaultPointsRange,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.Meaning == "" {
		s.Meaning = strings.ToLower(name)
	}
	return s
}

type info struct {
	Name    string `json:"name"`
	Meaning string `json:"meaning,omitempty"`
}

// Load reads the symbol info from dir. The name defaults to the directory
// name. Drawings and model are not loaded.
func Load(dir string, opts ...Option) (*Symbol, error) {
	path := filepath.Join(dir, InfoFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: no %s in %s", apperrors.ErrSymbolNotFound, InfoFile, dir)
	}
	if err != nil {
		return nil, apperrors.Storage(path, err)
	}
	var in info
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, apperrors.Storage(path, err)
	}
	name := in.Name
	if name == "" {
		name = filepath.Base(dir)
	}
	return New(dir, name, in.Meaning, opts...), nil
}

// Save writes the symbol info, creating the directory. Name is required.
func (s *Symbol) Save() error {
	if s.Name == "" {
		return fmt.Errorf("%w: symbol name is required", apperrors.ErrInvalidInput)
	}
	if s.dir == "" {
		return fmt.Errorf("%w: symbol %s has no directory", apperrors.ErrInvalidInput, s.Name)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return apperrors.Storage(s.dir, err)
	}
	data, err := json.Marshal(info{Name: s.Name, Meaning: s.Meaning})
	if err != nil {
		return fmt.Errorf("encoding symbol info: %w", err)
	}
	if err := os.WriteFile(s.InfoPath(), data, 0o644); err != nil {
		return apperrors.Storage(s.InfoPath(), err)
	}
	return nil
}

func (s *Symbol) Dir() string { return s.dir }

// SetDir moves the symbol to dir. The model directory follows.
func (s *Symbol) SetDir(dir string) {
	s.dir = dir
	if s.model != nil {
		s.model.SetDir(s.ModelDir())
	}
}

func (s *Symbol) InfoPath() string     { return filepath.Join(s.dir, InfoFile) }
func (s *Symbol) DrawingsDir() string  { return filepath.Join(s.dir, DrawingsDir) }
func (s *Symbol) ModelDir() string     { return filepath.Join(s.dir, ModelDir) }
func (s *Symbol) Handle() string       { return NameToHandle(s.Name) }
func (s *Symbol) DrawingsLoaded() bool { return s.drawingsLoaded }

// EnsureDrawings loads every drawing under the drawings directory, newest
// first, on first use. A missing directory means no drawings.
func (s *Symbol) EnsureDrawings() error {
	if s.drawingsLoaded {
		return nil
	}
	return s.ReloadDrawings()
}

// ReloadDrawings re-reads all drawings from disk.
func (s *Symbol) ReloadDrawings() error {
	entries, err := os.ReadDir(s.DrawingsDir())
	if err != nil && !os.IsNotExist(err) {
		return apperrors.Storage(s.DrawingsDir(), err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".csv" {
			continue
		}
		names = append(names, e.Name())
	}
	// file names end in a creation timestamp
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	drawings := make([]*drawing.Drawing, 0, len(names))
	for _, name := range names {
		d := drawing.Open(filepath.Join(s.DrawingsDir(), name), drawing.WithPointsRange(s.pointsRange))
		if err := d.EnsureLoaded(); err != nil {
			return apperrors.Storage(d.Path(), err)
		}
		drawings = append(drawings, d)
	}
	s.drawings = drawings
	s.drawingsLoaded = true
	return nil
}

// Drawings returns the loaded drawings, newest first, or nil before
// EnsureDrawings.
func (s *Symbol) Drawings() []*drawing.Drawing {
	return s.drawings
}

// SaveNewDrawing stores d under the drawings directory as
// <handle>_<unix millis>.csv and puts it first in the drawing list.
func (s *Symbol) SaveNewDrawing(d *drawing.Drawing) error {
	if d == nil {
		return fmt.Errorf("%w: no drawing", apperrors.ErrInvalidInput)
	}
	if err := s.EnsureDrawings(); err != nil {
		return err
	}
	millis := s.now().UnixMilli()
	var path string
	for {
		path = filepath.Join(s.DrawingsDir(), s.Handle()+"_"+strconv.FormatInt(millis, 10)+".csv")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		millis++
	}
	d.SetPath(path)
	if err := d.Save(); err != nil {
		return apperrors.Storage(path, err)
	}
	s.drawings = append([]*drawing.Drawing{d}, s.drawings...)
	return nil
}

// AllDrawingPoints returns the points of every drawing pooled together.
func (s *Symbol) AllDrawingPoints() ([]drawing.Point, error) {
	if err := s.EnsureDrawings(); err != nil {
		return nil, err
	}
	var points []drawing.Point
	for _, d := range s.drawings {
		points = append(points, d.Points()...)
	}
	return points, nil
}

// RandomDrawing picks a drawing uniformly, or returns nil when there are
// none.
func (s *Symbol) RandomDrawing(rng *rand.Rand) (*drawing.Drawing, error) {
	if err := s.EnsureDrawings(); err != nil {
		return nil, err
	}
	if len(s.drawings) == 0 {
		return nil, nil
	}
	return s.drawings[rng.IntN(len(s.drawings))], nil
}

// EnsureModel loads the model on first use. A symbol without a persisted
// model gets an unready one.
func (s *Symbol) EnsureModel() (*model.SymbolModel, error) {
	if s.model != nil {
		return s.model, nil
	}
	m := model.New(s.ModelDir(), s.modelOpts...)
	if _, err := m.Load(); err != nil {
		return nil, err
	}
	s.model = m
	return m, nil
}

// Model returns the model, or nil before EnsureModel or TrainModel.
func (s *Symbol) Model() *model.SymbolModel {
	return s.model
}

// TrainModel fits the model to the symbol's drawings. nGauss overrides the
// component count when positive. The trained model is not saved.
func (s *Symbol) TrainModel(nGauss int) error {
	if err := s.EnsureDrawings(); err != nil {
		return err
	}
	if s.model == nil {
		s.model = model.New(s.ModelDir(), s.modelOpts...)
	}
	if nGauss <= 0 {
		nGauss = s.model.NGauss()
	}
	if err := s.model.TrainN(s.drawings, nGauss); err != nil {
		return fmt.Errorf("training %s: %w", s.Name, err)
	}
	return nil
}

// Score rates d against the symbol's model. Symbols without a ready model
// score model.FailScore.
func (s *Symbol) Score(d *drawing.Drawing) model.Score {
	if s.model == nil {
		return model.FailScore
	}
	return s.model.Score(d)
}

// HasImage reports whether a reference image exists.
func (s *Symbol) HasImage() bool {
	for _, name := range imageFiles {
		if _, err := os.Stat(filepath.Join(s.dir, name)); err == nil {
			return true
		}
	}
	return false
}

// Stats returns a one-line summary. The full form includes drawing count and
// location and requires loaded drawings.
func (s *Symbol) Stats(full bool) string {
	if full {
		return fmt.Sprintf("%s (%s): %d drawings @ %s", s.Name, s.Meaning, len(s.drawings), s.dir)
	}
	return fmt.Sprintf("%s (%s)", s.Name, s.Meaning)
}

func (s *Symbol) String() string {
	return "<Symbol " + s.Stats(false) + ">"
}
