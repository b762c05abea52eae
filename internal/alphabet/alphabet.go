// Package alphabet groups symbols into a recognizable set. It ranks a
// drawing against every symbol model, picks the recognized symbol and audits
// the set for confusable symbols.
package alphabet

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"

	"github.com/texnomagic/texnomagic/internal/drawing"
	"github.com/texnomagic/texnomagic/internal/model"
	"github.com/texnomagic/texnomagic/internal/symbol"
	apperrors "github.com/texnomagic/texnomagic/pkg/errors"
)

const (
	InfoFile   = "texno_alphabet.json"
	SymbolsDir = "symbols"
)

// Alphabet is a named set of symbols stored under one directory. Symbols
// are discovered by EnsureSymbols; their models by Preload.
type Alphabet struct {
	Name string

	dir           string
	symbols       []*symbol.Symbol
	symbolsLoaded bool
	symbolOpts    []symbol.Option
}

// Option configures an Alphabet.
type Option func(*Alphabet)

// WithSymbolOptions passes options to every symbol the alphabet loads.
func WithSymbolOptions(opts ...symbol.Option) Option {
	return func(a *Alphabet) {
		a.symbolOpts = append(a.symbolOpts, opts...)
	}
}

// New returns an in-memory alphabet rooted at dir.
func New(dir, name string, opts ...Option) *Alphabet {
	a := &Alphabet{Name: name, dir: dir}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type info struct {
	Name string `json:"name"`
}

// Load reads the alphabet info from dir. The name defaults to the directory
// name.
func Load(dir string, opts ...Option) (*Alphabet, error) {
	path := filepath.Join(dir, InfoFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: no %s in %s", apperrors.ErrAlphabetNotFound, InfoFile, dir)
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
	return New(dir, name, opts...), nil
}

// Save writes the alphabet info, creating the directory.
func (a *Alphabet) Save() error {
	if a.Name == "" {
		return fmt.Errorf("%w: alphabet name is required", apperrors.ErrInvalidInput)
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return apperrors.Storage(a.dir, err)
	}
	data, err := json.Marshal(info{Name: a.Name})
	if err != nil {
		return fmt.Errorf("encoding alphabet info: %w", err)
	}
	if err := os.WriteFile(a.InfoPath(), data, 0o644); err != nil {
		return apperrors.Storage(a.InfoPath(), err)
	}
	return nil
}

func (a *Alphabet) Dir() string               { return a.dir }
func (a *Alphabet) SetDir(dir string)         { a.dir = dir }
func (a *Alphabet) InfoPath() string          { return filepath.Join(a.dir, InfoFile) }
func (a *Alphabet) SymbolsDir() string        { return filepath.Join(a.dir, SymbolsDir) }
func (a *Alphabet) Handle() string            { return symbol.NameToHandle(a.Name) }
func (a *Alphabet) SymbolsLoaded() bool       { return a.symbolsLoaded }
func (a *Alphabet) Symbols() []*symbol.Symbol { return a.symbols }

// EnsureSymbols discovers symbols on first use and orders them with
// SortSymbols.
func (a *Alphabet) EnsureSymbols() error {
	if a.symbolsLoaded {
		return nil
	}
	return a.ReloadSymbols()
}

// ReloadSymbols rediscovers symbols from disk, dropping loaded drawings and
// models.
func (a *Alphabet) ReloadSymbols() error {
	paths, err := filepath.Glob(filepath.Join(a.SymbolsDir(), "*", symbol.InfoFile))
	if err != nil {
		return fmt.Errorf("listing symbols: %w", err)
	}
	sort.Strings(paths)
	symbols := make([]*symbol.Symbol, 0, len(paths))
	for _, p := range paths {
		s, err := symbol.Load(filepath.Dir(p), a.symbolOpts...)
		if err != nil {
			return err
		}
		symbols = append(symbols, s)
	}
	a.symbols = SortSymbols(symbols)
	a.symbolsLoaded = true
	return nil
}

// Preload discovers symbols and loads every symbol model so the alphabet
// can score without touching storage.
func (a *Alphabet) Preload() error {
	if err := a.EnsureSymbols(); err != nil {
		return err
	}
	for _, s := range a.symbols {
		if _, err := s.EnsureModel(); err != nil {
			return fmt.Errorf("loading model of %s: %w", s.Name, err)
		}
	}
	return nil
}

// EnsureDrawings loads the drawings of every symbol.
func (a *Alphabet) EnsureDrawings() error {
	if err := a.EnsureSymbols(); err != nil {
		return err
	}
	for _, s := range a.symbols {
		if err := s.EnsureDrawings(); err != nil {
			return fmt.Errorf("loading drawings of %s: %w", s.Name, err)
		}
	}
	return nil
}

// Symbol finds a loaded symbol by name, meaning or handle, or returns nil.
func (a *Alphabet) Symbol(id string) *symbol.Symbol {
	for _, s := range a.symbols {
		if s.Name == id || s.Meaning == id || s.Handle() == id {
			return s
		}
	}
	return nil
}

// SaveNewSymbol stores s under the symbols directory as its handle and puts
// it first in the symbol list.
func (a *Alphabet) SaveNewSymbol(s *symbol.Symbol) error {
	if s == nil || s.Name == "" {
		return fmt.Errorf("%w: symbol name is required", apperrors.ErrInvalidInput)
	}
	if err := a.EnsureSymbols(); err != nil {
		return err
	}
	s.SetDir(filepath.Join(a.SymbolsDir(), s.Handle()))
	if err := s.Save(); err != nil {
		return err
	}
	a.symbols = append([]*symbol.Symbol{s}, a.symbols...)
	return nil
}

// RandomSymbol picks a loaded symbol other than exclude uniformly, or nil.
func (a *Alphabet) RandomSymbol(rng *rand.Rand, exclude *symbol.Symbol) *symbol.Symbol {
	candidates := make([]*symbol.Symbol, 0, len(a.symbols))
	for _, s := range a.symbols {
		if s != exclude {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rng.IntN(len(candidates))]
}

// SymbolScore pairs a symbol with the score of a drawing against its model.
type SymbolScore struct {
	Symbol *symbol.Symbol
	Score  model.Score
}

// Order selects the score sort direction.
type Order int

const (
	Descending Order = iota
	Ascending
)

// Scores rates d against every symbol, best first. Symbols whose model is
// not loaded or not ready get model.FailScore. d must be normalized; models
// should be loaded with Preload first.
func (a *Alphabet) Scores(d *drawing.Drawing) []SymbolScore {
	return a.ScoresOrdered(d, Descending)
}

// ScoresOrdered is Scores with an explicit direction. Ties keep symbol
// order.
func (a *Alphabet) ScoresOrdered(d *drawing.Drawing, order Order) []SymbolScore {
	out := make([]SymbolScore, len(a.symbols))
	for i, s := range a.symbols {
		out[i] = SymbolScore{Symbol: s, Score: s.Score(d)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if order == Ascending {
			return out[i].Score < out[j].Score
		}
		return out[i].Score > out[j].Score
	})
	return out
}

// Recognition is the outcome of Recognize. Symbol is nil when nothing was
// recognized; Score is then the best score seen, or model.FailScore for an
// empty alphabet.
type Recognition struct {
	Symbol *symbol.Symbol
	Score  model.Score
}

// Matched reports whether a symbol was recognized.
func (r Recognition) Matched() bool { return r.Symbol != nil }

// Recognize returns the best scoring symbol when its score reaches
// model.MinScore.
func (a *Alphabet) Recognize(d *drawing.Drawing) Recognition {
	scores := a.Scores(d)
	if len(scores) == 0 {
		return Recognition{Score: model.FailScore}
	}
	top := scores[0]
	if !top.Score.Accepted() {
		return Recognition{Score: top.Score}
	}
	return Recognition{Symbol: top.Symbol, Score: top.Score}
}

// Stats returns a one-line summary.
func (a *Alphabet) Stats() string {
	return fmt.Sprintf("%s: %d symbols @ %s", a.Name, len(a.symbols), a.dir)
}

func (a *Alphabet) String() string {
	return fmt.Sprintf("<Alphabet: %s: %d symbols>", a.Name, len(a.symbols))
}
