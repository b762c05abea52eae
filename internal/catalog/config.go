package catalog

import (
	"github.com/texnomagic/texnomagic/internal/alphabet"
	"github.com/texnomagic/texnomagic/internal/model"
	"github.com/texnomagic/texnomagic/internal/symbol"
	"github.com/texnomagic/texnomagic/pkg/config"
)

// FromConfig builds an unloaded catalog over the configured sources whose
// symbols use the configured model parameters.
func FromConfig(storage config.StorageConfig, m config.ModelConfig) *Catalog {
	sources := make([]Source, len(storage.Sources))
	for i, s := range storage.Sources {
		sources[i] = Source{Tag: s.Tag, Dir: s.Dir}
	}
	fit := model.FitOptions{MaxIter: m.MaxIter, Tol: m.Tolerance, Seed: m.Seed}
	symOpts := []symbol.Option{
		symbol.WithModelOptions(model.WithNGauss(m.NGauss), model.WithFitOptions(fit)),
	}
	if m.PointsRange > 0 {
		symOpts = append(symOpts, symbol.WithPointsRange(m.PointsRange))
	}
	return New(sources, alphabet.WithSymbolOptions(symOpts...))
}
