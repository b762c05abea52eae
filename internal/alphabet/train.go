package alphabet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/texnomagic/texnomagic/internal/model"
	"github.com/texnomagic/texnomagic/internal/symbol"
	apperrors "github.com/texnomagic/texnomagic/pkg/errors"
)

// TrainSummary lists symbol names by training outcome.
type TrainSummary struct {
	Trained []string `json:"trained"`
	Failed  []string `json:"failed"`
	Kept    []string `json:"kept"`
}

// TrainModels trains symbol models from their drawings and saves every
// model that trained. Only symbols without a ready model are trained unless
// all is set. Symbols are trained on up to workers goroutines.
//
// A symbol that cannot be trained, for lack of points or because the fit
// is ill-conditioned, is listed as failed. Storage errors abort the run.
func (a *Alphabet) TrainModels(ctx context.Context, all bool, workers int) (TrainSummary, error) {
	if err := a.Preload(); err != nil {
		return TrainSummary{}, err
	}
	if workers < 1 {
		workers = 1
	}

	var (
		mu      sync.Mutex
		summary TrainSummary
	)
	record := func(list *[]string, name string) {
		mu.Lock()
		*list = append(*list, name)
		mu.Unlock()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, s := range a.symbols {
		if !all && s.Model().Ready() {
			record(&summary.Kept, s.Name)
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := trainSymbol(s); err != nil {
				if errors.Is(err, apperrors.ErrStorage) {
					return err
				}
				record(&summary.Failed, s.Name)
				return nil
			}
			record(&summary.Trained, s.Name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, fmt.Errorf("training %s: %w", a.Name, err)
	}

	sort.Strings(summary.Trained)
	sort.Strings(summary.Failed)
	sort.Strings(summary.Kept)
	return summary, nil
}

func trainSymbol(s *symbol.Symbol) error {
	if err := s.TrainModel(0); err != nil {
		return err
	}
	return s.Model().Save()
}

// TrainSymbol trains and saves the model of one symbol. nGauss overrides
// the component count when positive.
func (a *Alphabet) TrainSymbol(id string, nGauss int) (*symbol.Symbol, error) {
	if err := a.EnsureSymbols(); err != nil {
		return nil, err
	}
	s := a.Symbol(id)
	if s == nil {
		return nil, fmt.Errorf("%w: %s in %s", apperrors.ErrSymbolNotFound, id, a.Name)
	}
	if err := s.TrainModel(nGauss); err != nil {
		return s, err
	}
	if err := s.Model().Save(); err != nil {
		return s, err
	}
	return s, nil
}

// ModelPreview returns the display form of a symbol model.
func (a *Alphabet) ModelPreview(id string) (model.Preview, error) {
	if err := a.EnsureSymbols(); err != nil {
		return model.Preview{}, err
	}
	s := a.Symbol(id)
	if s == nil {
		return model.Preview{}, fmt.Errorf("%w: %s in %s", apperrors.ErrSymbolNotFound, id, a.Name)
	}
	m, err := s.EnsureModel()
	if err != nil {
		return model.Preview{}, err
	}
	return m.Preview(), nil
}
