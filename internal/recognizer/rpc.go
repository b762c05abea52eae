package recognizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/texnomagic/texnomagic/internal/alphabet"
	"github.com/texnomagic/texnomagic/internal/drawing"
	"github.com/texnomagic/texnomagic/internal/events"
	apperrors "github.com/texnomagic/texnomagic/pkg/errors"
	"github.com/texnomagic/texnomagic/pkg/rpc"
)

type gestureParams struct {
	Abc    string            `json:"abc"`
	Curves [][]drawing.Point `json:"curves"`
	N      int               `json:"n"`
}

type symbolParams struct {
	Abc    string `json:"abc"`
	Symbol string `json:"symbol"`
	NGauss int    `json:"n_gauss"`
}

type abcParams struct {
	Abc string `json:"abc"`
}

// RegisterRPC exposes svc on s under the method names game clients call.
// Alphabet exports are written to exportDir.
func RegisterRPC(s *rpc.Server, svc *Service, exportDir string) {
	s.Register("version", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return svc.Version(), nil
	})

	s.Register("reload", func(ctx context.Context, _ json.RawMessage) (any, error) {
		if err := svc.Reload(ctx); err != nil {
			return nil, rpcError(err, "", "")
		}
		return true, nil
	})

	s.Register("recognize", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p gestureParams
		if err := rpc.DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		if len(p.Curves) == 0 {
			return []any{}, nil
		}
		rec, err := svc.Recognize(WithSource(ctx, events.SourceRPC), p.Abc, p.Curves)
		if err != nil {
			return nil, rpcError(err, p.Abc, "")
		}
		var sym *string
		if rec.Matched {
			sym = &rec.Symbol
		}
		return map[string]any{"symbol": sym, "score": rec.Score}, nil
	})

	s.Register("recognize_top", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p gestureParams
		if err := rpc.DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		if len(p.Curves) == 0 {
			return []any{}, nil
		}
		if p.N < 0 {
			return nil, rpc.InvalidParams("n must not be negative")
		}
		matches, err := svc.Scores(WithSource(ctx, events.SourceRPC), p.Abc, p.Curves, p.N)
		if err != nil {
			return nil, rpcError(err, p.Abc, "")
		}
		out := make([][2]any, len(matches))
		for i, m := range matches {
			out[i] = [2]any{m.Symbol, m.Score}
		}
		return out, nil
	})

	s.Register("train_symbol", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p symbolParams
		if err := rpc.DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		if _, err := svc.Train(ctx, p.Abc, p.Symbol, p.NGauss); err != nil {
			return nil, rpcError(err, p.Abc, p.Symbol)
		}
		return true, nil
	})

	s.Register("model_preview", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p symbolParams
		if err := rpc.DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		preview, err := svc.Preview(ctx, p.Abc, p.Symbol)
		if err != nil {
			return nil, rpcError(err, p.Abc, p.Symbol)
		}
		return preview, nil
	})

	s.Register("check_abc", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p abcParams
		if err := rpc.DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		report, err := svc.Check(ctx, p.Abc)
		if err != nil {
			return nil, rpcError(err, p.Abc, "")
		}
		bySev := report.BySeverity()
		return map[string]any{
			"ok":    report.OK(),
			"error": nonNil(bySev[alphabet.Error]),
			"warn":  nonNil(bySev[alphabet.Warn]),
		}, nil
	})

	s.Register("export_abc", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p abcParams
		if err := rpc.DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		path, err := svc.Export(ctx, p.Abc, exportDir)
		if err != nil {
			return nil, rpcError(err, p.Abc, "")
		}
		return path, nil
	})
}

// rpcError words lookup failures the way clients display them and maps
// invalid input to CodeInvalidParams.
func rpcError(err error, abc, symbol string) error {
	switch {
	case errors.Is(err, apperrors.ErrAlphabetNotFound):
		return &rpc.Error{Code: rpc.CodeServerError, Message: fmt.Sprintf("requested alphabet isn't available: %s", abc)}
	case errors.Is(err, apperrors.ErrSymbolNotFound):
		return &rpc.Error{Code: rpc.CodeServerError, Message: "requested symbol isn't available: " + symbol}
	case errors.Is(err, apperrors.ErrInvalidInput):
		return rpc.InvalidParams("%v", err)
	}
	return err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
