package alphabet

import (
	"archive/zip"
	"context"
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/texnomagic/texnomagic/internal/drawing"
	"github.com/texnomagic/texnomagic/internal/model"
	"github.com/texnomagic/texnomagic/internal/symbol"
	apperrors "github.com/texnomagic/texnomagic/pkg/errors"
)

func circle(n int) *drawing.Drawing {
	rng := rand.New(rand.NewPCG(11, 11))
	pts := make([]drawing.Point, n)
	for i := range pts {
		a := 2 * math.Pi * float64(i) / float64(n)
		pts[i] = drawing.Point{
			X: 500 + 400*math.Cos(a) + 10*(rng.Float64()-0.5),
			Y: 500 + 400*math.Sin(a) + 10*(rng.Float64()-0.5),
		}
	}
	return drawing.New([][]drawing.Point{pts})
}

func cross(n int) *drawing.Drawing {
	rng := rand.New(rand.NewPCG(12, 12))
	h := make([]drawing.Point, n)
	v := make([]drawing.Point, n)
	for i := 0; i < n; i++ {
		t := 1000 * float64(i) / float64(n-1)
		h[i] = drawing.Point{X: t, Y: 500 + 10*(rng.Float64()-0.5)}
		v[i] = drawing.Point{X: 500 + 10*(rng.Float64()-0.5), Y: t}
	}
	return drawing.New([][]drawing.Point{h, v})
}

func hline(n int) *drawing.Drawing {
	pts := make([]drawing.Point, n)
	for i := range pts {
		pts[i] = drawing.Point{X: 1000 * float64(i) / float64(n-1), Y: 900}
	}
	return drawing.New([][]drawing.Point{pts})
}

// sketchyCircle is a hand-drawn circle: radius, center and every point
// wander a little from seed to seed.
func sketchyCircle(seed uint64) *drawing.Drawing {
	rng := rand.New(rand.NewPCG(seed, 99))
	r := 400 + 60*(rng.Float64()-0.5)
	cx := 500 + 40*(rng.Float64()-0.5)
	cy := 500 + 40*(rng.Float64()-0.5)
	n := 60 + rng.IntN(40)
	start := 2 * math.Pi * rng.Float64()
	pts := make([]drawing.Point, n)
	for i := range pts {
		a := start + 2*math.Pi*float64(i)/float64(n)
		pts[i] = drawing.Point{
			X: cx + r*math.Cos(a) + 30*(rng.Float64()-0.5),
			Y: cy + r*math.Sin(a) + 30*(rng.Float64()-0.5),
		}
	}
	return drawing.New([][]drawing.Point{pts})
}

func newTestAlphabet(t *testing.T) *Alphabet {
	t.Helper()
	a := New(filepath.Join(t.TempDir(), "test-abc"), "Test ABC")
	require.NoError(t, a.Save())
	return a
}

func addSymbol(t *testing.T, a *Alphabet, name string, d *drawing.Drawing, copies int) *symbol.Symbol {
	t.Helper()
	s := symbol.New("", name, "")
	require.NoError(t, a.SaveNewSymbol(s))
	for i := 0; i < copies; i++ {
		require.NoError(t, s.SaveNewDrawing(d.Clone()))
	}
	return s
}

func reload(t *testing.T, a *Alphabet) *Alphabet {
	t.Helper()
	loaded, err := Load(a.Dir())
	require.NoError(t, err)
	require.NoError(t, loaded.Preload())
	return loaded
}

func TestSortSymbols(t *testing.T) {
	zap := symbol.New("", "Zap", "")
	ice := symbol.New("", "Ice", "")
	fire1 := symbol.New("", "Fire", "")
	fire2 := symbol.New("", "Fire Too", "fire")
	homing := symbol.New("", "Homing", "")

	got := SortSymbols([]*symbol.Symbol{zap, homing, ice, fire1, fire2})
	require.Equal(t, []*symbol.Symbol{fire1, ice, homing, zap, fire2}, got)
}

func TestLoadAndDiscoverSymbols(t *testing.T) {
	a := newTestAlphabet(t)
	addSymbol(t, a, "Zap", circle(20), 0)
	addSymbol(t, a, "Fire", circle(20), 1)
	require.Equal(t, "Fire", a.Symbols()[0].Name)

	loaded, err := Load(a.Dir())
	require.NoError(t, err)
	require.Equal(t, "Test ABC", loaded.Name)
	require.Equal(t, "test-abc", loaded.Handle())
	require.False(t, loaded.SymbolsLoaded())
	require.NoError(t, loaded.EnsureSymbols())
	require.Len(t, loaded.Symbols(), 2)
	require.Equal(t, "Fire", loaded.Symbols()[0].Name)

	require.NotNil(t, loaded.Symbol("zap"))
	require.NotNil(t, loaded.Symbol("Zap"))
	require.Nil(t, loaded.Symbol("nope"))

	_, err = Load(t.TempDir())
	require.ErrorIs(t, err, apperrors.ErrAlphabetNotFound)
}

func TestRecognizeFire(t *testing.T) {
	a := newTestAlphabet(t)
	fire := circle(80)
	addSymbol(t, a, "Fire", fire, 3)
	addSymbol(t, a, "Ice", cross(40), 3)
	_, err := a.TrainModels(context.Background(), true, 2)
	require.NoError(t, err)

	loaded := reload(t, a)
	scores := loaded.Scores(fire)
	require.Len(t, scores, 2)
	require.Equal(t, "Fire", scores[0].Symbol.Name)
	require.GreaterOrEqual(t, scores[0].Score, scores[1].Score)

	r := loaded.Recognize(fire)
	require.True(t, r.Matched())
	require.Equal(t, "Fire", r.Symbol.Name)
	require.InDelta(t, 1.0, float64(r.Score), 1e-6)

	asc := loaded.ScoresOrdered(fire, Ascending)
	require.Equal(t, "Ice", asc[0].Symbol.Name)
}

func TestRecognizeBelowFloor(t *testing.T) {
	a := newTestAlphabet(t)
	addSymbol(t, a, "Fire", circle(80), 3)
	_, err := a.TrainModels(context.Background(), false, 1)
	require.NoError(t, err)

	r := reload(t, a).Recognize(hline(50))
	require.False(t, r.Matched())
	require.Less(t, float64(r.Score), model.MinScore)
}

func TestRecognizeEmptyAlphabet(t *testing.T) {
	a := newTestAlphabet(t)
	require.NoError(t, a.Preload())
	r := a.Recognize(circle(10))
	require.Nil(t, r.Symbol)
	require.Equal(t, model.Score(model.FailScore), r.Score)
}

func TestUntrainedSymbolsSortLast(t *testing.T) {
	a := newTestAlphabet(t)
	addSymbol(t, a, "Fire", circle(80), 3)
	addSymbol(t, a, "Earth", circle(80), 0)
	_, err := a.TrainModels(context.Background(), false, 1)
	require.NoError(t, err)

	scores := reload(t, a).Scores(circle(80))
	require.Len(t, scores, 2)
	require.Equal(t, "Earth", scores[1].Symbol.Name)
	require.Equal(t, model.Score(model.FailScore), scores[1].Score)
}

func TestTrainModelsSummary(t *testing.T) {
	a := newTestAlphabet(t)
	addSymbol(t, a, "Fire", circle(80), 3)
	addSymbol(t, a, "Ice", cross(40), 2)
	addSymbol(t, a, "Earth", circle(80), 0)

	loaded, err := Load(a.Dir())
	require.NoError(t, err)
	summary, err := loaded.TrainModels(context.Background(), false, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"Fire", "Ice"}, summary.Trained)
	require.Equal(t, []string{"Earth"}, summary.Failed)
	require.Empty(t, summary.Kept)

	summary, err = reload(t, a).TrainModels(context.Background(), false, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"Fire", "Ice"}, summary.Kept)
	require.Equal(t, []string{"Earth"}, summary.Failed)
}

func TestTrainModelsCancelled(t *testing.T) {
	a := newTestAlphabet(t)
	addSymbol(t, a, "Fire", circle(80), 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.TrainModels(ctx, true, 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestTrainSymbolAndPreview(t *testing.T) {
	a := newTestAlphabet(t)
	addSymbol(t, a, "Fire", circle(80), 2)

	s, err := a.TrainSymbol("fire", 3)
	require.NoError(t, err)
	require.Equal(t, 3, s.Model().NGauss())

	p, err := reload(t, a).ModelPreview("Fire")
	require.NoError(t, err)
	require.Len(t, p.Components, 3)

	_, err = a.TrainSymbol("nope", 0)
	require.ErrorIs(t, err, apperrors.ErrSymbolNotFound)
}

func TestCheckFindsIdenticalSymbols(t *testing.T) {
	a := newTestAlphabet(t)
	shape := circle(80)
	addSymbol(t, a, "Fire", shape, 3)
	addSymbol(t, a, "Flame", shape, 3)
	_, err := a.TrainModels(context.Background(), true, 2)
	require.NoError(t, err)

	report, err := reload(t, a).Check()
	require.NoError(t, err)

	var high []Finding
	for _, f := range report.Findings {
		if f.Kind == KindHighScore {
			high = append(high, f)
		}
	}
	require.NotEmpty(t, high)
	linked := false
	for _, f := range high {
		pair := map[string]bool{f.Symbol: true, f.Other: true}
		if pair["Fire"] && pair["Flame"] {
			linked = true
			require.Contains(t, []Severity{Warn, Error}, f.Severity)
		}
	}
	require.True(t, linked)
}

func TestCheckReportsSameMeaningAliases(t *testing.T) {
	a := newTestAlphabet(t)
	shape := circle(80)
	addSymbol(t, a, "Fire", shape, 3)
	alias := symbol.New("", "Fire Too", "fire")
	require.NoError(t, a.SaveNewSymbol(alias))
	for i := 0; i < 3; i++ {
		require.NoError(t, alias.SaveNewDrawing(shape.Clone()))
	}
	_, err := a.TrainModels(context.Background(), true, 2)
	require.NoError(t, err)

	report, err := reload(t, a).Check()
	require.NoError(t, err)

	var high []Finding
	for _, f := range report.Findings {
		require.NotEqual(t, KindWrongSymbol, f.Kind, f.Message())
		if f.Kind == KindHighScore {
			high = append(high, f)
		}
	}
	require.NotEmpty(t, high)
	linked := false
	for _, f := range high {
		require.Contains(t, []string{"Fire", "Fire Too"}, f.Symbol)
		require.Contains(t, []string{"Fire", "Fire Too"}, f.Other)
		require.Equal(t, Error, f.Severity)
		if f.Symbol != f.Other {
			linked = true
		}
	}
	require.True(t, linked)
}

func TestTrainOnVariedDrawings(t *testing.T) {
	a := newTestAlphabet(t)
	fire := symbol.New("", "Fire", "")
	require.NoError(t, a.SaveNewSymbol(fire))
	for i := 0; i < 25; i++ {
		require.NoError(t, fire.SaveNewDrawing(sketchyCircle(uint64(i+1))))
	}
	addSymbol(t, a, "Ice", cross(40), 3)
	summary, err := a.TrainModels(context.Background(), true, 2)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"Fire", "Ice"}, summary.Trained)

	loaded := reload(t, a)
	require.NoError(t, loaded.EnsureDrawings())
	sym := loaded.Symbol("Fire")
	require.NotNil(t, sym)
	require.Len(t, sym.Drawings(), 25)
	for _, d := range sym.Drawings() {
		r := loaded.Recognize(d)
		require.True(t, r.Matched(), "score %s", r.Score)
		require.Equal(t, "Fire", r.Symbol.Name)
		require.Greater(t, float64(r.Score), model.MinScore)
	}

	r := loaded.Recognize(sketchyCircle(1000))
	require.True(t, r.Matched(), "score %s", r.Score)
	require.Equal(t, "Fire", r.Symbol.Name)

	report, err := loaded.Check()
	require.NoError(t, err)
	for _, f := range report.Findings {
		require.NotEqual(t, KindWrongSymbol, f.Kind, f.Message())
	}
}

func TestCheckReportsMissingModelAndImage(t *testing.T) {
	a := newTestAlphabet(t)
	addSymbol(t, a, "Fire", circle(80), 3)
	addSymbol(t, a, "Earth", circle(80), 0)
	summary, err := a.TrainModels(context.Background(), false, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"Earth"}, summary.Failed)

	report, err := reload(t, a).Check()
	require.NoError(t, err)

	var missingModel, missingImage []string
	for _, f := range report.Findings {
		switch f.Kind {
		case KindMissingModel:
			missingModel = append(missingModel, f.Symbol)
			require.Equal(t, Warn, f.Severity)
		case KindMissingImage:
			missingImage = append(missingImage, f.Symbol)
		case KindWrongSymbol:
			t.Fatalf("unexpected wrong symbol finding: %s", f.Message())
		}
	}
	require.Equal(t, []string{"Earth"}, missingModel)
	require.ElementsMatch(t, []string{"Fire", "Earth"}, missingImage)
	require.Equal(t, "Test ABC", report.Alphabet)
}

func TestAccumulatorRunningAverage(t *testing.T) {
	s := symbol.New("", "Fire", "")
	o := symbol.New("", "Ice", "")
	acc := newAccumulator()
	acc.add(KindHighScore, s, o, 0.7)
	acc.add(KindHighScore, s, o, 0.9)
	acc.add(KindHighScore, s, o, 1.1)
	acc.add(KindHighScore, o, s, 0.65)

	got := acc.findings(func(avg float64) Severity {
		if avg > model.HighScore {
			return Error
		}
		return Warn
	})
	require.Len(t, got, 2)
	require.InDelta(t, 0.9, got[0].Score, 1e-12)
	require.Equal(t, 3, got[0].Count)
	require.Equal(t, Error, got[0].Severity)
	require.Equal(t, Warn, got[1].Severity)
	require.Equal(t, "Fire drawing got high score in Ice: 0.900 (3 times)", got[0].Message())
	require.Equal(t, "Ice drawing got high score in Fire: 0.650", got[1].Message())
}

func TestReportBySeverity(t *testing.T) {
	r := Report{Findings: []Finding{
		{Kind: KindWrongSymbol, Severity: Error, Symbol: "Fire", Other: "Ice", Score: 0.75, Count: 2},
		{Kind: KindMissingModel, Severity: Warn, Symbol: "Earth", Count: 1},
		{Kind: KindMissingImage, Severity: Warn, Symbol: "Earth", Count: 1},
	}}
	got := r.BySeverity()
	require.Equal(t, []string{"Fire drawing recognized as Ice with score: 0.750 (2 times)"}, got[Error])
	require.Equal(t, []string{"Earth symbol has no trained model", "Earth symbol has no reference image"}, got[Warn])
	require.Equal(t, 2, r.Count(Warn))
	require.False(t, r.OK())

	text, err := Error.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "error", string(text))
	var sev Severity
	require.NoError(t, sev.UnmarshalText([]byte("warn")))
	require.Equal(t, Warn, sev)
	require.Error(t, sev.UnmarshalText([]byte("fatal")))
}

func TestRandomSymbol(t *testing.T) {
	a := newTestAlphabet(t)
	only := addSymbol(t, a, "Fire", circle(10), 0)
	rng := rand.New(rand.NewPCG(1, 1))
	require.Same(t, only, a.RandomSymbol(rng, nil))
	require.Nil(t, a.RandomSymbol(rng, only))
}

func TestExport(t *testing.T) {
	a := newTestAlphabet(t)
	addSymbol(t, a, "Fire", circle(10), 1)

	out, err := a.Export(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "test-abc.zip", filepath.Base(out))

	zr, err := zip.OpenReader(out)
	require.NoError(t, err)
	defer zr.Close()
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	require.True(t, names["test-abc/texno_alphabet.json"])
	require.True(t, names["test-abc/symbols/fire/texno_symbol.json"])
}
