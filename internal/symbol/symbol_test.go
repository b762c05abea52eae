package symbol

import (
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/texnomagic/texnomagic/internal/drawing"
	"github.com/texnomagic/texnomagic/internal/model"
	apperrors "github.com/texnomagic/texnomagic/pkg/errors"
)

func ring(n int, phase float64) *drawing.Drawing {
	pts := make([]drawing.Point, n)
	for i := range pts {
		a := phase + 2*math.Pi*float64(i)/float64(n)
		pts[i] = drawing.Point{X: 500 + 300*math.Cos(a), Y: 500 + 300*math.Sin(a)}
	}
	return drawing.New([][]drawing.Point{pts})
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestNameToHandle(t *testing.T) {
	require.Equal(t, "fire", NameToHandle("Fire"))
	require.Equal(t, "big-fire-ball", NameToHandle("Big  Fire\tBall"))
}

func TestSaveAndLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fire")
	s := New(dir, "Fire", "")
	require.Equal(t, "fire", s.Meaning)
	require.NoError(t, s.Save())

	loaded, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "Fire", loaded.Name)
	require.Equal(t, "fire", loaded.Meaning)
	require.False(t, loaded.DrawingsLoaded())
	require.Nil(t, loaded.Model())
}

func TestLoadDefaultsNameToDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Ice")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, InfoFile), []byte(`{"meaning":"frost"}`), 0o644))

	s, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "Ice", s.Name)
	require.Equal(t, "frost", s.Meaning)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(t.TempDir())
	require.ErrorIs(t, err, apperrors.ErrSymbolNotFound)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, InfoFile), []byte(`{`), 0o644))
	_, err = Load(dir)
	require.ErrorIs(t, err, apperrors.ErrStorage)
}

func TestSaveRequiresName(t *testing.T) {
	err := New(t.TempDir(), "", "").Save()
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestSaveNewDrawingPrependsNewest(t *testing.T) {
	dir := t.TempDir()
	ms := int64(1000)
	s := New(dir, "Big Fire", "", WithClock(func() time.Time { ms += 5; return time.UnixMilli(ms) }))

	first, second := ring(30, 0), ring(30, 0.1)
	require.NoError(t, s.SaveNewDrawing(first))
	require.NoError(t, s.SaveNewDrawing(second))
	require.Equal(t, []*drawing.Drawing{second, first}, s.Drawings())
	require.Equal(t, "big-fire_1005.csv", first.Name())

	// only the drawings were saved, not the symbol info
	reloaded := New(dir, "Big Fire", "")
	require.NoError(t, reloaded.EnsureDrawings())
	require.Len(t, reloaded.Drawings(), 2)
	require.Equal(t, second.Name(), reloaded.Drawings()[0].Name())
}

func TestSaveNewDrawingAvoidsCollisions(t *testing.T) {
	s := New(t.TempDir(), "fire", "", WithClock(fixedClock(42)))
	require.NoError(t, s.SaveNewDrawing(ring(10, 0)))
	require.NoError(t, s.SaveNewDrawing(ring(10, 1)))
	require.Equal(t, "fire_43.csv", s.Drawings()[0].Name())
	require.Equal(t, "fire_42.csv", s.Drawings()[1].Name())
}

func TestEnsureDrawingsSkipsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "fire", "", WithClock(fixedClock(1)))
	require.NoError(t, s.SaveNewDrawing(ring(10, 0)))
	require.NoError(t, os.WriteFile(filepath.Join(s.DrawingsDir(), "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(s.DrawingsDir(), "sub"), 0o755))

	fresh := New(dir, "fire", "")
	require.NoError(t, fresh.EnsureDrawings())
	require.Len(t, fresh.Drawings(), 1)
}

func TestEnsureDrawingsWithoutDirectory(t *testing.T) {
	s := New(t.TempDir(), "fire", "")
	require.NoError(t, s.EnsureDrawings())
	require.True(t, s.DrawingsLoaded())
	require.Empty(t, s.Drawings())

	d, err := s.RandomDrawing(rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)
	require.Nil(t, d)
}

func TestTrainModelAndAllPoints(t *testing.T) {
	s := New(t.TempDir(), "ball", "", WithClock(fixedClock(7)))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveNewDrawing(ring(40, float64(i)*0.05)))
	}
	pts, err := s.AllDrawingPoints()
	require.NoError(t, err)
	require.Len(t, pts, 120)

	require.Equal(t, model.Score(model.FailScore), s.Score(ring(40, 0)))
	require.NoError(t, s.TrainModel(4))
	require.Equal(t, 4, s.Model().NGauss())
	require.True(t, s.Model().Ready())
	require.Greater(t, float64(s.Score(ring(40, 0.02))), 0.0)

	require.NoError(t, s.Model().Save())
	fresh := New(s.Dir(), "ball", "")
	m, err := fresh.EnsureModel()
	require.NoError(t, err)
	require.True(t, m.Ready())

	d, err := s.RandomDrawing(rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	require.Contains(t, s.Drawings(), d)
}

func TestFailedRetrainKeepsUsableModel(t *testing.T) {
	s := New(t.TempDir(), "ball", "")
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveNewDrawing(ring(40, float64(i)*0.05)))
	}
	require.NoError(t, s.TrainModel(4))
	before := s.Score(ring(40, 0.02))

	err := s.TrainModel(100)
	require.ErrorIs(t, err, apperrors.ErrInsufficientData)
	require.True(t, s.Model().Ready())
	require.Equal(t, 4, s.Model().NGauss())
	require.Equal(t, before, s.Score(ring(40, 0.02)))

	require.NoError(t, s.TrainModel(0))
	require.Equal(t, 4, s.Model().NGauss())
}

func TestTrainModelWithoutDrawingsFails(t *testing.T) {
	s := New(t.TempDir(), "empty", "")
	err := s.TrainModel(0)
	require.ErrorIs(t, err, apperrors.ErrInsufficientData)
	require.False(t, s.Model().Ready())
}

func TestEnsureModelWithoutFile(t *testing.T) {
	s := New(t.TempDir(), "fire", "")
	m, err := s.EnsureModel()
	require.NoError(t, err)
	require.False(t, m.Ready())
	require.Same(t, m, s.Model())
}

func TestHasImage(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "fire", "")
	require.False(t, s.HasImage())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.svg"), []byte("<svg/>"), 0o644))
	require.True(t, s.HasImage())
}

func TestStats(t *testing.T) {
	s := New("/tmp/x", "Fire", "flame")
	require.Equal(t, "Fire (flame)", s.Stats(false))
	require.Equal(t, "Fire (flame): 0 drawings @ /tmp/x", s.Stats(true))
	require.Equal(t, "<Symbol Fire (flame)>", s.String())
}
