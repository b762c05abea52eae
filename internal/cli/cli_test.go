package cli

import (
	"bytes"
	"encoding/json"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/texnomagic/texnomagic/internal/alphabet"
	"github.com/texnomagic/texnomagic/internal/catalog"
	"github.com/texnomagic/texnomagic/internal/drawing"
	"github.com/texnomagic/texnomagic/internal/symbol"
	apperrors "github.com/texnomagic/texnomagic/pkg/errors"
)

func circle(n int) [][]drawing.Point {
	rng := rand.New(rand.NewPCG(7, 7))
	pts := make([]drawing.Point, n)
	for i := range pts {
		a := 2 * math.Pi * float64(i) / float64(n)
		pts[i] = drawing.Point{
			X: 500 + 400*math.Cos(a) + 10*(rng.Float64()-0.5),
			Y: 500 + 400*math.Sin(a) + 10*(rng.Float64()-0.5),
		}
	}
	return [][]drawing.Point{pts}
}

func cross(n int) [][]drawing.Point {
	rng := rand.New(rand.NewPCG(8, 8))
	h := make([]drawing.Point, n)
	v := make([]drawing.Point, n)
	for i := 0; i < n; i++ {
		t := 1000 * float64(i) / float64(n-1)
		h[i] = drawing.Point{X: t, Y: 500 + 10*(rng.Float64()-0.5)}
		v[i] = drawing.Point{X: 500 + 10*(rng.Float64()-0.5), Y: t}
	}
	return [][]drawing.Point{h, v}
}

type env struct {
	config string
	abcDir string
	tmp    string
}

// newEnv writes a config pointing at a fresh data dir holding the "Runes"
// alphabet with Fire (circle) and Ice (cross) symbols.
func newEnv(t *testing.T) env {
	t.Helper()
	tmp := t.TempDir()
	dataDir := filepath.Join(tmp, "data")
	cfgPath := filepath.Join(tmp, "config.yaml")
	cfg := "storage:\n  dataDir: " + dataDir + "\nmodel:\n  nGauss: 3\n  trainWorkers: 2\naudit:\n  backend: none\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	cat := catalog.New([]catalog.Source{{Tag: "user", Dir: filepath.Join(dataDir, "user", "alphabets")}})
	require.NoError(t, cat.Load())
	abc := alphabet.New("", "Runes")
	require.NoError(t, cat.SaveNewAlphabet(abc, "user"))
	for _, sym := range []struct {
		name   string
		curves [][]drawing.Point
	}{{"Fire", circle(60)}, {"Ice", cross(30)}} {
		s := symbol.New("", sym.name, "")
		require.NoError(t, abc.SaveNewSymbol(s))
		for i := 0; i < 3; i++ {
			require.NoError(t, s.SaveNewDrawing(drawing.New(sym.curves)))
		}
	}
	return env{config: cfgPath, abcDir: abc.Dir(), tmp: tmp}
}

func (e env) run(t *testing.T, workDir string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCommand(&app{version: "1.0.0", out: &out, errOut: &errOut, workDir: workDir})
	root.SetArgs(append([]string{"--config", e.config}, args...))
	err := root.Execute()
	return out.String(), err
}

func (e env) writeCSV(t *testing.T, name string, curves [][]drawing.Point) string {
	t.Helper()
	path := filepath.Join(e.tmp, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, drawing.WriteCSV(f, curves))
	return path
}

func TestVersion(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "", "version")
	require.NoError(t, err)
	require.Equal(t, "1.0.0\n", out)
}

func TestAlphabetsAndSymbols(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "", "alphabets")
	require.NoError(t, err)
	require.Contains(t, out, "# user alphabets\n")
	require.Contains(t, out, "Runes (user:runes): 2 symbols, 0 trained")

	out, err = e.run(t, "", "alphabets", "-n")
	require.NoError(t, err)
	require.Equal(t, "Runes\n", out)

	out, err = e.run(t, "", "alphabets", "-t", "mods")
	require.NoError(t, err)
	require.Empty(t, out)

	out, err = e.run(t, "", "alphabets", "-s", "-f", "json")
	require.NoError(t, err)
	var listed []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	require.Equal(t, "user:runes", listed[0]["id"])
	require.Len(t, listed[0]["symbol_list"], 2)

	out, err = e.run(t, "", "symbols", "runes", "-n")
	require.NoError(t, err)
	require.Equal(t, "Fire\nIce\n", out)

	out, err = e.run(t, "", "symbols", "runes", "-f", "yaml")
	require.NoError(t, err)
	require.Contains(t, out, "name: Fire")
}

func TestWorkDirSelectsAlphabet(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, filepath.Join(e.abcDir, alphabet.SymbolsDir), "symbols")
	require.NoError(t, err)
	require.Equal(t, "# 2 symbols\nFire (fire): no model\nIce (ice): no model\n", out)

	_, err = e.run(t, e.tmp, "symbols")
	require.ErrorIs(t, err, apperrors.ErrAlphabetNotFound)
	require.Equal(t, 31, apperrors.ExitCode(err))
}

func TestTrainRecognizeCheck(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "", "train", "runes")
	require.NoError(t, err)
	require.Equal(t, "TRAIN 2 symbol models: Fire, Ice\n", out)

	out, err = e.run(t, "", "train", "runes")
	require.NoError(t, err)
	require.Equal(t, "ORIG 2 symbol models: Fire, Ice\n", out)

	out, err = e.run(t, "", "train", "runes", "--symbol", "Ice", "--n-gauss", "2")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "TRAIN Ice: 2 gauss"), out)

	csv := e.writeCSV(t, "gesture.csv", circle(60))
	out, err = e.run(t, "", "recognize", "runes", csv)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "Fire: "), out)

	out, err = e.run(t, "", "recognize", "runes", csv, "--top", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.LessOrEqual(t, len(lines), 2)
	require.True(t, strings.HasPrefix(lines[0], "1. Fire: "), out)

	out, err = e.run(t, "", "check", "runes")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "CHECK alphabet: "), out)

	out, err = e.run(t, "", "check", "runes", "-f", "json")
	require.NoError(t, err)
	var report alphabet.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))

	out, err = e.run(t, "", "symbols", "runes")
	require.NoError(t, err)
	require.Contains(t, out, "Fire (fire): model: 3 gauss")
	require.Contains(t, out, "Ice (ice): model: 2 gauss")
}

func TestDrawingsFlipAndExport(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "", "drawings", "list", "runes/fire")
	require.NoError(t, err)
	require.Contains(t, out, "total: 180 points, 3 curves")
	require.Contains(t, out, "3 drawings")

	csv := e.writeCSV(t, "one.csv", cross(30))
	out, err = e.run(t, "", "drawings", "show", csv)
	require.NoError(t, err)
	require.Contains(t, out, "total: 60 points, 2 curves")

	_, err = e.run(t, "", "drawings", "list", "runes")
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)

	out, err = e.run(t, "", "flip-y", "runes")
	require.NoError(t, err)
	require.Equal(t, "FLIP Y 6 drawings\n", out)

	outDir := filepath.Join(e.tmp, "out")
	out, err = e.run(t, "", "export", "runes", "-o", outDir)
	require.NoError(t, err)
	path := strings.TrimSpace(strings.TrimPrefix(out, "EXPORT "))
	require.FileExists(t, path)
	require.Equal(t, outDir, filepath.Dir(path))
}

func TestErrorExitCodes(t *testing.T) {
	e := newEnv(t)

	_, err := e.run(t, "", "recognize", "runes", filepath.Join(e.tmp, "missing.csv"))
	require.Equal(t, 33, apperrors.ExitCode(err))

	_, err = e.run(t, "", "symbols", "nope")
	require.Equal(t, 31, apperrors.ExitCode(err))

	_, err = e.run(t, "", "train", "runes", "--symbol", "Water")
	require.Equal(t, 32, apperrors.ExitCode(err))

	_, err = e.run(t, "", "version", "-f", "xml")
	require.Equal(t, 11, apperrors.ExitCode(err))

	empty := e.writeCSV(t, "empty.csv", nil)
	_, err = e.run(t, "", "recognize", "runes", empty)
	require.Equal(t, 11, apperrors.ExitCode(err))
}

func TestRecognizeUntrained(t *testing.T) {
	e := newEnv(t)
	csv := e.writeCSV(t, "gesture.csv", circle(60))
	out, err := e.run(t, "", "recognize", "runes", csv)
	require.NoError(t, err)
	require.Equal(t, "no symbol recognized, best score -1.000 (very bad)\n", out)
}
