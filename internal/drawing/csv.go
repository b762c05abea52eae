package drawing

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ReadCSV parses the drawing text format: one "x,y" row per point, where a
// blank row or a row with an empty field closes the current curve. The last
// curve is closed by EOF, so a file always yields at least one curve.
func ReadCSV(r io.Reader) ([][]Point, error) {
	// encoding/csv drops blank lines, which are curve separators here, so
	// lines are split first and only non-blank ones go through the parser.
	var curves [][]Point
	var curve []Point
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			curves = append(curves, curve)
			curve = nil
			continue
		}
		rec, err := csv.NewReader(strings.NewReader(text)).Read()
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if hasEmptyField(rec) {
			curves = append(curves, curve)
			curve = nil
			continue
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("line %d: need 2 fields, got %d", line, len(rec))
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: x: %w", line, err)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: y: %w", line, err)
		}
		curve = append(curve, Point{X: x, Y: y})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	curves = append(curves, curve)
	return curves, nil
}

func hasEmptyField(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) == "" {
			return true
		}
	}
	return false
}

// WriteCSV writes curves in the format read by ReadCSV, separating curves
// with a row of two empty fields.
func WriteCSV(w io.Writer, curves [][]Point) error {
	cw := csv.NewWriter(w)
	for i, c := range curves {
		if i > 0 {
			if err := cw.Write([]string{"", ""}); err != nil {
				return err
			}
		}
		for _, p := range c {
			rec := []string{
				strconv.FormatFloat(p.X, 'g', -1, 64),
				strconv.FormatFloat(p.Y, 'g', -1, 64),
			}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// Save writes the drawing to its path, creating parent directories. The file
// is written to a temporary sibling and renamed into place.
func (d *Drawing) Save() error {
	if d.path == "" {
		return errors.New("drawing has no path to save to")
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return fmt.Errorf("creating drawing directory: %w", err)
	}
	tmpPath := d.path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp drawing file: %w", err)
	}
	if err := WriteCSV(f, d.Curves()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing drawing %s: %w", d.path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing drawing %s: %w", d.path, err)
	}
	if err := os.Rename(tmpPath, d.path); err != nil {
		return fmt.Errorf("renaming drawing file: %w", err)
	}
	d.fileSize = -1
	return nil
}
