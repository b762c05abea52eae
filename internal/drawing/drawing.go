// Package drawing holds free-hand gestures: an ordered set of curves, each an
// ordered run of 2D points, stored in one contiguous point buffer. Curves are
// views into that buffer so in-place transforms touch every curve at once.
package drawing

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// DefaultPointsRange is the side of the square normalized drawings fit into.
const DefaultPointsRange = 1000.0

// minExtent floors the observed extent so near-point drawings don't blow up
// when scaled.
const minExtent = 0.2

// Point is a 2D coordinate.
type Point struct {
	X, Y float64
}

// MarshalJSON encodes a point as a two element array, the shape curves
// travel in over the wire.
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.X, p.Y})
}

// UnmarshalJSON accepts [x, y] (extra elements ignored).
func (p *Point) UnmarshalJSON(data []byte) error {
	var raw []float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding point: %w", err)
	}
	if len(raw) < 2 {
		return fmt.Errorf("decoding point: need 2 coordinates, got %d", len(raw))
	}
	p.X, p.Y = raw[0], raw[1]
	return nil
}

type span struct {
	start, length int
}

type loadState int

const (
	unloaded loadState = iota
	loaded
)

// Drawing is a gesture made of curves. The zero value is not usable; build
// one with New, Empty or Open.
type Drawing struct {
	path        string
	pointsRange float64
	state       loadState
	points      []Point
	curves      []span
	fileSize    int64
}

// Option configures a Drawing.
type Option func(*Drawing)

// WithPointsRange overrides DefaultPointsRange.
func WithPointsRange(r float64) Option {
	return func(d *Drawing) {
		if r > 0 {
			d.pointsRange = r
		}
	}
}

// WithPath attaches a storage location to an in-memory drawing.
func WithPath(path string) Option {
	return func(d *Drawing) {
		d.path = path
	}
}

// New builds a loaded drawing from curves. The input slices are copied into
// the drawing's own buffer.
func New(curves [][]Point, opts ...Option) *Drawing {
	d := &Drawing{pointsRange: DefaultPointsRange, fileSize: -1}
	for _, opt := range opts {
		opt(d)
	}
	d.SetCurves(curves)
	return d
}

// Empty returns a loaded drawing without curves.
func Empty(opts ...Option) *Drawing {
	return New(nil, opts...)
}

// Open returns an unloaded drawing backed by the CSV file at path. Geometry
// is read by EnsureLoaded.
func Open(path string, opts ...Option) *Drawing {
	d := &Drawing{path: path, pointsRange: DefaultPointsRange, fileSize: -1}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetCurves replaces the geometry, rebuilding the point buffer and the curve
// ranges. The drawing counts as loaded afterwards.
func (d *Drawing) SetCurves(curves [][]Point) {
	total := 0
	for _, c := range curves {
		total += len(c)
	}
	d.points = make([]Point, 0, total)
	d.curves = make([]span, 0, len(curves))
	for _, c := range curves {
		d.curves = append(d.curves, span{start: len(d.points), length: len(c)})
		d.points = append(d.points, c...)
	}
	d.state = loaded
}

// EnsureLoaded reads the backing file on first use. It is a no-op for
// drawings that are already loaded, including modified ones.
func (d *Drawing) EnsureLoaded() error {
	if d.state == loaded {
		return nil
	}
	return d.Reload()
}

// Reload re-reads geometry from the backing file, discarding in-memory
// changes.
func (d *Drawing) Reload() error {
	if d.path == "" {
		return fmt.Errorf("drawing has no path to load from")
	}
	f, err := os.Open(d.path)
	if err != nil {
		return fmt.Errorf("opening drawing %s: %w", d.path, err)
	}
	defer f.Close()
	curves, err := ReadCSV(f)
	if err != nil {
		return fmt.Errorf("reading drawing %s: %w", d.path, err)
	}
	d.SetCurves(curves)
	return nil
}

// Loaded reports whether geometry is in memory.
func (d *Drawing) Loaded() bool {
	return d.state == loaded
}

// Points returns the flat point buffer. It is nil until the drawing is
// loaded. Callers may modify points in place but must not append.
func (d *Drawing) Points() []Point {
	return d.points
}

// Curves returns per-curve views into the point buffer.
func (d *Drawing) Curves() [][]Point {
	if d.state != loaded {
		return nil
	}
	out := make([][]Point, len(d.curves))
	for i, c := range d.curves {
		out[i] = d.points[c.start : c.start+c.length : c.start+c.length]
	}
	return out
}

// NumPoints returns the number of points across all curves.
func (d *Drawing) NumPoints() int {
	return len(d.points)
}

// NumCurves returns the number of curves, empty ones included.
func (d *Drawing) NumCurves() int {
	return len(d.curves)
}

// PointsRange returns the normalization target range.
func (d *Drawing) PointsRange() float64 {
	return d.pointsRange
}

// Path returns the storage location, or "".
func (d *Drawing) Path() string {
	return d.path
}

// SetPath changes the storage location used by Save.
func (d *Drawing) SetPath(path string) {
	d.path = path
	d.fileSize = -1
}

// Name returns the file name of the storage location, or "".
func (d *Drawing) Name() string {
	if d.path == "" {
		return ""
	}
	return filepath.Base(d.path)
}

// FileSize returns the size in bytes of the backing file. The value is read
// once and cached.
func (d *Drawing) FileSize() (int64, error) {
	if d.fileSize >= 0 {
		return d.fileSize, nil
	}
	if d.path == "" {
		return 0, fmt.Errorf("drawing has no path")
	}
	info, err := os.Stat(d.path)
	if err != nil {
		return 0, fmt.Errorf("stat drawing %s: %w", d.path, err)
	}
	d.fileSize = info.Size()
	return d.fileSize, nil
}

// Bounds returns the per-axis minimum and maximum. ok is false for drawings
// without points.
func (d *Drawing) Bounds() (lo, hi Point, ok bool) {
	if len(d.points) == 0 {
		return Point{}, Point{}, false
	}
	lo = Point{X: math.Inf(1), Y: math.Inf(1)}
	hi = Point{X: math.Inf(-1), Y: math.Inf(-1)}
	for _, p := range d.points {
		lo.X = math.Min(lo.X, p.X)
		lo.Y = math.Min(lo.Y, p.Y)
		hi.X = math.Max(hi.X, p.X)
		hi.Y = math.Max(hi.Y, p.Y)
	}
	return lo, hi, true
}

// Clone returns a deep copy sharing nothing with d.
func (d *Drawing) Clone() *Drawing {
	c := &Drawing{
		path:        d.path,
		pointsRange: d.pointsRange,
		state:       d.state,
		fileSize:    d.fileSize,
		points:      append([]Point(nil), d.points...),
		curves:      append([]span(nil), d.curves...),
	}
	return c
}

// Delete removes the backing file if there is one.
func (d *Drawing) Delete() error {
	if d.path == "" {
		return nil
	}
	if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting drawing %s: %w", d.path, err)
	}
	return nil
}

// Pretty returns a one-line human summary.
func (d *Drawing) Pretty(withSize bool) string {
	s := fmt.Sprintf("%s: %d points, %d curves", d.Name(), d.NumPoints(), d.NumCurves())
	if withSize {
		if size, err := d.FileSize(); err == nil {
			s += fmt.Sprintf(", %d kB", int(math.Ceil(float64(size)/1024.0)))
		}
	}
	return s
}

func (d *Drawing) String() string {
	if d.state != loaded {
		return fmt.Sprintf("<Drawing @ %s: curves not loaded>", d.path)
	}
	return fmt.Sprintf("<Drawing @ %s: %d points, %d curves>", d.path, len(d.points), len(d.curves))
}
