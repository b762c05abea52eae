package drawing

import "math"

// Normalize moves and scales the drawing in place so it fits
// [0, PointsRange] on both axes: the larger extent spans the whole range and
// the other axis is centered. Aspect ratio is preserved. Drawings without
// points are left alone.
func (d *Drawing) Normalize() {
	lo, _, ok := d.Bounds()
	if !ok {
		return
	}
	for i := range d.points {
		d.points[i].X -= lo.X
		d.points[i].Y -= lo.Y
	}

	_, hi, _ := d.Bounds()
	k := d.pointsRange / math.Max(math.Max(hi.X, hi.Y), minExtent)
	for i := range d.points {
		d.points[i].X *= k
		d.points[i].Y *= k
	}

	_, hi, _ = d.Bounds()
	offX := (d.pointsRange - hi.X) / 2
	offY := (d.pointsRange - hi.Y) / 2
	for i := range d.points {
		d.points[i].X += offX
		d.points[i].Y += offY
	}
}

// FlipYAxis mirrors every point about the horizontal midline of the points
// range, for consumers whose Y axis grows the other way.
func (d *Drawing) FlipYAxis() {
	for i := range d.points {
		d.points[i].Y = d.pointsRange - d.points[i].Y
	}
}

// CurvesFitArea returns copies of the curves scaled uniformly by the smaller
// side of size and centered inside the rectangle at origin. The drawing is
// not modified. Empty curves are returned as empty.
func (d *Drawing) CurvesFitArea(origin, size Point) [][]Point {
	k := math.Min(size.X, size.Y) / d.pointsRange
	maxRange := d.pointsRange * k
	offset := Point{
		X: origin.X + (size.X-maxRange)/2,
		Y: origin.Y + (size.Y-maxRange)/2,
	}

	curves := d.Curves()
	out := make([][]Point, len(curves))
	for i, c := range curves {
		sc := make([]Point, len(c))
		for j, p := range c {
			sc[j] = Point{X: p.X*k + offset.X, Y: p.Y*k + offset.Y}
		}
		out[i] = sc
	}
	return out
}
