package model

import (
	"encoding/json"
	"math"
)

// Component describes one mixture component as an ellipse for display.
type Component struct {
	Center [2]float64
	// Size holds the ellipse axes, smaller first.
	Size [2]float64
	// Angle is the orientation of the minor axis in degrees.
	Angle  float64
	Weight float64
}

// MarshalJSON encodes the component as [center, size, angle, weight].
func (c Component) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{c.Center, c.Size, c.Angle, c.Weight})
}

// Preview is the display form of a model.
type Preview struct {
	Type       string      `json:"type"`
	Components []Component `json:"components"`
}

// Preview returns one ellipse per component. Models without a mixture get
// an empty component list.
func (m *SymbolModel) Preview() Preview {
	p := Preview{Type: ModelType, Components: []Component{}}
	if m.gmm == nil || !m.gmm.Fitted() {
		return p
	}
	params := m.gmm.Params()
	for i, cov := range params.Covariances {
		lo, hi, vec := eigenSym2(cov)
		p.Components = append(p.Components, Component{
			Center: params.Means[i],
			Size:   [2]float64{2 * math.Sqrt2 * math.Sqrt(lo), 2 * math.Sqrt2 * math.Sqrt(hi)},
			Angle:  math.Atan2(vec[1], vec[0]) * 180 / math.Pi,
			Weight: params.Weights[i],
		})
	}
	return p
}

// eigenSym2 returns the eigenvalues of a symmetric 2x2 matrix in ascending
// order and the unit eigenvector of the smaller one.
func eigenSym2(m Mat2) (lo, hi float64, vec [2]float64) {
	a, b, c := m[0][0], m[0][1], m[1][1]
	mid := (a + c) / 2
	r := math.Hypot((a-c)/2, b)
	lo, hi = mid-r, mid+r
	if lo < 0 {
		lo = 0
	}
	if b == 0 {
		if a <= c {
			return lo, hi, [2]float64{1, 0}
		}
		return lo, hi, [2]float64{0, 1}
	}
	x, y := b, (mid-r)-a
	n := math.Hypot(x, y)
	return lo, hi, [2]float64{x / n, y / n}
}
