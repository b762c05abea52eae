package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/texnomagic/texnomagic/internal/drawing"
)

// ErrIllConditioned is returned when a fitted covariance is not positive
// definite.
var ErrIllConditioned = errors.New("covariance is not positive definite")

const (
	defaultRegCovar = 1e-6
	defaultTol      = 1e-3
	defaultMaxIter  = 100
	kmeansMaxIter   = 300
	machineEps      = 2.220446049250313e-16
)

var log2Pi = math.Log(2 * math.Pi)

// Mat2 is a 2x2 matrix in row-major order.
type Mat2 [2][2]float64

// Params are the fitted mixture parameters. They are persisted positionally
// as [weights, means, covariances, precisions_cholesky], and scoring uses
// PrecisionsCholesky as stored so a reloaded mixture scores bit-identically.
type Params struct {
	Weights            []float64
	Means              [][2]float64
	Covariances        []Mat2
	PrecisionsCholesky []Mat2
}

// MarshalJSON encodes the positional parameter vector.
func (p Params) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Weights, p.Means, p.Covariances, p.PrecisionsCholesky})
}

// UnmarshalJSON decodes the positional parameter vector and checks that all
// four parts describe the same number of components.
func (p *Params) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding mixture params: %w", err)
	}
	if len(raw) != 4 {
		return fmt.Errorf("mixture params: want 4 parts, got %d", len(raw))
	}
	var out Params
	if err := json.Unmarshal(raw[0], &out.Weights); err != nil {
		return fmt.Errorf("mixture weights: %w", err)
	}
	if err := json.Unmarshal(raw[1], &out.Means); err != nil {
		return fmt.Errorf("mixture means: %w", err)
	}
	if err := json.Unmarshal(raw[2], &out.Covariances); err != nil {
		return fmt.Errorf("mixture covariances: %w", err)
	}
	if err := json.Unmarshal(raw[3], &out.PrecisionsCholesky); err != nil {
		return fmt.Errorf("mixture precisions: %w", err)
	}
	if err := out.validate(); err != nil {
		return err
	}
	*p = out
	return nil
}

func (p Params) validate() error {
	k := len(p.Weights)
	if k == 0 {
		return fmt.Errorf("mixture params: no components")
	}
	if len(p.Means) != k || len(p.Covariances) != k || len(p.PrecisionsCholesky) != k {
		return fmt.Errorf("mixture params: component count mismatch (%d weights, %d means, %d covariances, %d precisions)",
			k, len(p.Means), len(p.Covariances), len(p.PrecisionsCholesky))
	}
	return nil
}

// GaussianMixture is a full-covariance Gaussian mixture over 2D points,
// fitted with expectation-maximization from a k-means initialization.
type GaussianMixture struct {
	NComponents int
	RegCovar    float64
	Tol         float64
	MaxIter     int
	Seed        uint64

	params     *Params
	converged  bool
	nIter      int
	lowerBound float64
}

// NewGaussianMixture returns an unfitted mixture with default fitting
// parameters.
func NewGaussianMixture(nComponents int) *GaussianMixture {
	return &GaussianMixture{
		NComponents: nComponents,
		RegCovar:    defaultRegCovar,
		Tol:         defaultTol,
		MaxIter:     defaultMaxIter,
		Seed:        1,
	}
}

// FromParams returns a fitted mixture using p as is.
func FromParams(p Params) (*GaussianMixture, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	g := NewGaussianMixture(len(p.Weights))
	g.params = &p
	return g, nil
}

// Fitted reports whether parameters are available.
func (g *GaussianMixture) Fitted() bool {
	return g.params != nil
}

// Params returns the fitted parameters, or nil.
func (g *GaussianMixture) Params() *Params {
	return g.params
}

// Converged reports whether the last Fit stopped on tolerance rather than
// on MaxIter.
func (g *GaussianMixture) Converged() bool {
	return g.converged
}

// Iterations returns the number of EM iterations run by the last Fit.
func (g *GaussianMixture) Iterations() int {
	return g.nIter
}

// LowerBound returns the mean log-likelihood reached by the last Fit.
func (g *GaussianMixture) LowerBound() float64 {
	return g.lowerBound
}

// Fit estimates the mixture parameters from points. On error the previous
// parameters are kept.
func (g *GaussianMixture) Fit(points []drawing.Point) error {
	k := g.NComponents
	n := len(points)
	if k < 1 {
		return fmt.Errorf("mixture needs at least one component, got %d", k)
	}
	if n < k {
		return fmt.Errorf("mixture with %d components needs at least %d points, got %d", k, k, n)
	}

	rng := rand.New(rand.NewPCG(g.Seed, g.Seed^0x9e3779b97f4a7c15))
	labels := kmeans(points, k, rng)
	resp := make([]float64, n*k)
	for i, l := range labels {
		resp[i*k+l] = 1
	}
	params, err := mStep(points, resp, k, g.RegCovar)
	if err != nil {
		return fmt.Errorf("initializing mixture: %w", err)
	}

	lowerBound := math.Inf(-1)
	converged := false
	iter := 0
	for iter = 1; iter <= g.MaxIter; iter++ {
		prev := lowerBound
		logProbNorm := eStep(points, params, resp)
		params, err = mStep(points, resp, k, g.RegCovar)
		if err != nil {
			return fmt.Errorf("EM iteration %d: %w", iter, err)
		}
		lowerBound = logProbNorm
		if math.Abs(lowerBound-prev) < g.Tol {
			converged = true
			break
		}
	}
	if iter > g.MaxIter {
		iter = g.MaxIter
	}

	g.params = params
	g.converged = converged
	g.nIter = iter
	g.lowerBound = lowerBound
	return nil
}

// ScoreSamples returns the log-likelihood of every point.
func (g *GaussianMixture) ScoreSamples(points []drawing.Point) []float64 {
	out := make([]float64, len(points))
	buf := make([]float64, len(g.params.Weights))
	for i, p := range points {
		weightedLogProb(p, g.params, buf)
		out[i] = logSumExp(buf)
	}
	return out
}

// Score returns the mean log-likelihood of points.
func (g *GaussianMixture) Score(points []drawing.Point) float64 {
	s := g.ScoreSamples(points)
	var sum float64
	for _, v := range s {
		sum += v
	}
	return sum / float64(len(s))
}

// Predict returns the most probable component for every point.
func (g *GaussianMixture) Predict(points []drawing.Point) []int {
	out := make([]int, len(points))
	buf := make([]float64, len(g.params.Weights))
	for i, p := range points {
		weightedLogProb(p, g.params, buf)
		best := 0
		for j := 1; j < len(buf); j++ {
			if buf[j] > buf[best] {
				best = j
			}
		}
		out[i] = best
	}
	return out
}

// eStep fills resp with the per-point responsibilities and returns the mean
// log-likelihood.
func eStep(points []drawing.Point, p *Params, resp []float64) float64 {
	k := len(p.Weights)
	var total float64
	for i, pt := range points {
		row := resp[i*k : (i+1)*k]
		weightedLogProb(pt, p, row)
		norm := logSumExp(row)
		total += norm
		for j := range row {
			row[j] = math.Exp(row[j] - norm)
		}
	}
	return total / float64(len(points))
}

// mStep re-estimates weights, means and covariances from responsibilities.
func mStep(points []drawing.Point, resp []float64, k int, regCovar float64) (*Params, error) {
	nk := make([]float64, k)
	means := make([][2]float64, k)
	for i, pt := range points {
		row := resp[i*k : (i+1)*k]
		for j, r := range row {
			nk[j] += r
			means[j][0] += r * pt.X
			means[j][1] += r * pt.Y
		}
	}
	for j := range nk {
		nk[j] += 10 * machineEps
		means[j][0] /= nk[j]
		means[j][1] /= nk[j]
	}

	covs := make([]Mat2, k)
	for i, pt := range points {
		row := resp[i*k : (i+1)*k]
		for j, r := range row {
			dx := pt.X - means[j][0]
			dy := pt.Y - means[j][1]
			covs[j][0][0] += r * dx * dx
			covs[j][0][1] += r * dx * dy
			covs[j][1][1] += r * dy * dy
		}
	}
	prec := make([]Mat2, k)
	var wsum float64
	for j := range covs {
		covs[j][0][0] = covs[j][0][0]/nk[j] + regCovar
		covs[j][0][1] /= nk[j]
		covs[j][1][0] = covs[j][0][1]
		covs[j][1][1] = covs[j][1][1]/nk[j] + regCovar
		pc, err := precisionCholesky(covs[j])
		if err != nil {
			return nil, fmt.Errorf("component %d: %w", j, err)
		}
		prec[j] = pc
		wsum += nk[j]
	}
	weights := make([]float64, k)
	for j := range nk {
		weights[j] = nk[j] / wsum
	}
	return &Params{
		Weights:            weights,
		Means:              means,
		Covariances:        covs,
		PrecisionsCholesky: prec,
	}, nil
}

// precisionCholesky returns the transposed inverse of the lower Cholesky
// factor of cov, an upper triangular U with U·Uᵀ = cov⁻¹.
func precisionCholesky(cov Mat2) (Mat2, error) {
	a, b, c := cov[0][0], cov[0][1], cov[1][1]
	if !(a > 0) {
		return Mat2{}, ErrIllConditioned
	}
	l11 := math.Sqrt(a)
	l21 := b / l11
	d := c - l21*l21
	if !(d > 0) {
		return Mat2{}, ErrIllConditioned
	}
	l22 := math.Sqrt(d)
	return Mat2{
		{1 / l11, -l21 / (l11 * l22)},
		{0, 1 / l22},
	}, nil
}

// weightedLogProb writes log(w_j) + log N(p | mu_j, Sigma_j) into out.
func weightedLogProb(p drawing.Point, params *Params, out []float64) {
	for j := range params.Weights {
		pc := params.PrecisionsCholesky[j]
		mu := params.Means[j]
		dx := p.X - mu[0]
		dy := p.Y - mu[1]
		y0 := dx*pc[0][0] + dy*pc[1][0]
		y1 := dx*pc[0][1] + dy*pc[1][1]
		logDet := math.Log(pc[0][0]) + math.Log(pc[1][1])
		out[j] = -0.5*(2*log2Pi+y0*y0+y1*y1) + logDet + math.Log(params.Weights[j])
	}
}

func logSumExp(v []float64) float64 {
	m := math.Inf(-1)
	for _, x := range v {
		if x > m {
			m = x
		}
	}
	if math.IsInf(m, -1) {
		return m
	}
	var s float64
	for _, x := range v {
		s += math.Exp(x - m)
	}
	return m + math.Log(s)
}

// kmeans clusters points into k groups with k-means++ seeding and Lloyd
// iterations, returning the label of every point.
func kmeans(points []drawing.Point, k int, rng *rand.Rand) []int {
	n := len(points)
	centers := make([]drawing.Point, 0, k)
	centers = append(centers, points[rng.IntN(n)])

	dist := make([]float64, n)
	for i := range dist {
		dist[i] = sqDist(points[i], centers[0])
	}
	for len(centers) < k {
		var total float64
		for _, d := range dist {
			total += d
		}
		idx := 0
		if total > 0 {
			target := rng.Float64() * total
			for idx = 0; idx < n-1; idx++ {
				target -= dist[idx]
				if target < 0 {
					break
				}
			}
		} else {
			idx = rng.IntN(n)
		}
		c := points[idx]
		centers = append(centers, c)
		for i := range dist {
			if d := sqDist(points[i], c); d < dist[i] {
				dist[i] = d
			}
		}
	}

	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}
	sums := make([]drawing.Point, k)
	counts := make([]int, k)
	for iter := 0; iter < kmeansMaxIter; iter++ {
		changed := false
		for i, p := range points {
			best, bestD := 0, math.Inf(1)
			for j, c := range centers {
				if d := sqDist(p, c); d < bestD {
					best, bestD = j, d
				}
			}
			if labels[i] != best {
				labels[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}
		for j := range sums {
			sums[j] = drawing.Point{}
			counts[j] = 0
		}
		for i, p := range points {
			l := labels[i]
			sums[l].X += p.X
			sums[l].Y += p.Y
			counts[l]++
		}
		for j := range centers {
			// empty clusters keep their previous center
			if counts[j] > 0 {
				centers[j] = drawing.Point{X: sums[j].X / float64(counts[j]), Y: sums[j].Y / float64(counts[j])}
			}
		}
	}
	return labels
}

func sqDist(a, b drawing.Point) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return dx*dx + dy*dy
}
