/*Package propagator accumulates the empirical propagator of allele
  frequencies: the distribution of the frequency x1 of an allele at a later
  time point, conditioned on its frequency x0 at an earlier one.

  Initial frequencies are binned between 0.002 and 0.998. Final frequency bins
  extend to 0 and 1, so that the first and last final bins collect loss and
  fixation.
*/
package propagator

import (
	"io"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
	"github.com/hivevo/hivtraj/allele"
	"gonum.org/v1/gonum/floats"
)

// Frequency range covered by the initial bins.
const (
	MinFreq = 0.002
	MaxFreq = 0.998
)

// DefaultNBinsX is the default number of initial-frequency bin edges.
const DefaultNBinsX = 14

// DefaultBinsY are the final-frequency bin edges used by the CLI. They are
// finer near loss and fixation.
var DefaultBinsY = []float64{
	0,
	0.002,
	0.005, 0.009, 0.013, 0.025,
	0.04136464, 0.08089993, 0.12077255,
	0.16115779, 0.2022444, 0.24424043, 0.28738044, 0.33193475,
	0.37822187, 0.42662549, 0.4776187, 0.53179937, 0.58994409,
	0.65309361, 0.72269518, 0.80085467, 0.89081905,
	0.95, 0.975, 0.987, 0.991, 0.994,
	0.998,
	1,
}

// Propagator is a two-dimensional histogram of (x0, x1) frequency pairs.
type Propagator struct {
	// BinsX and BinsY are the bin edges; CentersX and CentersY have one
	// element per bin.
	BinsX, BinsY       []float64
	CentersX, CentersY []float64
	Logit              bool
	// Hist[i][j] counts pairs with x0 in initial bin i and x1 in final bin j.
	Hist [][]float64
}

// New creates an empty propagator with nBinsX initial bin edges. If binsY is
// nil, the final bins mirror the initial ones with 0 and 1 added at the
// ends; otherwise binsY must be increasing, start at 0 and end at 1. With
// useLogit, generated edges are evenly spaced in log10(x/(1-x)) rather than
// in log10(x).
func New(nBinsX int, binsY []float64, useLogit bool) (*Propagator, error) {
	if nBinsX < 2 {
		return nil, errors.E(errors.Invalid, "propagator: need at least two initial bin edges")
	}
	p := &Propagator{Logit: useLogit}
	p.BinsX, p.CentersX = edges(nBinsX, useLogit)
	if binsY == nil {
		inner, innerCenters := edges(nBinsX, useLogit)
		p.BinsY = append(append([]float64{0}, inner...), 1)
		p.CentersY = append(append([]float64{0}, innerCenters...), 1)
	} else {
		if len(binsY) < 4 || binsY[0] != 0 || binsY[len(binsY)-1] != 1 || !sort.Float64sAreSorted(binsY) {
			return nil, errors.E(errors.Invalid, "propagator: final bins must increase from 0 to 1 with at least three bins")
		}
		p.BinsY = append([]float64(nil), binsY...)
		p.CentersY = make([]float64, len(binsY)-1)
		for j := 1; j < len(binsY)-2; j++ {
			p.CentersY[j] = 0.5 * (binsY[j] + binsY[j+1])
		}
		p.CentersY[len(p.CentersY)-1] = 1
	}
	p.Hist = make([][]float64, len(p.BinsX)-1)
	for i := range p.Hist {
		p.Hist[i] = make([]float64, len(p.BinsY)-1)
	}
	return p, nil
}

func logit(x float64) float64 { return math.Log10(x / (1 - x)) }
func expit(y float64) float64 { return 1 / (1 + math.Pow(10, -y)) }
func geomean(a, b float64) float64 { return math.Sqrt(a * b) }

// edges returns n bin edges between MinFreq and MaxFreq and the n-1 bin
// centers.
func edges(n int, useLogit bool) (bins, centers []float64) {
	bins = make([]float64, n)
	centers = make([]float64, n-1)
	if !useLogit {
		floats.LogSpan(bins, MinFreq, MaxFreq)
		for i := range centers {
			centers[i] = geomean(bins[i], bins[i+1])
		}
		return
	}
	floats.Span(bins, logit(MinFreq), logit(MaxFreq))
	for i := range centers {
		centers[i] = expit(0.5 * (bins[i] + bins[i+1]))
	}
	for i := range bins {
		bins[i] = expit(bins[i])
	}
	return
}

// bin returns the bin of v among edges, or -1 if v is outside them. Bins are
// half-open except the last, which includes its upper edge.
func bin(edges []float64, v float64) int {
	n := len(edges)
	if math.IsNaN(v) || v < edges[0] || v > edges[n-1] {
		return -1
	}
	if v == edges[n-1] {
		return n - 2
	}
	return sort.Search(n, func(i int) bool { return edges[i] > v }) - 1
}

// Add counts one (x0, x1) pair. Pairs outside the bins are ignored. It
// reports whether the pair was counted.
func (p *Propagator) Add(x0, x1 float64) bool {
	i, j := bin(p.BinsX, x0), bin(p.BinsY, x1)
	if i < 0 || j < 0 {
		return false
	}
	p.Hist[i][j]++
	return true
}

// AddTrajectory counts the frequency pairs of every symbol at every position
// of traj between any two time points i < j whose time difference lies in
// [dtMin, dtMax]. Only positions valid at both time points contribute.
// times[t] is the time of row t of traj. It returns the number of pairs
// counted.
func (p *Propagator) AddTrajectory(times []float64, traj *allele.Trajectory, dtMin, dtMax float64) (int, error) {
	if len(times) != traj.NTimes {
		return 0, errors.E(errors.Invalid, "propagator: times do not match trajectory")
	}
	n := 0
	for i := 0; i < traj.NTimes-1; i++ {
		for j := i + 1; j < traj.NTimes; j++ {
			if dt := times[j] - times[i]; dt < dtMin || dt > dtMax {
				continue
			}
			for pos := 0; pos < traj.NPos; pos++ {
				s0, s1 := traj.At(i, pos), traj.At(j, pos)
				if !s0.Valid() || !s1.Valid() {
					continue
				}
				for sym := range s0.Freqs {
					if p.Add(s0.Freqs[sym], s1.Freqs[sym]) {
						n++
					}
				}
			}
		}
	}
	return n, nil
}

// Normalized returns the conditional density P(x1 | x0): each row of the
// histogram divided by its total and by the widths of the final bins. Rows
// without counts are NaN.
func (p *Propagator) Normalized() [][]float64 {
	z := make([][]float64, len(p.Hist))
	for i, row := range p.Hist {
		z[i] = make([]float64, len(row))
		total := floats.Sum(row)
		for j, c := range row {
			if total == 0 {
				z[i][j] = math.NaN()
				continue
			}
			z[i][j] = c / total / (p.BinsY[j+1] - p.BinsY[j])
		}
	}
	return z
}

// Row is one cell of a propagator as written by Write.
type Row struct {
	X0Min    float64 `tsv:"x0_min"`
	X0Max    float64 `tsv:"x0_max"`
	X0Center float64 `tsv:"x0_center"`
	X1Min    float64 `tsv:"x1_min"`
	X1Max    float64 `tsv:"x1_max"`
	X1Center float64 `tsv:"x1_center"`
	Count    float64 `tsv:"count"`
	Density  float64 `tsv:"density"`
}

// Write writes every cell of p as a TSV with a header row.
func (p *Propagator) Write(w io.Writer) error {
	z := p.Normalized()
	rw := tsv.NewRowWriter(w)
	for i, row := range p.Hist {
		for j, c := range row {
			r := Row{
				X0Min:    p.BinsX[i],
				X0Max:    p.BinsX[i+1],
				X0Center: p.CentersX[i],
				X1Min:    p.BinsY[j],
				X1Max:    p.BinsY[j+1],
				X1Center: p.CentersY[j],
				Count:    c,
				Density:  z[i][j],
			}
			if err := rw.Write(&r); err != nil {
				return err
			}
		}
	}
	return rw.Flush()
}
