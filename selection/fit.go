// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package selection

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
)

// DefaultMu is the per-site, per-day mutation rate used for the fits.
const DefaultMu = 5e-6

// ErrNoObservations is returned by FitSaturation when no finite (x, y)
// pair remains.
var ErrNoObservations = errors.New("selection: no finite observations to fit")

// Grid bounds and size of the saturation-level search.
const (
	gridMin  = 1e-5
	gridMax  = 1
	gridSize = 50
)

// Fit is a saturation curve f(t) = L (1 - exp(-(Mu/L) t)). S = Mu/L is the
// estimated fitness cost of the mutant allele.
type Fit struct {
	L, Mu, S float64
}

// Eval returns f(t).
func (f Fit) Eval(t float64) float64 {
	return saturation(t, f.L, f.Mu)
}

func saturation(t, l, mu float64) float64 {
	return l * (1 - math.Exp(-mu/l*t))
}

// FitSaturation fits the saturation level L of f(t) = L (1 - exp(-(mu/L) t))
// to the observations y at times x, with mu fixed. L is the point of a
// logarithmic grid over [1e-5, 1] with the smallest sum of squared residuals.
// Pairs where either value is not finite are ignored.
func FitSaturation(x, y []float64, mu float64) (Fit, error) {
	if len(x) != len(y) {
		return Fit{}, errors.New("selection: x and y differ in length")
	}
	var xs, ys []float64
	for i := range x {
		if isFinite(x[i]) && isFinite(y[i]) {
			xs = append(xs, x[i])
			ys = append(ys, y[i])
		}
	}
	if len(xs) == 0 {
		return Fit{}, ErrNoObservations
	}
	grid := floats.LogSpan(make([]float64, gridSize), gridMin, gridMax)
	ssr := make([]float64, len(grid))
	for i, l := range grid {
		for j := range xs {
			d := ys[j] - saturation(xs[j], l, mu)
			ssr[i] += d * d
		}
	}
	l := grid[floats.MinIdx(ssr)]
	return Fit{L: l, Mu: mu, S: mu / l}, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
