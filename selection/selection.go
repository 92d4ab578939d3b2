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

/*Package selection quantifies purifying selection from cross-patient
  allele-frequency trajectories.

  At sites that are conserved within a patient (the ancestral allele starts
  near fixation and never drops far), the frequencies of the derived
  nucleotides over time are collected.  They are grouped by the entropy of the
  site in a cross-sectional subtype alignment, and the frequencies of each
  group are fit to a saturation curve whose plateau is mutation-selection
  balance, L = mu/s.
*/
package selection

import (
	"io"
	"math"
	"sort"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/hivevo/hivtraj/allele"
	"github.com/hivevo/hivtraj/shared"
)

// DefaultEntropyBins are the subtype entropy class boundaries, in bits.
var DefaultEntropyBins = []float64{0, 0.03, 0.06, 0.1, 0.25, 0.7, 3}

// BinIndex returns the entropy class of s: the number of bin boundaries
// after the first that are <= s.
func BinIndex(bins []float64, s float64) int {
	i := 0
	for _, b := range bins[1:] {
		if s >= b {
			i++
		}
	}
	return i
}

// CollectOpts controls Collect.
type CollectOpts struct {
	// MinInitialFreq is the smallest ancestral frequency at the first time
	// point of a conserved site.
	MinInitialFreq float64
	// MinFreq is the smallest ancestral frequency at any time point of a
	// conserved site; sites below it are considered sweeps.
	MinFreq float64
}

// DefaultCollectOpts are the default values for CollectOpts.
var DefaultCollectOpts = CollectOpts{
	MinInitialFreq: 0.95,
	MinFreq:        0.6,
}

// Observation is the frequency of a derived nucleotide at one site, patient
// and time point.
type Observation struct {
	Region    string  `tsv:"region"`
	Patient   string  `tsv:"patient"`
	RefPos    int     `tsv:"pos_ref"`
	Ancestral string  `tsv:"anc"`
	Derived   string  `tsv:"der"`
	Mutation  string  `tsv:"mut"`
	Class     string  `tsv:"tr"`
	Entropy   float64 `tsv:"S_sub"`
	Time      float64 `tsv:"time"`
	Freq      float64 `tsv:"af"`
}

// Collect returns the derived-allele observations at the conserved sites of
// r. entropy is indexed by reference position; sites beyond its end or with
// NaN entropy are skipped.
func Collect(r *shared.Result, entropy []float64, opts CollectOpts) []Observation {
	var obs []Observation
	for _, site := range r.Sites {
		if site.RefPos >= len(entropy) || math.IsNaN(entropy[site.RefPos]) {
			continue
		}
		s := entropy[site.RefPos]
		for _, traj := range site.Trajectories {
			var points []*shared.Point
			for i := range traj.Points {
				if traj.Points[i].Valid() {
					points = append(points, &traj.Points[i])
				}
			}
			if len(points) == 0 {
				continue
			}
			anc := points[0].Major()
			if anc >= allele.NNuc || points[0].Freqs[anc] < opts.MinInitialFreq {
				continue
			}
			sweep := false
			for _, p := range points {
				if p.Freqs[anc] < opts.MinFreq {
					sweep = true
					break
				}
			}
			if sweep {
				continue
			}
			ancName := string(allele.EnumToASCIITable[anc])
			for der := byte(0); der < allele.NNuc; der++ {
				if der == anc {
					continue
				}
				derName := string(allele.EnumToASCIITable[der])
				for _, p := range points {
					obs = append(obs, Observation{
						Region:    r.Region,
						Patient:   traj.Patient,
						RefPos:    site.RefPos,
						Ancestral: ancName,
						Derived:   derName,
						Mutation:  ancName + "->" + derName,
						Class:     substitutionClass(anc, der),
						Entropy:   s,
						Time:      p.Time,
						Freq:      p.Freqs[der],
					})
				}
			}
		}
	}
	return obs
}

// Substitution classes of Observation.Class.
const (
	Transition   = "ts"
	Transversion = "tv"
)

func substitutionClass(a, b byte) string {
	if allele.IsTransition(a, b) {
		return Transition
	}
	return Transversion
}

// BinFit is the saturation fit of one entropy class of one region.
type BinFit struct {
	Region        string  `tsv:"region"`
	Bin           int     `tsv:"iSbin"`
	EntropyMin    float64 `tsv:"Smin"`
	EntropyMax    float64 `tsv:"Smax"`
	EntropyCenter float64 `tsv:"S"`
	L             float64 `tsv:"l"`
	Mu            float64 `tsv:"mu"`
	S             float64 `tsv:"s"`
	N             int     `tsv:"n"`
}

type binKey struct {
	region string
	bin    int
}

// FitBins groups observations by region and entropy class and fits each
// group. Observations in the last class (entropy >= bins[len(bins)-2]) are
// excluded, and groups whose fit fails are dropped. Fits are ordered by
// region, then class.
func FitBins(obs []Observation, bins []float64, mu float64) []BinFit {
	type xy struct{ x, y []float64 }
	groups := map[binKey]*xy{}
	for _, o := range obs {
		if o.Entropy >= bins[len(bins)-2] {
			continue
		}
		k := binKey{o.Region, BinIndex(bins, o.Entropy)}
		g := groups[k]
		if g == nil {
			g = &xy{}
			groups[k] = g
		}
		g.x = append(g.x, o.Time)
		g.y = append(g.y, o.Freq)
	}
	keys := make([]binKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].region != keys[j].region {
			return keys[i].region < keys[j].region
		}
		return keys[i].bin < keys[j].bin
	})
	var fits []BinFit
	for _, k := range keys {
		g := groups[k]
		fit, err := FitSaturation(g.x, g.y, mu)
		if err != nil {
			log.Printf("selection: %s entropy class %d: %v, dropping", k.region, k.bin, err)
			continue
		}
		fits = append(fits, BinFit{
			Region:        k.region,
			Bin:           k.bin,
			EntropyMin:    bins[k.bin],
			EntropyMax:    bins[k.bin+1],
			EntropyCenter: 0.5 * (bins[k.bin] + bins[k.bin+1]),
			L:             fit.L,
			Mu:            fit.Mu,
			S:             fit.S,
			N:             len(g.x),
		})
	}
	return fits
}

// WriteObservations writes obs as a TSV with a header row.
func WriteObservations(w io.Writer, obs []Observation) error {
	rw := tsv.NewRowWriter(w)
	for i := range obs {
		if err := rw.Write(&obs[i]); err != nil {
			return err
		}
	}
	return rw.Flush()
}

// WriteFits writes fits as a TSV with a header row.
func WriteFits(w io.Writer, fits []BinFit) error {
	rw := tsv.NewRowWriter(w)
	for i := range fits {
		if err := rw.Write(&fits[i]); err != nil {
			return err
		}
	}
	return rw.Flush()
}
