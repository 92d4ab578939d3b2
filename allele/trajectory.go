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
package allele

import (
	"fmt"
	"math"
)

// Status tags a (time point, position) entry of a frequency trajectory.
type Status uint8

const (
	// LowDepth means the total count was below NormalizeOpts.MinDepth; the
	// entry carries no frequencies.
	LowDepth Status = iota
	// Valid means Freqs holds normalized frequencies summing to 1.
	Valid
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case LowDepth:
		return "low-depth"
	case Valid:
		return "valid"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Site is one (time point, position) entry of a frequency trajectory.
type Site struct {
	Status Status
	Depth  uint32
	Freqs  [NSymbol]float64
}

// Valid reports whether s carries frequencies.
func (s *Site) Valid() bool { return s.Status == Valid }

// Major returns the most frequent symbol. The result is meaningless for a
// LowDepth site.
func (s *Site) Major() byte {
	best := byte(0)
	for sym := byte(1); sym < NSymbol; sym++ {
		if s.Freqs[sym] > s.Freqs[best] {
			best = sym
		}
	}
	return best
}

// NormalizeOpts controls the count -> frequency conversion.
type NormalizeOpts struct {
	// MinDepth is the smallest total count at which a site is considered.
	MinDepth uint32
	// NoiseFloor is the frequency resolution used when the number of
	// templates is unknown, and the lower bound of every depth ceiling.
	NoiseFloor float64
}

// DefaultNormalizeOpts mirrors the thresholds used for the cross-patient
// trajectories.
var DefaultNormalizeOpts = NormalizeOpts{
	MinDepth:   1000,
	NoiseFloor: 2e-3,
}

// DepthCeilings returns max(1/n, floor) for every template count n.
// Missing (NaN) or non-positive template counts fall back to floor.
func DepthCeilings(nTemplates []float64, floor float64) []float64 {
	ceilings := make([]float64, len(nTemplates))
	for i, n := range nTemplates {
		if math.IsNaN(n) || n <= 0 {
			ceilings[i] = floor
			continue
		}
		ceilings[i] = math.Max(1.0/n, floor)
	}
	return ceilings
}

// Trajectory holds frequencies indexed by [time point, position].
type Trajectory struct {
	NTimes int
	NPos   int
	Sites  []Site
}

// At returns the site at (t, pos).
func (tr *Trajectory) At(t, pos int) *Site {
	return &tr.Sites[t*tr.NPos+pos]
}

// ValidTimes returns the time points with at least one valid site.
func (tr *Trajectory) ValidTimes() []int {
	var ts []int
	for t := 0; t < tr.NTimes; t++ {
		for pos := 0; pos < tr.NPos; pos++ {
			if tr.At(t, pos).Valid() {
				ts = append(ts, t)
				break
			}
		}
	}
	return ts
}

// Subset returns a trajectory of the time points ts, in that order.
func (tr *Trajectory) Subset(ts []int) *Trajectory {
	out := &Trajectory{NTimes: len(ts), NPos: tr.NPos, Sites: make([]Site, 0, len(ts)*tr.NPos)}
	for _, t := range ts {
		out.Sites = append(out.Sites, tr.Sites[t*tr.NPos:(t+1)*tr.NPos]...)
	}
	return out
}

// Consensus returns the major allele at every position at time point t, with
// N at LowDepth sites.
func (tr *Trajectory) Consensus(t int) []byte {
	cons := make([]byte, tr.NPos)
	for pos := range cons {
		s := tr.At(t, pos)
		if !s.Valid() {
			cons[pos] = EnumToASCIITable[SymN]
			continue
		}
		cons[pos] = EnumToASCIITable[s.Major()]
	}
	return cons
}

// Normalize converts counts into a frequency trajectory. ceilings[t] is the
// depth ceiling of time point t: frequencies below it are snapped to 0,
// frequencies above 1-ceilings[t] are snapped to 1, and the site is
// renormalized.
func Normalize(counts *Counts, ceilings []float64, opts NormalizeOpts) (*Trajectory, error) {
	if err := counts.Validate(); err != nil {
		return nil, err
	}
	if len(ceilings) != counts.NTimes {
		return nil, fmt.Errorf("allele.Normalize: %d depth ceilings for %d time points", len(ceilings), counts.NTimes)
	}
	tr := &Trajectory{
		NTimes: counts.NTimes,
		NPos:   counts.NPos,
		Sites:  make([]Site, counts.NTimes*counts.NPos),
	}
	for t := 0; t < counts.NTimes; t++ {
		for pos := 0; pos < counts.NPos; pos++ {
			normalizeSite(tr.At(t, pos), counts, t, pos, ceilings[t], opts.MinDepth)
		}
	}
	return tr, nil
}

func normalizeSite(s *Site, counts *Counts, t, pos int, ceiling float64, minDepth uint32) {
	depth := counts.Depth(t, pos)
	s.Depth = depth
	if depth == 0 || depth < minDepth {
		s.Status = LowDepth
		return
	}
	var raw [NSymbol]float64
	for sym := byte(0); sym < NSymbol; sym++ {
		raw[sym] = float64(counts.At(t, sym, pos)) / float64(depth)
	}
	snapped := raw
	total := 0.0
	for sym := range snapped {
		switch {
		case snapped[sym] < ceiling:
			snapped[sym] = 0
		case snapped[sym] > 1-ceiling:
			snapped[sym] = 1
		}
		total += snapped[sym]
	}
	// With a ceiling above 1/NSymbol every allele can fall below it.
	if total == 0 {
		snapped, total = raw, 1
	}
	for sym := range snapped {
		s.Freqs[sym] = snapped[sym] / total
	}
	s.Status = Valid
}
