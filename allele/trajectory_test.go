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
package allele_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/grailbio/testutil/expect"
	"github.com/hivevo/hivtraj/allele"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countsFromRows(rows [][][]uint32) *allele.Counts {
	c := allele.NewCounts(len(rows), len(rows[0][0]))
	for t, syms := range rows {
		for sym, byPos := range syms {
			for pos, v := range byPos {
				c.Set(t, byte(sym), pos, v)
			}
		}
	}
	return c
}

func TestDepthCeilings(t *testing.T) {
	got := allele.DepthCeilings([]float64{10, 1000, math.NaN(), 0, -3}, 2e-3)
	expect.EQ(t, got, []float64{0.1, 2e-3, 2e-3, 2e-3, 2e-3})
}

func TestNormalizeLowDepth(t *testing.T) {
	// One time point, two positions: position 0 has no reads at all,
	// position 1 has fewer reads than the minimum.
	c := countsFromRows([][][]uint32{{
		{0, 10}, {0, 0}, {0, 0}, {0, 0}, {0, 0}, {0, 0},
	}})
	tr, err := allele.Normalize(c, []float64{2e-3}, allele.DefaultNormalizeOpts)
	require.NoError(t, err)
	for pos := 0; pos < 2; pos++ {
		s := tr.At(0, pos)
		expect.EQ(t, s.Status, allele.LowDepth)
		for _, f := range s.Freqs {
			expect.False(t, math.IsNaN(f))
			expect.EQ(t, f, 0.0)
		}
	}
	expect.EQ(t, tr.At(0, 1).Depth, uint32(10))
	expect.EQ(t, len(tr.ValidTimes()), 0)
}

func TestNormalizeSnapping(t *testing.T) {
	c := countsFromRows([][][]uint32{{
		{9990}, {5}, {5}, {0}, {0}, {0},
	}, {
		{700}, {300}, {0}, {0}, {0}, {0},
	}})
	tr, err := allele.Normalize(c, []float64{0.01, 0.01}, allele.NormalizeOpts{MinDepth: 100, NoiseFloor: 0.01})
	require.NoError(t, err)

	s := tr.At(0, 0)
	expect.True(t, s.Valid())
	expect.EQ(t, s.Freqs[allele.SymA], 1.0)
	expect.EQ(t, s.Freqs[allele.SymC], 0.0)
	expect.EQ(t, s.Freqs[allele.SymG], 0.0)

	s = tr.At(1, 0)
	assert.InDelta(t, 0.7, s.Freqs[allele.SymA], 1e-12)
	assert.InDelta(t, 0.3, s.Freqs[allele.SymC], 1e-12)
	expect.EQ(t, s.Major(), allele.SymA)
	expect.EQ(t, tr.ValidTimes(), []int{0, 1})
	expect.EQ(t, string(tr.Consensus(1)), "A")
}

func TestNormalizeAllBelowCeiling(t *testing.T) {
	// Six equally frequent symbols all fall below a ceiling of 0.2.
	c := countsFromRows([][][]uint32{{
		{100}, {100}, {100}, {100}, {100}, {100},
	}})
	tr, err := allele.Normalize(c, []float64{0.2}, allele.NormalizeOpts{MinDepth: 1, NoiseFloor: 0.2})
	require.NoError(t, err)
	s := tr.At(0, 0)
	expect.True(t, s.Valid())
	sum := 0.0
	for _, f := range s.Freqs {
		sum += f
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
}

func TestNormalizeSumsToOne(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	const nTimes, nPos = 5, 200
	c := allele.NewCounts(nTimes, nPos)
	for i := range c.Data {
		// Skew towards a dominant allele so that snapping happens often.
		if r.Intn(4) == 0 {
			c.Data[i] = uint32(r.Intn(5000))
		} else {
			c.Data[i] = uint32(r.Intn(5))
		}
	}
	ceilings := allele.DepthCeilings([]float64{50, 100, 1000, math.NaN(), 3}, 2e-3)
	tr, err := allele.Normalize(c, ceilings, allele.NormalizeOpts{MinDepth: 1000, NoiseFloor: 2e-3})
	require.NoError(t, err)
	for ti := 0; ti < nTimes; ti++ {
		for pos := 0; pos < nPos; pos++ {
			s := tr.At(ti, pos)
			if c.Depth(ti, pos) < 1000 {
				require.Equal(t, allele.LowDepth, s.Status, "t=%d pos=%d", ti, pos)
				continue
			}
			require.True(t, s.Valid())
			sum := 0.0
			for _, f := range s.Freqs {
				sum += f
				require.False(t, math.IsNaN(f))
			}
			require.InDelta(t, 1.0, sum, 1e-9, "t=%d pos=%d", ti, pos)
		}
	}
}

func TestNormalizeShapeMismatch(t *testing.T) {
	c := allele.NewCounts(2, 3)
	_, err := allele.Normalize(c, []float64{0.1}, allele.DefaultNormalizeOpts)
	require.Error(t, err)

	c.Data = c.Data[:5]
	_, err = allele.Normalize(c, []float64{0.1, 0.1}, allele.DefaultNormalizeOpts)
	require.Error(t, err)
}

func TestASCIIToEnum(t *testing.T) {
	for i, c := range []byte("ACGT-Nacgtnx") {
		want := []byte{allele.SymA, allele.SymC, allele.SymG, allele.SymT, allele.SymGap, allele.SymN,
			allele.SymA, allele.SymC, allele.SymG, allele.SymT, allele.SymN, allele.SymN}[i]
		expect.EQ(t, allele.ASCIIToEnumTable[c], want, "char %c", c)
	}
	expect.True(t, allele.IsTransition(allele.SymC, allele.SymT))
	expect.True(t, allele.IsTransition(allele.SymG, allele.SymA))
	expect.False(t, allele.IsTransition(allele.SymA, allele.SymT))
}

func TestSubset(t *testing.T) {
	c := countsFromRows([][][]uint32{{
		{1000}, {0}, {0}, {0}, {0}, {0},
	}, {
		{10}, {0}, {0}, {0}, {0}, {0},
	}, {
		{0}, {1000}, {0}, {0}, {0}, {0},
	}})
	tr, err := allele.Normalize(c, []float64{0.01, 0.01, 0.01}, allele.NormalizeOpts{MinDepth: 100, NoiseFloor: 0.01})
	require.NoError(t, err)
	sub := tr.Subset([]int{2, 0})
	expect.EQ(t, sub.NTimes, 2)
	expect.EQ(t, sub.NPos, 1)
	expect.EQ(t, string(sub.Consensus(0)), "C")
	expect.EQ(t, string(sub.Consensus(1)), "A")
	expect.EQ(t, len(tr.Subset(nil).Sites), 0)
}
