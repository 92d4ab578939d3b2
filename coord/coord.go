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

/*Package coord maps between the columns of a multiple sequence alignment and
  the ungapped coordinates of each aligned sequence.

  A Map has one row per aligned sequence and one column per kept alignment
  column.  Entry (i, c) is the 0-based position, within sequence i with its
  gaps removed, of the character in column c; it is undefined where sequence
  i has a gap.
*/
package coord

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// Gap is the alignment gap character.
const Gap = '-'

// undefined marks a gap in the flattened table.
const undefined = -1

// Map is a coordinate map from alignment columns to ungapped positions.
type Map struct {
	NRows int
	NCols int
	// Columns[c] is the alignment column that map column c was built from.
	// It is the identity unless the map has been stripped.
	Columns []int
	data    []int32
}

// BuildOpts controls Build.
type BuildOpts struct {
	// StripGaps removes every column that is a gap in at least one row.
	StripGaps bool
}

// nonGapMask returns the set of columns of seq that are not gaps.
func nonGapMask(seq string) *bitset.BitSet {
	mask := bitset.New(uint(len(seq)))
	for c := 0; c < len(seq); c++ {
		if seq[c] != Gap {
			mask.Set(uint(c))
		}
	}
	return mask
}

// Build computes the coordinate map of the aligned sequences seqs. All
// sequences must have the same length.
func Build(seqs []string, opts BuildOpts) (*Map, error) {
	nCols := 0
	if len(seqs) > 0 {
		nCols = len(seqs[0])
	}
	for i, s := range seqs {
		if len(s) != nCols {
			return nil, fmt.Errorf("coord.Build: row %d has length %d, want %d", i, len(s), nCols)
		}
	}
	m := &Map{
		NRows:   len(seqs),
		NCols:   nCols,
		Columns: make([]int, nCols),
		data:    make([]int32, len(seqs)*nCols),
	}
	for c := range m.Columns {
		m.Columns[c] = c
	}
	for i, s := range seqs {
		row := m.data[i*nCols : (i+1)*nCols]
		for c := range row {
			row[c] = undefined
		}
		mask := nonGapMask(s)
		pos := int32(0)
		for c, ok := mask.NextSet(0); ok; c, ok = mask.NextSet(c + 1) {
			row[c] = pos
			pos++
		}
	}
	if opts.StripGaps {
		return m.Strip(), nil
	}
	return m, nil
}

// At returns the ungapped position of column col in row, and false if the
// row has a gap there.
func (m *Map) At(row, col int) (int, bool) {
	v := m.data[row*m.NCols+col]
	if v == undefined {
		return 0, false
	}
	return int(v), true
}

// Row returns the positions of row, with -1 at gaps. The result must not be
// modified.
func (m *Map) Row(row int) []int32 {
	return m.data[row*m.NCols : (row+1)*m.NCols]
}

// Defined returns the number of defined entries in row.
func (m *Map) Defined(row int) int {
	n := 0
	for _, v := range m.Row(row) {
		if v != undefined {
			n++
		}
	}
	return n
}

// complete returns the columns that are defined in every row.
func (m *Map) complete() *bitset.BitSet {
	keep := bitset.New(uint(m.NCols))
	if m.NRows == 0 {
		return keep
	}
	keep.FlipRange(0, uint(m.NCols))
	for i := 0; i < m.NRows; i++ {
		for c, v := range m.Row(i) {
			if v == undefined {
				keep.Clear(uint(c))
			}
		}
	}
	return keep
}

// Strip returns a map restricted to the columns that are defined in every
// row. A column that is a gap everywhere never survives.
func (m *Map) Strip() *Map {
	keep := m.complete()
	n := int(keep.Count())
	out := &Map{
		NRows:   m.NRows,
		NCols:   n,
		Columns: make([]int, 0, n),
		data:    make([]int32, m.NRows*n),
	}
	for c, ok := keep.NextSet(0); ok; c, ok = keep.NextSet(c + 1) {
		out.Columns = append(out.Columns, m.Columns[c])
	}
	for i := 0; i < m.NRows; i++ {
		src := m.Row(i)
		dst := out.data[i*n : (i+1)*n]
		j := 0
		for c, ok := keep.NextSet(0); ok; c, ok = keep.NextSet(c + 1) {
			dst[j] = src[c]
			j++
		}
	}
	return out
}

// ReferenceMap returns, for every column of m, the ungapped position in the
// aligned reference sequence refAligned of the underlying alignment column,
// or -1 if the reference has a gap there.
func ReferenceMap(refAligned string, m *Map) ([]int, error) {
	cumulative := make([]int, len(refAligned))
	n := 0
	for c := 0; c < len(refAligned); c++ {
		if refAligned[c] != Gap {
			n++
			cumulative[c] = n - 1
		} else {
			cumulative[c] = undefined
		}
	}
	refcoo := make([]int, m.NCols)
	for c, col := range m.Columns {
		if col >= len(refAligned) {
			return nil, fmt.Errorf("coord.ReferenceMap: column %d outside reference of length %d", col, len(refAligned))
		}
		refcoo[c] = cumulative[col]
	}
	return refcoo, nil
}

// Pairs returns (position in row a, position in row b) for every column where
// both rows are defined, in column order.
func (m *Map) Pairs(a, b int) [][2]int {
	ra, rb := m.Row(a), m.Row(b)
	var pairs [][2]int
	for c := range ra {
		if ra[c] == undefined || rb[c] == undefined {
			continue
		}
		pairs = append(pairs, [2]int{int(ra[c]), int(rb[c])})
	}
	return pairs
}

// Lookup returns the map column holding position pos of row, or -1. Rows are
// strictly increasing where defined, so this is a binary search over the
// defined entries.
func (m *Map) Lookup(row, pos int) int {
	r := m.Row(row)
	lo, hi := 0, len(r)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		// Skip left over gaps to find a defined probe.
		probe := mid
		for probe >= lo && r[probe] == undefined {
			probe--
		}
		if probe < lo {
			lo = mid + 1
			continue
		}
		switch v := int(r[probe]); {
		case v == pos:
			return probe
		case v < pos:
			lo = mid + 1
		default:
			hi = probe
		}
	}
	return -1
}
