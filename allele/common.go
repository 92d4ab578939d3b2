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

// Package allele holds per-position allele counts and the frequency
// trajectories derived from them.
package allele

import (
	"fmt"
)

// Symbols are enumerated in the order of the count arrays written by the
// sequencing pipeline: the four nucleotides, then gap, then N.
const (
	// SymA represents an A base.
	SymA byte = iota
	// SymC represents a C base.
	SymC
	// SymG represents a G base.
	SymG
	// SymT represents a T base.
	SymT
	// SymGap represents a deletion relative to the sample consensus.
	SymGap
	// SymN is a catch-all for ambiguous calls.
	SymN
)

const (
	// NNuc is the number of regular nucleotides.
	NNuc = 4
	// NSymbol counts gap and N as well as the nucleotides.
	NSymbol = 6
)

// Alphabet is the ASCII rendering of the symbol enum.
const Alphabet = "ACGT-N"

// EnumToASCIITable is the symbol enum -> ASCII mapping.
var EnumToASCIITable = [NSymbol]byte{'A', 'C', 'G', 'T', '-', 'N'}

// ASCIIToEnumTable maps ASCII to the symbol enum. Anything that is not a
// nucleotide or a gap (in either case) maps to SymN.
var ASCIIToEnumTable = func() (t [256]byte) {
	for i := range t {
		t[i] = SymN
	}
	for sym, c := range EnumToASCIITable {
		t[c] = byte(sym)
		t[c|0x20] = byte(sym)
	}
	return
}()

// IsTransition reports whether the substitution a <-> b (symbol enums) is a
// purine-purine or pyrimidine-pyrimidine change.
func IsTransition(a, b byte) bool {
	switch {
	case a == SymA && b == SymG, a == SymG && b == SymA:
		return true
	case a == SymC && b == SymT, a == SymT && b == SymC:
		return true
	}
	return false
}

// Counts is a raw read-count array indexed by [time point, symbol,
// position].
type Counts struct {
	NTimes int
	NPos   int
	Data   []uint32
}

// NewCounts allocates a zeroed count array.
func NewCounts(nTimes, nPos int) *Counts {
	return &Counts{
		NTimes: nTimes,
		NPos:   nPos,
		Data:   make([]uint32, nTimes*NSymbol*nPos),
	}
}

func (c *Counts) index(t int, sym byte, pos int) int {
	return (t*NSymbol+int(sym))*c.NPos + pos
}

// At returns the count of sym at (t, pos).
func (c *Counts) At(t int, sym byte, pos int) uint32 {
	return c.Data[c.index(t, sym, pos)]
}

// Set sets the count of sym at (t, pos).
func (c *Counts) Set(t int, sym byte, pos int, v uint32) {
	c.Data[c.index(t, sym, pos)] = v
}

// Depth returns the total count over all symbols at (t, pos).
func (c *Counts) Depth(t, pos int) uint32 {
	var d uint32
	for sym := byte(0); sym < NSymbol; sym++ {
		d += c.At(t, sym, pos)
	}
	return d
}

// Validate checks that Data matches the declared shape.
func (c *Counts) Validate() error {
	if c.NTimes < 0 || c.NPos < 0 {
		return fmt.Errorf("allele.Counts: negative shape [%d, %d, %d]", c.NTimes, NSymbol, c.NPos)
	}
	if want := c.NTimes * NSymbol * c.NPos; len(c.Data) != want {
		return fmt.Errorf("allele.Counts: %d values for shape [%d, %d, %d]", len(c.Data), c.NTimes, NSymbol, c.NPos)
	}
	return nil
}
