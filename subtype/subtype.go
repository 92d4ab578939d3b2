// Package subtype computes per-position allele frequencies and entropy of a
// large cross-sectional alignment of one HIV-1 subtype. The entropy measures
// how conserved a position is across the population and is used to classify
// sites by their expected fitness cost.
package subtype

import (
	"context"
	"io"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
	"github.com/hivevo/hivtraj/allele"
	"github.com/hivevo/hivtraj/coord"
	"github.com/hivevo/hivtraj/encoding/fasta"
)

// Load reads a subtype alignment. If refName is not empty, the alignment is
// restricted to the columns where that sequence has no gap, so that column i
// is position i of the reference, and the reference row is removed.
func Load(ctx context.Context, path, refName string) (*fasta.Alignment, error) {
	ali, err := fasta.LoadAlignment(ctx, path)
	if err != nil {
		return nil, err
	}
	if refName == "" {
		return ali, nil
	}
	return ReferenceColumns(ali, refName)
}

// ReferenceColumns restricts ali to the columns where the named row has no
// gap, and removes that row.
func ReferenceColumns(ali *fasta.Alignment, refName string) (*fasta.Alignment, error) {
	ri := ali.Index(refName)
	if ri < 0 {
		return nil, errors.E(errors.NotExist, "subtype: no sequence named "+refName+" in alignment")
	}
	ref := ali.Seqs[ri]
	var keep []int
	for c := 0; c < len(ref); c++ {
		if ref[c] != coord.Gap {
			keep = append(keep, c)
		}
	}
	out := &fasta.Alignment{}
	buf := make([]byte, len(keep))
	for i, seq := range ali.Seqs {
		if i == ri {
			continue
		}
		for j, c := range keep {
			buf[j] = seq[c]
		}
		out.Names = append(out.Names, ali.Names[i])
		out.Seqs = append(out.Seqs, string(buf))
	}
	return out, nil
}

// AlleleFrequencies returns the frequency of each symbol of alphabet in every
// column of seqs, indexed by [symbol][column]. Characters outside the
// alphabet are ignored; a column with no counted character has all
// frequencies NaN.
func AlleleFrequencies(seqs []string, alphabet string) ([][]float64, error) {
	nCols := 0
	if len(seqs) > 0 {
		nCols = len(seqs[0])
	}
	var index [256]int
	for i := range index {
		index[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		index[alphabet[i]] = i
	}
	afs := make([][]float64, len(alphabet))
	for i := range afs {
		afs[i] = make([]float64, nCols)
	}
	for _, seq := range seqs {
		if len(seq) != nCols {
			return nil, errors.E(errors.Invalid, "subtype: sequences differ in length")
		}
		for c := 0; c < nCols; c++ {
			if i := index[seq[c]]; i >= 0 {
				afs[i][c]++
			}
		}
	}
	for c := 0; c < nCols; c++ {
		total := 0.0
		for i := range afs {
			total += afs[i][c]
		}
		for i := range afs {
			afs[i][c] /= total
		}
	}
	return afs, nil
}

// Entropy returns the Shannon entropy, in bits, of every column of afs as
// returned by AlleleFrequencies. Columns with NaN frequencies have NaN
// entropy.
func Entropy(afs [][]float64) []float64 {
	if len(afs) == 0 {
		return nil
	}
	s := make([]float64, len(afs[0]))
	for c := range s {
		for i := range afs {
			p := afs[i][c]
			if p > 0 || math.IsNaN(p) {
				s[c] -= p * math.Log2(p)
			}
		}
		if s[c] == 0 {
			// Avoid -0 for fully conserved columns.
			s[c] = 0
		}
	}
	return s
}

// NucleotideEntropy is a convenience for Entropy(AlleleFrequencies(seqs,
// allele.Alphabet)).
func NucleotideEntropy(ali *fasta.Alignment) ([]float64, error) {
	afs, err := AlleleFrequencies(ali.Seqs, allele.Alphabet)
	if err != nil {
		return nil, err
	}
	return Entropy(afs), nil
}

// AminoAcids is the alphabet of amino-acid alignments: the twenty amino
// acids, stop, gap and unknown.
const AminoAcids = "ACDEFGHIKLMNPQRSTVWY*-X"

// Alphabet returns the alphabet of an alignment type, "nuc" or "aa".
func Alphabet(typ string) (string, error) {
	switch typ {
	case "nuc":
		return allele.Alphabet, nil
	case "aa":
		return AminoAcids, nil
	}
	return "", errors.E(errors.Invalid, "subtype: unknown alignment type "+typ)
}

// columnName is the header of the frequency column of symbol c.
func columnName(c byte) string {
	if c == coord.Gap {
		return "gap"
	}
	return string(c)
}

// WriteFrequencies writes the frequencies of the symbols of alphabet and the
// entropy of every column of ali as a TSV with a header row.
func WriteFrequencies(w io.Writer, ali *fasta.Alignment, alphabet string) error {
	afs, err := AlleleFrequencies(ali.Seqs, alphabet)
	if err != nil {
		return err
	}
	s := Entropy(afs)
	tw := tsv.NewWriter(w)
	tw.WriteString("pos")
	for i := 0; i < len(alphabet); i++ {
		tw.WriteString(columnName(alphabet[i]))
	}
	tw.WriteString("entropy")
	if err := tw.EndLine(); err != nil {
		return err
	}
	for c := range s {
		tw.WriteInt64(int64(c))
		for i := range afs {
			tw.WriteFloat64(afs[i][c], 'g', -1)
		}
		tw.WriteFloat64(s[c], 'g', -1)
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}
