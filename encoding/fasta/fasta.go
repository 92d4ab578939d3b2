// Package fasta contains code for parsing and writing FASTA files, both as
// named reference sequences and as multiple sequence alignments. FASTA files
// consist of a number of named sequences that may be interrupted by
// newlines.  For example:
//
// >p1
// ACGTAC
// GAGGAC
// GCG
// >HXB2
// ACGT
//
// Note: Sequence names are defined to be the stretch of characters excluding
// spaces immediately after '>'.  Any text appear after a space are ignored.
// For example, '>p1 initial consensus' becomes 'p1'.
package fasta

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/file"
	"github.com/pkg/errors"
)

const (
	bufferInitSize = 1024 * 1024 * 300 // 300 MB

	// DefaultLineWidth is the number of bases per line used by Write.
	DefaultLineWidth = 60
)

// Fasta represents FASTA-formatted data, consisting of a set of named
// sequences.
type Fasta interface {
	// Get returns a substring of the given sequence name at the given
	// coordinates, which are treated as a 0-based half-open interval
	// [start, end). Get is thread-safe.
	Get(seqName string, start, end uint64) (string, error)

	// Len returns the length of the given sequence.
	Len(seqName string) (uint64, error)

	// SeqNames returns the names of all sequences, in the order of appearance in
	// the FASTA file.
	SeqNames() []string
}

type fasta struct {
	seqs     map[string]string
	seqNames []string
}

// scan calls fn for every record in r, in order of appearance.
func scan(r io.Reader, fn func(name, seq string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, bufferInitSize)
	var (
		seqName string
		inSeq   bool
		seq     strings.Builder
	)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if len(line) == 0 {
			continue
		}
		if line[0] == '>' { // Start a new sequence.
			if inSeq { // We need to store the previous sequence first.
				if err := fn(seqName, seq.String()); err != nil {
					return err
				}
				seq.Reset()
			}
			seqName = strings.Split(line[1:], " ")[0]
			inSeq = true
		} else {
			if !inSeq {
				return errors.Errorf("malformed FASTA file")
			}
			seq.WriteString(line)
		}
	}
	if scanner.Err() != nil {
		return errors.Wrap(scanner.Err(), "couldn't read FASTA data")
	}
	if inSeq {
		return fn(seqName, seq.String())
	}
	return nil
}

// New creates a new Fasta that holds all the FASTA data from the given reader
// in memory.
func New(r io.Reader) (Fasta, error) {
	f := &fasta{seqs: make(map[string]string)}
	err := scan(r, func(name, seq string) error {
		if _, ok := f.seqs[name]; ok {
			return errors.Errorf("duplicate sequence name: %s", name)
		}
		f.seqs[name] = seq
		f.seqNames = append(f.seqNames, name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Get implements Fasta.Get().
func (f *fasta) Get(seqName string, start, end uint64) (string, error) {
	s, ok := f.seqs[seqName]
	if !ok {
		return "", errors.Errorf("sequence not found: %s", seqName)
	}
	if end <= start {
		return "", fmt.Errorf("start must be less than end")
	}
	if end > uint64(len(s)) {
		return "", errors.Errorf("invalid query range %d - %d for sequence %s with length %d",
			start, end, seqName, len(s))
	}
	return s[start:end], nil
}

// Len implements Fasta.Len().
func (f *fasta) Len(seq string) (uint64, error) {
	s, ok := f.seqs[seq]
	if !ok {
		return 0, errors.Errorf("sequence not found: %s", seq)
	}
	return uint64(len(s)), nil
}

// SeqNames implements Fasta.SeqNames().
func (f *fasta) SeqNames() []string {
	return f.seqNames
}

// Alignment is an ordered set of named, equal-length aligned sequences.
type Alignment struct {
	Names []string
	Seqs  []string
}

// Len returns the number of columns of the alignment.
func (a *Alignment) Len() int {
	if len(a.Seqs) == 0 {
		return 0
	}
	return len(a.Seqs[0])
}

// Index returns the row of the sequence with the given name, or -1.
func (a *Alignment) Index(name string) int {
	for i, n := range a.Names {
		if n == name {
			return i
		}
	}
	return -1
}

// Validate checks that every row has the same length and that names are
// unique.
func (a *Alignment) Validate() error {
	if len(a.Names) != len(a.Seqs) {
		return errors.Errorf("alignment has %d names for %d sequences", len(a.Names), len(a.Seqs))
	}
	seen := make(map[string]bool, len(a.Names))
	for i, s := range a.Seqs {
		if len(s) != a.Len() {
			return errors.Errorf("aligned sequence %s has length %d, want %d", a.Names[i], len(s), a.Len())
		}
		if seen[a.Names[i]] {
			return errors.Errorf("duplicate sequence name in alignment: %s", a.Names[i])
		}
		seen[a.Names[i]] = true
	}
	return nil
}

// ReadAlignment reads an aligned FASTA file, keeping sequence order.
// Sequences are upper-cased.
func ReadAlignment(r io.Reader) (*Alignment, error) {
	a := &Alignment{}
	err := scan(r, func(name, seq string) error {
		a.Names = append(a.Names, name)
		a.Seqs = append(a.Seqs, strings.ToUpper(seq))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Write writes the named sequences to w, wrapping lines at lineWidth bases
// (no wrapping if lineWidth <= 0).
func Write(w io.Writer, names, seqs []string, lineWidth int) error {
	if len(names) != len(seqs) {
		return errors.Errorf("fasta.Write: %d names for %d sequences", len(names), len(seqs))
	}
	bw := bufio.NewWriter(w)
	for i, seq := range seqs {
		if _, err := fmt.Fprintf(bw, ">%s\n", names[i]); err != nil {
			return err
		}
		for len(seq) > 0 {
			n := len(seq)
			if lineWidth > 0 && n > lineWidth {
				n = lineWidth
			}
			if _, err := bw.WriteString(seq[:n]); err != nil {
				return err
			}
			if err := bw.WriteByte('\n'); err != nil {
				return err
			}
			seq = seq[n:]
		}
	}
	return bw.Flush()
}

// WriteAlignment writes a to w.
func WriteAlignment(w io.Writer, a *Alignment) error {
	return Write(w, a.Names, a.Seqs, DefaultLineWidth)
}

// open opens path for reading, transparently decompressing it.
func open(ctx context.Context, path string, fn func(r io.Reader) error) (err error) {
	var in file.File
	if in, err = file.Open(ctx, path); err != nil {
		return
	}
	defer func() {
		if e := in.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	reader, _ := compress.NewReader(in.Reader(ctx))
	defer func() {
		if e := reader.Close(); e != nil && err == nil {
			err = e
		}
	}()
	return fn(reader)
}

// Load reads a (possibly compressed) FASTA file.
func Load(ctx context.Context, path string) (fa Fasta, err error) {
	err = open(ctx, path, func(r io.Reader) error {
		fa, err = New(r)
		return err
	})
	return
}

// LoadAlignment reads a (possibly compressed) aligned FASTA file.
func LoadAlignment(ctx context.Context, path string) (a *Alignment, err error) {
	err = open(ctx, path, func(r io.Reader) error {
		a, err = ReadAlignment(r)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return
}
