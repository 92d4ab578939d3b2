// Package align produces multiple sequence alignments of consensus
// sequences, either by running an external aligner or by reading an
// alignment computed elsewhere.
package align

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/hivevo/hivtraj/encoding/fasta"
)

// Aligner aligns a set of named sequences. The rows of the returned
// alignment are in the order of names.
type Aligner interface {
	Align(ctx context.Context, names, seqs []string) (*fasta.Alignment, error)
}

// Muscle runs the MUSCLE executable.
type Muscle struct {
	// Path is the executable; "muscle" is looked up in $PATH if empty.
	Path string
	// Args are extra command-line arguments.
	Args []string
}

// Align implements Aligner.
func (m Muscle) Align(ctx context.Context, names, seqs []string) (ali *fasta.Alignment, err error) {
	if len(names) != len(seqs) {
		return nil, errors.E(errors.Invalid, "align: names and sequences differ in length")
	}
	exe := m.Path
	if exe == "" {
		exe = "muscle"
	}
	dir, err := ioutil.TempDir("", "muscle")
	if err != nil {
		return nil, errors.E(err, "align: temporary directory")
	}
	defer func() {
		if e := os.RemoveAll(dir); e != nil {
			log.Error.Printf("align: remove %s: %v", dir, e)
		}
	}()
	var in bytes.Buffer
	if err = fasta.Write(&in, names, seqs, 0); err != nil {
		return nil, err
	}
	inPath, outPath := filepath.Join(dir, "in.fasta"), filepath.Join(dir, "out.fasta")
	if err = ioutil.WriteFile(inPath, in.Bytes(), 0600); err != nil {
		return nil, errors.E(err, "align", inPath)
	}
	args := append([]string{"-in", inPath, "-out", outPath, "-quiet"}, m.Args...)
	cmd := exec.CommandContext(ctx, exe, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	log.Debug.Printf("align: running %s %v", exe, args)
	if err = cmd.Run(); err != nil {
		return nil, errors.E(err, "align: "+exe, stderr.String())
	}
	out, err := os.Open(outPath)
	if err != nil {
		return nil, errors.E(err, "align", outPath)
	}
	defer out.Close() // nolint: errcheck
	aligned, err := fasta.ReadAlignment(out)
	if err != nil {
		return nil, errors.E(errors.Invalid, err, "align", outPath)
	}
	if ali, err = Reorder(aligned, names); err != nil {
		return nil, err
	}
	if err = Check(ali, seqs); err != nil {
		return nil, err
	}
	return ali, nil
}

// Precomputed reads an alignment from a FASTA file.
type Precomputed struct {
	Path string
}

// Align implements Aligner. Rows are matched by name and must equal the
// corresponding sequence once gaps are removed.
func (p Precomputed) Align(ctx context.Context, names, seqs []string) (*fasta.Alignment, error) {
	ali, err := fasta.LoadAlignment(ctx, p.Path)
	if err != nil {
		return nil, errors.E(err, "align: precomputed alignment", p.Path)
	}
	if ali, err = Reorder(ali, names); err != nil {
		return nil, err
	}
	if err = Check(ali, seqs); err != nil {
		return nil, errors.E(err, "align: precomputed alignment", p.Path)
	}
	return ali, nil
}

// Check verifies that row i of ali, with gaps removed, is seqs[i] up to
// case.
func Check(ali *fasta.Alignment, seqs []string) error {
	if len(ali.Seqs) != len(seqs) {
		return errors.E(errors.Invalid, fmt.Sprintf("align: %d rows for %d sequences", len(ali.Seqs), len(seqs)))
	}
	for i, row := range ali.Seqs {
		if ungapped := strings.ReplaceAll(row, "-", ""); !strings.EqualFold(ungapped, seqs[i]) {
			return errors.E(errors.Invalid, fmt.Sprintf("align: row %s does not match its sequence (%d and %d bases)", ali.Names[i], len(ungapped), len(seqs[i])))
		}
	}
	return nil
}

// Reorder returns the rows of ali named by names, in that order.
func Reorder(ali *fasta.Alignment, names []string) (*fasta.Alignment, error) {
	out := &fasta.Alignment{
		Names: make([]string, len(names)),
		Seqs:  make([]string, len(names)),
	}
	for i, name := range names {
		j := ali.Index(name)
		if j < 0 {
			return nil, errors.E(errors.NotExist, "align: no sequence named "+name+" in alignment")
		}
		out.Names[i], out.Seqs[i] = name, ali.Seqs[j]
	}
	return out, nil
}
