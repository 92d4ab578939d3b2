// Package reference loads named custom reference genomes, such as HXB2 or
// NL4-3, stored as GenBank files, and extracts annotated genomic regions.
package reference

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/hivevo/hivtraj/encoding/genbank"
)

// Genome is the region name that selects the whole reference sequence.
const Genome = "genomewide"

// Store reads references from <Root>/<name>.gb or <Root>/<name>.gb.gz.
type Store struct {
	Root string
}

func (s Store) path(ctx context.Context, name string) (string, error) {
	base := filepath.Join(s.Root, name+".gb")
	for _, p := range []string{base, base + ".gz"} {
		_, err := file.Stat(ctx, p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(errors.NotExist, err) {
			return "", err
		}
	}
	return "", errors.E(errors.NotExist, fmt.Sprintf("reference %s not found in %s", name, s.Root))
}

// Record reads the GenBank record of the named reference.
func (s Store) Record(ctx context.Context, name string) (rec *genbank.Record, err error) {
	path, err := s.path(ctx, name)
	if err != nil {
		return nil, err
	}
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open reference", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	var r io.Reader = in.Reader(ctx)
	if strings.HasSuffix(path, ".gz") {
		rc, ok := compress.NewReader(r)
		if !ok {
			return nil, errors.E(errors.Invalid, "not a compressed file", path)
		}
		defer rc.Close() // nolint: errcheck
		r = rc
	}
	recs, err := genbank.Parse(r)
	if err != nil {
		return nil, errors.E(err, path)
	}
	if len(recs) == 0 {
		return nil, errors.E(errors.Invalid, "no GenBank record", path)
	}
	return recs[0], nil
}

// Load returns the sequence of region in the named reference; Genome selects
// the full sequence.
func (s Store) Load(ctx context.Context, name, region string) (string, error) {
	rec, err := s.Record(ctx, name)
	if err != nil {
		return "", err
	}
	if region == Genome {
		return rec.Seq, nil
	}
	seq, err := rec.Region(region)
	if err != nil {
		return "", errors.E(errors.NotExist, err)
	}
	return seq, nil
}
