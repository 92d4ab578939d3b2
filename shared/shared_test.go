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

package shared_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/hivevo/hivtraj/align"
	"github.com/hivevo/hivtraj/allele"
	"github.com/hivevo/hivtraj/encoding/fasta"
	"github.com/hivevo/hivtraj/patient"
	"github.com/hivevo/hivtraj/reference"
	"github.com/hivevo/hivtraj/shared"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

const (
	region    = "V3"
	alignment = ">p1\nACGT-ACGT\n>p2\nAC-TAACGT\n>p3\nACGTAA-GT\n>HXB2\nACGTAACGT\n"
	hxb2      = `LOCUS       HXB2                      12 bp    DNA     linear
FEATURES             Location/Qualifiers
     misc_feature    2..10
                     /note="V3"
ORIGIN
        1 tacgtaacgt aa
//
`
)

type testPatient struct {
	name      string
	samples   string
	consensus string
	// depth is the per-symbol count of the consensus base.
	depth uint32
	times int
}

var testPatients = []testPatient{
	{"p1", "sample\ttime\tn_templates\tsequenced\ns1\t0\tNaN\ttrue\ns2\t100\t1000\ttrue\n", "ACGTACGT", 2000, 2},
	{"p2", "sample\ttime\tn_templates\tsequenced\ns0\t10\tNaN\tfalse\ns1\t50\tNaN\ttrue\n", "ACTAACGT", 3000, 1},
	// Every site of p3 is below the minimum depth.
	{"p3", "sample\ttime\tn_templates\tsequenced\ns1\t0\tNaN\ttrue\n", "ACGTAAGT", 10, 1},
}

type fixture struct {
	dir      string
	sources  shared.Sources
	aliPath  string
	cacheDir string
}

func newFixture(t *testing.T, dir string) *fixture {
	ctx := vcontext.Background()
	store := &patient.Store{Root: filepath.Join(dir, "patients")}
	for _, tp := range testPatients {
		pdir := filepath.Join(store.Root, tp.name)
		require.NoError(t, os.MkdirAll(pdir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(pdir, "samples.tsv"), []byte(tp.samples), 0644))
		require.NoError(t, os.WriteFile(store.ReferencePath(tp.name, region), []byte(">"+tp.name+"\n"+tp.consensus+"\n"), 0644))
		counts := allele.NewCounts(tp.times, len(tp.consensus))
		for ti := 0; ti < tp.times; ti++ {
			for pos := 0; pos < len(tp.consensus); pos++ {
				counts.Set(ti, allele.ASCIIToEnumTable[tp.consensus[pos]], pos, tp.depth)
			}
		}
		if tp.name == "p1" {
			// A 10% G at position 4 (reference position 5) at the second time.
			counts.Set(1, allele.SymA, 4, 1800)
			counts.Set(1, allele.SymG, 4, 200)
		}
		require.NoError(t, patient.WriteCounts(ctx, store.CountsPath(tp.name, region), counts))
	}
	refDir := filepath.Join(dir, "references")
	require.NoError(t, os.MkdirAll(refDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(refDir, "HXB2.gb"), []byte(hxb2), 0644))
	aliPath := filepath.Join(dir, "ali.fasta")
	require.NoError(t, os.WriteFile(aliPath, []byte(alignment), 0644))
	cacheDir := filepath.Join(dir, "cache")
	require.NoError(t, os.MkdirAll(cacheDir, 0755))
	return &fixture{
		dir: dir,
		sources: shared.Sources{
			Patients:   store,
			References: &reference.Store{Root: refDir},
			Aligner:    align.Precomputed{Path: aliPath},
		},
		aliPath:  aliPath,
		cacheDir: cacheDir,
	}
}

func testOpts() shared.Opts {
	opts := shared.DefaultOpts
	opts.Region = region
	return opts
}

func TestBuild(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	f := newFixture(t, dir)

	r, err := shared.Build(ctx, f.sources, testOpts())
	require.NoError(t, err)
	expect.EQ(t, r.Patients, []string{"p1", "p2"})
	expect.EQ(t, r.Alignment.Names, []string{"p1", "p2", "HXB2"})
	expect.EQ(t, r.Times, [][]float64{{0, 100}, {50}})
	expect.EQ(t, r.DepthCeilings, [][]float64{{2e-3, 2e-3}, {2e-3}})

	var refPos []int
	for _, s := range r.Sites {
		refPos = append(refPos, s.RefPos)
		expect.EQ(t, len(s.Trajectories), 2)
	}
	expect.EQ(t, refPos, []int{0, 1, 3, 5, 6, 7, 8})
	expect.EQ(t, r.RefMap, refPos)

	// Reference position 4 is a gap in p1, 2 a gap in p2.
	expect.True(t, r.Lookup(4) == nil)
	expect.True(t, r.Lookup(2) == nil)
	// Reference position 6 is a gap only in p3, which is skipped.
	require.NotNil(t, r.Lookup(6))
	expect.EQ(t, len(r.Lookup(6).Trajectories), 2)

	s := r.Lookup(5)
	require.NotNil(t, s)
	expect.EQ(t, s.Column, 5)
	p1 := s.Trajectories[0]
	expect.EQ(t, p1.Patient, "p1")
	require.Len(t, p1.Points, 2)
	expect.EQ(t, p1.Points[0].Freqs[allele.SymA], 1.0)
	expect.EQ(t, p1.Points[1].Time, 100.0)
	require.InDelta(t, 0.1, p1.Points[1].Freqs[allele.SymG], 1e-12)
	require.InDelta(t, 0.9, p1.Points[1].Freqs[allele.SymA], 1e-12)
	p2 := s.Trajectories[1]
	expect.EQ(t, p2.Patient, "p2")
	expect.EQ(t, p2.Points[0].Time, 50.0)
	expect.EQ(t, p2.Points[0].Freqs[allele.SymA], 1.0)

	var ranged []int
	r.Range(3, 7, func(s *shared.Site) bool {
		ranged = append(ranged, s.RefPos)
		return true
	})
	expect.EQ(t, ranged, []int{3, 5, 6})
}

func TestBuildAlignmentMismatch(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	f := newFixture(t, dir)

	require.NoError(t, os.WriteFile(f.aliPath, []byte(strings.Replace(alignment, "ACGT-ACGT", "TTTT-TTTT", 1)), 0644))
	_, err := shared.Build(ctx, f.sources, testOpts())
	expect.True(t, errors.Is(errors.Invalid, err), err)
}

func TestBuildMissingData(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	f := newFixture(t, dir)

	require.NoError(t, os.Remove(f.sources.Patients.CountsPath("p2", region)))
	_, err := shared.Build(ctx, f.sources, testOpts())
	expect.True(t, errors.Is(errors.NotExist, err))

	opts := testOpts()
	opts.Patients = []string{"p1", "p3"}
	opts.Region = "p17"
	_, err = shared.Build(ctx, f.sources, opts)
	require.Error(t, err)
}

type failingAligner struct{}

func (failingAligner) Align(context.Context, []string, []string) (*fasta.Alignment, error) {
	return nil, fmt.Errorf("aligner called")
}

func cacheFiles(t *testing.T, dir string) []string {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestCache(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	f := newFixture(t, dir)

	opts := testOpts()
	opts.CacheDir = f.cacheDir
	want, err := shared.Build(ctx, f.sources, opts)
	require.NoError(t, err)
	expect.EQ(t, len(cacheFiles(t, f.cacheDir)), 0)

	opts.Save = true
	_, err = shared.Build(ctx, f.sources, opts)
	require.NoError(t, err)
	files := cacheFiles(t, f.cacheDir)
	require.Len(t, files, 3)
	for _, name := range files {
		expect.True(t, strings.HasPrefix(name, "aft_shared_"), name)
	}

	// A present cache is trusted: the aligner is never consulted.
	src := f.sources
	src.Aligner = failingAligner{}
	opts.Save = false
	got, err := shared.Build(ctx, src, opts)
	require.NoError(t, err)
	expect.EQ(t, got.Patients, want.Patients)
	expect.EQ(t, got.Times, want.Times)
	expect.EQ(t, got.DepthCeilings, want.DepthCeilings)
	expect.EQ(t, got.Alignment, want.Alignment)
	expect.EQ(t, got.Map, want.Map)
	expect.EQ(t, got.RefMap, want.RefMap)
	expect.EQ(t, got.Sites, want.Sites)
	expect.EQ(t, got.Lookup(5), want.Lookup(5))

	// A different patient set has its own cache.
	opts.Patients = []string{"p1", "p2"}
	_, err = shared.Build(ctx, src, opts)
	require.EqualError(t, err, "aligner called")
	opts.Patients = nil

	opts.Recompute = true
	_, err = shared.Build(ctx, src, opts)
	require.EqualError(t, err, "aligner called")
	opts.Recompute = false

	// Replace the alignment file with one from another write.
	var aliFile string
	for _, name := range files {
		if strings.HasPrefix(name, "aft_shared_ali_") {
			aliFile = filepath.Join(f.cacheDir, name)
		}
	}
	out, err := os.Create(aliFile)
	require.NoError(t, err)
	gz := gzip.NewWriter(out)
	gz.Comment = "00000000-0000-0000-0000-000000000000"
	require.NoError(t, fasta.WriteAlignment(gz, want.Alignment))
	require.NoError(t, gz.Close())
	require.NoError(t, out.Close())
	_, err = shared.Build(ctx, src, opts)
	require.EqualError(t, err, "aligner called")

	// Saving again repairs the cache.
	opts.Save = true
	_, err = shared.Build(ctx, f.sources, opts)
	require.NoError(t, err)
	opts.Save = false
	_, err = shared.Build(ctx, src, opts)
	require.NoError(t, err)
}
