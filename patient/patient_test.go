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

package patient_test

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/hivevo/hivtraj/allele"
	"github.com/hivevo/hivtraj/patient"
	"github.com/stretchr/testify/require"
)

const samples = `sample	time	n_templates	sequenced
s1	0	NaN	True
s2	100	500	false
s3	250	100	true
`

func writePatient(t *testing.T, root string) patient.Store {
	dir := filepath.Join(root, "p1")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "samples.tsv"), []byte(samples), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reference_V3.fasta"), []byte(">p1_V3\nacgt\nAC\n"), 0644))
	// A directory without a sample table is not a patient.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "notes"), 0755))
	return patient.Store{Root: root}
}

func TestLoad(t *testing.T) {
	root, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	store := writePatient(t, root)

	names, err := store.ListPatients(ctx)
	require.NoError(t, err)
	expect.EQ(t, names, []string{"p1"})

	p, err := store.Load(ctx, "p1")
	require.NoError(t, err)
	expect.EQ(t, len(p.Samples), 3)
	expect.EQ(t, p.Times(), []float64{0, 250})
	nt := p.NTemplates()
	expect.True(t, math.IsNaN(nt[0]))
	expect.EQ(t, nt[1], 100.0)

	p.DiscardNonSequenced()
	expect.EQ(t, len(p.Samples), 2)
	expect.EQ(t, p.Samples[1].Name, "s3")

	ref, err := store.InitialReference(ctx, p, "V3")
	require.NoError(t, err)
	expect.EQ(t, ref, "ACGTAC")

	_, err = store.Load(ctx, "p2")
	expect.True(t, errors.Is(errors.NotExist, err))
}

func TestCounts(t *testing.T) {
	root, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	store := writePatient(t, root)
	p, err := store.Load(ctx, "p1")
	require.NoError(t, err)

	_, err = store.AlleleCounts(ctx, p, "V3")
	expect.True(t, errors.Is(errors.NotExist, err))

	counts := allele.NewCounts(2, 3)
	// Time 0: position 0 all A, position 1 below depth, position 2 mixed.
	counts.Set(0, allele.SymA, 0, 2000)
	counts.Set(0, allele.SymC, 1, 10)
	counts.Set(0, allele.SymG, 2, 1500)
	counts.Set(0, allele.SymT, 2, 500)
	// Time 1: position 0 has a 2% C, above the 1/100 template ceiling;
	// position 2 all G.
	counts.Set(1, allele.SymA, 0, 1960)
	counts.Set(1, allele.SymC, 0, 40)
	counts.Set(1, allele.SymG, 2, 3000)
	require.NoError(t, patient.WriteCounts(ctx, store.CountsPath("p1", "V3"), counts))

	got, err := store.AlleleCounts(ctx, p, "V3")
	require.NoError(t, err)
	expect.EQ(t, got.NTimes, 2)
	expect.EQ(t, got.NPos, 3)
	expect.EQ(t, got.Data, counts.Data)

	freqs, err := store.FrequencyTrajectory(ctx, p, "V3", allele.DefaultNormalizeOpts)
	require.NoError(t, err)
	expect.EQ(t, freqs.Times, []float64{0, 250})
	expect.EQ(t, freqs.Ceilings, []float64{2e-3, 1e-2})
	expect.True(t, freqs.At(0, 0).Valid())
	expect.False(t, freqs.At(0, 1).Valid())
	expect.EQ(t, freqs.At(0, 2).Freqs[allele.SymG], 0.75)
	expect.EQ(t, freqs.At(0, 2).Freqs[allele.SymT], 0.25)
	require.InDelta(t, 0.02, freqs.At(1, 0).Freqs[allele.SymC], 1e-12)
	expect.False(t, freqs.At(1, 1).Valid())

	// s1 has an unknown template count and is kept; s3 has 100.
	expect.EQ(t, p.TimesWithTemplates(100), []int{0, 1})
	expect.EQ(t, p.TimesWithTemplates(101), []int{0})
	sub := freqs.Subset(p.TimesWithTemplates(101))
	expect.EQ(t, sub.NTimes, 1)
	expect.EQ(t, sub.Times, []float64{0})
	expect.EQ(t, sub.Ceilings, []float64{2e-3})
	expect.EQ(t, sub.At(0, 2).Freqs[allele.SymG], 0.75)

	// A count array that disagrees with the sample table.
	require.NoError(t, patient.WriteCounts(ctx, store.CountsPath("p1", "V3"), allele.NewCounts(3, 3)))
	_, err = store.AlleleCounts(ctx, p, "V3")
	expect.True(t, errors.Is(errors.Invalid, err))
}
