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

/*Package patient reads the per-patient data of a longitudinal study: the
  sample table, the allele-count arrays of each genomic region, and the
  initial consensus sequence each region was mapped against.

  A Store is rooted at a directory with one subdirectory per patient:

    <root>/<patient>/samples.tsv
    <root>/<patient>/allele_counts_<region>.npy
    <root>/<patient>/reference_<region>.fasta

  samples.tsv has the columns sample, time (days since infection),
  n_templates (NaN when unknown) and sequenced.  The count array has shape
  [sequenced samples, 6, positions], with symbols in allele.Alphabet order.
*/
package patient

import (
	"context"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/hivevo/hivtraj/allele"
	"github.com/hivevo/hivtraj/encoding/fasta"
)

const samplesFile = "samples.tsv"

// Sample is one row of samples.tsv.
type Sample struct {
	Name       string  `tsv:"sample"`
	Time       float64 `tsv:"time"`
	NTemplates float64 `tsv:"n_templates"`
	Sequenced  bool    `tsv:"sequenced"`
}

// Patient is a study participant and their samples, in table order.
type Patient struct {
	Name    string
	Samples []Sample
}

// DiscardNonSequenced drops the samples that have no sequence data.
func (p *Patient) DiscardNonSequenced() {
	kept := p.Samples[:0]
	for _, s := range p.Samples {
		if s.Sequenced {
			kept = append(kept, s)
		}
	}
	p.Samples = kept
}

// Sequenced returns the sequenced samples. They index the first dimension of
// the allele-count arrays.
func (p *Patient) Sequenced() []Sample {
	var seq []Sample
	for _, s := range p.Samples {
		if s.Sequenced {
			seq = append(seq, s)
		}
	}
	return seq
}

// Times returns the sampling times of the sequenced samples.
func (p *Patient) Times() []float64 {
	seq := p.Sequenced()
	times := make([]float64, len(seq))
	for i, s := range seq {
		times[i] = s.Time
	}
	return times
}

// NTemplates returns the template counts of the sequenced samples.
func (p *Patient) NTemplates() []float64 {
	seq := p.Sequenced()
	n := make([]float64, len(seq))
	for i, s := range seq {
		n[i] = s.NTemplates
	}
	return n
}

// TimesWithTemplates returns the indexes of the sequenced samples with at
// least min templates. Samples with an unknown template count are kept.
func (p *Patient) TimesWithTemplates(min float64) []int {
	var ts []int
	for i, n := range p.NTemplates() {
		if math.IsNaN(n) || n >= min {
			ts = append(ts, i)
		}
	}
	return ts
}

// Store is rooted at a directory of per-patient subdirectories.
type Store struct {
	Root string
}

func (s Store) dir(name string) string { return filepath.Join(s.Root, name) }

// CountsPath returns the path of the allele-count array of a region.
func (s Store) CountsPath(name, region string) string {
	return filepath.Join(s.dir(name), "allele_counts_"+region+".npy")
}

// ReferencePath returns the path of the initial consensus of a region.
func (s Store) ReferencePath(name, region string) string {
	return filepath.Join(s.dir(name), "reference_"+region+".fasta")
}

// ListPatients returns the names of all patients with a sample table, sorted.
func (s Store) ListPatients(ctx context.Context) ([]string, error) {
	var names []string
	lister := file.List(ctx, s.Root, true)
	for lister.Scan() {
		path := lister.Path()
		if filepath.Base(path) != samplesFile {
			continue
		}
		rel := strings.TrimPrefix(filepath.Dir(path), strings.TrimSuffix(s.Root, "/")+"/")
		if rel == "" || strings.Contains(rel, "/") {
			continue
		}
		names = append(names, rel)
	}
	if err := lister.Err(); err != nil {
		return nil, errors.E(err, "list patients", s.Root)
	}
	sort.Strings(names)
	return names, nil
}

// Load reads the sample table of the named patient.
func (s Store) Load(ctx context.Context, name string) (p *Patient, err error) {
	path := filepath.Join(s.dir(name), samplesFile)
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "sample table", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	r := tsv.NewReader(in.Reader(ctx))
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	r.Comment = '#'
	p = &Patient{Name: name}
	for {
		var row Sample
		if err = r.Read(&row); err != nil {
			if err == io.EOF {
				err = nil
				break
			}
			return nil, errors.E(errors.Invalid, err, "sample table", path)
		}
		p.Samples = append(p.Samples, row)
	}
	log.Debug.Printf("patient %s: %d samples, %d sequenced", name, len(p.Samples), len(p.Sequenced()))
	return p, nil
}

// InitialReference returns the consensus sequence of the first sample, which
// the reads of every sample of the region were mapped against.
func (s Store) InitialReference(ctx context.Context, p *Patient, region string) (string, error) {
	path := s.ReferencePath(p.Name, region)
	fa, err := fasta.Load(ctx, path)
	if err != nil {
		return "", errors.E(err, "initial reference", path)
	}
	names := fa.SeqNames()
	if len(names) == 0 {
		return "", errors.E(errors.Invalid, fmt.Sprintf("patient %s: empty reference for %s", p.Name, region))
	}
	n, err := fa.Len(names[0])
	if err != nil || n == 0 {
		return "", errors.E(errors.Invalid, fmt.Sprintf("patient %s: empty reference for %s", p.Name, region))
	}
	seq, err := fa.Get(names[0], 0, n)
	if err != nil {
		return "", errors.E(err, path)
	}
	return strings.ToUpper(seq), nil
}

// AlleleCounts reads the allele-count array of a region. The error has kind
// errors.NotExist if the patient has no data for the region.
func (s Store) AlleleCounts(ctx context.Context, p *Patient, region string) (*allele.Counts, error) {
	path := s.CountsPath(p.Name, region)
	counts, err := ReadCounts(ctx, path)
	if err != nil {
		return nil, err
	}
	if n := len(p.Sequenced()); counts.NTimes != n {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("%s: %d time points in count array, %d sequenced samples", path, counts.NTimes, n))
	}
	return counts, nil
}

// Frequencies is the frequency trajectory of one patient and region.
type Frequencies struct {
	*allele.Trajectory
	// Times and Ceilings are indexed by trajectory time point.
	Times    []float64
	Ceilings []float64
}

// FrequencyTrajectory reads the allele counts of a region and normalizes them
// with depth ceilings derived from the template counts.
func (s Store) FrequencyTrajectory(ctx context.Context, p *Patient, region string, opts allele.NormalizeOpts) (*Frequencies, error) {
	counts, err := s.AlleleCounts(ctx, p, region)
	if err != nil {
		return nil, err
	}
	ceilings := allele.DepthCeilings(p.NTemplates(), opts.NoiseFloor)
	tr, err := allele.Normalize(counts, ceilings, opts)
	if err != nil {
		return nil, errors.E(err, "patient", p.Name)
	}
	return &Frequencies{Trajectory: tr, Times: p.Times(), Ceilings: ceilings}, nil
}

// Subset returns the frequencies of the time points ts, in that order.
func (f *Frequencies) Subset(ts []int) *Frequencies {
	out := &Frequencies{
		Trajectory: f.Trajectory.Subset(ts),
		Times:      make([]float64, len(ts)),
		Ceilings:   make([]float64, len(ts)),
	}
	for i, t := range ts {
		out.Times[i], out.Ceilings[i] = f.Times[t], f.Ceilings[t]
	}
	return out
}
