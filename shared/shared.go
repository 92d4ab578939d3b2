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

/*Package shared collects the allele-frequency trajectories of many patients
  at the positions of a genomic region that every patient shares.

  The initial consensus sequences of all patients with a usable time point are
  aligned together with an external reference.  Columns with a gap in any row are dropped, and every
  remaining column is labeled with its position in the reference.  Each
  patient's frequency trajectory is then read at that column, so that all
  patients are indexed by the same coordinate.

  Build optionally caches its derived data (alignment, coordinate maps,
  trajectories) in a directory.  The cache is advisory: absent files are
  regenerated, present files are trusted.
*/
package shared

import (
	"context"
	"fmt"
	"sort"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/hivevo/hivtraj/align"
	"github.com/hivevo/hivtraj/allele"
	"github.com/hivevo/hivtraj/coord"
	"github.com/hivevo/hivtraj/encoding/fasta"
	"github.com/hivevo/hivtraj/patient"
	"github.com/hivevo/hivtraj/reference"
)

// Opts controls Build.
type Opts struct {
	// Region is the genomic region, e.g. "V3" or "p17".
	Region string
	// Patients to include. All patients of the store if empty.
	Patients []string
	// Reference is the name of the external reference, e.g. "HXB2".
	Reference string
	// Normalize controls the count -> frequency conversion.
	Normalize allele.NormalizeOpts
	// CacheDir holds cached results. No caching if empty.
	CacheDir string
	// Save writes freshly computed results to CacheDir.
	Save bool
	// Recompute ignores existing cache files.
	Recompute bool
}

// DefaultOpts are the default values for Opts.
var DefaultOpts = Opts{
	Reference: "HXB2",
	Normalize: allele.DefaultNormalizeOpts,
}

// Sources are the inputs of Build.
type Sources struct {
	Patients   *patient.Store
	References *reference.Store
	Aligner    align.Aligner
}

// Point is a site of one patient at one sampling time.
type Point struct {
	// Time is in days since infection.
	Time float64
	allele.Site
}

// PatientTrajectory is the trajectory of one patient at one shared site.
type PatientTrajectory struct {
	Patient string
	Points  []Point
}

// Site is a position shared by every patient.
type Site struct {
	// Column is the column of the joint alignment.
	Column int

	// RefPos is the 0-based position in the external reference.
	RefPos int

	Trajectories []PatientTrajectory
}

// Result is the cross-patient trajectory set of one region.
type Result struct {
	Region    string
	Reference string

	// Patients that contributed at least one usable time point, sorted.
	Patients []string

	// Alignment of the initial references of Patients, with the external
	// reference in the last row.
	Alignment *fasta.Alignment

	// Map is the gap-stripped coordinate map of Alignment.
	Map *coord.Map

	// RefMap[c] is the reference position of map column c.
	RefMap []int

	// Times and DepthCeilings are indexed by [Patients index][time point].
	Times         [][]float64
	DepthCeilings [][]float64

	// Sites are ordered by alignment column.
	Sites []*Site

	index llrb.Tree
}

type siteKey struct {
	refPos int
	site   *Site
}

func (k siteKey) Compare(c llrb.Comparable) int {
	return k.refPos - c.(siteKey).refPos
}

func (r *Result) buildIndex() {
	r.index = llrb.Tree{}
	for _, s := range r.Sites {
		r.index.Insert(siteKey{s.RefPos, s})
	}
}

// Lookup returns the site at reference position refPos, or nil if that
// position is not shared by every patient.
func (r *Result) Lookup(refPos int) *Site {
	c := r.index.Get(siteKey{refPos: refPos})
	if c == nil {
		return nil
	}
	return c.(siteKey).site
}

// Range calls fn on the sites with reference positions in [from, to), in
// order, until fn returns false.
func (r *Result) Range(from, to int, fn func(*Site) bool) {
	r.index.DoRange(func(c llrb.Comparable) bool {
		return !fn(c.(siteKey).site)
	}, siteKey{refPos: from}, siteKey{refPos: to})
}

// PatientIndex returns the index of the named patient in r.Patients, or -1.
func (r *Result) PatientIndex(name string) int {
	i := sort.SearchStrings(r.Patients, name)
	if i < len(r.Patients) && r.Patients[i] == name {
		return i
	}
	return -1
}

// patientNames resolves the requested patient list.
func patientNames(ctx context.Context, store *patient.Store, names []string) ([]string, error) {
	if len(names) == 0 {
		var err error
		if names, err = store.ListPatients(ctx); err != nil {
			return nil, err
		}
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	out := sorted[:0]
	for i, n := range sorted {
		if i > 0 && n == sorted[i-1] {
			continue
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, errors.E(errors.NotExist, "no patients in", store.Root)
	}
	return out, nil
}

// Build computes the shared trajectories of opts.Region, reading and writing
// the cache as configured.
func Build(ctx context.Context, src Sources, opts Opts) (*Result, error) {
	if opts.Region == "" {
		return nil, errors.E(errors.Invalid, "shared.Build: no region")
	}
	if opts.Reference == "" {
		opts.Reference = DefaultOpts.Reference
	}
	names, err := patientNames(ctx, src.Patients, opts.Patients)
	if err != nil {
		return nil, err
	}
	var c *cache
	if opts.CacheDir != "" {
		c = newCache(opts.CacheDir, opts.Region, opts.Reference, names, opts.Normalize)
		if !opts.Recompute {
			r, err := c.load(ctx)
			switch {
			case err == nil:
				log.Printf("shared: %s: loaded %d sites of %d patients from cache", opts.Region, len(r.Sites), len(r.Patients))
				return r, nil
			case errors.Is(errors.NotExist, err):
				log.Debug.Printf("shared: %s: no cache: %v", opts.Region, err)
			default:
				log.Printf("shared: %s: ignoring cache: %v", opts.Region, err)
			}
		}
	}
	r, err := compute(ctx, src, opts, names)
	if err != nil {
		return nil, err
	}
	if c != nil && opts.Save {
		if err := c.save(ctx, r); err != nil {
			return nil, err
		}
		log.Printf("shared: %s: saved cache %s", opts.Region, c.key)
	}
	return r, nil
}

type patientData struct {
	name  string
	freqs *patient.Frequencies
	times []int
}

func compute(ctx context.Context, src Sources, opts Opts, names []string) (*Result, error) {
	var (
		data   []patientData
		labels []string
		seqs   []string
	)
	for _, name := range names {
		p, err := src.Patients.Load(ctx, name)
		if err != nil {
			return nil, err
		}
		p.DiscardNonSequenced()
		ref, err := src.Patients.InitialReference(ctx, p, opts.Region)
		if err != nil {
			return nil, errors.E(err, "patient", name)
		}
		freqs, err := src.Patients.FrequencyTrajectory(ctx, p, opts.Region, opts.Normalize)
		if err != nil {
			return nil, errors.E(err, "patient", name)
		}
		if freqs.NPos != len(ref) {
			log.Printf("shared: patient %s %s: %d positions in counts, %d in reference", name, opts.Region, freqs.NPos, len(ref))
		}
		times := freqs.ValidTimes()
		if len(times) == 0 {
			// Skipped patients are left out of the alignment, so their gaps
			// do not remove shared columns.
			log.Printf("shared: patient %s %s: no time point with enough coverage, skipping", name, opts.Region)
			continue
		}
		data = append(data, patientData{name: name, freqs: freqs, times: times})
		labels = append(labels, name)
		seqs = append(seqs, ref)
	}
	extRef, err := src.References.Load(ctx, opts.Reference, opts.Region)
	if err != nil {
		return nil, errors.E(err, "reference", opts.Reference)
	}
	labels = append(labels, opts.Reference)
	seqs = append(seqs, extRef)

	ali, err := src.Aligner.Align(ctx, labels, seqs)
	if err != nil {
		return nil, err
	}
	if err := ali.Validate(); err != nil {
		return nil, errors.E(errors.Invalid, err)
	}
	m, err := coord.Build(ali.Seqs, coord.BuildOpts{StripGaps: true})
	if err != nil {
		return nil, errors.E(errors.Invalid, err)
	}
	refMap, err := coord.ReferenceMap(ali.Seqs[len(ali.Seqs)-1], m)
	if err != nil {
		return nil, errors.E(errors.Invalid, err)
	}
	r := &Result{
		Region:    opts.Region,
		Reference: opts.Reference,
		Alignment: ali,
		Map:       m,
		RefMap:    refMap,
	}
	r.Sites = make([]*Site, m.NCols)
	for c := range r.Sites {
		r.Sites[c] = &Site{Column: m.Columns[c], RefPos: refMap[c]}
	}
	for row, d := range data {
		times := make([]float64, len(d.times))
		ceilings := make([]float64, len(d.times))
		for i, t := range d.times {
			times[i], ceilings[i] = d.freqs.Times[t], d.freqs.Ceilings[t]
		}
		r.Patients = append(r.Patients, d.name)
		r.Times = append(r.Times, times)
		r.DepthCeilings = append(r.DepthCeilings, ceilings)
		for c, site := range r.Sites {
			pos, ok := m.At(row, c)
			if !ok || pos >= d.freqs.NPos {
				continue
			}
			traj := PatientTrajectory{Patient: d.name, Points: make([]Point, len(d.times))}
			for i, t := range d.times {
				traj.Points[i] = Point{Time: times[i], Site: *d.freqs.At(t, pos)}
			}
			site.Trajectories = append(site.Trajectories, traj)
		}
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	log.Printf("shared: %s: %d shared sites, %d of %d patients", opts.Region, len(r.Sites), len(r.Patients), len(names))
	return r, nil
}

// finish drops sites without a reference position and indexes the rest.
func (r *Result) finish() error {
	kept := r.Sites[:0]
	for _, s := range r.Sites {
		if s.RefPos < 0 {
			continue
		}
		kept = append(kept, s)
	}
	r.Sites = kept
	for i := 1; i < len(r.Sites); i++ {
		if r.Sites[i].RefPos <= r.Sites[i-1].RefPos {
			return errors.E(errors.Invalid, fmt.Sprintf("shared: reference positions not increasing at column %d", r.Sites[i].Column))
		}
	}
	r.buildIndex()
	return nil
}
