package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/hivevo/hivtraj/align"
	"github.com/hivevo/hivtraj/allele"
	"github.com/hivevo/hivtraj/patient"
	"github.com/hivevo/hivtraj/propagator"
	"github.com/hivevo/hivtraj/reference"
	"github.com/hivevo/hivtraj/selection"
	"github.com/hivevo/hivtraj/shared"
	"github.com/hivevo/hivtraj/subtype"
)

// Collection of options set via cmdline flags
type commonFlags struct {
	root       string
	patients   string
	regions    string
	minDepth   uint
	noiseFloor float64
	out        string

	refs        string
	reference   string
	cache       string
	save        bool
	recompute   bool
	muscle      string
	alignment   string
	parallelism int
}

type selectionFlags struct {
	subtypeAlignment string
	mu               float64
	minInitialFreq   float64
	minFreq          float64
}

type propagatorFlags struct {
	dtMin, dtMax float64
	nBinsX       int
	logit        bool
	minTemplates float64
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// expandRegion substitutes region for "{region}" in path.
func expandRegion(path, region string) string {
	return strings.ReplaceAll(path, "{region}", region)
}

// regionList returns the distinct regions of -regions, in order. Concurrent
// builds of the same region would write the same cache files.
func (f *commonFlags) regionList() ([]string, error) {
	var regions []string
	seen := map[string]bool{}
	for _, r := range splitList(f.regions) {
		if !seen[r] {
			seen[r] = true
			regions = append(regions, r)
		}
	}
	if len(regions) == 0 {
		return nil, errors.E(errors.Invalid, "-regions is required")
	}
	return regions, nil
}

func (f *commonFlags) patientStore() (*patient.Store, error) {
	if f.root == "" {
		return nil, errors.E(errors.Invalid, "-root is required")
	}
	return &patient.Store{Root: f.root}, nil
}

func (f *commonFlags) normalizeOpts() allele.NormalizeOpts {
	return allele.NormalizeOpts{MinDepth: uint32(f.minDepth), NoiseFloor: f.noiseFloor}
}

func (f *commonFlags) sources(region string) (shared.Sources, error) {
	store, err := f.patientStore()
	if err != nil {
		return shared.Sources{}, err
	}
	if f.refs == "" {
		return shared.Sources{}, errors.E(errors.Invalid, "-refs is required")
	}
	src := shared.Sources{
		Patients:   store,
		References: &reference.Store{Root: f.refs},
	}
	if f.alignment != "" {
		src.Aligner = align.Precomputed{Path: expandRegion(f.alignment, region)}
	} else {
		src.Aligner = align.Muscle{Path: f.muscle}
	}
	return src, nil
}

func (f *commonFlags) sharedOpts(region string) shared.Opts {
	opts := shared.DefaultOpts
	opts.Region = region
	opts.Patients = splitList(f.patients)
	opts.Reference = f.reference
	opts.Normalize = f.normalizeOpts()
	opts.CacheDir = f.cache
	opts.Save = f.save
	opts.Recompute = f.recompute
	return opts
}

// buildAll builds the shared trajectories of every region. Regions own
// distinct cache files, so they are built concurrently.
func buildAll(ctx context.Context, f *commonFlags) ([]*shared.Result, error) {
	regions, err := f.regionList()
	if err != nil {
		return nil, err
	}
	results := make([]*shared.Result, len(regions))
	each := traverse.Each
	if f.parallelism > 0 {
		each = traverse.Limit(f.parallelism).Each
	}
	err = each(len(regions), func(i int) error {
		src, err := f.sources(regions[i])
		if err != nil {
			return err
		}
		r, err := shared.Build(ctx, src, f.sharedOpts(regions[i]))
		if err != nil {
			return errors.E(err, "region", regions[i])
		}
		results[i] = r
		return nil
	})
	return results, err
}

// writeFile creates path and passes a buffered writer for it to fn.
func writeFile(ctx context.Context, path string, fn func(w io.Writer) error) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := bufio.NewWriter(out.Writer(ctx))
	if err = fn(w); err != nil {
		return err
	}
	return w.Flush()
}

func runShared(ctx context.Context, f *commonFlags) error {
	results, err := buildAll(ctx, f)
	if err != nil {
		return err
	}
	for _, r := range results {
		path := filepath.Join(f.out, fmt.Sprintf("shared_%s.tsv", r.Region))
		if err := writeFile(ctx, path, func(w io.Writer) error { return shared.WriteTSV(w, r) }); err != nil {
			return err
		}
		log.Printf("wrote %s: %d sites", path, len(r.Sites))
	}
	return nil
}

func runMaps(ctx context.Context, f *commonFlags) error {
	results, err := buildAll(ctx, f)
	if err != nil {
		return err
	}
	for _, r := range results {
		path := filepath.Join(f.out, fmt.Sprintf("maps_%s.tsv", r.Region))
		if err := writeFile(ctx, path, func(w io.Writer) error { return shared.WriteMaps(w, r) }); err != nil {
			return err
		}
		log.Printf("wrote %s", path)
	}
	return nil
}

func runSelection(ctx context.Context, f *commonFlags, sf selectionFlags) error {
	if sf.subtypeAlignment == "" {
		return errors.E(errors.Invalid, "-subtype-alignment is required")
	}
	results, err := buildAll(ctx, f)
	if err != nil {
		return err
	}
	opts := selection.CollectOpts{MinInitialFreq: sf.minInitialFreq, MinFreq: sf.minFreq}
	var obs []selection.Observation
	for _, r := range results {
		ali, err := subtype.Load(ctx, expandRegion(sf.subtypeAlignment, r.Region), r.Reference)
		if err != nil {
			return errors.E(err, "region", r.Region)
		}
		entropy, err := subtype.NucleotideEntropy(ali)
		if err != nil {
			return errors.E(err, "region", r.Region)
		}
		o := selection.Collect(r, entropy, opts)
		log.Printf("selection: %s: %d observations", r.Region, len(o))
		obs = append(obs, o...)
	}
	fits := selection.FitBins(obs, selection.DefaultEntropyBins, sf.mu)
	if err := writeFile(ctx, filepath.Join(f.out, "selection_observations.tsv"), func(w io.Writer) error {
		return selection.WriteObservations(w, obs)
	}); err != nil {
		return err
	}
	return writeFile(ctx, filepath.Join(f.out, "selection_fits.tsv"), func(w io.Writer) error {
		return selection.WriteFits(w, fits)
	})
}

func runPropagator(ctx context.Context, f *commonFlags, pf propagatorFlags) error {
	store, err := f.patientStore()
	if err != nil {
		return err
	}
	regions, err := f.regionList()
	if err != nil {
		return err
	}
	names := splitList(f.patients)
	if len(names) == 0 {
		if names, err = store.ListPatients(ctx); err != nil {
			return err
		}
	}
	p, err := propagator.New(pf.nBinsX, propagator.DefaultBinsY, pf.logit)
	if err != nil {
		return err
	}
	for _, name := range names {
		pat, err := store.Load(ctx, name)
		if err != nil {
			return err
		}
		pat.DiscardNonSequenced()
		for _, region := range regions {
			freqs, err := store.FrequencyTrajectory(ctx, pat, region, f.normalizeOpts())
			if errors.Is(errors.NotExist, err) {
				log.Printf("propagator: patient %s %s: no counts, skipping", name, region)
				continue
			}
			if err != nil {
				return err
			}
			freqs = freqs.Subset(pat.TimesWithTemplates(pf.minTemplates))
			n, err := p.AddTrajectory(freqs.Times, freqs.Trajectory, pf.dtMin, pf.dtMax)
			if err != nil {
				return errors.E(err, "patient", name, "region", region)
			}
			log.Debug.Printf("propagator: patient %s %s: %d pairs", name, region, n)
		}
	}
	return writeFile(ctx, filepath.Join(f.out, "propagator.tsv"), p.Write)
}

func runSubtypeAFS(ctx context.Context, aliPath, outPath, refName, aliType string) error {
	alphabet, err := subtype.Alphabet(aliType)
	if err != nil {
		return err
	}
	ali, err := subtype.Load(ctx, aliPath, refName)
	if err != nil {
		return err
	}
	return writeFile(ctx, outPath, func(w io.Writer) error {
		return subtype.WriteFrequencies(w, ali, alphabet)
	})
}
