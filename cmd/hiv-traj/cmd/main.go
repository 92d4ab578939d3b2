package cmd

import (
	"fmt"
	"os"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/vcontext"
	"github.com/hivevo/hivtraj/allele"
	"github.com/hivevo/hivtraj/propagator"
	"github.com/hivevo/hivtraj/selection"
	"v.io/x/lib/cmdline"
)

const regionsHelp = `Comma-separated list of genomic regions, e.g. "V3,p17,PR".`

func addCommonFlags(cmd *cmdline.Command) *commonFlags {
	f := &commonFlags{}
	cmd.Flags.StringVar(&f.root, "root", "", "Patient data directory. Each patient has a subdirectory with samples.tsv and per-region count arrays.")
	cmd.Flags.StringVar(&f.patients, "patients", "", "Comma-separated list of patients. All patients under -root if empty.")
	cmd.Flags.StringVar(&f.regions, "regions", "", regionsHelp)
	cmd.Flags.UintVar(&f.minDepth, "min-depth", uint(allele.DefaultNormalizeOpts.MinDepth), "Sites with fewer reads are marked low-depth.")
	cmd.Flags.Float64Var(&f.noiseFloor, "noise-floor", allele.DefaultNormalizeOpts.NoiseFloor, "Smallest frequency distinguishable from sequencing errors.")
	cmd.Flags.StringVar(&f.out, "out", ".", "Output directory.")
	return f
}

func addAlignmentFlags(cmd *cmdline.Command, f *commonFlags) {
	cmd.Flags.StringVar(&f.refs, "refs", "", "Directory of GenBank reference files, <name>.gb or <name>.gb.gz.")
	cmd.Flags.StringVar(&f.reference, "reference", "HXB2", "External reference that defines shared coordinates.")
	cmd.Flags.StringVar(&f.cache, "cache", "", "Cache directory for shared trajectories. No caching if empty.")
	cmd.Flags.BoolVar(&f.save, "save", false, "Write freshly computed results to -cache.")
	cmd.Flags.BoolVar(&f.recompute, "recompute", false, "Ignore existing files in -cache.")
	cmd.Flags.StringVar(&f.muscle, "muscle", "muscle", "MUSCLE executable used to align initial consensus sequences.")
	cmd.Flags.StringVar(&f.alignment, "alignment", "", `Precomputed alignment FASTA used instead of running -muscle.
"{region}" in the path is replaced by the region name.`)
	cmd.Flags.IntVar(&f.parallelism, "parallelism", 0, "Number of regions processed concurrently. All at once if 0.")
}

func newCmdShared() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "shared",
		Short: "Write allele-frequency trajectories at the positions shared by all patients",
		Long: `
For every region, writes <out>/shared_<region>.tsv with one row per
(reference position, patient, time point).`,
	}
	f := addCommonFlags(cmd)
	addAlignmentFlags(cmd, f)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return fmt.Errorf("shared takes no arguments, but got %v", argv)
		}
		return runShared(vcontext.Background(), f)
	})
	return cmd
}

func newCmdMaps() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "maps",
		Short: "Write maps from patient initial references to the external reference",
		Long: `
For every region, writes <out>/maps_<region>.tsv pairing positions of each
patient's initial consensus with positions of the external reference.`,
	}
	f := addCommonFlags(cmd)
	addAlignmentFlags(cmd, f)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return fmt.Errorf("maps takes no arguments, but got %v", argv)
		}
		return runMaps(vcontext.Background(), f)
	})
	return cmd
}

func newCmdSelection() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "selection",
		Short: "Fit saturation curves to derived-allele frequencies by subtype entropy class",
		Long: `
Writes <out>/selection_observations.tsv and <out>/selection_fits.tsv.`,
	}
	f := addCommonFlags(cmd)
	addAlignmentFlags(cmd, f)
	sf := selectionFlags{}
	cmd.Flags.StringVar(&sf.subtypeAlignment, "subtype-alignment", "", `Cross-sectional subtype alignment FASTA containing -reference.
"{region}" in the path is replaced by the region name.`)
	cmd.Flags.Float64Var(&sf.mu, "mu", selection.DefaultMu, "Mutation rate per site per day.")
	cmd.Flags.Float64Var(&sf.minInitialFreq, "min-initial-freq", selection.DefaultCollectOpts.MinInitialFreq, "Smallest initial ancestral frequency of a conserved site.")
	cmd.Flags.Float64Var(&sf.minFreq, "min-freq", selection.DefaultCollectOpts.MinFreq, "Smallest ancestral frequency of a conserved site at any time point.")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return fmt.Errorf("selection takes no arguments, but got %v", argv)
		}
		return runSelection(vcontext.Background(), f, sf)
	})
	return cmd
}

func newCmdPropagator() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "propagator",
		Short: "Write the empirical propagator of allele frequencies",
		Long: `
Pools frequency pairs of every patient and region whose sampling times are
between -dt-min and -dt-max days apart, and writes <out>/propagator.tsv.`,
	}
	f := addCommonFlags(cmd)
	pf := propagatorFlags{}
	cmd.Flags.Float64Var(&pf.dtMin, "dt-min", 100, "Smallest time between initial and final frequency, in days.")
	cmd.Flags.Float64Var(&pf.dtMax, "dt-max", 300, "Largest time between initial and final frequency, in days.")
	cmd.Flags.IntVar(&pf.nBinsX, "bins", propagator.DefaultNBinsX, "Number of initial frequency bin edges.")
	cmd.Flags.BoolVar(&pf.logit, "logit", false, "Space initial frequency bins evenly in logit rather than log scale.")
	cmd.Flags.Float64Var(&pf.minTemplates, "min-templates", 100, "Time points with fewer templates are not paired. Unknown template counts are kept.")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return fmt.Errorf("propagator takes no arguments, but got %v", argv)
		}
		return runPropagator(vcontext.Background(), f, pf)
	})
	return cmd
}

func newCmdSubtypeAFS() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "subtype-afs",
		Short:    "Write per-position allele frequencies and entropy of a subtype alignment",
		ArgsName: "alignment output",
	}
	refName := cmd.Flags.String("reference", "", "If set, keep only the columns where this sequence has no gap, and drop it.")
	aliType := cmd.Flags.String("type", "nuc", "Alignment type: nuc for nucleotides, aa for amino acids.")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("subtype-afs takes alignment and output paths, but got %v", argv)
		}
		return runSubtypeAFS(vcontext.Background(), argv[0], argv[1], *refName, *aliType)
	})
	return cmd
}

func newCmdRoot() *cmdline.Command {
	return &cmdline.Command{
		Name:     "hiv-traj",
		Short:    "Cross-patient allele-frequency trajectories of HIV-1",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdShared(),
			newCmdMaps(),
			newCmdSelection(),
			newCmdPropagator(),
			newCmdSubtypeAFS(),
		},
	}
}

// Run is the entry point of hiv-traj.
func Run() {
	cleanup := grail.Init()
	cmdline.HideGlobalFlagsExcept()
	err := cmdline.ParseAndRun(newCmdRoot(), cmdline.EnvFromOS(), os.Args[1:])
	cleanup()
	os.Exit(cmdline.ExitCode(err, os.Stderr))
}
