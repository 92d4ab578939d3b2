// hiv-traj computes cross-patient allele-frequency trajectories of HIV-1
// genomic regions and the analyses built on them. Run "hiv-traj help" for
// the list of subcommands.
package main

import "github.com/hivevo/hivtraj/cmd/hiv-traj/cmd"

func main() {
	cmd.Run()
}
