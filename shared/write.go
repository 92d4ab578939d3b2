package shared

import (
	"io"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
	"github.com/hivevo/hivtraj/allele"
	"github.com/hivevo/hivtraj/coord"
)

// Row is one point of one patient trajectory as written by WriteTSV.
// Frequencies are NaN at low-depth points.
type Row struct {
	RefPos  int     `tsv:"pos_ref"`
	Column  int     `tsv:"column"`
	Patient string  `tsv:"patient"`
	Time    float64 `tsv:"time"`
	Status  string  `tsv:"status"`
	Depth   int     `tsv:"depth"`
	A       float64 `tsv:"A"`
	C       float64 `tsv:"C"`
	G       float64 `tsv:"G"`
	T       float64 `tsv:"T"`
	Gap     float64 `tsv:"gap"`
	N       float64 `tsv:"N"`
}

// WriteTSV writes every point of r, ordered by site then patient, as a TSV
// with a header row.
func WriteTSV(w io.Writer, r *Result) error {
	rw := tsv.NewRowWriter(w)
	for _, site := range r.Sites {
		for _, traj := range site.Trajectories {
			for _, p := range traj.Points {
				row := Row{
					RefPos:  site.RefPos,
					Column:  site.Column,
					Patient: traj.Patient,
					Time:    p.Time,
					Status:  p.Status.String(),
					Depth:   int(p.Depth),
				}
				f := p.Freqs
				if !p.Valid() {
					for i := range f {
						f[i] = math.NaN()
					}
				}
				row.A, row.C, row.G, row.T = f[allele.SymA], f[allele.SymC], f[allele.SymG], f[allele.SymT]
				row.Gap, row.N = f[allele.SymGap], f[allele.SymN]
				if err := rw.Write(&row); err != nil {
					return err
				}
			}
		}
	}
	return rw.Flush()
}

// MapRow pairs a position of a patient's initial reference with a position
// of the external reference.
type MapRow struct {
	Patient    string `tsv:"patient"`
	PatientPos int    `tsv:"pos_patient"`
	RefPos     int    `tsv:"pos_ref"`
}

// PatientMaps returns, for every patient row of r.Alignment, the positions
// aligned to a non-gap position of the external reference. Unlike r.Map,
// columns with gaps in other patients are kept.
func PatientMaps(r *Result) ([]MapRow, error) {
	ali := r.Alignment
	if ali == nil || len(ali.Seqs) == 0 {
		return nil, errors.E(errors.Invalid, "shared: result has no alignment")
	}
	m, err := coord.Build(ali.Seqs, coord.BuildOpts{})
	if err != nil {
		return nil, errors.E(errors.Invalid, err)
	}
	refRow := len(ali.Seqs) - 1
	var rows []MapRow
	for row := 0; row < refRow; row++ {
		for _, pair := range m.Pairs(row, refRow) {
			rows = append(rows, MapRow{Patient: ali.Names[row], PatientPos: pair[0], RefPos: pair[1]})
		}
	}
	return rows, nil
}

// WriteMaps writes PatientMaps(r) as a TSV with a header row.
func WriteMaps(w io.Writer, r *Result) error {
	rows, err := PatientMaps(r)
	if err != nil {
		return err
	}
	rw := tsv.NewRowWriter(w)
	for i := range rows {
		if err := rw.Write(&rows[i]); err != nil {
			return err
		}
	}
	return rw.Flush()
}
