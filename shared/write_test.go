package shared_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/hivevo/hivtraj/shared"
	"github.com/stretchr/testify/require"
)

func TestWriteTSV(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	f := newFixture(t, dir)
	r, err := shared.Build(ctx, f.sources, testOpts())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, shared.WriteTSV(&buf, r))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	// 7 sites, p1 with two points and p2 with one.
	require.Len(t, lines, 1+7*3)
	expect.EQ(t, lines[0], "pos_ref\tcolumn\tpatient\ttime\tstatus\tdepth\tA\tC\tG\tT\tgap\tN")
	fields := strings.Split(lines[1], "\t")
	require.Len(t, fields, 12)
	expect.EQ(t, fields[:3], []string{"0", "0", "p1"})
	expect.EQ(t, fields[4:6], []string{"valid", "2000"})
}

func TestPatientMaps(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	f := newFixture(t, dir)
	r, err := shared.Build(ctx, f.sources, testOpts())
	require.NoError(t, err)

	rows, err := shared.PatientMaps(r)
	require.NoError(t, err)
	n := map[string]int{}
	for _, row := range rows {
		n[row.Patient]++
	}
	// p3 has no usable time point and is not aligned.
	expect.EQ(t, n, map[string]int{"p1": 8, "p2": 8})
	expect.EQ(t, rows[4], shared.MapRow{Patient: "p1", PatientPos: 4, RefPos: 5})
	expect.EQ(t, rows[10], shared.MapRow{Patient: "p2", PatientPos: 2, RefPos: 3})

	var buf bytes.Buffer
	require.NoError(t, shared.WriteMaps(&buf, r))
	expect.True(t, strings.HasPrefix(buf.String(), "patient\tpos_patient\tpos_ref\n"), buf.String())

	_, err = shared.PatientMaps(&shared.Result{})
	require.Error(t, err)
}
