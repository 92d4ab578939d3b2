package align_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/hivevo/hivtraj/align"
	"github.com/hivevo/hivtraj/encoding/fasta"
)

func TestPrecomputed(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	path := filepath.Join(dir, "ali.fasta")
	assert.NoError(t, os.WriteFile(path, []byte(">HXB2\nACGTAACGT\n>p2\nAC-TAACGT\n>p1\nACGT-ACGT\n"), 0644))

	names := []string{"p1", "p2", "HXB2"}
	ali, err := align.Precomputed{Path: path}.Align(ctx, names, []string{"ACGTACGT", "actaacgt", "ACGTAACGT"})
	assert.NoError(t, err)
	assert.EQ(t, ali.Names, names)
	assert.EQ(t, ali.Seqs, []string{"ACGT-ACGT", "AC-TAACGT", "ACGTAACGT"})

	_, err = align.Precomputed{Path: path}.Align(ctx, []string{"p3"}, []string{"ACGT"})
	assert.True(t, errors.Is(errors.NotExist, err))

	// The p1 row belongs to another sequence of the same length.
	_, err = align.Precomputed{Path: path}.Align(ctx, names, []string{"TTTTTTTT", "ACTAACGT", "ACGTAACGT"})
	assert.True(t, errors.Is(errors.Invalid, err))
	assert.True(t, strings.Contains(err.Error(), "p1"))
}

func TestCheck(t *testing.T) {
	ali := &fasta.Alignment{Names: []string{"a", "b"}, Seqs: []string{"AC-T", "ACGT"}}
	assert.NoError(t, align.Check(ali, []string{"act", "ACGT"}))
	assert.True(t, errors.Is(errors.Invalid, align.Check(ali, []string{"ACGT", "ACGT"})))
	assert.True(t, errors.Is(errors.Invalid, align.Check(ali, []string{"ACT"})))
}

// fakeMuscle writes a script that ignores its input and emits a fixed
// alignment with the rows in reverse order.
func fakeMuscle(t *testing.T, dir string) string {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no shell")
	}
	script := "#!/bin/sh\n" +
		"# usage: -in IN -out OUT ...\n" +
		"printf '>b\\nAC-T\\n>a\\nACGT\\n' > \"$4\"\n"
	path := filepath.Join(dir, "muscle")
	assert.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestMuscle(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()

	ali, err := align.Muscle{Path: fakeMuscle(t, dir)}.Align(ctx, []string{"a", "b"}, []string{"ACGT", "ACT"})
	assert.NoError(t, err)
	assert.EQ(t, ali.Names, []string{"a", "b"})
	assert.EQ(t, ali.Seqs, []string{"ACGT", "AC-T"})

	_, err = align.Muscle{Path: filepath.Join(dir, "missing")}.Align(ctx, []string{"a"}, []string{"ACGT"})
	assert.True(t, err != nil)
	assert.True(t, strings.Contains(err.Error(), "missing"))
}
