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

package patient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/hivevo/hivtraj/allele"
	"github.com/kshedden/gonpy"
)

// ReadCounts reads a [time, symbol, position] numpy array of allele counts.
// Integer and float64 arrays are accepted; negative or non-finite counts are
// rejected.
func ReadCounts(ctx context.Context, path string) (counts *allele.Counts, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "allele counts", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	npr, err := gonpy.NewReader(bufio.NewReaderSize(in.Reader(ctx), 1<<20))
	if err != nil {
		return nil, errors.E(errors.Invalid, err, path)
	}
	if len(npr.Shape) != 3 || npr.Shape[1] != allele.NSymbol {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: shape %v, want [T, %d, L]", path, npr.Shape, allele.NSymbol))
	}
	if npr.ColumnMajor {
		return nil, errors.E(errors.Invalid, path, "Fortran-ordered arrays are not supported")
	}
	counts = allele.NewCounts(npr.Shape[0], npr.Shape[2])
	if err = readValues(npr, counts.Data); err != nil {
		return nil, errors.E(errors.Invalid, err, path)
	}
	return counts, nil
}

func readValues(npr *gonpy.NpyReader, dst []uint32) error {
	set := func(i int, v float64) error {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) || v > math.MaxUint32 {
			return fmt.Errorf("invalid count %v at flat index %d", v, i)
		}
		dst[i] = uint32(v)
		return nil
	}
	dtype := strings.TrimLeft(npr.Dtype, "<>|=")
	var n int
	switch dtype {
	case "i8":
		vals, err := npr.GetInt64()
		if err != nil {
			return err
		}
		n = len(vals)
		for i := 0; i < len(vals) && i < len(dst); i++ {
			if err := set(i, float64(vals[i])); err != nil {
				return err
			}
		}
	case "i4":
		vals, err := npr.GetInt32()
		if err != nil {
			return err
		}
		n = len(vals)
		for i := 0; i < len(vals) && i < len(dst); i++ {
			if err := set(i, float64(vals[i])); err != nil {
				return err
			}
		}
	case "u4":
		vals, err := npr.GetUint32()
		if err != nil {
			return err
		}
		n = len(vals)
		copy(dst, vals)
	case "f8":
		vals, err := npr.GetFloat64()
		if err != nil {
			return err
		}
		n = len(vals)
		for i := 0; i < len(vals) && i < len(dst); i++ {
			if err := set(i, vals[i]); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported dtype %q", npr.Dtype)
	}
	if n != len(dst) {
		return fmt.Errorf("read %d values, want %d", n, len(dst))
	}
	return nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// WriteCounts writes counts as a uint32 numpy array of shape [time, symbol,
// position].
func WriteCounts(ctx context.Context, path string, counts *allele.Counts) (err error) {
	if err = counts.Validate(); err != nil {
		return err
	}
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "allele counts", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	bufw := bufio.NewWriterSize(out.Writer(ctx), 1<<20)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{counts.NTimes, allele.NSymbol, counts.NPos}
	if err = npw.WriteUint32(counts.Data); err != nil {
		return errors.E(err, path)
	}
	return bufw.Flush()
}
