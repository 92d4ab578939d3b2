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

package shared

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	farm "github.com/dgryski/go-farm"
	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
	"github.com/hivevo/hivtraj/allele"
	"github.com/hivevo/hivtraj/coord"
	"github.com/hivevo/hivtraj/encoding/fasta"
	"github.com/klauspost/compress/gzip"
)

func init() {
	recordiozstd.Init()
}

// cacheVersion is bumped whenever the layout of any cache file changes.
const cacheVersion = 2

const (
	ownerHeader     = "owner"
	versionHeader   = "version"
	regionHeader    = "region"
	referenceHeader = "reference"
	patientsHeader  = "patients"
)

// cache names the three files that hold a Result. All of them carry the
// UUID of the write that produced them; files from different writes are
// never combined.
type cache struct {
	dir, region, reference string
	key                    string
}

func newCache(dir, region, reference string, patients []string, opts allele.NormalizeOpts) *cache {
	id := fmt.Sprintf("%s\x00%s\x00%s\x00%d\x00%g", region, reference, strings.Join(patients, "\x00"), opts.MinDepth, opts.NoiseFloor)
	return &cache{
		dir:       dir,
		region:    region,
		reference: reference,
		key:       fmt.Sprintf("%016x", farm.Fingerprint64([]byte(id))),
	}
}

func (c *cache) trajPath() string {
	return filepath.Join(c.dir, fmt.Sprintf("aft_shared_%s_%s.rio", c.region, c.key))
}

func (c *cache) alignmentPath() string {
	return filepath.Join(c.dir, fmt.Sprintf("aft_shared_ali_%s_%s.fasta.gz", c.region, c.key))
}

func (c *cache) mapsPath() string {
	return filepath.Join(c.dir, fmt.Sprintf("aft_shared_maps_%s_%s.map.sz", c.region, c.key))
}

func (c *cache) paths() []string {
	return []string{c.trajPath(), c.alignmentPath(), c.mapsPath()}
}

// load reads a Result. The error has kind errors.NotExist if any file is
// missing, was written by a different cache version, or belongs to a
// different write than the others.
func (c *cache) load(ctx context.Context) (*Result, error) {
	for _, path := range c.paths() {
		if _, err := file.Stat(ctx, path); err != nil {
			return nil, err
		}
	}
	r := &Result{Region: c.region, Reference: c.reference}
	trajOwner, err := c.readTrajectories(ctx, r)
	if err != nil {
		return nil, err
	}
	aliOwner, err := c.readAlignment(ctx, r)
	if err != nil {
		return nil, err
	}
	mapsOwner, err := c.readMaps(ctx, r)
	if err != nil {
		return nil, err
	}
	if trajOwner != aliOwner || trajOwner != mapsOwner {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("cache %s: files from different writes (%s, %s, %s)", c.key, trajOwner, aliOwner, mapsOwner))
	}
	if r.Map.NRows != len(r.Alignment.Seqs) || len(r.RefMap) != r.Map.NCols {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("cache %s: inconsistent alignment and maps", c.key))
	}
	r.buildIndex()
	return r, nil
}

// save writes r under a fresh owner UUID.
func (c *cache) save(ctx context.Context, r *Result) error {
	owner := uuid.New()
	if err := c.writeTrajectories(ctx, r, owner); err != nil {
		return err
	}
	if err := c.writeAlignment(ctx, r, owner); err != nil {
		return err
	}
	return c.writeMaps(ctx, r, owner)
}

// Trajectory file: a recordio file with one sites record followed by one
// record per patient.

type sitesRecord struct {
	columns, refPos []int
}

type patientRecord struct {
	name            string
	times, ceilings []float64
	// sites[i] is the index in Result.Sites of trajs[i].
	sites []int
	trajs [][]Point
}

const (
	sitesTag   = 1
	patientTag = 2
)

type encoder struct {
	buf []byte
	tmp [binary.MaxVarintLen64]byte
}

func (e *encoder) uvarint(v uint64) {
	n := binary.PutUvarint(e.tmp[:], v)
	e.buf = append(e.buf, e.tmp[:n]...)
}

func (e *encoder) varint(v int64) {
	n := binary.PutVarint(e.tmp[:], v)
	e.buf = append(e.buf, e.tmp[:n]...)
}

func (e *encoder) float(v float64) {
	binary.LittleEndian.PutUint64(e.tmp[:8], math.Float64bits(v))
	e.buf = append(e.buf, e.tmp[:8]...)
}

func (e *encoder) string(s string) {
	e.uvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = errors.E(errors.Invalid, "truncated cache record")
	}
}

func (d *decoder) uvarint() uint64 {
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.fail()
		d.buf = nil
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) varint() int64 {
	v, n := binary.Varint(d.buf)
	if n <= 0 {
		d.fail()
		d.buf = nil
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) float() float64 {
	if len(d.buf) < 8 {
		d.fail()
		d.buf = nil
		return 0
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(d.buf[:8]))
	d.buf = d.buf[8:]
	return v
}

func (d *decoder) string() string {
	n := d.uvarint()
	if uint64(len(d.buf)) < n {
		d.fail()
		d.buf = nil
		return ""
	}
	s := string(d.buf[:n])
	d.buf = d.buf[n:]
	return s
}

// count reads a length and checks it against the remaining bytes, each
// element taking at least minSize bytes.
func (d *decoder) count(minSize int) int {
	n := d.uvarint()
	if n > uint64(len(d.buf)/minSize) {
		d.fail()
		return 0
	}
	return int(n)
}

func marshalRecord(scratch []byte, v interface{}) ([]byte, error) {
	e := encoder{buf: scratch[:0]}
	switch rec := v.(type) {
	case *sitesRecord:
		e.buf = append(e.buf, sitesTag)
		e.uvarint(uint64(len(rec.columns)))
		for i := range rec.columns {
			e.varint(int64(rec.columns[i]))
			e.varint(int64(rec.refPos[i]))
		}
	case *patientRecord:
		e.buf = append(e.buf, patientTag)
		e.string(rec.name)
		e.uvarint(uint64(len(rec.times)))
		for i := range rec.times {
			e.float(rec.times[i])
			e.float(rec.ceilings[i])
		}
		e.uvarint(uint64(len(rec.sites)))
		for i, idx := range rec.sites {
			e.uvarint(uint64(idx))
			for _, p := range rec.trajs[i] {
				e.buf = append(e.buf, byte(p.Status))
				e.uvarint(uint64(p.Depth))
				if p.Valid() {
					for _, f := range p.Freqs {
						e.float(f)
					}
				}
			}
		}
	default:
		return nil, fmt.Errorf("shared: cannot marshal %T", v)
	}
	return e.buf, nil
}

func unmarshalRecord(in []byte) (interface{}, error) {
	if len(in) == 0 {
		return nil, errors.E(errors.Invalid, "empty cache record")
	}
	d := decoder{buf: in[1:]}
	switch in[0] {
	case sitesTag:
		n := d.count(2)
		rec := &sitesRecord{columns: make([]int, n), refPos: make([]int, n)}
		for i := 0; i < n; i++ {
			rec.columns[i] = int(d.varint())
			rec.refPos[i] = int(d.varint())
		}
		return rec, d.err
	case patientTag:
		rec := &patientRecord{name: d.string()}
		nt := d.count(16)
		rec.times, rec.ceilings = make([]float64, nt), make([]float64, nt)
		for i := 0; i < nt; i++ {
			rec.times[i] = d.float()
			rec.ceilings[i] = d.float()
		}
		ns := d.count(1)
		rec.sites = make([]int, ns)
		rec.trajs = make([][]Point, ns)
		for i := 0; i < ns && d.err == nil; i++ {
			rec.sites[i] = int(d.uvarint())
			pts := make([]Point, nt)
			for j := range pts {
				if len(d.buf) == 0 {
					d.fail()
					break
				}
				pts[j].Time = rec.times[j]
				pts[j].Status = allele.Status(d.buf[0])
				d.buf = d.buf[1:]
				pts[j].Depth = uint32(d.uvarint())
				if pts[j].Valid() {
					for k := range pts[j].Freqs {
						pts[j].Freqs[k] = d.float()
					}
				}
			}
			rec.trajs[i] = pts
		}
		return rec, d.err
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("unknown cache record tag %d", in[0]))
}

func trailer(nPatients int) []byte {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, int64(nPatients)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func (c *cache) writeTrajectories(ctx context.Context, r *Result, owner uuid.UUID) (err error) {
	path := c.trajPath()
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create cache", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := recordio.NewWriter(out.Writer(ctx), recordio.WriterOpts{
		Marshal:      marshalRecord,
		Transformers: []string{recordiozstd.Name},
	})
	w.AddHeader(ownerHeader, owner.String())
	w.AddHeader(versionHeader, strconv.Itoa(cacheVersion))
	w.AddHeader(regionHeader, c.region)
	w.AddHeader(referenceHeader, c.reference)
	w.AddHeader(patientsHeader, strings.Join(r.Patients, "\000"))
	w.AddHeader(recordio.KeyTrailer, true)

	sites := &sitesRecord{columns: make([]int, len(r.Sites)), refPos: make([]int, len(r.Sites))}
	for i, s := range r.Sites {
		sites.columns[i], sites.refPos[i] = s.Column, s.RefPos
	}
	w.Append(sites)

	recs := make([]*patientRecord, len(r.Patients))
	for i, name := range r.Patients {
		recs[i] = &patientRecord{name: name, times: r.Times[i], ceilings: r.DepthCeilings[i]}
	}
	for si, s := range r.Sites {
		for _, tr := range s.Trajectories {
			rec := recs[r.PatientIndex(tr.Patient)]
			rec.sites = append(rec.sites, si)
			rec.trajs = append(rec.trajs, tr.Points)
		}
	}
	for _, rec := range recs {
		w.Append(rec)
	}
	w.SetTrailer(trailer(len(recs)))
	if err = w.Finish(); err != nil {
		return errors.E(err, "write cache", path)
	}
	return nil
}

func (c *cache) readTrajectories(ctx context.Context, r *Result) (owner string, err error) {
	path := c.trajPath()
	in, err := file.Open(ctx, path)
	if err != nil {
		return "", err
	}
	defer file.CloseAndReport(ctx, in, &err)
	sc := recordio.NewScanner(in.Reader(ctx), recordio.ScannerOpts{Unmarshal: unmarshalRecord})
	var version, region, reference string
	for _, kv := range sc.Header() {
		s, _ := kv.Value.(string)
		switch kv.Key {
		case ownerHeader:
			owner = s
		case versionHeader:
			version = s
		case regionHeader:
			region = s
		case referenceHeader:
			reference = s
		case patientsHeader:
			if s != "" {
				r.Patients = strings.Split(s, "\000")
			}
		}
	}
	if version != strconv.Itoa(cacheVersion) {
		return "", errors.E(errors.NotExist, fmt.Sprintf("%s: cache version %q, want %d", path, version, cacheVersion))
	}
	if region != c.region || reference != c.reference {
		return "", errors.E(errors.NotExist, fmt.Sprintf("%s: cache for %s/%s, want %s/%s", path, region, reference, c.region, c.reference))
	}
	r.Times = make([][]float64, len(r.Patients))
	r.DepthCeilings = make([][]float64, len(r.Patients))
	var nPatients int
	for sc.Scan() {
		switch rec := sc.Get().(type) {
		case *sitesRecord:
			r.Sites = make([]*Site, len(rec.columns))
			for i := range rec.columns {
				r.Sites[i] = &Site{Column: rec.columns[i], RefPos: rec.refPos[i]}
			}
		case *patientRecord:
			pi := r.PatientIndex(rec.name)
			if pi < 0 {
				return "", errors.E(errors.Invalid, path, "unexpected patient "+rec.name)
			}
			r.Times[pi], r.DepthCeilings[pi] = rec.times, rec.ceilings
			for i, si := range rec.sites {
				if si >= len(r.Sites) {
					return "", errors.E(errors.Invalid, fmt.Sprintf("%s: site %d out of range", path, si))
				}
				r.Sites[si].Trajectories = append(r.Sites[si].Trajectories, PatientTrajectory{Patient: rec.name, Points: rec.trajs[i]})
			}
			nPatients++
		}
	}
	if err = sc.Err(); err != nil {
		return "", errors.E(errors.Invalid, err, path)
	}
	if nPatients != len(r.Patients) {
		return "", errors.E(errors.Invalid, fmt.Sprintf("%s: %d patient records, want %d", path, nPatients, len(r.Patients)))
	}
	return owner, nil
}

func (c *cache) writeAlignment(ctx context.Context, r *Result, owner uuid.UUID) (err error) {
	path := c.alignmentPath()
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create cache", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	gz := gzip.NewWriter(out.Writer(ctx))
	gz.Comment = owner.String()
	if err = fasta.WriteAlignment(gz, r.Alignment); err != nil {
		return errors.E(err, "write cache", path)
	}
	return gz.Close()
}

func (c *cache) readAlignment(ctx context.Context, r *Result) (owner string, err error) {
	path := c.alignmentPath()
	in, err := file.Open(ctx, path)
	if err != nil {
		return "", err
	}
	defer file.CloseAndReport(ctx, in, &err)
	gz, err := gzip.NewReader(in.Reader(ctx))
	if err != nil {
		return "", errors.E(errors.Invalid, err, path)
	}
	if r.Alignment, err = fasta.ReadAlignment(gz); err != nil {
		return "", errors.E(errors.Invalid, err, path)
	}
	if err = gz.Close(); err != nil {
		return "", errors.E(errors.Invalid, err, path)
	}
	return gz.Comment, nil
}

func (c *cache) writeMaps(ctx context.Context, r *Result, owner uuid.UUID) (err error) {
	path := c.mapsPath()
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create cache", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	data, err := r.Map.MarshalBinary()
	if err != nil {
		return err
	}
	var e encoder
	e.buf = append(e.buf, owner[:]...)
	e.uvarint(uint64(len(data)))
	e.buf = append(e.buf, data...)
	e.uvarint(uint64(len(r.RefMap)))
	for _, p := range r.RefMap {
		e.varint(int64(p))
	}
	sw := snappy.NewBufferedWriter(out.Writer(ctx))
	if _, err = sw.Write(e.buf); err != nil {
		return errors.E(err, "write cache", path)
	}
	return sw.Close()
}

func (c *cache) readMaps(ctx context.Context, r *Result) (owner string, err error) {
	path := c.mapsPath()
	in, err := file.Open(ctx, path)
	if err != nil {
		return "", err
	}
	defer file.CloseAndReport(ctx, in, &err)
	buf, err := ioutil.ReadAll(snappy.NewReader(in.Reader(ctx)))
	if err != nil {
		return "", errors.E(errors.Invalid, err, path)
	}
	if len(buf) < len(uuid.UUID{}) {
		return "", errors.E(errors.Invalid, path, io.ErrUnexpectedEOF)
	}
	id, err := uuid.FromBytes(buf[:len(uuid.UUID{})])
	if err != nil {
		return "", errors.E(errors.Invalid, err, path)
	}
	d := decoder{buf: buf[len(uuid.UUID{}):]}
	n := d.count(1)
	if d.err != nil {
		return "", errors.E(d.err, path)
	}
	r.Map = &coord.Map{}
	if err = r.Map.UnmarshalBinary(d.buf[:n]); err != nil {
		return "", errors.E(errors.Invalid, err, path)
	}
	d.buf = d.buf[n:]
	r.RefMap = make([]int, d.count(1))
	for i := range r.RefMap {
		r.RefMap[i] = int(d.varint())
	}
	if d.err != nil {
		return "", errors.E(d.err, path)
	}
	return id.String(), nil
}
