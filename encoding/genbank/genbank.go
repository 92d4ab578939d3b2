// Package genbank parses the subset of the GenBank flat-file format needed to
// extract annotated regions from named reference genomes: the LOCUS name,
// FEATURES with their locations and qualifiers, and the ORIGIN sequence.
package genbank

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Feature is an annotated interval of a record. Start and End are 0-based,
// half-open; complement() and join() locations are reduced to their outer
// span.
type Feature struct {
	Type       string
	Start, End int
	Qualifiers map[string]string
}

// Name returns the first of the gene, note and label qualifiers that is set.
func (f *Feature) Name() string {
	for _, k := range []string{"gene", "note", "label"} {
		if v, ok := f.Qualifiers[k]; ok {
			return v
		}
	}
	return ""
}

// Record is one GenBank entry.
type Record struct {
	Name     string
	Features []Feature
	Seq      string
}

// Feature returns the first feature whose Name is name, or nil.
func (r *Record) Feature(name string) *Feature {
	for i := range r.Features {
		if r.Features[i].Name() == name {
			return &r.Features[i]
		}
	}
	return nil
}

// Region returns the sequence of the named feature.
func (r *Record) Region(name string) (string, error) {
	f := r.Feature(name)
	if f == nil {
		return "", errors.Errorf("%s: no feature named %s", r.Name, name)
	}
	if f.End > len(r.Seq) {
		return "", errors.Errorf("%s: feature %s [%d, %d) extends past sequence of length %d",
			r.Name, name, f.Start, f.End, len(r.Seq))
	}
	return r.Seq[f.Start:f.End], nil
}

type section int

const (
	sectionHeader section = iota
	sectionFeatures
	sectionOrigin
)

// featureIndent is the column at which feature locations and qualifiers
// start.
const featureIndent = 21

// Parse reads every record from r.
func Parse(r io.Reader) ([]*Record, error) {
	var (
		records []*Record
		cur     *Record
		sec     section
		seq     strings.Builder
		lastKey string
		feat    *Feature
		lineNo  int
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, 64*1024*1024)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case strings.HasPrefix(line, "LOCUS"):
			fields := strings.Fields(line)
			if len(fields) < 2 {
				return nil, errors.Errorf("line %d: malformed LOCUS line", lineNo)
			}
			cur = &Record{Name: fields[1]}
			sec = sectionHeader
			seq.Reset()
			continue
		case strings.HasPrefix(line, "//"):
			if cur == nil {
				return nil, errors.Errorf("line %d: record terminator without LOCUS", lineNo)
			}
			cur.Seq = seq.String()
			records = append(records, cur)
			cur, feat = nil, nil
			continue
		}
		if cur == nil {
			if strings.TrimSpace(line) == "" {
				continue
			}
			return nil, errors.Errorf("line %d: data outside of a record", lineNo)
		}
		switch {
		case strings.HasPrefix(line, "FEATURES"):
			sec = sectionFeatures
			continue
		case strings.HasPrefix(line, "ORIGIN"):
			sec = sectionOrigin
			continue
		case len(line) > 0 && line[0] != ' ':
			// Another top-level keyword (e.g. BASE COUNT, CONTIG).
			sec = sectionHeader
			continue
		}
		switch sec {
		case sectionFeatures:
			if len(line) < featureIndent {
				continue
			}
			key := strings.TrimSpace(line[:featureIndent])
			val := strings.TrimSpace(line[featureIndent:])
			if key != "" {
				start, end, err := parseLocation(val)
				if err != nil {
					return nil, errors.Wrapf(err, "line %d", lineNo)
				}
				cur.Features = append(cur.Features, Feature{
					Type:       key,
					Start:      start,
					End:        end,
					Qualifiers: map[string]string{},
				})
				feat = &cur.Features[len(cur.Features)-1]
				lastKey = ""
				continue
			}
			if feat == nil {
				continue
			}
			if strings.HasPrefix(val, "/") {
				kv := strings.SplitN(val[1:], "=", 2)
				lastKey = kv[0]
				v := ""
				if len(kv) == 2 {
					v = strings.Trim(kv[1], `"`)
				}
				feat.Qualifiers[lastKey] = v
			} else if lastKey != "" {
				feat.Qualifiers[lastKey] += " " + strings.Trim(val, `"`)
			}
		case sectionOrigin:
			for _, field := range strings.Fields(line) {
				if _, err := strconv.Atoi(field); err == nil {
					continue
				}
				seq.WriteString(strings.ToUpper(field))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "couldn't read GenBank data")
	}
	if cur != nil {
		return nil, errors.Errorf("record %s is not terminated", cur.Name)
	}
	return records, nil
}

// parseLocation reduces a GenBank location to a 0-based half-open span.
func parseLocation(loc string) (start, end int, err error) {
	s := strings.NewReplacer("complement(", "", "join(", "", "order(", "", ")", "", "<", "", ">", "").Replace(loc)
	start, end = -1, -1
	for _, part := range strings.Split(s, ",") {
		bounds := strings.SplitN(part, "..", 2)
		lo, err := strconv.Atoi(strings.TrimSpace(bounds[0]))
		if err != nil {
			return 0, 0, errors.Errorf("malformed location %q", loc)
		}
		hi := lo
		if len(bounds) == 2 {
			if hi, err = strconv.Atoi(strings.TrimSpace(bounds[1])); err != nil {
				return 0, 0, errors.Errorf("malformed location %q", loc)
			}
		}
		if lo < 1 || hi < lo {
			return 0, 0, errors.Errorf("malformed location %q", loc)
		}
		if start < 0 || lo-1 < start {
			start = lo - 1
		}
		if hi > end {
			end = hi
		}
	}
	return start, end, nil
}
