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
package coord

import (
	"encoding/binary"
	"fmt"
)

const mapEncodingVersion = 1

// MarshalBinary encodes m as a sequence of varints: version, rows, columns,
// the column origins, and the row-major table with -1 at gaps.
func (m *Map) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 3*binary.MaxVarintLen64+(m.NCols+len(m.data))*2)
	var tmp [binary.MaxVarintLen64]byte
	put := func(v int64) {
		n := binary.PutVarint(tmp[:], v)
		buf = append(buf, tmp[:n]...)
	}
	put(mapEncodingVersion)
	put(int64(m.NRows))
	put(int64(m.NCols))
	for _, c := range m.Columns {
		put(int64(c))
	}
	for _, v := range m.data {
		put(int64(v))
	}
	return buf, nil
}

// UnmarshalBinary decodes the output of MarshalBinary into m.
func (m *Map) UnmarshalBinary(data []byte) error {
	get := func() (int64, error) {
		v, n := binary.Varint(data)
		if n <= 0 {
			return 0, fmt.Errorf("coord.Map: truncated encoding")
		}
		data = data[n:]
		return v, nil
	}
	version, err := get()
	if err != nil {
		return err
	}
	if version != mapEncodingVersion {
		return fmt.Errorf("coord.Map: unrecognized encoding version %d", version)
	}
	rows, err := get()
	if err != nil {
		return err
	}
	cols, err := get()
	if err != nil {
		return err
	}
	if rows < 0 || cols < 0 {
		return fmt.Errorf("coord.Map: negative shape %dx%d", rows, cols)
	}
	// Every remaining value takes at least one byte.
	if n := int64(len(data)); cols > n || (cols > 0 && rows > (n-cols)/cols) {
		return fmt.Errorf("coord.Map: shape %dx%d exceeds %d encoded bytes", rows, cols, n)
	}
	m.NRows, m.NCols = int(rows), int(cols)
	m.Columns = make([]int, cols)
	for c := range m.Columns {
		v, err := get()
		if err != nil {
			return err
		}
		m.Columns[c] = int(v)
	}
	m.data = make([]int32, rows*cols)
	for i := range m.data {
		v, err := get()
		if err != nil {
			return err
		}
		m.data[i] = int32(v)
	}
	if len(data) != 0 {
		return fmt.Errorf("coord.Map: %d trailing bytes", len(data))
	}
	return nil
}
