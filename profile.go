// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/csimplestring/go-csv/detector"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// Profile is a mutation count matrix. X has one row per channel and
// one column per sample.
type Profile struct {
	Channels []string
	Samples  []string
	X        *mat.Dense
}

// LoadProfile reads a profile matrix from a delimited text file. By
// default the first column holds sample IDs and the header row
// holds channel names; with channelsInRows the layout is
// transposed.
func LoadProfile(path string, channelsInRows bool) (*Profile, error) {
	f, err := zopen(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rowNames, colNames, data, err := readLabeledMatrix(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p := &Profile{}
	if channelsInRows {
		p.Channels, p.Samples = rowNames, colNames
		p.X = mat.NewDense(len(rowNames), len(colNames), data)
	} else {
		p.Samples, p.Channels = rowNames, colNames
		p.X = mat.DenseCopyOf(mat.NewDense(len(rowNames), len(colNames), data).T())
	}
	if err := p.check(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Infof("loaded %s: %d samples, %d channels, %.0f mutations", path, len(p.Samples), len(p.Channels), mat.Sum(p.X))
	return p, nil
}

func (p *Profile) check() error {
	if dup := firstDuplicate(p.Samples); dup != "" {
		return fmt.Errorf("duplicate sample ID %q", dup)
	}
	if dup := firstDuplicate(p.Channels); dup != "" {
		return fmt.Errorf("duplicate channel %q", dup)
	}
	raw := p.X.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		for j, v := range raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols] {
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("invalid count %v for channel %q sample %q", v, p.Channels[i], p.Samples[j])
			}
		}
	}
	return nil
}

// SampleTotals returns the total mutation count of each sample.
func (p *Profile) SampleTotals() []float64 {
	return colSums(p.X)
}

// Subset returns a profile containing only the given sample
// columns, in the given order.
func (p *Profile) Subset(cols []int) (*Profile, error) {
	if len(cols) == 0 {
		return nil, errors.New("no samples selected")
	}
	out := &Profile{
		Channels: p.Channels,
		X:        mat.NewDense(len(p.Channels), len(cols), nil),
	}
	col := make([]float64, len(p.Channels))
	for jj, j := range cols {
		out.Samples = append(out.Samples, p.Samples[j])
		mat.Col(col, j, p.X)
		out.X.SetCol(jj, col)
	}
	return out, nil
}

// WriteCSV writes p in the layout LoadProfile reads by default: one
// row per sample, one column per channel.
func (p *Profile) WriteCSV(w io.Writer) error {
	return WriteMatrixCSV(w, "", p.Samples, p.Channels, p.X.T())
}

func firstDuplicate(names []string) string {
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			return name
		}
		seen[name] = true
	}
	return ""
}

// readLabeledMatrix parses a delimited file whose first row holds
// column names (after a corner cell) and whose first column holds row
// names. The returned data is row-major.
func readLabeledMatrix(r io.Reader) (rowNames, colNames []string, data []float64, err error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, nil, err
	}
	head := buf
	if len(head) > 1<<16 {
		head = head[:1<<16]
	}
	delim := ','
	for _, d := range detector.New().DetectDelimiter(bytes.NewReader(head), '"') {
		if len(d) == 1 && strings.ContainsAny(d, ",\t;|") {
			delim = rune(d[0])
			break
		}
	}
	cr := csv.NewReader(bytes.NewReader(buf))
	cr.Comma = delim
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, nil, nil, err
		}
		line++
		if line == 1 {
			if len(rec) < 2 {
				return nil, nil, nil, fmt.Errorf("header has %d fields, need at least 2", len(rec))
			}
			for _, name := range rec[1:] {
				colNames = append(colNames, strings.TrimSpace(name))
			}
			continue
		}
		if len(rec) != len(colNames)+1 {
			return nil, nil, nil, fmt.Errorf("line %d: %d fields, expected %d", line, len(rec), len(colNames)+1)
		}
		rowNames = append(rowNames, strings.TrimSpace(rec[0]))
		for i, s := range rec[1:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("line %d column %q: %w", line, colNames[i], err)
			}
			data = append(data, v)
		}
	}
	if len(rowNames) == 0 {
		return nil, nil, nil, errors.New("no data rows")
	}
	return rowNames, colNames, data, nil
}

// WriteMatrixCSV writes m with a header row (corner, colNames...) and
// one row per rowNames entry.
func WriteMatrixCSV(w io.Writer, corner string, rowNames, colNames []string, m mat.Matrix) error {
	r, c := m.Dims()
	if r != len(rowNames) || c != len(colNames) {
		return fmt.Errorf("bug: matrix is %d×%d but have %d row names, %d column names", r, c, len(rowNames), len(colNames))
	}
	cw := csv.NewWriter(w)
	rec := make([]string, c+1)
	rec[0] = corner
	copy(rec[1:], colNames)
	if err := cw.Write(rec); err != nil {
		return err
	}
	for i, name := range rowNames {
		rec[0] = name
		for j := 0; j < c; j++ {
			rec[j+1] = strconv.FormatFloat(m.At(i, j), 'g', -1, 64)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// writeMatrixFile writes m to path (local or gs://, optionally .gz)
// as CSV.
func writeMatrixFile(path, corner string, rowNames, colNames []string, m mat.Matrix) error {
	f, err := create(path)
	if err != nil {
		return err
	}
	defer f.Abort()
	err = WriteMatrixCSV(f, corner, rowNames, colNames, m)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	log.Infof("wrote %s", path)
	return nil
}
