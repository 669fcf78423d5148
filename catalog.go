// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

const defaultCatalogName = "COSMIC-MuSiCal_v3p2_SBS_WGS"

// Signatures that tend to appear together in the same sample.
var connectedSignatureGroups = [][]string{
	{"SBS2", "SBS13"},
	{"SBS7a", "SBS7b", "SBS7c", "SBS7d"},
	{"SBS10a", "SBS10b"},
	{"SBS17a", "SBS17b"},
}

// Catalog is a reference set of signatures. W has one row per
// channel and one L1-normalized column per signature.
type Catalog struct {
	Name     string
	Channels []string
	SigNames []string
	W        *mat.Dense
}

// LoadCatalog finds the named catalog and loads it. name may be a
// path (local, collection, or gs://), or a bare name that is looked
// up as <dir>/<name>.csv or <dir>/<name>.csv.gz in each of dirs.
func LoadCatalog(name string, dirs []string) (*Catalog, error) {
	var tried []string
	var candidates []string
	if strings.Contains(name, "/") || strings.HasSuffix(name, ".csv") || strings.HasSuffix(name, ".gz") {
		candidates = append(candidates, name)
	}
	for _, dir := range dirs {
		for _, ext := range []string{".csv", ".csv.gz"} {
			candidates = append(candidates, strings.TrimSuffix(dir, "/")+"/"+name+ext)
		}
	}
	for _, path := range candidates {
		if !isRemotePath(path) {
			if _, err := os.Stat(path); err != nil {
				tried = append(tried, path)
				continue
			}
		}
		cat, err := loadCatalogFile(path)
		if err != nil {
			return nil, err
		}
		cat.Name = catalogName(name)
		return cat, nil
	}
	return nil, fmt.Errorf("catalog %q not found (tried %s)", name, strings.Join(tried, ", "))
}

func catalogName(name string) string {
	base := filepath.Base(name)
	base = strings.TrimSuffix(base, ".gz")
	return strings.TrimSuffix(base, ".csv")
}

func loadCatalogFile(path string) (*Catalog, error) {
	f, err := zopen(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	channels, sigs, data, err := readLabeledMatrix(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cat := &Catalog{
		Channels: channels,
		SigNames: sigs,
		W:        mat.NewDense(len(channels), len(sigs), data),
	}
	if dup := firstDuplicate(sigs); dup != "" {
		return nil, fmt.Errorf("%s: duplicate signature %q", path, dup)
	}
	if dup := firstDuplicate(channels); dup != "" {
		return nil, fmt.Errorf("%s: duplicate channel %q", path, dup)
	}
	for j, sum := range colSums(cat.W) {
		if sum <= 0 {
			return nil, fmt.Errorf("%s: signature %q is empty", path, sigs[j])
		}
	}
	if mat.Min(cat.W) < 0 {
		return nil, fmt.Errorf("%s: negative entry", path)
	}
	normalizeColumns(cat.W, nil)
	log.Infof("loaded catalog %s: %d channels, %d signatures", path, len(channels), len(sigs))
	return cat, nil
}

// Align returns a copy of the catalog with rows in the given channel
// order.
func (cat *Catalog) Align(channels []string) (*Catalog, error) {
	idx := make(map[string]int, len(cat.Channels))
	for i, ch := range cat.Channels {
		idx[ch] = i
	}
	var missing []string
	out := &Catalog{
		Name:     cat.Name,
		Channels: append([]string(nil), channels...),
		SigNames: cat.SigNames,
		W:        mat.NewDense(len(channels), len(cat.SigNames), nil),
	}
	for i, ch := range channels {
		src, ok := idx[ch]
		if !ok {
			missing = append(missing, ch)
			continue
		}
		out.W.SetRow(i, mat.Row(nil, src, cat.W))
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("catalog %s lacks %d channels (e.g., %q)", cat.Name, len(missing), missing[0])
	}
	if len(channels) != len(cat.Channels) {
		log.Warnf("catalog %s has %d channels, profile has %d; renormalizing", cat.Name, len(cat.Channels), len(channels))
		normalizeColumns(out.W, nil)
	}
	return out, nil
}

// Restrict returns a catalog containing only the named signatures, in
// the given order.
func (cat *Catalog) Restrict(names []string) (*Catalog, error) {
	if len(names) == 0 {
		return nil, errors.New("no signatures selected")
	}
	idx := cat.index()
	out := &Catalog{
		Name:     cat.Name,
		Channels: cat.Channels,
		SigNames: append([]string(nil), names...),
		W:        mat.NewDense(len(cat.Channels), len(names), nil),
	}
	for j, name := range names {
		src, ok := idx[name]
		if !ok {
			return nil, fmt.Errorf("catalog %s has no signature %q", cat.Name, name)
		}
		out.W.SetCol(j, mat.Col(nil, src, cat.W))
	}
	return out, nil
}

func (cat *Catalog) index() map[string]int {
	idx := make(map[string]int, len(cat.SigNames))
	for j, name := range cat.SigNames {
		idx[name] = j
	}
	return idx
}

// ConnectedGroups returns the connected signature groups as column
// indices, leaving out signatures the catalog does not have. Groups
// with fewer than two members are omitted.
func (cat *Catalog) ConnectedGroups() [][]int {
	idx := cat.index()
	var groups [][]int
	for _, names := range connectedSignatureGroups {
		var g []int
		for _, name := range names {
			if j, ok := idx[name]; ok {
				g = append(g, j)
			}
		}
		if len(g) > 1 {
			groups = append(groups, g)
		}
	}
	return groups
}
