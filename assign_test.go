// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/check.v1"
)

type assignSuite struct{}

var _ = check.Suite(&assignSuite{})

func testDenovoConfig() DenovoConfig {
	cfg := defaultDenovoConfig()
	cfg.MinComponents = 1
	cfg.MaxComponents = 3
	cfg.Replicates = 3
	cfg.Threads = 4
	cfg.MaxIter = 300
	cfg.Method = "nmf"
	cfg.Init = "nndsvda"
	cfg.Seed = 1
	return cfg
}

// fittedTestModel returns a model of td whose de novo signatures are
// exactly catalog signatures SBS1 and SBS3.
func fittedTestModel(c *check.C, td *testData) *Model {
	p, err := LoadProfile(td.Profile, false)
	c.Assert(err, check.IsNil)
	m, err := NewModel(p, testDenovoConfig())
	c.Assert(err, check.IsNil)
	m.W = mat.NewDense(len(td.Channels), 2, nil)
	m.W.SetCol(0, mat.Col(nil, 0, td.CatalogW))
	m.W.SetCol(1, mat.Col(nil, 2, td.CatalogW))
	m.H = nnlsColumns(m.W, m.X)
	m.NComponents = 2
	m.SigNames = denovoSigNames(2)
	m.Stability = []float64{1, 1}
	return m
}

func (s *assignSuite) TestSparseFitter(c *check.C) {
	W, _ := syntheticFactors(12, 4, 1, 9)
	x := make([]float64, 12)
	for i := range x {
		x[i] = 300*W.At(i, 0) + 500*W.At(i, 2)
	}
	h := (&sparseFitter{W: W, Thresh: 0.001}).fit(x)
	c.Check(math.Abs(h[0]-300) < 1e-6, check.Equals, true, check.Commentf("%v", h))
	c.Check(h[1], check.Equals, 0.0)
	c.Check(math.Abs(h[2]-500) < 1e-6, check.Equals, true, check.Commentf("%v", h))
	c.Check(h[3], check.Equals, 0.0)

	// A huge threshold keeps only the single best signature.
	h = (&sparseFitter{W: W, Thresh: 1e9}).fit(x)
	c.Check(countActive([]bool{h[0] > 0, h[1] > 0, h[2] > 0, h[3] > 0}), check.Equals, 1, check.Commentf("%v", h))

	c.Check((&sparseFitter{W: W, Thresh: 1}).fit(make([]float64, 12)), check.DeepEquals, make([]float64, 4))
}

func (s *assignSuite) TestExpandGroups(c *check.C) {
	sf := &sparseFitter{Groups: [][]int{{0, 1}, {2, 3}}}
	active := []bool{true, false, false, false}
	c.Check(sf.expandGroups(active), check.Equals, true)
	c.Check(active, check.DeepEquals, []bool{true, true, false, false})
	c.Check(sf.expandGroups(active), check.Equals, false)
}

func (s *assignSuite) TestMatchNovel(c *check.C) {
	td := writeTestData(c)
	m := fittedTestModel(c, td)
	cat, err := LoadCatalog(testCatalogName, []string{td.CatalogDir})
	c.Assert(err, check.IsNil)

	mr := m.match(cat, 0.01, 0.9)
	c.Check(mr.matches, check.DeepEquals, map[string][]string{"Sig1": {"SBS1"}, "Sig2": {"SBS3"}})
	c.Check(mr.catalogCols, check.DeepEquals, []int{0, 2})
	c.Check(mr.novel, check.HasLen, 0)

	// Replace Sig2 with a single-channel signature that no catalog
	// combination resembles.
	e0 := make([]float64, len(td.Channels))
	e0[0] = 1
	m.W.SetCol(1, e0)
	m.H = nnlsColumns(m.W, m.X)
	mr = m.match(cat, 0.01, 0.9)
	c.Check(mr.novel, check.DeepEquals, []int{1})
	c.Check(mr.matches["Sig2"], check.DeepEquals, []string{"Sig2_novel"})
	gp := m.refit(cat, mr, 0.01, 0.01, false)
	c.Check(gp.Novel, check.DeepEquals, []string{"Sig2"})
	for _, name := range gp.SigNames {
		c.Check(name == "SBS1" || name == "Sig2_novel", check.Equals, true, check.Commentf("%v", gp.SigNames))
	}
}

func (s *assignSuite) TestAssignGrid(c *check.C) {
	td := writeTestData(c)
	m := fittedTestModel(c, td)
	cat, err := LoadCatalog(testCatalogName, []string{td.CatalogDir})
	c.Assert(err, check.IsNil)

	cfg := defaultAssignConfig()
	cfg.ThreshMatchGrid = []float64{0.0001, 0.01, 1}
	cfg.ThreshRefitGrid = []float64{0.001, 0.1}
	err = m.AssignGrid(context.Background(), cat, cfg)
	c.Assert(err, check.IsNil)
	c.Check(m.Assigned(), check.Equals, true)
	c.Check(m.Validated(), check.Equals, false)
	c.Check(m.CatalogName, check.Equals, testCatalogName)
	c.Check(m.CatalogSigNames, check.HasLen, 4)
	c.Assert(m.Grid, check.HasLen, 6)
	for i, tm := range cfg.ThreshMatchGrid {
		for j, tr := range cfg.ThreshRefitGrid {
			gp := m.Grid[i*2+j]
			c.Check(gp.ThreshMatch, check.Equals, tm)
			c.Check(gp.ThreshRefit, check.Equals, tr)
			c.Check(gp.SigNames, check.DeepEquals, []string{"SBS1", "SBS3"})
			c.Assert(gp.H, check.NotNil)
			k, n := gp.H.Dims()
			c.Check(k, check.Equals, 2)
			c.Check(n, check.Equals, len(td.Samples))
			c.Check(mat.Min(gp.H) >= 0, check.Equals, true)
		}
	}

	cfg.CleanWs = true
	c.Check(m.AssignGrid(context.Background(), cat, cfg), check.ErrorMatches, `cleaning .* not supported`)
	cfg.CleanWs = false
	cfg.Method = "likelihood"
	c.Check(m.AssignGrid(context.Background(), cat, cfg), check.ErrorMatches, `unsupported assignment method "likelihood"`)

	unfitted, err := NewModel(m.Profile(), testDenovoConfig())
	c.Assert(err, check.IsNil)
	c.Check(unfitted.AssignGrid(context.Background(), cat, defaultAssignConfig()), check.Equals, errNotFitted)
}

func (s *assignSuite) TestValidateGrid(c *check.C) {
	td := writeTestData(c)
	m := fittedTestModel(c, td)
	cat, err := LoadCatalog(testCatalogName, []string{td.CatalogDir})
	c.Assert(err, check.IsNil)
	c.Check(m.ValidateGrid(context.Background(), defaultValidateConfig()), check.Equals, errNotAssigned)

	acfg := defaultAssignConfig()
	acfg.ThreshMatchGrid = []float64{0.001, 1}
	acfg.ThreshRefitGrid = []float64{0.001, 1}
	c.Assert(m.AssignGrid(context.Background(), cat, acfg), check.IsNil)

	vcfg := defaultValidateConfig()
	vcfg.Seed = 3
	err = m.ValidateGrid(context.Background(), vcfg)
	c.Assert(err, check.IsNil)
	c.Check(m.Validated(), check.Equals, true)
	c.Check(m.BestGridIndex >= 0 && m.BestGridIndex < len(m.Grid), check.Equals, true)
	c.Check(m.SigNamesS, check.DeepEquals, m.Grid[m.BestGridIndex].SigNames)
	_, k := m.WS.Dims()
	c.Check(k, check.Equals, len(m.SigNamesS))
	k, n := m.HS.Dims()
	c.Check(k, check.Equals, len(m.SigNamesS))
	c.Check(n, check.Equals, len(td.Samples))
	for _, gp := range m.Grid {
		c.Check(gp.Distances, check.HasLen, m.NComponents*vcfg.Replicates)
		for _, d := range gp.Distances {
			c.Check(d >= 0 && d <= 1+1e-9, check.Equals, true)
		}
	}

	// Reassigning discards the validation result.
	c.Assert(m.AssignGrid(context.Background(), cat, acfg), check.IsNil)
	c.Check(m.Validated(), check.Equals, false)
	c.Check(m.BestGridIndex, check.Equals, -1)
}

func (s *assignSuite) TestSelectGridPoint(c *check.C) {
	w := mat.NewDense(1, 2, []float64{1, 1})
	grid := []GridPoint{
		{ThreshMatch: 1, ThreshRefit: 1, W: w, H: mat.NewDense(2, 2, []float64{1, 1, 1, 1}), Distances: []float64{0.01, 0.02, 0.03, 0.04}},
		{ThreshMatch: 1, ThreshRefit: 2, W: w, H: mat.NewDense(2, 2, []float64{1, 0, 0, 1}), Distances: []float64{0.015, 0.025, 0.035, 0.045}},
		{ThreshMatch: 1, ThreshRefit: 5, W: w, H: mat.NewDense(1, 2, []float64{1, 0}), Distances: []float64{0.5, 0.6, 0.7, 0.8}},
		{ThreshMatch: 2, ThreshRefit: 5, Distances: []float64{1, 1, 1, 1}},
	}
	best, err := selectGridPoint(grid, ValidateConfig{GridSelectionMethod: "pvalue", GridSelectionPValue: 0.05})
	c.Assert(err, check.IsNil)
	c.Check(best, check.Equals, 1)
	c.Check(grid[1].PValue >= 0.05, check.Equals, true)
	c.Check(grid[2].PValue < 0.05, check.Equals, true)
	c.Check(grid[3].PValue, check.Equals, 0.0)

	best, err = selectGridPoint(grid, ValidateConfig{GridSelectionMethod: "min"})
	c.Assert(err, check.IsNil)
	c.Check(best, check.Equals, 0)

	// Equal sparsity: the larger refit threshold wins.
	grid[0].H = mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	best, err = selectGridPoint(grid, ValidateConfig{GridSelectionMethod: "pvalue", GridSelectionPValue: 0.05})
	c.Assert(err, check.IsNil)
	c.Check(best, check.Equals, 1)

	_, err = selectGridPoint(grid[3:], ValidateConfig{GridSelectionMethod: "pvalue", GridSelectionPValue: 0.05})
	c.Check(err, check.NotNil)
}

func (s *assignSuite) TestFloatList(c *check.C) {
	var fl floatList
	c.Check(fl.Set("0.1, 0.2 1e-3"), check.IsNil)
	c.Check([]float64(fl), check.DeepEquals, []float64{0.1, 0.2, 0.001})
	c.Check(fl.Set("x"), check.NotNil)
}

// connectedTestModel returns a model whose samples are dominated by
// SBS2 with a small SBS13 component, and whose de novo signatures are
// exactly SBS2 and SBS13.
func connectedTestModel(c *check.C, td *testData) *Model {
	X := mat.NewDense(len(td.Channels), 4, nil)
	for j := 0; j < 4; j++ {
		for i := range td.Channels {
			X.Set(i, j, math.Round(float64(j+1)*(1000*td.CatalogW.At(i, 1)+30*td.CatalogW.At(i, 3))))
		}
	}
	p := &Profile{Channels: td.Channels, Samples: []string{"s0", "s1", "s2", "s3"}, X: X}
	m, err := NewModel(p, testDenovoConfig())
	c.Assert(err, check.IsNil)
	m.W = mat.NewDense(len(td.Channels), 2, nil)
	m.W.SetCol(0, mat.Col(nil, 1, td.CatalogW))
	m.W.SetCol(1, mat.Col(nil, 3, td.CatalogW))
	m.H = nnlsColumns(m.W, m.X)
	m.NComponents = 2
	m.SigNames = denovoSigNames(2)
	m.Stability = []float64{1, 1}
	return m
}

func (s *assignSuite) TestAssignGridConnected(c *check.C) {
	td := writeTestData(c)
	cat, err := LoadCatalog(testCatalogName, []string{td.CatalogDir})
	c.Assert(err, check.IsNil)
	cfg := defaultAssignConfig()
	cfg.ThreshMatchGrid = []float64{0.0001}
	// A refit threshold this large keeps a single signature per
	// sample unless connected signatures are forced in.
	cfg.ThreshRefitGrid = []float64{0.001, 1e9}

	m := connectedTestModel(c, td)
	c.Assert(m.AssignGrid(context.Background(), cat, cfg), check.IsNil)
	c.Assert(m.Grid, check.HasLen, 2)
	c.Check(m.Grid[0].SigNames, check.DeepEquals, []string{"SBS2", "SBS13"})
	c.Check(m.Grid[1].SigNames, check.DeepEquals, []string{"SBS2"})

	cfg.ConnectedSigs = true
	m = connectedTestModel(c, td)
	c.Assert(m.AssignGrid(context.Background(), cat, cfg), check.IsNil)
	c.Assert(m.Grid, check.HasLen, 2)
	for _, gp := range m.Grid {
		c.Check(gp.SigNames, check.DeepEquals, []string{"SBS2", "SBS13"})
		_, n := gp.H.Dims()
		for j := 0; j < n; j++ {
			c.Check(gp.H.At(0, j) > 0, check.Equals, true)
			c.Check(gp.H.At(1, j) > 0, check.Equals, true, check.Commentf("thresh_refit %g sample %d", gp.ThreshRefit, j))
		}
	}
}

func (s *assignSuite) TestMatchSkipsUnexposedSignature(c *check.C) {
	td := writeTestData(c)
	m := fittedTestModel(c, td)
	cat, err := LoadCatalog(testCatalogName, []string{td.CatalogDir})
	c.Assert(err, check.IsNil)
	for j := 0; j < len(td.Samples); j++ {
		m.H.Set(1, j, 0)
	}
	mr := m.match(cat, 0.01, 0)
	c.Check(mr.matches, check.DeepEquals, map[string][]string{"Sig1": {"SBS1"}})
	c.Check(mr.catalogCols, check.DeepEquals, []int{0})
	c.Check(mr.novel, check.HasLen, 0)
}
