// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"context"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/check.v1"
)

type denovoSuite struct{}

var _ = check.Suite(&denovoSuite{})

func (s *denovoSuite) TestMultinomial(c *check.C) {
	src := rand.NewSource(1)
	for _, weights := range [][]float64{
		{1, 2, 3},
		{0, 0, 5},
		{5, 0, 0},
		{0.1, 0, 0.3, 0},
	} {
		out := multinomial(weights, 1000, src)
		c.Check(floats.Sum(out), check.Equals, 1000.0, check.Commentf("%v", weights))
		for i, w := range weights {
			if w == 0 {
				c.Check(out[i], check.Equals, 0.0)
			}
		}
	}
	c.Check(multinomial([]float64{1, 1}, 0, src), check.DeepEquals, []float64{0, 0})
}

func (s *denovoSuite) TestBootstrapKeepsTotals(c *check.C) {
	W, H := syntheticFactors(10, 2, 6, 11)
	var X mat.Dense
	X.Mul(W, H)
	X.Apply(func(i, j int, v float64) float64 { return math.Round(v) }, &X)
	B := bootstrapSamples(&X, rand.NewSource(2))
	c.Check(colSums(B), check.DeepEquals, colSums(&X))
}

func (s *denovoSuite) TestSelectK(c *check.C) {
	cfg := defaultDenovoConfig()
	summaries := []KSummary{
		{K: 1, Errors: []float64{10, 11, 12, 13, 14, 15}, Stability: []float64{1}},
		{K: 2, Errors: []float64{1, 1.1, 1.2, 1.3, 1.4, 1.5}, Stability: []float64{0.95, 0.9}},
		{K: 3, Errors: []float64{1.05, 1.15, 1.25, 1.35, 1.45, 1.55}, Stability: []float64{0.9, 0.9, 0.85}},
		{K: 4, Errors: []float64{0.1, 0.1, 0.1, 0.1, 0.1, 0.1}, Stability: []float64{0.9, 0.1, 0.9, 0.9}},
	}
	sel := selectK(summaries, cfg)
	c.Check(summaries[sel].K, check.Equals, 2)
	c.Check(summaries[3].Selectable, check.Equals, false)
	c.Check(summaries[2].Selectable, check.Equals, true)

	// Nothing stable enough: fall back to the most stable.
	cfg.MinStability = 2
	for i := range summaries {
		summaries[i].Selectable = false
	}
	c.Check(summaries[selectK(summaries, cfg)].K, check.Equals, 1)
}

func (s *denovoSuite) TestFit(c *check.C) {
	td := writeTestData(c)
	p, err := LoadProfile(td.Profile, false)
	c.Assert(err, check.IsNil)
	m, err := NewModel(p, testDenovoConfig())
	c.Assert(err, check.IsNil)
	c.Check(m.Fitted(), check.Equals, false)
	err = m.Fit(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(m.Fitted(), check.Equals, true)
	c.Check(m.KSummaries, check.HasLen, 3)
	c.Check(m.NComponents >= 1 && m.NComponents <= 3, check.Equals, true)
	c.Check(m.SigNames, check.HasLen, m.NComponents)
	c.Check(m.Stability, check.HasLen, m.NComponents)
	r, k := m.W.Dims()
	c.Check(r, check.Equals, len(td.Channels))
	c.Check(k, check.Equals, m.NComponents)
	k, n := m.H.Dims()
	c.Check(k, check.Equals, m.NComponents)
	c.Check(n, check.Equals, len(td.Samples))
	c.Check(mat.Min(m.W) >= 0, check.Equals, true)
	c.Check(mat.Min(m.H) >= 0, check.Equals, true)
	for _, sum := range colSums(m.W) {
		c.Check(math.Abs(sum-1) < 1e-9, check.Equals, true)
	}
	for _, ks := range m.KSummaries {
		c.Check(ks.Errors, check.HasLen, 3)
		c.Check(ks.Stability, check.HasLen, ks.K)
	}

	// Same seed, same result regardless of thread count.
	cfg := testDenovoConfig()
	cfg.Threads = 1
	again, err := NewModel(p, cfg)
	c.Assert(err, check.IsNil)
	c.Assert(again.Fit(context.Background()), check.IsNil)
	c.Check(again.NComponents, check.Equals, m.NComponents)
	c.Check(mat.Equal(again.W, m.W), check.Equals, true)
}

func (s *denovoSuite) TestFitMinVolumeBootstrap(c *check.C) {
	td := writeTestData(c)
	p, err := LoadProfile(td.Profile, false)
	c.Assert(err, check.IsNil)
	cfg := testDenovoConfig()
	cfg.Method = "mvnmf"
	cfg.Init = "random"
	cfg.Bootstrap = true
	cfg.MinComponents = 2
	cfg.MaxComponents = 2
	cfg.MaxIter = 1000
	m, err := NewModel(p, cfg)
	c.Assert(err, check.IsNil)
	c.Assert(m.Fit(context.Background()), check.IsNil)
	c.Check(m.NComponents, check.Equals, 2)
	c.Assert(m.Stability, check.HasLen, 2)
	for _, st := range m.Stability {
		c.Check(st > 0.9, check.Equals, true, check.Commentf("stability %v", m.Stability))
	}
	for _, e := range m.KSummaries[0].Errors {
		c.Check(math.IsNaN(e), check.Equals, false)
	}
	c.Check(mat.Min(m.W) >= 0, check.Equals, true)
	c.Check(mat.Min(m.H) >= 0, check.Equals, true)

	used := mat.NewDense(len(td.Channels), 2, nil)
	used.SetCol(0, mat.Col(nil, 0, td.CatalogW))
	used.SetCol(1, mat.Col(nil, 2, td.CatalogW))
	orig := columns(used)
	fit := columns(m.W)
	for a, b := range alignTo(used, m.W) {
		d := cosineDistance(orig[a], fit[b])
		c.Check(d < 0.05, check.Equals, true, check.Commentf("signature %d distance %g", a, d))
	}
}

func (s *denovoSuite) TestFitTooManyComponents(c *check.C) {
	td := writeTestData(c)
	p, err := LoadProfile(td.Profile, false)
	c.Assert(err, check.IsNil)
	cfg := testDenovoConfig()
	cfg.MinComponents = 20
	cfg.MaxComponents = 25
	m, err := NewModel(p, cfg)
	c.Assert(err, check.IsNil)
	c.Check(m.Fit(context.Background()), check.ErrorMatches, `min-components 20 exceeds data dimensions 12×12`)
}

func (s *denovoSuite) TestConfigCheck(c *check.C) {
	cfg := defaultDenovoConfig()
	c.Check(cfg.Check(), check.IsNil)
	cfg.Method = "foo"
	c.Check(cfg.Check(), check.ErrorMatches, `unknown NMF method "foo"`)
	cfg = defaultDenovoConfig()
	cfg.MaxComponents = 0
	c.Check(cfg.Check(), check.ErrorMatches, `max-components 0 < min-components 1`)
}
