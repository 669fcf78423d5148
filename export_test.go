// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"io/ioutil"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/check.v1"
)

type exportSuite struct{}

var _ = check.Suite(&exportSuite{})

func (s *exportSuite) TestExportFitted(c *check.C) {
	td := writeTestData(c)
	m := fittedTestModel(c, td)
	m.KSummaries = []KSummary{
		{K: 1, Errors: []float64{3, 5}, Stability: []float64{1}},
		{K: 2, Errors: []float64{1, 2}, Stability: []float64{1, 0.5}, Selectable: true},
	}
	tmpdir := c.MkDir()

	written, err := (&exporter{}).export(m, tmpdir)
	c.Assert(err, check.IsNil)
	c.Check(written, check.DeepEquals, []string{tmpdir + "/H.csv", tmpdir + "/W.csv", tmpdir + "/k_summary.csv"})

	ksum, err := ioutil.ReadFile(tmpdir + "/k_summary.csv")
	c.Assert(err, check.IsNil)
	c.Check(string(ksum), check.Equals, `k,mean_error,mean_stability,min_stability,selectable,selected
1,4,1,1,false,false
2,1.5,0.75,0.5,true,true
`)

	W, err := LoadProfile(tmpdir+"/W.csv", true)
	c.Assert(err, check.IsNil)
	c.Check(W.Samples, check.DeepEquals, []string{"Sig1", "Sig2"})
	c.Check(mat.Equal(W.X, m.W), check.Equals, true)
	H, err := LoadProfile(tmpdir+"/H.csv", true)
	c.Assert(err, check.IsNil)
	c.Check(H.Channels, check.DeepEquals, []string{"Sig1", "Sig2"})
	c.Check(H.Samples, check.DeepEquals, td.Samples)
}

func (s *exportSuite) TestExportTables(c *check.C) {
	td := writeTestData(c)
	m := fittedTestModel(c, td)
	tmpdir := c.MkDir()

	written, err := (&exporter{tables: []string{"W"}}).export(m, tmpdir)
	c.Assert(err, check.IsNil)
	c.Check(written, check.DeepEquals, []string{tmpdir + "/W.csv"})

	_, err = (&exporter{tables: []string{"grid"}}).export(m, tmpdir)
	c.Check(err, check.ErrorMatches, `model has no data for table "grid"`)
	_, err = (&exporter{tables: []string{"W", "foo"}}).export(m, tmpdir)
	c.Check(err, check.ErrorMatches, `unknown table "foo"`)
}
