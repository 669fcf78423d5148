// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"bytes"
	"context"
	"encoding/gob"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/check.v1"
)

type gobSuite struct{}

var _ = check.Suite(&gobSuite{})

func (s *gobSuite) TestRoundTrip(c *check.C) {
	td := writeTestData(c)
	m := fittedTestModel(c, td)
	cat, err := LoadCatalog(testCatalogName, []string{td.CatalogDir})
	c.Assert(err, check.IsNil)
	cfg := defaultAssignConfig()
	cfg.ThreshMatchGrid = []float64{0.01}
	cfg.ThreshRefitGrid = []float64{0.01}
	c.Assert(m.AssignGrid(context.Background(), cat, cfg), check.IsNil)

	tmpdir := c.MkDir()
	for _, fnm := range []string{tmpdir + "/model.gob", tmpdir + "/model.gob.gz"} {
		c.Logf("%s", fnm)
		err := SaveModel(fnm, m)
		c.Assert(err, check.IsNil)
		loaded, err := LoadModel(fnm)
		c.Assert(err, check.IsNil)
		c.Check(sameFit(m, loaded), check.IsNil)
		c.Check(loaded.Config, check.DeepEquals, m.Config)
		c.Check(*loaded.AssignConfig, check.DeepEquals, *m.AssignConfig)
		c.Check(loaded.BestGridIndex, check.Equals, -1)
		c.Assert(loaded.Grid, check.HasLen, 1)
		c.Check(loaded.Grid[0].SigNames, check.DeepEquals, m.Grid[0].SigNames)
		c.Check(loaded.Grid[0].Matches, check.DeepEquals, m.Grid[0].Matches)
		c.Check(mat.Equal(loaded.Grid[0].H, m.Grid[0].H), check.Equals, true)
	}
}

func (s *gobSuite) TestDecodeErrors(c *check.C) {
	var buf bytes.Buffer
	c.Assert(gob.NewEncoder(&buf).Encode(modelHeader{Magic: "something else", Version: 1}), check.IsNil)
	_, err := DecodeModel(&buf)
	c.Check(err, check.ErrorMatches, `not a model file \(magic "something else"\)`)

	buf.Reset()
	c.Assert(gob.NewEncoder(&buf).Encode(modelHeader{Magic: modelMagic, Version: modelFileVersion + 1}), check.IsNil)
	_, err = DecodeModel(&buf)
	c.Check(err, check.ErrorMatches, `model file version 2 is newer .*`)

	td := writeTestData(c)
	m := fittedTestModel(c, td)
	m.X.Set(0, 0, m.X.At(0, 0)+1)
	buf.Reset()
	c.Assert(EncodeModel(&buf, m), check.IsNil)
	_, err = DecodeModel(&buf)
	c.Check(err, check.ErrorMatches, `input matrix does not match stored hash`)

	_, err = LoadModel(c.MkDir() + "/nonexistent.gob")
	c.Check(err, check.NotNil)
}
