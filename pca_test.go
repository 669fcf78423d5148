// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/check.v1"
)

type pcaSuite struct{}

var _ = check.Suite(&pcaSuite{})

func (s *pcaSuite) TestExposureFractions(c *check.C) {
	H := mat.NewDense(2, 3, []float64{
		1, 0, 3,
		3, 0, 1,
	})
	f := exposureFractions(H)
	c.Check(f.RawMatrix().Data, check.DeepEquals, []float64{0.25, 0, 0.75, 0.75, 0, 0.25})
}

func (s *pcaSuite) TestExposurePCA(c *check.C) {
	_, H := syntheticFactors(4, 3, 10, 5)
	out, err := exposurePCA(H, 5)
	c.Assert(err, check.IsNil)
	r, n := out.Dims()
	c.Check(r, check.Equals, 10)
	c.Check(n, check.Equals, 3)
	for i := 0; i < r; i++ {
		for j := 0; j < n; j++ {
			c.Check(math.IsNaN(out.At(i, j)), check.Equals, false)
		}
	}

	_, err = exposurePCA(mat.NewDense(1, 1, []float64{1}), 0)
	c.Check(err, check.NotNil)
}
