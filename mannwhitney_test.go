// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"gopkg.in/check.v1"
)

type mannWhitneySuite struct{}

var _ = check.Suite(&mannWhitneySuite{})

func (s *mannWhitneySuite) TestSeparated(c *check.C) {
	small := []float64{0.01, 0.02, 0.03, 0.04, 0.05, 0.06}
	large := []float64{0.5, 0.6, 0.7, 0.8, 0.9, 1.0}
	c.Check(mannWhitneyLess(small, large) < 0.01, check.Equals, true)
	c.Check(mannWhitneyLess(large, small) > 0.99, check.Equals, true)
}

func (s *mannWhitneySuite) TestIdentical(c *check.C) {
	x := []float64{0.1, 0.2, 0.3, 0.4}
	p := mannWhitneyLess(x, x)
	c.Check(p > 0.4, check.Equals, true, check.Commentf("p = %g", p))
}

func (s *mannWhitneySuite) TestDegenerate(c *check.C) {
	c.Check(mannWhitneyLess(nil, []float64{1}), check.Equals, 1.0)
	c.Check(mannWhitneyLess([]float64{1, 1}, []float64{1, 1}), check.Equals, 1.0)
}
