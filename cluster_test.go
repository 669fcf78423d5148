// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/check.v1"
)

type clusterSuite struct{}

var _ = check.Suite(&clusterSuite{})

func (s *clusterSuite) TestHungarian(c *check.C) {
	for _, trial := range []struct {
		cost   [][]float64
		expect []int
	}{
		{[][]float64{{1}}, []int{0}},
		{[][]float64{
			{4, 1, 3},
			{2, 0, 5},
			{3, 2, 2},
		}, []int{1, 0, 2}},
		{[][]float64{
			{9, 1, 9, 9},
			{1, 9, 9, 9},
		}, []int{1, 0}},
		{[][]float64{
			{5, 1},
			{1, 5},
			{0, 0},
		}, []int{1, -1, 0}},
		{[][]float64{
			{5, 1},
			{1, 5},
			{3, 3},
		}, []int{1, 0, -1}},
		{[][]float64{
			{3, 1, 2},
		}, []int{1}},
	} {
		c.Check(hungarian(trial.cost), check.DeepEquals, trial.expect, check.Commentf("%v", trial.cost))
	}
}

func (s *clusterSuite) TestCosineDistance(c *check.C) {
	c.Check(cosineDistance([]float64{1, 0}, []float64{2, 0}) < 1e-12, check.Equals, true)
	c.Check(math.Abs(cosineDistance([]float64{1, 0}, []float64{0, 3})-1) < 1e-12, check.Equals, true)
}

func (s *clusterSuite) TestConsensusPermuted(c *check.C) {
	W, _ := syntheticFactors(9, 3, 1, 5)
	perm := mat.NewDense(9, 3, nil)
	for i := 0; i < 9; i++ {
		perm.Set(i, 0, W.At(i, 2))
		perm.Set(i, 1, W.At(i, 0))
		perm.Set(i, 2, W.At(i, 1))
	}
	centroid, stab := consensus([]*mat.Dense{W, perm, W}, []float64{1, 2, 3})
	c.Check(mat.EqualApprox(centroid, W, 1e-9), check.Equals, true)
	c.Assert(stab, check.HasLen, 3)
	for _, v := range stab {
		c.Check(v > 0.9, check.Equals, true, check.Commentf("stability %v", stab))
	}
	c.Check(alignTo(W, perm), check.DeepEquals, []int{1, 2, 0})
}

func (s *clusterSuite) TestConsensusSingle(c *check.C) {
	W, _ := syntheticFactors(6, 2, 1, 6)
	_, stab := consensus([]*mat.Dense{W}, []float64{0})
	c.Check(stab, check.DeepEquals, []float64{1, 1})
}
