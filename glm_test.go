// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"math"
	"math/rand"

	"gopkg.in/check.v1"
)

type glmSuite struct{}

var _ = check.Suite(&glmSuite{})

func (s *glmSuite) TestExposureAssociated(c *check.C) {
	rng := rand.New(rand.NewSource(1))
	n := 200
	isCase := make([]bool, n)
	burden := make([]float64, n)
	exposure := make([]float64, n)
	noise := make([]float64, n)
	for i := range isCase {
		isCase[i] = i%2 == 0
		burden[i] = 3 + rng.Float64()
		exposure[i] = rng.Float64()
		if isCase[i] {
			exposure[i] += 0.5
		}
		noise[i] = rng.Float64()
	}
	pvalue := exposureGLMFunc(isCase, [][]float64{burden})
	p := pvalue(exposure)
	c.Check(p < 1e-6, check.Equals, true, check.Commentf("p = %g", p))
	p = pvalue(noise)
	c.Check(p > 1e-3, check.Equals, true, check.Commentf("p = %g", p))
}

func (s *glmSuite) TestConstantExposure(c *check.C) {
	isCase := []bool{true, false, true, false, true, false}
	pvalue := exposureGLMFunc(isCase, nil)
	c.Check(math.IsNaN(pvalue([]float64{1, 1, 1, 1, 1, 1})), check.Equals, true)
}

func (s *glmSuite) TestStandardize(c *check.C) {
	a := []float64{1, 2, 3}
	c.Check(standardize(a), check.Equals, true)
	c.Check(math.Abs(a[0]+a[2]) < 1e-12, check.Equals, true)
	c.Check(a[1], check.Equals, 0.0)
	c.Check(standardize([]float64{4, 4}), check.Equals, false)
}
