// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"fmt"

	"gopkg.in/check.v1"
)

type pvalueSuite struct{}

var _ = check.Suite(&pvalueSuite{})

func (s *pvalueSuite) TestPresencePValue(c *check.C) {
	present := make([]bool, 54)
	isCase := make([]bool, 54)
	for i := 0; i < 25; i++ {
		present[i] = true
		isCase[i] = true
	}
	for i := 25; i < 31; i++ {
		present[i] = true
	}
	for i := 31; i < 39; i++ {
		isCase[i] = true
	}
	c.Check(fmt.Sprintf("%.7f", presencePValue(present, isCase)), check.Equals, "0.0006297")
	for i := range present {
		present[i] = !present[i]
	}
	c.Check(fmt.Sprintf("%.7f", presencePValue(present, isCase)), check.Equals, "0.0006297")
}

func (s *pvalueSuite) TestPresencePValueFullTable(c *check.C) {
	// Perfect separation: every cell of the 2×2 table contributes 5
	// to the statistic.
	present := make([]bool, 20)
	isCase := make([]bool, 20)
	for i := 0; i < 10; i++ {
		present[i] = true
		isCase[i] = true
	}
	c.Check(fmt.Sprintf("%.6g", presencePValue(present, isCase)), check.Equals, "7.74422e-06")

	// Same frequency in both groups.
	for i := range present {
		present[i] = i%2 == 0
	}
	c.Check(presencePValue(present, isCase), check.Equals, 1.0)
}

func (s *pvalueSuite) TestPresencePValueDegenerate(c *check.C) {
	c.Check(presencePValue([]bool{true, true}, []bool{true, true}), check.Equals, 1.0)
	c.Check(presencePValue([]bool{false, false}, []bool{true, false}), check.Equals, 1.0)
}
