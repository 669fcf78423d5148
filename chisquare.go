// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"gonum.org/v1/gonum/stat/distuv"
)

var chisquared = distuv.ChiSquared{K: 1}

// presencePValue returns the p-value of a 1-df Χ² test of
// independence on the 2×2 table of presence vs case status.
func presencePValue(present, isCase []bool) float64 {
	// obs[p][c]: p=0 present, p=1 absent; c=0 case, c=1 control
	var obs [2][2]float64
	for i, c := range isCase {
		p, g := 1, 1
		if present[i] {
			p = 0
		}
		if c {
			g = 0
		}
		obs[p][g]++
	}
	n := obs[0][0] + obs[0][1] + obs[1][0] + obs[1][1]
	rows := [2]float64{obs[0][0] + obs[0][1], obs[1][0] + obs[1][1]}
	cols := [2]float64{obs[0][0] + obs[1][0], obs[0][1] + obs[1][1]}
	if rows[0] == 0 || rows[1] == 0 || cols[0] == 0 || cols[1] == 0 {
		return 1
	}
	var sum float64
	for p := range obs {
		for g := range obs[p] {
			exp := rows[p] * cols[g] / n
			d := obs[p][g] - exp
			sum += d * d / exp
		}
	}
	return chisquared.Survival(sum)
}
