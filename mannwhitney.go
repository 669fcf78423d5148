// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// mannWhitneyLess returns the one-sided p-value of the Mann-Whitney U
// test with alternative "x tends to be smaller than y", using the
// normal approximation with tie and continuity corrections.
func mannWhitneyLess(x, y []float64) float64 {
	nx, ny := len(x), len(y)
	if nx == 0 || ny == 0 {
		return 1
	}
	type obs struct {
		v    float64
		inX  bool
		rank float64
	}
	all := make([]obs, 0, nx+ny)
	for _, v := range x {
		all = append(all, obs{v: v, inX: true})
	}
	for _, v := range y {
		all = append(all, obs{v: v})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].v < all[j].v })
	n := float64(len(all))
	tieSum := 0.0
	for i := 0; i < len(all); {
		j := i + 1
		for j < len(all) && all[j].v == all[i].v {
			j++
		}
		rank := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			all[k].rank = rank
		}
		if t := float64(j - i); t > 1 {
			tieSum += t*t*t - t
		}
		i = j
	}
	rx := 0.0
	for _, o := range all {
		if o.inX {
			rx += o.rank
		}
	}
	u := rx - float64(nx*(nx+1))/2
	mu := float64(nx*ny) / 2
	variance := float64(nx*ny) / 12 * ((n + 1) - tieSum/(n*(n-1)))
	if variance <= 0 || math.IsNaN(variance) {
		return 1
	}
	z := (u - mu + 0.5) / math.Sqrt(variance)
	return distuv.UnitNormal.CDF(z)
}
