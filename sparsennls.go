// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Probabilities are floored here when computing log likelihoods.
const llFloor = 1e-300

// sparseFitter selects a sparse non-negative decomposition of a
// count vector over the columns of W. Signatures are removed while
// the multinomial log-likelihood drops by less than Thresh, then
// added while the log-likelihood rises by more than Thresh, until
// the active set stops changing.
type sparseFitter struct {
	W      *mat.Dense
	Thresh float64
	// Groups of column indices that must be active together.
	Groups    [][]int
	MaxRounds int
}

// fit returns the coefficients for x. Inactive signatures have
// coefficient 0.
func (sf *sparseFitter) fit(x []float64) []float64 {
	_, k := sf.W.Dims()
	h := make([]float64, k)
	total := 0.0
	for _, v := range x {
		total += v
	}
	if total <= 0 || k == 0 {
		return h
	}
	all := make([]bool, k)
	for j := range all {
		all[j] = true
	}
	h = sf.refit(x, all)
	active := make([]bool, k)
	for j, v := range h {
		active[j] = v > 0
	}
	ll := multinomialLogLik(x, sf.W, h)

	rounds := sf.MaxRounds
	if rounds < 1 {
		rounds = 10
	}
	for round := 0; round < rounds; round++ {
		changed := false
		// Backward elimination.
		for countActive(active) > 1 {
			drop, dropLL, dropH := -1, math.Inf(-1), []float64(nil)
			for j := range active {
				if !active[j] {
					continue
				}
				active[j] = false
				cand := sf.refit(x, active)
				active[j] = true
				if cll := multinomialLogLik(x, sf.W, cand); cll > dropLL {
					drop, dropLL, dropH = j, cll, cand
				}
			}
			if drop < 0 || ll-dropLL >= sf.Thresh {
				break
			}
			active[drop] = false
			h, ll = dropH, dropLL
			changed = true
		}
		// Forward selection.
		for countActive(active) < k {
			add, addLL, addH := -1, math.Inf(-1), []float64(nil)
			for j := range active {
				if active[j] {
					continue
				}
				active[j] = true
				cand := sf.refit(x, active)
				active[j] = false
				if cll := multinomialLogLik(x, sf.W, cand); cll > addLL {
					add, addLL, addH = j, cll, cand
				}
			}
			if add < 0 || addLL-ll <= sf.Thresh {
				break
			}
			active[add] = true
			h, ll = addH, addLL
			changed = true
		}
		if !changed {
			break
		}
	}
	if len(sf.Groups) > 0 && sf.expandGroups(active) {
		h = sf.refit(x, active)
	}
	return h
}

// expandGroups activates every member of a group that has at least
// one active member, and reports whether anything changed.
func (sf *sparseFitter) expandGroups(active []bool) bool {
	changed := false
	for _, g := range sf.Groups {
		hit := false
		for _, j := range g {
			hit = hit || active[j]
		}
		if !hit {
			continue
		}
		for _, j := range g {
			if !active[j] {
				active[j] = true
				changed = true
			}
		}
	}
	return changed
}

// refit returns the NNLS coefficients of x over the active columns
// of W, with zeros elsewhere.
func (sf *sparseFitter) refit(x []float64, active []bool) []float64 {
	c, k := sf.W.Dims()
	var cols []int
	for j, a := range active {
		if a {
			cols = append(cols, j)
		}
	}
	h := make([]float64, k)
	if len(cols) == 0 {
		return h
	}
	sub := mat.NewDense(c, len(cols), nil)
	for jj, j := range cols {
		for i := 0; i < c; i++ {
			sub.Set(i, jj, sf.W.At(i, j))
		}
	}
	for jj, v := range nnls(sub, x) {
		h[cols[jj]] = v
	}
	return h
}

// multinomialLogLik returns Σ x log p where p is W·h normalized to
// sum to 1, omitting the multinomial coefficient.
func multinomialLogLik(x []float64, W *mat.Dense, h []float64) float64 {
	c, k := W.Dims()
	r := make([]float64, c)
	total := 0.0
	for i := 0; i < c; i++ {
		for j := 0; j < k; j++ {
			r[i] += W.At(i, j) * h[j]
		}
		total += r[i]
	}
	if total <= 0 {
		return math.Inf(-1)
	}
	ll := 0.0
	for i, xv := range x {
		if xv > 0 {
			ll += xv * math.Log(math.Max(r[i]/total, llFloor))
		}
	}
	return ll
}

func countActive(active []bool) int {
	n := 0
	for _, a := range active {
		if a {
			n++
		}
	}
	return n
}

// reconstruct returns W·h.
func reconstruct(W *mat.Dense, h []float64) []float64 {
	var v mat.VecDense
	v.MulVec(W, mat.NewVecDense(len(h), h))
	return v.RawVector().Data
}
