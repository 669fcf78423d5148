// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// cosineDistance returns 1 - cos(a, b). Zero vectors are at distance
// 1 from everything.
func cosineDistance(a, b []float64) float64 {
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 1
	}
	d := 1 - floats.Dot(a, b)/(na*nb)
	if d < 0 {
		d = 0
	}
	return d
}

func columns(m mat.Matrix) [][]float64 {
	_, c := m.Dims()
	cols := make([][]float64, c)
	for j := range cols {
		cols[j] = mat.Col(nil, j, m)
	}
	return cols
}

// pairwiseCosine returns the len(a)×len(b) matrix of cosine
// distances.
func pairwiseCosine(a, b [][]float64) [][]float64 {
	d := make([][]float64, len(a))
	for i := range a {
		d[i] = make([]float64, len(b))
		for j := range b {
			d[i][j] = cosineDistance(a[i], b[j])
		}
	}
	return d
}

// hungarian solves the rectangular assignment problem for cost
// (n rows, m cols, n ≤ m) and returns, for each row, the assigned
// column.
func hungarian(cost [][]float64) []int {
	n := len(cost)
	if n == 0 {
		return nil
	}
	m := len(cost[0])
	if n > m {
		// Solve the transpose and invert.
		t := make([][]float64, m)
		for j := range t {
			t[j] = make([]float64, n)
			for i := range cost {
				t[j][i] = cost[i][j]
			}
		}
		colOf := hungarian(t)
		rowOf := make([]int, n)
		for i := range rowOf {
			rowOf[i] = -1
		}
		for j, i := range colOf {
			rowOf[i] = j
		}
		return rowOf
	}
	// Potentials method, 1-based with a sentinel column 0.
	u := make([]float64, n+1)
	v := make([]float64, m+1)
	p := make([]int, m+1)
	way := make([]int, m+1)
	for i := 1; i <= n; i++ {
		p[0] = i
		j0 := 0
		minv := make([]float64, m+1)
		used := make([]bool, m+1)
		for j := range minv {
			minv[j] = math.Inf(1)
		}
		for {
			used[j0] = true
			i0 := p[j0]
			delta := math.Inf(1)
			j1 := 0
			for j := 1; j <= m; j++ {
				if used[j] {
					continue
				}
				cur := cost[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			for j := 0; j <= m; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if p[j0] == 0 {
				break
			}
		}
		for {
			j1 := way[j0]
			p[j0] = p[j1]
			j0 = j1
			if j0 == 0 {
				break
			}
		}
	}
	assign := make([]int, n)
	for j := 1; j <= m; j++ {
		if p[j] > 0 {
			assign[p[j]-1] = j - 1
		}
	}
	return assign
}

// alignTo returns, for each column of ref, the index of the matched
// column of W under minimum total cosine distance.
func alignTo(ref, W mat.Matrix) []int {
	return hungarian(pairwiseCosine(columns(ref), columns(W)))
}

// consensus aligns the signatures of each replicate to the replicate
// with the lowest error and returns the L1-normalized mean of each
// cluster together with the silhouette-based stability of each
// signature.
func consensus(replicates []*mat.Dense, errs []float64) (*mat.Dense, []float64) {
	best := floats.MinIdx(errs)
	c, k := replicates[best].Dims()
	centroid := mat.DenseCopyOf(replicates[best])
	var members [][][]float64 // [signature][replicate]column
	for pass := 0; pass < 2; pass++ {
		members = make([][][]float64, k)
		for _, W := range replicates {
			cols := columns(W)
			for a, j := range alignTo(centroid, W) {
				members[a] = append(members[a], cols[j])
			}
		}
		next := mat.NewDense(c, k, nil)
		for a := range members {
			for _, col := range members[a] {
				for i, v := range col {
					next.Set(i, a, next.At(i, a)+v)
				}
			}
		}
		normalizeColumns(next, nil)
		centroid = next
	}
	if k == 1 || len(replicates) == 1 {
		stab := make([]float64, k)
		for a := range stab {
			stab[a] = 1
		}
		return centroid, stab
	}
	return centroid, silhouettes(members)
}

// silhouettes returns the mean cosine silhouette width of each
// cluster.
func silhouettes(clusters [][][]float64) []float64 {
	out := make([]float64, len(clusters))
	for a, members := range clusters {
		var total float64
		for i, x := range members {
			intra := 0.0
			for ii, y := range members {
				if ii != i {
					intra += cosineDistance(x, y)
				}
			}
			if len(members) > 1 {
				intra /= float64(len(members) - 1)
			}
			inter := math.Inf(1)
			for b, other := range clusters {
				if b == a || len(other) == 0 {
					continue
				}
				d := 0.0
				for _, y := range other {
					d += cosineDistance(x, y)
				}
				inter = math.Min(inter, d/float64(len(other)))
			}
			if denom := math.Max(intra, inter); denom > 0 && !math.IsInf(inter, 1) {
				total += (inter - intra) / denom
			}
		}
		if len(members) > 0 {
			out[a] = total / float64(len(members))
		}
	}
	return out
}
