// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const nnlsTolerance = 1e-10

// nnls solves min ||A x - b||₂ subject to x ≥ 0 using the
// Lawson-Hanson active set method. A is m×n, b has length m.
func nnls(A mat.Matrix, b []float64) []float64 {
	m, n := A.Dims()
	if len(b) != m {
		panic("bug: nnls: len(b) != rows(A)")
	}
	x := make([]float64, n)
	if n == 0 {
		return x
	}
	bvec := mat.NewVecDense(m, append([]float64(nil), b...))
	passive := make([]bool, n)
	w := make([]float64, n)
	resid := mat.NewVecDense(m, nil)
	grad := mat.NewVecDense(n, nil)

	gradient := func() {
		resid.MulVec(A, mat.NewVecDense(n, x))
		resid.SubVec(bvec, resid)
		grad.MulVec(A.T(), resid)
		for j := range w {
			w[j] = grad.AtVec(j)
		}
	}

	maxIter := 3 * n
	if maxIter < 30 {
		maxIter = 30
	}
	gradient()
	for iter := 0; iter < maxIter; iter++ {
		// Pick the most promising inactive variable.
		best, bestw := -1, nnlsTolerance*scale(w)
		for j, inP := range passive {
			if !inP && w[j] > bestw {
				best, bestw = j, w[j]
			}
		}
		if best < 0 {
			break
		}
		passive[best] = true
		for inner := 0; inner < maxIter; inner++ {
			z := solvePassive(A, b, passive)
			feasible := true
			for j, inP := range passive {
				if inP && z[j] <= 0 {
					feasible = false
					break
				}
			}
			if feasible {
				copy(x, z)
				break
			}
			// Step from x toward z as far as feasibility allows.
			alpha := math.Inf(1)
			for j, inP := range passive {
				if inP && z[j] <= 0 {
					if a := x[j] / (x[j] - z[j]); a < alpha {
						alpha = a
					}
				}
			}
			if math.IsInf(alpha, 1) {
				alpha = 0
			}
			for j := range x {
				x[j] += alpha * (z[j] - x[j])
				if passive[j] && x[j] <= nnlsTolerance {
					x[j] = 0
					passive[j] = false
				}
			}
		}
		gradient()
	}
	for j := range x {
		if x[j] < 0 {
			x[j] = 0
		}
	}
	return x
}

func scale(w []float64) float64 {
	s := floats.Norm(w, math.Inf(1))
	if s < 1 {
		return 1
	}
	return s
}

// solvePassive returns the unconstrained least squares solution
// restricted to the passive columns of A, with zeros elsewhere.
func solvePassive(A mat.Matrix, b []float64, passive []bool) []float64 {
	m, n := A.Dims()
	var cols []int
	for j, inP := range passive {
		if inP {
			cols = append(cols, j)
		}
	}
	z := make([]float64, n)
	if len(cols) == 0 {
		return z
	}
	sub := mat.NewDense(m, len(cols), nil)
	for jj, j := range cols {
		for i := 0; i < m; i++ {
			sub.Set(i, jj, A.At(i, j))
		}
	}
	var sol mat.VecDense
	err := sol.SolveVec(sub, mat.NewVecDense(m, append([]float64(nil), b...)))
	if err != nil {
		if _, ok := err.(mat.Condition); !ok {
			return z
		}
	}
	for jj, j := range cols {
		v := sol.AtVec(jj)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return make([]float64, n)
		}
		z[j] = v
	}
	return z
}

// nnlsColumns solves nnls(W, X[:,s]) for every column s of X and
// returns the K×S coefficient matrix.
func nnlsColumns(W *mat.Dense, X *mat.Dense) *mat.Dense {
	_, k := W.Dims()
	c, s := X.Dims()
	H := mat.NewDense(k, s, nil)
	col := make([]float64, c)
	for j := 0; j < s; j++ {
		mat.Col(col, j, X)
		H.SetCol(j, nnls(W, col))
	}
	return H
}
