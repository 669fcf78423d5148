// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// initialFactors returns starting W (C×k) and H (k×S) for X.
func initialFactors(X *mat.Dense, k int, method string, src rand.Source) (*mat.Dense, *mat.Dense, error) {
	switch method {
	case "random":
		W, H := randomInit(X, k, src)
		return W, H, nil
	case "nndsvd", "nndsvda":
	default:
		return nil, nil, fmt.Errorf("unknown init method %q", method)
	}
	return nndsvd(X, k, method == "nndsvda")
}

func randomInit(X *mat.Dense, k int, src rand.Source) (*mat.Dense, *mat.Dense) {
	c, n := X.Dims()
	avg := math.Sqrt(mat.Sum(X) / float64(c*n) / float64(k))
	unif := distuv.Uniform{Min: 0, Max: 1, Src: src}
	W := mat.NewDense(c, k, nil)
	H := mat.NewDense(k, n, nil)
	for i := 0; i < c; i++ {
		for a := 0; a < k; a++ {
			W.Set(i, a, math.Max(avg*unif.Rand(), nmfEpsilon))
		}
	}
	for a := 0; a < k; a++ {
		for j := 0; j < n; j++ {
			H.Set(a, j, math.Max(avg*unif.Rand(), nmfEpsilon))
		}
	}
	return W, H
}

// nndsvd computes the non-negative double SVD initialization of
// Boutsidis & Gallopoulos. With fillMean, zeros are replaced by the
// mean of X ("nndsvda").
func nndsvd(X *mat.Dense, k int, fillMean bool) (*mat.Dense, *mat.Dense, error) {
	c, n := X.Dims()
	if k > c || k > n {
		return nil, nil, fmt.Errorf("nndsvd: k=%d exceeds matrix dimensions %d×%d", k, c, n)
	}
	var svd mat.SVD
	if !svd.Factorize(X, mat.SVDThin) {
		return nil, nil, errors.New("nndsvd: SVD factorization failed")
	}
	sv := svd.Values(nil)
	var U, V mat.Dense
	svd.UTo(&U)
	svd.VTo(&V)

	W := mat.NewDense(c, k, nil)
	H := mat.NewDense(k, n, nil)
	u := make([]float64, c)
	v := make([]float64, n)
	for a := 0; a < k; a++ {
		mat.Col(u, a, &U)
		mat.Col(v, a, &V)
		if a == 0 {
			s := math.Sqrt(sv[0])
			for i := range u {
				W.Set(i, 0, s*math.Abs(u[i]))
			}
			for j := range v {
				H.Set(0, j, s*math.Abs(v[j]))
			}
			continue
		}
		up, un := posNeg(u)
		vp, vn := posNeg(v)
		nup, nun := floats.Norm(up, 2), floats.Norm(un, 2)
		nvp, nvn := floats.Norm(vp, 2), floats.Norm(vn, 2)
		mp, mn := nup*nvp, nun*nvn
		var uu, vv []float64
		var sigma, nu, nv float64
		if mp > mn {
			uu, vv, sigma, nu, nv = up, vp, mp, nup, nvp
		} else {
			uu, vv, sigma, nu, nv = un, vn, mn, nun, nvn
		}
		if nu == 0 || nv == 0 {
			continue
		}
		s := math.Sqrt(sv[a] * sigma)
		for i := range uu {
			W.Set(i, a, s*uu[i]/nu)
		}
		for j := range vv {
			H.Set(a, j, s*vv[j]/nv)
		}
	}
	fill := nmfEpsilon
	if fillMean {
		fill = mat.Sum(X) / float64(c*n)
	}
	for _, m := range []*mat.Dense{W, H} {
		raw := m.RawMatrix()
		for i := 0; i < raw.Rows; i++ {
			row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
			for j, x := range row {
				if x < nmfEpsilon {
					row[j] = fill
				}
			}
		}
	}
	return W, H, nil
}

func posNeg(x []float64) (pos, neg []float64) {
	pos = make([]float64, len(x))
	neg = make([]float64, len(x))
	for i, v := range x {
		if v > 0 {
			pos[i] = v
		} else {
			neg[i] = -v
		}
	}
	return
}
