// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"context"
	"errors"
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// Entries of W and H are floored here so multiplicative updates can
// still move them.
const nmfEpsilon = 1e-12

var errUnknownMethod = errors.New("unknown NMF method")

// nmfSolver fits X ≈ W·H under the generalized KL divergence, with
// an optional minimum-volume penalty on W (method "mvnmf").
type nmfSolver struct {
	Method       string
	MaxIter      int
	Tol          float64
	ConvTestFreq int
	LambdaTilde  float64
	Delta        float64
}

type nmfResult struct {
	W          *mat.Dense
	H          *mat.Dense
	Objective  float64
	Iterations int
	Converged  bool
}

func (s nmfSolver) solve(ctx context.Context, X, W0, H0 *mat.Dense) (*nmfResult, error) {
	if s.Method != "nmf" && s.Method != "mvnmf" {
		return nil, fmt.Errorf("%w %q", errUnknownMethod, s.Method)
	}
	W := mat.DenseCopyOf(W0)
	H := mat.DenseCopyOf(H0)
	normalizeColumns(W, H)
	_, k := W.Dims()
	ws := newNMFWorkspace(X, k)

	lambda := 0.0
	if s.Method == "mvnmf" {
		ws.WH.Mul(W, H)
		kl := klDivergence(X, ws.WH)
		ld := math.Abs(volumeLogDet(W, s.Delta))
		if ld < 1e-6 {
			ld = 1
		}
		lambda = s.LambdaTilde * kl / ld
	}
	objective := func() float64 {
		return ws.objective(X, W, H, lambda, s.Delta)
	}

	freq := s.ConvTestFreq
	if freq < 1 {
		freq = 10
	}
	res := &nmfResult{W: W, H: H}
	prev := objective()
	for iter := 1; iter <= s.MaxIter; iter++ {
		ws.updateH(X, W, H)
		if lambda > 0 {
			ws.updateWVolume(X, W, H, lambda, s.Delta)
		} else {
			ws.updateW(X, W, H)
		}
		normalizeColumns(W, H)
		res.Iterations = iter
		if iter%freq != 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		obj := objective()
		if math.IsNaN(obj) {
			return nil, errors.New("NMF objective is NaN")
		}
		if rel := math.Abs(prev-obj) / math.Max(math.Abs(prev), 1e-300); rel < s.Tol {
			prev = obj
			res.Converged = true
			break
		}
		prev = obj
	}
	res.Objective = prev
	if !res.Converged {
		log.Debugf("nmf: k=%d did not converge in %d iterations (objective %g)", k, s.MaxIter, prev)
	}
	return res, nil
}

type nmfWorkspace struct {
	WH  *mat.Dense // C×S
	R   *mat.Dense // C×S, X ⊘ WH
	num *mat.Dense // C×K
	hum *mat.Dense // K×S
}

func newNMFWorkspace(X *mat.Dense, k int) *nmfWorkspace {
	c, n := X.Dims()
	return &nmfWorkspace{
		WH:  mat.NewDense(c, n, nil),
		R:   mat.NewDense(c, n, nil),
		num: mat.NewDense(c, k, nil),
		hum: mat.NewDense(k, n, nil),
	}
}

// objective returns D(X‖WH), plus the volume penalty when lambda > 0.
func (ws *nmfWorkspace) objective(X, W, H *mat.Dense, lambda, delta float64) float64 {
	ws.WH.Mul(W, H)
	obj := klDivergence(X, ws.WH)
	if lambda > 0 {
		obj += lambda * volumeLogDet(W, delta)
	}
	return obj
}

func (ws *nmfWorkspace) ratio(X, W, H *mat.Dense) {
	ws.WH.Mul(W, H)
	x := X.RawMatrix()
	wh := ws.WH.RawMatrix()
	r := ws.R.RawMatrix()
	for i := 0; i < x.Rows; i++ {
		xrow := x.Data[i*x.Stride : i*x.Stride+x.Cols]
		whrow := wh.Data[i*wh.Stride : i*wh.Stride+wh.Cols]
		rrow := r.Data[i*r.Stride : i*r.Stride+r.Cols]
		for j, xv := range xrow {
			rrow[j] = xv / math.Max(whrow[j], nmfEpsilon)
		}
	}
}

// H ← H ⊙ (Wᵀ (X ⊘ WH)) ⊘ (Wᵀ 1)
func (ws *nmfWorkspace) updateH(X, W, H *mat.Dense) {
	ws.ratio(X, W, H)
	ws.hum.Mul(W.T(), ws.R)
	k, n := H.Dims()
	c, _ := W.Dims()
	for a := 0; a < k; a++ {
		colsum := 0.0
		for i := 0; i < c; i++ {
			colsum += W.At(i, a)
		}
		colsum = math.Max(colsum, nmfEpsilon)
		for j := 0; j < n; j++ {
			H.Set(a, j, math.Max(H.At(a, j)*ws.hum.At(a, j)/colsum, nmfEpsilon))
		}
	}
}

// W ← W ⊙ ((X ⊘ WH) Hᵀ) ⊘ (1 Hᵀ)
func (ws *nmfWorkspace) updateW(X, W, H *mat.Dense) {
	ws.ratio(X, W, H)
	ws.num.Mul(ws.R, H.T())
	hsum := rowSums(H)
	c, k := W.Dims()
	for i := 0; i < c; i++ {
		for a := 0; a < k; a++ {
			W.Set(i, a, math.Max(W.At(i, a)*ws.num.At(i, a)/math.Max(hsum[a], nmfEpsilon), nmfEpsilon))
		}
	}
}

// updateWVolume applies the minimum-volume W step (Leplat, Gillis &
// Ang 2019, β=1). If the step does not lower the penalized objective
// at the current W and H, the plain KL step is used instead.
func (ws *nmfWorkspace) updateWVolume(X, W, H *mat.Dense, lambda, delta float64) {
	current := ws.objective(X, W, H, lambda, delta)
	c, k := W.Dims()
	var gram, Y mat.Dense
	gram.Mul(W.T(), W)
	for a := 0; a < k; a++ {
		gram.Set(a, a, gram.At(a, a)+delta)
	}
	if err := Y.Inverse(&gram); err != nil {
		if _, ok := err.(mat.Condition); !ok {
			ws.updateW(X, W, H)
			return
		}
	}
	Yp := mat.NewDense(k, k, nil)
	Ym := mat.NewDense(k, k, nil)
	for a := 0; a < k; a++ {
		for b := 0; b < k; b++ {
			if v := Y.At(a, b); v > 0 {
				Yp.Set(a, b, v)
			} else {
				Ym.Set(a, b, -v)
			}
		}
	}
	var LWYp, LWYm mat.Dense
	LWYp.Mul(W, Yp)
	LWYp.Scale(lambda, &LWYp)
	LWYm.Mul(W, Ym)
	LWYm.Scale(lambda, &LWYm)

	ws.ratio(X, W, H)
	ws.num.Mul(ws.R, H.T())
	hsum := rowSums(H)

	candidate := mat.NewDense(c, k, nil)
	for i := 0; i < c; i++ {
		for a := 0; a < k; a++ {
			p := LWYp.At(i, a)
			if p <= 0 {
				// no curvature: fall back to the KL ratio
				candidate.Set(i, a, math.Max(W.At(i, a)*ws.num.At(i, a)/math.Max(hsum[a], nmfEpsilon), nmfEpsilon))
				continue
			}
			jht := hsum[a]
			m := LWYm.At(i, a)
			d := jht - 4*m
			numer := math.Sqrt(d*d+8*p*ws.num.At(i, a)) - jht + 4*m
			candidate.Set(i, a, math.Max(W.At(i, a)*numer/(4*p), nmfEpsilon))
		}
	}
	Hc := mat.DenseCopyOf(H)
	normalizeColumns(candidate, Hc)
	obj := ws.objective(X, candidate, Hc, lambda, delta)
	if math.IsNaN(obj) || obj > current {
		ws.updateW(X, W, H)
		return
	}
	W.Copy(candidate)
	H.Copy(Hc)
}

// klDivergence returns the generalized Kullback-Leibler divergence
// D(X‖Y) = Σ x log(x/y) - x + y.
func klDivergence(X, Y *mat.Dense) float64 {
	x := X.RawMatrix()
	y := Y.RawMatrix()
	sum := 0.0
	for i := 0; i < x.Rows; i++ {
		xrow := x.Data[i*x.Stride : i*x.Stride+x.Cols]
		yrow := y.Data[i*y.Stride : i*y.Stride+y.Cols]
		for j, xv := range xrow {
			yv := math.Max(yrow[j], nmfEpsilon)
			if xv > 0 {
				sum += xv*math.Log(xv/yv) - xv + yv
			} else {
				sum += yv
			}
		}
	}
	return sum
}

// volumeLogDet returns log det(WᵀW + δI).
func volumeLogDet(W *mat.Dense, delta float64) float64 {
	_, k := W.Dims()
	var gram mat.Dense
	gram.Mul(W.T(), W)
	for a := 0; a < k; a++ {
		gram.Set(a, a, gram.At(a, a)+delta)
	}
	ld, _ := mat.LogDet(&gram)
	return ld
}

// normalizeColumns scales each column of W to sum to 1 and scales
// the corresponding row of H (if not nil) so W·H is unchanged.
func normalizeColumns(W, H *mat.Dense) {
	c, k := W.Dims()
	for a := 0; a < k; a++ {
		sum := 0.0
		for i := 0; i < c; i++ {
			sum += W.At(i, a)
		}
		if sum <= 0 {
			continue
		}
		for i := 0; i < c; i++ {
			W.Set(i, a, W.At(i, a)/sum)
		}
		if H != nil {
			_, n := H.Dims()
			for j := 0; j < n; j++ {
				H.Set(a, j, H.At(a, j)*sum)
			}
		}
	}
}

func rowSums(m mat.Matrix) []float64 {
	r, c := m.Dims()
	sums := make([]float64, r)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			sums[i] += m.At(i, j)
		}
	}
	return sums
}

func colSums(m mat.Matrix) []float64 {
	r, c := m.Dims()
	sums := make([]float64, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			sums[j] += m.At(i, j)
		}
	}
	return sums
}

// frobeniusError returns ‖X - W·H‖_F.
func frobeniusError(X, W, H *mat.Dense) float64 {
	var wh mat.Dense
	wh.Mul(W, H)
	wh.Sub(X, &wh)
	return mat.Norm(&wh, 2)
}
