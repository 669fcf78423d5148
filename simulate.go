// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"context"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// simulateCounts draws a count matrix from the model W·H. Column j is
// a multinomial sample of totals[j] mutations with probabilities
// proportional to W·H[:,j].
func simulateCounts(W, H *mat.Dense, totals []float64, src rand.Source) *mat.Dense {
	var expected mat.Dense
	expected.Mul(W, H)
	c, s := expected.Dims()
	out := mat.NewDense(c, s, nil)
	col := make([]float64, c)
	for j := 0; j < s; j++ {
		mat.Col(col, j, &expected)
		out.SetCol(j, multinomial(col, math.Round(totals[j]), src))
	}
	return out
}

// simulationDistances simulates data from one grid point, refits
// NComponents de novo signatures to it, and returns the cosine
// distance between each of the model's de novo signatures and its
// counterpart in the refit.
func (m *Model) simulationDistances(ctx context.Context, gp *GridPoint, src rand.Source) ([]float64, error) {
	k := m.NComponents
	dist := make([]float64, k)
	if gp.W == nil || gp.H == nil {
		for a := range dist {
			dist[a] = 1
		}
		return dist, nil
	}
	Xsim := simulateCounts(gp.W, gp.H, colSums(m.X), src)
	if m.Config.NormalizeX {
		Xsim = normalizedSamples(Xsim)
	}
	W0, H0, err := initialFactors(Xsim, k, m.Config.Init, src)
	if err != nil {
		return nil, err
	}
	res, err := m.Config.solver().solve(ctx, Xsim, W0, H0)
	if err != nil {
		return nil, err
	}
	orig := columns(m.W)
	sim := columns(res.W)
	for a, b := range alignTo(m.W, res.W) {
		dist[a] = cosineDistance(orig[a], sim[b])
	}
	return dist, nil
}
