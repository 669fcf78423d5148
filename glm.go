// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"fmt"
	"io"
	"log"
	"math"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var glmConfig = &glm.Config{
	Family:         glm.NewFamily(glm.BinomialFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            log.New(io.Discard, "", 0),
}

// standardize rescales a to mean 0 and standard deviation 1. It
// returns false if a is constant.
func standardize(a []float64) bool {
	mean, std := stat.MeanStdDev(a, nil)
	if std == 0 || math.IsNaN(std) {
		return false
	}
	for i, x := range a {
		a[i] = (x - mean) / std
	}
	return true
}

// exposureGLMFunc fits a logistic regression of case status on the
// given covariates, and returns a function that computes the
// likelihood ratio test p-value for adding a signature's exposure to
// that model.
func exposureGLMFunc(isCase []bool, covariates [][]float64) func(exposure []float64) float64 {
	outcome := make([]statmodel.Dtype, len(isCase))
	constants := make([]statmodel.Dtype, len(isCase))
	for i, c := range isCase {
		if c {
			outcome[i] = 1
		}
		constants[i] = 1
	}
	data := [][]statmodel.Dtype{outcome, constants}
	names := []string{"outcome", "constants"}
	for i, cov := range covariates {
		series := append([]statmodel.Dtype(nil), cov...)
		if !standardize(series) {
			continue
		}
		data = append(data, series)
		names = append(names, fmt.Sprintf("cov%d", i))
	}
	dataset := statmodel.NewDataset(data, names)
	model, err := glm.NewGLM(dataset, "outcome", names[1:], glmConfig)
	if err != nil {
		log.Printf("%s", err)
		return func([]float64) float64 { return math.NaN() }
	}
	logCov := model.Fit().LogLike()

	return func(exposure []float64) (p float64) {
		defer func() {
			if recover() != nil {
				// typically "matrix singular or near-singular with condition number +Inf"
				p = math.NaN()
			}
		}()
		series := append([]statmodel.Dtype(nil), exposure...)
		if !standardize(series) {
			return math.NaN()
		}
		data := append([][]statmodel.Dtype{data[0], series}, data[1:]...)
		names := append([]string{"outcome", "exposure"}, names[1:]...)
		model, err := glm.NewGLM(statmodel.NewDataset(data, names), "outcome", names[1:], glmConfig)
		if err != nil {
			return math.NaN()
		}
		logComp := model.Fit().LogLike()
		dist := distuv.ChiSquared{K: 1}
		return dist.Survival(-2 * (logCov - logComp))
	}
}
