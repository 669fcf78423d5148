// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"math"

	"golang.org/x/crypto/blake2b"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// DenovoConfig holds the parameters of de novo signature discovery.
type DenovoConfig struct {
	MinComponents int
	MaxComponents int
	Init          string // random, nndsvd, nndsvda
	Method        string // nmf, mvnmf
	Replicates    int
	Threads       int
	MaxIter       int
	Bootstrap     bool
	Tol           float64
	NormalizeX    bool
	Seed          int64

	ConvTestFreq    int
	LambdaTilde     float64
	Delta           float64
	MinStability    float64
	MinSigStability float64
	SelectPValue    float64
}

func defaultDenovoConfig() DenovoConfig {
	return DenovoConfig{
		MinComponents:   1,
		MaxComponents:   20,
		Init:            "random",
		Method:          "mvnmf",
		Replicates:      20,
		Threads:         16,
		MaxIter:         100000,
		Bootstrap:       true,
		Tol:             1e-8,
		ConvTestFreq:    10,
		LambdaTilde:     1e-5,
		Delta:           1,
		MinStability:    0.8,
		MinSigStability: 0.2,
		SelectPValue:    0.05,
	}
}

func (cfg *DenovoConfig) Flags(flags *flag.FlagSet) {
	def := defaultDenovoConfig()
	flags.IntVar(&cfg.MinComponents, "min-components", def.MinComponents, "minimum number of signatures to test")
	flags.IntVar(&cfg.MaxComponents, "max-components", def.MaxComponents, "maximum number of signatures to test")
	flags.StringVar(&cfg.Init, "init", def.Init, "initialization `method` (random, nndsvd, nndsvda)")
	flags.StringVar(&cfg.Method, "method", def.Method, "factorization `method` (mvnmf or nmf)")
	flags.IntVar(&cfg.Replicates, "replicates", def.Replicates, "number of replicates to run per number of signatures")
	flags.IntVar(&cfg.Threads, "threads", def.Threads, "number of concurrent factorizations")
	flags.IntVar(&cfg.MaxIter, "max-iter", def.MaxIter, "maximum number of iterations for each factorization")
	flags.BoolVar(&cfg.Bootstrap, "bootstrap", def.Bootstrap, "bootstrap the input for each replicate")
	flags.Float64Var(&cfg.Tol, "tol", def.Tol, "relative objective change for claiming convergence")
	flags.BoolVar(&cfg.NormalizeX, "normalize-x", false, "L1-normalize each sample before factorization")
	flags.Int64Var(&cfg.Seed, "random-seed", 0, "PRNG seed")
	flags.IntVar(&cfg.ConvTestFreq, "conv-test-freq", def.ConvTestFreq, "check convergence every `N` iterations")
	flags.Float64Var(&cfg.LambdaTilde, "lambda-tilde", def.LambdaTilde, "volume penalty weight for mvnmf")
	flags.Float64Var(&cfg.Delta, "delta", def.Delta, "volume penalty regularizer for mvnmf")
	flags.Float64Var(&cfg.MinStability, "min-stability", def.MinStability, "minimum mean signature stability when selecting the number of signatures")
	flags.Float64Var(&cfg.MinSigStability, "min-sig-stability", def.MinSigStability, "minimum stability of every signature when selecting the number of signatures")
	flags.Float64Var(&cfg.SelectPValue, "select-pvalue", def.SelectPValue, "p-value threshold when selecting the number of signatures")
}

func (cfg *DenovoConfig) Check() error {
	switch {
	case cfg.MinComponents < 1:
		return errors.New("min-components must be at least 1")
	case cfg.MaxComponents < cfg.MinComponents:
		return fmt.Errorf("max-components %d < min-components %d", cfg.MaxComponents, cfg.MinComponents)
	case cfg.Replicates < 1:
		return errors.New("replicates must be at least 1")
	case cfg.MaxIter < 1:
		return errors.New("max-iter must be at least 1")
	case cfg.Method != "nmf" && cfg.Method != "mvnmf":
		return fmt.Errorf("%w %q", errUnknownMethod, cfg.Method)
	case cfg.Init != "random" && cfg.Init != "nndsvd" && cfg.Init != "nndsvda":
		return fmt.Errorf("unknown init method %q", cfg.Init)
	}
	return nil
}

func (cfg *DenovoConfig) solver() nmfSolver {
	return nmfSolver{
		Method:       cfg.Method,
		MaxIter:      cfg.MaxIter,
		Tol:          cfg.Tol,
		ConvTestFreq: cfg.ConvTestFreq,
		LambdaTilde:  cfg.LambdaTilde,
		Delta:        cfg.Delta,
	}
}

// KSummary records the replicate results for one candidate number of
// signatures.
type KSummary struct {
	K          int
	Errors     []float64 // per replicate
	Stability  []float64 // per consensus signature
	Selectable bool
}

func (ks KSummary) MeanStability() float64 {
	return stat.Mean(ks.Stability, nil)
}

// AssignConfig holds the parameters of catalog matching and
// refitting.
type AssignConfig struct {
	Method          string
	ThreshMatchGrid []float64
	ThreshRefitGrid []float64
	ThreshNewSig    float64
	ConnectedSigs   bool
	CleanWs         bool
}

// GridPoint is the assignment result for one (match, refit)
// threshold pair.
type GridPoint struct {
	ThreshMatch float64
	ThreshRefit float64
	SigNames    []string
	Novel       []string // de novo signatures kept because they did not match
	Matches     map[string][]string
	W           *mat.Dense // C×K'
	H           *mat.Dense // K'×S

	// Filled in by validation.
	Distances []float64
	PValue    float64
}

// NonZero returns the number of nonzero exposures.
func (gp *GridPoint) NonZero() int {
	if gp.H == nil {
		return 0
	}
	n := 0
	raw := gp.H.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		for _, v := range raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols] {
			if v > 0 {
				n++
			}
		}
	}
	return n
}

// ValidateConfig holds the parameters of grid validation.
type ValidateConfig struct {
	Replicates          int
	GridSelectionMethod string // pvalue or min
	GridSelectionPValue float64
	Threads             int
	Seed                int64
}

// Model is the state of a signature analysis. Fit, AssignGrid and
// ValidateGrid fill in successive sections.
type Model struct {
	Config    DenovoConfig
	Channels  []string
	Samples   []string
	X         *mat.Dense
	InputHash string

	NComponents int
	SigNames    []string
	W           *mat.Dense // C×K
	H           *mat.Dense // K×S
	Stability   []float64
	KSummaries  []KSummary

	AssignConfig    *AssignConfig
	CatalogName     string
	CatalogSigNames []string
	Grid            []GridPoint

	ValidateConfig *ValidateConfig
	BestGridIndex  int
	SigNamesS      []string
	WS             *mat.Dense
	HS             *mat.Dense
}

// NewModel returns an unfitted model for the given profile.
func NewModel(p *Profile, cfg DenovoConfig) (*Model, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return &Model{
		Config:        cfg,
		Channels:      append([]string(nil), p.Channels...),
		Samples:       append([]string(nil), p.Samples...),
		X:             mat.DenseCopyOf(p.X),
		InputHash:     matrixHash(p.X),
		BestGridIndex: -1,
	}, nil
}

func (m *Model) Profile() *Profile {
	return &Profile{Channels: m.Channels, Samples: m.Samples, X: m.X}
}

func (m *Model) Fitted() bool {
	return m.W != nil && m.H != nil
}

func (m *Model) Assigned() bool {
	return len(m.Grid) > 0
}

func (m *Model) Validated() bool {
	return m.WS != nil && m.HS != nil
}

// matrixHash returns a hex blake2b-256 digest of the dimensions and
// values of m.
func matrixHash(m *mat.Dense) string {
	h, _ := blake2b.New256(nil)
	r, c := m.Dims()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(r))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(c))
	h.Write(buf[:])
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(m.At(i, j)))
			h.Write(buf[:])
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
