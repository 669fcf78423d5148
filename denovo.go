// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

type replicateResult struct {
	W     *mat.Dense
	Error float64
}

// Fit runs de novo signature discovery on m.X for every candidate
// number of signatures, selects one, and stores the consensus
// signatures and their exposures in m.
func (m *Model) Fit(ctx context.Context) error {
	cfg := m.Config
	if err := cfg.Check(); err != nil {
		return err
	}
	X := m.X
	if cfg.NormalizeX {
		X = normalizedSamples(m.X)
	}
	c, s := X.Dims()
	minK, maxK := cfg.MinComponents, cfg.MaxComponents
	lim := c
	if s < lim {
		lim = s
	}
	if minK > lim {
		return fmt.Errorf("min-components %d exceeds data dimensions %d×%d", minK, c, s)
	} else if maxK > lim {
		log.Warnf("max-components %d exceeds data dimensions %d×%d, using %d", maxK, c, s, lim)
		maxK = lim
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make([][]replicateResult, maxK-minK+1)
	thr := throttle{Max: cfg.Threads}
	for k := minK; k <= maxK; k++ {
		results[k-minK] = make([]replicateResult, cfg.Replicates)
		for r := 0; r < cfg.Replicates; r++ {
			k, r := k, r
			thr.Go(func() error {
				res, err := m.fitReplicate(ctx, X, k, r)
				if err != nil {
					cancel()
					return fmt.Errorf("k=%d replicate %d: %w", k, r, err)
				}
				log.Debugf("k=%d replicate %d: error %g", k, r, res.Error)
				results[k-minK][r] = res
				return nil
			})
		}
	}
	if err := thr.Wait(); err != nil {
		return err
	}

	summaries := make([]KSummary, len(results))
	centroids := make([]*mat.Dense, len(results))
	for i, reps := range results {
		Ws := make([]*mat.Dense, len(reps))
		errs := make([]float64, len(reps))
		for r, rep := range reps {
			Ws[r], errs[r] = rep.W, rep.Error
		}
		W, stab := consensus(Ws, errs)
		centroids[i] = W
		summaries[i] = KSummary{K: minK + i, Errors: errs, Stability: stab}
		log.Infof("k=%d: mean stability %.3f, min stability %.3f, mean error %g", minK+i, stat.Mean(stab, nil), floats.Min(stab), stat.Mean(errs, nil))
	}
	sel := selectK(summaries, cfg)
	log.Infof("selected %d signatures", summaries[sel].K)

	m.NComponents = summaries[sel].K
	m.W = centroids[sel]
	m.H = nnlsColumns(m.W, X)
	m.Stability = summaries[sel].Stability
	m.KSummaries = summaries
	m.SigNames = denovoSigNames(m.NComponents)
	return nil
}

// fitReplicate runs one factorization with k signatures. The random
// source depends only on the seed, k and r, so results do not depend
// on scheduling.
func (m *Model) fitReplicate(ctx context.Context, X *mat.Dense, k, r int) (replicateResult, error) {
	cfg := m.Config
	src := rand.NewSource(uint64(cfg.Seed)*1000003 + uint64(k)*7919 + uint64(r))
	Xr := X
	if cfg.Bootstrap {
		Xr = bootstrapSamples(m.X, src)
		if cfg.NormalizeX {
			Xr = normalizedSamples(Xr)
		}
	}
	W0, H0, err := initialFactors(Xr, k, cfg.Init, src)
	if err != nil {
		return replicateResult{}, err
	}
	res, err := cfg.solver().solve(ctx, Xr, W0, H0)
	if err != nil {
		return replicateResult{}, err
	}
	return replicateResult{
		W:     res.W,
		Error: frobeniusError(X, res.W, nnlsColumns(res.W, X)),
	}, nil
}

// selectK returns the index of the chosen summary and marks the
// selectable ones.
func selectK(summaries []KSummary, cfg DenovoConfig) int {
	var cands []int
	for i := range summaries {
		ks := &summaries[i]
		if ks.MeanStability() >= cfg.MinStability && floats.Min(ks.Stability) >= cfg.MinSigStability {
			ks.Selectable = true
			cands = append(cands, i)
		}
	}
	if len(cands) == 0 {
		best := 0
		for i, ks := range summaries {
			if ks.MeanStability() > summaries[best].MeanStability() {
				best = i
			}
		}
		log.Warnf("no number of signatures meets the stability thresholds, using the most stable (k=%d)", summaries[best].K)
		return best
	}
	sel := cands[0]
	for _, next := range cands[1:] {
		p := mannWhitneyLess(summaries[next].Errors, summaries[sel].Errors)
		log.Debugf("k=%d vs k=%d: p=%g", summaries[next].K, summaries[sel].K, p)
		if p > cfg.SelectPValue {
			break
		}
		sel = next
	}
	return sel
}

func denovoSigNames(k int) []string {
	names := make([]string, k)
	for i := range names {
		names[i] = fmt.Sprintf("Sig%d", i+1)
	}
	return names
}

// bootstrapSamples returns a copy of X where each column is replaced
// by a multinomial draw with the same total and probabilities
// proportional to the original counts.
func bootstrapSamples(X *mat.Dense, src rand.Source) *mat.Dense {
	c, s := X.Dims()
	out := mat.NewDense(c, s, nil)
	col := make([]float64, c)
	for j := 0; j < s; j++ {
		mat.Col(col, j, X)
		out.SetCol(j, multinomial(col, math.Round(floats.Sum(col)), src))
	}
	return out
}

// multinomial draws n items into len(weights) bins with probability
// proportional to weights, using a sequence of binomial draws.
func multinomial(weights []float64, n float64, src rand.Source) []float64 {
	out := make([]float64, len(weights))
	remW := floats.Sum(weights)
	for i, w := range weights {
		if n <= 0 || remW <= 0 {
			break
		}
		if w <= 0 {
			continue
		}
		p := w / remW
		if p >= 1-1e-12 || i == len(weights)-1 {
			out[i] = n
			n = 0
			break
		}
		draw := distuv.Binomial{N: n, P: p, Src: src}.Rand()
		out[i] = draw
		n -= draw
		remW -= w
	}
	return out
}

// normalizedSamples returns a copy of X with each column scaled to
// sum to 1.
func normalizedSamples(X *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(X)
	c, _ := out.Dims()
	for j, sum := range colSums(out) {
		if sum <= 0 {
			continue
		}
		for i := 0; i < c; i++ {
			out.Set(i, j, out.At(i, j)/sum)
		}
	}
	return out
}

var errNotFitted = errors.New("model has not been fitted")

type fitcmd struct {
	filter         filter
	config         DenovoConfig
	containerFlags containerFlags
}

func (cmd *fitcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *fitcmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	verbose := flags.Bool("verbose", false, "log debug messages")
	inputFilename := flags.String("i", "", "input profile `file` (csv or tsv, optionally gzipped)")
	channelsInRows := flags.Bool("channels-in-rows", false, "input has one row per channel instead of one row per sample")
	outputFilename := flags.String("o", "", "output model `file`")
	wFilename := flags.String("w-output", "", "also write signatures to csv `file`")
	hFilename := flags.String("h-output", "", "also write exposures to csv `file`")
	cmd.filter.Flags(flags)
	cmd.config.Flags(flags)
	cmd.containerFlags.Flags(flags)
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	} else if *inputFilename == "" {
		return errors.New("input file must be specified (-i)")
	} else if *outputFilename == "" {
		return errNoOutput
	}
	setVerbose(*verbose)

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !cmd.containerFlags.Local {
		outputs := map[string]string{"o": "model.gob"}
		if *wFilename != "" {
			outputs["w-output"] = "W.csv"
		}
		if *hFilename != "" {
			outputs["h-output"] = "H.csv"
		}
		output, err := cmd.containerFlags.runInContainer("mutsig fit", "fit", flags, []*string{inputFilename}, outputs)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output+"/model.gob")
		return nil
	}

	p, err := LoadProfile(*inputFilename, *channelsInRows)
	if err != nil {
		return err
	}
	p, err = cmd.filter.Apply(p)
	if err != nil {
		return err
	}
	model, err := NewModel(p, cmd.config)
	if err != nil {
		return err
	}
	err = model.Fit(context.Background())
	if err != nil {
		return err
	}
	err = model.writeDenovoCSV(*wFilename, *hFilename)
	if err != nil {
		return err
	}
	return SaveModel(*outputFilename, model)
}

// writeDenovoCSV writes the de novo signatures and exposures to the
// given files. Empty names are skipped.
func (m *Model) writeDenovoCSV(wFilename, hFilename string) error {
	if !m.Fitted() {
		return errNotFitted
	}
	if wFilename != "" {
		err := writeMatrixFile(wFilename, "", m.Channels, m.SigNames, m.W)
		if err != nil {
			return err
		}
	}
	if hFilename != "" {
		err := writeMatrixFile(hFilename, "", m.SigNames, m.Samples, m.H)
		if err != nil {
			return err
		}
	}
	return nil
}
