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
	"net/http"
	_ "net/http/pprof"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

func defaultValidateConfig() ValidateConfig {
	return ValidateConfig{
		Replicates:          1,
		GridSelectionMethod: "pvalue",
		GridSelectionPValue: 0.05,
	}
}

func (cfg *ValidateConfig) Flags(flags *flag.FlagSet) {
	def := defaultValidateConfig()
	flags.IntVar(&cfg.Replicates, "validate-replicates", def.Replicates, "number of simulation replicates per grid point")
	flags.StringVar(&cfg.GridSelectionMethod, "grid-selection-method", def.GridSelectionMethod, "`method` for selecting the best grid point (pvalue or min)")
	flags.Float64Var(&cfg.GridSelectionPValue, "grid-selection-pvalue", def.GridSelectionPValue, "p-value `threshold` for grid selection method pvalue")
	flags.IntVar(&cfg.Threads, "validate-threads", 0, "number of concurrent simulations (0 = same as de novo fit)")
	flags.Int64Var(&cfg.Seed, "validate-seed", 0, "PRNG seed for simulations")
}

func (cfg *ValidateConfig) Check() error {
	if cfg.Replicates < 1 {
		return errors.New("validation replicates must be at least 1")
	}
	if cfg.GridSelectionMethod != "pvalue" && cfg.GridSelectionMethod != "min" {
		return fmt.Errorf("unknown grid selection method %q", cfg.GridSelectionMethod)
	}
	return nil
}

var errNotAssigned = errors.New("model has no assignment grid")

// ValidateGrid simulates data from every grid point, measures how
// well the de novo signatures are recovered, and selects the best
// grid point. The selected assignment is stored in SigNamesS, WS
// and HS.
func (m *Model) ValidateGrid(ctx context.Context, cfg ValidateConfig) error {
	if !m.Assigned() {
		return errNotAssigned
	}
	if err := cfg.Check(); err != nil {
		return err
	}
	threads := cfg.Threads
	if threads < 1 {
		threads = m.Config.Threads
	}
	log.Infof("validating %d grid points, %d replicates each", len(m.Grid), cfg.Replicates)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	dists := make([][][]float64, len(m.Grid))
	thr := throttle{Max: threads}
	for g := range m.Grid {
		dists[g] = make([][]float64, cfg.Replicates)
		for r := 0; r < cfg.Replicates; r++ {
			g, r := g, r
			thr.Go(func() error {
				src := rand.NewSource(uint64(cfg.Seed)*1000003 + uint64(g)*7919 + uint64(r))
				d, err := m.simulationDistances(ctx, &m.Grid[g], src)
				if err != nil {
					cancel()
					return fmt.Errorf("grid point %d replicate %d: %w", g, r, err)
				}
				dists[g][r] = d
				return nil
			})
		}
	}
	if err := thr.Wait(); err != nil {
		return err
	}
	for g := range m.Grid {
		m.Grid[g].Distances = nil
		for _, d := range dists[g] {
			m.Grid[g].Distances = append(m.Grid[g].Distances, d...)
		}
	}

	best, err := selectGridPoint(m.Grid, cfg)
	if err != nil {
		return err
	}
	gp := &m.Grid[best]
	log.Infof("selected grid point %d: thresh_match=%g thresh_refit=%g, %d signatures: %v", best, gp.ThreshMatch, gp.ThreshRefit, len(gp.SigNames), gp.SigNames)
	m.ValidateConfig = &cfg
	m.BestGridIndex = best
	m.SigNamesS = append([]string(nil), gp.SigNames...)
	m.WS = mat.DenseCopyOf(gp.W)
	m.HS = mat.DenseCopyOf(gp.H)
	return nil
}

// selectGridPoint returns the index of the best grid point and fills
// in each point's p-value. The reference is the point with the
// smallest mean distance. With method "pvalue", points whose
// distances are not significantly larger than the reference's are
// candidates, and the sparsest candidate wins; ties go to the larger
// refit threshold, then the larger match threshold.
func selectGridPoint(grid []GridPoint, cfg ValidateConfig) (int, error) {
	ref := -1
	for g := range grid {
		if grid[g].W == nil {
			continue
		}
		if ref < 0 || stat.Mean(grid[g].Distances, nil) < stat.Mean(grid[ref].Distances, nil) {
			ref = g
		}
	}
	if ref < 0 {
		return 0, errors.New("no grid point assigned any signatures")
	}
	if cfg.GridSelectionMethod == "min" {
		return ref, nil
	}
	best := -1
	for g := range grid {
		gp := &grid[g]
		if gp.W == nil {
			gp.PValue = 0
			continue
		}
		gp.PValue = mannWhitneyLess(grid[ref].Distances, gp.Distances)
		if gp.PValue < cfg.GridSelectionPValue {
			continue
		}
		if best < 0 || sparser(gp, &grid[best]) {
			best = g
		}
	}
	if best < 0 {
		best = ref
	}
	return best, nil
}

func sparser(a, b *GridPoint) bool {
	if na, nb := a.NonZero(), b.NonZero(); na != nb {
		return na < nb
	}
	if a.ThreshRefit != b.ThreshRefit {
		return a.ThreshRefit > b.ThreshRefit
	}
	return a.ThreshMatch > b.ThreshMatch
}

type validatecmd struct {
	config         ValidateConfig
	containerFlags containerFlags
}

func (cmd *validatecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *validatecmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	verbose := flags.Bool("verbose", false, "log debug messages")
	inputFilename := flags.String("i", "", "input model `file`")
	outputFilename := flags.String("o", "", "output model `file`")
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
		return errors.New("input model must be specified (-i)")
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
		output, err := cmd.containerFlags.runInContainer("mutsig validate", "validate", flags, []*string{inputFilename}, map[string]string{"o": "model.gob"})
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output+"/model.gob")
		return nil
	}

	model, err := LoadModel(*inputFilename)
	if err != nil {
		return err
	}
	err = model.ValidateGrid(context.Background(), cmd.config)
	if err != nil {
		return err
	}
	return SaveModel(*outputFilename, model)
}
