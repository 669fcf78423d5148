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
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

const methodLikelihoodBidirectional = "likelihood_bidirectional"

var defaultThreshGrid = []float64{
	0.0001, 0.0002, 0.0005,
	0.001, 0.002, 0.005,
	0.01, 0.02, 0.05,
	0.1, 0.2, 0.5,
	1, 2, 5,
}

func defaultAssignConfig() AssignConfig {
	return AssignConfig{
		Method:          methodLikelihoodBidirectional,
		ThreshMatchGrid: append([]float64(nil), defaultThreshGrid...),
		ThreshRefitGrid: append([]float64(nil), defaultThreshGrid...),
	}
}

func (cfg *AssignConfig) Flags(flags *flag.FlagSet) {
	*cfg = defaultAssignConfig()
	flags.StringVar(&cfg.Method, "method-assign", cfg.Method, "`method` for matching and refitting")
	flags.Var((*floatList)(&cfg.ThreshMatchGrid), "thresh-match-grid", "comma-separated `thresholds` for matching")
	flags.Var((*floatList)(&cfg.ThreshRefitGrid), "thresh-refit-grid", "comma-separated `thresholds` for refitting")
	flags.Float64Var(&cfg.ThreshNewSig, "thresh-new-sig", 0, "de novo signatures whose reconstruction cosine similarity is below this `threshold` are considered novel")
	flags.BoolVar(&cfg.ConnectedSigs, "connected-sigs", false, "force connected signatures to co-occur")
	flags.BoolVar(&cfg.CleanWs, "clean-w-s", false, "clean de novo signatures before matching (not supported)")
}

func (cfg *AssignConfig) Check() error {
	if cfg.Method != methodLikelihoodBidirectional {
		return fmt.Errorf("unsupported assignment method %q", cfg.Method)
	}
	if cfg.CleanWs {
		return errors.New("cleaning de novo signatures before matching is not supported")
	}
	if len(cfg.ThreshMatchGrid) == 0 || len(cfg.ThreshRefitGrid) == 0 {
		return errors.New("threshold grids must not be empty")
	}
	for _, grid := range [][]float64{cfg.ThreshMatchGrid, cfg.ThreshRefitGrid} {
		for _, t := range grid {
			if t < 0 {
				return fmt.Errorf("invalid threshold %v", t)
			}
		}
	}
	return nil
}

// floatList is a flag.Value holding a comma- or space-separated list
// of numbers.
type floatList []float64

func (fl *floatList) String() string {
	if fl == nil {
		return ""
	}
	var s []string
	for _, f := range *fl {
		s = append(s, strconv.FormatFloat(f, 'g', -1, 64))
	}
	return strings.Join(s, ",")
}

func (fl *floatList) Set(s string) error {
	var out []float64
	for _, field := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		f, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return err
		}
		out = append(out, f)
	}
	*fl = out
	return nil
}

// matchResult is the outcome of matching the de novo signatures to
// a catalog at one threshold.
type matchResult struct {
	catalogCols []int // sorted
	novel       []int // de novo signature indices
	matches     map[string][]string
}

// match decomposes each de novo signature, scaled by its total
// exposure, into catalog signatures.
func (m *Model) match(cat *Catalog, thresh, threshNewSig float64) matchResult {
	res := matchResult{matches: map[string][]string{}}
	sf := &sparseFitter{W: cat.W, Thresh: thresh}
	totals := rowSums(m.H)
	used := map[int]bool{}
	for a, name := range m.SigNames {
		if totals[a] <= 0 {
			log.Warnf("de novo signature %s has no exposure in any sample, not matching it", name)
			continue
		}
		x := mat.Col(nil, a, m.W)
		for i := range x {
			x[i] *= totals[a]
		}
		h := sf.fit(x)
		if cos := 1 - cosineDistance(x, reconstruct(cat.W, h)); cos < threshNewSig {
			res.novel = append(res.novel, a)
			res.matches[name] = []string{novelName(name)}
			continue
		}
		for j, v := range h {
			if v > 0 {
				used[j] = true
				res.matches[name] = append(res.matches[name], cat.SigNames[j])
			}
		}
	}
	for j := range used {
		res.catalogCols = append(res.catalogCols, j)
	}
	sort.Ints(res.catalogCols)
	return res
}

func novelName(name string) string {
	return name + "_novel"
}

// refit decomposes every sample over the matched and novel
// signatures and returns the resulting grid point. Signatures with no
// exposure in any sample are dropped.
func (m *Model) refit(cat *Catalog, mr matchResult, threshMatch, threshRefit float64, connected bool) GridPoint {
	c := len(m.Channels)
	var names []string
	var cols [][]float64
	for _, j := range mr.catalogCols {
		names = append(names, cat.SigNames[j])
		cols = append(cols, mat.Col(nil, j, cat.W))
	}
	for _, a := range mr.novel {
		names = append(names, novelName(m.SigNames[a]))
		cols = append(cols, mat.Col(nil, a, m.W))
	}
	gp := GridPoint{
		ThreshMatch: threshMatch,
		ThreshRefit: threshRefit,
		Matches:     mr.matches,
	}
	for _, a := range mr.novel {
		gp.Novel = append(gp.Novel, m.SigNames[a])
	}
	if len(cols) == 0 {
		return gp
	}
	W := mat.NewDense(c, len(cols), nil)
	for j, col := range cols {
		W.SetCol(j, col)
	}
	sf := &sparseFitter{W: W, Thresh: threshRefit}
	if connected {
		sub := &Catalog{SigNames: names}
		sf.Groups = sub.ConnectedGroups()
	}
	s := len(m.Samples)
	H := mat.NewDense(len(cols), s, nil)
	x := make([]float64, c)
	for j := 0; j < s; j++ {
		mat.Col(x, j, m.X)
		H.SetCol(j, sf.fit(x))
	}
	var keep []int
	for a, sum := range rowSums(H) {
		if sum > 0 {
			keep = append(keep, a)
		}
	}
	if len(keep) == 0 {
		return gp
	}
	gp.W = mat.NewDense(c, len(keep), nil)
	gp.H = mat.NewDense(len(keep), s, nil)
	for aa, a := range keep {
		gp.SigNames = append(gp.SigNames, names[a])
		gp.W.SetCol(aa, cols[a])
		gp.H.SetRow(aa, mat.Row(nil, a, H))
	}
	return gp
}

// AssignGrid matches the de novo signatures to the catalog and
// refits the samples at every combination of match and refit
// thresholds. Grid points are ordered by match threshold, then refit
// threshold. Any previous validation result is discarded.
func (m *Model) AssignGrid(ctx context.Context, cat *Catalog, cfg AssignConfig) error {
	if !m.Fitted() {
		return errNotFitted
	}
	if err := cfg.Check(); err != nil {
		return err
	}
	cat, err := cat.Align(m.Channels)
	if err != nil {
		return err
	}
	log.Infof("assigning against %s (%d signatures), %d×%d grid", cat.Name, len(cat.SigNames), len(cfg.ThreshMatchGrid), len(cfg.ThreshRefitGrid))

	matches := make([]matchResult, len(cfg.ThreshMatchGrid))
	matchThr := throttle{Max: m.Config.Threads}
	for i, tm := range cfg.ThreshMatchGrid {
		i, tm := i, tm
		matchThr.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			matches[i] = m.match(cat, tm, cfg.ThreshNewSig)
			return nil
		})
	}
	if err := matchThr.Wait(); err != nil {
		return err
	}

	nrefit := len(cfg.ThreshRefitGrid)
	grid := make([]GridPoint, len(cfg.ThreshMatchGrid)*nrefit)
	refitThr := throttle{Max: m.Config.Threads}
	for i, tm := range cfg.ThreshMatchGrid {
		for j, tr := range cfg.ThreshRefitGrid {
			i, j, tm, tr := i, j, tm, tr
			refitThr.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				grid[i*nrefit+j] = m.refit(cat, matches[i], tm, tr, cfg.ConnectedSigs)
				return nil
			})
		}
	}
	if err := refitThr.Wait(); err != nil {
		return err
	}
	for _, gp := range grid {
		log.Debugf("thresh_match=%g thresh_refit=%g: %d signatures, %d nonzero exposures", gp.ThreshMatch, gp.ThreshRefit, len(gp.SigNames), gp.NonZero())
	}

	m.AssignConfig = &cfg
	m.CatalogName = cat.Name
	m.CatalogSigNames = append([]string(nil), cat.SigNames...)
	m.Grid = grid
	m.ValidateConfig = nil
	m.BestGridIndex = -1
	m.SigNamesS, m.WS, m.HS = nil, nil, nil
	return nil
}

// catalogFlags locate the reference catalog.
type catalogFlags struct {
	Name       string
	Dir        string
	Signatures string
}

func (cf *catalogFlags) Flags(flags *flag.FlagSet) {
	flags.StringVar(&cf.Name, "catalog", defaultCatalogName, "catalog `name` (looked up in -catalog-dir) or path")
	flags.StringVar(&cf.Dir, "catalog-dir", "./catalogs", "comma-separated `directories` to search for catalogs")
	flags.StringVar(&cf.Signatures, "catalog-signatures", "", "comma-separated catalog signature `names` to use (default all)")
}

func (cf *catalogFlags) Load() (*Catalog, error) {
	var dirs []string
	for _, dir := range strings.Split(cf.Dir, ",") {
		if dir != "" {
			dirs = append(dirs, dir)
		}
	}
	cat, err := LoadCatalog(cf.Name, dirs)
	if err != nil || cf.Signatures == "" {
		return cat, err
	}
	var names []string
	for _, name := range strings.Split(cf.Signatures, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return cat.Restrict(names)
}

// containerPaths returns the catalog flags that name collection
// paths, for translation by TranslatePaths.
func (cf *catalogFlags) containerPaths() []*string {
	var paths []*string
	if strings.Contains(cf.Name, "/") {
		paths = append(paths, &cf.Name)
	}
	if cf.Dir != "" && !strings.Contains(cf.Dir, ",") {
		paths = append(paths, &cf.Dir)
	}
	return paths
}

type assigncmd struct {
	config         AssignConfig
	catalog        catalogFlags
	containerFlags containerFlags
}

func (cmd *assigncmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *assigncmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	verbose := flags.Bool("verbose", false, "log debug messages")
	inputFilename := flags.String("i", "", "input model `file`")
	outputFilename := flags.String("o", "", "output model `file`")
	threads := flags.Int("threads", 0, "number of concurrent fits (0 = same as de novo fit)")
	cmd.config.Flags(flags)
	cmd.catalog.Flags(flags)
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
		inputs := append([]*string{inputFilename}, cmd.catalog.containerPaths()...)
		output, err := cmd.containerFlags.runInContainer("mutsig assign", "assign", flags, inputs, map[string]string{"o": "model.gob"})
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
	cat, err := cmd.catalog.Load()
	if err != nil {
		return err
	}
	if *threads > 0 {
		model.Config.Threads = *threads
	}
	err = model.AssignGrid(context.Background(), cat, cmd.config)
	if err != nil {
		return err
	}
	return SaveModel(*outputFilename, model)
}
