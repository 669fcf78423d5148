// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// exportTable writes one section of a model to w.
type exportTable struct {
	Filename string
	Write    func(w io.Writer, m *Model) error
	Needs    func(m *Model) bool
}

var exportTables = map[string]exportTable{
	"W":         {"W.csv", exportW, (*Model).Fitted},
	"H":         {"H.csv", exportH, (*Model).Fitted},
	"W_s":       {"W_s.csv", exportWS, (*Model).Validated},
	"H_s":       {"H_s.csv", exportHS, (*Model).Validated},
	"grid":      {"grid.csv", exportGrid, (*Model).Assigned},
	"k-summary": {"k_summary.csv", exportKSummary, (*Model).Fitted},
}

func exportW(w io.Writer, m *Model) error {
	return WriteMatrixCSV(w, "", m.Channels, m.SigNames, m.W)
}

func exportH(w io.Writer, m *Model) error {
	return WriteMatrixCSV(w, "", m.SigNames, m.Samples, m.H)
}

func exportWS(w io.Writer, m *Model) error {
	return WriteMatrixCSV(w, "", m.Channels, m.SigNamesS, m.WS)
}

func exportHS(w io.Writer, m *Model) error {
	return WriteMatrixCSV(w, "", m.SigNamesS, m.Samples, m.HS)
}

type gridRow struct {
	Index        int     `csv:"index"`
	ThreshMatch  float64 `csv:"thresh_match"`
	ThreshRefit  float64 `csv:"thresh_refit"`
	Signatures   int     `csv:"n_signatures"`
	Novel        int     `csv:"n_novel"`
	NonZero      int     `csv:"nonzero_exposures"`
	MeanDistance float64 `csv:"mean_distance"`
	PValue       float64 `csv:"pvalue"`
	Selected     bool    `csv:"selected"`
	SigNames     string  `csv:"signatures"`
}

func exportGrid(w io.Writer, m *Model) error {
	var rows []*gridRow
	for i, gp := range m.Grid {
		rows = append(rows, &gridRow{
			Index:        i,
			ThreshMatch:  gp.ThreshMatch,
			ThreshRefit:  gp.ThreshRefit,
			Signatures:   len(gp.SigNames),
			Novel:        len(gp.Novel),
			NonZero:      gp.NonZero(),
			MeanDistance: stat.Mean(gp.Distances, nil),
			PValue:       gp.PValue,
			Selected:     i == m.BestGridIndex,
			SigNames:     strings.Join(gp.SigNames, ";"),
		})
	}
	return gocsv.Marshal(rows, w)
}

type kSummaryRow struct {
	K             int     `csv:"k"`
	MeanError     float64 `csv:"mean_error"`
	MeanStability float64 `csv:"mean_stability"`
	MinStability  float64 `csv:"min_stability"`
	Selectable    bool    `csv:"selectable"`
	Selected      bool    `csv:"selected"`
}

func exportKSummary(w io.Writer, m *Model) error {
	var rows []*kSummaryRow
	for _, ks := range m.KSummaries {
		min := math.NaN()
		if len(ks.Stability) > 0 {
			min = floats.Min(ks.Stability)
		}
		rows = append(rows, &kSummaryRow{
			K:             ks.K,
			MeanError:     stat.Mean(ks.Errors, nil),
			MeanStability: ks.MeanStability(),
			MinStability:  min,
			Selectable:    ks.Selectable,
			Selected:      ks.K == m.NComponents,
		})
	}
	return gocsv.Marshal(rows, w)
}

type exporter struct {
	tables []string
}

func (cmd *exporter) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *exporter) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "", "input model `file`")
	outputDir := flags.String("output-dir", "", "output `directory`")
	which := flags.String("tables", "", "comma-separated `list` of tables to export (default: all available)")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	} else if *inputFilename == "" {
		return errors.New("input model must be specified (-i)")
	} else if *outputDir == "" {
		return errors.New("output directory must be specified (-output-dir)")
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	model, err := LoadModel(*inputFilename)
	if err != nil {
		return err
	}
	cmd.tables = nil
	if *which != "" {
		cmd.tables = strings.Split(*which, ",")
	}
	if !isGSPath(*outputDir) {
		err = os.MkdirAll(*outputDir, 0777)
		if err != nil {
			return err
		}
	}
	written, err := cmd.export(model, strings.TrimSuffix(*outputDir, "/"))
	if err != nil {
		return err
	}
	for _, fnm := range written {
		fmt.Fprintln(stdout, fnm)
	}
	return nil
}

// export writes the requested tables (or every table the model has
// data for) to dir and returns the names of the files written.
func (cmd *exporter) export(m *Model, dir string) ([]string, error) {
	names := cmd.tables
	explicit := len(names) > 0
	if !explicit {
		for name := range exportTables {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	var written []string
	for _, name := range names {
		t, ok := exportTables[name]
		if !ok {
			return nil, fmt.Errorf("unknown table %q", name)
		}
		if !t.Needs(m) {
			if explicit {
				return nil, fmt.Errorf("model has no data for table %q", name)
			}
			log.Debugf("skipping table %s", name)
			continue
		}
		fnm := dir + "/" + t.Filename
		f, err := create(fnm)
		if err != nil {
			return nil, err
		}
		err = t.Write(f, m)
		if err != nil {
			f.Abort()
			return nil, fmt.Errorf("%s: %w", fnm, err)
		}
		err = f.Close()
		if err != nil {
			return nil, err
		}
		written = append(written, fnm)
	}
	return written, nil
}
