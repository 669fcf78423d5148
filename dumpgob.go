// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

type dumpcmd struct{}

func (cmd *dumpcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *dumpcmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "", "input model `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	} else if *inputFilename == "" {
		return errors.New("input model must be specified (-i)")
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
	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = create(*outputFilename)
		if err != nil {
			return err
		}
		defer discard(output)
	}
	bufw := bufio.NewWriter(output)
	dumpModel(bufw, model)
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return output.Close()
}

// dumpModel writes a human-readable outline of m.
func dumpModel(w io.Writer, m *Model) {
	fmt.Fprintf(w, "input: %d channels, %d samples, hash %s\n", len(m.Channels), len(m.Samples), m.InputHash)
	fmt.Fprintf(w, "config: %+v\n", m.Config)
	if !m.Fitted() {
		fmt.Fprintf(w, "not fitted\n")
		return
	}
	for _, ks := range m.KSummaries {
		fmt.Fprintf(w, "k %d: replicates %d, mean error %g, mean stability %.4f, selectable %v\n", ks.K, len(ks.Errors), stat.Mean(ks.Errors, nil), ks.MeanStability(), ks.Selectable)
	}
	fmt.Fprintf(w, "de novo: %d signatures\n", m.NComponents)
	for i, name := range m.SigNames {
		stab := 0.0
		if i < len(m.Stability) {
			stab = m.Stability[i]
		}
		fmt.Fprintf(w, "  %s: stability %.4f\n", name, stab)
	}
	if !m.Assigned() {
		return
	}
	fmt.Fprintf(w, "catalog %s: %d signatures, config %+v\n", m.CatalogName, len(m.CatalogSigNames), *m.AssignConfig)
	fmt.Fprintf(w, "  catalog signatures: %s\n", strings.Join(m.CatalogSigNames, " "))
	for i := range m.Grid {
		gp := &m.Grid[i]
		mark := " "
		if i == m.BestGridIndex {
			mark = "*"
		}
		fmt.Fprintf(w, "%s grid %d: thresh_match %g, thresh_refit %g, %d signatures (%d novel), %d nonzero, mean distance %.4f, p %.4g\n", mark, i, gp.ThreshMatch, gp.ThreshRefit, len(gp.SigNames), len(gp.Novel), gp.NonZero(), stat.Mean(gp.Distances, nil), gp.PValue)
	}
	if !m.Validated() {
		return
	}
	gp := &m.Grid[m.BestGridIndex]
	var denovo []string
	for name := range gp.Matches {
		denovo = append(denovo, name)
	}
	sort.Strings(denovo)
	fmt.Fprintf(w, "selected: %v\n", m.SigNamesS)
	for _, name := range denovo {
		fmt.Fprintf(w, "  %s -> %v\n", name, gp.Matches[name])
	}
}
