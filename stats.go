// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"

	"github.com/montanaflynn/stats"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

type signatureStats struct {
	Name             string
	Samples          int // with nonzero exposure
	TotalExposure    float64
	MedianExposure   float64 // among samples with nonzero exposure
	Percentile90     float64
	MeanFraction     float64
	Stability        float64  `json:",omitempty"`
	MatchedSignature []string `json:",omitempty"`
}

type modelStats struct {
	Channels                 int
	Samples                  int
	MutationsPerSampleMedian float64
	Components               int
	KSummaries               []KSummary `json:",omitempty"`
	DenovoSignatures         []signatureStats
	GridPoints               int
	SelectedGridPoint        int              `json:",omitempty"`
	ThreshMatch              float64          `json:",omitempty"`
	ThreshRefit              float64          `json:",omitempty"`
	Signatures               []signatureStats `json:",omitempty"`
}

// exposureStats summarizes each row of H.
func exposureStats(names []string, H mat.Matrix) ([]signatureStats, error) {
	k, s := H.Dims()
	fractions := exposureFractions(H)
	var out []signatureStats
	for i := 0; i < k; i++ {
		ss := signatureStats{Name: names[i]}
		var nonzero, frac stats.Float64Data
		for j := 0; j < s; j++ {
			v := H.At(i, j)
			ss.TotalExposure += v
			frac = append(frac, fractions.At(i, j))
			if v > 0 {
				nonzero = append(nonzero, v)
			}
		}
		ss.Samples = len(nonzero)
		var err error
		ss.MeanFraction, err = frac.Mean()
		if err != nil {
			return nil, err
		}
		if len(nonzero) > 0 {
			ss.MedianExposure, err = stats.Median(nonzero)
			if err != nil {
				return nil, err
			}
			ss.Percentile90, err = stats.Percentile(nonzero, 90)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, ss)
	}
	return out, nil
}

// summarize returns the summary statistics of a fitted model.
func summarize(m *Model) (*modelStats, error) {
	if !m.Fitted() {
		return nil, errNotFitted
	}
	ret := &modelStats{
		Channels:   len(m.Channels),
		Samples:    len(m.Samples),
		Components: m.NComponents,
		KSummaries: m.KSummaries,
		GridPoints: len(m.Grid),
	}
	var err error
	ret.MutationsPerSampleMedian, err = stats.Median(colSums(m.X))
	if err != nil {
		return nil, err
	}
	ret.DenovoSignatures, err = exposureStats(m.SigNames, m.H)
	if err != nil {
		return nil, err
	}
	for i := range ret.DenovoSignatures {
		if i < len(m.Stability) {
			ret.DenovoSignatures[i].Stability = m.Stability[i]
		}
	}
	if !m.Validated() {
		return ret, nil
	}
	gp := m.Grid[m.BestGridIndex]
	ret.SelectedGridPoint = m.BestGridIndex
	ret.ThreshMatch = gp.ThreshMatch
	ret.ThreshRefit = gp.ThreshRefit
	ret.Signatures, err = exposureStats(m.SigNamesS, m.HS)
	if err != nil {
		return nil, err
	}
	for i := range ret.DenovoSignatures {
		ret.DenovoSignatures[i].MatchedSignature = gp.Matches[ret.DenovoSignatures[i].Name]
	}
	return ret, nil
}

type statscmd struct{}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *statscmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "", "input model `file`")
	outputFilename := flags.String("o", "-", "output json `file`")
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
	ret, err := summarize(model)
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
	enc := json.NewEncoder(bufw)
	enc.SetIndent("", "  ")
	err = enc.Encode(ret)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return output.Close()
}
