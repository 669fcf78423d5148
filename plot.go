// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/wcharczuk/go-chart/v2"
	"gonum.org/v1/gonum/mat"
)

const (
	plotBarWidth   = 6
	plotBarSpacing = 2
	plotHeight     = 320
)

// plotSignature renders one signature (one value per channel) as a
// bar chart in PNG format.
func plotSignature(w io.Writer, name string, channels []string, values []float64) error {
	bars := make([]chart.Value, len(values))
	max := 0.0
	for i, v := range values {
		bars[i] = chart.Value{Label: channels[i], Value: v}
		if v > max {
			max = v
		}
	}
	if max == 0 {
		return fmt.Errorf("signature %s has no mass", name)
	}
	graph := chart.BarChart{
		Title:        name,
		Width:        len(values)*(plotBarWidth+plotBarSpacing) + 120,
		Height:       plotHeight,
		BarWidth:     plotBarWidth,
		BarSpacing:   plotBarSpacing,
		UseBaseValue: true,
		BaseValue:    0,
		XAxis:        chart.Hidden(),
		YAxis: chart.YAxis{
			Range: &chart.ContinuousRange{Min: 0, Max: max},
		},
		Bars: bars,
	}
	buffer := bytes.NewBuffer(nil)
	if err := graph.Render(chart.PNG, buffer); err != nil {
		return err
	}
	_, err := buffer.WriteTo(w)
	return err
}

// plotSignatures writes one PNG per column of W to dir and returns
// the names of the files written.
func plotSignatures(dir string, channels, names []string, W mat.Matrix) ([]string, error) {
	var written []string
	col := make([]float64, len(channels))
	for j, name := range names {
		mat.Col(col, j, W)
		fnm := dir + "/" + strings.Replace(name, "/", "_", -1) + ".png"
		f, err := create(fnm)
		if err != nil {
			return nil, err
		}
		err = plotSignature(f, name, channels, col)
		if err != nil {
			f.Abort()
			return nil, err
		}
		err = f.Close()
		if err != nil {
			return nil, err
		}
		written = append(written, fnm)
	}
	return written, nil
}

type plotcmd struct{}

func (cmd *plotcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *plotcmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "", "input model `file`")
	outputDir := flags.String("output-dir", "", "output `directory` for png files")
	which := flags.String("matrix", "W", "signature `matrix` to plot: W or W_s")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	} else if *inputFilename == "" || *outputDir == "" {
		return errors.New("input model (-i) and output directory (-output-dir) must be specified")
	} else if *which != "W" && *which != "W_s" {
		return fmt.Errorf("cannot plot matrix %q", *which)
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
	channels, names, W, err := modelMatrix(model, *which)
	if err != nil {
		return err
	}
	if !isGSPath(*outputDir) {
		err = os.MkdirAll(*outputDir, 0777)
		if err != nil {
			return err
		}
	}
	written, err := plotSignatures(strings.TrimSuffix(*outputDir, "/"), channels, names, W)
	if err != nil {
		return err
	}
	for _, fnm := range written {
		fmt.Fprintln(stdout, fnm)
	}
	return nil
}
