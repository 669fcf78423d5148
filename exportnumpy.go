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

	"github.com/gocarina/gocsv"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// modelMatrix returns the named matrix of m with its row and column
// labels.
func modelMatrix(m *Model, name string) (rows, cols []string, data mat.Matrix, err error) {
	switch name {
	case "X":
		return m.Channels, m.Samples, m.X, nil
	case "W", "H":
		if !m.Fitted() {
			return nil, nil, nil, errNotFitted
		}
		if name == "W" {
			return m.Channels, m.SigNames, m.W, nil
		}
		return m.SigNames, m.Samples, m.H, nil
	case "W_s", "H_s":
		if !m.Validated() {
			return nil, nil, nil, errors.New("model has no selected assignment")
		}
		if name == "W_s" {
			return m.Channels, m.SigNamesS, m.WS, nil
		}
		return m.SigNamesS, m.Samples, m.HS, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown matrix %q", name)
	}
}

// presence recodes m as 1 where m is positive and 0 elsewhere.
func presence(m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(i, j int, v float64) float64 {
		if v > 0 {
			return 1
		}
		return 0
	}, m)
	return out
}

// writeNumpy writes m to w as a row-major float64 .npy array.
func writeNumpy(w io.Writer, m mat.Matrix) error {
	rows, cols := m.Dims()
	out := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[i*cols+j] = m.At(i, j)
		}
	}
	bufw := bufio.NewWriter(w)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{rows, cols}
	err = npw.WriteFloat64(out)
	if err != nil {
		return err
	}
	return bufw.Flush()
}

type axisLabel struct {
	Axis  string `csv:"axis"`
	Index int    `csv:"index"`
	Label string `csv:"label"`
}

func writeLabels(w io.Writer, rows, cols []string) error {
	var labels []*axisLabel
	for i, name := range rows {
		labels = append(labels, &axisLabel{Axis: "row", Index: i, Label: name})
	}
	for i, name := range cols {
		labels = append(labels, &axisLabel{Axis: "col", Index: i, Label: name})
	}
	return gocsv.Marshal(labels, w)
}

type exportNumpy struct{}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *exportNumpy) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "", "input model `file`")
	outputFilename := flags.String("o", "-", "output .npy `file`")
	labelsFilename := flags.String("output-labels", "", "also write row/column labels to csv `file`")
	which := flags.String("matrix", "H_s", "`matrix` to export: X, W, H, W_s, or H_s")
	binary := flags.Bool("presence", false, "recode values as 1 (positive) or 0")
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
	rows, cols, data, err := modelMatrix(model, *which)
	if err != nil {
		return err
	}
	if *binary {
		data = presence(data)
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
	r, c := data.Dims()
	log.Printf("writing numpy: %d rows, %d cols", r, c)
	err = writeNumpy(output, data)
	if err != nil {
		return err
	}
	err = output.Close()
	if err != nil {
		return err
	}

	if *labelsFilename != "" {
		f, err := create(*labelsFilename)
		if err != nil {
			return err
		}
		defer f.Abort()
		err = writeLabels(f, rows, cols)
		if err != nil {
			return err
		}
		return f.Close()
	}
	return nil
}
