// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"

	"github.com/james-bowman/nlp"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// exposureFractions returns H with each column scaled to sum to 1.
// All-zero columns are left as zeros.
func exposureFractions(H mat.Matrix) *mat.Dense {
	out := mat.DenseCopyOf(H)
	sums := colSums(out)
	out.Apply(func(i, j int, v float64) float64 {
		if sums[j] == 0 {
			return 0
		}
		return v / sums[j]
	}, out)
	return out
}

// exposurePCA projects each sample's exposure fractions onto the
// first n principal components. The result has one row per sample.
func exposurePCA(H mat.Matrix, n int) (mat.Matrix, error) {
	k, s := H.Dims()
	if n > k {
		n = k
	}
	if n > s {
		n = s
	}
	if n < 1 {
		return nil, errors.New("need at least one signature and one sample")
	}
	mtx := exposureFractions(H)
	transformer := nlp.NewPCA(n)
	transformer.Fit(mtx)
	out, err := transformer.Transform(mtx)
	if err != nil {
		return nil, err
	}
	return out.T(), nil
}

type goPCA struct{}

func (cmd *goPCA) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *goPCA) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "", "input model `file`")
	outputFilename := flags.String("o", "-", "output .npy `file`")
	components := flags.Int("components", 4, "number of components")
	denovo := flags.Bool("denovo", false, "use de novo exposures (H) instead of the selected assignment (H_s)")
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
	which := "H_s"
	if *denovo {
		which = "H"
	}
	_, _, H, err := modelMatrix(model, which)
	if err != nil {
		return err
	}
	log.Print("fitting")
	mtx, err := exposurePCA(H, *components)
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
	rows, cols := mtx.Dims()
	log.Printf("writing numpy: %d rows, %d cols", rows, cols)
	err = writeNumpy(output, mtx)
	if err != nil {
		return err
	}
	return output.Close()
}
