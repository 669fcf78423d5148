// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/gocarina/gocsv"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// sampleRecord is one row of a sample sheet.
type sampleRecord struct {
	SampleID string `csv:"sample_id"`
	Group    string `csv:"group"` // "case" or "control"; anything else is ignored
}

// loadSampleSheet reads a csv or tsv sample sheet and returns the
// case status of each listed sample.
func loadSampleSheet(path string) (map[string]bool, error) {
	f, err := zopen(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var records []*sampleRecord
	reader := csv.NewReader(f)
	if strings.HasSuffix(strings.TrimSuffix(path, ".gz"), ".tsv") {
		reader.Comma = '\t'
	}
	reader.LazyQuotes = true
	err = gocsv.UnmarshalCSV(reader, &records)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	isCase := map[string]bool{}
	for _, rec := range records {
		switch strings.ToLower(strings.TrimSpace(rec.Group)) {
		case "case", "1", "true":
			isCase[rec.SampleID] = true
		case "control", "0", "false":
			isCase[rec.SampleID] = false
		}
	}
	if len(isCase) == 0 {
		return nil, fmt.Errorf("%s: no case/control samples", path)
	}
	return isCase, nil
}

// signatureAssociation is the case/control test result for one
// signature.
type signatureAssociation struct {
	Signature       string  `csv:"signature"`
	CasesPresent    int     `csv:"cases_present"`
	Cases           int     `csv:"cases"`
	ControlsPresent int     `csv:"controls_present"`
	Controls        int     `csv:"controls"`
	ChiSquareP      float64 `csv:"chi2_p"`
	GLMP            float64 `csv:"glm_p"`
}

// associate tests each signature of the selected assignment for
// association with case status. Exposures are compared as
// proportions of each sample's mutations, with log mutation burden as
// a covariate.
func (m *Model) associate(isCase map[string]bool) ([]signatureAssociation, error) {
	if !m.Validated() {
		return nil, errors.New("model has no selected assignment")
	}
	var cols []int
	var caseFlags []bool
	for j, name := range m.Samples {
		if c, ok := isCase[name]; ok {
			cols = append(cols, j)
			caseFlags = append(caseFlags, c)
		}
	}
	if len(cols) < 3 {
		return nil, fmt.Errorf("only %d samples in sample sheet match the model", len(cols))
	}
	totals := colSums(m.HS)
	burden := make([]float64, len(cols))
	for i, j := range cols {
		burden[i] = math.Log10(totals[j] + 1)
	}
	glmP := exposureGLMFunc(caseFlags, [][]float64{burden})

	var out []signatureAssociation
	for a, name := range m.SigNamesS {
		row := mat.Row(nil, a, m.HS)
		present := make([]bool, len(cols))
		prop := make([]float64, len(cols))
		res := signatureAssociation{Signature: name}
		for i, j := range cols {
			present[i] = row[j] > 0
			if totals[j] > 0 {
				prop[i] = row[j] / totals[j]
			}
			if caseFlags[i] {
				res.Cases++
				if present[i] {
					res.CasesPresent++
				}
			} else {
				res.Controls++
				if present[i] {
					res.ControlsPresent++
				}
			}
		}
		res.ChiSquareP = presencePValue(present, caseFlags)
		res.GLMP = glmP(prop)
		out = append(out, res)
	}
	return out, nil
}

type associatecmd struct{}

func (cmd *associatecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *associatecmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "", "input model `file`")
	samplesFilename := flags.String("samples", "", "sample sheet `file` with sample_id and group (case/control) columns")
	outputFilename := flags.String("o", "-", "output csv `file`")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	} else if *inputFilename == "" || *samplesFilename == "" {
		return errors.New("model (-i) and sample sheet (-samples) must be specified")
	}

	model, err := LoadModel(*inputFilename)
	if err != nil {
		return err
	}
	isCase, err := loadSampleSheet(*samplesFilename)
	if err != nil {
		return err
	}
	results, err := model.associate(isCase)
	if err != nil {
		return err
	}
	var out io.WriteCloser
	if *outputFilename == "-" {
		out = nopCloser{stdout}
	} else {
		out, err = create(*outputFilename)
		if err != nil {
			return err
		}
		defer discard(out)
	}
	err = gocsv.Marshal(results, out)
	if err != nil {
		return err
	}
	log.Infof("tested %d signatures", len(results))
	return out.Close()
}
