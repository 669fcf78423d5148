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
	"gonum.org/v1/gonum/mat"
)

// pipeline runs the whole analysis: load profiles, fit de novo
// signatures, save and reload the model, assign catalog signatures
// over the threshold grid, validate the grid, and save the final
// model.
type pipeline struct {
	filter         filter
	denovo         DenovoConfig
	assign         AssignConfig
	validate       ValidateConfig
	catalog        catalogFlags
	containerFlags containerFlags
}

func (cmd *pipeline) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *pipeline) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	verbose := flags.Bool("verbose", false, "log debug messages")
	profileDir := flags.String("write-pprof-dir", "", "write Go profile data to `directory` every minute")
	profilesFilename := flags.String("profiles", "./data/PCAWG-146_profiles.csv", "input profile `file`")
	channelsInRows := flags.Bool("channels-in-rows", false, "input has one row per channel instead of one row per sample")
	wFilename := flags.String("w-output", "./data/PCAWG-146_W.csv", "de novo signatures output `file`")
	hFilename := flags.String("h-output", "./data/PCAWG-146_H.csv", "de novo exposures output `file`")
	intermediateFilename := flags.String("model-0", "./data/PCAWG-146_model_0.gob", "intermediate (de novo) model `file`")
	outputFilename := flags.String("o", "./results/PCAWG-146_model.gob", "final model `file`")
	cmd.filter.Flags(flags)
	cmd.denovo.Flags(flags)
	cmd.assign.Flags(flags)
	cmd.validate.Flags(flags)
	cmd.catalog.Flags(flags)
	cmd.containerFlags.Flags(flags)
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	setVerbose(*verbose)

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}
	if *profileDir != "" {
		go writeProfilesPeriodically(*profileDir)
	}

	if !cmd.containerFlags.Local {
		inputs := append([]*string{profilesFilename}, cmd.catalog.containerPaths()...)
		output, err := cmd.containerFlags.runInContainer("mutsig run", "run", flags, inputs, map[string]string{
			"w-output": "W.csv",
			"h-output": "H.csv",
			"model-0":  "model_0.gob",
			"o":        "model.gob",
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output+"/model.gob")
		return nil
	}

	ctx := context.Background()

	// Load the data and build the model.
	p, err := LoadProfile(*profilesFilename, *channelsInRows)
	if err != nil {
		return err
	}
	p, err = cmd.filter.Apply(p)
	if err != nil {
		return err
	}
	model, err := NewModel(p, cmd.denovo)
	if err != nil {
		return err
	}

	// De novo discovery.
	err = model.Fit(ctx)
	if err != nil {
		return err
	}
	err = model.writeDenovoCSV(*wFilename, *hFilename)
	if err != nil {
		return err
	}
	err = SaveModel(*intermediateFilename, model)
	if err != nil {
		return err
	}
	reloaded, err := LoadModel(*intermediateFilename)
	if err != nil {
		return err
	}
	err = sameFit(model, reloaded)
	if err != nil {
		return fmt.Errorf("%s: reloaded model differs from saved model: %w", *intermediateFilename, err)
	}
	model = reloaded

	// Assignment and validation.
	cat, err := cmd.catalog.Load()
	if err != nil {
		return err
	}
	log.Infof("catalog %s has %d signatures", cat.Name, len(cat.SigNames))
	err = model.AssignGrid(ctx, cat, cmd.assign)
	if err != nil {
		return err
	}
	err = model.ValidateGrid(ctx, cmd.validate)
	if err != nil {
		return err
	}
	return SaveModel(*outputFilename, model)
}

// sameFit returns an error if a and b have different inputs or de
// novo results.
func sameFit(a, b *Model) error {
	switch {
	case a.InputHash != b.InputHash:
		return errors.New("input hash")
	case a.NComponents != b.NComponents:
		return errors.New("number of signatures")
	case !equalStrings(a.SigNames, b.SigNames):
		return errors.New("signature names")
	case !equalStrings(a.Samples, b.Samples) || !equalStrings(a.Channels, b.Channels):
		return errors.New("sample or channel names")
	case !mat.Equal(a.W, b.W):
		return errors.New("W")
	case !mat.Equal(a.H, b.H):
		return errors.New("H")
	}
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
