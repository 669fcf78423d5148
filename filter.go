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
	"regexp"

	log "github.com/sirupsen/logrus"
)

// filter selects the samples of a profile that take part in an
// analysis.
type filter struct {
	MinMutations float64
	MatchSample  string
	MaxSamples   int
}

func (f *filter) Flags(flags *flag.FlagSet) {
	flags.Float64Var(&f.MinMutations, "min-mutations", 0, "drop samples with fewer than `N` mutations")
	flags.StringVar(&f.MatchSample, "match-sample", "", "keep only samples whose ID matches `regexp`")
	flags.IntVar(&f.MaxSamples, "max-samples", -1, "keep only the first `N` samples that pass the other filters")
}

func (f *filter) active() bool {
	return f.MinMutations > 0 || f.MatchSample != "" || f.MaxSamples >= 0
}

// Apply returns the subset of p that passes the filter. If the filter
// is inactive, p itself is returned.
func (f *filter) Apply(p *Profile) (*Profile, error) {
	if !f.active() {
		return p, nil
	}
	var re *regexp.Regexp
	if f.MatchSample != "" {
		var err error
		re, err = regexp.Compile(f.MatchSample)
		if err != nil {
			return nil, fmt.Errorf("match-sample: %w", err)
		}
	}
	totals := p.SampleTotals()
	var keep []int
	for j, name := range p.Samples {
		if f.MaxSamples >= 0 && len(keep) >= f.MaxSamples {
			break
		}
		if totals[j] < f.MinMutations {
			continue
		}
		if re != nil && !re.MatchString(name) {
			continue
		}
		keep = append(keep, j)
	}
	if len(keep) == 0 {
		return nil, errors.New("filter: no samples remain")
	}
	log.Infof("filter: kept %d of %d samples", len(keep), len(p.Samples))
	return p.Subset(keep)
}

type filtercmd struct {
	filter
}

func (cmd *filtercmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *filtercmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "", "input profile `file`")
	outputFilename := flags.String("o", "-", "output profile `file`")
	channelsInRows := flags.Bool("channels-in-rows", false, "input has one row per channel instead of one row per sample")
	cmd.filter.Flags(flags)
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	} else if *inputFilename == "" {
		return errors.New("input file must be specified (-i)")
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	p, err := LoadProfile(*inputFilename, *channelsInRows)
	if err != nil {
		return err
	}
	p, err = cmd.filter.Apply(p)
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
	err = p.WriteCSV(out)
	if err != nil {
		return err
	}
	return out.Close()
}
