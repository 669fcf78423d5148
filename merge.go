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

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// mergeProfiles concatenates the samples of several profiles. All
// inputs must have the same set of channels (in any order); the
// result uses the channel order of the first input. Sample IDs must
// be unique across inputs.
func mergeProfiles(ps []*Profile, srcs []string) (*Profile, error) {
	if len(ps) == 0 {
		return nil, errors.New("no inputs")
	}
	channels := ps[0].Channels
	chanIdx := make(map[string]int, len(channels))
	for i, ch := range channels {
		chanIdx[ch] = i
	}
	nsamples := 0
	seen := map[string]string{}
	for i, p := range ps {
		if len(p.Channels) != len(channels) {
			return nil, fmt.Errorf("%s: has %d channels, %s has %d", srcs[i], len(p.Channels), srcs[0], len(channels))
		}
		for _, ch := range p.Channels {
			if _, ok := chanIdx[ch]; !ok {
				return nil, fmt.Errorf("%s: channel %q not present in %s", srcs[i], ch, srcs[0])
			}
		}
		for _, s := range p.Samples {
			if prev, dup := seen[s]; dup {
				return nil, fmt.Errorf("sample %q appears in both %s and %s", s, prev, srcs[i])
			}
			seen[s] = srcs[i]
		}
		nsamples += len(p.Samples)
	}

	out := &Profile{
		Channels: append([]string(nil), channels...),
		X:        mat.NewDense(len(channels), nsamples, nil),
	}
	col := 0
	for _, p := range ps {
		for j, s := range p.Samples {
			out.Samples = append(out.Samples, s)
			for i, ch := range p.Channels {
				out.X.Set(chanIdx[ch], col, p.X.At(i, j))
			}
			col++
		}
	}
	return out, nil
}

type merger struct {
	inputs []string
}

func (cmd *merger) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *merger) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	outputFilename := flags.String("o", "-", "output profile `file`")
	channelsInRows := flags.Bool("channels-in-rows", false, "inputs have one row per channel instead of one row per sample")
	threads := flags.Int("threads", 4, "number of inputs to read concurrently")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	}
	cmd.inputs = flags.Args()
	if len(cmd.inputs) == 0 {
		return errors.New("no input files specified")
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	ps := make([]*Profile, len(cmd.inputs))
	thr := throttle{Max: *threads}
	for i, fnm := range cmd.inputs {
		i, fnm := i, fnm
		thr.Go(func() error {
			p, err := LoadProfile(fnm, *channelsInRows)
			if err != nil {
				return err
			}
			ps[i] = p
			return nil
		})
	}
	if err := thr.Wait(); err != nil {
		return err
	}
	merged, err := mergeProfiles(ps, cmd.inputs)
	if err != nil {
		return err
	}
	log.Infof("merged %d inputs: %d samples", len(ps), len(merged.Samples))

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
	err = merged.WriteCSV(out)
	if err != nil {
		return err
	}
	return out.Close()
}
