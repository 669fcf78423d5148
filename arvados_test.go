// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"flag"

	"gopkg.in/check.v1"
)

type arvadosSuite struct{}

var _ = check.Suite(&arvadosSuite{})

func (s *arvadosSuite) TestContainerArgs(c *check.C) {
	var cf containerFlags
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	cf.Flags(flags)
	flags.String("i", "-", "input")
	flags.String("o", "-", "output")
	flags.Int("k", 0, "")
	err := flags.Parse([]string{
		"-local=false", "-project=zzzzz-j7d0g-000000000000000",
		"-keep-cache=4", "-output-name=sigs", "-container-prog=/usr/bin/mutsig",
		"-vcpus=2", "-i=/mnt/in/profile.csv", "-o=out.csv", "-k=3",
	})
	c.Assert(err, check.IsNil)
	args := containerArgs(flags, map[string]string{"o": "/mnt/output/out.csv", "plot": "/mnt/output/plot.png"})
	c.Check(args, check.DeepEquals, []string{
		"-local=true",
		"-i=/mnt/in/profile.csv",
		"-k=3",
		"-o=/mnt/output/out.csv",
		"-plot=/mnt/output/plot.png",
	})

	runner := cf.runner("mutsig assign")
	c.Check(runner.Name, check.Equals, "mutsig assign")
	c.Check(runner.ProjectUUID, check.Equals, "zzzzz-j7d0g-000000000000000")
	c.Check(runner.KeepCache, check.Equals, 4)
	c.Check(runner.OutputName, check.Equals, "sigs")
	c.Check(runner.Prog, check.Equals, "/usr/bin/mutsig")
	c.Check(runner.VCPUs, check.Equals, 2)
	c.Check(runner.Priority, check.Equals, 500)
}
