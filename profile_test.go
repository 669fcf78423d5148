// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/check.v1"
)

type profileSuite struct{}

var _ = check.Suite(&profileSuite{})

// testData holds a small synthetic data set: a 4-signature catalog
// and a profile generated from catalog signatures SBS1 and SBS3.
type testData struct {
	Channels   []string
	Samples    []string
	CatalogW   *mat.Dense
	X          *mat.Dense
	Profile    string // path
	CatalogDir string
}

const testCatalogName = "TEST_catalog"

func writeTestData(c *check.C) *testData {
	dir := c.MkDir()
	td := &testData{}
	catW, _ := syntheticFactors(12, 4, 1, 7)
	td.CatalogW = catW
	for i := 0; i < 12; i++ {
		td.Channels = append(td.Channels, fmt.Sprintf("A[C>%c]T", "ACGTNRYKMSWB"[i]))
	}
	sigs := []string{"SBS1", "SBS2", "SBS3", "SBS13"}
	_, H := syntheticFactors(2, 2, 12, 8)
	used := mat.NewDense(12, 2, nil)
	used.SetCol(0, mat.Col(nil, 0, catW))
	used.SetCol(1, mat.Col(nil, 2, catW))
	td.X = mat.NewDense(12, 12, nil)
	td.X.Mul(used, H)
	td.X.Apply(func(i, j int, v float64) float64 { return float64(int(v + 0.5)) }, td.X)
	for j := 0; j < 12; j++ {
		td.Samples = append(td.Samples, fmt.Sprintf("sample%02d", j))
	}

	var buf bytes.Buffer
	err := (&Profile{Channels: td.Channels, Samples: td.Samples, X: td.X}).WriteCSV(&buf)
	c.Assert(err, check.IsNil)
	td.Profile = dir + "/profiles.csv"
	err = ioutil.WriteFile(td.Profile, buf.Bytes(), 0644)
	c.Assert(err, check.IsNil)

	buf.Reset()
	err = WriteMatrixCSV(&buf, "Type", td.Channels, sigs, catW)
	c.Assert(err, check.IsNil)
	td.CatalogDir = dir + "/catalogs"
	err = os.Mkdir(td.CatalogDir, 0777)
	c.Assert(err, check.IsNil)
	err = ioutil.WriteFile(td.CatalogDir+"/"+testCatalogName+".csv", buf.Bytes(), 0644)
	c.Assert(err, check.IsNil)
	return td
}

func (s *profileSuite) TestLoadSamplesInRows(c *check.C) {
	td := writeTestData(c)
	p, err := LoadProfile(td.Profile, false)
	c.Assert(err, check.IsNil)
	c.Check(p.Samples, check.DeepEquals, td.Samples)
	c.Check(p.Channels, check.DeepEquals, td.Channels)
	c.Check(mat.Equal(p.X, td.X), check.Equals, true)
}

func (s *profileSuite) TestLoadChannelsInRowsTSV(c *check.C) {
	tmpdir := c.MkDir()
	fnm := tmpdir + "/p.tsv"
	err := ioutil.WriteFile(fnm, []byte("Type\ts1\ts2\ts3\nA[C>A]A\t1\t2\t3\nA[C>G]A\t4\t5\t6\n"), 0644)
	c.Assert(err, check.IsNil)
	p, err := LoadProfile(fnm, true)
	c.Assert(err, check.IsNil)
	c.Check(p.Samples, check.DeepEquals, []string{"s1", "s2", "s3"})
	c.Check(p.Channels, check.DeepEquals, []string{"A[C>A]A", "A[C>G]A"})
	c.Check(p.X.At(1, 2), check.Equals, 6.0)
	c.Check(p.SampleTotals(), check.DeepEquals, []float64{5, 7, 9})
}

func (s *profileSuite) TestLoadErrors(c *check.C) {
	tmpdir := c.MkDir()
	for _, trial := range []struct {
		content string
		err     string
	}{
		{",A,B\ns1,1,2\ns1,3,4\n", `.*duplicate sample ID "s1"`},
		{",A,A\ns1,1,2\n", `.*duplicate channel "A"`},
		{",A,B\ns1,1,-2\n", `.*invalid count -2 .*`},
		{",A,B\ns1,1,x\n", `.*line 2 column "B".*`},
		{",A,B\ns1,1\n", `.*line 2: 2 fields, expected 3`},
		{",A,B\n", `.*no data rows`},
	} {
		fnm := tmpdir + "/p.csv"
		err := ioutil.WriteFile(fnm, []byte(trial.content), 0644)
		c.Assert(err, check.IsNil)
		_, err = LoadProfile(fnm, false)
		c.Check(err, check.ErrorMatches, trial.err, check.Commentf("%q", trial.content))
	}
	_, err := LoadProfile(tmpdir+"/nonexistent.csv", false)
	c.Check(err, check.NotNil)
}

func (s *profileSuite) TestFilter(c *check.C) {
	td := writeTestData(c)
	p, err := LoadProfile(td.Profile, false)
	c.Assert(err, check.IsNil)

	f := filter{MaxSamples: -1}
	same, err := f.Apply(p)
	c.Check(err, check.IsNil)
	c.Check(same, check.Equals, p)

	f = filter{MatchSample: `sample0[0-4]`, MaxSamples: 3}
	sub, err := f.Apply(p)
	c.Assert(err, check.IsNil)
	c.Check(sub.Samples, check.DeepEquals, []string{"sample00", "sample01", "sample02"})
	c.Check(mat.Col(nil, 2, sub.X), check.DeepEquals, mat.Col(nil, 2, p.X))

	f = filter{MinMutations: 1e12, MaxSamples: -1}
	_, err = f.Apply(p)
	c.Check(err, check.ErrorMatches, `filter: no samples remain`)
}

func (s *profileSuite) TestMerge(c *check.C) {
	tmpdir := c.MkDir()
	a := tmpdir + "/a.csv"
	b := tmpdir + "/b.csv"
	dup := tmpdir + "/dup.csv"
	c.Assert(ioutil.WriteFile(a, []byte(",X,Y\ns1,1,2\ns2,3,4\n"), 0644), check.IsNil)
	c.Assert(ioutil.WriteFile(b, []byte(",Y,X\ns3,5,6\n"), 0644), check.IsNil)
	c.Assert(ioutil.WriteFile(dup, []byte(",X,Y\ns1,7,8\n"), 0644), check.IsNil)

	var stdout, stderr bytes.Buffer
	exited := (&merger{}).RunCommand("mutsig merge", []string{a, b}, nil, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	c.Check(stdout.String(), check.Equals, ",X,Y\ns1,1,2\ns2,3,4\ns3,6,5\n")

	stderr.Reset()
	exited = (&merger{}).RunCommand("mutsig merge", []string{a, dup}, nil, &bytes.Buffer{}, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `sample "s1" appears in both .*\n`)
}
