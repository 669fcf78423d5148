// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"git.arvados.org/arvados.git/lib/cmd"
	"git.arvados.org/arvados.git/sdk/go/arvados"
	"git.arvados.org/arvados.git/sdk/go/arvadosclient"
	"git.arvados.org/arvados.git/sdk/go/keepclient"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

const runtimeImage = "mutsig-runtime"

// containerFlags are the flags shared by every subcommand that can
// run itself as an Arvados container.
type containerFlags struct {
	Local       bool
	ProjectUUID string
	Priority    int
	VCPUs       int
	RAM         int64
	Preemptible bool
	KeepCache   int
	OutputName  string
	Prog        string
}

func (cf *containerFlags) Flags(flags *flag.FlagSet) {
	flags.BoolVar(&cf.Local, "local", true, "run on local host (if false, run in an Arvados container)")
	flags.StringVar(&cf.ProjectUUID, "project", "", "project `UUID` for containers and output data")
	flags.IntVar(&cf.Priority, "priority", 500, "container request priority")
	flags.IntVar(&cf.VCPUs, "vcpus", 16, "number of VCPUs to request for the container")
	flags.Int64Var(&cf.RAM, "ram", 64000000000, "RAM in bytes to request for the container")
	flags.BoolVar(&cf.Preemptible, "preemptible", true, "request preemptible instance")
	flags.IntVar(&cf.KeepCache, "keep-cache", 2, "Keep cache buffers per VCPU for the container")
	flags.StringVar(&cf.OutputName, "output-name", "", "`name` of the container's output collection (default: unnamed)")
	flags.StringVar(&cf.Prog, "container-prog", "", "`path` of a mutsig binary already present in the container image (default: upload this binary)")
}

// runner returns a container runner for the calling subcommand. The
// caller adds arguments, translates its input paths, and calls Run.
func (cf *containerFlags) runner(name string) *arvadosContainerRunner {
	return &arvadosContainerRunner{
		Name:        name,
		Client:      arvados.NewClientFromEnv(),
		ProjectUUID: cf.ProjectUUID,
		RAM:         cf.RAM,
		VCPUs:       cf.VCPUs,
		Priority:    cf.Priority,
		Preemptible: cf.Preemptible,
		KeepCache:   cf.KeepCache,
		OutputName:  cf.OutputName,
		Prog:        cf.Prog,
	}
}

var refreshTicker = time.NewTicker(5 * time.Second)

type arvadosContainerRunner struct {
	Client      *arvados.Client
	Name        string
	OutputName  string
	ProjectUUID string
	VCPUs       int
	RAM         int64
	Prog        string // if empty, upload and run this binary
	Args        []string
	Mounts      map[string]map[string]interface{}
	Priority    int
	KeepCache   int // cache buffers per VCPU (0 for default)
	Preemptible bool
}

func (runner *arvadosContainerRunner) Run() (string, error) {
	return runner.RunContext(context.Background())
}

// RunContext submits a container request and waits for it to finish,
// relaying the container's stderr to our log. It returns the output
// collection UUID.
func (runner *arvadosContainerRunner) RunContext(ctx context.Context) (string, error) {
	if runner.ProjectUUID == "" {
		return "", errors.New("cannot run arvados container: ProjectUUID not provided")
	}

	mounts := map[string]map[string]interface{}{
		"/mnt/output": {
			"kind":     "collection",
			"writable": true,
		},
	}
	for path, mnt := range runner.Mounts {
		mounts[path] = mnt
	}

	prog := runner.Prog
	if prog == "" {
		prog = "/mnt/cmd/mutsig"
		cmdUUID, err := runner.makeCommandCollection()
		if err != nil {
			return "", err
		}
		mounts["/mnt/cmd"] = map[string]interface{}{
			"kind": "collection",
			"uuid": cmdUUID,
		}
	}
	command := append([]string{prog}, runner.Args...)

	priority := runner.Priority
	if priority < 1 {
		priority = 500
	}
	keepCache := runner.KeepCache
	if keepCache < 1 {
		keepCache = 2
	}
	rc := arvados.RuntimeConstraints{
		VCPUs:        runner.VCPUs,
		RAM:          runner.RAM,
		KeepCacheRAM: (1 << 26) * int64(keepCache) * int64(runner.VCPUs),
	}
	outname := &runner.OutputName
	if *outname == "" {
		outname = nil
	}
	var cr arvados.ContainerRequest
	err := runner.Client.RequestAndDecode(&cr, "POST", "arvados/v1/container_requests", nil, map[string]interface{}{
		"container_request": map[string]interface{}{
			"owner_uuid":          runner.ProjectUUID,
			"name":                runner.Name,
			"container_image":     runtimeImage,
			"command":             command,
			"mounts":              mounts,
			"use_existing":        true,
			"output_path":         "/mnt/output",
			"output_name":         outname,
			"runtime_constraints": rc,
			"priority":            priority,
			"state":               arvados.ContainerRequestStateCommitted,
			"scheduling_parameters": arvados.SchedulingParameters{
				Preemptible: runner.Preemptible,
				Partitions:  []string{},
			},
			"environment": map[string]string{
				"GOMAXPROCS": fmt.Sprintf("%d", rc.VCPUs),
			},
			"container_count_max": 1,
		},
	})
	if err != nil {
		return "", err
	}
	log.Printf("container request UUID: %s", cr.UUID)
	log.Printf("container UUID: %s", cr.ContainerUUID)

	logch := make(chan eventMessage)
	client := &arvadosClient{Client: runner.Client}
	defer client.Close()
	subscribedUUID := ""
	defer func() {
		if subscribedUUID != "" {
			client.Unsubscribe(logch, subscribedUUID)
		}
	}()
	subscribe := func() {
		if subscribedUUID == cr.ContainerUUID {
			return
		}
		if subscribedUUID != "" {
			client.Unsubscribe(logch, subscribedUUID)
		}
		subscribedUUID = cr.ContainerUUID
		if subscribedUUID != "" {
			client.Subscribe(logch, subscribedUUID)
		}
	}
	subscribe()

	neednewline := ""
	logTell := map[string]int64{}
	lastState := cr.State
	lastContainer := cr.ContainerUUID
	refreshCR := func() {
		ctx, cancel := context.WithDeadline(ctx, time.Now().Add(time.Minute))
		defer cancel()
		err := runner.Client.RequestAndDecodeContext(ctx, &cr, "GET", "arvados/v1/container_requests/"+cr.UUID, nil, nil)
		if err != nil {
			fmt.Fprint(os.Stderr, neednewline)
			neednewline = ""
			log.Printf("error getting container request: %s", err)
			return
		}
		if lastState != cr.State {
			fmt.Fprint(os.Stderr, neednewline)
			neednewline = ""
			log.Printf("container request state: %s", cr.State)
			lastState = cr.State
		}
		if lastContainer != cr.ContainerUUID {
			log.Printf("container UUID: %s", cr.ContainerUUID)
			lastContainer = cr.ContainerUUID
			logTell = map[string]int64{}
		}
		subscribe()
	}

	var logWaitMax = time.Second * 10
	var logWaitMin = time.Second
	var logWait = logWaitMin
	var logWaitDone = time.After(logWait)
	var reCrunchstat = regexp.MustCompile(`mem .* (\d+) rss`)
waitctr:
	for cr.State != arvados.ContainerRequestStateFinal {
		select {
		case <-ctx.Done():
			err := runner.Client.RequestAndDecode(&cr, "PATCH", "arvados/v1/container_requests/"+cr.UUID, nil, map[string]interface{}{
				"container_request": map[string]interface{}{
					"priority": 0,
				},
			})
			if err != nil {
				log.Errorf("error while trying to cancel container request %s: %s", cr.UUID, err)
			}
			break waitctr
		case <-refreshTicker.C:
			refreshCR()
		case msg := <-logch:
			if msg.EventType == "update" {
				refreshCR()
			} else {
				// New log text is available: fetch it now
				// instead of waiting out the backoff.
				logWait = logWaitMin
				logWaitDone = time.After(0)
			}
		case <-logWaitDone:
			any := false
			for _, fnm := range []string{"stderr.txt", "crunchstat.txt"} {
				logdata, ok := runner.fetchLog(&cr, fnm, logTell[fnm])
				if !ok {
					continue
				}
				for {
					eol := bytes.Index(logdata, []byte{'\n'})
					if eol < 0 {
						break
					}
					line := string(logdata[:eol])
					logdata = logdata[eol+1:]
					logTell[fnm] += int64(eol + 1)
					if len(line) == 0 {
						continue
					}
					any = true
					if fnm == "stderr.txt" {
						fmt.Fprint(os.Stderr, neednewline)
						neednewline = ""
						log.Print(line)
					} else if m := reCrunchstat.FindStringSubmatch(line); m != nil {
						rss, _ := strconv.ParseInt(m[1], 10, 64)
						fmt.Fprintf(os.Stderr, "%s rss %.3f GB           \r", cr.UUID, float64(rss)/1e9)
						neednewline = "\n"
					}
				}
			}
			if any {
				logWait = logWaitMin
			} else {
				logWait = logWait * 2
				if logWait > logWaitMax {
					logWait = logWaitMax
				}
			}
			logWaitDone = time.After(logWait)
		}
	}
	fmt.Fprint(os.Stderr, neednewline)

	if err := ctx.Err(); err != nil {
		return "", err
	}

	var c arvados.Container
	err = runner.Client.RequestAndDecode(&c, "GET", "arvados/v1/containers/"+cr.ContainerUUID, nil, nil)
	if err != nil {
		return "", err
	} else if c.State != arvados.ContainerStateComplete {
		return "", fmt.Errorf("container did not complete: %s", c.State)
	} else if c.ExitCode != 0 {
		return "", fmt.Errorf("container exited %d", c.ExitCode)
	}
	return cr.OutputUUID, nil
}

// fetchLog returns the part of the named container log file after
// offset. ok is false if there is nothing new.
func (runner *arvadosContainerRunner) fetchLog(cr *arvados.ContainerRequest, fnm string, offset int64) (data []byte, ok bool) {
	if cr.ContainerUUID == "" {
		return nil, false
	}
	req, err := http.NewRequest("GET", "https://"+runner.Client.APIHost+"/arvados/v1/container_requests/"+cr.UUID+"/log/"+cr.ContainerUUID+"/"+fnm, nil)
	if err != nil {
		log.Errorf("error preparing log request: %s", err)
		return nil, false
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	resp, err := runner.Client.Do(req)
	if err != nil {
		log.Errorf("error getting log data: %s", err)
		return nil, false
	}
	defer resp.Body.Close()
	if (resp.StatusCode == http.StatusNotFound && offset == 0) ||
		(resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0) {
		return nil, false
	} else if resp.StatusCode >= 300 {
		log.Errorf("error getting log data: %s", resp.Status)
		return nil, false
	}
	data, err = io.ReadAll(resp.Body)
	if err != nil {
		log.Errorf("error reading log data: %s", err)
		return nil, false
	}
	return data, len(data) > 0
}

var collectionInPathRe = regexp.MustCompile(`^(.*/)?([0-9a-f]{32}\+[0-9]+|[0-9a-z]{5}-[0-9a-z]{5}-[0-9a-z]{15})(/.*)?$`)

// TranslatePaths replaces each collection path with the path where
// the collection will be mounted in the container, and adds the
// mounts. gs:// paths are passed through unchanged.
func (runner *arvadosContainerRunner) TranslatePaths(paths ...*string) error {
	if runner.Mounts == nil {
		runner.Mounts = make(map[string]map[string]interface{})
	}
	for _, path := range paths {
		if *path == "" || *path == "-" || isGSPath(*path) {
			continue
		}
		m := collectionInPathRe.FindStringSubmatch(*path)
		if m == nil {
			return fmt.Errorf("cannot find uuid in path: %q", *path)
		}
		collID := m[2]
		mnt, ok := runner.Mounts["/mnt/"+collID]
		if !ok {
			mnt = map[string]interface{}{
				"kind": "collection",
			}
			if len(collID) == 27 {
				mnt["uuid"] = collID
			} else {
				mnt["portable_data_hash"] = collID
			}
			runner.Mounts["/mnt/"+collID] = mnt
		}
		*path = "/mnt/" + collID + m[3]
	}
	return nil
}

var mtxMakeCommandCollection sync.Mutex

func (runner *arvadosContainerRunner) makeCommandCollection() (string, error) {
	mtxMakeCommandCollection.Lock()
	defer mtxMakeCommandCollection.Unlock()
	exe, err := os.ReadFile("/proc/self/exe")
	if err != nil {
		return "", err
	}
	b2 := blake2b.Sum256(exe)
	cname := "mutsig " + cmd.Version.String() // must build with "make", not just "go install"
	var existing arvados.CollectionList
	err = runner.Client.RequestAndDecode(&existing, "GET", "arvados/v1/collections", nil, arvados.ListOptions{
		Limit: 1,
		Count: "none",
		Filters: []arvados.Filter{
			{Attr: "name", Operator: "=", Operand: cname},
			{Attr: "owner_uuid", Operator: "=", Operand: runner.ProjectUUID},
			{Attr: "properties.blake2b", Operator: "=", Operand: fmt.Sprintf("%x", b2)},
		},
	})
	if err != nil {
		return "", err
	}
	if len(existing.Items) > 0 {
		coll := existing.Items[0]
		log.Printf("using mutsig binary in existing collection %s (name is %q, hash is %q; did not verify whether content matches)", coll.UUID, cname, coll.Properties["blake2b"])
		return coll.UUID, nil
	}
	log.Printf("writing mutsig binary to new collection %q", cname)
	ac, err := arvadosclient.New(runner.Client)
	if err != nil {
		return "", err
	}
	kc := keepclient.New(ac)
	var coll arvados.Collection
	fs, err := coll.FileSystem(runner.Client, kc)
	if err != nil {
		return "", err
	}
	f, err := fs.OpenFile("mutsig", os.O_CREATE|os.O_WRONLY, 0777)
	if err != nil {
		return "", err
	}
	_, err = f.Write(exe)
	if err != nil {
		return "", err
	}
	err = f.Close()
	if err != nil {
		return "", err
	}
	mtxt, err := fs.MarshalManifest(".")
	if err != nil {
		return "", err
	}
	err = runner.Client.RequestAndDecode(&coll, "POST", "arvados/v1/collections", nil, map[string]interface{}{
		"collection": map[string]interface{}{
			"owner_uuid":    runner.ProjectUUID,
			"manifest_text": mtxt,
			"name":          cname,
			"properties": map[string]interface{}{
				"blake2b": fmt.Sprintf("%x", b2),
			},
		},
	})
	if err != nil {
		return "", err
	}
	log.Printf("stored mutsig binary in new collection %s", coll.UUID)
	return coll.UUID, nil
}

// runInContainer runs subcommand in an Arvados container with the
// flags that were given on the command line. Input path flags must
// already be passed to TranslatePaths via inputs. outputs maps each
// output flag name to a file name in the container's output
// collection. It returns the output collection UUID.
func (cf *containerFlags) runInContainer(name, subcommand string, flags *flag.FlagSet, inputs []*string, outputs map[string]string) (string, error) {
	runner := cf.runner(name)
	err := runner.TranslatePaths(inputs...)
	if err != nil {
		return "", err
	}
	override := map[string]string{}
	for flagname, fnm := range outputs {
		override[flagname] = "/mnt/output/" + fnm
	}
	runner.Args = append([]string{subcommand}, containerArgs(flags, override)...)
	return runner.Run()
}

// containerArgs returns the flags that were set on the command line,
// with values replaced or added from override, and -local=true.
func containerArgs(flags *flag.FlagSet, override map[string]string) []string {
	args := []string{"-local=true"}
	done := map[string]bool{}
	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "local", "pprof", "write-pprof-dir", "project", "priority", "vcpus", "ram", "preemptible", "keep-cache", "output-name", "container-prog":
			return
		}
		v := f.Value.String()
		if o, ok := override[f.Name]; ok {
			v = o
			done[f.Name] = true
		}
		args = append(args, "-"+f.Name+"="+v)
	})
	var names []string
	for name := range override {
		if !done[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		args = append(args, "-"+name+"="+override[name])
	}
	return args
}
