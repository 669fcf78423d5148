// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	log "github.com/sirupsen/logrus"
)

// writeProfilesPeriodically writes cpu.prof and mem.prof to outdir
// once a minute, for long fits where serving -pprof over http is not
// practical (e.g., in a container).
func writeProfilesPeriodically(outdir string) {
	for range time.NewTicker(time.Minute).C {
		writeMemProfile(outdir)
		writeCPUProfile(outdir)
	}
}

func writeCPUProfile(outdir string) {
	f, err := os.OpenFile(outdir+"/cpu.prof~", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Print(err)
		return
	}
	defer f.Close()
	if err := pprof.StartCPUProfile(f); err != nil {
		log.Print(err)
		return
	}
	time.Sleep(time.Second)
	pprof.StopCPUProfile()
	finishProfile(f, outdir+"/cpu.prof")
}

func writeMemProfile(outdir string) {
	f, err := os.OpenFile(outdir+"/mem.prof~", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Print(err)
		return
	}
	defer f.Close()
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Print(err)
		return
	}
	finishProfile(f, outdir+"/mem.prof")
}

func finishProfile(f *os.File, target string) {
	err := f.Close()
	if err != nil {
		log.Print(err)
		return
	}
	err = os.Rename(f.Name(), target)
	if err != nil {
		log.Print(err)
	}
}
