// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"git.arvados.org/arvados.git/sdk/go/arvados"
	"git.arvados.org/arvados.git/sdk/go/arvadosclient"
	"git.arvados.org/arvados.git/sdk/go/keepclient"
	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
)

var (
	keepClient *keepclient.KeepClient
	siteFS     arvados.CustomFileSystem
	siteFSMtx  sync.Mutex

	gsClient    *storage.Client
	gsClientMtx sync.Mutex
)

// open returns a reader for the given path. Paths of the form
// gs://bucket/object are read from Google Cloud Storage. When
// ARVADOS_API_HOST is set, paths containing a collection UUID or
// portable data hash are read through the Arvados API instead of
// arv-mount/fuse. Everything else is a local file.
func open(fnm string) (io.ReadCloser, error) {
	if isGSPath(fnm) {
		return openGS(fnm)
	}
	if os.Getenv("ARVADOS_API_HOST") == "" {
		return os.Open(fnm)
	}
	m := collectionInPathRe.FindStringSubmatch(fnm)
	if m == nil {
		return os.Open(fnm)
	}
	collectionUUID := m[2]
	collectionPath := m[3]

	siteFSMtx.Lock()
	defer siteFSMtx.Unlock()
	if siteFS == nil {
		log.Info("setting up Arvados client")
		client := arvados.NewClientFromEnv()
		ac, err := arvadosclient.New(client)
		if err != nil {
			return nil, err
		}
		ac.Client = arvados.DefaultSecureClient
		keepClient = keepclient.New(ac)
		// Don't use keepclient's default short timeouts.
		keepClient.HTTPClient = arvados.DefaultSecureClient
		keepClient.BlockCache = &keepclient.BlockCache{MaxBlocks: 4}
		siteFS = client.SiteFileSystem(keepClient)
	}
	log.Infof("reading %q from %s using Arvados client", collectionPath, collectionUUID)
	return siteFS.Open("by_id/" + collectionUUID + collectionPath)
}

func isGSPath(fnm string) bool {
	return strings.HasPrefix(fnm, "gs://")
}

// isRemotePath returns true if open would read fnm through a
// storage API rather than the local filesystem.
func isRemotePath(fnm string) bool {
	if isGSPath(fnm) {
		return true
	}
	return os.Getenv("ARVADOS_API_HOST") != "" && collectionInPathRe.MatchString(fnm)
}

func gsBucketObject(fnm string) (bucket, object string, err error) {
	path := strings.TrimPrefix(fnm, "gs://")
	i := strings.Index(path, "/")
	if i < 1 || i == len(path)-1 {
		return "", "", fmt.Errorf("invalid Google Storage path %q (expected gs://bucket/object)", fnm)
	}
	return path[:i], path[i+1:], nil
}

func getGSClient() (*storage.Client, error) {
	gsClientMtx.Lock()
	defer gsClientMtx.Unlock()
	if gsClient == nil {
		log.Info("setting up Google Storage client")
		client, err := storage.NewClient(context.Background())
		if err != nil {
			return nil, err
		}
		gsClient = client
	}
	return gsClient, nil
}

func openGS(fnm string) (io.ReadCloser, error) {
	bucket, object, err := gsBucketObject(fnm)
	if err != nil {
		return nil, err
	}
	client, err := getGSClient()
	if err != nil {
		return nil, err
	}
	rdr, err := client.Bucket(bucket).Object(object).NewReader(context.Background())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return rdr, nil
}

// zopen is like open, but transparently decompresses the input if
// fnm ends with ".gz".
func zopen(fnm string) (io.ReadCloser, error) {
	f, err := open(fnm)
	if err != nil || !strings.HasSuffix(fnm, ".gz") {
		return f, err
	}
	rdr, err := pgzip.NewReader(bufio.NewReaderSize(f, 4*1024*1024))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return gzipr{rdr, f}, nil
}

// gzipr wraps a ReadCloser and a Closer, presenting a single Close()
// method that closes both wrapped objects.
type gzipr struct {
	io.ReadCloser
	io.Closer
}

func (gr gzipr) Close() error {
	e1 := gr.ReadCloser.Close()
	e2 := gr.Closer.Close()
	if e1 != nil {
		return e1
	}
	return e2
}

// create returns a writer for fnm. Local files are written to a
// temporary name and renamed into place by Close; gs:// objects are
// committed by Close. Abort discards the output instead, leaving any
// existing file at fnm untouched. If fnm ends with ".gz" the output
// is compressed. Close and Abort may be called more than once; only
// the first call has any effect.
func create(fnm string) (*outputFile, error) {
	var w io.WriteCloser
	var abort func()
	if isGSPath(fnm) {
		bucket, object, err := gsBucketObject(fnm)
		if err != nil {
			return nil, err
		}
		client, err := getGSClient()
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithCancel(context.Background())
		gw := client.Bucket(bucket).Object(object).NewWriter(ctx)
		w = gw
		abort = func() {
			// Cancelling before Close means the object is never
			// created.
			cancel()
			gw.Close()
		}
	} else {
		if dir := filepath.Dir(fnm); dir != "" {
			err := os.MkdirAll(dir, 0777)
			if err != nil {
				return nil, err
			}
		}
		f, err := os.OpenFile(fnm+"~", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return nil, err
		}
		r := &renameOnClose{File: f, target: fnm}
		w = r
		abort = r.abort
	}
	bufw := bufio.NewWriterSize(w, 1<<20)
	out := &outputFile{w: bufw, flush: bufw.Flush, closer: w, abort: abort}
	if strings.HasSuffix(fnm, ".gz") {
		gzw := pgzip.NewWriter(bufw)
		out.w = gzw
		out.flush = func() error {
			if err := gzw.Close(); err != nil {
				return err
			}
			return bufw.Flush()
		}
	}
	return out, nil
}

var errAborted = errors.New("output aborted")

type outputFile struct {
	w      io.Writer
	flush  func() error
	closer io.Closer
	abort  func()
	once   sync.Once
	err    error
	werr   error
}

func (o *outputFile) Write(p []byte) (int, error) {
	n, err := o.w.Write(p)
	if err != nil && o.werr == nil {
		o.werr = err
	}
	return n, err
}

// Close commits the output. If an earlier Write failed, the output
// is discarded and that error is returned.
func (o *outputFile) Close() error {
	if o.werr != nil {
		o.Abort()
		return o.werr
	}
	o.once.Do(func() {
		o.err = o.flush()
		if o.err != nil {
			o.abort()
			return
		}
		o.err = o.closer.Close()
	})
	return o.err
}

// Abort discards the output. It is a no-op after Close.
func (o *outputFile) Abort() {
	o.once.Do(func() {
		o.err = errAborted
		o.abort()
	})
}

// discard aborts w if it is an uncommitted output file. It is meant
// to be deferred right after create, ahead of an explicit Close on
// the success path.
func discard(w io.Closer) {
	if o, ok := w.(*outputFile); ok {
		o.Abort()
	}
}

type renameOnClose struct {
	*os.File
	target string
}

func (r *renameOnClose) Close() error {
	err := r.File.Close()
	if err != nil {
		os.Remove(r.File.Name())
		return err
	}
	return os.Rename(r.File.Name(), r.target)
}

func (r *renameOnClose) abort() {
	r.File.Close()
	os.Remove(r.File.Name())
}

// nopCloser adapts a Writer (e.g., stdout) to an io.WriteCloser.
type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

var errNoOutput = errors.New("output file must be specified")
