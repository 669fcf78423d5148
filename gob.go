// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mutsig

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// modelFileVersion is written ahead of the model so older readers
// can refuse files they do not understand.
const modelFileVersion = 1

type modelHeader struct {
	Magic   string
	Version int
}

const modelMagic = "mutsig model"

// EncodeModel writes m to w in gob format.
func EncodeModel(w io.Writer, m *Model) error {
	enc := gob.NewEncoder(w)
	err := enc.Encode(modelHeader{Magic: modelMagic, Version: modelFileVersion})
	if err != nil {
		return err
	}
	return enc.Encode(m)
}

// DecodeModel reads a model written by EncodeModel.
func DecodeModel(r io.Reader) (*Model, error) {
	dec := gob.NewDecoder(r)
	var hdr modelHeader
	err := dec.Decode(&hdr)
	if err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	if hdr.Magic != modelMagic {
		return nil, fmt.Errorf("not a model file (magic %q)", hdr.Magic)
	}
	if hdr.Version > modelFileVersion {
		return nil, fmt.Errorf("model file version %d is newer than supported version %d", hdr.Version, modelFileVersion)
	}
	var m Model
	err = dec.Decode(&m)
	if err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	if m.X != nil && matrixHash(m.X) != m.InputHash {
		return nil, errors.New("input matrix does not match stored hash")
	}
	return &m, nil
}

// SaveModel writes m to fnm (local or gs://). The file is compressed
// if fnm ends in ".gz".
func SaveModel(fnm string, m *Model) error {
	f, err := create(fnm)
	if err != nil {
		return err
	}
	defer f.Abort()
	err = EncodeModel(f, m)
	if err != nil {
		return fmt.Errorf("write %s: %w", fnm, err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", fnm, err)
	}
	log.Infof("saved model to %s", fnm)
	return nil
}

// LoadModel reads a model file written by SaveModel.
func LoadModel(fnm string) (*Model, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := DecodeModel(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	log.Infof("loaded model from %s: %d channels, %d samples, %d signatures", fnm, len(m.Channels), len(m.Samples), m.NComponents)
	return m, nil
}
