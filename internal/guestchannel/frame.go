// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package guestchannel implements a length-prefixed, encrypted,
// authenticated message stream between the host and an in-guest agent.
package guestchannel

import (
	"encoding/binary"
	"io"

	"github.com/originull/vfioctl/pkg/model"
)

// frameHeaderLen is the 4-byte big-endian length prefix each frame
// carries; sentinel-byte framing is deliberately never used since
// payloads are binary/JSON and may contain any byte value.
const frameHeaderLen = 4

// writeFrame writes payload as a single length-prefixed frame.
func writeFrame(w io.Writer, payload []byte) error {
	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return model.New(model.KindIoError, "guestchannel.writeFrame", err)
	}
	if _, err := w.Write(payload); err != nil {
		return model.New(model.KindIoError, "guestchannel.writeFrame", err)
	}
	return nil
}

// readFrame reads a single length-prefixed frame, rejecting any frame
// whose declared length exceeds maxBytes before allocating a buffer for
// it, so a hostile peer cannot force an unbounded allocation.
func readFrame(r io.Reader, maxBytes int) ([]byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, model.New(model.KindIoError, "guestchannel.readFrame", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if int(n) > maxBytes {
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return nil, model.New(model.KindIoError, "guestchannel.readFrame", err)
		}
		return nil, model.New(model.KindFrameTooLarge, "guestchannel.readFrame", nil)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, model.New(model.KindIoError, "guestchannel.readFrame", err)
	}
	return payload, nil
}
