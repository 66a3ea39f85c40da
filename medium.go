// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ctf

import "fmt"

// MaxDefaultRequestSize is the byte-count cap an Iterator passes to
// Medium.RequestBytes when its options leave it unset.
const MaxDefaultRequestSize = 4096

// Medium supplies an Iterator with consecutive byte buffers covering
// one or more packets of a single stream.
//
// RequestBytes returns a borrowed slice of up to max bytes starting at
// the current logical position and advances that position by the
// returned length. On a nil error the slice is non-empty, and
// successive buffers concatenate without gaps. The slice may be
// invalidated by any subsequent call. The error is ErrEndOfMedium once
// the stream is exhausted, ErrTryAgain when a live source has no data
// available yet, or any other error on failure.
//
// Stream resolves a stream instance ID for a newly seen stream class.
type Medium interface {
	RequestBytes(max int) ([]byte, error)
	Stream(streamClassID uint64) (uint64, error)
}

// SeekableMedium is a Medium that can reposition itself at an absolute
// byte offset. Iterator.SeekBeginning uses it to return to the start
// of the stream; packet padding is skipped by reading through it.
type SeekableMedium interface {
	Medium
	SeekToPacket(offsetBytes int64) error
}

// BytesMedium is an in-memory Medium over a byte slice. ChunkSize
// bounds each returned buffer, which makes it convenient for
// exercising resumable decoding; zero means "whatever the caller
// asked for".
type BytesMedium struct {
	// Data is the backing stream.
	Data []byte
	// ChunkSize caps each RequestBytes result when > 0.
	ChunkSize int
	// StreamID is returned by Stream.
	StreamID uint64

	off int
}

// RequestBytes implements Medium.
func (m *BytesMedium) RequestBytes(max int) ([]byte, error) {
	if max <= 0 {
		return nil, fmt.Errorf("%w: non-positive request size %d",
			ErrInvalidArgument, max)
	}
	if m.off >= len(m.Data) {
		return nil, ErrEndOfMedium
	}
	n := max
	if m.ChunkSize > 0 && m.ChunkSize < n {
		n = m.ChunkSize
	}
	if rest := len(m.Data) - m.off; n > rest {
		n = rest
	}
	buf := m.Data[m.off : m.off+n]
	m.off += n
	return buf, nil
}

// Stream implements Medium.
func (m *BytesMedium) Stream(streamClassID uint64) (uint64, error) {
	return m.StreamID, nil
}

// SeekToPacket implements SeekableMedium.
func (m *BytesMedium) SeekToPacket(offsetBytes int64) error {
	if offsetBytes < 0 || offsetBytes > int64(len(m.Data)) {
		return fmt.Errorf("%w: seek offset %d out of range",
			ErrInvalidArgument, offsetBytes)
	}
	m.off = int(offsetBytes)
	return nil
}
