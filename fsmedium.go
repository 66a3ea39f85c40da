// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ctf

import (
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/saferwall/ctf/log"
)

// FileMedium is a Medium over a memory-mapped stream file.
type FileMedium struct {
	data     mmap.MMap
	f        *os.File
	off      int
	streamID uint64
	logger   *log.Helper
}

// FileMediumOptions configures a FileMedium.
type FileMediumOptions struct {
	// StreamID is the stream instance ID reported by Stream. Defaults
	// to 0.
	StreamID uint64

	// A custom logger.
	Logger log.Logger
}

// NewFileMedium memory-maps the stream file at the given path.
func NewFileMedium(name string, opts *FileMediumOptions) (*FileMedium, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}

	// Memory map the file instead of using read/write.
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}

	m := FileMedium{data: data, f: f}
	if opts != nil {
		m.streamID = opts.StreamID
	}
	if opts == nil || opts.Logger == nil {
		m.logger = defaultLogger()
	} else {
		m.logger = log.NewHelper(opts.Logger)
	}

	m.logger.Debugf("mapped stream file %s: %d bytes", name, len(data))
	return &m, nil
}

// Size returns the mapped file size in bytes.
func (m *FileMedium) Size() int64 {
	return int64(len(m.data))
}

// RequestBytes implements Medium. The returned slice aliases the
// mapping and stays valid until Close.
func (m *FileMedium) RequestBytes(max int) ([]byte, error) {
	if max <= 0 {
		return nil, fmt.Errorf("%w: non-positive request size %d",
			ErrInvalidArgument, max)
	}
	if m.off >= len(m.data) {
		return nil, ErrEndOfMedium
	}
	n := max
	if rest := len(m.data) - m.off; n > rest {
		n = rest
	}
	buf := m.data[m.off : m.off+n]
	m.off += n
	return buf, nil
}

// Stream implements Medium.
func (m *FileMedium) Stream(streamClassID uint64) (uint64, error) {
	return m.streamID, nil
}

// SeekToPacket implements SeekableMedium.
func (m *FileMedium) SeekToPacket(offsetBytes int64) error {
	if offsetBytes < 0 || offsetBytes > int64(len(m.data)) {
		return fmt.Errorf("%w: seek offset %d out of range",
			ErrInvalidArgument, offsetBytes)
	}
	m.off = int(offsetBytes)
	return nil
}

// Close unmaps the file and closes the descriptor.
func (m *FileMedium) Close() error {
	var err error
	if m.data != nil {
		err = m.data.Unmap()
		m.data = nil
	}
	if m.f != nil {
		if cerr := m.f.Close(); err == nil {
			err = cerr
		}
		m.f = nil
	}
	return err
}
