// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package ctf implements a streaming reader for CTF (Common Trace
// Format) binary trace data. Given a resolved field-type graph and a
// byte source, it decodes packetized streams into timestamped
// notifications: new packet, event, end of packet, stream beginning and
// stream end. A muxer merges several streams into one globally ordered
// notification sequence.
//
// The decoding pipeline is layered: a Medium supplies byte buffers, a
// TypeReader decodes single field types bit by bit, an Iterator drives
// the reader through the per-packet dynamic scopes, and a Muxer
// interleaves iterators.
package ctf

import (
	"errors"
	"os"

	"github.com/saferwall/ctf/log"
)

// Errors shared by the decoding pipeline. Failures detected by this
// package wrap one of them. Errors returned by user callbacks, by a
// Medium, by an upstream iterator or by the operating system are passed
// through as they are, without a sentinel.
var (
	// ErrEndOfMedium signals that the byte source is exhausted. It is a
	// suspension marker, not a failure: a resumable call site may be
	// handed more bytes later.
	ErrEndOfMedium = errors.New("end of medium")

	// ErrTryAgain signals that a live byte source has no data available
	// yet. The caller retries the same operation later.
	ErrTryAgain = errors.New("try again later")

	// ErrInvalidArgument is returned on caller misuse of the public
	// entry points.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCorruptTrace is returned when the metadata is well formed but
	// the packet bytes are not.
	ErrCorruptTrace = errors.New("corrupt trace")

	// ErrUnsupportedFeature is returned for valid CTF constructs this
	// reader does not handle: compressed, encrypted or checksummed
	// metadata packets, non-1.8 metadata, float sizes other than 32 and
	// 64.
	ErrUnsupportedFeature = errors.New("unsupported feature")

	// ErrCallback is returned when decoding needs a dynamic query
	// (sequence length or variant selection) and no query callback is
	// installed. An error returned by a callback is not wrapped in it.
	ErrCallback = errors.New("callback failed")
)

// DebugEnvKey enables verbose internal diagnostics when set to "1".
// Informational only, it does not alter decoding semantics.
const DebugEnvKey = "CTF_FS_DEBUG"

// defaultLogger builds the logger used when options carry none: stderr,
// filtered to errors, or to everything when CTF_FS_DEBUG=1.
func defaultLogger() *log.Helper {
	level := log.LevelError
	if os.Getenv(DebugEnvKey) == "1" {
		level = log.LevelDebug
	}
	return log.NewHelper(log.NewFilter(log.NewStdLogger(os.Stderr),
		log.FilterLevel(level)))
}
