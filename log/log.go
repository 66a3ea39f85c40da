// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package log provides a minimal leveled, structured logger used across
// the ctf module. Components take a Logger through their options and
// fall back to a filtered stderr logger when none is given.
package log

import (
	"fmt"
	"io"
	"log"
	"sync"
)

// Level is a logger level.
type Level int8

const (
	// LevelDebug is logger debug level.
	LevelDebug Level = iota - 1
	// LevelInfo is logger info level.
	LevelInfo
	// LevelWarn is logger warn level.
	LevelWarn
	// LevelError is logger error level.
	LevelError
	// LevelFatal is logger fatal level.
	LevelFatal
)

// String returns the name of a logger level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return ""
	}
}

// Logger is a logger interface.
type Logger interface {
	Log(level Level, keyvals ...interface{}) error
}

type stdLogger struct {
	log  *log.Logger
	pool *sync.Pool
}

// NewStdLogger returns a logger writing key=value lines to w.
func NewStdLogger(w io.Writer) Logger {
	return &stdLogger{
		log: log.New(w, "", log.LstdFlags),
		pool: &sync.Pool{
			New: func() interface{} {
				return new(bytesBuffer)
			},
		},
	}
}

type bytesBuffer struct {
	buf []byte
}

func (b *bytesBuffer) WriteString(s string) {
	b.buf = append(b.buf, s...)
}

func (l *stdLogger) Log(level Level, keyvals ...interface{}) error {
	if len(keyvals) == 0 {
		return nil
	}
	if (len(keyvals) & 1) == 1 {
		keyvals = append(keyvals, "KEYVALS UNPAIRED")
	}

	buf := l.pool.Get().(*bytesBuffer)
	buf.WriteString(level.String())
	for i := 0; i < len(keyvals); i += 2 {
		buf.WriteString(fmt.Sprintf(" %s=%v", keyvals[i], keyvals[i+1]))
	}
	l.log.Output(4, string(buf.buf)) //nolint:errcheck
	buf.buf = buf.buf[:0]
	l.pool.Put(buf)
	return nil
}

type logger struct {
	logs    []Logger
	prefix  []interface{}
	hasVals bool
}

func (c *logger) Log(level Level, keyvals ...interface{}) error {
	kvs := make([]interface{}, 0, len(c.prefix)+len(keyvals))
	kvs = append(kvs, c.prefix...)
	kvs = append(kvs, keyvals...)
	for _, l := range c.logs {
		if err := l.Log(level, kvs...); err != nil {
			return err
		}
	}
	return nil
}

// With returns a logger that prepends the given key-value pairs to
// every record.
func With(l Logger, kv ...interface{}) Logger {
	if c, ok := l.(*logger); ok {
		kvs := make([]interface{}, 0, len(c.prefix)+len(kv))
		kvs = append(kvs, kv...)
		kvs = append(kvs, c.prefix...)
		return &logger{
			logs:   c.logs,
			prefix: kvs,
		}
	}
	return &logger{logs: []Logger{l}, prefix: kv}
}

// MultiLogger wraps multiple loggers into one.
func MultiLogger(logs ...Logger) Logger {
	return &logger{logs: logs}
}
