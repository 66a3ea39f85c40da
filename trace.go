// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ctf

import (
	"github.com/google/uuid"
)

// ClockClass describes a stream-class clock: how raw cycle counts
// convert to nanoseconds from the clock's origin.
type ClockClass struct {
	// Name of the clock, e.g. "monotonic".
	Name string
	// Description is free text.
	Description string
	// Frequency in Hz. 1000000000 means cycles are nanoseconds.
	Frequency uint64
	// OffsetSeconds is added to every snapshot, in seconds.
	OffsetSeconds int64
	// OffsetCycles is added to every snapshot, in cycles.
	OffsetCycles uint64
	// OriginIsUnixEpoch tells whether the origin is the Unix epoch.
	OriginIsUnixEpoch bool
	// UUID identifies the clock across traces, when set.
	UUID *uuid.UUID
}

// CyclesToNs converts a raw cycle count into nanoseconds from the
// clock's origin, applying the clock offsets.
func (cc *ClockClass) CyclesToNs(cycles uint64) int64 {
	ns := cc.OffsetSeconds * 1_000_000_000
	cycles += cc.OffsetCycles
	if cc.Frequency == 1_000_000_000 {
		return ns + int64(cycles)
	}
	secs := cycles / cc.Frequency
	rem := cycles % cc.Frequency
	return ns + int64(secs)*1_000_000_000 +
		int64(rem*1_000_000_000/cc.Frequency)
}

// EventClass describes one event of a stream class.
type EventClass struct {
	// ID of the event class within its stream class.
	ID uint64
	// Name of the event.
	Name string
	// ContextType is the event.context scope type, or nil.
	ContextType *StructType
	// PayloadType is the event.fields scope type, or nil.
	PayloadType *StructType
}

// StreamClass describes one class of data streams of a trace.
type StreamClass struct {
	// ID of the stream class within its trace.
	ID uint64
	// PacketContextType is the stream.packet.context scope type, or
	// nil.
	PacketContextType *StructType
	// EventHeaderType is the stream.event.header scope type, or nil.
	EventHeaderType *StructType
	// EventContextType is the stream.event.context scope type, or nil.
	EventContextType *StructType
	// Clock is the stream clock class, or nil.
	Clock *ClockClass
	// EventClasses lists the declared event classes.
	EventClasses []*EventClass
}

// EventClassByID returns the event class with the given ID, or nil.
func (sc *StreamClass) EventClassByID(id uint64) *EventClass {
	for _, ec := range sc.EventClasses {
		if ec.ID == id {
			return ec
		}
	}
	return nil
}

// Trace is the resolved, immutable description of a trace: the output
// of the external TSDL parser, input of the decoder.
type Trace struct {
	// PacketHeaderType is the trace.packet.header scope type, or nil.
	PacketHeaderType *StructType
	// UUID of the trace, when declared.
	UUID *uuid.UUID
	// StreamClasses lists the declared stream classes.
	StreamClasses []*StreamClass
}

// StreamClassByID returns the stream class with the given ID, or nil.
func (t *Trace) StreamClassByID(id uint64) *StreamClass {
	for _, sc := range t.StreamClasses {
		if sc.ID == id {
			return sc
		}
	}
	return nil
}
