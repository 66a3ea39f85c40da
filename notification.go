// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ctf

// NotificationType discriminates notifications. The declaration order
// doubles as the deterministic rank muxers use to break timestamp
// ties.
type NotificationType uint8

const (
	// NotificationStreamBeginning announces a stream before any of its
	// traffic.
	NotificationStreamBeginning NotificationType = iota
	// NotificationNewPacket announces a decoded packet header and
	// context.
	NotificationNewPacket
	// NotificationEvent carries one decoded event.
	NotificationEvent
	// NotificationEndOfPacket closes the current packet.
	NotificationEndOfPacket
	// NotificationInactivity is a synthetic muxer message reporting
	// clock progress on an otherwise silent upstream.
	NotificationInactivity
	// NotificationStreamEnd closes a stream.
	NotificationStreamEnd
)

// String returns the name of a notification type.
func (t NotificationType) String() string {
	switch t {
	case NotificationStreamBeginning:
		return "stream-beginning"
	case NotificationNewPacket:
		return "new-packet"
	case NotificationEvent:
		return "event"
	case NotificationEndOfPacket:
		return "end-of-packet"
	case NotificationInactivity:
		return "inactivity"
	case NotificationStreamEnd:
		return "stream-end"
	default:
		return "(unknown)"
	}
}

// Notification is one output record of an Iterator or Muxer.
type Notification interface {
	NotificationType() NotificationType

	// Timestamp returns the notification's clock snapshot in
	// nanoseconds from the clock origin, when one is known.
	Timestamp() (int64, bool)
}

// clockSnapshot is the optional timestamp carried by notifications.
type clockSnapshot struct {
	ns  int64
	set bool
}

// Timestamp implements Notification.
func (cs clockSnapshot) Timestamp() (int64, bool) { return cs.ns, cs.set }

func (cs *clockSnapshot) setTimestamp(ns int64) {
	cs.ns = ns
	cs.set = true
}

// StreamBeginning announces a stream: it precedes any other
// notification of that stream.
type StreamBeginning struct {
	clockSnapshot
	StreamID      uint64
	StreamClassID uint64
	// Clock is the stream's clock class, or nil.
	Clock *ClockClass
}

// NotificationType implements Notification.
func (n *StreamBeginning) NotificationType() NotificationType {
	return NotificationStreamBeginning
}

// NewPacket announces a packet whose header and context were just
// decoded.
type NewPacket struct {
	clockSnapshot
	StreamID      uint64
	StreamClassID uint64
	// Header is the decoded trace.packet.header, or nil.
	Header *StructField
	// Context is the decoded stream.packet.context, or nil.
	Context *StructField
}

// NotificationType implements Notification.
func (n *NewPacket) NotificationType() NotificationType {
	return NotificationNewPacket
}

// Event carries one decoded event and its four event scopes.
type Event struct {
	clockSnapshot
	StreamID      uint64
	StreamClassID uint64
	// Class is the resolved event class.
	Class *EventClass
	// Header is the decoded stream.event.header, or nil.
	Header *StructField
	// StreamContext is the decoded stream.event.context, or nil.
	StreamContext *StructField
	// Context is the decoded event.context, or nil.
	Context *StructField
	// Payload is the decoded event.fields, or nil.
	Payload *StructField
}

// NotificationType implements Notification.
func (n *Event) NotificationType() NotificationType {
	return NotificationEvent
}

// EndOfPacket closes the current packet.
type EndOfPacket struct {
	clockSnapshot
	StreamID      uint64
	StreamClassID uint64
}

// NotificationType implements Notification.
func (n *EndOfPacket) NotificationType() NotificationType {
	return NotificationEndOfPacket
}

// Inactivity is a synthetic notification a live upstream emits to
// report clock progress while no events occur.
type Inactivity struct {
	clockSnapshot
	Clock *ClockClass
}

// NotificationType implements Notification.
func (n *Inactivity) NotificationType() NotificationType {
	return NotificationInactivity
}

// StreamEnd closes a stream; no further notification of that stream
// follows.
type StreamEnd struct {
	clockSnapshot
	StreamID      uint64
	StreamClassID uint64
}

// NotificationType implements Notification.
func (n *StreamEnd) NotificationType() NotificationType {
	return NotificationStreamEnd
}
