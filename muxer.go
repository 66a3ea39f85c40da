// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ctf

import (
	"container/heap"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/saferwall/ctf/log"
)

// NotificationIterator is one upstream source of notifications.
type NotificationIterator interface {
	// Next returns the next notification, ErrEndOfMedium once the
	// upstream is exhausted, or ErrTryAgain when a live upstream has
	// no data yet.
	Next() (Notification, error)
}

// SeekableIterator is a NotificationIterator that can restart from the
// beginning of its stream.
type SeekableIterator interface {
	NotificationIterator
	SeekBeginning() error
}

// An upstream and its current head notification.
type upstream struct {
	it    NotificationIterator
	head  Notification
	ts    int64
	hasTs bool
}

// reload fetches the upstream's next head. It reports whether a head
// is available; ErrEndOfMedium maps to (false, nil).
func (u *upstream) reload() (bool, error) {
	n, err := u.it.Next()
	if err != nil {
		if errors.Is(err, ErrEndOfMedium) {
			u.head = nil
			u.hasTs = false
			return false, nil
		}
		return false, err
	}
	u.head = n
	u.ts, u.hasTs = n.Timestamp()
	return true, nil
}

// notifStreamClassID extracts the stream class ID of a notification,
// 0 when it carries none.
func notifStreamClassID(n Notification) uint64 {
	switch v := n.(type) {
	case *StreamBeginning:
		return v.StreamClassID
	case *NewPacket:
		return v.StreamClassID
	case *Event:
		return v.StreamClassID
	case *EndOfPacket:
		return v.StreamClassID
	case *StreamEnd:
		return v.StreamClassID
	default:
		return 0
	}
}

func notifStreamID(n Notification) uint64 {
	switch v := n.(type) {
	case *StreamBeginning:
		return v.StreamID
	case *NewPacket:
		return v.StreamID
	case *Event:
		return v.StreamID
	case *EndOfPacket:
		return v.StreamID
	case *StreamEnd:
		return v.StreamID
	default:
		return 0
	}
}

func notifEventClassID(n Notification) uint64 {
	if ev, ok := n.(*Event); ok && ev.Class != nil {
		return ev.Class.ID
	}
	return 0
}

// compareNotifications is the deterministic total order applied when
// timestamps cannot decide: message type rank, then stream class ID,
// stream ID and event class ID.
func compareNotifications(a, b Notification) int {
	if ta, tb := a.NotificationType(), b.NotificationType(); ta != tb {
		if ta < tb {
			return -1
		}
		return 1
	}
	if ca, cb := notifStreamClassID(a), notifStreamClassID(b); ca != cb {
		if ca < cb {
			return -1
		}
		return 1
	}
	if sa, sb := notifStreamID(a), notifStreamID(b); sa != sb {
		if sa < sb {
			return -1
		}
		return 1
	}
	if ea, eb := notifEventClassID(a), notifEventClassID(b); ea != eb {
		if ea < eb {
			return -1
		}
		return 1
	}
	return 0
}

// older reports whether u's head must be emitted before v's.
//
// A head without a timestamp is older than one with a timestamp: the
// bookkeeping messages preceding timestamped traffic must drain first.
func (u *upstream) older(v *upstream) bool {
	switch {
	case u.hasTs && v.hasTs:
		if u.ts != v.ts {
			return u.ts < v.ts
		}
	case u.hasTs:
		return false
	case v.hasTs:
		return true
	}
	return compareNotifications(u.head, v.head) < 0
}

// upstreamHeap is a min-heap on head age: the root holds the oldest
// head notification.
type upstreamHeap []*upstream

func (h upstreamHeap) Len() int            { return len(h) }
func (h upstreamHeap) Less(i, j int) bool  { return h[i].older(h[j]) }
func (h upstreamHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *upstreamHeap) Push(x interface{}) { *h = append(*h, x.(*upstream)) }
func (h *upstreamHeap) Pop() interface{} {
	old := *h
	n := len(old)
	u := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return u
}

// Clock correlation expectation, set by the first StreamBeginning or
// Inactivity notification the muxer processes.
type clockExpectation uint8

const (
	clockExpectationUnset clockExpectation = iota
	// Expect no clock class.
	clockExpectationNone
	// Expect a clock class with a Unix epoch origin.
	clockExpectationUnix
	// Expect a clock class with a specific UUID.
	clockExpectationUUID
	// Expect one specific clock class instance.
	clockExpectationInstance
)

// MuxerOptions configures a Muxer.
type MuxerOptions struct {
	// Name identifies this muxer instance in error causes, by default
	// "muxer".
	Name string

	// A custom logger.
	Logger log.Logger
}

// Muxer merges N upstream notification iterators into one globally
// time-ordered notification sequence, enforcing inter-stream clock
// compatibility. It is single-threaded and cooperative: all waiting is
// delegated to ErrTryAgain propagation.
type Muxer struct {
	name      string
	upstreams []*upstream
	heap      upstreamHeap
	toReload  []*upstream
	logger    *log.Helper

	expectation   clockExpectation
	expectedUUID  uuid.UUID
	expectedClock *ClockClass

	// Latched terminal error.
	err error
}

// NewMuxer returns a muxer over the given upstreams.
func NewMuxer(upstreams []NotificationIterator, opts *MuxerOptions) (*Muxer, error) {
	if len(upstreams) == 0 {
		return nil, fmt.Errorf("%w: no upstreams", ErrInvalidArgument)
	}

	m := &Muxer{name: "muxer"}
	if opts != nil && opts.Name != "" {
		m.name = opts.Name
	}
	if opts == nil || opts.Logger == nil {
		m.logger = defaultLogger()
	} else {
		m.logger = log.NewHelper(opts.Logger)
	}

	for _, it := range upstreams {
		if it == nil {
			return nil, fmt.Errorf("%w: nil upstream", ErrInvalidArgument)
		}
		u := &upstream{it: it}
		m.upstreams = append(m.upstreams, u)
		m.toReload = append(m.toReload, u)
	}
	return m, nil
}

// ensureFullHeap reloads every upstream of the to-reload set and moves
// the live ones to the heap. Exhausted upstreams are dropped;
// ErrTryAgain keeps the remainder queued for the next call.
func (m *Muxer) ensureFullHeap() error {
	for len(m.toReload) > 0 {
		u := m.toReload[0]
		more, err := u.reload()
		if err != nil {
			if errors.Is(err, ErrTryAgain) {
				return ErrTryAgain
			}
			return err
		}
		m.toReload = m.toReload[1:]
		if more {
			heap.Push(&m.heap, u)
		}
	}
	return nil
}

// validateClockClass checks a notification's clock class against the
// expectation set by the first clocked notification ever processed.
func (m *Muxer) validateClockClass(n Notification) error {
	var cc *ClockClass
	switch v := n.(type) {
	case *StreamBeginning:
		cc = v.Clock
	case *Inactivity:
		cc = v.Clock
	default:
		// All the notifications of a given stream share the stream's
		// clock class: only stream beginnings and inactivity messages
		// need checking.
		return nil
	}

	if m.expectation == clockExpectationUnset {
		switch {
		case cc == nil:
			m.expectation = clockExpectationNone
		case cc.OriginIsUnixEpoch:
			m.expectation = clockExpectationUnix
		case cc.UUID != nil:
			m.expectation = clockExpectationUUID
			m.expectedUUID = *cc.UUID
		default:
			m.expectation = clockExpectationInstance
			m.expectedClock = cc
		}
		return nil
	}

	switch m.expectation {
	case clockExpectationNone:
		if cc != nil {
			return fmt.Errorf("%w: expecting no clock class, but got one: "+
				"clock-class-name=%s", ErrCorruptTrace, cc.Name)
		}

	case clockExpectationUnix:
		if cc == nil {
			return fmt.Errorf("%w: expecting a clock class, but got none",
				ErrCorruptTrace)
		}
		if !cc.OriginIsUnixEpoch {
			return fmt.Errorf("%w: expecting a clock class having a Unix "+
				"epoch origin, but got one not having a Unix epoch origin: "+
				"clock-class-name=%s", ErrCorruptTrace, cc.Name)
		}

	case clockExpectationUUID:
		if cc == nil {
			return fmt.Errorf("%w: expecting a clock class, but got none",
				ErrCorruptTrace)
		}
		if cc.OriginIsUnixEpoch {
			return fmt.Errorf("%w: expecting a clock class not having a Unix "+
				"epoch origin, but got one having a Unix epoch origin: "+
				"clock-class-name=%s", ErrCorruptTrace, cc.Name)
		}
		if cc.UUID == nil {
			return fmt.Errorf("%w: expecting a clock class with a UUID, but "+
				"got one without a UUID: clock-class-name=%s", ErrCorruptTrace,
				cc.Name)
		}
		if *cc.UUID != m.expectedUUID {
			return fmt.Errorf("%w: expecting a clock class with a specific "+
				"UUID, but got one with a different UUID: clock-class-name=%s, "+
				"expected-uuid=%s, uuid=%s", ErrCorruptTrace, cc.Name,
				m.expectedUUID, *cc.UUID)
		}

	case clockExpectationInstance:
		if cc == nil {
			return fmt.Errorf("%w: expecting a clock class, but got none",
				ErrCorruptTrace)
		}
		if cc != m.expectedClock {
			return fmt.Errorf("%w: unexpected clock class: "+
				"expected-clock-class-name=%s, actual-clock-class-name=%s",
				ErrCorruptTrace, m.expectedClock.Name, cc.Name)
		}
	}
	return nil
}

// fail latches a terminal error: every further Next returns it.
func (m *Muxer) fail(err error) error {
	m.err = err
	m.logger.Errorf("muxer failed: %v", err)
	return err
}

// Next returns the globally oldest notification across the upstreams.
//
// ErrTryAgain propagates unchanged when a live upstream has no data
// yet. ErrEndOfMedium is returned once every upstream has ended. Any
// other error is terminal.
func (m *Muxer) Next() (Notification, error) {
	if m.err != nil {
		return nil, m.err
	}

	// Make sure every upstream is part of the heap.
	if err := m.ensureFullHeap(); err != nil {
		if errors.Is(err, ErrTryAgain) {
			return nil, ErrTryAgain
		}
		return nil, m.fail(err)
	}

	if m.heap.Len() == 0 {
		// No more upstream notifications.
		return nil, ErrEndOfMedium
	}

	oldest := m.heap[0]
	if err := m.validateClockClass(oldest.head); err != nil {
		return nil, m.fail(fmt.Errorf("%s: %w", m.name, err))
	}
	n := oldest.head

	// Immediately reload the emitted upstream: one replace-top is a
	// single heap rebalance, not two.
	more, err := oldest.reload()
	switch {
	case err == nil && more:
		heap.Fix(&m.heap, 0)
	case err == nil:
		heap.Pop(&m.heap)
	case errors.Is(err, ErrTryAgain):
		heap.Pop(&m.heap)
		m.toReload = append(m.toReload, oldest)
	default:
		return nil, m.fail(err)
	}

	return n, nil
}

// SeekBeginning restarts every upstream from the beginning. The
// operation is all-or-nothing: on any upstream failure the muxer is
// unusable and must be rebuilt.
func (m *Muxer) SeekBeginning() error {
	for _, u := range m.upstreams {
		if _, ok := u.it.(SeekableIterator); !ok {
			return fmt.Errorf("%w: upstream cannot seek its beginning",
				ErrInvalidArgument)
		}
	}

	// Irreversible from here: only process m.upstreams.
	m.heap = m.heap[:0]
	m.toReload = m.toReload[:0]
	m.err = nil

	for _, u := range m.upstreams {
		if err := u.it.(SeekableIterator).SeekBeginning(); err != nil {
			return m.fail(fmt.Errorf("seeking an upstream: %w", err))
		}
		u.head = nil
		u.hasTs = false
	}

	for _, u := range m.upstreams {
		m.toReload = append(m.toReload, u)
	}
	return nil
}
