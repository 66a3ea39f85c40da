// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ctf

import (
	"errors"
	"fmt"

	"github.com/saferwall/ctf/log"
)

// unknownSize marks a packet or content size not yet decoded.
const unknownSize = ^uint64(0)

// Iterator states.
type iterState uint8

const (
	iterStateInit iterState = iota
	iterStatePacketHeaderBegin
	iterStatePacketHeaderContinue
	iterStateAfterPacketHeader
	iterStateEmitStreamBeginning
	iterStatePacketContextBegin
	iterStatePacketContextContinue
	iterStateAfterPacketContext
	iterStateEmitNewPacket
	iterStateEventHeaderBegin
	iterStateEventHeaderContinue
	iterStateAfterEventHeader
	iterStateStreamEventContextBegin
	iterStateStreamEventContextContinue
	iterStateEventContextBegin
	iterStateEventContextContinue
	iterStateEventPayloadBegin
	iterStateEventPayloadContinue
	iterStateEmitEvent
	iterStateEmitEndOfPacket
	iterStateSkipPacketPadding
	iterStateEnded
)

// IteratorOptions configures an Iterator.
type IteratorOptions struct {
	// MaxRequestSize caps each Medium.RequestBytes call, by default
	// MaxDefaultRequestSize.
	MaxRequestSize int

	// A custom logger.
	Logger log.Logger
}

// Iterator decodes the packets of one data stream into notifications.
// It drives one TypeReader through the per-packet sequence of dynamic
// scopes, resolving stream classes, event classes, variant selections
// and sequence lengths from previously decoded scopes.
type Iterator struct {
	trace      *Trace
	medium     Medium
	maxRequest int
	logger     *log.Helper
	btr        *TypeReader

	state iterState

	// Mirror of the reader's visit stack: the compound (or string)
	// fields being filled.
	stack []Field

	// Current dynamic scope fields, indexed by Scope.
	dscopes [scopeCount]*StructField
	// Scope being decoded by the reader.
	curScope Scope

	// Resolved metadata for the current packet.
	streamClass *StreamClass
	eventClass  *EventClass
	// Stream class of the last fully resolved packet; survives the
	// per-packet reset so a trailing StreamEnd can name it.
	lastStreamClassID uint64

	// Stream instance, resolved through the medium.
	streamID   uint64
	haveStream bool

	// Current medium buffer.
	buf struct {
		data []byte
		// Size in bytes.
		sz int
		// Bits consumed within data.
		at int
		// Bit offset of data[0] within the current packet. Negative
		// when the buffer started inside the previous packet.
		packetOffset int64
	}

	// Current packet and content sizes in bits, unknownSize until the
	// packet context is decoded.
	curPacketSize  uint64
	curContentSize uint64

	// Packet bit offset where the current event started.
	eventStartAt uint64

	// Current value of the stream clock, in cycles.
	clockVal uint64

	emittedBeginning bool

	// Latched terminal error.
	err error
}

// NewIterator returns an iterator decoding the given trace's bytes
// from medium.
func NewIterator(trace *Trace, medium Medium, opts *IteratorOptions) (*Iterator, error) {
	if trace == nil || medium == nil {
		return nil, fmt.Errorf("%w: nil trace or medium", ErrInvalidArgument)
	}

	it := &Iterator{
		trace:      trace,
		medium:     medium,
		maxRequest: MaxDefaultRequestSize,
	}
	if opts != nil && opts.MaxRequestSize > 0 {
		it.maxRequest = opts.MaxRequestSize
	}
	if opts == nil || opts.Logger == nil {
		it.logger = defaultLogger()
	} else {
		it.logger = log.NewHelper(opts.Logger)
	}

	it.btr = NewTypeReader(Callbacks{
		OnSignedInt:          it.onSignedInt,
		OnUnsignedInt:        it.onUnsignedInt,
		OnFloat:              it.onFloat,
		OnStringBegin:        it.onStringBegin,
		OnString:             it.onString,
		OnStringEnd:          it.onStringEnd,
		OnCompoundBegin:      it.onCompoundBegin,
		OnCompoundEnd:        it.onCompoundEnd,
		QuerySequenceLength:  it.querySequenceLength,
		QueryVariantSelected: it.queryVariantSelected,
	}, nil)

	it.Reset()
	return it, nil
}

// Reset restarts the iterator from scratch, e.g. after a seek. Any
// latched error is cleared.
func (it *Iterator) Reset() {
	it.stack = it.stack[:0]
	it.dscopes = [scopeCount]*StructField{}
	it.streamClass = nil
	it.eventClass = nil
	it.haveStream = false
	it.buf.data = nil
	it.buf.sz = 0
	it.buf.at = 0
	it.buf.packetOffset = 0
	it.curPacketSize = unknownSize
	it.curContentSize = unknownSize
	it.clockVal = 0
	it.emittedBeginning = false
	it.state = iterStateInit
	it.err = nil
}

// SeekBeginning repositions the iterator at the start of its stream.
// The medium must be seekable.
func (it *Iterator) SeekBeginning() error {
	sm, ok := it.medium.(SeekableMedium)
	if !ok {
		return fmt.Errorf("%w: medium is not seekable", ErrInvalidArgument)
	}
	if err := sm.SeekToPacket(0); err != nil {
		return err
	}
	it.Reset()
	return nil
}

func (it *Iterator) availableBits() int {
	return it.buf.sz*8 - it.buf.at
}

func (it *Iterator) packetAt() uint64 {
	return uint64(it.buf.packetOffset + int64(it.buf.at))
}

func (it *Iterator) consumeBits(n int) {
	it.buf.at += n
}

// requestBytes asks the medium for the next buffer. The new packet
// offset is the old one plus the old buffer size: buffers concatenate
// without gaps.
func (it *Iterator) requestBytes() error {
	buf, err := it.medium.RequestBytes(it.maxRequest)
	if err != nil {
		return err
	}
	it.buf.packetOffset += int64(it.buf.sz) * 8
	it.buf.at = 0
	it.buf.data = buf
	it.buf.sz = len(buf)
	return nil
}

func (it *Iterator) ensureAvailableBits() error {
	if it.availableBits() == 0 {
		return it.requestBytes()
	}
	return nil
}

// readDscopeBegin starts decoding one dynamic scope. A nil scope type
// is skipped.
func (it *Iterator) readDscopeBegin(ft *StructType, scope Scope,
	done, cont iterState) error {
	if ft == nil {
		it.dscopes[scope] = nil
		it.state = done
		return nil
	}

	if err := it.ensureAvailableBits(); err != nil {
		return err
	}

	it.dscopes[scope] = nil
	it.curScope = scope
	consumed, err := it.btr.Start(ft, it.buf.data[:it.buf.sz], it.buf.at,
		it.packetAt())
	switch {
	case err == nil:
		it.state = done
	case errors.Is(err, ErrEndOfMedium):
		it.state = cont
	default:
		return fmt.Errorf("decoding %s: %w", scope, err)
	}
	it.consumeBits(consumed)
	return nil
}

// readDscopeContinue resumes the reader with a fresh buffer.
func (it *Iterator) readDscopeContinue(done iterState) error {
	if err := it.ensureAvailableBits(); err != nil {
		return err
	}

	consumed, err := it.btr.Continue(it.buf.data[:it.buf.sz])
	switch {
	case err == nil:
		it.state = done
	case errors.Is(err, ErrEndOfMedium):
		// Stay in this continue state.
	default:
		return fmt.Errorf("decoding %s: %w", it.curScope, err)
	}
	it.consumeBits(consumed)
	return nil
}

// startNewPacket rebases the packet offset so the next packet begins
// at bit 0 and forgets the per-packet sizes.
func (it *Iterator) startNewPacket() {
	if it.curPacketSize == unknownSize {
		it.buf.packetOffset = -int64(it.buf.at)
	} else {
		it.buf.packetOffset -= int64(it.curPacketSize)
	}
	it.curPacketSize = unknownSize
	it.curContentSize = unknownSize
}

// setCurrentStreamClass resolves the stream class from the packet
// header's stream_id field, or from the only declared stream class.
func (it *Iterator) setCurrentStreamClass() error {
	var classID uint64
	found := false

	if ht := it.trace.PacketHeaderType; ht != nil && ht.MemberIndex("stream_id") >= 0 {
		hdr := it.dscopes[ScopeTracePacketHeader]
		if hdr == nil {
			return fmt.Errorf("%w: no decoded packet header", ErrCorruptTrace)
		}
		f := hdr.Field("stream_id")
		if f == nil {
			return fmt.Errorf("%w: no stream_id field in packet header",
				ErrCorruptTrace)
		}
		v, ok := unsignedValue(f)
		if !ok {
			return fmt.Errorf("%w: stream_id field is not an integer",
				ErrCorruptTrace)
		}
		classID = v
		found = true
	}

	if !found {
		if len(it.trace.StreamClasses) != 1 {
			return fmt.Errorf("%w: no stream_id field and %d declared stream "+
				"classes", ErrCorruptTrace, len(it.trace.StreamClasses))
		}
		classID = it.trace.StreamClasses[0].ID
	}

	sc := it.trace.StreamClassByID(classID)
	if sc == nil {
		return fmt.Errorf("%w: unknown stream class ID %d", ErrCorruptTrace,
			classID)
	}
	it.streamClass = sc
	it.lastStreamClassID = sc.ID

	if !it.haveStream {
		id, err := it.medium.Stream(sc.ID)
		if err != nil {
			return fmt.Errorf("cannot borrow stream for stream class %d: %w",
				sc.ID, err)
		}
		it.streamID = id
		it.haveStream = true
	}
	return nil
}

// setCurrentPacketSizes applies the packet sizing rules from the
// decoded stream packet context.
func (it *Iterator) setCurrentPacketSizes() error {
	packetSize := unknownSize
	contentSize := unknownSize

	if ctx := it.dscopes[ScopeStreamPacketContext]; ctx != nil {
		if f := ctx.Field("packet_size"); f != nil {
			v, ok := unsignedValue(f)
			if !ok {
				return fmt.Errorf("%w: packet_size field is not an integer",
					ErrCorruptTrace)
			}
			if v == 0 {
				return fmt.Errorf("%w: decoded packet size is 0", ErrCorruptTrace)
			}
			if v%8 != 0 {
				return fmt.Errorf("%w: decoded packet size %d is not a "+
					"multiple of 8", ErrCorruptTrace, v)
			}
			packetSize = v
		}
		if f := ctx.Field("content_size"); f != nil {
			v, ok := unsignedValue(f)
			if !ok {
				return fmt.Errorf("%w: content_size field is not an integer",
					ErrCorruptTrace)
			}
			contentSize = v
		}
	}

	if contentSize == unknownSize {
		contentSize = packetSize
	}
	if packetSize != unknownSize && contentSize > packetSize {
		return fmt.Errorf("%w: content size %d is larger than packet size %d",
			ErrCorruptTrace, contentSize, packetSize)
	}

	it.curPacketSize = packetSize
	it.curContentSize = contentSize
	return nil
}

// setCurrentEventClass resolves the event class from the stream event
// header: a direct id field first, a nested v.id field when the header
// declares no id member, the only declared event class last.
func (it *Iterator) setCurrentEventClass() error {
	sc := it.streamClass
	eventID := unknownSize

	hdr := it.dscopes[ScopeStreamEventHeader]
	if ht := sc.EventHeaderType; ht != nil && hdr != nil {
		if ht.MemberIndex("id") < 0 && ht.MemberIndex("v") >= 0 {
			// Single-event v-variant idiom: the ID hides inside the
			// selected option of a variant named v.
			if vf, ok := hdr.Field("v").(*VariantField); ok && vf.Selected != nil {
				if vs, ok := vf.Selected.(*StructField); ok {
					if idf := vs.Field("id"); idf != nil {
						if v, ok := unsignedValue(idf); ok {
							eventID = v
						}
					}
				}
			}
		}
		if eventID == unknownSize && ht.MemberIndex("id") >= 0 {
			idf := hdr.Field("id")
			if idf == nil {
				return fmt.Errorf("%w: no id field in stream event header",
					ErrCorruptTrace)
			}
			v, ok := unsignedValue(idf)
			if !ok {
				return fmt.Errorf("%w: id field is not an integer",
					ErrCorruptTrace)
			}
			eventID = v
		}
	}

	if eventID == unknownSize {
		// Event ID not found: single event?
		if len(sc.EventClasses) != 1 {
			return fmt.Errorf("%w: no event ID and %d declared event classes",
				ErrCorruptTrace, len(sc.EventClasses))
		}
		eventID = sc.EventClasses[0].ID
	}

	ec := sc.EventClassByID(eventID)
	if ec == nil {
		return fmt.Errorf("%w: unknown event class ID %d", ErrCorruptTrace,
			eventID)
	}
	it.eventClass = ec
	return nil
}

// State handlers.

func (it *Iterator) readPacketHeaderBegin() error {
	// Reading a new packet: drop every dynamic scope and the resolved
	// classes.
	it.dscopes = [scopeCount]*StructField{}
	it.streamClass = nil
	it.eventClass = nil

	return it.readDscopeBegin(it.trace.PacketHeaderType,
		ScopeTracePacketHeader, iterStateAfterPacketHeader,
		iterStatePacketHeaderContinue)
}

func (it *Iterator) afterPacketHeader() error {
	if err := it.setCurrentStreamClass(); err != nil {
		return err
	}
	if !it.emittedBeginning {
		it.state = iterStateEmitStreamBeginning
	} else {
		it.state = iterStatePacketContextBegin
	}
	return nil
}

func (it *Iterator) readPacketContextBegin() error {
	return it.readDscopeBegin(it.streamClass.PacketContextType,
		ScopeStreamPacketContext, iterStateAfterPacketContext,
		iterStatePacketContextContinue)
}

func (it *Iterator) afterPacketContext() error {
	if err := it.setCurrentPacketSizes(); err != nil {
		return err
	}
	it.state = iterStateEmitNewPacket
	return nil
}

func (it *Iterator) readEventHeaderBegin() error {
	// Any content left in this packet?
	if it.curContentSize != unknownSize {
		at := it.packetAt()
		if at == it.curContentSize {
			// No more events.
			it.state = iterStateEmitEndOfPacket
			return nil
		} else if at > it.curContentSize {
			return fmt.Errorf("%w: cursor %d passed the packet content size %d",
				ErrCorruptTrace, at, it.curContentSize)
		}
	}

	// Reading a new event: drop the four event scopes.
	it.eventStartAt = it.packetAt()
	it.dscopes[ScopeStreamEventHeader] = nil
	it.dscopes[ScopeStreamEventContext] = nil
	it.dscopes[ScopeEventContext] = nil
	it.dscopes[ScopeEventPayload] = nil
	it.eventClass = nil

	return it.readDscopeBegin(it.streamClass.EventHeaderType,
		ScopeStreamEventHeader, iterStateAfterEventHeader,
		iterStateEventHeaderContinue)
}

func (it *Iterator) afterEventHeader() error {
	if err := it.setCurrentEventClass(); err != nil {
		return err
	}
	it.state = iterStateStreamEventContextBegin
	return nil
}

func (it *Iterator) readStreamEventContextBegin() error {
	return it.readDscopeBegin(it.streamClass.EventContextType,
		ScopeStreamEventContext, iterStateEventContextBegin,
		iterStateStreamEventContextContinue)
}

func (it *Iterator) readEventContextBegin() error {
	return it.readDscopeBegin(it.eventClass.ContextType, ScopeEventContext,
		iterStateEventPayloadBegin, iterStateEventContextContinue)
}

func (it *Iterator) readEventPayloadBegin() error {
	return it.readDscopeBegin(it.eventClass.PayloadType, ScopeEventPayload,
		iterStateEmitEvent, iterStateEventPayloadContinue)
}

func (it *Iterator) skipPacketPadding() error {
	if it.curPacketSize == unknownSize || it.curPacketSize == it.packetAt() {
		it.startNewPacket()
		it.state = iterStatePacketHeaderBegin
		return nil
	}

	if err := it.ensureAvailableBits(); err != nil {
		return err
	}

	toSkip := it.curPacketSize - it.packetAt()
	n := uint64(it.availableBits())
	if toSkip < n {
		n = toSkip
	}
	it.consumeBits(int(n))
	if it.packetAt() == it.curPacketSize {
		it.startNewPacket()
		it.state = iterStatePacketHeaderBegin
	}
	return nil
}

func (it *Iterator) handleState() error {
	switch it.state {
	case iterStateInit:
		it.state = iterStatePacketHeaderBegin
	case iterStatePacketHeaderBegin:
		return it.readPacketHeaderBegin()
	case iterStatePacketHeaderContinue:
		return it.readDscopeContinue(iterStateAfterPacketHeader)
	case iterStateAfterPacketHeader:
		return it.afterPacketHeader()
	case iterStatePacketContextBegin:
		return it.readPacketContextBegin()
	case iterStatePacketContextContinue:
		return it.readDscopeContinue(iterStateAfterPacketContext)
	case iterStateAfterPacketContext:
		return it.afterPacketContext()
	case iterStateEventHeaderBegin:
		return it.readEventHeaderBegin()
	case iterStateEventHeaderContinue:
		return it.readDscopeContinue(iterStateAfterEventHeader)
	case iterStateAfterEventHeader:
		return it.afterEventHeader()
	case iterStateStreamEventContextBegin:
		return it.readStreamEventContextBegin()
	case iterStateStreamEventContextContinue:
		return it.readDscopeContinue(iterStateEventContextBegin)
	case iterStateEventContextBegin:
		return it.readEventContextBegin()
	case iterStateEventContextContinue:
		return it.readDscopeContinue(iterStateEventPayloadBegin)
	case iterStateEventPayloadBegin:
		return it.readEventPayloadBegin()
	case iterStateEventPayloadContinue:
		return it.readDscopeContinue(iterStateEmitEvent)
	case iterStateSkipPacketPadding:
		return it.skipPacketPadding()
	case iterStateEnded:
	}
	return nil
}

// Notification construction.

func (it *Iterator) newStreamBeginning() *StreamBeginning {
	return &StreamBeginning{
		StreamID:      it.streamID,
		StreamClassID: it.streamClass.ID,
		Clock:         it.streamClass.Clock,
	}
}

func (it *Iterator) newNewPacket() *NewPacket {
	return &NewPacket{
		StreamID:      it.streamID,
		StreamClassID: it.streamClass.ID,
		Header:        it.dscopes[ScopeTracePacketHeader],
		Context:       it.dscopes[ScopeStreamPacketContext],
	}
}

func (it *Iterator) newEvent() *Event {
	ev := &Event{
		StreamID:      it.streamID,
		StreamClassID: it.streamClass.ID,
		Class:         it.eventClass,
		Header:        it.dscopes[ScopeStreamEventHeader],
		StreamContext: it.dscopes[ScopeStreamEventContext],
		Context:       it.dscopes[ScopeEventContext],
		Payload:       it.dscopes[ScopeEventPayload],
	}
	if cc := it.streamClass.Clock; cc != nil {
		ev.setTimestamp(cc.CyclesToNs(it.clockVal))
	}
	return ev
}

func (it *Iterator) newEndOfPacket() *EndOfPacket {
	return &EndOfPacket{
		StreamID:      it.streamID,
		StreamClassID: it.streamClass.ID,
	}
}

func (it *Iterator) newStreamEnd() *StreamEnd {
	return &StreamEnd{
		StreamID:      it.streamID,
		StreamClassID: it.lastStreamClassID,
	}
}

// fail latches a terminal error: every further Next returns it.
func (it *Iterator) fail(err error) error {
	it.err = err
	it.logger.Errorf("notification iterator failed: %v", err)
	return err
}

// Next returns the next notification of the stream.
//
// ErrTryAgain propagates unchanged when the medium has no data yet;
// the caller retries. ErrEndOfMedium is returned once the stream is
// exhausted, after a final StreamEnd notification. Any other error is
// terminal: subsequent calls return the same error until Reset.
func (it *Iterator) Next() (Notification, error) {
	if it.err != nil {
		return nil, it.err
	}

	for {
		if it.state == iterStateEnded {
			return nil, ErrEndOfMedium
		}

		if err := it.handleState(); err != nil {
			switch {
			case errors.Is(err, ErrTryAgain):
				// Not latched: the caller retries the same call.
				return nil, ErrTryAgain
			case errors.Is(err, ErrEndOfMedium):
				return it.handleEndOfMedium()
			default:
				return nil, it.fail(err)
			}
		}

		// Emitting state reached?
		switch it.state {
		case iterStateEmitStreamBeginning:
			it.emittedBeginning = true
			it.state = iterStatePacketContextBegin
			return it.newStreamBeginning(), nil
		case iterStateEmitNewPacket:
			it.state = iterStateEventHeaderBegin
			return it.newNewPacket(), nil
		case iterStateEmitEvent:
			it.state = iterStateEventHeaderBegin
			return it.newEvent(), nil
		case iterStateEmitEndOfPacket:
			it.state = iterStateSkipPacketPadding
			return it.newEndOfPacket(), nil
		}
	}
}

// atEventBegin tells whether the iterator is about to begin one of the
// four event scopes. Whether any scope of the event already consumed
// data is not checked here.
func (it *Iterator) atEventBegin() bool {
	switch it.state {
	case iterStateEventHeaderBegin, iterStateStreamEventContextBegin,
		iterStateEventContextBegin, iterStateEventPayloadBegin:
		return true
	default:
		return false
	}
}

// handleEndOfMedium classifies an exhausted medium: a clean stream
// end at a packet boundary, the end of a packet whose content size was
// unknown, or a truncated packet.
func (it *Iterator) handleEndOfMedium() (Notification, error) {
	switch {
	case (it.state == iterStatePacketHeaderBegin ||
		it.state == iterStatePacketContextBegin) && it.packetAt() == 0:
		// Clean boundary between packets. The context-begin case covers
		// traces declaring no packet header type at all.
		it.state = iterStateEnded
		if it.emittedBeginning {
			return it.newStreamEnd(), nil
		}
		return nil, ErrEndOfMedium

	case it.atEventBegin() && it.curContentSize == unknownSize &&
		it.packetAt() == it.eventStartAt:
		// A packet of unknown size ends with the medium, right between
		// two events.
		it.state = iterStateSkipPacketPadding
		return it.newEndOfPacket(), nil

	default:
		return nil, it.fail(fmt.Errorf("%w: premature end of medium",
			ErrCorruptTrace))
	}
}

// TypeReader callback bridging: build the field tree mirroring the
// reader's visit stack.

func (it *Iterator) top() Field {
	return it.stack[len(it.stack)-1]
}

func (it *Iterator) attachBasic(f Field) error {
	if len(it.stack) == 0 {
		return fmt.Errorf("%w: basic field with no base", ErrCorruptTrace)
	}
	appendChild(it.top(), f)
	return nil
}

func (it *Iterator) onSignedInt(v int64, ft FieldType) error {
	return it.attachBasic(&SignedField{Type: ft, Value: v})
}

func (it *Iterator) onUnsignedInt(v uint64, ft FieldType) error {
	if t := intTypeOf(ft); t != nil && t.MappedClock != nil {
		it.updateClock(v, t.Size)
	}
	return it.attachBasic(&UnsignedField{Type: ft, Value: v})
}

func (it *Iterator) onFloat(v float64, ft *FloatType) error {
	return it.attachBasic(&FloatField{Type: ft, Value: v})
}

func (it *Iterator) onStringBegin(ft *StringType) error {
	f := &StringField{Type: ft}
	if err := it.attachBasic(f); err != nil {
		return err
	}
	// Not a compound type per se, but only onString calls may happen
	// between here and the matching onStringEnd.
	it.stack = append(it.stack, f)
	return nil
}

func (it *Iterator) onString(s []byte, ft *StringType) error {
	f, ok := it.top().(*StringField)
	if !ok {
		return fmt.Errorf("%w: substring with no string field", ErrCorruptTrace)
	}
	f.Value += string(s)
	return nil
}

func (it *Iterator) onStringEnd(ft *StringType) error {
	it.stack = it.stack[:len(it.stack)-1]
	return nil
}

func (it *Iterator) onCompoundBegin(ft FieldType) error {
	var f Field
	switch t := ft.(type) {
	case *StructType:
		f = &StructField{Type: t}
	case *ArrayType, *SequenceType:
		f = &ArrayField{Type: ft}
	case *VariantType:
		f = &VariantField{Type: t}
	default:
		return fmt.Errorf("%w: unexpected compound field type", ErrCorruptTrace)
	}

	if len(it.stack) == 0 {
		// Root: the dynamic scope field itself.
		sf, ok := f.(*StructField)
		if !ok {
			return fmt.Errorf("%w: dynamic scope root is not a structure",
				ErrCorruptTrace)
		}
		it.dscopes[it.curScope] = sf
	} else {
		appendChild(it.top(), f)
	}

	it.stack = append(it.stack, f)
	return nil
}

func (it *Iterator) onCompoundEnd(ft FieldType) error {
	it.stack = it.stack[:len(it.stack)-1]
	return nil
}

// updateClock applies a partial-width clock value, keeping the clock
// monotonic across wraps of the narrow field.
func (it *Iterator) updateClock(v uint64, size int) {
	if size >= 64 {
		it.clockVal = v
		return
	}
	mask := uint64(1)<<size - 1
	updated := it.clockVal&^mask | v&mask
	if updated < it.clockVal {
		updated += mask + 1
	}
	it.clockVal = updated
}

// resolveFieldPath walks a field path from its scope root, indexing
// structures by position and following variant selections.
func (it *Iterator) resolveFieldPath(p FieldPath) (Field, error) {
	if int(p.Root) >= scopeCount {
		return nil, fmt.Errorf("%w: invalid field path root", ErrCorruptTrace)
	}
	root := it.dscopes[p.Root]
	if root == nil {
		return nil, fmt.Errorf("%w: scope %s not decoded yet", ErrCorruptTrace,
			p.Root)
	}

	var f Field = root
	for _, idx := range p.Indexes {
		switch v := f.(type) {
		case *StructField:
			if idx < 0 || idx >= len(v.Fields) {
				return nil, fmt.Errorf("%w: field path index %d not decoded "+
					"yet in %s", ErrCorruptTrace, idx, p.Root)
			}
			f = v.Fields[idx]
		case *VariantField:
			if v.Selected == nil {
				return nil, fmt.Errorf("%w: variant on field path has no "+
					"selection", ErrCorruptTrace)
			}
			f = v.Selected
		default:
			return nil, fmt.Errorf("%w: field path crosses a non-indexable "+
				"field", ErrCorruptTrace)
		}
	}
	return f, nil
}

func (it *Iterator) querySequenceLength(ft *SequenceType) (uint64, error) {
	f, err := it.resolveFieldPath(ft.LengthPath)
	if err != nil {
		return 0, err
	}
	v, ok := unsignedValue(f)
	if !ok {
		return 0, fmt.Errorf("%w: sequence length field is not an integer",
			ErrCorruptTrace)
	}
	if int64(v) < 0 {
		return 0, fmt.Errorf("%w: invalid sequence length %d", ErrCorruptTrace,
			int64(v))
	}
	return v, nil
}

func (it *Iterator) queryVariantSelected(ft *VariantType) (FieldType, error) {
	tag, err := it.resolveFieldPath(ft.TagPath)
	if err != nil {
		return nil, err
	}
	et, ok := tag.FieldType().(*EnumType)
	if !ok {
		return nil, fmt.Errorf("%w: variant tag is not an enumeration",
			ErrCorruptTrace)
	}
	raw, ok := unsignedValue(tag)
	if !ok {
		return nil, fmt.Errorf("%w: variant tag has no value", ErrCorruptTrace)
	}
	label := et.Label(raw)
	if label == "" {
		return nil, fmt.Errorf("%w: variant tag value %d has no label",
			ErrCorruptTrace, raw)
	}
	opt := ft.Option(label)
	if opt == nil {
		return nil, fmt.Errorf("%w: variant has no option %q", ErrCorruptTrace,
			label)
	}
	return opt, nil
}
