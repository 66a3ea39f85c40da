// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ctf

import (
	"bytes"
	"fmt"
	"math"

	"github.com/saferwall/ctf/log"
)

// Callbacks receive decoded values and compound boundaries from a
// TypeReader, and answer its two dynamic queries. Any callback may be
// nil; a non-nil callback returning an error aborts decoding.
type Callbacks struct {
	// OnSignedInt is called for each signed integer or enumeration.
	// ft is the *IntType or *EnumType being decoded.
	OnSignedInt func(v int64, ft FieldType) error
	// OnUnsignedInt is called for each unsigned integer or
	// enumeration.
	OnUnsignedInt func(v uint64, ft FieldType) error
	// OnFloat is called for each floating point number.
	OnFloat func(v float64, ft *FloatType) error

	// OnStringBegin, OnString and OnStringEnd bound a string value:
	// zero or more substrings between begin and end, because a string
	// may span several buffers.
	OnStringBegin func(ft *StringType) error
	OnString      func(s []byte, ft *StringType) error
	OnStringEnd   func(ft *StringType) error

	// OnCompoundBegin and OnCompoundEnd bound structures, arrays,
	// sequences and variants.
	OnCompoundBegin func(ft FieldType) error
	OnCompoundEnd   func(ft FieldType) error

	// QuerySequenceLength is invoked on entering a sequence.
	QuerySequenceLength func(ft *SequenceType) (uint64, error)
	// QueryVariantSelected is invoked on entering a variant and
	// returns the selected option type.
	QueryVariantSelected func(ft *VariantType) (FieldType, error)
}

// Reading states.
type readerState uint8

const (
	stateNextField readerState = iota
	stateAlignBasic
	stateAlignCompound
	stateReadBasicBegin
	stateReadBasicContinue
	stateDone
)

func (s readerState) String() string {
	switch s {
	case stateNextField:
		return "next-field"
	case stateAlignBasic:
		return "align-basic"
	case stateAlignCompound:
		return "align-compound"
	case stateReadBasicBegin:
		return "read-basic-begin"
	case stateReadBasicContinue:
		return "read-basic-continue"
	case stateDone:
		return "done"
	default:
		return "(unknown)"
	}
}

// A visit stack frame: a compound base type, its child count (always 1
// for variants) and the index of the next child to read.
type readerFrame struct {
	base   FieldType
	length uint64
	index  uint64
}

// TypeReader is an event-driven, resumable bit-level decoder for a
// single field type. Start decodes a root type from a byte buffer,
// invoking the callbacks for every primitive value and compound
// boundary; when the buffer runs out mid-type it returns ErrEndOfMedium
// and Continue resumes with the next buffer.
type TypeReader struct {
	cbs    Callbacks
	logger *log.Helper

	stack []readerFrame

	// Current basic field type.
	cur FieldType

	state readerState

	// Byte order of the last decoded basic field. Two contiguous basic
	// fields whose common boundary is not a byte boundary cannot have
	// different byte orders.
	lastBO ByteOrder
	curBO  ByteOrder

	// Stitch buffer, reassembling one basic field whose bits span two
	// successive medium buffers.
	stitch struct {
		buf [16]byte
		// Bit offset of the first data bit within buf.
		offset int
		// Bits accumulated from offset.
		at int
	}

	// Current user buffer.
	buf struct {
		data []byte
		// Bit offset of the decoding window within data.
		offset int
		// Bits consumed from offset.
		at int
		// Data size from offset, in bits.
		size int
		// Absolute packet bit offset of the window start.
		packetOffset uint64
	}
}

// NewTypeReader returns a reader delivering to the given callbacks.
func NewTypeReader(cbs Callbacks, logger log.Logger) *TypeReader {
	r := &TypeReader{cbs: cbs, state: stateNextField}
	if logger == nil {
		r.logger = defaultLogger()
	} else {
		r.logger = log.NewHelper(logger)
	}
	return r
}

func (r *TypeReader) availableBits() int {
	return r.buf.size - r.buf.at
}

func (r *TypeReader) bufAt() int {
	return r.buf.offset + r.buf.at
}

func (r *TypeReader) packetAt() uint64 {
	return r.buf.packetOffset + uint64(r.buf.at)
}

func (r *TypeReader) consumeBits(n int) {
	r.buf.at += n
}

func (r *TypeReader) reset() {
	r.stack = r.stack[:0]
	r.stitch.offset = 0
	r.stitch.at = 0
	r.buf.data = nil
	r.cur = nil
	r.lastBO = ByteOrderUnknown
	r.curBO = ByteOrderUnknown
}

func (r *TypeReader) top() *readerFrame {
	return &r.stack[len(r.stack)-1]
}

// compoundLength returns the child count of a compound type, querying
// the user for sequence lengths.
func (r *TypeReader) compoundLength(ft FieldType) (uint64, error) {
	switch t := ft.(type) {
	case *StructType:
		return uint64(len(t.Members)), nil
	case *VariantType:
		// Variant types always contain a single type.
		return 1, nil
	case *ArrayType:
		return t.Length, nil
	case *SequenceType:
		if r.cbs.QuerySequenceLength == nil {
			return 0, fmt.Errorf("%w: no sequence length query", ErrCallback)
		}
		return r.cbs.QuerySequenceLength(t)
	default:
		return 0, fmt.Errorf("%w: not a compound field type", ErrCorruptTrace)
	}
}

func (r *TypeReader) push(base FieldType) error {
	length, err := r.compoundLength(base)
	if err != nil {
		r.logger.Errorf("cannot get compound field type's field count: %v", err)
		return err
	}
	r.stack = append(r.stack, readerFrame{base: base, length: length})
	return nil
}

// stitchAppend copies size bits from the current buffer position into
// the stitch buffer and consumes them.
func (r *TypeReader) stitchAppend(size int) {
	if size == 0 {
		return
	}
	stitchByteAt := (r.stitch.offset + r.stitch.at) >> 3
	bufByteAt := r.bufAt() >> 3
	nbBytes := (size + 7) >> 3
	copy(r.stitch.buf[stitchByteAt:], r.buf.data[bufByteAt:bufByteAt+nbBytes])
	r.stitch.at += size
	r.consumeBits(size)
}

func (r *TypeReader) stitchSetFromRemainingBuf() {
	r.stitch.offset = r.bufAt() & 7
	r.stitch.at = 0
	r.stitchAppend(r.availableBits())
}

// validateContiguousBO rejects a byte-order change at a non-byte
// boundary.
func (r *TypeReader) validateContiguousBO(next ByteOrder) error {
	if r.packetAt()%8 == 0 {
		return nil
	}
	if r.lastBO == ByteOrderUnknown || next == ByteOrderUnknown {
		return nil
	}
	if r.lastBO != next {
		return fmt.Errorf("%w: two different byte orders not at a byte "+
			"boundary: last-bo=%s, next-bo=%s", ErrCorruptTrace, r.lastBO, next)
	}
	return nil
}

// readBasicInt decodes the current integer or enumeration from buf at
// bit offset at and delivers it.
func (r *TypeReader) readBasicInt(buf []byte, at int) error {
	it := intTypeOf(r.cur)
	if it == nil {
		return fmt.Errorf("%w: expected an integer field type", ErrCorruptTrace)
	}
	if it.Size < 1 || it.Size > 64 {
		return fmt.Errorf("%w: invalid integer size %d", ErrCorruptTrace, it.Size)
	}
	if it.Order == ByteOrderUnknown {
		return fmt.Errorf("%w: integer field type has no byte order",
			ErrCorruptTrace)
	}

	// Update the current byte order now: we could be reading the
	// integer value of an enumeration, and only here do we know the
	// supporting integer type's byte order.
	r.curBO = it.Order

	raw := readBits(buf, at, it.Size, it.Order)
	if it.Signed {
		v := signExtend(raw, it.Size)
		if r.cbs.OnSignedInt != nil {
			if err := r.cbs.OnSignedInt(v, r.cur); err != nil {
				return err
			}
		}
	} else {
		if r.cbs.OnUnsignedInt != nil {
			if err := r.cbs.OnUnsignedInt(raw, r.cur); err != nil {
				return err
			}
		}
	}
	return nil
}

// readBasicFloat decodes the current floating point number from buf at
// bit offset at and delivers it.
func (r *TypeReader) readBasicFloat(buf []byte, at int) error {
	ft := r.cur.(*FloatType)
	if ft.Order == ByteOrderUnknown {
		return fmt.Errorf("%w: float field type has no byte order",
			ErrCorruptTrace)
	}
	r.curBO = ft.Order

	var v float64
	switch ft.Size {
	case 32:
		v = float64(math.Float32frombits(uint32(readBits(buf, at, 32, ft.Order))))
	case 64:
		v = math.Float64frombits(readBits(buf, at, 64, ft.Order))
	default:
		return fmt.Errorf("%w: unsupported floating point number size %d",
			ErrUnsupportedFeature, ft.Size)
	}

	if r.cbs.OnFloat != nil {
		if err := r.cbs.OnFloat(v, ft); err != nil {
			return err
		}
	}
	return nil
}

func (r *TypeReader) readBasic(buf []byte, at int) error {
	switch r.cur.(type) {
	case *IntType, *EnumType:
		return r.readBasicInt(buf, at)
	case *FloatType:
		return r.readBasicFloat(buf, at)
	default:
		return fmt.Errorf("%w: unknown basic field type", ErrCorruptTrace)
	}
}

// basicSize returns the bit size of the current fixed-size basic
// field.
func (r *TypeReader) basicSize() int {
	switch t := r.cur.(type) {
	case *IntType:
		return t.Size
	case *EnumType:
		return t.Container.Size
	case *FloatType:
		return t.Size
	default:
		return 0
	}
}

// advanceAfterBasic moves to the next field after a fully decoded
// basic field.
func (r *TypeReader) advanceAfterBasic() {
	if len(r.stack) == 0 {
		// Root is a basic type.
		r.state = stateDone
		return
	}
	r.top().index++
	r.state = stateNextField
	r.lastBO = r.curBO
}

// readBasicBeginState decodes a basic field in place when it fits the
// buffer, or seeds the stitch buffer when it does not.
func (r *TypeReader) readBasicBeginState() error {
	if _, ok := r.cur.(*StringType); ok {
		return r.readBasicString(true)
	}

	if r.availableBits() < 1 {
		return ErrEndOfMedium
	}

	it := intTypeOf(r.cur)
	var nextBO ByteOrder
	switch {
	case it != nil:
		nextBO = it.Order
	default:
		if ft, ok := r.cur.(*FloatType); ok {
			nextBO = ft.Order
		}
	}
	if err := r.validateContiguousBO(nextBO); err != nil {
		return err
	}

	size := r.basicSize()
	if size < 1 || size > 64 {
		return fmt.Errorf("%w: invalid basic field size %d", ErrCorruptTrace, size)
	}

	if size <= r.availableBits() {
		// All the bits are here: decode in place.
		if err := r.readBasic(r.buf.data, r.bufAt()); err != nil {
			return err
		}
		r.consumeBits(size)
		r.advanceAfterBasic()
		return nil
	}

	// Not enough data: move what is left to the stitch buffer.
	r.stitchSetFromRemainingBuf()
	r.state = stateReadBasicContinue
	return ErrEndOfMedium
}

// readBasicContinueState finishes a stitched basic field once enough
// bits arrived.
func (r *TypeReader) readBasicContinueState() error {
	if _, ok := r.cur.(*StringType); ok {
		return r.readBasicString(false)
	}

	if r.availableBits() < 1 {
		return ErrEndOfMedium
	}

	needed := r.basicSize() - r.stitch.at
	if needed <= r.availableBits() {
		r.stitchAppend(needed)
		if err := r.readBasic(r.stitch.buf[:], r.stitch.offset); err != nil {
			return err
		}
		r.advanceAfterBasic()
		return nil
	}

	r.stitchAppend(r.availableBits())
	return ErrEndOfMedium
}

// readBasicString scans for the null terminator, delivering the bytes
// seen so far as substrings.
func (r *TypeReader) readBasicString(begin bool) error {
	if r.availableBits() < 1 {
		return ErrEndOfMedium
	}
	if r.bufAt()%8 != 0 {
		return fmt.Errorf("%w: string field not at a byte boundary",
			ErrCorruptTrace)
	}

	ft := r.cur.(*StringType)
	availableBytes := r.availableBits() >> 3
	bufByteAt := r.bufAt() >> 3
	window := r.buf.data[bufByteAt : bufByteAt+availableBytes]

	if begin && r.cbs.OnStringBegin != nil {
		if err := r.cbs.OnStringBegin(ft); err != nil {
			return err
		}
	}

	nul := bytes.IndexByte(window, 0)
	if nul < 0 {
		// No null character yet.
		if r.cbs.OnString != nil {
			if err := r.cbs.OnString(window, ft); err != nil {
				return err
			}
		}
		r.consumeBits(availableBytes << 3)
		r.state = stateReadBasicContinue
		return ErrEndOfMedium
	}

	if nul > 0 && r.cbs.OnString != nil {
		if err := r.cbs.OnString(window[:nul], ft); err != nil {
			return err
		}
	}
	if r.cbs.OnStringEnd != nil {
		if err := r.cbs.OnStringEnd(ft); err != nil {
			return err
		}
	}
	r.consumeBits((nul + 1) << 3)
	r.advanceAfterBasic()
	return nil
}

// alignState consumes padding bits up to the field's alignment.
func (r *TypeReader) alignState(ft FieldType, next readerState) error {
	align := ft.Alignment()
	skip := int(alignUp(r.packetAt(), uint64(align)) - r.packetAt())
	if skip == 0 {
		r.state = next
		return nil
	}

	if r.availableBits() < 1 {
		return ErrEndOfMedium
	}

	// Consume as many bits as possible in what's left.
	n := r.availableBits()
	if skip < n {
		n = skip
	}
	r.consumeBits(n)

	if alignUp(r.packetAt(), uint64(align)) == r.packetAt() {
		r.state = next
		return nil
	}
	return ErrEndOfMedium
}

// nextFieldState pops completed frames and sets up the next child.
func (r *TypeReader) nextFieldState() error {
	if len(r.stack) == 0 {
		r.state = stateDone
		return nil
	}

	top := r.top()

	// Done with this base type?
	for top.index == top.length {
		if r.cbs.OnCompoundEnd != nil {
			if err := r.cbs.OnCompoundEnd(top.base); err != nil {
				return err
			}
		}
		r.stack = r.stack[:len(r.stack)-1]

		if len(r.stack) == 0 {
			// Done with the root type.
			r.state = stateDone
			return nil
		}
		top = r.top()
		top.index++
	}

	// Get the next field's type.
	var next FieldType
	switch t := top.base.(type) {
	case *StructType:
		next = t.Members[top.index].Type
	case *ArrayType:
		next = t.Elem
	case *SequenceType:
		next = t.Elem
	case *VariantType:
		// Variant types are dynamic: query the user.
		if r.cbs.QueryVariantSelected == nil {
			return fmt.Errorf("%w: no variant selection query", ErrCallback)
		}
		var err error
		next, err = r.cbs.QueryVariantSelected(t)
		if err != nil {
			return err
		}
	}
	if next == nil {
		return fmt.Errorf("%w: cannot get the field type of the next field",
			ErrCorruptTrace)
	}

	if isCompound(next) {
		if r.cbs.OnCompoundBegin != nil {
			if err := r.cbs.OnCompoundBegin(next); err != nil {
				return err
			}
		}
		if err := r.push(next); err != nil {
			return err
		}
		r.state = stateAlignCompound
	} else {
		r.cur = next
		r.state = stateAlignBasic
	}
	return nil
}

func (r *TypeReader) handleState() error {
	switch r.state {
	case stateNextField:
		return r.nextFieldState()
	case stateAlignBasic:
		return r.alignState(r.cur, stateReadBasicBegin)
	case stateAlignCompound:
		return r.alignState(r.top().base, stateNextField)
	case stateReadBasicBegin:
		return r.readBasicBeginState()
	case stateReadBasicContinue:
		return r.readBasicContinueState()
	case stateDone:
	}
	return nil
}

func (r *TypeReader) run() error {
	for {
		if err := r.handleState(); err != nil {
			return err
		}
		if r.state == stateDone {
			return nil
		}
	}
}

// Start resets the reader and decodes root from buf. offset is the bit
// offset of the first bit to decode within buf; packetOffset is the
// absolute packet bit offset of that same bit. It returns the number
// of bits consumed from offset and nil when the type was fully
// decoded, ErrEndOfMedium when the buffer ran out mid-type (resume
// with Continue), or the failure.
func (r *TypeReader) Start(root FieldType, buf []byte, offset int,
	packetOffset uint64) (int, error) {
	if root == nil {
		return 0, fmt.Errorf("%w: nil root field type", ErrInvalidArgument)
	}
	if offset > len(buf)*8 {
		return 0, fmt.Errorf("%w: offset %d beyond buffer", ErrInvalidArgument,
			offset)
	}

	r.reset()
	r.buf.data = buf
	r.buf.offset = offset
	r.buf.at = 0
	r.buf.packetOffset = packetOffset
	r.buf.size = len(buf)*8 - offset
	r.state = stateNextField

	r.logger.Debugf("starting decoding: buf-size=%d offset=%d packet-offset=%d",
		len(buf), offset, packetOffset)

	if isCompound(root) {
		if r.cbs.OnCompoundBegin != nil {
			if err := r.cbs.OnCompoundBegin(root); err != nil {
				return 0, err
			}
		}
		if err := r.push(root); err != nil {
			return 0, err
		}
		r.state = stateAlignCompound
	} else {
		r.cur = root
		r.state = stateAlignBasic
	}

	err := r.run()
	// Update the packet offset for the next call.
	r.buf.packetOffset += uint64(r.buf.at)
	return r.buf.at, err
}

// Continue resumes decoding with a fresh buffer after Start or a
// previous Continue returned ErrEndOfMedium. All non-buffer state is
// preserved across the suspension.
func (r *TypeReader) Continue(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("%w: empty buffer", ErrInvalidArgument)
	}

	r.buf.data = buf
	r.buf.offset = 0
	r.buf.at = 0
	r.buf.size = len(buf) * 8

	r.logger.Debugf("continuing decoding: buf-size=%d state=%s", len(buf),
		r.state)

	err := r.run()
	r.buf.packetOffset += uint64(r.buf.at)
	return r.buf.at, err
}
