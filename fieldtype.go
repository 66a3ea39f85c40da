// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ctf

// ByteOrder is the byte order of a basic field on the wire.
type ByteOrder int8

const (
	// ByteOrderUnknown means no byte order has been established yet.
	ByteOrderUnknown ByteOrder = iota
	// ByteOrderLittle is little-endian, LSB-first bit numbering.
	ByteOrderLittle
	// ByteOrderBig is big-endian, MSB-first bit numbering.
	ByteOrderBig
)

// String returns the name of a byte order.
func (bo ByteOrder) String() string {
	switch bo {
	case ByteOrderLittle:
		return "little-endian"
	case ByteOrderBig:
		return "big-endian"
	default:
		return "unknown"
	}
}

// StringEncoding is the character encoding of a string field.
type StringEncoding uint8

const (
	// EncodingUTF8 is UTF-8.
	EncodingUTF8 StringEncoding = iota
	// EncodingASCII is 7-bit ASCII.
	EncodingASCII
)

// Scope identifies one of the six dynamic scopes of a packet, in
// decode order. The first two are packet-wide; the last four are reset
// at each event boundary.
type Scope uint8

const (
	// ScopeTracePacketHeader is the trace.packet.header scope.
	ScopeTracePacketHeader Scope = iota
	// ScopeStreamPacketContext is the stream.packet.context scope.
	ScopeStreamPacketContext
	// ScopeStreamEventHeader is the stream.event.header scope.
	ScopeStreamEventHeader
	// ScopeStreamEventContext is the stream.event.context scope.
	ScopeStreamEventContext
	// ScopeEventContext is the event.context scope.
	ScopeEventContext
	// ScopeEventPayload is the event.fields scope.
	ScopeEventPayload

	scopeCount = 6
)

// String returns the TSDL name of a dynamic scope.
func (s Scope) String() string {
	switch s {
	case ScopeTracePacketHeader:
		return "trace.packet.header"
	case ScopeStreamPacketContext:
		return "stream.packet.context"
	case ScopeStreamEventHeader:
		return "stream.event.header"
	case ScopeStreamEventContext:
		return "stream.event.context"
	case ScopeEventContext:
		return "event.context"
	case ScopeEventPayload:
		return "event.fields"
	default:
		return "(unknown)"
	}
}

// FieldPath locates a field within a dynamic scope: a rooted index
// list resolved by indexing structures by position and following the
// selected option of variants.
type FieldPath struct {
	Root    Scope
	Indexes []int
}

// FieldType describes a field's wire representation. Field types are
// supplied by the metadata model and immutable during decoding.
type FieldType interface {
	// Alignment returns the field's alignment in bits, always >= 1.
	Alignment() int
}

// IntType is a fixed-size integer field type.
type IntType struct {
	// Signed is true for two's-complement signed integers.
	Signed bool
	// Size is the field width in bits, 1 to 64.
	Size int
	// Order is the wire byte order.
	Order ByteOrder
	// Align is the alignment in bits.
	Align int
	// Base is the preferred display base (8, 10, 16, ...).
	Base int
	// MappedClock links the integer to a clock class; decoded values
	// then update the stream clock.
	MappedClock *ClockClass
}

// Alignment implements FieldType.
func (t *IntType) Alignment() int { return t.Align }

// FloatType is an IEEE 754 floating point field type. Only 32-bit and
// 64-bit widths are readable.
type FloatType struct {
	// Size is the field width in bits.
	Size int
	// Order is the wire byte order.
	Order ByteOrder
	// Align is the alignment in bits.
	Align int
}

// Alignment implements FieldType.
func (t *FloatType) Alignment() int { return t.Align }

// StringType is a null-terminated string field type, always aligned to
// a byte boundary.
type StringType struct {
	Encoding StringEncoding
}

// Alignment implements FieldType.
func (t *StringType) Alignment() int { return 8 }

// StructMember is one named member of a structure type.
type StructMember struct {
	Name string
	Type FieldType
}

// StructType is an ordered sequence of named members.
type StructType struct {
	// Members in declaration order.
	Members []StructMember
	// MinAlign is the declared minimum alignment in bits.
	MinAlign int
}

// Alignment implements FieldType. A structure is at least as aligned
// as its most aligned member.
func (t *StructType) Alignment() int {
	align := t.MinAlign
	if align < 1 {
		align = 1
	}
	for _, m := range t.Members {
		if a := m.Type.Alignment(); a > align {
			align = a
		}
	}
	return align
}

// MemberIndex returns the index of the member with the given name, or
// -1 when the structure has no such member.
func (t *StructType) MemberIndex(name string) int {
	for i, m := range t.Members {
		if m.Name == name {
			return i
		}
	}
	return -1
}

// MemberType returns the type of the named member, or nil.
func (t *StructType) MemberType(name string) FieldType {
	if i := t.MemberIndex(name); i >= 0 {
		return t.Members[i].Type
	}
	return nil
}

// ArrayType is a fixed-length sequence of elements of one type.
type ArrayType struct {
	Elem   FieldType
	Length uint64
}

// Alignment implements FieldType.
func (t *ArrayType) Alignment() int { return t.Elem.Alignment() }

// SequenceType is a variable-length sequence of elements of one type.
// The length is carried by a previously decoded unsigned integer field
// located by LengthPath.
type SequenceType struct {
	Elem       FieldType
	LengthPath FieldPath
}

// Alignment implements FieldType.
func (t *SequenceType) Alignment() int { return t.Elem.Alignment() }

// VariantOption is one tagged option of a variant type.
type VariantOption struct {
	Name string
	Type FieldType
}

// VariantType selects one of several option types according to the
// label of a previously decoded enumeration field located by TagPath.
type VariantType struct {
	TagPath FieldPath
	Options []VariantOption
}

// Alignment implements FieldType. Variants have no alignment of their
// own.
func (t *VariantType) Alignment() int { return 1 }

// Option returns the option with the given name, or nil.
func (t *VariantType) Option(name string) FieldType {
	for _, o := range t.Options {
		if o.Name == name {
			return o.Type
		}
	}
	return nil
}

// EnumMapping maps a closed range of values to a label. Lower and
// Upper carry the raw bit patterns; interpret them through the
// container's signedness.
type EnumMapping struct {
	Label string
	Lower uint64
	Upper uint64
}

// EnumType is an enumeration: an integer container plus value-range
// to label mappings.
type EnumType struct {
	Container *IntType
	Mappings  []EnumMapping
}

// Alignment implements FieldType.
func (t *EnumType) Alignment() int { return t.Container.Alignment() }

// Label returns the label mapped to the given raw value, or "".
func (t *EnumType) Label(value uint64) string {
	for _, m := range t.Mappings {
		if t.Container.Signed {
			if int64(value) >= int64(m.Lower) && int64(value) <= int64(m.Upper) {
				return m.Label
			}
		} else if value >= m.Lower && value <= m.Upper {
			return m.Label
		}
	}
	return ""
}

// isCompound tells whether decoding ft pushes a visit-stack frame.
func isCompound(ft FieldType) bool {
	switch ft.(type) {
	case *StructType, *ArrayType, *SequenceType, *VariantType:
		return true
	default:
		return false
	}
}

// intTypeOf unwraps the integer type behind ft: the type itself for
// integers, the container for enumerations, nil otherwise.
func intTypeOf(ft FieldType) *IntType {
	switch t := ft.(type) {
	case *IntType:
		return t
	case *EnumType:
		return t.Container
	default:
		return nil
	}
}
