// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ctf

// Field is a decoded field value. Notifications exclusively own their
// field trees; consumers may retain or discard them independently.
type Field interface {
	// FieldType returns the metadata type the field was decoded from.
	FieldType() FieldType
}

// SignedField is a decoded signed integer or enumeration value.
type SignedField struct {
	// Type is an *IntType or *EnumType.
	Type  FieldType
	Value int64
}

// FieldType implements Field.
func (f *SignedField) FieldType() FieldType { return f.Type }

// UnsignedField is a decoded unsigned integer or enumeration value.
type UnsignedField struct {
	// Type is an *IntType or *EnumType.
	Type  FieldType
	Value uint64
}

// FieldType implements Field.
func (f *UnsignedField) FieldType() FieldType { return f.Type }

// FloatField is a decoded floating point value.
type FloatField struct {
	Type  *FloatType
	Value float64
}

// FieldType implements Field.
func (f *FloatField) FieldType() FieldType { return f.Type }

// StringField is a decoded string value, accumulated from the
// substrings a string may be delivered as.
type StringField struct {
	Type  *StringType
	Value string
}

// FieldType implements Field.
func (f *StringField) FieldType() FieldType { return f.Type }

// StructField is a decoded structure: one field per member, in
// declaration order.
type StructField struct {
	Type   *StructType
	Fields []Field
}

// FieldType implements Field.
func (f *StructField) FieldType() FieldType { return f.Type }

// Field returns the decoded member with the given name, or nil.
func (f *StructField) Field(name string) Field {
	i := f.Type.MemberIndex(name)
	if i < 0 || i >= len(f.Fields) {
		return nil
	}
	return f.Fields[i]
}

// ArrayField is a decoded array or sequence.
type ArrayField struct {
	// Type is an *ArrayType or *SequenceType.
	Type  FieldType
	Elems []Field
}

// FieldType implements Field.
func (f *ArrayField) FieldType() FieldType { return f.Type }

// VariantField is a decoded variant: the single selected option.
type VariantField struct {
	Type     *VariantType
	Selected Field
}

// FieldType implements Field.
func (f *VariantField) FieldType() FieldType { return f.Type }

// appendChild attaches a freshly decoded child to its base field.
func appendChild(base, child Field) {
	switch b := base.(type) {
	case *StructField:
		b.Fields = append(b.Fields, child)
	case *ArrayField:
		b.Elems = append(b.Elems, child)
	case *VariantField:
		b.Selected = child
	}
}

// unsignedValue extracts the raw unsigned value of an integer or
// enumeration field.
func unsignedValue(f Field) (uint64, bool) {
	switch v := f.(type) {
	case *UnsignedField:
		return v.Value, true
	case *SignedField:
		return uint64(v.Value), true
	default:
		return 0, false
	}
}
