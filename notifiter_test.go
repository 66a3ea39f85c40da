// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ctf

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u8le() *IntType {
	return &IntType{Size: 8, Order: ByteOrderLittle, Align: 8, Base: 10}
}

func u32le() *IntType {
	return &IntType{Size: 32, Order: ByteOrderLittle, Align: 8, Base: 10}
}

// singleEventTrace declares one stream class with a magic/stream_id
// packet header, a packet_size/content_size packet context and one
// event class with a single u32 payload field.
func singleEventTrace() *Trace {
	header := &StructType{Members: []StructMember{
		{"magic", u32le()},
		{"stream_id", u8le()},
	}}
	pktCtx := &StructType{Members: []StructMember{
		{"packet_size", u32le()},
		{"content_size", u32le()},
	}}
	payload := &StructType{Members: []StructMember{
		{"x", u32le()},
	}}
	sc := &StreamClass{
		ID:                0,
		PacketContextType: pktCtx,
		EventClasses: []*EventClass{
			{ID: 0, Name: "ev", PayloadType: payload},
		},
	}
	return &Trace{
		PacketHeaderType: header,
		StreamClasses:    []*StreamClass{sc},
	}
}

// singleEventPacket encodes one packet of singleEventTrace: 13 bytes
// of header and context, one u32 payload per element of events,
// padding up to packetSize bits.
func singleEventPacket(packetSize, contentSize uint32, events []uint32) []byte {
	var buf []byte
	le := binary.LittleEndian
	buf = le.AppendUint32(buf, 0x75D11D57) // magic
	buf = append(buf, 0)                   // stream_id
	buf = le.AppendUint32(buf, packetSize)
	buf = le.AppendUint32(buf, contentSize)
	for _, x := range events {
		buf = le.AppendUint32(buf, x)
	}
	for uint32(len(buf)*8) < packetSize {
		buf = append(buf, 0)
	}
	return buf
}

func collect(t *testing.T, it *Iterator) []Notification {
	t.Helper()
	var out []Notification
	for {
		n, err := it.Next()
		if err != nil {
			require.ErrorIs(t, err, ErrEndOfMedium)
			return out
		}
		out = append(out, n)
	}
}

func notifTypes(notifs []Notification) []NotificationType {
	types := make([]NotificationType, len(notifs))
	for i, n := range notifs {
		types[i] = n.NotificationType()
	}
	return types
}

func TestIteratorSingleLittleEndianPacket(t *testing.T) {
	data := singleEventPacket(160, 136, []uint32{42})
	require.Len(t, data, 20)

	it, err := NewIterator(singleEventTrace(), &BytesMedium{Data: data}, nil)
	require.NoError(t, err)

	notifs := collect(t, it)
	require.Equal(t, []NotificationType{
		NotificationStreamBeginning,
		NotificationNewPacket,
		NotificationEvent,
		NotificationEndOfPacket,
		NotificationStreamEnd,
	}, notifTypes(notifs))

	np := notifs[1].(*NewPacket)
	assert.Equal(t, uint64(0), np.StreamID)
	magic, ok := unsignedValue(np.Header.Field("magic"))
	require.True(t, ok)
	assert.Equal(t, uint64(0x75D11D57), magic)
	pktSize, _ := unsignedValue(np.Context.Field("packet_size"))
	assert.Equal(t, uint64(160), pktSize)

	ev := notifs[2].(*Event)
	assert.Equal(t, uint64(0), ev.Class.ID)
	x, ok := unsignedValue(ev.Payload.Field("x"))
	require.True(t, ok)
	assert.Equal(t, uint64(42), x)
	_, hasTs := ev.Timestamp()
	assert.False(t, hasTs)

	// The iterator stays ended.
	_, err = it.Next()
	assert.ErrorIs(t, err, ErrEndOfMedium)
}

// Decoding the same packet under every possible buffer chunking yields
// the same notification sequence.
func TestIteratorChunkingIndependence(t *testing.T) {
	data := singleEventPacket(160, 136, []uint32{42})

	for chunk := 1; chunk <= len(data); chunk++ {
		it, err := NewIterator(singleEventTrace(),
			&BytesMedium{Data: data, ChunkSize: chunk}, nil)
		require.NoError(t, err)

		notifs := collect(t, it)
		require.Equal(t, []NotificationType{
			NotificationStreamBeginning,
			NotificationNewPacket,
			NotificationEvent,
			NotificationEndOfPacket,
			NotificationStreamEnd,
		}, notifTypes(notifs), "chunk=%d", chunk)

		x, _ := unsignedValue(notifs[2].(*Event).Payload.Field("x"))
		assert.Equal(t, uint64(42), x, "chunk=%d", chunk)
	}
}

func TestIteratorTwoPackets(t *testing.T) {
	data := singleEventPacket(160, 136, []uint32{1})
	data = append(data, singleEventPacket(160, 136, []uint32{2})...)

	it, err := NewIterator(singleEventTrace(), &BytesMedium{Data: data}, nil)
	require.NoError(t, err)

	notifs := collect(t, it)
	require.Equal(t, []NotificationType{
		NotificationStreamBeginning,
		NotificationNewPacket,
		NotificationEvent,
		NotificationEndOfPacket,
		NotificationNewPacket,
		NotificationEvent,
		NotificationEndOfPacket,
		NotificationStreamEnd,
	}, notifTypes(notifs))

	x1, _ := unsignedValue(notifs[2].(*Event).Payload.Field("x"))
	x2, _ := unsignedValue(notifs[5].(*Event).Payload.Field("x"))
	assert.Equal(t, uint64(1), x1)
	assert.Equal(t, uint64(2), x2)
}

func TestIteratorPacketWithoutEvents(t *testing.T) {
	// content_size == header + context size: no events, only padding.
	data := singleEventPacket(160, 104, nil)

	it, err := NewIterator(singleEventTrace(), &BytesMedium{Data: data}, nil)
	require.NoError(t, err)

	notifs := collect(t, it)
	assert.Equal(t, []NotificationType{
		NotificationStreamBeginning,
		NotificationNewPacket,
		NotificationEndOfPacket,
		NotificationStreamEnd,
	}, notifTypes(notifs))
}

func TestIteratorNoPadding(t *testing.T) {
	// packet_size == content_size skips no padding.
	data := singleEventPacket(136, 136, []uint32{9})
	require.Len(t, data, 17)

	it, err := NewIterator(singleEventTrace(), &BytesMedium{Data: data}, nil)
	require.NoError(t, err)

	notifs := collect(t, it)
	assert.Equal(t, []NotificationType{
		NotificationStreamBeginning,
		NotificationNewPacket,
		NotificationEvent,
		NotificationEndOfPacket,
		NotificationStreamEnd,
	}, notifTypes(notifs))
}

func TestIteratorBadPacketSizes(t *testing.T) {

	tests := []struct {
		name        string
		packetSize  uint32
		contentSize uint32
	}{
		{"zero packet size", 0, 0},
		{"packet size not multiple of 8", 133, 104},
		{"content larger than packet", 136, 160},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := singleEventPacket(160, 136, []uint32{1})
			binary.LittleEndian.PutUint32(data[5:], tt.packetSize)
			binary.LittleEndian.PutUint32(data[9:], tt.contentSize)

			it, err := NewIterator(singleEventTrace(),
				&BytesMedium{Data: data}, nil)
			require.NoError(t, err)

			for {
				_, err = it.Next()
				if err != nil {
					break
				}
			}
			require.ErrorIs(t, err, ErrCorruptTrace)

			// Terminal: the same error again.
			_, err2 := it.Next()
			assert.Equal(t, err, err2)
		})
	}
}

func TestIteratorUnknownStreamClass(t *testing.T) {
	data := singleEventPacket(160, 136, []uint32{1})
	data[4] = 5 // stream_id

	it, err := NewIterator(singleEventTrace(), &BytesMedium{Data: data}, nil)
	require.NoError(t, err)

	_, err = it.Next()
	require.ErrorIs(t, err, ErrCorruptTrace)
}

func TestIteratorTruncatedPacket(t *testing.T) {
	data := singleEventPacket(160, 136, []uint32{1})

	it, err := NewIterator(singleEventTrace(),
		&BytesMedium{Data: data[:15]}, nil)
	require.NoError(t, err)

	var lastErr error
	for {
		_, lastErr = it.Next()
		if lastErr != nil {
			break
		}
	}
	require.ErrorIs(t, lastErr, ErrCorruptTrace)
}

func TestIteratorReset(t *testing.T) {
	data := singleEventPacket(160, 136, []uint32{42})
	medium := &BytesMedium{Data: data}

	it, err := NewIterator(singleEventTrace(), medium, nil)
	require.NoError(t, err)
	collect(t, it)

	require.NoError(t, it.SeekBeginning())
	notifs := collect(t, it)
	assert.Len(t, notifs, 5)
}

// Event class resolution through the direct id field of the stream
// event header.
func TestIteratorEventHeaderID(t *testing.T) {
	trace := singleEventTrace()
	sc := trace.StreamClasses[0]
	sc.EventHeaderType = &StructType{Members: []StructMember{
		{"id", u8le()},
	}}
	payload := &StructType{Members: []StructMember{{"x", u8le()}}}
	sc.EventClasses = []*EventClass{
		{ID: 1, Name: "first", PayloadType: payload},
		{ID: 2, Name: "second", PayloadType: payload},
	}

	// Two events: id=2 x=9, id=1 x=7. Content 104+16+16=136 bits,
	// packet 144.
	var body []byte
	body = append(body, 2, 9, 1, 7)
	data := singleEventPacket(144, 136, nil)[:13]
	data = append(data, body...)
	data = append(data, 0) // padding
	binary.LittleEndian.PutUint32(data[5:], 144)
	binary.LittleEndian.PutUint32(data[9:], 136)

	it, err := NewIterator(trace, &BytesMedium{Data: data}, nil)
	require.NoError(t, err)

	notifs := collect(t, it)
	require.Equal(t, []NotificationType{
		NotificationStreamBeginning,
		NotificationNewPacket,
		NotificationEvent,
		NotificationEvent,
		NotificationEndOfPacket,
		NotificationStreamEnd,
	}, notifTypes(notifs))

	ev1 := notifs[2].(*Event)
	ev2 := notifs[3].(*Event)
	assert.Equal(t, uint64(2), ev1.Class.ID)
	assert.Equal(t, "second", ev1.Class.Name)
	assert.Equal(t, uint64(1), ev2.Class.ID)
}

// Event class resolution through the id field nested in the selected
// option of a variant named v.
func TestIteratorEventHeaderVariantID(t *testing.T) {
	trace := singleEventTrace()
	sc := trace.StreamClasses[0]

	tag := &EnumType{
		Container: u8le(),
		Mappings: []EnumMapping{
			{Label: "A", Lower: 0, Upper: 0},
			{Label: "B", Lower: 1, Upper: 1},
		},
	}
	idStruct := &StructType{Members: []StructMember{{"id", u8le()}}}
	v := &VariantType{
		TagPath: FieldPath{Root: ScopeStreamEventHeader, Indexes: []int{0}},
		Options: []VariantOption{
			{"A", idStruct},
			{"B", idStruct},
		},
	}
	sc.EventHeaderType = &StructType{Members: []StructMember{
		{"tag", tag},
		{"v", v},
	}}
	payload := &StructType{Members: []StructMember{{"x", u8le()}}}
	sc.EventClasses = []*EventClass{
		{ID: 5, Name: "five", PayloadType: payload},
		{ID: 7, Name: "seven", PayloadType: payload},
	}

	// One event: tag=1 selects B, v.id=7, x=3. Content 104+16+8=128,
	// packet 128: no padding at all.
	data := singleEventPacket(128, 128, nil)[:13]
	data = append(data, 1, 7, 3)
	binary.LittleEndian.PutUint32(data[5:], 128)
	binary.LittleEndian.PutUint32(data[9:], 128)

	it, err := NewIterator(trace, &BytesMedium{Data: data}, nil)
	require.NoError(t, err)

	notifs := collect(t, it)
	require.Equal(t, []NotificationType{
		NotificationStreamBeginning,
		NotificationNewPacket,
		NotificationEvent,
		NotificationEndOfPacket,
		NotificationStreamEnd,
	}, notifTypes(notifs))

	ev := notifs[2].(*Event)
	assert.Equal(t, uint64(7), ev.Class.ID)
	assert.Equal(t, "seven", ev.Class.Name)
}

// Sequence length resolution through a field path into the event
// payload being decoded.
func TestIteratorSequenceLength(t *testing.T) {
	trace := singleEventTrace()
	sc := trace.StreamClasses[0]
	sc.EventClasses = []*EventClass{{
		ID:   0,
		Name: "seq",
		PayloadType: &StructType{Members: []StructMember{
			{"n", u8le()},
			{"data", &SequenceType{
				Elem:       u8le(),
				LengthPath: FieldPath{Root: ScopeEventPayload, Indexes: []int{0}},
			}},
		}},
	}}

	// One event: n=3, data=[4 5 6]. Content 104+8+24=136, packet 144.
	data := singleEventPacket(144, 136, nil)[:13]
	data = append(data, 3, 4, 5, 6, 0)
	binary.LittleEndian.PutUint32(data[5:], 144)
	binary.LittleEndian.PutUint32(data[9:], 136)

	it, err := NewIterator(trace, &BytesMedium{Data: data}, nil)
	require.NoError(t, err)

	notifs := collect(t, it)
	require.Len(t, notifs, 5)
	ev := notifs[2].(*Event)
	seq, ok := ev.Payload.Field("data").(*ArrayField)
	require.True(t, ok)
	require.Len(t, seq.Elems, 3)
	for i, want := range []uint64{4, 5, 6} {
		v, _ := unsignedValue(seq.Elems[i])
		assert.Equal(t, want, v)
	}
}

// Clock-mapped timestamp fields update the stream clock; events carry
// the resulting snapshot.
func TestIteratorClockSnapshots(t *testing.T) {
	trace := singleEventTrace()
	sc := trace.StreamClasses[0]
	clock := &ClockClass{
		Name:              "monotonic",
		Frequency:         1_000_000_000,
		OriginIsUnixEpoch: true,
	}
	sc.Clock = clock
	tsType := &IntType{Size: 32, Order: ByteOrderLittle, Align: 8,
		MappedClock: clock}
	sc.EventHeaderType = &StructType{Members: []StructMember{
		{"timestamp", tsType},
	}}
	payload := &StructType{Members: []StructMember{{"x", u8le()}}}
	sc.EventClasses = []*EventClass{{ID: 0, Name: "ev", PayloadType: payload}}

	// Two events at cycles 10 and 20. Content 104+40+40=184, packet
	// 192.
	le := binary.LittleEndian
	data := singleEventPacket(192, 184, nil)[:13]
	data = le.AppendUint32(data, 10)
	data = append(data, 1)
	data = le.AppendUint32(data, 20)
	data = append(data, 2)
	data = append(data, 0) // padding
	le.PutUint32(data[5:], 192)
	le.PutUint32(data[9:], 184)

	it, err := NewIterator(trace, &BytesMedium{Data: data}, nil)
	require.NoError(t, err)

	notifs := collect(t, it)
	require.Len(t, notifs, 6)

	sb := notifs[0].(*StreamBeginning)
	assert.Equal(t, clock, sb.Clock)

	ts1, ok1 := notifs[2].(*Event).Timestamp()
	ts2, ok2 := notifs[3].(*Event).Timestamp()
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, int64(10), ts1)
	assert.Equal(t, int64(20), ts2)
}

// A medium with no data available yet propagates ErrTryAgain
// unchanged, and the iterator resumes exactly where it left off.
type flakyMedium struct {
	inner   *BytesMedium
	pending int
}

func (m *flakyMedium) RequestBytes(max int) ([]byte, error) {
	if m.pending > 0 {
		m.pending--
		return nil, ErrTryAgain
	}
	m.pending = 1
	return m.inner.RequestBytes(max)
}

func (m *flakyMedium) Stream(streamClassID uint64) (uint64, error) {
	return m.inner.Stream(streamClassID)
}

func TestIteratorTryAgain(t *testing.T) {
	data := singleEventPacket(160, 136, []uint32{42})
	medium := &flakyMedium{
		inner:   &BytesMedium{Data: data, ChunkSize: 4},
		pending: 1,
	}

	it, err := NewIterator(singleEventTrace(), medium, nil)
	require.NoError(t, err)

	var notifs []Notification
	for {
		n, err := it.Next()
		if err == nil {
			notifs = append(notifs, n)
			continue
		}
		if err == ErrTryAgain {
			continue
		}
		require.ErrorIs(t, err, ErrEndOfMedium)
		break
	}

	require.Equal(t, []NotificationType{
		NotificationStreamBeginning,
		NotificationNewPacket,
		NotificationEvent,
		NotificationEndOfPacket,
		NotificationStreamEnd,
	}, notifTypes(notifs))
}
