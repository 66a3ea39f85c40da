// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ctf

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildMetadataPacket frames one TSDL text fragment into a metadata
// packet envelope with the given amount of trailing padding.
func buildMetadataPacket(id uuid.UUID, text string, padding int,
	mutate func(hdr []byte)) []byte {
	contentSize := uint32((MetadataPacketHeaderSize + len(text)) * 8)
	packetSize := contentSize + uint32(padding*8)

	hdr := make([]byte, MetadataPacketHeaderSize)
	le := binary.LittleEndian
	le.PutUint32(hdr[0:], TSDLMagic)
	copy(hdr[4:20], id[:])
	le.PutUint32(hdr[20:], 0) // checksum
	le.PutUint32(hdr[24:], contentSize)
	le.PutUint32(hdr[28:], packetSize)
	hdr[35] = 1 // major
	hdr[36] = 8 // minor
	if mutate != nil {
		mutate(hdr)
	}

	buf := append(hdr, text...)
	return append(buf, make([]byte, padding)...)
}

func TestIsPacketizedMetadata(t *testing.T) {
	le := []byte{0x57, 0x1D, 0xD1, 0x75}
	be := []byte{0x75, 0xD1, 0x1D, 0x57}

	ok, bo := IsPacketizedMetadata(le)
	assert.True(t, ok)
	assert.Equal(t, ByteOrderLittle, bo)

	ok, bo = IsPacketizedMetadata(be)
	assert.True(t, ok)
	assert.Equal(t, ByteOrderBig, bo)

	ok, _ = IsPacketizedMetadata([]byte("/* CTF 1.8 */"))
	assert.False(t, ok)
}

func TestMetadataDecoderPlainText(t *testing.T) {
	text := "/* CTF 1.8 */\ntrace { major = 1; minor = 8; };\n"
	d := NewMetadataDecoder(nil)
	out, err := d.Decode([]byte(text))
	require.NoError(t, err)
	assert.Equal(t, text, out)
	_, ok := d.UUID()
	assert.False(t, ok)
}

func TestMetadataDecoderPacketized(t *testing.T) {
	id := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	data := buildMetadataPacket(id, "trace { ", 3, nil)
	data = append(data, buildMetadataPacket(id, "};", 0, nil)...)

	d := NewMetadataDecoder(nil)
	out, err := d.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "trace { };", out)

	got, ok := d.UUID()
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestMetadataDecoderErrors(t *testing.T) {
	id := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	other := uuid.MustParse("650e8400-e29b-41d4-a716-446655440000")

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{
			"compression scheme",
			buildMetadataPacket(id, "x", 0, func(h []byte) { h[32] = 1 }),
			ErrUnsupportedFeature,
		},
		{
			"encryption scheme",
			buildMetadataPacket(id, "x", 0, func(h []byte) { h[33] = 1 }),
			ErrUnsupportedFeature,
		},
		{
			"checksum scheme",
			buildMetadataPacket(id, "x", 0, func(h []byte) { h[34] = 1 }),
			ErrUnsupportedFeature,
		},
		{
			"bad version",
			buildMetadataPacket(id, "x", 0, func(h []byte) { h[35] = 2 }),
			ErrUnsupportedFeature,
		},
		{
			"uuid mismatch",
			append(buildMetadataPacket(id, "a", 0, nil),
				buildMetadataPacket(other, "b", 0, nil)...),
			ErrCorruptTrace,
		},
		{
			"truncated packet",
			buildMetadataPacket(id, "abcdef", 0, nil)[:MetadataPacketHeaderSize+2],
			ErrCorruptTrace,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewMetadataDecoder(nil)
			_, err := d.Decode(tt.data)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParseMetadataPacketHeaderBigEndian(t *testing.T) {
	id := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	hdr := make([]byte, MetadataPacketHeaderSize)
	be := binary.BigEndian
	be.PutUint32(hdr[0:], TSDLMagic)
	copy(hdr[4:20], id[:])
	be.PutUint32(hdr[24:], MetadataPacketHeaderSize*8)
	be.PutUint32(hdr[28:], MetadataPacketHeaderSize*8)
	hdr[35] = 1
	hdr[36] = 8

	got, err := ParseMetadataPacketHeader(hdr, ByteOrderBig)
	require.NoError(t, err)
	assert.Equal(t, uint32(TSDLMagic), got.Magic)
	assert.Equal(t, id, got.UUID)
	assert.Equal(t, uint8(1), got.Major)
	assert.Equal(t, uint8(8), got.Minor)
}
