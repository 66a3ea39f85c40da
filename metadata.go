// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ctf

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/saferwall/ctf/log"
)

const (
	// TSDLMagic is the magic number opening every metadata packet.
	TSDLMagic = 0x75D11D57

	// MetadataPacketHeaderSize is the size in bytes of the metadata
	// packet envelope.
	MetadataPacketHeaderSize = 37

	// Supported metadata stream version.
	metadataMajor = 1
	metadataMinor = 8
)

// MetadataPacketHeader is the envelope framing one packet of a
// packetized TSDL metadata stream. Sizes are in bits.
type MetadataPacketHeader struct {
	Magic             uint32    `json:"magic"`
	UUID              uuid.UUID `json:"uuid"`
	Checksum          uint32    `json:"checksum"`
	ContentSize       uint32    `json:"content_size"`
	PacketSize        uint32    `json:"packet_size"`
	CompressionScheme uint8     `json:"compression_scheme"`
	EncryptionScheme  uint8     `json:"encryption_scheme"`
	ChecksumScheme    uint8     `json:"checksum_scheme"`
	Major             uint8     `json:"major"`
	Minor             uint8     `json:"minor"`
}

// IsPacketizedMetadata tells whether data opens with a metadata packet
// envelope, and in which byte order.
func IsPacketizedMetadata(data []byte) (bool, ByteOrder) {
	if len(data) < 4 {
		return false, ByteOrderUnknown
	}
	switch {
	case binary.LittleEndian.Uint32(data) == TSDLMagic:
		return true, ByteOrderLittle
	case binary.BigEndian.Uint32(data) == TSDLMagic:
		return true, ByteOrderBig
	default:
		return false, ByteOrderUnknown
	}
}

// ParseMetadataPacketHeader parses and validates one metadata packet
// envelope.
func ParseMetadataPacketHeader(data []byte, bo ByteOrder) (MetadataPacketHeader, error) {
	var hdr MetadataPacketHeader

	if len(data) < MetadataPacketHeaderSize {
		return hdr, fmt.Errorf("%w: metadata packet shorter than its envelope",
			ErrCorruptTrace)
	}

	var ord binary.ByteOrder = binary.LittleEndian
	if bo == ByteOrderBig {
		ord = binary.BigEndian
	}

	hdr.Magic = ord.Uint32(data[0:4])
	copy(hdr.UUID[:], data[4:20])
	hdr.Checksum = ord.Uint32(data[20:24])
	hdr.ContentSize = ord.Uint32(data[24:28])
	hdr.PacketSize = ord.Uint32(data[28:32])
	hdr.CompressionScheme = data[32]
	hdr.EncryptionScheme = data[33]
	hdr.ChecksumScheme = data[34]
	hdr.Major = data[35]
	hdr.Minor = data[36]

	if hdr.Magic != TSDLMagic {
		return hdr, fmt.Errorf("%w: invalid metadata packet magic 0x%x",
			ErrCorruptTrace, hdr.Magic)
	}
	if hdr.CompressionScheme != 0 {
		return hdr, fmt.Errorf("%w: metadata packet compression (scheme %d)",
			ErrUnsupportedFeature, hdr.CompressionScheme)
	}
	if hdr.EncryptionScheme != 0 {
		return hdr, fmt.Errorf("%w: metadata packet encryption (scheme %d)",
			ErrUnsupportedFeature, hdr.EncryptionScheme)
	}
	if hdr.Checksum != 0 || hdr.ChecksumScheme != 0 {
		return hdr, fmt.Errorf("%w: metadata packet checksum (scheme %d)",
			ErrUnsupportedFeature, hdr.ChecksumScheme)
	}
	if hdr.Major != metadataMajor || hdr.Minor != metadataMinor {
		return hdr, fmt.Errorf("%w: metadata version %d.%d",
			ErrUnsupportedFeature, hdr.Major, hdr.Minor)
	}
	if hdr.ContentSize%8 != 0 || hdr.PacketSize%8 != 0 {
		return hdr, fmt.Errorf("%w: metadata packet sizes not multiples of 8",
			ErrCorruptTrace)
	}
	if hdr.ContentSize/8 < MetadataPacketHeaderSize {
		return hdr, fmt.Errorf("%w: bad metadata packet content size %d",
			ErrCorruptTrace, hdr.ContentSize)
	}
	if hdr.PacketSize < hdr.ContentSize {
		return hdr, fmt.Errorf("%w: metadata packet size %d smaller than its "+
			"content size %d", ErrCorruptTrace, hdr.PacketSize, hdr.ContentSize)
	}
	return hdr, nil
}

// MetadataDecoder de-frames a packetized TSDL metadata stream into its
// plaintext TSDL document, enforcing one UUID across packets. Plain
// text metadata passes through untouched.
type MetadataDecoder struct {
	uuid    uuid.UUID
	uuidSet bool
	logger  *log.Helper
}

// MetadataDecoderOptions configures a MetadataDecoder.
type MetadataDecoderOptions struct {
	// A custom logger.
	Logger log.Logger
}

// NewMetadataDecoder returns a fresh metadata decoder.
func NewMetadataDecoder(opts *MetadataDecoderOptions) *MetadataDecoder {
	d := &MetadataDecoder{}
	if opts == nil || opts.Logger == nil {
		d.logger = defaultLogger()
	} else {
		d.logger = log.NewHelper(opts.Logger)
	}
	return d
}

// UUID returns the metadata stream UUID once a packet established it.
func (d *MetadataDecoder) UUID() (uuid.UUID, bool) {
	return d.uuid, d.uuidSet
}

// Decode returns the plaintext TSDL document carried by data.
func (d *MetadataDecoder) Decode(data []byte) (string, error) {
	packetized, bo := IsPacketizedMetadata(data)
	if !packetized {
		return string(data), nil
	}

	var text strings.Builder
	for off := 0; off < len(data); {
		hdr, err := ParseMetadataPacketHeader(data[off:], bo)
		if err != nil {
			return "", err
		}

		// Set the expected UUID from the first packet, validate it on
		// the others.
		if !d.uuidSet {
			d.uuid = hdr.UUID
			d.uuidSet = true
		} else if hdr.UUID != d.uuid {
			return "", fmt.Errorf("%w: metadata UUID mismatch between packets "+
				"of the same stream: expected-uuid=%s, uuid=%s",
				ErrCorruptTrace, d.uuid, hdr.UUID)
		}

		contentBytes := int(hdr.ContentSize / 8)
		packetBytes := int(hdr.PacketSize / 8)
		if off+contentBytes > len(data) {
			return "", fmt.Errorf("%w: truncated metadata packet",
				ErrCorruptTrace)
		}
		text.Write(data[off+MetadataPacketHeaderSize : off+contentBytes])

		if packetBytes == 0 {
			return "", fmt.Errorf("%w: zero metadata packet size",
				ErrCorruptTrace)
		}
		if off+packetBytes > len(data) {
			// The last packet may declare padding past the end of the
			// stream.
			off = len(data)
		} else {
			off += packetBytes
		}
	}

	d.logger.Debugf("de-framed packetized metadata: %d chars", text.Len())
	return text.String(), nil
}
