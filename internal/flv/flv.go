package flv

import (
	"encoding/binary"
	"fmt"
)

// Wire format constants
const (
	// Tag type codes
	TagTypeAudio  = 0x08
	TagTypeVideo  = 0x09
	TagTypeScript = 0x12

	// Logical channels carried alongside tags (never encoded on the wire)
	ChannelAudio    = 4
	ChannelMetadata = 5
	ChannelVideo    = 6

	// Structure sizes
	FileHeaderSize      = 9  // signature + version + flags + data offset
	PreviousTagSizeLen  = 4  // big-endian trailer after every tag
	StreamHeaderSize    = 13 // file header + PreviousTagSize0
	TagHeaderSize       = 11 // type + length:3 + timestamp:3 + extension:1 + stream id:3
	MaxPayloadSize      = 1<<24 - 1
	streamHeaderVersion = 0x01

	// Header flag bits
	FlagAudio = 0x04
	FlagVideo = 0x01

	// Codec ids
	AudioCodecAAC  = 10
	VideoCodecAVC  = 7
	VideoCodecHEVC = 12

	// Video frame types (upper nibble of the first video payload byte)
	FrameTypeKey   = 1
	FrameTypeInter = 2
)

// TagHeader describes a tag to be framed.
type TagHeader struct {
	Type      uint8  // TagTypeAudio, TagTypeVideo or TagTypeScript
	Timestamp uint32 // milliseconds, full 32 bits
	Channel   uint32 // logical channel, informational only
}

// ParsedTagHeader is the decoded 11-byte header of an inbound tag.
type ParsedTagHeader struct {
	Type      uint8
	DataSize  uint32
	Timestamp uint32
	StreamID  uint32
}

// FileHeader is the decoded 9-byte FLV file header.
type FileHeader struct {
	Version    uint8
	HasAudio   bool
	HasVideo   bool
	DataOffset uint32
}

// CreateTag frames payload as a single tag: 11-byte header, payload and the
// 4-byte previous tag size trailer (11 + len(payload)).
func CreateTag(h TagHeader, payload []byte) []byte {
	size := len(payload)
	tag := make([]byte, TagHeaderSize+size+PreviousTagSizeLen)

	tag[0] = h.Type
	putUint24(tag[1:4], uint32(size))
	putUint24(tag[4:7], h.Timestamp)
	tag[7] = byte(h.Timestamp >> 24)
	// bytes 8..10 stay zero (stream id)

	copy(tag[TagHeaderSize:], payload)
	binary.BigEndian.PutUint32(tag[TagHeaderSize+size:], uint32(TagHeaderSize+size))

	return tag
}

// StreamHeader returns the 13-byte stream header announcing which media types are present.
func StreamHeader(hasAudio, hasVideo bool) []byte {
	header := []byte{'F', 'L', 'V', streamHeaderVersion, 0x00, 0x00, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00, 0x00}
	if hasAudio {
		header[4] |= FlagAudio
	}
	if hasVideo {
		header[4] |= FlagVideo
	}
	return header
}

// ParseFileHeader parses the 9-byte FLV file header
func ParseFileHeader(data []byte) (*FileHeader, error) {
	if len(data) < FileHeaderSize {
		return nil, fmt.Errorf("file header too short: expected %d bytes, got %d", FileHeaderSize, len(data))
	}

	if data[0] != 'F' || data[1] != 'L' || data[2] != 'V' {
		return nil, fmt.Errorf("invalid signature: %q", data[0:3])
	}

	header := &FileHeader{
		Version:    data[3],
		HasAudio:   data[4]&FlagAudio != 0,
		HasVideo:   data[4]&FlagVideo != 0,
		DataOffset: binary.BigEndian.Uint32(data[5:9]),
	}

	if header.DataOffset < FileHeaderSize {
		return nil, fmt.Errorf("data offset too small: %d (minimum %d)", header.DataOffset, FileHeaderSize)
	}

	return header, nil
}

// ParseTagHeader parses the 11-byte tag header
func ParseTagHeader(data []byte) (*ParsedTagHeader, error) {
	if len(data) < TagHeaderSize {
		return nil, fmt.Errorf("tag header too short: expected %d bytes, got %d", TagHeaderSize, len(data))
	}

	header := &ParsedTagHeader{
		Type:      data[0] & 0x1f, // upper bits are reserved / filter flag
		DataSize:  uint24(data[1:4]),
		Timestamp: uint24(data[4:7]) | uint32(data[7])<<24,
		StreamID:  uint24(data[8:11]),
	}

	if !IsValidTagType(header.Type) {
		return nil, fmt.Errorf("invalid tag type: 0x%02x", header.Type)
	}

	return header, nil
}

// IsValidTagType checks if the tag type is one of audio, video or script data
func IsValidTagType(t uint8) bool {
	return t == TagTypeAudio || t == TagTypeVideo || t == TagTypeScript
}

// AudioCodecID extracts the sound format from an audio payload
func AudioCodecID(payload []byte) uint8 {
	if len(payload) == 0 {
		return 0
	}
	return payload[0] >> 4
}

// VideoCodecID extracts the codec id from a video payload
func VideoCodecID(payload []byte) uint8 {
	if len(payload) == 0 {
		return 0
	}
	return payload[0] & 0x0f
}

// VideoFrameType extracts the frame type from a video payload
func VideoFrameType(payload []byte) uint8 {
	if len(payload) == 0 {
		return 0
	}
	return payload[0] >> 4
}

// NeedsAudioSequenceHeader reports whether the codec carries out-of-band init data.
func NeedsAudioSequenceHeader(codec uint8) bool {
	return codec == AudioCodecAAC
}

// NeedsVideoSequenceHeader reports whether the codec carries out-of-band init data.
func NeedsVideoSequenceHeader(codec uint8) bool {
	return codec == VideoCodecAVC || codec == VideoCodecHEVC
}

// IsAudioSequenceHeader reports whether payload is an AAC sequence header
func IsAudioSequenceHeader(payload []byte) bool {
	return len(payload) >= 2 && NeedsAudioSequenceHeader(AudioCodecID(payload)) && payload[1] == 0
}

// IsVideoSequenceHeader reports whether payload is an AVC/HEVC sequence header
func IsVideoSequenceHeader(payload []byte) bool {
	return len(payload) >= 2 &&
		NeedsVideoSequenceHeader(VideoCodecID(payload)) &&
		VideoFrameType(payload) == FrameTypeKey &&
		payload[1] == 0
}

// IsKeyFrame reports whether payload is a video key frame that is not a sequence header
func IsKeyFrame(payload []byte) bool {
	return VideoFrameType(payload) == FrameTypeKey && !IsVideoSequenceHeader(payload)
}

// TagTypeString returns a human-readable tag type
func TagTypeString(t uint8) string {
	switch t {
	case TagTypeAudio:
		return "audio"
	case TagTypeVideo:
		return "video"
	case TagTypeScript:
		return "script"
	default:
		return fmt.Sprintf("unknown(0x%02x)", t)
	}
}

// String returns a human-readable representation of the tag header
func (h *ParsedTagHeader) String() string {
	return fmt.Sprintf("TagHeader{Type:%s, DataSize:%d, Timestamp:%d, StreamID:%d}",
		TagTypeString(h.Type), h.DataSize, h.Timestamp, h.StreamID)
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
