package flv

import (
	"encoding/binary"
	"fmt"
)

// maxHeaderPadding bounds the bytes a file header may declare between itself
// and the first previous-tag-size field.
const maxHeaderPadding = 1024

type demuxState int

const (
	stateFileHeader demuxState = iota
	stateHeaderPadding
	statePreviousTagSize
	stateTagHeader
	stateTagBody
)

func (s demuxState) String() string {
	switch s {
	case stateFileHeader:
		return "file_header"
	case stateHeaderPadding:
		return "header_padding"
	case statePreviousTagSize:
		return "previous_tag_size"
	case stateTagHeader:
		return "tag_header"
	case stateTagBody:
		return "tag_body"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// TagHandler receives every complete inbound tag. body is owned by the handler.
type TagHandler func(header *ParsedTagHeader, body []byte) error

// Demuxer splits an FLV byte stream into tags. It is resumable: Need reports the
// size of the next structure and Handle consumes exactly that many bytes, so it
// can be driven by any byte source that delivers fixed-size reads.
type Demuxer struct {
	state   demuxState
	file    *FileHeader
	tag     *ParsedTagHeader
	padding int
	handler TagHandler

	previousTagSize uint32

	tags  uint64
	bytes uint64
}

// NewDemuxer creates a demuxer expecting the 9-byte file header first
func NewDemuxer(handler TagHandler) *Demuxer {
	return &Demuxer{state: stateFileHeader, handler: handler}
}

// Need returns the number of bytes the next step consumes
func (d *Demuxer) Need() int {
	switch d.state {
	case stateFileHeader:
		return FileHeaderSize
	case stateHeaderPadding:
		return d.padding
	case statePreviousTagSize:
		return PreviousTagSizeLen
	case stateTagHeader:
		return TagHeaderSize
	case stateTagBody:
		return int(d.tag.DataSize)
	default:
		return 0
	}
}

// Handle consumes one structure and advances the state
func (d *Demuxer) Handle(data []byte) error {
	if len(data) != d.Need() {
		return fmt.Errorf("demuxer in state %s expected %d bytes, got %d", d.state, d.Need(), len(data))
	}
	d.bytes += uint64(len(data))

	switch d.state {
	case stateFileHeader:
		header, err := ParseFileHeader(data)
		if err != nil {
			return fmt.Errorf("failed to parse file header: %w", err)
		}
		if header.DataOffset > FileHeaderSize+maxHeaderPadding {
			return fmt.Errorf("file header data offset %d exceeds %d", header.DataOffset, FileHeaderSize+maxHeaderPadding)
		}
		d.file = header
		if extra := int(header.DataOffset) - FileHeaderSize; extra > 0 {
			d.padding = extra
			d.state = stateHeaderPadding
		} else {
			d.state = statePreviousTagSize
		}

	case stateHeaderPadding:
		d.state = statePreviousTagSize

	case statePreviousTagSize:
		// a mismatch does not break framing
		d.previousTagSize = binary.BigEndian.Uint32(data)
		d.state = stateTagHeader

	case stateTagHeader:
		header, err := ParseTagHeader(data)
		if err != nil {
			return fmt.Errorf("failed to parse tag header: %w", err)
		}
		d.tag = header
		if header.DataSize == 0 {
			return d.emit(nil)
		}
		d.state = stateTagBody

	case stateTagBody:
		return d.emit(data)

	default:
		return fmt.Errorf("demuxer in invalid state %s", d.state)
	}

	return nil
}

func (d *Demuxer) emit(body []byte) error {
	d.tags++
	d.state = statePreviousTagSize
	if d.handler == nil {
		return nil
	}
	if err := d.handler(d.tag, body); err != nil {
		return fmt.Errorf("tag handler failed for %s: %w", d.tag, err)
	}
	return nil
}

// FileHeader returns the parsed file header, nil until it has been read
func (d *Demuxer) FileHeader() *FileHeader {
	return d.file
}

// Tags returns the number of tags emitted so far
func (d *Demuxer) Tags() uint64 {
	return d.tags
}

// Bytes returns the number of bytes consumed so far
func (d *Demuxer) Bytes() uint64 {
	return d.bytes
}
