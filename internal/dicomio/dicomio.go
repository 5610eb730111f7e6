// Package dicomio implements the streaming DICOM decoder of spec.md §4.4:
// a header parse that skips pixel data (built on suyashkumar/dicom) and a
// hand-rolled single-frame extractor that walks a fresh stream to the pixel
// data element and copies out exactly one frame without decoding the file.
package dicomio

import (
	"fmt"
	"strconv"
	"strings"
)

// FrameKind classifies how pixel data for one instance must be walked to
// extract a single frame, per spec.md §4.4's classification table.
type FrameKind int

const (
	UncompressedSingle FrameKind = iota
	CompressedSingle
	UncompressedMulti
	CompressedMulti
	Video
)

func (k FrameKind) String() string {
	switch k {
	case UncompressedSingle:
		return "UNCOMPRESSED_SINGLE"
	case CompressedSingle:
		return "COMPRESSED_SINGLE"
	case UncompressedMulti:
		return "UNCOMPRESSED_MULTI"
	case CompressedMulti:
		return "COMPRESSED_MULTI"
	case Video:
		return "VIDEO"
	default:
		return "UNKNOWN"
	}
}

// uncompressedTransferSyntaxes are the transfer syntaxes whose pixel data is
// stored as one contiguous native buffer (no encapsulation).
var uncompressedTransferSyntaxes = map[string]bool{
	"1.2.840.10008.1.2":       true, // implicit VR little endian
	"1.2.840.10008.1.2.1":     true, // explicit VR little endian
	"1.2.840.10008.1.2.1.99":  true, // deflated explicit VR little endian
	"1.2.840.10008.1.2.2":     true, // explicit VR big endian
}

// videoTransferSyntaxes are the MPEG-2/4/HEVC family: always classified
// VIDEO regardless of frame count.
var videoTransferSyntaxes = map[string]bool{
	"1.2.840.10008.1.2.4.100": true, // MPEG2 Main Profile @ Main Level
	"1.2.840.10008.1.2.4.101": true, // MPEG2 Main Profile @ High Level
	"1.2.840.10008.1.2.4.102": true, // MPEG-4 AVC/H.264 High Profile
	"1.2.840.10008.1.2.4.103": true, // MPEG-4 AVC/H.264 BD-compatible
	"1.2.840.10008.1.2.4.104": true,
	"1.2.840.10008.1.2.4.105": true,
	"1.2.840.10008.1.2.4.106": true,
	"1.2.840.10008.1.2.4.107": true, // HEVC/H.265 Main Profile
	"1.2.840.10008.1.2.4.108": true, // HEVC/H.265 Main 10 Profile
}

// IsBigEndian reports whether transferSyntaxUID orders the dataset's binary
// values as big endian. Only the retired explicit VR big endian syntax is.
func IsBigEndian(transferSyntaxUID string) bool {
	return transferSyntaxUID == "1.2.840.10008.1.2.2"
}

// IsImplicitVR reports whether transferSyntaxUID uses implicit VR encoding.
func IsImplicitVR(transferSyntaxUID string) bool {
	return transferSyntaxUID == "1.2.840.10008.1.2"
}

// Classify decides the FrameKind for an instance from its transfer syntax
// and frame count, per spec.md §4.4's table.
func Classify(transferSyntaxUID string, numFrames int) FrameKind {
	if videoTransferSyntaxes[transferSyntaxUID] {
		return Video
	}
	if uncompressedTransferSyntaxes[transferSyntaxUID] {
		if numFrames > 1 {
			return UncompressedMulti
		}
		return UncompressedSingle
	}
	if numFrames > 1 {
		return CompressedMulti
	}
	return CompressedSingle
}

// Tag is a (group, element) pair, matching DICOM's element addressing.
type Tag struct {
	Group   uint16
	Element uint16
}

func (t Tag) String() string {
	return fmt.Sprintf("%04X%04X", t.Group, t.Element)
}

// ParseTagHex parses an 8 hex-digit tag string (e.g. "0020000D") into a Tag.
func ParseTagHex(hex string) (Tag, error) {
	if len(hex) != 8 {
		return Tag{}, fmt.Errorf("tag %q must be 8 hex digits", hex)
	}
	group, err := strconv.ParseUint(hex[0:4], 16, 16)
	if err != nil {
		return Tag{}, fmt.Errorf("tag %q: bad group: %w", hex, err)
	}
	elem, err := strconv.ParseUint(hex[4:8], 16, 16)
	if err != nil {
		return Tag{}, fmt.Errorf("tag %q: bad element: %w", hex, err)
	}
	return Tag{Group: uint16(group), Element: uint16(elem)}, nil
}

var (
	tagPixelData             = Tag{Group: 0x7FE0, Element: 0x0010}
	tagItem                  = Tag{Group: 0xFFFE, Element: 0xE000}
	tagSequenceDelimitation  = Tag{Group: 0xFFFE, Element: 0xE0DD}
	tagItemDelimitation      = Tag{Group: 0xFFFE, Element: 0xE00D}
)

// undefinedLength marks an element or sequence whose length is not known
// up front (0xFFFFFFFF), used by encapsulated pixel data and SQ elements.
const undefinedLength uint32 = 0xFFFFFFFF

// longFormVRs are the explicit VRs encoded with a 2-byte reserved field and
// a 4-byte length, instead of a plain 2-byte length.
var longFormVRs = map[string]bool{
	"OB": true, "OW": true, "OF": true, "OD": true, "OL": true,
	"SQ": true, "UT": true, "UN": true, "UC": true, "UR": true,
}

func trimDICOMString(s string) string {
	return strings.Trim(s, " \x00")
}
