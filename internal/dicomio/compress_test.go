package dicomio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// rleDecodeSegment is the inverse of rleEncodeSegment, used only to verify
// round-tripping in these tests.
func rleDecodeSegment(t *testing.T, enc []byte, wantLen int) []byte {
	t.Helper()
	out := make([]byte, 0, wantLen)
	i := 0
	for i < len(enc) && len(out) < wantLen {
		ctrl := int8(enc[i])
		i++
		switch {
		case ctrl >= 0:
			n := int(ctrl) + 1
			out = append(out, enc[i:i+n]...)
			i += n
		case ctrl != -128:
			n := 1 - int(ctrl)
			for j := 0; j < n; j++ {
				out = append(out, enc[i])
			}
			i++
		}
	}
	return out
}

func TestRLEEncodeSegmentRoundTrip(t *testing.T) {
	cases := [][]byte{
		{10, 10, 10, 20},
		bytes.Repeat([]byte{7}, 200),
		{1, 2, 3, 4, 5, 6, 7, 8},
		append(bytes.Repeat([]byte{0}, 5), append([]byte{1, 2}, bytes.Repeat([]byte{9}, 130)...)...),
		{},
		{42},
	}
	for _, src := range cases {
		enc := rleEncodeSegment(src)
		got := rleDecodeSegment(t, enc, len(src))
		if !bytes.Equal(got, src) {
			t.Errorf("round trip mismatch: src=%v got=%v enc=%v", src, got, enc)
		}
	}
}

func TestSplitRLESegments8BitSingleSample(t *testing.T) {
	frame := []byte{1, 2, 3, 4}
	segs, err := splitRLESegments(frame, 2, 2, 8, 1, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if !bytes.Equal(segs[0], frame) {
		t.Errorf("segment = %v, want %v", segs[0], frame)
	}
}

func TestSplitRLESegments16BitByteOrder(t *testing.T) {
	// Two little-endian samples: 0x0102 and 0x0304.
	frame := []byte{0x02, 0x01, 0x04, 0x03}
	segs, err := splitRLESegments(frame, 1, 2, 16, 1, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segs))
	}
	if !bytes.Equal(segs[0], []byte{0x01, 0x03}) {
		t.Errorf("MSB segment = %v, want [01 03]", segs[0])
	}
	if !bytes.Equal(segs[1], []byte{0x02, 0x04}) {
		t.Errorf("LSB segment = %v, want [02 04]", segs[1])
	}
}

func TestSplitRLESegmentsColorByPlane(t *testing.T) {
	// Interleaved RGB, planarConfig 0: pixel0=(1,2,3) pixel1=(4,5,6).
	frame := []byte{1, 2, 3, 4, 5, 6}
	segs, err := splitRLESegments(frame, 1, 2, 8, 3, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segs))
	}
	if !bytes.Equal(segs[0], []byte{1, 4}) || !bytes.Equal(segs[1], []byte{2, 5}) || !bytes.Equal(segs[2], []byte{3, 6}) {
		t.Errorf("segments = %v, want [[1 4] [2 5] [3 6]]", segs)
	}
}

func TestSplitRLESegmentsRejectsTooManySegments(t *testing.T) {
	if _, err := splitRLESegments(make([]byte, 32), 4, 4, 16, 8, 0); err == nil {
		t.Error("expected error for 16 segments")
	}
}

// buildExplicitLE writes a minimal Explicit VR Little Endian element.
func buildExplicitLE(buf *bytes.Buffer, group, element uint16, vr string, value []byte) {
	binary.Write(buf, binary.LittleEndian, group)
	binary.Write(buf, binary.LittleEndian, element)
	buf.WriteString(vr)
	if longFormVRs[vr] {
		buf.Write([]byte{0, 0})
		binary.Write(buf, binary.LittleEndian, uint32(len(value)))
	} else {
		binary.Write(buf, binary.LittleEndian, uint16(len(value)))
	}
	buf.Write(value)
}

func buildMinimalDICOMFile(pixels []byte) []byte {
	var buf bytes.Buffer
	buf.Write(make([]byte, 128))
	buf.WriteString("DICM")

	tsuid := TransferSyntaxExplicitVRLittleEndian + "\x00" // pad to even length
	buildExplicitLE(&buf, 0x0002, 0x0010, "UI", []byte(tsuid))

	u16 := func(v uint16) []byte {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, v)
		return b
	}
	buildExplicitLE(&buf, 0x0028, 0x0002, "US", u16(1)) // SamplesPerPixel
	buildExplicitLE(&buf, 0x0028, 0x0010, "US", u16(2)) // Rows
	buildExplicitLE(&buf, 0x0028, 0x0011, "US", u16(2)) // Columns
	buildExplicitLE(&buf, 0x0028, 0x0100, "US", u16(8)) // BitsAllocated

	buildExplicitLE(&buf, 0x7FE0, 0x0010, "OB", pixels)
	return buf.Bytes()
}

func TestRecompressToRLERejectsNonExplicitVRSource(t *testing.T) {
	meta := &Metadata{TransferSyntaxUID: "1.2.840.10008.1.2", Rows: 2, Columns: 2, BitsAllocated: 8, SamplesPerPixel: 1, NumberOfFrames: 1}
	if _, err := RecompressToRLE([]byte{}, meta); err == nil {
		t.Error("expected error for non-Explicit-VR-LE source")
	}
}

func TestRecompressToRLEEndToEnd(t *testing.T) {
	pixels := []byte{10, 10, 10, 20}
	raw := buildMinimalDICOMFile(pixels)
	meta := &Metadata{
		TransferSyntaxUID: TransferSyntaxExplicitVRLittleEndian,
		Rows:              2,
		Columns:           2,
		BitsAllocated:     8,
		SamplesPerPixel:   1,
		NumberOfFrames:    1,
	}

	out, err := RecompressToRLE(raw, meta)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Everything up to the pixel data element must be identical except the
	// transfer syntax UID value, which must now read RLE Lossless.
	c := &cursor{buf: out}
	if err := c.skipPreamble(); err != nil {
		t.Fatalf("preamble: %v", err)
	}
	off, length, err := c.findFileMetaTSUID()
	if err != nil {
		t.Fatalf("finding tsuid: %v", err)
	}
	got := string(bytes.TrimRight(out[off:off+length], "\x00"))
	if got != TransferSyntaxRLELossless {
		t.Errorf("transfer syntax = %q, want %q", got, TransferSyntaxRLELossless)
	}

	headerOff, dataOff, pdLength, encapsulated, err := c.seekToPixelDataOffsets(false, false)
	if err != nil {
		t.Fatalf("seeking to pixel data: %v", err)
	}
	if !encapsulated {
		t.Fatal("expected encapsulated (undefined length) pixel data")
	}
	_ = headerOff

	// Basic Offset Table item (empty), then one fragment.
	botTag := out[dataOff : dataOff+4]
	if !bytes.Equal(botTag, []byte{0xFE, 0xFF, 0x00, 0xE0}) {
		t.Fatalf("expected BOT item tag, got % x", botTag)
	}
	botLen := binary.LittleEndian.Uint32(out[dataOff+4 : dataOff+8])
	if botLen != 0 {
		t.Fatalf("expected empty BOT, got length %d", botLen)
	}

	fragOff := dataOff + 8
	fragTag := out[fragOff : fragOff+4]
	if !bytes.Equal(fragTag, []byte{0xFE, 0xFF, 0x00, 0xE0}) {
		t.Fatalf("expected fragment item tag, got % x", fragTag)
	}
	fragLen := binary.LittleEndian.Uint32(out[fragOff+4 : fragOff+8])
	fragment := out[fragOff+8 : fragOff+8+int(fragLen)]

	numSegments := binary.LittleEndian.Uint32(fragment[0:4])
	if numSegments != 1 {
		t.Fatalf("expected 1 segment, got %d", numSegments)
	}
	segOff := binary.LittleEndian.Uint32(fragment[4:8])
	decoded := rleDecodeSegment(t, fragment[segOff:], len(pixels))
	if !bytes.Equal(decoded, pixels) {
		t.Errorf("decoded pixel data = %v, want %v", decoded, pixels)
	}

	delimOff := fragOff + 8 + int(fragLen)
	if delimOff%2 != 0 {
		t.Fatalf("fragment end offset %d is not aligned", delimOff)
	}
	if !bytes.Equal(out[delimOff:delimOff+4], []byte{0xFE, 0xFF, 0xDD, 0xE0}) {
		t.Errorf("expected sequence delimitation item at end, got % x", out[delimOff:delimOff+4])
	}
	_ = pdLength
}
