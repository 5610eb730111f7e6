package dicomio

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		ts    string
		n     int
		want  FrameKind
	}{
		{"1.2.840.10008.1.2", 1, UncompressedSingle},
		{"1.2.840.10008.1.2.1", 20, UncompressedMulti},
		{"1.2.840.10008.1.2.2", 1, UncompressedSingle},
		{"1.2.840.10008.1.2.4.100", 1, Video},
		{"1.2.840.10008.1.2.4.107", 30, Video},
		{"1.2.840.10008.1.2.4.90", 1, CompressedSingle},   // JPEG 2000 lossless
		{"1.2.840.10008.1.2.4.90", 10, CompressedMulti},
		{"1.2.840.10008.1.2.5", 1, CompressedSingle}, // RLE lossless
	}
	for _, c := range cases {
		if got := Classify(c.ts, c.n); got != c.want {
			t.Errorf("Classify(%s, %d) = %s, want %s", c.ts, c.n, got, c.want)
		}
	}
}

func TestParseTagHex(t *testing.T) {
	tag, err := ParseTagHex("0020000D")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tag.Group != 0x0020 || tag.Element != 0x000D {
		t.Errorf("got group=%04x element=%04x", tag.Group, tag.Element)
	}
	if tag.String() != "0020000D" {
		t.Errorf("String() = %s", tag.String())
	}

	if _, err := ParseTagHex("bad"); err == nil {
		t.Error("expected error for short tag")
	}
}

func TestNativeFrameLength(t *testing.T) {
	meta := &Metadata{Rows: 256, Columns: 256, BitsAllocated: 16, SamplesPerPixel: 1}
	if got := nativeFrameLength(meta); got != 256*256*2 {
		t.Errorf("nativeFrameLength = %d, want %d", got, 256*256*2)
	}
}

func TestIsBigEndianIsImplicitVR(t *testing.T) {
	if !IsBigEndian("1.2.840.10008.1.2.2") {
		t.Error("expected explicit VR big endian to be big endian")
	}
	if IsBigEndian("1.2.840.10008.1.2.1") {
		t.Error("explicit VR little endian must not be big endian")
	}
	if !IsImplicitVR("1.2.840.10008.1.2") {
		t.Error("expected implicit VR little endian to be implicit")
	}
	if IsImplicitVR("1.2.840.10008.1.2.1") {
		t.Error("explicit VR little endian must not be implicit")
	}
}
