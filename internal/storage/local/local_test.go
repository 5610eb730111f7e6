package local

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/otcheredev/spax/internal/spaxerr"
	"github.com/otcheredev/spax/internal/storage"
)

func TestProviderWriteReadRoundTrip(t *testing.T) {
	p, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ctx := context.Background()
	content := []byte("dicom bytes")

	if err := p.Write(ctx, "acme/2026/01/01/study/series/instance.dcm", bytes.NewReader(content), int64(len(content))); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	r, err := p.Read(ctx, "acme/2026/01/01/study/series/instance.dcm")
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("got %q, want %q", got, content)
	}
}

func TestProviderWriteOverwritesExisting(t *testing.T) {
	p, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ctx := context.Background()

	if err := p.Write(ctx, "a.dcm", bytes.NewReader([]byte("first")), 5); err != nil {
		t.Fatalf("first Write() error: %v", err)
	}
	if err := p.Write(ctx, "a.dcm", bytes.NewReader([]byte("second-longer")), 13); err != nil {
		t.Fatalf("second Write() error: %v", err)
	}

	size, err := p.Size(ctx, "a.dcm")
	if err != nil {
		t.Fatalf("Size() error: %v", err)
	}
	if size != 13 {
		t.Errorf("Size() = %d, want 13 after overwrite", size)
	}
}

func TestProviderExistsAndDelete(t *testing.T) {
	p, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ctx := context.Background()

	ok, err := p.Exists(ctx, "missing.dcm")
	if err != nil || ok {
		t.Fatalf("Exists() for missing file = %v, %v; want false, nil", ok, err)
	}

	if err := p.Write(ctx, "present.dcm", bytes.NewReader([]byte("x")), 1); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	ok, err = p.Exists(ctx, "present.dcm")
	if err != nil || !ok {
		t.Fatalf("Exists() for present file = %v, %v; want true, nil", ok, err)
	}

	if err := p.Delete(ctx, "present.dcm"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	ok, _ = p.Exists(ctx, "present.dcm")
	if ok {
		t.Error("expected file to be gone after Delete")
	}

	// Deleting an already-missing path is not an error.
	if err := p.Delete(ctx, "present.dcm"); err != nil {
		t.Errorf("Delete() on missing path returned error: %v", err)
	}
}

func TestProviderReadMissingReturnsNotFound(t *testing.T) {
	p, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	_, err = p.Read(context.Background(), "nope.dcm")
	if err == nil {
		t.Fatal("expected an error reading a missing file")
	}
	if kind := spaxerr.KindOf(err); kind != spaxerr.KindNotFound {
		t.Errorf("kind = %s, want %s", kind, spaxerr.KindNotFound)
	}
}

func TestProviderRejectsPathTraversal(t *testing.T) {
	p, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ctx := context.Background()

	for _, path := range []string{"../escape.dcm", "a/../../escape.dcm", "../../../etc/passwd"} {
		if err := p.Write(ctx, path, bytes.NewReader([]byte("x")), 1); err == nil {
			t.Errorf("Write(%q) expected a path-traversal error, got none", path)
		} else if kind := spaxerr.KindOf(err); kind != spaxerr.KindSecurity {
			t.Errorf("Write(%q) kind = %s, want %s", path, kind, spaxerr.KindSecurity)
		}
	}
}

func TestProviderAvailableAndTotalBytes(t *testing.T) {
	p, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ctx := context.Background()

	avail, err := p.AvailableBytes(ctx)
	if err != nil {
		t.Fatalf("AvailableBytes() error: %v", err)
	}
	total, err := p.TotalBytes(ctx)
	if err != nil {
		t.Fatalf("TotalBytes() error: %v", err)
	}
	if avail <= 0 || total <= 0 {
		t.Errorf("expected positive avail/total for a real filesystem, got %d/%d", avail, total)
	}
	if avail > total {
		t.Errorf("available (%d) must not exceed total (%d)", avail, total)
	}
}

func TestCopyFromCopiesBetweenProviders(t *testing.T) {
	src, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New(src) error: %v", err)
	}
	dst, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New(dst) error: %v", err)
	}
	ctx := context.Background()
	content := []byte("cross-volume payload")
	if err := src.Write(ctx, "instance.dcm", bytes.NewReader(content), int64(len(content))); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	n, err := storage.CopyFrom(ctx, src, "instance.dcm", dst, "instance.dcm")
	if err != nil {
		t.Fatalf("CopyFrom() error: %v", err)
	}
	if n != int64(len(content)) {
		t.Errorf("CopyFrom() returned %d bytes, want %d", n, len(content))
	}

	r, err := dst.Read(ctx, "instance.dcm")
	if err != nil {
		t.Fatalf("Read() on dst error: %v", err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if !bytes.Equal(got, content) {
		t.Errorf("dst content = %q, want %q", got, content)
	}
}
