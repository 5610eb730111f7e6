package dicomweb

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// NewBoundary generates a random multipart boundary token.
func NewBoundary() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return "spax-" + hex.EncodeToString(b)
}

// RelatedWriter hand-rolls a multipart/related body byte-for-byte, per
// spec.md §9's wire contract: WADO responses are not built with
// mime/multipart because that package cannot stream a part's bytes without
// buffering the boundary detection state the way this writer avoids.
type RelatedWriter struct {
	w        io.Writer
	boundary string
	started  bool
}

func NewRelatedWriter(w io.Writer, boundary string) *RelatedWriter {
	return &RelatedWriter{w: w, boundary: boundary}
}

// ContentType returns the outer multipart/related Content-Type header
// value, naming rootType as the part media type per RFC 2387.
func (mw *RelatedWriter) ContentType(rootType string) string {
	return fmt.Sprintf(`multipart/related; type="%s"; boundary=%s`, rootType, mw.boundary)
}

// WritePart streams one part's headers then its body, copying r without
// buffering.
func (mw *RelatedWriter) WritePart(contentType string, r io.Reader) error {
	if _, err := fmt.Fprintf(mw.w, "\r\n--%s\r\nContent-Type: %s\r\n\r\n", mw.boundary, contentType); err != nil {
		return err
	}
	mw.started = true
	_, err := io.Copy(mw.w, r)
	return err
}

// Close writes the closing boundary. Safe to call even if no parts were
// written (an empty multipart body with just the terminator).
func (mw *RelatedWriter) Close() error {
	prefix := "\r\n"
	if !mw.started {
		prefix = ""
	}
	_, err := fmt.Fprintf(mw.w, "%s--%s--\r\n", prefix, mw.boundary)
	return err
}
