package ingest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/otcheredev/spax/internal/queue"
	"github.com/rs/zerolog"
)

func TestQuarantineNestsUnderTenantSubdirectory(t *testing.T) {
	root := t.TempDir()
	quarantineDir := filepath.Join(root, "error")

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "bad.dcm")
	if err := os.WriteFile(srcPath, []byte("not a real file"), 0o644); err != nil {
		t.Fatalf("writing source file: %v", err)
	}

	c := &Consumer{
		log:           zerolog.Nop(),
		quarantineDir: quarantineDir,
	}
	c.quarantine(queue.Message{FilePath: srcPath, TenantCode: "acme"}, errors.New("parse failure"))

	wantPath := filepath.Join(quarantineDir, "acme", "bad.dcm")
	if _, err := os.Stat(wantPath); err != nil {
		t.Fatalf("expected quarantined file at %s: %v", wantPath, err)
	}
	if _, err := os.Stat(srcPath); !os.IsNotExist(err) {
		t.Errorf("expected source file to be moved, still exists at %s", srcPath)
	}
}

func TestQuarantineNoopsWithoutConfiguredDir(t *testing.T) {
	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "bad.dcm")
	if err := os.WriteFile(srcPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("writing source file: %v", err)
	}

	c := &Consumer{log: zerolog.Nop()}
	c.quarantine(queue.Message{FilePath: srcPath, TenantCode: "acme"}, errors.New("boom"))

	if _, err := os.Stat(srcPath); err != nil {
		t.Errorf("expected source file untouched when quarantineDir is empty: %v", err)
	}
}
