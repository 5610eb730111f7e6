// Package local implements storage.Provider against a rooted directory on
// the local filesystem, with path-traversal rejection.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/otcheredev/spax/internal/spaxerr"
	"golang.org/x/sys/unix"
)

// Provider roots every operation under Base; any resolved path that would
// escape Base is refused with a security error.
type Provider struct {
	Base string
}

func New(base string) (*Provider, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolving base path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating base dir: %w", err)
	}
	return &Provider{Base: abs}, nil
}

func (p *Provider) resolve(relPath string) (string, error) {
	full := filepath.Join(p.Base, relPath)
	if !strings.HasPrefix(full, p.Base+string(filepath.Separator)) && full != p.Base {
		return "", spaxerr.New(spaxerr.KindSecurity, fmt.Sprintf("path %q escapes volume root", relPath))
	}
	return full, nil
}

func (p *Provider) Write(ctx context.Context, path string, r io.Reader, size int64) error {
	full, err := p.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return spaxerr.Wrap(spaxerr.KindStorageUnavailable, "creating directories", err)
	}
	tmp := full + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return spaxerr.Wrap(spaxerr.KindStorageUnavailable, "creating temp file", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return spaxerr.Wrap(spaxerr.KindStorageUnavailable, "writing file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return spaxerr.Wrap(spaxerr.KindStorageUnavailable, "closing file", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return spaxerr.Wrap(spaxerr.KindStorageUnavailable, "finalizing write", err)
	}
	return nil
}

func (p *Provider) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	full, err := p.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, spaxerr.Wrap(spaxerr.KindNotFound, path, err)
		}
		return nil, spaxerr.Wrap(spaxerr.KindStorageUnavailable, "opening file", err)
	}
	return f, nil
}

func (p *Provider) Delete(ctx context.Context, path string) error {
	full, err := p.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return spaxerr.Wrap(spaxerr.KindStorageUnavailable, "deleting file", err)
	}
	return nil
}

func (p *Provider) Exists(ctx context.Context, path string) (bool, error) {
	full, err := p.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, spaxerr.Wrap(spaxerr.KindStorageUnavailable, "stat failed", err)
}

func (p *Provider) Size(ctx context.Context, path string) (int64, error) {
	full, err := p.resolve(path)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, spaxerr.Wrap(spaxerr.KindNotFound, path, err)
		}
		return 0, spaxerr.Wrap(spaxerr.KindStorageUnavailable, "stat failed", err)
	}
	return info.Size(), nil
}

func (p *Provider) AvailableBytes(ctx context.Context) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(p.Base, &stat); err != nil {
		return 0, spaxerr.Wrap(spaxerr.KindStorageUnavailable, "statfs failed", err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

func (p *Provider) TotalBytes(ctx context.Context) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(p.Base, &stat); err != nil {
		return 0, spaxerr.Wrap(spaxerr.KindStorageUnavailable, "statfs failed", err)
	}
	return int64(stat.Blocks) * int64(stat.Bsize), nil
}
