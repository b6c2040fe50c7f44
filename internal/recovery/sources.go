package recovery

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// LocalWALSource is the primary: the WAL directory already on disk.
type LocalWALSource struct {
	Dir string
}

func (s *LocalWALSource) Name() string { return "local_wal" }

func (s *LocalWALSource) IsAvailable(_ context.Context) (bool, error) {
	matches, err := filepath.Glob(filepath.Join(s.Dir, "wal-*.log"))
	if err != nil {
		return false, err
	}
	return len(matches) > 0, nil
}

// Restore is a no-op: the state is already where it belongs.
func (s *LocalWALSource) Restore(_ context.Context, _ string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.Dir, "wal-*.log"))
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}

// ObjectStoreSource fetches a gzipped tar snapshot of the WAL directory
// over HTTP.
type ObjectStoreSource struct {
	URL    string
	Client *http.Client
}

func (s *ObjectStoreSource) Name() string { return "object_store" }

func (s *ObjectStoreSource) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

func (s *ObjectStoreSource) IsAvailable(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.URL, nil)
	if err != nil {
		return false, err
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (s *ObjectStoreSource) Restore(ctx context.Context, destDir string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("recovery: snapshot fetch status %d", resp.StatusCode)
	}
	return untar(resp.Body, destDir)
}

// untar unpacks a gzipped tar stream into destDir, refusing entries that
// escape it.
func untar(r io.Reader, destDir string) (int, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, err
	}
	gz, err := gzip.NewReader(r)
	if err != nil {
		return 0, err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	files := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return files, err
		}
		name := filepath.Clean(hdr.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return files, fmt.Errorf("recovery: snapshot entry escapes destination: %s", hdr.Name)
		}
		target := filepath.Join(destDir, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return files, err
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
			if err != nil {
				return files, err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return files, err
			}
			if err := out.Close(); err != nil {
				return files, err
			}
			files++
		}
	}
}

// GitSource clones a snapshot repository and copies its WAL files in.
type GitSource struct {
	Remote string
}

func (s *GitSource) Name() string { return "git" }

func (s *GitSource) IsAvailable(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "ls-remote", "--heads", s.Remote)
	if err := cmd.Run(); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *GitSource) Restore(ctx context.Context, destDir string) (int, error) {
	tmp, err := os.MkdirTemp("", "dekapay-recovery-*")
	if err != nil {
		return 0, err
	}
	defer os.RemoveAll(tmp)

	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", s.Remote, tmp)
	if out, err := cmd.CombinedOutput(); err != nil {
		return 0, fmt.Errorf("recovery: git clone: %v: %s", err, out)
	}
	return copyGlob(filepath.Join(tmp, "wal-*.log"), destDir)
}

// TemplateSource is the terminal fallback: a pristine starting state. With
// no template configured it simply ensures an empty WAL directory, which is
// a valid genesis.
type TemplateSource struct {
	Path string
}

func (s *TemplateSource) Name() string { return "template" }

func (s *TemplateSource) IsAvailable(_ context.Context) (bool, error) { return true, nil }

func (s *TemplateSource) Restore(_ context.Context, destDir string) (int, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, err
	}
	if s.Path == "" {
		return 0, nil
	}
	return copyGlob(filepath.Join(s.Path, "wal-*.log"), destDir)
}

func copyGlob(pattern, destDir string) (int, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, err
	}
	files := 0
	for _, src := range matches {
		raw, err := os.ReadFile(src)
		if err != nil {
			return files, err
		}
		if err := os.WriteFile(filepath.Join(destDir, filepath.Base(src)), raw, 0o644); err != nil {
			return files, err
		}
		files++
	}
	return files, nil
}
