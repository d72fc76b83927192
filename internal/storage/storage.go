package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bdougie/framesearch/internal/models"
)

// AssetKind selects one of the two logical asset areas.
type AssetKind string

const (
	KindVideo AssetKind = "videos"
	KindFrame AssetKind = "frames"
)

// Asset is an opened stored asset.
type Asset struct {
	io.ReadCloser
	Name        string
	Size        int64
	ContentType string
}

// Store defines the interface for storing uploaded videos and extracted frames
type Store interface {
	// Put writes the contents of r under name and returns the reference
	// callers use to fetch it again.
	Put(ctx context.Context, kind AssetKind, name string, r io.Reader, size int64) (string, error)

	// Open returns the asset behind a reference produced by Put. Unknown
	// references fail with models.KindNotFound.
	Open(ctx context.Context, kind AssetKind, ref string) (*Asset, error)

	// Delete removes the asset behind ref. Unknown references fail with
	// models.KindNotFound.
	Delete(ctx context.Context, kind AssetKind, ref string) error
}

// FS manages saving and retrieving assets on the local filesystem
type FS struct {
	mu       sync.Mutex
	videoDir string
	frameDir string
	created  map[string]bool
}

// NewFS creates a new filesystem store rooted at the two directories
func NewFS(videoDir, frameDir string) *FS {
	return &FS{
		videoDir: videoDir,
		frameDir: frameDir,
		created:  map[string]bool{},
	}
}

func (s *FS) dir(kind AssetKind) (string, error) {
	switch kind {
	case KindVideo:
		return s.videoDir, nil
	case KindFrame:
		return s.frameDir, nil
	}
	return "", fmt.Errorf("unknown asset kind %q", kind)
}

// ensureDir creates dir once per process
func (s *FS) ensureDir(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created[dir] {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory '%s': %v", dir, err)
		}
	}
	s.created[dir] = true
	return nil
}

// Put writes an asset to disk. The reference is the slash-separated path
// "<dir>/<name>", which /get-frame/ accepts back.
func (s *FS) Put(ctx context.Context, kind AssetKind, name string, r io.Reader, size int64) (string, error) {
	dir, err := s.dir(kind)
	if err != nil {
		return "", err
	}
	base, err := cleanName(name)
	if err != nil {
		return "", err
	}
	if err := s.ensureDir(dir); err != nil {
		return "", err
	}

	target := filepath.Join(dir, base)
	tmp, err := os.CreateTemp(dir, "."+base+".*")
	if err != nil {
		return "", fmt.Errorf("failed to create file for asset: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, readerWithContext(ctx, r)); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write asset '%s': %w", base, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("failed to move asset into place: %w", err)
	}

	return filepath.ToSlash(target), nil
}

// Open resolves ref inside the directory for kind. References that point
// outside of it are reported as not found.
func (s *FS) Open(ctx context.Context, kind AssetKind, ref string) (*Asset, error) {
	dir, err := s.dir(kind)
	if err != nil {
		return nil, err
	}
	p, ok := s.resolve(dir, ref)
	if !ok {
		return nil, models.Errorf(models.KindNotFound, "storage.open", "asset %q not found", ref)
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.Errorf(models.KindNotFound, "storage.open", "asset %q not found", ref)
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		f.Close()
		return nil, models.Errorf(models.KindNotFound, "storage.open", "asset %q not found", ref)
	}

	return &Asset{
		ReadCloser:  f,
		Name:        info.Name(),
		Size:        info.Size(),
		ContentType: ContentType(info.Name()),
	}, nil
}

// Delete removes an asset written by Put.
func (s *FS) Delete(ctx context.Context, kind AssetKind, ref string) error {
	dir, err := s.dir(kind)
	if err != nil {
		return err
	}
	p, ok := s.resolve(dir, ref)
	if !ok {
		return models.Errorf(models.KindNotFound, "storage.delete", "asset %q not found", ref)
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return models.Errorf(models.KindNotFound, "storage.delete", "asset %q not found", ref)
		}
		return fmt.Errorf("failed to delete asset '%s': %w", ref, err)
	}
	return nil
}

// resolve maps a reference back to a path that is guaranteed to live
// directly inside dir.
func (s *FS) resolve(dir, ref string) (string, bool) {
	if ref == "" || strings.ContainsRune(ref, 0) {
		return "", false
	}
	clean := filepath.Clean(filepath.FromSlash(ref))
	root := filepath.Clean(dir)

	var candidate string
	switch {
	case filepath.Dir(clean) == root:
		candidate = clean
	case !strings.ContainsRune(ref, '/') && !strings.ContainsRune(ref, filepath.Separator):
		candidate = filepath.Join(root, clean)
	default:
		return "", false
	}
	if base := filepath.Base(candidate); base == "." || base == ".." || strings.HasPrefix(base, ".") {
		return "", false
	}
	return candidate, true
}

func cleanName(name string) (string, error) {
	base := path.Base(filepath.ToSlash(name))
	if base == "." || base == "/" || base == ".." || strings.HasPrefix(base, ".") {
		return "", fmt.Errorf("invalid asset name %q", name)
	}
	return base, nil
}

// ContentType guesses a MIME type from the file extension.
func ContentType(name string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
