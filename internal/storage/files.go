package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrFileNotFound = errors.New("file not found")
	ErrFileTooLarge = errors.New("file exceeds maximum size")
	ErrInvalidKey   = errors.New("invalid storage key")
)

// FileStore keeps document bytes addressed by storage key.
type FileStore interface {
	Save(ctx context.Context, key string, r io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

var mimeExtensionFallback = map[string]string{
	"application/pdf":    ".pdf",
	"application/msword": ".doc",
	"text/plain":         ".txt",
	"text/markdown":      ".md",
}

// NewStorageKey returns a fresh key that keeps the upload's extension.
func NewStorageKey(filename, contentType string) string {
	ext := normalizeExtension(filename)
	if ext == "" {
		ext = fallbackExtension(contentType)
	}
	if ext == "" {
		ext = ".bin"
	}
	return uuid.NewString() + ext
}

// LocalFiles stores documents on disk. Reads also search the fallback
// directories so files written by older layouts keep resolving.
type LocalFiles struct {
	docDir         string
	pdfDir         string
	fallbackDirs   []string
	maxUploadBytes int64
}

func NewLocalFiles(baseDir string, fallbackDirs []string, maxUploadBytes int64) (*LocalFiles, error) {
	lf := &LocalFiles{
		docDir:         filepath.Join(baseDir, "documents"),
		pdfDir:         filepath.Join(baseDir, "pdf"),
		maxUploadBytes: maxUploadBytes,
	}
	for _, dir := range fallbackDirs {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(baseDir, dir)
		}
		lf.fallbackDirs = append(lf.fallbackDirs, dir)
	}

	for _, dir := range []string{lf.docDir, lf.pdfDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	return lf, nil
}

func (lf *LocalFiles) Save(_ context.Context, key string, r io.Reader) (int64, error) {
	if err := checkKey(key); err != nil {
		return 0, err
	}
	return lf.writeWithLimit(filepath.Join(lf.docDir, key), r)
}

func (lf *LocalFiles) Open(_ context.Context, key string) (io.ReadCloser, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	for _, dir := range append([]string{lf.docDir}, lf.fallbackDirs...) {
		f, err := os.Open(filepath.Join(dir, key))
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", key, err)
		}
	}
	return nil, fmt.Errorf("%s: %w", key, ErrFileNotFound)
}

func (lf *LocalFiles) Delete(_ context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(lf.docDir, key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// PDFPath is where the rendered study sheet for a document lives.
func (lf *LocalFiles) PDFPath(id string) string {
	return filepath.Join(lf.pdfDir, fmt.Sprintf("%s.pdf", id))
}

func (lf *LocalFiles) writeWithLimit(path string, r io.Reader) (int64, error) {
	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}

	cleanup := func(err error) (int64, error) {
		out.Close()
		os.Remove(tmp)
		return 0, err
	}

	src := r
	if lf.maxUploadBytes > 0 {
		src = io.LimitReader(r, lf.maxUploadBytes+1)
	}
	total, err := io.Copy(out, src)
	if err != nil {
		return cleanup(fmt.Errorf("write file: %w", err))
	}
	if lf.maxUploadBytes > 0 && total > lf.maxUploadBytes {
		return cleanup(ErrFileTooLarge)
	}

	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("rename file: %w", err)
	}
	return total, nil
}

func checkKey(key string) error {
	if key == "" || key != filepath.Base(key) || strings.HasPrefix(key, ".") {
		return fmt.Errorf("%q: %w", key, ErrInvalidKey)
	}
	return nil
}

func normalizeExtension(filename string) string {
	ext := strings.ToLower(strings.TrimSpace(filepath.Ext(filename)))
	if ext == "" || ext == "." {
		return ""
	}
	return ext
}

func fallbackExtension(contentType string) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	if ext, ok := mimeExtensionFallback[contentType]; ok {
		return ext
	}
	exts, err := mime.ExtensionsByType(contentType)
	if err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
