// Package media keeps copies of message attachments such as receipt photos.
//
// Files are named by the SHA-256 of their content, so storing the same bytes
// twice (a retried download, a redelivered webhook) yields the same reference.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

var extensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"audio/x-m4a":     ".m4a",
	"application/pdf": ".pdf",
}

// FileStore writes attachments under a directory and returns public URLs.
type FileStore struct {
	dir     string
	baseURL string
}

// NewFileStore creates dir if needed. baseURL is where dir is served from.
func NewFileStore(dir, baseURL string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("media: directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("media: create directory: %w", err)
	}
	return &FileStore{dir: dir, baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/")}, nil
}

// Put stores data and returns its URL. Existing content is not rewritten.
func (s *FileStore) Put(_ context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("media: empty content")
	}
	name := objectName(data, contentType)
	path := filepath.Join(s.dir, name)

	if _, err := os.Stat(path); err == nil {
		return s.url(name), nil
	}
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("media: create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("media: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("media: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("media: rename: %w", err)
	}
	return s.url(name), nil
}

// Handler serves stored files, for running without a CDN in front.
func (s *FileStore) Handler() http.Handler {
	return http.FileServer(http.Dir(s.dir))
}

func (s *FileStore) url(name string) string {
	if s.baseURL == "" {
		return "file://" + filepath.ToSlash(filepath.Join(s.dir, name))
	}
	return s.baseURL + "/" + url.PathEscape(name)
}

// objectName is the content address shared by every store.
func objectName(data []byte, contentType string) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) + extension(contentType)
}

func extension(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	if ext, ok := extensions[ct]; ok {
		return ext
	}
	return ".bin"
}
