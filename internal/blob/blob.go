// Package blob persists uploaded images on the local filesystem and exposes
// them through relative URLs. Clients send images as base64 data URLs; the
// store decodes them, writes a uniquely named file under the uploads
// directory, and returns the public path.
package blob

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/fireside-chat/fireside/internal/logger"
)

// ErrInvalidData is returned when the payload is not a well-formed base64
// data URL.
var ErrInvalidData = errors.New("invalid base64 image data")

const urlPrefix = "/uploads/"

var dataURLPattern = regexp.MustCompile(`^data:([A-Za-z0-9.+/-]+);base64,(.+)$`)

// Store writes image blobs under a single directory and addresses them by
// relative URL.
type Store struct {
	dir string
}

// NewStore ensures the upload directory exists and returns a store rooted
// there.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save decodes a base64 data URL, writes the bytes to a uniquely named file,
// and returns the relative URL for the stored image.
func (s *Store) Save(dataURL string) (string, error) {
	matches := dataURLPattern.FindStringSubmatch(dataURL)
	if len(matches) != 3 {
		return "", ErrInvalidData
	}

	raw, err := base64.StdEncoding.DecodeString(matches[2])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	name := uuid.NewString() + "." + extensionFor(matches[1])
	if err := os.WriteFile(filepath.Join(s.dir, name), raw, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	logger.Info("image_saved", "file", name, "bytes", len(raw))
	return urlPrefix + name, nil
}

// Load reads back the bytes for a URL previously returned by Save.
func (s *Store) Load(url string) ([]byte, error) {
	name := strings.TrimPrefix(url, urlPrefix)
	if name == "" || name == url || strings.Contains(name, "/") {
		return nil, fmt.Errorf("not a blob store URL: %q", url)
	}
	return os.ReadFile(filepath.Join(s.dir, name))
}

// Dir returns the directory blobs are written to, for static serving.
func (s *Store) Dir() string {
	return s.dir
}

func extensionFor(contentType string) string {
	switch {
	case contentType == "image/png":
		return "png"
	case contentType == "image/gif":
		return "gif"
	case strings.Contains(contentType, "svg"):
		return "svg"
	default:
		return "jpg"
	}
}
