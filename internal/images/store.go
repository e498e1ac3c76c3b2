// Package images implements the content-addressed image store and the
// image processing task handlers.
package images

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// Store writes image objects into a content-addressed directory tree:
// <root>/<aa>/<bb>/<sha256>.<ext>. Identical bytes share one object.
type Store struct {
	root string
}

// NewStore creates the store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create image dir: %w", err)
	}
	return &Store{root: dir}, nil
}

// Key returns the object key for content bytes.
func Key(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// path fans objects out over two prefix levels to keep directories
// small.
func (s *Store) path(key, ext string) string {
	return filepath.Join(s.root, key[:2], key[2:4], key+ext)
}

// Put writes the object if absent and returns its key. ext includes
// the dot, e.g. ".jpg".
func (s *Store) Put(data []byte, ext string) (string, error) {
	key := Key(data)
	p := s.path(key, ext)
	if _, err := os.Stat(p); err == nil {
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("failed to create object dir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write object: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return "", fmt.Errorf("failed to commit object: %w", err)
	}
	return key, nil
}

// Get reads an object by key and extension.
func (s *Store) Get(key, ext string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key, ext))
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

// Exists reports whether an object is present.
func (s *Store) Exists(key, ext string) bool {
	_, err := os.Stat(s.path(key, ext))
	return err == nil
}

// Decode parses image bytes and reports dimensions.
func Decode(data []byte) (image.Image, int, int, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to decode image: %w", err)
	}
	bounds := img.Bounds()
	return img, bounds.Dx(), bounds.Dy(), nil
}

// EncodeJPEG re-encodes an image at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// Resize scales an image down so its longest edge is at most maxEdge,
// preserving aspect ratio. Smaller images pass through.
func Resize(img image.Image, maxEdge int) image.Image {
	bounds := img.Bounds()
	if bounds.Dx() <= maxEdge && bounds.Dy() <= maxEdge {
		return img
	}
	if bounds.Dx() >= bounds.Dy() {
		return imaging.Resize(img, maxEdge, 0, imaging.Lanczos)
	}
	return imaging.Resize(img, 0, maxEdge, imaging.Lanczos)
}

// Thumbnail crops and scales to a square thumbnail.
func Thumbnail(img image.Image, edge int) image.Image {
	return imaging.Thumbnail(img, edge, edge, imaging.Lanczos)
}
