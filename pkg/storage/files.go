// Package storage issues upload slots for visitor photos and resolves the
// locations of reconstruction outputs.
package storage

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

const maxNameLength = 100

// ErrInvalidFile is returned when an upload request fails validation.
var ErrInvalidFile = errors.New("invalid upload")

// FileSpec describes a file the visitor intends to upload.
type FileSpec struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// Upload is a single presigned upload slot.
type Upload struct {
	Name    string            `json:"name"`
	Key     string            `json:"key"`
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

// ValidateFiles checks that at least one file is requested and that every
// file is a non-empty image no larger than maxBytes.
func ValidateFiles(files []FileSpec, maxBytes int64) error {
	if len(files) == 0 {
		return fmt.Errorf("%w: no files", ErrInvalidFile)
	}

	for i, f := range files {
		if !strings.HasPrefix(strings.ToLower(f.ContentType), "image/") {
			return fmt.Errorf("%w: file %d has content type %q", ErrInvalidFile, i, f.ContentType)
		}

		if f.Size <= 0 || f.Size > maxBytes {
			return fmt.Errorf("%w: file %d size %d outside (0, %d]", ErrInvalidFile, i, f.Size, maxBytes)
		}
	}

	return nil
}

// SanitizeName reduces a client supplied file name to a safe key segment.
func SanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))

	var b strings.Builder

	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}

		if b.Len() >= maxNameLength {
			break
		}
	}

	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "upload"
	}

	return out
}

// IsCleanKey reports whether key is a clean relative object key under
// prefix. Traversal, absolute and unclean keys are rejected.
func IsCleanKey(key, prefix string) bool {
	if key == "" || strings.Contains(key, "..") {
		return false
	}

	if strings.HasPrefix(key, "/") || path.Clean(key) != key {
		return false
	}

	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return true
	}

	return strings.HasPrefix(key, prefix+"/")
}
