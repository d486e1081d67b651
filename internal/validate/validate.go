// Package validate checks uploaded bytes before anything touches disk.
package validate

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tendant/simple-derivatives/internal/config"
)

type Reason string

const (
	ReasonEmpty         Reason = "empty"
	ReasonPathTraversal Reason = "path_traversal"
	ReasonTooLarge      Reason = "too_large"
	ReasonExtension     Reason = "extension"
	ReasonContentType   Reason = "content_type"
	ReasonSignature     Reason = "signature"
)

// Error is returned for every rejected upload.
type Error struct {
	Reason  Reason
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid upload (%s): %s", e.Reason, e.Message)
}

func reject(r Reason, format string, args ...any) *Error {
	return &Error{Reason: r, Message: fmt.Sprintf(format, args...)}
}

type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
)

// Result is a buffer that passed every check, with the format its leading
// bytes identify.
type Result struct {
	Data   []byte
	Format Format
}

var (
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47}
	riffMagic = []byte("RIFF")
	webpMagic = []byte("WEBP")
)

// Check runs the upload checks in order and stops at the first failure. The
// signature check is authoritative over the declared extension and MIME type.
func Check(data []byte, filename, contentType string, cfg config.Storage) (*Result, error) {
	if len(data) == 0 {
		return nil, reject(ReasonEmpty, "no data")
	}
	if hasTraversal(filename) {
		return nil, reject(ReasonPathTraversal, "filename %q is not a plain file name", filename)
	}
	if int64(len(data)) > cfg.MaxUploadBytes {
		return nil, reject(ReasonTooLarge, "%d bytes exceeds limit of %d", len(data), cfg.MaxUploadBytes)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if !contains(cfg.AllowedExtensions, ext) {
		return nil, reject(ReasonExtension, "extension %q is not allowed", ext)
	}

	mime := normalizeContentType(contentType)
	if !contains(cfg.AllowedMIMETypes, mime) {
		return nil, reject(ReasonContentType, "content type %q is not allowed", contentType)
	}

	format, ok := Sniff(data)
	if !ok {
		return nil, reject(ReasonSignature, "content does not start with a JPEG, PNG or WebP signature")
	}

	return &Result{Data: data, Format: format}, nil
}

// Sniff identifies the format from the leading bytes only.
func Sniff(data []byte) (Format, bool) {
	switch {
	case bytes.HasPrefix(data, jpegMagic):
		return FormatJPEG, true
	case bytes.HasPrefix(data, pngMagic):
		return FormatPNG, true
	case len(data) >= 12 && bytes.Equal(data[0:4], riffMagic) && bytes.Equal(data[8:12], webpMagic):
		return FormatWebP, true
	}
	return "", false
}

func hasTraversal(name string) bool {
	if name == "" {
		return false
	}
	return strings.Contains(name, "..") ||
		strings.ContainsAny(name, `/\`) ||
		strings.ContainsRune(name, 0)
}

// normalizeContentType drops parameters such as "; charset=binary".
func normalizeContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

func contains(allowed []string, v string) bool {
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimSpace(a), v) {
			return true
		}
	}
	return false
}
