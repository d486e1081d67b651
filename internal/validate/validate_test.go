package validate

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-derivatives/internal/config"
)

func TestCheckAcceptsKnownFormats(t *testing.T) {
	cfg := config.Default()

	webp := append([]byte("RIFF\x00\x00\x00\x00WEBPVP8 "), make([]byte, 16)...)

	tests := []struct {
		name        string
		data        []byte
		filename    string
		contentType string
		want        Format
	}{
		{"jpeg", encodeJPEG(t, 8, 8), "photo.JPG", "image/jpeg", FormatJPEG},
		{"png", encodePNG(t, 8, 8), "logo.png", "image/png; charset=binary", FormatPNG},
		{"webp", webp, "banner.webp", "image/webp", FormatWebP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Check(tt.data, tt.filename, tt.contentType, cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Format)
			assert.Equal(t, tt.data, res.Data)
		})
	}
}

func TestCheckRejections(t *testing.T) {
	cfg := config.Default()
	small := encodeJPEG(t, 2, 2)
	cfg.MaxUploadBytes = int64(len(small))

	tests := []struct {
		name        string
		data        []byte
		filename    string
		contentType string
		want        Reason
	}{
		{"empty buffer", nil, "a.jpg", "image/jpeg", ReasonEmpty},
		{"dot dot", small, "../a.jpg", "image/jpeg", ReasonPathTraversal},
		{"slash", small, "dir/a.jpg", "image/jpeg", ReasonPathTraversal},
		{"backslash", small, `dir\a.jpg`, "image/jpeg", ReasonPathTraversal},
		{"oversized", append(small, 0), "a.jpg", "image/jpeg", ReasonTooLarge},
		{"gif extension", small, "a.gif", "image/jpeg", ReasonExtension},
		{"no extension", small, "a", "image/jpeg", ReasonExtension},
		{"bad mime", small, "a.jpg", "application/octet-stream", ReasonContentType},
		{"wrong signature", []byte("GIF89a-not-really"), "a.jpg", "image/jpeg", ReasonSignature},
		{"truncated", []byte{0xFF, 0xD8}, "a.jpg", "image/jpeg", ReasonSignature},
		{"riff without webp", []byte("RIFF\x00\x00\x00\x00WAVEfmt "), "a.webp", "image/webp", ReasonSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Check(tt.data, tt.filename, tt.contentType, cfg)
			require.Error(t, err)
			assert.Nil(t, res)

			var verr *Error
			require.True(t, errors.As(err, &verr), "expected *validate.Error, got %T", err)
			assert.Equal(t, tt.want, verr.Reason)
		})
	}
}

func TestCheckOrderShortCircuits(t *testing.T) {
	cfg := config.Default()
	cfg.MaxUploadBytes = 4

	// Traversal is reported before size, extension and signature.
	_, err := Check([]byte("not an image at all"), "../x.exe", "text/plain", cfg)
	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, ReasonPathTraversal, verr.Reason)
}

func TestSniff(t *testing.T) {
	f, ok := Sniff([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D})
	assert.True(t, ok)
	assert.Equal(t, FormatPNG, f)

	_, ok = Sniff([]byte("RIFF1234WEB"))
	assert.False(t, ok)
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, solid(w, h), &jpeg.Options{Quality: 80}))
	return buf.Bytes()
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solid(w, h)))
	return buf.Bytes()
}

func solid(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	return img
}
