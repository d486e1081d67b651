package img

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"
	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"
	_ "golang.org/x/image/webp" // registers the WebP decoder with image.Decode
)

// ErrDecode marks bytes that passed signature checks but are not a decodable image.
var ErrDecode = errors.New("decode image")

// Decode reads an image once into memory, applying EXIF orientation. The
// header is checked first so an image declaring more than maxPixels pixels is
// rejected before any pixel buffer is allocated. maxPixels <= 0 disables the
// check.
func Decode(data []byte, maxPixels int64) (image.Image, error) {
	hdr, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if n := int64(hdr.Width) * int64(hdr.Height); maxPixels > 0 && n > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, hdr.Width, hdr.Height, maxPixels)
	}

	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return src, nil
}

// Encode writes img in the derivative output format at the given quality.
func Encode(w io.Writer, img image.Image, format string, quality int) error {
	switch format {
	case "webp":
		opts, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, float32(quality))
		if err != nil {
			return fmt.Errorf("webp options: %w", err)
		}
		if err := webp.Encode(w, img, opts); err != nil {
			return fmt.Errorf("encode webp: %w", err)
		}
		return nil
	case "jpeg":
		if err := imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return fmt.Errorf("encode jpeg: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}
