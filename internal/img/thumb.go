// internal/img/thumb.go
package img

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// Carousel images are cropped to this aspect ratio.
const (
	CarouselRatioW = 16
	CarouselRatioH = 9
)

// MaxWidthOptimize scales src down to maxWidth, keeping the aspect ratio.
// Images already within the limit are returned unscaled.
func MaxWidthOptimize(src image.Image, maxWidth int) image.Image {
	if src.Bounds().Dx() <= maxWidth {
		return src
	}
	return imaging.Resize(src, maxWidth, 0, imaging.Lanczos)
}

// SquareThumbnail crops the centered min(w,h) square and resizes it to
// exactly size x size.
func SquareThumbnail(src image.Image, size int) image.Image {
	return imaging.Resize(centerSquare(src), size, size, imaging.Lanczos)
}

// AspectRatioCrop crops src to ratioW:ratioH around its center, keeping the
// full height for images wider than the ratio and the full width otherwise,
// then applies MaxWidthOptimize.
func AspectRatioCrop(src image.Image, ratioW, ratioH, maxWidth int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	var rect image.Rectangle
	if w*ratioH > h*ratioW {
		cw := clamp(int(math.Round(float64(h*ratioW)/float64(ratioH))), 1, w)
		x := (w - cw) / 2
		rect = image.Rect(b.Min.X+x, b.Min.Y, b.Min.X+x+cw, b.Max.Y)
	} else {
		ch := clamp(int(math.Round(float64(w*ratioH)/float64(ratioW))), 1, h)
		y := (h - ch) / 2
		rect = image.Rect(b.Min.X, b.Min.Y+y, b.Max.X, b.Min.Y+y+ch)
	}

	return MaxWidthOptimize(imaging.Crop(src, rect), maxWidth)
}

// ProfileSquare crops the centered square and shrinks it to maxSize when it
// is larger. It never upscales.
func ProfileSquare(src image.Image, maxSize int) image.Image {
	sq := centerSquare(src)
	if sq.Bounds().Dx() <= maxSize {
		return sq
	}
	return imaging.Resize(sq, maxSize, maxSize, imaging.Lanczos)
}

func centerSquare(src image.Image) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	c := min(w, h)
	x := (w - c) / 2
	y := (h - c) / 2
	return imaging.Crop(src, image.Rect(b.Min.X+x, b.Min.Y+y, b.Min.X+x+c, b.Min.Y+y+c))
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
