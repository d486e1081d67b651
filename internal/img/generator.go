package img

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/tendant/simple-derivatives/internal/asset"
	"github.com/tendant/simple-derivatives/internal/config"
)

var ErrUnsupportedRole = errors.New("unsupported role")

type Variant string

const (
	VariantOptimized Variant = "optimized"
	VariantThumbnail Variant = "thumbnail"
)

// Step produces one derivative from the decoded source.
type Step struct {
	Variant   Variant
	Transform func(src image.Image, cfg config.Storage) image.Image
	Quality   func(cfg config.Storage) int
}

// Recipe is the set of derivatives a role requires.
type Recipe struct {
	Steps []Step
}

// HasThumbnail reports whether the recipe produces a thumbnail.
func (r Recipe) HasThumbnail() bool {
	for _, s := range r.Steps {
		if s.Variant == VariantThumbnail {
			return true
		}
	}
	return false
}

var (
	optimizeStep = Step{
		Variant: VariantOptimized,
		Transform: func(src image.Image, cfg config.Storage) image.Image {
			return MaxWidthOptimize(src, cfg.MaxOptimizedWidth)
		},
		Quality: func(cfg config.Storage) int { return cfg.OptimizeQuality },
	}
	carouselStep = Step{
		Variant: VariantOptimized,
		Transform: func(src image.Image, cfg config.Storage) image.Image {
			return AspectRatioCrop(src, CarouselRatioW, CarouselRatioH, cfg.MaxOptimizedWidth)
		},
		Quality: func(cfg config.Storage) int { return cfg.OptimizeQuality },
	}
	thumbnailStep = Step{
		Variant: VariantThumbnail,
		Transform: func(src image.Image, cfg config.Storage) image.Image {
			return SquareThumbnail(src, cfg.ThumbnailSize)
		},
		Quality: func(cfg config.Storage) int { return cfg.ThumbnailQuality },
	}
	profileStep = Step{
		Variant: VariantOptimized,
		Transform: func(src image.Image, cfg config.Storage) image.Image {
			return ProfileSquare(src, cfg.ProfileMaxSize)
		},
		Quality: func(cfg config.Storage) int { return cfg.OptimizeQuality },
	}
)

// recipes is the single place a role is bound to its strategies.
var recipes = map[asset.Role]Recipe{
	asset.RoleProject:         {Steps: []Step{optimizeStep, thumbnailStep}},
	asset.RoleProjectCarousel: {Steps: []Step{carouselStep, thumbnailStep}},
	asset.RoleArticle:         {Steps: []Step{optimizeStep, thumbnailStep}},
	asset.RoleProfile:         {Steps: []Step{profileStep}},
}

// Lookup returns the recipe registered for role.
func Lookup(role asset.Role) (Recipe, error) {
	r, ok := recipes[role]
	if !ok {
		return Recipe{}, fmt.Errorf("%w: %s", ErrUnsupportedRole, role)
	}
	return r, nil
}

// Output is one encoded derivative held in memory until it is committed.
type Output struct {
	Variant Variant
	Data    []byte
	Width   int
	Height  int
}

// Rendered holds every derivative for one source image.
type Rendered struct {
	SourceWidth  int
	SourceHeight int
	Outputs      []Output
}

// Get returns the output for variant, if the recipe produced one.
func (r *Rendered) Get(v Variant) (Output, bool) {
	for _, o := range r.Outputs {
		if o.Variant == v {
			return o, true
		}
	}
	return Output{}, false
}

// Render decodes data once and runs the role's recipe, bounded by
// cfg.ProcessTimeout. Nothing is written to disk. A render that times out
// returns immediately; the background render stops at its next step boundary.
func Render(ctx context.Context, data []byte, role asset.Role, cfg config.Storage) (*Rendered, error) {
	recipe, err := Lookup(role)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ProcessTimeout)
	defer cancel()

	type result struct {
		rendered *Rendered
		err      error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic during render: %v", r)}
			}
		}()
		rendered, err := render(ctx, data, recipe, cfg)
		done <- result{rendered: rendered, err: err}
	}()

	select {
	case res := <-done:
		return res.rendered, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("render: %w", ctx.Err())
	}
}

func render(ctx context.Context, data []byte, recipe Recipe, cfg config.Storage) (*Rendered, error) {
	src, err := Decode(data, cfg.MaxPixels)
	if err != nil {
		return nil, err
	}

	b := src.Bounds()
	out := &Rendered{SourceWidth: b.Dx(), SourceHeight: b.Dy()}

	for _, step := range recipe.Steps {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("render %s: %w", step.Variant, err)
		}
		dst := step.Transform(src, cfg)
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("render %s: %w", step.Variant, err)
		}

		var buf bytes.Buffer
		if err := Encode(&buf, dst, cfg.OutputFormat, step.Quality(cfg)); err != nil {
			return nil, fmt.Errorf("%s: %w", step.Variant, err)
		}

		db := dst.Bounds()
		out.Outputs = append(out.Outputs, Output{
			Variant: step.Variant,
			Data:    buf.Bytes(),
			Width:   db.Dx(),
			Height:  db.Dy(),
		})
	}

	return out, nil
}
