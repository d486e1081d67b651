// cmd/test-convert runs the upload checks and a role's derivative recipe
// against a local file, without a queue, database or upload directory.
//
// Usage:
//
//	./test-convert -input photo.jpg -role PROJECT
//	./test-convert -input slide.png -role PROJECT_CAROUSEL -width 800 -format jpeg
//	./test-convert -input avatar.webp -probe  # Show metadata only
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"image"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tendant/simple-derivatives/internal/asset"
	"github.com/tendant/simple-derivatives/internal/config"
	"github.com/tendant/simple-derivatives/internal/img"
	"github.com/tendant/simple-derivatives/internal/validate"
)

func main() {
	input := flag.String("input", "", "Input image path (required)")
	outDir := flag.String("out", "", "Output directory (default: next to the input)")
	roleName := flag.String("role", "PROJECT", "Role: PROJECT, PROJECT_CAROUSEL, ARTICLE or PROFILE")
	width := flag.Int("width", 0, "Override max optimized width")
	thumb := flag.Int("thumb", 0, "Override thumbnail size")
	format := flag.String("format", "", "Override output format (webp or jpeg)")
	probe := flag.Bool("probe", false, "Show image metadata only (don't convert)")
	timeout := flag.Duration("timeout", 30*time.Second, "Render timeout")
	verbose := flag.Bool("v", false, "Verbose output")
	flag.Parse()

	if *input == "" {
		fmt.Println("Error: -input flag is required")
		flag.Usage()
		os.Exit(1)
	}

	data, err := os.ReadFile(*input)
	if err != nil {
		log.Fatalf("❌ Failed to read input: %v", err)
	}

	cfg := config.Default()
	cfg.ProcessTimeout = *timeout
	if *width > 0 {
		cfg.MaxOptimizedWidth = *width
	}
	if *thumb > 0 {
		cfg.ThumbnailSize = *thumb
	}
	if *format != "" {
		cfg.OutputFormat = *format
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Invalid settings: %v", err)
	}

	contentType := http.DetectContentType(data)
	res, err := validate.Check(data, filepath.Base(*input), contentType, cfg)
	if err != nil {
		log.Fatalf("❌ Rejected: %v", err)
	}
	if *verbose {
		fmt.Printf("📄 Input: %s\n", *input)
		fmt.Printf("🔍 Content type: %s, signature: %s\n", contentType, res.Format)
	}

	if *probe {
		fmt.Println("\n📊 Image Metadata:")
		fmt.Println(strings.Repeat("-", 40))
		printImageInfo(data, res.Format)
		return
	}

	role, err := asset.ParseRole(*roleName)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	fmt.Printf("\n🎨 Rendering %s derivatives...\n", role)
	start := time.Now()
	rendered, err := img.Render(context.Background(), data, role, cfg)
	if err != nil {
		log.Fatalf("❌ Conversion failed: %v", err)
	}
	duration := time.Since(start)

	dir := *outDir
	if dir == "" {
		dir = filepath.Dir(*input)
	}
	base := strings.TrimSuffix(filepath.Base(*input), filepath.Ext(*input))
	files := make([]img.File, 0, len(rendered.Outputs))
	for _, out := range rendered.Outputs {
		files = append(files, img.File{
			Path: filepath.Join(dir, outputName(base, out.Variant, cfg.OutputExt())),
			Data: out.Data,
		})
	}
	if _, err := img.Commit(files); err != nil {
		log.Fatalf("❌ Failed to write derivatives: %v", err)
	}

	fmt.Printf("\n✅ Conversion successful!\n")
	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("📐 Source: %dx%d\n", rendered.SourceWidth, rendered.SourceHeight)
	for i, out := range rendered.Outputs {
		fmt.Printf("📁 %-9s %s (%dx%d, %s)\n", out.Variant, files[i].Path, out.Width, out.Height, formatBytes(int64(len(out.Data))))
	}
	fmt.Printf("⏱️  Time: %v\n", duration.Round(time.Millisecond))

	if *verbose {
		var total int
		for _, out := range rendered.Outputs {
			total += len(out.Data)
		}
		fmt.Printf("\n📊 Input file: %s\n", formatBytes(int64(len(data))))
		fmt.Printf("📊 Compression: %.1f%%\n", float64(total)/float64(len(data))*100)
	}
	fmt.Println()
}

func outputName(base string, v img.Variant, ext string) string {
	if v == img.VariantThumbnail {
		return base + "_thumb" + ext
	}
	return base + "_optimized" + ext
}

// printImageInfo prints dimensions without a full decode.
func printImageInfo(data []byte, format validate.Format) {
	fmt.Printf("Format: %s\n", format)
	if c, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		fmt.Printf("Dimensions: %dx%d pixels\n", c.Width, c.Height)
	} else {
		fmt.Printf("Dimensions: unreadable (%v)\n", err)
	}
	fmt.Printf("File Size: %s\n", formatBytes(int64(len(data))))
}

// formatBytes formats bytes into human-readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
