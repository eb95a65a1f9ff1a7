// Package media prepares attachments before they reach the engine: images
// are downscaled and re-encoded so a phone-sized photo doesn't blow up the
// vision projector, and documents are flattened to plain text for
// inlining into a message.
package media

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	pdf "github.com/ledongthuc/pdf"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"

	"Hearth/internal/config"
)

// Processor resizes and re-encodes attachment images.
type Processor struct {
	cfg      config.MediaConfig
	cacheDir string
}

// NewProcessor builds a processor writing prepared images into cacheDir.
// An empty cacheDir falls back to the system temp directory.
func NewProcessor(cfg config.MediaConfig, cacheDir string) *Processor {
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = 1024
	}
	if cfg.MaxHeight <= 0 {
		cfg.MaxHeight = 1024
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 85
	}
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "hearth-media")
	}
	return &Processor{cfg: cfg, cacheDir: cacheDir}
}

// PrepareImage loads an image, downscales it to the configured bounds, and
// returns the path of the prepared JPEG. Images already within bounds pass
// through untouched, original path returned.
func (p *Processor) PrepareImage(path string) (string, error) {
	img, err := loadImage(path)
	if err != nil {
		return "", fmt.Errorf("media: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() <= p.cfg.MaxWidth && bounds.Dy() <= p.cfg.MaxHeight {
		return path, nil
	}

	newWidth, newHeight := fitDimensions(bounds.Dx(), bounds.Dy(), p.cfg.MaxWidth, p.cfg.MaxHeight)
	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: p.cfg.Quality}); err != nil {
		return "", fmt.Errorf("media: encode: %w", err)
	}

	if err := os.MkdirAll(p.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("media: ensure cache dir: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	out := filepath.Join(p.cacheDir, base+"_prepared.jpg")
	if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("media: write prepared image: %w", err)
	}
	return out, nil
}

// ExtractDocumentText flattens a document attachment to plain text. PDFs
// go through the pdf reader; everything else is treated as UTF-8 text.
func ExtractDocumentText(path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return extractPDFText(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("media: %w", err)
	}
	return string(data), nil
}

// InlineDocuments appends each document's extracted text to the message
// content, tagged with its file name so the model can tell the sources
// apart. Documents that fail extraction are skipped.
func InlineDocuments(content string, paths []string) string {
	var b strings.Builder
	b.WriteString(content)
	for _, path := range paths {
		text, err := ExtractDocumentText(path)
		if err != nil {
			log.Printf("media: skipping document %s: %v", path, err)
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "\n\n[%s]\n%s", filepath.Base(path), text)
	}
	return b.String()
}

func extractPDFText(path string) (string, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("media: open pdf: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("media: extract pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("media: read pdf text: %w", err)
	}
	return buf.String(), nil
}

// loadImage reads and decodes an image file, with extension-based fallback
// for formats the registered decoders miss.
func loadImage(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err == nil {
		return img, nil
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".bmp":
		return bmp.Decode(bytes.NewReader(data))
	case ".jpg", ".jpeg":
		return jpeg.Decode(bytes.NewReader(data))
	case ".png":
		return png.Decode(bytes.NewReader(data))
	}
	return nil, fmt.Errorf("unsupported image format: %w", err)
}

// fitDimensions scales (width, height) to fit within (maxW, maxH),
// preserving aspect ratio.
func fitDimensions(width, height, maxW, maxH int) (int, int) {
	widthRatio := float64(maxW) / float64(width)
	heightRatio := float64(maxH) / float64(height)

	ratio := widthRatio
	if heightRatio < widthRatio {
		ratio = heightRatio
	}
	if ratio >= 1.0 {
		return width, height
	}
	return int(float64(width) * ratio), int(float64(height) * ratio)
}
