package mupdf

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gen2brain/go-fitz"
	"github.com/rs/zerolog/log"

	"github.com/local/printcheckout/internal/apperr"
	"github.com/local/printcheckout/internal/metrics"
)

const fitzTool = "go-fitz"

// Fitz renders pages in-process with go-fitz (no external tools needed).
// It honours the same "<page>.png" naming contract as Mutool.
type Fitz struct {
	dpi int
}

// NewFitz creates a go-fitz backed Rasterizer.
func NewFitz(dpi int) *Fitz {
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	return &Fitz{dpi: dpi}
}

// IsAvailable always returns true since go-fitz is embedded
func (f *Fitz) IsAvailable() bool { return true }

func (f *Fitz) PageCount(ctx context.Context, documentPath string) (int, error) {
	start := time.Now()
	doc, err := fitz.New(documentPath)
	if err != nil {
		metrics.ObserveTool("info", err, time.Since(start))
		return 0, &apperr.ToolExecutionError{Tool: fitzTool, Args: []string{documentPath}, Reason: "open failed", Err: err}
	}
	defer doc.Close()

	n := doc.NumPage()
	metrics.ObserveTool("info", nil, time.Since(start))
	if n < 1 {
		return 0, &apperr.ToolExecutionError{Tool: fitzTool, Args: []string{documentPath}, Reason: "document has no pages"}
	}
	return n, nil
}

func (f *Fitz) Rasterize(ctx context.Context, documentPath, outputDir, pageRange string, dpi int) (artifacts []PageArtifact, err error) {
	if dpi <= 0 {
		dpi = f.dpi
	}
	start := time.Now()
	defer func() { metrics.ObserveTool("convert", err, time.Since(start)) }()

	doc, err := fitz.New(documentPath)
	if err != nil {
		return nil, &apperr.ToolExecutionError{Tool: fitzTool, Args: []string{documentPath}, Reason: "open failed", Err: err}
	}
	defer doc.Close()

	pages, err := ParsePageRange(pageRange, doc.NumPage())
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	for _, p := range pages {
		if err := ctx.Err(); err != nil {
			return nil, &apperr.ToolExecutionError{Tool: fitzTool, Args: []string{documentPath, pageRange}, Reason: "cancelled", Err: err}
		}
		// go-fitz uses 0-based indexing
		img, err := doc.ImageDPI(p-1, float64(dpi))
		if err != nil {
			return nil, &apperr.ToolExecutionError{Tool: fitzTool, Args: []string{documentPath, strconv.Itoa(p)}, Reason: "render failed", Err: err}
		}
		path := filepath.Join(outputDir, strconv.Itoa(p)+".png")
		if err := writePNG(path, img); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, PageArtifact{Number: p, Path: path})
	}

	log.Debug().Str("pdf", documentPath).Str("range", pageRange).Int("dpi", dpi).Int("pages", len(artifacts)).Msg("rasterized document with go-fitz")
	return artifacts, nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
