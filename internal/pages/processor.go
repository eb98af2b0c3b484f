package pages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/local/printcheckout/internal/metrics"
	"github.com/local/printcheckout/internal/mupdf"
)

// Classifier decides whether a single page raster is color.
type Classifier interface {
	IsColorPage(path string) (bool, error)
}

// PageClassification is the per-page outcome of a processing run.
type PageClassification struct {
	Number  int    `json:"number"`
	Name    string `json:"name"`
	IsColor bool   `json:"isColor"`
}

// Result aggregates a processed document.
type Result struct {
	Pages        []PageClassification `json:"pages"`
	ColoredPages []int                `json:"coloredPages"`
}

// Processor runs the rasterizer and the classifier over a document.
type Processor struct {
	rasterizer mupdf.Rasterizer
	classifier Classifier
	dpi        int
	workers    int
}

// Options configures a Processor.
type Options struct {
	DPI     int
	Workers int
}

// New creates a Processor.
func New(r mupdf.Rasterizer, c Classifier, opts Options) *Processor {
	if opts.DPI <= 0 {
		opts.DPI = mupdf.DefaultDPI
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Processor{rasterizer: r, classifier: c, dpi: opts.DPI, workers: opts.Workers}
}

// ProcessDocument rasterizes pageRange of documentPath into outputDir and
// classifies every page. Artifacts land in outputDir only once every page
// has been classified; on any error nothing is published.
func (p *Processor) ProcessDocument(ctx context.Context, documentPath, outputDir, pageRange string) (Result, error) {
	start := time.Now()
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create output dir: %w", err)
	}
	staging := filepath.Join(outputDir, ".staging-"+uuid.NewString())
	defer os.RemoveAll(staging)

	artifacts, err := p.rasterizer.Rasterize(ctx, documentPath, staging, pageRange, p.dpi)
	if err != nil {
		return Result{}, fmt.Errorf("rasterize: %w", err)
	}

	classes := make([]PageClassification, len(artifacts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, a := range artifacts {
		i, a := i, a
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			isColor, err := p.classifier.IsColorPage(a.Path)
			if err != nil {
				return fmt.Errorf("classify page %d: %w", a.Number, err)
			}
			classes[i] = PageClassification{Number: a.Number, Name: a.Name(), IsColor: isColor}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	sort.Slice(classes, func(i, j int) bool { return classes[i].Number < classes[j].Number })
	res := Result{Pages: classes, ColoredPages: []int{}}
	for _, c := range classes {
		metrics.IncPage(c.IsColor)
		if c.IsColor {
			res.ColoredPages = append(res.ColoredPages, c.Number)
		}
	}

	// publish
	for _, a := range artifacts {
		if err := os.Rename(a.Path, filepath.Join(outputDir, a.Name())); err != nil {
			return Result{}, fmt.Errorf("publish page %d: %w", a.Number, err)
		}
	}

	log.Info().
		Str("pdf", filepath.Base(documentPath)).
		Int("pages", len(res.Pages)).
		Ints("colored_pages", res.ColoredPages).
		Dur("duration", time.Since(start)).
		Msg("document classified")
	return res, nil
}
