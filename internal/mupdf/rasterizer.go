package mupdf

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	// DefaultDPI is the resolution pages are rasterized at for classification.
	DefaultDPI = 160
	// AllPages is the mutool page range covering the whole document.
	AllPages = "1-N"
)

// PageArtifact ties a rasterized image to the 1-based page it was rendered from.
type PageArtifact struct {
	Number int
	Path   string
}

// Name is the artifact file name, e.g. "3.png".
func (a PageArtifact) Name() string { return filepath.Base(a.Path) }

// Rasterizer converts document pages into one image file per page.
type Rasterizer interface {
	PageCount(ctx context.Context, documentPath string) (int, error)
	Rasterize(ctx context.Context, documentPath, outputDir, pageRange string, dpi int) ([]PageArtifact, error)
	IsAvailable() bool
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".tif": true, ".tiff": true, ".bmp": true, ".webp": true,
}

// ScanArtifacts lists image files in dir whose stem is a page number and
// returns them ordered by that number. Anything else (cover.png, the original
// upload) is ignored.
func ScanArtifacts(dir string) ([]PageArtifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []PageArtifact
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !imageExts[ext] {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
		if err != nil || n < 1 {
			continue
		}
		out = append(out, PageArtifact{Number: n, Path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}
