package pages

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultCoverName is the file name of the storefront thumbnail.
	DefaultCoverName = "cover.png"

	lineArtCut = 215
	alphaCut   = 254
)

// CreateCover renders page 1 of documentPath as transparent line art and
// writes it to outputDir/fileName. It returns the file name written.
func (p *Processor) CreateCover(ctx context.Context, documentPath, outputDir, fileName string) (string, error) {
	if fileName == "" {
		fileName = DefaultCoverName
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.MkdirTemp(outputDir, ".cover-")
	if err != nil {
		return "", fmt.Errorf("create cover staging dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	artifacts, err := p.rasterizer.Rasterize(ctx, documentPath, tmp, "1", p.dpi)
	if err != nil {
		return "", fmt.Errorf("rasterize cover: %w", err)
	}
	if len(artifacts) == 0 {
		return "", fmt.Errorf("rasterize cover: no page produced")
	}

	src, err := decodeFile(artifacts[0].Path)
	if err != nil {
		return "", err
	}
	cover := coverImage(src)

	staged := filepath.Join(tmp, fileName)
	if err := encodePNG(staged, cover); err != nil {
		return "", err
	}
	if err := os.Rename(staged, filepath.Join(outputDir, fileName)); err != nil {
		return "", fmt.Errorf("publish cover: %w", err)
	}

	log.Debug().Str("pdf", filepath.Base(documentPath)).Str("cover", fileName).Msg("cover created")
	return fileName, nil
}

// coverImage thresholds src into black line art on a transparent background.
func coverImage(src image.Image) *image.NRGBA {
	lineArt := applyThreshold(toGrayscale(src), lineArtCut)
	alpha := invert(applyThreshold(lineArt, alphaCut))

	b := lineArt.Bounds()
	out := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := lineArt.GrayAt(x, y).Y
			out.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: alpha.GrayAt(x, y).Y})
		}
	}
	return out
}

func toGrayscale(img image.Image) *image.Gray {
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray.Set(x, y, color.GrayModel.Convert(img.At(x, y)))
		}
	}
	return gray
}

// applyThreshold maps values at or above cut to 255 and the rest to 0.
func applyThreshold(img *image.Gray, cut uint8) *image.Gray {
	bounds := img.Bounds()
	binary := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if img.GrayAt(x, y).Y < cut {
				binary.SetGray(x, y, color.Gray{Y: 0})
			} else {
				binary.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return binary
}

func invert(img *image.Gray) *image.Gray {
	out := image.NewGray(img.Bounds())
	for i, v := range img.Pix {
		out.Pix[i] = 255 - v
	}
	return out
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

func encodePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
