// Package colorclass decides whether a rasterized page carries color ink.
package colorclass

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultThreshold is the per-channel difference a pixel must exceed to count as colorful.
const DefaultThreshold = 15

// Policy is the rule deciding whether a single pixel is colorful.
type Policy int

const (
	// AnyPair flags a pixel as soon as one of |R-G|, |R-B|, |G-B| exceeds
	// the threshold. Saturated primaries such as pure red only differ on
	// two pairs.
	AnyPair Policy = iota
	// AllPairs requires every channel pair to exceed the threshold. Stricter
	// against scan noise, but it misses saturated primaries and secondaries.
	AllPairs
)

func (p Policy) String() string {
	if p == AllPairs {
		return "all"
	}
	return "any"
}

// ParsePolicy maps "any"/"all" to a Policy; empty means AnyPair.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any", "any_pair":
		return AnyPair, nil
	case "all", "all_pairs":
		return AllPairs, nil
	}
	return AnyPair, fmt.Errorf("unknown color policy %q", s)
}

// Classifier holds the threshold and pixel policy.
type Classifier struct {
	Threshold int
	Policy    Policy
}

// New returns a Classifier; a negative threshold falls back to DefaultThreshold.
func New(threshold int, policy Policy) Classifier {
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	return Classifier{Threshold: threshold, Policy: policy}
}

// IsColorPage classifies the image at path with the default AnyPair policy.
func IsColorPage(path string, threshold int) (bool, error) {
	return New(threshold, AnyPair).IsColorPage(path)
}

// IsColorPage decodes the raster at path and classifies it.
func (c Classifier) IsColorPage(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return c.IsColorImage(img), nil
}

// IsColorImage reports whether any pixel of img is colorful. Images with
// fewer than three channels are never color.
func (c Classifier) IsColorImage(img image.Image) bool {
	if Channels(img) < 3 {
		return false
	}
	b := img.Bounds()

	switch m := img.(type) {
	case *image.NRGBA:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := m.Pix[(y-b.Min.Y)*m.Stride:]
			for x := 0; x < b.Dx(); x++ {
				i := x * 4
				if c.colorful(row[i], row[i+1], row[i+2]) {
					return true
				}
			}
		}
		return false
	case *image.RGBA:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := m.Pix[(y-b.Min.Y)*m.Stride:]
			for x := 0; x < b.Dx(); x++ {
				i := x * 4
				r, g, bl, a := row[i], row[i+1], row[i+2], row[i+3]
				if a != 0xff && a != 0 {
					r, g, bl = unpremultiply(r, a), unpremultiply(g, a), unpremultiply(bl, a)
				}
				if c.colorful(r, g, bl) {
					return true
				}
			}
		}
		return false
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			px := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			if c.colorful(px.R, px.G, px.B) {
				return true
			}
		}
	}
	return false
}

func (c Classifier) colorful(r, g, b uint8) bool {
	t := c.Threshold
	rg, rb, gb := absDiff(r, g) > t, absDiff(r, b) > t, absDiff(g, b) > t
	if c.Policy == AllPairs {
		return rg && rb && gb
	}
	return rg || rb || gb
}

// Channels reports how many color channels the decoded image carries,
// alpha included.
func Channels(img image.Image) int {
	switch img.(type) {
	case *image.Gray, *image.Gray16, *image.Alpha, *image.Alpha16:
		return 1
	case *image.NRGBA, *image.RGBA, *image.NRGBA64, *image.RGBA64:
		return 4
	case *image.CMYK:
		return 4
	case *image.YCbCr, *image.Paletted:
		return 3
	case *image.NYCbCrA:
		return 4
	}
	switch img.ColorModel() {
	case color.GrayModel, color.Gray16Model, color.AlphaModel, color.Alpha16Model:
		return 1
	}
	return 3
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a) - int(b)
	}
	return int(b) - int(a)
}

func unpremultiply(v, a uint8) uint8 {
	return uint8(uint32(v) * 0xff / uint32(a))
}
