package pages

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"

	"github.com/local/printcheckout/internal/colorclass"
	"github.com/local/printcheckout/internal/mupdf"
)

// fakeRasterizer writes one generated PNG per page; pages listed in colored
// get a red pixel.
type fakeRasterizer struct {
	total   int
	colored map[int]bool
	err     error
	ranges  []string
}

func (f *fakeRasterizer) IsAvailable() bool { return true }

func (f *fakeRasterizer) PageCount(ctx context.Context, path string) (int, error) {
	return f.total, nil
}

func (f *fakeRasterizer) Rasterize(ctx context.Context, path, outDir, pageRange string, dpi int) ([]mupdf.PageArtifact, error) {
	f.ranges = append(f.ranges, pageRange)
	if f.err != nil {
		return nil, f.err
	}
	pages, err := mupdf.ParsePageRange(pageRange, f.total)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	var out []mupdf.PageArtifact
	for _, p := range pages {
		img := image.NewRGBA(image.Rect(0, 0, 8, 8))
		for i := range img.Pix {
			img.Pix[i] = 0xff
		}
		img.SetRGBA(2, 2, color.RGBA{A: 0xff})
		if f.colored[p] {
			img.SetRGBA(4, 4, color.RGBA{R: 0xff, A: 0xff})
		}
		path := filepath.Join(outDir, strconv.Itoa(p)+".png")
		if err := encodePNG(path, img); err != nil {
			return nil, err
		}
		out = append(out, mupdf.PageArtifact{Number: p, Path: path})
	}
	return out, nil
}

type failingClassifier struct{ page string }

func (c failingClassifier) IsColorPage(path string) (bool, error) {
	if filepath.Base(path) == c.page {
		return false, errors.New("corrupt raster")
	}
	return false, nil
}

func TestProcessDocument(t *testing.T) {
	dir := t.TempDir()
	r := &fakeRasterizer{total: 5, colored: map[int]bool{2: true, 5: true}}
	p := New(r, colorclass.New(colorclass.DefaultThreshold, colorclass.AnyPair), Options{Workers: 3})

	res, err := p.ProcessDocument(context.Background(), "doc.pdf", dir, "")
	if err != nil {
		t.Fatalf("ProcessDocument: %v", err)
	}
	if !reflect.DeepEqual(res.ColoredPages, []int{2, 5}) {
		t.Errorf("ColoredPages = %v", res.ColoredPages)
	}
	if len(res.Pages) != 5 {
		t.Fatalf("Pages = %d", len(res.Pages))
	}
	for i, pg := range res.Pages {
		if pg.Number != i+1 || pg.Name != strconv.Itoa(i+1)+".png" {
			t.Errorf("page %d = %+v", i, pg)
		}
		if _, err := os.Stat(filepath.Join(dir, pg.Name)); err != nil {
			t.Errorf("artifact %s not published: %v", pg.Name, err)
		}
	}
	assertNoStaging(t, dir)
}

func TestProcessDocumentGrayscaleHasEmptyColoredPages(t *testing.T) {
	p := New(&fakeRasterizer{total: 2}, colorclass.New(15, colorclass.AnyPair), Options{})
	res, err := p.ProcessDocument(context.Background(), "doc.pdf", t.TempDir(), mupdf.AllPages)
	if err != nil {
		t.Fatal(err)
	}
	if res.ColoredPages == nil || len(res.ColoredPages) != 0 {
		t.Errorf("ColoredPages = %#v, want empty slice", res.ColoredPages)
	}
}

func TestProcessDocumentClassifierFailurePublishesNothing(t *testing.T) {
	dir := t.TempDir()
	p := New(&fakeRasterizer{total: 4}, failingClassifier{page: "3.png"}, Options{Workers: 2})

	_, err := p.ProcessDocument(context.Background(), "doc.pdf", dir, "")
	if err == nil || !strings.Contains(err.Error(), "classify page 3") {
		t.Fatalf("err = %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("output dir not empty: %v", entries)
	}
}

func TestProcessDocumentRasterizerFailure(t *testing.T) {
	dir := t.TempDir()
	p := New(&fakeRasterizer{err: errors.New("boom")}, colorclass.New(15, colorclass.AnyPair), Options{})
	if _, err := p.ProcessDocument(context.Background(), "doc.pdf", dir, ""); err == nil {
		t.Fatal("expected error")
	}
	assertNoStaging(t, dir)
}

func TestCreateCover(t *testing.T) {
	dir := t.TempDir()
	r := &fakeRasterizer{total: 3}
	p := New(r, colorclass.New(15, colorclass.AnyPair), Options{})

	name, err := p.CreateCover(context.Background(), "doc.pdf", dir, "")
	if err != nil {
		t.Fatalf("CreateCover: %v", err)
	}
	if name != DefaultCoverName {
		t.Errorf("name = %s", name)
	}
	if r.ranges[0] != "1" {
		t.Errorf("cover rasterized range %q, want page 1 only", r.ranges[0])
	}

	img, err := decodeFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	// background becomes transparent, the black dot stays opaque
	if _, _, _, a := img.At(0, 0).RGBA(); a != 0 {
		t.Errorf("background alpha = %d", a)
	}
	if _, _, _, a := img.At(2, 2).RGBA(); a != 0xffff {
		t.Errorf("ink alpha = %d", a)
	}
	assertNoStaging(t, dir)
}

func TestCoverImageThresholds(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 3, 1))
	src.Pix = []uint8{214, 215, 255}
	out := coverImage(src)

	want := []color.NRGBA{
		{R: 0, G: 0, B: 0, A: 255},
		{R: 255, G: 255, B: 255, A: 0},
		{R: 255, G: 255, B: 255, A: 0},
	}
	for x, w := range want {
		if got := out.NRGBAAt(x, 0); got != w {
			t.Errorf("pixel %d = %+v, want %+v", x, got, w)
		}
	}
}

func assertNoStaging(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			t.Errorf("leftover staging entry %s", e.Name())
		}
	}
}
