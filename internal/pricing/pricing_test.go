package pricing

import (
	"context"
	"errors"
	"testing"

	"github.com/local/printcheckout/internal/apperr"
	"github.com/local/printcheckout/internal/commerce"
	"github.com/local/printcheckout/internal/store"
)

func price(v float64) *float64 { return &v }

type fakeCatalog struct {
	products map[string]commerce.Product
	calls    int
}

func (f *fakeCatalog) Products(ctx context.Context, ids []string, channel string) ([]commerce.Product, error) {
	f.calls++
	var out []commerce.Product
	for _, id := range ids {
		if p, ok := f.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeProducts map[string]store.PrintProduct

func (f fakeProducts) Get(ctx context.Context, slug string) (store.PrintProduct, error) {
	p, ok := f[slug]
	if !ok {
		return store.PrintProduct{}, apperr.NotFound("print product", slug)
	}
	return p, nil
}

func fixture() (*fakeCatalog, fakeProducts) {
	catalog := &fakeCatalog{products: map[string]commerce.Product{
		"cover": {ID: "cover", Variants: []commerce.Variant{
			{ID: "cover-soft", Price: price(20)},
			{ID: "cover-free"},
		}},
		"pages": {ID: "pages", Variants: []commerce.Variant{
			{ID: "page-color", Price: price(4)},
			{ID: "page-gray", Price: price(2)},
		}},
	}}
	products := fakeProducts{
		"a4": {Slug: "a4", CoverProductID: "cover", PageProductID: "pages",
			ColoredPageVariantID: "page-color", GrayscalePageVariantID: "page-gray"},
		"broken": {Slug: "broken", CoverProductID: "cover", PageProductID: "pages",
			ColoredPageVariantID: "page-missing", GrayscalePageVariantID: "page-gray"},
		"no-cover": {Slug: "no-cover", PageProductID: "pages",
			ColoredPageVariantID: "page-color", GrayscalePageVariantID: "page-gray"},
	}
	return catalog, products
}

func TestTotal(t *testing.T) {
	cases := []struct {
		name    string
		pages   int
		colored int
		want    float64
		wantErr bool
	}{
		{"mixed", 10, 3, 46, false},
		{"all colored", 10, 10, 60, false},
		{"all grayscale", 10, 0, 40, false},
		{"colored exceeds pages", 10, 11, 0, true},
		{"no pages", 0, 0, 0, true},
	}
	u := UnitPrices{Cover: 20, Colored: 4, Grayscale: 2}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Total(tc.pages, tc.colored, u)
			if tc.wantErr {
				var ip *apperr.InvalidPageSelectionError
				if !errors.As(err, &ip) {
					t.Fatalf("expected InvalidPageSelectionError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("Total = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestPriceOrZero(t *testing.T) {
	if got := PriceOrZero(commerce.Variant{ID: "v"}); got != 0 {
		t.Errorf("unpriced = %v", got)
	}
	if got := PriceOrZero(commerce.Variant{ID: "v", Price: price(3.5)}); got != 3.5 {
		t.Errorf("priced = %v", got)
	}
}

func TestValidateColoredPages(t *testing.T) {
	cases := []struct {
		name  string
		pages []int
		ok    bool
	}{
		{"empty", nil, true},
		{"valid", []int{1, 5, 10}, true},
		{"zero", []int{0}, false},
		{"beyond last", []int{11}, false},
		{"duplicate", []int{2, 2}, false},
		{"too many", []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 10}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateColoredPages(10, tc.pages)
			if (err == nil) != tc.ok {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestQuote(t *testing.T) {
	catalog, products := fixture()
	e := NewEngine(catalog, products)
	doc := Document{Hash: "abc", Extension: ".pdf", PageCount: 10}

	lines, err := e.Quote(context.Background(), doc, "default", []LineRequest{
		{Slug: "a4", CoverVariantID: "cover-soft", ColoredPages: []int{3, 1, 2}, Quantity: 2, CoverTextColor: "#ffffff"},
	})
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("lines = %d", len(lines))
	}
	l := lines[0]
	if l.Price != 46 || l.Quantity != 2 || l.VariantID != "cover-soft" || !l.ForceNewLine {
		t.Errorf("line = %+v", l)
	}
	meta := map[string]string{}
	for _, m := range l.Metadata {
		meta[m.Key] = m.Value
	}
	want := map[string]string{MetaHash: "abc", MetaExtension: ".pdf", MetaColoredPages: "1,2,3", MetaCoverTextColor: "#ffffff"}
	for k, v := range want {
		if meta[k] != v {
			t.Errorf("metadata[%s] = %q, want %q", k, meta[k], v)
		}
	}
}

func TestQuoteUnpricedCoverIsFree(t *testing.T) {
	catalog, products := fixture()
	lines, err := NewEngine(catalog, products).Quote(context.Background(),
		Document{Hash: "abc", PageCount: 2}, "default",
		[]LineRequest{{Slug: "a4", CoverVariantID: "cover-free", ColoredPages: []int{1}, Quantity: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if lines[0].Price != 6 {
		t.Errorf("price = %v, want 6", lines[0].Price)
	}
}

func TestQuoteBatchIsAllOrNothing(t *testing.T) {
	catalog, products := fixture()
	e := NewEngine(catalog, products)
	doc := Document{Hash: "abc", PageCount: 10}

	lines, err := e.Quote(context.Background(), doc, "default", []LineRequest{
		{Slug: "a4", CoverVariantID: "cover-soft", ColoredPages: []int{1}, Quantity: 1},
		{Slug: "broken", CoverVariantID: "cover-soft", Quantity: 1},
	})
	var nf *apperr.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if nf.Kind != "colored page variant" {
		t.Errorf("Kind = %s", nf.Kind)
	}
	if lines != nil {
		t.Errorf("partial lines returned: %+v", lines)
	}
	if catalog.calls != 2 {
		t.Errorf("catalog calls = %d, each line resolves its own products", catalog.calls)
	}
}

func TestQuoteFailures(t *testing.T) {
	catalog, products := fixture()
	e := NewEngine(catalog, products)
	doc := Document{Hash: "abc", PageCount: 3}

	cases := []struct {
		name   string
		req    LineRequest
		target any
	}{
		{"unknown slug", LineRequest{Slug: "nope", CoverVariantID: "cover-soft", Quantity: 1}, new(*apperr.NotFoundError)},
		{"no cover product", LineRequest{Slug: "no-cover", CoverVariantID: "cover-soft", Quantity: 1}, new(*apperr.NotFoundError)},
		{"unknown cover variant", LineRequest{Slug: "a4", CoverVariantID: "cover-x", Quantity: 1}, new(*apperr.NotFoundError)},
		{"too many colored", LineRequest{Slug: "a4", CoverVariantID: "cover-soft", ColoredPages: []int{1, 2, 3, 4}, Quantity: 1}, new(*apperr.InvalidPageSelectionError)},
		{"zero quantity", LineRequest{Slug: "a4", CoverVariantID: "cover-soft"}, new(*apperr.ValidationError)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Quote(context.Background(), doc, "default", []LineRequest{tc.req})
			if !errors.As(err, tc.target) {
				t.Errorf("err = %v (%T)", err, err)
			}
		})
	}
}
