package pricing

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/local/printcheckout/internal/apperr"
	"github.com/local/printcheckout/internal/commerce"
	"github.com/local/printcheckout/internal/store"
)

// Checkout line metadata keys.
const (
	MetaHash           = "hash"
	MetaExtension      = "extension"
	MetaColoredPages   = "coloredPages"
	MetaCoverTextColor = "coverTextColor"
)

// CheckoutLine is a priced line ready for the commerce API.
type CheckoutLine = commerce.LineInput

// Catalog looks up products and their variants in a sales channel.
type Catalog interface {
	Products(ctx context.Context, ids []string, channel string) ([]commerce.Product, error)
}

// PrintProducts resolves a print product mapping by slug.
type PrintProducts interface {
	Get(ctx context.Context, slug string) (store.PrintProduct, error)
}

// Document is the part of an uploaded document pricing depends on.
type Document struct {
	Hash      string
	Extension string
	PageCount int
}

// LineRequest is one requested print configuration.
type LineRequest struct {
	Slug           string
	CoverVariantID string
	ColoredPages   []int
	Quantity       int
	CoverTextColor string
}

type Engine struct {
	catalog  Catalog
	products PrintProducts
}

func NewEngine(catalog Catalog, products PrintProducts) *Engine {
	return &Engine{catalog: catalog, products: products}
}

// Quote prices every request against doc. Each request resolves its own
// mapping, products and variants; the first failure aborts the batch and no
// lines are returned.
func (e *Engine) Quote(ctx context.Context, doc Document, channel string, reqs []LineRequest) ([]CheckoutLine, error) {
	if len(reqs) == 0 {
		return nil, apperr.Invalid("lines", "at least one line is required")
	}
	lines := make([]CheckoutLine, 0, len(reqs))
	for i, req := range reqs {
		line, err := e.quoteOne(ctx, doc, channel, req)
		if err != nil {
			return nil, fmt.Errorf("line %d (%s): %w", i+1, req.Slug, err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func (e *Engine) quoteOne(ctx context.Context, doc Document, channel string, req LineRequest) (CheckoutLine, error) {
	if req.Quantity < 1 {
		return CheckoutLine{}, apperr.Invalid("quantity", "must be at least 1")
	}
	if req.CoverVariantID == "" {
		return CheckoutLine{}, apperr.Invalid("coverVariantId", "required")
	}
	if err := ValidateColoredPages(doc.PageCount, req.ColoredPages); err != nil {
		return CheckoutLine{}, err
	}

	pp, err := e.products.Get(ctx, req.Slug)
	if err != nil {
		return CheckoutLine{}, err
	}
	if pp.CoverProductID == "" {
		return CheckoutLine{}, apperr.NotFound("cover product", req.Slug)
	}

	ids := []string{pp.PageProductID}
	if pp.CoverProductID != pp.PageProductID {
		ids = append(ids, pp.CoverProductID)
	}
	products, err := e.catalog.Products(ctx, ids, channel)
	if err != nil {
		return CheckoutLine{}, err
	}
	byID := make(map[string]commerce.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	coverProduct, ok := byID[pp.CoverProductID]
	if !ok {
		return CheckoutLine{}, apperr.NotFound("cover product", pp.CoverProductID)
	}
	pageProduct, ok := byID[pp.PageProductID]
	if !ok {
		return CheckoutLine{}, apperr.NotFound("page product", pp.PageProductID)
	}
	colored, ok := pageProduct.Variant(pp.ColoredPageVariantID)
	if !ok {
		return CheckoutLine{}, apperr.NotFound("colored page variant", pp.ColoredPageVariantID)
	}
	grayscale, ok := pageProduct.Variant(pp.GrayscalePageVariantID)
	if !ok {
		return CheckoutLine{}, apperr.NotFound("grayscale page variant", pp.GrayscalePageVariantID)
	}
	cover, ok := coverProduct.Variant(req.CoverVariantID)
	if !ok {
		return CheckoutLine{}, apperr.NotFound("cover variant", req.CoverVariantID)
	}

	price, err := Total(doc.PageCount, len(req.ColoredPages), UnitPrices{
		Cover:     PriceOrZero(cover),
		Colored:   PriceOrZero(colored),
		Grayscale: PriceOrZero(grayscale),
	})
	if err != nil {
		return CheckoutLine{}, err
	}

	log.Debug().
		Str("hash", doc.Hash).
		Str("slug", req.Slug).
		Int("pages", doc.PageCount).
		Int("colored", len(req.ColoredPages)).
		Float64("price", price).
		Msg("line priced")

	return CheckoutLine{
		VariantID:    req.CoverVariantID,
		Quantity:     req.Quantity,
		Price:        price,
		ForceNewLine: true,
		Metadata:     metadata(doc, req),
	}, nil
}

func metadata(doc Document, req LineRequest) []commerce.MetadataItem {
	pages := sortedCopy(req.ColoredPages)
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = strconv.Itoa(p)
	}
	items := []commerce.MetadataItem{
		{Key: MetaHash, Value: doc.Hash},
		{Key: MetaExtension, Value: doc.Extension},
		{Key: MetaColoredPages, Value: strings.Join(parts, ",")},
	}
	if req.CoverTextColor != "" {
		items = append(items, commerce.MetadataItem{Key: MetaCoverTextColor, Value: req.CoverTextColor})
	}
	return items
}
