// Package checkout adds priced print jobs to commerce checkouts and manages
// the print product mappings used to price them.
package checkout

import (
	"context"
	"sort"
	"strings"

	"github.com/local/printcheckout/internal/apperr"
	"github.com/local/printcheckout/internal/commerce"
	"github.com/local/printcheckout/internal/ingest"
	"github.com/local/printcheckout/internal/logger"
	"github.com/local/printcheckout/internal/metrics"
	"github.com/local/printcheckout/internal/pricing"
	"github.com/local/printcheckout/internal/store"
)

// catalogBatch is the largest id filter the catalog accepts in one query.
const catalogBatch = 100

type Documents interface {
	Get(ctx context.Context, hash string) (store.Document, bool, error)
}

type Quoter interface {
	Quote(ctx context.Context, doc pricing.Document, channel string, reqs []pricing.LineRequest) ([]pricing.CheckoutLine, error)
}

// PrintProducts is the mapping store.
type PrintProducts interface {
	Create(ctx context.Context, p store.PrintProduct) error
	Get(ctx context.Context, slug string) (store.PrintProduct, error)
	List(ctx context.Context) ([]store.PrintProduct, error)
	Delete(ctx context.Context, slug string) error
}

type Service struct {
	docs     Documents
	quoter   Quoter
	commerce commerce.Client
	products PrintProducts
}

func New(docs Documents, quoter Quoter, client commerce.Client, products PrintProducts) *Service {
	return &Service{docs: docs, quoter: quoter, commerce: client, products: products}
}

// LineBody is one requested print configuration.
type LineBody struct {
	Slug           string `json:"slug"`
	CoverVariantID string `json:"coverVariantId"`
	ColoredPages   []int  `json:"coloredPages"`
	Quantity       int    `json:"quantity"`
	CoverTextColor string `json:"coverTextColor,omitempty"`
}

// AddRequest is the add-to-checkout body. It carries either one line inline
// or several under Lines.
type AddRequest struct {
	Hash       string `json:"hash"`
	CheckoutID string `json:"checkoutId"`
	Channel    string `json:"channel"`
	LineBody
	Lines []LineBody `json:"lines,omitempty"`
}

func (r AddRequest) lineBodies() []LineBody {
	if len(r.Lines) > 0 {
		return r.Lines
	}
	return []LineBody{r.LineBody}
}

// Validate checks the shape of the request before anything is looked up.
func (r AddRequest) Validate() error {
	if _, err := ingest.ValidateHash(r.Hash); err != nil {
		return err
	}
	if strings.TrimSpace(r.CheckoutID) == "" {
		return apperr.Invalid("checkoutId", "required")
	}
	if strings.TrimSpace(r.Channel) == "" {
		return apperr.Invalid("channel", "required")
	}
	if len(r.Lines) > 0 && r.Slug != "" {
		return apperr.Invalid("lines", "use either lines or the single line fields")
	}
	for _, l := range r.lineBodies() {
		switch {
		case strings.TrimSpace(l.Slug) == "":
			return apperr.Invalid("slug", "required")
		case strings.TrimSpace(l.CoverVariantID) == "":
			return apperr.Invalid("coverVariantId", "required")
		case l.Quantity < 1:
			return apperr.Invalid("quantity", "must be at least 1")
		}
	}
	return nil
}

// AddLines prices every requested line against the uploaded document and
// adds them to the checkout in a single mutation.
func (s *Service) AddLines(ctx context.Context, req AddRequest) ([]pricing.CheckoutLine, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	hash, _ := ingest.ValidateHash(req.Hash)
	l := logger.From(ctx).With().Str("hash", hash).Str("checkout", req.CheckoutID).Logger()

	doc, ok, err := s.docs.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !ok || doc.PageCount < 1 {
		return nil, apperr.NotFound("document", hash)
	}

	bodies := req.lineBodies()
	reqs := make([]pricing.LineRequest, len(bodies))
	for i, b := range bodies {
		reqs[i] = pricing.LineRequest{
			Slug:           b.Slug,
			CoverVariantID: b.CoverVariantID,
			ColoredPages:   b.ColoredPages,
			Quantity:       b.Quantity,
			CoverTextColor: b.CoverTextColor,
		}
	}

	lines, err := s.quoter.Quote(ctx, pricing.Document{
		Hash:      doc.Hash,
		Extension: doc.Extension,
		PageCount: doc.PageCount,
	}, req.Channel, reqs)
	if err != nil {
		metrics.AddCheckoutLines("rejected", len(reqs))
		l.Warn().Err(err).Msg("pricing failed")
		return nil, err
	}

	if err := s.commerce.CheckoutLinesAdd(ctx, req.CheckoutID, lines); err != nil {
		metrics.AddCheckoutLines("error", len(lines))
		l.Error().Err(err).Int("lines", len(lines)).Msg("checkoutLinesAdd failed")
		return nil, err
	}
	metrics.AddCheckoutLines("ok", len(lines))
	l.Info().Int("lines", len(lines)).Msg("lines added to checkout")
	return lines, nil
}

// PrintProductView is a mapping with its catalog entities resolved. Entities
// the catalog did not return are null.
type PrintProductView struct {
	Slug                 string            `json:"slug"`
	CoverProduct         *commerce.Product `json:"coverProduct"`
	PageProduct          *commerce.Product `json:"pageProduct"`
	ColoredPageVariant   *commerce.Variant `json:"coloredPageVariant"`
	GrayscalePageVariant *commerce.Variant `json:"grayscalePageVariant"`
}

// ListPrintProducts returns the mappings, optionally filtered by slug, with
// products and variants looked up in channel.
func (s *Service) ListPrintProducts(ctx context.Context, channel, slug string) ([]PrintProductView, error) {
	if strings.TrimSpace(channel) == "" {
		return nil, apperr.Invalid("channel", "required")
	}
	all, err := s.products.List(ctx)
	if err != nil {
		return nil, err
	}
	var mappings []store.PrintProduct
	for _, p := range all {
		if slug == "" || p.Slug == slug {
			mappings = append(mappings, p)
		}
	}

	seen := map[string]bool{}
	var ids []string
	for _, p := range mappings {
		for _, id := range []string{p.PageProductID, p.CoverProductID} {
			if id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)

	byID := make(map[string]commerce.Product, len(ids))
	for start := 0; start < len(ids); start += catalogBatch {
		end := min(start+catalogBatch, len(ids))
		products, err := s.commerce.Products(ctx, ids[start:end], channel)
		if err != nil {
			return nil, err
		}
		for _, p := range products {
			byID[p.ID] = p
		}
	}

	out := make([]PrintProductView, 0, len(mappings))
	for _, m := range mappings {
		v := PrintProductView{Slug: m.Slug}
		if p, ok := byID[m.CoverProductID]; ok {
			v.CoverProduct = &p
		}
		if p, ok := byID[m.PageProductID]; ok {
			v.PageProduct = &p
			if cv, ok := p.Variant(m.ColoredPageVariantID); ok {
				v.ColoredPageVariant = &cv
			}
			if gv, ok := p.Variant(m.GrayscalePageVariantID); ok {
				v.GrayscalePageVariant = &gv
			}
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Service) CreatePrintProduct(ctx context.Context, p store.PrintProduct) error {
	p.Slug = strings.TrimSpace(p.Slug)
	if err := p.Validate(); err != nil {
		return err
	}
	return s.products.Create(ctx, p)
}

func (s *Service) DeletePrintProduct(ctx context.Context, slug string) error {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return apperr.Invalid("slug", "required")
	}
	return s.products.Delete(ctx, slug)
}
