package store

import (
    "context"
    "errors"
    "fmt"
    "sort"
    "strings"

    redis "github.com/redis/go-redis/v9"

    "github.com/local/printcheckout/internal/apperr"
)

// PrintProduct maps a storefront slug onto the catalog products and
// variants that price a print job.
type PrintProduct struct {
    Slug                   string `json:"slug"`
    CoverProductID         string `json:"coverProductId,omitempty"`
    PageProductID          string `json:"pageProductId"`
    ColoredPageVariantID   string `json:"coloredPageVariantId"`
    GrayscalePageVariantID string `json:"grayscalePageVariantId"`
}

// Validate checks the fields every mapping needs. The cover product is optional.
func (p PrintProduct) Validate() error {
    switch {
    case strings.TrimSpace(p.Slug) == "":
        return apperr.Invalid("slug", "required")
    case p.PageProductID == "":
        return apperr.Invalid("pageProductId", "required")
    case p.ColoredPageVariantID == "":
        return apperr.Invalid("coloredPageVariantId", "required")
    case p.GrayscalePageVariantID == "":
        return apperr.Invalid("grayscalePageVariantId", "required")
    }
    return nil
}

type PrintProductStore struct {
    client *redis.Client
    index  string
}

func NewPrintProductStore(c *redis.Client) *PrintProductStore {
    return &PrintProductStore{client: c, index: "printproducts"}
}

func (s *PrintProductStore) key(slug string) string { return fmt.Sprintf("printproduct:%s", slug) }

// Create stores a new mapping; slugs are unique.
func (s *PrintProductStore) Create(ctx context.Context, p PrintProduct) error {
    if err := p.Validate(); err != nil { return err }
    added, err := s.client.HSetNX(ctx, s.key(p.Slug), "slug", p.Slug).Result()
    if err != nil { return err }
    if !added { return apperr.Invalid("slug", fmt.Sprintf("%q already exists", p.Slug)) }

    _, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
        pipe.HSet(ctx, s.key(p.Slug), map[string]interface{}{
            "coverProductId":         p.CoverProductID,
            "pageProductId":          p.PageProductID,
            "coloredPageVariantId":   p.ColoredPageVariantID,
            "grayscalePageVariantId": p.GrayscalePageVariantID,
        })
        pipe.SAdd(ctx, s.index, p.Slug)
        return nil
    })
    return err
}

// Get returns the mapping for slug or a NotFoundError.
func (s *PrintProductStore) Get(ctx context.Context, slug string) (PrintProduct, error) {
    res, err := s.client.HGetAll(ctx, s.key(slug)).Result()
    if err != nil { return PrintProduct{}, err }
    if len(res) == 0 { return PrintProduct{}, apperr.NotFound("print product", slug) }
    return PrintProduct{
        Slug:                   slug,
        CoverProductID:         res["coverProductId"],
        PageProductID:          res["pageProductId"],
        ColoredPageVariantID:   res["coloredPageVariantId"],
        GrayscalePageVariantID: res["grayscalePageVariantId"],
    }, nil
}

// List returns all mappings sorted by slug.
func (s *PrintProductStore) List(ctx context.Context) ([]PrintProduct, error) {
    slugs, err := s.client.SMembers(ctx, s.index).Result()
    if err != nil { return nil, err }
    sort.Strings(slugs)
    out := make([]PrintProduct, 0, len(slugs))
    for _, slug := range slugs {
        p, err := s.Get(ctx, slug)
        var nf *apperr.NotFoundError
        if errors.As(err, &nf) {
            continue
        }
        if err != nil { return nil, err }
        out = append(out, p)
    }
    return out, nil
}

func (s *PrintProductStore) Delete(ctx context.Context, slug string) error {
    n, err := s.client.Del(ctx, s.key(slug)).Result()
    if err != nil { return err }
    s.client.SRem(ctx, s.index, slug)
    if n == 0 { return apperr.NotFound("print product", slug) }
    return nil
}
