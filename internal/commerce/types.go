package commerce

import (
    "context"
    "errors"
)

// Variant is a sellable variant with its gross price in the requested channel.
// Price is nil when the catalog returned no pricing.
type Variant struct {
    ID    string   `json:"id"`
    Name  string   `json:"name"`
    Price *float64 `json:"price"`
}

type Product struct {
    ID       string    `json:"id"`
    Name     string    `json:"name"`
    Variants []Variant `json:"variants"`
}

// Variant looks up one of the product's variants by id.
func (p Product) Variant(id string) (Variant, bool) {
    for _, v := range p.Variants {
        if v.ID == id {
            return v, true
        }
    }
    return Variant{}, false
}

// MetadataItem is a string key/value pair stored on a checkout line.
type MetadataItem struct {
    Key   string `json:"key"`
    Value string `json:"value"`
}

// LineInput is one line for the checkoutLinesAdd mutation.
type LineInput struct {
    VariantID    string         `json:"variantId"`
    Quantity     int            `json:"quantity"`
    Price        float64        `json:"price"`
    ForceNewLine bool           `json:"forceNewLine"`
    Metadata     []MetadataItem `json:"metadata"`
}

// Client is the narrow surface of the commerce API the service depends on.
type Client interface {
    Products(ctx context.Context, ids []string, channel string) ([]Product, error)
    CheckoutLinesAdd(ctx context.Context, checkoutID string, lines []LineInput) error
}

var ErrRateLimited = errors.New("rate_limited")

func IsRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }
