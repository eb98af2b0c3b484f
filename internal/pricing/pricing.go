// Package pricing turns a classified document and requested print
// configurations into priced checkout lines.
package pricing

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/local/printcheckout/internal/apperr"
	"github.com/local/printcheckout/internal/commerce"
)

// UnitPrices are the catalog prices a configuration is billed at.
type UnitPrices struct {
	Cover     float64
	Colored   float64
	Grayscale float64
}

// Total is cover + colored*coloredUnit + grayscale*grayscaleUnit where the
// grayscale count is whatever the colored pages leave of pageCount.
func Total(pageCount, coloredCount int, u UnitPrices) (float64, error) {
	if pageCount < 1 {
		return 0, &apperr.InvalidPageSelectionError{PageCount: pageCount, Requested: coloredCount, Message: "document has no pages"}
	}
	grayscale := pageCount - coloredCount
	if coloredCount < 0 || grayscale < 0 {
		return 0, &apperr.InvalidPageSelectionError{PageCount: pageCount, Requested: coloredCount}
	}
	return u.Cover + float64(coloredCount)*u.Colored + float64(grayscale)*u.Grayscale, nil
}

// PriceOrZero resolves a variant's price, treating an un-priced variant as
// free instead of blocking checkout.
func PriceOrZero(v commerce.Variant) float64 {
	if v.Price == nil {
		log.Warn().Str("variant", v.ID).Msg("variant has no price, billing it as 0")
		return 0
	}
	return *v.Price
}

// ValidateColoredPages checks that every requested page exists in the
// document and is requested once.
func ValidateColoredPages(pageCount int, pages []int) error {
	if len(pages) > pageCount {
		return &apperr.InvalidPageSelectionError{PageCount: pageCount, Requested: len(pages)}
	}
	seen := make(map[int]bool, len(pages))
	for _, p := range pages {
		if p < 1 || p > pageCount {
			return &apperr.InvalidPageSelectionError{PageCount: pageCount, Requested: len(pages),
				Message: fmt.Sprintf("page %d outside 1-%d", p, pageCount)}
		}
		if seen[p] {
			return &apperr.InvalidPageSelectionError{PageCount: pageCount, Requested: len(pages),
				Message: fmt.Sprintf("page %d requested twice", p)}
		}
		seen[p] = true
	}
	return nil
}

func sortedCopy(pages []int) []int {
	out := append([]int(nil), pages...)
	sort.Ints(out)
	return out
}
