package mupdf

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/local/printcheckout/internal/apperr"
)

// ParsePageRange expands a mutool style page range ("1-N", "1,3,5-7", "N-1")
// against the document's page count. Pages are returned in the order mutool
// renders them. Out of range and repeated pages are rejected.
func ParsePageRange(rng string, total int) ([]int, error) {
	rng = strings.TrimSpace(rng)
	if rng == "" {
		rng = AllPages
	}
	if total < 1 {
		return nil, apperr.Invalid("pages", "document has no pages")
	}
	seen := make(map[int]bool)
	var pages []int
	for _, tok := range strings.Split(rng, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			return nil, apperr.Invalid("pages", fmt.Sprintf("empty element in %q", rng))
		}
		from, to := tok, tok
		if i := strings.Index(tok, "-"); i >= 0 {
			from, to = tok[:i], tok[i+1:]
		}
		a, err := pageNumber(from, total)
		if err != nil {
			return nil, err
		}
		b, err := pageNumber(to, total)
		if err != nil {
			return nil, err
		}
		step := 1
		if b < a {
			step = -1
		}
		for p := a; ; p += step {
			if seen[p] {
				return nil, apperr.Invalid("pages", fmt.Sprintf("page %d listed twice", p))
			}
			seen[p] = true
			pages = append(pages, p)
			if p == b {
				break
			}
		}
	}
	return pages, nil
}

func pageNumber(s string, total int) (int, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "N") {
		return total, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, apperr.Invalid("pages", fmt.Sprintf("bad page number %q", s))
	}
	if n < 1 || n > total {
		return 0, apperr.Invalid("pages", fmt.Sprintf("page %d outside 1-%d", n, total))
	}
	return n, nil
}
