package mupdf

import (
	"errors"
	"reflect"
	"testing"

	"github.com/local/printcheckout/internal/apperr"
)

func TestParsePageRange(t *testing.T) {
	cases := []struct {
		rng   string
		total int
		want  []int
	}{
		{"1-N", 4, []int{1, 2, 3, 4}},
		{"", 2, []int{1, 2}},
		{"1", 5, []int{1}},
		{"1,3,5-6", 6, []int{1, 3, 5, 6}},
		{"N-2", 4, []int{4, 3, 2}},
		{" 2 , n ", 3, []int{2, 3}},
	}
	for _, tc := range cases {
		got, err := ParsePageRange(tc.rng, tc.total)
		if err != nil {
			t.Errorf("ParsePageRange(%q): %v", tc.rng, err)
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("ParsePageRange(%q) = %v, want %v", tc.rng, got, tc.want)
		}
	}
}

func TestParsePageRangeRejects(t *testing.T) {
	for _, rng := range []string{"0", "1-9", "a", "1,,2", "1-3,2"} {
		_, err := ParsePageRange(rng, 5)
		var ve *apperr.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("ParsePageRange(%q) err = %v, want ValidationError", rng, err)
		}
	}
}
