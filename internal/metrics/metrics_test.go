package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(pagesClassified.WithLabelValues("color"))
	IncPage(true)
	IncPage(false)
	if got := testutil.ToFloat64(pagesClassified.WithLabelValues("color")); got != before+1 {
		t.Errorf("color pages = %v, want %v", got, before+1)
	}

	IncDocument(errors.New("boom"))
	if got := testutil.ToFloat64(documentsProcessed.WithLabelValues("error")); got < 1 {
		t.Errorf("document errors = %v", got)
	}

	AddCheckoutLines("added", 2)
	if got := testutil.ToFloat64(checkoutLines.WithLabelValues("added")); got < 2 {
		t.Errorf("checkout lines = %v", got)
	}

	ObserveTool("info", nil, 10*time.Millisecond)
	if n := testutil.CollectAndCount(toolDuration); n == 0 {
		t.Error("expected histogram series")
	}
}
