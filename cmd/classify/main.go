// Command classify rasterizes a local PDF, classifies every page and prints
// the result as JSON. It needs no Redis or commerce backend.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/local/printcheckout/internal/colorclass"
	cfgpkg "github.com/local/printcheckout/internal/config"
	logpkg "github.com/local/printcheckout/internal/logger"
	"github.com/local/printcheckout/internal/mupdf"
	"github.com/local/printcheckout/internal/pages"
)

type output struct {
	Document     string                     `json:"document"`
	PageCount    int                        `json:"pageCount"`
	ColoredPages []int                      `json:"coloredPages"`
	Pages        []pages.PageClassification `json:"pages"`
	Cover        string                     `json:"cover,omitempty"`
}

func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	cfg := cfgpkg.Load()

	var (
		out       = flag.String("out", "", "directory for page images (default: <file>.pages next to the input)")
		pageRange = flag.String("pages", mupdf.AllPages, "page range, e.g. 1-N or 1,3,5-7")
		backend   = flag.String("backend", cfg.Rasterizer.Backend, "rasterizer backend: mutool or fitz")
		dpi       = flag.Int("dpi", cfg.Rasterizer.DPI, "rasterization resolution")
		threshold = flag.Int("threshold", cfg.Classifier.Threshold, "channel difference threshold")
		policy    = flag.String("policy", cfg.Classifier.Policy, "pixel policy: all or any")
		cover     = flag.Bool("cover", false, "also render the cover thumbnail")
		verbose   = flag.Bool("v", false, "log progress to stderr")
	)
	flag.Usage = func() {
		printError("usage: classify [flags] <file.pdf>\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	doc := flag.Arg(0)

	level := "warn"
	if *verbose {
		level = "debug"
	}
	_ = logpkg.Init(logpkg.Options{Level: level, Pretty: true})
	defer logpkg.Close()

	pol, err := colorclass.ParsePolicy(*policy)
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(2)
	}

	var rasterizer mupdf.Rasterizer
	switch strings.ToLower(*backend) {
	case "fitz":
		rasterizer = mupdf.NewFitz(*dpi)
	case "mutool", "":
		rasterizer = mupdf.NewMutool(mupdf.Options{Binary: cfg.Rasterizer.Binary, DPI: *dpi, Timeout: cfg.Rasterizer.Timeout})
	default:
		printError("Error: unknown backend %q\n", *backend)
		os.Exit(2)
	}
	if !rasterizer.IsAvailable() {
		printError("Error: rasterizer %q is not available\n", *backend)
		os.Exit(1)
	}

	if *out == "" {
		*out = strings.TrimSuffix(doc, filepath.Ext(doc)) + ".pages"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	proc := pages.New(rasterizer, colorclass.New(*threshold, pol), pages.Options{DPI: *dpi, Workers: cfg.Classifier.Workers})
	total, err := rasterizer.PageCount(ctx, doc)
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}
	res, err := proc.ProcessDocument(ctx, doc, *out, *pageRange)
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}
	o := output{Document: doc, PageCount: total, ColoredPages: res.ColoredPages, Pages: res.Pages}
	if *cover {
		name, err := proc.CreateCover(ctx, doc, *out, pages.DefaultCoverName)
		if err != nil {
			printError("Error: %v\n", err)
			os.Exit(1)
		}
		o.Cover = filepath.Join(*out, name)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(o); err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}
}
