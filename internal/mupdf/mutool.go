package mupdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/printcheckout/internal/apperr"
	"github.com/local/printcheckout/internal/metrics"
)

// Runner executes an external command and returns its captured output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

var pagesPattern = regexp.MustCompile(`(?i)pages:\s*(\d+)`)

// Mutool rasterizes documents by shelling out to MuPDF's mutool.
type Mutool struct {
	bin     string
	dpi     int
	timeout time.Duration
	runner  Runner
}

// Options configures a Mutool adapter.
type Options struct {
	Binary  string
	DPI     int
	Timeout time.Duration
	Runner  Runner
}

// NewMutool creates a mutool backed Rasterizer.
func NewMutool(opts Options) *Mutool {
	if opts.Binary == "" {
		opts.Binary = "mutool"
	}
	if opts.DPI <= 0 {
		opts.DPI = DefaultDPI
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	return &Mutool{bin: opts.Binary, dpi: opts.DPI, timeout: opts.Timeout, runner: opts.Runner}
}

// IsAvailable checks if mutool is on PATH
func (m *Mutool) IsAvailable() bool {
	_, err := exec.LookPath(m.bin)
	return err == nil
}

// PageCount returns the number of pages reported by `mutool info`.
func (m *Mutool) PageCount(ctx context.Context, documentPath string) (int, error) {
	args := []string{"info", documentPath}
	out, err := m.run(ctx, "info", args)
	if err != nil {
		return 0, err
	}

	match := pagesPattern.FindSubmatch(out)
	if match == nil {
		return 0, &apperr.ToolExecutionError{Tool: m.bin, Args: args, Reason: "no page count in output"}
	}
	n, err := strconv.Atoi(string(match[1]))
	if err != nil {
		return 0, &apperr.ToolExecutionError{Tool: m.bin, Args: args, Reason: "unparseable page count", Err: err}
	}
	if n < 1 {
		return 0, &apperr.ToolExecutionError{Tool: m.bin, Args: args, Reason: "document has no pages"}
	}
	log.Debug().Str("pdf", documentPath).Int("pages", n).Msg("page count from mutool")
	return n, nil
}

// Rasterize renders pageRange of documentPath into outputDir as <page>.png.
// Partial output is left in place when the tool fails.
func (m *Mutool) Rasterize(ctx context.Context, documentPath, outputDir, pageRange string, dpi int) ([]PageArtifact, error) {
	if pageRange == "" {
		pageRange = AllPages
	}
	if dpi <= 0 {
		dpi = m.dpi
	}

	// mutool numbers output files by output index, so a partial range has to
	// be mapped back onto document page numbers.
	var wanted []int
	if pageRange != AllPages {
		total, err := m.PageCount(ctx, documentPath)
		if err != nil {
			return nil, err
		}
		if wanted, err = ParsePageRange(pageRange, total); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	args := []string{
		"convert",
		"-O", fmt.Sprintf("resolution=%d", dpi),
		"-o", filepath.Join(outputDir, "%d.png"),
		documentPath,
		pageRange,
	}
	if _, err := m.run(ctx, "convert", args); err != nil {
		return nil, err
	}

	artifacts, err := ScanArtifacts(outputDir)
	if err != nil {
		return nil, fmt.Errorf("scan output dir: %w", err)
	}
	if len(artifacts) == 0 {
		return nil, &apperr.ToolExecutionError{Tool: m.bin, Args: args, Reason: "no page images produced"}
	}
	if wanted != nil {
		for i := range artifacts {
			idx := artifacts[i].Number - 1
			if idx >= len(wanted) {
				return nil, &apperr.ToolExecutionError{Tool: m.bin, Args: args,
					Reason: fmt.Sprintf("unexpected output %s for %d requested pages", artifacts[i].Name(), len(wanted))}
			}
			artifacts[i].Number = wanted[idx]
		}
	}

	log.Debug().
		Str("pdf", documentPath).
		Str("range", pageRange).
		Int("dpi", dpi).
		Int("pages", len(artifacts)).
		Msg("rasterized document with mutool")
	return artifacts, nil
}

func (m *Mutool) run(ctx context.Context, op string, args []string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, err := m.runner.Run(ctx, m.bin, args...)
	dur := time.Since(start)

	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		te := &apperr.ToolExecutionError{Tool: m.bin, Args: args, Stderr: strings.TrimSpace(string(stderr)), Err: err}
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			te.Reason = fmt.Sprintf("timed out after %s", m.timeout)
		case errors.As(err, &exitErr):
			te.ExitCode = exitErr.ExitCode()
		}
		log.Error().
			Str("tool", m.bin).
			Str("op", op).
			Strs("args", args).
			Int("exit_code", te.ExitCode).
			Str("stderr", te.Stderr).
			Dur("duration", dur).
			Err(err).
			Msg("rasterizer failed")
		metrics.ObserveTool(op, te, dur)
		return nil, te
	}
	metrics.ObserveTool(op, nil, dur)
	return stdout, nil
}
