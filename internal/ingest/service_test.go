package ingest

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/local/printcheckout/internal/apperr"
	"github.com/local/printcheckout/internal/filetype"
	"github.com/local/printcheckout/internal/limiter"
	"github.com/local/printcheckout/internal/mupdf"
	"github.com/local/printcheckout/internal/pages"
	"github.com/local/printcheckout/internal/queue"
	"github.com/local/printcheckout/internal/store"
)

type countRasterizer struct {
	pages int
	calls atomic.Int32
}

func (r *countRasterizer) IsAvailable() bool { return true }

func (r *countRasterizer) PageCount(ctx context.Context, path string) (int, error) {
	r.calls.Add(1)
	return r.pages, nil
}

func (r *countRasterizer) Rasterize(ctx context.Context, path, outDir, pageRange string, dpi int) ([]mupdf.PageArtifact, error) {
	return nil, errors.New("not used")
}

// fakePages writes placeholder artifacts. gate, when set, blocks
// ProcessDocument until it is closed.
type fakePages struct {
	colored  []int
	total    int
	err      error
	gate     chan struct{}
	entered  chan struct{}
	covers   atomic.Int32
	processN atomic.Int32
}

func (f *fakePages) CreateCover(ctx context.Context, doc, outDir, name string) (string, error) {
	f.covers.Add(1)
	return name, os.WriteFile(filepath.Join(outDir, name), []byte("png"), 0o644)
}

func (f *fakePages) ProcessDocument(ctx context.Context, doc, outDir, pageRange string) (pages.Result, error) {
	f.processN.Add(1)
	if f.entered != nil {
		close(f.entered)
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return pages.Result{}, f.err
	}
	colored := map[int]bool{}
	for _, p := range f.colored {
		colored[p] = true
	}
	res := pages.Result{ColoredPages: append([]int{}, f.colored...)}
	for i := 1; i <= f.total; i++ {
		name := strconv.Itoa(i) + ".png"
		if err := os.WriteFile(filepath.Join(outDir, name), []byte("png"), 0o644); err != nil {
			return pages.Result{}, err
		}
		res.Pages = append(res.Pages, pages.PageClassification{Number: i, Name: name, IsColor: colored[i]})
	}
	return res, nil
}

type acceptAll struct{}

func (acceptAll) Validate(path string) (*filetype.FileTypeInfo, error) {
	return &filetype.FileTypeInfo{MIMEType: "application/pdf", Extension: ".pdf", Supported: true}, nil
}

type rejectAll struct{}

func (rejectAll) Validate(path string) (*filetype.FileTypeInfo, error) {
	return nil, apperr.Invalid("file", "unsupported file type")
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
}

func (q *recordingQueue) Enqueue(ctx context.Context, job queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

type fixture struct {
	svc   *Service
	media string
	ras   *countRasterizer
	pages *fakePages
	docs  *store.DocumentStore
	rdb   *redis.Client
	mr    *miniredis.Miniredis
}

func newFixture(t *testing.T, configure func(*Options, *Deps)) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := &fixture{
		media: t.TempDir(),
		ras:   &countRasterizer{pages: 4},
		pages: &fakePages{total: 4, colored: []int{2, 4}},
		docs:  store.NewDocumentStore(rdb),
		rdb:   rdb,
		mr:    mr,
	}
	opts := Options{MediaDir: f.media, PublicURL: "https://shop.example", MaxUploadBytes: 1 << 20}
	deps := Deps{
		Rasterizer: f.ras,
		Pages:      f.pages,
		Documents:  f.docs,
		Validator:  acceptAll{},
		Lease:      limiter.New(rdb, time.Minute),
	}
	if configure != nil {
		configure(&opts, &deps)
	}
	f.svc = New(opts, deps)
	return f
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestUploadDeduplicatesByContent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	body := []byte("%PDF-1.4 fake document body")

	first, err := f.svc.Upload(ctx, "brochure.PDF", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	if len(first.Hash) != 64 {
		t.Fatalf("hash %q is not 64 hex chars", first.Hash)
	}
	if first.Duplicate {
		t.Error("first upload reported as duplicate")
	}
	wantCover := "https://shop.example/media/" + first.Hash + "/cover.png"
	if first.CoverURL != wantCover {
		t.Errorf("CoverURL = %s, want %s", first.CoverURL, wantCover)
	}
	if _, err := os.Stat(filepath.Join(f.media, first.Hash, "original.pdf")); err != nil {
		t.Errorf("original not stored: %v", err)
	}
	artifacts := countFiles(t, f.media)

	second, err := f.svc.Upload(ctx, "copy.pdf", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if second.Hash != first.Hash || !second.Duplicate || second.CoverURL != wantCover {
		t.Errorf("second upload = %+v", second)
	}
	if got := f.ras.calls.Load(); got != 1 {
		t.Errorf("rasterizer called %d times, want 1", got)
	}
	if got := f.pages.covers.Load(); got != 1 {
		t.Errorf("cover rendered %d times, want 1", got)
	}
	if got := countFiles(t, f.media); got != artifacts {
		t.Errorf("artifact count %d after duplicate upload, want %d", got, artifacts)
	}

	doc, ok, err := f.docs.Get(ctx, first.Hash)
	if err != nil || !ok {
		t.Fatalf("Get: %v %v", ok, err)
	}
	if doc.Name != "brochure.PDF" || doc.Extension != ".pdf" || doc.PageCount != 4 || doc.ProcessStatus != store.NotProcessed {
		t.Errorf("stored document = %+v", doc)
	}
}

func TestUploadRejections(t *testing.T) {
	tests := []struct {
		name      string
		validator Validator
		body      []byte
	}{
		{"empty", acceptAll{}, nil},
		{"too large", acceptAll{}, bytes.Repeat([]byte("x"), 2<<20)},
		{"unsupported", rejectAll{}, []byte("plain text")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(o *Options, d *Deps) { d.Validator = tt.validator })
			_, err := f.svc.Upload(context.Background(), "doc.pdf", bytes.NewReader(tt.body))
			var ve *apperr.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if n := countFiles(t, f.media); n != 0 {
				t.Errorf("%d files left behind", n)
			}
			if f.ras.calls.Load() != 0 {
				t.Error("rasterizer called for rejected upload")
			}
		})
	}
}

func TestUploadEnqueuesWhenEager(t *testing.T) {
	q := &recordingQueue{}
	f := newFixture(t, func(o *Options, d *Deps) { d.Queue = q })

	res, err := f.svc.Upload(context.Background(), "a.pdf", bytes.NewReader([]byte("content")))
	if err != nil {
		t.Fatal(err)
	}
	if len(q.jobs) != 1 || q.jobs[0].Hash != res.Hash {
		t.Errorf("jobs = %+v", q.jobs)
	}
}

func TestStatusProcessesOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.svc.Upload(ctx, "a.pdf", bytes.NewReader([]byte("content")))
	if err != nil {
		t.Fatal(err)
	}

	view, err := f.svc.Status(ctx, res.Hash)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if view.ProcessStatus != store.Done || !reflect.DeepEqual(view.ColoredPages, []int{2, 4}) {
		t.Errorf("view = %+v", view.Document)
	}
	if len(view.Pages) != 4 || !view.Pages[1].IsColor || view.Pages[0].IsColor {
		t.Errorf("pages = %+v", view.Pages)
	}

	again, err := f.svc.Status(ctx, res.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if again.ProcessStatus != store.Done || !reflect.DeepEqual(again.ColoredPages, []int{2, 4}) {
		t.Errorf("second view = %+v", again.Document)
	}
	if n := f.pages.processN.Load(); n != 1 {
		t.Errorf("processed %d times, want 1", n)
	}
	held, _ := limiter.New(f.rdb, time.Minute).Held(ctx, res.Hash)
	if held {
		t.Error("lease still held after processing")
	}
}

func TestStatusErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var ve *apperr.ValidationError
	if _, err := f.svc.Status(ctx, "not-a-hash"); !errors.As(err, &ve) {
		t.Errorf("bad hash: err = %v", err)
	}
	var nf *apperr.NotFoundError
	unknown := "0000000000000000000000000000000000000000000000000000000000000000"
	if _, err := f.svc.Status(ctx, unknown); !errors.As(err, &nf) {
		t.Errorf("unknown hash: err = %v", err)
	}
}

func TestConcurrentProcessRunsOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.svc.Upload(ctx, "a.pdf", bytes.NewReader([]byte("content")))
	if err != nil {
		t.Fatal(err)
	}
	f.pages.gate = make(chan struct{})
	f.pages.entered = make(chan struct{})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc, _, err := f.svc.Process(ctx, res.Hash)
			if err == nil && doc.ProcessStatus != store.Done {
				err = errors.New("status " + string(doc.ProcessStatus))
			}
			errs <- err
		}()
	}
	<-f.pages.entered
	close(f.pages.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Process: %v", err)
		}
	}
	if n := f.pages.processN.Load(); n != 1 {
		t.Errorf("processed %d times, want 1", n)
	}
}

func TestProcessFailureReverts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.svc.Upload(ctx, "a.pdf", bytes.NewReader([]byte("content")))
	if err != nil {
		t.Fatal(err)
	}
	f.pages.err = &apperr.ToolExecutionError{Tool: "mutool", Reason: "crashed"}

	if _, _, err := f.svc.Process(ctx, res.Hash); err == nil {
		t.Fatal("expected error")
	}
	doc, _, _ := f.docs.Get(ctx, res.Hash)
	if doc.ProcessStatus != store.NotProcessed || len(doc.ColoredPages) != 0 {
		t.Errorf("document after failure = %+v", doc)
	}

	f.pages.err = nil
	doc, _, err = f.svc.Process(ctx, res.Hash)
	if err != nil || doc.ProcessStatus != store.Done {
		t.Errorf("retry = %+v, %v", doc, err)
	}
}

// flakyComplete fails Complete until failures runs out.
type flakyComplete struct {
	*store.DocumentStore
	failures atomic.Int32
}

func (d *flakyComplete) Complete(ctx context.Context, hash string, coloredPages []int) error {
	if d.failures.Add(-1) >= 0 {
		return errors.New("redis: connection reset")
	}
	return d.DocumentStore.Complete(ctx, hash, coloredPages)
}

func TestCompleteFailureReverts(t *testing.T) {
	var docs *flakyComplete
	f := newFixture(t, func(o *Options, d *Deps) {
		docs = &flakyComplete{DocumentStore: d.Documents.(*store.DocumentStore)}
		docs.failures.Store(1)
		d.Documents = docs
		d.Lease = nil
	})
	ctx := context.Background()
	res, err := f.svc.Upload(ctx, "a.pdf", bytes.NewReader([]byte("content")))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.Status(ctx, res.Hash); err == nil {
		t.Fatal("expected error")
	}
	doc, _, _ := f.docs.Get(ctx, res.Hash)
	if doc.ProcessStatus != store.NotProcessed {
		t.Errorf("status after failed Complete = %s, want NOT_PROCESSED", doc.ProcessStatus)
	}

	view, err := f.svc.Status(ctx, res.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if view.ProcessStatus != store.Done || f.pages.processN.Load() != 2 {
		t.Errorf("retry status = %s, processed %d times", view.ProcessStatus, f.pages.processN.Load())
	}
}

func TestProcessLeaseHeldElsewhere(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.svc.Upload(ctx, "a.pdf", bytes.NewReader([]byte("content")))
	if err != nil {
		t.Fatal(err)
	}
	other := limiter.New(f.rdb, time.Minute)
	release, ok, err := other.Acquire(ctx, res.Hash)
	if err != nil || !ok {
		t.Fatalf("Acquire: %v %v", ok, err)
	}
	defer release()

	doc, classified, err := f.svc.Process(ctx, res.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if doc.ProcessStatus != store.Processing || classified != nil {
		t.Errorf("doc = %+v, pages = %v", doc, classified)
	}
	if f.pages.processN.Load() != 0 {
		t.Error("processed while another process held the lease")
	}
}

func TestStatusRecoversStaleProcessing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.svc.Upload(ctx, "a.pdf", bytes.NewReader([]byte("content")))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.docs.SetStatus(ctx, res.Hash, store.Processing); err != nil {
		t.Fatal(err)
	}

	view, err := f.svc.Status(ctx, res.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if view.ProcessStatus != store.Done {
		t.Errorf("status = %s, want DONE", view.ProcessStatus)
	}
}
