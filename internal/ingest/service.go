// Package ingest stores uploaded documents under their content hash and
// drives page classification for them.
package ingest

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"github.com/local/printcheckout/internal/apperr"
	"github.com/local/printcheckout/internal/filetype"
	"github.com/local/printcheckout/internal/logger"
	"github.com/local/printcheckout/internal/metrics"
	"github.com/local/printcheckout/internal/mupdf"
	"github.com/local/printcheckout/internal/pages"
	"github.com/local/printcheckout/internal/queue"
	"github.com/local/printcheckout/internal/store"
)

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// PageProcessor classifies documents and renders their cover.
type PageProcessor interface {
	ProcessDocument(ctx context.Context, documentPath, outputDir, pageRange string) (pages.Result, error)
	CreateCover(ctx context.Context, documentPath, outputDir, fileName string) (string, error)
}

// Documents persists document records by hash.
type Documents interface {
	Get(ctx context.Context, hash string) (store.Document, bool, error)
	Create(ctx context.Context, d store.Document) (store.Document, bool, error)
	SetStatus(ctx context.Context, hash string, st store.ProcessStatus) error
	Complete(ctx context.Context, hash string, coloredPages []int) error
}

// Validator rejects files that are not supported documents.
type Validator interface {
	Validate(path string) (*filetype.FileTypeInfo, error)
}

// Lease is the cross-process processing guard.
type Lease interface {
	Acquire(ctx context.Context, hash string) (func(), bool, error)
	Held(ctx context.Context, hash string) (bool, error)
}

// Mirror copies artifacts to remote storage.
type Mirror interface {
	UploadAll(ctx context.Context, hash string, localPaths []string) error
}

// Enqueuer schedules background processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

type Options struct {
	MediaDir       string
	PublicURL      string
	CoverName      string
	MaxUploadBytes int64
	ProcessTimeout time.Duration
}

// Deps are the collaborators of a Service. Lease, Mirror and Queue are optional.
type Deps struct {
	Rasterizer mupdf.Rasterizer
	Pages      PageProcessor
	Documents  Documents
	Validator  Validator
	Lease      Lease
	Mirror     Mirror
	Queue      Enqueuer
}

type Service struct {
	opts  Options
	deps  Deps
	group singleflight.Group
}

func New(opts Options, deps Deps) *Service {
	if opts.CoverName == "" {
		opts.CoverName = pages.DefaultCoverName
	}
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = 10 * time.Minute
	}
	if opts.PublicURL != "" && !strings.HasSuffix(opts.PublicURL, "/") {
		opts.PublicURL += "/"
	}
	return &Service{opts: opts, deps: deps}
}

// UploadResult is returned to the uploader.
type UploadResult struct {
	Hash      string         `json:"hash"`
	CoverURL  string         `json:"coverUrl"`
	Duplicate bool           `json:"duplicate"`
	Document  store.Document `json:"-"`
}

// DocumentView is a document record plus the per-page classification when
// it was computed by the same call.
type DocumentView struct {
	store.Document
	CoverURL string                     `json:"coverUrl"`
	Pages    []pages.PageClassification `json:"pages"`
}

// ValidateHash normalises and checks a content hash.
func ValidateHash(hash string) (string, error) {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if !hashPattern.MatchString(hash) {
		return "", apperr.Invalid("hash", "must be 64 hex characters")
	}
	return hash, nil
}

// CoverURL is the public URL of a document's cover thumbnail.
func (s *Service) CoverURL(hash string) string {
	return s.opts.PublicURL + "media/" + hash + "/" + s.opts.CoverName
}

// DocumentPath is where the original upload of doc lives on disk.
func (s *Service) DocumentPath(doc store.Document) string {
	return filepath.Join(s.opts.MediaDir, filepath.FromSlash(doc.StoragePath))
}

// Upload stores r under its content hash. Byte-identical content that was
// uploaded before is not stored or rendered again.
func (s *Service) Upload(ctx context.Context, originalName string, r io.Reader) (UploadResult, error) {
	name := filepath.Base(filepath.Clean("/" + strings.TrimSpace(originalName)))
	if name == "/" || name == "." || name == "" {
		metrics.IncUpload("rejected")
		return UploadResult{}, apperr.Invalid("file", "missing file name")
	}

	tmp, hash, err := s.spool(r)
	if tmp != "" {
		defer os.Remove(tmp)
	}
	if err != nil {
		metrics.IncUpload("rejected")
		return UploadResult{}, err
	}

	l := logger.From(ctx).With().Str("hash", hash).Str("name", name).Logger()
	v, err, shared := s.group.Do("upload:"+hash, func() (any, error) {
		return s.store(ctx, hash, name, tmp)
	})
	if err != nil {
		l.Error().Err(err).Msg("upload failed")
		return UploadResult{}, err
	}
	res := v.(UploadResult)
	if shared {
		metrics.IncShared()
		res.Duplicate = true
	}
	l.Info().Bool("duplicate", res.Duplicate).Int("pages", res.Document.PageCount).Msg("upload stored")
	return res, nil
}

// spool copies r into a temp file inside the media dir while hashing it.
func (s *Service) spool(r io.Reader) (string, string, error) {
	incoming := filepath.Join(s.opts.MediaDir, ".incoming")
	if err := os.MkdirAll(incoming, 0o755); err != nil {
		return "", "", fmt.Errorf("create incoming dir: %w", err)
	}
	f, err := os.CreateTemp(incoming, "upload-*")
	if err != nil {
		return "", "", fmt.Errorf("create temp file: %w", err)
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return f.Name(), "", err
	}
	src := r
	if s.opts.MaxUploadBytes > 0 {
		src = io.LimitReader(r, s.opts.MaxUploadBytes+1)
	}
	n, err := io.Copy(io.MultiWriter(f, h), src)
	if err != nil {
		return f.Name(), "", fmt.Errorf("read upload: %w", err)
	}
	if n == 0 {
		return f.Name(), "", apperr.Invalid("file", "empty upload")
	}
	if s.opts.MaxUploadBytes > 0 && n > s.opts.MaxUploadBytes {
		return f.Name(), "", apperr.Invalid("file", fmt.Sprintf("larger than %d bytes", s.opts.MaxUploadBytes))
	}
	return f.Name(), hex.EncodeToString(h.Sum(nil)), nil
}

func (s *Service) store(ctx context.Context, hash, name, tmp string) (UploadResult, error) {
	existing, ok, err := s.deps.Documents.Get(ctx, hash)
	if err != nil {
		return UploadResult{}, err
	}
	if ok {
		metrics.IncUpload("duplicate")
		return UploadResult{Hash: hash, CoverURL: s.CoverURL(hash), Duplicate: true, Document: existing}, nil
	}

	info, err := s.deps.Validator.Validate(tmp)
	if err != nil {
		metrics.IncUpload("rejected")
		return UploadResult{}, err
	}

	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		ext = info.Extension
	}
	dir := filepath.Join(s.opts.MediaDir, hash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return UploadResult{}, fmt.Errorf("create document dir: %w", err)
	}
	storagePath := hash + "/original" + ext
	docPath := filepath.Join(s.opts.MediaDir, filepath.FromSlash(storagePath))
	if err := os.Rename(tmp, docPath); err != nil {
		return UploadResult{}, fmt.Errorf("store original: %w", err)
	}

	pageCount, err := s.deps.Rasterizer.PageCount(ctx, docPath)
	if err != nil {
		metrics.IncUpload("failed")
		return UploadResult{}, err
	}
	if info.PageCount != 0 && info.PageCount != pageCount {
		log.Warn().Str("hash", hash).Int("rasterizer", pageCount).Int("pdfcpu", info.PageCount).Msg("page count mismatch")
	}

	cover, err := s.deps.Pages.CreateCover(ctx, docPath, dir, s.opts.CoverName)
	if err != nil {
		metrics.IncUpload("failed")
		return UploadResult{}, err
	}

	doc, created, err := s.deps.Documents.Create(ctx, store.Document{
		Hash:          hash,
		Name:          name,
		Extension:     ext,
		StoragePath:   storagePath,
		PageCount:     pageCount,
		ColoredPages:  []int{},
		ProcessStatus: store.NotProcessed,
	})
	if err != nil {
		metrics.IncUpload("failed")
		return UploadResult{}, err
	}
	if !created {
		metrics.IncUpload("duplicate")
		return UploadResult{Hash: hash, CoverURL: s.CoverURL(hash), Duplicate: true, Document: doc}, nil
	}

	if s.deps.Mirror != nil {
		if err := s.deps.Mirror.UploadAll(ctx, hash, []string{docPath, filepath.Join(dir, cover)}); err != nil {
			log.Warn().Err(err).Str("hash", hash).Msg("mirroring upload failed")
		}
	}
	if s.deps.Queue != nil {
		if err := s.deps.Queue.Enqueue(ctx, queue.Job{Hash: hash}); err != nil {
			log.Warn().Err(err).Str("hash", hash).Msg("enqueue eager processing failed")
		}
	}

	metrics.IncUpload("new")
	return UploadResult{Hash: hash, CoverURL: s.opts.PublicURL + "media/" + hash + "/" + cover, Document: doc}, nil
}

// Document returns the stored record for hash without triggering processing.
func (s *Service) Document(ctx context.Context, hash string) (store.Document, error) {
	hash, err := ValidateHash(hash)
	if err != nil {
		return store.Document{}, err
	}
	doc, ok, err := s.deps.Documents.Get(ctx, hash)
	if err != nil {
		return store.Document{}, err
	}
	if !ok {
		return store.Document{}, apperr.NotFound("document", hash)
	}
	return doc, nil
}

// Status returns the document for hash, classifying it first when that has
// not happened yet.
func (s *Service) Status(ctx context.Context, hash string) (DocumentView, error) {
	doc, err := s.Document(ctx, hash)
	if err != nil {
		return DocumentView{}, err
	}
	view := DocumentView{Document: doc, CoverURL: s.CoverURL(doc.Hash), Pages: []pages.PageClassification{}}

	if doc.ProcessStatus == store.Done || (doc.ProcessStatus == store.Processing && !s.stale(ctx, doc.Hash)) {
		return view, nil
	}
	doc, classified, err := s.Process(ctx, doc.Hash)
	if err != nil {
		return DocumentView{}, err
	}
	view.Document = doc
	if classified != nil {
		view.Pages = classified
	}
	return view, nil
}

// stale reports a PROCESSING record whose lease has expired, i.e. the
// process working on it died.
func (s *Service) stale(ctx context.Context, hash string) bool {
	if s.deps.Lease == nil {
		return false
	}
	held, err := s.deps.Lease.Held(ctx, hash)
	return err == nil && !held
}

type processed struct {
	doc   store.Document
	pages []pages.PageClassification
}

// Process classifies every page of the document. Concurrent calls for the
// same hash share one run; a run held by another process returns the record
// as PROCESSING with no pages.
func (s *Service) Process(ctx context.Context, hash string) (store.Document, []pages.PageClassification, error) {
	v, err, shared := s.group.Do("process:"+hash, func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ProcessTimeout)
		defer cancel()
		return s.process(logger.WithDocument(pctx, hash), hash)
	})
	if shared {
		metrics.IncShared()
	}
	if err != nil {
		return store.Document{}, nil, err
	}
	p := v.(processed)
	return p.doc, p.pages, nil
}

func (s *Service) process(ctx context.Context, hash string) (processed, error) {
	doc, ok, err := s.deps.Documents.Get(ctx, hash)
	if err != nil {
		return processed{}, err
	}
	if !ok {
		return processed{}, apperr.NotFound("document", hash)
	}
	if doc.ProcessStatus == store.Done {
		return processed{doc: doc}, nil
	}

	if s.deps.Lease != nil {
		release, acquired, err := s.deps.Lease.Acquire(ctx, hash)
		if err != nil {
			return processed{}, fmt.Errorf("acquire processing lease: %w", err)
		}
		if !acquired {
			doc.ProcessStatus = store.Processing
			return processed{doc: doc}, nil
		}
		defer release()
		// another process may have finished between Get and Acquire
		if doc, ok, err = s.deps.Documents.Get(ctx, hash); err != nil {
			return processed{}, err
		} else if ok && doc.ProcessStatus == store.Done {
			return processed{doc: doc}, nil
		}
	}

	start := time.Now()
	if err := s.deps.Documents.SetStatus(ctx, hash, store.Processing); err != nil {
		return processed{}, err
	}

	dir := filepath.Join(s.opts.MediaDir, hash)
	res, err := s.deps.Pages.ProcessDocument(ctx, s.DocumentPath(doc), dir, mupdf.AllPages)
	if err != nil {
		s.revert(ctx, hash, err, "document processing failed")
		return processed{}, err
	}

	if err := s.deps.Documents.Complete(ctx, hash, res.ColoredPages); err != nil {
		s.revert(ctx, hash, err, "storing classification failed")
		return processed{}, err
	}
	metrics.IncDocument(nil)
	if len(res.Pages) != doc.PageCount {
		logger.From(ctx).Warn().Int("recorded", doc.PageCount).Int("rasterized", len(res.Pages)).Msg("page count changed during processing")
	}

	if s.deps.Mirror != nil {
		paths := make([]string, len(res.Pages))
		for i, p := range res.Pages {
			paths[i] = filepath.Join(dir, p.Name)
		}
		if err := s.deps.Mirror.UploadAll(ctx, hash, paths); err != nil {
			logger.From(ctx).Warn().Err(err).Msg("mirroring pages failed")
		}
	}

	doc.ProcessStatus = store.Done
	doc.ColoredPages = res.ColoredPages
	logger.From(ctx).Info().
		Int("pages", len(res.Pages)).
		Ints("colored_pages", res.ColoredPages).
		Dur("duration", time.Since(start)).
		Msg("document processed")
	return processed{doc: doc, pages: res.Pages}, nil
}

// revert leaves a failed document NOT_PROCESSED so a later Status retries it.
// It runs on a detached context since ctx may be the one that expired.
func (s *Service) revert(ctx context.Context, hash string, cause error, msg string) {
	metrics.IncDocument(cause)
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.deps.Documents.SetStatus(rctx, hash, store.NotProcessed); err != nil {
		logger.From(ctx).Error().Err(err).Msg("reverting status failed")
	}
	logger.From(ctx).Error().Err(cause).Msg(msg)
}
