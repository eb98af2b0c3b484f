package server

import (
    "context"
    "encoding/json"
    "errors"
    "io"
    "mime"
    "net/http"
    "strings"
    "time"

    "github.com/google/uuid"

    "github.com/local/printcheckout/internal/apperr"
    "github.com/local/printcheckout/internal/checkout"
    "github.com/local/printcheckout/internal/commerce"
    "github.com/local/printcheckout/internal/ingest"
    "github.com/local/printcheckout/internal/logger"
    "github.com/local/printcheckout/internal/metrics"
    "github.com/local/printcheckout/internal/pricing"
    "github.com/local/printcheckout/internal/statuscheck"
    "github.com/local/printcheckout/internal/store"
)

// Documents is the upload and classification side of the service.
type Documents interface {
    Upload(ctx context.Context, originalName string, r io.Reader) (ingest.UploadResult, error)
    Status(ctx context.Context, hash string) (ingest.DocumentView, error)
    Document(ctx context.Context, hash string) (store.Document, error)
}

// Checkout prices documents into checkouts and manages print products.
type Checkout interface {
    AddLines(ctx context.Context, req checkout.AddRequest) ([]pricing.CheckoutLine, error)
    ListPrintProducts(ctx context.Context, channel, slug string) ([]checkout.PrintProductView, error)
    CreatePrintProduct(ctx context.Context, p store.PrintProduct) error
    DeletePrintProduct(ctx context.Context, slug string) error
}

type Health interface {
    Summary(ctx context.Context) statuscheck.Summary
}

type Dependencies struct {
    Documents      Documents
    Checkout       Checkout
    Health         Health
    MediaDir       string
    MaxUploadBytes int64
}

type Server struct {
    deps Dependencies
}

func New(deps Dependencies) *Server {
    return &Server{deps: deps}
}

// Handler returns the full HTTP surface wrapped in request logging and CORS.
func (s *Server) Handler() http.Handler {
    mux := http.NewServeMux()
    s.RegisterRoutes(mux)
    return withRequestID(withCORS(mux))
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
    mux.HandleFunc("/health", s.handleHealth)
    mux.Handle("/metrics", metrics.Handler())
    mux.HandleFunc("/api/pdf/upload", s.handleUpload)
    mux.HandleFunc("/api/pdf/add-to-checkout", s.handleAddToCheckout)
    mux.HandleFunc("/api/pdf/", s.handleStatus)
    mux.HandleFunc("/api/file/", s.handleFile)
    mux.HandleFunc("/api/print-products", s.handlePrintProducts)
    if s.deps.MediaDir != "" {
        mux.Handle("/media/", http.StripPrefix("/media/", mediaFiles(s.deps.MediaDir)))
    }
}

type envelope struct {
    Status  string `json:"status"`
    Data    any    `json:"data,omitempty"`
    Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(code)
    _ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, data any) {
    writeJSON(w, http.StatusOK, envelope{Status: "OK", Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
    code, label := apperr.HTTPStatus(err), apperr.Label(err)
    if commerce.IsRateLimited(err) {
        code, label = http.StatusTooManyRequests, "Rate Limited"
    }
    l := logger.From(r.Context())
    if code >= 500 {
        l.Error().Err(err).Str("path", r.URL.Path).Int("status", code).Msg("request failed")
    } else {
        l.Warn().Err(err).Str("path", r.URL.Path).Int("status", code).Msg("request rejected")
    }
    writeJSON(w, code, envelope{Status: label, Message: err.Error()})
}

func methodNotAllowed(w http.ResponseWriter) {
    writeJSON(w, http.StatusMethodNotAllowed, envelope{Status: "Method Not Allowed", Message: "Method Not Allowed"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
    if s.deps.Health == nil {
        w.WriteHeader(http.StatusOK); _, _ = w.Write([]byte("ok")); return
    }
    sum := s.deps.Health.Summary(r.Context())
    code := http.StatusOK
    if !sum.Healthy() { code = http.StatusServiceUnavailable }
    writeJSON(w, code, sum)
}

// handleUpload streams the first file part of a multipart body into ingest.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { methodNotAllowed(w); return }
    if s.deps.MaxUploadBytes > 0 {
        // headroom for multipart framing; ingest enforces the exact limit
        r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxUploadBytes+1<<20)
    }
    mr, err := r.MultipartReader()
    if err != nil {
        writeError(w, r, apperr.Invalid("file", "expected multipart/form-data"))
        return
    }
    for {
        part, err := mr.NextPart()
        if errors.Is(err, io.EOF) {
            break
        }
        if err != nil {
            var tooBig *http.MaxBytesError
            if errors.As(err, &tooBig) {
                writeError(w, r, apperr.Invalid("file", "upload too large"))
                return
            }
            writeError(w, r, apperr.Invalid("file", "invalid multipart form"))
            return
        }
        if part.FileName() == "" {
            part.Close()
            continue
        }
        res, err := s.deps.Documents.Upload(r.Context(), part.FileName(), part)
        part.Close()
        if err != nil {
            var tooBig *http.MaxBytesError
            if errors.As(err, &tooBig) {
                err = apperr.Invalid("file", "upload too large")
            }
            writeError(w, r, err)
            return
        }
        writeData(w, res)
        return
    }
    writeError(w, r, apperr.Invalid("file", "No files found"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { methodNotAllowed(w); return }
    hash := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/pdf/"), "/")
    view, err := s.deps.Documents.Status(r.Context(), hash)
    if err != nil { writeError(w, r, err); return }
    writeData(w, view)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { methodNotAllowed(w); return }
    hash := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/file/"), "/")
    doc, err := s.deps.Documents.Document(r.Context(), hash)
    if err != nil { writeError(w, r, err); return }
    writeData(w, doc)
}

func (s *Server) handleAddToCheckout(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { methodNotAllowed(w); return }
    if ct := r.Header.Get("Content-Type"); ct != "" {
        if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
            writeError(w, r, apperr.Invalid("body", "expected application/json"))
            return
        }
    }
    var req checkout.AddRequest
    if err := decodeValidated(r, addToCheckoutSchema, &req); err != nil { writeError(w, r, err); return }
    lines, err := s.deps.Checkout.AddLines(r.Context(), req)
    if err != nil { writeError(w, r, err); return }
    writeData(w, map[string]any{"lines": lines})
}

func (s *Server) handlePrintProducts(w http.ResponseWriter, r *http.Request) {
    q := r.URL.Query()
    switch r.Method {
    case http.MethodGet:
        views, err := s.deps.Checkout.ListPrintProducts(r.Context(), q.Get("channel"), q.Get("slug"))
        if err != nil { writeError(w, r, err); return }
        writeData(w, views)
    case http.MethodPost:
        var p store.PrintProduct
        if err := decodeValidated(r, printProductSchema, &p); err != nil { writeError(w, r, err); return }
        if err := s.deps.Checkout.CreatePrintProduct(r.Context(), p); err != nil { writeError(w, r, err); return }
        writeData(w, p)
    case http.MethodDelete:
        if err := s.deps.Checkout.DeletePrintProduct(r.Context(), q.Get("slug")); err != nil { writeError(w, r, err); return }
        writeData(w, nil)
    default:
        methodNotAllowed(w)
    }
}

// mediaFiles serves artifacts without directory listings or dot-prefixed
// entries (staging and incoming uploads).
func mediaFiles(dir string) http.Handler {
    fs := http.FileServer(http.Dir(dir))
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        p := r.URL.Path
        if p == "" || strings.HasSuffix(p, "/") || strings.HasPrefix(p, ".") || strings.Contains(p, "/.") {
            http.NotFound(w, r)
            return
        }
        w.Header().Set("Cache-Control", "public, max-age=86400")
        fs.ServeHTTP(w, r)
    })
}

func withCORS(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        h := w.Header()
        h.Set("Access-Control-Allow-Origin", "*")
        h.Set("Access-Control-Allow-Methods", "GET,POST,DELETE")
        h.Set("Access-Control-Allow-Headers", "Content-Type")
        if r.Method == http.MethodOptions {
            w.WriteHeader(http.StatusOK)
            return
        }
        next.ServeHTTP(w, r)
    })
}

type statusRecorder struct {
    http.ResponseWriter
    status int
}

func (s *statusRecorder) WriteHeader(code int) {
    s.status = code
    s.ResponseWriter.WriteHeader(code)
}

func withRequestID(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        id := r.Header.Get("X-Request-ID")
        if id == "" { id = uuid.NewString() }
        w.Header().Set("X-Request-ID", id)
        ctx := logger.WithRequestID(r.Context(), id)
        rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
        start := time.Now()
        next.ServeHTTP(rec, r.WithContext(ctx))
        logger.From(ctx).Debug().
            Str("method", r.Method).
            Str("path", r.URL.Path).
            Int("status", rec.status).
            Dur("duration", time.Since(start)).
            Msg("http request")
    })
}
