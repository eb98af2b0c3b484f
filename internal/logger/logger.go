// Package logger configures the process-wide zerolog logger and the
// request- and document-scoped child loggers carried in contexts.
package logger

import (
    "context"
    "encoding/json"
    "fmt"
    "io"
    "os"
    "path/filepath"
    "sync"
    "sync/atomic"
    "time"

    "github.com/axiomhq/axiom-go/axiom"
    "github.com/axiomhq/axiom-go/axiom/ingest"
    "github.com/rs/zerolog"
    "github.com/rs/zerolog/log"
    lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const serviceName = "printcheckout"

type Options struct {
    Level      string
    Pretty     bool
    File       string
    MaxSizeMB  int
    MaxBackups int
    MaxAgeDays int
    Compress   bool

    SendToAxiom  bool
    AxiomAPIKey  string
    AxiomOrgID   string
    AxiomDataset string
    AxiomFlush   time.Duration
}

var shipper *axiomShipper

// Init replaces log.Logger. Sinks: stdout (JSON or console), an optional
// rotating file and optional Axiom forwarding of info and above.
func Init(opts Options) error {
    var sinks []io.Writer
    if opts.File != "" {
        if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
            return fmt.Errorf("create log dir: %w", err)
        }
        sinks = append(sinks, &lumberjack.Logger{
            Filename:   opts.File,
            MaxSize:    opts.MaxSizeMB,
            MaxBackups: opts.MaxBackups,
            MaxAge:     opts.MaxAgeDays,
            Compress:   opts.Compress,
        })
    }
    if opts.Pretty {
        sinks = append(sinks, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
    } else {
        sinks = append(sinks, os.Stdout)
    }

    var axiomErr error
    if opts.SendToAxiom && opts.AxiomAPIKey != "" {
        s, err := newAxiomShipper(opts.AxiomAPIKey, opts.AxiomOrgID, opts.AxiomDataset, opts.AxiomFlush)
        if err != nil {
            axiomErr = err
        } else {
            shipper = s
            sinks = append(sinks, s)
        }
    }

    lvl, err := zerolog.ParseLevel(opts.Level)
    if err != nil || opts.Level == "" {
        lvl = zerolog.InfoLevel
    }
    zerolog.TimeFieldFormat = time.RFC3339
    log.Logger = zerolog.New(zerolog.MultiLevelWriter(sinks...)).
        Level(lvl).
        With().Timestamp().Str("service", serviceName).
        Logger()

    if axiomErr != nil {
        log.Warn().Err(axiomErr).Msg("axiom forwarding disabled")
    }
    return nil
}

// Close drains the Axiom buffer, if any.
func Close() {
    if shipper == nil {
        return
    }
    if n := shipper.Close(); n > 0 {
        fmt.Fprintf(os.Stderr, "logger: dropped %d events for axiom\n", n)
    }
    shipper = nil
}

// WithRequestID tags the context logger with the HTTP request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
    return with(ctx, "request_id", requestID)
}

// WithDocument tags the context logger with a document content hash.
func WithDocument(ctx context.Context, hash string) context.Context {
    return with(ctx, "hash", hash)
}

func with(ctx context.Context, key, value string) context.Context {
    l := From(ctx).With().Str(key, value).Logger()
    return l.WithContext(ctx)
}

// From returns the context logger, or log.Logger when none was attached.
func From(ctx context.Context) *zerolog.Logger {
    if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
        return l
    }
    return &log.Logger
}

// axiomShipper is a zerolog.LevelWriter that batches events to Axiom.
// Debug and trace lines never leave the process.
type axiomShipper struct {
    client  *axiom.Client
    dataset string
    events  chan axiom.Event
    dropped atomic.Int64
    done    chan struct{}
    wg      sync.WaitGroup
}

const (
    axiomBuffer = 1000
    axiomBatch  = 200
)

func newAxiomShipper(token, orgID, dataset string, every time.Duration) (*axiomShipper, error) {
    opts := []axiom.Option{axiom.SetToken(token)}
    if orgID != "" {
        opts = append(opts, axiom.SetOrganizationID(orgID))
    }
    c, err := axiom.NewClient(opts...)
    if err != nil {
        return nil, err
    }
    if dataset == "" {
        dataset = serviceName
    }
    if every <= 0 {
        every = 10 * time.Second
    }
    s := &axiomShipper{
        client:  c,
        dataset: dataset,
        events:  make(chan axiom.Event, axiomBuffer),
        done:    make(chan struct{}),
    }
    s.wg.Add(1)
    go s.run(every)
    return s, nil
}

func (s *axiomShipper) Write(p []byte) (int, error) {
    return s.WriteLevel(zerolog.NoLevel, p)
}

func (s *axiomShipper) WriteLevel(level zerolog.Level, p []byte) (int, error) {
    if level != zerolog.NoLevel && level < zerolog.InfoLevel {
        return len(p), nil
    }
    var ev axiom.Event
    if err := json.Unmarshal(p, &ev); err != nil {
        ev = axiom.Event{"message": string(p)}
    }
    if _, ok := ev[ingest.TimestampField]; !ok {
        ev[ingest.TimestampField] = time.Now()
    }
    select {
    case s.events <- ev:
    default:
        s.dropped.Add(1)
    }
    return len(p), nil
}

func (s *axiomShipper) run(every time.Duration) {
    defer s.wg.Done()
    ticker := time.NewTicker(every)
    defer ticker.Stop()

    batch := make([]axiom.Event, 0, axiomBatch)
    flush := func() {
        if len(batch) == 0 {
            return
        }
        ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
        if _, err := s.client.IngestEvents(ctx, s.dataset, batch); err != nil {
            s.dropped.Add(int64(len(batch)))
        }
        cancel()
        batch = batch[:0]
    }
    for {
        select {
        case ev := <-s.events:
            if batch = append(batch, ev); len(batch) >= axiomBatch {
                flush()
            }
        case <-ticker.C:
            flush()
        case <-s.done:
            for {
                select {
                case ev := <-s.events:
                    batch = append(batch, ev)
                default:
                    flush()
                    return
                }
            }
        }
    }
}

// Close flushes what is buffered and returns how many events were lost.
func (s *axiomShipper) Close() int64 {
    close(s.done)
    s.wg.Wait()
    return s.dropped.Load()
}
