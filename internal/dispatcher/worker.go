package dispatcher

import (
    "context"
    "fmt"
    "sync"
    "time"

    "github.com/google/uuid"
    "github.com/rs/zerolog/log"

    "github.com/local/printcheckout/internal/metrics"
    "github.com/local/printcheckout/internal/pages"
    "github.com/local/printcheckout/internal/queue"
    "github.com/local/printcheckout/internal/store"
)

type Queue interface {
    Dequeue(ctx context.Context, consumer string, timeout time.Duration) (string, queue.Job, error)
    Ack(ctx context.Context, msgID string) error
    EnqueueDelayed(ctx context.Context, job queue.Job, executeAt time.Time) error
    AddDLQ(ctx context.Context, job queue.Job, reason string) error
    Depths(ctx context.Context) (int64, int64, int64, error)
}

// Processor classifies a stored document.
type Processor interface {
    Process(ctx context.Context, hash string) (store.Document, []pages.PageClassification, error)
}

type Config struct {
    Concurrency  int
    MaxAttempts  int
    BaseBackoff  time.Duration
    MaxBackoff   time.Duration
    BlockTimeout time.Duration
    DepthEvery   time.Duration
}

// Worker consumes processing jobs from the queue. Failed jobs are retried
// with exponential backoff through the delayed set and end up in the DLQ.
type Worker struct {
    cfg    Config
    q      Queue
    proc   Processor
    name   string
    ctx    context.Context
    cancel context.CancelFunc
    wg     sync.WaitGroup
}

func New(cfg Config, q Queue, proc Processor) *Worker {
    if cfg.Concurrency <= 0 { cfg.Concurrency = 2 }
    if cfg.MaxAttempts <= 0 { cfg.MaxAttempts = 3 }
    if cfg.BaseBackoff <= 0 { cfg.BaseBackoff = 30 * time.Second }
    if cfg.MaxBackoff <= 0 { cfg.MaxBackoff = 5 * time.Minute }
    if cfg.BlockTimeout <= 0 { cfg.BlockTimeout = 2 * time.Second }
    if cfg.DepthEvery <= 0 { cfg.DepthEvery = 15 * time.Second }
    ctx, cancel := context.WithCancel(context.Background())
    return &Worker{
        cfg:    cfg,
        q:      q,
        proc:   proc,
        name:   "printcheckout-" + uuid.NewString()[:8],
        ctx:    ctx,
        cancel: cancel,
    }
}

func (w *Worker) Start() {
    for i := 0; i < w.cfg.Concurrency; i++ {
        w.wg.Add(1)
        go w.loop(i)
    }
    w.wg.Add(1)
    go w.reportDepths()
}

// Stop signals the loops and waits for in-flight jobs until ctx is done.
func (w *Worker) Stop(ctx context.Context) error {
    w.cancel()
    done := make(chan struct{})
    go func() { w.wg.Wait(); close(done) }()
    select {
    case <-done:
        return nil
    case <-ctx.Done():
        return ctx.Err()
    }
}

func (w *Worker) loop(id int) {
    defer w.wg.Done()
    consumer := fmt.Sprintf("%s-%d", w.name, id)
    log.Info().Int("worker", id).Str("consumer", consumer).Msg("dispatcher worker started")
    for {
        select {
        case <-w.ctx.Done():
            log.Info().Int("worker", id).Msg("dispatcher worker stopped")
            return
        default:
        }

        msgID, job, err := w.q.Dequeue(w.ctx, consumer, w.cfg.BlockTimeout)
        if err != nil {
            if w.ctx.Err() != nil { continue }
            log.Error().Err(err).Str("msg_id", msgID).Msg("queue dequeue error")
            // undecodable messages would be redelivered forever
            if msgID != "" { _ = w.q.Ack(context.Background(), msgID) }
            time.Sleep(500 * time.Millisecond)
            continue
        }
        if msgID == "" { continue }
        w.handle(context.Background(), id, msgID, job)
    }
}

// handle runs one job to completion and always acks it; retries are new
// messages scheduled through the delayed set.
func (w *Worker) handle(ctx context.Context, id int, msgID string, job queue.Job) {
    defer func() {
        if err := w.q.Ack(ctx, msgID); err != nil {
            log.Error().Err(err).Str("msg_id", msgID).Msg("ack failed")
        }
    }()

    l := log.With().Int("worker", id).Str("hash", job.Hash).Int("attempt", job.Attempt).Logger()
    start := time.Now()
    doc, _, err := w.proc.Process(ctx, job.Hash)
    if err == nil {
        l.Info().Str("status", string(doc.ProcessStatus)).Dur("duration", time.Since(start)).Msg("job done")
        return
    }

    next := job
    next.Attempt++
    if isFatalError(err) || next.Attempt >= w.cfg.MaxAttempts {
        l.Error().Err(err).Bool("timeout", isTimeoutError(err)).Msg("job failed permanently")
        if derr := w.q.AddDLQ(ctx, job, err.Error()); derr != nil {
            l.Error().Err(derr).Msg("dlq push failed")
        }
        return
    }
    delay := w.backoff(job.Attempt)
    l.Warn().Err(err).Bool("timeout", isTimeoutError(err)).Dur("retry_in", delay).Msg("job failed; retry scheduled")
    if rerr := w.q.EnqueueDelayed(ctx, next, time.Now().Add(delay)); rerr != nil {
        l.Error().Err(rerr).Msg("retry scheduling failed")
    }
}

// backoff doubles from BaseBackoff per attempt, capped at MaxBackoff.
func (w *Worker) backoff(attempt int) time.Duration {
    d := w.cfg.BaseBackoff
    for i := 0; i < attempt; i++ {
        d *= 2
        if d > w.cfg.MaxBackoff { return w.cfg.MaxBackoff }
    }
    return d
}

func (w *Worker) reportDepths() {
    defer w.wg.Done()
    ticker := time.NewTicker(w.cfg.DepthEvery)
    defer ticker.Stop()
    for {
        select {
        case <-w.ctx.Done():
            return
        case <-ticker.C:
            ctx, cancel := context.WithTimeout(w.ctx, 2*time.Second)
            ready, delayed, dlq, err := w.q.Depths(ctx)
            cancel()
            if err != nil {
                log.Debug().Err(err).Msg("queue depth unavailable")
                continue
            }
            metrics.SetQueueDepth("ready", ready)
            metrics.SetQueueDepth("delayed", delayed)
            metrics.SetQueueDepth("dlq", dlq)
        }
    }
}
