package dispatcher

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "testing"
    "time"

    "github.com/local/printcheckout/internal/apperr"
    "github.com/local/printcheckout/internal/pages"
    "github.com/local/printcheckout/internal/queue"
    "github.com/local/printcheckout/internal/store"
)

type fakeQueue struct {
    mu      sync.Mutex
    ready   []queue.Job
    acked   []string
    delayed []queue.Job
    dlq     []string
}

func (q *fakeQueue) Dequeue(ctx context.Context, consumer string, timeout time.Duration) (string, queue.Job, error) {
    q.mu.Lock()
    defer q.mu.Unlock()
    if len(q.ready) == 0 {
        q.mu.Unlock()
        select {
        case <-ctx.Done():
        case <-time.After(timeout):
        }
        q.mu.Lock()
        return "", queue.Job{}, nil
    }
    job := q.ready[0]
    q.ready = q.ready[1:]
    return fmt.Sprintf("%d-0", len(q.acked)+len(q.ready)+1), job, nil
}

func (q *fakeQueue) Ack(ctx context.Context, id string) error {
    q.mu.Lock()
    defer q.mu.Unlock()
    q.acked = append(q.acked, id)
    return nil
}

func (q *fakeQueue) EnqueueDelayed(ctx context.Context, job queue.Job, at time.Time) error {
    q.mu.Lock()
    defer q.mu.Unlock()
    q.delayed = append(q.delayed, job)
    return nil
}

func (q *fakeQueue) AddDLQ(ctx context.Context, job queue.Job, reason string) error {
    q.mu.Lock()
    defer q.mu.Unlock()
    q.dlq = append(q.dlq, job.Hash+": "+reason)
    return nil
}

func (q *fakeQueue) Depths(ctx context.Context) (int64, int64, int64, error) {
    q.mu.Lock()
    defer q.mu.Unlock()
    return int64(len(q.ready)), int64(len(q.delayed)), int64(len(q.dlq)), nil
}

type fakeProcessor struct {
    mu    sync.Mutex
    errs  map[string]error
    calls []string
}

func (p *fakeProcessor) Process(ctx context.Context, hash string) (store.Document, []pages.PageClassification, error) {
    p.mu.Lock()
    defer p.mu.Unlock()
    p.calls = append(p.calls, hash)
    if err := p.errs[hash]; err != nil {
        return store.Document{}, nil, err
    }
    return store.Document{Hash: hash, ProcessStatus: store.Done}, nil, nil
}

func TestHandleOutcomes(t *testing.T) {
    tests := []struct {
        name        string
        err         error
        attempt     int
        wantDelayed int
        wantDLQ     int
    }{
        {"success", nil, 0, 0, 0},
        {"transient retried", &apperr.ToolExecutionError{Tool: "mutool", Reason: "timed out after 2m0s"}, 0, 1, 0},
        {"attempts exhausted", errors.New("redis: connection reset"), 2, 0, 1},
        {"fatal", apperr.NotFound("document", "h"), 0, 0, 1},
        {"broken pdf", &apperr.ToolExecutionError{Tool: "mutool", Stderr: "error: no objects found"}, 0, 0, 1},
    }
    for _, tt := range tests {
        t.Run(tt.name, func(t *testing.T) {
            q := &fakeQueue{}
            p := &fakeProcessor{errs: map[string]error{"h": tt.err}}
            w := New(Config{MaxAttempts: 3}, q, p)

            w.handle(context.Background(), 0, "1-0", queue.Job{Hash: "h", Attempt: tt.attempt})

            if len(q.acked) != 1 || q.acked[0] != "1-0" {
                t.Errorf("acked = %v", q.acked)
            }
            if len(q.delayed) != tt.wantDelayed || len(q.dlq) != tt.wantDLQ {
                t.Errorf("delayed = %v dlq = %v", q.delayed, q.dlq)
            }
            if tt.wantDelayed == 1 && q.delayed[0].Attempt != tt.attempt+1 {
                t.Errorf("retry attempt = %d", q.delayed[0].Attempt)
            }
        })
    }
}

func TestBackoff(t *testing.T) {
    w := New(Config{BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}, &fakeQueue{}, &fakeProcessor{})
    want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
    for attempt, d := range want {
        if got := w.backoff(attempt); got != d {
            t.Errorf("backoff(%d) = %s, want %s", attempt, got, d)
        }
    }
}

func TestWorkerDrainsQueue(t *testing.T) {
    q := &fakeQueue{ready: []queue.Job{{Hash: "a"}, {Hash: "b"}, {Hash: "c"}}}
    p := &fakeProcessor{}
    w := New(Config{Concurrency: 2, BlockTimeout: 10 * time.Millisecond}, q, p)
    w.Start()

    deadline := time.Now().Add(2 * time.Second)
    for time.Now().Before(deadline) {
        q.mu.Lock()
        n := len(q.acked)
        q.mu.Unlock()
        if n == 3 { break }
        time.Sleep(5 * time.Millisecond)
    }
    ctx, cancel := context.WithTimeout(context.Background(), time.Second)
    defer cancel()
    if err := w.Stop(ctx); err != nil {
        t.Fatalf("Stop: %v", err)
    }
    p.mu.Lock()
    defer p.mu.Unlock()
    if len(p.calls) != 3 {
        t.Errorf("processed %v", p.calls)
    }
}
