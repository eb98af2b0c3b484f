package queue

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "strings"
    "time"

    redis "github.com/redis/go-redis/v9"
)

// Job asks a worker to classify the document stored under Hash.
type Job struct {
    Hash       string    `json:"hash"`
    Attempt    int       `json:"attempt"`
    EnqueuedAt time.Time `json:"enqueued_at"`
}

// RedisQueue implements Redis Streams + consumer groups with a delayed ZSET mover
// used for retries.
type RedisQueue struct {
    client       *redis.Client
    // streams / groups
    Stream       string
    Group        string
    // keys
    DelayedKey   string
    DLQStream    string
    // mover control
    pollInterval time.Duration
    stop         chan struct{}
}

// NewRedisQueue ensures stream & group on client and starts the delayed mover.
func NewRedisQueue(ctx context.Context, client *redis.Client, stream, group string, poll time.Duration) (*RedisQueue, error) {
    q := &RedisQueue{
        client:       client,
        Stream:       stream,
        Group:        group,
        DelayedKey:   stream + ":delayed",
        DLQStream:    stream + ":dlq",
        pollInterval: poll,
        stop:         make(chan struct{}),
    }
    // Ensure consumer group exists (MKSTREAM creates stream if missing)
    if err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil && !isBusyGroupErr(err) {
        return nil, fmt.Errorf("xgroup create: %w", err)
    }
    go q.mover()
    return q, nil
}

func isBusyGroupErr(err error) bool {
    if err == nil { return false }
    // go-redis returns the raw Redis error string
    return strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

// Close stops the delayed mover. The client is owned by the caller.
func (q *RedisQueue) Close() error {
    close(q.stop)
    return nil
}

// Ping checks redis connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error { return q.client.Ping(ctx).Err() }

// Enqueue adds a job to the stream as a single-field entry {data: <json>}.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
    if job.EnqueuedAt.IsZero() { job.EnqueuedAt = time.Now().UTC() }
    payload, err := json.Marshal(job)
    if err != nil { return err }
    return q.client.XAdd(ctx, &redis.XAddArgs{
        Stream: q.Stream,
        Values: map[string]any{"data": string(payload)},
    }).Err()
}

// EnqueueDelayed schedules a job for later execution via ZSET.
func (q *RedisQueue) EnqueueDelayed(ctx context.Context, job Job, executeAt time.Time) error {
    payload, err := json.Marshal(job)
    if err != nil { return err }
    return q.client.ZAdd(ctx, q.DelayedKey, redis.Z{Score: float64(executeAt.Unix()), Member: string(payload)}).Err()
}

// Dequeue reads one message from the consumer group. An empty id means the
// read timed out. The message stays pending until Ack.
func (q *RedisQueue) Dequeue(ctx context.Context, consumer string, timeout time.Duration) (string, Job, error) {
    res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
        Group:    q.Group,
        Consumer: consumer,
        Streams:  []string{q.Stream, ">"},
        Count:    1,
        Block:    timeout,
    }).Result()
    if err != nil {
        if errors.Is(err, redis.Nil) { return "", Job{}, nil }
        return "", Job{}, err
    }
    if len(res) == 0 || len(res[0].Messages) == 0 { return "", Job{}, nil }
    msg := res[0].Messages[0]

    var raw []byte
    switch t := msg.Values["data"].(type) {
    case string:
        raw = []byte(t)
    case []byte:
        raw = t
    }
    var job Job
    if err := json.Unmarshal(raw, &job); err != nil {
        return msg.ID, Job{}, fmt.Errorf("decode job %s: %w", msg.ID, err)
    }
    return msg.ID, job, nil
}

// Ack marks a message as processed.
func (q *RedisQueue) Ack(ctx context.Context, msgID string) error {
    if msgID == "" { return nil }
    return q.client.XAck(ctx, q.Stream, q.Group, msgID).Err()
}

// AddDLQ pushes a failed job to DLQ stream with reason.
func (q *RedisQueue) AddDLQ(ctx context.Context, job Job, reason string) error {
    payload, err := json.Marshal(job)
    if err != nil { return err }
    return q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.DLQStream, Values: map[string]any{"data": string(payload), "reason": reason}}).Err()
}

// mover periodically moves due delayed jobs from ZSET into the stream.
func (q *RedisQueue) mover() {
    if q.pollInterval <= 0 { q.pollInterval = 200 * time.Millisecond }
    ticker := time.NewTicker(q.pollInterval)
    defer ticker.Stop()
    for {
        select {
        case <-q.stop:
            return
        case <-ticker.C:
            q.moveOnce(time.Now())
        }
    }
}

func (q *RedisQueue) moveOnce(now time.Time) {
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    // Fetch up to 100 ready items
    vals, err := q.client.ZRangeByScore(ctx, q.DelayedKey, &redis.ZRangeBy{
        Min: "-inf", Max: fmt.Sprintf("%d", now.Unix()), Offset: 0, Count: 100,
    }).Result()
    if err != nil || len(vals) == 0 { return }
    pipe := q.client.TxPipeline()
    for _, s := range vals {
        pipe.XAdd(ctx, &redis.XAddArgs{Stream: q.Stream, Values: map[string]any{"data": s}})
        pipe.ZRem(ctx, q.DelayedKey, s)
    }
    _, _ = pipe.Exec(ctx)
}

// Depths returns approximate stream/deferred/dlq lengths for metrics.
func (q *RedisQueue) Depths(ctx context.Context) (int64, int64, int64, error) {
    pipe := q.client.Pipeline()
    xlen := pipe.XLen(ctx, q.Stream)
    zcard := pipe.ZCard(ctx, q.DelayedKey)
    dxlen := pipe.XLen(ctx, q.DLQStream)
    _, err := pipe.Exec(ctx)
    if err != nil { return 0, 0, 0, err }
    return xlen.Val(), zcard.Val(), dxlen.Val(), nil
}
