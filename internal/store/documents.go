package store

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "strconv"
    "time"

    redis "github.com/redis/go-redis/v9"

    "github.com/local/printcheckout/internal/apperr"
)

type ProcessStatus string

const (
    NotProcessed ProcessStatus = "NOT_PROCESSED"
    Processing   ProcessStatus = "PROCESSING"
    Done         ProcessStatus = "DONE"
)

// Document is the persisted record of an uploaded file, keyed by content hash.
type Document struct {
    Hash          string        `json:"hash"`
    Name          string        `json:"name"`
    Extension     string        `json:"extension"`
    StoragePath   string        `json:"baseUrl"`
    PageCount     int           `json:"pageCount"`
    ColoredPages  []int         `json:"coloredPages"`
    ProcessStatus ProcessStatus `json:"processStatus"`
    Created       time.Time     `json:"created"`
    Updated       time.Time     `json:"updated"`
}

// Connect parses redisURL and pings the server.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
    opt, err := redis.ParseURL(redisURL)
    if err != nil { return nil, err }
    c := redis.NewClient(opt)
    if err := c.Ping(ctx).Err(); err != nil {
        c.Close()
        return nil, err
    }
    return c, nil
}

type DocumentStore struct {
    client *redis.Client
    keyNS  string
}

func NewDocumentStore(c *redis.Client) *DocumentStore {
    return &DocumentStore{client: c, keyNS: "doc"}
}

func (s *DocumentStore) key(hash string) string { return fmt.Sprintf("%s:%s", s.keyNS, hash) }

// Get loads a document. The bool is false when no record exists.
func (s *DocumentStore) Get(ctx context.Context, hash string) (Document, bool, error) {
    res, err := s.client.HGetAll(ctx, s.key(hash)).Result()
    if err != nil { return Document{}, false, err }
    if len(res) == 0 { return Document{}, false, nil }

    d := Document{
        Hash:          hash,
        Name:          res["name"],
        Extension:     res["extension"],
        StoragePath:   res["storagePath"],
        ProcessStatus: ProcessStatus(res["processStatus"]),
    }
    if v := res["pageCount"]; v != "" {
        d.PageCount, _ = strconv.Atoi(v)
    }
    if v := res["coloredPages"]; v != "" {
        if err := json.Unmarshal([]byte(v), &d.ColoredPages); err != nil {
            return Document{}, false, fmt.Errorf("decode coloredPages for %s: %w", hash, err)
        }
    }
    if d.ColoredPages == nil { d.ColoredPages = []int{} }
    if v := res["created"]; v != "" {
        if t, err := time.Parse(time.RFC3339Nano, v); err == nil { d.Created = t }
    }
    if v := res["updated"]; v != "" {
        if t, err := time.Parse(time.RFC3339Nano, v); err == nil { d.Updated = t }
    }
    return d, true, nil
}

// Create stores d unless a record with the same hash exists. It returns the
// stored record and whether this call created it.
func (s *DocumentStore) Create(ctx context.Context, d Document) (Document, bool, error) {
    if d.Hash == "" { return Document{}, false, apperr.Invalid("hash", "required") }
    if d.ProcessStatus == "" { d.ProcessStatus = NotProcessed }
    if d.ColoredPages == nil { d.ColoredPages = []int{} }
    now := time.Now().UTC()
    if d.Created.IsZero() { d.Created = now }
    d.Updated = now

    colored, err := json.Marshal(d.ColoredPages)
    if err != nil { return Document{}, false, err }
    m := map[string]interface{}{
        "name":          d.Name,
        "extension":     d.Extension,
        "storagePath":   d.StoragePath,
        "pageCount":     d.PageCount,
        "coloredPages":  string(colored),
        "processStatus": string(d.ProcessStatus),
        "created":       d.Created.Format(time.RFC3339Nano),
        "updated":       d.Updated.Format(time.RFC3339Nano),
    }

    key := s.key(d.Hash)
    created := false
    err = s.client.Watch(ctx, func(tx *redis.Tx) error {
        n, err := tx.Exists(ctx, key).Result()
        if err != nil { return err }
        if n > 0 { return nil }
        _, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
            p.HSet(ctx, key, m)
            return nil
        })
        if err == nil { created = true }
        return err
    }, key)
    if err != nil && !errors.Is(err, redis.TxFailedErr) {
        return Document{}, false, err
    }
    if created { return d, true, nil }

    existing, ok, err := s.Get(ctx, d.Hash)
    if err != nil { return Document{}, false, err }
    if !ok { return Document{}, false, fmt.Errorf("document %s vanished during create", d.Hash) }
    return existing, false, nil
}

// SetStatus moves an existing document to st.
func (s *DocumentStore) SetStatus(ctx context.Context, hash string, st ProcessStatus) error {
    return s.update(ctx, hash, map[string]interface{}{"processStatus": string(st)})
}

// Complete records the colored page set and marks the document DONE.
func (s *DocumentStore) Complete(ctx context.Context, hash string, coloredPages []int) error {
    if coloredPages == nil { coloredPages = []int{} }
    b, err := json.Marshal(coloredPages)
    if err != nil { return err }
    return s.update(ctx, hash, map[string]interface{}{
        "coloredPages":  string(b),
        "processStatus": string(Done),
    })
}

func (s *DocumentStore) update(ctx context.Context, hash string, m map[string]interface{}) error {
    key := s.key(hash)
    n, err := s.client.Exists(ctx, key).Result()
    if err != nil { return err }
    if n == 0 { return apperr.NotFound("document", hash) }
    m["updated"] = time.Now().UTC().Format(time.RFC3339Nano)
    return s.client.HSet(ctx, key, m).Err()
}

// Client returns the underlying Redis client
func (s *DocumentStore) Client() *redis.Client { return s.client }
