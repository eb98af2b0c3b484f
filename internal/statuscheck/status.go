package statuscheck

import (
    "context"
    "errors"
    "fmt"
    "net/http"
    "strings"
    "time"
)

// Pinger models the minimal capability we need for Redis and S3 checks.
type Pinger interface {
    Ping(ctx context.Context) error
}

// Rasterizer reports whether the page rasterizer can run.
type Rasterizer interface {
    IsAvailable() bool
}

// Checker aggregates health checks for external dependencies.
type Checker struct {
    redis       Pinger
    s3          Pinger
    rasterizer  Rasterizer
    httpClient  *http.Client
    commerceURL string
}

// Options configures the Checker. A nil S3 means mirroring is disabled.
type Options struct {
    Redis       Pinger
    S3          Pinger
    Rasterizer  Rasterizer
    HTTPClient  *http.Client
    CommerceURL string
}

// Status represents the readiness of a subsystem.
type Status struct {
    OK      bool   `json:"ok"`
    Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
    Redis      Status `json:"redis"`
    S3         Status `json:"s3"`
    Rasterizer Status `json:"rasterizer"`
    Commerce   Status `json:"commerce"`
}

// Healthy is true when every required subsystem is up. S3 only counts when
// it is configured.
func (s Summary) Healthy() bool {
    return s.Redis.OK && s.Rasterizer.OK && (s.S3.OK || s.S3.Message == msgDisabled)
}

const msgDisabled = "Disabled"

// New creates a new Checker with the provided options.
func New(opts Options) *Checker {
    client := opts.HTTPClient
    if client == nil {
        client = &http.Client{Timeout: 5 * time.Second}
    }
    return &Checker{
        redis:       opts.Redis,
        s3:          opts.S3,
        rasterizer:  opts.Rasterizer,
        httpClient:  client,
        commerceURL: strings.TrimSpace(opts.CommerceURL),
    }
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
    return Summary{
        Redis:      c.checkRedis(ctx),
        S3:         c.checkS3(ctx),
        Rasterizer: c.checkRasterizer(),
        Commerce:   c.checkCommerce(ctx),
    }
}

func (c *Checker) checkRedis(ctx context.Context) Status {
    if c.redis == nil {
        return Status{OK: false, Message: "client unavailable"}
    }
    ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    if err := c.redis.Ping(ctx); err != nil {
        return Status{OK: false, Message: trimError(err)}
    }
    return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkS3(ctx context.Context) Status {
    if c.s3 == nil {
        return Status{OK: false, Message: msgDisabled}
    }
    ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()
    if err := c.s3.Ping(ctx); err != nil {
        return Status{OK: false, Message: trimError(err)}
    }
    return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkRasterizer() Status {
    if c.rasterizer == nil || !c.rasterizer.IsAvailable() {
        return Status{OK: false, Message: "Binary not found"}
    }
    return Status{OK: true, Message: "Available"}
}

// checkCommerce only verifies the GraphQL endpoint answers; any HTTP status
// below 500 counts as reachable.
func (c *Checker) checkCommerce(ctx context.Context) Status {
    if c.commerceURL == "" {
        return Status{OK: false, Message: "API URL missing"}
    }
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.commerceURL, nil)
    if err != nil {
        return Status{OK: false, Message: trimError(err)}
    }
    resp, err := c.httpClient.Do(req)
    if err != nil {
        return Status{OK: false, Message: trimError(err)}
    }
    defer resp.Body.Close()
    if resp.StatusCode >= 500 {
        return Status{OK: false, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
    }
    return Status{OK: true, Message: "Available"}
}

func trimError(err error) string {
    if err == nil {
        return ""
    }
    var netErr interface{ Timeout() bool }
    if errors.As(err, &netErr) && netErr.Timeout() {
        return "timeout"
    }
    msg := err.Error()
    if len(msg) > 120 {
        return msg[:120]
    }
    return msg
}
