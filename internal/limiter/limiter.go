package limiter

import (
    "context"
    "fmt"
    "strings"
    "sync"
    "time"

    "github.com/google/uuid"
    redis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only if it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`)

// Lease guards document processing across processes with a Redis key held
// for at most ttl.
type Lease struct {
    rdb   *redis.Client
    ttl   time.Duration
    owner string
}

func New(c *redis.Client, ttl time.Duration) *Lease {
    if ttl <= 0 { ttl = 15 * time.Minute }
    return &Lease{rdb: c, ttl: ttl, owner: uuid.NewString()}
}

func (l *Lease) key(hash string) string {
    return fmt.Sprintf("lease:process:%s", strings.ToLower(hash))
}

// Acquire takes the processing lease for hash. It returns a release func and
// true, or nil and false when another holder has it.
func (l *Lease) Acquire(ctx context.Context, hash string) (func(), bool, error) {
    token := l.owner + ":" + uuid.NewString()
    ok, err := l.rdb.SetNX(ctx, l.key(hash), token, l.ttl).Result()
    if err != nil { return nil, false, err }
    if !ok { return nil, false, nil }

    var once sync.Once
    release := func() {
        once.Do(func() {
            // the caller's context may be gone by now
            rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
            defer cancel()
            _ = releaseScript.Run(rctx, l.rdb, []string{l.key(hash)}, token).Err()
        })
    }
    return release, true, nil
}

// Held reports whether any process currently holds the lease for hash.
func (l *Lease) Held(ctx context.Context, hash string) (bool, error) {
    n, err := l.rdb.Exists(ctx, l.key(hash)).Result()
    return n > 0, err
}
