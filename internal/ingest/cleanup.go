package ingest

import (
    "context"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/rs/zerolog/log"
)

// Sweep removes leftovers of interrupted work older than maxAge: spooled
// uploads under .incoming and staging dirs (.staging-*, .cover-*) inside
// document dirs. It returns the number of entries removed.
func (s *Service) Sweep(maxAge time.Duration) int {
    now := time.Now()
    removed := 0
    stale := func(path string, info os.FileInfo) {
        if now.Sub(info.ModTime()) < maxAge { return }
        if err := os.RemoveAll(path); err != nil {
            log.Warn().Err(err).Str("path", path).Msg("sweep: remove failed")
            return
        }
        removed++
    }

    incoming := filepath.Join(s.opts.MediaDir, ".incoming")
    if entries, err := os.ReadDir(incoming); err == nil {
        for _, e := range entries {
            if !strings.HasPrefix(e.Name(), "upload-") { continue }
            if info, err := e.Info(); err == nil { stale(filepath.Join(incoming, e.Name()), info) }
        }
    }

    docs, err := os.ReadDir(s.opts.MediaDir)
    if err != nil { return removed }
    for _, d := range docs {
        if !d.IsDir() || !hashPattern.MatchString(d.Name()) { continue }
        dir := filepath.Join(s.opts.MediaDir, d.Name())
        entries, err := os.ReadDir(dir)
        if err != nil { continue }
        for _, e := range entries {
            name := e.Name()
            if !e.IsDir() || !(strings.HasPrefix(name, ".staging-") || strings.HasPrefix(name, ".cover-")) { continue }
            if info, err := e.Info(); err == nil { stale(filepath.Join(dir, name), info) }
        }
    }
    return removed
}

// RunJanitor sweeps once immediately and then on every tick until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, every, maxAge time.Duration) {
    if n := s.Sweep(maxAge); n > 0 {
        log.Info().Int("removed", n).Msg("swept stale media leftovers")
    }
    ticker := time.NewTicker(every)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            if n := s.Sweep(maxAge); n > 0 {
                log.Info().Int("removed", n).Msg("swept stale media leftovers")
            }
        }
    }
}
