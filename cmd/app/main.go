package main

import (
    "context"
    "fmt"
    "net/http"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/rs/zerolog/log"

    "github.com/local/printcheckout/internal/checkout"
    "github.com/local/printcheckout/internal/colorclass"
    "github.com/local/printcheckout/internal/commerce"
    cfgpkg "github.com/local/printcheckout/internal/config"
    "github.com/local/printcheckout/internal/dispatcher"
    "github.com/local/printcheckout/internal/filetype"
    "github.com/local/printcheckout/internal/ingest"
    "github.com/local/printcheckout/internal/limiter"
    logpkg "github.com/local/printcheckout/internal/logger"
    "github.com/local/printcheckout/internal/metrics"
    "github.com/local/printcheckout/internal/mupdf"
    "github.com/local/printcheckout/internal/pages"
    "github.com/local/printcheckout/internal/pricing"
    "github.com/local/printcheckout/internal/queue"
    "github.com/local/printcheckout/internal/server"
    "github.com/local/printcheckout/internal/statuscheck"
    "github.com/local/printcheckout/internal/storage"
    "github.com/local/printcheckout/internal/store"
)

func main() {
    cfg := cfgpkg.Load()

    // Init logging
    _ = logpkg.Init(logpkg.Options{
        Level: cfg.Logging.Level,
        Pretty: cfg.Logging.Pretty,
        File: cfg.Logging.File,
        MaxSizeMB: cfg.Logging.MaxSizeMB,
        MaxBackups: cfg.Logging.MaxBackups,
        MaxAgeDays: cfg.Logging.MaxAgeDays,
        Compress: cfg.Logging.Compress,
        SendToAxiom: cfg.Axiom.Send && cfg.Axiom.APIKey != "",
        AxiomAPIKey: cfg.Axiom.APIKey,
        AxiomOrgID: cfg.Axiom.OrgID,
        AxiomDataset: cfg.Axiom.Dataset,
        AxiomFlush: cfg.Axiom.FlushInterval,
    })
    defer logpkg.Close()
    metrics.Init()

    if err := os.MkdirAll(cfg.Server.MediaDir, 0o755); err != nil {
        log.Fatal().Err(err).Str("dir", cfg.Server.MediaDir).Msg("cannot create media dir")
    }

    startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancelStart()

    // Redis: records, lease, queue
    rdb, err := store.Connect(startCtx, cfg.Queue.RedisURL)
    if err != nil {
        log.Fatal().Err(err).Msg("failed to connect to redis")
    }
    defer rdb.Close()

    rq, err := queue.NewRedisQueue(startCtx, rdb, cfg.Queue.Stream, cfg.Queue.Group, cfg.Queue.PollInterval)
    if err != nil {
        log.Fatal().Err(err).Msg("failed to init processing queue")
    }
    defer rq.Close()

    // Rasterizer backend
    var rasterizer mupdf.Rasterizer
    switch cfg.Rasterizer.Backend {
    case "fitz":
        rasterizer = mupdf.NewFitz(cfg.Rasterizer.DPI)
    default:
        rasterizer = mupdf.NewMutool(mupdf.Options{
            Binary:  cfg.Rasterizer.Binary,
            DPI:     cfg.Rasterizer.DPI,
            Timeout: cfg.Rasterizer.Timeout,
        })
    }
    if !rasterizer.IsAvailable() {
        log.Warn().Str("backend", cfg.Rasterizer.Backend).Str("binary", cfg.Rasterizer.Binary).Msg("rasterizer not available")
    }

    policy, err := colorclass.ParsePolicy(cfg.Classifier.Policy)
    if err != nil {
        log.Fatal().Err(err).Msg("invalid COLOR_POLICY")
    }
    processor := pages.New(rasterizer, colorclass.New(cfg.Classifier.Threshold, policy), pages.Options{
        DPI:     cfg.Rasterizer.DPI,
        Workers: cfg.Classifier.Workers,
    })

    deps := ingest.Deps{
        Rasterizer: rasterizer,
        Pages:      processor,
        Documents:  store.NewDocumentStore(rdb),
        Validator:  filetype.New(),
        Lease:      limiter.New(rdb, cfg.Queue.LeaseTTL),
    }
    health := statuscheck.Options{
        Redis:       rq,
        Rasterizer:  rasterizer,
        CommerceURL: cfg.Commerce.APIURL,
    }

    // Optional S3 mirror
    if cfg.Storage.Enabled() {
        mirror, err := storage.NewS3Mirror(startCtx, storage.Options{
            Bucket:    cfg.Storage.Bucket,
            Prefix:    cfg.Storage.Prefix,
            Region:    cfg.Storage.Region,
            Endpoint:  cfg.Storage.Endpoint,
            AccessKey: cfg.Storage.AccessKey,
            SecretKey: cfg.Storage.SecretKey,
        })
        if err != nil {
            log.Fatal().Err(err).Msg("failed to init s3 mirror")
        }
        deps.Mirror = mirror
        health.S3 = mirror
    }
    if cfg.Queue.Eager {
        deps.Queue = rq
    }

    docs := ingest.New(ingest.Options{
        MediaDir:       cfg.Server.MediaDir,
        PublicURL:      cfg.Server.PublicURL,
        CoverName:      cfg.Server.CoverName,
        MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
        ProcessTimeout: cfg.Classifier.ProcessTimeout,
    }, deps)
    janitorCtx, stopJanitor := context.WithCancel(context.Background())
    defer stopJanitor()
    go docs.RunJanitor(janitorCtx, time.Hour, 6*time.Hour)

    // Commerce + pricing
    saleor := commerce.NewSaleorClient(commerce.Options{
        URL:     cfg.Commerce.APIURL,
        Token:   cfg.Commerce.Token,
        Timeout: cfg.Commerce.Timeout,
    })
    printProducts := store.NewPrintProductStore(rdb)
    co := checkout.New(deps.Documents, pricing.NewEngine(saleor, printProducts), saleor, printProducts)

    srv := server.New(server.Dependencies{
        Documents:      docs,
        Checkout:       co,
        Health:         statuscheck.New(health),
        MediaDir:       cfg.Server.MediaDir,
        MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
    })

    // Background processing worker (optional)
    if cfg.Queue.RunWorker {
        w := dispatcher.New(dispatcher.Config{Concurrency: cfg.Queue.Concurrency}, rq, docs)
        w.Start()
        defer func() {
            ctx, cancel := context.WithTimeout(context.Background(), cfg.Classifier.ProcessTimeout)
            defer cancel()
            if err := w.Stop(ctx); err != nil {
                log.Warn().Err(err).Msg("worker stop timed out")
            }
        }()
    }

    httpSrv := &http.Server{
        Addr:              ":" + cfg.Server.Port,
        Handler:           srv.Handler(),
        ReadHeaderTimeout: 10 * time.Second,
    }

    go func(){
        log.Info().Msgf("HTTP server listening on :%s", cfg.Server.Port)
        if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
            log.Fatal().Err(err).Msg("http server error")
        }
    }()

    // Graceful shutdown
    stop := make(chan os.Signal, 1)
    signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
    <-stop
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    _ = httpSrv.Shutdown(ctx)
    fmt.Println("shutdown complete")
}
