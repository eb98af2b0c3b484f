package config

import (
    "os"
    "strconv"
    "strings"
    "time"

    "github.com/joho/godotenv"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
    Level        string
    Pretty       bool
    File         string
    MaxSizeMB    int
    MaxBackups   int
    MaxAgeDays   int
    Compress     bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
    Send          bool
    APIKey        string
    OrgID         string
    Dataset       string
    FlushInterval time.Duration
}

// ServerConfig defines the HTTP surface and the media root.
type ServerConfig struct {
    Port         string
    PublicURL    string // prefix used to build media URLs, e.g. https://shop.example/
    MediaDir     string
    MaxUploadMB  int
    CoverName    string
}

// RasterizerConfig selects and tunes the page rasterizer.
type RasterizerConfig struct {
    Backend string // "mutool"|"fitz"
    Binary  string
    DPI     int
    Timeout time.Duration
}

// ClassifierConfig tunes page color classification.
type ClassifierConfig struct {
    Threshold      int
    Policy         string // "any"|"all"
    Workers        int
    ProcessTimeout time.Duration
}

// QueueConfig defines queue connectivity and names.
type QueueConfig struct {
    RedisURL     string
    Stream       string
    Group        string
    PollInterval time.Duration
    Eager        bool
    RunWorker    bool
    Concurrency  int
    LeaseTTL     time.Duration
}

// StorageConfig configures the optional S3 artifact mirror.
type StorageConfig struct {
    Bucket    string
    Prefix    string
    Region    string
    Endpoint  string
    AccessKey string
    SecretKey string
}

// Enabled reports whether artifacts should be mirrored.
func (s StorageConfig) Enabled() bool { return s.Bucket != "" }

// CommerceConfig points at the commerce GraphQL API.
type CommerceConfig struct {
    APIURL  string
    Token   string
    Timeout time.Duration
}

// Config is the top-level configuration.
type Config struct {
    Logging    LoggingConfig
    Axiom      AxiomConfig
    Server     ServerConfig
    Rasterizer RasterizerConfig
    Classifier ClassifierConfig
    Queue      QueueConfig
    Storage    StorageConfig
    Commerce   CommerceConfig
}

// Load reads an optional .env file (ENV_FILE or ./.env) and then the environment.
// Variables already present in the environment win over the file.
func Load() Config {
    file := getEnv("ENV_FILE", ".env")
    if _, err := os.Stat(file); err == nil {
        _ = godotenv.Load(file)
    }
    return FromEnv()
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
    cfg := Config{}

    cfg.Logging = LoggingConfig{
        Level:      getEnv("LOG_LEVEL", "info"),
        Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
        File:       getEnv("LOG_FILE", "logs/printcheckout.log"),
        MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
        MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
        MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
        Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
    }

    baseDataset := getEnv("AXIOM_DATASET", "dev")
    cfg.Axiom = AxiomConfig{
        Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
        APIKey:        getEnv("AXIOM_API_KEY", ""),
        OrgID:         getEnv("AXIOM_ORG_ID", ""),
        Dataset:       baseDataset + "_printcheckout",
        FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
    }

    cfg.Server = ServerConfig{
        Port:        getEnv("PORT", "8080"),
        PublicURL:   ensureSlash(getEnv("PUBLIC_URL", "http://localhost:8080/")),
        MediaDir:    getEnv("MEDIA_DIR", "media"),
        MaxUploadMB: parseInt(getEnv("MAX_UPLOAD_MB", "64"), 64),
        CoverName:   getEnv("COVER_FILE_NAME", "cover.png"),
    }

    cfg.Rasterizer = RasterizerConfig{
        Backend: strings.ToLower(getEnv("RASTERIZER", "mutool")),
        Binary:  getEnv("MUTOOL_BIN", "mutool"),
        DPI:     parseInt(getEnv("RASTER_DPI", "160"), 160),
        Timeout: parseDuration(getEnv("RASTERIZE_TIMEOUT", "2m"), 2*time.Minute),
    }

    cfg.Classifier = ClassifierConfig{
        Threshold:      parseInt(getEnv("COLOR_THRESHOLD", "15"), 15),
        Policy:         strings.ToLower(getEnv("COLOR_POLICY", "any")),
        Workers:        parseInt(getEnv("CLASSIFY_WORKERS", "4"), 4),
        ProcessTimeout: parseDuration(getEnv("PROCESS_TIMEOUT", "10m"), 10*time.Minute),
    }

    cfg.Queue = QueueConfig{
        RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379"),
        Stream:       getEnv("QUEUE_STREAM", "jobs:print:documents"),
        Group:        getEnv("QUEUE_GROUP", "workers:print"),
        PollInterval: parseDuration(getEnv("QUEUE_POLL_INTERVAL", "2s"), 2*time.Second),
        Eager:        parseBool(getEnv("EAGER_PROCESSING", "false")),
        RunWorker:    parseBool(getEnv("RUN_WORKER", "true")),
        Concurrency:  parseInt(getEnv("WORKER_CONCURRENCY", "2"), 2),
        LeaseTTL:     parseDuration(getEnv("PROCESS_LEASE_TTL", "15m"), 15*time.Minute),
    }

    cfg.Storage = StorageConfig{
        Bucket:    getEnv("AWS_S3_BUCKET", ""),
        Prefix:    strings.Trim(getEnv("AWS_S3_PREFIX", "print-media"), "/"),
        Region:    getEnv("AWS_REGION", ""),
        Endpoint:  getEnv("AWS_S3_ENDPOINT", ""),
        AccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
        SecretKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
    }

    cfg.Commerce = CommerceConfig{
        APIURL:  getEnv("SALEOR_API_URL", ""),
        Token:   getEnv("SALEOR_APP_TOKEN", ""),
        Timeout: parseDuration(getEnv("SALEOR_TIMEOUT", "15s"), 15*time.Second),
    }

    return cfg
}

// Helpers
func getEnv(key, def string) string {
    if v := os.Getenv(key); v != "" {
        return v
    }
    return def
}

func parseInt(s string, def int) int {
    if s == "" { return def }
    if n, err := strconv.Atoi(s); err == nil { return n }
    return def
}

func parseBool(s string) bool {
    v := strings.ToLower(strings.TrimSpace(s))
    return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
    if s == "" { return def }
    if d, err := time.ParseDuration(s); err == nil { return d }
    return def
}

func ensureSlash(s string) string {
    if strings.HasSuffix(s, "/") { return s }
    return s + "/"
}

func devDefaultPretty() string {
    env := strings.ToLower(os.Getenv("ENVIRONMENT"))
    if env == "dev" || env == "development" || env == "local" { return "true" }
    return "false"
}
