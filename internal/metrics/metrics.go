package metrics

import (
    "net/http"
    "sync"
    "time"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    toolDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Namespace: "printcheckout",
            Name:      "rasterizer_duration_seconds",
            Help:      "Duration of rasterizer invocations by operation and result",
            Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
        },
        []string{"op", "result"},
    )

    pagesClassified = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "printcheckout",
            Name:      "pages_classified_total",
            Help:      "Pages classified by result (color, grayscale)",
        },
        []string{"result"},
    )

    documentsProcessed = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "printcheckout",
            Name:      "documents_processed_total",
            Help:      "Documents run through the page pipeline by result",
        },
        []string{"result"},
    )

    uploads = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "printcheckout",
            Name:      "uploads_total",
            Help:      "Uploads by result (new, duplicate, rejected, failed)",
        },
        []string{"result"},
    )

    checkoutLines = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "printcheckout",
            Name:      "checkout_lines_total",
            Help:      "Checkout lines by result (added, rejected, failed)",
        },
        []string{"result"},
    )

    sharedCalls = prometheus.NewCounter(
        prometheus.CounterOpts{
            Namespace: "printcheckout",
            Name:      "inflight_shared_total",
            Help:      "Calls that joined an in-flight pipeline run for the same hash",
        },
    )

    queueDepth = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Namespace: "printcheckout",
            Name:      "queue_depth",
            Help:      "Queue depth gauges for stream and dlq",
        },
        []string{"type"},
    )

    once sync.Once
)

// Init registers collectors. Safe to call more than once.
func Init() {
    once.Do(func() {
        prometheus.MustRegister(toolDuration, pagesClassified, documentsProcessed, uploads, checkoutLines, sharedCalls, queueDepth)
    })
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func ObserveTool(op string, err error, dur time.Duration) {
    toolDuration.WithLabelValues(op, resultOf(err)).Observe(dur.Seconds())
}

func IncPage(color bool) {
    if color {
        pagesClassified.WithLabelValues("color").Inc()
        return
    }
    pagesClassified.WithLabelValues("grayscale").Inc()
}

func IncDocument(err error) { documentsProcessed.WithLabelValues(resultOf(err)).Inc() }
func IncUpload(result string) { uploads.WithLabelValues(result).Inc() }
func AddCheckoutLines(result string, n int) { checkoutLines.WithLabelValues(result).Add(float64(n)) }
func IncShared()                            { sharedCalls.Inc() }

func SetQueueDepth(kind string, v int64) { queueDepth.WithLabelValues(kind).Set(float64(v)) }

func resultOf(err error) string { if err != nil { return "error" }; return "ok" }
