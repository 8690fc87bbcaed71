package monitoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rushairer/bulkinsert"
)

// Options 配置项（可选）
type Options struct {
	Namespace   string            // 默认 "bulkinsert"
	Database    string            // database 标签值，如 "mysql"
	ConstLabels map[string]string // 追加到所有指标的常量标签，如 {"env":"prod"}

	// 是否注册 Go 运行时与进程指标
	IncludeRuntime bool

	FlushBuckets      []float64
	BatchSizeBuckets  []float64
	BatchBytesBuckets []float64
}

// PrometheusMetrics Prometheus指标收集器，实现 bulkinsert.MetricsReporter 接口
type PrometheusMetrics struct {
	database string

	// Histogram
	flushDuration *prometheus.HistogramVec
	batchSize     *prometheus.HistogramVec
	batchBytes    *prometheus.HistogramVec

	// Counter
	flushTotal    *prometheus.CounterVec
	droppedFields *prometheus.CounterVec
	errorTotal    *prometheus.CounterVec

	// Gauge
	bufferedRows *prometheus.GaugeVec

	registry *prometheus.Registry
	server   *http.Server
	mu       sync.Mutex
}

var _ bulkinsert.MetricsReporter = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics 创建并注册指标
func NewPrometheusMetrics(opts Options) *PrometheusMetrics {
	ns := opts.Namespace
	if ns == "" {
		ns = "bulkinsert"
	}
	cl := prometheus.Labels(opts.ConstLabels)

	// 默认桶
	if len(opts.FlushBuckets) == 0 {
		opts.FlushBuckets = prometheus.ExponentialBuckets(0.001, 2, 15) // 1ms to ~16s
	}
	if len(opts.BatchSizeBuckets) == 0 {
		opts.BatchSizeBuckets = prometheus.ExponentialBuckets(1, 2, 16) // 1 to ~32k
	}
	if len(opts.BatchBytesBuckets) == 0 {
		opts.BatchBytesBuckets = prometheus.ExponentialBuckets(1024, 4, 10) // 1KiB to 256MiB
	}

	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		database: opts.Database,

		flushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   ns,
				Name:        "flush_duration_seconds",
				Help:        "Duration of bulk insert flushes in seconds",
				ConstLabels: cl,
				Buckets:     opts.FlushBuckets,
			},
			[]string{"database", "table", "status"},
		),

		batchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   ns,
				Name:        "batch_rows",
				Help:        "Rows written per committed flush",
				ConstLabels: cl,
				Buckets:     opts.BatchSizeBuckets,
			},
			[]string{"database", "table"},
		),

		batchBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   ns,
				Name:        "batch_bytes",
				Help:        "Estimated payload bytes per committed flush",
				ConstLabels: cl,
				Buckets:     opts.BatchBytesBuckets,
			},
			[]string{"database", "table"},
		),

		flushTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Name:        "flush_total",
				Help:        "Total number of flush attempts",
				ConstLabels: cl,
			},
			[]string{"database", "table", "status"},
		),

		droppedFields: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Name:        "dropped_fields_total",
				Help:        "Fields dropped while staging rows (unknown column or non-scalar value)",
				ConstLabels: cl,
			},
			[]string{"database", "table"},
		),

		errorTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Name:        "errors_total",
				Help:        "Total number of flush errors",
				ConstLabels: cl,
			},
			[]string{"database", "table", "error_type"},
		),

		bufferedRows: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   ns,
				Name:        "buffered_rows",
				Help:        "Rows currently staged and not yet committed",
				ConstLabels: cl,
			},
			[]string{"database", "table"},
		),

		registry: registry,
	}

	registry.MustRegister(
		pm.flushDuration,
		pm.batchSize,
		pm.batchBytes,
		pm.flushTotal,
		pm.droppedFields,
		pm.errorTotal,
		pm.bufferedRows,
	)
	if opts.IncludeRuntime {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return pm
}

// Registry 返回内部注册表
func (pm *PrometheusMetrics) Registry() *prometheus.Registry {
	return pm.registry
}

func (pm *PrometheusMetrics) ObserveFlushDuration(table string, rows int, d time.Duration, status string) {
	pm.flushDuration.WithLabelValues(pm.database, table, status).Observe(d.Seconds())
	pm.flushTotal.WithLabelValues(pm.database, table, status).Inc()
}

func (pm *PrometheusMetrics) ObserveBatchSize(table string, rows int) {
	pm.batchSize.WithLabelValues(pm.database, table).Observe(float64(rows))
}

func (pm *PrometheusMetrics) ObserveBatchBytes(table string, bytes int) {
	pm.batchBytes.WithLabelValues(pm.database, table).Observe(float64(bytes))
}

func (pm *PrometheusMetrics) IncDropped(table string, n int) {
	pm.droppedFields.WithLabelValues(pm.database, table).Add(float64(n))
}

func (pm *PrometheusMetrics) IncError(table string, kind string) {
	pm.errorTotal.WithLabelValues(pm.database, table, kind).Inc()
}

func (pm *PrometheusMetrics) SetBuffered(table string, rows int) {
	pm.bufferedRows.WithLabelValues(pm.database, table).Set(float64(rows))
}

// Router 返回暴露 /metrics 与 /health 的 gin 路由
func (pm *PrometheusMetrics) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})))
	router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	return router
}

// StartServer 启动Prometheus HTTP服务器
func (pm *PrometheusMetrics) StartServer(addr string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.server != nil {
		return fmt.Errorf("server already running")
	}

	pm.server = &http.Server{
		Addr:              addr,
		Handler:           pm.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv := pm.server
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("monitoring: metrics server stopped", "addr", srv.Addr, "error", err)
		}
	}()

	return nil
}

// StopServer 停止Prometheus HTTP服务器
func (pm *PrometheusMetrics) StopServer(ctx context.Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.server == nil {
		return nil
	}

	err := pm.server.Shutdown(ctx)
	pm.server = nil
	return err
}
