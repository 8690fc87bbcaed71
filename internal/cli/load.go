package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rushairer/bulkinsert"
	"github.com/rushairer/bulkinsert/internal/config"
	"github.com/rushairer/bulkinsert/internal/logging"
	"github.com/rushairer/bulkinsert/internal/source"
	"github.com/rushairer/bulkinsert/monitoring"
)

// ErrRejected 最后一批语句未影响任何行
var ErrRejected = errors.New("final batch affected no rows")

func newLoadCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load [file]",
		Short: "Load rows from a CSV or NDJSON file (or stdin) into a table",
		Long: `Load rows from a CSV or NDJSON file into a table.

Rows are buffered and written as multi-row INSERT statements sized to the
server's packet limit. Each statement runs in its own transaction.
Fields that are not columns of the table are dropped.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				v.Set("file", args[0])
			}
			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := logging.Setup(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			summary, err := runLoad(ctx, cfg, cmd.InOrStdin(), logger)
			printSummary(cmd.OutOrStdout(), cfg.Table, summary)
			return err
		},
	}

	flags := cmd.Flags()
	flags.String("driver", "", "database driver: mysql, postgres, pgx, sqlite3")
	flags.String("dsn", "", "data source name (env BULKLOAD_DSN or DATABASE_URL)")
	flags.StringP("table", "t", "", "target table, optionally schema-qualified (db.table)")
	flags.StringP("format", "f", "", "input format: csv, ndjson (default: by file extension)")
	flags.String("null", `\N`, "CSV literal that stands for NULL")
	flags.Bool("ignore", false, "skip rows that conflict with existing keys")
	flags.StringSlice("update", nil, "columns to overwrite on key conflict")
	flags.Int("retries", 0, "extra attempts for a failed flush on transient errors")
	flags.Duration("backoff", config.DefaultBackoff, "base backoff between flush retries")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	flags.String("redis-addr", "", "record executed statements to a Redis stream on this server")
	flags.String("redis-stream", config.DefaultStream, "Redis stream for statement history")

	for _, name := range []string{
		"driver", "dsn", "table", "format", "null", "ignore", "update",
		"retries", "backoff", "metrics-addr", "redis-addr", "redis-stream",
	} {
		_ = v.BindPFlag(flagKey(name), flags.Lookup(name))
	}
	return cmd
}

func flagKey(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// loadSummary 一次 load 的统计
type loadSummary struct {
	Read      int
	Staged    int
	Dropped   int
	Flushes   int
	Rejected  int
	Failed    int
	Committed int
	Affected  int64
	Duration  time.Duration
}

// countingHistory 汇总 flush 结果，并转发给可选的下游历史
type countingHistory struct {
	summary *loadSummary
	next    bulkinsert.History
}

func (h *countingHistory) Record(ctx context.Context, entry bulkinsert.HistoryEntry) {
	h.summary.Flushes++
	switch entry.Status {
	case bulkinsert.StatusSuccess:
		h.summary.Committed += entry.Rows
		h.summary.Affected += entry.Affected
	case bulkinsert.StatusRejected:
		h.summary.Rejected++
	case bulkinsert.StatusFail:
		h.summary.Failed++
	}
	if h.next != nil {
		h.next.Record(ctx, entry)
	}
}

func runLoad(ctx context.Context, cfg *config.Config, stdin io.Reader, logger *slog.Logger) (*loadSummary, error) {
	start := time.Now()
	summary := &loadSummary{}
	defer func() { summary.Duration = time.Since(start) }()

	src, err := source.Open(config.AppFs, cfg.File, cfg.Format, cfg.Null, stdin)
	if err != nil {
		return summary, fmt.Errorf("open input: %w", err)
	}
	defer src.Close()

	driver, err := bulkinsert.DriverByName(cfg.Driver)
	if err != nil {
		return summary, err
	}

	db, err := sql.Open(cfg.SQLDriverName(), cfg.DSN)
	if err != nil {
		return summary, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// 固定单个连接，USE / search_path 才对后续语句生效
	conn, err := db.Conn(ctx)
	if err != nil {
		return summary, fmt.Errorf("connect database: %w", err)
	}
	defer conn.Close()

	inserter, err := bulkinsert.New(ctx, bulkinsert.NewSQLConn(conn), driver, cfg.Table)
	if err != nil {
		return summary, err
	}
	inserter.WithLogger(logger)
	if err := inserter.SchemaError(); err != nil {
		return summary, fmt.Errorf("load columns of %s: %w", cfg.Table, err)
	}

	history := &countingHistory{summary: summary}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, statement history disabled", "addr", cfg.RedisAddr, "error", err)
		} else {
			history.next = bulkinsert.NewRedisHistory(client, cfg.RedisStream).WithLogger(logger)
		}
	}
	inserter.WithHistory(history)

	if cfg.MetricsAddr != "" {
		metrics := monitoring.NewPrometheusMetrics(monitoring.Options{
			Database:       driver.Name(),
			IncludeRuntime: true,
		})
		if err := metrics.StartServer(cfg.MetricsAddr); err != nil {
			return summary, err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metrics.StopServer(shutdownCtx)
		}()
		inserter.WithMetricsReporter(metrics)
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	inserter.SetIgnore(cfg.Ignore)
	if len(cfg.Updates) > 0 {
		inserter.SetUpdates(cfg.Updates...)
		if got := inserter.Updates(); len(got) != len(cfg.Updates) {
			logger.Warn("some update columns are not in the table and were ignored",
				"requested", cfg.Updates, "used", got)
		}
	}

	retry := bulkinsert.RetryConfig{
		MaxAttempts: cfg.Retries + 1,
		BackoffBase: cfg.Backoff,
	}

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		row, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return summary, err
		}
		summary.Read++

		dropped, err := inserter.Stage(ctx, row)
		if err != nil {
			if cfg.Retries == 0 {
				return summary, err
			}
			// 自动 flush 失败：本行未暂存，重试刷新后再暂存
			retry.MaxAttempts = cfg.Retries
			_, err := bulkinsert.FlushWithRetry(ctx, inserter, retry)
			retry.MaxAttempts = cfg.Retries + 1
			if err != nil {
				return summary, err
			}
			if dropped, err = inserter.Stage(ctx, row); err != nil {
				return summary, err
			}
		}
		summary.Dropped += dropped
		if dropped < len(row) {
			summary.Staged++
		}
	}

	result, err := bulkinsert.FlushWithRetry(ctx, inserter, retry)
	if err != nil {
		return summary, err
	}
	if result.Rows > 0 && !result.Committed {
		return summary, fmt.Errorf("%w: %d rows left unwritten", ErrRejected, result.Rows)
	}
	return summary, nil
}

func printSummary(w io.Writer, table string, s *loadSummary) {
	if s == nil {
		return
	}
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	bold.Fprintf(w, "bulkload %s\n", table)
	fmt.Fprintf(w, "  rows read:      %d\n", s.Read)
	fmt.Fprintf(w, "  rows staged:    %d\n", s.Staged)
	green.Fprintf(w, "  rows committed: %d (affected %d)\n", s.Committed, s.Affected)
	fmt.Fprintf(w, "  flushes:        %d\n", s.Flushes)
	if s.Dropped > 0 {
		yellow.Fprintf(w, "  fields dropped: %d\n", s.Dropped)
	}
	if s.Rejected > 0 {
		yellow.Fprintf(w, "  rejected:       %d\n", s.Rejected)
	}
	if s.Failed > 0 {
		red.Fprintf(w, "  failed:         %d\n", s.Failed)
	}
	fmt.Fprintf(w, "  duration:       %s\n", s.Duration.Round(time.Millisecond))
}

func printError(w io.Writer, err error) {
	color.New(color.FgRed, color.Bold).Fprintf(w, "✗ %v\n", err)
}
