package bulkinsert_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rushairer/bulkinsert"
)

func TestMemoryHistory_KeepsNewest(t *testing.T) {
	h := bulkinsert.NewMemoryHistory(3)
	for i := 0; i < 5; i++ {
		h.Record(context.Background(), bulkinsert.HistoryEntry{Table: fmt.Sprintf("t%d", i)})
	}

	if h.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", h.Len())
	}
	entries := h.Entries()
	for i, want := range []string{"t2", "t3", "t4"} {
		if entries[i].Table != want {
			t.Fatalf("entries[%d].Table = %s, want %s", i, entries[i].Table, want)
		}
	}

	// Entries 返回副本
	entries[0].Table = "changed"
	if h.Entries()[0].Table != "t2" {
		t.Fatal("Entries() must return a copy")
	}

	h.Reset()
	if h.Len() != 0 {
		t.Fatalf("Len() after Reset = %d", h.Len())
	}
}

func TestMemoryHistory_DefaultSize(t *testing.T) {
	h := bulkinsert.NewMemoryHistory(0)
	for i := 0; i < bulkinsert.DefaultHistorySize+10; i++ {
		h.Record(context.Background(), bulkinsert.HistoryEntry{Rows: i})
	}
	if h.Len() != bulkinsert.DefaultHistorySize {
		t.Fatalf("Len() = %d, want %d", h.Len(), bulkinsert.DefaultHistorySize)
	}
	if h.Entries()[0].Rows != 10 {
		t.Fatalf("oldest entry = %d, want 10", h.Entries()[0].Rows)
	}
}

func TestRedisHistory_UnreachableServerOnlyLogs(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := bulkinsert.NewRedisHistory(client, "").WithLogger(logger).WithMaxLen(10)

	if h.Stream() != "bulkinsert:history" {
		t.Fatalf("Stream() = %q", h.Stream())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h.Record(ctx, bulkinsert.HistoryEntry{
		ID:        uuid.New(),
		Table:     "users",
		Args:      []any{int64(1), "a"},
		Status:    bulkinsert.StatusSuccess,
		Timestamp: time.Now(),
	})

	if !strings.Contains(buf.String(), "record history failed") {
		t.Fatalf("expected a warning, got %q", buf.String())
	}
}
