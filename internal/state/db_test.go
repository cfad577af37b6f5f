package state

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTest(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenAppliesPragmasToEveryConnection(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	// Hold several pool connections at once so each check runs on a
	// distinct underlying connection.
	conns := make([]*sql.Conn, 4)
	for i := range conns {
		conn, err := db.Conn(ctx)
		if err != nil {
			t.Fatalf("conn %d: %v", i, err)
		}
		defer conn.Close()
		conns[i] = conn
	}

	for i, conn := range conns {
		var timeout int
		if err := conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout); err != nil {
			t.Fatalf("query busy_timeout on conn %d: %v", i, err)
		}
		if timeout != 5000 {
			t.Fatalf("conn %d: expected busy_timeout 5000, got %d", i, timeout)
		}
	}
}

func TestConcurrentWritesDoNotFailBusy(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	const writers = 8
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := db.ExecContext(ctx, `
					INSERT INTO messages (id, channel, payload, created_at)
					VALUES (?, ?, ?, ?)
				`, fmt.Sprintf("w%d-m%d", w, i), "load", "{}", time.Now().UTC().Format(time.RFC3339Nano))
				if err != nil {
					errs[w] = err
					return
				}
			}
		}(w)
	}
	wg.Wait()

	for w, err := range errs {
		if err != nil {
			t.Fatalf("writer %d: %v", w, err)
		}
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != writers*20 {
		t.Fatalf("expected %d rows, got %d", writers*20, count)
	}
}
