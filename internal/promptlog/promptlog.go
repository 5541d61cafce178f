// Package promptlog records proxied prompts asynchronously so the request
// path never blocks on storage.
package promptlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one recorded prompt.
type Entry struct {
	Time     time.Time
	Upstream string
	Endpoint string
	Model    string
	Prompt   string
}

const (
	bufferSize    = 256
	batchSize     = 64
	flushInterval = time.Second
)

// Logger buffers entries on a channel and batch-flushes them into SQLite
// from a background goroutine. When the buffer is full, new entries are
// dropped and counted rather than blocking the request.
type Logger struct {
	db      *sql.DB
	ch      chan Entry
	dropped atomic.Int64
	written atomic.Int64
	logger  *slog.Logger
}

// New opens the prompt-log database and prepares the buffer. The flush loop
// does not start until Run is called.
func New(dbPath string, logger *slog.Logger) (*Logger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS prompt_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		logged_at TIMESTAMP NOT NULL,
		upstream TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		model TEXT,
		prompt TEXT NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Logger{
		db:     db,
		ch:     make(chan Entry, bufferSize),
		logger: logger,
	}, nil
}

// Log enqueues an entry. It never blocks; entries beyond the buffer are
// dropped and accounted in Dropped.
func (l *Logger) Log(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	select {
	case l.ch <- e:
	default:
		l.dropped.Add(1)
	}
}

// Run drains the buffer until the context is cancelled, flushing batches of
// up to batchSize entries or whatever accumulated within flushInterval.
func (l *Logger) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.write(batch); err != nil {
			l.logger.Error("prompt log flush failed",
				slog.Int("entries", len(batch)),
				slog.String("error", err.Error()))
		} else {
			l.written.Add(int64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			// Drain whatever is still buffered before exiting.
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (l *Logger) write(batch []Entry) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.Prepare(
		"INSERT INTO prompt_log (logged_at, upstream, endpoint, model, prompt) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range batch {
		if _, err := stmt.Exec(e.Time, e.Upstream, e.Endpoint, e.Model, e.Prompt); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert: %w", err)
		}
	}
	return tx.Commit()
}

// Dropped reports how many entries were discarded because the buffer was
// full.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// Written reports how many entries reached storage.
func (l *Logger) Written() int64 { return l.written.Load() }

// Close releases the database. Call after Run has returned.
func (l *Logger) Close() error {
	return l.db.Close()
}
