// Package eventlog persists session lifecycle events to Postgres for
// auditing. Recording is strictly fire-and-forget: when the queue is full
// events are dropped and counted, never allowed to block the broker. The
// log is an audit trail only; nothing reads it back to rebuild state.
package eventlog

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const (
	queueSize     = 1024
	batchSize     = 50
	flushInterval = 500 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS session_events (
	id          TEXT PRIMARY KEY,
	access_code TEXT NOT NULL,
	kind        TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
)`

type event struct {
	id         string
	accessCode string
	kind       string
	detail     string
	createdAt  time.Time
}

type Store struct {
	db    *sql.DB
	queue chan event
	done  chan struct{}
	wg    sync.WaitGroup
	drops atomic.Int64

	closeOnce sync.Once
}

func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure session_events table: %w", err)
	}

	s := &Store{
		db:    db,
		queue: make(chan event, queueSize),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.worker()
	return s, nil
}

// Record enqueues one lifecycle event. It never blocks: a full queue drops
// the event and bumps the drop counter.
func (s *Store) Record(kind, accessCode, detail string) {
	e := event{
		id:         uuid.New().String(),
		accessCode: accessCode,
		kind:       kind,
		detail:     detail,
		createdAt:  time.Now(),
	}
	select {
	case s.queue <- e:
	default:
		dropped := s.drops.Add(1)
		log.Printf("[eventlog] queue full, dropping %s event for %s (total drops: %d)", kind, accessCode, dropped)
	}
}

func (s *Store) Drops() int64 {
	return s.drops.Load()
}

// Close drains the queue, flushes what remains and closes the database.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) worker() {
	defer s.wg.Done()

	batch := make([]event, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-s.queue:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.done:
			for {
				select {
				case e := <-s.queue:
					batch = append(batch, e)
				default:
					if len(batch) > 0 {
						s.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (s *Store) flush(batch []event) {
	for start := 0; start < len(batch); start += batchSize {
		end := start + batchSize
		if end > len(batch) {
			end = len(batch)
		}
		if err := s.insert(batch[start:end]); err != nil {
			log.Printf("[eventlog] batch insert failed: %v", err)
		}
	}
}

func (s *Store) insert(events []event) error {
	query := "INSERT INTO session_events (id, access_code, kind, detail, created_at) VALUES "
	args := make([]any, 0, len(events)*5)
	for i, e := range events {
		if i > 0 {
			query += ", "
		}
		base := i * 5
		query += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5)
		args = append(args, e.id, e.accessCode, e.kind, e.detail, e.createdAt)
	}
	query += " ON CONFLICT DO NOTHING"

	_, err := s.db.Exec(query, args...)
	return err
}
