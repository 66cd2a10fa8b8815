package notify

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// AuditLog persists delivery results on a single background writer fed by
// a bounded queue. Enqueue never waits on the database unless the queue
// is full or the writer has stopped.
type AuditLog struct {
	db    *sql.DB
	log   logrus.FieldLogger
	queue chan []EmailAuditEntry

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewAuditLog creates an audit writer with room for size pending batches.
func NewAuditLog(db *sql.DB, size int, log logrus.FieldLogger) *AuditLog {
	if size <= 0 {
		size = 256
	}
	return &AuditLog{
		db:     db,
		log:    log,
		queue:  make(chan []EmailAuditEntry, size),
		stopCh: make(chan struct{}),
	}
}

// Start launches the writer goroutine.
func (a *AuditLog) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case batch := <-a.queue:
				a.write(batch)
			case <-a.stopCh:
				for {
					select {
					case batch := <-a.queue:
						a.write(batch)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop drains queued batches and waits for the writer to exit.
func (a *AuditLog) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()
	close(a.stopCh)
	a.wg.Wait()
}

// Enqueue hands a batch to the writer.
func (a *AuditLog) Enqueue(entries []EmailAuditEntry) {
	if len(entries) == 0 {
		return
	}
	// The send happens under mu so Stop cannot close the writer between
	// the stopped check and the enqueue.
	a.mu.Lock()
	if !a.stopped {
		select {
		case a.queue <- entries:
			a.mu.Unlock()
			return
		default:
			a.log.Warnf("audit: queue full, writing %d entries inline", len(entries))
		}
	}
	a.mu.Unlock()
	a.write(entries)
}

func (a *AuditLog) write(entries []EmailAuditEntry) {
	if err := RecordAudit(context.Background(), a.db, entries); err != nil {
		a.log.Errorf("audit: record %d entries: %v", len(entries), err)
	}
}

// RecordAudit appends entries in one transaction.
func RecordAudit(ctx context.Context, db *sql.DB, entries []EmailAuditEntry) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record audit: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO email_audit
			(bug_id, user_id, recipient, subject, channel, status, error_message, date_sent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("record audit: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.BugID, e.UserID, e.Recipient, e.Subject,
			string(e.Channel), string(e.Status), e.ErrorMessage, formatTime(e.DateSent)); err != nil {
			return fmt.Errorf("record audit: insert: %w", err)
		}
	}
	return tx.Commit()
}

// ListAudit returns the newest entries, optionally only for one bug.
func ListAudit(ctx context.Context, db *sql.DB, bugID int64, limit int) ([]EmailAuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, bug_id, user_id, recipient, subject, channel, status, error_message, date_sent
		FROM email_audit`
	args := []interface{}{}
	if bugID > 0 {
		query += ` WHERE bug_id = ?`
		args = append(args, bugID)
	}
	query += ` ORDER BY date_sent DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []EmailAuditEntry
	for rows.Next() {
		var e EmailAuditEntry
		var channel, status string
		var sent sqlTime
		if err := rows.Scan(&e.ID, &e.BugID, &e.UserID, &e.Recipient, &e.Subject,
			&channel, &status, &e.ErrorMessage, &sent); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Channel = Channel(channel)
		e.Status = AuditStatus(status)
		e.DateSent = sent.Time
		out = append(out, e)
	}
	return out, rows.Err()
}
