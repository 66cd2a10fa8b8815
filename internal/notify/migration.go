package notify

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// trackerTables are owned by the issue tracker itself. They are created here
// only so a standalone deployment (and the tests) have something to read.
const trackerTables = `
	CREATE TABLE IF NOT EXISTS users (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		username           TEXT    NOT NULL UNIQUE,
		realname           TEXT    NOT NULL DEFAULT '',
		email              TEXT    NOT NULL DEFAULT '',
		enabled            INTEGER NOT NULL DEFAULT 1,
		pushover_enabled   INTEGER NOT NULL DEFAULT 0,
		rocketchat_enabled INTEGER NOT NULL DEFAULT 0,
		teams_enabled      INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS projects (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT    NOT NULL
	);
	CREATE TABLE IF NOT EXISTS project_members (
		project_id   INTEGER NOT NULL,
		user_id      INTEGER NOT NULL,
		access_level INTEGER NOT NULL DEFAULT 25,
		PRIMARY KEY (project_id, user_id)
	);
	CREATE TABLE IF NOT EXISTS categories (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id INTEGER NOT NULL DEFAULT 0,
		name       TEXT    NOT NULL
	);
	CREATE TABLE IF NOT EXISTS bugs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id  INTEGER NOT NULL,
		reporter_id INTEGER NOT NULL DEFAULT 0,
		handler_id  INTEGER NOT NULL DEFAULT 0,
		severity    INTEGER NOT NULL DEFAULT 50,
		priority    INTEGER NOT NULL DEFAULT 30,
		status      INTEGER NOT NULL DEFAULT 10,
		category_id INTEGER NOT NULL DEFAULT 0,
		summary     TEXT    NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS bug_tags (
		bug_id INTEGER NOT NULL,
		tag    TEXT    NOT NULL,
		PRIMARY KEY (bug_id, tag)
	);`

// preferenceTable builds the preference DDL from eventColumns so the
// schema can never drift from the EventType enum.
func preferenceTable() string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS notification_preferences (\n\t\tuser_id INTEGER PRIMARY KEY")
	for _, c := range eventColumns {
		fmt.Fprintf(&b, ",\n\t\t%s INTEGER NOT NULL DEFAULT 0", c.enabled)
		fmt.Fprintf(&b, ",\n\t\t%s INTEGER NOT NULL DEFAULT %d CHECK (%s BETWEEN %d AND %d)",
			c.minSeverity, MinSeverity, c.minSeverity, MinSeverity, MaxSeverity)
	}
	b.WriteString("\n\t);")
	return b.String()
}

// Migrate creates the tables the notification engine reads and writes.
func Migrate(db *sql.DB, log logrus.FieldLogger) error {
	log.Info("running migration: notification engine")

	statements := []struct {
		label string
		sql   string
	}{
		{"tracker tables", trackerTables},
		{"notification_preferences", preferenceTable()},

		{"notification_filters", `
			CREATE TABLE IF NOT EXISTS notification_filters (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id      INTEGER NOT NULL,
				project_id   INTEGER NOT NULL DEFAULT 0,
				filter_type  TEXT    NOT NULL,
				filter_value TEXT    NOT NULL DEFAULT '',
				action       TEXT    NOT NULL DEFAULT 'notify',
				channels     TEXT    NOT NULL DEFAULT '[]',
				enabled      INTEGER NOT NULL DEFAULT 1,
				date_created DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_notif_filters_user ON notification_filters(user_id, enabled);`},

		{"digest_preferences", `
			CREATE TABLE IF NOT EXISTS digest_preferences (
				user_id           INTEGER PRIMARY KEY,
				enabled           INTEGER NOT NULL DEFAULT 0,
				frequency         TEXT    NOT NULL DEFAULT 'daily',
				time_of_day       INTEGER NOT NULL DEFAULT 9,
				day_of_week       INTEGER NOT NULL DEFAULT 1,
				min_notifications INTEGER NOT NULL DEFAULT 1,
				include_channels  TEXT    NOT NULL DEFAULT '["email"]'
			);`},

		{"notification_queue", `
			CREATE TABLE IF NOT EXISTS notification_queue (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id        INTEGER NOT NULL,
				bug_id         INTEGER NOT NULL,
				event_type     TEXT    NOT NULL,
				subject        TEXT    NOT NULL,
				body           TEXT    NOT NULL,
				status         TEXT    NOT NULL DEFAULT 'pending',
				claim_token    TEXT,
				claimed_at     DATETIME,
				date_created   DATETIME NOT NULL,
				date_scheduled DATETIME NOT NULL,
				date_sent      DATETIME
			);
			CREATE INDEX IF NOT EXISTS idx_notif_queue_due ON notification_queue(status, date_scheduled);
			CREATE INDEX IF NOT EXISTS idx_notif_queue_user ON notification_queue(user_id, status);
			CREATE INDEX IF NOT EXISTS idx_notif_queue_claim ON notification_queue(claim_token);`},

		{"email_audit", `
			CREATE TABLE IF NOT EXISTS email_audit (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				bug_id        INTEGER NOT NULL DEFAULT 0,
				user_id       INTEGER NOT NULL DEFAULT 0,
				recipient     TEXT    NOT NULL,
				subject       TEXT    NOT NULL,
				channel       TEXT    NOT NULL,
				status        TEXT    NOT NULL,
				error_message TEXT    NOT NULL DEFAULT '',
				date_sent     DATETIME NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_email_audit_bug ON email_audit(bug_id);`},

		{"webpush_subscriptions", `
			CREATE TABLE IF NOT EXISTS webpush_subscriptions (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id    INTEGER NOT NULL,
				endpoint   TEXT    NOT NULL UNIQUE,
				p256dh     TEXT    NOT NULL,
				auth       TEXT    NOT NULL,
				enabled    INTEGER NOT NULL DEFAULT 1,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_webpush_user ON webpush_subscriptions(user_id, enabled);`},
	}

	for _, s := range statements {
		if _, err := db.Exec(s.sql); err != nil {
			return fmt.Errorf("notification migration failed at [%s]: %w", s.label, err)
		}
		log.Debugf("migrated %s", s.label)
	}

	log.Info("migration completed: notification engine ready")
	return nil
}
