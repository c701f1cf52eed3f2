package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// dedupQueries holds the dialect specific statements for inbound_dedup.
type dedupQueries struct {
	exists        string
	insert        string
	markProcessed string
}

var (
	sqliteDedupQueries = dedupQueries{
		exists:        `SELECT 1 FROM inbound_dedup WHERE message_id = ?`,
		insert:        `INSERT OR IGNORE INTO inbound_dedup (message_id, sender, received_at) VALUES (?, ?, ?)`,
		markProcessed: `UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`,
	}
	postgresDedupQueries = dedupQueries{
		exists:        `SELECT 1 FROM inbound_dedup WHERE message_id = $1`,
		insert:        `INSERT INTO inbound_dedup (message_id, sender, received_at) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
		markProcessed: `UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`,
	}
)

// sqlDedup implements DedupRepo over database/sql. SQLiteStore and
// PostgresStore embed it with their dialect's queries.
type sqlDedup struct {
	db *sql.DB
	q  dedupQueries
}

func (d sqlDedup) IsDuplicate(messageID string) (bool, error) {
	var one int
	err := d.db.QueryRow(d.q.exists, messageID).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("dedup check for %s failed: %w", messageID, err)
	}
	return true, nil
}

// RecordInbound relies on the primary key; a conflicting insert affects no rows.
func (d sqlDedup) RecordInbound(messageID, sender string) (bool, error) {
	result, err := d.db.Exec(d.q.insert, messageID, sender, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("record inbound %s failed: %w", messageID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (d sqlDedup) MarkProcessed(messageID string) error {
	if _, err := d.db.Exec(d.q.markProcessed, time.Now().UTC(), messageID); err != nil {
		return fmt.Errorf("mark processed %s failed: %w", messageID, err)
	}
	return nil
}
