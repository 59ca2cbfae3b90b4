package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 200
)

// SQLiteRepository implements Repository using SQLite.
//
// Rows live in the channel_history table, with a NULL subchannel column
// when the receiver reported a plain channel number.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite channel history repository.
//
// Parameters:
//   - db: Open SQLite connection used for queries
//
// Returns:
//   - *SQLiteRepository: Repository instance ready for use
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// RecordChannelChange inserts a new channel history row.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - channel: Major channel number (non-negative)
//   - subchannel: OTA subchannel number (ignored unless hasSubchannel)
//   - hasSubchannel: Whether the receiver reported a subchannel
//   - reason: Receiver-reported cause of the change (may be empty)
//
// Returns:
//   - error: nil on success, otherwise the underlying database error
func (r *SQLiteRepository) RecordChannelChange(ctx context.Context, channel, subchannel int, hasSubchannel bool, reason string) error {
	if channel < 0 {
		return fmt.Errorf("channel must be non-negative")
	}
	if hasSubchannel && subchannel < 0 {
		return fmt.Errorf("subchannel must be non-negative")
	}

	var sub any
	if hasSubchannel {
		sub = subchannel
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO channel_history (channel, subchannel, reason) VALUES (?, ?, ?)",
		channel,
		sub,
		reason,
	)
	if err != nil {
		return fmt.Errorf("inserting channel history: %w", err)
	}

	return nil
}

// GetRecent returns recent channel changes, newest first.
//
// Entries sharing a created_at second are ordered by insertion: channel
// surfing produces several rows per second, so id breaks the tie.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - limit: Maximum entries to return (default 50, max 200)
//
// Returns:
//   - []Entry: History entries ordered by created_at DESC
//   - error: nil on success, otherwise the underlying query error
func (r *SQLiteRepository) GetRecent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, channel, subchannel, reason, created_at
		 FROM channel_history
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying channel history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var entry Entry
		var subchannel sql.NullInt64
		var createdAt string

		if err := rows.Scan(&entry.ID, &entry.Channel, &subchannel, &entry.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning channel history: %w", err)
		}

		if subchannel.Valid {
			entry.Subchannel = int(subchannel.Int64)
			entry.HasSubchannel = true
		}

		timestamp, err := parseHistoryTimestamp(createdAt)
		if err != nil {
			return nil, err
		}
		entry.CreatedAt = timestamp

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating channel history: %w", err)
	}

	return entries, nil
}

// Prune deletes history entries older than the given duration.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - olderThan: Duration to retain (entries older than now-olderThan are deleted)
//
// Returns:
//   - int64: Number of rows deleted
//   - error: nil on success, otherwise the underlying database error
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM channel_history WHERE created_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting channel history: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}

	return rowsAffected, nil
}

// parseHistoryTimestamp parses a timestamp stored in SQLite.
func parseHistoryTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("created_at is empty")
	}

	timestamp, err := time.Parse(time.RFC3339, value)
	if err == nil {
		return timestamp, nil
	}

	fallback, fallbackErr := time.Parse("2006-01-02T15:04:05Z", value)
	if fallbackErr == nil {
		return fallback, nil
	}

	return time.Time{}, fmt.Errorf("parsing created_at: %w", err)
}
