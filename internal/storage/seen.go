package storage

import (
	"fmt"
	"strings"
	"time"
)

// SaveSeenEvents replaces the persisted dedup window with ids (oldest first).
// The transport calls this on shutdown with the live LRU contents.
func (d *DB) SaveSeenEvents(ids []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM _seen_events`); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := start + chunk
		if end > len(ids) {
			end = len(ids)
		}
		var sb strings.Builder
		sb.WriteString(`INSERT OR IGNORE INTO _seen_events (event_id, seen_at) VALUES `)
		args := make([]any, 0, (end-start)*2)
		for i := start; i < end; i++ {
			if i > start {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?)")
			// seen_at keeps insertion order so reload preserves LRU age.
			args = append(args, ids[i], now+int64(i))
		}
		if _, err := tx.Exec(sb.String(), args...); err != nil {
			return fmt.Errorf("persist seen events: %w", err)
		}
	}

	return tx.Commit()
}

// LoadSeenEvents returns up to limit persisted event ids, oldest first. When
// more ids are stored than limit, the newest ones win — they are the ids a
// redelivery is most likely to repeat.
func (d *DB) LoadSeenEvents(limit int) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT event_id FROM (
			SELECT event_id, seen_at FROM _seen_events
			ORDER BY seen_at DESC LIMIT ?
		) ORDER BY seen_at`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
