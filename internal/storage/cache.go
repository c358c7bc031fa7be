package storage

import "time"

// CacheEntry is one cached synced entity, scoped to the identity it belongs to.
type CacheEntry struct {
	Feature   string
	Key       string
	Value     []byte
	UpdatedAt int64
}

// CachePut stores or replaces a cached entity for userID.
func (d *DB) CachePut(userID, feature, key string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _cache (user_id, feature, key, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, feature, key) DO UPDATE SET
			value = excluded.value, updated_at = excluded.updated_at`,
		userID, feature, key, value, time.Now().UnixMilli())
	return err
}

// CacheGet returns the cached entity for userID, or false if absent. The
// user_id predicate is part of the lookup, never a post-filter: another
// identity's rows are unreachable from here.
func (d *DB) CacheGet(userID, feature, key string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var v []byte
	err := d.db.QueryRow(`
		SELECT value FROM _cache WHERE user_id = ? AND feature = ? AND key = ?`,
		userID, feature, key).Scan(&v)
	if err != nil {
		return nil, false
	}
	return v, true
}

// CacheList returns all cached entities for userID under one feature.
func (d *DB) CacheList(userID, feature string) ([]CacheEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT feature, key, value, updated_at FROM _cache
		WHERE user_id = ? AND feature = ? ORDER BY updated_at`,
		userID, feature)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CacheEntry
	for rows.Next() {
		var e CacheEntry
		if err := rows.Scan(&e.Feature, &e.Key, &e.Value, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CacheCount returns the number of cached entities held for userID.
func (d *DB) CacheCount(userID string) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM _cache WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

// CacheClear purges every cached entity for userID. Called by the pairing
// coordinator before accepting data for a different identity.
func (d *DB) CacheClear(userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM _cache WHERE user_id = ?`, userID)
	return err
}
