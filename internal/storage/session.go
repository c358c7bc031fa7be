package storage

// PairedSession is the singleton device↔user association. UserID empty means
// unpaired. LastPairedUserID persists across unpair: the pairing coordinator
// compares it against an incoming identity to decide whether the local cache
// can be trusted or must be purged.
type PairedSession struct {
	UserID           string
	DeviceID         string
	PairedAt         int64
	LastPairedUserID string
}

// IsPaired reports whether an active session exists.
func (s PairedSession) IsPaired() bool { return s.UserID != "" }

// LoadSession reads the session singleton.
func (d *DB) LoadSession() (PairedSession, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var s PairedSession
	err := d.db.QueryRow(`
		SELECT user_id, device_id, paired_at, last_paired_user_id
		FROM _session WHERE id = 1`).
		Scan(&s.UserID, &s.DeviceID, &s.PairedAt, &s.LastPairedUserID)
	return s, err
}

// SaveSession stores a new active pairing. last_paired_user_id is updated to
// the new identity at the same time.
func (d *DB) SaveSession(s PairedSession) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		UPDATE _session SET
			user_id = ?, device_id = ?, paired_at = ?, last_paired_user_id = ?
		WHERE id = 1`,
		s.UserID, s.DeviceID, s.PairedAt, s.UserID)
	return err
}

// ClearSession removes the active pairing but keeps last_paired_user_id, so
// the privacy check on the next pair still knows whose data the cache holds.
func (d *DB) ClearSession() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		UPDATE _session SET user_id = '', device_id = '', paired_at = 0
		WHERE id = 1`)
	return err
}

// SaveAuthToken stores the relay auth token for the active session.
func (d *DB) SaveAuthToken(token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`UPDATE _session SET auth_token = ? WHERE id = 1`, token)
	return err
}

// AuthToken returns the stored relay auth token, or "" if none.
func (d *DB) AuthToken() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var t string
	if err := d.db.QueryRow(`SELECT auth_token FROM _session WHERE id = 1`).Scan(&t); err != nil {
		return ""
	}
	return t
}

// ClearAuthToken invalidates the stored token. Called only after the relay
// unregister call succeeded — the token is needed to authenticate it.
func (d *DB) ClearAuthToken() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`UPDATE _session SET auth_token = '' WHERE id = 1`)
	return err
}

// SaveKeyMaterial stores the decrypted E2EE key material blob.
func (d *DB) SaveKeyMaterial(material []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`UPDATE _session SET key_material = ? WHERE id = 1`, material)
	return err
}

// KeyMaterial returns the stored E2EE key material, or nil if absent.
func (d *DB) KeyMaterial() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var m []byte
	if err := d.db.QueryRow(`SELECT key_material FROM _session WHERE id = 1`).Scan(&m); err != nil {
		return nil
	}
	return m
}

// ClearKeyMaterial drops the stored key material.
func (d *DB) ClearKeyMaterial() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`UPDATE _session SET key_material = NULL WHERE id = 1`)
	return err
}
