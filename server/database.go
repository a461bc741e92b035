package main

import (
	"database/sql"
	"errors"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// ErrSaveNotFound is returned by LoadDump for an unknown save name.
var ErrSaveNotFound = errors.New("save not found")

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// OperatorRow represents an operator account
type OperatorRow struct {
	ID        int64
	Username  string
	PassHash  string
	CreatedAt time.Time
}

// SaveRow describes a stored world dump without its payload
type SaveRow struct {
	Name      string    `json:"name"`
	Tick      uint64    `json:"tick"`
	Entities  int       `json:"entities"`
	Bytes     int       `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// TickStatsRow is one persisted tick sample
type TickStatsRow struct {
	SessionID  string
	Tick       uint64
	Entities   int
	Players    int
	Mass       int64
	Created    int
	Destroyed  int
	Dropped    int
	Regridded  int
	DurationUS int64
}

// OpenDB opens (or creates) the SQLite database
func OpenDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time; concurrent writers would only wait on the lock.
	conn.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates tables if they don't exist
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS operators (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		pass_hash TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS saves (
		name TEXT PRIMARY KEY,
		operator_id INTEGER REFERENCES operators(id),
		tick INTEGER NOT NULL,
		entities INTEGER NOT NULL,
		data BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS tick_stats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		tick INTEGER NOT NULL,
		entities INTEGER NOT NULL,
		players INTEGER NOT NULL,
		mass INTEGER NOT NULL,
		created INTEGER NOT NULL,
		destroyed INTEGER NOT NULL,
		dropped INTEGER NOT NULL,
		regridded INTEGER NOT NULL,
		duration_us INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tick_stats_session ON tick_stats(session_id, tick);
	`
	_, err := db.conn.Exec(schema)
	if err != nil {
		log.Printf("DB migration error: %v", err)
	}
	return err
}

// CreateOperator creates an operator account (returns its ID)
func (db *DB) CreateOperator(username, passHash string) (int64, error) {
	res, err := db.conn.Exec(
		"INSERT INTO operators (username, pass_hash) VALUES (?, ?)",
		username, passHash,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetOperatorByUsername returns an operator by username, or nil
func (db *DB) GetOperatorByUsername(username string) (*OperatorRow, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, pass_hash, created_at FROM operators WHERE username = ?",
		username,
	)
	o := &OperatorRow{}
	err := row.Scan(&o.ID, &o.Username, &o.PassHash, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

// UsernameExists checks if a username is taken
func (db *DB) UsernameExists(username string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM operators WHERE username = ?", username).Scan(&count)
	return count > 0, err
}

// GetSetting returns a stored setting, or "" if unset
func (db *DB) GetSetting(key string) string {
	var v string
	if err := db.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&v); err != nil {
		return ""
	}
	return v
}

// SetSetting stores a setting
func (db *DB) SetSetting(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	return err
}

// SaveDump stores an encoded world under name, replacing any older save.
func (db *DB) SaveDump(name string, operatorID int64, tick uint64, entities int, data []byte) error {
	_, err := db.conn.Exec(`
		INSERT INTO saves (name, operator_id, tick, entities, data, created_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			operator_id = excluded.operator_id,
			tick = excluded.tick,
			entities = excluded.entities,
			data = excluded.data,
			created_at = excluded.created_at`,
		name, operatorID, int64(tick), entities, data,
	)
	return err
}

// LoadDump returns the encoded world stored under name
func (db *DB) LoadDump(name string) ([]byte, error) {
	var data []byte
	err := db.conn.QueryRow("SELECT data FROM saves WHERE name = ?", name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrSaveNotFound
	}
	return data, err
}

// ListSaves returns the stored saves, newest first
func (db *DB) ListSaves() ([]SaveRow, error) {
	rows, err := db.conn.Query(`
		SELECT name, tick, entities, length(data), created_at
		FROM saves ORDER BY created_at DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []SaveRow
	for rows.Next() {
		var r SaveRow
		var tick int64
		if err := rows.Scan(&r.Name, &tick, &r.Entities, &r.Bytes, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		result = append(result, r)
	}
	return result, rows.Err()
}

// RecentTickStats returns the latest samples of a session, newest first
func (db *DB) RecentTickStats(sessionID string, limit int) ([]TickStatsRow, error) {
	rows, err := db.conn.Query(`
		SELECT session_id, tick, entities, players, mass, created, destroyed, dropped, regridded, duration_us
		FROM tick_stats WHERE session_id = ?
		ORDER BY tick DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []TickStatsRow
	for rows.Next() {
		var r TickStatsRow
		var tick int64
		if err := rows.Scan(&r.SessionID, &tick, &r.Entities, &r.Players, &r.Mass,
			&r.Created, &r.Destroyed, &r.Dropped, &r.Regridded, &r.DurationUS); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		result = append(result, r)
	}
	return result, rows.Err()
}
