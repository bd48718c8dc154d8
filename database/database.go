// Package database persists consumed audit events and rule matches to sqlite.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB handles database operations
type DB struct {
	Db *sql.DB
}

// FimRecord represents one filesystem audit event in the database
type FimRecord struct {
	Timestamp   time.Time
	EventType   string
	PID         uint32
	TID         uint32
	UID         uint32
	GID         uint32
	Comm        string
	Username    string
	ContainerID string
	SpanID      uint64
	TraceID     uint64
	Retval      int64
	Async       bool
	SrcPath     string
	SrcInode    uint64
	SrcMountID  uint32
	TargetPath  string
	TargetInode uint64
	Mode        uint32
	Flags       uint32
}

// NewDB opens (creating if needed) the event database under dataDir
func NewDB(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	dbPath := filepath.Join(dataDir, "fim_monitor.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %v", err)
	}

	if err := initEventSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize event schema: %v", err)
	}

	if err := initSigmaSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sigma schema: %v", err)
	}

	return &DB{Db: db}, nil
}

func initEventSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS fim_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		event_type TEXT NOT NULL,
		pid INTEGER,
		tid INTEGER,
		uid INTEGER,
		gid INTEGER,
		comm TEXT,
		username TEXT,
		container_id TEXT,
		span_id INTEGER,
		trace_id INTEGER,
		retval INTEGER,
		async INTEGER,
		src_path TEXT,
		src_inode INTEGER,
		src_mount_id INTEGER,
		target_path TEXT,
		target_inode INTEGER,
		mode INTEGER,
		flags INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_fim_events_timestamp ON fim_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_fim_events_type ON fim_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_fim_events_pid ON fim_events(pid);
	CREATE INDEX IF NOT EXISTS idx_fim_events_src_path ON fim_events(src_path);`

	_, err := db.Exec(schema)
	return err
}

func initSigmaSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sigma_matches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id INTEGER,
		event_type TEXT,
		rule_id TEXT,
		rule_name TEXT,
		severity TEXT,
		status TEXT DEFAULT 'new',
		process_id INTEGER,
		process_name TEXT,
		username TEXT,
		target_path TEXT,
		match_details TEXT,
		event_data TEXT,
		timestamp DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_sigma_matches_rule ON sigma_matches(rule_id);
	CREATE INDEX IF NOT EXISTS idx_sigma_matches_created ON sigma_matches(created_at);`

	_, err := db.Exec(schema)
	return err
}

// InsertEvent inserts one audit event and returns its row id
func (db *DB) InsertEvent(record *FimRecord) (int64, error) {
	query := `
	INSERT INTO fim_events (
		timestamp, event_type, pid, tid, uid, gid, comm, username,
		container_id, span_id, trace_id, retval, async,
		src_path, src_inode, src_mount_id, target_path, target_inode,
		mode, flags
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := db.Db.Exec(query,
		record.Timestamp, record.EventType, record.PID, record.TID,
		record.UID, record.GID, record.Comm, record.Username,
		record.ContainerID, int64(record.SpanID), int64(record.TraceID),
		record.Retval, record.Async,
		record.SrcPath, int64(record.SrcInode), record.SrcMountID,
		record.TargetPath, int64(record.TargetInode),
		record.Mode, record.Flags)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %v", err)
	}
	return result.LastInsertId()
}

// RecentEvents returns the most recent events, newest first
func (db *DB) RecentEvents(limit int) ([]*FimRecord, error) {
	query := `
	SELECT timestamp, event_type, pid, tid, uid, gid, comm, username,
	       container_id, retval, async, src_path, src_inode, src_mount_id,
	       target_path, target_inode, mode, flags
	FROM fim_events ORDER BY id DESC LIMIT ?`

	rows, err := db.Db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*FimRecord
	for rows.Next() {
		var r FimRecord
		var srcInode, targetInode int64
		if err := rows.Scan(&r.Timestamp, &r.EventType, &r.PID, &r.TID,
			&r.UID, &r.GID, &r.Comm, &r.Username, &r.ContainerID,
			&r.Retval, &r.Async, &r.SrcPath, &srcInode, &r.SrcMountID,
			&r.TargetPath, &targetInode, &r.Mode, &r.Flags); err != nil {
			return nil, err
		}
		r.SrcInode = uint64(srcInode)
		r.TargetInode = uint64(targetInode)
		records = append(records, &r)
	}
	return records, rows.Err()
}

// Close closes the database
func (db *DB) Close() error {
	return db.Db.Close()
}
