package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

type Database struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Room is the durable record of a room. Password hashes are bcrypt.
type Room struct {
	Code             string
	Type             string
	MaxParticipants  int
	PasswordHash     []byte
	HostPasswordHash []byte
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

func New(dbPath string, logger zerolog.Logger) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	// WAL for better concurrency, foreign keys so snapshots cascade.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	logger.Info().Str("path", dbPath).Msg("database initialized")
	return &Database{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		code TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		max_participants INTEGER NOT NULL,
		password_hash BLOB,
		host_password_hash BLOB,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_expires_at ON rooms(expires_at);

	CREATE TABLE IF NOT EXISTS room_snapshots (
		room_code TEXT PRIMARY KEY,
		snapshot_data BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (room_code) REFERENCES rooms(code) ON DELETE CASCADE
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Room operations

func (d *Database) CreateRoom(room *Room) error {
	_, err := d.db.Exec(`
		INSERT INTO rooms (code, type, max_participants, password_hash, host_password_hash, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, room.Code, room.Type, room.MaxParticipants, nullBytes(room.PasswordHash), nullBytes(room.HostPasswordHash),
		room.CreatedAt.UnixMilli(), room.ExpiresAt.UnixMilli())
	return err
}

// GetRoom returns nil when the room does not exist
func (d *Database) GetRoom(code string) (*Room, error) {
	row := d.db.QueryRow(`
		SELECT code, type, max_participants, password_hash, host_password_hash, created_at, expires_at
		FROM rooms WHERE code = ?
	`, code)

	room, err := scanRoom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (d *Database) RoomExists(code string) (bool, error) {
	var n int
	err := d.db.QueryRow("SELECT COUNT(*) FROM rooms WHERE code = ?", code).Scan(&n)
	return n > 0, err
}

// ListExpired returns codes of rooms whose expiry is at or before now
func (d *Database) ListExpired(now time.Time, limit int) ([]string, error) {
	rows, err := d.db.Query(
		"SELECT code FROM rooms WHERE expires_at <= ? ORDER BY expires_at ASC LIMIT ?",
		now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

func (d *Database) DeleteRoom(code string) error {
	_, err := d.db.Exec("DELETE FROM rooms WHERE code = ?", code)
	return err
}

// Snapshot operations

func (d *Database) SaveSnapshot(code string, snapshot []byte) error {
	_, err := d.db.Exec(`
		INSERT INTO room_snapshots (room_code, snapshot_data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(room_code) DO UPDATE SET
			snapshot_data = excluded.snapshot_data,
			updated_at = excluded.updated_at
	`, code, snapshot, time.Now().UnixMilli())
	return err
}

// GetSnapshot returns nil when no snapshot has been saved
func (d *Database) GetSnapshot(code string) ([]byte, error) {
	var snapshot []byte
	err := d.db.QueryRow(
		"SELECT snapshot_data FROM room_snapshots WHERE room_code = ?",
		code,
	).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return snapshot, err
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var roomCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM rooms").Scan(&roomCount); err != nil {
		return nil, err
	}
	stats["room_count"] = roomCount

	var snapshotCount int
	var snapshotBytes sql.NullInt64
	if err := d.db.QueryRow("SELECT COUNT(*), SUM(LENGTH(snapshot_data)) FROM room_snapshots").Scan(&snapshotCount, &snapshotBytes); err != nil {
		return nil, err
	}
	stats["snapshot_count"] = snapshotCount
	stats["snapshot_bytes"] = snapshotBytes.Int64

	return stats, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(row scanner) (*Room, error) {
	var (
		room               Room
		created, expires   int64
		password, hostPass []byte
	)
	if err := row.Scan(&room.Code, &room.Type, &room.MaxParticipants, &password, &hostPass, &created, &expires); err != nil {
		return nil, err
	}
	room.PasswordHash = password
	room.HostPasswordHash = hostPass
	room.CreatedAt = time.UnixMilli(created)
	room.ExpiresAt = time.UnixMilli(expires)
	return &room, nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
