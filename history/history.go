// Package history provides persistent session history for Tunnel Manager.
// Closed sessions are recorded in a local SQLite database so past
// connections can be reviewed after the process exits.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yllada/tunnel-manager/common"
	"github.com/yllada/tunnel-manager/vpn"
)

// Entry is one recorded session as read back from the store.
type Entry struct {
	SessionID        string
	ProfileID        string
	ProfileName      string
	StartTime        time.Time
	EndTime          time.Time
	Success          bool
	DisconnectReason string
	Reconnects       int
	BytesReceived    uint64
	BytesSent        uint64
	AvgDownRate      float64
	AvgUpRate        float64
}

// Duration returns the recorded session length.
func (e Entry) Duration() time.Duration {
	return e.EndTime.Sub(e.StartTime)
}

// Store persists closed sessions in a SQLite database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id        TEXT PRIMARY KEY,
	profile_id        TEXT NOT NULL,
	profile_name      TEXT NOT NULL,
	start_time        INTEGER NOT NULL,
	end_time          INTEGER NOT NULL,
	success           INTEGER NOT NULL,
	disconnect_reason TEXT NOT NULL,
	reconnects        INTEGER NOT NULL,
	bytes_received    INTEGER NOT NULL,
	bytes_sent        INTEGER NOT NULL,
	avg_down_rate     REAL NOT NULL,
	avg_up_rate       REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_start ON sessions(start_time);
`

// NewStore opens (creating if needed) the session database at path.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// A single writer keeps the driver's locking simple.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	return &Store{db: db}, nil
}

// NewDefaultStore opens the store at the standard data location.
func NewDefaultStore() (*Store, error) {
	dataDir, err := common.GetDataDir()
	if err != nil {
		return nil, err
	}
	return NewStore(filepath.Join(dataDir, common.HistoryFileName))
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record persists a closed session. Open sessions are rejected.
func (s *Store) Record(sess *vpn.Session) error {
	if sess == nil || sess.EndTime.IsZero() {
		return fmt.Errorf("cannot record an open session")
	}

	var bytesReceived, bytesSent uint64
	var avgDown, avgUp float64
	if sess.Final != nil {
		bytesReceived = sess.Final.BytesReceived
		bytesSent = sess.Final.BytesSent
		avgDown = sess.Final.AvgDownRate
		avgUp = sess.Final.AvgUpRate
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sessions (
			session_id, profile_id, profile_name, start_time, end_time,
			success, disconnect_reason, reconnects,
			bytes_received, bytes_sent, avg_down_rate, avg_up_rate
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProfileID, sess.ProfileName,
		sess.StartTime.Unix(), sess.EndTime.Unix(),
		boolToInt(sess.Success), sess.DisconnectReason, sess.Reconnects,
		int64(bytesReceived), int64(bytesSent), avgDown, avgUp,
	)
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

// Recent returns up to limit sessions, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT session_id, profile_id, profile_name, start_time, end_time,
		       success, disconnect_reason, reconnects,
		       bytes_received, bytes_sent, avg_down_rate, avg_up_rate
		FROM sessions
		ORDER BY start_time DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query session history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var start, end int64
		var success int
		var received, sent int64
		if err := rows.Scan(
			&e.SessionID, &e.ProfileID, &e.ProfileName, &start, &end,
			&success, &e.DisconnectReason, &e.Reconnects,
			&received, &sent, &e.AvgDownRate, &e.AvgUpRate,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		e.StartTime = time.Unix(start, 0)
		e.EndTime = time.Unix(end, 0)
		e.Success = success != 0
		e.BytesReceived = uint64(received)
		e.BytesSent = uint64(sent)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Purge removes sessions older than the given age and returns how many
// were deleted.
func (s *Store) Purge(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := s.db.Exec(`DELETE FROM sessions WHERE end_time < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge session history: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
