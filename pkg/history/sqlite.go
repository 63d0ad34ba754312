package history

import (
	"database/sql"
	"encoding/json"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	errs "github.com/XiaoConstantine/labloop/pkg/errors"
)

// SQLiteSink persists round records to a SQLite database. The table is
// append-only; there is no update or delete path. The path ":memory:"
// creates an in-memory database.
type SQLiteSink struct {
	db   *sql.DB
	mu   sync.Mutex
	path string

	initialized sync.Once
}

// NewSQLiteSink opens (or creates) the database at path and prepares the
// history table.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errs.WithFields(
			errs.Wrap(err, errs.Unknown, "failed to open SQLite database"),
			errs.Fields{"path": path},
		)
	}

	sink := &SQLiteSink{db: db, path: path}
	if err := sink.ensureInitialized(); err != nil {
		return nil, err
	}
	return sink, nil
}

func (s *SQLiteSink) ensureInitialized() error {
	var initErr error
	s.initialized.Do(func() {
		// WAL mode for better concurrency
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			initErr = errs.Wrap(err, errs.Unknown, "failed to enable WAL mode")
			return
		}

		query := `
        CREATE TABLE IF NOT EXISTS round_history (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            round_index INTEGER NOT NULL,
            note_id TEXT NOT NULL,
            record TEXT NOT NULL,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP
        );

        CREATE INDEX IF NOT EXISTS idx_round_history_run_id
        ON round_history(run_id);
        `
		if _, err := s.db.Exec(query); err != nil {
			initErr = errs.WithFields(
				errs.Wrap(err, errs.Unknown, "failed to initialize history table"),
				errs.Fields{"query": query},
			)
			return
		}
	})
	return initErr
}

// Append implements the Sink interface.
func (s *SQLiteSink) Append(record *RoundRecord) error {
	if err := s.ensureInitialized(); err != nil {
		return err
	}

	jsonRecord, err := json.Marshal(record)
	if err != nil {
		return errs.Wrap(err, errs.SerializationFailed, "failed to marshal round record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(
		"INSERT INTO round_history (run_id, round_index, note_id, record) VALUES (?, ?, ?, ?)",
		record.RunID, record.RoundIndex, record.NoteID, string(jsonRecord),
	)
	if err != nil {
		return errs.WithFields(
			errs.Wrap(err, errs.Unknown, "failed to append round record"),
			errs.Fields{"run_id": record.RunID, "round_index": record.RoundIndex},
		)
	}
	return nil
}

// Records implements the Sink interface. Rows come back in insertion order.
func (s *SQLiteSink) Records() ([]*RoundRecord, error) {
	if err := s.ensureInitialized(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT record FROM round_history ORDER BY id")
	if err != nil {
		return nil, errs.Wrap(err, errs.Unknown, "failed to query round history")
	}
	defer rows.Close()

	var records []*RoundRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errs.Wrap(err, errs.Unknown, "failed to scan round record")
		}
		var record RoundRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, errs.Wrap(err, errs.SerializationFailed, "failed to unmarshal round record")
		}
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(err, errs.Unknown, "failed to iterate round history")
	}
	return records, nil
}

// Close releases the underlying database handle.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
