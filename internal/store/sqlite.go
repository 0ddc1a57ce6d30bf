package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps every (agent, kind) document as a row in a single SQLite
// table. It satisfies the same contract as FileStore and is the better choice
// when many agents report through one shared monitor process, since SQLite
// gives us atomic replacement without a file per agent.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the database at path and prepares the
// documents table.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS documents (
		agent TEXT NOT NULL,
		kind TEXT NOT NULL,
		body TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (agent, kind)
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create documents table: %w", err)
	}
	return nil
}

// Load decodes the stored document for (agent, kind) into v. A missing row
// leaves v untouched; an unparsable body is reset to empty and logged.
func (s *SQLiteStore) Load(agent, kind string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var body string
	err := s.db.QueryRow(
		`SELECT body FROM documents WHERE agent = ? AND kind = ?`,
		agent, kind,
	).Scan(&body)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s/%s: %w", agent, kind, err)
	}

	if err := json.Unmarshal([]byte(body), v); err != nil {
		s.logger.Warn("corrupt document, resetting to empty",
			zap.String("agent", agent),
			zap.String("kind", kind),
			zap.Error(fmt.Errorf("%w: %v", ErrCorrupt, err)))
		return nil
	}
	return nil
}

// Save replaces the document for (agent, kind).
func (s *SQLiteStore) Save(agent, kind string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", agent, kind, err)
	}

	_, err = s.db.Exec(
		`INSERT INTO documents (agent, kind, body, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(agent, kind) DO UPDATE SET
		   body = excluded.body, updated_at = CURRENT_TIMESTAMP`,
		agent, kind, string(body),
	)
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", agent, kind, err)
	}
	return nil
}

// Delete removes every document belonging to the agent.
func (s *SQLiteStore) Delete(agent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM documents WHERE agent = ?`, agent); err != nil {
		return fmt.Errorf("delete %s: %w", agent, err)
	}
	return nil
}

// Agents lists agent IDs that have a document of the given kind.
func (s *SQLiteStore) Agents(kind string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT agent FROM documents WHERE kind = ? ORDER BY agent`, kind)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []string
	for rows.Next() {
		var agent string
		if err := rows.Scan(&agent); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ DocumentStore = (*SQLiteStore)(nil)
