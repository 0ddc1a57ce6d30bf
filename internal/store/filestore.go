package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// FileStore persists each (agent, kind) pair as one JSON file under a base
// directory: {agent}_hashes.json, {agent}_history.json, {agent}_state.json.
type FileStore struct {
	baseDir string
	logger  *zap.Logger
}

// NewFileStore creates a file-backed document store rooted at baseDir.
// The directory is created lazily on first write.
func NewFileStore(baseDir string, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{baseDir: baseDir, logger: logger}
}

func (s *FileStore) path(agent, kind string) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("%s_%s.json", agent, kind))
}

// Load decodes the JSON document for (agent, kind) into v. A missing file
// leaves v untouched. A file that fails to parse is treated as empty and
// logged, since silently halting on one corrupt record would take down
// loop detection for the whole swarm.
func (s *FileStore) Load(agent, kind string, v interface{}) error {
	data, err := os.ReadFile(s.path(agent, kind))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s/%s: %w", agent, kind, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("corrupt document, resetting to empty",
			zap.String("agent", agent),
			zap.String("kind", kind),
			zap.Error(fmt.Errorf("%w: %v", ErrCorrupt, err)))
		return nil
	}
	return nil
}

// Save writes the JSON document for (agent, kind), creating parent
// directories as needed.
func (s *FileStore) Save(agent, kind string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", agent, kind, err)
	}

	if err := os.MkdirAll(s.baseDir, 0755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	if err := os.WriteFile(s.path(agent, kind), data, 0644); err != nil {
		return fmt.Errorf("write %s/%s: %w", agent, kind, err)
	}
	return nil
}

// Delete removes every document belonging to the agent.
func (s *FileStore) Delete(agent string) error {
	for _, kind := range []string{KindHashes, KindHistory, KindState} {
		if err := os.Remove(s.path(agent, kind)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete %s/%s: %w", agent, kind, err)
		}
	}
	return nil
}

// Agents lists agent IDs that have a document of the given kind.
func (s *FileStore) Agents(kind string) ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store dir: %w", err)
	}

	suffix := fmt.Sprintf("_%s.json", kind)
	var agents []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		agents = append(agents, strings.TrimSuffix(name, suffix))
	}
	return agents, nil
}

var _ DocumentStore = (*FileStore)(nil)
