// Package scratch allocates per-job scratch directories with guaranteed
// removal. A directory exists only between job admission and finalization;
// finalization always attempts deletion regardless of which terminal state
// the job reached.
package scratch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Manager allocates uniquely-namespaced scratch directories under a
// configurable root. Safe for concurrent use: uniqueness comes from the job
// id, which the job manager guarantees is never reused.
type Manager struct {
	root   string
	logger *slog.Logger
}

// NewManager creates a Manager rooted at root, or the OS temp directory if
// root is empty. The root is created on first use.
func NewManager(root string, logger *slog.Logger) *Manager {
	if root == "" {
		root = filepath.Join(os.TempDir(), "jobengine")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{root: root, logger: logger}
}

// Root returns the configured scratch root.
func (m *Manager) Root() string {
	return m.root
}

// Create allocates the scratch directory for the given job id and returns
// its path. Creating a directory that already exists is an error, since it
// would mean two live jobs share an id.
func (m *Manager) Create(jobID string) (string, error) {
	if jobID == "" {
		return "", fmt.Errorf("scratch dir requires a job id")
	}

	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return "", fmt.Errorf("create scratch root: %w", err)
	}

	path := filepath.Join(m.root, "job-"+jobID)

	if err := os.Mkdir(path, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}

	return path, nil
}

// Remove deletes a scratch directory. Failures are logged and returned but
// callers must never let them overwrite a job's original terminal error.
func (m *Manager) Remove(path string) error {
	if path == "" {
		return nil
	}

	if err := os.RemoveAll(path); err != nil {
		m.logger.Warn("remove scratch dir", "path", path, "err", err)
		return fmt.Errorf("remove scratch dir: %w", err)
	}

	return nil
}
