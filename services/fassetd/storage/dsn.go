package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

// filePragmas enables WAL journaling and a busy timeout so the engines'
// short read-modify-write transactions do not fail under concurrent handlers.
const filePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

// FileDSN converts a filesystem path into an on-disk SQLite DSN.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	return "file:" + abs + "?" + filePragmas, nil
}
