// Package persistence writes generated configuration files atomically and
// keeps a bounded set of backups next to them.
package persistence

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jerkytreats/dnscert/internal/logging"
)

const backupInfix = ".backup."

// FileStorage is a single file with atomic replace and rolling backups.
type FileStorage struct {
	filePath    string
	backupCount int
	mode        os.FileMode
	mutex       sync.RWMutex
}

// NewFileStorage returns storage for filePath. Files are written with mode
// 0600 since they may hold provider credentials; backupCount <= 0 disables
// backups.
func NewFileStorage(filePath string, backupCount int) *FileStorage {
	return &FileStorage{
		filePath:    filePath,
		backupCount: backupCount,
		mode:        0o600,
	}
}

// Path returns the storage file path.
func (fs *FileStorage) Path() string {
	return fs.filePath
}

// Exists reports whether the file is present.
func (fs *FileStorage) Exists() bool {
	fs.mutex.RLock()
	defer fs.mutex.RUnlock()

	_, err := os.Stat(fs.filePath)
	return err == nil
}

// Read returns the file content, nil when the file does not exist. An
// unreadable file is recovered from the newest backup.
func (fs *FileStorage) Read() ([]byte, error) {
	fs.mutex.RLock()
	defer fs.mutex.RUnlock()

	data, err := os.ReadFile(fs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		logging.Warn("Failed to read %s, attempting recovery from backup: %v", fs.filePath, err)
		return fs.recoverFromBackup()
	}
	return data, nil
}

// Write replaces the file through a temporary file and rename, keeping a
// backup of the previous content.
func (fs *FileStorage) Write(data []byte) error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	return fs.write(data)
}

// WriteIfChanged writes data only when it differs from the current content
// and reports whether a write happened.
func (fs *FileStorage) WriteIfChanged(data []byte) (bool, error) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	current, err := os.ReadFile(fs.filePath)
	if err == nil && bytes.Equal(current, data) {
		return false, nil
	}
	if err := fs.write(data); err != nil {
		return false, err
	}
	return true, nil
}

func (fs *FileStorage) write(data []byte) error {
	logging.Debug("Writing %d bytes to %s", len(data), fs.filePath)

	if err := os.MkdirAll(filepath.Dir(fs.filePath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", fs.filePath, err)
	}

	if fs.backupCount > 0 {
		if err := fs.createBackup(); err != nil {
			logging.Warn("Failed to create backup before write: %v", err)
		}
	}

	tempFile := fs.filePath + ".tmp"
	if err := os.WriteFile(tempFile, data, fs.mode); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tempFile, fs.filePath); err != nil {
		_ = os.Remove(tempFile)
		return fmt.Errorf("failed to move temporary file to %s: %w", fs.filePath, err)
	}

	if err := fs.cleanupOldBackups(); err != nil {
		logging.Warn("Failed to cleanup old backups: %v", err)
	}
	return nil
}

func (fs *FileStorage) createBackup() error {
	data, err := os.ReadFile(fs.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read current file for backup: %w", err)
	}

	backupPath := fs.filePath + backupInfix + time.Now().UTC().Format("20060102-150405.000000000")
	if err := os.WriteFile(backupPath, data, fs.mode); err != nil {
		return fmt.Errorf("failed to write backup file: %w", err)
	}
	logging.Debug("Created backup: %s", backupPath)
	return nil
}

func (fs *FileStorage) cleanupOldBackups() error {
	backups, err := fs.backups()
	if err != nil {
		return err
	}

	keep := fs.backupCount
	if keep < 0 {
		keep = 0
	}
	for i := keep; i < len(backups); i++ {
		path := filepath.Join(filepath.Dir(fs.filePath), backups[i])
		if err := os.Remove(path); err != nil {
			logging.Warn("Failed to remove old backup %s: %v", path, err)
		}
	}
	return nil
}

func (fs *FileStorage) recoverFromBackup() ([]byte, error) {
	backups, err := fs.backups()
	if err != nil {
		return nil, err
	}
	if len(backups) == 0 {
		return nil, fmt.Errorf("no backup files found for %s", fs.filePath)
	}

	newest := filepath.Join(filepath.Dir(fs.filePath), backups[0])
	data, err := os.ReadFile(newest)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup %s: %w", newest, err)
	}
	logging.Info("Recovered %s from backup %s", fs.filePath, newest)
	return data, nil
}

// ListBackups returns backup file names, newest first.
func (fs *FileStorage) ListBackups() ([]string, error) {
	fs.mutex.RLock()
	defer fs.mutex.RUnlock()
	return fs.backups()
}

func (fs *FileStorage) backups() ([]string, error) {
	entries, err := os.ReadDir(filepath.Dir(fs.filePath))
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	prefix := filepath.Base(fs.filePath) + backupInfix
	var names []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), prefix) {
			names = append(names, entry.Name())
		}
	}

	// Timestamps are fixed width, so lexical order is chronological.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}
