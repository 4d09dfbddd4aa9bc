package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrRotate is returned when a log file cannot be rotated
var ErrRotate = errors.New("log rotation failed")

const (
	defaultMaxSize  = 10 * 1024 * 1024
	defaultMaxFiles = 10
)

// RotatingFile is an io.WriteCloser that renames the file aside once it
// reaches maxSize and keeps at most maxFiles rotated copies
type RotatingFile struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	size     int64
	maxSize  int64
	maxFiles int
	now      func() time.Time
}

// OpenRotatingFile opens path for appending, creating its directory.
// maxSize <= 0 and maxFiles <= 0 select the defaults of 10MB and 10 files.
func OpenRotatingFile(path string, maxSize int64, maxFiles int) (*RotatingFile, error) {
	if path == "" {
		return nil, fmt.Errorf("log file path must be specified")
	}
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if maxFiles <= 0 {
		maxFiles = defaultMaxFiles
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	rf := &RotatingFile{
		path:     path,
		maxSize:  maxSize,
		maxFiles: maxFiles,
		now:      time.Now,
	}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *RotatingFile) open() error {
	file, err := os.OpenFile(rf.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to get log file info: %w", err)
	}
	rf.file = file
	rf.size = info.Size()
	return nil
}

func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return 0, os.ErrClosed
	}
	if rf.size > 0 && rf.size+int64(len(p)) > rf.maxSize {
		if err := rf.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

// Close closes the current file
func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return nil
	}
	err := rf.file.Close()
	rf.file = nil
	return err
}

func (rf *RotatingFile) rotate() error {
	if err := rf.file.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrRotate, err)
	}
	rf.file = nil

	rotated := fmt.Sprintf("%s.%s", rf.path, rf.now().Format("20060102-150405.000000000"))
	if err := os.Rename(rf.path, rotated); err != nil {
		return fmt.Errorf("%w: %w", ErrRotate, err)
	}
	if err := rf.open(); err != nil {
		return fmt.Errorf("%w: %w", ErrRotate, err)
	}
	rf.cleanOldFiles()
	return nil
}

// cleanOldFiles removes the oldest rotated copies beyond maxFiles
func (rf *RotatingFile) cleanOldFiles() {
	dir := filepath.Dir(rf.path)
	prefix := filepath.Base(rf.path) + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var rotated []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			rotated = append(rotated, e.Name())
		}
	}
	if len(rotated) <= rf.maxFiles {
		return
	}

	// timestamp suffixes sort chronologically
	sort.Strings(rotated)
	for _, name := range rotated[:len(rotated)-rf.maxFiles] {
		_ = os.Remove(filepath.Join(dir, name))
	}
}
