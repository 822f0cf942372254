package logging

import (
	"fmt"
	"os"
	"sync"
)

const (
	defaultMaxLogSize    = 32 * 1024 * 1024
	defaultMaxLogBackups = 4
)

// fileWriter appends to a log file and rotates it once a write would push it
// past maxSize, keeping up to maxBackups numbered backups. The newest backup
// is <path>.1, the oldest <path>.<maxBackups>.
type fileWriter struct {
	path       string
	maxSize    int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
	size int64
}

func newFileWriter(path string, maxSize int64, maxBackups int) (*fileWriter, error) {
	if maxSize <= 0 {
		maxSize = defaultMaxLogSize
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxLogBackups
	}
	w := &fileWriter{path: path, maxSize: maxSize, maxBackups: maxBackups}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *fileWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	w.file = f
	w.size = fi.Size()
	return nil
}

func (w *fileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	if w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// rotate closes the live file, shifts the backup chain by one, and reopens a
// fresh file at the base path.
func (w *fileWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil
	for i := w.maxBackups - 1; i >= 1; i-- {
		older := fmt.Sprintf("%s.%d", w.path, i)
		newer := fmt.Sprintf("%s.%d", w.path, i+1)
		if _, err := os.Stat(older); err == nil {
			_ = os.Rename(older, newer)
		}
	}
	_ = os.Rename(w.path, w.path+".1")
	return w.open()
}

func (w *fileWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return w.file.Sync()
	}
	return nil
}
