package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/SigmaCloudServices/AFRelay/pkg/config"
)

// newLogger builds the structured logger every component receives by
// constructor injection (never via a package-level global, per this
// codebase's logging convention). It writes JSON lines to both stdout and a
// size-rotated file under cfg.LogDir.
//
// No third-party rotation library in this codebase's example pack is
// actually exercised anywhere (github.com/juju/lumberjack/v2 sits unused in
// one example's go.mod) — size-checked rename-on-write is a few lines of
// os/path-filepath and not worth pulling a dependency in for.
func newLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("mkdir log dir: %w", err)
	}

	rw, err := newRotatingWriter(filepath.Join(cfg.LogDir, cfg.LogFile), cfg.LogMaxBytes, cfg.LogBackups)
	if err != nil {
		return nil, nil, err
	}

	handler := slog.NewJSONHandler(io.MultiWriter(os.Stdout, rw), &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(handler).With("service", "afrelay")
	return logger, func() { _ = rw.Close() }, nil
}

// rotatingWriter appends to a file, renaming it aside once it crosses
// maxBytes and keeping at most backups old generations (afrelay.log.1,
// afrelay.log.2, ...), oldest discarded.
type rotatingWriter struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	backups  int
	file     *os.File
	size     int64
}

func newRotatingWriter(path string, maxBytes int64, backups int) (*rotatingWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat log file: %w", err)
	}
	return &rotatingWriter{path: path, maxBytes: maxBytes, backups: backups, file: f, size: info.Size()}, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.maxBytes > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close log file before rotation: %w", err)
	}

	_ = os.Remove(w.generationPath(w.backups))
	for i := w.backups - 1; i >= 1; i-- {
		src := w.generationPath(i)
		if _, err := os.Stat(src); err == nil {
			_ = os.Rename(src, w.generationPath(i+1))
		}
	}
	if err := os.Rename(w.path, w.generationPath(1)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate log file: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen log file: %w", err)
	}
	w.file = f
	w.size = 0
	return nil
}

func (w *rotatingWriter) generationPath(n int) string {
	return fmt.Sprintf("%s.%d", w.path, n)
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
