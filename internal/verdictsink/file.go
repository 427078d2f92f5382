package verdictsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
	"github.com/animus-labs/animus-gatekeeper/internal/platform/env"
)

type FileConfig struct {
	Directory  string
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// FileConfigFromEnv returns ok=false when AUDIT_FILE_DIR is unset.
func FileConfigFromEnv() (FileConfig, bool, error) {
	dir := strings.TrimSpace(env.String("AUDIT_FILE_DIR", ""))
	if dir == "" {
		return FileConfig{}, false, nil
	}
	maxSize, err := env.Int("AUDIT_FILE_MAX_SIZE_MB", 100)
	if err != nil {
		return FileConfig{}, false, err
	}
	maxBackups, err := env.Int("AUDIT_FILE_MAX_BACKUPS", 10)
	if err != nil {
		return FileConfig{}, false, err
	}
	maxAge, err := env.Int("AUDIT_FILE_MAX_AGE_DAYS", 90)
	if err != nil {
		return FileConfig{}, false, err
	}
	compress, err := env.Bool("AUDIT_FILE_COMPRESS", true)
	if err != nil {
		return FileConfig{}, false, err
	}
	cfg := FileConfig{
		Directory:  dir,
		Filename:   env.String("AUDIT_FILE_NAME", "verdicts.ndjson"),
		MaxSizeMB:  maxSize,
		MaxBackups: maxBackups,
		MaxAgeDays: maxAge,
		Compress:   compress,
	}
	if err := cfg.Validate(); err != nil {
		return FileConfig{}, false, err
	}
	return cfg, true, nil
}

func (c FileConfig) Validate() error {
	if strings.TrimSpace(c.Directory) == "" {
		return errors.New("AUDIT_FILE_DIR is required")
	}
	if strings.TrimSpace(c.Filename) == "" || strings.ContainsAny(c.Filename, `/\`) {
		return fmt.Errorf("AUDIT_FILE_NAME must be a bare file name: %q", c.Filename)
	}
	if c.MaxSizeMB <= 0 {
		return errors.New("AUDIT_FILE_MAX_SIZE_MB must be > 0")
	}
	if c.MaxBackups < 0 || c.MaxAgeDays < 0 {
		return errors.New("AUDIT_FILE_MAX_BACKUPS and AUDIT_FILE_MAX_AGE_DAYS must be >= 0")
	}
	return nil
}

// File writes one JSON verdict per line.
type File struct {
	mu sync.Mutex
	w  io.WriteCloser
}

func NewFile(cfg FileConfig) (*File, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return NewFileWriter(&lumberjack.Logger{
		Filename:   filepath.Join(cfg.Directory, cfg.Filename),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}), nil
}

func NewFileWriter(w io.WriteCloser) *File {
	return &File{w: w}
}

func (f *File) Publish(_ context.Context, v domain.Verdict) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode verdict: %w", err)
	}
	line = append(line, '\n')
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.w.Write(line); err != nil {
		return fmt.Errorf("write verdict: %w", err)
	}
	return nil
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.w.Close()
}
