// Package attachments stores files uploaded for a chat thread so the
// agent can reference them by path during execution. Files live under
// <dir>/<thread_id>/<filename>; deleting a thread removes the whole
// directory.
package attachments

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/taskstream/taskstream/internal/common/config"
	"github.com/taskstream/taskstream/internal/common/logger"
	"github.com/taskstream/taskstream/internal/task/models"
)

const dirPermissions = 0750

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Stored describes a saved attachment. Path is absolute so the agent
// can reference the file regardless of its own working directory.
type Stored struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Service validates and stores uploads.
type Service struct {
	dir     string
	maxSize int64
	allowed map[string]struct{}
	logger  *logger.Logger
}

// NewService creates the base directory and returns a store enforcing
// the configured size and extension limits.
func NewService(cfg *config.AttachmentsConfig, log *logger.Logger) (*Service, error) {
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve attachments directory: %w", err)
	}
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("create attachments directory: %w", err)
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}

	return &Service{
		dir:     dir,
		maxSize: cfg.MaxSizeBytes,
		allowed: allowed,
		logger:  log.WithFields(zap.String("component", "attachments")),
	}, nil
}

// Save writes the upload under the thread's directory and returns its
// path and size. The filename keeps only its base name; uploads that
// exceed the size limit or carry a disallowed extension are rejected
// and leave nothing behind.
func (s *Service) Save(threadID, filename string, r io.Reader) (*Stored, error) {
	thread, err := sanitizeName(threadID)
	if err != nil {
		return nil, models.NewError(models.KindBadRequest, "invalid thread_id %q", threadID)
	}
	name, err := sanitizeName(filepath.Base(filename))
	if err != nil {
		return nil, models.NewError(models.KindBadRequest, "invalid filename %q", filename)
	}
	if err := s.checkExtension(name); err != nil {
		return nil, err
	}

	threadDir := filepath.Join(s.dir, thread)
	if err := os.MkdirAll(threadDir, dirPermissions); err != nil {
		return nil, fmt.Errorf("create thread directory: %w", err)
	}

	path := filepath.Join(threadDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("create attachment: %w", err)
	}

	// Copy one byte past the limit so an oversized upload is detected
	// without reading it to the end.
	size, err := io.Copy(f, io.LimitReader(r, s.maxSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write attachment: %w", err)
	}
	if size > s.maxSize {
		_ = os.Remove(path)
		return nil, models.NewError(models.KindBadRequest,
			"attachment exceeds size limit of %d bytes", s.maxSize)
	}

	s.logger.Debug("Attachment stored",
		zap.String("thread_id", thread),
		zap.String("file", name),
		zap.Int64("size", size))
	return &Stored{Path: path, Size: size}, nil
}

// DeleteThread removes a thread's directory and reports how many files
// it held. An unknown thread deletes nothing.
func (s *Service) DeleteThread(threadID string) (int, error) {
	thread, err := sanitizeName(threadID)
	if err != nil {
		return 0, models.NewError(models.KindBadRequest, "invalid thread_id %q", threadID)
	}

	threadDir := filepath.Join(s.dir, thread)
	entries, err := os.ReadDir(threadDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("list thread directory: %w", err)
	}

	count := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			count++
		}
	}
	if err := os.RemoveAll(threadDir); err != nil {
		return 0, fmt.Errorf("delete thread directory: %w", err)
	}

	s.logger.Info("Thread attachments deleted",
		zap.String("thread_id", thread),
		zap.Int("files", count))
	return count, nil
}

// Dir returns the base directory attachments are stored under.
func (s *Service) Dir() string {
	return s.dir
}

func (s *Service) checkExtension(name string) error {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if _, ok := s.allowed[ext]; !ok {
		return models.NewError(models.KindBadRequest, "file extension %q is not allowed", ext)
	}
	return nil
}

// sanitizeName strips everything outside [A-Za-z0-9._-] from a path
// component. Empty results and the dot directories are rejected.
func sanitizeName(raw string) (string, error) {
	clean := unsafeNameChars.ReplaceAllString(raw, "")
	if clean == "" || clean == "." || clean == ".." || strings.Trim(clean, ".") == "" {
		return "", fmt.Errorf("invalid name %q", raw)
	}
	return clean, nil
}
