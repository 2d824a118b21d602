package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BTreeMap/ConvoPipe/internal/models"
)

// DefaultFileStoreDir is used when NewFileStore is given an empty path.
var DefaultFileStoreDir = filepath.Join(".convopipe", "conversations")

// Records always end in recordFileExt and in-flight writes in tempFileExt,
// so List tells them apart whatever the identifier looks like.
const (
	recordFileExt = ".json"
	tempFileExt   = ".tmp"
)

// FileStore keeps one JSON document per conversation in a directory.
// Writes go through a temp file, fsync and rename so a crash never leaves a partial record.
type FileStore struct {
	basePath string
}

var _ MemoryStore = (*FileStore)(nil)

// NewFileStore creates the directory if needed and returns a store rooted there.
func NewFileStore(basePath string) (*FileStore, error) {
	if basePath == "" {
		basePath = DefaultFileStoreDir
	}
	if err := os.MkdirAll(basePath, DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create conversation directory: %w", err)
	}
	slog.Debug("FileStore created", "path", basePath)
	return &FileStore{basePath: basePath}, nil
}

// Identifiers such as "whatsapp:+1555/0" are escaped so they map onto a single file name.
func (s *FileStore) path(id string) string {
	return filepath.Join(s.basePath, url.PathEscape(id)+recordFileExt)
}

func (s *FileStore) Load(_ context.Context, id string) (*models.PersistedMemory, error) {
	if err := models.ValidateIdentifier(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMemoryNotFound
		}
		return nil, fmt.Errorf("failed to read memory for %s: %w", id, err)
	}
	return decodeMemory(data)
}

func (s *FileStore) Save(_ context.Context, id string, mem models.PersistedMemory) error {
	if err := models.ValidateIdentifier(id); err != nil {
		return err
	}
	data, err := json.MarshalIndent(mem, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal memory for %s: %w", id, err)
	}

	tmp, err := os.CreateTemp(s.basePath, "*"+tempFileExt)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path(id)); err != nil {
		return fmt.Errorf("failed to replace memory for %s: %w", id, err)
	}
	slog.Debug("FileStore Save succeeded", "conversationID", id, "transcript", len(mem.Transcript))
	return nil
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete memory for %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	ids := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != recordFileExt {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, recordFileExt))
		if err != nil {
			slog.Warn("FileStore List skipping unreadable file name", "file", name, "error", err)
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileStore) Close() error {
	return nil
}
