package docstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/entity"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/fsutil"
)

type stagedDocument struct {
	path     string
	tempPath string
	previous []byte
	existed  bool
}

// writeBatch publishes records in two phases. Every document is first
// written and synced to a temp file next to its target; only when all of
// them are staged are they renamed into place. If a rename fails the
// documents already published get their previous bytes back.
func (store *Store) writeBatch(records []entity.Entity) error {
	staged := make([]stagedDocument, 0, len(records))
	published := 0

	discard := func() {
		for _, document := range staged[published:] {
			_ = os.Remove(document.tempPath)
		}
	}

	for _, record := range records {
		document, err := store.stage(record)
		if err != nil {
			discard()
			return err
		}
		staged = append(staged, document)
	}

	for _, document := range staged {
		if store.beforeRename != nil {
			if err := store.beforeRename(document.path); err != nil {
				discard()
				return store.restore(staged[:published], err)
			}
		}
		if err := os.Rename(document.tempPath, document.path); err != nil {
			discard()
			return store.restore(staged[:published], fmt.Errorf("publish %s: %w", document.path, err))
		}
		published++
	}
	return nil
}

func (store *Store) stage(record entity.Entity) (stagedDocument, error) {
	record.Children = nil
	path := store.documentPath(record.Type, record.ID)
	document := stagedDocument{path: path}

	previous, err := os.ReadFile(path)
	switch {
	case err == nil:
		document.previous = previous
		document.existed = true
	case errors.Is(err, fs.ErrNotExist):
	default:
		return stagedDocument{}, entity.Unavailable("read document", err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return stagedDocument{}, fmt.Errorf("encode %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return stagedDocument{}, entity.Unavailable("create document directory", err)
	}
	tempFile, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return stagedDocument{}, entity.Unavailable("stage document", err)
	}
	document.tempPath = tempFile.Name()

	if _, err := tempFile.Write(append(data, '\n')); err != nil {
		tempFile.Close()
		_ = os.Remove(document.tempPath)
		return stagedDocument{}, entity.Unavailable("stage document", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		_ = os.Remove(document.tempPath)
		return stagedDocument{}, entity.Unavailable("sync staged document", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(document.tempPath)
		return stagedDocument{}, entity.Unavailable("close staged document", err)
	}
	if err := os.Chmod(document.tempPath, documentPerms); err != nil {
		_ = os.Remove(document.tempPath)
		return stagedDocument{}, entity.Unavailable("chmod staged document", err)
	}
	return document, nil
}

func (store *Store) restore(published []stagedDocument, cause error) error {
	var problems []error
	for index := len(published) - 1; index >= 0; index-- {
		document := published[index]
		if document.existed {
			if err := fsutil.WriteFileAtomic(document.path, document.previous, documentPerms); err != nil {
				problems = append(problems, err)
			}
			continue
		}
		if err := os.Remove(document.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			problems = append(problems, err)
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w (restore failed: %w)", cause, errors.Join(problems...))
	}
	return cause
}
