package session

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/fsutil"
)

const reasonSuffix = ".reason.txt"

// RecordRetry snapshots the current version of a file before a human asks
// for it to be regenerated. The resolved file is copied to
// human-retries/<stem>-retry-<n><ext> next to a reason file, and the retry is
// appended to the session record.
func (workspace *Workspace) RecordRetry(name string, args RetryArgs) (Retry, error) {
	if err := validateStruct(args); err != nil {
		return Retry{}, err
	}
	relative, err := workspace.normalizePath(args.File)
	if err != nil {
		return Retry{}, err
	}

	workspace.mutex.Lock()
	defer workspace.mutex.Unlock()

	record, err := workspace.guardLocked(name)
	if err != nil {
		return Retry{}, err
	}

	source := workspace.sessionPath(record.Name, relative)
	exists, err := fsutil.Exists(source)
	if err != nil {
		return Retry{}, err
	}
	if !exists {
		source = workspace.globalPath(relative)
		if exists, err = fsutil.Exists(source); err != nil {
			return Retry{}, err
		}
	}
	if !exists {
		return Retry{}, fmt.Errorf("%w: %s exists neither in session %s nor in the shared tree", ErrNotFound, relative, record.Name)
	}

	number := 1
	for _, previous := range record.HumanRetries {
		if previous.File == relative {
			number++
		}
	}

	archived := path.Join(RetriesDirName, retryFileName(relative, number))
	destination := filepath.Join(workspace.sessionDir(record.Name), filepath.FromSlash(archived))
	if err := fsutil.CopyFile(source, destination); err != nil {
		return Retry{}, fmt.Errorf("failed to archive retry of %s: %w", relative, err)
	}
	if err := fsutil.WriteFileAtomic(destination+reasonSuffix, []byte(args.Reason+"\n"), 0o644); err != nil {
		return Retry{}, fmt.Errorf("failed to write retry reason: %w", err)
	}

	retry := Retry{
		File:         relative,
		RetryNumber:  number,
		Reason:       args.Reason,
		Timestamp:    workspace.timestamp(),
		AutoDetected: args.AutoDetected,
		ArchivedAs:   archived,
	}
	record.HumanRetries = append(record.HumanRetries, retry)
	if err := workspace.saveRecord(record); err != nil {
		return Retry{}, err
	}

	workspace.logger.Info("human retry recorded",
		"session", record.Name,
		"file", relative,
		"retry_number", number,
		"auto_detected", args.AutoDetected,
	)
	return retry, nil
}

// retryFileName flattens the directories of relative into the stem so files
// with the same base name in different directories do not collide.
func retryFileName(relative string, number int) string {
	ext := path.Ext(relative)
	stem := strings.TrimSuffix(relative, ext)
	stem = strings.ReplaceAll(stem, "/", "__")
	return fmt.Sprintf("%s-retry-%d%s", stem, number, ext)
}
