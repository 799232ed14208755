package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/fsutil"
)

const (
	SourceSession = "session"
	SourceGlobal  = "global"
)

type Resolution struct {
	Path              string `json:"path"`
	ResolvedPath      string `json:"resolved_path"`
	Source            string `json:"source"`
	Exists            bool   `json:"exists"`
	ModifiedInSession bool   `json:"modified_in_session"`
	Session           string `json:"session,omitempty"`
}

type TrackResult struct {
	Session     string     `json:"session"`
	File        CowFile    `json:"file"`
	Previous    ChangeType `json:"previous_change_type,omitempty"`
	Unchanged   bool       `json:"unchanged"`
	Untracked   bool       `json:"untracked,omitempty"`
	SessionPath string     `json:"session_path"`
	Stats       Stats      `json:"stats"`
}

// Resolve picks the session copy of path when one exists and the shared
// file otherwise. It never writes. With an empty name the active session is
// used; with no active session everything resolves globally.
func (workspace *Workspace) Resolve(name, path string) (Resolution, error) {
	relative, err := workspace.normalizePath(path)
	if err != nil {
		return Resolution{}, err
	}
	name, err = workspace.activeName(name)
	if err != nil && !errors.Is(err, ErrNoActiveSession) {
		return Resolution{}, err
	}

	if name != "" {
		sessionCopy := workspace.sessionPath(name, relative)
		if info, err := os.Stat(sessionCopy); err == nil && !info.IsDir() {
			return Resolution{
				Path:              relative,
				ResolvedPath:      sessionCopy,
				Source:            SourceSession,
				Exists:            true,
				ModifiedInSession: true,
				Session:           name,
			}, nil
		}
	}

	global := workspace.globalPath(relative)
	exists, err := fsutil.Exists(global)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{
		Path:         relative,
		ResolvedPath: global,
		Source:       SourceGlobal,
		Exists:       exists,
		Session:      name,
	}, nil
}

// Track records that path changed in the session. Repeating a call is a
// no-op; a new change type moves the path to the matching bucket. Stats
// move by the size delta of the one entry.
func (workspace *Workspace) Track(name, path string, changeType ChangeType) (TrackResult, error) {
	if _, err := ParseChangeType(string(changeType)); err != nil {
		return TrackResult{}, err
	}
	relative, err := workspace.normalizePath(path)
	if err != nil {
		return TrackResult{}, err
	}

	workspace.mutex.Lock()
	defer workspace.mutex.Unlock()

	record, err := workspace.guardLocked(name)
	if err != nil {
		return TrackResult{}, err
	}
	return workspace.trackLocked(record, relative, changeType)
}

func (workspace *Workspace) trackLocked(record Record, relative string, changeType ChangeType) (TrackResult, error) {
	sessionCopy := workspace.sessionPath(record.Name, relative)
	var size int64
	if changeType != ChangeDeleted {
		if info, err := os.Stat(sessionCopy); err == nil && !info.IsDir() {
			size = info.Size()
		}
	}

	now := workspace.timestamp()
	result := TrackResult{Session: record.Name, SessionPath: sessionCopy}
	index := record.findCowFile(relative)
	if index >= 0 {
		existing := record.CowFiles[index]
		if existing.ChangeType == changeType && existing.SizeBytes == size {
			result.File = existing
			result.Unchanged = true
			result.Stats = record.Stats
			return result, nil
		}
		result.Previous = existing.ChangeType
		record.Stats.TotalSizeBytes += size - existing.SizeBytes
		existing.ChangeType = changeType
		existing.SizeBytes = size
		existing.UpdatedAt = now
		record.CowFiles[index] = existing
		result.File = existing
	} else {
		entry := CowFile{
			Path:       relative,
			ChangeType: changeType,
			CopiedAt:   now,
			SizeBytes:  size,
		}
		record.CowFiles = append(record.CowFiles, entry)
		record.Stats.TotalSizeBytes += size
		record.Stats.TotalFilesChanged++
		result.File = entry
	}
	record.Changes.place(relative, changeType)

	if err := workspace.saveRecord(record); err != nil {
		return TrackResult{}, err
	}
	result.Stats = record.Stats
	workspace.logger.Debug("session file tracked",
		"session", record.Name,
		"path", relative,
		"change_type", changeType,
		"previous", result.Previous,
	)
	return result, nil
}

func (workspace *Workspace) untrackLocked(record Record, relative string) (TrackResult, error) {
	result := TrackResult{Session: record.Name, SessionPath: workspace.sessionPath(record.Name, relative), Untracked: true}
	index := record.findCowFile(relative)
	if index < 0 {
		result.Stats = record.Stats
		return result, nil
	}
	removed := record.CowFiles[index]
	record.CowFiles = append(record.CowFiles[:index], record.CowFiles[index+1:]...)
	record.Changes.remove(relative)
	record.Stats.TotalFilesChanged--
	record.Stats.TotalSizeBytes -= removed.SizeBytes
	if err := workspace.saveRecord(record); err != nil {
		return TrackResult{}, err
	}
	result.File = removed
	result.Previous = removed.ChangeType
	result.Stats = record.Stats
	return result, nil
}

// Fork returns the session path for writing path, copying the shared file
// into the session first when the session has no copy yet. It does not
// track; the writer tracks once the write lands.
func (workspace *Workspace) Fork(name, path string) (string, error) {
	relative, err := workspace.normalizePath(path)
	if err != nil {
		return "", err
	}

	workspace.mutex.Lock()
	defer workspace.mutex.Unlock()

	record, err := workspace.guardLocked(name)
	if err != nil {
		return "", err
	}
	return workspace.forkLocked(record.Name, relative)
}

func (workspace *Workspace) forkLocked(name, relative string) (string, error) {
	sessionCopy := workspace.sessionPath(name, relative)
	if exists, err := fsutil.Exists(sessionCopy); err != nil || exists {
		return sessionCopy, err
	}
	global := workspace.globalPath(relative)
	exists, err := fsutil.Exists(global)
	if err != nil {
		return "", err
	}
	if exists {
		if err := fsutil.CopyFile(global, sessionCopy); err != nil {
			return "", fmt.Errorf("failed to fork %s: %w", relative, err)
		}
		return sessionCopy, nil
	}
	return sessionCopy, nil
}

// Write stores content as the session copy of path and tracks it as
// modified when the shared file exists and created otherwise.
func (workspace *Workspace) Write(name, path string, content []byte) (TrackResult, error) {
	relative, err := workspace.normalizePath(path)
	if err != nil {
		return TrackResult{}, err
	}

	workspace.mutex.Lock()
	defer workspace.mutex.Unlock()

	record, err := workspace.guardLocked(name)
	if err != nil {
		return TrackResult{}, err
	}
	sessionCopy := workspace.sessionPath(record.Name, relative)
	if err := fsutil.WriteFileAtomic(sessionCopy, content, 0o644); err != nil {
		return TrackResult{}, err
	}

	changeType := ChangeCreated
	exists, err := fsutil.Exists(workspace.globalPath(relative))
	if err != nil {
		return TrackResult{}, err
	}
	if exists {
		changeType = ChangeModified
	}
	return workspace.trackLocked(record, relative, changeType)
}

// Delete removes the session copy of path. A path that exists in the shared
// tree is tracked as deleted; a path only ever created in the session is
// simply forgotten.
func (workspace *Workspace) Delete(name, path string) (TrackResult, error) {
	relative, err := workspace.normalizePath(path)
	if err != nil {
		return TrackResult{}, err
	}

	workspace.mutex.Lock()
	defer workspace.mutex.Unlock()

	record, err := workspace.guardLocked(name)
	if err != nil {
		return TrackResult{}, err
	}

	sessionCopy := workspace.sessionPath(record.Name, relative)
	removedCopy := true
	if err := os.Remove(sessionCopy); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return TrackResult{}, fmt.Errorf("failed to remove session copy: %w", err)
		}
		removedCopy = false
	}

	exists, err := fsutil.Exists(workspace.globalPath(relative))
	if err != nil {
		return TrackResult{}, err
	}
	if exists {
		return workspace.trackLocked(record, relative, ChangeDeleted)
	}
	if !removedCopy && record.findCowFile(relative) < 0 {
		return TrackResult{}, fmt.Errorf("%w: %s exists neither in the session nor in the shared tree", ErrNotFound, relative)
	}
	return workspace.untrackLocked(record, relative)
}
