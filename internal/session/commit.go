package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/fsutil"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/metrics"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

const (
	CommitNoChanges = "no_changes"
	CommitPreview   = "preview"
	CommitCommitted = "committed"
	CommitPartial   = "partial"

	stampLayout = "20060102T150405Z"

	workflowIndexFile = "index.json"
)

// runArtifactDirs hold workflow output that is published with the session
// as a whole instead of being tracked file by file.
var runArtifactDirs = []string{WorkflowStateDirName, GenerationRunsDirName, PlanningRunsDirName}

type PreviewBucket struct {
	Count  int      `json:"count"`
	Sample []string `json:"sample"`
}

type Preview struct {
	Modified              PreviewBucket `json:"modified"`
	Created               PreviewBucket `json:"created"`
	Deleted               PreviewBucket `json:"deleted"`
	HumanRetries          int           `json:"human_retries"`
	TotalSizeBytes        int64         `json:"total_size_bytes"`
	TotalSizeHuman        string        `json:"total_size_human"`
	RunArtifacts          PreviewBucket `json:"run_artifacts"`
	RunArtifactsSizeHuman string        `json:"run_artifacts_size_human"`
}

type ArchivedFile struct {
	Path        string `json:"path"`
	ArchivePath string `json:"archive_path"`
}

type FileFailure struct {
	Path       string     `json:"path"`
	ChangeType ChangeType `json:"change_type"`
	Error      string     `json:"error"`
}

type CommitResult struct {
	Status            string         `json:"status"`
	Session           string         `json:"session"`
	CommitID          string         `json:"commit_id,omitempty"`
	Preview           *Preview       `json:"preview,omitempty"`
	Committed         []string       `json:"committed,omitempty"`
	RunArtifacts      []string       `json:"run_artifacts,omitempty"`
	Archived          []ArchivedFile `json:"archived,omitempty"`
	Failures          []FileFailure  `json:"failures,omitempty"`
	RetriesArchived   int            `json:"retries_archived,omitempty"`
	RetriesArchiveDir string         `json:"retries_archive_dir,omitempty"`
	FailedArchiveDir  string         `json:"failed_archive_dir,omitempty"`
	SessionRemoved    bool           `json:"session_removed"`
	LockCleared       bool           `json:"lock_cleared"`
	CleanupError      string         `json:"cleanup_error,omitempty"`
}

type CancelResult struct {
	Session           string `json:"session"`
	Corrupted         bool   `json:"corrupted,omitempty"`
	Discarded         int    `json:"discarded"`
	HumanRetries      int    `json:"human_retries"`
	RetriesArchived   int    `json:"retries_archived,omitempty"`
	RetriesArchiveDir string `json:"retries_archive_dir,omitempty"`
	SessionRemoved    bool   `json:"session_removed"`
	LockCleared       bool   `json:"lock_cleared"`
}

func (workspace *Workspace) preview(record Record, artifacts []runArtifact) *Preview {
	sample := func(paths []string) PreviewBucket {
		count := len(paths)
		if len(paths) > workspace.sampleSize {
			paths = paths[:workspace.sampleSize]
		}
		return PreviewBucket{Count: count, Sample: append([]string{}, paths...)}
	}
	artifactPaths := make([]string, 0, len(artifacts))
	var artifactBytes int64
	for _, artifact := range artifacts {
		artifactPaths = append(artifactPaths, artifact.path)
		size, err := fsutil.DirSize(workspace.sessionPath(record.Name, artifact.path))
		if err != nil {
			workspace.logger.Warn("failed to size run artifact", "session", record.Name, "path", artifact.path, "error", err)
			continue
		}
		artifactBytes += size
	}
	return &Preview{
		Modified:              sample(record.Changes.Modified),
		Created:               sample(record.Changes.Created),
		Deleted:               sample(record.Changes.Deleted),
		HumanRetries:          len(record.HumanRetries),
		TotalSizeBytes:        record.Stats.TotalSizeBytes,
		TotalSizeHuman:        humanize.IBytes(uint64(max(record.Stats.TotalSizeBytes, 0))),
		RunArtifacts:          sample(artifactPaths),
		RunArtifactsSizeHuman: humanize.IBytes(uint64(artifactBytes)),
	}
}

// runArtifact is one publishable unit: a workflow state file or a whole
// run directory. path is relative to the session directory and also names
// the target in the shared tree.
type runArtifact struct {
	path string
	dir  bool
}

func (workspace *Workspace) runArtifacts(name string) ([]runArtifact, error) {
	var artifacts []runArtifact
	for _, parent := range runArtifactDirs {
		entries, err := os.ReadDir(workspace.sessionPath(name, parent))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to scan %s: %w", parent, err)
		}
		for _, item := range entries {
			relative := parent + "/" + item.Name()
			switch {
			case parent == WorkflowStateDirName:
				if item.Type().IsRegular() && strings.HasSuffix(item.Name(), ".json") && item.Name() != workflowIndexFile {
					artifacts = append(artifacts, runArtifact{path: relative})
				}
			case item.IsDir():
				artifacts = append(artifacts, runArtifact{path: relative, dir: true})
			}
		}
	}
	return artifacts, nil
}

// publishRunArtifacts copies each artifact into the shared tree on its own.
// Run directories merge into an existing directory of the same name.
func (workspace *Workspace) publishRunArtifacts(name string, artifacts []runArtifact, result *CommitResult) {
	for _, artifact := range artifacts {
		source := workspace.sessionPath(name, artifact.path)
		target := workspace.globalPath(artifact.path)
		var err error
		if artifact.dir {
			_, err = fsutil.CopyTree(source, target)
		} else {
			err = fsutil.CopyFile(source, target)
		}
		if err != nil {
			result.Failures = append(result.Failures, FileFailure{Path: artifact.path, Error: err.Error()})
			workspace.logger.Error("failed to publish run artifact", "session", name, "path", artifact.path, "error", err)
			continue
		}
		result.RunArtifacts = append(result.RunArtifacts, artifact.path)
	}
}

// Commit publishes the session into the shared tree. Without force it only
// returns a preview. With force every tracked file is applied on its own:
// failures are collected and the rest still land, and nothing already
// applied is reversed. Deleted files are archived before they are removed.
func (workspace *Workspace) Commit(name string, force bool) (CommitResult, error) {
	workspace.mutex.Lock()
	defer workspace.mutex.Unlock()

	var (
		record Record
		err    error
	)
	if force {
		record, err = workspace.guardLocked(name)
	} else {
		record, err = workspace.loadActive(name)
	}
	if err != nil {
		return CommitResult{}, err
	}

	artifacts, err := workspace.runArtifacts(record.Name)
	if err != nil {
		return CommitResult{}, err
	}

	result := CommitResult{Session: record.Name}
	if len(record.CowFiles) == 0 && len(record.HumanRetries) == 0 && len(artifacts) == 0 {
		result.Status = CommitNoChanges
		metrics.SessionCommits.WithLabelValues(result.Status).Inc()
		return result, nil
	}
	if !force {
		result.Status = CommitPreview
		result.Preview = workspace.preview(record, artifacts)
		metrics.SessionCommits.WithLabelValues(result.Status).Inc()
		return result, nil
	}

	commitID := uuid.New()
	result.CommitID = commitID.String()
	stamp := workspace.now().UTC().Format(stampLayout) + "-" + commitID.String()[:8]
	deletedArchive := filepath.Join(workspace.archiveDir, "deleted", record.Name, stamp)
	failedArchive := filepath.Join(workspace.archiveDir, "failed", record.Name, stamp)

	for _, file := range record.CowFiles {
		var archived *ArchivedFile
		var applyErr error
		switch file.ChangeType {
		case ChangeDeleted:
			archived, applyErr = workspace.applyDelete(file.Path, deletedArchive)
		default:
			applyErr = fsutil.CopyFile(workspace.sessionPath(record.Name, file.Path), workspace.globalPath(file.Path))
		}
		if applyErr != nil {
			result.Failures = append(result.Failures, FileFailure{Path: file.Path, ChangeType: file.ChangeType, Error: applyErr.Error()})
			workspace.logger.Error("failed to commit session file",
				"session", record.Name,
				"path", file.Path,
				"change_type", file.ChangeType,
				"error", applyErr,
			)
			continue
		}
		if archived != nil {
			result.Archived = append(result.Archived, *archived)
		}
		result.Committed = append(result.Committed, file.Path)
	}

	workspace.publishRunArtifacts(record.Name, artifacts, &result)

	sessionDir := workspace.sessionDir(record.Name)
	if len(record.HumanRetries) > 0 {
		retriesArchive := filepath.Join(workspace.archiveDir, "retries", record.Name, stamp)
		copied, err := fsutil.CopyTree(filepath.Join(sessionDir, RetriesDirName), retriesArchive)
		if err != nil {
			result.Failures = append(result.Failures, FileFailure{Path: RetriesDirName, Error: err.Error()})
		}
		if copied > 0 {
			result.RetriesArchived = copied
			result.RetriesArchiveDir = retriesArchive
		}
	}

	// Session copies of failed files would disappear with the session
	// directory, so keep them next to the other archives.
	for _, failure := range result.Failures {
		if failure.ChangeType == ChangeDeleted || failure.ChangeType == "" {
			continue
		}
		sessionCopy := workspace.sessionPath(record.Name, failure.Path)
		if err := fsutil.CopyFile(sessionCopy, filepath.Join(failedArchive, filepath.FromSlash(failure.Path))); err == nil {
			result.FailedArchiveDir = failedArchive
		}
	}

	if err := os.RemoveAll(sessionDir); err != nil {
		result.CleanupError = err.Error()
		workspace.logger.Error("failed to remove committed session", "session", record.Name, "error", err)
	} else {
		result.SessionRemoved = true
	}
	cleared, err := workspace.ReleaseLock(record.Name)
	if err != nil && result.CleanupError == "" {
		result.CleanupError = err.Error()
	}
	result.LockCleared = cleared

	result.Status = CommitCommitted
	if len(result.Failures) > 0 {
		result.Status = CommitPartial
		metrics.CommitFileFailures.Add(float64(len(result.Failures)))
	}
	metrics.SessionCommits.WithLabelValues(result.Status).Inc()
	workspace.logger.Info("session committed",
		"session", record.Name,
		"commit_id", result.CommitID,
		"status", result.Status,
		"committed", len(result.Committed),
		"failures", len(result.Failures),
	)
	return result, nil
}

// applyDelete archives the shared file and then unlinks it. A file that is
// already gone counts as deleted.
func (workspace *Workspace) applyDelete(relative, archiveDir string) (*ArchivedFile, error) {
	global := workspace.globalPath(relative)
	exists, err := fsutil.Exists(global)
	if err != nil || !exists {
		return nil, err
	}
	archivePath := filepath.Join(archiveDir, filepath.FromSlash(relative))
	if err := fsutil.CopyFile(global, archivePath); err != nil {
		return nil, fmt.Errorf("failed to archive before delete: %w", err)
	}
	if err := os.Remove(global); err != nil {
		return nil, fmt.Errorf("failed to delete: %w", err)
	}
	return &ArchivedFile{Path: relative, ArchivePath: archivePath}, nil
}

// loadActive reads the record of name (or the active session) and refuses
// crashed sessions without probing the lock owner.
func (workspace *Workspace) loadActive(name string) (Record, error) {
	name, err := workspace.activeName(name)
	if err != nil {
		return Record{}, err
	}
	record, err := workspace.loadRecord(name)
	if err != nil {
		return Record{}, err
	}
	if record.Status == StatusCrashed {
		return Record{}, fmt.Errorf("%w: %s", ErrSessionCrashed, name)
	}
	return record, nil
}

// Cancel discards a session without touching the shared tree. It is the way
// out for crashed and corrupted sessions, so the record is read best-effort.
func (workspace *Workspace) Cancel(name string, backupRetries bool) (CancelResult, error) {
	workspace.mutex.Lock()
	defer workspace.mutex.Unlock()

	name, err := workspace.activeName(name)
	if err != nil {
		return CancelResult{}, err
	}
	sessionDir := workspace.sessionDir(name)
	exists, err := fsutil.Exists(sessionDir)
	if err != nil {
		return CancelResult{}, err
	}
	if !exists {
		return CancelResult{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	result := CancelResult{Session: name}
	record, err := workspace.loadRecord(name)
	switch {
	case err == nil:
		result.Discarded = len(record.CowFiles)
		result.HumanRetries = len(record.HumanRetries)
	case errors.Is(err, ErrCorrupted):
		result.Corrupted = true
		workspace.logger.Warn("cancelling session with corrupted metadata", "session", name, "error", err)
	default:
		return CancelResult{}, err
	}

	if backupRetries {
		stamp := workspace.now().UTC().Format(stampLayout) + "-" + uuid.NewString()[:8]
		backupDir := filepath.Join(workspace.archiveDir, "retries", name+"-cancelled-"+stamp)
		copied, err := fsutil.CopyTree(filepath.Join(sessionDir, RetriesDirName), backupDir)
		if err != nil {
			return CancelResult{}, fmt.Errorf("failed to back up retries of %s: %w", name, err)
		}
		if copied > 0 {
			result.RetriesArchived = copied
			result.RetriesArchiveDir = backupDir
		}
	}

	if err := os.RemoveAll(sessionDir); err != nil {
		return CancelResult{}, fmt.Errorf("failed to remove session %s: %w", name, err)
	}
	result.SessionRemoved = true
	cleared, err := workspace.ReleaseLock(name)
	if err != nil {
		return result, err
	}
	result.LockCleared = cleared

	workspace.logger.Info("session cancelled",
		"session", name,
		"discarded", result.Discarded,
		"retries_archived", result.RetriesArchived,
	)
	return result, nil
}
