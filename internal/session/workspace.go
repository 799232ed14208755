// Package session implements copy-on-write sessions over a shared file tree.
// Each session keeps private copies of the files it touches under
// <sessions>/<name>/, tracks how every path changed in session.json, and is
// either committed into the shared tree or cancelled.
package session

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/logging"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/metrics"
	"github.com/dustin/go-humanize"
)

const defaultPreviewSamples = 5

type Config struct {
	// Root is the shared tree sessions overlay.
	Root string
	// StateDir holds the lock file. Paths under it are never tracked.
	StateDir          string
	SessionsDir       string
	ArchiveDir        string
	PreviewSampleSize int
}

type Workspace struct {
	root        string
	stateDir    string
	sessionsDir string
	archiveDir  string
	lockPath    string
	sampleSize  int

	ownerPID int
	hostname string
	user     string
	now      func() time.Time
	logger   *slog.Logger

	// mutex serialises read-modify-write of session records within a
	// process; across processes the atomic rename is what readers rely on.
	mutex sync.Mutex
}

type Option func(*Workspace)

func WithLogger(logger *slog.Logger) Option {
	return func(workspace *Workspace) {
		workspace.logger = logger
	}
}

// WithOwnerPID records pid as the lock owner instead of the current process.
// Short-lived CLI invocations pass their parent so the lock outlives them.
func WithOwnerPID(pid int) Option {
	return func(workspace *Workspace) {
		workspace.ownerPID = pid
	}
}

func WithClock(now func() time.Time) Option {
	return func(workspace *Workspace) {
		workspace.now = now
	}
}

func New(config Config, options ...Option) (*Workspace, error) {
	if strings.TrimSpace(config.Root) == "" {
		return nil, errors.New("workspace root is required")
	}
	root, err := filepath.Abs(config.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	stateDir := absUnder(root, config.StateDir, ".planning-state")
	workspace := &Workspace{
		root:        root,
		stateDir:    stateDir,
		sessionsDir: absUnder(root, config.SessionsDir, filepath.Join(stateDir, "sessions")),
		archiveDir:  absUnder(root, config.ArchiveDir, filepath.Join(stateDir, "archive")),
		lockPath:    filepath.Join(stateDir, LockFileName),
		sampleSize:  config.PreviewSampleSize,
		ownerPID:    os.Getpid(),
		now:         time.Now,
	}
	if workspace.sampleSize <= 0 {
		workspace.sampleSize = defaultPreviewSamples
	}
	workspace.hostname, _ = os.Hostname()
	if current, err := user.Current(); err == nil {
		workspace.user = current.Username
	} else {
		workspace.user = os.Getenv("USER")
	}
	for _, option := range options {
		option(workspace)
	}
	workspace.logger = logging.OrDefault(workspace.logger)

	for _, dir := range []string{workspace.stateDir, workspace.sessionsDir, workspace.archiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return workspace, nil
}

func absUnder(root, value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		value = fallback
	}
	if filepath.IsAbs(value) {
		return filepath.Clean(value)
	}
	return filepath.Join(root, value)
}

func (workspace *Workspace) Root() string {
	return workspace.root
}

func (workspace *Workspace) timestamp() string {
	return workspace.now().UTC().Format(time.RFC3339Nano)
}

// normalizePath turns a caller path into a slash-separated path relative to
// the shared root. Paths outside the root, inside the state directory or
// colliding with session metadata are rejected.
func (workspace *Workspace) normalizePath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", invalidf("path is required")
	}
	if filepath.IsAbs(trimmed) {
		relative, err := filepath.Rel(workspace.root, trimmed)
		if err != nil {
			return "", invalidf("path %q is outside the workspace", path)
		}
		trimmed = relative
	}
	cleaned := filepath.Clean(filepath.FromSlash(trimmed))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", invalidf("path %q is outside the workspace", path)
	}
	absolute := filepath.Join(workspace.root, cleaned)
	for _, reserved := range []string{workspace.stateDir, workspace.sessionsDir, workspace.archiveDir} {
		if absolute == reserved || strings.HasPrefix(absolute, reserved+string(filepath.Separator)) {
			return "", invalidf("path %q is inside the session state directory", path)
		}
	}
	relative := filepath.ToSlash(cleaned)
	top := strings.SplitN(relative, "/", 2)[0]
	if top == RecordFileName || top == RetriesDirName {
		return "", invalidf("path %q collides with session metadata", path)
	}
	return relative, nil
}

func (workspace *Workspace) globalPath(relative string) string {
	return filepath.Join(workspace.root, filepath.FromSlash(relative))
}

func (workspace *Workspace) sessionPath(name, relative string) string {
	return filepath.Join(workspace.sessionDir(name), filepath.FromSlash(relative))
}

// activeName resolves an empty name to the session named by the lock.
func (workspace *Workspace) activeName(name string) (string, error) {
	if name != "" {
		return name, validateName(name)
	}
	lock, err := workspace.InspectLock()
	if err != nil {
		return "", err
	}
	return lock.Active, nil
}

type Summary struct {
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	CreatedAt      string `json:"created_at,omitempty"`
	Status         Status `json:"status"`
	Active         bool   `json:"active"`
	FilesChanged   int    `json:"files_changed"`
	Modified       int    `json:"modified"`
	Created        int    `json:"created"`
	Deleted        int    `json:"deleted"`
	HumanRetries   int    `json:"human_retries"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
	TotalSizeHuman string `json:"total_size_human"`
	Path           string `json:"path"`
	Corrupted      bool   `json:"corrupted,omitempty"`
	Error          string `json:"error,omitempty"`
}

func (workspace *Workspace) summarize(record Record, active bool) Summary {
	status := record.Status
	if status != StatusCrashed {
		status = StatusInactive
		if active {
			status = StatusActive
		}
	}
	return Summary{
		Name:           record.Name,
		Description:    record.Description,
		CreatedAt:      record.CreatedAt,
		Status:         status,
		Active:         active,
		FilesChanged:   record.Stats.TotalFilesChanged,
		Modified:       len(record.Changes.Modified),
		Created:        len(record.Changes.Created),
		Deleted:        len(record.Changes.Deleted),
		HumanRetries:   len(record.HumanRetries),
		TotalSizeBytes: record.Stats.TotalSizeBytes,
		TotalSizeHuman: humanize.IBytes(uint64(max(record.Stats.TotalSizeBytes, 0))),
		Path:           workspace.sessionDir(record.Name),
	}
}

// Create makes a new session and points the lock at it. The previously
// active session stays on disk as inactive.
func (workspace *Workspace) Create(args CreateArgs) (Summary, error) {
	if err := validateStruct(args); err != nil {
		return Summary{}, err
	}

	workspace.mutex.Lock()
	defer workspace.mutex.Unlock()

	dir := workspace.sessionDir(args.Name)
	if _, err := os.Stat(dir); err == nil {
		return Summary{}, fmt.Errorf("%w: %s", ErrAlreadyExists, args.Name)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Summary{}, err
	}

	for _, subdir := range sessionSubdirs {
		if err := os.MkdirAll(filepath.Join(dir, subdir), 0o755); err != nil {
			_ = os.RemoveAll(dir)
			return Summary{}, fmt.Errorf("failed to create session directory: %w", err)
		}
	}
	record := newRecord(args.Name, args.Description, workspace.timestamp(), workspace.user)
	if err := workspace.saveRecord(record); err != nil {
		_ = os.RemoveAll(dir)
		return Summary{}, err
	}

	previous, _ := workspace.InspectLock()
	if _, err := workspace.AcquireLock(args.Name, args.Force); err != nil {
		_ = os.RemoveAll(dir)
		return Summary{}, err
	}
	workspace.deactivate(previous.Active, args.Name)

	workspace.logger.Info("session created", "session", args.Name, "path", dir)
	return workspace.summarize(record, true), nil
}

// deactivate marks the previously active record inactive. Failures only
// leave a stale status, which summaries correct from the lock.
func (workspace *Workspace) deactivate(previous, current string) {
	if previous == "" || previous == current {
		return
	}
	record, err := workspace.loadRecord(previous)
	if err != nil || record.Status != StatusActive {
		return
	}
	record.Status = StatusInactive
	if err := workspace.saveRecord(record); err != nil {
		workspace.logger.Warn("failed to mark session inactive", "session", previous, "error", err)
	}
}

func (workspace *Workspace) Active() (Summary, error) {
	lock, err := workspace.InspectLock()
	if err != nil {
		return Summary{}, err
	}
	record, err := workspace.loadRecord(lock.Active)
	if err != nil {
		return Summary{}, err
	}
	return workspace.summarize(record, true), nil
}

// List returns every session, newest first. Sessions whose metadata cannot
// be read are listed as crashed with the error attached.
func (workspace *Workspace) List() ([]Summary, error) {
	entries, err := os.ReadDir(workspace.sessionsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Summary{}, nil
		}
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	activeName := ""
	if lock, err := workspace.InspectLock(); err == nil {
		activeName = lock.Active
	}

	summaries := []Summary{}
	for _, item := range entries {
		if !item.IsDir() || validateName(item.Name()) != nil {
			continue
		}
		record, err := workspace.loadRecord(item.Name())
		if err != nil {
			summaries = append(summaries, Summary{
				Name:      item.Name(),
				Status:    StatusCrashed,
				Active:    item.Name() == activeName,
				Path:      workspace.sessionDir(item.Name()),
				Corrupted: errors.Is(err, ErrCorrupted),
				Error:     err.Error(),
			})
			continue
		}
		summaries = append(summaries, workspace.summarize(record, record.Name == activeName))
	}

	sort.SliceStable(summaries, func(left, right int) bool {
		leftTime, _ := time.Parse(time.RFC3339Nano, summaries[left].CreatedAt)
		rightTime, _ := time.Parse(time.RFC3339Nano, summaries[right].CreatedAt)
		if !leftTime.Equal(rightTime) {
			return leftTime.After(rightTime)
		}
		return summaries[left].Name < summaries[right].Name
	})
	return summaries, nil
}

// Switch makes name the active session. Crashed and corrupted sessions
// cannot be resumed.
func (workspace *Workspace) Switch(name string, force bool) (Summary, error) {
	workspace.mutex.Lock()
	defer workspace.mutex.Unlock()

	record, err := workspace.loadRecord(name)
	if err != nil {
		return Summary{}, err
	}
	if record.Status == StatusCrashed {
		return Summary{}, fmt.Errorf("%w: %s", ErrSessionCrashed, name)
	}

	previous, _ := workspace.InspectLock()
	if _, err := workspace.AcquireLock(name, force); err != nil {
		return Summary{}, err
	}
	if record.Status != StatusActive {
		record.Status = StatusActive
		if err := workspace.saveRecord(record); err != nil {
			return Summary{}, err
		}
	}
	workspace.deactivate(previous.Active, name)

	workspace.logger.Info("session switched", "session", name, "previous", previous.Active)
	return workspace.summarize(record, true), nil
}

// Guard returns the session record if writes are allowed. When the lock
// owner of the active session has died the session is flipped to crashed.
func (workspace *Workspace) Guard(name string) (Record, error) {
	workspace.mutex.Lock()
	defer workspace.mutex.Unlock()
	return workspace.guardLocked(name)
}

func (workspace *Workspace) guardLocked(name string) (Record, error) {
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

	// Only the session named by the lock accepts writes; an inactive one
	// has no owner whose liveness could be checked.
	lock, err := workspace.InspectLock()
	if err != nil {
		if errors.Is(err, ErrNoActiveSession) {
			return Record{}, fmt.Errorf("%w: %s must be switched to before writing", ErrNoActiveSession, name)
		}
		return Record{}, err
	}
	if lock.Active != name {
		return Record{}, fmt.Errorf("%w: %s is inactive while %s holds the lock; switch to it first", ErrSessionLocked, name, lock.Active)
	}
	if lock.PID <= 0 || (lock.Hostname != "" && lock.Hostname != workspace.hostname) || isProcessAlive(lock.PID) {
		return record, nil
	}

	record.Status = StatusCrashed
	record.CrashedAt = workspace.timestamp()
	if err := workspace.saveRecord(record); err != nil {
		return Record{}, err
	}
	metrics.SessionsCrashed.Inc()
	workspace.logger.Error("session owner is gone, session marked crashed",
		"session", name,
		"pid", lock.PID,
	)
	return Record{}, fmt.Errorf("%w: %s (owner PID %d is not running)", ErrSessionCrashed, name, lock.PID)
}
