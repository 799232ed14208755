package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/fsutil"
)

const (
	RecordFileName = "session.json"
	RetriesDirName = "human-retries"

	WorkflowStateDirName  = "workflow-state"
	GenerationRunsDirName = "generation-runs"
	PlanningRunsDirName   = "planning-runs"
)

// sessionSubdirs are created with every session so writers can drop files
// without creating parents.
var sessionSubdirs = []string{
	"context",
	"acts",
	"artifacts",
	RetriesDirName,
	WorkflowStateDirName,
	GenerationRunsDirName,
	PlanningRunsDirName,
}

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusCrashed  Status = "crashed"
)

type ChangeType string

const (
	ChangeModified ChangeType = "modified"
	ChangeCreated  ChangeType = "created"
	ChangeDeleted  ChangeType = "deleted"
)

func ParseChangeType(value string) (ChangeType, error) {
	switch ChangeType(value) {
	case ChangeModified, ChangeCreated, ChangeDeleted:
		return ChangeType(value), nil
	}
	return "", invalidf("unknown change type %q", value)
}

type CowFile struct {
	Path       string     `json:"path"`
	ChangeType ChangeType `json:"change_type"`
	CopiedAt   string     `json:"copied_at"`
	UpdatedAt  string     `json:"updated_at,omitempty"`
	SizeBytes  int64      `json:"size_bytes"`
}

type Changes struct {
	Modified []string `json:"modified"`
	Created  []string `json:"created"`
	Deleted  []string `json:"deleted"`
}

type Retry struct {
	File         string `json:"file"`
	RetryNumber  int    `json:"retry_number"`
	Reason       string `json:"reason"`
	Timestamp    string `json:"timestamp"`
	AutoDetected bool   `json:"auto_detected"`
	ArchivedAs   string `json:"archived_as"`
}

type Stats struct {
	TotalFilesChanged int   `json:"total_files_changed"`
	TotalSizeBytes    int64 `json:"total_size_bytes"`
}

type Record struct {
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	CreatedAt    string    `json:"created_at"`
	CreatedBy    string    `json:"created_by,omitempty"`
	Status       Status    `json:"status"`
	CrashedAt    string    `json:"crashed_at,omitempty"`
	CowFiles     []CowFile `json:"cow_files"`
	Changes      Changes   `json:"changes"`
	HumanRetries []Retry   `json:"human_retries"`
	Stats        Stats     `json:"stats"`
}

func newRecord(name, description, createdAt, createdBy string) Record {
	return Record{
		Name:         name,
		Description:  description,
		CreatedAt:    createdAt,
		CreatedBy:    createdBy,
		Status:       StatusActive,
		CowFiles:     []CowFile{},
		Changes:      Changes{Modified: []string{}, Created: []string{}, Deleted: []string{}},
		HumanRetries: []Retry{},
	}
}

func (changes *Changes) bucket(changeType ChangeType) *[]string {
	switch changeType {
	case ChangeModified:
		return &changes.Modified
	case ChangeCreated:
		return &changes.Created
	default:
		return &changes.Deleted
	}
}

func (changes *Changes) remove(path string) {
	for _, changeType := range []ChangeType{ChangeModified, ChangeCreated, ChangeDeleted} {
		bucket := changes.bucket(changeType)
		kept := (*bucket)[:0]
		for _, tracked := range *bucket {
			if tracked != path {
				kept = append(kept, tracked)
			}
		}
		*bucket = kept
	}
}

// place puts path in exactly one bucket.
func (changes *Changes) place(path string, changeType ChangeType) {
	changes.remove(path)
	bucket := changes.bucket(changeType)
	*bucket = append(*bucket, path)
}

func (record *Record) findCowFile(path string) int {
	for index, file := range record.CowFiles {
		if file.Path == path {
			return index
		}
	}
	return -1
}

func (record *Record) tracked(changeType ChangeType) []CowFile {
	files := []CowFile{}
	for _, file := range record.CowFiles {
		if file.ChangeType == changeType {
			files = append(files, file)
		}
	}
	return files
}

func (workspace *Workspace) sessionDir(name string) string {
	return filepath.Join(workspace.sessionsDir, name)
}

func (workspace *Workspace) recordPath(name string) string {
	return filepath.Join(workspace.sessionDir(name), RecordFileName)
}

// loadRecord returns ErrNotFound when the session directory is missing and
// ErrCorrupted when the metadata cannot be trusted.
func (workspace *Workspace) loadRecord(name string) (Record, error) {
	if err := validateName(name); err != nil {
		return Record{}, err
	}
	if _, err := os.Stat(workspace.sessionDir(name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return Record{}, err
	}

	data, err := os.ReadFile(workspace.recordPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, corruptedf("%s has no %s", name, RecordFileName)
		}
		return Record{}, fmt.Errorf("failed to read session %s: %w", name, err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, corruptedf("%s: %v", name, err)
	}
	if record.Name != name {
		return Record{}, corruptedf("%s: metadata names session %q", name, record.Name)
	}
	switch record.Status {
	case StatusActive, StatusInactive, StatusCrashed:
	default:
		return Record{}, corruptedf("%s: unknown status %q", name, record.Status)
	}
	if record.CowFiles == nil {
		record.CowFiles = []CowFile{}
	}
	if record.HumanRetries == nil {
		record.HumanRetries = []Retry{}
	}
	for _, changeType := range []ChangeType{ChangeModified, ChangeCreated, ChangeDeleted} {
		if bucket := record.Changes.bucket(changeType); *bucket == nil {
			*bucket = []string{}
		}
	}
	return record, nil
}

func (workspace *Workspace) saveRecord(record Record) error {
	if err := fsutil.WriteJSONAtomic(workspace.recordPath(record.Name), record); err != nil {
		return fmt.Errorf("failed to save session %s: %w", record.Name, err)
	}
	return nil
}
