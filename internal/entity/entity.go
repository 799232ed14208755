package entity

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("entity: not found")
	ErrCorrupted          = errors.New("entity: corrupted document")
	ErrBackendUnavailable = errors.New("entity: backend unavailable")
	ErrValidation         = errors.New("entity: validation failed")
	ErrTransactional      = errors.New("entity: transaction rolled back")
)

type Type string

const (
	TypeTop  Type = "top"
	TypeMid  Type = "mid"
	TypeLeaf Type = "leaf"
)

// childTypes is the only place the hierarchy depth is spelled out. Traversal
// code asks for the next level instead of assuming three.
var childTypes = map[Type]Type{
	TypeTop: TypeMid,
	TypeMid: TypeLeaf,
}

func Types() []Type {
	return []Type{TypeTop, TypeMid, TypeLeaf}
}

func ParseType(value string) (Type, error) {
	candidate := Type(strings.TrimSpace(value))
	for _, known := range Types() {
		if candidate == known {
			return candidate, nil
		}
	}
	return "", Invalidf("unknown entity_type %q", value)
}

func (entityType Type) ChildType() (Type, bool) {
	child, ok := childTypes[entityType]
	return child, ok
}

func (entityType Type) ParentType() (Type, bool) {
	for parent, child := range childTypes {
		if child == entityType {
			return parent, true
		}
	}
	return "", false
}

type Status string

const (
	StatusDraft                Status = "draft"
	StatusApproved             Status = "approved"
	StatusRequiresRevalidation Status = "requires-revalidation"
	StatusInvalid              Status = "invalid"
)

func Statuses() []Status {
	return []Status{StatusDraft, StatusApproved, StatusRequiresRevalidation, StatusInvalid}
}

func ParseStatus(value string) (Status, error) {
	candidate := Status(strings.TrimSpace(value))
	for _, known := range Statuses() {
		if candidate == known {
			return candidate, nil
		}
	}
	return "", Invalidf("unknown status %q", value)
}

// Settled reports whether cascade invalidation leaves the status alone.
func (status Status) Settled() bool {
	return status == StatusInvalid || status == StatusRequiresRevalidation
}

type Entity struct {
	Type                Type           `json:"entity_type"`
	ID                  string         `json:"entity_id"`
	Status              Status         `json:"status"`
	VersionHash         string         `json:"version_hash"`
	PreviousVersionHash string         `json:"previous_version_hash,omitempty"`
	FilePath            string         `json:"file_path"`
	ParentID            string         `json:"parent_id,omitempty"`
	ParentVersionHash   string         `json:"parent_version_hash,omitempty"`
	InvalidationReason  string         `json:"invalidation_reason,omitempty"`
	InvalidatedAt       string         `json:"invalidated_at,omitempty"`
	CreatedAt           string         `json:"created_at"`
	UpdatedAt           string         `json:"updated_at"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	Children            []string       `json:"children,omitempty"`
}

type Invalidation struct {
	Entity         Entity `json:"entity"`
	PreviousStatus Status `json:"previous_status"`
}

type UpdateArgs struct {
	Type               Type
	ID                 string
	Status             Status
	VersionHash        string
	FilePath           string
	ParentID           string
	ParentVersionHash  string
	InvalidationReason string
	Metadata           map[string]any
}

// Backend is implemented by every persistence layer. Implementations report
// connection, schema and I/O trouble wrapped in ErrBackendUnavailable so the
// caller can switch backends without inspecting driver errors.
type Backend interface {
	Name() string
	Get(ctx context.Context, entityType Type, entityID string) (Entity, error)
	Update(ctx context.Context, args UpdateArgs) (Entity, error)
	Descendants(ctx context.Context, entityType Type, entityID string) ([]Entity, error)
	Children(ctx context.Context, entityType Type, entityID string) ([]Entity, error)
	CascadeInvalidate(ctx context.Context, entityType Type, entityID string, reason string) ([]Invalidation, error)
	List(ctx context.Context) ([]Entity, error)
	Upsert(ctx context.Context, entities []Entity) error
	Close() error
}

func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Unavailable(operation string, err error) error {
	return fmt.Errorf("%s: %w: %w", operation, ErrBackendUnavailable, err)
}

func Corruptedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupted, fmt.Sprintf(format, args...))
}

func Timestamp(moment time.Time) string {
	return moment.UTC().Format(time.RFC3339Nano)
}

func ValidateKey(entityType Type, entityID string) error {
	if _, err := ParseType(string(entityType)); err != nil {
		return err
	}
	id := strings.TrimSpace(entityID)
	if id == "" {
		return Invalidf("entity_id is required")
	}
	if id != entityID {
		return Invalidf("entity_id %q has surrounding whitespace", entityID)
	}
	if len(id) > 200 {
		return Invalidf("entity_id exceeds 200 characters")
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return Invalidf("entity_id %q is not a safe document name", entityID)
	}
	return nil
}

func (args UpdateArgs) Validate() error {
	if err := ValidateKey(args.Type, args.ID); err != nil {
		return err
	}
	if args.Status != "" {
		if _, err := ParseStatus(string(args.Status)); err != nil {
			return err
		}
	}
	if strings.TrimSpace(args.VersionHash) == "" {
		return Invalidf("version_hash is required")
	}
	if strings.TrimSpace(args.FilePath) == "" {
		return Invalidf("file_path is required")
	}
	if _, hasParent := args.Type.ParentType(); !hasParent && args.ParentID != "" {
		return Invalidf("%s entities cannot have a parent", args.Type)
	}
	return nil
}

// Apply merges args into the stored entity (nil when absent) and reports
// whether anything changed. Both backends call it so they agree on every
// field.
func (args UpdateArgs) Apply(existing *Entity, now string) (Entity, bool, error) {
	if err := args.Validate(); err != nil {
		return Entity{}, false, err
	}

	if existing == nil {
		if _, hasParent := args.Type.ParentType(); hasParent && args.ParentID == "" {
			return Entity{}, false, Invalidf("%s entities require parent_id", args.Type)
		}
		status := args.Status
		if status == "" {
			status = StatusDraft
		}
		created := Entity{
			Type:               args.Type,
			ID:                 args.ID,
			Status:             status,
			VersionHash:        args.VersionHash,
			FilePath:           args.FilePath,
			ParentID:           args.ParentID,
			ParentVersionHash:  args.ParentVersionHash,
			InvalidationReason: args.InvalidationReason,
			CreatedAt:          now,
			UpdatedAt:          now,
			Metadata:           compactMetadata(args.Metadata),
		}
		if status == StatusRequiresRevalidation {
			created.InvalidatedAt = now
		}
		return created, true, nil
	}

	next := *existing
	next.Children = nil
	if args.Status != "" && args.Status != existing.Status {
		if existing.Status == StatusInvalid {
			return Entity{}, false, Invalidf("%s %s is invalid and cannot move to %s", args.Type, args.ID, args.Status)
		}
		next.Status = args.Status
	}
	if args.VersionHash != existing.VersionHash {
		next.PreviousVersionHash = existing.VersionHash
		next.VersionHash = args.VersionHash
	}
	next.FilePath = args.FilePath
	if args.ParentID != "" {
		next.ParentID = args.ParentID
	}
	if args.ParentVersionHash != "" {
		next.ParentVersionHash = args.ParentVersionHash
	}
	if next.Status == StatusRequiresRevalidation && existing.Status != StatusRequiresRevalidation {
		next.InvalidatedAt = now
	}
	switch {
	case args.InvalidationReason != "":
		next.InvalidationReason = args.InvalidationReason
	case !next.Status.Settled():
		next.InvalidationReason = ""
	}
	if args.Metadata != nil {
		next.Metadata = compactMetadata(args.Metadata)
	}

	previous := *existing
	previous.Children = nil
	if reflect.DeepEqual(next, previous) {
		return *existing, false, nil
	}
	next.UpdatedAt = now
	return next, true, nil
}

// Invalidate returns the cascade result for one descendant, or false when the
// descendant is already settled.
func Invalidate(current Entity, reason string, now string) (Invalidation, bool) {
	if current.Status.Settled() {
		return Invalidation{}, false
	}
	next := current
	next.Status = StatusRequiresRevalidation
	next.InvalidationReason = reason
	next.InvalidatedAt = now
	next.UpdatedAt = now
	return Invalidation{Entity: next, PreviousStatus: current.Status}, true
}

// compactMetadata maps an empty bag to nil so both backends store and return
// the same value.
func compactMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	return metadata
}

// AttachChildren fills each entity's Children from the parent links present
// in the slice.
func AttachChildren(entities []Entity) {
	index := make(map[Type]map[string]int, len(Types()))
	for position, record := range entities {
		if index[record.Type] == nil {
			index[record.Type] = map[string]int{}
		}
		index[record.Type][record.ID] = position
		entities[position].Children = nil
	}
	for _, record := range entities {
		parentType, ok := record.Type.ParentType()
		if !ok || record.ParentID == "" {
			continue
		}
		if position, found := index[parentType][record.ParentID]; found {
			entities[position].Children = append(entities[position].Children, record.ID)
		}
	}
	for position := range entities {
		sort.Strings(entities[position].Children)
	}
}
