// Package docstore keeps planning entities as one JSON document per entity
// under <root>/<entity_type>/<entity_id>.json. It is the fallback backend and
// the mirror of the relational store.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/entity"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/fsutil"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/logging"
	"golang.org/x/sync/errgroup"
)

const (
	backendName   = "json"
	documentExt   = ".json"
	tempPrefix    = ".tmp-"
	documentPerms = 0o644
)

type Store struct {
	root   string
	mutex  sync.Mutex
	logger *slog.Logger

	// beforeRename runs between staging and publishing a batch. Tests use it
	// to fail a batch halfway.
	beforeRename func(path string) error
}

var _ entity.Backend = (*Store)(nil)

type Option func(*Store)

// WithLogger receives a warning for every document skipped while scanning.
func WithLogger(logger *slog.Logger) Option {
	return func(store *Store) {
		store.logger = logger
	}
}

func Open(root string, options ...Option) (*Store, error) {
	for _, entityType := range entity.Types() {
		if err := os.MkdirAll(filepath.Join(root, string(entityType)), 0o755); err != nil {
			return nil, entity.Unavailable("create document directory", err)
		}
	}
	store := &Store{root: root}
	for _, option := range options {
		option(store)
	}
	store.logger = logging.OrDefault(store.logger)
	return store, nil
}

func (store *Store) Name() string {
	return backendName
}

func (store *Store) Root() string {
	return store.root
}

func (store *Store) Close() error {
	return nil
}

func (store *Store) documentPath(entityType entity.Type, entityID string) string {
	return filepath.Join(store.root, string(entityType), entityID+documentExt)
}

func (store *Store) Get(ctx context.Context, entityType entity.Type, entityID string) (entity.Entity, error) {
	if err := entity.ValidateKey(entityType, entityID); err != nil {
		return entity.Entity{}, err
	}
	found, err := store.readDocument(entityType, entityID)
	if err != nil {
		return entity.Entity{}, err
	}
	if found.Children, err = store.childIDs(entityType, entityID); err != nil {
		return entity.Entity{}, err
	}
	return found, nil
}

func (store *Store) Update(ctx context.Context, args entity.UpdateArgs) (entity.Entity, error) {
	if err := args.Validate(); err != nil {
		return entity.Entity{}, err
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()

	var existing *entity.Entity
	current, err := store.readDocument(args.Type, args.ID)
	switch {
	case err == nil:
		existing = &current
	case errors.Is(err, entity.ErrNotFound):
	default:
		return entity.Entity{}, err
	}

	next, changed, err := args.Apply(existing, entity.Timestamp(time.Now()))
	if err != nil {
		return entity.Entity{}, err
	}
	// Children are read before the write so a failed scan never reports an
	// error for a document that was already saved.
	children, err := store.childIDs(args.Type, args.ID)
	if err != nil {
		return entity.Entity{}, err
	}
	if changed {
		if err := store.writeDocument(next); err != nil {
			return entity.Entity{}, err
		}
	}
	next.Children = children
	return next, nil
}

// Descendants walks level by level with a visited set, then orders the
// result by depth and id to match the relational backend.
func (store *Store) Descendants(ctx context.Context, entityType entity.Type, entityID string) ([]entity.Entity, error) {
	if err := entity.ValidateKey(entityType, entityID); err != nil {
		return nil, err
	}
	return store.descendants(ctx, entityType, entityID)
}

func (store *Store) descendants(ctx context.Context, entityType entity.Type, entityID string) ([]entity.Entity, error) {
	type visitKey struct {
		entityType entity.Type
		entityID   string
	}
	visited := map[visitKey]bool{{entityType, entityID}: true}
	depths := map[visitKey]int{}
	result := []entity.Entity{}

	frontier := map[string]bool{entityID: true}
	currentType := entityType
	for depth := 1; len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		childType, ok := currentType.ChildType()
		if !ok {
			break
		}
		level, broken, err := store.scanType(childType)
		if err != nil {
			return nil, err
		}
		for _, document := range broken {
			if !document.parentKnown || frontier[document.parentID] {
				return nil, document.err
			}
		}
		store.reportUnreadable(broken)
		next := map[string]bool{}
		for _, candidate := range level {
			key := visitKey{candidate.Type, candidate.ID}
			if !frontier[candidate.ParentID] || visited[key] {
				continue
			}
			visited[key] = true
			depths[key] = depth
			next[candidate.ID] = true
			result = append(result, candidate)
		}
		frontier = next
		currentType = childType
	}

	sort.SliceStable(result, func(left, right int) bool {
		leftDepth := depths[visitKey{result[left].Type, result[left].ID}]
		rightDepth := depths[visitKey{result[right].Type, result[right].ID}]
		if leftDepth != rightDepth {
			return leftDepth < rightDepth
		}
		return result[left].ID < result[right].ID
	})
	for index := range result {
		children, err := store.childIDs(result[index].Type, result[index].ID)
		if err != nil {
			return nil, err
		}
		result[index].Children = children
	}
	return result, nil
}

func (store *Store) Children(ctx context.Context, entityType entity.Type, entityID string) ([]entity.Entity, error) {
	if err := entity.ValidateKey(entityType, entityID); err != nil {
		return nil, err
	}
	childType, ok := entityType.ChildType()
	if !ok {
		return []entity.Entity{}, nil
	}
	level, broken, err := store.scanType(childType)
	if err != nil {
		return nil, err
	}
	store.reportUnreadable(broken)
	children := []entity.Entity{}
	for _, candidate := range level {
		if candidate.ParentID != entityID {
			continue
		}
		if candidate.Children, err = store.childIDs(candidate.Type, candidate.ID); err != nil {
			return nil, err
		}
		children = append(children, candidate)
	}
	return children, nil
}

// CascadeInvalidate stages every changed document before publishing any of
// them. A failure while publishing restores the documents already replaced,
// so callers see all of the cascade or none of it.
func (store *Store) CascadeInvalidate(ctx context.Context, entityType entity.Type, entityID string, reason string) ([]entity.Invalidation, error) {
	if err := entity.ValidateKey(entityType, entityID); err != nil {
		return nil, err
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()

	descendants, err := store.descendants(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}

	now := entity.Timestamp(time.Now())
	invalidations := make([]entity.Invalidation, 0, len(descendants))
	changed := make([]entity.Entity, 0, len(descendants))
	for _, descendant := range descendants {
		invalidation, ok := entity.Invalidate(descendant, reason, now)
		if !ok {
			continue
		}
		invalidations = append(invalidations, invalidation)
		changed = append(changed, invalidation.Entity)
	}

	if err := store.writeBatch(changed); err != nil {
		return nil, fmt.Errorf("%w: %w", entity.ErrTransactional, err)
	}
	return invalidations, nil
}

func (store *Store) List(ctx context.Context) ([]entity.Entity, error) {
	entities, problems := store.ListErrors(ctx)
	if len(problems) > 0 {
		return nil, problems[0]
	}
	sort.SliceStable(entities, func(left, right int) bool {
		if entities[left].Type != entities[right].Type {
			return entities[left].Type < entities[right].Type
		}
		return entities[left].ID < entities[right].ID
	})
	entity.AttachChildren(entities)
	return entities, nil
}

func (store *Store) Upsert(ctx context.Context, entities []entity.Entity) error {
	for _, record := range entities {
		if err := entity.ValidateKey(record.Type, record.ID); err != nil {
			return err
		}
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.writeBatch(entities)
}

// ListErrors loads every type directory concurrently and returns the
// readable documents together with one error per unreadable document
// instead of stopping at the first.
func (store *Store) ListErrors(ctx context.Context) ([]entity.Entity, []error) {
	types := entity.Types()
	levels := make([][]entity.Entity, len(types))
	failures := make([][]error, len(types))

	group, groupCtx := errgroup.WithContext(ctx)
	for index, entityType := range types {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				failures[index] = []error{err}
				return nil
			}
			level, broken, err := store.scanType(entityType)
			if err != nil {
				failures[index] = []error{err}
				return nil
			}
			levels[index] = level
			for _, document := range broken {
				failures[index] = append(failures[index], document.err)
			}
			return nil
		})
	}
	_ = group.Wait()

	entities := []entity.Entity{}
	var problems []error
	for index := range types {
		entities = append(entities, levels[index]...)
		problems = append(problems, failures[index]...)
	}
	return entities, problems
}

func (store *Store) readDocument(entityType entity.Type, entityID string) (entity.Entity, error) {
	path := store.documentPath(entityType, entityID)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entity.Entity{}, fmt.Errorf("%w: %s %s", entity.ErrNotFound, entityType, entityID)
		}
		return entity.Entity{}, entity.Unavailable("read document", err)
	}

	var found entity.Entity
	if err := json.Unmarshal(data, &found); err != nil {
		return entity.Entity{}, entity.Corruptedf("%s: %v", path, err)
	}
	if found.Type != entityType || found.ID != entityID {
		return entity.Entity{}, entity.Corruptedf("%s holds %s %s", path, found.Type, found.ID)
	}
	if _, err := entity.ParseStatus(string(found.Status)); err != nil {
		return entity.Entity{}, entity.Corruptedf("%s: %v", path, err)
	}
	found.Children = nil
	if len(found.Metadata) == 0 {
		found.Metadata = nil
	}
	return found, nil
}

func (store *Store) writeDocument(record entity.Entity) error {
	record.Children = nil
	if err := fsutil.WriteJSONAtomic(store.documentPath(record.Type, record.ID), record); err != nil {
		return entity.Unavailable("write document", err)
	}
	return nil
}

func (store *Store) documentNames(entityType entity.Type) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(store.root, string(entityType)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, entity.Unavailable("scan documents", err)
	}
	names := make([]string, 0, len(entries))
	for _, item := range entries {
		name := item.Name()
		if item.IsDir() || strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, documentExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(name, documentExt))
	}
	sort.Strings(names)
	return names, nil
}

// unreadableDocument is a document that failed to load. parentID is
// recovered when the file is valid JSON, so callers can tell whether the
// document could belong to the parent they are looking at.
type unreadableDocument struct {
	id          string
	parentID    string
	parentKnown bool
	err         error
}

// scanType reads every document of entityType. Corrupted documents are
// returned apart from the readable ones so one bad file does not hide the
// rest of the level.
func (store *Store) scanType(entityType entity.Type) ([]entity.Entity, []unreadableDocument, error) {
	names, err := store.documentNames(entityType)
	if err != nil {
		return nil, nil, err
	}
	level := make([]entity.Entity, 0, len(names))
	var broken []unreadableDocument
	for _, name := range names {
		found, err := store.readDocument(entityType, name)
		switch {
		case err == nil:
			level = append(level, found)
		case errors.Is(err, entity.ErrNotFound):
		case errors.Is(err, entity.ErrCorrupted):
			broken = append(broken, store.describeUnreadable(entityType, name, err))
		default:
			return nil, nil, err
		}
	}
	return level, broken, nil
}

func (store *Store) describeUnreadable(entityType entity.Type, entityID string, cause error) unreadableDocument {
	document := unreadableDocument{id: entityID, err: cause}
	data, err := os.ReadFile(store.documentPath(entityType, entityID))
	if err != nil {
		return document
	}
	var partial struct {
		ParentID string `json:"parent_id"`
	}
	if json.Unmarshal(data, &partial) == nil {
		document.parentID = partial.ParentID
		document.parentKnown = true
	}
	return document
}

func (store *Store) reportUnreadable(broken []unreadableDocument) {
	for _, document := range broken {
		store.logger.Warn("skipping unreadable entity document", "entity_id", document.id, "error", document.err)
	}
}

func (store *Store) childIDs(entityType entity.Type, entityID string) ([]string, error) {
	childType, ok := entityType.ChildType()
	if !ok {
		return nil, nil
	}
	level, broken, err := store.scanType(childType)
	if err != nil {
		return nil, err
	}
	for _, document := range broken {
		if !document.parentKnown || document.parentID == entityID {
			store.logger.Warn("child document unreadable", "entity_type", childType, "entity_id", document.id, "parent_id", entityID, "error", document.err)
		}
	}
	var ids []string
	for _, candidate := range level {
		if candidate.ParentID == entityID {
			ids = append(ids, candidate.ID)
		}
	}
	return ids, nil
}
