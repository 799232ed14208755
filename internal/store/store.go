package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/entity"
	_ "modernc.org/sqlite"
)

const backendName = "sqlite"

type Store struct {
	database *sql.DB
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var _ entity.Backend = (*Store)(nil)

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, entity.Unavailable("create db directory", err)
	}

	database, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, entity.Unavailable("open sqlite db", err)
	}
	database.SetMaxOpenConns(1)

	store := &Store{
		database: database,
	}
	if err := store.migrate(context.Background()); err != nil {
		_ = database.Close()
		return nil, entity.Unavailable("migrate", err)
	}

	return store, nil
}

func (store *Store) Name() string {
	return backendName
}

func (store *Store) Close() error {
	return store.database.Close()
}

func (store *Store) migrate(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS planning_entities (
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			status TEXT NOT NULL,
			version_hash TEXT NOT NULL,
			previous_version_hash TEXT NULL,
			file_path TEXT NOT NULL,
			parent_id TEXT NULL,
			parent_version_hash TEXT NULL,
			invalidation_reason TEXT NULL,
			invalidated_at TEXT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		);`,
		`ALTER TABLE planning_entities ADD COLUMN metadata TEXT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_planning_entities_parent ON planning_entities(parent_id, entity_type);`,
		`CREATE INDEX IF NOT EXISTS idx_planning_entities_status ON planning_entities(status);`,
	}

	for _, statement := range statements {
		if _, err := store.database.ExecContext(ctx, statement); err != nil {
			if strings.Contains(statement, "ALTER TABLE") && strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (store *Store) Get(ctx context.Context, entityType entity.Type, entityID string) (entity.Entity, error) {
	if err := entity.ValidateKey(entityType, entityID); err != nil {
		return entity.Entity{}, err
	}
	found, err := getEntity(ctx, store.database, entityType, entityID)
	if err != nil {
		return entity.Entity{}, err
	}
	if found.Children, err = childIDs(ctx, store.database, entityType, entityID); err != nil {
		return entity.Entity{}, err
	}
	return found, nil
}

func (store *Store) Update(ctx context.Context, args entity.UpdateArgs) (entity.Entity, error) {
	if err := args.Validate(); err != nil {
		return entity.Entity{}, err
	}

	transaction, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return entity.Entity{}, entity.Unavailable("begin update", err)
	}
	defer transaction.Rollback()

	var existing *entity.Entity
	current, err := getEntity(ctx, transaction, args.Type, args.ID)
	switch {
	case err == nil:
		existing = &current
	case errors.Is(err, entity.ErrNotFound):
	default:
		return entity.Entity{}, err
	}

	next, changed, err := args.Apply(existing, nowTimestamp())
	if err != nil {
		return entity.Entity{}, err
	}
	if changed {
		if err := upsertEntityTx(ctx, transaction, next); err != nil {
			return entity.Entity{}, entity.Unavailable("write entity", err)
		}
	}
	if next.Children, err = childIDs(ctx, transaction, args.Type, args.ID); err != nil {
		return entity.Entity{}, err
	}
	if err := transaction.Commit(); err != nil {
		return entity.Entity{}, entity.Unavailable("commit update", err)
	}
	return next, nil
}

func (store *Store) Descendants(ctx context.Context, entityType entity.Type, entityID string) ([]entity.Entity, error) {
	if err := entity.ValidateKey(entityType, entityID); err != nil {
		return nil, err
	}
	descendants, err := descendantsOf(ctx, store.database, entityType, entityID)
	if err != nil {
		return nil, entity.Unavailable("query descendants", err)
	}
	return descendants, nil
}

func (store *Store) Children(ctx context.Context, entityType entity.Type, entityID string) ([]entity.Entity, error) {
	if err := entity.ValidateKey(entityType, entityID); err != nil {
		return nil, err
	}
	childType, ok := entityType.ChildType()
	if !ok {
		return []entity.Entity{}, nil
	}

	rows, err := store.database.QueryContext(
		ctx,
		`SELECT `+entityColumns("")+`
		 FROM planning_entities
		 WHERE parent_id = ? AND entity_type = ?
		 ORDER BY entity_id`,
		entityID,
		string(childType),
	)
	if err != nil {
		return nil, entity.Unavailable("query children", err)
	}
	children, err := scanEntities(rows)
	if err != nil {
		return nil, err
	}
	for index := range children {
		if children[index].Children, err = childIDs(ctx, store.database, children[index].Type, children[index].ID); err != nil {
			return nil, err
		}
	}
	return children, nil
}

// CascadeInvalidate flips every unsettled descendant inside one transaction.
// A failure after the transaction starts rolls back the whole set.
func (store *Store) CascadeInvalidate(ctx context.Context, entityType entity.Type, entityID string, reason string) ([]entity.Invalidation, error) {
	if err := entity.ValidateKey(entityType, entityID); err != nil {
		return nil, err
	}

	transaction, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return nil, entity.Unavailable("begin cascade", err)
	}
	defer transaction.Rollback()

	descendants, err := descendantsOf(ctx, transaction, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", entity.ErrTransactional, err)
	}

	now := nowTimestamp()
	invalidations := make([]entity.Invalidation, 0, len(descendants))
	for _, descendant := range descendants {
		invalidation, ok := entity.Invalidate(descendant, reason, now)
		if !ok {
			continue
		}
		_, err := transaction.ExecContext(
			ctx,
			`UPDATE planning_entities
			 SET status = ?, invalidation_reason = ?, invalidated_at = ?, updated_at = ?
			 WHERE entity_type = ? AND entity_id = ?`,
			string(invalidation.Entity.Status),
			invalidation.Entity.InvalidationReason,
			invalidation.Entity.InvalidatedAt,
			invalidation.Entity.UpdatedAt,
			string(descendant.Type),
			descendant.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: invalidate %s %s: %w", entity.ErrTransactional, descendant.Type, descendant.ID, err)
		}
		invalidations = append(invalidations, invalidation)
	}

	if err := transaction.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit cascade: %w", entity.ErrTransactional, err)
	}
	return invalidations, nil
}

func (store *Store) List(ctx context.Context) ([]entity.Entity, error) {
	rows, err := store.database.QueryContext(
		ctx,
		`SELECT `+entityColumns("")+`
		 FROM planning_entities
		 ORDER BY entity_type, entity_id`,
	)
	if err != nil {
		return nil, entity.Unavailable("list entities", err)
	}
	entities, err := scanEntities(rows)
	if err != nil {
		return nil, err
	}
	entity.AttachChildren(entities)
	return entities, nil
}

// Upsert writes entities verbatim, timestamps included. It is used by
// reconciliation, not by regular updates.
func (store *Store) Upsert(ctx context.Context, entities []entity.Entity) error {
	transaction, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return entity.Unavailable("begin upsert", err)
	}
	defer transaction.Rollback()

	for _, record := range entities {
		if err := entity.ValidateKey(record.Type, record.ID); err != nil {
			return err
		}
		if err := upsertEntityTx(ctx, transaction, record); err != nil {
			return entity.Unavailable(fmt.Sprintf("upsert %s %s", record.Type, record.ID), err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return entity.Unavailable("commit upsert", err)
	}
	return nil
}

func getEntity(ctx context.Context, source querier, entityType entity.Type, entityID string) (entity.Entity, error) {
	row := source.QueryRowContext(
		ctx,
		`SELECT `+entityColumns("")+`
		 FROM planning_entities
		 WHERE entity_type = ? AND entity_id = ?`,
		string(entityType),
		entityID,
	)
	found, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Entity{}, fmt.Errorf("%w: %s %s", entity.ErrNotFound, entityType, entityID)
	}
	if err != nil {
		if errors.Is(err, entity.ErrCorrupted) {
			return entity.Entity{}, err
		}
		return entity.Entity{}, entity.Unavailable("read entity", err)
	}
	return found, nil
}

func childIDs(ctx context.Context, source querier, entityType entity.Type, entityID string) ([]string, error) {
	childType, ok := entityType.ChildType()
	if !ok {
		return nil, nil
	}
	rows, err := source.QueryContext(
		ctx,
		`SELECT entity_id FROM planning_entities
		 WHERE parent_id = ? AND entity_type = ?
		 ORDER BY entity_id`,
		entityID,
		string(childType),
	)
	if err != nil {
		return nil, entity.Unavailable("query child ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, entity.Unavailable("scan child id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, entity.Unavailable("scan child ids", err)
	}
	return ids, nil
}

// descendantsOf walks the parent links with a recursive query. Each step
// only follows the next level of the type ladder and the depth is capped at
// the number of levels, so stray back-references cannot loop.
func descendantsOf(ctx context.Context, source querier, entityType entity.Type, entityID string) ([]entity.Entity, error) {
	childType, ok := entityType.ChildType()
	if !ok {
		return []entity.Entity{}, nil
	}

	query := `WITH RECURSIVE descendants(entity_type, entity_id, depth) AS (
			SELECT entity_type, entity_id, 1
			FROM planning_entities
			WHERE parent_id = ? AND entity_type = ?
			UNION
			SELECT child.entity_type, child.entity_id, descendants.depth + 1
			FROM planning_entities child
			JOIN descendants ON child.parent_id = descendants.entity_id
			WHERE child.entity_type = ` + childTypeCase("descendants.entity_type") + `
			  AND descendants.depth < ?
		)
		SELECT ` + entityColumns("e.") + `, MIN(descendants.depth) AS depth
		FROM descendants
		JOIN planning_entities e
		  ON e.entity_type = descendants.entity_type AND e.entity_id = descendants.entity_id
		GROUP BY e.entity_type, e.entity_id
		ORDER BY depth, e.entity_id`

	rows, err := source.QueryContext(ctx, query, entityID, string(childType), len(entity.Types()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	descendants := []entity.Entity{}
	for rows.Next() {
		var depth int
		found, err := scanEntityRow(rows, &depth)
		if err != nil {
			return nil, err
		}
		descendants = append(descendants, found)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for index := range descendants {
		if descendants[index].Children, err = childIDs(ctx, source, descendants[index].Type, descendants[index].ID); err != nil {
			return nil, err
		}
	}
	return descendants, nil
}

func childTypeCase(column string) string {
	var builder strings.Builder
	builder.WriteString("CASE ")
	builder.WriteString(column)
	for _, parentType := range entity.Types() {
		if childType, ok := parentType.ChildType(); ok {
			fmt.Fprintf(&builder, " WHEN '%s' THEN '%s'", parentType, childType)
		}
	}
	builder.WriteString(" END")
	return builder.String()
}

func upsertEntityTx(ctx context.Context, transaction *sql.Tx, record entity.Entity) error {
	metadata, err := nullableMetadata(record.Metadata)
	if err != nil {
		return err
	}
	_, err = transaction.ExecContext(
		ctx,
		`INSERT INTO planning_entities(entity_type, entity_id, status, version_hash, previous_version_hash, file_path, parent_id, parent_version_hash, invalidation_reason, invalidated_at, created_at, updated_at, metadata)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		   status = excluded.status,
		   version_hash = excluded.version_hash,
		   previous_version_hash = excluded.previous_version_hash,
		   file_path = excluded.file_path,
		   parent_id = excluded.parent_id,
		   parent_version_hash = excluded.parent_version_hash,
		   invalidation_reason = excluded.invalidation_reason,
		   invalidated_at = excluded.invalidated_at,
		   created_at = excluded.created_at,
		   updated_at = excluded.updated_at,
		   metadata = excluded.metadata`,
		string(record.Type),
		record.ID,
		string(record.Status),
		record.VersionHash,
		nullableText(record.PreviousVersionHash),
		record.FilePath,
		nullableText(record.ParentID),
		nullableText(record.ParentVersionHash),
		nullableText(record.InvalidationReason),
		nullableText(record.InvalidatedAt),
		record.CreatedAt,
		record.UpdatedAt,
		metadata,
	)
	return err
}

func nowTimestamp() string {
	return entity.Timestamp(time.Now())
}

func nullableText(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableMetadata(metadata map[string]any) (any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return string(encoded), nil
}

func entityColumns(prefix string) string {
	columns := []string{
		"entity_type", "entity_id", "status", "version_hash", "previous_version_hash",
		"file_path", "parent_id", "parent_version_hash", "invalidation_reason",
		"invalidated_at", "created_at", "updated_at", "metadata",
	}
	for index := range columns {
		columns[index] = prefix + columns[index]
	}
	return strings.Join(columns, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntities(rows *sql.Rows) ([]entity.Entity, error) {
	defer rows.Close()
	entities := []entity.Entity{}
	for rows.Next() {
		found, err := scanEntity(rows)
		if err != nil {
			if errors.Is(err, entity.ErrCorrupted) {
				return nil, err
			}
			return nil, entity.Unavailable("scan entity", err)
		}
		entities = append(entities, found)
	}
	if err := rows.Err(); err != nil {
		return nil, entity.Unavailable("scan entities", err)
	}
	sort.SliceStable(entities, func(left, right int) bool {
		if entities[left].Type != entities[right].Type {
			return entities[left].Type < entities[right].Type
		}
		return entities[left].ID < entities[right].ID
	})
	return entities, nil
}

func scanEntity(scanner rowScanner) (entity.Entity, error) {
	return scanEntityRow(scanner)
}

func scanEntityRow(scanner rowScanner, extra ...any) (entity.Entity, error) {
	var record entity.Entity
	var entityType string
	var status string
	var previousVersionHash sql.NullString
	var parentID sql.NullString
	var parentVersionHash sql.NullString
	var invalidationReason sql.NullString
	var invalidatedAt sql.NullString
	var metadata sql.NullString

	destinations := []any{
		&entityType,
		&record.ID,
		&status,
		&record.VersionHash,
		&previousVersionHash,
		&record.FilePath,
		&parentID,
		&parentVersionHash,
		&invalidationReason,
		&invalidatedAt,
		&record.CreatedAt,
		&record.UpdatedAt,
		&metadata,
	}
	if err := scanner.Scan(append(destinations, extra...)...); err != nil {
		return entity.Entity{}, err
	}

	parsedType, err := entity.ParseType(entityType)
	if err != nil {
		return entity.Entity{}, entity.Corruptedf("row %s/%s has entity_type %q", entityType, record.ID, entityType)
	}
	parsedStatus, err := entity.ParseStatus(status)
	if err != nil {
		return entity.Entity{}, entity.Corruptedf("row %s/%s has status %q", entityType, record.ID, status)
	}
	record.Type = parsedType
	record.Status = parsedStatus
	record.PreviousVersionHash = previousVersionHash.String
	record.ParentID = parentID.String
	record.ParentVersionHash = parentVersionHash.String
	record.InvalidationReason = invalidationReason.String
	record.InvalidatedAt = invalidatedAt.String
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &record.Metadata); err != nil {
			return entity.Entity{}, entity.Corruptedf("row %s/%s metadata: %v", entityType, record.ID, err)
		}
		if len(record.Metadata) == 0 {
			record.Metadata = nil
		}
	}
	return record, nil
}
