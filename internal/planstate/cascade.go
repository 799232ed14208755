package planstate

import (
	"context"
	"errors"
	"fmt"

	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/entity"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/metrics"
)

type CascadeResult struct {
	Success     bool                  `json:"success"`
	EntityType  entity.Type           `json:"entity_type"`
	EntityID    string                `json:"entity_id"`
	Reason      string                `json:"reason"`
	Count       int                   `json:"invalidated_count"`
	Invalidated []entity.Invalidation `json:"invalidated"`
	Backend     string                `json:"backend,omitempty"`
	Error       string                `json:"error,omitempty"`

	Err error `json:"-"`
}

type ChildrenStatus struct {
	EntityType entity.Type           `json:"entity_type"`
	EntityID   string                `json:"entity_id"`
	ChildType  entity.Type           `json:"child_type,omitempty"`
	Total      int                   `json:"total_children"`
	Counts     map[entity.Status]int `json:"status_counts"`
	Children   []entity.Entity       `json:"children"`
}

// CascadeInvalidate marks every transitive descendant that is not already
// invalid or awaiting revalidation. The result is all or nothing: on failure
// Success is false and Invalidated is empty.
func (manager *Manager) CascadeInvalidate(ctx context.Context, entityType entity.Type, entityID string, reason string) CascadeResult {
	result := CascadeResult{
		EntityType:  entityType,
		EntityID:    entityID,
		Reason:      reason,
		Invalidated: []entity.Invalidation{},
	}
	if reason == "" {
		result.Err = entity.Invalidf("reason is required")
		result.Error = result.Err.Error()
		return result
	}

	invalidated, backend, err := withFallback(manager, "cascade_invalidate", func(backend entity.Backend) ([]entity.Invalidation, error) {
		return backend.CascadeInvalidate(ctx, entityType, entityID, reason)
	})
	result.Backend = backend
	if err != nil {
		metrics.Cascades.WithLabelValues(backend, "failed").Inc()
		manager.logger.Error("cascade invalidation rolled back",
			"entity_type", entityType,
			"entity_id", entityID,
			"backend", backend,
			"error", err,
		)
		result.Err = err
		result.Error = err.Error()
		return result
	}

	result.Success = true
	result.Invalidated = invalidated
	result.Count = len(invalidated)
	metrics.Cascades.WithLabelValues(backend, "ok").Inc()
	metrics.EntitiesInvalidated.Add(float64(result.Count))

	if backend != manager.fallback.Name() {
		mirrored := make([]entity.Entity, 0, len(invalidated))
		for _, invalidation := range invalidated {
			mirrored = append(mirrored, invalidation.Entity)
		}
		manager.mirrorEntities(ctx, mirrored...)
	}
	manager.logger.Info("cascade invalidation finished",
		"entity_type", entityType,
		"entity_id", entityID,
		"reason", reason,
		"invalidated", result.Count,
		"backend", backend,
	)
	return result
}

func (manager *Manager) ChildrenStatus(ctx context.Context, entityType entity.Type, entityID string) (ChildrenStatus, error) {
	if err := entity.ValidateKey(entityType, entityID); err != nil {
		return ChildrenStatus{}, err
	}
	children, _, err := withFallback(manager, "children_status", func(backend entity.Backend) ([]entity.Entity, error) {
		return backend.Children(ctx, entityType, entityID)
	})
	if err != nil {
		return ChildrenStatus{}, err
	}

	status := ChildrenStatus{
		EntityType: entityType,
		EntityID:   entityID,
		Total:      len(children),
		Counts:     map[entity.Status]int{},
		Children:   children,
	}
	if childType, ok := entityType.ChildType(); ok {
		status.ChildType = childType
	}
	for _, known := range entity.Statuses() {
		status.Counts[known] = 0
	}
	for _, child := range children {
		status.Counts[child.Status]++
	}
	return status, nil
}

type RecordVersionArgs struct {
	Type     entity.Type
	ID       string
	FilePath string
	// HashPath is where the file is read from; FilePath is what gets stored.
	HashPath string
	ParentID string
	Metadata map[string]any
}

type RecordVersionResult struct {
	Entity       entity.Entity `json:"entity"`
	Created      bool          `json:"created"`
	HashChanged  bool          `json:"hash_changed"`
	PreviousHash string        `json:"previous_hash,omitempty"`
	// CascadeReason is set when the hash changed and the entity has
	// descendants that should be invalidated by the caller.
	CascadeReason string `json:"cascade_reason,omitempty"`
}

// RecordVersion hashes a planning file and stores the hash with the status
// preserved. New entities start as draft and remember the parent's current
// hash.
func (manager *Manager) RecordVersion(ctx context.Context, args RecordVersionArgs) (RecordVersionResult, error) {
	if err := entity.ValidateKey(args.Type, args.ID); err != nil {
		return RecordVersionResult{}, err
	}
	hashPath := args.HashPath
	if hashPath == "" {
		hashPath = args.FilePath
	}
	versionHash, err := entity.HashFile(hashPath)
	if err != nil {
		return RecordVersionResult{}, err
	}

	previous, err := manager.Get(ctx, args.Type, args.ID)
	created := false
	switch {
	case err == nil:
	case errors.Is(err, entity.ErrNotFound):
		created = true
	default:
		return RecordVersionResult{}, err
	}

	update := entity.UpdateArgs{
		Type:        args.Type,
		ID:          args.ID,
		VersionHash: versionHash,
		FilePath:    args.FilePath,
		ParentID:    args.ParentID,
		Metadata:    args.Metadata,
	}
	if created && args.ParentID != "" {
		if parentType, ok := args.Type.ParentType(); ok {
			parent, err := manager.Get(ctx, parentType, args.ParentID)
			switch {
			case err == nil:
				update.ParentVersionHash = parent.VersionHash
			case errors.Is(err, entity.ErrNotFound):
			default:
				return RecordVersionResult{}, err
			}
		}
	}

	updated, err := manager.Update(ctx, update)
	if err != nil {
		return RecordVersionResult{}, err
	}

	result := RecordVersionResult{
		Entity:  updated,
		Created: created,
	}
	if !created {
		result.PreviousHash = previous.VersionHash
		result.HashChanged = previous.VersionHash != versionHash
	}
	if result.HashChanged && len(updated.Children) > 0 {
		result.CascadeReason = fmt.Sprintf("parent_%s_modified", args.Type)
	}
	return result, nil
}
