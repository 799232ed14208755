// Package planstate is the single entry point to planning entity state. It
// puts the relational store in front and falls back to the JSON document
// store whenever the relational store reports itself unavailable.
package planstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/docstore"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/entity"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/logging"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/metrics"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/store"
)

type Config struct {
	DBPath           string
	EntitiesDir      string
	ReconcileOnStart bool
	MirrorWrites     bool
}

type Manager struct {
	primary  entity.Backend
	fallback entity.Backend
	mirror   bool
	logger   *slog.Logger
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(manager *Manager) {
		manager.logger = logger
	}
}

// WithMirrorWrites copies every successful relational write into the
// fallback backend so reads stay current during an outage.
func WithMirrorWrites(enabled bool) Option {
	return func(manager *Manager) {
		manager.mirror = enabled
	}
}

// NewManager wires the two backends. primary may be nil, in which case every
// call goes to fallback.
func NewManager(primary, fallback entity.Backend, options ...Option) *Manager {
	manager := &Manager{
		primary:  primary,
		fallback: fallback,
	}
	for _, option := range options {
		option(manager)
	}
	manager.logger = logging.OrDefault(manager.logger)
	return manager
}

// Open opens both backends from config. A relational store that cannot be
// opened is logged and skipped; the document store must open.
func Open(ctx context.Context, config Config, logger *slog.Logger) (*Manager, error) {
	logger = logging.OrDefault(logger)

	documents, err := docstore.Open(config.EntitiesDir, docstore.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}

	var primary entity.Backend
	relational, err := store.Open(config.DBPath)
	if err != nil {
		logger.Warn("relational store unavailable, using document store only", "db_path", config.DBPath, "error", err)
	} else {
		primary = relational
	}

	manager := NewManager(primary, documents, WithLogger(logger), WithMirrorWrites(config.MirrorWrites))
	if config.ReconcileOnStart && primary != nil {
		result := manager.SyncJSONToDB(ctx)
		if !result.Success {
			logger.Warn("startup reconciliation incomplete", "synced", result.EntitiesSynced, "errors", result.Errors)
		} else if result.EntitiesSynced > 0 {
			logger.Info("startup reconciliation repaired drift", "synced", result.EntitiesSynced)
		}
	}
	return manager, nil
}

func (manager *Manager) Close() error {
	var problems []error
	if manager.primary != nil {
		problems = append(problems, manager.primary.Close())
	}
	problems = append(problems, manager.fallback.Close())
	return errors.Join(problems...)
}

// Backends names the open backends in the order they are tried.
func (manager *Manager) Backends() []string {
	names := []string{}
	if manager.primary != nil {
		names = append(names, manager.primary.Name())
	}
	return append(names, manager.fallback.Name())
}

// withFallback runs call on the primary backend and retries on the fallback
// only when the primary reports ErrBackendUnavailable. Every other error,
// including ErrCorrupted, is returned as is.
func withFallback[T any](manager *Manager, operation string, call func(entity.Backend) (T, error)) (T, string, error) {
	if manager.primary != nil {
		result, err := call(manager.primary)
		if err == nil || !errors.Is(err, entity.ErrBackendUnavailable) {
			return result, manager.primary.Name(), err
		}
		metrics.BackendFallbacks.WithLabelValues(operation).Inc()
		manager.logger.Warn("primary backend failed, falling back",
			"operation", operation,
			"backend", manager.fallback.Name(),
			"error", err,
		)
	}
	result, err := call(manager.fallback)
	return result, manager.fallback.Name(), err
}

func (manager *Manager) Get(ctx context.Context, entityType entity.Type, entityID string) (entity.Entity, error) {
	found, _, err := withFallback(manager, "get", func(backend entity.Backend) (entity.Entity, error) {
		return backend.Get(ctx, entityType, entityID)
	})
	return found, err
}

func (manager *Manager) Update(ctx context.Context, args entity.UpdateArgs) (entity.Entity, error) {
	if err := args.Validate(); err != nil {
		return entity.Entity{}, err
	}
	updated, backend, err := withFallback(manager, "update", func(backend entity.Backend) (entity.Entity, error) {
		return backend.Update(ctx, args)
	})
	if err != nil {
		return entity.Entity{}, err
	}
	if backend != manager.fallback.Name() {
		manager.mirrorEntities(ctx, updated)
	}
	manager.logger.Debug("entity updated",
		"entity_type", updated.Type,
		"entity_id", updated.ID,
		"status", updated.Status,
		"backend", backend,
	)
	return updated, nil
}

func (manager *Manager) Descendants(ctx context.Context, entityType entity.Type, entityID string) ([]entity.Entity, error) {
	descendants, _, err := withFallback(manager, "descendants", func(backend entity.Backend) ([]entity.Entity, error) {
		return backend.Descendants(ctx, entityType, entityID)
	})
	return descendants, err
}

func (manager *Manager) mirrorEntities(ctx context.Context, entities ...entity.Entity) {
	if !manager.mirror || len(entities) == 0 {
		return
	}
	if err := manager.fallback.Upsert(ctx, entities); err != nil {
		metrics.MirrorFailures.Inc()
		manager.logger.Warn("failed to mirror entities to document store", "count", len(entities), "error", err)
	}
}
