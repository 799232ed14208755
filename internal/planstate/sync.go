package planstate

import (
	"context"
	"time"

	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/entity"
)

const (
	DirectionJSONToDB = "json-to-db"
	DirectionDBToJSON = "db-to-json"
)

type SyncResult struct {
	Success        bool     `json:"success"`
	Direction      string   `json:"direction"`
	EntitiesSynced int      `json:"entities_synced"`
	Skipped        int      `json:"skipped"`
	Errors         []string `json:"errors"`
}

type documentLister interface {
	ListErrors(ctx context.Context) ([]entity.Entity, []error)
}

// SyncJSONToDB copies documents into the relational store where the
// relational row is missing or older. Unreadable documents are reported, not
// skipped silently.
func (manager *Manager) SyncJSONToDB(ctx context.Context) SyncResult {
	result := SyncResult{Direction: DirectionJSONToDB, Errors: []string{}}
	if manager.primary == nil {
		result.Errors = append(result.Errors, "relational backend is not open")
		return result
	}

	var documents []entity.Entity
	if lister, ok := manager.fallback.(documentLister); ok {
		var problems []error
		documents, problems = lister.ListErrors(ctx)
		for _, problem := range problems {
			result.Errors = append(result.Errors, problem.Error())
		}
	} else {
		listed, err := manager.fallback.List(ctx)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			return result
		}
		documents = listed
	}

	rows, err := manager.primary.List(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	current := make(map[string]entity.Entity, len(rows))
	for _, row := range rows {
		current[string(row.Type)+"/"+row.ID] = row
	}

	pending := make([]entity.Entity, 0, len(documents))
	for _, document := range documents {
		row, found := current[string(document.Type)+"/"+document.ID]
		if found && !newer(document.UpdatedAt, row.UpdatedAt) {
			result.Skipped++
			continue
		}
		pending = append(pending, document)
	}

	if len(pending) > 0 {
		if err := manager.primary.Upsert(ctx, pending); err != nil {
			result.Errors = append(result.Errors, err.Error())
			return result
		}
	}
	result.EntitiesSynced = len(pending)
	result.Success = len(result.Errors) == 0
	return result
}

// SyncDBToJSON rewrites the document store from the relational store.
func (manager *Manager) SyncDBToJSON(ctx context.Context) SyncResult {
	result := SyncResult{Direction: DirectionDBToJSON, Errors: []string{}}
	if manager.primary == nil {
		result.Errors = append(result.Errors, "relational backend is not open")
		return result
	}

	rows, err := manager.primary.List(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	if err := manager.fallback.Upsert(ctx, rows); err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	result.EntitiesSynced = len(rows)
	result.Success = true
	return result
}

// newer compares RFC 3339 timestamps by value; the textual form drops
// trailing zeros and does not sort lexically.
func newer(candidate, reference string) bool {
	candidateTime, candidateErr := time.Parse(time.RFC3339Nano, candidate)
	referenceTime, referenceErr := time.Parse(time.RFC3339Nano, reference)
	if candidateErr != nil || referenceErr != nil {
		return candidate > reference
	}
	return candidateTime.After(referenceTime)
}
