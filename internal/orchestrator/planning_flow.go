package orchestrator

import (
	"context"
	"errors"

	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/entity"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/planstate"
)

type entityKeyInput struct {
	EntityType entity.Type `json:"entity_type"`
	EntityID   string      `json:"entity_id"`
}

type entityUpdateInput struct {
	EntityType         entity.Type    `json:"entity_type"`
	EntityID           string         `json:"entity_id"`
	Status             entity.Status  `json:"status"`
	VersionHash        string         `json:"version_hash"`
	FilePath           string         `json:"file_path"`
	ParentID           string         `json:"parent_id"`
	ParentVersionHash  string         `json:"parent_version_hash"`
	InvalidationReason string         `json:"invalidation_reason"`
	Metadata           map[string]any `json:"metadata"`
}

func (input entityUpdateInput) args() entity.UpdateArgs {
	return entity.UpdateArgs{
		Type:               input.EntityType,
		ID:                 input.EntityID,
		Status:             input.Status,
		VersionHash:        input.VersionHash,
		FilePath:           input.FilePath,
		ParentID:           input.ParentID,
		ParentVersionHash:  input.ParentVersionHash,
		InvalidationReason: input.InvalidationReason,
		Metadata:           input.Metadata,
	}
}

type entityRecordVersionInput struct {
	EntityType entity.Type    `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	FilePath   string         `json:"file_path"`
	ParentID   string         `json:"parent_id"`
	Metadata   map[string]any `json:"metadata"`
	// Session reads the file through that session's copy. Empty means the
	// active session, if any.
	Session string `json:"session"`
	// Cascade invalidates descendants when the hash changed.
	Cascade bool `json:"cascade"`
}

type entityCascadeInput struct {
	EntityType entity.Type `json:"entity_type"`
	EntityID   string      `json:"entity_id"`
	Reason     string      `json:"reason"`
}

type entityHashFileInput struct {
	FilePath string `json:"file_path"`
	Session  string `json:"session"`
}

type stateSyncInput struct {
	Direction string `json:"direction"`
}

type recordVersionResponse struct {
	planstate.RecordVersionResult
	ResolvedPath string                   `json:"resolved_path"`
	Source       string                   `json:"source"`
	Cascade      *planstate.CascadeResult `json:"cascade,omitempty"`
}

func (service *Service) recordVersion(ctx context.Context, input entityRecordVersionInput) (recordVersionResponse, error) {
	resolution, err := service.workspace.Resolve(input.Session, input.FilePath)
	if err != nil {
		return recordVersionResponse{}, err
	}
	recorded, err := service.state.RecordVersion(ctx, planstate.RecordVersionArgs{
		Type:     input.EntityType,
		ID:       input.EntityID,
		FilePath: resolution.Path,
		HashPath: resolution.ResolvedPath,
		ParentID: input.ParentID,
		Metadata: input.Metadata,
	})
	if err != nil {
		return recordVersionResponse{}, err
	}

	response := recordVersionResponse{
		RecordVersionResult: recorded,
		ResolvedPath:        resolution.ResolvedPath,
		Source:              resolution.Source,
	}
	if input.Cascade && recorded.CascadeReason != "" {
		cascade := service.state.CascadeInvalidate(ctx, input.EntityType, input.EntityID, recorded.CascadeReason)
		response.Cascade = &cascade
	}
	return response, nil
}

type descendantsResponse struct {
	EntityType  entity.Type     `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Count       int             `json:"count"`
	Descendants []entity.Entity `json:"descendants"`
}

func (service *Service) descendants(ctx context.Context, input entityKeyInput) (descendantsResponse, error) {
	found, err := service.state.Descendants(ctx, input.EntityType, input.EntityID)
	if err != nil {
		return descendantsResponse{}, err
	}
	if found == nil {
		found = []entity.Entity{}
	}
	return descendantsResponse{
		EntityType:  input.EntityType,
		EntityID:    input.EntityID,
		Count:       len(found),
		Descendants: found,
	}, nil
}

// cascadeInvalidate returns rolled back cascades as a result with
// success=false. Input and lookup problems are returned as errors.
func (service *Service) cascadeInvalidate(ctx context.Context, input entityCascadeInput) (planstate.CascadeResult, error) {
	result := service.state.CascadeInvalidate(ctx, input.EntityType, input.EntityID, input.Reason)
	if result.Err != nil && !errors.Is(result.Err, entity.ErrTransactional) && !errors.Is(result.Err, entity.ErrBackendUnavailable) {
		return planstate.CascadeResult{}, result.Err
	}
	return result, nil
}

func (service *Service) hashFile(input entityHashFileInput) (map[string]any, error) {
	resolution, err := service.workspace.Resolve(input.Session, input.FilePath)
	if err != nil {
		return nil, err
	}
	hash, err := entity.HashFile(resolution.ResolvedPath)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"file_path":     resolution.Path,
		"resolved_path": resolution.ResolvedPath,
		"source":        resolution.Source,
		"version_hash":  hash,
	}, nil
}

// Sync reconciles the two backends in the given direction.
func (service *Service) Sync(ctx context.Context, direction string) (planstate.SyncResult, error) {
	switch direction {
	case planstate.DirectionJSONToDB, "":
		return service.state.SyncJSONToDB(ctx), nil
	case planstate.DirectionDBToJSON:
		return service.state.SyncDBToJSON(ctx), nil
	default:
		return planstate.SyncResult{}, entity.Invalidf("direction must be %s or %s, got %q", planstate.DirectionJSONToDB, planstate.DirectionDBToJSON, direction)
	}
}
