package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/config"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/entity"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/logging"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/metrics"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/planstate"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/session"
)

const (
	CodeNotFound        = "not_found"
	CodeCorrupted       = "corrupted"
	CodeValidation      = "validation"
	CodeTransactional   = "transactional"
	CodeCrashed         = "crashed"
	CodeLocked          = "locked"
	CodeNoActiveSession = "no_active_session"
	CodeAlreadyExists   = "already_exists"
	CodeInternal        = "internal"
)

var (
	ErrUnknownMethod = errors.New("unknown method")
	errInvalidParams = errors.New("invalid params")
)

type Service struct {
	config    *config.Config
	state     *planstate.Manager
	workspace *session.Workspace
	logger    *slog.Logger
}

type Option func(*serviceOptions)

type serviceOptions struct {
	logger   *slog.Logger
	ownerPID int
}

func WithLogger(logger *slog.Logger) Option {
	return func(options *serviceOptions) {
		options.logger = logger
	}
}

// WithOwnerPID makes pid the owner of session locks taken by this service.
func WithOwnerPID(pid int) Option {
	return func(options *serviceOptions) {
		options.ownerPID = pid
	}
}

func NewService(ctx context.Context, cfg *config.Config, options ...Option) (*Service, error) {
	resolved := serviceOptions{}
	for _, option := range options {
		option(&resolved)
	}
	logger := logging.OrDefault(resolved.logger)

	state, err := planstate.Open(ctx, planstate.Config{
		DBPath:           cfg.DBPath(),
		EntitiesDir:      cfg.EntitiesPath(),
		ReconcileOnStart: cfg.State.ReconcileOnStart,
		MirrorWrites:     cfg.State.MirrorWrites,
	}, logger)
	if err != nil {
		return nil, err
	}

	sessionOptions := []session.Option{session.WithLogger(logger)}
	if resolved.ownerPID > 0 {
		sessionOptions = append(sessionOptions, session.WithOwnerPID(resolved.ownerPID))
	}
	workspace, err := session.New(session.Config{
		Root:              cfg.Root,
		StateDir:          cfg.StatePath(),
		SessionsDir:       cfg.SessionsPath(),
		ArchiveDir:        cfg.ArchivePath(),
		PreviewSampleSize: cfg.Session.PreviewSampleSize,
	}, sessionOptions...)
	if err != nil {
		_ = state.Close()
		return nil, err
	}

	return &Service{
		config:    cfg,
		state:     state,
		workspace: workspace,
		logger:    logger,
	}, nil
}

func (service *Service) Close() error {
	return service.state.Close()
}

// State exposes the entity state manager for the sync command.
func (service *Service) State() *planstate.Manager {
	return service.state
}

func (service *Service) Handle(ctx context.Context, method string, rawParams json.RawMessage) (result any, err error) {
	started := time.Now()
	defer func() {
		label := method
		if errors.Is(err, ErrUnknownMethod) {
			label = metrics.UnknownMethod
		}
		metrics.ObserveMethod(label, started, err)
		if err != nil {
			service.logger.Debug("method failed", "method", method, "code", ErrorCode(err), "error", err)
		}
	}()

	switch method {
	case "workspace.init":
		return service.workspaceInit()
	case "entity.get":
		var input entityKeyInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.state.Get(ctx, input.EntityType, input.EntityID)
	case "entity.update":
		var input entityUpdateInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.state.Update(ctx, input.args())
	case "entity.record_version":
		var input entityRecordVersionInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.recordVersion(ctx, input)
	case "entity.descendants":
		var input entityKeyInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.descendants(ctx, input)
	case "entity.cascade_invalidate":
		var input entityCascadeInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.cascadeInvalidate(ctx, input)
	case "entity.children_status":
		var input entityKeyInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.state.ChildrenStatus(ctx, input.EntityType, input.EntityID)
	case "entity.hash_file":
		var input entityHashFileInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.hashFile(input)
	case "state.sync":
		var input stateSyncInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.Sync(ctx, input.Direction)
	case "session.create":
		var input session.CreateArgs
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.workspace.Create(input)
	case "session.active":
		return service.workspace.Active()
	case "session.list":
		return service.listSessions()
	case "session.switch":
		var input sessionSwitchInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.workspace.Switch(input.Name, input.Force)
	case "session.resolve":
		var input sessionPathInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.workspace.Resolve(input.Session, input.Path)
	case "session.track":
		var input sessionTrackInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.track(input)
	case "session.write":
		var input sessionWriteInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.workspace.Write(input.Session, input.Path, []byte(input.Content))
	case "session.delete":
		var input sessionPathInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.workspace.Delete(input.Session, input.Path)
	case "session.record_retry":
		var input sessionRetryInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.workspace.RecordRetry(input.Session, session.RetryArgs{
			File:         input.File,
			Reason:       input.Reason,
			AutoDetected: input.AutoDetected,
		})
	case "session.guard":
		var input sessionNameInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.guard(input)
	case "session.commit":
		var input sessionCommitInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.workspace.Commit(input.Session, input.Force)
	case "session.cancel":
		var input sessionCancelInput
		if err := decodeParams(rawParams, &input); err != nil {
			return nil, err
		}
		return service.workspace.Cancel(input.Session, input.backupRetries())
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}

func (service *Service) workspaceInit() (map[string]any, error) {
	result := map[string]any{
		"repo_path":    service.config.Root,
		"state_dir":    service.config.StatePath(),
		"db_path":      service.config.DBPath(),
		"entities_dir": service.config.EntitiesPath(),
		"sessions_dir": service.config.SessionsPath(),
		"archive_dir":  service.config.ArchivePath(),
		"backends":     service.state.Backends(),
	}
	active, err := service.workspace.Active()
	switch {
	case err == nil:
		result["active_session"] = active
	case errors.Is(err, session.ErrNoActiveSession):
		result["active_session"] = nil
	default:
		result["active_session_error"] = err.Error()
	}
	return result, nil
}

// ErrorCode maps an error to the stable code returned to MCP clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, entity.ErrNotFound), errors.Is(err, session.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, entity.ErrCorrupted), errors.Is(err, session.ErrCorrupted):
		return CodeCorrupted
	case errors.Is(err, entity.ErrValidation), errors.Is(err, session.ErrValidation),
		errors.Is(err, errInvalidParams), errors.Is(err, ErrUnknownMethod):
		return CodeValidation
	case errors.Is(err, entity.ErrTransactional):
		return CodeTransactional
	case errors.Is(err, session.ErrSessionCrashed):
		return CodeCrashed
	case errors.Is(err, session.ErrSessionLocked):
		return CodeLocked
	case errors.Is(err, session.ErrNoActiveSession):
		return CodeNoActiveSession
	case errors.Is(err, session.ErrAlreadyExists):
		return CodeAlreadyExists
	default:
		return CodeInternal
	}
}

func decodeParams(rawParams json.RawMessage, destination any) error {
	if len(rawParams) == 0 {
		rawParams = []byte("{}")
	}
	if err := json.Unmarshal(rawParams, destination); err != nil {
		return fmt.Errorf("%w: %w", errInvalidParams, err)
	}
	return nil
}
