package orchestrator

import (
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/session"
)

type sessionNameInput struct {
	Session string `json:"session"`
}

type sessionSwitchInput struct {
	Name  string `json:"name"`
	Force bool   `json:"force"`
}

type sessionPathInput struct {
	Session string `json:"session"`
	Path    string `json:"path"`
}

type sessionTrackInput struct {
	Session    string `json:"session"`
	Path       string `json:"path"`
	ChangeType string `json:"change_type"`
}

type sessionWriteInput struct {
	Session string `json:"session"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

type sessionRetryInput struct {
	Session      string `json:"session"`
	File         string `json:"file"`
	Reason       string `json:"reason"`
	AutoDetected bool   `json:"auto_detected"`
}

type sessionCommitInput struct {
	Session string `json:"session"`
	Force   bool   `json:"force"`
}

type sessionCancelInput struct {
	Session string `json:"session"`
	// BackupRetries defaults to true so human feedback survives a cancel.
	BackupRetries *bool `json:"backup_retries"`
}

func (input sessionCancelInput) backupRetries() bool {
	return input.BackupRetries == nil || *input.BackupRetries
}

type sessionListResponse struct {
	Active   string            `json:"active,omitempty"`
	Count    int               `json:"count"`
	Sessions []session.Summary `json:"sessions"`
}

func (service *Service) listSessions() (sessionListResponse, error) {
	summaries, err := service.workspace.List()
	if err != nil {
		return sessionListResponse{}, err
	}
	response := sessionListResponse{Count: len(summaries), Sessions: summaries}
	for _, summary := range summaries {
		if summary.Active {
			response.Active = summary.Name
		}
	}
	return response, nil
}

func (service *Service) track(input sessionTrackInput) (session.TrackResult, error) {
	changeType, err := session.ParseChangeType(input.ChangeType)
	if err != nil {
		return session.TrackResult{}, err
	}
	return service.workspace.Track(input.Session, input.Path, changeType)
}

type guardResponse struct {
	Session  string         `json:"session"`
	Writable bool           `json:"writable"`
	Status   session.Status `json:"status"`
}

func (service *Service) guard(input sessionNameInput) (guardResponse, error) {
	record, err := service.workspace.Guard(input.Session)
	if err != nil {
		return guardResponse{}, err
	}
	return guardResponse{Session: record.Name, Writable: true, Status: record.Status}, nil
}
