package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/config"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/entity"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/metrics"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/planstate"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/session"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	repoPath := t.TempDir()
	cfg, err := config.Load(config.LoadOptions{Repo: repoPath})
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	service, err := NewService(context.Background(), cfg, WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	t.Cleanup(func() { _ = service.Close() })
	return service, repoPath
}

func call[T any](t *testing.T, service *Service, method string, params any) T {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("failed to encode params: %v", err)
	}
	result, err := service.Handle(context.Background(), method, raw)
	if err != nil {
		t.Fatalf("%s failed: %v", method, err)
	}
	typed, ok := result.(T)
	if !ok {
		t.Fatalf("%s returned %T", method, result)
	}
	return typed
}

func writeRepoFile(t *testing.T, repoPath, relative, content string) {
	t.Helper()
	path := filepath.Join(repoPath, filepath.FromSlash(relative))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", relative, err)
	}
}

func TestRecordVersionCascadesWhenTopChanges(t *testing.T) {
	service, repoPath := newTestService(t)
	writeRepoFile(t, repoPath, "plan/book.md", "book v1")
	writeRepoFile(t, repoPath, "plan/act-1.md", "act one")
	writeRepoFile(t, repoPath, "plan/act-1/scene-1.md", "scene one")

	top := call[recordVersionResponse](t, service, "entity.record_version", map[string]any{
		"entity_type": "top", "entity_id": "book", "file_path": "plan/book.md",
	})
	if !top.Created || top.Entity.Status != entity.StatusDraft {
		t.Fatalf("expected new draft top entity, got %+v", top.RecordVersionResult)
	}
	if top.Entity.VersionHash != entity.HashBytes([]byte("book v1")) {
		t.Fatalf("expected hash of file content, got %s", top.Entity.VersionHash)
	}

	mid := call[recordVersionResponse](t, service, "entity.record_version", map[string]any{
		"entity_type": "mid", "entity_id": "act-1", "file_path": "plan/act-1.md", "parent_id": "book",
	})
	if mid.Entity.ParentVersionHash != top.Entity.VersionHash {
		t.Fatalf("expected parent hash %s, got %s", top.Entity.VersionHash, mid.Entity.ParentVersionHash)
	}
	call[recordVersionResponse](t, service, "entity.record_version", map[string]any{
		"entity_type": "leaf", "entity_id": "scene-1", "file_path": "plan/act-1/scene-1.md", "parent_id": "act-1",
	})
	call[entity.Entity](t, service, "entity.update", map[string]any{
		"entity_type": "mid", "entity_id": "act-1", "status": "approved",
		"version_hash": mid.Entity.VersionHash, "file_path": "plan/act-1.md",
	})

	writeRepoFile(t, repoPath, "plan/book.md", "book v2")
	changed := call[recordVersionResponse](t, service, "entity.record_version", map[string]any{
		"entity_type": "top", "entity_id": "book", "file_path": "plan/book.md", "cascade": true,
	})
	if !changed.HashChanged || changed.CascadeReason != "parent_top_modified" {
		t.Fatalf("expected hash change with cascade reason, got %+v", changed.RecordVersionResult)
	}
	if changed.Entity.PreviousVersionHash != top.Entity.VersionHash {
		t.Fatalf("expected previous hash to shift, got %s", changed.Entity.PreviousVersionHash)
	}
	if changed.Cascade == nil || !changed.Cascade.Success || changed.Cascade.Count != 2 {
		t.Fatalf("expected cascade over two descendants, got %+v", changed.Cascade)
	}

	status := call[planstate.ChildrenStatus](t, service, "entity.children_status", map[string]any{
		"entity_type": "top", "entity_id": "book",
	})
	if status.Total != 1 || status.Counts[entity.StatusRequiresRevalidation] != 1 {
		t.Fatalf("expected one child awaiting revalidation, got %+v", status)
	}

	again := call[planstate.CascadeResult](t, service, "entity.cascade_invalidate", map[string]any{
		"entity_type": "top", "entity_id": "book", "reason": "parent_top_modified",
	})
	if !again.Success || again.Count != 0 {
		t.Fatalf("expected repeated cascade to change nothing, got %+v", again)
	}

	descendants := call[descendantsResponse](t, service, "entity.descendants", map[string]any{
		"entity_type": "top", "entity_id": "book",
	})
	if descendants.Count != 2 {
		t.Fatalf("expected two descendants, got %d", descendants.Count)
	}
}

func TestHashFileReadsThroughActiveSession(t *testing.T) {
	service, repoPath := newTestService(t)
	writeRepoFile(t, repoPath, "plan/book.md", "shared")

	call[session.Summary](t, service, "session.create", map[string]any{"name": "draft"})
	call[session.TrackResult](t, service, "session.write", map[string]any{"path": "plan/book.md", "content": "session"})

	hashed := call[map[string]any](t, service, "entity.hash_file", map[string]any{"file_path": "plan/book.md"})
	if hashed["source"] != session.SourceSession {
		t.Fatalf("expected session source, got %v", hashed["source"])
	}
	if hashed["version_hash"] != entity.HashBytes([]byte("session")) {
		t.Fatalf("expected hash of session copy, got %v", hashed["version_hash"])
	}

	committed := call[session.CommitResult](t, service, "session.commit", map[string]any{"force": true})
	if committed.Status != session.CommitCommitted {
		t.Fatalf("expected committed, got %s", committed.Status)
	}
	data, err := os.ReadFile(filepath.Join(repoPath, "plan", "book.md"))
	if err != nil || string(data) != "session" {
		t.Fatalf("expected committed content, got %q (%v)", data, err)
	}
}

func TestSessionCancelDefaultsToRetryBackup(t *testing.T) {
	service, repoPath := newTestService(t)
	writeRepoFile(t, repoPath, "acts/act-1.md", "act one")

	call[session.Summary](t, service, "session.create", map[string]any{"name": "retry-me"})
	call[session.Retry](t, service, "session.record_retry", map[string]any{"file": "acts/act-1.md", "reason": "pacing"})

	cancelled := call[session.CancelResult](t, service, "session.cancel", map[string]any{})
	if cancelled.RetriesArchived == 0 || cancelled.RetriesArchiveDir == "" {
		t.Fatalf("expected retries to be backed up, got %+v", cancelled)
	}

	listed := call[sessionListResponse](t, service, "session.list", map[string]any{})
	if listed.Count != 0 {
		t.Fatalf("expected no sessions, got %d", listed.Count)
	}
}

func TestWorkspaceInit(t *testing.T) {
	service, repoPath := newTestService(t)

	result := call[map[string]any](t, service, "workspace.init", nil)
	if result["repo_path"] != repoPath {
		t.Fatalf("expected repo path %s, got %v", repoPath, result["repo_path"])
	}
	backends, ok := result["backends"].([]string)
	if !ok || len(backends) != 2 || backends[0] != "sqlite" || backends[1] != "json" {
		t.Fatalf("expected sqlite then json backends, got %v", result["backends"])
	}
	if result["active_session"] != nil {
		t.Fatalf("expected no active session, got %v", result["active_session"])
	}
}

func TestSyncDirections(t *testing.T) {
	service, _ := newTestService(t)
	call[entity.Entity](t, service, "entity.update", map[string]any{
		"entity_type": "top", "entity_id": "book", "version_hash": "abc", "file_path": "plan/book.md",
	})

	for _, direction := range []string{planstate.DirectionDBToJSON, planstate.DirectionJSONToDB} {
		result := call[planstate.SyncResult](t, service, "state.sync", map[string]any{"direction": direction})
		if !result.Success {
			t.Fatalf("expected %s to succeed, got %+v", direction, result)
		}
	}

	_, err := service.Handle(context.Background(), "state.sync", json.RawMessage(`{"direction":"sideways"}`))
	if ErrorCode(err) != CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestHandleErrorCodes(t *testing.T) {
	service, _ := newTestService(t)

	testCases := []struct {
		method string
		params string
		code   string
	}{
		{method: "entity.get", params: `{"entity_type":"top","entity_id":"missing"}`, code: CodeNotFound},
		{method: "entity.get", params: `{"entity_type":"chapter","entity_id":"x"}`, code: CodeValidation},
		{method: "entity.cascade_invalidate", params: `{"entity_type":"top","entity_id":"x"}`, code: CodeValidation},
		{method: "entity.update", params: `{"entity_type":`, code: CodeValidation},
		{method: "session.active", params: `{}`, code: CodeNoActiveSession},
		{method: "session.create", params: `{"name":"bad name"}`, code: CodeValidation},
		{method: "session.track", params: `{"path":"a.md","change_type":"renamed"}`, code: CodeValidation},
		{method: "session.switch", params: `{"name":"ghost"}`, code: CodeNotFound},
		{method: "no.such.method", params: `{}`, code: CodeValidation},
	}

	for _, testCase := range testCases {
		_, err := service.Handle(context.Background(), testCase.method, json.RawMessage(testCase.params))
		if err == nil {
			t.Fatalf("%s %s: expected error", testCase.method, testCase.params)
		}
		if code := ErrorCode(err); code != testCase.code {
			t.Fatalf("%s %s: expected code %s, got %s (%v)", testCase.method, testCase.params, testCase.code, code, err)
		}
	}
}

func TestErrorCodeMapping(t *testing.T) {
	testCases := []struct {
		err  error
		code string
	}{
		{err: nil, code: ""},
		{err: fmt.Errorf("wrapped: %w", entity.ErrTransactional), code: CodeTransactional},
		{err: entity.ErrCorrupted, code: CodeCorrupted},
		{err: session.ErrCorrupted, code: CodeCorrupted},
		{err: session.ErrSessionCrashed, code: CodeCrashed},
		{err: session.ErrSessionLocked, code: CodeLocked},
		{err: session.ErrAlreadyExists, code: CodeAlreadyExists},
		{err: errors.New("disk on fire"), code: CodeInternal},
	}
	for _, testCase := range testCases {
		if code := ErrorCode(testCase.err); code != testCase.code {
			t.Fatalf("expected %q for %v, got %q", testCase.code, testCase.err, code)
		}
	}
}

func TestUnknownMethodsShareOneMetricLabel(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.Handle(context.Background(), "made.up.method", json.RawMessage(`{}`))
	if !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("expected unknown method error, got %v", err)
	}
	if metrics.MethodDuration.DeleteLabelValues("made.up.method", "error") {
		t.Fatalf("caller-supplied method name was used as a metric label")
	}
	if !metrics.MethodDuration.DeleteLabelValues(metrics.UnknownMethod, "error") {
		t.Fatalf("expected unknown method to be observed under %q", metrics.UnknownMethod)
	}

	call[sessionListResponse](t, service, "session.list", map[string]any{})
	if !metrics.MethodDuration.DeleteLabelValues("session.list", "ok") {
		t.Fatalf("expected known method to keep its own label")
	}
}
