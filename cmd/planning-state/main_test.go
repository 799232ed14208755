package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/config"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/orchestrator"
	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/session"
)

type recordingHandler struct {
	method string
	params json.RawMessage
	result any
	err    error
}

func (handler *recordingHandler) Handle(ctx context.Context, method string, rawParams json.RawMessage) (any, error) {
	handler.method = method
	handler.params = rawParams
	return handler.result, handler.err
}

func TestToolGroupsDefinition(t *testing.T) {
	expectedGroups := []string{"planning_entity", "planning_state", "planning_session"}
	if len(toolGroups) != len(expectedGroups) {
		t.Fatalf("expected %d tool groups, got %d", len(expectedGroups), len(toolGroups))
	}
	for i, expected := range expectedGroups {
		if toolGroups[i].Name != expected {
			t.Errorf("tool group %d: expected name %s, got %s", i, expected, toolGroups[i].Name)
		}
		if len(toolGroups[i].Methods) == 0 {
			t.Errorf("tool group %s has no methods", toolGroups[i].Name)
		}
		if len(toolGroups[i].Description) < 10 {
			t.Errorf("tool group %s has suspiciously short description: %q", toolGroups[i].Name, toolGroups[i].Description)
		}
	}
}

func TestToolGroupMethodCounts(t *testing.T) {
	expectedCounts := map[string]int{
		"planning_entity":  7,
		"planning_state":   2,
		"planning_session": 12,
	}
	for _, group := range toolGroups {
		if len(group.Methods) != expectedCounts[group.Name] {
			t.Errorf("group %s: expected %d methods, got %d", group.Name, expectedCounts[group.Name], len(group.Methods))
		}
	}
}

func TestToolGroupIndexMatchesDefinition(t *testing.T) {
	seen := make(map[string]string)
	for _, group := range toolGroups {
		indexMethods, ok := toolGroupMethodIndex[group.Name]
		if !ok {
			t.Fatalf("group %s not found in index", group.Name)
		}
		if len(indexMethods) != len(group.Methods) {
			t.Errorf("group %s: index has %d methods but definition has %d", group.Name, len(indexMethods), len(group.Methods))
		}
		for _, method := range group.Methods {
			if !indexMethods[method] {
				t.Errorf("group %s: method %s in definition but not in index", group.Name, method)
			}
			if previous, exists := seen[method]; exists {
				t.Errorf("method %s appears in both %s and %s", method, previous, group.Name)
			}
			seen[method] = group.Name
		}
	}
}

func TestBuildToolsList(t *testing.T) {
	tools := buildToolsList()
	if len(tools) != len(toolGroups)+1 {
		t.Fatalf("expected %d tools, got %d", len(toolGroups)+1, len(tools))
	}
	if tools[len(tools)-1]["name"] != genericToolName {
		t.Fatalf("expected %s last, got %v", genericToolName, tools[len(tools)-1]["name"])
	}
	for _, tool := range tools[:len(toolGroups)] {
		schema, ok := tool["inputSchema"].(map[string]any)
		if !ok {
			t.Fatalf("%v has invalid inputSchema type", tool["name"])
		}
		properties := schema["properties"].(map[string]any)
		method := properties["method"].(map[string]any)
		if method["enum"] == nil {
			t.Errorf("%v method property missing enum", tool["name"])
		}
	}
}

func TestEveryGroupedMethodIsRouted(t *testing.T) {
	repo := t.TempDir()
	cfg, err := config.Load(config.LoadOptions{Repo: repo})
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	service, err := orchestrator.NewService(context.Background(), cfg, orchestrator.WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	defer service.Close()

	for _, group := range toolGroups {
		for _, method := range group.Methods {
			_, err := service.Handle(context.Background(), method, json.RawMessage(`{}`))
			if errors.Is(err, orchestrator.ErrUnknownMethod) {
				t.Errorf("%s from %s is not routed", method, group.Name)
			}
		}
	}
}

func TestFramedRoundTrip(t *testing.T) {
	var buffer bytes.Buffer
	writer := framedWriter{writer: bufio.NewWriter(&buffer)}
	payloads := []string{`{"jsonrpc":"2.0","id":1,"method":"ping"}`, `{"a":"b"}`}
	for _, payload := range payloads {
		if err := writer.WritePayload([]byte(payload)); err != nil {
			t.Fatalf("failed to write payload: %v", err)
		}
	}

	reader := framedReader{reader: bufio.NewReader(&buffer)}
	for _, expected := range payloads {
		payload, err := reader.ReadPayload()
		if err != nil {
			t.Fatalf("failed to read payload: %v", err)
		}
		if string(payload) != expected {
			t.Fatalf("expected %s, got %s", expected, payload)
		}
	}
	if _, err := reader.ReadPayload(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestFramedReaderRejectsMissingLength(t *testing.T) {
	reader := framedReader{reader: bufio.NewReader(strings.NewReader("X-Other: 1\r\n\r\n{}"))}
	if _, err := reader.ReadPayload(); err == nil {
		t.Fatal("expected missing Content-Length error")
	}
}

func TestHandleMCPPayload(t *testing.T) {
	handler := &recordingHandler{result: map[string]any{"ok": true}}

	testCases := []struct {
		name      string
		payload   string
		respond   bool
		errorCode int
	}{
		{name: "initialize", payload: `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, respond: true},
		{name: "notification", payload: `{"jsonrpc":"2.0","method":"notifications/initialized"}`, respond: false},
		{name: "invalid json", payload: `{`, respond: true, errorCode: -32700},
		{name: "missing method", payload: `{"jsonrpc":"2.0","id":2}`, respond: true, errorCode: -32600},
		{name: "unknown method", payload: `{"jsonrpc":"2.0","id":3,"method":"resources/list"}`, respond: true, errorCode: -32601},
		{name: "tools call without params", payload: `{"jsonrpc":"2.0","id":4,"method":"tools/call"}`, respond: true, errorCode: -32602},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			payload, respond := handleMCPPayload(context.Background(), handler, []byte(testCase.payload))
			if respond != testCase.respond {
				t.Fatalf("expected respond=%v, got %v", testCase.respond, respond)
			}
			if !respond {
				return
			}
			var response jsonRPCResponse
			if err := json.Unmarshal(payload, &response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if testCase.errorCode == 0 && response.Error != nil {
				t.Fatalf("expected success, got %+v", response.Error)
			}
			if testCase.errorCode != 0 && (response.Error == nil || response.Error.Code != testCase.errorCode) {
				t.Fatalf("expected error code %d, got %+v", testCase.errorCode, response.Error)
			}
		})
	}
}

func TestToolCallRoutesThroughGroups(t *testing.T) {
	handler := &recordingHandler{result: map[string]any{"ok": true}}
	params := json.RawMessage(`{"name":"planning_session","arguments":{"method":"session.resolve","params":{"path":"acts/a.md"}}}`)

	result, err := handleToolCall(context.Background(), handler, params)
	if err != nil {
		t.Fatalf("failed to call tool: %v", err)
	}
	if result["isError"] != nil {
		t.Fatalf("expected success, got %+v", result)
	}
	if handler.method != "session.resolve" {
		t.Fatalf("expected session.resolve, got %s", handler.method)
	}
	if string(handler.params) != `{"path":"acts/a.md"}` {
		t.Fatalf("expected params to pass through, got %s", handler.params)
	}

	handler.method = ""
	wrongGroup := json.RawMessage(`{"name":"planning_entity","arguments":{"method":"session.commit"}}`)
	result, err = handleToolCall(context.Background(), handler, wrongGroup)
	if err != nil {
		t.Fatalf("expected tool error result, got %v", err)
	}
	if result["isError"] != true || handler.method != "" {
		t.Fatalf("expected session.commit to be refused by planning_entity, got %+v", result)
	}

	generic := json.RawMessage(`{"name":"planning.call","arguments":{"method":"session.commit"}}`)
	if _, err := handleToolCall(context.Background(), handler, generic); err != nil {
		t.Fatalf("failed to call generic tool: %v", err)
	}
	if handler.method != "session.commit" {
		t.Fatalf("expected generic tool to route session.commit, got %s", handler.method)
	}
	if string(handler.params) != `{}` {
		t.Fatalf("expected empty params to default to {}, got %s", handler.params)
	}
}

func TestToolErrorCarriesCode(t *testing.T) {
	handler := &recordingHandler{err: session.ErrSessionCrashed}
	params := json.RawMessage(`{"name":"planning.call","arguments":{"method":"session.track"}}`)

	result, err := handleToolCall(context.Background(), handler, params)
	if err != nil {
		t.Fatalf("expected tool error result, got %v", err)
	}
	structured, ok := result["structuredContent"].(map[string]any)
	if !ok || result["isError"] != true {
		t.Fatalf("expected structured error, got %+v", result)
	}
	if structured["code"] != orchestrator.CodeCrashed {
		t.Fatalf("expected code %s, got %v", orchestrator.CodeCrashed, structured["code"])
	}
}

func TestServeMCPAnswersUntilEOF(t *testing.T) {
	var input bytes.Buffer
	writer := framedWriter{writer: bufio.NewWriter(&input)}
	_ = writer.WritePayload([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	_ = writer.WritePayload([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	_ = writer.WritePayload([]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))

	var output bytes.Buffer
	err := serveMCP(context.Background(), &recordingHandler{}, &input, &output, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}

	reader := framedReader{reader: bufio.NewReader(&output)}
	for _, expectedID := range []float64{1, 2} {
		payload, err := reader.ReadPayload()
		if err != nil {
			t.Fatalf("failed to read response: %v", err)
		}
		var response jsonRPCResponse
		if err := json.Unmarshal(payload, &response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if response.ID != expectedID {
			t.Fatalf("expected id %v, got %v", expectedID, response.ID)
		}
	}
	if _, err := reader.ReadPayload(); err != io.EOF {
		t.Fatalf("expected exactly two responses, got %v", err)
	}
}

func TestCallCommandPrintsResponse(t *testing.T) {
	repo := t.TempDir()
	var output bytes.Buffer

	root := newRootCommand()
	root.SetOut(&output)
	root.SetArgs([]string{"--repo", repo, "call", "workspace.init"})
	if err := root.Execute(); err != nil {
		t.Fatalf("call failed: %v", err)
	}

	var response struct {
		ID     string         `json:"id"`
		Result map[string]any `json:"result"`
	}
	if err := json.Unmarshal(output.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode output %q: %v", output.String(), err)
	}
	if response.ID != "once" {
		t.Fatalf("expected id once, got %s", response.ID)
	}
	if response.Result["state_dir"] != filepath.Join(repo, ".planning-state") {
		t.Fatalf("unexpected state_dir %v", response.Result["state_dir"])
	}
}

func TestCallCommandReportsErrorCode(t *testing.T) {
	var output bytes.Buffer
	err := writeCallResponse(context.Background(), &output, &recordingHandler{err: session.ErrNoActiveSession}, "session.active", json.RawMessage(`{}`))
	if !errors.Is(err, errReported) {
		t.Fatalf("expected errReported, got %v", err)
	}
	if !strings.Contains(output.String(), `"code": "no_active_session"`) {
		t.Fatalf("expected error code in output, got %s", output.String())
	}
}

func TestConfigInitCommand(t *testing.T) {
	repo := t.TempDir()
	var output bytes.Buffer

	root := newRootCommand()
	root.SetOut(&output)
	root.SetArgs([]string{"--repo", repo, "config", "init"})
	if err := root.Execute(); err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, config.FileName)); err != nil {
		t.Fatalf("expected config file: %v", err)
	}

	root = newRootCommand()
	root.SetArgs([]string{"--repo", repo, "config", "init"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected second init without --force to fail")
	}
}
