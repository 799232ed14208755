package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/orchestrator"
)

const (
	mcpProtocolVersion = "2024-11-05"
	serverName         = "planning-state"
	serverVersion      = "0.1.0"
)

// methodHandler is the part of orchestrator.Service the transport needs.
type methodHandler interface {
	Handle(ctx context.Context, method string, rawParams json.RawMessage) (any, error)
}

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type mcpToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type toolCallArguments struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type framedReader struct {
	reader *bufio.Reader
}

type framedWriter struct {
	writer *bufio.Writer
}

// serveMCP answers framed JSON-RPC requests from input until EOF or ctx is
// done.
func serveMCP(ctx context.Context, service methodHandler, input io.Reader, output io.Writer, logger *slog.Logger) error {
	reader := framedReader{reader: bufio.NewReader(input)}
	writer := framedWriter{writer: bufio.NewWriter(output)}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		payload, err := reader.ReadPayload()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("mcp input closed")
				return nil
			}
			return fmt.Errorf("mcp read error: %w", err)
		}

		responsePayload, shouldRespond := handleMCPPayload(ctx, service, payload)
		if !shouldRespond {
			continue
		}
		if err := writer.WritePayload(responsePayload); err != nil {
			return fmt.Errorf("mcp write error: %w", err)
		}
	}
}

func (fr framedReader) ReadPayload() ([]byte, error) {
	contentLength := -1
	seenAnyHeader := false

	for {
		line, err := fr.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && !seenAnyHeader && line == "" {
				return nil, io.EOF
			}
			return nil, err
		}
		seenAnyHeader = true
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(parts[0]), "Content-Length") {
			value := strings.TrimSpace(parts[1])
			length, convErr := strconv.Atoi(value)
			if convErr != nil || length < 0 {
				return nil, fmt.Errorf("invalid Content-Length: %q", value)
			}
			contentLength = length
		}
	}

	if contentLength < 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	payload := make([]byte, contentLength)
	if _, err := io.ReadFull(fr.reader, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (fw framedWriter) WritePayload(payload []byte) error {
	if _, err := fmt.Fprintf(fw.writer, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	if _, err := fw.writer.Write(payload); err != nil {
		return err
	}
	return fw.writer.Flush()
}

func handleMCPPayload(ctx context.Context, service methodHandler, payload []byte) ([]byte, bool) {
	var request jsonRPCRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return mustMarshalResponse(jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      nil,
			Error: &jsonRPCError{
				Code:    -32700,
				Message: "invalid JSON-RPC request",
			},
		}), true
	}

	if strings.TrimSpace(request.Method) == "" {
		return mustMarshalResponse(jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      request.ID,
			Error: &jsonRPCError{
				Code:    -32600,
				Message: "method is required",
			},
		}), true
	}

	// Notifications have no id, so no response should be written.
	if request.ID == nil {
		return nil, false
	}

	response := jsonRPCResponse{
		JSONRPC: "2.0",
		ID:      request.ID,
	}

	switch request.Method {
	case "initialize":
		response.Result = map[string]any{
			"protocolVersion": mcpProtocolVersion,
			"serverInfo": map[string]any{
				"name":    serverName,
				"version": serverVersion,
			},
			"capabilities": map[string]any{
				"tools": map[string]any{},
			},
		}
	case "ping":
		response.Result = map[string]any{}
	case "tools/list":
		response.Result = map[string]any{
			"tools": buildToolsList(),
		}
	case "tools/call":
		result, err := handleToolCall(ctx, service, request.Params)
		if err != nil {
			response.Error = &jsonRPCError{
				Code:    -32602,
				Message: err.Error(),
			}
		} else {
			response.Result = result
		}
	default:
		response.Error = &jsonRPCError{
			Code:    -32601,
			Message: fmt.Sprintf("method not found: %s", request.Method),
		}
	}

	return mustMarshalResponse(response), true
}

func handleToolCall(ctx context.Context, service methodHandler, rawParams json.RawMessage) (map[string]any, error) {
	if len(bytesTrimSpace(rawParams)) == 0 {
		return nil, fmt.Errorf("tools/call params are required")
	}

	var input mcpToolCallParams
	if err := json.Unmarshal(rawParams, &input); err != nil {
		return nil, fmt.Errorf("invalid tools/call params: %w", err)
	}

	var args toolCallArguments
	if len(bytesTrimSpace(input.Arguments)) > 0 {
		if err := json.Unmarshal(input.Arguments, &args); err != nil {
			return nil, fmt.Errorf("invalid %s arguments: %w", input.Name, err)
		}
	}
	if strings.TrimSpace(args.Method) == "" {
		return nil, fmt.Errorf("%s requires arguments.method", input.Name)
	}

	if input.Name != genericToolName {
		methods, ok := toolGroupMethodIndex[input.Name]
		if !ok {
			return toolErrorResult(orchestrator.CodeValidation, fmt.Sprintf("unknown tool: %s", input.Name)), nil
		}
		if !methods[args.Method] {
			return toolErrorResult(orchestrator.CodeValidation, fmt.Sprintf("method %s does not belong to %s", args.Method, input.Name)), nil
		}
	}

	params := args.Params
	if len(bytesTrimSpace(params)) == 0 {
		params = json.RawMessage(`{}`)
	}

	result, err := service.Handle(ctx, args.Method, params)
	if err != nil {
		return toolErrorResult(orchestrator.ErrorCode(err), err.Error()), nil
	}
	return toolSuccessResult(result)
}

func toolSuccessResult(result any) (map[string]any, error) {
	text, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize tool result: %w", err)
	}
	return map[string]any{
		"content": []map[string]any{
			{
				"type": "text",
				"text": string(text),
			},
		},
		"structuredContent": result,
	}, nil
}

func toolErrorResult(code, message string) map[string]any {
	return map[string]any{
		"content": []map[string]any{
			{
				"type": "text",
				"text": fmt.Sprintf("%s: %s", code, message),
			},
		},
		"structuredContent": map[string]any{
			"code":  code,
			"error": message,
		},
		"isError": true,
	}
}

func mustMarshalResponse(response jsonRPCResponse) []byte {
	payload, err := json.Marshal(response)
	if err != nil {
		fallback := jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      nil,
			Error: &jsonRPCError{
				Code:    -32603,
				Message: "failed to encode response",
			},
		}
		payload, _ = json.Marshal(fallback)
	}
	return payload
}

func bytesTrimSpace(raw []byte) []byte {
	return []byte(strings.TrimSpace(string(raw)))
}
