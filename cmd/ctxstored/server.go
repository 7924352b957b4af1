package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/basket/ctxstore/internal/orchestrator"
)

const mcpProtocolVersion = "2024-11-05"

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
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

type framedReader struct {
	reader *bufio.Reader
}

type framedWriter struct {
	writer *bufio.Writer
}

func runOnce(ctx context.Context, service *orchestrator.Service, method, params string) {
	if strings.TrimSpace(method) == "" {
		fmt.Fprintln(os.Stderr, "--method is required when mode=once")
		os.Exit(2)
	}

	paramBytes := []byte(params)
	if len(strings.TrimSpace(params)) == 0 {
		paramBytes = []byte("{}")
	}

	result, err := service.Handle(ctx, method, paramBytes)
	response := jsonRPCResponse{
		JSONRPC: "2.0",
		ID:      "once",
	}
	if err != nil {
		response.Error = &jsonRPCError{
			Code:    orchestrator.ErrorCode(err),
			Message: err.Error(),
		}
	} else {
		response.Result = result
	}

	encoded, marshalErr := json.MarshalIndent(response, "", "  ")
	if marshalErr != nil {
		fmt.Fprintf(os.Stderr, "failed to encode response: %v\n", marshalErr)
		os.Exit(1)
	}
	fmt.Println(string(encoded))

	if err != nil {
		os.Exit(1)
	}
}

func runServe(ctx context.Context, service *orchestrator.Service, logger *slog.Logger) {
	reader := framedReader{reader: bufio.NewReader(os.Stdin)}
	writer := framedWriter{writer: bufio.NewWriter(os.Stdout)}

	for {
		payload, err := reader.ReadPayload()
		if err != nil {
			if err == io.EOF {
				logger.Info("stdin closed, shutting down")
				return
			}
			logger.Error("read error", "error", err)
			os.Exit(1)
		}

		responsePayload, shouldRespond := handlePayload(ctx, service, payload)
		if !shouldRespond {
			continue
		}
		if err := writer.WritePayload(responsePayload); err != nil {
			logger.Error("write error", "error", err)
			os.Exit(1)
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

func handlePayload(ctx context.Context, service *orchestrator.Service, payload []byte) ([]byte, bool) {
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
				"name":    "ctxstored",
				"version": Version,
			},
			"capabilities": map[string]any{
				"tools": map[string]any{},
			},
		}
	case "ping":
		response.Result = map[string]any{}
	case "tools/list":
		response.Result = map[string]any{"tools": service.Tools()}
	case "tools/call":
		result, rpcErr := handleToolCall(ctx, service, request.Params)
		if rpcErr != nil {
			response.Error = rpcErr
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

func handleToolCall(ctx context.Context, service *orchestrator.Service, rawParams json.RawMessage) (map[string]any, *jsonRPCError) {
	var input mcpToolCallParams
	if err := json.Unmarshal(rawParams, &input); err != nil {
		return nil, &jsonRPCError{Code: -32602, Message: fmt.Sprintf("invalid tools/call params: %s", err)}
	}
	if strings.TrimSpace(input.Name) == "" {
		return nil, &jsonRPCError{Code: -32602, Message: "tools/call requires a tool name"}
	}

	arguments := input.Arguments
	if len(strings.TrimSpace(string(arguments))) == 0 {
		arguments = json.RawMessage(`{}`)
	}

	result, err := service.Handle(ctx, input.Name, arguments)
	if err != nil {
		return nil, &jsonRPCError{Code: orchestrator.ErrorCode(err), Message: err.Error()}
	}
	return toolSuccessResult(result)
}

func toolSuccessResult(result any) (map[string]any, *jsonRPCError) {
	text, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, &jsonRPCError{Code: -32603, Message: fmt.Sprintf("failed to serialize tool result: %s", err)}
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
