package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/ctxstore/internal/checkpoint"
	"github.com/basket/ctxstore/internal/conflict"
	"github.com/basket/ctxstore/internal/graph"
	"github.com/basket/ctxstore/internal/hotcache"
	"github.com/basket/ctxstore/internal/mirror"
	"github.com/basket/ctxstore/internal/orchestrator"
	"github.com/basket/ctxstore/internal/recovery"
	"github.com/basket/ctxstore/internal/store"
	"github.com/basket/ctxstore/internal/syncer"
)

func newServerTestService(t *testing.T) *orchestrator.Service {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "context.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cache, err := hotcache.New(hotcache.Config{})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(cache.Close)

	m, err := mirror.New(t.TempDir())
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}

	service, err := orchestrator.NewService(orchestrator.Deps{
		Store:       st,
		Cache:       cache,
		Mirror:      m,
		Graph:       graph.New(st),
		Syncer:      syncer.New(st, cache, m, nil),
		Conflicts:   conflict.New(st, cache, nil),
		Recovery:    recovery.New(st, 10*time.Minute, nil),
		Checkpoints: checkpoint.New(st, cache, m, nil),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func decodeResponse(t *testing.T, payload []byte) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.Unmarshal(payload, &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return response
}

func errorCode(t *testing.T, response map[string]any) int {
	t.Helper()
	errObj, ok := response["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error in response, got %v", response)
	}
	code, ok := errObj["code"].(float64)
	if !ok {
		t.Fatalf("error has no numeric code: %v", errObj)
	}
	return int(code)
}

func TestFramedReader_ReadsConsecutiveFrames(t *testing.T) {
	input := "Content-Length: 5\r\nX-Extra: ignored\r\n\r\nhelloContent-Length: 2\r\n\r\nok"
	fr := framedReader{reader: bufio.NewReader(strings.NewReader(input))}

	first, err := fr.ReadPayload()
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if string(first) != "hello" {
		t.Fatalf("first payload = %q", first)
	}

	second, err := fr.ReadPayload()
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if string(second) != "ok" {
		t.Fatalf("second payload = %q", second)
	}

	if _, err := fr.ReadPayload(); err != io.EOF {
		t.Fatalf("expected EOF after last frame, got %v", err)
	}
}

func TestFramedReader_MissingContentLength(t *testing.T) {
	fr := framedReader{reader: bufio.NewReader(strings.NewReader("X-Other: 1\r\n\r\nbody"))}
	if _, err := fr.ReadPayload(); err == nil {
		t.Fatalf("expected error for frame without Content-Length")
	}
}

func TestFramedReader_RejectsBadContentLength(t *testing.T) {
	fr := framedReader{reader: bufio.NewReader(strings.NewReader("Content-Length: nope\r\n\r\n"))}
	if _, err := fr.ReadPayload(); err == nil {
		t.Fatalf("expected error for non-numeric Content-Length")
	}
}

func TestFramedWriter_WritesHeaderAndBody(t *testing.T) {
	var buf bytes.Buffer
	fw := framedWriter{writer: bufio.NewWriter(&buf)}

	if err := fw.WritePayload([]byte(`{"ok":true}`)); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	want := "Content-Length: 11\r\n\r\n" + `{"ok":true}`
	if buf.String() != want {
		t.Fatalf("framed output = %q, want %q", buf.String(), want)
	}
}

func TestHandlePayload_ParseError(t *testing.T) {
	service := newServerTestService(t)

	payload, respond := handlePayload(context.Background(), service, []byte(`{"jsonrpc":`))
	if !respond {
		t.Fatalf("parse errors must produce a response")
	}
	response := decodeResponse(t, payload)
	if code := errorCode(t, response); code != -32700 {
		t.Fatalf("code = %d, want -32700", code)
	}
	if response["id"] != nil {
		t.Fatalf("parse error id = %v, want null", response["id"])
	}
}

func TestHandlePayload_NotificationGetsNoResponse(t *testing.T) {
	service := newServerTestService(t)

	_, respond := handlePayload(context.Background(), service,
		[]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if respond {
		t.Fatalf("notifications must not be answered")
	}
}

func TestHandlePayload_Initialize(t *testing.T) {
	service := newServerTestService(t)

	payload, _ := handlePayload(context.Background(), service,
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	response := decodeResponse(t, payload)

	result, ok := response["result"].(map[string]any)
	if !ok {
		t.Fatalf("initialize returned no result: %v", response)
	}
	if result["protocolVersion"] != mcpProtocolVersion {
		t.Fatalf("protocolVersion = %v", result["protocolVersion"])
	}
	info, _ := result["serverInfo"].(map[string]any)
	if info["name"] != "ctxstored" {
		t.Fatalf("serverInfo = %v", info)
	}
}

func TestHandlePayload_ToolsListAndCall(t *testing.T) {
	service := newServerTestService(t)
	ctx := context.Background()

	payload, _ := handlePayload(ctx, service,
		[]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	response := decodeResponse(t, payload)
	result := response["result"].(map[string]any)
	tools, ok := result["tools"].([]any)
	if !ok || len(tools) != 17 {
		t.Fatalf("tools/list returned %d tools", len(tools))
	}

	payload, _ = handlePayload(ctx, service,
		[]byte(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"create_task","arguments":{"taskId":"task-a","name":"Task A"}}}`))
	response = decodeResponse(t, payload)
	result, ok = response["result"].(map[string]any)
	if !ok {
		t.Fatalf("tools/call failed: %v", response)
	}
	content, _ := result["content"].([]any)
	if len(content) != 1 {
		t.Fatalf("content len = %d, want 1", len(content))
	}
	block := content[0].(map[string]any)
	if block["type"] != "text" || !strings.Contains(block["text"].(string), "task-a") {
		t.Fatalf("content block = %v", block)
	}
	structured, _ := result["structuredContent"].(map[string]any)
	if structured["taskId"] != "task-a" {
		t.Fatalf("structuredContent = %v", structured)
	}
}

func TestHandlePayload_ToolCallErrorCodes(t *testing.T) {
	service := newServerTestService(t)
	ctx := context.Background()

	payload, _ := handlePayload(ctx, service,
		[]byte(`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"no_such_tool","arguments":{}}}`))
	if code := errorCode(t, decodeResponse(t, payload)); code != -32602 {
		t.Fatalf("unknown tool code = %d, want -32602", code)
	}

	payload, _ = handlePayload(ctx, service,
		[]byte(`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"rollback_to","arguments":{"checkpointId":"ghost"}}}`))
	if code := errorCode(t, decodeResponse(t, payload)); code != -32004 {
		t.Fatalf("missing checkpoint code = %d, want -32004", code)
	}
}

func TestHandlePayload_MethodNotFound(t *testing.T) {
	service := newServerTestService(t)

	payload, _ := handlePayload(context.Background(), service,
		[]byte(`{"jsonrpc":"2.0","id":6,"method":"resources/list"}`))
	if code := errorCode(t, decodeResponse(t, payload)); code != -32601 {
		t.Fatalf("code = %d, want -32601", code)
	}
}
