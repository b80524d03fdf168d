package streaminghttp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sergiobayona/vector-mcp/auth"
	"github.com/sergiobayona/vector-mcp/internal/jsonrpc"
	"github.com/sergiobayona/vector-mcp/mcp"
	"github.com/sergiobayona/vector-mcp/mcpserver"
	"github.com/sergiobayona/vector-mcp/sessions"
)

type echoArgs struct {
	Message string `json:"message"`
}

type askArgs struct {
	Question  string `json:"question"`
	TimeoutMS int    `json:"timeoutMs"`
}

func newTestHandler(t *testing.T, opts ...Option) *httptest.Server {
	t.Helper()

	tools := mcpserver.NewToolsContainer(
		mcpserver.NewTool("echo", "Echoes back the provided message",
			func(ctx context.Context, session mcpserver.ClientSession, args echoArgs) (*mcp.CallToolResult, error) {
				return mcpserver.TextResult("Echo: " + args.Message), nil
			}),
		mcpserver.NewTool("ask", "Asks the client's model a question",
			func(ctx context.Context, session mcpserver.ClientSession, args askArgs) (*mcp.CallToolResult, error) {
				if args.TimeoutMS > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, time.Duration(args.TimeoutMS)*time.Millisecond)
					defer cancel()
				}
				res, err := session.Sample(ctx, &mcp.CreateMessageRequest{
					Messages: []mcp.SamplingMessage{{
						Role:    mcp.RoleUser,
						Content: []mcp.ContentBlock{{Type: "text", Text: args.Question}},
					}},
					MaxTokens: 64,
				})
				if err != nil {
					return nil, err
				}
				return mcpserver.TextResult(res.Content.Text), nil
			}),
	)

	srv := mcpserver.NewServer("vector-mcp-test", "0.0.1", mcpserver.WithTools(tools))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := New(log, srv, sessions.NewRegistry(), opts...)
	t.Cleanup(h.Close)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, ts *httptest.Server, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(SessionIDHeader, sessionID)
	}
	res, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func decodeResponse(t *testing.T, res *http.Response) *jsonrpc.Response {
	t.Helper()
	defer res.Body.Close()
	var out jsonrpc.Response
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return &out
}

// handshake creates and fully initializes a session, returning its id.
func handshake(t *testing.T, ts *httptest.Server) string {
	t.Helper()

	res := postJSON(t, ts, "",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{"sampling":{}},"clientInfo":{"name":"test","version":"1.0"}}}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("initialize returned %d", res.StatusCode)
	}
	sessionID := res.Header.Get(SessionIDHeader)
	if sessionID == "" {
		t.Fatal("initialize response missing session id header")
	}
	rpc := decodeResponse(t, res)
	if rpc.Error != nil {
		t.Fatalf("initialize error: %+v", rpc.Error)
	}

	res = postJSON(t, ts, sessionID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("initialized notification returned %d, want 202", res.StatusCode)
	}
	return sessionID
}

func TestInitializeHandshake(t *testing.T) {
	ts := newTestHandler(t)

	res := postJSON(t, ts, "",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test","version":"1.0"}}}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", res.StatusCode)
	}
	if res.Header.Get(SessionIDHeader) == "" {
		t.Fatal("expected session id header")
	}
	if got := res.Header.Get(ProtocolVersionHeader); got != "2025-06-18" {
		t.Fatalf("expected protocol version header, got %q", got)
	}

	rpc := decodeResponse(t, res)
	var result mcp.InitializeResult
	if err := json.Unmarshal(rpc.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.ProtocolVersion != "2025-06-18" {
		t.Fatalf("unexpected negotiated version %q", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "vector-mcp-test" {
		t.Fatalf("unexpected server info %+v", result.ServerInfo)
	}
}

func TestEchoOverHTTP(t *testing.T) {
	ts := newTestHandler(t)
	sessionID := handshake(t, ts)

	res := postJSON(t, ts, sessionID,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", res.StatusCode)
	}
	rpc := decodeResponse(t, res)
	if rpc.Error != nil {
		t.Fatalf("tools/call error: %+v", rpc.Error)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(rpc.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.Content[0].Text != "Echo: hi" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestBatchRequestsRejected(t *testing.T) {
	ts := newTestHandler(t)

	res := postJSON(t, ts, "", `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`)
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for batch, got %d", res.StatusCode)
	}
	rpc := decodeResponse(t, res)
	if rpc.Error == nil || rpc.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected InvalidRequest, got %+v", rpc.Error)
	}
}

func TestMalformedJSONReturnsParseError(t *testing.T) {
	ts := newTestHandler(t)
	sessionID := handshake(t, ts)

	res := postJSON(t, ts, sessionID, `{"jsonrpc":"2.0","id":42,"method":`)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.StatusCode)
	}
	rpc := decodeResponse(t, res)
	if rpc.Error == nil || rpc.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("expected ParseError, got %+v", rpc.Error)
	}
}

func TestParseErrorRecoversID(t *testing.T) {
	ts := newTestHandler(t)
	sessionID := handshake(t, ts)

	// Valid JSON, invalid JSON-RPC shape: the id is still recoverable.
	res := postJSON(t, ts, sessionID, `{"id":42,"method":"tools/list"}`)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.StatusCode)
	}
	rpc := decodeResponse(t, res)
	if rpc.Error == nil || rpc.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("expected ParseError, got %+v", rpc.Error)
	}
	if rpc.ID.String() != "42" {
		t.Fatalf("expected recovered id 42, got %q", rpc.ID.String())
	}
}

func TestMissingAndUnknownSession(t *testing.T) {
	ts := newTestHandler(t)

	res := postJSON(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing session header, got %d", res.StatusCode)
	}

	res = postJSON(t, ts, "no-such-session", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", res.StatusCode)
	}
}

func TestDeleteTerminatesSession(t *testing.T) {
	ts := newTestHandler(t)
	sessionID := handshake(t, ts)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL, nil)
	req.Header.Set(SessionIDHeader, sessionID)
	res, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", res.StatusCode)
	}

	// The id is gone; further use is a 404.
	res = postJSON(t, ts, sessionID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", res.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestHandler(t)

	req, _ := http.NewRequest(http.MethodPut, ts.URL, strings.NewReader("{}"))
	res, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.StatusCode)
	}
	if allow := res.Header.Get("Allow"); !strings.Contains(allow, "POST") {
		t.Fatalf("expected Allow header, got %q", allow)
	}
}

func TestProtocolVersionHeaderMismatch(t *testing.T) {
	ts := newTestHandler(t)
	sessionID := handshake(t, ts)

	req, _ := http.NewRequest(http.MethodPost, ts.URL, strings.NewReader(
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SessionIDHeader, sessionID)
	req.Header.Set(ProtocolVersionHeader, "2024-11-05")
	res, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for version mismatch, got %d", res.StatusCode)
	}
}

func TestGetRequiresEventStreamAccept(t *testing.T) {
	ts := newTestHandler(t)
	sessionID := handshake(t, ts)

	req, _ := http.NewRequest(http.MethodGet, ts.URL, nil)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(SessionIDHeader, sessionID)
	res, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("expected 406, got %d", res.StatusCode)
	}
}

func TestSampleWithoutStreamReturns503(t *testing.T) {
	ts := newTestHandler(t)
	sessionID := handshake(t, ts)

	start := time.Now()
	res := postJSON(t, ts, sessionID,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"ask","arguments":{"question":"q","timeoutMs":100}}}`)
	elapsed := time.Since(start)

	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.StatusCode)
	}
	rpc := decodeResponse(t, res)
	if rpc.Error == nil || rpc.Error.Code != jsonrpc.ErrorCodeNoStreamingSession {
		t.Fatalf("expected NoStreamingSession, got %+v", rpc.Error)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("no-stream sampling should fail fast, took %s", elapsed)
	}
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	id   uint64
	data string
}

// openStream opens the session's GET stream and feeds parsed events to the
// returned channel until the context ends.
func openStream(t *testing.T, ts *httptest.Server, sessionID string, lastEventID uint64) (<-chan sseEvent, context.CancelFunc) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	// A previous consumer may still be unwinding server-side; retry briefly
	// while its reservation drains.
	var res *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
		if err != nil {
			cancel()
			t.Fatal(err)
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set(SessionIDHeader, sessionID)
		if lastEventID > 0 {
			req.Header.Set(LastEventIDHeader, strconv.FormatUint(lastEventID, 10))
		}

		res, err = ts.Client().Do(req)
		if err != nil {
			cancel()
			t.Fatal(err)
		}
		if res.StatusCode == http.StatusConflict && time.Now().Before(deadline) {
			res.Body.Close()
			time.Sleep(20 * time.Millisecond)
			continue
		}
		break
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		cancel()
		t.Fatalf("stream open returned %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		res.Body.Close()
		cancel()
		t.Fatalf("unexpected stream content type %q", ct)
	}

	events := make(chan sseEvent, 16)
	go func() {
		defer res.Body.Close()
		defer close(events)
		scanner := bufio.NewScanner(res.Body)
		var cur sseEvent
		var data []string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "id: "):
				cur.id, _ = strconv.ParseUint(strings.TrimPrefix(line, "id: "), 10, 64)
			case strings.HasPrefix(line, "data: "):
				data = append(data, strings.TrimPrefix(line, "data: "))
			case line == "" && (cur.id != 0 || len(data) > 0):
				cur.data = strings.Join(data, "\n")
				events <- cur
				cur = sseEvent{}
				data = nil
			}
		}
	}()
	return events, cancel
}

func TestSamplingRoundTripOverStream(t *testing.T) {
	ts := newTestHandler(t)
	sessionID := handshake(t, ts)

	events, closeStream := openStream(t, ts, sessionID, 0)
	defer closeStream()

	done := make(chan *http.Response, 1)
	go func() {
		done <- postJSON(t, ts, sessionID,
			`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"ask","arguments":{"question":"meaning of life?"}}}`)
	}()

	// The sampling request arrives on this session's stream.
	var sampleReq jsonrpc.Request
	select {
	case ev := <-events:
		if err := json.Unmarshal([]byte(ev.data), &sampleReq); err != nil {
			t.Fatalf("bad stream payload %q: %v", ev.data, err)
		}
		if sampleReq.Method != "sampling/createMessage" {
			t.Fatalf("expected sampling/createMessage, got %q", sampleReq.Method)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sampling request never arrived on the stream")
	}

	// Answer it with a POSTed response; the transport replies 202.
	answer := fmt.Sprintf(
		`{"jsonrpc":"2.0","id":%q,"result":{"role":"assistant","content":{"type":"text","text":"42"},"model":"test-model"}}`,
		sampleReq.ID.String())
	res := postJSON(t, ts, sessionID, answer)
	res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 for client response, got %d", res.StatusCode)
	}

	select {
	case httpRes := <-done:
		if httpRes.StatusCode != http.StatusOK {
			t.Fatalf("tools/call returned %d", httpRes.StatusCode)
		}
		rpc := decodeResponse(t, httpRes)
		if rpc.Error != nil {
			t.Fatalf("tools/call failed: %+v", rpc.Error)
		}
		var result mcp.CallToolResult
		if err := json.Unmarshal(rpc.Result, &result); err != nil {
			t.Fatal(err)
		}
		if result.Content[0].Text != "42" {
			t.Fatalf("expected sampled answer, got %+v", result)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tool call never completed")
	}
}

func TestStreamReplayWithLastEventID(t *testing.T) {
	ts := newTestHandler(t)
	sessionID := handshake(t, ts)

	// Open a stream, trigger a sampling request that times out, and capture
	// the event id it was assigned.
	events, closeStream := openStream(t, ts, sessionID, 0)
	res := postJSON(t, ts, sessionID,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"ask","arguments":{"question":"q","timeoutMs":100}}}`)
	res.Body.Close()
	if res.StatusCode != http.StatusRequestTimeout {
		t.Fatalf("expected 408 for unanswered sample, got %d", res.StatusCode)
	}

	var firstID uint64
	select {
	case ev := <-events:
		firstID = ev.id
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered on first stream")
	}
	closeStream()

	// Reconnect resuming from before the event: it replays.
	replayEvents, closeReplay := openStream(t, ts, sessionID, 0)
	defer closeReplay()
	select {
	case ev := <-replayEvents:
		if ev.id != firstID {
			t.Fatalf("replay returned id %d, want %d", ev.id, firstID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect did not replay the stored event")
	}
}

func TestConcurrentStreamsConflict(t *testing.T) {
	ts := newTestHandler(t)
	sessionID := handshake(t, ts)

	_, closeStream := openStream(t, ts, sessionID, 0)
	defer closeStream()

	// The stream may take a moment to register its subscriber.
	deadline := time.Now().Add(2 * time.Second)
	for {
		req, _ := http.NewRequest(http.MethodGet, ts.URL, nil)
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set(SessionIDHeader, sessionID)
		res, err := ts.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
		if res.StatusCode == http.StatusConflict {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 409 for second stream, got %d", res.StatusCode)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAuthenticationRequired(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	authn, err := auth.NewStatic(&auth.StaticConfig{
		Issuer:            "https://issuer.test",
		ExpectedAudiences: []string{"vector-mcp"},
		Secret:            secret,
	})
	if err != nil {
		t.Fatal(err)
	}
	ts := newTestHandler(t, WithAuthenticator(authn))

	// No token at all.
	res := postJSON(t, ts, "",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	rpc := decodeResponse(t, res)
	if rpc.Error == nil || rpc.Error.Message != "Authentication required" {
		t.Fatalf("expected fixed auth message, got %+v", rpc.Error)
	}

	// A valid token passes.
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "https://issuer.test",
		"aud": "vector-mcp",
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL, strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	res2, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", res2.StatusCode)
	}
	if res2.Header.Get(SessionIDHeader) == "" {
		t.Fatal("expected session created for authenticated user")
	}
}
