package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/agent"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/common/portalloc"
	"github.com/agentmesh/agentmesh/internal/conversation"
	"github.com/agentmesh/agentmesh/internal/network"
	"github.com/agentmesh/agentmesh/internal/store"
)

// fakeRunner stands in for the CLI adapter.
type fakeRunner struct {
	mu       sync.Mutex
	sent     []string
	subs     []chan conversation.Conversation
	turnFns  map[int]func()
	nextTurn int
	conv     conversation.Conversation
}

func (f *fakeRunner) SendMessage(text string) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
}

func (f *fakeRunner) Subscribe() (<-chan conversation.Conversation, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan conversation.Conversation, 64)
	ch <- f.conv
	f.subs = append(f.subs, ch)
	return ch, func() {}
}

func (f *fakeRunner) OnTurnComplete(fn func()) func() {
	f.mu.Lock()
	id := f.nextTurn
	f.nextTurn++
	f.turnFns[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.turnFns, id)
		f.mu.Unlock()
	}
}

func (f *fakeRunner) turnSubscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.turnFns)
}

func (f *fakeRunner) CurrentConversation() conversation.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conv
}

func (f *fakeRunner) Abort() {}

func (f *fakeRunner) publish(c conversation.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conv = c
	for _, ch := range f.subs {
		ch <- c
	}
}

func (f *fakeRunner) completeTurn() {
	f.mu.Lock()
	fns := make([]func(), 0, len(f.turnFns))
	for _, fn := range f.turnFns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (f *fakeRunner) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type runnerRecorder struct {
	mu      sync.Mutex
	runners map[string]*fakeRunner
}

func (r *runnerRecorder) factory(opts agent.Options) network.Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := &fakeRunner{conv: conversation.NewConversation(), turnFns: make(map[int]func())}
	r.runners[opts.AgentID] = f
	return f
}

func (r *runnerRecorder) get(agentID string) *fakeRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runners[agentID]
}

func newTestServer(t *testing.T) (*httptest.Server, *runnerRecorder, *network.Manager) {
	t.Helper()
	rec := &runnerRecorder{runners: make(map[string]*fakeRunner)}
	stor := store.NewNetworkStore(t.TempDir(), logger.Default())
	manager := network.NewManager(network.Deps{
		Config:  &config.Config{},
		Logger:  logger.Default(),
		Store:   stor,
		Alloc:   portalloc.New(),
		Factory: rec.factory,
	})
	t.Cleanup(func() { manager.Close(context.Background()) })

	cache := network.NewCache(manager, stor, logger.Default())
	handler := NewHandler(manager, cache, nil, logger.Default())
	srv := NewServer(config.ServerConfig{}, handler, logger.Default())

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, rec, manager
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateNetworkValidation(t *testing.T) {
	ts, _, _ := newTestServer(t)
	url := ts.URL + "/api/v1/networks"

	tests := []struct {
		name    string
		body    map[string]any
		wantErr string
	}{
		{
			name:    "missing initial message",
			body:    map[string]any{"workingDirectory": t.TempDir()},
			wantErr: "initialMessage is required",
		},
		{
			name:    "empty working directory",
			body:    map[string]any{"initialMessage": "hi", "workingDirectory": ""},
			wantErr: "workingDirectory is required",
		},
		{
			name:    "nonexistent working directory",
			body:    map[string]any{"initialMessage": "hi", "workingDirectory": "/does/not/exist"},
			wantErr: "workingDirectory does not exist: /does/not/exist",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := postJSON(t, url, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.wantErr, body["error"])
		})
	}
}

func TestCreateNetworkSuccess(t *testing.T) {
	ts, rec, _ := newTestServer(t)

	resp, body := postJSON(t, ts.URL+"/api/v1/networks", map[string]any{
		"initialMessage":   "What is 2+2?",
		"workingDirectory": t.TempDir(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["networkId"])
	assert.NotEmpty(t, body["mainAgentId"])
	assert.NotEmpty(t, body["createdAt"])

	runner := rec.get(body["mainAgentId"].(string))
	require.NotNil(t, runner)
	assert.Equal(t, []string{"What is 2+2?"}, runner.sentMessages())
}

func TestSendMessageRoutesToMainAgent(t *testing.T) {
	ts, rec, _ := newTestServer(t)

	_, created := postJSON(t, ts.URL+"/api/v1/networks", map[string]any{
		"initialMessage":   "start",
		"workingDirectory": t.TempDir(),
	})
	networkID := created["networkId"].(string)
	mainID := created["mainAgentId"].(string)

	resp, body := postJSON(t, ts.URL+"/api/v1/networks/"+networkID+"/messages",
		map[string]any{"content": "and then?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sent", body["status"])
	assert.Equal(t, mainID, body["agentId"])

	assert.Equal(t, []string{"start", "and then?"}, rec.get(mainID).sentMessages())
}

func TestSendMessageUnknownNetwork(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, body := postJSON(t, ts.URL+"/api/v1/networks/nope/messages",
		map[string]any{"content": "hello"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NotEmpty(t, body["error"])
}

func TestSendMessageEmptyContent(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, body := postJSON(t, ts.URL+"/api/v1/networks/any/messages",
		map[string]any{"content": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "content is required", body["error"])
}

func dialStream(t *testing.T, ts *httptest.Server, networkID, agentID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") +
		"/api/v1/networks/" + networkID + "/agents/" + agentID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// readUntil reads frames until one matches the predicate.
func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	for i := 0; i < 50; i++ {
		frame := readFrame(t, conn)
		if match(frame) {
			return frame
		}
	}
	t.Fatal("expected frame never arrived")
	return nil
}

func TestStreamBootstrapAndStatus(t *testing.T) {
	ts, _, _ := newTestServer(t)
	_, created := postJSON(t, ts.URL+"/api/v1/networks", map[string]any{
		"initialMessage":   "start",
		"workingDirectory": t.TempDir(),
	})
	networkID := created["networkId"].(string)
	mainID := created["mainAgentId"].(string)

	conn := dialStream(t, ts, networkID, mainID)

	first := readFrame(t, conn)
	assert.Equal(t, "connected", first["type"])
	assert.Equal(t, networkID, first["networkId"])
	assert.Equal(t, mainID, first["agentId"])

	status := readFrame(t, conn)
	assert.Equal(t, "status", status["type"])
	assert.Equal(t, mainID, status["agentId"])
	assert.Equal(t, "main", status["agentType"])
	data := status["data"].(map[string]any)
	assert.Equal(t, "connected", data["status"])
}

func TestStreamEnvelopeRemapping(t *testing.T) {
	ts, rec, _ := newTestServer(t)
	_, created := postJSON(t, ts.URL+"/api/v1/networks", map[string]any{
		"initialMessage":   "start",
		"workingDirectory": t.TempDir(),
	})
	networkID := created["networkId"].(string)
	mainID := created["mainAgentId"].(string)
	runner := rec.get(mainID)

	conn := dialStream(t, ts, networkID, mainID)
	readFrame(t, conn) // connected

	msg := conversation.NewStreamingAssistantMessage("m1").
		WithResponse(conversation.TextResponse{Content: "Hello", IsPartial: true}).
		WithResponse(conversation.ToolUseResponse{
			ToolName:  "Bash",
			ToolUseID: "tu-1",
			Parameters: map[string]any{
				"command": "ls",
			},
		}).
		WithResponse(conversation.ToolResultResponse{ToolUseID: "tu-1", Content: "files"})
	runner.publish(conversation.NewConversation().WithMessage(msg))

	message := readUntil(t, conn, func(f map[string]any) bool { return f["type"] == "message" })
	data := message["data"].(map[string]any)
	assert.Equal(t, "assistant", data["role"])
	assert.Equal(t, "Hello", data["content"])
	_, hasID := data["id"]
	assert.False(t, hasID, "wire message data carries role and content only")

	toolUse := readUntil(t, conn, func(f map[string]any) bool { return f["type"] == "tool_use" })
	data = toolUse["data"].(map[string]any)
	assert.Equal(t, "Bash", data["toolName"])
	assert.Equal(t, map[string]any{"command": "ls"}, data["toolInput"])

	toolResult := readUntil(t, conn, func(f map[string]any) bool { return f["type"] == "tool_result" })
	data = toolResult["data"].(map[string]any)
	assert.Equal(t, "Bash", data["toolName"])
	assert.Equal(t, "files", data["result"])
	assert.Equal(t, false, data["isError"])
}

func TestStreamDeltaAndDone(t *testing.T) {
	ts, rec, _ := newTestServer(t)
	_, created := postJSON(t, ts.URL+"/api/v1/networks", map[string]any{
		"initialMessage":   "start",
		"workingDirectory": t.TempDir(),
	})
	networkID := created["networkId"].(string)
	mainID := created["mainAgentId"].(string)
	runner := rec.get(mainID)

	conn := dialStream(t, ts, networkID, mainID)
	readFrame(t, conn) // connected

	conv := conversation.NewConversation().WithMessage(
		conversation.NewStreamingAssistantMessage("m1").
			WithResponse(conversation.TextResponse{Content: "Count: 1", IsPartial: true}))
	runner.publish(conv)
	readUntil(t, conn, func(f map[string]any) bool { return f["type"] == "message" })

	last, _ := conv.LastMessage()
	conv = conv.WithLastMessage(last.WithResponse(conversation.TextResponse{Content: " 2", IsPartial: true}))
	runner.publish(conv)

	delta := readUntil(t, conn, func(f map[string]any) bool { return f["type"] == "message_delta" })
	data := delta["data"].(map[string]any)
	assert.Equal(t, "assistant", data["role"])
	assert.Equal(t, " 2", data["delta"])

	runner.completeTurn()
	done := readUntil(t, conn, func(f map[string]any) bool { return f["type"] == "done" })
	assert.Equal(t, map[string]any{}, done["data"])
}

func TestStreamDisconnectReleasesTurnSubscription(t *testing.T) {
	ts, rec, _ := newTestServer(t)
	_, created := postJSON(t, ts.URL+"/api/v1/networks", map[string]any{
		"initialMessage":   "start",
		"workingDirectory": t.TempDir(),
	})
	networkID := created["networkId"].(string)
	mainID := created["mainAgentId"].(string)
	runner := rec.get(mainID)

	// one standing registration from the manager itself
	require.Equal(t, 1, runner.turnSubscribers())

	conn := dialStream(t, ts, networkID, mainID)
	readFrame(t, conn) // connected
	require.Eventually(t, func() bool {
		return runner.turnSubscribers() == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return runner.turnSubscribers() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamUnknownAgent(t *testing.T) {
	ts, _, _ := newTestServer(t)
	_, created := postJSON(t, ts.URL+"/api/v1/networks", map[string]any{
		"initialMessage":   "start",
		"workingDirectory": t.TempDir(),
	})
	networkID := created["networkId"].(string)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") +
		"/api/v1/networks/" + networkID + "/agents/ghost/stream"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
