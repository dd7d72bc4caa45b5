package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/meridian-labs/contactd/pkg/agent"
	"github.com/meridian-labs/contactd/pkg/bridge"
	"github.com/meridian-labs/contactd/pkg/conn"
	"github.com/meridian-labs/contactd/pkg/memory"
	"github.com/meridian-labs/contactd/pkg/registry"
	"github.com/meridian-labs/contactd/pkg/resilience"
	"github.com/meridian-labs/contactd/pkg/routing"
	"github.com/meridian-labs/contactd/pkg/tools"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider answers every completion with a fixed reply and records the
// requests it saw.
type stubProvider struct {
	mu       sync.Mutex
	reply    string
	requests []agent.Request
}

func (p *stubProvider) Complete(_ context.Context, req agent.Request) (*agent.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return &agent.Completion{Content: p.reply}, nil
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) seen() []agent.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]agent.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

type stubTool struct{ name string }

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return "test tool" }
func (t *stubTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (t *stubTool) Execute(context.Context, map[string]interface{}, tools.ExecContext) (tools.Outcome, error) {
	return tools.Outcome{Output: "ok"}, nil
}

type testStack struct {
	server   *Server
	http     *httptest.Server
	store    *memory.Store
	registry *registry.Registry
	provider *stubProvider
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	provider := &stubProvider{reply: "Hello there."}

	store, err := memory.NewStore(t.TempDir())
	require.NoError(t, err)

	toolSet, err := tools.NewSet(zerolog.Nop(),
		&stubTool{name: "run_report_query"},
		&stubTool{name: "export_excel"},
	)
	require.NoError(t, err)

	factory, err := agent.NewFactory(agent.FactoryConfig{
		Provider:     "openai",
		Credentials:  agent.Credentials{OpenAIAPIKey: "sk-test"},
		ProviderImpl: provider,
		Tools:        toolSet,
		Memory:       store,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	reg, err := registry.New(registry.Config{
		Factory:        factory,
		RootDir:        t.TempDir(),
		PrimaryModel:   "gpt-5-mini",
		FallbackModels: []string{"gpt-4o-mini"},
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)

	srv, err := NewServer(Config{
		Port:       8028,
		Registry:   reg,
		Bridge:     bridge.New(bridge.Config{Timeout: 10 * time.Second, Logger: zerolog.Nop()}),
		Classifier: routing.NewClassifier(zerolog.Nop()),
		Conn:       conn.NewManager(conn.Config{Logger: zerolog.Nop()}),
		Controller: resilience.NewController(zerolog.Nop()),
		Memory:     store,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = reg.Close() })

	return &testStack{server: srv, http: ts, store: store, registry: reg, provider: provider}
}

func (s *testStack) post(t *testing.T, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(s.http.URL+path, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func (s *testStack) login(t *testing.T) string {
	t.Helper()
	resp, body := s.post(t, "/api/auth/login", loginRequest{Username: "ops", Password: "secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestLoginLogoutLifecycle(t *testing.T) {
	s := newTestStack(t)

	token := s.login(t)

	resp, body := s.post(t, "/api/auth/session", tokenRequest{Token: token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ops", body["username"])

	resp, _ = s.post(t, "/api/auth/logout", tokenRequest{Token: token})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = s.post(t, "/api/auth/logout", tokenRequest{Token: token})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "error", body["status"])

	resp, _ = s.post(t, "/api/auth/session", tokenRequest{Token: token})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLoginRequiresCredentials(t *testing.T) {
	s := newTestStack(t)

	resp, body := s.post(t, "/api/auth/login", loginRequest{Username: "ops"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "error", body["status"])

	resp, _ = s.post(t, "/api/auth/login", loginRequest{Password: "secret"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatRejectsBadRequests(t *testing.T) {
	s := newTestStack(t)
	token := s.login(t)

	resp, _ := s.post(t, "/chat", chatRequest{Token: "not-a-token", Message: "hi"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.post(t, "/chat", chatRequest{Token: token, Message: "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatReturnsReply(t *testing.T) {
	s := newTestStack(t)
	token := s.login(t)

	resp, body := s.post(t, "/chat", chatRequest{Token: token, Message: "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Hello there.", body["reply"])
	assert.Equal(t, "success", body["status"])

	// The turn was persisted under the token's thread.
	turns, err := s.store.History(context.Background(), token)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "hello", turns[0].Content)

	// The session now exists and health reports it.
	httpResp, err := http.Get(s.http.URL + "/chat/health")
	require.NoError(t, err)
	defer httpResp.Body.Close()
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, float64(1), health["agent_sessions"])
}

func TestChatRoutesDataQuestionsToDataAgent(t *testing.T) {
	s := newTestStack(t)
	token := s.login(t)

	resp, _ := s.post(t, "/chat", chatRequest{Token: token, Message: "how many calls did we get today"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reqs := s.provider.seen()
	require.Len(t, reqs, 1)
	// The data agent carries the report tools; the primary carries none.
	require.NotEmpty(t, reqs[0].Tools)
	names := []string{reqs[0].Tools[0].Name, reqs[0].Tools[1].Name}
	assert.Contains(t, names, "run_report_query")
	assert.Contains(t, names, "export_excel")
}

func TestChatRoutesChitchatToPrimary(t *testing.T) {
	s := newTestStack(t)
	token := s.login(t)

	resp, _ := s.post(t, "/chat", chatRequest{Token: token, Message: "thanks, that was helpful"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reqs := s.provider.seen()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Tools)
}

func TestChatClearEmptiesThread(t *testing.T) {
	s := newTestStack(t)
	token := s.login(t)

	_, _ = s.post(t, "/chat", chatRequest{Token: token, Message: "hello"})

	resp, body := s.post(t, "/chat/clear", tokenRequest{Token: token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", body["status"])

	turns, err := s.store.History(context.Background(), token)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestDownloadMarkerRewrittenAndServed(t *testing.T) {
	s := newTestStack(t)
	token := s.login(t)
	s.provider.reply = "Report ready.\n\n[DOWNLOAD:outputs/report.xlsx]"

	resp, body := s.post(t, "/chat", chatRequest{Token: token, Message: "export the call report"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	wantURL := fmt.Sprintf("/files/%s/outputs/report.xlsx", token)
	reply, _ := body["reply"].(string)
	assert.Contains(t, reply, wantURL)
	assert.NotContains(t, reply, "[DOWNLOAD:")

	// Drop a file where the export tool would have written it.
	sess, ok := s.registry.Get(token)
	require.True(t, ok)
	path := filepath.Join(sess.WorkDir, "outputs", "report.xlsx")
	require.NoError(t, os.WriteFile(path, []byte("xlsx-bytes"), 0600))

	httpResp, err := http.Get(s.http.URL + wantURL)
	require.NoError(t, err)
	defer httpResp.Body.Close()
	assert.Equal(t, http.StatusOK, httpResp.StatusCode)

	// Escaping the workdir is refused.
	httpResp, err = http.Get(s.http.URL + "/files/" + token + "/../other/secret")
	require.NoError(t, err)
	defer httpResp.Body.Close()
	assert.NotEqual(t, http.StatusOK, httpResp.StatusCode)
}

func TestFilesRequiresValidToken(t *testing.T) {
	s := newTestStack(t)

	resp, err := http.Get(s.http.URL + "/files/bogus-token/outputs/a.xlsx")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	s := newTestStack(t)

	resp, err := http.Get(s.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func dialWS(t *testing.T, s *testStack, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) conn.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env conn.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	s := newTestStack(t)

	url := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws?token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketPingPong(t *testing.T) {
	s := newTestStack(t)
	token := s.login(t)
	ws := dialWS(t, s, token)

	env := readEnvelope(t, ws)
	assert.Equal(t, conn.KindConnected, env.Kind)

	require.NoError(t, ws.WriteJSON(wsFrame{Type: "ping"}))
	env = readEnvelope(t, ws)
	assert.Equal(t, conn.KindPong, env.Kind)
}

func TestWebSocketChatStreamsFinalAndComplete(t *testing.T) {
	s := newTestStack(t)
	token := s.login(t)
	ws := dialWS(t, s, token)

	env := readEnvelope(t, ws)
	require.Equal(t, conn.KindConnected, env.Kind)

	require.NoError(t, ws.WriteJSON(wsFrame{Type: "message", Message: "hello"}))

	var kinds []string
	var final conn.Envelope
	for {
		env := readEnvelope(t, ws)
		kinds = append(kinds, env.Kind)
		if env.Kind == conn.KindFinal {
			final = env
		}
		if env.Kind == conn.KindComplete {
			break
		}
	}
	assert.Contains(t, kinds, conn.KindFinal)
	assert.Equal(t, "Hello there.", final.Content)
}

func TestWebSocketReplayAfterDisconnect(t *testing.T) {
	s := newTestStack(t)
	token := s.login(t)

	// Establish the session over HTTP first so a reconnect path is taken.
	resp, _ := s.post(t, "/chat", chatRequest{Token: token, Message: "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// No transport was ever attached, so that turn's final and complete
	// frames were queued (content) or dropped (control).
	ws := dialWS(t, s, token)

	env := readEnvelope(t, ws)
	assert.Equal(t, conn.KindFinal, env.Kind)
	assert.Equal(t, "Hello there.", env.Content)

	env = readEnvelope(t, ws)
	assert.Equal(t, conn.KindConnected, env.Kind)
}
