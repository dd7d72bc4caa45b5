package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/meridian-labs/contactd/pkg/memory"
	"github.com/meridian-labs/contactd/pkg/tools"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider returns canned completions in order.
type scriptedProvider struct {
	completions []*Completion
	errs        []error
	calls       int
	requests    []Request
}

func (p *scriptedProvider) Complete(ctx context.Context, request Request) (*Completion, error) {
	p.requests = append(p.requests, request)
	idx := p.calls
	p.calls++
	if idx < len(p.errs) && p.errs[idx] != nil {
		return nil, p.errs[idx]
	}
	if idx >= len(p.completions) {
		return nil, fmt.Errorf("scripted provider exhausted after %d calls", idx)
	}
	return p.completions[idx], nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

// echoTool returns a fixed output.
type echoTool struct {
	name   string
	output string
	err    error
	params map[string]interface{}
	ec     tools.ExecContext
}

func (t *echoTool) Name() string        { return t.name }
func (t *echoTool) Description() string { return "test tool" }
func (t *echoTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (t *echoTool) Execute(ctx context.Context, params map[string]interface{}, ec tools.ExecContext) (tools.Outcome, error) {
	t.params = params
	t.ec = ec
	if t.err != nil {
		return tools.Outcome{}, t.err
	}
	return tools.Outcome{Output: t.output}, nil
}

func newTestHandle(t *testing.T, provider Provider, toolList ...tools.Tool) (*Handle, *memory.Store) {
	t.Helper()
	store, err := memory.NewStore(t.TempDir())
	require.NoError(t, err)

	set, err := tools.NewSet(zerolog.Nop(), toolList...)
	require.NoError(t, err)

	names := make([]string, len(toolList))
	for i, tl := range toolList {
		names[i] = tl.Name()
	}

	h, err := NewHandle(HandleConfig{
		Role:      RoleData,
		Model:     "gpt-5-mini",
		Provider:  provider,
		Tools:     set,
		Memory:    store,
		WorkDir:   t.TempDir(),
		ToolNames: names,
		MaxTokens: 4096,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	return h, store
}

func TestInvokeDirectReply(t *testing.T) {
	provider := &scriptedProvider{completions: []*Completion{
		{Content: "hello back", Usage: &TokenUsage{InputTokens: 10, OutputTokens: 5}},
	}}
	h, store := newTestHandle(t, provider)

	result, err := h.Invoke(context.Background(), "t1", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello back", result.Reply)
	assert.Empty(t, result.ToolCalls)

	turns, err := store.History(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "hello", turns[0].Content)
	assert.Equal(t, "assistant", turns[1].Role)
	assert.Equal(t, "hello back", turns[1].Content)
}

func TestInvokeRunsToolLoop(t *testing.T) {
	tool := &echoTool{name: "run_report_query", output: "42 rows"}
	provider := &scriptedProvider{completions: []*Completion{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "run_report_query", Parameters: map[string]interface{}{"query_name": "agent_activity"}}}},
		{Content: "There were 42 calls."},
	}}
	h, _ := newTestHandle(t, provider, tool)

	var events []Event
	result, err := h.Invoke(context.Background(), "t1", "how many calls today?", func(ev Event) {
		events = append(events, ev)
	})
	require.NoError(t, err)

	assert.Equal(t, "There were 42 calls.", result.Reply)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "agent_activity", tool.params["query_name"])
	assert.Equal(t, "t1", tool.ec.ThreadID)
	assert.NotEmpty(t, tool.ec.WorkDir)

	require.Len(t, events, 2)
	assert.Equal(t, "tool_start", events[0].Kind)
	assert.Equal(t, "tool_end", events[1].Kind)

	// The second model call must carry the tool result back.
	secondCall := provider.requests[1]
	last := secondCall.Messages[len(secondCall.Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "42 rows", last.Content)
	assert.Equal(t, "c1", last.ToolCallID)
}

func TestInvokeCollectsDownloadMarkers(t *testing.T) {
	tool := &echoTool{name: "export_excel", output: "Done.\n\n[DOWNLOAD:outputs/report.xlsx]"}
	provider := &scriptedProvider{completions: []*Completion{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "export_excel", Parameters: map[string]interface{}{}}}},
		{Content: "Your export is ready."},
	}}
	h, _ := newTestHandle(t, provider, tool)

	result, err := h.Invoke(context.Background(), "t1", "export it", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"outputs/report.xlsx"}, result.Downloads)
}

func TestInvokeFeedsToolErrorBackToModel(t *testing.T) {
	tool := &echoTool{name: "run_report_query", err: errors.New("unknown query \"bogus\"")}
	provider := &scriptedProvider{completions: []*Completion{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "run_report_query", Parameters: map[string]interface{}{}}}},
		{Content: "That report does not exist."},
	}}
	h, _ := newTestHandle(t, provider, tool)

	result, err := h.Invoke(context.Background(), "t1", "run bogus", nil)
	require.NoError(t, err)
	assert.Equal(t, "That report does not exist.", result.Reply)

	last := provider.requests[1].Messages[len(provider.requests[1].Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Contains(t, last.Content, "unknown query")
}

func TestInvokeSurfacesConnectionFailures(t *testing.T) {
	tool := &echoTool{name: "run_report_query", err: errors.New("dial tcp: connection refused")}
	provider := &scriptedProvider{completions: []*Completion{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "run_report_query", Parameters: map[string]interface{}{}}}},
	}}
	h, _ := newTestHandle(t, provider, tool)

	_, err := h.Invoke(context.Background(), "t1", "run it", nil)
	require.Error(t, err)
	assert.True(t, IsToolConnection(err))

	var te *ToolConnectionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "run_report_query", te.Tool)
}

func TestInvokeBoundsToolTurns(t *testing.T) {
	tool := &echoTool{name: "run_report_query", output: "rows"}
	looping := &Completion{ToolCalls: []ToolCall{{ID: "c", Name: "run_report_query", Parameters: map[string]interface{}{}}}}
	completions := make([]*Completion, maxToolTurns+1)
	for i := range completions {
		completions[i] = looping
	}
	provider := &scriptedProvider{completions: completions}
	h, _ := newTestHandle(t, provider, tool)

	_, err := h.Invoke(context.Background(), "t1", "loop forever", nil)
	assert.ErrorContains(t, err, "maximum tool turns")
}

func TestInvokePropagatesProviderError(t *testing.T) {
	provider := &scriptedProvider{errs: []error{
		&ProviderError{Provider: "openai", Model: "gpt-5-mini", Err: errors.New("model_not_found")},
	}}
	h, _ := newTestHandle(t, provider)

	_, err := h.Invoke(context.Background(), "t1", "hi", nil)
	require.Error(t, err)
	assert.True(t, IsModelUnavailable(err))
}

func TestInvokeRetryDoesNotDuplicateUserTurn(t *testing.T) {
	provider := &scriptedProvider{
		errs: []error{
			&ProviderError{Provider: "openai", Model: "gpt-5-mini", Err: errors.New("model_not_found")},
		},
		completions: []*Completion{
			nil,
			{Content: "There were 42 calls."},
		},
	}
	h, store := newTestHandle(t, provider)

	_, err := h.Invoke(context.Background(), "t1", "how many calls today?", nil)
	require.Error(t, err)

	result, err := h.Invoke(context.Background(), "t1", "how many calls today?", nil)
	require.NoError(t, err)
	assert.Equal(t, "There were 42 calls.", result.Reply)

	// One logical request: the checkpoint holds one user turn, and the
	// retried completion request carried the prompt once.
	turns, err := store.History(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "assistant", turns[1].Role)

	retried := provider.requests[1]
	userCount := 0
	for _, m := range retried.Messages {
		if m.Role == "user" {
			userCount++
		}
	}
	assert.Equal(t, 1, userCount)
}

func TestInvokeEmptyPrompt(t *testing.T) {
	h, _ := newTestHandle(t, &scriptedProvider{})
	_, err := h.Invoke(context.Background(), "t1", "", nil)
	assert.Error(t, err)
}

func TestCompactIfNeeded(t *testing.T) {
	var messages []Message
	for i := 0; i < 50; i++ {
		messages = append(messages, Message{Role: "user", Content: "a long filler message for the context window"})
	}

	compacted := compactIfNeeded(messages, 100)
	require.Len(t, compacted, 21)
	assert.Equal(t, "system", compacted[0].Role)
	assert.Contains(t, compacted[0].Content, "30 messages")

	short := compactIfNeeded(messages[:5], 100000)
	assert.Len(t, short, 5)
}
