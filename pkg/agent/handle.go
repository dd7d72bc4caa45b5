package agent

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/meridian-labs/contactd/internal/observability"
	"github.com/meridian-labs/contactd/internal/tracing"
	"github.com/meridian-labs/contactd/pkg/memory"
	"github.com/meridian-labs/contactd/pkg/tools"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// maxToolTurns bounds the model/tool loop per invocation.
const maxToolTurns = 10

// downloadMarker matches the [DOWNLOAD:path] markers tools embed in their
// output for files written to the session workdir.
var downloadMarker = regexp.MustCompile(`\[DOWNLOAD:([^\]]+)\]`)

// Handle is one agent within a session's set: a role, a bound model and
// provider, and borrowed references to the shared tool set and memory
// store. Handles are cheap; the expensive state lives behind them.
type Handle struct {
	role     Role
	model    string
	provider Provider
	tools    *tools.Set
	memory   *memory.Store

	workDir      string
	systemPrompt string
	temperature  float64
	maxTokens    int
	toolNames    []string
	logger       zerolog.Logger
}

// HandleConfig assembles a Handle.
type HandleConfig struct {
	Role     Role
	Model    string
	Provider Provider
	Tools    *tools.Set
	Memory   *memory.Store
	// WorkDir is the session workdir file-producing tools write into.
	WorkDir string
	// ToolNames restricts which tools of the shared set this handle
	// offers to the model. Empty means none.
	ToolNames   []string
	Temperature float64
	MaxTokens   int
	Logger      zerolog.Logger
}

// NewHandle validates and builds a handle.
func NewHandle(cfg HandleConfig) (*Handle, error) {
	if cfg.Model == "" {
		return nil, &ConstructionError{Role: cfg.Role, Err: fmt.Errorf("model cannot be empty")}
	}
	if cfg.Provider == nil {
		return nil, &ConstructionError{Role: cfg.Role, Err: fmt.Errorf("provider is required")}
	}
	if cfg.Memory == nil {
		return nil, &ConstructionError{Role: cfg.Role, Err: fmt.Errorf("memory store is required")}
	}
	if len(cfg.ToolNames) > 0 && cfg.Tools == nil {
		return nil, &ConstructionError{Role: cfg.Role, Err: fmt.Errorf("tool set is required for tool-using role")}
	}
	for _, name := range cfg.ToolNames {
		if _, ok := cfg.Tools.Get(name); !ok {
			return nil, &ConstructionError{Role: cfg.Role, Err: fmt.Errorf("tool %q is not in the shared set", name)}
		}
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &Handle{
		role:         cfg.Role,
		model:        cfg.Model,
		provider:     cfg.Provider,
		tools:        cfg.Tools,
		memory:       cfg.Memory,
		workDir:      cfg.WorkDir,
		systemPrompt: SystemPrompt(cfg.Role),
		temperature:  cfg.Temperature,
		maxTokens:    maxTokens,
		toolNames:    cfg.ToolNames,
		logger:       cfg.Logger,
	}, nil
}

// Role returns the handle's role.
func (h *Handle) Role() Role { return h.role }

// Model returns the bound model name.
func (h *Handle) Model() string { return h.model }

// Invoke runs one conversational turn: load the thread's history, call the
// model, execute requested tools (up to maxToolTurns rounds), persist the
// exchange, return the reply. Events stream to sink as the turn progresses;
// a nil sink is fine.
func (h *Handle) Invoke(ctx context.Context, threadID, prompt string, sink EventSink) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithThreadID(ctx, threadID)
	ctx = tracing.WithAgentRole(ctx, string(h.role))
	ctx, span := tracing.StartSpan(
		ctx,
		"contactd.agent",
		"agent.invoke",
		attribute.String("role", string(h.role)),
		attribute.String("model", h.model),
		attribute.String("thread_id", threadID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, h.logger)

	start := time.Now()
	result, err := h.invoke(ctx, threadID, prompt, sink, logger)
	observability.RecordInvocation(string(h.role), time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	return result, nil
}

func (h *Handle) invoke(ctx context.Context, threadID, prompt string, sink EventSink, logger zerolog.Logger) (Result, error) {
	if prompt == "" {
		return Result{}, fmt.Errorf("agent: prompt cannot be empty")
	}

	history, err := h.memory.History(ctx, threadID)
	if err != nil {
		return Result{}, fmt.Errorf("agent: failed to load thread history: %w", err)
	}

	// A retried invocation reloads a history that already ends with this
	// user turn. Persisting or sending it again would double the prompt.
	pendingUser := len(history) > 0 &&
		history[len(history)-1].Role == "user" &&
		history[len(history)-1].Content == prompt
	if pendingUser {
		history = history[:len(history)-1]
	}

	messages := h.buildMessages(history, prompt)

	if !pendingUser {
		if err := h.memory.Append(ctx, threadID, memory.Turn{Role: "user", Content: prompt}); err != nil {
			return Result{}, fmt.Errorf("agent: failed to persist user turn: %w", err)
		}
	}

	toolDefs := h.toolDefinitions()
	var allToolCalls []ToolCall
	var downloads []string

	for turn := 0; turn < maxToolTurns; turn++ {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		completion, err := h.provider.Complete(ctx, Request{
			Model:        h.model,
			Messages:     messages,
			Tools:        toolDefs,
			Temperature:  h.temperature,
			MaxTokens:    h.maxTokens,
			SystemPrompt: h.systemPrompt,
		})
		if err != nil {
			return Result{}, err
		}

		if len(completion.ToolCalls) == 0 {
			reply := completion.Content
			if err := h.memory.Append(ctx, threadID, memory.Turn{
				Role:    "assistant",
				Content: reply,
				Metadata: map[string]interface{}{
					"role":  string(h.role),
					"model": h.model,
				},
			}); err != nil {
				return Result{}, fmt.Errorf("agent: failed to persist assistant turn: %w", err)
			}
			return Result{
				Reply:     reply,
				ToolCalls: allToolCalls,
				Usage:     completion.Usage,
				Downloads: downloads,
			}, nil
		}

		messages = append(messages, Message{
			Role:      "assistant",
			Content:   completion.Content,
			ToolCalls: completion.ToolCalls,
		})

		for _, call := range completion.ToolCalls {
			emit(sink, Event{Kind: "tool_start", Tool: call.Name})

			outcome, toolErr := h.tools.Execute(ctx, call.Name, call.Parameters, tools.ExecContext{
				ThreadID: threadID,
				WorkDir:  h.workDir,
				Timeout:  5 * time.Minute,
			})
			if toolErr != nil {
				if IsConnectionFailure(toolErr) {
					// A dead pool is session-fatal; surfacing it here
					// lets the caller rebuild and retry.
					return Result{}, &ToolConnectionError{Tool: call.Name, Err: toolErr}
				}
				// Other failures go back to the model, which can adjust
				// parameters or report the problem.
				logger.Warn().
					Str("tool", call.Name).
					Err(toolErr).
					Msg("Tool failed; feeding error back to model")
				messages = append(messages, Message{
					Role:       "tool",
					Content:    fmt.Sprintf("Error: %v", toolErr),
					ToolCallID: call.ID,
				})
				emit(sink, Event{Kind: "tool_end", Tool: call.Name, Content: toolErr.Error()})
				continue
			}

			for _, m := range downloadMarker.FindAllStringSubmatch(outcome.Output, -1) {
				downloads = append(downloads, m[1])
			}
			messages = append(messages, Message{
				Role:       "tool",
				Content:    outcome.Output,
				ToolCallID: call.ID,
			})
			emit(sink, Event{Kind: "tool_end", Tool: call.Name, Data: outcome.Data})
		}

		allToolCalls = append(allToolCalls, completion.ToolCalls...)
	}

	return Result{}, fmt.Errorf("agent: maximum tool turns exceeded")
}

// buildMessages assembles provider messages from the persisted history plus
// the new prompt, compacting long threads to the recent window.
func (h *Handle) buildMessages(history []memory.Turn, prompt string) []Message {
	messages := make([]Message, 0, len(history)+1)
	for _, turn := range history {
		messages = append(messages, Message{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, Message{Role: "user", Content: prompt})
	return compactIfNeeded(messages, h.maxTokens)
}

// compactIfNeeded trims old turns when the estimated context exceeds the
// token budget, keeping the most recent 20 and noting the elision.
func compactIfNeeded(messages []Message, maxTokens int) []Message {
	const recentCount = 20

	if estimateTokens(messages) <= maxTokens || len(messages) <= recentCount {
		return messages
	}

	older := len(messages) - recentCount
	summary := Message{
		Role:    "system",
		Content: fmt.Sprintf("[Previous conversation summary: %d messages exchanged]", older),
	}
	out := make([]Message, 0, recentCount+1)
	out = append(out, summary)
	out = append(out, messages[older:]...)
	return out
}

// estimateTokens is the rough 4-characters-per-token heuristic.
func estimateTokens(messages []Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	return (chars + 3) / 4
}

func (h *Handle) toolDefinitions() []ToolDefinition {
	if len(h.toolNames) == 0 {
		return nil
	}
	defs := make([]ToolDefinition, 0, len(h.toolNames))
	for _, name := range h.toolNames {
		tool, ok := h.tools.Get(name)
		if !ok {
			continue
		}
		defs = append(defs, ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.InputSchema(),
		})
	}
	return defs
}

func emit(sink EventSink, ev Event) {
	if sink != nil {
		sink(ev)
	}
}
