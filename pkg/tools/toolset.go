package tools

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/meridian-labs/contactd/internal/observability"
	"github.com/meridian-labs/contactd/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ExecContext carries the per-invocation environment a tool runs in.
type ExecContext struct {
	ThreadID string
	// WorkDir is the session workdir; file-producing tools write under it.
	WorkDir string
	Timeout time.Duration
}

// Outcome is the result of one tool execution.
type Outcome struct {
	// Output is the text handed back to the model.
	Output string
	// Data is the structured payload, if any, forwarded to connected
	// clients as a data frame.
	Data interface{}
}

// Tool is a single capability offered to the data and visual agents.
// Implementations holding long-lived connections also implement io.Closer.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, params map[string]interface{}, ec ExecContext) (Outcome, error)
}

// Set is the long-lived tool collection shared by every agent session.
// Connections owned by its tools (the report database pool) stay open for
// the life of the process; sessions borrow the Set, they never own it.
type Set struct {
	tools  map[string]Tool
	order  []string
	logger zerolog.Logger
}

// NewSet assembles a tool set.
func NewSet(logger zerolog.Logger, tools ...Tool) (*Set, error) {
	observability.EnsureRegistered()

	s := &Set{
		tools:  make(map[string]Tool, len(tools)),
		logger: logger,
	}
	for _, t := range tools {
		if t == nil {
			continue
		}
		if _, dup := s.tools[t.Name()]; dup {
			return nil, fmt.Errorf("tools: duplicate tool %q", t.Name())
		}
		s.tools[t.Name()] = t
		s.order = append(s.order, t.Name())
	}
	return s, nil
}

// Get returns a tool by name.
func (s *Set) Get(name string) (Tool, bool) {
	t, ok := s.tools[name]
	return t, ok
}

// Names returns tool names in registration order.
func (s *Set) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Execute runs a named tool with tracing and metrics.
func (s *Set) Execute(ctx context.Context, name string, params map[string]interface{}, ec ExecContext) (Outcome, error) {
	tool, ok := s.tools[name]
	if !ok {
		return Outcome{}, fmt.Errorf("tools: unknown tool %q", name)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"contactd.tools",
		"tools.execute",
		attribute.String("tool", name),
		attribute.String("thread_id", ec.ThreadID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	if ec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ec.Timeout)
		defer cancel()
	}

	start := time.Now()
	outcome, err := tool.Execute(ctx, params, ec)
	duration := time.Since(start)
	observability.RecordToolExecution(name, duration, err == nil)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn().
			Str("tool", name).
			Dur("duration", duration).
			Err(err).
			Msg("Tool execution failed")
		return Outcome{}, err
	}

	logger.Debug().
		Str("tool", name).
		Dur("duration", duration).
		Msg("Tool executed")
	return outcome, nil
}

// Close closes every tool holding a long-lived connection.
func (s *Set) Close() error {
	var firstErr error
	for _, name := range s.order {
		if closer, ok := s.tools[name].(io.Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("tools: closing %s: %w", name, err)
			}
		}
	}
	s.logger.Info().Msg("Tool set closed")
	return firstErr
}
