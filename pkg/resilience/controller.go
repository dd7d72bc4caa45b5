package resilience

import (
	"context"
	"fmt"

	"github.com/meridian-labs/contactd/internal/tracing"
	"github.com/meridian-labs/contactd/pkg/agent"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// FatalError means a request failed, was recovered once, and failed again.
// The caller reports it to the user; no further automatic recovery happens
// for this request.
type FatalError struct {
	Cause error
	Retry error
}

func (e *FatalError) Error() string {
	if e.Retry != nil {
		return fmt.Sprintf("resilience: recovery failed: %v (original: %v)", e.Retry, e.Cause)
	}
	return fmt.Sprintf("resilience: unrecoverable: %v", e.Cause)
}

func (e *FatalError) Unwrap() error {
	if e.Retry != nil {
		return e.Retry
	}
	return e.Cause
}

// Invoker runs one agent invocation.
type Invoker func(ctx context.Context) (agent.Result, error)

// Recovery repairs the session after a transient failure: rotate the model
// if cause is a model rejection, then rebuild the session's agent set. It
// must leave the session usable or return an error.
type Recovery func(ctx context.Context, cause error) error

// Controller applies the recover-once policy around agent invocations.
// Exactly two failure classes are recoverable: the provider rejecting the
// bound model, and a tool's long-lived connection having died. Everything
// else propagates unchanged on the first failure.
type Controller struct {
	logger zerolog.Logger
}

// NewController creates a resilience controller.
func NewController(logger zerolog.Logger) *Controller {
	return &Controller{logger: logger}
}

// Run executes invoke, attempting one recovery on a transient failure.
func (c *Controller) Run(ctx context.Context, invoke Invoker, repair Recovery) (agent.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "contactd.resilience", "resilience.run")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	result, err := invoke(ctx)
	if err == nil {
		return result, nil
	}

	if !recoverable(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return agent.Result{}, err
	}

	span.SetAttributes(attribute.Bool("recovery_attempted", true))
	logger.Warn().
		Err(err).
		Bool("model_unavailable", agent.IsModelUnavailable(err)).
		Bool("tool_connection", agent.IsToolConnection(err)).
		Msg("Transient failure; attempting session recovery")

	if rerr := repair(ctx, err); rerr != nil {
		span.RecordError(rerr)
		span.SetStatus(codes.Error, rerr.Error())
		return agent.Result{}, &FatalError{Cause: err, Retry: rerr}
	}

	result, retryErr := invoke(ctx)
	if retryErr != nil {
		span.RecordError(retryErr)
		span.SetStatus(codes.Error, retryErr.Error())
		return agent.Result{}, &FatalError{Cause: err, Retry: retryErr}
	}

	logger.Info().Msg("Recovery succeeded")
	return result, nil
}

func recoverable(err error) bool {
	return agent.IsModelUnavailable(err) || agent.IsToolConnection(err)
}
