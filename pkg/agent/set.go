package agent

import (
	"context"
	"fmt"

	"github.com/meridian-labs/contactd/internal/tracing"
	"github.com/meridian-labs/contactd/pkg/memory"
	"github.com/meridian-labs/contactd/pkg/tools"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Set is the complete agent complement of one session: primary, data and
// visual handles bound to a single model. Construction is all-or-nothing; a
// Set either has every role or does not exist.
type Set struct {
	handles map[Role]*Handle
	model   string
	logger  zerolog.Logger
}

// Handle returns the handle for a role.
func (s *Set) Handle(role Role) (*Handle, bool) {
	h, ok := s.handles[role]
	return h, ok
}

// Model returns the model every handle in the set is bound to.
func (s *Set) Model() string { return s.model }

// Close releases the set. The tool set and memory store are shared
// process-wide resources borrowed by the handles; tearing down a session
// must not close them.
func (s *Set) Close() error {
	s.logger.Debug().Str("model", s.model).Msg("Agent set released")
	return nil
}

// Factory builds agent sets. One factory serves every session; it holds the
// shared tool set and memory store the handles borrow.
type Factory struct {
	providerName string
	creds        Credentials
	provider     Provider
	tools        *tools.Set
	memory       *memory.Store
	temperature  float64
	maxTokens    int
	logger       zerolog.Logger
}

// FactoryConfig holds factory configuration
type FactoryConfig struct {
	Provider    string
	Credentials Credentials
	// ProviderImpl, when non-nil, is used in place of the provider named by
	// Provider. Lets callers supply a pre-built or stub implementation.
	ProviderImpl Provider
	Tools        *tools.Set
	Memory       *memory.Store
	Temperature  float64
	MaxTokens    int
	Logger       zerolog.Logger
}

// NewFactory creates an agent set factory.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.Provider == "" {
		return nil, fmt.Errorf("agent: provider is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("agent: tool set is required")
	}
	if cfg.Memory == nil {
		return nil, fmt.Errorf("agent: memory store is required")
	}

	return &Factory{
		providerName: cfg.Provider,
		creds:        cfg.Credentials,
		provider:     cfg.ProviderImpl,
		tools:        cfg.Tools,
		memory:       cfg.Memory,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		logger:       cfg.Logger,
	}, nil
}

// Build constructs the full agent set for a session on the given model.
// Any failure returns a ConstructionError and no partial set.
func (f *Factory) Build(ctx context.Context, sessionID, workDir, model string) (*Set, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"contactd.agent",
		"agent.build_set",
		attribute.String("session_id", sessionID),
		attribute.String("model", model),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, f.logger)

	provider := f.provider
	if provider == nil {
		var err error
		provider, err = NewProvider(f.providerName, f.creds)
		if err != nil {
			return nil, &ConstructionError{Role: RolePrimary, Err: err}
		}
	}

	roleTools := map[Role][]string{
		RolePrimary: nil,
		RoleData:    {"run_report_query", "export_excel"},
		RoleVisual:  nil,
	}

	handles := make(map[Role]*Handle, len(roleTools))
	for _, role := range []Role{RolePrimary, RoleData, RoleVisual} {
		handle, err := NewHandle(HandleConfig{
			Role:        role,
			Model:       model,
			Provider:    provider,
			Tools:       f.tools,
			Memory:      f.memory,
			WorkDir:     workDir,
			ToolNames:   roleTools[role],
			Temperature: f.temperature,
			MaxTokens:   f.maxTokens,
			Logger:      f.logger,
		})
		if err != nil {
			return nil, err
		}
		handles[role] = handle
	}

	logger.Info().
		Str("session_id", sessionID).
		Str("model", model).
		Msg("Agent set constructed")

	return &Set{handles: handles, model: model, logger: f.logger}, nil
}
