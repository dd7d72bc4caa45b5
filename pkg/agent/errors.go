package agent

import (
	"errors"
	"fmt"
	"strings"
)

// ConstructionError indicates a session's agent set could not be built.
// The registry treats it as fatal for the attempt: no partial set is ever
// registered.
type ConstructionError struct {
	Role Role
	Err  error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("agent: failed to construct %s agent: %v", e.Role, e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}

// ProviderError wraps a failure returned by an LLM provider.
type ProviderError struct {
	Provider string
	Model    string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("agent: provider %s (model %s): %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Unavailable reports whether the provider rejected the model itself, as
// opposed to failing the request. These are the failures a model rotation
// can recover from.
func (e *ProviderError) Unavailable() bool {
	msg := strings.ToLower(e.Err.Error())
	return strings.Contains(msg, "model_not_found") ||
		strings.Contains(msg, "model unavailable") ||
		strings.Contains(msg, "does not have access")
}

// ToolConnectionError wraps a tool failure caused by a dead long-lived
// connection (database pool, export target). Rebuilding the session's agent
// set re-establishes these connections.
type ToolConnectionError struct {
	Tool string
	Err  error
}

func (e *ToolConnectionError) Error() string {
	return fmt.Sprintf("agent: tool %s connection: %v", e.Tool, e.Err)
}

func (e *ToolConnectionError) Unwrap() error {
	return e.Err
}

var connectionPhrases = []string{
	"closed",
	"broken pipe",
	"connection refused",
	"connection reset",
	"not connected",
}

// IsConnectionFailure reports whether an error message describes a dead
// connection rather than a bad request. Matching on message text is crude
// but it is all the driver errors expose uniformly.
func IsConnectionFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range connectionPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// IsModelUnavailable reports whether err is a ProviderError for a model the
// account cannot use.
func IsModelUnavailable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Unavailable()
}

// IsToolConnection reports whether err is a ToolConnectionError.
func IsToolConnection(err error) bool {
	var te *ToolConnectionError
	return errors.As(err, &te)
}
