package agent

// Role identifies one agent within a session's set.
type Role string

const (
	// RolePrimary answers conversational turns directly.
	RolePrimary Role = "primary"
	// RoleData runs report queries and exports through the tool set.
	RoleData Role = "data"
	// RoleVisual turns result sets into chart-ready structures.
	RoleVisual Role = "visual"
)

// Message represents one turn in the provider conversation
type Message struct {
	Role       string                 `json:"role"`
	Content    string                 `json:"content"`
	ToolCalls  []ToolCall             `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is the outcome of one agent invocation.
type Result struct {
	Reply     string      `json:"reply"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
	Usage     *TokenUsage `json:"usage,omitempty"`
	// Downloads lists files produced by export tools during the turn,
	// relative to the session workdir.
	Downloads []string `json:"downloads,omitempty"`
}

// Event is a progress notification emitted while an invocation runs, used
// by the gateway to stream intermediate state to a connected client.
type Event struct {
	Kind    string      `json:"kind"` // "tool_start", "tool_end", "chunk"
	Tool    string      `json:"tool,omitempty"`
	Content string      `json:"content,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// EventSink receives invocation events. Implementations must be safe for
// calls from the dispatcher goroutine. A nil sink disables streaming.
type EventSink func(Event)

const primarySystemPrompt = `You are a contact-center assistant.
Answer the user directly from the conversation.
You have no database tools; if the user needs call records, reports or
exports, say that you are looking the data up and answer from what is
already in the conversation.`

const dataSystemPrompt = `You are a contact-center data analyst.
Use the run_report_query tool to answer questions about calls, tickets and
customers. Use the export_excel tool when the user asks for a file or a
download. Report numbers exactly as returned; never invent rows.`

const visualSystemPrompt = `You are a data visualization assistant.
Given tabular results from earlier in the conversation, produce compact
chart-ready summaries (labels and series) and a one-paragraph narration.`

// SystemPrompt returns the built-in prompt for a role.
func SystemPrompt(role Role) string {
	switch role {
	case RoleData:
		return dataSystemPrompt
	case RoleVisual:
		return visualSystemPrompt
	default:
		return primarySystemPrompt
	}
}
