// Package codex provides types and a stdio client for the OpenAI Codex
// app-server protocol. Codex uses a JSON-RPC 2.0 variant over stdio, but
// omits the "jsonrpc":"2.0" header.
package codex

import "encoding/json"

// Request represents a Codex JSON-RPC request (without jsonrpc field)
type Request struct {
	ID     interface{}     `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response represents a Codex JSON-RPC response
type Response struct {
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification represents a Codex notification (no id field)
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error represents a JSON-RPC error
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
	HandlerError   = -32000 // request handler raised an application error
)

// Codex method names (client → server)
const (
	MethodInitialize        = "initialize"
	MethodInitialized       = "initialized" // Notification
	MethodAccountRead       = "account/read"
	MethodAccountLoginStart = "account/login/start"
	MethodAccountLogout     = "account/logout"
	MethodThreadStart       = "thread/start"
	MethodThreadResume      = "thread/resume"
	MethodTurnStart         = "turn/start"
	MethodTurnSteer         = "turn/steer"
	MethodTurnInterrupt     = "turn/interrupt"
)

// Codex request methods (server → client)
const (
	MethodToolCall             = "item/tool/call"
	MethodToolRequestUserInput = "item/tool/requestUserInput"
	MethodCmdExecApproval      = "item/commandExecution/requestApproval"
	MethodFileChangeApproval   = "item/fileChange/requestApproval"
)

// Codex notification methods (server → client)
const (
	NotifyThreadStarted                 = "thread/started"
	NotifyTurnStarted                   = "turn/started"
	NotifyTurnCompleted                 = "turn/completed"
	NotifyTurnDiffUpdated               = "turn/diff/updated"
	NotifyTurnPlanUpdated               = "turn/plan/updated"
	NotifyItemStarted                   = "item/started"
	NotifyItemCompleted                 = "item/completed"
	NotifyItemAgentMessageDelta         = "item/agentMessage/delta"
	NotifyItemReasoningSummaryDelta     = "item/reasoning/summaryTextDelta"
	NotifyItemReasoningTextDelta        = "item/reasoning/textDelta"
	NotifyItemCmdExecOutputDelta        = "item/commandExecution/outputDelta"
	NotifyItemMcpToolCallOutputDelta    = "item/mcpToolCall/outputDelta"
	NotifyAccountUpdated                = "account/updated"
	NotifyAccountLoginCompleted         = "account/login/completed"
	NotifyError                         = "error"
	NotifyTokenCount                    = "token_count" // legacy, superseded by thread/tokenUsage/updated
	NotifyThreadTokenUsageUpdated       = "thread/tokenUsage/updated"
	NotifyContextCompacted              = "context_compacted"
	NotifyContextCompactionStarted      = "context_compaction_started"
	NotifyTurnRetryStarted              = "turn_retry_started"
	NotifyTurnRetryCompleted            = "turn_retry_completed"
)

// OutputDeltaSuffix matches streaming tool output notifications regardless
// of item type (item/commandExecution/outputDelta, item/mcpToolCall/outputDelta, ...).
const OutputDeltaSuffix = "/outputDelta"

// InitializeParams for initialize request
type InitializeParams struct {
	ClientInfo   *ClientInfo    `json:"clientInfo"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
}

// ClientInfo identifies the client
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeResult from initialize
type InitializeResult struct {
	UserAgent string `json:"userAgent,omitempty"`
}

// AccountReadParams for account/read
type AccountReadParams struct {
	RefreshToken bool `json:"refreshToken"`
}

// AccountReadResult from account/read
type AccountReadResult struct {
	RequiresOpenaiAuth bool            `json:"requiresOpenaiAuth"`
	Account            json.RawMessage `json:"account,omitempty"`
}

// Login types for account/login/start
const (
	LoginTypeAPIKey  = "apiKey"
	LoginTypeChatGPT = "chatGpt"
)

// AccountLoginStartParams for account/login/start
type AccountLoginStartParams struct {
	Type   string `json:"type"`
	ApiKey string `json:"apiKey,omitempty"`
}

// DynamicTool describes a host-provided tool the agent can call back into.
// The server routes invocations through item/tool/call requests.
type DynamicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ThreadStartParams for thread/start
type ThreadStartParams struct {
	Model          string         `json:"model,omitempty"`
	Cwd            string         `json:"cwd,omitempty"`
	ApprovalPolicy string         `json:"approvalPolicy,omitempty"` // "untrusted", "on-failure", "on-request", "never"
	Sandbox        string         `json:"sandbox,omitempty"`        // "workspaceWrite", "readOnly", etc.
	SandboxPolicy  *SandboxPolicy `json:"sandboxPolicy,omitempty"`
	Config         map[string]any `json:"config,omitempty"`

	DeveloperInstructions string        `json:"developerInstructions,omitempty"`
	DynamicTools          []DynamicTool `json:"dynamicTools,omitempty"`
}

// SandboxPolicy configures sandbox behavior.
// Type must use kebab-case values per Codex documentation:
// - "read-only": prevents edits, command execution, and network access
// - "workspace-write": allows reads, edits, and commands within the active workspace
// - "danger-full-access": removes all sandbox constraints (not recommended)
type SandboxPolicy struct {
	Type          string   `json:"type"` // "workspace-write", "read-only", "danger-full-access"
	WritableRoots []string `json:"writableRoots,omitempty"`
	NetworkAccess bool     `json:"networkAccess,omitempty"`
}

// Thread represents a Codex thread (conversation)
type Thread struct {
	ID            string `json:"id"`
	Preview       string `json:"preview,omitempty"`
	ModelProvider string `json:"modelProvider,omitempty"`
	CreatedAt     int64  `json:"createdAt,omitempty"`
}

// ThreadStartResult from thread/start
type ThreadStartResult struct {
	Thread *Thread `json:"thread"`
}

// ThreadResumeParams for thread/resume. Thread configuration is re-sent on
// resume because the app server does not persist it across processes.
type ThreadResumeParams struct {
	ThreadID       string         `json:"threadId"`
	Model          string         `json:"model,omitempty"`
	Cwd            string         `json:"cwd,omitempty"`
	ApprovalPolicy string         `json:"approvalPolicy,omitempty"`
	Sandbox        string         `json:"sandbox,omitempty"`
	SandboxPolicy  *SandboxPolicy `json:"sandboxPolicy,omitempty"`
	Config         map[string]any `json:"config,omitempty"`

	DeveloperInstructions string        `json:"developerInstructions,omitempty"`
	DynamicTools          []DynamicTool `json:"dynamicTools,omitempty"`
}

// ThreadResumeResult from thread/resume
type ThreadResumeResult struct {
	Thread *Thread `json:"thread"`
}

// ThreadStartedParams for thread/started notification
type ThreadStartedParams struct {
	Thread *Thread `json:"thread"`
}

// UserInput represents input to a turn
type UserInput struct {
	Type string `json:"type"` // "text", "image", "localImage", "skill"
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
	Name string `json:"name,omitempty"`
}

// TextInput builds a plain-text user input part.
func TextInput(text string) UserInput {
	return UserInput{Type: "text", Text: text}
}

// ImageInput builds an inline image input part from a data URL.
func ImageInput(dataURL string) UserInput {
	return UserInput{Type: "image", URL: dataURL}
}

// TurnStartParams for turn/start
type TurnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []UserInput `json:"input"`
}

// TurnSteerParams for turn/steer. ExpectedTurnID guards against racing a
// turn boundary: the server rejects the steer if the active turn no longer
// matches.
type TurnSteerParams struct {
	ThreadID       string      `json:"threadId"`
	ExpectedTurnID string      `json:"expectedTurnId"`
	Input          []UserInput `json:"input"`
}

// TurnInterruptParams for turn/interrupt
type TurnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

// Turn represents a Codex turn within a thread
type Turn struct {
	ID     string `json:"id"`
	Status string `json:"status"` // "inProgress", "completed", "failed"
	Items  []Item `json:"items,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// TurnStartResult from turn/start
type TurnStartResult struct {
	Turn *Turn `json:"turn"`
}

// TurnStartedParams for turn/started notification
type TurnStartedParams struct {
	ThreadID string `json:"threadId"`
	Turn     *Turn  `json:"turn"`
}

// TurnCompletedParams for turn/completed notification
type TurnCompletedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// Item represents a Codex item (message, command, file change, etc.)
type Item struct {
	ID     string `json:"id"`
	Type   string `json:"type"`   // "userMessage", "agentMessage", "commandExecution", "fileChange", "reasoning", "mcpToolCall", "collabAgentToolCall", "webSearch", "imageView"
	Status string `json:"status"` // "inProgress", "completed", "failed", "declined"

	// For userMessage / agentMessage types
	Text string `json:"text,omitempty"`

	// For commandExecution type
	Command          string `json:"command,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	AggregatedOutput string `json:"aggregatedOutput,omitempty"`
	ExitCode         *int   `json:"exitCode,omitempty"`
	DurationMs       *int   `json:"durationMs,omitempty"`

	// For fileChange type
	Changes []FileChange `json:"changes,omitempty"`

	// For reasoning type - content can be objects like [{type: "text", text: "..."}]
	// or plain strings. FlexibleContent handles both formats.
	Summary FlexibleContent `json:"summary,omitempty"`
	Content FlexibleContent `json:"content,omitempty"`

	// For mcpToolCall and collabAgentToolCall types
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	ToolError string          `json:"error,omitempty"` // Named ToolError to avoid conflict with Error type

	// For webSearch type
	Query string `json:"query,omitempty"`

	// For imageView type
	Path string `json:"path,omitempty"`
}

// ContentPart represents a content part in a Codex item.
// This handles the OpenAI responses format where content is an array of typed objects.
type ContentPart struct {
	Type string `json:"type,omitempty"` // "text", "output_text", "refusal", "input_text", etc.
	Text string `json:"text,omitempty"`
}

// FlexibleContent is a type that can unmarshal from either a string or []ContentPart.
// Codex sometimes sends summary/content as a plain string, other times as an array.
type FlexibleContent []ContentPart

// UnmarshalJSON implements custom unmarshaling for FlexibleContent.
// It handles both string and array formats from Codex.
func (fc *FlexibleContent) UnmarshalJSON(data []byte) error {
	// Try to unmarshal as array first (most common case)
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		*fc = parts
		return nil
	}

	// Try to unmarshal as string
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*fc = []ContentPart{{Type: "text", Text: str}}
		return nil
	}

	// If both fail, return empty (don't fail parsing)
	*fc = nil
	return nil
}

// JoinedText returns the concatenated text of all parts.
func (fc FlexibleContent) JoinedText() string {
	var out string
	for _, p := range fc {
		out += p.Text
	}
	return out
}

// FileChange represents a file change in a fileChange item
type FileChange struct {
	Path string         `json:"path"`
	Kind FileChangeKind `json:"kind"`
	Diff string         `json:"diff,omitempty"`
}

// FileChangeKind represents the type of file change
type FileChangeKind struct {
	Type string `json:"type"` // "add", "modify", "delete"
}

// ItemStartedParams for item/started notification
type ItemStartedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     *Item  `json:"item"`
}

// ItemCompletedParams for item/completed notification
type ItemCompletedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     *Item  `json:"item"`
}

// AgentMessageDeltaParams for item/agentMessage/delta
type AgentMessageDeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// ReasoningDeltaParams for item/reasoning/textDelta and summaryTextDelta
type ReasoningDeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// OutputDeltaParams for item/*/outputDelta notifications
type OutputDeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// CommandApprovalParams for item/commandExecution/requestApproval
type CommandApprovalParams struct {
	ThreadID  string   `json:"threadId"`
	TurnID    string   `json:"turnId"`
	ItemID    string   `json:"itemId"`
	Command   string   `json:"command"`
	Cwd       string   `json:"cwd,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
	Options   []string `json:"options,omitempty"`
}

// FileChangeApprovalParams for item/fileChange/requestApproval
type FileChangeApprovalParams struct {
	ThreadID  string   `json:"threadId"`
	TurnID    string   `json:"turnId"`
	ItemID    string   `json:"itemId"`
	Path      string   `json:"path"`
	Diff      string   `json:"diff,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
	Options   []string `json:"options,omitempty"`
}

// Approval decisions
const (
	DecisionAccept           = "accept"
	DecisionAcceptForSession = "acceptForSession"
	DecisionDecline          = "decline"
	DecisionCancel           = "cancel"
)

// ApprovalResponse answers command and file change approval requests.
type ApprovalResponse struct {
	Decision string `json:"decision"`
}

// ToolCallParams for item/tool/call requests: the server invokes a
// host-provided dynamic tool and waits for the response.
type ToolCallParams struct {
	ThreadID  string          `json:"threadId,omitempty"`
	TurnID    string          `json:"turnId,omitempty"`
	Tool      string          `json:"tool"`
	CallID    string          `json:"callId"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolCallResult answers an item/tool/call request.
type ToolCallResult struct {
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"isError,omitempty"`
}

// UserInputQuestion is one question in an item/tool/requestUserInput request.
type UserInputQuestion struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt,omitempty"`
}

// RequestUserInputParams for item/tool/requestUserInput requests.
type RequestUserInputParams struct {
	ThreadID  string              `json:"threadId,omitempty"`
	TurnID    string              `json:"turnId,omitempty"`
	ItemID    string              `json:"itemId,omitempty"`
	Questions []UserInputQuestion `json:"questions,omitempty"`
}

// RequestUserInputResult answers an item/tool/requestUserInput request.
type RequestUserInputResult struct {
	Answers map[string]string `json:"answers"`
}

// ErrorParams for error notification
type ErrorParams struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// TurnRetryParams for turn_retry_started and turn_retry_completed
// notifications emitted while the server retries a transient model failure.
type TurnRetryParams struct {
	ThreadID string `json:"threadId,omitempty"`
	TurnID   string `json:"turnId,omitempty"`
	Attempt  int    `json:"attempt,omitempty"`
	Message  string `json:"message,omitempty"`
}

// TokenUsage contains token counts for a request/response cycle.
type TokenUsage struct {
	InputTokens           int32 `json:"inputTokens"`
	CachedInputTokens     int32 `json:"cachedInputTokens"`
	OutputTokens          int32 `json:"outputTokens"`
	ReasoningOutputTokens int32 `json:"reasoningOutputTokens"`
	TotalTokens           int32 `json:"totalTokens"`
}

// ThreadTokenUsageUpdatedParams for thread/tokenUsage/updated notification.
// This is emitted by Codex after each turn completes with token usage info.
type ThreadTokenUsageUpdatedParams struct {
	ThreadID   string            `json:"threadId"`
	TurnID     string            `json:"turnId"`
	TokenUsage *ThreadTokenUsage `json:"tokenUsage"`
}

// ThreadTokenUsage contains the token usage summary for a thread.
type ThreadTokenUsage struct {
	Total              *TokenUsage `json:"total,omitempty"`
	Last               *TokenUsage `json:"last,omitempty"`
	ModelContextWindow int64       `json:"modelContextWindow"`
}

// ContextCompactedParams for context_compacted notification.
// Emitted when the context has been compacted due to reaching limits.
type ContextCompactedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}
