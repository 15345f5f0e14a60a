package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// RequestID is the identifier of a JSON-RPC request. The protocol allows both string and numeric ids.
// A RequestID remembers which of the two it was decoded from and keeps numbers as their original text,
// so a response echoes the id of its request unchanged. The zero value is the absent id.
type RequestID struct {
	value  string
	number bool
}

// StringID returns a string request id.
func StringID(s string) RequestID {
	return RequestID{value: s}
}

// NumberID returns a numeric request id.
func NumberID(n int64) RequestID {
	return RequestID{value: strconv.FormatInt(n, 10), number: true}
}

// String returns the id as text, without quotes.
func (r RequestID) String() string { return r.value }

// IsNumber reports whether the id is numeric.
func (r RequestID) IsNumber() bool { return r.number }

// IsZero reports whether the id is absent.
func (r RequestID) IsZero() bool { return r.value == "" && !r.number }

// MessageKind is the variant of a JSONRPCMessage.
type MessageKind int

// JSONRPCMessage represents a JSON-RPC 2.0 message used for communication in the MCP protocol.
// The same struct carries the three variants of the protocol's tagged union:
//
//   - Request: ID and Method are set, Params is optional.
//   - Notification: Method is set, ID is empty.
//   - Response: ID is set, Method is empty, and exactly one of Result or Error is present.
//
// Use Kind to classify a message and Validate to check it against the invariants above.
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification.
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs.
	ID RequestID `json:"id,omitzero"`
	// Method contains the RPC method name for requests and notifications.
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message.
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message.
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed.
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`
	// Message provides a short description of the error.
	Message string `json:"message"`
	// Data contains additional information about the error, opaque to the engine.
	Data any `json:"data,omitempty"`
}

// Implementation describes the name and version of an MCP endpoint, exchanged during the handshake.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeRequest is sent by the client as the first request of a session.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResult is the server's answer to an InitializeRequest. ProtocolVersion is the negotiated
// version the client must adopt.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ServerCapabilities represents server capabilities. A nil field means the capability is not
// declared at all.
type ServerCapabilities struct {
	Prompts     *PromptsCapability     `json:"prompts,omitempty"`
	Resources   *ResourcesCapability   `json:"resources,omitempty"`
	Tools       *ToolsCapability       `json:"tools,omitempty"`
	Logging     *LoggingCapability     `json:"logging,omitempty"`
	Completions *CompletionsCapability `json:"completions,omitempty"`
}

// ClientCapabilities represents client capabilities.
type ClientCapabilities struct {
	Roots    *RootsCapability    `json:"roots,omitempty"`
	Sampling *SamplingCapability `json:"sampling,omitempty"`
}

// PromptsCapability represents prompts-specific capabilities.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability represents resources-specific capabilities.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability represents logging-specific capabilities.
type LoggingCapability struct{}

// CompletionsCapability represents argument-completion capabilities.
type CompletionsCapability struct{}

// RootsCapability represents roots-specific capabilities.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability represents sampling-specific capabilities.
type SamplingCapability struct{}

// PaginatedRequest carries the optional cursor of every list request.
type PaginatedRequest struct {
	Cursor string `json:"cursor,omitempty"`
}

// Tool defines a callable tool with its input schema.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResult represents the result of a tools/list request.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolRequest contains parameters for executing a specific tool.
type CallToolRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      *RequestMeta    `json:"_meta,omitempty"`
}

// CallToolResult represents the outcome of a tool invocation. IsError reports a tool-level failure
// that the model should see, as opposed to a protocol error.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Resource represents a content resource in the system with associated metadata. A URI containing a
// '{' is an RFC 6570 template and is also listed as a ResourceTemplate.
type Resource struct {
	URI         string       `json:"uri"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	MimeType    string       `json:"mimeType,omitempty"`
	Annotations *Annotations `json:"annotations,omitempty"`
}

// ResourceTemplate defines a template for generating resource URIs.
type ResourceTemplate struct {
	URITemplate string       `json:"uriTemplate"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	MimeType    string       `json:"mimeType,omitempty"`
	Annotations *Annotations `json:"annotations,omitempty"`
}

// ListResourcesResult represents the result of a resources/list request.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ListResourceTemplatesResult represents the result of a resources/templates/list request.
type ListResourceTemplatesResult struct {
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
	NextCursor        string             `json:"nextCursor,omitempty"`
}

// ReadResourceRequest contains the URI of the resource to read.
type ReadResourceRequest struct {
	URI  string       `json:"uri"`
	Meta *RequestMeta `json:"_meta,omitempty"`
}

// ReadResourceResult represents the result of a resources/read request.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// ResourceContents represents either text or blob resource contents.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// SubscribeRequest is the parameter of resources/subscribe and resources/unsubscribe.
type SubscribeRequest struct {
	URI string `json:"uri"`
}

// ResourceUpdatedNotification tells a subscribed client that a resource changed.
type ResourceUpdatedNotification struct {
	URI string `json:"uri"`
}

// Prompt defines a template for generating prompts with optional arguments.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument defines a single argument that can be passed to a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ListPromptsResult represents the result of a prompts/list request.
type ListPromptsResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// GetPromptRequest contains parameters for retrieving a specific prompt.
type GetPromptRequest struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
	Meta      *RequestMeta      `json:"_meta,omitempty"`
}

// GetPromptResult represents the result of a prompts/get request.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// PromptMessage represents a message in a prompt.
type PromptMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// Role represents the role in a conversation (user or assistant).
type Role string

// ContentType represents the type of content in messages.
type ContentType string

// Content represents a message content with its type.
type Content struct {
	Type        ContentType  `json:"type"`
	Annotations *Annotations `json:"annotations,omitempty"`

	// For ContentTypeText
	Text string `json:"text,omitempty"`

	// For ContentTypeImage or ContentTypeAudio
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// For ContentTypeResource
	Resource *ResourceContents `json:"resource,omitempty"`
}

// Annotations represents the annotations for a message.
type Annotations struct {
	Audience []Role  `json:"audience,omitempty"`
	Priority float64 `json:"priority,omitempty"`
}

// CompleteReference identifies the entity an argument completion applies to. Type is either
// CompletionRefPrompt, with Name set, or CompletionRefResource, with URI set.
type CompleteReference struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	URI  string `json:"uri,omitempty"`
}

// CompleteArgument is the argument being completed and its partial value.
type CompleteArgument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CompleteRequest is the parameter of completion/complete.
type CompleteRequest struct {
	Ref      CompleteReference `json:"ref"`
	Argument CompleteArgument  `json:"argument"`
}

// CompleteResult holds completion suggestions.
type CompleteResult struct {
	Completion Completion `json:"completion"`
}

// Completion is the body of a CompleteResult.
type Completion struct {
	Values  []string `json:"values"`
	Total   int      `json:"total,omitempty"`
	HasMore bool     `json:"hasMore,omitempty"`
}

// CreateMessageRequest asks the client to sample from a language model.
type CreateMessageRequest struct {
	Messages         []SamplingMessage `json:"messages"`
	ModelPreferences *ModelPreferences `json:"modelPreferences,omitempty"`
	SystemPrompt     string            `json:"systemPrompt,omitempty"`
	IncludeContext   string            `json:"includeContext,omitempty"`
	Temperature      float64           `json:"temperature,omitempty"`
	MaxTokens        int               `json:"maxTokens"`
	StopSequences    []string          `json:"stopSequences,omitempty"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
}

// CreateMessageResult is the sampled message returned by the client.
type CreateMessageResult struct {
	Role       Role    `json:"role"`
	Content    Content `json:"content"`
	Model      string  `json:"model"`
	StopReason string  `json:"stopReason,omitempty"`
}

// SamplingMessage represents a message in the sampling conversation history.
type SamplingMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// ModelPreferences defines preferences for model selection.
type ModelPreferences struct {
	Hints                []ModelHint `json:"hints,omitempty"`
	CostPriority         float64     `json:"costPriority,omitempty"`
	SpeedPriority        float64     `json:"speedPriority,omitempty"`
	IntelligencePriority float64     `json:"intelligencePriority,omitempty"`
}

// ModelHint names a model the server would prefer.
type ModelHint struct {
	Name string `json:"name"`
}

// Root represents a top-level directory or location that the client exposes.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// ListRootsResult is the result of roots/list.
type ListRootsResult struct {
	Roots      []Root `json:"roots"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// LogLevel represents the severity level of log messages. Levels are ordered, a higher value is more
// severe.
type LogLevel int

// LoggingMessageNotification is the parameter of notifications/message.
type LoggingMessageNotification struct {
	Level  LogLevel        `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// SetLevelRequest is the parameter of logging/setLevel.
type SetLevelRequest struct {
	Level LogLevel `json:"level"`
}

// RequestMeta carries the request metadata, currently only the progress token.
type RequestMeta struct {
	ProgressToken RequestID `json:"progressToken,omitzero"`
}

// ProgressNotification reports progress on a long-running request identified by its progress token.
type ProgressNotification struct {
	ProgressToken RequestID `json:"progressToken"`
	Progress      float64   `json:"progress"`
	Total         float64   `json:"total,omitempty"`
}

// CancelledNotification asks the receiver to stop working on a request.
type CancelledNotification struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

const (
	// KindInvalid is a message that matches none of the protocol variants.
	KindInvalid MessageKind = iota
	// KindRequest is a message with both an id and a method.
	KindRequest
	// KindNotification is a message with a method and no id.
	KindNotification
	// KindResponse is a message with an id and no method.
	KindResponse
)

const (
	// RoleUser represents the user role.
	RoleUser Role = "user"
	// RoleAssistant represents the assistant role.
	RoleAssistant Role = "assistant"
)

const (
	// ContentTypeText represents text content.
	ContentTypeText ContentType = "text"
	// ContentTypeImage represents image content.
	ContentTypeImage ContentType = "image"
	// ContentTypeAudio represents audio content.
	ContentTypeAudio ContentType = "audio"
	// ContentTypeResource represents embedded resource content.
	ContentTypeResource ContentType = "resource"
)

const (
	// LogLevelDebug is used for detailed debugging information.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is used for general informational messages.
	LogLevelInfo
	// LogLevelNotice is used for normal but significant events.
	LogLevelNotice
	// LogLevelWarning is used for warning conditions.
	LogLevelWarning
	// LogLevelError is used for error conditions.
	LogLevelError
	// LogLevelCritical is used for critical conditions.
	LogLevelCritical
	// LogLevelAlert is used when action must be taken immediately.
	LogLevelAlert
	// LogLevelEmergency is used when system is unusable.
	LogLevelEmergency
)

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// ProtocolVersion20241105 is the first published revision of MCP.
	ProtocolVersion20241105 = "2024-11-05"
	// ProtocolVersion20250326 is the second published revision of MCP.
	ProtocolVersion20250326 = "2025-03-26"
	// LatestProtocolVersion is the version a client requests by default.
	LatestProtocolVersion = ProtocolVersion20250326

	MethodInitialize = "initialize"
	MethodPing       = "ping"

	MethodToolsList = "tools/list"
	MethodToolsCall = "tools/call"

	MethodResourcesList          = "resources/list"
	MethodResourcesRead          = "resources/read"
	MethodResourcesTemplatesList = "resources/templates/list"
	MethodResourcesSubscribe     = "resources/subscribe"
	MethodResourcesUnsubscribe   = "resources/unsubscribe"

	MethodPromptsList = "prompts/list"
	MethodPromptsGet  = "prompts/get"

	MethodCompletionComplete = "completion/complete"
	MethodLoggingSetLevel    = "logging/setLevel"

	MethodRootsList             = "roots/list"
	MethodSamplingCreateMessage = "sampling/createMessage"

	MethodNotificationsInitialized          = "notifications/initialized"
	MethodNotificationsCancelled            = "notifications/cancelled"
	MethodNotificationsProgress             = "notifications/progress"
	MethodNotificationsMessage              = "notifications/message"
	MethodNotificationsToolsListChanged     = "notifications/tools/list_changed"
	MethodNotificationsResourcesListChanged = "notifications/resources/list_changed"
	MethodNotificationsResourcesUpdated     = "notifications/resources/updated"
	MethodNotificationsPromptsListChanged   = "notifications/prompts/list_changed"
	MethodNotificationsRootsListChanged     = "notifications/roots/list_changed"

	// CompletionRefPrompt is used in CompleteReference.Type for prompt argument completion.
	CompletionRefPrompt = "ref/prompt"
	// CompletionRefResource is used in CompleteReference.Type for resource template argument completion.
	CompletionRefResource = "ref/resource"

	// Standard JSON-RPC error codes.
	ErrorCodeParseError     = -32700
	ErrorCodeInvalidRequest = -32600
	ErrorCodeMethodNotFound = -32601
	ErrorCodeInvalidParams  = -32602
	ErrorCodeInternalError  = -32603
)

var logLevelNames = []string{"debug", "info", "notice", "warning", "error", "critical", "alert", "emergency"}

// Kind classifies the message into one of the protocol variants.
func (m JSONRPCMessage) Kind() MessageKind {
	switch {
	case m.Method != "" && !m.ID.IsZero():
		return KindRequest
	case m.Method != "":
		return KindNotification
	case !m.ID.IsZero():
		return KindResponse
	default:
		return KindInvalid
	}
}

// Validate reports whether the message is a well-formed JSON-RPC 2.0 message. A response must carry
// exactly one of a result or an error.
func (m JSONRPCMessage) Validate() error {
	if m.JSONRPC != JSONRPCVersion {
		return fmt.Errorf("invalid jsonrpc version %q", m.JSONRPC)
	}
	switch m.Kind() {
	case KindInvalid:
		return errors.New("message has neither id nor method")
	case KindResponse:
		hasError := m.Error != nil
		hasResult := len(m.Result) > 0 && !(hasError && string(m.Result) == "null")
		if hasResult && hasError {
			return errors.New("response carries both result and error")
		}
		if !hasResult && !hasError {
			return errors.New("response carries neither result nor error")
		}
	case KindRequest, KindNotification:
	}
	return nil
}

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

func (l LogLevel) String() string {
	if l < LogLevelDebug || l > LogLevelEmergency {
		return "unknown"
	}
	return logLevelNames[l]
}

// ParseLogLevel returns the LogLevel for its lowercase protocol name.
func ParseLogLevel(s string) (LogLevel, error) {
	for i, name := range logLevelNames {
		if name == s {
			return LogLevel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// MarshalText implements encoding.TextMarshaler, so the level travels as its protocol name.
func (l LogLevel) MarshalText() ([]byte, error) {
	if l < LogLevelDebug || l > LogLevelEmergency {
		return nil, fmt.Errorf("invalid log level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *LogLevel) UnmarshalText(text []byte) error {
	lvl, err := ParseLogLevel(string(text))
	if err != nil {
		return err
	}
	*l = lvl
	return nil
}

// UnmarshalJSON accepts both string and numeric ids.
func (r *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("empty request id")
	}

	switch c := data[0]; {
	case c == 'n':
		if string(data) != "null" {
			return fmt.Errorf("invalid request id: %s", data)
		}
		*r = RequestID{}
	case c == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = StringID(s)
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("invalid request id: %w", err)
		}
		*r = RequestID{value: n.String(), number: true}
	default:
		return fmt.Errorf("invalid request id: %s", data)
	}

	return nil
}

// MarshalJSON encodes the id the way it was received: numbers as JSON numbers, strings as JSON strings.
func (r RequestID) MarshalJSON() ([]byte, error) {
	if r.number {
		return []byte(r.value), nil
	}
	return json.Marshal(r.value)
}

func (j JSONRPCError) Error() string {
	if j.Data != nil {
		return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
	}
	return fmt.Sprintf("request error, code: %d, message: %s", j.Code, j.Message)
}

func newResponse(id RequestID, result any) (JSONRPCMessage, error) {
	// A response must carry a result, a handler without one answers with an empty object.
	if result == nil {
		return JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: id, Result: json.RawMessage("{}")}, nil
	}
	resBs, err := json.Marshal(result)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	if string(resBs) == "null" {
		resBs = json.RawMessage("{}")
	}
	return JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: id, Result: resBs}, nil
}

func newErrorResponse(id RequestID, code int, message string, data any) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	bs, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return bs, nil
}
