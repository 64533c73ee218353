package mcp

// Method is an MCP method identifier used in JSON-RPC messages.
type Method string

// MCP method names and notifications.
const (
	// Initialization
	InitializeMethod              Method = "initialize"
	InitializedNotificationMethod Method = "notifications/initialized"

	// Tasks
	TasksGetMethod               Method = "tasks/get"
	TasksResultMethod            Method = "tasks/result"
	TasksListMethod              Method = "tasks/list"
	TasksCancelMethod            Method = "tasks/cancel"
	TaskStatusNotificationMethod Method = "notifications/tasks/status"

	// Client features
	SamplingCreateMessageMethod Method = "sampling/createMessage"
	ElicitationCreateMethod     Method = "elicitation/create"
	RootsListMethod             Method = "roots/list"

	// General
	PingMethod                  Method = "ping"
	CancelledNotificationMethod Method = "notifications/cancelled"
	ProgressNotificationMethod  Method = "notifications/progress"
)

// Protocol revisions understood by this module, newest first.
const (
	LatestProtocolVersion = "2025-11-25"
)

// SupportedProtocolVersions lists every revision accepted during negotiation
// and in the Mcp-Protocol-Version header.
var SupportedProtocolVersions = []string{
	LatestProtocolVersion,
	"2025-06-18",
	"2025-03-26",
	"2024-11-05",
}

// IsSupportedProtocolVersion reports whether v is in SupportedProtocolVersions.
func IsSupportedProtocolVersion(v string) bool {
	for _, s := range SupportedProtocolVersions {
		if s == v {
			return true
		}
	}
	return false
}

// RelatedTaskMetaKey is the _meta key that ties a message to a task.
const RelatedTaskMetaKey = "io.modelcontextprotocol/related-task"

// ProgressToken is an identifier used to correlate progress updates.
// It may be a string or number.
type ProgressToken any

// RelatedTask references the task a message belongs to.
type RelatedTask struct {
	TaskID string `json:"taskId"`
}

// Meta is the _meta object of params and results.
type Meta struct {
	ProgressToken ProgressToken `json:"progressToken,omitempty"`
	RelatedTask   *RelatedTask  `json:"io.modelcontextprotocol/related-task,omitempty"`
}

// RequestParams captures the members of params the engine inspects on every
// inbound request. Method-specific fields are decoded separately.
type RequestParams struct {
	Meta *Meta         `json:"_meta,omitempty"`
	Task *TaskMetadata `json:"task,omitempty"`
}

// CancelledNotificationParams informs the peer that a request was cancelled.
// RequestID holds the raw id (string or number) of the cancelled request.
type CancelledNotificationParams struct {
	RequestID any    `json:"requestId"`
	Reason    string `json:"reason,omitzero"`
}

// ProgressNotificationParams conveys progress of a long-running operation.
type ProgressNotificationParams struct {
	ProgressToken ProgressToken `json:"progressToken"`
	Progress      float64       `json:"progress"`
	Total         float64       `json:"total,omitzero"`
	Message       string        `json:"message,omitzero"`
}

// PingRequest is a no-op request used to test connectivity.
type PingRequest struct{}

// EmptyResult is the result of requests that return nothing, such as ping.
type EmptyResult struct{}

// InitializeRequest starts the initialization handshake.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResult returns negotiated capabilities and server info.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitzero"`
}
