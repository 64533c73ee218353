package mcp

// Implementation describes the implementation name and version.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitzero"`
}

// ClientCapabilities advertises client features.
type ClientCapabilities struct {
	Roots *struct {
		ListChanged bool `json:"listChanged"`
	} `json:"roots,omitempty"`
	Sampling    *struct{}        `json:"sampling,omitempty"`
	Elicitation *struct{}        `json:"elicitation,omitempty"`
	Tasks       *TasksCapability `json:"tasks,omitempty"`
}

// ServerCapabilities advertises server features.
type ServerCapabilities struct {
	Logging *struct{} `json:"logging,omitempty"`
	Tools   *struct {
		ListChanged bool `json:"listChanged"`
	} `json:"tools,omitempty"`
	Tasks *TasksCapability `json:"tasks,omitempty"`
}

// TasksCapability advertises task support. Requests lists the methods that
// may be task-augmented when sent to the advertising side.
type TasksCapability struct {
	List     *struct{} `json:"list,omitempty"`
	Cancel   *struct{} `json:"cancel,omitempty"`
	Requests []string  `json:"requests,omitempty"`
}

// SupportsTaskRequest reports whether method may be task-augmented.
func (c *TasksCapability) SupportsTaskRequest(method string) bool {
	if c == nil {
		return false
	}
	for _, m := range c.Requests {
		if m == method {
			return true
		}
	}
	return false
}
