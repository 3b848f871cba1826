package protocol

import (
	"encoding/json"
	"time"
)

// Version is the envelope version spoken to plugin artifacts.
const Version = 1

// Ops accepted by plugin artifacts.
const (
	OpRegister = "register"
	OpInvoke   = "invoke"
	OpHealth   = "health"
)

// Request is the envelope written to a plugin subprocess via stdin.
type Request struct {
	Protocol   int             `json:"protocol"`
	TaskID     string          `json:"task_id"`
	Op         string          `json:"op"` // register | invoke | health
	Handler    string          `json:"handler,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	DeadlineAt time.Time       `json:"deadline_at"`
}

// Response is the envelope read from a plugin subprocess via stdout.
type Response struct {
	Status   string          `json:"status"` // ok | error
	Error    string          `json:"error,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Handlers []HandlerDecl   `json:"handlers,omitempty"` // only for register
	Logs     []LogEntry      `json:"logs,omitempty"`
	// StateUpdates are shallow-merged into the handler's shared state slot
	// after a successful invoke.
	StateUpdates map[string]json.RawMessage `json:"state_updates,omitempty"`
	Meta         map[string]string          `json:"meta,omitempty"`
}

// HandlerDecl is one handler exported by an artifact's register entry point.
type HandlerDecl struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
	Description  string   `json:"description,omitempty"`
}

// LogEntry is a log message forwarded from a plugin.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}
