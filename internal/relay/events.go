package relay

import (
	"encoding/json"
	"time"

	"gopherai-codegen/internal/model"
)

// Inbound events.
const (
	EventProjectMessage   = "project-message"
	EventLoadMoreMessages = "load-more-messages"
	EventSearchMessages   = "search-messages"
	EventJoinProject      = "join-project"
)

// Outbound events. EventProjectMessage is reused for relayed chat messages.
const (
	EventJoined         = "joined"
	EventMessageHistory = "message-history"
	EventSearchResults  = "search-results"
	EventAIWorking      = "ai-working"
	EventAIResult       = "ai-result"
	EventError          = "error"
	EventFileTreeUpdate = "file-tree-update"
)

// Error codes carried by EventError.
const (
	CodeBadRequest    = "bad_request"
	CodeForbidden     = "forbidden"
	CodeAITimeout     = "ai_timeout"
	CodeAIFailed      = "ai_failed"
	CodeAIUnavailable = "ai_unavailable"
)

// Envelope is the frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type projectMessageIn struct {
	Message string `json:"message"`
}

type loadMoreIn struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

type searchIn struct {
	Term string `json:"term"`
}

type joinProjectIn struct {
	ProjectID string `json:"project_id"`
}

// Joined confirms room membership. Project is nil when the room has no stored project.
type Joined struct {
	ProjectID string         `json:"project_id"`
	User      model.Sender   `json:"user"`
	Project   *model.Project `json:"project,omitempty"`
	Online    int            `json:"online"`
}

type MessageHistory struct {
	ProjectID string          `json:"project_id"`
	Messages  []model.Message `json:"messages"`
	Offset    int             `json:"offset"`
	Total     int             `json:"total"`
	HasMore   bool            `json:"has_more"`
}

type SearchResults struct {
	ProjectID string          `json:"project_id"`
	Term      string          `json:"term"`
	Messages  []model.Message `json:"messages"`
}

type AIWorking struct {
	RequestID   string       `json:"request_id"`
	ProjectID   string       `json:"project_id"`
	Sender      model.Sender `json:"sender"`
	RequestedBy model.Sender `json:"requested_by"`
	Body        string       `json:"body"`
	Timestamp   time.Time    `json:"timestamp"`
}

type AIResult struct {
	RequestID    string         `json:"request_id"`
	Message      model.Message  `json:"message"`
	FileTree     model.FileTree `json:"file_tree,omitempty"`
	BuildCommand string         `json:"build_command,omitempty"`
	StartCommand string         `json:"start_command,omitempty"`
}

// ErrorEvent reports a failure. AI failures carry an assistant-sender message.
type ErrorEvent struct {
	RequestID string        `json:"request_id,omitempty"`
	Code      string        `json:"code"`
	Message   model.Message `json:"message"`
}

type FileTreeUpdate struct {
	ProjectID string         `json:"project_id"`
	FileTree  model.FileTree `json:"file_tree"`
	UpdatedBy model.Sender   `json:"updated_by"`
	Timestamp time.Time      `json:"timestamp"`
}

func encode(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
