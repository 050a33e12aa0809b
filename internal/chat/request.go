package chat

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/iago/health-records-back/internal/backend"
)

type Action string

const (
	ActionCreate   Action = "create"
	ActionContinue Action = "continue"
	ActionHistory  Action = "history"
	ActionRecent   Action = "recent"
	ActionRename   Action = "rename"
	ActionDelete   Action = "delete"
)

const (
	MessageActionRequired = "Action is required"
	MessageInvalidAction  = "Invalid action"
)

// ValidationError is a request problem detected before any backend call.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ID accepts a JSON string or number and encodes back the way it came in.
type ID struct {
	value   string
	numeric bool
}

func NewID(value string) ID {
	return ID{value: strings.TrimSpace(value)}
}

func (id ID) String() string {
	return id.value
}

func (id ID) Empty() bool {
	return id.value == ""
}

func (id *ID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*id = ID{}
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*id = ID{value: strings.TrimSpace(text)}
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return err
	}
	*id = ID{value: number.String(), numeric: true}
	return nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.numeric {
		return []byte(id.value), nil
	}
	return json.Marshal(id.value)
}

// Request is one chat operation. Every variant knows its own validation and
// backend call; the unexported methods keep the set closed to this package.
type Request interface {
	Action() Action
	validate() error
	backendRequest(cookie string) (backend.Request, error)
	fallback() string
}

type CreateRequest struct {
	FileID string
}

type ContinueRequest struct {
	ChatID    ID
	UserQuery string
}

type HistoryRequest struct {
	ChatID ID
}

type RecentRequest struct {
	Search string
}

type RenameRequest struct {
	ChatID   ID
	ChatName string
}

type DeleteRequest struct {
	ChatID ID
}

func (CreateRequest) Action() Action   { return ActionCreate }
func (ContinueRequest) Action() Action { return ActionContinue }
func (HistoryRequest) Action() Action  { return ActionHistory }
func (RecentRequest) Action() Action   { return ActionRecent }
func (RenameRequest) Action() Action   { return ActionRename }
func (DeleteRequest) Action() Action   { return ActionDelete }

func (r CreateRequest) validate() error {
	if strings.TrimSpace(r.FileID) == "" {
		return &ValidationError{Message: "file_id is required to create a chat"}
	}
	return nil
}

func (r ContinueRequest) validate() error {
	if r.ChatID.Empty() || strings.TrimSpace(r.UserQuery) == "" {
		return &ValidationError{Message: "chat_id and user_query are required"}
	}
	return nil
}

func (r HistoryRequest) validate() error {
	if r.ChatID.Empty() {
		return &ValidationError{Message: "chat_id is required"}
	}
	return nil
}

func (RecentRequest) validate() error {
	return nil
}

func (r RenameRequest) validate() error {
	if r.ChatID.Empty() || strings.TrimSpace(r.ChatName) == "" {
		return &ValidationError{Message: "chat_id and chat_name are required"}
	}
	return nil
}

func (r DeleteRequest) validate() error {
	if r.ChatID.Empty() {
		return &ValidationError{Message: "chat_id is required"}
	}
	return nil
}

func (r CreateRequest) backendRequest(cookie string) (backend.Request, error) {
	return backend.JSONRequest("chat_create", http.MethodPost, "/chat/create-chat", cookie, map[string]string{
		"file_id": r.FileID,
	})
}

func (r ContinueRequest) backendRequest(cookie string) (backend.Request, error) {
	return backend.JSONRequest("chat_continue", http.MethodPost, "/chat/continue-chat", cookie, map[string]any{
		"chat_id":    r.ChatID,
		"user_query": r.UserQuery,
	})
}

func (r HistoryRequest) backendRequest(cookie string) (backend.Request, error) {
	return backend.Request{
		Endpoint: "chat_history",
		Method:   http.MethodPost,
		Path:     "/chat/chat-history/" + url.PathEscape(r.ChatID.String()),
		Cookie:   cookie,
	}, nil
}

func (r RecentRequest) backendRequest(cookie string) (backend.Request, error) {
	request, err := backend.JSONRequest("chat_recent", http.MethodPost, "/chat/recent-chat", cookie, struct{}{})
	if err != nil {
		return backend.Request{}, err
	}
	if search := strings.TrimSpace(r.Search); search != "" {
		request.Query = url.Values{"search": []string{search}}
	}
	return request, nil
}

func (r RenameRequest) backendRequest(cookie string) (backend.Request, error) {
	return backend.JSONRequest("chat_rename", http.MethodPost, "/chat/rename-chat", cookie, map[string]any{
		"chat_id":   r.ChatID,
		"chat_name": r.ChatName,
	})
}

func (r DeleteRequest) backendRequest(cookie string) (backend.Request, error) {
	return backend.JSONRequest("chat_delete", http.MethodDelete, "/chat/delete-chat", cookie, map[string]any{
		"chat_id": r.ChatID,
	})
}

func (CreateRequest) fallback() string   { return "Failed to create chat" }
func (ContinueRequest) fallback() string { return "Failed to send message" }
func (HistoryRequest) fallback() string  { return "Failed to get chat history" }
func (RecentRequest) fallback() string   { return "Failed to get recent chats" }
func (RenameRequest) fallback() string   { return "Failed to rename chat" }
func (DeleteRequest) fallback() string   { return "Failed to delete chat" }

type wireRequest struct {
	Action    string `json:"action"`
	FileID    string `json:"file_id"`
	ChatID    ID     `json:"chat_id"`
	UserQuery string `json:"user_query"`
	ChatName  string `json:"chat_name"`
	Search    string `json:"search"`
}

// Decode turns a {"action": ...} body into its typed variant. Field
// validation is left to Validate so callers can check authentication in
// between.
func Decode(body []byte) (Request, error) {
	var wire wireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &ValidationError{Message: "Invalid request body"}
	}

	switch Action(strings.TrimSpace(wire.Action)) {
	case "":
		return nil, &ValidationError{Message: MessageActionRequired}
	case ActionCreate:
		return CreateRequest{FileID: strings.TrimSpace(wire.FileID)}, nil
	case ActionContinue:
		return ContinueRequest{ChatID: wire.ChatID, UserQuery: wire.UserQuery}, nil
	case ActionHistory:
		return HistoryRequest{ChatID: wire.ChatID}, nil
	case ActionRecent:
		return RecentRequest{Search: wire.Search}, nil
	case ActionRename:
		return RenameRequest{ChatID: wire.ChatID, ChatName: wire.ChatName}, nil
	case ActionDelete:
		return DeleteRequest{ChatID: wire.ChatID}, nil
	default:
		return nil, &ValidationError{Message: MessageInvalidAction}
	}
}

func Validate(request Request) error {
	return request.validate()
}
