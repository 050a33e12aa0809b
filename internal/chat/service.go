package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/iago/health-records-back/internal/backend"
	"github.com/iago/health-records-back/internal/domain"
)

// Doer performs one backend call.
type Doer interface {
	Do(ctx context.Context, request backend.Request) (*backend.Response, error)
}

type Service struct {
	backend Doer
}

func NewService(doer Doer) *Service {
	return &Service{backend: doer}
}

// Dispatch validates request and forwards it to its backend endpoint. A
// non-2xx answer is returned as *backend.HTTPError.
func (s *Service) Dispatch(ctx context.Context, cookie string, request Request) (*backend.Response, error) {
	if err := request.validate(); err != nil {
		return nil, err
	}
	call, err := request.backendRequest(cookie)
	if err != nil {
		return nil, err
	}
	response, err := s.backend.Do(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("chat %s: %w", request.Action(), err)
	}
	if !response.OK() {
		return nil, response.Err(request.fallback())
	}
	return response, nil
}

func (s *Service) Create(ctx context.Context, cookie, fileID string) (*domain.Chat, error) {
	response, err := s.Dispatch(ctx, cookie, CreateRequest{FileID: fileID})
	if err != nil {
		return nil, err
	}
	var wire wireChat
	if err := json.Unmarshal(response.Body, &wire); err != nil {
		return nil, fmt.Errorf("decode chat: %w", err)
	}
	if wire.ChatID.Empty() {
		return nil, fmt.Errorf("decode chat: missing chat_id")
	}
	chat := wire.toDomain()
	if chat.FileID == "" {
		chat.FileID = fileID
	}
	return &chat, nil
}

func (s *Service) Continue(ctx context.Context, cookie string, chatID ID, query string) (*domain.Message, error) {
	response, err := s.Dispatch(ctx, cookie, ContinueRequest{ChatID: chatID, UserQuery: query})
	if err != nil {
		return nil, err
	}
	var wire wireMessage
	if err := json.Unmarshal(response.Body, &wire); err != nil {
		return nil, fmt.Errorf("decode chat reply: %w", err)
	}
	message := wire.toDomain()
	if message.UserQuery == "" {
		message.UserQuery = query
	}
	return &message, nil
}

// History returns the messages of a chat, oldest first.
func (s *Service) History(ctx context.Context, cookie string, chatID ID) ([]domain.Message, error) {
	response, err := s.Dispatch(ctx, cookie, HistoryRequest{ChatID: chatID})
	if err != nil {
		return nil, err
	}
	return decodeMessages(response.Body)
}

func (s *Service) Recent(ctx context.Context, cookie, search string) ([]domain.Chat, error) {
	response, err := s.Dispatch(ctx, cookie, RecentRequest{Search: search})
	if err != nil {
		return nil, err
	}
	var wires []wireChat
	if err := decodeList(response.Body, []string{"chats", "recent_chats", "data"}, &wires); err != nil {
		return nil, fmt.Errorf("decode recent chats: %w", err)
	}
	chats := make([]domain.Chat, 0, len(wires))
	for _, wire := range wires {
		chats = append(chats, wire.toDomain())
	}
	return chats, nil
}

type wireChat struct {
	ChatID   ID     `json:"chat_id"`
	ChatName string `json:"chat_name"`
	FileID   ID     `json:"file_id"`
}

func (w wireChat) toDomain() domain.Chat {
	return domain.Chat{ChatID: w.ChatID.String(), ChatName: w.ChatName, FileID: w.FileID.String()}
}

type wireMessage struct {
	MessageID   ID     `json:"message_id"`
	UserQuery   string `json:"user_query"`
	BotResponse string `json:"bot_response"`
	Response    string `json:"response"`
	CreatedAt   string `json:"created_at"`
}

func (w wireMessage) toDomain() domain.Message {
	reply := w.BotResponse
	if reply == "" {
		reply = w.Response
	}
	return domain.Message{
		MessageID:   w.MessageID.String(),
		UserQuery:   w.UserQuery,
		BotResponse: reply,
		CreatedAt:   parseTimestamp(w.CreatedAt),
	}
}

func decodeMessages(body []byte) ([]domain.Message, error) {
	var wires []wireMessage
	if err := decodeList(body, []string{"messages", "history", "chat_history", "data"}, &wires); err != nil {
		return nil, fmt.Errorf("decode chat history: %w", err)
	}
	messages := make([]domain.Message, 0, len(wires))
	for _, wire := range wires {
		messages = append(messages, wire.toDomain())
	}
	domain.SortMessages(messages)
	return messages, nil
}

// decodeList accepts either a bare array or an object holding the array
// under one of keys.
func decodeList(body []byte, keys []string, target any) error {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal([]byte(trimmed), target)
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &wrapper); err != nil {
		return err
	}
	for _, key := range keys {
		if raw, ok := wrapper[key]; ok && len(raw) > 0 && string(raw) != "null" {
			return json.Unmarshal(raw, target)
		}
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseTimestamp reads backend timestamps; naive values are taken as UTC.
func parseTimestamp(value string) time.Time {
	value = strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}
