package domain

import (
	"sort"
	"time"
)

// Chat is a conversation thread scoped to one report.
type Chat struct {
	ChatID   string `json:"chat_id"`
	ChatName string `json:"chat_name"`
	FileID   string `json:"file_id,omitempty"`
}

// Message is a request/response pair, not two independent entities.
type Message struct {
	MessageID   string    `json:"message_id"`
	UserQuery   string    `json:"user_query"`
	BotResponse string    `json:"bot_response"`
	CreatedAt   time.Time `json:"created_at"`
}

// SortMessages orders messages by creation time ascending, keeping the
// relative order of messages created at the same instant.
func SortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
}
