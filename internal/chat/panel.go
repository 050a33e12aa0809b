package chat

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/iago/health-records-back/internal/domain"
)

var ErrEmptyQuery = errors.New("message is empty")

// Panel is a conversation about one report. The chat is created on the
// first Send rather than up front.
type Panel struct {
	service *Service
	cookie  string
	fileID  string

	mu       sync.Mutex
	chat     *domain.Chat
	messages []domain.Message
}

func NewPanel(service *Service, cookie, fileID string) *Panel {
	return &Panel{service: service, cookie: cookie, fileID: fileID}
}

// Resume attaches the panel to an existing chat and loads its history.
func (p *Panel) Resume(ctx context.Context, chatID string) error {
	messages, err := p.service.History(ctx, p.cookie, NewID(chatID))
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.chat = &domain.Chat{ChatID: chatID, FileID: p.fileID}
	p.messages = messages
	return nil
}

func (p *Panel) Send(ctx context.Context, query string) (*domain.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	// Holding the lock across calls keeps two first messages from creating
	// two chats.
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.chat == nil {
		chat, err := p.service.Create(ctx, p.cookie, p.fileID)
		if err != nil {
			return nil, err
		}
		p.chat = chat
	}

	message, err := p.service.Continue(ctx, p.cookie, NewID(p.chat.ChatID), query)
	if err != nil {
		return nil, err
	}
	p.messages = append(p.messages, *message)
	return message, nil
}

// Chat returns the current chat, or nil before the first message.
func (p *Panel) Chat() *domain.Chat {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chat == nil {
		return nil
	}
	chat := *p.chat
	return &chat
}

func (p *Panel) Messages() []domain.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Message(nil), p.messages...)
}
