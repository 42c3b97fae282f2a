package chatlog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for chat messages. It MUST be append-only.
type Repository interface {
	Append(ctx context.Context, m Message) error
}

// SystemMessageWriter appends a system entry to an existing conversation.
// Callers treat it as best-effort: failures are logged, never surfaced as call errors.
type SystemMessageWriter interface {
	AppendSystemMessage(ctx context.Context, conversationID, text string) error
}

var ErrInvalidMessage = errors.New("chatlog: invalid message")

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

func (s *Service) AppendSystemMessage(ctx context.Context, conversationID, text string) error {
	if s.repo == nil {
		return errors.New("chatlog: repository not configured")
	}
	if conversationID == "" || text == "" {
		return ErrInvalidMessage
	}
	return s.repo.Append(ctx, Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Kind:           KindSystem,
		Text:           text,
		CreatedAt:      s.clock().UTC(),
	})
}
