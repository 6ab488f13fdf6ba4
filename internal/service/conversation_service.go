package service

import (
	"context"
	"fmt"

	"swiftchat/internal/domain"
)

type ConversationService struct {
	conversations domain.ConversationRepository
	participants  domain.ParticipantRepository
	messages      domain.MessageRepository
	maxListLimit  int
}

func NewConversationService(
	conversations domain.ConversationRepository,
	participants domain.ParticipantRepository,
	messages domain.MessageRepository,
	maxListLimit int,
) *ConversationService {
	if maxListLimit <= 0 {
		maxListLimit = 100
	}
	return &ConversationService{
		conversations: conversations,
		participants:  participants,
		messages:      messages,
		maxListLimit:  maxListLimit,
	}
}

type ConversationCreateInput struct {
	Name           *string
	Type           domain.ConversationType
	ParticipantIDs []int64
}

// CreateConversation creates a conversation with a fixed participant set
// including the creator. Direct conversations with an identical pair are
// deduplicated to the existing one.
func (s *ConversationService) CreateConversation(
	ctx context.Context,
	in ConversationCreateInput,
	creatorID int64,
) (*domain.Conversation, error) {
	uniqueIDs := make([]int64, 0, len(in.ParticipantIDs)+1)
	seen := map[int64]struct{}{creatorID: {}}
	uniqueIDs = append(uniqueIDs, creatorID)
	for _, id := range in.ParticipantIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniqueIDs = append(uniqueIDs, id)
	}
	if len(uniqueIDs) < 2 {
		return nil, domain.ErrInvalidInput
	}

	switch in.Type {
	case domain.ConversationDirect:
		if len(uniqueIDs) != 2 {
			return nil, domain.ErrInvalidInput
		}
		existing, err := s.conversations.FindDirect(ctx, uniqueIDs[0], uniqueIDs[1])
		if err != nil {
			return nil, fmt.Errorf("find direct conversation: %w", err)
		}
		if existing != nil {
			return existing, nil
		}
	case domain.ConversationGroup:
		// Group chats with the same members may coexist.
	default:
		return nil, domain.ErrInvalidInput
	}

	conv := &domain.Conversation{
		Name:      in.Name,
		Type:      in.Type,
		CreatedBy: creatorID,
	}
	if err := s.conversations.Create(ctx, conv, uniqueIDs); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *ConversationService) ListForUser(ctx context.Context, userID int64) ([]*domain.Conversation, error) {
	return s.conversations.ListForUser(ctx, userID)
}

// GetConversation returns the conversation if the caller participates in it.
func (s *ConversationService) GetConversation(
	ctx context.Context,
	conversationID, userID int64,
) (*domain.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, domain.ErrNotFound
	}
	ok, err := s.participants.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrForbidden
	}
	return conv, nil
}

// ListMessages returns the conversation history in chronological order.
func (s *ConversationService) ListMessages(
	ctx context.Context,
	conversationID, userID int64,
	limit int,
) ([]*domain.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.maxListLimit {
		limit = s.maxListLimit
	}
	return s.messages.ListForConversation(ctx, conversationID, limit)
}

// MarkRead flips is_read on the conversation's messages for the caller.
func (s *ConversationService) MarkRead(ctx context.Context, conversationID, userID int64) error {
	ok, err := s.participants.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrForbidden
	}
	return s.messages.MarkAllRead(ctx, conversationID, userID)
}

// ParticipantIDs exposes the membership of a conversation for event routing.
func (s *ConversationService) ParticipantIDs(ctx context.Context, conversationID int64) ([]int64, error) {
	return s.participants.ListParticipantIDs(ctx, conversationID)
}
