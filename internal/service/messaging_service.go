package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"campusnet/messaging-service/internal/directory"
	"campusnet/messaging-service/internal/models"
	"campusnet/messaging-service/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrSelfConversation     = errors.New("cannot start a conversation with yourself")
	ErrMissingRecipient     = errors.New("recipient is required")
	ErrEmptyContent         = errors.New("message content must not be empty")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("user is not a participant in this conversation")
)

// UserDirectory resolves counterpart identity for inbox summaries. Lookups
// are best effort; a failing directory degrades summaries to bare ids.
type UserDirectory interface {
	GetUser(ctx context.Context, userID int64) (*directory.User, error)
}

type MessagingService interface {
	StartConversation(ctx context.Context, userID, recipientID int64, initialMessage string) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID int64) ([]*models.ConversationSummary, error)
	GetMessages(ctx context.Context, conversationID string, userID int64) ([]*models.Message, error)
	SendMessage(ctx context.Context, conversationID string, senderID int64, content string) (*models.Message, error)
	MarkMessagesAsRead(ctx context.Context, conversationID string, userID int64) (int, error)
}

type messagingService struct {
	repository repository.MessagingRepository
	directory  UserDirectory
	logger     *logrus.Logger
}

func NewMessagingService(repo repository.MessagingRepository, dir UserDirectory, logger *logrus.Logger) MessagingService {
	return &messagingService{
		repository: repo,
		directory:  dir,
		logger:     logger,
	}
}

// StartConversation resolves the one conversation for this user pair,
// creating it on first contact. Both argument orders resolve to the same
// conversation. An optional initial message is appended once, using the
// resolved id.
func (s *messagingService) StartConversation(ctx context.Context, userID, recipientID int64, initialMessage string) (*models.Conversation, error) {
	if recipientID == 0 {
		return nil, ErrMissingRecipient
	}
	if userID == recipientID {
		return nil, ErrSelfConversation
	}

	low, high := models.CanonicalPair(userID, recipientID)

	conv, err := s.repository.FindOrCreateConversation(ctx, uuid.New().String(), low, high)
	if err != nil {
		s.logger.WithError(err).Error("Failed to resolve conversation")
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"conversation_id":  conv.ID,
		"participant_low":  low,
		"participant_high": high,
	}).Info("Conversation resolved")

	if strings.TrimSpace(initialMessage) != "" {
		if _, err := s.SendMessage(ctx, conv.ID, userID, initialMessage); err != nil {
			return nil, err
		}
	}

	return conv, nil
}

func (s *messagingService) ListConversations(ctx context.Context, userID int64) ([]*models.ConversationSummary, error) {
	summaries, err := s.repository.ListConversationSummaries(ctx, userID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list conversations")
		return nil, err
	}

	if s.directory != nil {
		for _, summary := range summaries {
			user, err := s.directory.GetUser(ctx, summary.OtherUserID)
			if err != nil {
				s.logger.WithError(err).WithField("user_id", summary.OtherUserID).
					Debug("Directory lookup failed, returning id-only summary")
				continue
			}
			summary.OtherUserName = user.DisplayName
			summary.OtherUserEmail = user.Email
		}
	}

	return summaries, nil
}

func (s *messagingService) GetMessages(ctx context.Context, conversationID string, userID int64) ([]*models.Message, error) {
	if _, err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	messages, err := s.repository.GetConversationMessages(ctx, conversationID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get conversation messages")
		return nil, err
	}

	return messages, nil
}

func (s *messagingService) SendMessage(ctx context.Context, conversationID string, senderID int64, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}

	if _, err := s.requireParticipant(ctx, conversationID, senderID); err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
	}

	if err := s.repository.AppendMessage(ctx, msg); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		s.logger.WithError(err).Error("Failed to send message")
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"message_id":      msg.ID,
		"conversation_id": conversationID,
		"sender_id":       senderID,
	}).Info("Message sent")

	return msg, nil
}

func (s *messagingService) MarkMessagesAsRead(ctx context.Context, conversationID string, userID int64) (int, error) {
	if _, err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return 0, err
	}

	count, err := s.repository.MarkMessagesAsRead(ctx, conversationID, userID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to mark messages as read")
		return 0, err
	}

	if count > 0 {
		s.logger.WithFields(logrus.Fields{
			"conversation_id": conversationID,
			"user_id":         userID,
			"marked":          count,
		}).Info("Messages marked as read")
	}

	return count, nil
}

func (s *messagingService) requireParticipant(ctx context.Context, conversationID string, userID int64) (*models.Conversation, error) {
	conv, err := s.repository.GetConversationByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		s.logger.WithError(err).Error("Failed to get conversation")
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return conv, nil
}
