package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"campusnet/messaging-service/internal/directory"
	"campusnet/messaging-service/internal/models"
	"campusnet/messaging-service/internal/repository"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepository mirrors the storage guarantees the SQL layer provides: one
// row per canonical pair, message timestamps that increase with insertion
// order, and atomic recency updates.
type fakeRepository struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation
	byPair        map[[2]int64]string
	messages      map[string][]*models.Message
	seq           int
	base          time.Time
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		conversations: map[string]*models.Conversation{},
		byPair:        map[[2]int64]string{},
		messages:      map[string][]*models.Message{},
		base:          time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC),
	}
}

func (r *fakeRepository) tick() time.Time {
	r.seq++
	return r.base.Add(time.Duration(r.seq) * time.Millisecond)
}

func (r *fakeRepository) FindOrCreateConversation(_ context.Context, id string, low, high int64) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byPair[[2]int64{low, high}]; ok {
		conv := *r.conversations[existing]
		return &conv, nil
	}

	now := r.tick()
	conv := &models.Conversation{
		ID:              id,
		ParticipantLow:  low,
		ParticipantHigh: high,
		LastMessageAt:   now,
		CreatedAt:       now,
	}
	r.conversations[id] = conv
	r.byPair[[2]int64{low, high}] = id
	result := *conv
	return &result, nil
}

func (r *fakeRepository) GetConversationByID(_ context.Context, id string) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	result := *conv
	return &result, nil
}

func (r *fakeRepository) ListConversationSummaries(_ context.Context, userID int64) ([]*models.ConversationSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var summaries []*models.ConversationSummary
	for _, conv := range r.conversations {
		if !conv.HasParticipant(userID) {
			continue
		}
		s := &models.ConversationSummary{
			ID:            conv.ID,
			OtherUserID:   conv.OtherParticipant(userID),
			LastMessageAt: conv.LastMessageAt,
		}
		msgs := r.messages[conv.ID]
		if len(msgs) > 0 {
			s.LastMessage = msgs[len(msgs)-1].Content
		}
		for _, m := range msgs {
			if m.SenderID != userID && m.ReadAt == nil {
				s.UnreadCount++
			}
		}
		summaries = append(summaries, s)
	}

	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].LastMessageAt.Equal(summaries[j].LastMessageAt) {
			return summaries[i].LastMessageAt.After(summaries[j].LastMessageAt)
		}
		return summaries[i].ID > summaries[j].ID
	})
	return summaries, nil
}

func (r *fakeRepository) AppendMessage(_ context.Context, msg *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[msg.ConversationID]
	if !ok {
		return repository.ErrNotFound
	}

	msg.CreatedAt = r.tick()
	stored := *msg
	r.messages[msg.ConversationID] = append(r.messages[msg.ConversationID], &stored)
	conv.LastMessageAt = msg.CreatedAt
	return nil
}

func (r *fakeRepository) GetConversationMessages(_ context.Context, conversationID string) ([]*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := r.messages[conversationID]
	result := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		cp := *m
		result = append(result, &cp)
	}
	return result, nil
}

func (r *fakeRepository) MarkMessagesAsRead(_ context.Context, conversationID string, userID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	now := r.tick()
	for _, m := range r.messages[conversationID] {
		if m.SenderID != userID && m.ReadAt == nil {
			m.ReadAt = &now
			m.IsRead = true
			count++
		}
	}
	return count, nil
}

func (r *fakeRepository) InitializeSchema() error { return nil }

func (r *fakeRepository) Ping(context.Context) error { return nil }

type fakeDirectory struct {
	users map[int64]*directory.User
	fail  bool
}

func (d *fakeDirectory) GetUser(_ context.Context, userID int64) (*directory.User, error) {
	if d.fail {
		return nil, errors.New("directory unavailable")
	}
	user, ok := d.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %d not found", userID)
	}
	return user, nil
}

func newTestService(repo repository.MessagingRepository, dir UserDirectory) MessagingService {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewMessagingService(repo, dir, logger)
}

func unreadCount(t *testing.T, svc MessagingService, conversationID string, userID int64) int {
	t.Helper()
	summaries, err := svc.ListConversations(context.Background(), userID)
	require.NoError(t, err)
	for _, s := range summaries {
		if s.ID == conversationID {
			return s.UnreadCount
		}
	}
	t.Fatalf("conversation %s not listed for user %d", conversationID, userID)
	return 0
}

func TestStartConversationWithSelf(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, nil)

	_, err := svc.StartConversation(context.Background(), 1, 1, "")
	assert.ErrorIs(t, err, ErrSelfConversation)
	assert.Empty(t, repo.conversations)
}

func TestStartConversationMissingRecipient(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, nil)

	_, err := svc.StartConversation(context.Background(), 1, 0, "")
	assert.ErrorIs(t, err, ErrMissingRecipient)
	assert.Empty(t, repo.conversations)
}

func TestStartConversationSymmetric(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, nil)

	first, err := svc.StartConversation(context.Background(), 1, 2, "")
	require.NoError(t, err)
	second, err := svc.StartConversation(context.Background(), 2, 1, "")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, repo.conversations, 1)
	assert.Equal(t, int64(1), first.ParticipantLow)
	assert.Equal(t, int64(2), first.ParticipantHigh)
}

func TestStartConversationConcurrent(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, nil)

	const callers = 20
	ids := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := int64(1), int64(2)
			if i%2 == 0 {
				a, b = b, a
			}
			conv, err := svc.StartConversation(context.Background(), a, b, "")
			if err == nil {
				ids <- conv.ID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	require.Len(t, repo.conversations, 1)
	var first string
	for id := range ids {
		if first == "" {
			first = id
		}
		assert.Equal(t, first, id)
	}
	require.NotEmpty(t, first)
}

func TestSendMessageValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, nil)

	conv, err := svc.StartConversation(context.Background(), 1, 2, "")
	require.NoError(t, err)

	_, err = svc.SendMessage(context.Background(), conv.ID, 1, "   ")
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = svc.SendMessage(context.Background(), "00000000-0000-0000-0000-000000000000", 1, "hi")
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, err = svc.SendMessage(context.Background(), conv.ID, 3, "hi")
	assert.ErrorIs(t, err, ErrNotParticipant)

	msgs, err := svc.GetMessages(context.Background(), conv.ID, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendMessagePreservesOrderAndRecency(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, nil)

	conv, err := svc.StartConversation(context.Background(), 1, 2, "")
	require.NoError(t, err)

	contents := []string{"one", "two", "three", "four"}
	lastMessageAt := conv.LastMessageAt
	for i, content := range contents {
		sender := int64(1)
		if i%2 == 1 {
			sender = 2
		}
		msg, err := svc.SendMessage(context.Background(), conv.ID, sender, content)
		require.NoError(t, err)

		refreshed, err := repo.GetConversationByID(context.Background(), conv.ID)
		require.NoError(t, err)
		assert.False(t, refreshed.LastMessageAt.Before(lastMessageAt), "lastMessageAt must never decrease")
		assert.Equal(t, msg.CreatedAt, refreshed.LastMessageAt)
		lastMessageAt = refreshed.LastMessageAt
	}

	msgs, err := svc.GetMessages(context.Background(), conv.ID, 1)
	require.NoError(t, err)
	require.Len(t, msgs, len(contents))
	for i, msg := range msgs {
		assert.Equal(t, contents[i], msg.Content)
		if i > 0 {
			assert.False(t, msg.CreatedAt.Before(msgs[i-1].CreatedAt))
		}
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, nil)

	conv, err := svc.StartConversation(context.Background(), 1, 2, "")
	require.NoError(t, err)

	_, err = svc.SendMessage(context.Background(), conv.ID, 2, "ping")
	require.NoError(t, err)
	_, err = svc.SendMessage(context.Background(), conv.ID, 2, "ping again")
	require.NoError(t, err)

	assert.Equal(t, 2, unreadCount(t, svc, conv.ID, 1))

	count, err := svc.MarkMessagesAsRead(context.Background(), conv.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 0, unreadCount(t, svc, conv.ID, 1))

	count, err = svc.MarkMessagesAsRead(context.Background(), conv.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, 0, unreadCount(t, svc, conv.ID, 1))
}

func TestMarkReadRequiresParticipant(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, nil)

	conv, err := svc.StartConversation(context.Background(), 1, 2, "")
	require.NoError(t, err)

	_, err = svc.MarkMessagesAsRead(context.Background(), conv.ID, 3)
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = svc.MarkMessagesAsRead(context.Background(), "00000000-0000-0000-0000-000000000000", 1)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

// Walks the full exchange: first contact with an initial message, the reply
// reusing the same conversation, the reader flipping unread state, and the
// resulting inbox view.
func TestConversationExchange(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, nil)

	// User 1 starts the conversation with "Hi".
	conv, err := svc.StartConversation(context.Background(), 1, 2, "Hi")
	require.NoError(t, err)

	msgs, err := svc.GetMessages(context.Background(), conv.ID, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hi", msgs[0].Content)
	assert.Equal(t, 1, unreadCount(t, svc, conv.ID, 2))
	assert.Equal(t, 0, unreadCount(t, svc, conv.ID, 1))

	// User 2 replies; the pair resolves to the same conversation.
	reply, err := svc.StartConversation(context.Background(), 2, 1, "Hello")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, reply.ID)

	msgs, err = svc.GetMessages(context.Background(), conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi", msgs[0].Content)
	assert.Equal(t, "Hello", msgs[1].Content)

	// User 1 opens the thread; only their own unread state changes.
	_, err = svc.MarkMessagesAsRead(context.Background(), conv.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, unreadCount(t, svc, conv.ID, 1))
	assert.Equal(t, 1, unreadCount(t, svc, conv.ID, 2))

	// User 1's inbox shows the reply as the preview.
	summaries, err := svc.ListConversations(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, conv.ID, summaries[0].ID)
	assert.Equal(t, int64(2), summaries[0].OtherUserID)
	assert.Equal(t, "Hello", summaries[0].LastMessage)
}

func TestListConversationsOrderedByRecency(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, nil)

	first, err := svc.StartConversation(context.Background(), 1, 2, "to user two")
	require.NoError(t, err)
	second, err := svc.StartConversation(context.Background(), 1, 3, "to user three")
	require.NoError(t, err)

	summaries, err := svc.ListConversations(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, second.ID, summaries[0].ID)
	assert.Equal(t, first.ID, summaries[1].ID)

	// A new message in the older conversation moves it to the top.
	_, err = svc.SendMessage(context.Background(), first.ID, 2, "bump")
	require.NoError(t, err)

	summaries, err = svc.ListConversations(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, first.ID, summaries[0].ID)
}

func TestListConversationsResolvesDirectoryNames(t *testing.T) {
	repo := newFakeRepository()
	dir := &fakeDirectory{users: map[int64]*directory.User{
		2: {ID: 2, DisplayName: "Dana Reyes", Email: "dana@campus.edu"},
	}}
	svc := newTestService(repo, dir)

	_, err := svc.StartConversation(context.Background(), 1, 2, "Hi")
	require.NoError(t, err)

	summaries, err := svc.ListConversations(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "Dana Reyes", summaries[0].OtherUserName)
	assert.Equal(t, "dana@campus.edu", summaries[0].OtherUserEmail)
}

func TestListConversationsSurvivesDirectoryOutage(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, &fakeDirectory{fail: true})

	_, err := svc.StartConversation(context.Background(), 1, 2, "Hi")
	require.NoError(t, err)

	summaries, err := svc.ListConversations(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, int64(2), summaries[0].OtherUserID)
	assert.Empty(t, summaries[0].OtherUserName)
}

func TestStartConversationInitialMessageOnlyOnFirstCall(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, nil)

	conv, err := svc.StartConversation(context.Background(), 1, 2, "Hi")
	require.NoError(t, err)
	_, err = svc.StartConversation(context.Background(), 1, 2, "")
	require.NoError(t, err)

	msgs, err := svc.GetMessages(context.Background(), conv.ID, 1)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
