package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"campusnet/messaging-service/internal/models"

	"github.com/sirupsen/logrus"
)

// SyncConfig configures the polling loop. Each callback receives a full
// replacement snapshot; the previous one should be discarded wholesale.
// Server state is append-only, so a stale snapshot is corrected on the next
// tick rather than merged.
type SyncConfig struct {
	InboxInterval  time.Duration
	ThreadInterval time.Duration
	OnInbox        func(summaries []*models.ConversationSummary)
	OnThread       func(conversationID string, messages []*models.Message)
	Logger         *logrus.Logger
}

// SyncLoop keeps a client's inbox and open thread current by polling. The
// inbox poll runs for the lifetime of the loop; the thread poll is scoped to
// the currently open conversation and is cancelled on every exit path
// (reopen, explicit close, loop shutdown).
type SyncLoop struct {
	api    *Client
	cfg    SyncConfig
	logger *logrus.Logger

	mu      sync.Mutex
	runCtx  context.Context
	session *threadSession
}

type threadSession struct {
	conversationID string
	cancel         context.CancelFunc
	done           chan struct{}
}

func (s *threadSession) stop() {
	s.cancel()
	<-s.done
}

func NewSyncLoop(api *Client, cfg SyncConfig) *SyncLoop {
	if cfg.InboxInterval <= 0 {
		cfg.InboxInterval = 10 * time.Second
	}
	if cfg.ThreadInterval <= 0 {
		cfg.ThreadInterval = 3 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &SyncLoop{
		api:    api,
		cfg:    cfg,
		logger: logger,
	}
}

// Run polls the inbox until ctx is cancelled. It blocks; callers run it in a
// goroutine. Cancelling ctx also stops any open thread session.
func (l *SyncLoop) Run(ctx context.Context) error {
	l.mu.Lock()
	l.runCtx = ctx
	l.mu.Unlock()

	l.refreshInbox(ctx)

	ticker := time.NewTicker(l.cfg.InboxInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.CloseThread()
			return ctx.Err()
		case <-ticker.C:
			l.refreshInbox(ctx)
		}
	}
}

// Open selects a conversation: any previous thread session is cancelled
// first, then the new one fetches immediately, marks incoming messages read
// and keeps polling on the thread interval.
func (l *SyncLoop) Open(conversationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.runCtx == nil {
		return errors.New("sync loop is not running")
	}
	if l.session != nil {
		l.session.stop()
		l.session = nil
	}

	ctx, cancel := context.WithCancel(l.runCtx)
	session := &threadSession{
		conversationID: conversationID,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	l.session = session

	go l.runThread(ctx, session)
	return nil
}

// CloseThread deselects the open conversation. The inbox poll continues.
func (l *SyncLoop) CloseThread() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session != nil {
		l.session.stop()
		l.session = nil
	}
}

// Send delivers a message through the open conversation synchronously, then
// forces a refetch of both the thread and the inbox so the caller's view
// reflects the write without waiting for the next tick.
func (l *SyncLoop) Send(ctx context.Context, content string) (string, error) {
	l.mu.Lock()
	session := l.session
	l.mu.Unlock()

	if session == nil {
		return "", errors.New("no conversation is open")
	}

	messageID, err := l.api.SendMessage(ctx, session.conversationID, content)
	if err != nil {
		return "", err
	}

	l.refreshThread(ctx, session.conversationID)
	l.refreshInbox(ctx)
	return messageID, nil
}

func (l *SyncLoop) runThread(ctx context.Context, session *threadSession) {
	defer close(session.done)

	l.refreshThread(ctx, session.conversationID)
	if _, err := l.api.MarkRead(ctx, session.conversationID); err != nil {
		l.logger.WithError(err).Debug("Mark read failed, retrying with next poll")
	}
	l.refreshInbox(ctx)

	ticker := time.NewTicker(l.cfg.ThreadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.refreshThread(ctx, session.conversationID)
		}
	}
}

// Poll failures are swallowed: staleness is already part of the contract and
// the next tick retries.
func (l *SyncLoop) refreshInbox(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	summaries, err := l.api.ListConversations(ctx)
	if err != nil {
		l.logger.WithError(err).Debug("Inbox poll failed")
		return
	}
	if l.cfg.OnInbox != nil {
		l.cfg.OnInbox(summaries)
	}
}

func (l *SyncLoop) refreshThread(ctx context.Context, conversationID string) {
	if ctx.Err() != nil {
		return
	}
	messages, err := l.api.ListMessages(ctx, conversationID)
	if err != nil {
		l.logger.WithError(err).Debug("Thread poll failed")
		return
	}
	if l.cfg.OnThread != nil {
		l.cfg.OnThread(conversationID, messages)
	}
}
