package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"campusnet/messaging-service/internal/models"
	"campusnet/messaging-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const userIDKey = "user_id"

// Pinger reports storage liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	service service.MessagingService
	pinger  Pinger
	logger  *logrus.Logger
}

func NewServer(svc service.MessagingService, pinger Pinger, logger *logrus.Logger) *Server {
	return &Server{
		service: svc,
		pinger:  pinger,
		logger:  logger,
	}
}

func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.health)

	api := router.Group("/api/v1", s.authenticate)
	{
		api.POST("/conversations", s.startConversation)
		api.GET("/conversations", s.listConversations)
		api.GET("/conversations/:id/messages", s.listMessages)
		api.POST("/conversations/:id/messages", s.sendMessage)
		api.PATCH("/conversations/:id/read", s.markRead)
	}

	return router
}

// authenticate trusts the identity the portal's auth layer injects. The
// messaging service never sees credentials.
func (s *Server) authenticate(c *gin.Context) {
	raw := c.GetHeader("X-User-ID")
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "authentication required"})
		return
	}
	c.Set(userIDKey, userID)
	c.Next()
}

func currentUser(c *gin.Context) int64 {
	return c.GetInt64(userIDKey)
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.pinger != nil {
		if err := s.pinger.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) startConversation(c *gin.Context) {
	userID := currentUser(c)

	var req struct {
		RecipientID    int64  `json:"recipientId"`
		InitialMessage string `json:"initialMessage"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid payload"})
		return
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":      userID,
		"recipient_id": req.RecipientID,
	}).Info("Starting conversation")

	conv, err := s.service.StartConversation(c.Request.Context(), userID, req.RecipientID, req.InitialMessage)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversationId": conv.ID})
}

func (s *Server) listConversations(c *gin.Context) {
	userID := currentUser(c)

	summaries, err := s.service.ListConversations(c.Request.Context(), userID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if summaries == nil {
		summaries = []*models.ConversationSummary{}
	}
	c.JSON(http.StatusOK, summaries)
}

func (s *Server) listMessages(c *gin.Context) {
	userID := currentUser(c)
	conversationID := c.Param("id")

	messages, err := s.service.GetMessages(c.Request.Context(), conversationID, userID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if messages == nil {
		messages = []*models.Message{}
	}
	c.JSON(http.StatusOK, messages)
}

func (s *Server) sendMessage(c *gin.Context) {
	userID := currentUser(c)
	conversationID := c.Param("id")

	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid payload"})
		return
	}

	msg, err := s.service.SendMessage(c.Request.Context(), conversationID, userID, req.Content)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"messageId": msg.ID})
}

func (s *Server) markRead(c *gin.Context) {
	userID := currentUser(c)
	conversationID := c.Param("id")

	count, err := s.service.MarkMessagesAsRead(c.Request.Context(), conversationID, userID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"marked": count})
}

// respondError maps the service error taxonomy onto status classes. Storage
// detail stays in the server log; callers get a generic message.
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrSelfConversation),
		errors.Is(err, service.ErrMissingRecipient),
		errors.Is(err, service.ErrEmptyContent):
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
	case errors.Is(err, service.ErrConversationNotFound),
		errors.Is(err, service.ErrNotParticipant):
		c.JSON(http.StatusNotFound, gin.H{"message": service.ErrConversationNotFound.Error()})
	default:
		s.logger.WithError(err).Error("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"message": "internal error"})
	}
}
