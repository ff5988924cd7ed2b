package notifications

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/R3E-Network/textbook_market/internal/app/domain/notification"
	"github.com/R3E-Network/textbook_market/internal/app/storage"
	apperrors "github.com/R3E-Network/textbook_market/internal/errors"
	"github.com/R3E-Network/textbook_market/internal/integrations/email"
	"github.com/R3E-Network/textbook_market/pkg/logger"
)

// Mailer sends rendered email.
type Mailer interface {
	Send(ctx context.Context, msg email.Message) (string, error)
}

// Request describes a notification to raise. When Email is set the message
// is also mailed using the template matching Type.
type Request struct {
	UserID   string
	Type     notification.Type
	Title    string
	Message  string
	OrderID  string
	Email    string
	Deadline *time.Time
	Window   time.Duration
	Tracking string
}

// Service persists in-app notifications and pushes them to live clients.
type Service struct {
	store  storage.NotificationStore
	hub    *Hub
	mailer Mailer
	log    *logger.Logger
}

// New creates the notification service. hub and mailer are optional.
func New(store storage.NotificationStore, hub *Hub, mailer Mailer, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("notifications")
	}
	return &Service{store: store, hub: hub, mailer: mailer, log: log}
}

// Notify stores the notification, publishes it and mails it when requested.
// Delivery failures after the row is stored are logged only.
func (s *Service) Notify(ctx context.Context, req Request) (notification.Notification, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return notification.Notification{}, apperrors.Required("user_id")
	}
	if strings.TrimSpace(req.Title) == "" {
		return notification.Notification{}, apperrors.Required("title")
	}
	created, err := s.store.CreateNotification(ctx, notification.Notification{
		UserID:  req.UserID,
		Type:    req.Type,
		Title:   req.Title,
		Message: req.Message,
		OrderID: req.OrderID,
	})
	if err != nil {
		return notification.Notification{}, err
	}

	if s.hub != nil {
		s.hub.Publish(created)
	}
	if req.Email != "" && s.mailer != nil {
		s.sendEmail(ctx, req)
	}
	return created, nil
}

func (s *Service) sendEmail(ctx context.Context, req Request) {
	data := email.Data{
		Title:    req.Title,
		Message:  req.Message,
		OrderID:  req.OrderID,
		Tracking: req.Tracking,
	}
	if req.Window > 0 {
		data.Window = fmt.Sprintf("%.0f hours", req.Window.Hours())
	}
	if req.Deadline != nil {
		data.Deadline = req.Deadline.UTC().Format("02 Jan 2006 15:04 MST")
	}
	body, err := email.Render(templateFor(req.Type), data)
	if err != nil {
		s.log.WithError(err).WithField("type", req.Type).Warn("render email failed")
		return
	}
	if _, err := s.mailer.Send(ctx, email.Message{
		To:      req.Email,
		Subject: req.Title,
		HTML:    body,
		Text:    req.Message,
	}); err != nil {
		s.log.WithError(err).
			WithField("user_id", req.UserID).
			WithField("type", req.Type).
			Warn("send notification email failed")
	}
}

func templateFor(t notification.Type) string {
	switch t {
	case notification.TypeNewSale:
		return email.TemplateNewSale
	case notification.TypeCommitReminder:
		return email.TemplateCommitReminder
	case notification.TypeOrderCancelled, notification.TypeOrderExpired:
		return email.TemplateOrderCancelled
	case notification.TypeOrderCommitted:
		return email.TemplateOrderCommitted
	case notification.TypeRefund:
		return email.TemplateRefund
	case notification.TypePayout:
		return email.TemplatePayout
	default:
		return email.TemplateGeneric
	}
}

// List returns a user's notifications, newest first.
func (s *Service) List(ctx context.Context, userID string, unreadOnly bool) ([]notification.Notification, error) {
	if userID == "" {
		return nil, apperrors.Required("user_id")
	}
	return s.store.ListNotifications(ctx, userID, unreadOnly)
}

// MarkRead marks one of the user's notifications read.
func (s *Service) MarkRead(ctx context.Context, userID, id string) error {
	return s.store.MarkNotificationRead(ctx, userID, id)
}

// MarkAllRead marks every notification of the user read.
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int, error) {
	return s.store.MarkAllNotificationsRead(ctx, userID)
}

// Hub exposes the websocket hub, nil when realtime push is disabled.
func (s *Service) Hub() *Hub {
	return s.hub
}
