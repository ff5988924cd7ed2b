package notifications

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/textbook_market/internal/app/domain/notification"
	"github.com/R3E-Network/textbook_market/internal/app/storage/memory"
	"github.com/R3E-Network/textbook_market/internal/integrations/email"
	"github.com/R3E-Network/textbook_market/pkg/logger"
)

type recordingMailer struct {
	mu   sync.Mutex
	sent []email.Message
	err  error
}

func (m *recordingMailer) Send(_ context.Context, msg email.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.sent = append(m.sent, msg)
	return "msg-1", nil
}

func TestNotifyPersistsAndMails(t *testing.T) {
	ctx := context.Background()
	mailer := &recordingMailer{}
	svc := New(memory.New(), nil, mailer, logger.NewDiscard())

	deadline := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	n, err := svc.Notify(ctx, Request{
		UserID:   "seller-1",
		Type:     notification.TypeNewSale,
		Title:    "You made a sale",
		Message:  "Campbell Biology was bought.",
		OrderID:  "order-1",
		Email:    "seller@example.com",
		Window:   48 * time.Hour,
		Deadline: &deadline,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, n.ID)
	assert.False(t, n.Read)

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "seller@example.com", mailer.sent[0].To)
	assert.Contains(t, mailer.sent[0].HTML, "48 hours")
	assert.Contains(t, mailer.sent[0].HTML, "order-1")

	list, err := svc.List(ctx, "seller-1", true)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestNotifyEmailFailureIsNotFatal(t *testing.T) {
	svc := New(memory.New(), nil, &recordingMailer{err: errors.New("smtp down")}, logger.NewDiscard())
	_, err := svc.Notify(context.Background(), Request{
		UserID: "buyer-1", Type: notification.TypeRefund, Title: "Refund issued", Email: "buyer@example.com",
	})
	require.NoError(t, err)
}

func TestNotifyValidates(t *testing.T) {
	svc := New(memory.New(), nil, nil, logger.NewDiscard())
	_, err := svc.Notify(context.Background(), Request{Title: "missing user"})
	require.Error(t, err)
}

func TestMarkReadFlow(t *testing.T) {
	ctx := context.Background()
	svc := New(memory.New(), nil, nil, logger.NewDiscard())
	first, err := svc.Notify(ctx, Request{UserID: "u1", Type: notification.TypeOrderPaid, Title: "Paid"})
	require.NoError(t, err)
	_, err = svc.Notify(ctx, Request{UserID: "u1", Type: notification.TypeCompleted, Title: "Done"})
	require.NoError(t, err)

	require.NoError(t, svc.MarkRead(ctx, "u1", first.ID))
	unread, err := svc.List(ctx, "u1", true)
	require.NoError(t, err)
	assert.Len(t, unread, 1)

	count, err := svc.MarkAllRead(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	unread, err = svc.List(ctx, "u1", true)
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestHubPushesToConnectedUser(t *testing.T) {
	hub := NewHub(nil, logger.NewDiscard())
	defer hub.Close()
	svc := New(memory.New(), hub, nil, logger.NewDiscard())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Serve(w, r, r.URL.Query().Get("user"))
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?user=buyer-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Connections("buyer-1") == 1 }, time.Second, 10*time.Millisecond)

	_, err = svc.Notify(context.Background(), Request{
		UserID: "buyer-1", Type: notification.TypeOrderCommitted, Title: "Seller committed", OrderID: "order-9",
	})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got notification.Notification
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "order-9", got.OrderID)
	assert.Equal(t, notification.TypeOrderCommitted, got.Type)
}

func TestTemplateMapping(t *testing.T) {
	assert.Equal(t, email.TemplateOrderCancelled, templateFor(notification.TypeOrderExpired))
	assert.Equal(t, email.TemplateGeneric, templateFor(notification.TypeCollected))
}
