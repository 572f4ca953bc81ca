package lark

import (
	"context"
	"encoding/json"
	"fmt"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkIm "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"go.uber.org/zap"

	"github.com/garyjia/quote-approval/internal/application/port"
)

// MessageSender posts one message to a Lark chat
type MessageSender interface {
	SendMessage(ctx context.Context, receiveIDType, receiveID, msgType, content string) (string, error)
}

// MessageAPI handles Lark messaging operations
type MessageAPI struct {
	client *lark.Client
	logger *zap.Logger
}

// NewMessageAPI creates a new message API handler
func NewMessageAPI(client *lark.Client, logger *zap.Logger) *MessageAPI {
	return &MessageAPI{
		client: client,
		logger: logger,
	}
}

// SendMessage sends a message to a user or group
func (m *MessageAPI) SendMessage(ctx context.Context, receiveIDType, receiveID, msgType, content string) (string, error) {
	req := larkIm.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveIDType).
		Body(larkIm.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType(msgType).
			Content(content).
			Build()).
		Build()

	resp, err := m.client.Im.Message.Create(ctx, req)
	if err != nil {
		m.logger.Error("Failed to send message",
			zap.String("receive_id", receiveID),
			zap.Error(err))
		return "", fmt.Errorf("failed to send message: %w", err)
	}

	if !resp.Success() {
		m.logger.Error("API returned failure",
			zap.String("receive_id", receiveID),
			zap.Int("code", resp.Code),
			zap.String("msg", resp.Msg))
		return "", fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}

	messageID := ""
	if resp.Data != nil && resp.Data.MessageId != nil {
		messageID = *resp.Data.MessageId
	}
	return messageID, nil
}

// ChatAlerter posts operability alerts into a Lark group chat
type ChatAlerter struct {
	sender MessageSender
	chatID string
	logger *zap.Logger
}

// NewChatAlerter creates an alerter for the given chat
func NewChatAlerter(sender MessageSender, chatID string, logger *zap.Logger) *ChatAlerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatAlerter{sender: sender, chatID: chatID, logger: logger}
}

// Alert sends the alert as a text message. Delivery failures are only logged.
func (a *ChatAlerter) Alert(ctx context.Context, alert port.Alert) {
	content, err := json.Marshal(map[string]string{"text": FormatAlert(alert)})
	if err != nil {
		a.logger.Error("Failed to encode alert", zap.Error(err))
		return
	}

	if _, err := a.sender.SendMessage(ctx, "chat_id", a.chatID, "text", string(content)); err != nil {
		a.logger.Error("Failed to deliver alert to Lark",
			zap.String("chat_id", a.chatID),
			zap.String("source", alert.Source),
			zap.Error(err))
	}
}

// FormatAlert renders an alert as one line of chat text
func FormatAlert(alert port.Alert) string {
	text := fmt.Sprintf("[%s] %s", alert.Severity, alert.Source)
	if alert.QuoteID != "" {
		text += " quote " + alert.QuoteID
	}
	text += ": " + alert.Message
	if alert.Err != nil {
		text += " (" + alert.Err.Error() + ")"
	}
	return text
}

var _ port.Alerter = (*ChatAlerter)(nil)
