package notify

import (
	"context"
	"errors"

	"github.com/park285/fleetbattle/internal/httpjson"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Egress delivers rendered text to one player.
type Egress interface {
	Deliver(ctx context.Context, userID, text string) error
}

type webhookPayload struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// WebhookEgress posts each message to <base>/notify.
type WebhookEgress struct{ c *httpjson.Client }

func NewWebhookEgress(c *httpjson.Client) *WebhookEgress { return &WebhookEgress{c: c} }

func (w *WebhookEgress) Deliver(ctx context.Context, userID, text string) error {
	if w == nil || w.c == nil {
		return errors.New("webhook egress not available")
	}
	return w.c.Do(ctx, fasthttp.MethodPost, "/notify", webhookPayload{UserID: userID, Text: text}, nil, true)
}

// LogEgress only logs messages.
type LogEgress struct{ logger *zap.Logger }

func NewLogEgress(logger *zap.Logger) *LogEgress {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogEgress{logger: logger}
}

func (l *LogEgress) Deliver(_ context.Context, userID, text string) error {
	l.logger.Info("notify_dryrun", zap.String("user_id", userID), zap.String("text", text))
	return nil
}
