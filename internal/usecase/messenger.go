package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ReplyPusher is the part of the LINE client used to deliver text.
type ReplyPusher interface {
	Reply(ctx context.Context, replyToken string, texts ...string) error
	Push(ctx context.Context, userID string, texts ...string) error
}

// Messenger delivers replies through the reply token and falls back to a
// push message when the token is missing, expired, or already used.
type Messenger struct {
	api ReplyPusher
	log *slog.Logger
}

func NewMessenger(api ReplyPusher, log *slog.Logger) (*Messenger, error) {
	if api == nil {
		return nil, errors.New("usecase: reply pusher must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Messenger{api: api, log: log}, nil
}

func (m *Messenger) Send(ctx context.Context, replyToken, userID string, texts ...string) error {
	if len(texts) == 0 {
		return nil
	}
	if replyToken != "" {
		err := m.api.Reply(ctx, replyToken, texts...)
		if err == nil {
			return nil
		}
		status, _ := upstreamStatusCode(err)
		m.log.Warn("reply failed, falling back to push", "user_id", userID, "status", status, "err", err)
		if userID == "" {
			return fmt.Errorf("usecase: reply: %w", err)
		}
	}
	if userID == "" {
		return errors.New("usecase: no reply token or user id to send to")
	}
	if err := m.api.Push(ctx, userID, texts...); err != nil {
		return fmt.Errorf("usecase: push: %w", err)
	}
	return nil
}
