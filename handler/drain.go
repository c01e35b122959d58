package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"linebot/internal/usecase"
)

type Drainer interface {
	Run(ctx context.Context) (usecase.Result, error)
}

// DrainHandler runs the deferred processor from a scheduled event. It catches
// queued events whose in-process timer never fired because the function was
// frozen after answering the webhook.
type DrainHandler struct {
	drainer Drainer
	log     *slog.Logger
}

func NewDrainHandler(d Drainer, log *slog.Logger) (*DrainHandler, error) {
	if d == nil {
		return nil, errors.New("handler: drainer must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &DrainHandler{drainer: d, log: log}, nil
}

func (h *DrainHandler) Handle(ctx context.Context, ev events.CloudWatchEvent) error {
	res, err := h.drainer.Run(ctx)
	if err != nil {
		h.log.Error("scheduled drain failed", "event_id", ev.ID, "err", err)
		return err
	}
	h.log.Info("scheduled drain finished", "event_id", ev.ID, "drained", res.Drained, "processed", res.Processed, "skipped", res.Skipped, "failed", res.Failed)
	return nil
}
