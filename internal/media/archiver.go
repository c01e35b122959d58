package media

import (
	"context"
	"errors"
	"fmt"

	"linebot/internal/integrations/line"
)

// ContentFetcher downloads message content from the platform.
type ContentFetcher interface {
	Content(ctx context.Context, messageID string) (line.Content, error)
}

// Putter stores bytes and returns a durable reference.
type Putter interface {
	Put(ctx context.Context, data []byte, contentType string) (string, error)
}

// Archiver copies a message attachment into durable storage.
type Archiver struct {
	src ContentFetcher
	dst Putter
}

func NewArchiver(src ContentFetcher, dst Putter) (*Archiver, error) {
	if src == nil {
		return nil, errors.New("media: content fetcher must not be nil")
	}
	if dst == nil {
		return nil, errors.New("media: store must not be nil")
	}
	return &Archiver{src: src, dst: dst}, nil
}

// Archive downloads messageID and returns the stored copy's URL.
func (a *Archiver) Archive(ctx context.Context, messageID string) (string, error) {
	content, err := a.src.Content(ctx, messageID)
	if err != nil {
		return "", fmt.Errorf("media: download %s: %w", messageID, err)
	}
	ref, err := a.dst.Put(ctx, content.Data, content.ContentType)
	if err != nil {
		return "", fmt.Errorf("media: store %s: %w", messageID, err)
	}
	return ref, nil
}
