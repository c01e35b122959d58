package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"linebot/internal/domain"
	"linebot/internal/scheduler"
	"linebot/internal/store"
)

const (
	followMessage  = "[Follow Event]"
	followResponse = "[SYSTEM] Follower saved."
	postbackPrefix = "[Postback] "
)

// FollowerStore keeps follower bookkeeping.
type FollowerStore interface {
	GetFollower(ctx context.Context, userID string) (domain.FollowerRecord, error)
	SaveFollower(ctx context.Context, rec domain.FollowerRecord) error
	UpdateFollowerStatus(ctx context.Context, userID, status string, at time.Time) error
	RecordInteraction(ctx context.Context, userID string, at time.Time) error
}

type ConversationLogger interface {
	SaveConversation(ctx context.Context, entry domain.ConversationLog) error
}

type ProfileFetcher interface {
	Profile(ctx context.Context, userID string) (domain.Profile, error)
}

type Disarmer interface {
	Disarm(ctx context.Context, name string) error
}

// Result summarizes one drain.
type Result struct {
	Drained   int
	Processed int
	Skipped   int
	Failed    int
}

var errSkipped = errors.New("usecase: event skipped")

// Processor drains the event queue and performs the bookkeeping that does not
// need to happen before the webhook is acknowledged.
type Processor struct {
	queue     store.Queue
	followers FollowerStore
	logs      ConversationLogger
	profiles  ProfileFetcher
	disarmer  Disarmer
	now       func() time.Time
	log       *slog.Logger
}

type ProcessorOption func(*Processor)

func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

func NewProcessor(queue store.Queue, followers FollowerStore, logs ConversationLogger, profiles ProfileFetcher, disarmer Disarmer, opts ...ProcessorOption) (*Processor, error) {
	if queue == nil {
		return nil, errors.New("usecase: queue must not be nil")
	}
	if followers == nil {
		return nil, errors.New("usecase: follower store must not be nil")
	}
	if logs == nil {
		return nil, errors.New("usecase: conversation logger must not be nil")
	}
	if profiles == nil {
		return nil, errors.New("usecase: profile fetcher must not be nil")
	}
	if disarmer == nil {
		return nil, errors.New("usecase: disarmer must not be nil")
	}
	p := &Processor{
		queue:     queue,
		followers: followers,
		logs:      logs,
		profiles:  profiles,
		disarmer:  disarmer,
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Task adapts Run for the scheduler.
func (p *Processor) Task() scheduler.Task {
	return func(ctx context.Context) {
		res, err := p.Run(ctx)
		if err != nil {
			p.log.Error("drain failed", "err", err)
			return
		}
		p.log.Info("drain finished", "drained", res.Drained, "processed", res.Processed, "skipped", res.Skipped, "failed", res.Failed)
	}
}

// Run drains everything queued and dispatches each entry. One entry failing
// does not stop the others. The drain task is disarmed on every return so the
// next webhook can schedule a new run.
func (p *Processor) Run(ctx context.Context) (Result, error) {
	defer p.disarm(ctx)

	entries, err := p.queue.DrainAll(ctx)
	if err != nil {
		if len(entries) == 0 {
			return Result{}, fmt.Errorf("usecase: drain queue: %w", err)
		}
		p.log.Warn("queue drained with errors", "entries", len(entries), "err", err)
	}
	res := Result{Drained: len(entries)}
	for _, entry := range entries {
		err := p.dispatch(ctx, entry)
		switch {
		case err == nil:
			res.Processed++
		case errors.Is(err, errSkipped):
			res.Skipped++
		default:
			res.Failed++
			p.log.Error("queued event failed", "entry_id", entry.ID, "kind", entry.Kind, "err", err)
		}
	}
	return res, nil
}

func (p *Processor) disarm(ctx context.Context) {
	if err := p.disarmer.Disarm(context.WithoutCancel(ctx), DrainTask); err != nil {
		p.log.Warn("disarm drain failed", "err", err)
	}
}

func (p *Processor) dispatch(ctx context.Context, entry domain.QueueEntry) error {
	ev, err := entry.Decode()
	if err != nil {
		return fmt.Errorf("decode entry: %w", err)
	}
	at := p.eventTime(ev.Meta(), entry)
	switch e := ev.(type) {
	case domain.MessageEvent:
		return p.exchange(ctx, e.UserID, at, messageText(e.Message), entryResponse(entry, e.Message), entryIntent(entry, e.Message))
	case domain.PostbackEvent:
		intent := entry.Intent
		if intent == "" {
			intent = IntentPostback
		}
		return p.exchange(ctx, e.UserID, at, postbackPrefix+e.Data, entry.Reply, intent)
	case domain.FollowEvent:
		return p.follow(ctx, e.UserID, at)
	case domain.UnfollowEvent:
		return p.unfollow(ctx, e.UserID, at)
	case domain.JoinEvent, domain.LeaveEvent, domain.UnknownEvent:
		p.log.Info("event skipped", "kind", ev.Kind(), "user_id", e.Meta().UserID)
		return errSkipped
	default:
		return fmt.Errorf("unhandled event %T", ev)
	}
}

func (p *Processor) exchange(ctx context.Context, userID string, at time.Time, message, response, intent string) error {
	if userID == "" {
		return errSkipped
	}
	err := p.logs.SaveConversation(ctx, domain.ConversationLog{
		UserID:      userID,
		Timestamp:   at,
		UserMessage: message,
		Response:    response,
		Intent:      intent,
	})
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	err = p.followers.RecordInteraction(ctx, userID, at)
	if errors.Is(err, store.ErrNotFound) {
		p.log.Debug("interaction from unknown follower", "user_id", userID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record interaction: %w", err)
	}
	return nil
}

func (p *Processor) follow(ctx context.Context, userID string, at time.Time) error {
	if userID == "" {
		return errSkipped
	}
	profile, err := p.profiles.Profile(ctx, userID)
	if err != nil {
		p.log.Warn("profile lookup failed, using defaults", "user_id", userID, "err", err)
		profile = domain.Profile{UserID: userID}
	}
	rec := domain.FollowerRecord{
		UserID:          userID,
		DisplayName:     orDefault(profile.DisplayName, domain.DefaultDisplayName),
		PictureURL:      profile.PictureURL,
		Language:        orDefault(profile.Language, domain.DefaultLanguage),
		StatusMessage:   profile.StatusMessage,
		FirstFollowDate: at,
		LastFollowDate:  at,
		FollowCount:     1,
		Status:          domain.FollowerActive,
		SourceChannel:   domain.DefaultSourceChannel,
		Tags:            domain.DefaultFollowerTags,
		LastInteraction: at,
	}

	existing, err := p.followers.GetFollower(ctx, userID)
	switch {
	case err == nil:
		rec.FollowCount = existing.FollowCount + 1
		if !existing.FirstFollowDate.IsZero() {
			rec.FirstFollowDate = existing.FirstFollowDate
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return fmt.Errorf("get follower: %w", err)
	}

	if err := p.followers.SaveFollower(ctx, rec); err != nil {
		return fmt.Errorf("save follower: %w", err)
	}
	err = p.logs.SaveConversation(ctx, domain.ConversationLog{
		UserID:      userID,
		Timestamp:   at,
		UserMessage: followMessage,
		Response:    followResponse,
		Intent:      IntentFollow,
	})
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

func (p *Processor) unfollow(ctx context.Context, userID string, at time.Time) error {
	if userID == "" {
		return errSkipped
	}
	err := p.followers.UpdateFollowerStatus(ctx, userID, domain.FollowerBlocked, at)
	if errors.Is(err, store.ErrNotFound) {
		p.log.Info("unfollow from unknown follower", "user_id", userID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("update follower status: %w", err)
	}
	return nil
}

func (p *Processor) eventTime(meta domain.Base, entry domain.QueueEntry) time.Time {
	switch {
	case !meta.Timestamp.IsZero():
		return meta.Timestamp
	case !entry.EnqueuedAt.IsZero():
		return entry.EnqueuedAt
	default:
		return p.now()
	}
}

func messageText(m domain.Message) string {
	if m.Type == domain.MessageText {
		return m.Text
	}
	return fmt.Sprintf("[%s Message]", capitalize(string(m.Type)))
}

func entryResponse(entry domain.QueueEntry, m domain.Message) string {
	if entry.Reply != "" || m.Type == domain.MessageText {
		return entry.Reply
	}
	return capitalize(string(m.Type)) + " received"
}

func entryIntent(entry domain.QueueEntry, m domain.Message) string {
	if entry.Intent != "" {
		return entry.Intent
	}
	if m.Type == domain.MessageText {
		return IntentFallback
	}
	return MediaIntent(m.Type)
}

func capitalize(s string) string {
	if s == "" {
		return "Unknown"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
