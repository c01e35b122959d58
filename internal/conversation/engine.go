// Package conversation runs the chat-driven report flow: pick a branch, type
// an amount, send a receipt photo.
//
// State lives in a store.StateStore and every write is a compare-and-set on
// the state version. Within one process events for the same user are also
// serialized, so duplicate deliveries see each other's transitions instead of
// racing on a stale read.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	// Lambda runtimes ship without a zoneinfo database.
	_ "time/tzdata"

	"linebot/internal/domain"
	"linebot/internal/retry"
	"linebot/internal/store"
)

// DefaultGoal is the monthly target used when none is configured.
const DefaultGoal = 10000

// ErrConcurrentUpdate means the user's state kept changing underneath us.
// The event should be answered with a generic failure and may be resent.
var ErrConcurrentUpdate = errors.New("conversation: concurrent state update")

// MediaArchiver fetches a message's binary content and stores it durably,
// returning a reference to the stored copy.
type MediaArchiver interface {
	Archive(ctx context.Context, messageID string) (string, error)
}

// ReportStore persists reports and answers month-to-date totals.
type ReportStore interface {
	SaveReport(ctx context.Context, r domain.Report) error
	MonthToDate(ctx context.Context, branch, monthKey string) (float64, error)
}

// Outcome describes what the engine did with an event.
type Outcome struct {
	// Handled is false when no flow is active and the event does not start one.
	Handled bool
	Reply   string
	Intent  string
	// State is the state after the event; the zero value means no flow is active.
	State   domain.ConversationState
	Summary *domain.ReportSummary
}

// Engine drives the report flow.
type Engine struct {
	states  store.StateStore
	media   MediaArchiver
	reports ReportStore
	retry   retry.Policy
	goal    float64
	loc     *time.Location
	now     func() time.Time
	log     *slog.Logger
	locks   keyedMutex
}

type Option func(*Engine)

func WithGoal(goal float64) Option {
	return func(e *Engine) {
		if goal > 0 {
			e.goal = goal
		}
	}
}

// WithRetry sets the policy wrapped around media archiving.
func WithRetry(p retry.Policy) Option {
	return func(e *Engine) { e.retry = p }
}

func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New creates an Engine. The report month is computed in Asia/Bangkok unless
// WithLocation says otherwise.
func New(states store.StateStore, media MediaArchiver, reports ReportStore, opts ...Option) (*Engine, error) {
	if states == nil {
		return nil, errors.New("conversation: state store must not be nil")
	}
	if media == nil {
		return nil, errors.New("conversation: media archiver must not be nil")
	}
	if reports == nil {
		return nil, errors.New("conversation: report store must not be nil")
	}
	e := &Engine{
		states:  states,
		media:   media,
		reports: reports,
		retry:   retry.Policy{Name: "media.archive"},
		goal:    DefaultGoal,
		loc:     time.UTC,
		now:     time.Now,
		log:     slog.Default(),
	}
	if loc, err := time.LoadLocation(domain.ReportTimeZone); err == nil {
		e.loc = loc
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.retry.Logger == nil {
		e.retry.Logger = e.log
	}
	return e, nil
}

// Handle advances the sender's flow with a message event.
func (e *Engine) Handle(ctx context.Context, ev domain.MessageEvent) (Outcome, error) {
	if ev.UserID == "" {
		return Outcome{}, nil
	}
	return e.serialized(ctx, ev.UserID, func(ctx context.Context) (Outcome, error) {
		return e.handle(ctx, ev)
	})
}

// Start begins a flow for branch, replacing any flow already in progress.
// It is used when intent detection, not a literal token, picked the branch.
func (e *Engine) Start(ctx context.Context, userID, branch string) (Outcome, error) {
	code, ok := NormalizeBranch(branch)
	if !ok {
		return Outcome{}, fmt.Errorf("conversation: unknown branch %q", branch)
	}
	return e.serialized(ctx, userID, func(ctx context.Context) (Outcome, error) {
		current, err := e.current(ctx, userID)
		if err != nil {
			return Outcome{}, err
		}
		return e.start(ctx, userID, code, current)
	})
}

// State returns the user's active state, or false when no flow is active.
func (e *Engine) State(ctx context.Context, userID string) (domain.ConversationState, bool, error) {
	st, err := e.current(ctx, userID)
	if err != nil {
		return domain.ConversationState{}, false, err
	}
	return st, st.Step != domain.StepNone, nil
}

// serialized runs fn under the user's lock. A version conflict means another
// process moved the state; fn is re-evaluated once against the fresh state.
func (e *Engine) serialized(ctx context.Context, userID string, fn func(context.Context) (Outcome, error)) (Outcome, error) {
	unlock := e.locks.lock(userID)
	defer unlock()

	out, err := fn(ctx)
	if !errors.Is(err, store.ErrConflict) {
		return out, err
	}
	e.log.Warn("conversation state changed concurrently, re-evaluating", "user_id", userID)
	out, err = fn(ctx)
	if errors.Is(err, store.ErrConflict) {
		e.log.Error("conversation state conflict persisted", "user_id", userID)
		return Outcome{}, ErrConcurrentUpdate
	}
	return out, err
}

func (e *Engine) handle(ctx context.Context, ev domain.MessageEvent) (Outcome, error) {
	userID := ev.UserID
	current, err := e.current(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}
	isText := ev.Message.Type == domain.MessageText
	text := strings.TrimSpace(ev.Message.Text)

	if isText {
		if code, ok := MatchBranch(text); ok {
			return e.start(ctx, userID, code, current)
		}
	}
	if current.Step == domain.StepNone {
		return Outcome{}, nil
	}
	if isText && IsCancel(text) {
		if err := e.states.ClearState(ctx, userID, current.Version); err != nil {
			return Outcome{}, wrapStore("clear", err)
		}
		return Outcome{Handled: true, Reply: msgCancelled, Intent: IntentCancel}, nil
	}

	switch current.Step {
	case domain.StepAwaitingAmount:
		if !isText {
			return e.unchanged(current, msgExpectAmount, IntentWrongType), nil
		}
		amount, ok := ParseAmount(text)
		if !ok {
			return e.unchanged(current, msgAmountInvalid, IntentAmountInvalid), nil
		}
		next := current.WithData(map[string]any{domain.DataAmount: amount})
		next.Step = domain.StepAwaitingImage
		saved, err := e.states.SetState(ctx, next, current.Version)
		if err != nil {
			return Outcome{}, wrapStore("set", err)
		}
		return Outcome{Handled: true, Reply: amountReply(amount), Intent: IntentAmount, State: saved}, nil

	case domain.StepAwaitingImage:
		if ev.Message.Type != domain.MessageImage {
			return e.unchanged(current, msgExpectImage, IntentWrongType), nil
		}
		return e.complete(ctx, ev, current)

	default:
		// A step written by another version of this service; start over.
		e.log.Warn("unknown conversation step, clearing", "user_id", userID, "step", current.Step)
		if err := e.states.ClearState(ctx, userID, current.Version); err != nil {
			return Outcome{}, wrapStore("clear", err)
		}
		return Outcome{}, nil
	}
}

func (e *Engine) start(ctx context.Context, userID, branch string, current domain.ConversationState) (Outcome, error) {
	if current.Step != domain.StepNone {
		e.log.Info("restarting report flow", "user_id", userID, "previous_step", current.Step, "branch", branch)
	}
	next := domain.ConversationState{
		UserID: userID,
		Step:   domain.StepAwaitingAmount,
		Data:   map[string]any{domain.DataBranch: branch},
	}
	saved, err := e.states.SetState(ctx, next, current.Version)
	if err != nil {
		return Outcome{}, wrapStore("set", err)
	}
	return Outcome{Handled: true, Reply: startReply(branch), Intent: IntentStart, State: saved}, nil
}

// complete archives the receipt, saves the report and ends the flow. Any
// failure leaves the state as it was so the user can resend the image.
func (e *Engine) complete(ctx context.Context, ev domain.MessageEvent, current domain.ConversationState) (Outcome, error) {
	userID := ev.UserID
	branch := current.Branch()
	amount, ok := current.Amount()
	if branch == "" || !ok {
		e.log.Error("incomplete report state", "user_id", userID, "data", current.Data)
		if err := e.states.ClearState(ctx, userID, current.Version); err != nil {
			return Outcome{}, wrapStore("clear", err)
		}
		return Outcome{Handled: true, Reply: msgCancelled, Intent: IntentCancel}, nil
	}

	failed := func(stage string, err error) (Outcome, error) {
		e.log.Error("report save failed", "user_id", userID, "stage", stage, "err", err)
		return e.unchanged(current, msgSaveFailed, IntentSaveFailed), nil
	}

	ref, err := retry.Do(ctx, e.retry, func(ctx context.Context) (string, error) {
		return e.media.Archive(ctx, ev.Message.ID)
	})
	if err != nil {
		return failed("media", err)
	}

	now := e.now()
	report := domain.Report{
		// One report per image message, so a redelivered image is not counted twice.
		ID:        ev.Message.ID,
		Branch:    branch,
		Amount:    amount,
		Type:      domain.ReportDeposit,
		MediaRef:  ref,
		UserID:    userID,
		CreatedAt: now,
		MonthKey:  domain.MonthKey(now, e.loc),
	}
	if report.ID == "" {
		report.ID = fmt.Sprintf("%s-%d", userID, now.UnixNano())
	}
	if err := e.reports.SaveReport(ctx, report); err != nil {
		return failed("persist", err)
	}
	total, err := e.reports.MonthToDate(ctx, branch, report.MonthKey)
	if err != nil {
		return failed("summary", err)
	}
	// The report is saved either way. A newer flow started meanwhile is kept.
	if err := e.states.ClearState(ctx, userID, current.Version); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return Outcome{}, wrapStore("clear", err)
		}
		e.log.Warn("conversation state changed while saving report, keeping newer state", "user_id", userID, "report_id", report.ID)
	}

	summary := domain.ReportSummary{Branch: branch, Latest: amount, Accumulated: total, Goal: e.goal}
	return Outcome{Handled: true, Reply: SummaryReply(summary), Intent: IntentSaved, Summary: &summary}, nil
}

func (e *Engine) current(ctx context.Context, userID string) (domain.ConversationState, error) {
	st, err := e.states.GetState(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.ConversationState{UserID: userID}, nil
	}
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("conversation: get state: %w", err)
	}
	return st, nil
}

func (e *Engine) unchanged(current domain.ConversationState, reply, intent string) Outcome {
	return Outcome{Handled: true, Reply: reply, Intent: intent, State: current}
}

// wrapStore leaves store.ErrConflict bare so serialized can re-evaluate.
func wrapStore(op string, err error) error {
	if errors.Is(err, store.ErrConflict) {
		return err
	}
	return fmt.Errorf("conversation: %s state: %w", op, err)
}
