package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"linebot/internal/conversation"
	"linebot/internal/domain"
	"linebot/internal/integrations/line"
	"linebot/internal/integrations/openai"
	"linebot/internal/retry"
	"linebot/internal/store"
)

const (
	// DrainTask is the scheduler task that runs the Processor.
	DrainTask = "drain"

	DefaultDrainDelay = 5 * time.Second
	// DefaultConfidence is the lowest classifier confidence acted upon.
	DefaultConfidence = 0.65
)

// Intents recorded for replies that do not come from the report flow.
const (
	IntentFollow    = "system.follow"
	IntentFallback  = "ai.external.fallback"
	IntentError     = "system.error"
	IntentAskBranch = "oil_report.ask_branch"
	IntentPostback  = "postback"
)

const (
	msgWelcome   = "สวัสดีครับ 🙏 ขอบคุณที่เพิ่มเพื่อน\nพิมพ์ชื่อสาขาเพื่อเริ่มรายงานยอดได้เลยครับ"
	msgFallback  = "🤖 ขออภัยค่ะ ตอนนี้บอทไม่เข้าใจคำถามของคุณ แต่เราจะส่งเรื่องให้แอดมินช่วยดูแลต่อทันทีค่ะ"
	msgError     = "ขออภัยครับ ระบบอยู่ระหว่างปรับปรุง กรุณาลองใหม่อีกครั้ง"
	msgAskBranch = "📍 กรุณาพิมพ์ชื่อสาขาที่ต้องการรายงานครับ"
)

// Platform is the part of the LINE client the intake needs.
type Platform interface {
	ReplyPusher
	ShowLoading(ctx context.Context, userID string, seconds int) error
	MarkAsRead(ctx context.Context, token string) error
}

// Flow is the report conversation.
type Flow interface {
	Handle(ctx context.Context, ev domain.MessageEvent) (conversation.Outcome, error)
	Start(ctx context.Context, userID, branch string) (conversation.Outcome, error)
}

type Classifier interface {
	Classify(ctx context.Context, text string) (openai.Classification, error)
}

type Armer interface {
	ArmIfNotAlready(ctx context.Context, name string, delay time.Duration) (bool, error)
}

// SecretSource resolves the channel secret used to verify signatures.
type SecretSource interface {
	Value(ctx context.Context) (string, error)
}

// IntakeResult summarizes one webhook delivery.
type IntakeResult struct {
	Events   int
	Replied  int
	Enqueued int
	Failed   int
	Armed    bool
}

// IntakeService answers webhook events synchronously and queues them for the
// Processor.
type IntakeService struct {
	secret     SecretSource
	platform   Platform
	messenger  *Messenger
	flow       Flow
	classifier Classifier
	queue      store.Queue
	armer      Armer
	drainDelay time.Duration
	confidence float64
	markRead   retry.Policy
	now        func() time.Time
	log        *slog.Logger
}

type IntakeOption func(*IntakeService)

// WithClassifier enables intent detection for text the report flow does not handle.
func WithClassifier(c Classifier) IntakeOption {
	return func(s *IntakeService) { s.classifier = c }
}

func WithDrainDelay(d time.Duration) IntakeOption {
	return func(s *IntakeService) {
		if d > 0 {
			s.drainDelay = d
		}
	}
}

func WithConfidence(threshold float64) IntakeOption {
	return func(s *IntakeService) {
		if threshold > 0 && threshold <= 1 {
			s.confidence = threshold
		}
	}
}

// WithMarkReadRetry sets the policy for read acknowledgments.
func WithMarkReadRetry(p retry.Policy) IntakeOption {
	return func(s *IntakeService) { s.markRead = p }
}

func WithIntakeClock(now func() time.Time) IntakeOption {
	return func(s *IntakeService) { s.now = now }
}

func WithIntakeLogger(l *slog.Logger) IntakeOption {
	return func(s *IntakeService) {
		if l != nil {
			s.log = l
		}
	}
}

var newUUID = func() string {
	return uuid.NewString()
}

func NewIntakeService(secret SecretSource, platform Platform, flow Flow, queue store.Queue, armer Armer, opts ...IntakeOption) (*IntakeService, error) {
	if secret == nil {
		return nil, errors.New("usecase: channel secret must not be nil")
	}
	if platform == nil {
		return nil, errors.New("usecase: platform client must not be nil")
	}
	if flow == nil {
		return nil, errors.New("usecase: conversation flow must not be nil")
	}
	if queue == nil {
		return nil, errors.New("usecase: queue must not be nil")
	}
	if armer == nil {
		return nil, errors.New("usecase: scheduler must not be nil")
	}
	s := &IntakeService{
		secret:     secret,
		platform:   platform,
		flow:       flow,
		queue:      queue,
		armer:      armer,
		drainDelay: DefaultDrainDelay,
		confidence: DefaultConfidence,
		markRead:   retry.Policy{Name: "line.mark_as_read"},
		now:        time.Now,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.markRead.Logger == nil {
		s.markRead.Logger = s.log
	}
	m, err := NewMessenger(platform, s.log)
	if err != nil {
		return nil, err
	}
	s.messenger = m
	return s, nil
}

// Accept verifies and decodes a webhook body, then handles its events. Only a
// request that cannot be trusted or parsed is an error; per-event failures are
// logged and counted.
func (s *IntakeService) Accept(ctx context.Context, body []byte, signature string) (IntakeResult, error) {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return IntakeResult{}, newError(ErrorInvalidInput, "missing_signature", nil)
	}
	secret, err := s.secret.Value(ctx)
	if err != nil {
		return IntakeResult{}, newError(ErrorInternal, "channel_secret_error", err)
	}
	if !line.ValidSignature(secret, body, signature) {
		return IntakeResult{}, newError(ErrorUnauthorized, "invalid_signature", nil)
	}
	events, err := domain.DecodeWebhook(body)
	if err != nil {
		return IntakeResult{}, newError(ErrorInvalidInput, "malformed_payload", err)
	}
	return s.Process(ctx, events), nil
}

// Process handles already verified events and arms the deferred drain.
func (s *IntakeService) Process(ctx context.Context, events []domain.Event) IntakeResult {
	res := IntakeResult{Events: len(events)}
	for _, ev := range events {
		replied, enqueued, err := s.handleIsolated(ctx, ev)
		if replied {
			res.Replied++
		}
		if enqueued {
			res.Enqueued++
		}
		if err != nil {
			res.Failed++
			meta := ev.Meta()
			s.log.Error("webhook event failed", "kind", ev.Kind(), "user_id", meta.UserID, "webhook_event_id", meta.WebhookEventID, "err", err)
		}
	}
	if res.Enqueued == 0 {
		return res
	}
	armed, err := s.armer.ArmIfNotAlready(ctx, DrainTask, s.drainDelay)
	if err != nil {
		s.log.Error("arm drain failed", "err", err)
	}
	res.Armed = armed
	return res
}

func (s *IntakeService) handleIsolated(ctx context.Context, ev domain.Event) (replied, enqueued bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newError(ErrorInternal, "panic", fmt.Errorf("%v", r))
		}
	}()
	return s.handle(ctx, ev)
}

func (s *IntakeService) handle(ctx context.Context, ev domain.Event) (replied, enqueued bool, err error) {
	meta := ev.Meta()
	if token := domain.MarkAsReadToken(ev); token != "" {
		retry.Go(ctx, s.markRead, func(ctx context.Context) error {
			return s.platform.MarkAsRead(ctx, token)
		})
	}

	reply, intent := s.respond(ctx, ev)
	var errs []error
	if reply != "" {
		if err := s.messenger.Send(ctx, meta.ReplyToken, meta.UserID, reply); err != nil {
			errs = append(errs, newError(ErrorUpstream, "send_reply", err))
		} else {
			replied = true
		}
	}

	if len(meta.Raw) == 0 {
		errs = append(errs, newError(ErrorInvalidInput, "missing_raw_event", nil))
		return replied, false, errors.Join(errs...)
	}
	entry := domain.QueueEntry{
		ID:         newUUID(),
		EnqueuedAt: s.now(),
		Kind:       ev.Kind(),
		Event:      meta.Raw,
		Reply:      reply,
		Intent:     intent,
	}
	if err := s.queue.Enqueue(ctx, entry); err != nil {
		errs = append(errs, newError(ErrorInternal, "enqueue", err))
	} else {
		enqueued = true
	}
	return replied, enqueued, errors.Join(errs...)
}

// respond computes the immediate reply. An empty reply means nothing is sent.
func (s *IntakeService) respond(ctx context.Context, ev domain.Event) (reply, intent string) {
	switch e := ev.(type) {
	case domain.MessageEvent:
		return s.respondMessage(ctx, e)
	case domain.PostbackEvent:
		return s.respondPostback(ctx, e)
	case domain.FollowEvent:
		return msgWelcome, IntentFollow
	case domain.UnfollowEvent, domain.JoinEvent, domain.LeaveEvent, domain.UnknownEvent:
		return "", ""
	default:
		return "", ""
	}
}

func (s *IntakeService) respondMessage(ctx context.Context, e domain.MessageEvent) (string, string) {
	isText := e.Message.Type == domain.MessageText
	if isText && e.UserID != "" {
		if err := s.platform.ShowLoading(ctx, e.UserID, line.DefaultLoadingSeconds); err != nil {
			s.log.Debug("show loading failed", "user_id", e.UserID, "err", err)
		}
	}
	out, err := s.flow.Handle(ctx, e)
	if err != nil {
		return s.failed(e.UserID, err)
	}
	if out.Handled {
		return out.Reply, out.Intent
	}
	if !isText {
		return "", MediaIntent(e.Message.Type)
	}
	return s.respondText(ctx, e.UserID, e.Message.Text)
}

func (s *IntakeService) respondText(ctx context.Context, userID, text string) (string, string) {
	if s.classifier == nil || strings.TrimSpace(text) == "" {
		return msgFallback, IntentFallback
	}
	c, err := s.classifier.Classify(ctx, text)
	if err != nil {
		status, _ := upstreamStatusCode(err)
		s.log.Warn("intent classification failed", "user_id", userID, "status", status, "err", newError(ErrorUpstream, "nlu_error", err))
		return msgFallback, IntentFallback
	}
	if c.Confidence < s.confidence {
		return msgFallback, IntentFallback
	}
	if c.Intent == openai.IntentReportStart {
		return s.startFlow(ctx, userID, c.Branch)
	}
	if reply := strings.TrimSpace(c.Reply); reply != "" {
		return reply, c.Intent
	}
	return msgFallback, IntentFallback
}

func (s *IntakeService) respondPostback(ctx context.Context, e domain.PostbackEvent) (string, string) {
	q, err := url.ParseQuery(e.Data)
	if err == nil {
		if branch := q.Get("branch"); branch != "" {
			return s.startFlow(ctx, e.UserID, branch)
		}
	}
	return msgFallback, IntentPostback
}

func (s *IntakeService) startFlow(ctx context.Context, userID, branch string) (string, string) {
	if userID == "" {
		return msgFallback, IntentFallback
	}
	if _, ok := conversation.NormalizeBranch(branch); !ok {
		return msgAskBranch, IntentAskBranch
	}
	out, err := s.flow.Start(ctx, userID, branch)
	if err != nil {
		return s.failed(userID, err)
	}
	return out.Reply, out.Intent
}

func (s *IntakeService) failed(userID string, err error) (string, string) {
	code := ErrorInternal
	if errors.Is(err, conversation.ErrConcurrentUpdate) {
		code = ErrorConflict
	}
	s.log.Error("conversation step failed", "user_id", userID, "err", newError(code, "conversation", err))
	return msgError, IntentError
}

// MediaIntent is the logged intent of a non-text message outside the report flow.
func MediaIntent(t domain.MessageType) string {
	if t == "" {
		return "media.unknown"
	}
	return "media." + string(t)
}
