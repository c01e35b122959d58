package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"linebot/internal/conversation"
	"linebot/internal/domain"
	"linebot/internal/integrations/line"
	"linebot/internal/integrations/openai"
	"linebot/internal/integrations/paramstore"
	"linebot/internal/retry"
	"linebot/internal/store"
	"linebot/internal/store/memory"
)

const testSecret = "channel-secret"

type sent struct {
	to    string
	texts []string
}

type mockPlatform struct {
	mu       sync.Mutex
	replies  []sent
	pushes   []sent
	loading  []string
	read     []string
	replyErr error
	pushErr  error
	readErr  error
}

func (m *mockPlatform) Reply(_ context.Context, token string, texts ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replyErr != nil {
		return m.replyErr
	}
	m.replies = append(m.replies, sent{to: token, texts: texts})
	return nil
}

func (m *mockPlatform) Push(_ context.Context, userID string, texts ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pushErr != nil {
		return m.pushErr
	}
	m.pushes = append(m.pushes, sent{to: userID, texts: texts})
	return nil
}

func (m *mockPlatform) ShowLoading(_ context.Context, userID string, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loading = append(m.loading, userID)
	return nil
}

func (m *mockPlatform) MarkAsRead(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.read = append(m.read, token)
	if m.readErr != nil {
		return m.readErr
	}
	return nil
}

func (m *mockPlatform) readCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.read)
}

type stubFlow struct {
	outcome  conversation.Outcome
	err      error
	startErr error
	started  []string
	handled  int
}

func (f *stubFlow) Handle(_ context.Context, _ domain.MessageEvent) (conversation.Outcome, error) {
	f.handled++
	return f.outcome, f.err
}

func (f *stubFlow) Start(_ context.Context, userID, branch string) (conversation.Outcome, error) {
	f.started = append(f.started, userID+":"+branch)
	if f.startErr != nil {
		return conversation.Outcome{}, f.startErr
	}
	return conversation.Outcome{Handled: true, Reply: "start " + branch, Intent: conversation.IntentStart}, nil
}

type mockClassifier struct {
	out   openai.Classification
	err   error
	calls int
}

func (m *mockClassifier) Classify(_ context.Context, _ string) (openai.Classification, error) {
	m.calls++
	return m.out, m.err
}

type mockArmer struct {
	calls []time.Duration
	names []string
	err   error
}

func (m *mockArmer) ArmIfNotAlready(_ context.Context, name string, delay time.Duration) (bool, error) {
	m.names = append(m.names, name)
	m.calls = append(m.calls, delay)
	if m.err != nil {
		return false, m.err
	}
	return len(m.calls) == 1, nil
}

type failingQueue struct {
	store.Queue
	failFor string
}

func (q *failingQueue) Enqueue(ctx context.Context, entry domain.QueueEntry) error {
	if strings.Contains(string(entry.Event), q.failFor) {
		return errors.New("queue unavailable")
	}
	return q.Queue.Enqueue(ctx, entry)
}

type intakeHarness struct {
	svc      *IntakeService
	platform *mockPlatform
	flow     *stubFlow
	queue    *memory.Store
	armer    *mockArmer
}

func newIntakeHarness(t *testing.T, opts ...IntakeOption) *intakeHarness {
	t.Helper()
	h := &intakeHarness{
		platform: &mockPlatform{},
		flow:     &stubFlow{},
		queue:    memory.New(),
		armer:    &mockArmer{},
	}
	opts = append([]IntakeOption{
		WithDrainDelay(2 * time.Second),
		WithMarkReadRetry(retry.Policy{Attempts: 2}),
	}, opts...)
	svc, err := NewIntakeService(paramstore.Static(testSecret), h.platform, h.flow, h.queue, h.armer, opts...)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *intakeHarness) accept(t *testing.T, events ...string) IntakeResult {
	t.Helper()
	body := webhookBody(events...)
	res, err := h.svc.Accept(context.Background(), []byte(body), line.Sign(testSecret, []byte(body)))
	require.NoError(t, err)
	return res
}

func (h *intakeHarness) drained(t *testing.T) []domain.QueueEntry {
	t.Helper()
	entries, err := h.queue.DrainAll(context.Background())
	require.NoError(t, err)
	return entries
}

func webhookBody(events ...string) string {
	return `{"destination":"U-bot","events":[` + strings.Join(events, ",") + `]}`
}

func textEvent(userID, text string) string {
	return fmt.Sprintf(`{"type":"message","timestamp":1772359200000,"webhookEventId":"wh-%s","replyToken":"rt-%s","source":{"type":"user","userId":%q},"message":{"id":"m-%s","type":"text","text":%q,"markAsReadToken":"read-%s"}}`,
		userID, userID, userID, userID, text, userID)
}

func imageEvent(userID, messageID string) string {
	return fmt.Sprintf(`{"type":"message","timestamp":1772359200000,"replyToken":"rt-%s","source":{"type":"user","userId":%q},"message":{"id":%q,"type":"image"}}`,
		userID, userID, messageID)
}

func simpleEvent(kind, userID string) string {
	return fmt.Sprintf(`{"type":%q,"timestamp":1772359200000,"replyToken":"rt-%s","source":{"type":"user","userId":%q}}`, kind, userID, userID)
}

func postbackEvent(userID, data string) string {
	return fmt.Sprintf(`{"type":"postback","timestamp":1772359200000,"replyToken":"rt-%s","source":{"type":"user","userId":%q},"postback":{"data":%q}}`, userID, userID, data)
}

func TestNewIntakeService_ValidatesDependencies(t *testing.T) {
	secret := paramstore.Static(testSecret)
	p := &mockPlatform{}
	f := &stubFlow{}
	q := memory.New()
	a := &mockArmer{}

	_, err := NewIntakeService(nil, p, f, q, a)
	require.Error(t, err)
	_, err = NewIntakeService(secret, nil, f, q, a)
	require.Error(t, err)
	_, err = NewIntakeService(secret, p, nil, q, a)
	require.Error(t, err)
	_, err = NewIntakeService(secret, p, f, nil, a)
	require.Error(t, err)
	_, err = NewIntakeService(secret, p, f, q, nil)
	require.Error(t, err)
}

func TestAccept_RejectsUntrustedRequests(t *testing.T) {
	h := newIntakeHarness(t)
	body := []byte(webhookBody(textEvent("U1", "hi")))

	cases := []struct {
		name      string
		body      []byte
		signature string
		code      ErrorCode
		reason    string
	}{
		{name: "missing signature", body: body, signature: " ", code: ErrorInvalidInput, reason: "missing_signature"},
		{name: "invalid signature", body: body, signature: line.Sign("other-secret", body), code: ErrorUnauthorized, reason: "invalid_signature"},
		{name: "malformed payload", body: []byte(`{"events":`), signature: line.Sign(testSecret, []byte(`{"events":`)), code: ErrorInvalidInput, reason: "malformed_payload"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Accept(context.Background(), tc.body, tc.signature)
			var ue *Error
			require.ErrorAs(t, err, &ue)
			require.Equal(t, tc.code, ue.Code)
			require.Equal(t, tc.reason, ue.Reason)
		})
	}
	require.Empty(t, h.platform.replies)
	require.Zero(t, h.queue.Len())
	require.Empty(t, h.armer.calls)
}

func TestAccept_EmptyBatchDoesNothing(t *testing.T) {
	h := newIntakeHarness(t)
	res := h.accept(t)
	require.Equal(t, IntakeResult{}, res)
	require.Empty(t, h.armer.calls)
}

func TestAccept_FlowReplyIsSentAndQueued(t *testing.T) {
	h := newIntakeHarness(t)
	h.flow.outcome = conversation.Outcome{Handled: true, Reply: "📍 สาขา: KSQ", Intent: conversation.IntentStart}

	res := h.accept(t, textEvent("U1", "kingsquare"))
	require.Equal(t, IntakeResult{Events: 1, Replied: 1, Enqueued: 1, Armed: true}, res)

	require.Equal(t, []sent{{to: "rt-U1", texts: []string{"📍 สาขา: KSQ"}}}, h.platform.replies)
	require.Equal(t, []string{"U1"}, h.platform.loading)
	require.Eventually(t, func() bool { return h.platform.readCount() == 1 }, time.Second, 5*time.Millisecond)

	require.Equal(t, []string{DrainTask}, h.armer.names)
	require.Equal(t, []time.Duration{2 * time.Second}, h.armer.calls)

	entries := h.drained(t)
	require.Len(t, entries, 1)
	require.Equal(t, domain.KindMessage, entries[0].Kind)
	require.Equal(t, "📍 สาขา: KSQ", entries[0].Reply)
	require.Equal(t, conversation.IntentStart, entries[0].Intent)
	require.NotEmpty(t, entries[0].ID)

	ev, err := entries[0].Decode()
	require.NoError(t, err)
	msg, ok := ev.(domain.MessageEvent)
	require.True(t, ok)
	require.Equal(t, "kingsquare", msg.Message.Text)
}

func TestAccept_BatchArmsOnce(t *testing.T) {
	h := newIntakeHarness(t)
	res := h.accept(t, textEvent("U1", "a"), textEvent("U2", "b"), simpleEvent("join", "U3"))
	require.Equal(t, 3, res.Enqueued)
	require.Len(t, h.armer.calls, 1)
	require.Equal(t, 3, h.queue.Len())
}

func TestAccept_ArmFailureStillAcknowledges(t *testing.T) {
	h := newIntakeHarness(t)
	h.armer.err = errors.New("lease table missing")
	res := h.accept(t, textEvent("U1", "a"))
	require.False(t, res.Armed)
	require.Equal(t, 1, res.Enqueued)
}

func TestAccept_UnhandledTextWithoutClassifierFallsBack(t *testing.T) {
	h := newIntakeHarness(t)
	h.accept(t, textEvent("U1", "what are your hours?"))

	require.Equal(t, []string{msgFallback}, h.platform.replies[0].texts)
	entries := h.drained(t)
	require.Equal(t, IntentFallback, entries[0].Intent)
}

func TestAccept_Classification(t *testing.T) {
	cases := []struct {
		name    string
		out     openai.Classification
		err     error
		reply   string
		intent  string
		started []string
	}{
		{
			name:    "report start with branch",
			out:     openai.Classification{Intent: openai.IntentReportStart, Confidence: 0.9, Branch: "EMQ"},
			reply:   "start EMQ",
			intent:  conversation.IntentStart,
			started: []string{"U1:EMQ"},
		},
		{
			name:   "report start without branch",
			out:    openai.Classification{Intent: openai.IntentReportStart, Confidence: 0.9},
			reply:  msgAskBranch,
			intent: IntentAskBranch,
		},
		{
			name:   "confident answer",
			out:    openai.Classification{Intent: openai.IntentSmallTalk, Confidence: 0.8, Reply: "สวัสดีครับ"},
			reply:  "สวัสดีครับ",
			intent: openai.IntentSmallTalk,
		},
		{
			name:   "below threshold",
			out:    openai.Classification{Intent: openai.IntentSmallTalk, Confidence: 0.5, Reply: "maybe"},
			reply:  msgFallback,
			intent: IntentFallback,
		},
		{
			name:   "confident without reply",
			out:    openai.Classification{Intent: "billing", Confidence: 0.95},
			reply:  msgFallback,
			intent: IntentFallback,
		},
		{
			name:   "classifier error",
			err:    &openai.HTTPStatusError{StatusCode: http.StatusTooManyRequests},
			reply:  msgFallback,
			intent: IntentFallback,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &mockClassifier{out: tc.out, err: tc.err}
			h := newIntakeHarness(t, WithClassifier(c))
			h.accept(t, textEvent("U1", "I want to report sales"))

			require.Equal(t, 1, c.calls)
			require.Equal(t, []string{tc.reply}, h.platform.replies[0].texts)
			require.Equal(t, tc.started, h.flow.started)
			require.Equal(t, tc.intent, h.drained(t)[0].Intent)
		})
	}
}

func TestAccept_FlowErrorRepliesWithApology(t *testing.T) {
	h := newIntakeHarness(t)
	h.flow.err = conversation.ErrConcurrentUpdate

	res := h.accept(t, textEvent("U1", "500"))
	require.Equal(t, 1, res.Replied)
	require.Equal(t, []string{msgError}, h.platform.replies[0].texts)
	require.Equal(t, IntentError, h.drained(t)[0].Intent)
}

func TestAccept_ReplyFailureFallsBackToPush(t *testing.T) {
	h := newIntakeHarness(t)
	h.platform.replyErr = &line.HTTPStatusError{StatusCode: http.StatusBadRequest}

	res := h.accept(t, textEvent("U1", "hello"))
	require.Equal(t, 1, res.Replied)
	require.Equal(t, []sent{{to: "U1", texts: []string{msgFallback}}}, h.platform.pushes)
}

func TestAccept_DeliveryFailureIsCountedButQueued(t *testing.T) {
	h := newIntakeHarness(t)
	h.platform.replyErr = errors.New("reply down")
	h.platform.pushErr = errors.New("push down")

	res := h.accept(t, textEvent("U1", "hello"))
	require.Equal(t, IntakeResult{Events: 1, Enqueued: 1, Failed: 1, Armed: true}, res)
}

func TestAccept_FollowAndUnfollow(t *testing.T) {
	h := newIntakeHarness(t)
	res := h.accept(t, simpleEvent("follow", "U1"), simpleEvent("unfollow", "U2"))
	require.Equal(t, 1, res.Replied)
	require.Equal(t, 2, res.Enqueued)
	require.Equal(t, []string{msgWelcome}, h.platform.replies[0].texts)

	entries := h.drained(t)
	require.Equal(t, domain.KindFollow, entries[0].Kind)
	require.Equal(t, IntentFollow, entries[0].Intent)
	require.Equal(t, domain.KindUnfollow, entries[1].Kind)
	require.Empty(t, entries[1].Reply)
}

func TestAccept_ImageOutsideFlowIsQueuedWithoutReply(t *testing.T) {
	h := newIntakeHarness(t)
	res := h.accept(t, imageEvent("U1", "img-1"))
	require.Zero(t, res.Replied)
	require.Empty(t, h.platform.loading)
	require.Equal(t, "media.image", h.drained(t)[0].Intent)
}

func TestAccept_PostbackWithBranchStartsFlow(t *testing.T) {
	h := newIntakeHarness(t)
	h.accept(t, postbackEvent("U1", "action=report&branch=ksq"), postbackEvent("U2", "action=menu"))

	require.Equal(t, []string{"U1:ksq"}, h.flow.started)
	require.Equal(t, []string{"start ksq"}, h.platform.replies[0].texts)
	require.Equal(t, []string{msgFallback}, h.platform.replies[1].texts)
	entries := h.drained(t)
	require.Equal(t, IntentPostback, entries[1].Intent)
}

func TestAccept_EnqueueFailureIsIsolated(t *testing.T) {
	h := newIntakeHarness(t)
	q := &failingQueue{Queue: h.queue, failFor: `"userId":"U1"`}
	svc, err := NewIntakeService(paramstore.Static(testSecret), h.platform, h.flow, q, h.armer)
	require.NoError(t, err)

	body := webhookBody(textEvent("U1", "a"), textEvent("U2", "b"))
	res, err := svc.Accept(context.Background(), []byte(body), line.Sign(testSecret, []byte(body)))
	require.NoError(t, err)
	require.Equal(t, 2, res.Replied)
	require.Equal(t, 1, res.Enqueued)
	require.Equal(t, 1, res.Failed)
	require.True(t, res.Armed)
}

func TestAccept_MarkAsReadIsRetried(t *testing.T) {
	h := newIntakeHarness(t)
	h.platform.readErr = errors.New("timeout")
	h.accept(t, textEvent("U1", "hi"))
	require.Eventually(t, func() bool { return h.platform.readCount() == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestAccept_RealFlowScenario(t *testing.T) {
	states := memory.New()
	engine, err := conversation.New(states, &stubArchiver{}, &stubReports{})
	require.NoError(t, err)
	platform := &mockPlatform{}
	svc, err := NewIntakeService(paramstore.Static(testSecret), platform, engine, states, &mockArmer{})
	require.NoError(t, err)

	for _, ev := range []string{textEvent("U1", "emquartier"), textEvent("U1", "1,500")} {
		body := webhookBody(ev)
		_, err := svc.Accept(context.Background(), []byte(body), line.Sign(testSecret, []byte(body)))
		require.NoError(t, err)
	}
	st, active, err := engine.State(context.Background(), "U1")
	require.NoError(t, err)
	require.True(t, active)
	require.Equal(t, domain.StepAwaitingImage, st.Step)
	require.Equal(t, "EMQ", st.Branch())
	require.Len(t, platform.replies, 2)
}

type stubArchiver struct{}

func (stubArchiver) Archive(_ context.Context, messageID string) (string, error) {
	return "file:///media/" + messageID, nil
}

type stubReports struct{}

func (stubReports) SaveReport(context.Context, domain.Report) error { return nil }

func (stubReports) MonthToDate(context.Context, string, string) (float64, error) { return 0, nil }
