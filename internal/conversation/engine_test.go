package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"linebot/internal/domain"
	"linebot/internal/retry"
	"linebot/internal/store"
	"linebot/internal/store/memory"
)

var testNow = time.Date(2026, 3, 31, 20, 0, 0, 0, time.UTC) // already April in Bangkok

type fakeMedia struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (f *fakeMedia) Archive(_ context.Context, messageID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "https://media.example/" + messageID, nil
}

type fakeReports struct {
	mu      sync.Mutex
	saved   map[string]domain.Report
	saveErr error
}

func (f *fakeReports) SaveReport(_ context.Context, r domain.Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	if f.saved == nil {
		f.saved = map[string]domain.Report{}
	}
	f.saved[r.ID] = r
	return nil
}

func (f *fakeReports) MonthToDate(_ context.Context, branch, monthKey string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total float64
	for _, r := range f.saved {
		if r.Branch == branch && r.MonthKey == monthKey {
			total += r.Signed()
		}
	}
	return total, nil
}

type harness struct {
	engine  *Engine
	states  *memory.Store
	media   *fakeMedia
	reports *fakeReports
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		states:  memory.New(memory.WithClock(func() time.Time { return testNow })),
		media:   &fakeMedia{},
		reports: &fakeReports{},
	}
	e, err := New(h.states, h.media, h.reports,
		WithClock(func() time.Time { return testNow }),
		WithRetry(retry.Policy{Attempts: 3, Delay: time.Millisecond}),
	)
	require.NoError(t, err)
	h.engine = e
	return h
}

func text(userID, body string) domain.MessageEvent {
	return domain.MessageEvent{
		Base:    domain.Base{UserID: userID},
		Message: domain.Message{ID: "m-" + body, Type: domain.MessageText, Text: body},
	}
}

func image(userID, id string) domain.MessageEvent {
	return domain.MessageEvent{
		Base:    domain.Base{UserID: userID},
		Message: domain.Message{ID: id, Type: domain.MessageImage},
	}
}

func (h *harness) step(t *testing.T, ev domain.MessageEvent) Outcome {
	t.Helper()
	out, err := h.engine.Handle(context.Background(), ev)
	require.NoError(t, err)
	return out
}

func (h *harness) state(t *testing.T, userID string) (domain.ConversationState, bool) {
	t.Helper()
	st, ok, err := h.engine.State(context.Background(), userID)
	require.NoError(t, err)
	return st, ok
}

func TestNew_NilDependencies(t *testing.T) {
	_, err := New(nil, &fakeMedia{}, &fakeReports{})
	require.ErrorContains(t, err, "must not be nil")
	_, err = New(memory.New(), nil, &fakeReports{})
	require.ErrorContains(t, err, "must not be nil")
	_, err = New(memory.New(), &fakeMedia{}, nil)
	require.ErrorContains(t, err, "must not be nil")
}

func TestHandle_StartFromBranchToken(t *testing.T) {
	h := newHarness(t)

	out := h.step(t, text("U1", "kingsquare"))
	require.True(t, out.Handled)
	require.Equal(t, IntentStart, out.Intent)
	require.Contains(t, out.Reply, "KSQ")

	st, ok := h.state(t, "U1")
	require.True(t, ok)
	require.Equal(t, domain.StepAwaitingAmount, st.Step)
	require.Equal(t, "KSQ", st.Branch())
}

func TestHandle_AmountAdvancesToImage(t *testing.T) {
	h := newHarness(t)
	h.step(t, text("U1", "KSQ"))

	out := h.step(t, text("U1", "500"))
	require.Equal(t, IntentAmount, out.Intent)
	require.Contains(t, out.Reply, "500")

	st, _ := h.state(t, "U1")
	require.Equal(t, domain.StepAwaitingImage, st.Step)
	amount, ok := st.Amount()
	require.True(t, ok)
	require.Equal(t, 500.0, amount)
	require.Equal(t, "KSQ", st.Branch())
}

func TestHandle_ImageCompletesReport(t *testing.T) {
	h := newHarness(t)
	h.reports.saved = map[string]domain.Report{
		"earlier": {ID: "earlier", Branch: "KSQ", Amount: 1200, Type: domain.ReportDeposit, MonthKey: "2026-04"},
		"march":   {ID: "march", Branch: "KSQ", Amount: 9999, Type: domain.ReportDeposit, MonthKey: "2026-03"},
	}
	h.step(t, text("U1", "ksq"))
	h.step(t, text("U1", "500"))

	out := h.step(t, image("U1", "img-1"))
	require.Equal(t, IntentSaved, out.Intent)
	require.NotNil(t, out.Summary)
	require.Equal(t, 500.0, out.Summary.Latest)
	require.Equal(t, 1700.0, out.Summary.Accumulated)
	require.Equal(t, float64(DefaultGoal), out.Summary.Goal)
	require.Contains(t, out.Reply, "1,700")

	_, ok := h.state(t, "U1")
	require.False(t, ok)

	saved := h.reports.saved["img-1"]
	require.Equal(t, "KSQ", saved.Branch)
	require.Equal(t, "2026-04", saved.MonthKey)
	require.Equal(t, "https://media.example/img-1", saved.MediaRef)
	require.Equal(t, "U1", saved.UserID)
}

func TestHandle_InvalidAmountReprompts(t *testing.T) {
	for _, input := range []string{"abc", "0", "-5", "", "1,2,x"} {
		t.Run(input, func(t *testing.T) {
			h := newHarness(t)
			h.step(t, text("U1", "emq"))

			out := h.step(t, text("U1", input))
			require.True(t, out.Handled)
			require.Equal(t, IntentAmountInvalid, out.Intent)

			st, _ := h.state(t, "U1")
			require.Equal(t, domain.StepAwaitingAmount, st.Step)
			require.Empty(t, h.reports.saved)
		})
	}
}

func TestHandle_CancelFromAnyStep(t *testing.T) {
	for name, setup := range map[string][]string{
		"awaiting amount": {"onb"},
		"awaiting image":  {"onb", "1,250.50"},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			for _, s := range setup {
				h.step(t, text("U1", s))
			}

			out := h.step(t, text("U1", "ยกเลิก"))
			require.Equal(t, IntentCancel, out.Intent)
			require.Contains(t, out.Reply, "ยกเลิก")

			_, ok := h.state(t, "U1")
			require.False(t, ok)
		})
	}
}

func TestHandle_WrongMessageTypeKeepsState(t *testing.T) {
	h := newHarness(t)
	h.step(t, text("U1", "ksq"))

	out := h.step(t, image("U1", "img-early"))
	require.Equal(t, IntentWrongType, out.Intent)
	st, _ := h.state(t, "U1")
	require.Equal(t, domain.StepAwaitingAmount, st.Step)

	h.step(t, text("U1", "500"))
	out = h.step(t, text("U1", "here you go"))
	require.Equal(t, IntentWrongType, out.Intent)
	st, _ = h.state(t, "U1")
	require.Equal(t, domain.StepAwaitingImage, st.Step)
	require.Zero(t, h.media.calls)
}

func TestHandle_StartWhileActiveRestarts(t *testing.T) {
	h := newHarness(t)
	h.step(t, text("U1", "ksq"))
	h.step(t, text("U1", "500"))

	out := h.step(t, text("U1", "emquartier"))
	require.Equal(t, IntentStart, out.Intent)

	st, _ := h.state(t, "U1")
	require.Equal(t, domain.StepAwaitingAmount, st.Step)
	require.Equal(t, "EMQ", st.Branch())
	_, hasAmount := st.Amount()
	require.False(t, hasAmount)
}

func TestHandle_NoFlowNotHandled(t *testing.T) {
	h := newHarness(t)
	out := h.step(t, text("U1", "hello"))
	require.False(t, out.Handled)
	out = h.step(t, text("U1", "ยกเลิก"))
	require.False(t, out.Handled)
	out = h.step(t, image("U1", "img"))
	require.False(t, out.Handled)
}

func TestHandle_MediaRetriedThenSaved(t *testing.T) {
	h := newHarness(t)
	h.media.errs = []error{errors.New("502"), errors.New("timeout")}
	h.step(t, text("U1", "ksq"))
	h.step(t, text("U1", "500"))

	out := h.step(t, image("U1", "img-1"))
	require.Equal(t, IntentSaved, out.Intent)
	require.Equal(t, 3, h.media.calls)
}

func TestHandle_MediaFailureLeavesStateForResend(t *testing.T) {
	h := newHarness(t)
	h.media.errs = []error{errors.New("a"), errors.New("b"), errors.New("c")}
	h.step(t, text("U1", "ksq"))
	h.step(t, text("U1", "500"))

	out := h.step(t, image("U1", "img-1"))
	require.Equal(t, IntentSaveFailed, out.Intent)
	st, _ := h.state(t, "U1")
	require.Equal(t, domain.StepAwaitingImage, st.Step)
	require.Empty(t, h.reports.saved)

	out = h.step(t, image("U1", "img-2"))
	require.Equal(t, IntentSaved, out.Intent)
}

func TestHandle_PersistFailureLeavesState(t *testing.T) {
	h := newHarness(t)
	h.reports.saveErr = errors.New("table unavailable")
	h.step(t, text("U1", "ksq"))
	h.step(t, text("U1", "500"))

	out := h.step(t, image("U1", "img-1"))
	require.Equal(t, IntentSaveFailed, out.Intent)
	st, _ := h.state(t, "U1")
	require.Equal(t, domain.StepAwaitingImage, st.Step)
}

func TestHandle_StateExpiresWhenIdle(t *testing.T) {
	now := testNow
	states := memory.New(memory.WithClock(func() time.Time { return now }), memory.WithStateTTL(time.Minute))
	e, err := New(states, &fakeMedia{}, &fakeReports{}, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	_, err = e.Handle(context.Background(), text("U1", "ksq"))
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)

	out, err := e.Handle(context.Background(), text("U1", "500"))
	require.NoError(t, err)
	require.False(t, out.Handled)
}

func TestStart_FromIntent(t *testing.T) {
	h := newHarness(t)
	out, err := h.engine.Start(context.Background(), "U1", "one bangkok")
	require.NoError(t, err)
	require.Equal(t, "ONB", out.State.Branch())

	_, err = h.engine.Start(context.Background(), "U1", "narnia")
	require.Error(t, err)
}

func TestHandle_ConcurrentStepsForOneUserAreSerialized(t *testing.T) {
	h := newHarness(t)
	h.step(t, text("U1", "ksq"))

	var wg sync.WaitGroup
	outs := make([]Outcome, 2)
	errs := make([]error, 2)
	for i, amount := range []string{"500", "700"} {
		wg.Add(1)
		go func(i int, amount string) {
			defer wg.Done()
			outs[i], errs[i] = h.engine.Handle(context.Background(), text("U1", amount))
		}(i, amount)
	}
	wg.Wait()
	require.NoError(t, errors.Join(errs...))

	intents := []string{outs[0].Intent, outs[1].Intent}
	require.ElementsMatch(t, []string{IntentAmount, IntentWrongType}, intents)

	st, _ := h.state(t, "U1")
	require.Equal(t, domain.StepAwaitingImage, st.Step)
	require.Equal(t, int64(2), st.Version)
}

// racingStore lets another writer move the state right after the engine reads it.
type racingStore struct {
	store.StateStore
	once  sync.Once
	race  func()
	races int
}

func (r *racingStore) SetState(ctx context.Context, st domain.ConversationState, expected int64) (domain.ConversationState, error) {
	r.once.Do(func() {
		r.races++
		r.race()
	})
	return r.StateStore.SetState(ctx, st, expected)
}

func TestHandle_ConflictFromOtherWriterIsDetected(t *testing.T) {
	mem := memory.New(memory.WithClock(func() time.Time { return testNow }))
	ctx := context.Background()
	st, err := mem.SetState(ctx, domain.ConversationState{
		UserID: "U1", Step: domain.StepAwaitingAmount, Data: map[string]any{domain.DataBranch: "KSQ"},
	}, 0)
	require.NoError(t, err)

	rs := &racingStore{StateStore: mem}
	rs.race = func() {
		next := st.WithData(map[string]any{domain.DataAmount: 700.0})
		next.Step = domain.StepAwaitingImage
		_, err := mem.SetState(ctx, next, st.Version)
		require.NoError(t, err)
	}
	e, err := New(rs, &fakeMedia{}, &fakeReports{}, WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)

	out, err := e.Handle(ctx, text("U1", "500"))
	require.NoError(t, err)
	require.Equal(t, 1, rs.races)
	require.Equal(t, IntentWrongType, out.Intent)

	got, err := mem.GetState(ctx, "U1")
	require.NoError(t, err)
	amount, _ := got.Amount()
	require.Equal(t, 700.0, amount)
}

// restartingStore starts a new EMQ flow right before the engine clears state.
type restartingStore struct {
	store.StateStore
	mem      *memory.Store
	once     sync.Once
	cleared  []int64
	restarts int
}

func (r *restartingStore) ClearState(ctx context.Context, userID string, expected int64) error {
	r.once.Do(func() {
		current, err := r.mem.GetState(ctx, userID)
		if err != nil {
			return
		}
		r.restarts++
		_, err = r.mem.SetState(ctx, domain.ConversationState{
			UserID: userID, Step: domain.StepAwaitingAmount, Data: map[string]any{domain.DataBranch: "EMQ"},
		}, current.Version)
		if err != nil {
			panic(err)
		}
	})
	r.cleared = append(r.cleared, expected)
	return r.StateStore.ClearState(ctx, userID, expected)
}

func newRestartingHarness(t *testing.T) (*Engine, *restartingStore, *fakeReports) {
	t.Helper()
	mem := memory.New(memory.WithClock(func() time.Time { return testNow }))
	rs := &restartingStore{StateStore: mem, mem: mem}
	reports := &fakeReports{}
	e, err := New(rs, &fakeMedia{}, reports, WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	return e, rs, reports
}

func TestHandle_CancelDoesNotClearStateItDidNotRead(t *testing.T) {
	e, rs, _ := newRestartingHarness(t)
	ctx := context.Background()
	_, err := e.Handle(ctx, text("U1", "ksq"))
	require.NoError(t, err)

	out, err := e.Handle(ctx, text("U1", "ยกเลิก"))
	require.NoError(t, err)
	require.Equal(t, IntentCancel, out.Intent)
	require.Equal(t, 1, rs.restarts)
	// The stale clear is rejected and the cancel is re-applied to the new flow.
	require.Equal(t, []int64{1, 2}, rs.cleared)
}

func TestHandle_CompletionKeepsFlowStartedMeanwhile(t *testing.T) {
	e, rs, reports := newRestartingHarness(t)
	ctx := context.Background()
	for _, ev := range []domain.MessageEvent{text("U1", "ksq"), text("U1", "500")} {
		_, err := e.Handle(ctx, ev)
		require.NoError(t, err)
	}

	out, err := e.Handle(ctx, image("U1", "img-1"))
	require.NoError(t, err)
	require.Equal(t, IntentSaved, out.Intent)
	require.Len(t, reports.saved, 1)
	require.Equal(t, 1, rs.restarts)

	got, err := rs.mem.GetState(ctx, "U1")
	require.NoError(t, err)
	require.Equal(t, "EMQ", got.Branch())
	require.Equal(t, domain.StepAwaitingAmount, got.Step)
}

type alwaysConflict struct{ store.StateStore }

func (alwaysConflict) SetState(context.Context, domain.ConversationState, int64) (domain.ConversationState, error) {
	return domain.ConversationState{}, store.ErrConflict
}

func TestHandle_PersistentConflictIsReported(t *testing.T) {
	e, err := New(alwaysConflict{memory.New()}, &fakeMedia{}, &fakeReports{})
	require.NoError(t, err)

	_, err = e.Handle(context.Background(), text("U1", "ksq"))
	require.ErrorIs(t, err, ErrConcurrentUpdate)
}
