package detection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genexuslabs/ExposureNotifications/internal/engine"
)

type fakeSummaries struct {
	summary engine.ExposureSummary
	err     error
}

func (f fakeSummaries) GetExposureSummary(context.Context, string) (engine.ExposureSummary, error) {
	return f.summary, f.err
}

type fakeEvents struct {
	mu    sync.Mutex
	fired []string
}

func (f *fakeEvents) FireEvent(_ context.Context, objectName, eventName, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, objectName+"/"+eventName+"/"+token)
}

func (f *fakeEvents) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fired)
}

const thresholdConfig = `{"MinimumRiskScore": 5}`

func newTestReconciler(s fakeSummaries, tok *fakeTokens, ev *fakeEvents, d *Debouncer) *Reconciler {
	return NewReconciler(ReconcilerDeps{
		Engine:    s,
		Config:    staticConfig(thresholdConfig),
		Tokens:    tok,
		Events:    ev,
		Debouncer: d,
	})
}

func TestDecide(t *testing.T) {
	cfg := engine.Configuration{MinimumRiskScore: 5}

	tests := []struct {
		name    string
		summary engine.ExposureSummary
		want    Decision
	}{
		{"no matches", engine.ExposureSummary{MatchedKeyCount: 0, MaximumRiskScore: 9}, Decision{Action: ActionDeleteToken}},
		{"below threshold", engine.ExposureSummary{MatchedKeyCount: 2, MaximumRiskScore: 4}, Decision{Action: ActionMarkResponded}},
		{"at threshold", engine.ExposureSummary{MatchedKeyCount: 1, MaximumRiskScore: 5}, Decision{Action: ActionMarkResponded, Notify: true}},
		{"above threshold", engine.ExposureSummary{MatchedKeyCount: 1, MaximumRiskScore: 8}, Decision{Action: ActionMarkResponded, Notify: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.summary, cfg))
		})
	}
}

func TestReconcile_MissingToken(t *testing.T) {
	tok := &fakeTokens{}
	r := newTestReconciler(fakeSummaries{}, tok, &fakeEvents{}, nil)

	res, err := r.Handle(context.Background(), StateUpdated{})
	assert.Equal(t, ResultFailure, res)
	assert.ErrorIs(t, err, ErrMissingToken)
	assert.Empty(t, tok.upserts)
	assert.Zero(t, tok.deletes)
}

func TestReconcile_NoMatchesDeletesToken(t *testing.T) {
	tok := &fakeTokens{}
	ev := &fakeEvents{}
	r := newTestReconciler(fakeSummaries{summary: engine.ExposureSummary{MatchedKeyCount: 0}}, tok, ev, nil)

	res, err := r.Handle(context.Background(), StateUpdated{Token: "t1"})
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res)
	assert.Equal(t, 1, tok.deletes)
	assert.Empty(t, tok.upserts, "token must never be upserted without matches")
	assert.Zero(t, ev.count())
}

func TestReconcile_BelowThresholdRespondsWithoutEvent(t *testing.T) {
	tok := &fakeTokens{}
	ev := &fakeEvents{}
	r := newTestReconciler(fakeSummaries{summary: engine.ExposureSummary{MatchedKeyCount: 3, MaximumRiskScore: 2}}, tok, ev, nil)

	_, err := r.Handle(context.Background(), StateUpdated{Token: "t1"})
	require.NoError(t, err)
	require.Len(t, tok.upserts, 1)
	assert.True(t, tok.upserts[0].Responded)
	assert.Equal(t, "t1", tok.upserts[0].ID)
	assert.Zero(t, ev.count())
}

func TestReconcile_AboveThresholdFiresOnce(t *testing.T) {
	tok := &fakeTokens{}
	ev := &fakeEvents{}
	d := NewDebouncer(time.Minute)
	now := time.Date(2020, 7, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	r := newTestReconciler(fakeSummaries{summary: engine.ExposureSummary{MatchedKeyCount: 1, MaximumRiskScore: 6}}, tok, ev, d)

	_, err := r.Handle(context.Background(), StateUpdated{Token: "t1"})
	require.NoError(t, err)
	now = now.Add(time.Second)
	_, err = r.Handle(context.Background(), StateUpdated{Token: "t1"})
	require.NoError(t, err)

	require.Equal(t, 1, ev.count())
	assert.Equal(t, EventObject+"/"+EventExposureDetected+"/t1", ev.fired[0])
	assert.Len(t, tok.upserts, 2, "token is marked responded on every callback")

	now = now.Add(2 * time.Minute)
	_, err = r.Handle(context.Background(), StateUpdated{Token: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 2, ev.count(), "outside the window the event fires again")
}

func TestReconcile_ConcurrentCallbacksFireOnce(t *testing.T) {
	ev := &fakeEvents{}
	r := newTestReconciler(fakeSummaries{summary: engine.ExposureSummary{MatchedKeyCount: 1, MaximumRiskScore: 9}}, &fakeTokens{}, ev, NewDebouncer(time.Minute))

	// fakeTokens is not safe for concurrent use; give each goroutine its own.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rr := *r
			rr.tokens = &fakeTokens{}
			rr.Handle(context.Background(), StateUpdated{Token: "same"})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ev.count())
}

func TestReconcile_SummaryErrorIsFailure(t *testing.T) {
	tok := &fakeTokens{}
	r := newTestReconciler(fakeSummaries{err: errors.New("engine timeout")}, tok, &fakeEvents{}, nil)

	res, err := r.Handle(context.Background(), StateUpdated{Token: "t1"})
	assert.Equal(t, ResultFailure, res)
	assert.Error(t, err)
	assert.Empty(t, tok.upserts)
}

func TestReconcile_StoreErrorIsFailure(t *testing.T) {
	tok := &fakeTokens{err: errors.New("disk full")}
	ev := &fakeEvents{}
	r := newTestReconciler(fakeSummaries{summary: engine.ExposureSummary{MatchedKeyCount: 1, MaximumRiskScore: 9}}, tok, ev, nil)

	res, err := r.Handle(context.Background(), StateUpdated{Token: "t1"})
	assert.Equal(t, ResultFailure, res)
	assert.Error(t, err)
	assert.Zero(t, ev.count(), "no event when the token could not be recorded")
}

func TestDebouncer_IndependentTokens(t *testing.T) {
	d := NewDebouncer(time.Minute)
	assert.True(t, d.Allow("a"))
	assert.True(t, d.Allow("b"))
	assert.False(t, d.Allow("a"))
	assert.Equal(t, 2, d.Len())
}
