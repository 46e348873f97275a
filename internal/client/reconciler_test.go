package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-qna/internal/testutil"
	"github.com/npezzotti/go-qna/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource serves an in-memory event. Fetches can be held open with gate.
type fakeSource struct {
	mu          sync.Mutex
	event       types.Event
	counts      map[int]int
	eventCalls  int
	votesCalls  int
	err         error
	gate        chan struct{}
	votesDelays []time.Duration
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		event: types.Event{
			Id:  1,
			Uid: "abc",
			Questions: []types.Question{
				{Id: 10, EventId: 1, Text: "first"},
				{Id: 11, EventId: 1, Text: "second"},
			},
		},
		counts: map[int]int{},
	}
}

func (s *fakeSource) FetchEvent(ctx context.Context, uid string) (types.Event, error) {
	s.mu.Lock()
	s.eventCalls++
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return types.Event{}, s.err
	}
	event := s.event
	event.Questions = append([]types.Question(nil), s.event.Questions...)
	return event, nil
}

func (s *fakeSource) FetchVotes(ctx context.Context, uid string) (types.VoteTally, error) {
	s.mu.Lock()
	s.votesCalls++
	snapshot := make(map[int]int, len(s.counts))
	for k, v := range s.counts {
		snapshot[k] = v
	}
	var delay time.Duration
	if len(s.votesDelays) > 0 {
		delay, s.votesDelays = s.votesDelays[0], s.votesDelays[1:]
	}
	eventId, err := s.event.Id, s.err
	s.mu.Unlock()

	time.Sleep(delay)

	if err != nil {
		return types.VoteTally{}, err
	}
	return types.VoteTally{EventId: eventId, Counts: snapshot}, nil
}

func (s *fakeSource) addQuestion(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.event.Questions = append(s.event.Questions, types.Question{Id: id, EventId: s.event.Id})
}

func (s *fakeSource) vote(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[id]++
}

func (s *fakeSource) calls() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventCalls, s.votesCalls
}

func (s *fakeSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func newTestReconciler(t *testing.T, src Source, opts ReconcilerOptions) *Reconciler {
	r := NewReconciler("abc", src, testutil.TestLogger(t), opts)
	t.Cleanup(r.Close)
	return r
}

func TestReconciler_Dispatch(t *testing.T) {
	tcases := []struct {
		name           string
		notice         types.Notice
		expectedEvent  int
		expectedVotes  int
		expectedEffect int
	}{
		{
			name:          "question refreshes event and votes",
			notice:        types.Notice{Kind: types.NoticeQuestion, EventId: 1, QuestionIds: []int{12}},
			expectedEvent: 1,
			expectedVotes: 1,
		},
		{
			name:          "vote refreshes votes only",
			notice:        types.Notice{Kind: types.NoticeVote, EventId: 1, QuestionIds: []int{10}},
			expectedVotes: 1,
		},
		{
			name:           "reaction spawns an effect",
			notice:         types.Notice{Kind: types.NoticeReaction, EventId: 1},
			expectedEffect: 1,
		},
		{
			name:   "unknown type is ignored",
			notice: types.Notice{Kind: "confetti", EventId: 1},
		},
		{
			name:   "other event is ignored",
			notice: types.Notice{Kind: types.NoticeQuestion, EventId: 2},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			src := newFakeSource()
			r := newTestReconciler(t, src, ReconcilerOptions{EffectTTL: time.Hour})
			require.NoError(t, r.Refresh(context.Background()))

			r.Handle(context.Background(), tc.notice)
			r.Wait()

			eventCalls, votesCalls := src.calls()
			assert.Equal(t, 1+tc.expectedEvent, eventCalls)
			assert.Equal(t, 1+tc.expectedVotes, votesCalls)
			assert.Equal(t, tc.expectedEffect, r.Effects().Len())
		})
	}
}

func TestReconciler_ReactionFanOut(t *testing.T) {
	src := newFakeSource()
	src.event.Id = 42

	var (
		mu      sync.Mutex
		spawned []uint64
	)
	r := newTestReconciler(t, src, ReconcilerOptions{
		EffectTTL: time.Hour,
		OnEffect: func(e Effect) {
			mu.Lock()
			defer mu.Unlock()
			spawned = append(spawned, e.Key)
		},
	})
	require.NoError(t, r.Refresh(context.Background()))

	r.Handle(context.Background(), types.Notice{Kind: types.NoticeReaction, EventId: 42})
	r.Handle(context.Background(), types.Notice{Kind: types.NoticeReaction, EventId: 7})

	assert.Equal(t, 1, r.Effects().Len())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{1}, spawned)

	eventCalls, votesCalls := src.calls()
	assert.Equal(t, 1, eventCalls)
	assert.Equal(t, 1, votesCalls)
}

func TestReconciler_IdempotentRefresh(t *testing.T) {
	src := newFakeSource()
	r := newTestReconciler(t, src, ReconcilerOptions{})
	ctx := context.Background()
	require.NoError(t, r.Refresh(ctx))

	src.addQuestion(12)
	notice := types.Notice{Kind: types.NoticeQuestion, EventId: 1, QuestionIds: []int{12}}

	r.Handle(ctx, notice)
	r.Wait()
	once := r.State()

	r.Handle(ctx, notice)
	r.Wait()
	twice := r.State()

	assert.Equal(t, once.Event, twice.Event)
	assert.Equal(t, once.Votes, twice.Votes)
	assert.Equal(t, []int{10, 11, 12}, r.QuestionIds())
}

func TestReconciler_CoalescesRefreshes(t *testing.T) {
	src := newFakeSource()
	r := newTestReconciler(t, src, ReconcilerOptions{})
	ctx := context.Background()
	require.NoError(t, r.Refresh(ctx))

	src.mu.Lock()
	src.gate = make(chan struct{})
	gate := src.gate
	src.mu.Unlock()

	notice := types.Notice{Kind: types.NoticeQuestion, EventId: 1}
	r.Handle(ctx, notice)
	require.Eventually(t, func() bool {
		eventCalls, _ := src.calls()
		return eventCalls == 2
	}, time.Second, time.Millisecond)

	// arrive while the first refresh is held open
	for range 5 {
		r.Handle(ctx, notice)
	}

	src.mu.Lock()
	src.gate = nil
	src.mu.Unlock()
	close(gate)
	r.Wait()

	eventCalls, _ := src.calls()
	assert.Equal(t, 3, eventCalls)
}

func TestReconciler_VoteRace(t *testing.T) {
	src := newFakeSource()
	r := newTestReconciler(t, src, ReconcilerOptions{})
	ctx := context.Background()
	require.NoError(t, r.Refresh(ctx))

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			src.vote(5)
			r.Handle(ctx, types.Notice{Kind: types.NoticeVote, EventId: 1, QuestionIds: []int{5}})
		}()
	}
	wg.Wait()
	r.Wait()

	assert.Equal(t, 2, r.State().Votes.Counts[5])
}

func TestReconciler_LastWriteWins(t *testing.T) {
	src := newFakeSource()
	r := newTestReconciler(t, src, ReconcilerOptions{})
	ctx := context.Background()
	require.NoError(t, r.Refresh(ctx))

	// the votes-only refresh starts first but finishes last
	src.mu.Lock()
	src.votesDelays = []time.Duration{100 * time.Millisecond, 0}
	src.mu.Unlock()

	r.Handle(ctx, types.Notice{Kind: types.NoticeVote, EventId: 1})
	require.Eventually(t, func() bool {
		_, votesCalls := src.calls()
		return votesCalls == 2
	}, time.Second, time.Millisecond)

	src.vote(10)
	require.NoError(t, r.Refresh(ctx))
	r.Wait()

	assert.Equal(t, 1, r.State().Votes.Counts[10])
}

func TestReconciler_RefreshError(t *testing.T) {
	src := newFakeSource()

	var (
		mu     sync.Mutex
		states []State
	)
	r := newTestReconciler(t, src, ReconcilerOptions{
		OnChange: func(s State) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, s)
		},
	})
	ctx := context.Background()
	require.NoError(t, r.Refresh(ctx))

	boom := errors.New("boom")
	src.setErr(boom)
	r.Handle(ctx, types.Notice{Kind: types.NoticeVote, EventId: 1})
	r.Wait()

	state := r.State()
	assert.ErrorIs(t, state.Err, boom)
	assert.True(t, state.Loaded)
	assert.Equal(t, 1, state.Event.Id)

	src.setErr(nil)
	src.vote(10)
	r.Handle(ctx, types.Notice{Kind: types.NoticeVote, EventId: 1})
	r.Wait()

	state = r.State()
	assert.NoError(t, state.Err)
	assert.Equal(t, 1, state.Votes.Counts[10])

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, states, 3)
}

func TestReconciler_Resubscribe(t *testing.T) {
	src := newFakeSource()
	r := newTestReconciler(t, src, ReconcilerOptions{})
	ctx := context.Background()

	require.NoError(t, r.Refresh(ctx))
	select {
	case ids := <-r.Resubscribe():
		assert.Equal(t, []int{10, 11}, ids)
	default:
		t.Fatal("expected initial question set")
	}

	// same set, nothing to announce
	require.NoError(t, r.Refresh(ctx))
	select {
	case ids := <-r.Resubscribe():
		t.Fatalf("unexpected resubscribe %v", ids)
	default:
	}

	src.addQuestion(12)
	r.Handle(ctx, types.Notice{Kind: types.NoticeQuestion, EventId: 1, QuestionIds: []int{12}})
	r.Wait()

	select {
	case ids := <-r.Resubscribe():
		assert.Equal(t, []int{10, 11, 12}, ids)
	default:
		t.Fatal("expected enlarged question set")
	}
}

func TestReconciler_RefetchAfterNoticeReadsLatest(t *testing.T) {
	var (
		mu    sync.Mutex
		count int
		hold  bool
	)
	held := make(chan struct{})
	release := make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/events/abc", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":1,"uid":"abc","questions":[{"id":10,"event_id":1,"text":"first"}]}`))
	})
	mux.HandleFunc("GET /api/v1/events/abc/votes", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		n, wait := count, hold
		hold = false
		mu.Unlock()

		if wait {
			close(held)
			<-release
		}
		w.Write([]byte(`{"event_id":1,"counts":{"10":` + strconv.Itoa(n) + `}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer unblock()

	r := newTestReconciler(t, NewFetcher(srv.URL, "", nil), ReconcilerOptions{})
	ctx := context.Background()
	require.NoError(t, r.Refresh(ctx))

	// the votes read for the first notice sees one vote and then stalls
	mu.Lock()
	count, hold = 1, true
	mu.Unlock()
	r.Handle(ctx, types.Notice{Kind: types.NoticeVote, EventId: 1, QuestionIds: []int{10}})

	select {
	case <-held:
	case <-time.After(2 * time.Second):
		t.Fatal("votes request never reached the server")
	}

	mu.Lock()
	count = 2
	mu.Unlock()

	// a refresh started after this notice must not reuse the stalled read
	r.Handle(ctx, types.Notice{Kind: types.NoticeQuestion, EventId: 1, QuestionIds: []int{10}})
	require.Eventually(t, func() bool {
		return r.State().Votes.Counts[10] == 2
	}, 2*time.Second, 5*time.Millisecond)

	unblock()
	r.Wait()

	assert.Equal(t, 2, r.State().Votes.Counts[10])
}
