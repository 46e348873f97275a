package server

import (
	"sync"
	"testing"

	"github.com/npezzotti/go-qna/internal/stats"
	"github.com/npezzotti/go-qna/internal/testutil"
	"github.com/npezzotti/go-qna/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	notices []types.Notice
	reject  bool
}

func (s *recordingSink) Send(n types.Notice) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return false
	}
	s.notices = append(s.notices, n)
	return true
}

func (s *recordingSink) received() []types.Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Notice, len(s.notices))
	copy(out, s.notices)
	return out
}

func newTestRouter(t *testing.T) *Router {
	return NewRouter(testutil.TestLogger(t), stats.NopStats{}, 4)
}

func TestRouter_Route(t *testing.T) {
	tcases := []struct {
		name      string
		notice    types.Notice
		expectedA int
		expectedB int
	}{
		{
			name:      "reaction on subscribed event",
			notice:    types.Notice{Kind: types.NoticeReaction, EventId: 42},
			expectedA: 1,
		},
		{
			name:      "question on other event",
			notice:    types.Notice{Kind: types.NoticeQuestion, EventId: 7, QuestionIds: []int{8}},
			expectedB: 1,
		},
		{
			name:      "vote on watched question",
			notice:    types.Notice{Kind: types.NoticeVote, EventId: 42, QuestionIds: []int{2}},
			expectedA: 1,
		},
		{
			name:      "vote on watched question of other event",
			notice:    types.Notice{Kind: types.NoticeVote, EventId: 7, QuestionIds: []int{3}},
			expectedB: 1,
		},
		{
			name:   "vote naming another event's question",
			notice: types.Notice{Kind: types.NoticeVote, EventId: 42, QuestionIds: []int{3, 99}},
		},
		{
			name:      "vote repeating a question id",
			notice:    types.Notice{Kind: types.NoticeVote, EventId: 42, QuestionIds: []int{1, 2, 1}},
			expectedA: 1,
		},
		{
			name:   "vote on unwatched question",
			notice: types.Notice{Kind: types.NoticeVote, EventId: 42, QuestionIds: []int{99}},
		},
		{
			name:   "reaction on unknown event",
			notice: types.Notice{Kind: types.NoticeReaction, EventId: 1000},
		},
		{
			name:   "unknown kind",
			notice: types.Notice{Kind: "confetti", EventId: 42},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRouter(t)
			a := &recordingSink{}
			b := &recordingSink{}
			r.Subscribe(a, 42, []int{1, 2})
			r.Subscribe(b, 7, []int{3})

			delivered := r.Route(tc.notice)

			assert.Equal(t, tc.expectedA+tc.expectedB, delivered, "unexpected delivery count")
			assert.Len(t, a.received(), tc.expectedA)
			assert.Len(t, b.received(), tc.expectedB)
		})
	}
}

func TestRouter_ReactionFanOut(t *testing.T) {
	r := newTestRouter(t)

	var onEvent42, onEvent7 []*recordingSink
	for range 3 {
		s := &recordingSink{}
		r.Subscribe(s, 42, nil)
		onEvent42 = append(onEvent42, s)
	}
	for range 2 {
		s := &recordingSink{}
		r.Subscribe(s, 7, nil)
		onEvent7 = append(onEvent7, s)
	}

	delivered := r.Route(types.Notice{Kind: types.NoticeReaction, EventId: 42})
	assert.Equal(t, 3, delivered)

	for _, s := range onEvent42 {
		assert.Equal(t, []types.Notice{{Kind: types.NoticeReaction, EventId: 42}}, s.received())
	}
	for _, s := range onEvent7 {
		assert.Empty(t, s.received(), "expected viewers of event 7 to receive nothing")
	}
}

func TestRouter_Unsubscribe(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.NumActiveSubscriptions).Once()
	su.On("Decr", stats.NumActiveSubscriptions).Once()
	defer su.AssertExpectations(t)

	r := NewRouter(testutil.TestLogger(t), su, 4)
	sink := &recordingSink{}
	sub := r.Subscribe(sink, 42, []int{1, 2})
	assert.True(t, sub.Active())
	assert.Equal(t, 1, r.Subscriptions(42))

	r.Unsubscribe(sub)
	r.Unsubscribe(sub)
	r.Unsubscribe(nil)

	assert.False(t, sub.Active())
	assert.Equal(t, 0, r.Subscriptions(42), "expected event bucket to be emptied")
	assert.Equal(t, 0, r.watching(1), "expected question bucket to be emptied")
	assert.Equal(t, 0, r.watching(2), "expected question bucket to be emptied")

	assert.Equal(t, 0, r.Route(types.Notice{Kind: types.NoticeReaction, EventId: 42}))
	assert.Equal(t, 0, r.Route(types.Notice{Kind: types.NoticeVote, EventId: 42, QuestionIds: []int{1}}))
	assert.Empty(t, sink.received(), "expected no delivery after unsubscribe")
}

func TestRouter_VoteScopedToEvent(t *testing.T) {
	r := newTestRouter(t)
	sink := &recordingSink{}

	// a viewer of event 7 asking to watch a question of event 42
	r.Subscribe(sink, 7, []int{5})

	assert.Equal(t, 0, r.Route(types.Notice{Kind: types.NoticeVote, EventId: 42, QuestionIds: []int{5}}))
	assert.Empty(t, sink.received(), "expected votes on another event to be withheld")
}

func TestRouter_StaleQuestionFilter(t *testing.T) {
	r := newTestRouter(t)
	sink := &recordingSink{}

	sub := r.Subscribe(sink, 42, []int{10, 11})
	assert.Equal(t, 1, r.Route(types.Notice{Kind: types.NoticeQuestion, EventId: 42, QuestionIds: []int{12}}),
		"expected question notice to match on event id")
	assert.Equal(t, 0, r.Route(types.Notice{Kind: types.NoticeVote, EventId: 42, QuestionIds: []int{12}}),
		"expected vote on a question outside the snapshot to be filtered")

	r.Unsubscribe(sub)
	sub = r.Subscribe(sink, 42, []int{10, 11, 12})
	assert.Equal(t, []int{10, 11, 12}, sub.QuestionIds())
	assert.Equal(t, 1, r.Route(types.Notice{Kind: types.NoticeVote, EventId: 42, QuestionIds: []int{12}}),
		"expected vote to match after resubscribing")
}

func TestRouter_PreservesOrder(t *testing.T) {
	r := newTestRouter(t)
	sink := &recordingSink{}
	r.Subscribe(sink, 42, []int{1})

	var expected []types.Notice
	for i := range 50 {
		n := types.Notice{Kind: types.NoticeQuestion, EventId: 42, QuestionIds: []int{i}}
		if i%2 == 1 {
			n = types.Notice{Kind: types.NoticeVote, EventId: 42, QuestionIds: []int{1}}
		}
		expected = append(expected, n)
		require.Equal(t, 1, r.Route(n))
	}

	assert.Equal(t, expected, sink.received())
}

func TestRouter_RejectingSinkIsUnsubscribed(t *testing.T) {
	r := newTestRouter(t)
	sink := &recordingSink{reject: true}
	sub := r.Subscribe(sink, 42, []int{1})

	assert.Equal(t, 0, r.Route(types.Notice{Kind: types.NoticeReaction, EventId: 42}))
	assert.False(t, sub.Active(), "expected subscription to be released")
	assert.Equal(t, 0, r.Subscriptions(42))
	assert.Equal(t, 0, r.watching(1))
}

func TestRouter_Concurrent(t *testing.T) {
	r := newTestRouter(t)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sink := &recordingSink{}
			for range 50 {
				sub := r.Subscribe(sink, i%3, []int{i, i + 1})
				r.Unsubscribe(sub)
			}
		}()
		go func() {
			defer wg.Done()
			for range 50 {
				r.Route(types.Notice{Kind: types.NoticeReaction, EventId: i % 3})
				r.Route(types.Notice{Kind: types.NoticeVote, QuestionIds: []int{i}})
			}
		}()
	}
	wg.Wait()

	for i := range 3 {
		assert.Equal(t, 0, r.Subscriptions(i), "expected no subscription left on event %d", i)
	}
	for i := range 21 {
		assert.Equal(t, 0, r.watching(i), "expected no subscription left on question %d", i)
	}
}

func TestDecodeNotice(t *testing.T) {
	tcases := []struct {
		name     string
		raw      string
		expected types.Notice
		err      bool
	}{
		{
			name:     "vote",
			raw:      `{"type":"vote","event_id":42,"question_ids":[5]}`,
			expected: types.Notice{Kind: types.NoticeVote, EventId: 42, QuestionIds: []int{5}},
		},
		{
			name: "unknown type",
			raw:  `{"type":"confetti","event_id":42}`,
			err:  true,
		},
		{
			name: "malformed",
			raw:  `{"type":`,
			err:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := decodeNotice([]byte(tc.raw))
			if tc.err {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, n)
		})
	}
}

func TestEncodeNotice_EmptyQuestionIds(t *testing.T) {
	raw, err := encodeNotice(types.Notice{Kind: types.NoticeReaction, EventId: 42})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"reaction","event_id":42,"question_ids":[]}`, string(raw))
}
