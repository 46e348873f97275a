package server

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/npezzotti/go-qna/internal/database"
	"github.com/npezzotti/go-qna/internal/stats"
	"github.com/npezzotti/go-qna/internal/testutil"
	"github.com/npezzotti/go-qna/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordingBroker struct {
	mu      sync.Mutex
	notices []types.Notice
	err     error
}

func (b *recordingBroker) Publish(_ context.Context, n types.Notice) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.notices = append(b.notices, n)
	return nil
}

func (b *recordingBroker) published() []types.Notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Notice, len(b.notices))
	copy(out, b.notices)
	return out
}

func TestEmitter_Writes(t *testing.T) {
	errDb := errors.New("db error")

	tcases := []struct {
		name     string
		setup    func(repo *database.MockQnARepository)
		write    func(e *Emitter) error
		expected []types.Notice
		err      error
	}{
		{
			name: "question",
			setup: func(repo *database.MockQnARepository) {
				repo.On("InsertQuestion", database.CreateQuestionParams{EventId: 42, UserId: 1, Text: "why?"}).
					Return(database.Question{Id: 12, EventId: 42, UserId: 1, Text: "why?"}, nil)
			},
			write: func(e *Emitter) error {
				_, err := e.InsertQuestion(database.CreateQuestionParams{EventId: 42, UserId: 1, Text: "why?"})
				return err
			},
			expected: []types.Notice{{Kind: types.NoticeQuestion, EventId: 42, QuestionIds: []int{12}}},
		},
		{
			name: "question fails",
			setup: func(repo *database.MockQnARepository) {
				repo.On("InsertQuestion", mock.Anything).Return(database.Question{}, errDb)
			},
			write: func(e *Emitter) error {
				_, err := e.InsertQuestion(database.CreateQuestionParams{EventId: 42, UserId: 1, Text: "why?"})
				return err
			},
			err: errDb,
		},
		{
			name: "question batch",
			setup: func(repo *database.MockQnARepository) {
				repo.On("InsertQuestions", 42, mock.Anything).Return([]database.Question{
					{Id: 10, EventId: 42}, {Id: 11, EventId: 42}, {Id: 12, EventId: 42},
				}, nil)
			},
			write: func(e *Emitter) error {
				_, err := e.InsertQuestions(42, []database.CreateQuestionParams{{Text: "a"}, {Text: "b"}, {Text: "c"}})
				return err
			},
			expected: []types.Notice{{Kind: types.NoticeQuestion, EventId: 42, QuestionIds: []int{10, 11, 12}}},
		},
		{
			name: "empty question batch",
			setup: func(repo *database.MockQnARepository) {
				repo.On("InsertQuestions", 42, mock.Anything).Return([]database.Question{}, nil)
			},
			write: func(e *Emitter) error {
				_, err := e.InsertQuestions(42, nil)
				return err
			},
		},
		{
			name: "vote",
			setup: func(repo *database.MockQnARepository) {
				repo.On("InsertVote", 5, 1).Return(database.Vote{Id: 1, QuestionId: 5, UserId: 1, EventId: 42}, nil)
			},
			write: func(e *Emitter) error {
				_, err := e.InsertVote(5, 1)
				return err
			},
			expected: []types.Notice{{Kind: types.NoticeVote, EventId: 42, QuestionIds: []int{5}}},
		},
		{
			name: "duplicate vote",
			setup: func(repo *database.MockQnARepository) {
				repo.On("InsertVote", 5, 1).Return(database.Vote{}, database.ErrDuplicateVote)
			},
			write: func(e *Emitter) error {
				_, err := e.InsertVote(5, 1)
				return err
			},
			err: database.ErrDuplicateVote,
		},
		{
			name: "vote removed",
			setup: func(repo *database.MockQnARepository) {
				repo.On("DeleteVote", 5, 1).Return(database.Vote{Id: 1, QuestionId: 5, UserId: 1, EventId: 42}, nil)
			},
			write: func(e *Emitter) error {
				_, err := e.DeleteVote(5, 1)
				return err
			},
			expected: []types.Notice{{Kind: types.NoticeVote, EventId: 42, QuestionIds: []int{5}}},
		},
		{
			name: "reaction",
			setup: func(repo *database.MockQnARepository) {
				repo.On("InsertReaction", database.CreateReactionParams{EventId: 42, UserId: 1, Uid: "r1"}).
					Return(database.Reaction{Id: 3, EventId: 42, UserId: 1, Uid: "r1"}, nil)
			},
			write: func(e *Emitter) error {
				_, err := e.InsertReaction(database.CreateReactionParams{EventId: 42, UserId: 1, Uid: "r1"})
				return err
			},
			expected: []types.Notice{{Kind: types.NoticeReaction, EventId: 42}},
		},
		{
			name: "replayed reaction",
			setup: func(repo *database.MockQnARepository) {
				repo.On("InsertReaction", mock.Anything).Return(database.Reaction{}, database.ErrDuplicateReaction)
			},
			write: func(e *Emitter) error {
				_, err := e.InsertReaction(database.CreateReactionParams{EventId: 42, UserId: 1, Uid: "r1"})
				return err
			},
			err: database.ErrDuplicateReaction,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &database.MockQnARepository{}
			defer repo.AssertExpectations(t)
			tc.setup(repo)

			broker := &recordingBroker{}
			e := NewEmitter(repo, broker, testutil.TestLogger(t), stats.NopStats{})

			err := tc.write(e)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, len(tc.expected), len(broker.published()), "unexpected number of notices")
			if len(tc.expected) > 0 {
				assert.Equal(t, tc.expected, broker.published())
			}
		})
	}
}

func TestEmitter_PublishFailureIsSwallowed(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)

	broker := &recordingBroker{err: errors.New("broker down")}
	e := NewEmitter(&database.MockQnARepository{}, broker, testutil.TestLogger(t), su)

	assert.NotPanics(t, func() {
		e.Emit(types.NoticeReaction, 42)
	})
	su.AssertNotCalled(t, "Incr", stats.NumNoticesEmitted)
}

func TestEmitter_ConcurrentVotes(t *testing.T) {
	var (
		mu    sync.Mutex
		tally int
	)

	repo := &database.MockQnARepository{}
	for _, userId := range []int{1, 2} {
		repo.On("InsertVote", 5, userId).
			Run(func(mock.Arguments) {
				mu.Lock()
				tally++
				mu.Unlock()
			}).
			Return(database.Vote{QuestionId: 5, UserId: userId, EventId: 42}, nil).Once()
	}
	defer repo.AssertExpectations(t)

	router := newTestRouter(t)
	sink := &recordingSink{}
	router.Subscribe(sink, 42, []int{5})

	e := NewEmitter(repo, NewLocalBroker(router), testutil.TestLogger(t), stats.NopStats{})

	var wg sync.WaitGroup
	for _, userId := range []int{1, 2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.InsertVote(5, userId)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, sink.received(), 2, "expected one notice per vote")
	for _, n := range sink.received() {
		assert.Equal(t, types.Notice{Kind: types.NoticeVote, EventId: 42, QuestionIds: []int{5}}, n)
	}
	assert.Equal(t, 2, tally, "expected both votes to be stored")
}
