package server

import (
	"context"
	"time"

	"github.com/npezzotti/go-qna/internal/database"
	"github.com/npezzotti/go-qna/internal/stats"
	"github.com/npezzotti/go-qna/internal/types"
	"go.uber.org/zap"
)

const publishTimeout = 2 * time.Second

// Emitter wraps the storage writes that live viewers care about and
// publishes a notice after each one succeeds.
type Emitter struct {
	repo   database.QnARepository
	broker Broker
	log    *zap.Logger
	stats  stats.StatsProvider
}

func NewEmitter(repo database.QnARepository, broker Broker, logger *zap.Logger, st stats.StatsProvider) *Emitter {
	return &Emitter{
		repo:   repo,
		broker: broker,
		log:    logger.Named("emitter"),
		stats:  st,
	}
}

// Emit publishes a notice once. Publish failures are logged and otherwise
// ignored; viewers catch up on their next refetch.
func (e *Emitter) Emit(kind types.NoticeKind, eventId int, questionIds ...int) {
	n := types.Notice{
		Kind:        kind,
		EventId:     eventId,
		QuestionIds: questionIds,
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := e.broker.Publish(ctx, n); err != nil {
		e.log.Warn("failed to publish notice",
			zap.String("type", string(kind)),
			zap.Int("event_id", eventId),
			zap.Error(err))
		return
	}

	e.stats.Incr(stats.NumNoticesEmitted)
}

func (e *Emitter) InsertQuestion(params database.CreateQuestionParams) (database.Question, error) {
	q, err := e.repo.InsertQuestion(params)
	if err != nil {
		return database.Question{}, err
	}

	e.Emit(types.NoticeQuestion, q.EventId, q.Id)
	return q, nil
}

// InsertQuestions stores a batch and emits a single notice carrying every
// new question id.
func (e *Emitter) InsertQuestions(eventId int, params []database.CreateQuestionParams) ([]database.Question, error) {
	questions, err := e.repo.InsertQuestions(eventId, params)
	if err != nil {
		return nil, err
	}

	if len(questions) > 0 {
		ids := make([]int, len(questions))
		for i, q := range questions {
			ids[i] = q.Id
		}
		e.Emit(types.NoticeQuestion, eventId, ids...)
	}

	return questions, nil
}

func (e *Emitter) InsertVote(questionId, userId int) (database.Vote, error) {
	v, err := e.repo.InsertVote(questionId, userId)
	if err != nil {
		return database.Vote{}, err
	}

	e.Emit(types.NoticeVote, v.EventId, v.QuestionId)
	return v, nil
}

func (e *Emitter) DeleteVote(questionId, userId int) (database.Vote, error) {
	v, err := e.repo.DeleteVote(questionId, userId)
	if err != nil {
		return database.Vote{}, err
	}

	e.Emit(types.NoticeVote, v.EventId, v.QuestionId)
	return v, nil
}

// InsertReaction stores a reaction. A replayed uid returns
// database.ErrDuplicateReaction and emits nothing.
func (e *Emitter) InsertReaction(params database.CreateReactionParams) (database.Reaction, error) {
	r, err := e.repo.InsertReaction(params)
	if err != nil {
		return database.Reaction{}, err
	}

	e.Emit(types.NoticeReaction, r.EventId)
	return r, nil
}
