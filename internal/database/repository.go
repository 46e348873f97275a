package database

import (
	"errors"
	"time"
)

var (
	ErrDuplicateVote     = errors.New("vote already cast")
	ErrDuplicateReaction = errors.New("reaction already recorded")
)

type QnARepository interface {
	Ping() error
	CreateUser(name string) (User, error)
	GetUserById(userId int) (User, error)
	CreateEvent(params CreateEventParams) (Event, error)
	GetEventByUid(uid string) (Event, error)
	GetQuestionById(questionId int) (Question, error)
	GetVoteTally(eventId, userId int) (VoteTally, error)
	InsertQuestion(params CreateQuestionParams) (Question, error)
	InsertQuestions(eventId int, params []CreateQuestionParams) ([]Question, error)
	InsertVote(questionId, userId int) (Vote, error)
	DeleteVote(questionId, userId int) (Vote, error)
	InsertReaction(params CreateReactionParams) (Reaction, error)
	GetReactionByUid(uid string) (Reaction, error)
	CountUserReactionsSince(userId int, since time.Time) (int, error)
}
