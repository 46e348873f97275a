package database

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockQnARepository struct {
	mock.Mock
}

func (m *MockQnARepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockQnARepository) CreateUser(name string) (User, error) {
	args := m.Called(name)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockQnARepository) GetUserById(userId int) (User, error) {
	args := m.Called(userId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockQnARepository) CreateEvent(params CreateEventParams) (Event, error) {
	args := m.Called(params)
	return args.Get(0).(Event), args.Error(1)
}
func (m *MockQnARepository) GetEventByUid(uid string) (Event, error) {
	args := m.Called(uid)
	return args.Get(0).(Event), args.Error(1)
}
func (m *MockQnARepository) GetQuestionById(questionId int) (Question, error) {
	args := m.Called(questionId)
	return args.Get(0).(Question), args.Error(1)
}
func (m *MockQnARepository) GetVoteTally(eventId, userId int) (VoteTally, error) {
	args := m.Called(eventId, userId)
	return args.Get(0).(VoteTally), args.Error(1)
}
func (m *MockQnARepository) InsertQuestion(params CreateQuestionParams) (Question, error) {
	args := m.Called(params)
	return args.Get(0).(Question), args.Error(1)
}
func (m *MockQnARepository) InsertQuestions(eventId int, params []CreateQuestionParams) ([]Question, error) {
	args := m.Called(eventId, params)
	if questions, ok := args.Get(0).([]Question); ok {
		return questions, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockQnARepository) InsertVote(questionId, userId int) (Vote, error) {
	args := m.Called(questionId, userId)
	return args.Get(0).(Vote), args.Error(1)
}
func (m *MockQnARepository) DeleteVote(questionId, userId int) (Vote, error) {
	args := m.Called(questionId, userId)
	return args.Get(0).(Vote), args.Error(1)
}
func (m *MockQnARepository) InsertReaction(params CreateReactionParams) (Reaction, error) {
	args := m.Called(params)
	return args.Get(0).(Reaction), args.Error(1)
}
func (m *MockQnARepository) GetReactionByUid(uid string) (Reaction, error) {
	args := m.Called(uid)
	return args.Get(0).(Reaction), args.Error(1)
}
func (m *MockQnARepository) CountUserReactionsSince(userId int, since time.Time) (int, error) {
	args := m.Called(userId, since)
	return args.Int(0), args.Error(1)
}
