package database

import "time"

type User struct {
	Id        int
	Name      string
	CreatedAt time.Time
}

type Event struct {
	Id        int
	Uid       string
	Title     string
	Speaker   string
	CreatedAt time.Time
	Questions []Question
}

type Question struct {
	Id        int
	EventId   int
	UserId    int
	Text      string
	Votes     int
	CreatedAt time.Time
}

type Vote struct {
	Id         int
	QuestionId int
	UserId     int
	// EventId is resolved through the owning question.
	EventId   int
	CreatedAt time.Time
}

type Reaction struct {
	Id        int
	EventId   int
	UserId    int
	Uid       string
	CreatedAt time.Time
}

type VoteTally struct {
	EventId int
	Counts  map[int]int
	Voted   []int
}

type CreateEventParams struct {
	Uid     string
	Title   string
	Speaker string
}

type CreateQuestionParams struct {
	EventId int
	// UserId is zero for questions imported by an organizer.
	UserId int
	Text   string
}

type CreateReactionParams struct {
	EventId int
	UserId  int
	Uid     string
}
