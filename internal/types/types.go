package types

import (
	"strconv"
	"strings"
	"time"
)

type User struct {
	Id        int       `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type Event struct {
	Id        int        `json:"id"`
	Uid       string     `json:"uid"`
	Title     string     `json:"title"`
	Speaker   string     `json:"speaker"`
	Questions []Question `json:"questions"`
	CreatedAt time.Time  `json:"created_at,omitempty"`
}

// QuestionIds returns the ids of the event's questions in their listed order.
func (e *Event) QuestionIds() []int {
	ids := make([]int, len(e.Questions))
	for i, q := range e.Questions {
		ids[i] = q.Id
	}
	return ids
}

// CollectionKey joins the event's question ids into the key a live
// subscription is filtered on.
func (e *Event) CollectionKey() string {
	return JoinIds(e.QuestionIds())
}

type Question struct {
	Id        int       `json:"id"`
	EventId   int       `json:"event_id"`
	UserId    int       `json:"user_id"`
	Text      string    `json:"text"`
	Votes     int       `json:"votes"`
	CreatedAt time.Time `json:"created_at"`
}

type Vote struct {
	Id         int `json:"id"`
	QuestionId int `json:"question_id"`
	UserId     int `json:"user_id"`
}

// VoteTally is the current vote count per question of an event, plus the
// questions the requesting user has voted on.
type VoteTally struct {
	EventId int         `json:"event_id"`
	Counts  map[int]int `json:"counts"`
	Voted   []int       `json:"voted"`
}

type Reaction struct {
	Id        int       `json:"id"`
	EventId   int       `json:"event_id"`
	UserId    int       `json:"user_id"`
	Uid       string    `json:"uid"`
	CreatedAt time.Time `json:"created_at"`
}

func JoinIds(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// ParseIds parses a comma separated id list. Empty elements are skipped.
func ParseIds(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}

	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

type NoticeKind string

const (
	NoticeQuestion NoticeKind = "question"
	NoticeVote     NoticeKind = "vote"
	NoticeReaction NoticeKind = "reaction"
)

func (k NoticeKind) Valid() bool {
	switch k {
	case NoticeQuestion, NoticeVote, NoticeReaction:
		return true
	}
	return false
}

// Notice is the change notification pushed to live viewers. It only names
// what changed; viewers refetch the affected state themselves.
type Notice struct {
	Kind        NoticeKind `json:"type"`
	EventId     int        `json:"event_id"`
	QuestionIds []int      `json:"question_ids"`
}
