package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	insertQuestionQuery = "INSERT INTO questions (event_id, user_id, question, created_at) " +
		"VALUES ($1, $2, $3, $4) RETURNING id, event_id, user_id, question, created_at"

	questionsWithVotesQuery = `
		SELECT q.id, q.event_id, q.user_id, q.question, q.created_at, COUNT(v.id)
		FROM questions q
		LEFT JOIN votes v ON v.question_id = q.id
		WHERE q.event_id = $1
		GROUP BY q.id
		ORDER BY q.created_at, q.id`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuestion(row rowScanner, extra ...any) (Question, error) {
	var (
		q      Question
		userId sql.NullInt64
	)

	dest := append([]any{&q.Id, &q.EventId, &userId, &q.Text, &q.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Question{}, err
	}

	q.UserId = int(userId.Int64)
	return q, nil
}

func nullableUserId(userId int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(userId), Valid: userId != 0}
}

func (db *PgQnARepository) CreateUser(name string) (User, error) {
	res := db.conn.QueryRow(
		"INSERT INTO users (name, created_at) VALUES ($1, $2) RETURNING id, name, created_at",
		name,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(&u.Id, &u.Name, &u.CreatedAt)

	return u, err
}

func (db *PgQnARepository) GetUserById(id int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, name, created_at FROM users WHERE id = $1 LIMIT 1",
		id,
	)

	var u User
	err := row.Scan(&u.Id, &u.Name, &u.CreatedAt)

	return u, err
}

func (db *PgQnARepository) CreateEvent(params CreateEventParams) (Event, error) {
	res := db.conn.QueryRow(
		"INSERT INTO events (uid, title, speaker, created_at) "+
			"VALUES ($1, $2, $3, $4) RETURNING id, uid, title, speaker, created_at",
		params.Uid,
		params.Title,
		params.Speaker,
		time.Now().UTC(),
	)

	var e Event
	err := res.Scan(&e.Id, &e.Uid, &e.Title, &e.Speaker, &e.CreatedAt)
	if err != nil {
		return Event{}, err
	}

	e.Questions = make([]Question, 0)
	return e, nil
}

func (db *PgQnARepository) GetEventByUid(uid string) (Event, error) {
	row := db.conn.QueryRow(
		"SELECT id, uid, title, speaker, created_at FROM events WHERE uid = $1 LIMIT 1",
		uid,
	)

	var e Event
	if err := row.Scan(&e.Id, &e.Uid, &e.Title, &e.Speaker, &e.CreatedAt); err != nil {
		return Event{}, err
	}

	rows, err := db.conn.Query(questionsWithVotesQuery, e.Id)
	if err != nil {
		return Event{}, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	e.Questions = make([]Question, 0)
	for rows.Next() {
		var votes int
		q, err := scanQuestion(rows, &votes)
		if err != nil {
			return Event{}, fmt.Errorf("scan question: %w", err)
		}
		q.Votes = votes
		e.Questions = append(e.Questions, q)
	}

	if err := rows.Err(); err != nil {
		return Event{}, fmt.Errorf("rows error: %w", err)
	}

	return e, nil
}

func (db *PgQnARepository) GetQuestionById(id int) (Question, error) {
	row := db.conn.QueryRow(
		"SELECT id, event_id, user_id, question, created_at FROM questions WHERE id = $1 LIMIT 1",
		id,
	)

	return scanQuestion(row)
}

func (db *PgQnARepository) GetVoteTally(eventId, userId int) (VoteTally, error) {
	rows, err := db.conn.Query(`
		SELECT q.id, COUNT(v.id), COALESCE(BOOL_OR(v.user_id = $2), false)
		FROM questions q
		LEFT JOIN votes v ON v.question_id = q.id
		WHERE q.event_id = $1
		GROUP BY q.id`,
		eventId,
		userId,
	)
	if err != nil {
		return VoteTally{}, fmt.Errorf("query votes: %w", err)
	}
	defer rows.Close()

	tally := VoteTally{
		EventId: eventId,
		Counts:  make(map[int]int),
		Voted:   make([]int, 0),
	}
	for rows.Next() {
		var (
			questionId int
			count      int
			voted      bool
		)
		if err := rows.Scan(&questionId, &count, &voted); err != nil {
			return VoteTally{}, fmt.Errorf("scan vote count: %w", err)
		}

		tally.Counts[questionId] = count
		if voted {
			tally.Voted = append(tally.Voted, questionId)
		}
	}

	if err := rows.Err(); err != nil {
		return VoteTally{}, fmt.Errorf("rows error: %w", err)
	}

	return tally, nil
}

func (db *PgQnARepository) InsertQuestion(params CreateQuestionParams) (Question, error) {
	row := db.conn.QueryRow(
		insertQuestionQuery,
		params.EventId,
		nullableUserId(params.UserId),
		params.Text,
		time.Now().UTC(),
	)

	return scanQuestion(row)
}

// InsertQuestions creates all questions in one transaction. Either every
// question is stored or none is.
func (db *PgQnARepository) InsertQuestions(eventId int, params []CreateQuestionParams) (questions []Question, err error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	questions = make([]Question, 0, len(params))
	for _, p := range params {
		var q Question
		q, err = scanQuestion(tx.QueryRow(insertQuestionQuery, eventId, nullableUserId(p.UserId), p.Text, now))
		if err != nil {
			return nil, fmt.Errorf("insert question: %w", err)
		}
		questions = append(questions, q)
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}

	return questions, nil
}

func (db *PgQnARepository) InsertVote(questionId, userId int) (Vote, error) {
	row := db.conn.QueryRow(`
		WITH v AS (
			INSERT INTO votes (question_id, user_id, created_at) VALUES ($1, $2, $3)
			ON CONFLICT (question_id, user_id) DO NOTHING
			RETURNING id, question_id, user_id, created_at
		)
		SELECT v.id, v.question_id, v.user_id, q.event_id, v.created_at
		FROM v JOIN questions q ON q.id = v.question_id`,
		questionId,
		userId,
		time.Now().UTC(),
	)

	var v Vote
	err := row.Scan(&v.Id, &v.QuestionId, &v.UserId, &v.EventId, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Vote{}, ErrDuplicateVote
	}

	return v, err
}

func (db *PgQnARepository) DeleteVote(questionId, userId int) (Vote, error) {
	row := db.conn.QueryRow(`
		WITH v AS (
			DELETE FROM votes WHERE question_id = $1 AND user_id = $2
			RETURNING id, question_id, user_id, created_at
		)
		SELECT v.id, v.question_id, v.user_id, q.event_id, v.created_at
		FROM v JOIN questions q ON q.id = v.question_id`,
		questionId,
		userId,
	)

	var v Vote
	err := row.Scan(&v.Id, &v.QuestionId, &v.UserId, &v.EventId, &v.CreatedAt)

	return v, err
}

func (db *PgQnARepository) InsertReaction(params CreateReactionParams) (Reaction, error) {
	row := db.conn.QueryRow(
		"INSERT INTO reactions (event_id, user_id, uid, created_at) VALUES ($1, $2, $3, $4) "+
			"ON CONFLICT (uid) DO NOTHING RETURNING id, event_id, user_id, uid, created_at",
		params.EventId,
		params.UserId,
		params.Uid,
		time.Now().UTC(),
	)

	var r Reaction
	err := row.Scan(&r.Id, &r.EventId, &r.UserId, &r.Uid, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Reaction{}, ErrDuplicateReaction
	}

	return r, err
}

func (db *PgQnARepository) GetReactionByUid(uid string) (Reaction, error) {
	row := db.conn.QueryRow(
		"SELECT id, event_id, user_id, uid, created_at FROM reactions WHERE uid = $1",
		uid,
	)

	var r Reaction
	err := row.Scan(&r.Id, &r.EventId, &r.UserId, &r.Uid, &r.CreatedAt)

	return r, err
}

func (db *PgQnARepository) CountUserReactionsSince(userId int, since time.Time) (int, error) {
	row := db.conn.QueryRow(
		"SELECT COUNT(*) FROM reactions WHERE user_id = $1 AND created_at > $2",
		userId,
		since.UTC(),
	)

	var count int
	err := row.Scan(&count)

	return count, err
}
