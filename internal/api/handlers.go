package api

import (
	"database/sql"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-qna/internal/database"
	"github.com/npezzotti/go-qna/internal/types"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"
)

const (
	maxBodyBytes      = 1 << 20
	maxQuestionLength = 500
	maxNameLength     = 64
)

var json = sonic.ConfigStd

type CreateUserRequest struct {
	Name string `json:"name"`
}

type SessionResponse struct {
	User  types.User `json:"user"`
	Token string     `json:"token"`
}

type CreateEventRequest struct {
	Title     string   `json:"title"`
	Speaker   string   `json:"speaker"`
	Questions []string `json:"questions"`
}

type ImportQuestionsRequest struct {
	Questions []string `json:"questions"`
}

type CreateQuestionRequest struct {
	Text string `json:"text"`
}

type ReactRequest struct {
	// Uid makes the request idempotent. The server generates one when it
	// is empty.
	Uid string `json:"uid"`
}

func (s *QnAApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("json encode", zap.Error(err))
	}
}

func (s *QnAApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(errResp))
	}
	if errResp.RetryAfter > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(errResp.RetryAfter))
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *QnAApp) decodeJson(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, NewBadRequestError())
		return false
	}
	return true
}

func lookupError(err error) *ApiError {
	if errors.Is(err, sql.ErrNoRows) {
		return NewNotFoundError()
	}
	return NewInternalServerError(err)
}

func (s *QnAApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *QnAApp) createUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if r.ContentLength != 0 {
		if !s.decodeJson(w, r, &req) {
			return
		}
	}

	name := strings.TrimSpace(req.Name)
	if len(name) > maxNameLength {
		s.writeError(w, NewBadRequestError())
		return
	}
	if name == "" {
		name = "Anonymous"
	}

	dbUser, err := s.db.CreateUser(name)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	token, err := s.createJwtForSession(dbUser.Id, defaultExp)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultExp))

	s.writeJson(w, http.StatusCreated, SessionResponse{
		User:  toUser(dbUser),
		Token: token,
	})
}

func (s *QnAApp) createEvent(w http.ResponseWriter, r *http.Request) {
	var req CreateEventRequest
	if !s.decodeJson(w, r, &req) {
		return
	}

	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	params, ok := s.questionParams(req.Questions)
	if !ok && len(req.Questions) > 0 {
		s.writeError(w, NewBadRequestError())
		return
	}

	uid, err := shortid.Generate()
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	dbEvent, err := s.db.CreateEvent(database.CreateEventParams{
		Uid:     uid,
		Title:   req.Title,
		Speaker: strings.TrimSpace(req.Speaker),
	})
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	if len(params) > 0 {
		for i := range params {
			params[i].EventId = dbEvent.Id
		}
		questions, err := s.emitter.InsertQuestions(dbEvent.Id, params)
		if err != nil {
			s.writeError(w, NewInternalServerError(err))
			return
		}
		dbEvent.Questions = questions
	}

	s.log.Info("created event", zap.String("uid", dbEvent.Uid), zap.Int("questions", len(dbEvent.Questions)))
	s.writeJson(w, http.StatusCreated, toEvent(dbEvent))
}

func (s *QnAApp) importQuestions(w http.ResponseWriter, r *http.Request) {
	var req ImportQuestionsRequest
	if !s.decodeJson(w, r, &req) {
		return
	}

	params, ok := s.questionParams(req.Questions)
	if !ok {
		s.writeError(w, NewBadRequestError())
		return
	}

	dbEvent, err := s.db.GetEventByUid(r.PathValue("uid"))
	if err != nil {
		s.writeError(w, lookupError(err))
		return
	}

	for i := range params {
		params[i].EventId = dbEvent.Id
	}

	questions, err := s.emitter.InsertQuestions(dbEvent.Id, params)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	resp := make([]types.Question, len(questions))
	for i, q := range questions {
		resp[i] = toQuestion(q)
	}

	s.writeJson(w, http.StatusCreated, resp)
}

// questionParams validates a batch of organizer questions. It reports false
// for an empty batch, a batch over the creation limit or a blank question.
func (s *QnAApp) questionParams(texts []string) ([]database.CreateQuestionParams, bool) {
	if len(texts) == 0 || len(texts) > s.creationLimit {
		return nil, false
	}

	params := make([]database.CreateQuestionParams, 0, len(texts))
	for _, text := range texts {
		text = strings.TrimSpace(text)
		if text == "" || len(text) > maxQuestionLength {
			return nil, false
		}
		params = append(params, database.CreateQuestionParams{Text: text})
	}
	return params, true
}

func (s *QnAApp) getEvent(w http.ResponseWriter, r *http.Request) {
	dbEvent, err := s.db.GetEventByUid(r.PathValue("uid"))
	if err != nil {
		s.writeError(w, lookupError(err))
		return
	}

	s.writeJson(w, http.StatusOK, toEvent(dbEvent))
}

func (s *QnAApp) getVotes(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	dbEvent, err := s.db.GetEventByUid(r.PathValue("uid"))
	if err != nil {
		s.writeError(w, lookupError(err))
		return
	}

	tally, err := s.db.GetVoteTally(dbEvent.Id, userId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, toVoteTally(tally))
}

func (s *QnAApp) createQuestion(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req CreateQuestionRequest
	if !s.decodeJson(w, r, &req) {
		return
	}

	text := strings.TrimSpace(req.Text)
	if text == "" || len(text) > maxQuestionLength {
		s.writeError(w, NewBadRequestError())
		return
	}

	dbEvent, err := s.db.GetEventByUid(r.PathValue("uid"))
	if err != nil {
		s.writeError(w, lookupError(err))
		return
	}

	q, err := s.emitter.InsertQuestion(database.CreateQuestionParams{
		EventId: dbEvent.Id,
		UserId:  userId,
		Text:    text,
	})
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, toQuestion(q))
}

func (s *QnAApp) castVote(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	questionId, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if _, err := s.db.GetQuestionById(questionId); err != nil {
		s.writeError(w, lookupError(err))
		return
	}

	v, err := s.emitter.InsertVote(questionId, userId)
	if err != nil {
		if errors.Is(err, database.ErrDuplicateVote) {
			s.writeError(w, NewConflictError())
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, types.Vote{
		Id:         v.Id,
		QuestionId: v.QuestionId,
		UserId:     v.UserId,
	})
}

func (s *QnAApp) retractVote(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	questionId, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if _, err := s.emitter.DeleteVote(questionId, userId); err != nil {
		s.writeError(w, lookupError(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *QnAApp) react(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req ReactRequest
	if r.ContentLength != 0 {
		if !s.decodeJson(w, r, &req) {
			return
		}
	}
	if req.Uid == "" {
		req.Uid = uuid.NewString()
	}

	dbEvent, err := s.db.GetEventByUid(r.PathValue("uid"))
	if err != nil {
		s.writeError(w, lookupError(err))
		return
	}

	recent, err := s.db.CountUserReactionsSince(userId, time.Now().UTC().Add(-s.reactionWindow))
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}
	if recent >= s.reactionLimit {
		s.writeError(w, NewTooManyRequestsError(s.reactionWindow))
		return
	}

	reaction, err := s.emitter.InsertReaction(database.CreateReactionParams{
		EventId: dbEvent.Id,
		UserId:  userId,
		Uid:     req.Uid,
	})
	if err != nil {
		if errors.Is(err, database.ErrDuplicateReaction) {
			s.replayedReaction(w, dbEvent.Id, userId, req.Uid)
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, toReaction(reaction))
}

// replayedReaction answers a retried reaction with the row already stored.
// A uid taken by another user or event is a conflict.
func (s *QnAApp) replayedReaction(w http.ResponseWriter, eventId, userId int, uid string) {
	existing, err := s.db.GetReactionByUid(uid)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	if existing.UserId != userId || existing.EventId != eventId {
		s.writeError(w, NewConflictError())
		return
	}

	s.writeJson(w, http.StatusOK, toReaction(existing))
}

// serveLive upgrades the request to a live feed. The optional questions
// parameter lists the question ids the viewer tracks votes for; without it
// the event's current questions are used.
func (s *QnAApp) serveLive(w http.ResponseWriter, r *http.Request) {
	dbEvent, err := s.db.GetEventByUid(r.PathValue("uid"))
	if err != nil {
		s.writeError(w, lookupError(err))
		return
	}

	event := toEvent(dbEvent)
	allowed := event.QuestionIds()
	questionIds := allowed
	if raw, ok := r.URL.Query()["questions"]; ok {
		requested, err := types.ParseIds(strings.Join(raw, ","))
		if err != nil {
			s.writeError(w, NewBadRequestError())
			return
		}
		// only this event's questions can be watched
		questionIds = slices.DeleteFunc(requested, func(id int) bool {
			return !slices.Contains(allowed, id)
		})
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info("error upgrading connection", zap.Error(err))
		return
	}

	if _, err := s.live.Open(conn, dbEvent.Id, questionIds); err != nil {
		s.log.Info("refused live feed", zap.String("uid", dbEvent.Uid), zap.Error(err))
	}
}

func toUser(u database.User) types.User {
	return types.User{
		Id:        u.Id,
		Name:      u.Name,
		CreatedAt: u.CreatedAt,
	}
}

func toQuestion(q database.Question) types.Question {
	return types.Question{
		Id:        q.Id,
		EventId:   q.EventId,
		UserId:    q.UserId,
		Text:      q.Text,
		Votes:     q.Votes,
		CreatedAt: q.CreatedAt,
	}
}

func toEvent(e database.Event) types.Event {
	questions := make([]types.Question, len(e.Questions))
	for i, q := range e.Questions {
		questions[i] = toQuestion(q)
	}

	return types.Event{
		Id:        e.Id,
		Uid:       e.Uid,
		Title:     e.Title,
		Speaker:   e.Speaker,
		Questions: questions,
		CreatedAt: e.CreatedAt,
	}
}

func toVoteTally(t database.VoteTally) types.VoteTally {
	counts := t.Counts
	if counts == nil {
		counts = map[int]int{}
	}
	voted := t.Voted
	if voted == nil {
		voted = []int{}
	}

	return types.VoteTally{
		EventId: t.EventId,
		Counts:  counts,
		Voted:   voted,
	}
}

func toReaction(r database.Reaction) types.Reaction {
	return types.Reaction{
		Id:        r.Id,
		EventId:   r.EventId,
		UserId:    r.UserId,
		Uid:       r.Uid,
		CreatedAt: r.CreatedAt,
	}
}
