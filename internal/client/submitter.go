package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/npezzotti/go-qna/internal/types"
	"go.uber.org/zap"
)

// Submitter sends a viewer's writes. Every response status is reported to
// the governor; the governor never stops a request from being sent.
type Submitter struct {
	baseURL  string
	token    string
	http     *http.Client
	governor *Governor
	log      *zap.Logger
}

func NewSubmitter(baseURL, token string, httpClient *http.Client, governor *Governor, logger *zap.Logger) *Submitter {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if governor == nil {
		governor = NewGovernor(nil)
	}
	return &Submitter{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		http:     httpClient,
		governor: governor,
		log:      logger.Named("submitter"),
	}
}

func (s *Submitter) Governor() *Governor {
	return s.governor
}

func (s *Submitter) Ask(ctx context.Context, eventUid, text string) (types.Question, error) {
	var q types.Question
	err := s.do(ctx, http.MethodPost, "/api/v1/events/"+url.PathEscape(eventUid)+"/questions",
		map[string]string{"text": text}, &q)
	return q, err
}

func (s *Submitter) Vote(ctx context.Context, questionId int) error {
	return s.do(ctx, http.MethodPost, "/api/v1/questions/"+strconv.Itoa(questionId)+"/votes", nil, nil)
}

func (s *Submitter) Unvote(ctx context.Context, questionId int) error {
	return s.do(ctx, http.MethodDelete, "/api/v1/questions/"+strconv.Itoa(questionId)+"/votes", nil, nil)
}

// React sends one reaction with a fresh uid so a retried request is not
// counted twice.
func (s *Submitter) React(ctx context.Context, eventUid string) (string, error) {
	uid := uuid.NewString()
	err := s.do(ctx, http.MethodPost, "/api/v1/events/"+url.PathEscape(eventUid)+"/react",
		map[string]string{"uid": uid}, nil)
	return uid, err
}

func (s *Submitter) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := sonic.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if s.governor.Observe(resp.StatusCode) {
		s.log.Info("submission throttled", zap.String("path", path))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp)
	}

	if out == nil {
		return nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return sonic.Unmarshal(raw, out)
}
