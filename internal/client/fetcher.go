package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/npezzotti/go-qna/internal/types"
	"golang.org/x/sync/singleflight"
)

const defaultTimeout = 10 * time.Second

// Fetcher reads event state over the HTTP API. Concurrent reads of the same
// resource share a single request until Invalidate is called.
type Fetcher struct {
	baseURL string
	token   string
	http    *http.Client
	group   singleflight.Group
}

func NewFetcher(baseURL, token string, httpClient *http.Client) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Fetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

func (f *Fetcher) FetchEvent(ctx context.Context, uid string) (types.Event, error) {
	v, err, _ := f.group.Do("event:"+uid, func() (any, error) {
		var event types.Event
		err := f.get(ctx, "/api/v1/events/"+url.PathEscape(uid), &event)
		return event, err
	})
	if err != nil {
		return types.Event{}, fmt.Errorf("fetch event: %w", err)
	}
	return v.(types.Event), nil
}

func (f *Fetcher) FetchVotes(ctx context.Context, uid string) (types.VoteTally, error) {
	v, err, _ := f.group.Do("votes:"+uid, func() (any, error) {
		var tally types.VoteTally
		err := f.get(ctx, "/api/v1/events/"+url.PathEscape(uid)+"/votes", &tally)
		return tally, err
	})
	if err != nil {
		return types.VoteTally{}, fmt.Errorf("fetch votes: %w", err)
	}
	return v.(types.VoteTally), nil
}

// Invalidate stops later reads of uid from joining a request already in
// flight. That request may have been answered before the latest change.
func (f *Fetcher) Invalidate(uid string) {
	f.group.Forget("event:" + uid)
	f.group.Forget("votes:" + uid)
}

func (f *Fetcher) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path, nil)
	if err != nil {
		return err
	}
	f.authorize(req)

	resp, err := f.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return sonic.Unmarshal(body, v)
}

func (f *Fetcher) authorize(req *http.Request) {
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
}
