package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-qna/internal/types"
	"go.uber.org/zap"
)

var (
	initialInterval = 500 * time.Millisecond
	maxInterval     = 15 * time.Second
	reconnectDelay  = time.Second
)

// Feed keeps a live feed open for one event and hands every notice to the
// reconciler. It redials after the server closes the feed and whenever the
// reconciler's question set changes.
type Feed struct {
	baseURL string
	uid     string
	rec     *Reconciler
	dialer  *websocket.Dialer
	log     *zap.Logger
}

func NewFeed(baseURL, uid string, rec *Reconciler, logger *zap.Logger) *Feed {
	return &Feed{
		baseURL: strings.TrimRight(baseURL, "/"),
		uid:     uid,
		rec:     rec,
		dialer:  websocket.DefaultDialer,
		log:     logger.Named("feed"),
	}
}

// Run blocks until ctx is done or the server refuses the feed for good.
func (f *Feed) Run(ctx context.Context) error {
	first := true
	for {
		ids := f.rec.QuestionIds()
		conn, err := f.dial(ctx, ids)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if !first {
			// notices sent while we were away are lost
			f.rec.RefreshAsync(ctx)
		}
		first = false

		resubscribe, err := f.session(ctx, conn, ids)
		if ctx.Err() != nil {
			return nil
		}
		if resubscribe {
			f.log.Debug("question set changed, resubscribing")
			continue
		}

		f.log.Info("live feed closed, reconnecting", zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (f *Feed) liveURL(ids []int) (string, error) {
	u, err := url.Parse(f.baseURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/events/" + url.PathEscape(f.uid) + "/live"

	q := u.Query()
	q.Set("questions", types.JoinIds(ids))
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func (f *Feed) dial(ctx context.Context, ids []int) (*websocket.Conn, error) {
	target, err := f.liveURL(ids)
	if err != nil {
		return nil, fmt.Errorf("live url: %w", err)
	}

	var conn *websocket.Conn

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initialInterval),
		backoff.WithMaxInterval(maxInterval),
		backoff.WithMaxElapsedTime(0),
	)

	err = backoff.Retry(func() error {
		c, resp, err := f.dialer.DialContext(ctx, target, nil)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 &&
				resp.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(fmt.Errorf("live feed refused: %s", resp.Status))
			}
			f.log.Debug("dial failed", zap.String("url", target), zap.Error(err))
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// session reads notices until the connection fails, ctx ends or the
// question set changes. It reports whether a resubscribe ended it.
func (f *Feed) session(ctx context.Context, conn *websocket.Conn, ids []int) (bool, error) {
	key := types.JoinIds(ids)
	errCh := make(chan error, 1)
	readerDone := make(chan struct{})

	defer func() {
		conn.Close()
		<-readerDone
	}()

	go func() {
		defer close(readerDone)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}

			var n types.Notice
			if err := sonic.Unmarshal(raw, &n); err != nil {
				f.log.Warn("malformed notice", zap.Error(err))
				continue
			}
			f.rec.Handle(ctx, n)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			closeConn(conn, websocket.CloseNormalClosure, "")
			return false, ctx.Err()
		case err := <-errCh:
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				f.log.Debug("server closed feed",
					zap.Int("code", closeErr.Code),
					zap.String("reason", closeErr.Text))
			}
			return false, err
		case next := <-f.rec.Resubscribe():
			if types.JoinIds(next) == key {
				continue
			}
			closeConn(conn, websocket.CloseNormalClosure, "resubscribing")
			return true, nil
		}
	}
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second),
	)
}
