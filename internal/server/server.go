package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-qna/internal/stats"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

var ErrServerClosed = errors.New("live server closed")

// LiveServer owns the live feed transports of this node.
type LiveServer struct {
	log        *zap.Logger
	router     *Router
	stats      stats.StatsProvider
	opts       TransportOptions
	transports map[*Transport]struct{}
	mu         sync.Mutex
	closed     bool
	wg         conc.WaitGroup
}

func NewLiveServer(logger *zap.Logger, router *Router, st stats.StatsProvider, opts TransportOptions) *LiveServer {
	return &LiveServer{
		log:        logger.Named("live"),
		router:     router,
		stats:      st,
		opts:       opts,
		transports: make(map[*Transport]struct{}),
	}
}

// Open starts a transport on conn for eventId, filtered on questionIds.
// The connection is closed if the server is shutting down.
func (ls *LiveServer) Open(conn *websocket.Conn, eventId int, questionIds []int) (*Transport, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.closed {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return nil, ErrServerClosed
	}

	t := NewTransport(conn, ls.router, ls.log, ls.stats, eventId, questionIds, ls.opts)
	ls.transports[t] = struct{}{}

	ls.wg.Go(func() {
		defer ls.removeTransport(t)
		t.Serve()
	})

	ls.log.Debug("opened transport",
		zap.Int("event_id", eventId),
		zap.Int("transports", len(ls.transports)))

	return t, nil
}

func (ls *LiveServer) removeTransport(t *Transport) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	delete(ls.transports, t)
}

// Transports returns the number of transports currently served.
func (ls *LiveServer) Transports() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.transports)
}

// Shutdown closes every transport and waits for them to be released or for
// ctx to be done.
func (ls *LiveServer) Shutdown(ctx context.Context) error {
	ls.mu.Lock()
	ls.closed = true
	open := make([]*Transport, 0, len(ls.transports))
	for t := range ls.transports {
		open = append(open, t)
	}
	ls.mu.Unlock()

	ls.log.Info("closing transports", zap.Int("count", len(open)))

	p := pool.New().WithMaxGoroutines(16)
	for _, t := range open {
		p.Go(t.Close)
	}
	p.Wait()

	done := make(chan struct{})
	go func() {
		ls.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
