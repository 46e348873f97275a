package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-qna/internal/stats"
	"github.com/npezzotti/go-qna/internal/types"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 512

	DefaultIdleTimeout = 60 * time.Second
	DefaultSendBuffer  = 64
)

type TransportState int32

const (
	StateConnecting TransportState = iota
	StateOpen
	StateClosed
)

func (s TransportState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Transport is a one-way push channel to a single viewer. Notices are
// written in the order they were accepted by Send.
type Transport struct {
	conn        *websocket.Conn
	router      *Router
	log         *zap.Logger
	stats       stats.StatsProvider
	eventId     int
	questionIds []int
	idleTimeout time.Duration

	send  chan types.Notice
	done  chan struct{}
	state atomic.Int32
	sub   atomic.Pointer[Subscription]

	closeOnce sync.Once
	closeCode int
	closeText string
}

type TransportOptions struct {
	IdleTimeout time.Duration
	SendBuffer  int
}

func NewTransport(conn *websocket.Conn, router *Router, logger *zap.Logger, st stats.StatsProvider,
	eventId int, questionIds []int, opts TransportOptions) *Transport {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}

	return &Transport{
		conn:        conn,
		router:      router,
		log:         logger.Named("transport").With(zap.Int("event_id", eventId)),
		stats:       st,
		eventId:     eventId,
		questionIds: questionIds,
		idleTimeout: opts.IdleTimeout,
		send:        make(chan types.Notice, opts.SendBuffer),
		done:        make(chan struct{}),
	}
}

func (t *Transport) State() TransportState {
	return TransportState(t.state.Load())
}

// Done is closed once the transport has been closed.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Send queues n for delivery without blocking. It returns false when the
// transport is closed or its buffer is full; in the latter case the
// transport closes itself.
func (t *Transport) Send(n types.Notice) bool {
	if t.State() == StateClosed {
		return false
	}

	select {
	case t.send <- n:
		return true
	default:
		t.log.Warn("send buffer full, closing transport")
		t.closeWith(websocket.CloseTryAgainLater, "too slow")
		return false
	}
}

// Close stops the transport with a going-away close frame.
func (t *Transport) Close() {
	t.closeWith(websocket.CloseGoingAway, "server shutting down")
}

func (t *Transport) closeWith(code int, text string) {
	t.closeOnce.Do(func() {
		t.closeCode = code
		t.closeText = text
		t.state.Store(int32(StateClosed))
		t.router.Unsubscribe(t.sub.Load())
		close(t.done)
	})
}

// Serve registers the transport with the router and pumps notices to the
// connection until the transport closes. The subscription and the
// connection are released before Serve returns.
func (t *Transport) Serve() {
	sub := t.router.Subscribe(t, t.eventId, t.questionIds)
	t.sub.Store(sub)
	t.stats.Incr(stats.NumActiveTransports)

	readDone := make(chan struct{})
	defer func() {
		t.router.Unsubscribe(sub)
		t.conn.Close()
		<-readDone
		t.stats.Decr(stats.NumActiveTransports)
		t.log.Debug("transport released")
	}()

	if !t.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		// closed before it opened
		close(readDone)
		t.writeClose()
		return
	}

	go func() {
		defer close(readDone)
		t.read()
	}()

	t.write()
}

// read only consumes control frames. Viewers do not send data on the feed.
func (t *Transport) read() {
	t.conn.SetReadLimit(maxMessageSize)
	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := t.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				t.log.Info("read failed", zap.Error(err))
			}
			t.closeWith(websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (t *Transport) write() {
	idle := time.NewTimer(t.idleTimeout)
	ping := time.NewTicker(pingInterval)
	defer func() {
		idle.Stop()
		ping.Stop()
	}()

	for {
		select {
		case <-t.done:
			t.writeClose()
			return
		default:
		}

		select {
		case n := <-t.send:
			payload, err := encodeNotice(n)
			if err != nil {
				t.log.Error("failed to encode notice", zap.Error(err))
				continue
			}
			if !t.writeMessage(websocket.TextMessage, payload) {
				t.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
			idle.Reset(t.idleTimeout)
		case <-idle.C:
			t.log.Debug("idle timeout")
			t.closeWith(websocket.CloseNormalClosure, "idle timeout")
		case <-ping.C:
			if !t.writeMessage(websocket.PingMessage, nil) {
				t.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-t.done:
			t.writeClose()
			return
		}
	}
}

func (t *Transport) writeClose() {
	if t.closeCode == websocket.CloseAbnormalClosure {
		return
	}
	msg := websocket.FormatCloseMessage(t.closeCode, t.closeText)
	if err := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		t.log.Debug("failed to write close frame", zap.Error(err))
	}
}

func (t *Transport) writeMessage(msgType int, payload []byte) bool {
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := t.conn.WriteMessage(msgType, payload); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			t.log.Info("write failed", zap.Error(err))
		}
		return false
	}

	return true
}
