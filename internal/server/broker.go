package server

import (
	"context"
	"fmt"

	"github.com/npezzotti/go-qna/internal/types"
	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

const DefaultNoticeChannel = "qna:notices"

// Broker carries notices from the emitter to the router.
type Broker interface {
	Publish(ctx context.Context, n types.Notice) error
}

// LocalBroker routes notices in the publishing goroutine. It serves
// single-node deployments.
type LocalBroker struct {
	router *Router
}

func NewLocalBroker(router *Router) *LocalBroker {
	return &LocalBroker{router: router}
}

func (b *LocalBroker) Publish(_ context.Context, n types.Notice) error {
	b.router.Route(n)
	return nil
}

// RedisBroker publishes notices on a Redis channel and routes every notice
// received on it, so that viewers connected to any node see writes made on
// any other.
type RedisBroker struct {
	client  rueidis.Client
	router  *Router
	log     *zap.Logger
	channel string
}

func NewRedisBroker(client rueidis.Client, router *Router, logger *zap.Logger) *RedisBroker {
	return &RedisBroker{
		client:  client,
		router:  router,
		log:     logger.Named("broker"),
		channel: DefaultNoticeChannel,
	}
}

func (b *RedisBroker) Publish(ctx context.Context, n types.Notice) error {
	payload, err := encodeNotice(n)
	if err != nil {
		return err
	}

	cmd := b.client.B().Publish().Channel(b.channel).Message(rueidis.BinaryString(payload)).Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("publish notice: %w", err)
	}
	return nil
}

// Run subscribes to the notice channel and routes incoming notices until
// ctx is done.
func (b *RedisBroker) Run(ctx context.Context) error {
	b.log.Info("subscribing to notice channel", zap.String("channel", b.channel))

	err := b.client.Receive(ctx, b.client.B().Subscribe().Channel(b.channel).Build(), func(msg rueidis.PubSubMessage) {
		n, err := decodeNotice([]byte(msg.Message))
		if err != nil {
			b.log.Warn("discarding malformed notice", zap.Error(err))
			return
		}
		b.router.Route(n)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive notices: %w", err)
	}
	return nil
}
