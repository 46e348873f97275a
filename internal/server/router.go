package server

import (
	"sync"
	"sync/atomic"

	"github.com/npezzotti/go-qna/internal/stats"
	"github.com/npezzotti/go-qna/internal/types"
	"go.uber.org/zap"
)

const defaultShards = 32

// Sink receives routed notices. Send must not block; a false return means
// the notice was not accepted and the sink is going away.
type Sink interface {
	Send(n types.Notice) bool
}

// Subscription is a sink's interest in one event. The question id set is a
// snapshot taken at subscribe time and never changes.
type Subscription struct {
	sink        Sink
	eventId     int
	questionIds []int
	active      atomic.Bool
}

func (s *Subscription) EventId() int {
	return s.eventId
}

func (s *Subscription) QuestionIds() []int {
	ids := make([]int, len(s.questionIds))
	copy(ids, s.questionIds)
	return ids
}

func (s *Subscription) Active() bool {
	return s.active.Load()
}

type subSet map[*Subscription]struct{}

type shard struct {
	mu         sync.RWMutex
	byEvent    map[int]subSet
	byQuestion map[int]subSet
}

func (sh *shard) add(index map[int]subSet, id int, sub *Subscription) {
	set, ok := index[id]
	if !ok {
		set = make(subSet)
		index[id] = set
	}
	set[sub] = struct{}{}
}

func (sh *shard) remove(index map[int]subSet, id int, sub *Subscription) {
	if set, ok := index[id]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(index, id)
		}
	}
}

// Router fans notices out to the subscriptions interested in them. Event
// filters (reactions, questions) are indexed by event id and vote filters
// by question id, each in the shard owning that id.
type Router struct {
	log    *zap.Logger
	stats  stats.StatsProvider
	shards []*shard
}

func NewRouter(logger *zap.Logger, st stats.StatsProvider, numShards int) *Router {
	if numShards <= 0 {
		numShards = defaultShards
	}

	r := &Router{
		log:    logger.Named("router"),
		stats:  st,
		shards: make([]*shard, numShards),
	}
	for i := range r.shards {
		r.shards[i] = &shard{
			byEvent:    make(map[int]subSet),
			byQuestion: make(map[int]subSet),
		}
	}

	return r
}

func (r *Router) shardFor(id int) *shard {
	if id < 0 {
		id = -id
	}
	return r.shards[id%len(r.shards)]
}

// Subscribe registers sink for reactions and questions on eventId and for
// votes on questionIds. The subscription only becomes visible to Route
// once every filter is in place.
func (r *Router) Subscribe(sink Sink, eventId int, questionIds []int) *Subscription {
	sub := &Subscription{
		sink:        sink,
		eventId:     eventId,
		questionIds: dedupe(questionIds),
	}

	sh := r.shardFor(eventId)
	sh.mu.Lock()
	sh.add(sh.byEvent, eventId, sub)
	sh.mu.Unlock()

	for _, qid := range sub.questionIds {
		sh := r.shardFor(qid)
		sh.mu.Lock()
		sh.add(sh.byQuestion, qid, sub)
		sh.mu.Unlock()
	}

	sub.active.Store(true)
	r.stats.Incr(stats.NumActiveSubscriptions)
	r.log.Debug("subscribed",
		zap.Int("event_id", eventId),
		zap.Ints("question_ids", sub.questionIds))

	return sub
}

// Unsubscribe removes sub from every filter. Calling it more than once is
// a no-op.
func (r *Router) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.active.CompareAndSwap(true, false) {
		return
	}

	sh := r.shardFor(sub.eventId)
	sh.mu.Lock()
	sh.remove(sh.byEvent, sub.eventId, sub)
	sh.mu.Unlock()

	for _, qid := range sub.questionIds {
		sh := r.shardFor(qid)
		sh.mu.Lock()
		sh.remove(sh.byQuestion, qid, sub)
		sh.mu.Unlock()
	}

	r.stats.Decr(stats.NumActiveSubscriptions)
	r.log.Debug("unsubscribed", zap.Int("event_id", sub.eventId))
}

// Route delivers n to every active subscription on n's event whose filter
// matches and returns the number of sinks that accepted it. Notices of an
// unknown kind are dropped.
func (r *Router) Route(n types.Notice) int {
	var targets []*Subscription

	switch n.Kind {
	case types.NoticeReaction, types.NoticeQuestion:
		targets = r.collect(n.EventId, func(sh *shard) map[int]subSet { return sh.byEvent }, nil)
	case types.NoticeVote:
		seen := make(map[*Subscription]struct{})
		for _, qid := range n.QuestionIds {
			targets = append(targets,
				r.collect(qid, func(sh *shard) map[int]subSet { return sh.byQuestion }, seen)...)
		}
	default:
		r.log.Warn("dropping notice of unknown kind", zap.String("type", string(n.Kind)))
		return 0
	}

	delivered := 0
	for _, sub := range targets {
		if !sub.active.Load() || sub.eventId != n.EventId {
			continue
		}
		if sub.sink.Send(n) {
			delivered++
			continue
		}
		r.stats.Incr(stats.NumNoticesDropped)
		r.Unsubscribe(sub)
	}

	if delivered > 0 {
		r.stats.Add(stats.NumNoticesDelivered, delivered)
	}

	return delivered
}

func (r *Router) collect(id int, index func(*shard) map[int]subSet, seen map[*Subscription]struct{}) []*Subscription {
	sh := r.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	set := index(sh)[id]
	subs := make([]*Subscription, 0, len(set))
	for sub := range set {
		if seen != nil {
			if _, ok := seen[sub]; ok {
				continue
			}
			seen[sub] = struct{}{}
		}
		subs = append(subs, sub)
	}
	return subs
}

// Subscriptions returns the number of active subscriptions on eventId.
func (r *Router) Subscriptions(eventId int) int {
	sh := r.shardFor(eventId)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.byEvent[eventId])
}

// watching returns the number of subscriptions whose vote filter includes
// questionId.
func (r *Router) watching(questionId int) int {
	sh := r.shardFor(questionId)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.byQuestion[questionId])
}

func dedupe(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
