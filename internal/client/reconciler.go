package client

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/go-qna/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Source reads the authoritative event state. *Fetcher implements it.
type Source interface {
	FetchEvent(ctx context.Context, uid string) (types.Event, error)
	FetchVotes(ctx context.Context, uid string) (types.VoteTally, error)
}

// invalidator is implemented by sources that share in-flight reads.
type invalidator interface {
	Invalidate(uid string)
}

// State is a snapshot of what the viewer currently shows.
type State struct {
	Event  types.Event
	Votes  types.VoteTally
	Loaded bool
	Err    error
}

type ReconcilerOptions struct {
	EffectTTL time.Duration
	OnChange  func(State)
	OnEffect  func(Effect)
}

// Reconciler turns notices into viewer state. Notices are only wake-up
// signals: every state change comes from refetching the server.
type Reconciler struct {
	uid     string
	src     Source
	log     *zap.Logger
	effects *Effects
	opts    ReconcilerOptions

	mu       sync.Mutex
	state    State
	seq      uint64
	eventSeq uint64
	votesSeq uint64
	lastKey  string

	full  *refresher
	votes *refresher

	resubscribe chan []int
}

func NewReconciler(uid string, src Source, logger *zap.Logger, opts ReconcilerOptions) *Reconciler {
	r := &Reconciler{
		uid:         uid,
		src:         src,
		log:         logger.Named("reconciler"),
		effects:     NewEffects(opts.EffectTTL),
		opts:        opts,
		resubscribe: make(chan []int, 1),
	}
	r.full = &refresher{run: r.refreshAll}
	r.votes = &refresher{run: r.refreshVotes}

	return r
}

// Handle dispatches one notice. Refreshes run in the background and are
// coalesced per slice.
func (r *Reconciler) Handle(ctx context.Context, n types.Notice) {
	if id := r.eventId(); id != 0 && n.EventId != id {
		r.log.Debug("ignoring notice for another event", zap.Int("event_id", n.EventId))
		return
	}

	switch n.Kind {
	case types.NoticeQuestion:
		r.invalidate()
		r.full.trigger(ctx)
	case types.NoticeVote:
		r.invalidate()
		r.votes.trigger(ctx)
	case types.NoticeReaction:
		key := r.effects.Spawn()
		if r.opts.OnEffect != nil && key != 0 {
			r.opts.OnEffect(Effect{Key: key, CreatedAt: time.Now()})
		}
	default:
		r.log.Debug("ignoring unknown notice", zap.String("type", string(n.Kind)))
	}
}

// Refresh fetches the event and its tallies now and waits for the result.
func (r *Reconciler) Refresh(ctx context.Context) error {
	return r.refreshAll(ctx)
}

// RefreshAsync schedules a coalesced full refresh.
func (r *Reconciler) RefreshAsync(ctx context.Context) {
	r.invalidate()
	r.full.trigger(ctx)
}

// invalidate makes the next fetch read what the server holds now.
func (r *Reconciler) invalidate() {
	if inv, ok := r.src.(invalidator); ok {
		inv.Invalidate(r.uid)
	}
}

// Wait blocks until no refresh is running or scheduled.
func (r *Reconciler) Wait() {
	r.full.wait()
	r.votes.wait()
}

func (r *Reconciler) Close() {
	r.Wait()
	r.effects.Close()
}

func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconciler) Effects() *Effects {
	return r.effects
}

// QuestionIds returns the question ids of the latest event snapshot.
func (r *Reconciler) QuestionIds() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Event.QuestionIds()
}

// Resubscribe yields the question id set whenever it changes. Only the
// latest set is kept.
func (r *Reconciler) Resubscribe() <-chan []int {
	return r.resubscribe
}

func (r *Reconciler) eventId() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Event.Id
}

func (r *Reconciler) nextSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq
}

func (r *Reconciler) refreshAll(ctx context.Context) error {
	seq := r.nextSeq()

	var (
		event types.Event
		votes types.VoteTally
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		event, err = r.src.FetchEvent(gctx, r.uid)
		return err
	})
	g.Go(func() error {
		var err error
		votes, err = r.src.FetchVotes(gctx, r.uid)
		return err
	})

	if err := g.Wait(); err != nil {
		r.fail(err)
		return err
	}

	r.apply(seq, &event, &votes)
	return nil
}

func (r *Reconciler) refreshVotes(ctx context.Context) error {
	seq := r.nextSeq()

	votes, err := r.src.FetchVotes(ctx, r.uid)
	if err != nil {
		r.fail(err)
		return err
	}

	r.apply(seq, nil, &votes)
	return nil
}

// apply stores fetched snapshots unless a fetch that started later has
// already been applied.
func (r *Reconciler) apply(seq uint64, event *types.Event, votes *types.VoteTally) {
	r.mu.Lock()

	changed := false
	if event != nil && seq > r.eventSeq {
		r.eventSeq = seq
		r.state.Event = *event
		changed = true
	}
	if votes != nil && seq > r.votesSeq {
		r.votesSeq = seq
		r.state.Votes = *votes
		changed = true
	}
	if !changed {
		r.mu.Unlock()
		return
	}

	r.state.Loaded = true
	r.state.Err = nil
	state := r.state

	var ids []int
	if event != nil && seq == r.eventSeq {
		if key := state.Event.CollectionKey(); key != r.lastKey {
			r.lastKey = key
			ids = state.Event.QuestionIds()
		}
	}
	r.mu.Unlock()

	if ids != nil {
		r.announce(ids)
	}
	r.notify(state)
}

func (r *Reconciler) fail(err error) {
	r.log.Warn("refresh failed", zap.String("uid", r.uid), zap.Error(err))

	r.mu.Lock()
	r.state.Err = err
	state := r.state
	r.mu.Unlock()

	r.notify(state)
}

func (r *Reconciler) announce(ids []int) {
	ids = slices.Clone(ids)
	for {
		select {
		case r.resubscribe <- ids:
			return
		default:
		}
		// drop the stale set
		select {
		case <-r.resubscribe:
		default:
		}
	}
}

func (r *Reconciler) notify(state State) {
	if r.opts.OnChange != nil {
		r.opts.OnChange(state)
	}
}

// refresher runs at most one refresh at a time. Triggers that arrive while
// one is running collapse into a single follow-up run.
type refresher struct {
	run func(context.Context) error

	mu      sync.Mutex
	running bool
	pending bool
	idle    *sync.Cond
}

func (f *refresher) trigger(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		f.pending = true
		return
	}
	f.running = true
	go f.loop(ctx)
}

func (f *refresher) loop(ctx context.Context) {
	for {
		_ = f.run(ctx)

		f.mu.Lock()
		if !f.pending || ctx.Err() != nil {
			f.running = false
			f.pending = false
			if f.idle != nil {
				f.idle.Broadcast()
			}
			f.mu.Unlock()
			return
		}
		f.pending = false
		f.mu.Unlock()
	}
}

func (f *refresher) wait() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.idle == nil {
		f.idle = sync.NewCond(&f.mu)
	}
	for f.running {
		f.idle.Wait()
	}
}
