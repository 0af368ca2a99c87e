// Package muspy resolves library artists to release-feed IDs. Resolution is
// modeled as an explicit tagged state per artist rather than placeholder
// string sniffing, and the background sweep is a bounded worker draining a
// queue one lookup at a time under a rate limit.
package muspy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State tags an artist's resolution status.
type State int

const (
	// StatePending: queued, a placeholder stands in for the feed ID.
	StatePending State = iota
	// StateResolved: the remote lookup produced a real feed ID.
	StateResolved
	// StateUnresolvable: the lookup definitively found nothing; the artist
	// is never re-queued.
	StateUnresolvable
)

// Resolution is the current state for one artist.
type Resolution struct {
	State  State
	FeedID string
	// Placeholder is a locally generated stand-in used while pending, so
	// the UI can render a row before resolution completes.
	Placeholder string
}

// ErrNotFound is returned by a LookupFunc when the artist has no feed.
var ErrNotFound = errors.New("muspy: artist not found")

// LookupFunc performs the remote feed-ID lookup for an artist name.
type LookupFunc func(ctx context.Context, artistName string) (feedID string, err error)

type pending struct {
	artistID string
	name     string
}

// Resolver drains artist lookups sequentially. Transient lookup failures
// leave the artist pending for a later sweep; only a definitive not-found
// marks it unresolvable.
type Resolver struct {
	lookup   LookupFunc
	interval time.Duration
	maxQueue int
	log      *slog.Logger

	mu        sync.Mutex
	states    map[string]Resolution
	attempted map[string]bool
	queue     []pending
}

func NewResolver(lookup LookupFunc, interval time.Duration, maxQueue int, log *slog.Logger) *Resolver {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if maxQueue <= 0 {
		maxQueue = 200
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		lookup:    lookup,
		interval:  interval,
		maxQueue:  maxQueue,
		log:       log,
		states:    make(map[string]Resolution),
		attempted: make(map[string]bool),
	}
}

// Enqueue registers an artist for resolution. Artists already attempted in
// this session, already queued, or past the queue bound are skipped.
func (r *Resolver) Enqueue(artistID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempted[artistID] || len(r.queue) >= r.maxQueue {
		return
	}
	if _, ok := r.states[artistID]; ok {
		return
	}
	r.states[artistID] = Resolution{
		State:       StatePending,
		Placeholder: "pending-" + artistID,
	}
	r.queue = append(r.queue, pending{artistID: artistID, name: name})
}

// Resolution returns the current state for an artist.
func (r *Resolver) Resolution(artistID string) (Resolution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.states[artistID]
	return res, ok
}

// QueueLen reports how many lookups are waiting.
func (r *Resolver) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Run drains the queue until the context ends, one lookup per interval.
// Items enqueued mid-flight are picked up on later ticks; the worker never
// re-enters itself.
func (r *Resolver) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.resolveNext(ctx)
		}
	}
}

// resolveNext pops and resolves a single queue entry.
func (r *Resolver) resolveNext(ctx context.Context) {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.mu.Unlock()
		return
	}
	item := r.queue[0]
	r.queue = r.queue[1:]
	r.attempted[item.artistID] = true
	r.mu.Unlock()

	feedID, err := r.lookup(ctx, item.name)

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case err == nil:
		r.states[item.artistID] = Resolution{State: StateResolved, FeedID: feedID}
	case errors.Is(err, ErrNotFound):
		r.states[item.artistID] = Resolution{State: StateUnresolvable}
	default:
		// Transient failure: keep the pending placeholder and allow a
		// future session to retry.
		r.log.Warn("feed lookup failed",
			slog.String("artist", item.name), slog.Any("err", err))
	}
}
