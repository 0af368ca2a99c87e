package library

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sonata/sonata/internal/api"
	"github.com/sonata/sonata/internal/cache"
)

// Scope selects how much of the catalog a sync touches.
type Scope string

const (
	// ScopeIncremental fetches only songs modified since the last
	// successful sync.
	ScopeIncremental Scope = "incremental"
	// ScopeFull refetches the entire catalog and rebuilds every derived
	// index from scratch.
	ScopeFull Scope = "full"
)

const (
	songFields      = "Genres,ProductionYear,PremiereDate,DateLastSaved"
	audioItemType   = "Audio"
	defaultCooldown = 30 * time.Minute
	// progressInterval rate-limits UI progress callbacks; per-item
	// delivery would thrash the render loop.
	progressInterval = 250 * time.Millisecond
)

// Options configures a Library.
type Options struct {
	PageSize      int
	GenreCooldown time.Duration
	YearCooldown  time.Duration
	Logger        *slog.Logger
	// Now is a test seam.
	Now func() time.Time
}

// Library owns the persisted catalog snapshot. It is the single writer: all
// mutations flow through Sync or the index refresh paths, and a second sync
// requested while one runs is a no-op. Everything else reads.
type Library struct {
	client *api.Client
	store  *cache.Store
	log    *slog.Logger

	pageSize      int
	genreCooldown time.Duration
	yearCooldown  time.Duration
	now           func() time.Time

	// writeMu serializes every store mutation: Sync holds it for a whole
	// run, the read-path index rebuilds hold it per rebuild. Reads of the
	// published snapshot never take it.
	writeMu sync.Mutex
	syncing atomic.Bool

	onComplete func()
}

func New(client *api.Client, store *cache.Store, opts Options) *Library {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.GenreCooldown == 0 {
		opts.GenreCooldown = defaultCooldown
	}
	if opts.YearCooldown == 0 {
		opts.YearCooldown = defaultCooldown
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Library{
		client:        client,
		store:         store,
		log:           opts.Logger,
		pageSize:      opts.PageSize,
		genreCooldown: opts.GenreCooldown,
		yearCooldown:  opts.YearCooldown,
		now:           opts.Now,
	}
}

// Sync reconciles the local snapshot with the server. A sync already in
// progress makes this call a no-op; concurrent merges into the same keys are
// not safe and the running sync's result will be current enough.
func (l *Library) Sync(ctx context.Context, scope Scope, onProgress func(percent int)) error {
	if !l.syncing.CompareAndSwap(false, true) {
		l.log.Debug("sync already running, coalescing", slog.String("scope", string(scope)))
		return nil
	}
	defer l.syncing.Store(false)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	onProgress = throttleProgress(onProgress, l.now)
	start := l.now()
	var err error
	switch scope {
	case ScopeFull:
		err = l.syncFull(ctx, onProgress)
	default:
		err = l.syncIncremental(ctx, onProgress)
	}
	if err != nil {
		l.log.Warn("sync failed", slog.String("scope", string(scope)), slog.Any("err", err))
		return err
	}
	l.log.Info("sync complete",
		slog.String("scope", string(scope)),
		slog.Duration("elapsed", l.now().Sub(start).Round(time.Millisecond)))
	if l.onComplete != nil {
		l.onComplete()
	}
	return nil
}

// OnSyncComplete registers a callback invoked after every successful sync.
// Must be set before concurrent use.
func (l *Library) OnSyncComplete(fn func()) { l.onComplete = fn }

func (l *Library) syncIncremental(ctx context.Context, onProgress func(int)) error {
	// Genres can appear from edits unrelated to song additions, so the
	// index gets its own cooldown-gated refresh first. Sync already holds
	// writeMu, so this goes straight to the lock-held variant.
	if _, err := l.refreshGenres(ctx, false); err != nil {
		return fmt.Errorf("refresh genres: %w", err)
	}

	since, err := l.loadTime(ctx, cache.KeyLastSyncCompleted)
	if err != nil {
		return err
	}

	var fetched []Song
	var fetchErr error
	if since.IsZero() {
		// First run: seed with the most recently added page rather than
		// paying for the whole catalog up front.
		page, err := api.Items[Song](ctx, l.client, api.ItemsParams{
			Limit:            l.pageSize,
			IncludeItemTypes: audioItemType,
			SortBy:           "DateCreated",
			SortOrder:        "Descending",
			Recursive:        true,
			Fields:           songFields,
			CacheBust:        true,
		})
		if err != nil {
			return fmt.Errorf("seed fetch: %w", err)
		}
		fetched = page.Items
	} else {
		fetched, fetchErr = FetchAllPages(ctx, l.songPage(since, true), l.pageSize, onProgress)
		// Pages already fetched are valid data, just possibly incomplete;
		// merge them before surfacing the failure.
	}

	if len(fetched) > 0 {
		existing, err := l.loadSongs(ctx)
		if err != nil {
			return err
		}
		merged := mergeSongs(existing, fetched)
		if err := l.store.Set(ctx, cache.KeySongs, merged); err != nil {
			return fmt.Errorf("persist songs: %w", err)
		}
		if err := l.applyGenreDelta(ctx, fetched); err != nil {
			return err
		}
		if err := l.store.Set(ctx, cache.KeyYears, BuildYearIndex(merged)); err != nil {
			return fmt.Errorf("persist years: %w", err)
		}
	}
	if fetchErr != nil {
		return fmt.Errorf("fetch changed songs: %w", fetchErr)
	}
	if onProgress != nil {
		onProgress(100)
	}
	return l.saveTime(ctx, cache.KeyLastSyncCompleted, l.now())
}

func (l *Library) syncFull(ctx context.Context, onProgress func(int)) error {
	// Explicit invalidation of the derived genre state, not timestamp
	// driven: the rebuild below replaces it wholesale.
	if err := l.store.Delete(ctx, cache.KeyGenres); err != nil {
		return err
	}
	if err := l.store.Delete(ctx, cache.KeyGenreSongs); err != nil {
		return err
	}

	songs, err := FetchAllPages(ctx, l.songPage(time.Time{}, true), l.pageSize, onProgress)
	if err != nil {
		// Partial state is discarded for a full sync; a half catalog is
		// worse than the previous snapshot.
		return fmt.Errorf("fetch catalog: %w", err)
	}

	genres := BuildGenreIndex(songs)
	years := BuildYearIndex(songs)
	buckets := DistributeSongsToGenres(songs, genres)

	if err := l.store.Set(ctx, cache.KeySongs, songs); err != nil {
		return fmt.Errorf("persist songs: %w", err)
	}
	if err := l.store.Set(ctx, cache.KeyGenres, genres); err != nil {
		return fmt.Errorf("persist genres: %w", err)
	}
	if err := l.store.Set(ctx, cache.KeyGenreSongs, buckets); err != nil {
		return fmt.Errorf("persist genre buckets: %w", err)
	}
	if err := l.store.Set(ctx, cache.KeyYears, years); err != nil {
		return fmt.Errorf("persist years: %w", err)
	}

	now := l.now()
	for _, key := range []string{
		cache.KeyGenresLastUpdated, cache.KeyGenresLastChecked,
		cache.KeyYearsLastUpdated, cache.KeyYearsLastChecked,
		cache.KeyLastSyncCompleted,
	} {
		if err := l.saveTime(ctx, key, now); err != nil {
			return err
		}
	}
	return nil
}

// mergeSongs unions existing and incoming by ID: existing entries keep their
// position and are updated in place when the server sent a newer record;
// unseen IDs are appended in fetch order. Running the same merge twice is a
// no-op.
func mergeSongs(existing, incoming []Song) []Song {
	pos := make(map[string]int, len(existing))
	merged := make([]Song, len(existing))
	copy(merged, existing)
	for i, s := range merged {
		pos[s.ID] = i
	}
	for _, s := range incoming {
		if i, ok := pos[s.ID]; ok {
			merged[i] = s
			continue
		}
		pos[s.ID] = len(merged)
		merged = append(merged, s)
	}
	return merged
}

// applyGenreDelta recomputes only the genre buckets touched by the changed
// songs, merging into the existing index instead of rebuilding it. This
// bounds incremental sync cost to the size of the delta.
func (l *Library) applyGenreDelta(ctx context.Context, changed []Song) error {
	var genres []Genre
	if _, err := l.store.Get(ctx, cache.KeyGenres, &genres); err != nil {
		return err
	}
	buckets := map[string][]Song{}
	if _, err := l.store.Get(ctx, cache.KeyGenreSongs, &buckets); err != nil {
		return err
	}

	known := make(map[string]bool, len(genres))
	for _, g := range genres {
		known[g.ID] = true
	}
	for _, s := range changed {
		for _, tag := range s.Genres {
			id := GenreID(tag)
			if id == "" {
				continue
			}
			if !known[id] {
				known[id] = true
				genres = append(genres, Genre{ID: id, Name: tag})
			}
			buckets[id] = upsertSong(buckets[id], s)
		}
	}

	if err := l.store.Set(ctx, cache.KeyGenres, genres); err != nil {
		return fmt.Errorf("persist genres: %w", err)
	}
	if err := l.store.Set(ctx, cache.KeyGenreSongs, buckets); err != nil {
		return fmt.Errorf("persist genre buckets: %w", err)
	}
	return nil
}

func upsertSong(bucket []Song, s Song) []Song {
	for i := range bucket {
		if bucket[i].ID == s.ID {
			bucket[i] = s
			return bucket
		}
	}
	return append(bucket, s)
}

func (l *Library) songPage(since time.Time, cacheBust bool) PageFunc[Song] {
	return func(ctx context.Context, offset, limit int) ([]Song, int, error) {
		page, err := api.Items[Song](ctx, l.client, api.ItemsParams{
			StartIndex:       offset,
			Limit:            limit,
			IncludeItemTypes: audioItemType,
			SortBy:           "SortName",
			SortOrder:        "Ascending",
			MinDateLastSaved: since,
			Recursive:        true,
			Fields:           songFields,
			CacheBust:        cacheBust,
		})
		if err != nil {
			return nil, 0, err
		}
		return page.Items, page.TotalRecordCount, nil
	}
}

// probeNewest fetches the single most recently modified song and reports its
// timestamp. This is the cheap freshness probe behind the cooldown policy.
func (l *Library) probeNewest(ctx context.Context) (time.Time, error) {
	page, err := api.Items[Song](ctx, l.client, api.ItemsParams{
		Limit:            1,
		IncludeItemTypes: audioItemType,
		SortBy:           "DateLastSaved",
		SortOrder:        "Descending",
		Recursive:        true,
		Fields:           songFields,
	})
	if err != nil {
		return time.Time{}, err
	}
	if len(page.Items) == 0 {
		return time.Time{}, nil
	}
	return page.Items[0].DateLastSaved, nil
}

func (l *Library) loadSongs(ctx context.Context) ([]Song, error) {
	var songs []Song
	if _, err := l.store.Get(ctx, cache.KeySongs, &songs); err != nil {
		return nil, err
	}
	return songs, nil
}

func (l *Library) loadTime(ctx context.Context, key string) (time.Time, error) {
	var t time.Time
	if _, err := l.store.Get(ctx, key, &t); err != nil {
		return time.Time{}, err
	}
	return t, nil
}

func (l *Library) saveTime(ctx context.Context, key string, t time.Time) error {
	return l.store.Set(ctx, key, t)
}

// throttleProgress wraps a progress callback so it fires at most a few times
// per second. The terminal 100 always gets through.
func throttleProgress(fn func(int), now func() time.Time) func(int) {
	if fn == nil {
		return nil
	}
	var last time.Time
	return func(pct int) {
		t := now()
		if pct < 100 && !last.IsZero() && t.Sub(last) < progressInterval {
			return
		}
		last = t
		fn(pct)
	}
}
