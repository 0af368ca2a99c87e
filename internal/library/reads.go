package library

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sonata/sonata/internal/cache"
)

// GetGenres returns the genre index, probing for freshness only when the
// cooldown has expired (or forceRefresh is set). While a sync runs the cached
// index is served as-is, even under forceRefresh: the sync owns the snapshot
// and refreshes the index itself, and a rebuild here would race it for the
// same keys.
func (l *Library) GetGenres(ctx context.Context, forceRefresh bool) ([]Genre, error) {
	if l.syncing.Load() {
		var genres []Genre
		if _, err := l.store.Get(ctx, cache.KeyGenres, &genres); err != nil {
			return nil, err
		}
		return genres, nil
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.refreshGenres(ctx, forceRefresh)
}

// GetYears returns the distinct production years, ascending, with the same
// cooldown and sync-coexistence semantics as GetGenres.
func (l *Library) GetYears(ctx context.Context, forceRefresh bool) ([]int, error) {
	if l.syncing.Load() {
		var years []int
		if _, err := l.store.Get(ctx, cache.KeyYears, &years); err != nil {
			return nil, err
		}
		return years, nil
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.refreshYears(ctx, forceRefresh)
}

// refreshGenres runs the cooldown-gated genre rebuild. The caller must hold
// writeMu. A failed rebuild degrades to the cached index when one exists;
// availability beats freshness here.
func (l *Library) refreshGenres(ctx context.Context, forceRefresh bool) ([]Genre, error) {
	var genres []Genre
	found, err := l.store.Get(ctx, cache.KeyGenres, &genres)
	if err != nil {
		return nil, err
	}
	if !forceRefresh && found {
		due, err := l.refreshDue(ctx, cache.KeyGenresLastUpdated, cache.KeyGenresLastChecked, l.genreCooldown, "genre")
		if err != nil {
			return nil, err
		}
		if !due {
			return genres, nil
		}
	}
	rebuilt, err := l.rebuildGenres(ctx)
	if err != nil {
		if found {
			// The next cooldown window will try again.
			l.log.Warn("genre refresh failed, serving cache", slog.Any("err", err))
			return genres, nil
		}
		return nil, err
	}
	return rebuilt, nil
}

// refreshYears is the year-index counterpart of refreshGenres. The caller
// must hold writeMu.
func (l *Library) refreshYears(ctx context.Context, forceRefresh bool) ([]int, error) {
	var years []int
	found, err := l.store.Get(ctx, cache.KeyYears, &years)
	if err != nil {
		return nil, err
	}
	if !forceRefresh && found {
		due, err := l.refreshDue(ctx, cache.KeyYearsLastUpdated, cache.KeyYearsLastChecked, l.yearCooldown, "year")
		if err != nil {
			return nil, err
		}
		if !due {
			return years, nil
		}
	}
	rebuilt, err := l.rebuildYears(ctx)
	if err != nil {
		if found {
			l.log.Warn("year refresh failed, serving cache", slog.Any("err", err))
			return years, nil
		}
		return nil, err
	}
	return rebuilt, nil
}

// refreshDue runs the cooldown decision for one derived index, persisting the
// advanced check timestamp when the probe found nothing newer. A rebuild
// persists both timestamps itself.
func (l *Library) refreshDue(ctx context.Context, updatedKey, checkedKey string, cooldown time.Duration, name string) (bool, error) {
	lastUpdated, err := l.loadTime(ctx, updatedKey)
	if err != nil {
		return false, err
	}
	lastChecked, err := l.loadTime(ctx, checkedKey)
	if err != nil {
		return false, err
	}
	decision := ShouldRefresh(ctx, l.now(), lastUpdated, lastChecked, cooldown, l.probeNewest)
	l.log.Debug(name+" freshness", slog.String("reason", decision.Reason))
	if decision.AdvanceChecked && !decision.Refresh {
		if err := l.saveTime(ctx, checkedKey, l.now()); err != nil {
			return false, err
		}
	}
	return decision.Refresh, nil
}

// rebuildGenres refetches changed songs and rebuilds the genre index and
// buckets from the merged snapshot. The caller must hold writeMu.
func (l *Library) rebuildGenres(ctx context.Context) ([]Genre, error) {
	songs, err := l.refreshSongs(ctx, cache.KeyGenresLastUpdated)
	if err != nil {
		return nil, err
	}
	genres := BuildGenreIndex(songs)
	buckets := DistributeSongsToGenres(songs, genres)
	if err := l.store.Set(ctx, cache.KeyGenres, genres); err != nil {
		return nil, fmt.Errorf("persist genres: %w", err)
	}
	if err := l.store.Set(ctx, cache.KeyGenreSongs, buckets); err != nil {
		return nil, fmt.Errorf("persist genre buckets: %w", err)
	}
	now := l.now()
	if err := l.saveTime(ctx, cache.KeyGenresLastUpdated, now); err != nil {
		return nil, err
	}
	if err := l.saveTime(ctx, cache.KeyGenresLastChecked, now); err != nil {
		return nil, err
	}
	return genres, nil
}

// rebuildYears is the year-index counterpart of rebuildGenres. The caller
// must hold writeMu.
func (l *Library) rebuildYears(ctx context.Context) ([]int, error) {
	songs, err := l.refreshSongs(ctx, cache.KeyYearsLastUpdated)
	if err != nil {
		return nil, err
	}
	years := BuildYearIndex(songs)
	if err := l.store.Set(ctx, cache.KeyYears, years); err != nil {
		return nil, fmt.Errorf("persist years: %w", err)
	}
	now := l.now()
	if err := l.saveTime(ctx, cache.KeyYearsLastUpdated, now); err != nil {
		return nil, err
	}
	if err := l.saveTime(ctx, cache.KeyYearsLastChecked, now); err != nil {
		return nil, err
	}
	return years, nil
}

// SongsCached is a pure read of the current snapshot. Callers must treat the
// result as immutable until the next sync publishes a new one.
func (l *Library) SongsCached(ctx context.Context) ([]Song, error) {
	return l.loadSongs(ctx)
}

// GenreSongs returns the cached bucket for one genre ID.
func (l *Library) GenreSongs(ctx context.Context, genreID string) ([]Song, error) {
	buckets := map[string][]Song{}
	if _, err := l.store.Get(ctx, cache.KeyGenreSongs, &buckets); err != nil {
		return nil, err
	}
	return buckets[genreID], nil
}

// LastSyncCompleted reports when the last successful sync finished, zero if
// never.
func (l *Library) LastSyncCompleted(ctx context.Context) (time.Time, error) {
	return l.loadTime(ctx, cache.KeyLastSyncCompleted)
}

// Syncing reports whether a sync is currently running.
func (l *Library) Syncing() bool { return l.syncing.Load() }

// refreshSongs fetches the songs modified since the index was last rebuilt
// (everything, on first rebuild), merges them into the snapshot, persists
// it, and returns the merged set for index rebuilding. The caller must hold
// writeMu.
func (l *Library) refreshSongs(ctx context.Context, sinceKey string) ([]Song, error) {
	since, err := l.loadTime(ctx, sinceKey)
	if err != nil {
		return nil, err
	}
	if since.IsZero() {
		// First rebuild: derive from the cached snapshot only. Populating
		// the song set is the sync's job, and an unbounded catalog fetch
		// here would defeat the bounded first sync.
		return l.loadSongs(ctx)
	}
	fetched, err := FetchAllPages(ctx, l.songPage(since, true), l.pageSize, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch songs: %w", err)
	}
	existing, err := l.loadSongs(ctx)
	if err != nil {
		return nil, err
	}
	merged := mergeSongs(existing, fetched)
	if err := l.store.Set(ctx, cache.KeySongs, merged); err != nil {
		return nil, fmt.Errorf("persist songs: %w", err)
	}
	return merged, nil
}
