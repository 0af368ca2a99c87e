package library

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sonata/sonata/internal/api"
	"github.com/sonata/sonata/internal/cache"
)

// fakeCatalog serves a mutable song set over the /Items protocol: item-type
// and modified-since filters, sort keys, and StartIndex/Limit paging.
type fakeCatalog struct {
	mu    sync.Mutex
	songs []Song

	itemRequests atomic.Int32
	failing      atomic.Bool
	block        chan struct{}
}

func (f *fakeCatalog) setSongs(songs []Song) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.songs = slices.Clone(songs)
}

func (f *fakeCatalog) addSongs(songs ...Song) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.songs = append(f.songs, songs...)
}

func (f *fakeCatalog) setBlock(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = ch
}

func (f *fakeCatalog) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Items" {
			w.WriteHeader(404)
			return
		}
		f.itemRequests.Add(1)
		f.mu.Lock()
		block := f.block
		f.mu.Unlock()
		if block != nil {
			<-block
		}
		if f.failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		q := r.URL.Query()
		f.mu.Lock()
		songs := slices.Clone(f.songs)
		f.mu.Unlock()

		if v := q.Get("MinDateLastSaved"); v != "" {
			since, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				w.WriteHeader(400)
				return
			}
			var filtered []Song
			for _, s := range songs {
				if !s.DateLastSaved.Before(since) {
					filtered = append(filtered, s)
				}
			}
			songs = filtered
		}

		desc := q.Get("SortOrder") == "Descending"
		switch q.Get("SortBy") {
		case "DateCreated", "DateLastSaved":
			sort.SliceStable(songs, func(i, j int) bool {
				if desc {
					return songs[i].DateLastSaved.After(songs[j].DateLastSaved)
				}
				return songs[i].DateLastSaved.Before(songs[j].DateLastSaved)
			})
		default:
			sort.SliceStable(songs, func(i, j int) bool { return songs[i].Name < songs[j].Name })
		}

		start, _ := strconv.Atoi(q.Get("StartIndex"))
		limit, _ := strconv.Atoi(q.Get("Limit"))
		if limit <= 0 {
			limit = 100
		}
		total := len(songs)
		if start > total {
			start = total
		}
		end := start + limit
		if end > total {
			end = total
		}
		json.NewEncoder(w).Encode(api.ItemsPage[Song]{
			Items:            songs[start:end],
			TotalRecordCount: total,
		})
	}
}

func newTestLibrary(t *testing.T, f *fakeCatalog, opts Options) *Library {
	t.Helper()
	server := httptest.NewServer(f.handler())
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := api.New(api.Config{
		BaseURL:      server.URL,
		DeviceID:     "test-device",
		Timeout:      2 * time.Second,
		Retries:      1,
		RetryBackoff: time.Millisecond,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("api.New failed: %v", err)
	}

	store, err := cache.Open(":memory:")
	if err != nil {
		t.Fatalf("cache.Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if opts.PageSize == 0 {
		opts.PageSize = 3
	}
	if opts.GenreCooldown == 0 {
		opts.GenreCooldown = time.Hour
	}
	if opts.YearCooldown == 0 {
		opts.YearCooldown = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = logger
	}
	return New(client, store, opts)
}

func datedSong(id, name string, ts time.Time, genres ...string) Song {
	return Song{ID: id, Name: name, Genres: genres, DateLastSaved: ts, ProductionYear: 1990}
}

func songIDs(songs []Song) []string {
	ids := make([]string, len(songs))
	for i, s := range songs {
		ids[i] = s.ID
	}
	return ids
}

func TestMergeSongs_UpdatesModifiedAndAppendsNew(t *testing.T) {
	existing := []Song{
		{ID: "a", Name: "Alpha"},
		{ID: "b", Name: "Beta"},
	}
	incoming := []Song{
		{ID: "b", Name: "Beta (Remastered)"},
		{ID: "c", Name: "Gamma"},
	}
	merged := mergeSongs(existing, incoming)

	if !slices.Equal(songIDs(merged), []string{"a", "b", "c"}) {
		t.Fatalf("merge order = %v, want existing positions kept, new appended", songIDs(merged))
	}
	// A "modified since" fetch replaces stale records in place rather than
	// only adding new IDs. The alternative (append-only, keeping the stale
	// record) would let metadata edits never reach the cache.
	if merged[1].Name != "Beta (Remastered)" {
		t.Errorf("modified song kept stale metadata: %q", merged[1].Name)
	}

	again := mergeSongs(merged, incoming)
	if !slices.Equal(songIDs(again), songIDs(merged)) {
		t.Errorf("merge is not idempotent: %v -> %v", songIDs(merged), songIDs(again))
	}
}

func TestSync_FirstRunFetchesBoundedSeed(t *testing.T) {
	old := time.Now().Add(-24 * time.Hour)
	f := &fakeCatalog{}
	var catalog []Song
	for i := 0; i < 10; i++ {
		catalog = append(catalog, datedSong(
			"s"+strconv.Itoa(i), "Song "+strconv.Itoa(i),
			old.Add(time.Duration(i)*time.Minute), "Rock"))
	}
	f.setSongs(catalog)

	lib := newTestLibrary(t, f, Options{PageSize: 3})
	ctx := context.Background()

	if err := lib.Sync(ctx, ScopeIncremental, nil); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	songs, err := lib.SongsCached(ctx)
	if err != nil {
		t.Fatalf("SongsCached failed: %v", err)
	}
	if len(songs) != 3 {
		t.Errorf("seeded songs = %d, want one page of 3 (not the full catalog)", len(songs))
	}
	// Seed takes the most recently added items.
	if songs[0].ID != "s9" {
		t.Errorf("first seeded song = %s, want s9 (newest)", songs[0].ID)
	}

	completed, err := lib.LastSyncCompleted(ctx)
	if err != nil {
		t.Fatalf("LastSyncCompleted failed: %v", err)
	}
	if completed.IsZero() {
		t.Error("lastSyncCompleted must be set after a successful sync")
	}

	// The seed's genres arrive via the delta path.
	genres, err := lib.GetGenres(ctx, false)
	if err != nil {
		t.Fatalf("GetGenres failed: %v", err)
	}
	if len(genres) != 1 || genres[0].ID != "rock" {
		t.Errorf("genres = %+v, want [rock]", genres)
	}
}

func TestSync_IncrementalIsIdempotent(t *testing.T) {
	old := time.Now().Add(-24 * time.Hour)
	f := &fakeCatalog{}
	f.setSongs([]Song{
		datedSong("a", "Alpha", old, "Rock"),
		datedSong("b", "Beta", old, "Jazz"),
	})

	lib := newTestLibrary(t, f, Options{})
	ctx := context.Background()

	if err := lib.Sync(ctx, ScopeIncremental, nil); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	first, _ := lib.SongsCached(ctx)

	if err := lib.Sync(ctx, ScopeIncremental, nil); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	second, _ := lib.SongsCached(ctx)

	if !slices.Equal(songIDs(first), songIDs(second)) {
		t.Errorf("song cache changed across idempotent syncs: %v -> %v",
			songIDs(first), songIDs(second))
	}
}

func TestSync_DeltaScopedGenreRebuild(t *testing.T) {
	old := time.Now().Add(-24 * time.Hour)
	f := &fakeCatalog{}
	f.setSongs([]Song{
		datedSong("r1", "R One", old, "Rock"),
		datedSong("r2", "R Two", old, "Rock"),
		datedSong("j1", "J One", old, "Jazz"),
	})

	lib := newTestLibrary(t, f, Options{PageSize: 10})
	ctx := context.Background()

	if err := lib.Sync(ctx, ScopeFull, nil); err != nil {
		t.Fatalf("full sync failed: %v", err)
	}
	rockBefore, _ := lib.GenreSongs(ctx, "rock")

	fresh := time.Now().Add(time.Second)
	var added []Song
	for i := 0; i < 5; i++ {
		added = append(added, datedSong("n"+strconv.Itoa(i), "New "+strconv.Itoa(i), fresh, "Ambient"))
	}
	f.addSongs(added...)

	if err := lib.Sync(ctx, ScopeIncremental, nil); err != nil {
		t.Fatalf("incremental sync failed: %v", err)
	}

	genres, err := lib.GetGenres(ctx, false)
	if err != nil {
		t.Fatalf("GetGenres failed: %v", err)
	}
	ids := map[string]bool{}
	for _, g := range genres {
		ids[g.ID] = true
	}
	if len(genres) != 3 || !ids["ambient"] {
		t.Errorf("genres = %+v, want rock, jazz, ambient", genres)
	}

	ambient, _ := lib.GenreSongs(ctx, "ambient")
	if len(ambient) != 5 {
		t.Errorf("ambient bucket = %d songs, want exactly the 5 new ones", len(ambient))
	}
	rockAfter, _ := lib.GenreSongs(ctx, "rock")
	if !slices.Equal(songIDs(rockBefore), songIDs(rockAfter)) {
		t.Errorf("rock bucket changed: %v -> %v", songIDs(rockBefore), songIDs(rockAfter))
	}
}

func TestSync_FullRebuildsIndexesFromScratch(t *testing.T) {
	old := time.Now().Add(-24 * time.Hour)
	f := &fakeCatalog{}
	var catalog []Song
	genresByMod := []string{"Rock", "Jazz", "Blues"}
	for i := 0; i < 10; i++ {
		s := datedSong("s"+strconv.Itoa(i), "Song "+strconv.Itoa(i), old, genresByMod[i%3])
		s.ProductionYear = 1970 + i%4
		catalog = append(catalog, s)
	}
	f.setSongs(catalog)

	lib := newTestLibrary(t, f, Options{PageSize: 3})
	ctx := context.Background()

	var lastPct int
	if err := lib.Sync(ctx, ScopeFull, func(pct int) { lastPct = pct }); err != nil {
		t.Fatalf("full sync failed: %v", err)
	}
	if lastPct != 100 {
		t.Errorf("final progress = %d, want 100", lastPct)
	}

	songs, _ := lib.SongsCached(ctx)
	if len(songs) != 10 {
		t.Fatalf("songs = %d, want 10", len(songs))
	}

	genres, _ := lib.GetGenres(ctx, false)
	if len(genres) != 3 {
		t.Fatalf("genres = %+v, want 3", genres)
	}
	// Each bucket equals the filter-by-tag subset of the catalog.
	for _, g := range genres {
		bucket, _ := lib.GenreSongs(ctx, g.ID)
		var want int
		for _, s := range catalog {
			for _, tag := range s.Genres {
				if GenreID(tag) == g.ID {
					want++
				}
			}
		}
		if len(bucket) != want {
			t.Errorf("bucket %s = %d songs, want %d", g.ID, len(bucket), want)
		}
	}

	years, _ := lib.GetYears(ctx, false)
	if !slices.IsSorted(years) {
		t.Errorf("years not sorted: %v", years)
	}
	if len(years) != 4 {
		t.Errorf("years = %v, want 4 distinct", years)
	}
}

func TestSync_FullFailureDiscardsPartialAndKeepsSongs(t *testing.T) {
	old := time.Now().Add(-24 * time.Hour)
	f := &fakeCatalog{}
	f.setSongs([]Song{
		datedSong("a", "Alpha", old, "Rock"),
		datedSong("b", "Beta", old, "Jazz"),
	})

	lib := newTestLibrary(t, f, Options{PageSize: 10})
	ctx := context.Background()

	if err := lib.Sync(ctx, ScopeFull, nil); err != nil {
		t.Fatalf("full sync failed: %v", err)
	}
	before, _ := lib.LastSyncCompleted(ctx)

	f.addSongs(datedSong("c", "Gamma", time.Now(), "Blues"))
	f.failing.Store(true)

	if err := lib.Sync(ctx, ScopeFull, nil); err == nil {
		t.Fatal("sync must surface the fetch failure")
	}

	songs, _ := lib.SongsCached(ctx)
	if !slices.Equal(songIDs(songs), []string{"a", "b"}) {
		t.Errorf("songs after failed full sync = %v, want previous snapshot", songIDs(songs))
	}
	after, _ := lib.LastSyncCompleted(ctx)
	if !after.Equal(before) {
		t.Error("lastSyncCompleted must be untouched by a failed sync")
	}
}

func TestGetGenres_CooldownGating(t *testing.T) {
	old := time.Now().Add(-24 * time.Hour)
	f := &fakeCatalog{}
	f.setSongs([]Song{datedSong("a", "Alpha", old, "Rock")})

	lib := newTestLibrary(t, f, Options{PageSize: 10})
	ctx := context.Background()

	if err := lib.Sync(ctx, ScopeFull, nil); err != nil {
		t.Fatalf("full sync failed: %v", err)
	}

	f.itemRequests.Store(0)
	if _, err := lib.GetGenres(ctx, false); err != nil {
		t.Fatalf("GetGenres failed: %v", err)
	}
	if n := f.itemRequests.Load(); n != 0 {
		t.Errorf("requests within cooldown = %d, want 0", n)
	}

	// Re-open the same snapshot two hours later: the cooldown has expired
	// but the server has nothing newer, so exactly one probe fires and no
	// rebuild happens.
	later := lib.now().Add(2 * time.Hour)
	lateLib := New(lib.client, lib.store, Options{
		PageSize:      10,
		GenreCooldown: time.Hour,
		YearCooldown:  time.Hour,
		Logger:        lib.log,
		Now:           func() time.Time { return later },
	})
	if _, err := lateLib.GetGenres(ctx, false); err != nil {
		t.Fatalf("GetGenres failed: %v", err)
	}
	if n := f.itemRequests.Load(); n != 1 {
		t.Errorf("requests after cooldown = %d, want exactly 1 probe", n)
	}

	// lastChecked advanced, so the next call is within a fresh window.
	if _, err := lateLib.GetGenres(ctx, false); err != nil {
		t.Fatalf("GetGenres failed: %v", err)
	}
	if n := f.itemRequests.Load(); n != 1 {
		t.Errorf("requests after advanced check = %d, want still 1", n)
	}
}

func TestGetGenres_DuringSyncServesCacheAndKeepsSyncWrites(t *testing.T) {
	old := time.Now().Add(-24 * time.Hour)
	f := &fakeCatalog{}
	f.setSongs([]Song{datedSong("a", "Alpha", old, "Rock")})

	lib := newTestLibrary(t, f, Options{PageSize: 10})
	ctx := context.Background()

	if err := lib.Sync(ctx, ScopeFull, nil); err != nil {
		t.Fatalf("full sync failed: %v", err)
	}

	f.addSongs(datedSong("b", "Beta", time.Now().Add(time.Second), "Jazz"))
	block := make(chan struct{})
	f.setBlock(block)
	base := f.itemRequests.Load()

	done := make(chan error, 1)
	go func() { done <- lib.Sync(ctx, ScopeIncremental, nil) }()

	// Wait for the sync's page fetch to be in flight.
	deadline := time.After(2 * time.Second)
	for f.itemRequests.Load() == base {
		select {
		case <-deadline:
			t.Fatal("sync never issued a request")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	// A forced refresh mid-sync must neither block on the sync nor write to
	// the snapshot; it serves the cached index and leaves the merge to the
	// sync.
	got := make(chan []Genre, 1)
	gerr := make(chan error, 1)
	go func() {
		genres, err := lib.GetGenres(ctx, true)
		if err != nil {
			gerr <- err
			return
		}
		got <- genres
	}()
	select {
	case genres := <-got:
		if len(genres) != 1 || genres[0].ID != "rock" {
			t.Errorf("genres during sync = %+v, want cached [rock]", genres)
		}
	case err := <-gerr:
		t.Fatalf("GetGenres during sync failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("GetGenres blocked behind the running sync")
	}
	if n := f.itemRequests.Load(); n != base+1 {
		t.Errorf("requests during sync = %d, want %d (no rebuild fetch)", n, base+1)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	// The sync's merge survived the concurrent read.
	songs, err := lib.SongsCached(ctx)
	if err != nil {
		t.Fatalf("SongsCached failed: %v", err)
	}
	if !slices.Equal(songIDs(songs), []string{"a", "b"}) {
		t.Errorf("songs after sync = %v, want [a b]", songIDs(songs))
	}
}

func TestSync_CompletionHookFiresOnSuccessOnly(t *testing.T) {
	old := time.Now().Add(-24 * time.Hour)
	f := &fakeCatalog{}
	f.setSongs([]Song{datedSong("a", "Alpha", old, "Rock")})

	lib := newTestLibrary(t, f, Options{})
	var completions atomic.Int32
	lib.OnSyncComplete(func() { completions.Add(1) })
	ctx := context.Background()

	if err := lib.Sync(ctx, ScopeIncremental, nil); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if n := completions.Load(); n != 1 {
		t.Errorf("completions = %d, want 1", n)
	}

	f.failing.Store(true)
	if err := lib.Sync(ctx, ScopeFull, nil); err == nil {
		t.Fatal("sync must surface the fetch failure")
	}
	if n := completions.Load(); n != 1 {
		t.Errorf("completions after failed sync = %d, want still 1", n)
	}
}

func TestSync_SecondSyncWhileRunningIsNoOp(t *testing.T) {
	f := &fakeCatalog{block: make(chan struct{})}
	f.setSongs([]Song{datedSong("a", "Alpha", time.Now().Add(-time.Hour), "Rock")})

	lib := newTestLibrary(t, f, Options{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- lib.Sync(ctx, ScopeIncremental, nil) }()

	// Wait for the first sync to reach the network.
	deadline := time.After(2 * time.Second)
	for f.itemRequests.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("first sync never issued a request")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if !lib.Syncing() {
		t.Error("Syncing must report true while a sync runs")
	}
	if err := lib.Sync(ctx, ScopeIncremental, nil); err != nil {
		t.Errorf("coalesced sync returned %v, want nil no-op", err)
	}

	close(f.block)
	if err := <-done; err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if n := f.itemRequests.Load(); n != 1 {
		t.Errorf("requests = %d, want 1 (second sync coalesced)", n)
	}
}
