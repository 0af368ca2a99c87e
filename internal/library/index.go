package library

import (
	"slices"
	"sort"
)

// BuildGenreIndex derives the genres that actually occur on songs. The first
// original-cased spelling seen for a case-insensitive key becomes the
// canonical display name; later duplicates with different casing are folded
// into it. Output order is first-occurrence order.
//
// Album-level genre unions are deliberately ignored: a compilation album can
// carry genres no individual track does.
func BuildGenreIndex(songs []Song) []Genre {
	seen := make(map[string]bool)
	var out []Genre
	for _, s := range songs {
		for _, tag := range s.Genres {
			id := GenreID(tag)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, Genre{ID: id, Name: tag})
		}
	}
	return out
}

// BuildYearIndex collects the distinct positive production years across
// songs, sorted ascending. Missing or non-positive years are excluded, never
// coerced to a zero bucket.
func BuildYearIndex(songs []Song) []int {
	set := make(map[int]bool)
	for _, s := range songs {
		if s.ProductionYear > 0 {
			set[s.ProductionYear] = true
		}
	}
	years := make([]int, 0, len(set))
	for y := range set {
		years = append(years, y)
	}
	sort.Ints(years)
	return years
}

// DistributeSongsToGenres buckets every song into every genre it matches in
// a single pass. A song with two genre tags lands in two buckets. This keeps
// per-genre listings answerable from the cache instead of re-querying the
// server per genre.
func DistributeSongsToGenres(songs []Song, genres []Genre) map[string][]Song {
	known := make(map[string]bool, len(genres))
	for _, g := range genres {
		known[g.ID] = true
	}
	buckets := make(map[string][]Song, len(genres))
	for _, s := range songs {
		var placed []string
		for _, tag := range s.Genres {
			id := GenreID(tag)
			if !known[id] || slices.Contains(placed, id) {
				continue
			}
			placed = append(placed, id)
			buckets[id] = append(buckets[id], s)
		}
	}
	return buckets
}
