// Package library keeps a large, slowly-changing remote music catalog
// available locally: paginated fetching, incremental and full sync, derived
// genre/year indexes, and cooldown-gated freshness checks.
package library

import (
	"strings"
	"time"
)

// Song is the lightweight catalog record. Field names follow the server's
// JSON. A zero field means unknown; nothing is inferred.
type Song struct {
	ID             string    `json:"Id"`
	Name           string    `json:"Name"`
	AlbumID        string    `json:"AlbumId"`
	Album          string    `json:"Album"`
	ArtistIDs      []string  `json:"ArtistIds,omitempty"`
	Artists        []string  `json:"Artists,omitempty"`
	IndexNumber    int       `json:"IndexNumber,omitempty"`
	ProductionYear int       `json:"ProductionYear,omitempty"`
	PremiereDate   time.Time `json:"PremiereDate,omitzero"`
	RunTimeTicks   int64     `json:"RunTimeTicks,omitempty"`
	Genres         []string  `json:"Genres,omitempty"`
	DateLastSaved  time.Time `json:"DateLastSaved,omitzero"`
}

// Genre pairs the canonical display name with its derived ID. A genre exists
// iff at least one cached song carries the tag case-insensitively.
type Genre struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// GenreID derives the identifier for a genre name: lowercased with
// whitespace runs collapsed, so "Hard  Rock" and "hard rock" collide.
func GenreID(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
