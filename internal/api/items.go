package api

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// ItemsParams describes one page request against the /Items endpoint.
type ItemsParams struct {
	StartIndex       int
	Limit            int
	IncludeItemTypes string
	SortBy           string
	SortOrder        string
	// MinDateLastSaved filters to items modified at or after the instant.
	MinDateLastSaved time.Time
	Recursive        bool
	Fields           string
	// CacheBust appends a unique query parameter so intermediaries cannot
	// serve a stale response.
	CacheBust bool
}

// ItemsPage is one page of a paginated listing. TotalRecordCount is a hint;
// servers may report it stale or omit it, so exhaustion is detected by short
// pages, never by the count.
type ItemsPage[T any] struct {
	Items            []T `json:"Items"`
	TotalRecordCount int `json:"TotalRecordCount"`
}

// Items fetches one page of the user's library.
func Items[T any](ctx context.Context, c *Client, p ItemsParams) (ItemsPage[T], error) {
	q := url.Values{}
	q.Set("StartIndex", strconv.Itoa(p.StartIndex))
	if p.Limit > 0 {
		q.Set("Limit", strconv.Itoa(p.Limit))
	}
	if p.IncludeItemTypes != "" {
		q.Set("IncludeItemTypes", p.IncludeItemTypes)
	}
	if p.SortBy != "" {
		q.Set("SortBy", p.SortBy)
	}
	if p.SortOrder != "" {
		q.Set("SortOrder", p.SortOrder)
	}
	if !p.MinDateLastSaved.IsZero() {
		q.Set("MinDateLastSaved", p.MinDateLastSaved.UTC().Format(time.RFC3339Nano))
	}
	if p.Recursive {
		q.Set("Recursive", "true")
	}
	if p.Fields != "" {
		q.Set("Fields", p.Fields)
	}
	if p.CacheBust {
		q.Set("_", fmt.Sprintf("%d", time.Now().UnixNano()))
	}
	var page ItemsPage[T]
	if err := c.Get(ctx, "/Items?"+q.Encode(), &page); err != nil {
		return ItemsPage[T]{}, err
	}
	return page, nil
}
