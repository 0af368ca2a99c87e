package muspy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// NewHTTPLookup returns a LookupFunc that queries the release-feed service's
// artist search. An empty result set is a definitive not-found; transport
// failures are transient.
func NewHTTPLookup(client *http.Client, baseURL string) LookupFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, artistName string) (string, error) {
		u := baseURL + "/artists?name=" + url.QueryEscape(artistName)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return "", err
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("feed lookup: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return "", ErrNotFound
		}
		if resp.StatusCode >= 400 {
			return "", fmt.Errorf("feed lookup status %d", resp.StatusCode)
		}
		var artists []struct {
			MBID string `json:"mbid"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&artists); err != nil {
			return "", fmt.Errorf("decode feed lookup: %w", err)
		}
		if len(artists) == 0 || artists[0].MBID == "" {
			return "", ErrNotFound
		}
		return artists[0].MBID, nil
	}
}
