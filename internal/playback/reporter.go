// Package playback reports playback state to the server's session endpoints.
// It is a consumer of the transport layer's session-invalidation signal: a
// rejected token disables reporting until the session is re-established.
package playback

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sonata/sonata/internal/api"
)

// Reporter posts now-playing, progress, and stopped events. Errors are
// logged but never returned to the playback path; losing a report must not
// interrupt audio.
type Reporter struct {
	client *api.Client
	log    *slog.Logger

	mu       sync.Mutex
	disabled bool
}

func NewReporter(client *api.Client, log *slog.Logger) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{client: client, log: log}
}

// InvalidateSession stops reporting. Wired to the transport layer's
// unauthorized callback: once the server rejects the token, every further
// report would just repeat the 401.
func (r *Reporter) InvalidateSession() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.disabled {
		r.disabled = true
		r.log.Info("playback reporting disabled, session invalidated")
	}
}

// Resume re-enables reporting after a successful re-authentication.
func (r *Reporter) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled = false
}

func (r *Reporter) active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.disabled
}

type playingBody struct {
	ItemID        string `json:"ItemId"`
	PositionTicks int64  `json:"PositionTicks"`
	IsPaused      bool   `json:"IsPaused,omitempty"`
}

// Started reports the beginning of playback for a song.
func (r *Reporter) Started(ctx context.Context, songID string) {
	r.post(ctx, "/Sessions/Playing", playingBody{ItemID: songID})
}

// Progress reports the current position.
func (r *Reporter) Progress(ctx context.Context, songID string, positionTicks int64, paused bool) {
	r.post(ctx, "/Sessions/Playing/Progress", playingBody{
		ItemID:        songID,
		PositionTicks: positionTicks,
		IsPaused:      paused,
	})
}

// Stopped reports that playback ended.
func (r *Reporter) Stopped(ctx context.Context, songID string, positionTicks int64) {
	r.post(ctx, "/Sessions/Playing/Stopped", playingBody{
		ItemID:        songID,
		PositionTicks: positionTicks,
	})
}

func (r *Reporter) post(ctx context.Context, path string, body playingBody) {
	if !r.active() {
		return
	}
	if err := r.client.Post(ctx, path, body); err != nil {
		r.log.Warn("playback report failed",
			slog.String("path", path),
			slog.String("item", body.ItemID),
			slog.Any("err", err))
	}
}
