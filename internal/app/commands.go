package app

import (
	"context"
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sonata/sonata/internal/library"
)

type genresLoadedMsg struct {
	genres []library.Genre
	err    error
}

type yearsLoadedMsg struct {
	years []int
	err   error
}

type songsLoadedMsg struct {
	title string
	songs []library.Song
	err   error
}

type progressEvent struct {
	percent int
	done    bool
	err     error
}

type syncStartedMsg struct {
	scope library.Scope
	ch    chan progressEvent
}

type syncProgressMsg struct{ percent int }

type syncDoneMsg struct{ err error }

func (m Model) loadGenresCmd(force bool) tea.Cmd {
	return func() tea.Msg {
		genres, err := m.lib.GetGenres(context.Background(), force)
		return genresLoadedMsg{genres: genres, err: err}
	}
}

func (m Model) loadYearsCmd(force bool) tea.Cmd {
	return func() tea.Msg {
		years, err := m.lib.GetYears(context.Background(), force)
		return yearsLoadedMsg{years: years, err: err}
	}
}

func (m Model) loadGenreSongsCmd(g library.Genre) tea.Cmd {
	return func() tea.Msg {
		songs, err := m.lib.GenreSongs(context.Background(), g.ID)
		return songsLoadedMsg{title: g.Name, songs: songs, err: err}
	}
}

// startSyncCmd kicks off a sync in the background and hands the model a
// channel to stream progress from. A sync already in progress is a no-op
// inside the library; the channel just closes immediately.
func (m Model) startSyncCmd(scope library.Scope) tea.Cmd {
	lib, log := m.lib, m.log
	return func() tea.Msg {
		ch := make(chan progressEvent, 16)
		go func() {
			defer close(ch)
			err := lib.Sync(context.Background(), scope, func(percent int) {
				select {
				case ch <- progressEvent{percent: percent}:
				default:
					// The UI is behind; dropping an intermediate
					// percentage is harmless.
				}
			})
			if err != nil {
				log.Warn("background sync failed", slog.Any("err", err))
			}
			deliverDone(ch, err)
		}()
		return syncStartedMsg{scope: scope, ch: ch}
	}
}

// deliverDone puts the terminal event on the channel without ever blocking:
// when the buffer is full because nothing is draining (the program quit
// mid-sync), a stale progress entry is swapped out instead.
func deliverDone(ch chan progressEvent, err error) {
	for {
		select {
		case ch <- progressEvent{done: true, err: err}:
			return
		case <-ch:
		}
	}
}

func waitProgressCmd(ch chan progressEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok || ev.done {
			return syncDoneMsg{err: ev.err}
		}
		return syncProgressMsg{percent: ev.percent}
	}
}
