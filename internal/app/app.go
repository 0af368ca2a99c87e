// Package app is the terminal shell: a read-only consumer of the library
// snapshot that can trigger syncs and render their progress.
package app

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sonata/sonata/internal/library"
	"github.com/sonata/sonata/internal/ui"
)

// View selects which list the shell is showing.
type View int

const (
	ViewGenres View = iota
	ViewYears
	ViewSongs
)

// Model is the bubbletea model for the shell.
type Model struct {
	lib   *library.Library
	log   *slog.Logger
	theme ui.Theme

	view   View
	cursor int
	width  int
	height int

	genres     []library.Genre
	years      []int
	songs      []library.Song
	songsTitle string

	status      string
	syncPercent int // -1 when no sync is running
	progressCh  chan progressEvent
	err         error
}

func New(lib *library.Library, theme ui.Theme, log *slog.Logger) Model {
	if log == nil {
		log = slog.Default()
	}
	return Model{
		lib:         lib,
		log:         log,
		theme:       theme,
		syncPercent: -1,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadGenresCmd(false), m.startSyncCmd(library.ScopeIncremental))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case genresLoadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.genres = msg.genres
		m.err = nil
		m.clampCursor()
		return m, nil

	case yearsLoadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.years = msg.years
		m.err = nil
		m.clampCursor()
		return m, nil

	case songsLoadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.songs = msg.songs
		m.songsTitle = msg.title
		m.view = ViewSongs
		m.cursor = 0
		m.err = nil
		return m, nil

	case syncStartedMsg:
		m.syncPercent = 0
		m.progressCh = msg.ch
		m.status = fmt.Sprintf("syncing (%s)...", msg.scope)
		return m, waitProgressCmd(msg.ch)

	case syncProgressMsg:
		m.syncPercent = msg.percent
		return m, waitProgressCmd(m.progressCh)

	case syncDoneMsg:
		m.syncPercent = -1
		m.progressCh = nil
		if msg.err != nil {
			m.err = msg.err
			m.status = "sync failed"
			return m, nil
		}
		m.status = "library up to date"
		// Reads are cheap now; refresh whatever is on screen.
		return m, tea.Batch(m.loadGenresCmd(false), m.loadYearsCmd(false))
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "tab":
		if m.view == ViewGenres {
			m.view = ViewYears
			m.cursor = 0
			return m, m.loadYearsCmd(false)
		}
		m.view = ViewGenres
		m.cursor = 0
		return m, m.loadGenresCmd(false)
	case "esc":
		if m.view == ViewSongs {
			m.view = ViewGenres
			m.cursor = 0
		}
		return m, nil
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case "down", "j":
		if m.cursor < m.listLen()-1 {
			m.cursor++
		}
		return m, nil
	case "enter":
		if m.view == ViewGenres && m.cursor < len(m.genres) {
			g := m.genres[m.cursor]
			return m, m.loadGenreSongsCmd(g)
		}
		return m, nil
	case "r":
		return m, m.startSyncCmd(library.ScopeIncremental)
	case "R":
		return m, m.startSyncCmd(library.ScopeFull)
	case "g":
		return m, m.loadGenresCmd(true)
	}
	return m, nil
}

func (m *Model) listLen() int {
	switch m.view {
	case ViewYears:
		return len(m.years)
	case ViewSongs:
		return len(m.songs)
	default:
		return len(m.genres)
	}
}

func (m *Model) clampCursor() {
	if n := m.listLen(); m.cursor >= n && n > 0 {
		m.cursor = n - 1
	}
}

func (m Model) View() string {
	var b strings.Builder
	switch m.view {
	case ViewYears:
		b.WriteString(m.theme.Title.Render("Years"))
		b.WriteString("\n")
		for i, y := range m.years {
			b.WriteString(m.renderRow(i, strconv.Itoa(y)))
		}
	case ViewSongs:
		b.WriteString(m.theme.Title.Render("Songs — " + m.songsTitle))
		b.WriteString("\n")
		for i, s := range m.songs {
			line := s.Name
			if s.Album != "" {
				line += m.theme.Dim.Render(" · " + s.Album)
			}
			b.WriteString(m.renderRow(i, line))
		}
	default:
		b.WriteString(m.theme.Title.Render("Genres"))
		b.WriteString("\n")
		for i, g := range m.genres {
			b.WriteString(m.renderRow(i, g.Name))
		}
	}
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	return b.String()
}

func (m Model) renderRow(i int, text string) string {
	if i == m.cursor {
		return m.theme.Highlight.Render("> "+text) + "\n"
	}
	return m.theme.Text.Render("  "+text) + "\n"
}

func (m Model) statusLine() string {
	if m.err != nil {
		return m.theme.Error.Render("error: " + m.err.Error())
	}
	if m.syncPercent >= 0 {
		return m.theme.Accent.Render(fmt.Sprintf("sync %d%%", m.syncPercent))
	}
	if m.status != "" {
		return m.theme.Dim.Render(m.status)
	}
	return m.theme.Dim.Render("tab: genres/years · enter: open · r: sync · R: full sync · q: quit")
}
