// Package ui renders a live terminal progress view for a single download:
// a piece-completion grid, the peer swarm table, and a completion progress
// bar, with download/upload rates in the subtitle, refreshed on a tick from
// download.Manager.Stats.
package ui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kvnl/torrentcore/internal/download"
)

// Styles groups the lipgloss styles the view uses.
type Styles struct {
	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Table    lipgloss.Style
	Help     lipgloss.Style
}

func defaultStyles() Styles {
	return Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4")).
			MarginBottom(1),
		Subtitle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")),
		Table: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7D56F4")),
		Help: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1),
	}
}

// Model is the bubbletea model driving the progress view. It polls the
// manager's stats snapshot on every tick rather than subscribing to
// events, since a stat dashboard only ever needs the latest values.
type Model struct {
	name string
	mgr  *download.Manager

	stats download.Stats
	grid  string

	progressBar progress.Model
	peerTable   table.Model

	width, height int
	styles        Styles

	quitting bool
}

// New builds a Model bound to mgr. name is shown as the view's title
// (typically the torrent's display name from its manifest).
func New(name string, mgr *download.Manager) Model {
	columns := []table.Column{
		{Title: "Peer", Width: 22},
		{Title: "Down", Width: 10},
		{Title: "Up", Width: 10},
		{Title: "Choke", Width: 7},
		{Title: "Interest", Width: 9},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(false),
		table.WithHeight(8),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#7D56F4")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.Bold(false)
	t.SetStyles(s)

	return Model{
		name:        name,
		mgr:         mgr,
		progressBar: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		peerTable:   t,
		styles:      defaultStyles(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), pollStats(m.mgr))
}

type tickMsg time.Time
type statsMsg download.Stats

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func pollStats(mgr *download.Manager) tea.Cmd {
	return func() tea.Msg { return statsMsg(mgr.Stats()) }
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(tickCmd(), pollStats(m.mgr))

	case statsMsg:
		m.stats = download.Stats(msg)
		m.grid = renderPieceGrid(m.stats.PiecesCompleted, m.stats.PiecesTotal)
		return m, nil
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	title := m.styles.Title.Render(fmt.Sprintf("⇅ %s", m.name))
	subtitle := m.styles.Subtitle.Render(fmt.Sprintf(
		"%d/%d pieces  ·  %d peers (%d unchoked)  ·  ↓ %s/s  ↑ %s/s",
		m.stats.PiecesCompleted, m.stats.PiecesTotal,
		m.stats.TotalPeers, m.stats.UnchokedPeers,
		formatBytes(int64(m.stats.DownloadRate)), formatBytes(int64(m.stats.UploadRate)),
	))

	bar := m.progressBar.ViewAs(m.stats.Progress / 100)
	grid := m.grid

	rows := make([]table.Row, 0, m.stats.TotalPeers)
	rows = append(rows, table.Row{
		fmt.Sprintf("%d connected", m.stats.TotalPeers),
		formatBytes(int64(m.stats.TotalDownloaded)),
		formatBytes(int64(m.stats.TotalUploaded)),
		fmt.Sprintf("%d", m.stats.UnchokedPeers),
		fmt.Sprintf("%d", m.stats.InterestedPeers),
	})
	m.peerTable.SetRows(rows)
	peerTable := m.styles.Table.Render(m.peerTable.View())

	help := m.styles.Help.Render("[q] quit")

	return lipgloss.JoinVertical(
		lipgloss.Left,
		title,
		subtitle,
		"",
		bar,
		"",
		grid,
		"",
		peerTable,
		help,
	)
}

// renderPieceGrid draws one character per piece, wrapped at 64 columns: the
// first completed cells are '#' and the rest '.'. It works from the count
// alone, so it does not show which piece indices are complete.
func renderPieceGrid(completed, total uint32) string {
	if total == 0 {
		return ""
	}

	var b []byte
	const cols = 64
	for i := uint32(0); i < total; i++ {
		if i > 0 && i%cols == 0 {
			b = append(b, '\n')
		}
		if i < completed {
			b = append(b, '#')
		} else {
			b = append(b, '.')
		}
	}
	return string(b)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Run starts the bubbletea program and blocks until the user quits.
func Run(name string, mgr *download.Manager) error {
	p := tea.NewProgram(New(name, mgr), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
