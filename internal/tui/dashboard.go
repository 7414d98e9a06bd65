package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/warptunnel/warp/internal/server"
)

// refreshInterval is how often the dashboard re-snapshots the server.
const refreshInterval = time.Second

type tickMsg time.Time

// Dashboard is a bubbletea model rendering the server's live routing state:
// one row per client connection with its claimed hosts and in-flight work.
type Dashboard struct {
	srv     *server.Server
	addr    string
	table   table.Model
	started time.Time
	width   int
}

// NewDashboard builds the dashboard for srv listening on addr.
func NewDashboard(srv *server.Server, addr string) Dashboard {
	columns := []table.Column{
		{Title: "Connection", Width: 14},
		{Title: "Remote", Width: 21},
		{Title: "Codec", Width: 6},
		{Title: "Hosts", Width: 28},
		{Title: "In-flight", Width: 9},
		{Title: "Sockets", Width: 7},
		{Title: "Age", Width: 8},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	return Dashboard{srv: srv, addr: addr, table: t, started: time.Now()}
}

// Init schedules the first refresh tick.
func (d Dashboard) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update handles refresh ticks, resizes and quit keys.
func (d Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		d.table.SetRows(d.rows())
		return d, tick()
	case tea.WindowSizeMsg:
		d.width = msg.Width
		return d, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return d, tea.Quit
		}
	}
	var cmd tea.Cmd
	d.table, cmd = d.table.Update(msg)
	return d, cmd
}

func (d Dashboard) rows() []table.Row {
	snap := d.srv.Snapshot()
	rows := make([]table.Row, 0, len(snap.Connections))
	for _, conn := range snap.Connections {
		rows = append(rows, table.Row{
			shortID(conn.ID),
			conn.RemoteAddr,
			conn.Codec,
			strings.Join(conn.Hosts, ", "),
			fmt.Sprintf("%d", conn.InFlight),
			fmt.Sprintf("%d", conn.Sockets),
			time.Since(conn.ConnectedAt).Truncate(time.Second).String(),
		})
	}
	return rows
}

// View renders the dashboard.
func (d Dashboard) View() string {
	snap := d.srv.Snapshot()
	var b strings.Builder
	b.WriteString(titleStyle.Render("warp"))
	b.WriteString("  ")
	b.WriteString(statusStyle.Render("serving"))
	b.WriteString(valueStyle.Render(fmt.Sprintf(" %s  hosts=%d  connections=%d  up %s",
		d.addr, len(snap.Hosts), len(snap.Connections),
		time.Since(d.started).Truncate(time.Second))))
	b.WriteString("\n\n")
	b.WriteString(tableStyle.Render(d.table.View()))
	b.WriteString(helpStyle.Render("\nq: quit"))
	return b.String()
}

// Run blocks until the user quits the dashboard.
func Run(srv *server.Server, addr string) error {
	program := tea.NewProgram(NewDashboard(srv, addr), tea.WithAltScreen())
	_, err := program.Run()
	return err
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
