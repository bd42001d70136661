package tui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"ndefender/internal/hub"
)

const (
	maxLogLines    = 500
	maxTablePct    = 0.4
	colorOK        = "10"
	colorWarn      = "11"
	colorBad       = "9"
	colorMuted     = "8"
	timeLayout     = "15:04:05"
	promptFallback = "controller FPV_SCAN_START"
)

type envelopeMsg struct{ hub.Envelope }

type disconnectedMsg struct{ err error }

type sentMsg struct {
	cmd   Command
	reqID string
	err   error
}

// row is one contact as shown in the table.
type row struct {
	id     string
	typ    string
	source string
	detail string
	seen   int64
}

// Model is the bubbletea model of the viewer.
type Model struct {
	url  string
	send func(Command) (string, error)

	table     table.Model
	vp        viewport.Model
	prompt    textinput.Model
	prompting bool

	contacts   map[string]row
	logs       []string
	wrap       bool
	autoscroll bool
	width      int
	height     int

	connected  bool
	linkErr    string
	esp32      string
	scanState  string
	replay     bool
	lastStatus string
}

// NewModel returns a viewer for url. send is called for every command
// entered at the prompt.
func NewModel(url string, send func(Command) (string, error)) Model {
	cols := []table.Column{
		{Title: "Contact", Width: 24},
		{Title: "Type", Width: 10},
		{Title: "Source", Width: 10},
		{Title: "Detail", Width: 40},
		{Title: "Seen", Width: 8},
	}
	t := table.New(table.WithColumns(cols), table.WithHeight(2))
	in := textinput.New()
	in.Prompt = "> "
	in.Placeholder = promptFallback
	return Model{
		url:        url,
		send:       send,
		table:      t,
		vp:         viewport.New(0, 0),
		prompt:     in,
		contacts:   make(map[string]row),
		autoscroll: true,
		connected:  true,
	}
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.table.SetWidth(msg.Width)
		m.vp.Width = msg.Width
		m.layout()
		m.refreshLog()
	case tea.KeyMsg:
		if m.prompting {
			return m.updatePrompt(msg)
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case ":":
			m.prompting = true
			m.prompt.SetValue("")
			return m, m.prompt.Focus()
		case "w":
			m.wrap = !m.wrap
			m.refreshLog()
		case "a":
			m.autoscroll = !m.autoscroll
			if m.autoscroll {
				m.vp.GotoBottom()
			}
		default:
			var cmd tea.Cmd
			m.vp, cmd = m.vp.Update(msg)
			return m, cmd
		}
	case envelopeMsg:
		m.apply(msg.Envelope)
	case disconnectedMsg:
		m.connected = false
		if msg.err != nil {
			m.linkErr = msg.err.Error()
		}
		m.appendLog(m.stamp(time.Now()) + " subscriber connection closed")
	case sentMsg:
		if msg.err != nil {
			m.lastStatus = "send failed: " + msg.err.Error()
		} else {
			m.lastStatus = fmt.Sprintf("sent %s to %s (%s)", msg.cmd.Name, msg.cmd.Target, msg.reqID)
		}
	}
	return m, nil
}

func (m Model) updatePrompt(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.prompting = false
		m.prompt.Blur()
		return m, nil
	case tea.KeyEnter:
		m.prompting = false
		m.prompt.Blur()
		cmd, err := ParseCommand(m.prompt.Value())
		if err != nil {
			m.lastStatus = err.Error()
			return m, nil
		}
		send := m.send
		return m, func() tea.Msg {
			if send == nil {
				return sentMsg{cmd: cmd, err: errors.New("read-only session")}
			}
			reqID, err := send(cmd)
			return sentMsg{cmd: cmd, reqID: reqID, err: err}
		}
	}
	var cmd tea.Cmd
	m.prompt, cmd = m.prompt.Update(msg)
	return m, cmd
}

// apply folds one envelope into the view.
func (m *Model) apply(env hub.Envelope) {
	switch env.Type {
	case hub.TypeContactNew, hub.TypeContactUpdate:
		if r, ok := contactRow(env); ok {
			m.contacts[r.id] = r
			m.refreshTable()
		}
	case hub.TypeContactLost:
		if r, ok := contactRow(env); ok {
			delete(m.contacts, r.id)
			m.refreshTable()
		}
	case hub.TypeTelemetryUpdate:
		d := asMap(env.Data)
		m.esp32 = str(asMap(d["esp32"])["status"])
		m.scanState = str(asMap(d["fpv"])["scan_state"])
		// Telemetry is frequent; keep it out of the log.
		return
	case hub.TypeReplayState:
		m.replay, _ = asMap(env.Data)["active"].(bool)
	case hub.TypeCommandAck:
		d := asMap(env.Data)
		if ok, _ := d["ok"].(bool); ok {
			m.lastStatus = fmt.Sprintf("ack %s ok", str(d["req_id"]))
		} else {
			m.lastStatus = fmt.Sprintf("ack %s failed: %s", str(d["req_id"]), str(d["err"]))
		}
	}
	m.appendLog(Describe(env))
}

func (m *Model) appendLog(line string) {
	m.logs = append(m.logs, line)
	if over := len(m.logs) - maxLogLines; over > 0 {
		m.logs = m.logs[over:]
	}
	m.refreshLog()
}

func (m *Model) refreshTable() {
	rows := make([]row, 0, len(m.contacts))
	for _, r := range m.contacts {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].seen != rows[j].seen {
			return rows[i].seen > rows[j].seen
		}
		return rows[i].id < rows[j].id
	})
	out := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, table.Row{r.id, r.typ, r.source, r.detail, m.stamp(time.UnixMilli(r.seen))})
	}
	m.table.SetRows(out)
	m.layout()
}

func (m *Model) refreshLog() {
	lines := m.logs
	if m.wrap && m.vp.Width > 0 {
		lines = make([]string, 0, len(m.logs))
		for _, l := range m.logs {
			lines = append(lines, wordwrap.String(l, m.vp.Width))
		}
	}
	m.vp.SetContent(strings.Join(lines, "\n"))
	if m.autoscroll {
		m.vp.GotoBottom()
	}
}

func (m *Model) layout() {
	if m.height == 0 {
		return
	}
	maxRows := int(float64(m.height) * maxTablePct)
	rows := len(m.contacts) + 1
	if rows < 2 {
		rows = 2
	}
	if rows > maxRows {
		rows = maxRows
	}
	m.table.SetHeight(rows)
	used := lipgloss.Height(m.renderChips()) + lipgloss.Height(m.table.View()) + lipgloss.Height(m.renderBottom()) + 3
	h := m.height - used
	if h < 0 {
		h = 0
	}
	m.vp.Height = h
	if m.autoscroll {
		m.vp.GotoBottom()
	}
}

func (m Model) stamp(t time.Time) string { return t.Format(timeLayout) }

func (m Model) View() string {
	divider := lipgloss.NewStyle().Foreground(lipgloss.Color(colorMuted)).Render(strings.Repeat("─", m.width))
	return strings.Join([]string{
		m.renderChips(),
		m.table.View(),
		divider,
		m.vp.View(),
		divider,
		m.renderBottom(),
	}, "\n")
}

func chip(label, value, color string) string {
	dot := lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Render("●")
	return dot + " " + label + " " + value
}

func (m Model) renderChips() string {
	link := chip("link", m.url, colorOK)
	if !m.connected {
		link = chip("link", "down", colorBad)
	}
	esp := m.esp32
	if esp == "" {
		esp = "unknown"
	}
	espColor := colorBad
	if esp == "CONNECTED" {
		espColor = colorOK
	}
	scan := m.scanState
	if scan == "" {
		scan = "-"
	}
	replayColor := colorMuted
	replay := "off"
	if m.replay {
		replayColor, replay = colorWarn, "on"
	}
	sep := lipgloss.NewStyle().Foreground(lipgloss.Color(colorMuted)).Render(" │ ")
	return strings.Join([]string{
		link,
		chip("esp32", esp, espColor),
		chip("fpv", scan, colorMuted),
		chip("replay", replay, replayColor),
		fmt.Sprintf("%d contacts", len(m.contacts)),
	}, sep)
}

func (m Model) renderBottom() string {
	if m.prompting {
		return m.prompt.View()
	}
	help := lipgloss.NewStyle().Foreground(lipgloss.Color(colorMuted)).
		Render(": command  w wrap  a autoscroll  q quit")
	status := m.lastStatus
	if !m.connected && m.linkErr != "" {
		status = m.linkErr
	}
	if status == "" {
		return help
	}
	return status + "\n" + help
}

// Describe renders env as one log line.
func Describe(env hub.Envelope) string {
	ts := time.UnixMilli(env.Timestamp).Format(timeLayout)
	switch env.Type {
	case hub.TypeContactNew, hub.TypeContactUpdate, hub.TypeContactLost:
		if r, ok := contactRow(env); ok {
			line := fmt.Sprintf("%s %-14s %-9s %s", ts, env.Type, env.Source, r.id)
			if r.detail != "" && env.Type != hub.TypeContactLost {
				line += " " + r.detail
			}
			return line
		}
	}
	data, _ := json.Marshal(env.Data)
	return fmt.Sprintf("%s %-14s %-9s %s", ts, env.Type, env.Source, data)
}

// contactRow extracts the contact carried by a CONTACT_* envelope. The
// data is either the contact itself, {contact: ...} or {id: ...}.
func contactRow(env hub.Envelope) (row, bool) {
	d := asMap(env.Data)
	if inner := asMap(d["contact"]); inner != nil {
		d = inner
	}
	id := str(d["id"])
	if id == "" {
		return row{}, false
	}
	r := row{id: id, typ: str(d["type"]), source: env.Source, seen: env.Timestamp}
	if rf := asMap(d["unknown_rf"]); rf != nil {
		var parts []string
		if hz, ok := rf["center_hz"].(float64); ok {
			parts = append(parts, fmt.Sprintf("%.3f GHz", hz/1e9))
		}
		if snr, ok := rf["snr_db"].(float64); ok {
			parts = append(parts, fmt.Sprintf("snr=%.1f dB", snr))
		}
		if hint := str(rf["family_hint"]); hint != "" {
			parts = append(parts, hint)
		}
		r.detail = strings.Join(parts, " ")
		return r, true
	}
	var parts []string
	if b := str(d["basic_id"]); b != "" {
		parts = append(parts, "basic="+b)
	}
	lat, okLat := d["lat"].(float64)
	lon, okLon := d["lon"].(float64)
	if okLat && okLon {
		parts = append(parts, fmt.Sprintf("%.5f,%.5f", lat, lon))
	}
	if alt, ok := d["alt_m"].(float64); ok {
		parts = append(parts, fmt.Sprintf("%.0fm", alt))
	}
	r.detail = strings.Join(parts, " ")
	return r, true
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// Run shows the viewer for client until the user quits, ctx is done or
// the session ends.
func Run(ctx context.Context, client *Client, url string) error {
	p := tea.NewProgram(NewModel(url, client.Send), tea.WithAltScreen(), tea.WithContext(ctx))
	go func() {
		err := client.Run(ctx, func(env hub.Envelope) { p.Send(envelopeMsg{env}) })
		p.Send(disconnectedMsg{err: err})
	}()
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Stream prints every envelope as one line on w, as JSON when asJSON is
// set. It is used when stdout is not a terminal.
func Stream(ctx context.Context, client *Client, w io.Writer, asJSON bool) error {
	enc := json.NewEncoder(w)
	return client.Run(ctx, func(env hub.Envelope) {
		if asJSON {
			_ = enc.Encode(env)
			return
		}
		fmt.Fprintln(w, Describe(env))
	})
}
