package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fallmark-data/fallmark/internal/annotation"
	"github.com/fallmark-data/fallmark/internal/httputil"
)

// pollInterval is how often the model refreshes capture state from the
// daemon.
const pollInterval = time.Second

// stateView is the slice of the /api/state response the TUI displays.
// It mirrors the wire contract rather than importing the server types,
// so the client only depends on the HTTP API.
type stateView struct {
	Session struct {
		State    string `json:"state"`
		SensorID string `json:"sensor_id"`
		Readings uint64 `json:"readings"`
		Last     *struct {
			AX float32 `json:"ax"`
			AY float32 `json:"ay"`
			AZ float32 `json:"az"`
		} `json:"last_reading"`
	} `json:"session"`
	Annotation struct {
		Label     string    `json:"label"`
		UpdatedAt time.Time `json:"updated_at"`
	} `json:"annotation"`
	Units string `json:"units"`
}

// tickMsg schedules the next state poll.
type tickMsg time.Time

// stateMsg delivers one completed state poll. A non-nil err means the
// daemon was unreachable or answered badly; the previous view is kept.
type stateMsg struct {
	state stateView
	err   error
}

// labelResultMsg delivers the outcome of an annotation POST.
type labelResultMsg struct {
	label string
	err   error
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	// One badge style per annotation label.
	labelStyles = map[string]lipgloss.Style{
		annotation.LabelDefault: lipgloss.NewStyle().Bold(true).Padding(0, 2).
			Background(lipgloss.Color("8")).Foreground(lipgloss.Color("0")),
		annotation.LabelStart: lipgloss.NewStyle().Bold(true).Padding(0, 2).
			Background(lipgloss.Color("9")).Foreground(lipgloss.Color("15")),
		annotation.LabelStop: lipgloss.NewStyle().Bold(true).Padding(0, 2).
			Background(lipgloss.Color("10")).Foreground(lipgloss.Color("0")),
	}
)

// Model is the bubbletea model for the annotation remote. It talks to a
// running capture daemon over HTTP and never touches the sensor itself.
type Model struct {
	client  httputil.HTTPClient
	baseURL string

	state     stateView
	connected bool
	lastErr   error

	// pending is the label of an annotation POST still in flight; the
	// view shows it provisionally until the daemon confirms.
	pending string
}

// NewModel creates a Model that polls the capture daemon at baseURL.
func NewModel(client httputil.HTTPClient, baseURL string) Model {
	m := Model{client: client, baseURL: baseURL}
	m.state.Annotation.Label = annotation.LabelDefault
	return m
}

// Init implements tea.Model: fetch once immediately, then start the
// poll ticker.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchState(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchState GETs /api/state and delivers the result as a stateMsg.
func (m Model) fetchState() tea.Cmd {
	client, baseURL := m.client, m.baseURL
	return func() tea.Msg {
		resp, err := client.Get(baseURL + "/api/state")
		if err != nil {
			return stateMsg{err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return stateMsg{err: fmt.Errorf("state request failed: HTTP %d", resp.StatusCode)}
		}
		var view stateView
		if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
			return stateMsg{err: fmt.Errorf("bad state response: %w", err)}
		}
		return stateMsg{state: view}
	}
}

// setLabel POSTs the label to /api/annotation and delivers the outcome
// as a labelResultMsg.
func (m Model) setLabel(label string) tea.Cmd {
	client, baseURL := m.client, m.baseURL
	return func() tea.Msg {
		body, err := json.Marshal(map[string]string{"label": label})
		if err != nil {
			return labelResultMsg{label: label, err: err}
		}
		resp, err := client.Post(baseURL+"/api/annotation", "application/json", bytes.NewReader(body))
		if err != nil {
			return labelResultMsg{label: label, err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return labelResultMsg{label: label, err: fmt.Errorf("annotation request failed: HTTP %d", resp.StatusCode)}
		}
		return labelResultMsg{label: label}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "f":
			m.pending = annotation.LabelStart
			return m, m.setLabel(annotation.LabelStart)
		case "s":
			m.pending = annotation.LabelStop
			return m, m.setLabel(annotation.LabelStop)
		case "d":
			m.pending = annotation.LabelDefault
			return m, m.setLabel(annotation.LabelDefault)
		}

	case tickMsg:
		return m, tea.Batch(m.fetchState(), tick())

	case stateMsg:
		if msg.err != nil {
			m.connected = false
			m.lastErr = msg.err
			return m, nil
		}
		m.connected = true
		m.lastErr = nil
		m.state = msg.state

	case labelResultMsg:
		m.pending = ""
		if msg.err != nil {
			m.lastErr = msg.err
			return m, nil
		}
		// Reflect the confirmed label immediately rather than waiting
		// for the next poll.
		m.state.Annotation.Label = msg.label
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	var b bytes.Buffer

	b.WriteString(titleStyle.Render("FALLMARK ANNOTATE"))
	b.WriteString("\n\n")

	if !m.connected {
		b.WriteString(errStyle.Render("capture daemon unreachable"))
		if m.lastErr != nil {
			b.WriteString(errStyle.Render(": " + m.lastErr.Error()))
		}
		b.WriteString("\n\n")
	} else {
		fmt.Fprintf(&b, "%s %s\n", keyStyle.Render("session "), m.state.Session.State)
		fmt.Fprintf(&b, "%s %s\n", keyStyle.Render("sensor  "), m.state.Session.SensorID)
		fmt.Fprintf(&b, "%s %d\n", keyStyle.Render("readings"), m.state.Session.Readings)
		if last := m.state.Session.Last; last != nil {
			fmt.Fprintf(&b, "%s ax=%+.3f ay=%+.3f az=%+.3f %s\n",
				keyStyle.Render("last    "), last.AX, last.AY, last.AZ, m.state.Units)
		}
		b.WriteString("\n")
	}

	label := m.state.Annotation.Label
	style, ok := labelStyles[label]
	if !ok {
		style = labelStyles[annotation.LabelDefault]
	}
	b.WriteString(style.Render(label))
	if m.pending != "" && m.pending != label {
		b.WriteString(keyStyle.Render("  → " + m.pending))
	}
	b.WriteString("\n")

	if m.connected && m.lastErr != nil {
		b.WriteString("\n" + errStyle.Render(m.lastErr.Error()) + "\n")
	}

	b.WriteString("\n" + helpStyle.Render("f fall start · s fall stop · d clear · q quit") + "\n")
	return b.String()
}
