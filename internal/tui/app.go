// Package tui provides the terminal dashboard for deadhand.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/deadhand/internal/models"
)

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	columnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(cyanColor)
)

const (
	modeReleases = "releases"
	modeAssets   = "assets"
	modeLog      = "log"
)

var modes = []string{modeReleases, modeAssets}

// App is the dashboard model. It watches one owner.
type App struct {
	client       *Client
	owner        string
	interval     time.Duration
	now          func() time.Time
	status       *OwnerStatus
	releases     []models.ReleaseEntry
	assets       []models.Asset
	logAsset     string
	log          []models.ExecutionRecord
	selectedIdx  int
	input        textinput.Model
	width        int
	height       int
	mode         string
	modeIdx      int
	message      string
	daemonOnline bool
	suggestions  *Suggestions
}

// New creates a dashboard for owner backed by the API at apiAddr.
func New(apiAddr, owner string, interval time.Duration) *App {
	ti := textinput.New()
	ti.Placeholder = "Type: /owner <id> | /checkin | /assets | /log @<asset>"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 80

	if interval <= 0 {
		interval = 2 * time.Second
	}

	return &App{
		client:      NewClient(apiAddr),
		owner:       owner,
		interval:    interval,
		now:         time.Now,
		input:       ti,
		mode:        modeReleases,
		suggestions: NewSuggestions(),
		width:       80,
		height:      24,
	}
}

// Run starts the dashboard.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.refresh(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit

		case "esc":
			if a.mode == modeLog {
				a.mode = modeAssets
				a.selectedIdx = 0
				return a, nil
			}
			a.input.SetValue("")

		case "up":
			if a.suggestions.IsVisible() {
				a.suggestions.Prev()
			} else if a.selectedIdx > 0 {
				a.selectedIdx--
			}
			return a, nil

		case "down":
			if a.suggestions.IsVisible() {
				a.suggestions.Next()
			} else if a.selectedIdx < a.rows()-1 {
				a.selectedIdx++
			}
			return a, nil

		case "tab":
			if a.suggestions.IsVisible() {
				a.acceptSuggestion()
				return a, nil
			}
			a.modeIdx = (a.modeIdx + 1) % len(modes)
			a.mode = modes[a.modeIdx]
			a.selectedIdx = 0
			return a, nil

		case "enter":
			if a.suggestions.IsVisible() {
				a.acceptSuggestion()
				return a, nil
			}
			cmd := strings.TrimSpace(a.input.Value())
			if cmd != "" {
				a.input.SetValue("")
				a.suggestions.Update("")
				return a, a.executeCommand(cmd)
			}
			if a.mode == modeAssets && a.selectedIdx < len(a.assets) {
				return a, a.openLog(a.assets[a.selectedIdx].ID)
			}
			return a, nil
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4

	case tickMsg:
		return a, tea.Batch(a.refresh(), a.tickCmd())

	case snapshotMsg:
		a.daemonOnline = msg.online
		if msg.err != nil {
			a.message = "Error: " + msg.err.Error()
			break
		}
		a.status = msg.status
		a.releases = msg.releases
		a.assets = msg.assets
		if a.selectedIdx >= a.rows() {
			a.selectedIdx = max(0, a.rows()-1)
		}

	case logLoadedMsg:
		a.mode = modeLog
		a.logAsset = msg.assetID
		a.log = msg.records
		a.selectedIdx = 0

	case ownerChangedMsg:
		a.owner = msg.owner
		a.status = nil
		a.releases = nil
		a.assets = nil
		a.selectedIdx = 0
		a.message = "Watching " + msg.owner
		return a, a.refresh()

	case commandResultMsg:
		a.message = msg.message
		return a, a.refresh()

	case errMsg:
		a.message = "Error: " + msg.err.Error()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	a.suggestions.Update(a.input.Value())
	if a.suggestions.prefix == "@" {
		a.suggestions.SetAssets(a.assets)
	}

	return a, tea.Batch(cmds...)
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemon := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemon = offlineStyle.Render("○ DAEMON")
	}
	header := titleStyle.Render("DEADHAND") + "  " + daemon
	header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render("owner: "+a.owner)
	b.WriteString(header + "\n")
	b.WriteString(a.renderStatus() + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 1)) + "\n")

	contentHeight := a.height - 10
	if contentHeight < 5 {
		contentHeight = 5
	}

	switch a.mode {
	case modeReleases:
		b.WriteString(a.renderReleases(contentHeight))
	case modeAssets:
		b.WriteString(a.renderAssets(contentHeight))
	case modeLog:
		b.WriteString(a.renderLog(contentHeight))
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	if a.suggestions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case modeReleases:
		status = fmt.Sprintf(" Releases: %d | ↑↓:nav | Tab:assets | Ctrl+C:quit", len(a.releases))
	case modeAssets:
		status = fmt.Sprintf(" Assets: %d | ↑↓:nav | Enter:log | Tab:releases | Ctrl+C:quit", len(a.assets))
	default:
		status = " Esc:back | Ctrl+C:quit"
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 1)).Render(status))

	return b.String()
}

func (a *App) renderStatus() string {
	s := a.status
	if s == nil {
		return helpStyle.Render("  waiting for status...")
	}

	parts := []string{
		"  " + formatLiveness(s.Liveness),
		formatSwitch(s.Switch),
	}
	if s.Episode > 0 {
		parts = append(parts, fmt.Sprintf("episode %d", s.Episode))
	}

	if deadline, ok := s.Deadline(); ok && s.Liveness == models.LivenessAlive {
		left := deadline.Sub(a.now())
		style := lipgloss.NewStyle().Foreground(successColor)
		grace, _ := time.ParseDuration(s.GraceWindow)
		if left < grace/4 {
			style = lipgloss.NewStyle().Foreground(warningColor)
		}
		parts = append(parts, style.Render("triggers in "+formatDuration(left)))
	}
	if s.TriggeredAt != nil && s.Switch == models.SwitchArmed {
		parts = append(parts, lipgloss.NewStyle().Foreground(errorColor).Render(
			"triggered "+s.TriggeredAt.Local().Format("2006-01-02 15:04:05")))
	}
	return strings.Join(parts, "  ")
}

func (a *App) renderReleases(height int) string {
	if len(a.releases) == 0 {
		return "\n  No release entries. The owner has not been triggered.\n"
	}

	lines := []string{
		"  " + columnStyle.Render(fmt.Sprintf("%-10s  %-8s  %-20s  %-8s  %s", "STATUS", "ASSET", "RELEASE", "ATTEMPTS", "ERROR")),
	}
	for i, e := range a.releases {
		row := fmt.Sprintf("%s  %-8s  %-20s  %-8d  %s",
			formatRelease(e.Status),
			short(e.AssetID),
			e.ReleaseTime.Local().Format("2006-01-02 15:04:05"),
			e.Attempts,
			truncate(e.LastError, 40),
		)
		lines = append(lines, a.row(i, row))
	}
	return clip(lines, a.selectedIdx+1, height)
}

func (a *App) renderAssets(height int) string {
	if len(a.assets) == 0 {
		return "\n  No assets registered for this owner.\n"
	}

	lines := []string{
		"  " + columnStyle.Render(fmt.Sprintf("%-8s  %-20s  %-9s  %-10s  %s", "ID", "PLATFORM", "ACTION", "DELAY", "RECIPIENT")),
	}
	for i, as := range a.assets {
		lock := " "
		if as.Locked {
			lock = "🔒"
		}
		row := fmt.Sprintf("%-8s  %-20s  %-9s  %-10s  %s %s",
			short(as.ID),
			truncate(as.PlatformName, 20),
			as.Action,
			models.FormatDelay(as.Delay),
			as.Recipient,
			lock,
		)
		lines = append(lines, a.row(i, row))
	}
	return clip(lines, a.selectedIdx+1, height)
}

func (a *App) renderLog(height int) string {
	var lines []string
	lines = append(lines, fmt.Sprintf("  Execution log of %s", short(a.logAsset)))
	if len(a.log) == 0 {
		lines = append(lines, helpStyle.Render("  No attempts recorded."))
		return strings.Join(lines, "\n") + "\n"
	}
	for _, r := range a.log {
		outcome := lipgloss.NewStyle().Foreground(errorColor)
		switch r.Outcome {
		case models.OutcomeSucceeded:
			outcome = lipgloss.NewStyle().Foreground(successColor)
		case models.OutcomeRetryable:
			outcome = lipgloss.NewStyle().Foreground(warningColor)
		}
		lines = append(lines, fmt.Sprintf("  %s  %s  %s",
			r.AttemptedAt.Local().Format("2006-01-02 15:04:05"),
			outcome.Render(fmt.Sprintf("%-17s", r.Outcome)),
			truncate(r.ErrorDetail, 60),
		))
	}
	return clip(lines, 0, height)
}

func (a *App) row(i int, text string) string {
	if i == a.selectedIdx {
		return selectedStyle.Render("▶ " + text)
	}
	return rowStyle.Render("  " + text)
}

func (a *App) rows() int {
	switch a.mode {
	case modeReleases:
		return len(a.releases)
	case modeAssets:
		return len(a.assets)
	}
	return len(a.log)
}

func (a *App) acceptSuggestion() {
	selected := a.suggestions.Selected()
	if selected == nil {
		return
	}
	value := a.input.Value()
	switch a.suggestions.prefix {
	case "/":
		a.input.SetValue("/" + selected.Text + " ")
	case "@":
		if i := strings.LastIndex(value, "@"); i >= 0 {
			a.input.SetValue(value[:i] + selected.Text)
		}
	}
	a.input.CursorEnd()
	a.suggestions.Update("")
}

func (a *App) executeCommand(input string) tea.Cmd {
	parts := strings.Fields(strings.TrimPrefix(input, "/"))
	if len(parts) == 0 {
		return nil
	}
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "quit", "exit":
		return tea.Quit
	case "refresh":
		return a.refresh()
	case "releases":
		a.mode, a.modeIdx, a.selectedIdx = modeReleases, 0, 0
		return nil
	case "assets":
		a.mode, a.modeIdx, a.selectedIdx = modeAssets, 1, 0
		return nil
	case "owner":
		if len(args) != 1 {
			return message("Usage: owner <id>")
		}
		owner := args[0]
		return func() tea.Msg { return ownerChangedMsg{owner} }
	case "log":
		if len(args) != 1 {
			return message("Usage: log <asset-id>")
		}
		return a.openLog(strings.TrimPrefix(args[0], "@"))
	case "checkin":
		owner := a.owner
		return func() tea.Msg {
			obs, err := a.client.CheckIn(owner)
			if err != nil {
				return errMsg{err}
			}
			msg := fmt.Sprintf("✓ Checked in as %s", owner)
			if obs.Cancelled > 0 {
				msg += fmt.Sprintf(", %d release(s) cancelled", obs.Cancelled)
			}
			return commandResultMsg{msg}
		}
	}
	return message(fmt.Sprintf("Unknown: %s (try: /owner, /checkin, /assets, /log)", cmd))
}

func (a *App) openLog(assetID string) tea.Cmd {
	return func() tea.Msg {
		records, err := a.client.ExecutionLog(assetID)
		if err != nil {
			return errMsg{err}
		}
		return logLoadedMsg{assetID: assetID, records: records}
	}
}

// refresh loads a consistent snapshot of the watched owner.
func (a *App) refresh() tea.Cmd {
	owner := a.owner
	return func() tea.Msg {
		if err := a.client.Health(); err != nil {
			return snapshotMsg{err: err}
		}
		status, err := a.client.Status(owner)
		if err != nil {
			return snapshotMsg{online: true, err: err}
		}
		releases, err := a.client.Releases(owner)
		if err != nil {
			return snapshotMsg{online: true, err: err}
		}
		assets, err := a.client.Assets(owner)
		if err != nil {
			return snapshotMsg{online: true, err: err}
		}
		return snapshotMsg{online: true, status: status, releases: releases, assets: assets}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(a.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func message(s string) tea.Cmd {
	return func() tea.Msg { return commandResultMsg{s} }
}

func formatLiveness(l models.LivenessState) string {
	switch l {
	case models.LivenessAlive:
		return lipgloss.NewStyle().Foreground(successColor).Render("● ALIVE")
	case models.LivenessTriggered:
		return lipgloss.NewStyle().Foreground(errorColor).Bold(true).Render("✗ TRIGGERED")
	default:
		return lipgloss.NewStyle().Foreground(mutedColor).Render("○ UNKNOWN")
	}
}

func formatSwitch(s models.SwitchState) string {
	switch s {
	case models.SwitchArmed:
		return lipgloss.NewStyle().Foreground(errorColor).Render("[ARMED]")
	case models.SwitchDisarmed:
		return lipgloss.NewStyle().Foreground(warningColor).Render("[DISARMED]")
	default:
		return lipgloss.NewStyle().Foreground(mutedColor).Render("[IDLE]")
	}
}

func formatRelease(s models.ReleaseStatus) string {
	label := fmt.Sprintf("%-10s", strings.ToUpper(string(s)))
	switch s {
	case models.ReleaseArmed:
		return lipgloss.NewStyle().Foreground(warningColor).Render(label)
	case models.ReleaseExecuting:
		return lipgloss.NewStyle().Foreground(secondaryColor).Render(label)
	case models.ReleaseSucceeded:
		return lipgloss.NewStyle().Foreground(successColor).Render(label)
	case models.ReleaseFailed:
		return lipgloss.NewStyle().Foreground(errorColor).Render(label)
	default:
		return lipgloss.NewStyle().Foreground(mutedColor).Render(label)
	}
}

// clip keeps at most height lines, centred on focus.
func clip(lines []string, focus, height int) string {
	if len(lines) > height {
		start := focus - height/2
		if start < 0 {
			start = 0
		}
		end := start + height
		if end > len(lines) {
			end = len(lines)
			start = max(0, end-height)
		}
		lines = lines[start:end]
	}
	return strings.Join(lines, "\n") + "\n"
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "now"
	}
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

type commandResultMsg struct {
	message string
}

type errMsg struct {
	err error
}

type snapshotMsg struct {
	online   bool
	status   *OwnerStatus
	releases []models.ReleaseEntry
	assets   []models.Asset
	err      error
}

type logLoadedMsg struct {
	assetID string
	records []models.ExecutionRecord
}

type ownerChangedMsg struct {
	owner string
}

type tickMsg time.Time
