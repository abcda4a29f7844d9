package tui

import (
	"fmt"
	"strconv"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/wavesched/internal/config"
)

// SettingsPaneModel manages the settings form overlay. Saved settings take
// effect on the next run; the current run keeps its configuration.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error

	// Form field bindings
	saveTarget       string
	workers          string
	adaptiveThrottle bool
	strictDeps       bool
	retryEnabled     bool
	breakerEnabled   bool
	logLevel         string
	historyEnabled   bool
}

// NewSettingsPaneModel creates a new settings pane.
func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
	}
	m.loadFields()
	m.buildForm()
	return m
}

func (m *SettingsPaneModel) loadFields() {
	m.saveTarget = "project"
	m.workers = strconv.Itoa(m.config.Scheduler.Workers)
	m.adaptiveThrottle = m.config.Scheduler.AdaptiveThrottle
	m.strictDeps = m.config.Scheduler.StrictDependencies
	m.retryEnabled = m.config.Retry.Enabled
	m.breakerEnabled = m.config.Breaker.Enabled
	m.logLevel = m.config.Log.Level
	m.historyEnabled = m.config.History.Enabled
}

func validateWorkers(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fmt.Errorf("workers must be a whole number >= 0")
	}
	return nil
}

// buildForm constructs the Huh form with all settings fields.
func (m *SettingsPaneModel) buildForm() {
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Global (~/.wavesched/config.json)", "global"),
					huh.NewOption("Project (.wavesched/config.json)", "project"),
				).
				Value(&m.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("workers").
				Title("Workers (0 = one per CPU)").
				Value(&m.workers).
				Validate(validateWorkers),

			huh.NewConfirm().
				Key("adaptiveThrottle").
				Title("Adaptive throttle").
				Value(&m.adaptiveThrottle),

			huh.NewConfirm().
				Key("strictDeps").
				Title("Fail on unresolved dependencies").
				Value(&m.strictDeps),
		).Title("Scheduler"),

		huh.NewGroup(
			huh.NewConfirm().
				Key("retryEnabled").
				Title("Retry command tasks marked retry").
				Value(&m.retryEnabled),

			huh.NewConfirm().
				Key("breakerEnabled").
				Title("Circuit breakers per program").
				Value(&m.breakerEnabled),

			huh.NewSelect[string]().
				Key("logLevel").
				Title("Log level").
				Options(huh.NewOptions("debug", "info", "warn", "error")...).
				Value(&m.logLevel),

			huh.NewConfirm().
				Key("historyEnabled").
				Title("Record run history").
				Value(&m.historyEnabled),
		).Title("Runtime"),
	)
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == KeyEsc {
		// Cancel without saving
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.applyFormToConfig()

		targetPath := m.globalPath
		if m.saveTarget == "project" {
			targetPath = m.projectPath
		}

		if err := config.Save(m.config, targetPath); err != nil {
			m.err = err
			m.saved = false
		} else {
			m.saved = true
			m.err = nil
			m.visible = false
		}
	}

	return m, cmd
}

// applyFormToConfig copies form field values back to the config struct.
func (m *SettingsPaneModel) applyFormToConfig() {
	if n, err := strconv.Atoi(m.workers); err == nil && n >= 0 {
		m.config.Scheduler.Workers = n
	}
	m.config.Scheduler.AdaptiveThrottle = m.adaptiveThrottle
	m.config.Scheduler.StrictDependencies = m.strictDeps
	m.config.Retry.Enabled = m.retryEnabled
	m.config.Breaker.Enabled = m.breakerEnabled
	m.config.Log.Level = m.logLevel
	m.config.History.Enabled = m.historyEnabled
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	if m.err != nil {
		content = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true).
			Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	} else {
		content = m.form.View()
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings (applied to the next run)")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the settings pane. Showing it rebuilds the form
// from the current config.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil

	if v {
		m.loadFields()
		m.buildForm()
		if m.width > 0 {
			m.form.WithWidth(m.width - 8).WithHeight(m.height - 8)
		}
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Saved reports whether the last form submission was written to disk.
func (m SettingsPaneModel) Saved() bool {
	return m.saved
}
