package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/pipeline/internal/config"
)

// Save targets offered by the settings form.
const (
	TargetGlobal  = "global"
	TargetProject = "project"
)

// SettingsFields holds the editable settings as the strings the form binds to.
type SettingsFields struct {
	SaveTarget string

	MaxParallel string
	Archive     string

	Timeout    string
	MaxRetries string
	BaseDelay  string
	Multiplier string
	Jitter     string

	BreakerEnabled  bool
	BreakerFailures string
	BreakerTimeout  string
	BreakerProbes   string
}

// FieldsFromConfig renders the config's run settings for editing.
func FieldsFromConfig(cfg *config.PipelineConfig) SettingsFields {
	return SettingsFields{
		SaveTarget:      TargetProject,
		MaxParallel:     strconv.Itoa(cfg.MaxParallel),
		Archive:         cfg.Archive,
		Timeout:         cfg.Defaults.Timeout.Std().String(),
		MaxRetries:      strconv.Itoa(cfg.Defaults.Retry.MaxRetries),
		BaseDelay:       cfg.Defaults.Retry.BaseDelay.Std().String(),
		Multiplier:      strconv.FormatFloat(cfg.Defaults.Retry.Multiplier, 'g', -1, 64),
		Jitter:          strconv.FormatFloat(cfg.Defaults.Retry.Jitter, 'g', -1, 64),
		BreakerEnabled:  cfg.Breaker.Enabled,
		BreakerFailures: strconv.FormatUint(uint64(cfg.Breaker.ConsecutiveFailures), 10),
		BreakerTimeout:  cfg.Breaker.Timeout.Std().String(),
		BreakerProbes:   strconv.FormatUint(uint64(cfg.Breaker.MaxRequests), 10),
	}
}

// Apply parses the fields into cfg. cfg is left untouched on error.
func (f SettingsFields) Apply(cfg *config.PipelineConfig) error {
	next := *cfg

	var err error
	if next.MaxParallel, err = nonNegativeInt("max parallel", f.MaxParallel); err != nil {
		return err
	}
	next.Archive = strings.TrimSpace(f.Archive)

	timeout, err := positiveDuration("default timeout", f.Timeout)
	if err != nil {
		return err
	}
	next.Defaults.Timeout = config.Duration(timeout)

	if next.Defaults.Retry.MaxRetries, err = nonNegativeInt("max retries", f.MaxRetries); err != nil {
		return err
	}
	delay, err := positiveDuration("base delay", f.BaseDelay)
	if err != nil {
		return err
	}
	next.Defaults.Retry.BaseDelay = config.Duration(delay)
	if next.Defaults.Retry.Multiplier, err = parseFloat("multiplier", f.Multiplier); err != nil {
		return err
	}
	if next.Defaults.Retry.Jitter, err = parseFloat("jitter", f.Jitter); err != nil {
		return err
	}
	if next.Defaults.Retry.Jitter >= 1 {
		return fmt.Errorf("jitter: must be below 1")
	}

	next.Breaker.Enabled = f.BreakerEnabled
	failures, err := nonNegativeInt("breaker failures", f.BreakerFailures)
	if err != nil {
		return err
	}
	next.Breaker.ConsecutiveFailures = uint32(failures)
	probes, err := nonNegativeInt("breaker probes", f.BreakerProbes)
	if err != nil {
		return err
	}
	next.Breaker.MaxRequests = uint32(probes)
	open, err := positiveDuration("breaker timeout", f.BreakerTimeout)
	if err != nil {
		return err
	}
	next.Breaker.Timeout = config.Duration(open)

	*cfg = next
	return nil
}

func nonNegativeInt(name, s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: want a non-negative integer, got %q", name, s)
	}
	return n, nil
}

func parseFloat(name, s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s: want a non-negative number, got %q", name, s)
	}
	return v, nil
}

func positiveDuration(name, s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: want a positive duration like 30s, got %q", name, s)
	}
	return d, nil
}

// SettingsModel is a standalone form that edits the run settings and saves
// them to the global or project config file.
type SettingsModel struct {
	form        *huh.Form
	config      *config.PipelineConfig
	fields      *SettingsFields // Shared by copies; the form writes through it
	globalPath  string
	projectPath string
	width       int
	height      int
	saved       bool
	cancelled   bool
	savedTo     string
	err         error
}

// NewSettingsModel creates a settings form seeded from cfg.
func NewSettingsModel(cfg *config.PipelineConfig, globalPath, projectPath string) SettingsModel {
	fields := FieldsFromConfig(cfg)
	m := SettingsModel{
		config:      cfg,
		fields:      &fields,
		globalPath:  globalPath,
		projectPath: projectPath,
	}
	m.buildForm()
	return m
}

func validateWith[T any](name string, parse func(string, string) (T, error)) func(string) error {
	return func(s string) error {
		_, err := parse(name, s)
		return err
	}
}

// buildForm constructs the Huh form with all settings fields.
func (m *SettingsModel) buildForm() {
	f := m.fields
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption(fmt.Sprintf("Project (%s)", m.projectPath), TargetProject),
					huh.NewOption(fmt.Sprintf("Global (%s)", m.globalPath), TargetGlobal),
				).
				Value(&f.SaveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("maxParallel").
				Title("Max Parallel").
				Description("Tasks run at once per level (0 = unbounded)").
				Value(&f.MaxParallel).
				Validate(validateWith("max parallel", nonNegativeInt)),

			huh.NewInput().
				Key("archive").
				Title("Run Archive").
				Description("SQLite file; empty disables archiving").
				Value(&f.Archive).
				Placeholder(".pipeline/runs.db"),

			huh.NewInput().
				Key("timeout").
				Title("Default Timeout").
				Value(&f.Timeout).
				Placeholder("30s").
				Validate(validateWith("default timeout", positiveDuration)),
		).Title("Run Settings"),

		huh.NewGroup(
			huh.NewInput().
				Key("maxRetries").
				Title("Max Retries").
				Value(&f.MaxRetries).
				Validate(validateWith("max retries", nonNegativeInt)),

			huh.NewInput().
				Key("baseDelay").
				Title("Base Delay").
				Value(&f.BaseDelay).
				Placeholder("1s").
				Validate(validateWith("base delay", positiveDuration)),

			huh.NewInput().
				Key("multiplier").
				Title("Multiplier").
				Value(&f.Multiplier).
				Placeholder("2").
				Validate(validateWith("multiplier", parseFloat)),

			huh.NewInput().
				Key("jitter").
				Title("Jitter").
				Description("Fraction in [0, 1)").
				Value(&f.Jitter).
				Placeholder("0").
				Validate(validateWith("jitter", parseFloat)),
		).Title("Default Retry Policy"),

		huh.NewGroup(
			huh.NewConfirm().
				Key("breakerEnabled").
				Title("Circuit Breakers").
				Description("Share one breaker per kind across all tasks of a run").
				Affirmative("On").
				Negative("Off").
				Value(&f.BreakerEnabled),

			huh.NewInput().
				Key("breakerFailures").
				Title("Consecutive Failures To Trip").
				Value(&f.BreakerFailures).
				Validate(validateWith("breaker failures", nonNegativeInt)),

			huh.NewInput().
				Key("breakerTimeout").
				Title("Open Duration").
				Value(&f.BreakerTimeout).
				Placeholder("30s").
				Validate(validateWith("breaker timeout", positiveDuration)),

			huh.NewInput().
				Key("breakerProbes").
				Title("Half-Open Probes").
				Value(&f.BreakerProbes).
				Validate(validateWith("breaker probes", nonNegativeInt)),
		).Title("Circuit Breakers"),
	)
}

// Init initializes the settings form.
func (m SettingsModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings form.
func (m SettingsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "esc", "ctrl+c":
			// Cancel without saving
			m.cancelled = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.err = m.save()
		return m, tea.Quit
	}
	return m, cmd
}

// save applies the form to the config and writes it to the chosen target.
func (m *SettingsModel) save() error {
	if err := m.fields.Apply(m.config); err != nil {
		return err
	}
	path := m.globalPath
	if m.fields.SaveTarget == TargetProject {
		path = m.projectPath
	}
	if err := config.Save(m.config, path); err != nil {
		return err
	}
	m.saved = true
	m.savedTo = path
	return nil
}

// View renders the settings form.
func (m SettingsModel) View() string {
	var content string
	switch {
	case m.saved:
		content = StyleStatusComplete.Render("✓ Settings saved to " + m.savedTo)
	case m.err != nil:
		content = StyleStatusFailed.Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	default:
		content = m.form.View()
	}

	style := StyleFocusedBorder.Padding(1, 2)
	if m.width > 4 {
		style = style.Width(m.width - 4)
	}

	title := StyleTitle.Foreground(lipgloss.Color("62")).Render("⚙ Settings")
	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings form.
func (m *SettingsModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil && w > 8 && h > 8 {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// Saved reports whether the form completed and the config was written.
func (m SettingsModel) Saved() bool { return m.saved }

// Cancelled reports whether the user left the form without saving.
func (m SettingsModel) Cancelled() bool { return m.cancelled }

// SavedTo returns the file the settings were written to.
func (m SettingsModel) SavedTo() string { return m.savedTo }

// Err returns the error from applying or saving the settings.
func (m SettingsModel) Err() error { return m.err }
