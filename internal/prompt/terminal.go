package prompt

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Styles for the interactive prompt.
var (
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Italic(true)

	inputStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA"))
)

// inputModel is a one-field bubbletea form.
type inputModel struct {
	label    string
	input    textinput.Model
	value    string
	done     bool
	canceled bool
}

func newInputModel(label string, secret bool) inputModel {
	ti := textinput.New()
	ti.Placeholder = "type and press enter"
	ti.CharLimit = 256
	ti.Width = 40
	ti.Prompt = "> "
	ti.TextStyle = inputStyle
	if secret {
		ti.EchoMode = textinput.EchoPassword
		ti.EchoCharacter = '•'
		ti.Placeholder = ""
	}
	ti.Focus()

	return inputModel{label: label, input: ti}
}

// Init initializes the model.
func (m inputModel) Init() tea.Cmd {
	return textinput.Blink
}

// Update handles messages.
func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyEnter:
			m.value = strings.TrimSpace(m.input.Value())
			m.done = true
			return m, tea.Quit
		case tea.KeyEsc, tea.KeyCtrlC:
			m.canceled = true
			m.done = true
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders the prompt.
func (m inputModel) View() string {
	if m.done {
		return ""
	}
	var b strings.Builder
	b.WriteString(labelStyle.Render(m.label))
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("enter to submit, esc to cancel"))
	b.WriteString("\n")
	return b.String()
}

// Terminal returns a Provider that asks each question in a bubbletea text field.
func Terminal(in io.Reader, out io.Writer) Provider {
	return func(ctx context.Context, label string) (string, error) {
		return runInput(ctx, in, out, label, false)
	}
}

func runInput(ctx context.Context, in io.Reader, out io.Writer, label string, secret bool) (string, error) {
	p := tea.NewProgram(newInputModel(label, secret),
		tea.WithInput(in),
		tea.WithOutput(out),
		tea.WithContext(ctx),
	)
	final, err := p.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if err != nil {
		if errors.Is(err, tea.ErrProgramKilled) {
			return "", ErrCanceled
		}
		return "", err
	}
	m, ok := final.(inputModel)
	if !ok || m.canceled {
		return "", ErrCanceled
	}
	return m.value, nil
}
