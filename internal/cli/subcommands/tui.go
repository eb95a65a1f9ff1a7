package subcommands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"Hearth/internal/config"
	"Hearth/internal/media"
	"Hearth/internal/session"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

// Styles define the UI theme
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFB86C")).
			Background(lipgloss.Color("#1a1a2e")).
			Padding(0, 2)

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF6B6B")).
			PaddingLeft(1)

	botStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#4ECDC4")).
			PaddingLeft(1)

	systemStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFE66D")).
			PaddingLeft(1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666680")).
			Italic(true).
			PaddingLeft(2)

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666680")).
			Italic(true).
			PaddingLeft(2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#3d3d5c"))

	inputBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("#FFB86C"))

	suggestionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#1a1a2e")).
			Background(lipgloss.Color("#FFB86C")).
			Padding(0, 1)

	normalSuggestionStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#666680")).
				Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#4a4a6a")).
			PaddingLeft(1)

	streamingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#4ECDC4")).
			Italic(true)
)

var availableCommands = []string{
	"/help", "/stats", "/usage", "/model", "/clear", "/stop",
	"/image", "/images", "/clear-images", "/file", "/exit", "/quit",
}

type errMsg error

type transcriptLine struct {
	role     string
	content  string
	stats    *session.PerformanceStats
	duration time.Duration
}

type tuiModel struct {
	app            *App
	cfg            config.Config
	attachedImages []string
	attachedDocs   []string

	viewport viewport.Model
	textarea textarea.Model
	spinner  spinner.Model
	lines    []transcriptLine
	ready    bool
	loading  bool
	renderer *glamour.TermRenderer
	width    int
	height   int
	err      error
	ctx      context.Context
	program  *tea.Program

	// Autocompletion
	suggestions     []string
	suggestionIdx   int
	showSuggestions bool
}

func initialModel(ctx context.Context, cfg config.Config, app *App) tuiModel {
	ta := textarea.New()
	ta.Placeholder = "Ask your local model anything. /help for commands."
	ta.Focus()

	ta.Prompt = "┃ "
	ta.CharLimit = 10000

	ta.SetWidth(80)
	ta.SetHeight(4)

	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#4ECDC4"))

	renderer, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)

	return tuiModel{
		ctx:      ctx,
		app:      app,
		cfg:      cfg,
		textarea: ta,
		spinner:  s,
		renderer: renderer,
		lines:    []transcriptLine{},
	}
}

func (m tuiModel) Init() tea.Cmd {
	return textarea.Blink
}

type generationDone struct {
	text  string
	err   error
	start time.Time
}

// systemNote is emitted by async local commands (/model, /usage).
type systemNote struct {
	text string
	err  error
}

type streamToken struct {
	token string
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		taCmd tea.Cmd
		vpCmd tea.Cmd
		spCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.showSuggestions {
			switch msg.Type {
			case tea.KeyUp:
				m.suggestionIdx--
				if m.suggestionIdx < 0 {
					m.suggestionIdx = len(m.suggestions) - 1
				}
				return m, nil
			case tea.KeyDown:
				m.suggestionIdx++
				if m.suggestionIdx >= len(m.suggestions) {
					m.suggestionIdx = 0
				}
				return m, nil
			case tea.KeyEnter, tea.KeyTab:
				if len(m.suggestions) > 0 {
					m.textarea.SetValue(m.suggestions[m.suggestionIdx] + " ")
					m.textarea.CursorEnd()
					m.showSuggestions = false
					return m, nil
				}
			case tea.KeyEsc:
				m.showSuggestions = false
				return m, nil
			}
		}

		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.app.Manager.StopGeneration()
			return m, tea.Quit

		case tea.KeyCtrlX:
			if m.loading {
				m.app.Manager.StopGeneration()
				m.loading = false
				m.appendSystem("Generation stopped.")
				m.updateViewport()
			}
			return m, nil

		case tea.KeyCtrlS:
			if m.loading {
				return m, nil
			}

			userMsg := m.textarea.Value()
			if strings.TrimSpace(userMsg) == "" {
				return m, nil
			}

			trimmed := strings.TrimSpace(userMsg)
			if handled, cmd := m.handleLocalCommand(strings.ToLower(trimmed), trimmed); handled {
				m.textarea.Reset()
				return m, cmd
			}

			m.lines = append(m.lines, transcriptLine{role: "User", content: userMsg})
			m.textarea.Reset()
			m.loading = true

			// Empty assistant line to be filled by the stream.
			m.lines = append(m.lines, transcriptLine{role: "Hearth", content: ""})

			m.updateViewport()

			cmd := m.runGeneration(userMsg)
			m.attachedImages = nil
			m.attachedDocs = nil

			return m, tea.Batch(m.spinner.Tick, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 2
		inputHeight := 4
		verticalMarginHeight := headerHeight + inputHeight

		if !m.ready {
			m.viewport = viewport.New(msg.Width-4, msg.Height-verticalMarginHeight-4)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = msg.Width - 4
			m.viewport.Height = msg.Height - verticalMarginHeight - 4
		}

		m.textarea.SetWidth(msg.Width - 6)

		r, _ := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(m.viewport.Width-4),
		)
		m.renderer = r
		m.updateViewport()

	case streamToken:
		m.lines[len(m.lines)-1].content += msg.token
		m.updateViewport()
		return m, nil

	case generationDone:
		m.loading = false
		if msg.err != nil {
			if m.lines[len(m.lines)-1].content == "" {
				m.lines[len(m.lines)-1].content = "Error: " + msg.err.Error()
			}
		} else if msg.text == "" {
			m.lines[len(m.lines)-1].content = "*The model produced no content.*"
		} else {
			stats := m.app.Manager.PerformanceStats()
			m.lines[len(m.lines)-1].content = msg.text
			m.lines[len(m.lines)-1].stats = &stats
			m.lines[len(m.lines)-1].duration = time.Since(msg.start)
		}
		m.updateViewport()
		return m, nil

	case systemNote:
		m.loading = false
		if msg.err != nil {
			m.appendSystem("Error: " + msg.err.Error())
		} else {
			m.appendSystem(msg.text)
		}
		m.updateViewport()
		return m, nil

	case spinner.TickMsg:
		m.spinner, spCmd = m.spinner.Update(msg)
		return m, spCmd

	case errMsg:
		m.err = msg
		return m, nil
	}

	m.textarea, taCmd = m.textarea.Update(msg)

	// Update autocompletion
	val := m.textarea.Value()
	if strings.HasPrefix(val, "/") {
		m.suggestions = []string{}
		for _, cmd := range availableCommands {
			if strings.HasPrefix(cmd, val) {
				m.suggestions = append(m.suggestions, cmd)
			}
		}
		if len(m.suggestions) > 0 {
			m.showSuggestions = true
			if m.suggestionIdx >= len(m.suggestions) {
				m.suggestionIdx = 0
			}
		} else {
			m.showSuggestions = false
		}
	} else {
		m.showSuggestions = false
	}

	m.viewport, vpCmd = m.viewport.Update(msg)

	return m, tea.Batch(taCmd, vpCmd)
}

func (m *tuiModel) appendSystem(content string) {
	m.lines = append(m.lines, transcriptLine{role: "System", content: content})
}

func (m *tuiModel) handleLocalCommand(low, raw string) (bool, tea.Cmd) {
	if !strings.HasPrefix(low, "/") && low != "exit" && low != "quit" {
		return false, nil
	}

	switch {
	case low == "/clear":
		m.lines = []transcriptLine{}
		m.viewport.SetContent("")
		if err := m.app.History.Clear(); err != nil {
			m.appendSystem("Error clearing history: " + err.Error())
			m.updateViewport()
		}
		return true, nil

	case low == "/help":
		helpText := `
### Available Commands
- **/help**: Show this help message
- **/stats**: Show last generation statistics
- **/usage**: Show context window usage for the current conversation
- **/model <name-or-path>**: Load a different model
- **/clear**: Clear conversation history
- **/stop**: Stop the in-flight generation (also Ctrl+X)
- **/image <path>**: Attach an image to the next message
- **/file <path>**: Inline a document's text (PDF or plain text) into the next message
- **/images**: List attached images and documents
- **/clear-images**: Remove all attached images and documents
- **exit/quit**: Close the application
`
		m.appendSystem(helpText)
		m.updateViewport()
		return true, nil

	case low == "/stats":
		stats := m.app.Manager.PerformanceStats()
		gpu := m.app.Manager.GPUInfo()
		backend := "CPU"
		if gpu.Enabled {
			backend = fmt.Sprintf("%s (%d layers)", gpu.Backend, gpu.Layers)
		}
		m.appendSystem(fmt.Sprintf(`
### Last Generation
- **Tokens**: %d
- **Throughput**: %.1f tok/s (decode %.1f tok/s)
- **Time to first token**: %.0fms
- **Total**: %.0fms
- **Backend**: %s
`, stats.LastTokenCount, stats.LastTokensPerSecond, stats.LastDecodeTokensPerSecond,
			stats.LastTimeToFirstTokenMs, stats.LastGenerationTimeMs, backend))
		m.updateViewport()
		return true, nil

	case low == "/usage":
		return true, func() tea.Msg {
			usage, err := m.app.Manager.EstimateContextUsage(m.ctx, m.conversation(""))
			if err != nil {
				return systemNote{err: err}
			}
			verdict := "fits"
			if !usage.WillFit {
				verdict = "will be truncated"
			}
			return systemNote{text: fmt.Sprintf("Context usage: %d tokens, %.1f%% of budget, %s.", usage.TokenCount, usage.PercentUsed, verdict)}
		}

	case low == "/stop":
		if m.loading {
			m.app.Manager.StopGeneration()
			m.loading = false
			m.appendSystem("Generation stopped.")
		} else {
			m.appendSystem("Nothing to stop.")
		}
		m.updateViewport()
		return true, nil

	case strings.HasPrefix(low, "/model "):
		target := strings.TrimSpace(raw[len("/model "):])
		if target == "" {
			m.appendSystem("Usage: /model <name-or-path>")
			m.updateViewport()
			return true, nil
		}
		m.loading = true
		m.appendSystem("Loading " + target + "...")
		m.updateViewport()
		return true, tea.Batch(m.spinner.Tick, func() tea.Msg {
			err := m.app.Manager.LoadModel(m.ctx, target, m.app.projectorFor(target))
			if err != nil {
				return systemNote{err: err}
			}
			info, _ := m.app.Manager.ModelInfo()
			return systemNote{text: fmt.Sprintf("Loaded %s (ctx=%d).", info.ModelPath, info.ContextLength)}
		})

	case strings.HasPrefix(low, "/image "):
		path := strings.TrimSpace(raw[len("/image "):])
		if path == "" {
			m.appendSystem("Usage: /image <path>")
		} else if !m.app.Manager.SupportsVision() {
			m.appendSystem("The loaded model does not support images.")
		} else {
			m.attachedImages = append(m.attachedImages, path)
			m.appendSystem(fmt.Sprintf("Image attached: %s", path))
		}
		m.updateViewport()
		return true, nil

	case strings.HasPrefix(low, "/file "):
		path := strings.TrimSpace(raw[len("/file "):])
		if path == "" {
			m.appendSystem("Usage: /file <path>")
		} else if _, err := media.ExtractDocumentText(path); err != nil {
			m.appendSystem("Cannot read document: " + err.Error())
		} else {
			m.attachedDocs = append(m.attachedDocs, path)
			m.appendSystem(fmt.Sprintf("Document attached: %s", path))
		}
		m.updateViewport()
		return true, nil

	case low == "/images":
		if len(m.attachedImages) == 0 && len(m.attachedDocs) == 0 {
			m.appendSystem("Nothing attached.")
		} else {
			var sb strings.Builder
			sb.WriteString("Attachments:\n")
			for i, img := range m.attachedImages {
				sb.WriteString(fmt.Sprintf("%d. %s (image)\n", i+1, img))
			}
			for i, doc := range m.attachedDocs {
				sb.WriteString(fmt.Sprintf("%d. %s (document)\n", len(m.attachedImages)+i+1, doc))
			}
			m.appendSystem(sb.String())
		}
		m.updateViewport()
		return true, nil

	case low == "/clear-images":
		num := len(m.attachedImages) + len(m.attachedDocs)
		m.attachedImages = nil
		m.attachedDocs = nil
		m.appendSystem(fmt.Sprintf("Cleared %d attachments.", num))
		m.updateViewport()
		return true, nil

	case low == "/exit" || low == "/quit" || low == "exit" || low == "quit":
		m.app.Manager.StopGeneration()
		return true, tea.Quit
	}

	return false, nil
}

// conversation builds the planner input: persisted history plus the new
// user message (empty input means just the history).
func (m *tuiModel) conversation(input string) []session.ChatMessage {
	messages, err := m.app.History.Recent(m.cfg.Store.TurnsToUse)
	if err != nil {
		messages = nil
	}
	if input == "" {
		return messages
	}

	content := input
	var refs []session.MediaRef
	if len(m.attachedDocs) > 0 {
		content = media.InlineDocuments(content, m.attachedDocs)
		for _, doc := range m.attachedDocs {
			refs = append(refs, session.MediaRef{Type: session.MediaDocument, URI: doc})
		}
	}
	if len(m.attachedImages) > 0 {
		proc := media.NewProcessor(m.cfg.Media, "")
		for _, path := range m.attachedImages {
			prepared, err := proc.PrepareImage(path)
			if err != nil {
				continue
			}
			refs = append(refs, session.MediaRef{Type: session.MediaImage, URI: prepared})
		}
	}

	userMsg := session.NewMessage(session.RoleUser, content)
	if len(refs) > 0 {
		userMsg = userMsg.WithAttachments(refs...)
	}
	return append(messages, userMsg)
}

func (m *tuiModel) updateViewport() {
	var sb strings.Builder

	for i, line := range m.lines {
		switch line.role {
		case "System":
			sb.WriteString(systemStyle.Render("SYSTEM") + "\n")
			sb.WriteString(line.content + "\n\n")

		case "User":
			sb.WriteString(userStyle.Render("YOU") + "\n")
			sb.WriteString(line.content + "\n\n")

		case "Hearth":
			sb.WriteString(botStyle.Render("HEARTH") + "\n")

			rendered := line.content
			if line.content != "" {
				r, _ := m.renderer.Render(line.content)
				rendered = r
			}
			sb.WriteString(rendered)

			if i == len(m.lines)-1 && !m.loading && line.stats != nil {
				statsStr := fmt.Sprintf("%d tokens | %.1f tok/s | ttft %.0fms | %s",
					line.stats.LastTokenCount, line.stats.LastTokensPerSecond,
					line.stats.LastTimeToFirstTokenMs,
					line.duration.Truncate(time.Millisecond))
				sb.WriteString("\n" + statsStyle.Render(statsStr) + "\n")
			}
			sb.WriteString("\n")

		default:
			sb.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true).Render(line.role) + "\n")
			sb.WriteString(line.content + "\n\n")
		}
	}

	if m.loading {
		sb.WriteString("\n" + m.spinner.View() + streamingStyle.Render(" Generating..."))
	}

	m.viewport.SetContent(sb.String())
	m.viewport.GotoBottom()
}

func (m tuiModel) runGeneration(input string) tea.Cmd {
	messages := m.conversation(input)
	return func() tea.Msg {
		start := time.Now()
		text, err := m.app.Manager.GenerateResponse(m.ctx, messages, session.Callbacks{
			OnToken: func(piece string) {
				if m.program != nil {
					m.program.Send(streamToken{token: piece})
				}
			},
		})
		if err == nil && text != "" {
			userMsg := messages[len(messages)-1]
			_ = m.app.History.Append(userMsg)
			_ = m.app.History.Append(session.NewMessage(session.RoleAssistant, text))
		}
		return generationDone{text: text, err: err, start: start}
	}
}

func (m tuiModel) View() string {
	if !m.ready {
		return "\n  Initializing Hearth..."
	}

	header := lipgloss.JoinHorizontal(lipgloss.Center,
		titleStyle.Render(" Hearth "),
		subtitleStyle.Render(m.modelLabel()),
	)

	chatView := borderStyle.Render(m.viewport.View())

	inputArea := m.textarea.View()
	if m.showSuggestions && len(m.suggestions) > 0 {
		var suggBuilder strings.Builder
		for i, s := range m.suggestions {
			if i == m.suggestionIdx {
				suggBuilder.WriteString(suggestionStyle.Render(s) + "\n")
			} else {
				suggBuilder.WriteString(normalSuggestionStyle.Render(s) + "\n")
			}
		}
		inputArea = lipgloss.JoinVertical(lipgloss.Left,
			lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("#FFB86C")).
				Padding(0, 1).
				Render(suggBuilder.String()),
			inputArea,
		)
	}

	input := inputBorderStyle.Render(inputArea)

	mainView := fmt.Sprintf("%s\n%s\n%s", header, chatView, input)

	extra := ""
	if n := len(m.attachedImages) + len(m.attachedDocs); n > 0 {
		extra = fmt.Sprintf(" | Attachments: %d", n)
	}
	help := helpStyle.Render("Ctrl+S Send | Ctrl+X Stop | /help Commands" + extra)

	return mainView + "\n" + help
}

func (m tuiModel) modelLabel() string {
	if path := m.app.Manager.LoadedPath(); path != "" {
		return path
	}
	return "no model loaded (/model <name-or-path>)"
}

// RunTui executes the Charm TUI mode.
func RunTui(ctx context.Context, cfg config.Config) int {
	app, err := NewApp(cfg)
	if err != nil {
		fmt.Printf("failed to initialize: %v\n", err)
		return 1
	}
	defer app.Close()

	// Bring up the configured model before entering the alt screen so load
	// progress is visible on the plain terminal.
	if cfg.Model.Path != "" {
		spinnerDone := make(chan struct{})
		go runSpinner(spinnerDone, "Loading model")
		err := app.Manager.LoadModel(ctx, cfg.Model.Path, app.projectorFor(cfg.Model.Path))
		close(spinnerDone)
		fmt.Print("\r\033[K")
		if err != nil {
			fmt.Printf("failed to load model: %v\n", err)
			return 1
		}
	}

	m := initialModel(ctx, cfg, app)
	p := tea.NewProgram(
		&m,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	m.program = p

	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		return 1
	}
	return 0
}
