package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/locolive/chatsync/internal/chatroom"
	"github.com/locolive/chatsync/internal/domain"
	"github.com/locolive/chatsync/internal/timeline"
	"github.com/locolive/chatsync/internal/transport"
)

const (
	headerHeight = 2
	footerHeight = 3
)

var (
	meStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff8"))
	otherStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#45f"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)
)

type (
	entriesMsg []timeline.Entry
	infoMsg    string
	sentMsg    struct{ err error }
	expiredMsg struct{}
)

// chatModel renders one open room. Timeline updates and connection notices
// arrive on events so that nothing blocks on the program loop.
type chatModel struct {
	ctx       context.Context
	room      *chatroom.Room
	events    <-chan tea.Msg
	handleErr func(error) bool

	viewport viewport.Model
	input    textinput.Model
	entries  []timeline.Entry
	info     string
	ready    bool
}

func newChatModel(ctx context.Context, room *chatroom.Room, events <-chan tea.Msg, handleErr func(error) bool, maxLength int) chatModel {
	input := textinput.New()
	input.Placeholder = "Send a message... (Enter to send, Ctrl+R to refresh, Esc to leave)"
	input.Prompt = "┃ "
	if maxLength > 0 {
		input.CharLimit = maxLength
	}
	if room.Chat().IsSystemMessage {
		input.Placeholder = "This conversation does not accept replies"
	} else {
		input.Focus()
	}

	return chatModel{
		ctx:       ctx,
		room:      room,
		events:    events,
		handleErr: handleErr,
		viewport:  viewport.New(80, 12),
		input:     input,
		entries:   room.Entries(),
	}
}

func waitForEvent(events <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-events
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForEvent(m.events))
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-headerHeight-footerHeight, 1)
		m.input.Width = msg.Width - 4
		m.ready = true
		m.refreshView()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyCtrlR:
			m.info = "refreshing..."
			return m, m.focus()
		case tea.KeyEnter:
			text := m.input.Value()
			if strings.TrimSpace(text) == "" {
				return m, nil
			}
			m.input.Reset()
			return m, m.send(text)
		}

	case entriesMsg:
		m.entries = msg
		m.refreshView()
		return m, waitForEvent(m.events)

	case infoMsg:
		m.info = string(msg)
		return m, waitForEvent(m.events)

	case expiredMsg:
		m.info = "Session expired, please sign in again."
		return m, tea.Quit

	case sentMsg:
		if msg.err != nil {
			// An expired session arrives as expiredMsg.
			if m.handleErr(msg.err) {
				return m, nil
			}
			m.info = msg.err.Error()
		} else {
			m.info = ""
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m chatModel) send(text string) tea.Cmd {
	return func() tea.Msg {
		_, err := m.room.Send(m.ctx, text)
		return sentMsg{err: err}
	}
}

func (m chatModel) focus() tea.Cmd {
	return func() tea.Msg {
		return sentMsg{err: m.room.Focus(m.ctx)}
	}
}

func (m *chatModel) refreshView() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(renderEntries(m.entries))
	m.viewport.GotoBottom()
}

// renderEntries prints the newest-first timeline oldest at the top.
func renderEntries(entries []timeline.Entry) string {
	var b strings.Builder
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		style := otherStyle
		if e.SenderName == timeline.NameYou {
			style = meStyle
		}
		b.WriteString(style.Render(e.SenderName))
		b.WriteString(dimStyle.Render("  " + e.SentAt.Local().Format("15:04")))
		if e.Pending {
			b.WriteString(pendingStyle.Render("  sending"))
		}
		b.WriteString("\n" + e.Text + "\n\n")
	}
	return b.String()
}

func (m chatModel) View() string {
	chat := m.room.Chat()
	title := chat.Listing.Title
	if title == "" {
		title = chat.ID
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(title) + "\n")
	b.WriteString(strings.Repeat("─", max(m.viewport.Width, 1)) + "\n")
	b.WriteString(m.viewport.View() + "\n")
	b.WriteString(m.input.View() + "\n")
	if m.info != "" {
		b.WriteString(warningStyle.Render(m.info))
	}
	return b.String()
}

func (a *app) chat(ctx context.Context, chatID string) error {
	chat, err := a.findChat(ctx, chatID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan tea.Msg, 16)
	emit := func(msg tea.Msg) {
		select {
		case events <- msg:
		case <-ctx.Done():
		}
	}
	a.session.OnExpired(func() { go emit(expiredMsg{}) })

	logger := a.logger.Named("chat")
	tr := transport.New(a.cfg.Server.SocketURL, a.client, nil, transport.Hooks{
		OnConnect: func() { go emit(infoMsg("")) },
		OnDisconnect: func(err error) {
			if err != nil {
				go emit(infoMsg("Connection lost. Press Ctrl+R to reload."))
			}
		},
		OnConnectError: func(err error) {
			go emit(infoMsg(fmt.Sprintf("Could not connect: %v", err)))
		},
	}, logger.Named("socket"))

	room := chatroom.New(chat, a.session.UserID(), a.api, tr, a.counter, chatroom.Options{
		MaxLength: a.cfg.Message.MaxLength,
		OnDeliveryFailed: func(clientID string, err error) {
			emit(infoMsg("Message not delivered: " + err.Error()))
		},
	}, logger)
	defer room.Close()

	if err := room.Open(ctx); err != nil {
		a.session.HandleError(ctx, err)
		return err
	}
	if err := room.Focus(ctx); err != nil {
		if a.session.HandleError(ctx, err) {
			return err
		}
		logger.Warn("initial refresh failed", zap.Error(err))
	}

	unsubscribe := room.Subscribe(func(entries []timeline.Entry) {
		emit(entriesMsg(entries))
	})
	defer unsubscribe()

	handleErr := func(err error) bool { return a.session.HandleError(ctx, err) }
	p := tea.NewProgram(newChatModel(ctx, room, events, handleErr, a.cfg.Message.MaxLength), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()
	interrupted := ctx.Err() != nil
	cancel()

	if a.session.User() == nil {
		return domain.ErrRefreshTokenExpired
	}
	if interrupted {
		return nil
	}
	return err
}
