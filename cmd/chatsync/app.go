package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/locolive/chatsync/internal/auth"
	"github.com/locolive/chatsync/internal/badge"
	"github.com/locolive/chatsync/internal/chatapi"
	"github.com/locolive/chatsync/internal/config"
	"github.com/locolive/chatsync/internal/domain"
	"github.com/locolive/chatsync/internal/httpclient"
	"github.com/locolive/chatsync/internal/inbox"
	"github.com/locolive/chatsync/internal/session"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	nameStyle    = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	unreadStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("231")).Background(lipgloss.Color("161")).Padding(0, 1)
	systemStyle  = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("33"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// app wires one client stack for the duration of a command.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	client     *httpclient.Client
	api        *chatapi.Service
	counter    *badge.Counter
	session    *session.Session
	aggregator *inbox.Aggregator
}

func newApp(cfg *config.Config, logger *zap.Logger, sandbox bool) (*app, error) {
	var tokens domain.TokenStore
	if sandbox {
		tokens = auth.NewMemoryTokenStore()
	} else {
		store, err := auth.NewFileTokenStore(cfg.Auth.TokenFile, cfg.Auth.TokenSecret)
		if err != nil {
			return nil, fmt.Errorf("failed to open token store (set TOKEN_SECRET): %w", err)
		}
		tokens = store
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	client := httpclient.New(cfg.Server.BaseURL, httpClient, tokens, logger.Named("http"))
	api := chatapi.NewService(client, logger.Named("chatapi"))
	counter := badge.NewCounter(api, cfg.Badge.FlushTimeout, logger.Named("badge"))

	return &app{
		cfg:        cfg,
		logger:     logger,
		client:     client,
		api:        api,
		counter:    counter,
		session:    session.New(client, counter, logger.Named("session")),
		aggregator: inbox.NewAggregator(api, logger.Named("inbox")),
	}, nil
}

// close reports the app going to the background so the badge is flushed,
// then waits for the flush.
func (a *app) close(ctx context.Context) {
	if a.session.User() != nil {
		if err := a.session.AppStateChanged(context.WithoutCancel(ctx), domain.AppStateBackground); err != nil {
			a.logger.Warn("background transition failed", zap.Error(err))
		}
	}
	a.counter.Wait()
}

func (a *app) login(ctx context.Context, email, password string) error {
	user, err := a.session.SignIn(ctx, email, password)
	if err != nil {
		return err
	}
	fmt.Printf("Signed in as %s (%d unread)\n", nameStyle.Render(user.Email), a.counter.Value())
	return nil
}

func (a *app) logout(ctx context.Context) error {
	if err := a.session.SignOut(ctx); err != nil {
		return err
	}
	fmt.Println("Signed out")
	return nil
}

func (a *app) badge(ctx context.Context) error {
	if err := a.session.AppStateChanged(ctx, domain.AppStateActive); err != nil {
		return err
	}
	fmt.Println(a.counter.Value())
	return nil
}

func (a *app) inbox(ctx context.Context) error {
	res := a.aggregator.Load(ctx, a.session.UserID())
	switch res.State {
	case inbox.StateError:
		a.session.HandleError(ctx, res.Err)
		fmt.Fprintln(os.Stderr, warningStyle.Render(res.Message))
		return res.Err
	case inbox.StateEmpty:
		fmt.Println(dimStyle.Render(res.Message))
	default:
		fmt.Println(titleStyle.Render("Inbox"))
		for _, s := range res.Chats {
			fmt.Println(renderSummary(s))
		}
	}

	// Looking at the inbox counts as having seen every new message.
	a.counter.InboxFocused(ctx)
	return nil
}

func renderSummary(s inbox.Summary) string {
	var b strings.Builder

	name := s.Counterpart.Name
	if name == "" {
		name = s.Counterpart.ID
	}
	if s.System {
		b.WriteString(systemStyle.Render("Notice"))
	} else {
		b.WriteString(nameStyle.Render(name))
	}
	if s.Listing.Title != "" {
		b.WriteString(dimStyle.Render(" · " + s.Listing.Title))
	}
	if s.Unread > 0 {
		b.WriteString(" " + unreadStyle.Render(fmt.Sprint(s.Unread)))
	}
	b.WriteString("\n  ")
	b.WriteString(truncate(s.LastMessage.Text, 60))
	if !s.LastActivity.IsZero() {
		b.WriteString(dimStyle.Render("  " + s.LastActivity.Local().Format("Jan 2 15:04")))
	}
	b.WriteString(dimStyle.Render("\n  " + s.ChatID))
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// findChat looks chatID up in the chats of the signed-in user.
func (a *app) findChat(ctx context.Context, chatID string) (domain.Chat, error) {
	chats, err := a.api.GetChats(ctx, a.session.UserID())
	if err != nil && !domain.IsNotFound(err) {
		a.session.HandleError(ctx, err)
		return domain.Chat{}, err
	}
	for _, c := range chats {
		if c.ID == chatID {
			return c, nil
		}
	}
	return domain.Chat{}, errors.New("no such chat: " + chatID)
}
