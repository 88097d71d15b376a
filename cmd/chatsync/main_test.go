package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/locolive/chatsync/internal/config"
	"github.com/locolive/chatsync/internal/inbox"
	"github.com/locolive/chatsync/internal/timeline"
)

func TestSandboxInbox(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	demo, err := startSandbox(ctx, zap.NewNop())
	require.NoError(t, err)

	cfg := &config.Config{
		Server: config.ServerConfig{BaseURL: demo.baseURL, SocketURL: config.SocketURLFor(demo.baseURL)},
		Badge:  config.BadgeConfig{FlushTimeout: time.Second},
	}
	a, err := newApp(cfg, zap.NewNop(), true)
	require.NoError(t, err)

	_, err = a.session.SignIn(ctx, demo.email, demo.password)
	require.NoError(t, err)
	assert.Equal(t, 2, a.counter.Value())

	res := a.aggregator.Load(ctx, a.session.UserID())
	require.Equal(t, inbox.StateLoaded, res.State)
	require.Len(t, res.Chats, 3)
	assert.True(t, res.Chats[0].System)
	assert.Equal(t, "Lee", res.Chats[1].Counterpart.Name)
	assert.Equal(t, "Sam", res.Chats[2].Counterpart.Name)

	chat, err := a.findChat(ctx, res.Chats[2].ChatID)
	require.NoError(t, err)
	assert.Equal(t, "Road bike", chat.Listing.Title)
	_, err = a.findChat(ctx, "missing")
	assert.Error(t, err)

	a.close(ctx)
}

func TestRenderEntriesOldestFirst(t *testing.T) {
	now := time.Now()
	out := renderEntries([]timeline.Entry{
		{Text: "second", SenderName: timeline.NameYou, SentAt: now, Pending: true},
		{Text: "first", SenderName: "Sam", SentAt: now.Add(-time.Minute)},
	})

	assert.Less(t, strings.Index(out, "first"), strings.Index(out, "second"))
	assert.Contains(t, out, "sending")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
	assert.Equal(t, "héll…", truncate("héllo wörld", 5))
}

func TestInitLoggerRejectsBadLevel(t *testing.T) {
	_, err := initLogger(&config.Config{Log: config.LogConfig{Level: "loud"}})
	assert.Error(t, err)

	logger, err := initLogger(&config.Config{Log: config.LogConfig{Level: "info"}})
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
