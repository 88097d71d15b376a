package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/locolive/chatsync/internal/domain"
	"github.com/locolive/chatsync/internal/fakebackend"
)

const sandboxReplyInterval = 20 * time.Second

var sandboxReplies = []string{
	"Are you still interested?",
	"I can do a small discount if you pick it up today.",
	"It's in great condition, barely used.",
	"Let me know what time works for you.",
}

type seedMessage struct {
	chatID, senderID, text string
}

type sandbox struct {
	baseURL  string
	email    string
	password string
}

// startSandbox runs an in-process backend on a loopback port, seeded with a
// demo account, until ctx is done. The seller of the first chat keeps
// replying so that the socket has something to deliver.
func startSandbox(ctx context.Context, logger *zap.Logger) (*sandbox, error) {
	srv := fakebackend.New(logger)

	demo, err := srv.CreateUser("demo@example.com", "demo", "Demo")
	if err != nil {
		return nil, err
	}
	sam, err := srv.CreateUser("sam@example.com", "sam", "Sam")
	if err != nil {
		return nil, err
	}
	lee, err := srv.CreateUser("lee@example.com", "lee", "Lee")
	if err != nil {
		return nil, err
	}

	bike := srv.CreateChat(sam.ID, demo.ID, domain.ListingRef{ID: "listing-bike", Title: "Road bike"})
	lamp := srv.CreateChat(demo.ID, lee.ID, domain.ListingRef{ID: "listing-lamp", Title: "Desk lamp"})
	notice := srv.CreateSystemChat(demo.ID, domain.ListingRef{ID: "listing-bike", Title: "Road bike"})
	// A chat without messages stays out of the inbox.
	srv.CreateChat(lee.ID, demo.ID, domain.ListingRef{ID: "listing-chair", Title: "Chair"})

	seed := []seedMessage{
		{bike.ID, demo.ID, "Hi, is the bike still available?"},
		{bike.ID, sam.ID, "Yes it is!"},
		{lamp.ID, lee.ID, "Would you take 10 for the lamp?"},
		{notice.ID, fakebackend.SystemUserID, "Your listing is now live."},
	}
	for _, m := range seed {
		if _, err := srv.PostMessage(m.chatID, m.senderID, m.text); err != nil {
			return nil, fmt.Errorf("failed to seed sandbox: %w", err)
		}
	}
	srv.SetNotificationCount(demo.ID, 2)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	go func() {
		if err := srv.Serve(ctx, ln); err != nil {
			logger.Error("sandbox backend stopped", zap.Error(err))
		}
	}()
	go replyLoop(ctx, srv, bike.ID, sam.ID, logger)

	return &sandbox{
		baseURL:  "http://" + ln.Addr().String(),
		email:    "demo@example.com",
		password: "demo",
	}, nil
}

func replyLoop(ctx context.Context, srv *fakebackend.Server, chatID, senderID string, logger *zap.Logger) {
	ticker := time.NewTicker(sandboxReplyInterval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			text := sandboxReplies[i%len(sandboxReplies)]
			if _, err := srv.PostMessage(chatID, senderID, text); err != nil {
				logger.Warn("sandbox reply failed", zap.Error(err))
			}
		}
	}
}
