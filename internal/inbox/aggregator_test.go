package inbox

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/locolive/chatsync/internal/domain"
)

type fakeAPI struct {
	domain.ChatAPI
	chats []domain.Chat
	err   error
}

func (f *fakeAPI) GetChats(ctx context.Context, userID string) ([]domain.Chat, error) {
	return f.chats, f.err
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func chatAt(id string, minutes ...int) domain.Chat {
	c := domain.Chat{
		ID:     id,
		Seller: domain.UserRef{ID: "seller", Name: "Sam"},
		Buyer:  domain.UserRef{ID: "me", Name: "Me"},
	}
	for i, m := range minutes {
		ts := base.Add(time.Duration(m) * time.Minute)
		c.Messages = append(c.Messages, domain.Message{ID: id + "-" + string(rune('a'+i)), SentAt: &ts})
	}
	return c
}

func chatIDs(summaries []Summary) []string {
	out := make([]string, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, s.ChatID)
	}
	return out
}

func TestLoadFiltersAndSorts(t *testing.T) {
	api := &fakeAPI{chats: []domain.Chat{
		chatAt("A", 1, 2),
		chatAt("B"),
		chatAt("C", 5),
	}}

	res := NewAggregator(api, zap.NewNop()).Load(context.Background(), "me")

	require.Equal(t, StateLoaded, res.State)
	assert.Equal(t, []string{"C", "A"}, chatIDs(res.Chats))
	assert.Equal(t, "seller", res.Chats[0].Counterpart.ID)
	assert.Equal(t, base.Add(2*time.Minute), res.Chats[1].LastActivity)
}

func TestLoadEqualTimestampsKeepServerOrder(t *testing.T) {
	api := &fakeAPI{chats: []domain.Chat{chatAt("X", 3), chatAt("Y", 3), chatAt("Z", 3)}}

	res := NewAggregator(api, zap.NewNop()).Load(context.Background(), "me")

	assert.Equal(t, []string{"X", "Y", "Z"}, chatIDs(res.Chats))
}

func TestLoadEmpty(t *testing.T) {
	for name, api := range map[string]*fakeAPI{
		"no chats":   {chats: []domain.Chat{}},
		"only empty": {chats: []domain.Chat{chatAt("B")}},
		"not found":  {err: &domain.APIError{Status: http.StatusNotFound}},
	} {
		t.Run(name, func(t *testing.T) {
			res := NewAggregator(api, zap.NewNop()).Load(context.Background(), "me")
			assert.Equal(t, StateEmpty, res.State)
			assert.Equal(t, MessageEmpty, res.Message)
			assert.Empty(t, res.Chats)
			assert.NoError(t, res.Err)
		})
	}
}

func TestLoadErrors(t *testing.T) {
	res := NewAggregator(&fakeAPI{err: errors.New("connection refused")}, zap.NewNop()).Load(context.Background(), "me")
	assert.Equal(t, StateError, res.State)
	assert.Equal(t, MessageUnavailable, res.Message)
	assert.Error(t, res.Err)

	res = NewAggregator(&fakeAPI{err: &domain.APIError{Status: http.StatusBadGateway}}, zap.NewNop()).Load(context.Background(), "me")
	assert.Equal(t, StateError, res.State)
	assert.Equal(t, MessageRetryLater, res.Message)

	res = NewAggregator(&fakeAPI{err: domain.ErrRefreshTokenExpired}, zap.NewNop()).Load(context.Background(), "me")
	assert.Equal(t, StateError, res.State)
	assert.Equal(t, MessageSessionExpired, res.Message)
	assert.ErrorIs(t, res.Err, domain.ErrRefreshTokenExpired)
}

func TestRankUnreadAndCounterpart(t *testing.T) {
	c := chatAt("A", 1)
	c.UnreadCount = map[string]int{"me": 4, "seller": 1}

	rows := Rank([]domain.Chat{c}, "seller")
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Unread)
	assert.Equal(t, "me", rows[0].Counterpart.ID)
}
