package httpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/locolive/chatsync/internal/auth"
	"github.com/locolive/chatsync/internal/domain"
	"github.com/locolive/chatsync/pkg/response"
)

type tokenServer struct {
	mu          sync.Mutex
	validAccess string
	refreshOK   bool
	alwaysDeny  bool

	refreshCalls atomic.Int32
	dataCalls    atomic.Int32
	bearers      []string
}

func (s *tokenServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		s.refreshCalls.Add(1)
		var req domain.RefreshRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.refreshOK || req.RefreshToken != "refresh-1" {
			response.Unauthorized(w, "invalid refresh token")
			return
		}
		s.validAccess = "access-2"
		response.OK(w, domain.TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2"})
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		s.dataCalls.Add(1)
		s.mu.Lock()
		s.bearers = append(s.bearers, r.Header.Get("Authorization"))
		valid := "Bearer " + s.validAccess
		deny := s.alwaysDeny
		s.mu.Unlock()

		if deny || r.Header.Get("Authorization") != valid {
			response.Unauthorized(w, "token has expired")
			return
		}
		response.OK(w, map[string]string{"hello": "world"})
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		response.NotFound(w, "nothing here")
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		response.InternalError(w, "boom")
	})
	return mux
}

func newTestClient(t *testing.T, srv *tokenServer, pair domain.TokenPair) (*Client, *auth.MemoryTokenStore) {
	t.Helper()
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)

	store := auth.NewMemoryTokenStore()
	if !pair.IsZero() {
		require.NoError(t, store.Save(context.Background(), pair))
	}
	return New(ts.URL, ts.Client(), store, zap.NewNop()), store
}

func TestAttachesBearerToken(t *testing.T) {
	srv := &tokenServer{validAccess: "access-1"}
	client, _ := newTestClient(t, srv, domain.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"})

	var out map[string]string
	require.NoError(t, client.GetJSON(context.Background(), "/data", &out))

	assert.Equal(t, "world", out["hello"])
	assert.Equal(t, []string{"Bearer access-1"}, srv.bearers)
	assert.EqualValues(t, 0, srv.refreshCalls.Load())
}

func TestRefreshesOnceAndRetries(t *testing.T) {
	srv := &tokenServer{validAccess: "access-2", refreshOK: true}
	client, store := newTestClient(t, srv, domain.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"})

	var out map[string]string
	require.NoError(t, client.GetJSON(context.Background(), "/data", &out))

	assert.EqualValues(t, 1, srv.refreshCalls.Load())
	assert.Equal(t, []string{"Bearer access-1", "Bearer access-2"}, srv.bearers)

	pair, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2"}, pair)
}

func TestNoSecondRetryAfterRefresh(t *testing.T) {
	srv := &tokenServer{refreshOK: true, alwaysDeny: true}
	client, _ := newTestClient(t, srv, domain.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"})

	resp, err := client.Do(context.Background(), http.MethodGet, "/data", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.EqualValues(t, 2, srv.dataCalls.Load())
	assert.EqualValues(t, 1, srv.refreshCalls.Load())
}

func TestFailedRefreshClearsTokens(t *testing.T) {
	srv := &tokenServer{validAccess: "access-2", refreshOK: false}
	client, store := newTestClient(t, srv, domain.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"})

	err := client.GetJSON(context.Background(), "/data", nil)
	assert.ErrorIs(t, err, domain.ErrRefreshTokenExpired)
	assert.EqualValues(t, 1, srv.dataCalls.Load())

	_, err = store.Load(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
}

func TestConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	srv := &tokenServer{validAccess: "access-2", refreshOK: true}
	client, _ := newTestClient(t, srv, domain.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"})

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = client.GetJSON(context.Background(), "/data", nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, srv.refreshCalls.Load())
}

func TestNotAuthenticatedSkipsRequest(t *testing.T) {
	srv := &tokenServer{}
	client, _ := newTestClient(t, srv, domain.TokenPair{})

	err := client.GetJSON(context.Background(), "/data", nil)
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
	assert.EqualValues(t, 0, srv.dataCalls.Load())
}

func TestErrorMapping(t *testing.T) {
	srv := &tokenServer{}
	client, _ := newTestClient(t, srv, domain.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"})

	err := client.GetJSON(context.Background(), "/missing", nil)
	assert.True(t, domain.IsNotFound(err))
	assert.False(t, domain.IsTransient(err))

	err = client.PublicGetJSON(context.Background(), "/broken", nil)
	var apiErr *domain.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "boom", apiErr.Message)
	assert.True(t, domain.IsTransient(err))
}
