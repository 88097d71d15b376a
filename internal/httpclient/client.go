// Package httpclient performs REST calls against the chat backend with the
// stored bearer token, refreshing the token pair once on 401.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/locolive/chatsync/internal/domain"
	"github.com/locolive/chatsync/pkg/response"
)

const refreshPath = "/auth/refresh"

// Client is the authenticated request layer
type Client struct {
	baseURL string
	http    *http.Client
	tokens  domain.TokenStore
	logger  *zap.Logger

	refreshGroup singleflight.Group
}

// New creates a client for baseURL. A nil httpClient uses http.DefaultClient.
func New(baseURL string, httpClient *http.Client, tokens domain.TokenStore, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
		logger:  logger,
	}
}

// Tokens returns the token store the client reads bearer tokens from.
func (c *Client) Tokens() domain.TokenStore {
	return c.tokens
}

// Do performs an authenticated request. On 401 the token pair is refreshed
// and the request is re-issued exactly once; the second response is returned
// whatever its status. The caller must close the response body.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	pair, err := c.tokens.Load(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, method, path, payload, pair.AccessToken)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	discard(resp)

	c.logger.Debug("access token rejected, refreshing", zap.String("method", method), zap.String("path", path))

	fresh, err := c.refresh(ctx, pair.AccessToken)
	if err != nil {
		return nil, err
	}

	return c.send(ctx, method, path, payload, fresh.AccessToken)
}

// DoUnauthenticated performs a request without a bearer token.
func (c *Client) DoUnauthenticated(ctx context.Context, method, path string, body any) (*http.Response, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, method, path, payload, "")
}

// Refresh rotates the token pair after rejectedAccess was refused by the
// server. Callers outside the REST path (the socket handshake) share the same
// single-flight refresh as Do.
func (c *Client) Refresh(ctx context.Context, rejectedAccess string) (domain.TokenPair, error) {
	return c.refresh(ctx, rejectedAccess)
}

// refresh rotates the token pair. Concurrent callers share one refresh call,
// and a caller whose rejected token was already rotated reuses the stored pair.
func (c *Client) refresh(ctx context.Context, rejectedAccess string) (domain.TokenPair, error) {
	shared := context.WithoutCancel(ctx)

	v, err, _ := c.refreshGroup.Do("refresh", func() (interface{}, error) {
		current, err := c.tokens.Load(shared)
		if err != nil {
			if errors.Is(err, domain.ErrNotAuthenticated) {
				return nil, domain.ErrRefreshTokenExpired
			}
			return nil, err
		}
		if current.AccessToken != rejectedAccess {
			return current, nil
		}
		return c.rotate(shared, current.RefreshToken)
	})
	if err != nil {
		return domain.TokenPair{}, err
	}
	return v.(domain.TokenPair), nil
}

func (c *Client) rotate(ctx context.Context, refreshToken string) (domain.TokenPair, error) {
	payload, err := encodeBody(domain.RefreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return domain.TokenPair{}, err
	}

	resp, err := c.send(ctx, http.MethodPost, refreshPath, payload, "")
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("token refresh failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("refresh token rejected, clearing session", zap.Int("status", resp.StatusCode))
		if err := c.tokens.Clear(ctx); err != nil {
			c.logger.Error("failed to clear tokens", zap.Error(err))
		}
		return domain.TokenPair{}, domain.ErrRefreshTokenExpired
	}

	var pair domain.TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return domain.TokenPair{}, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if pair.AccessToken == "" {
		return domain.TokenPair{}, errors.New("refresh response has no access token")
	}

	if err := c.tokens.Save(ctx, pair); err != nil {
		return domain.TokenPair{}, fmt.Errorf("failed to store refreshed tokens: %w", err)
	}

	c.logger.Info("token pair refreshed")
	return pair, nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, accessToken string) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}).SetAuthHeader(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func encodeBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return payload, nil
}

func discard(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	resp.Body.Close()
}

// DecodeResponse closes resp and decodes a 2xx body into out (if non-nil).
// Non-2xx responses become *domain.APIError.
func DecodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		info := response.ReadError(resp.StatusCode, resp.Body)
		return &domain.APIError{Status: resp.StatusCode, Code: info.Code, Message: info.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
