package httpclient

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// GetJSON performs an authenticated GET and decodes the body into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out, true)
}

// PostJSON performs an authenticated POST of in and decodes the body into out.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, in, out, true)
}

// PublicGetJSON is GetJSON without a bearer token.
func (c *Client) PublicGetJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out, false)
}

// PublicPostJSON is PostJSON without a bearer token.
func (c *Client) PublicPostJSON(ctx context.Context, path string, in, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, in, out, false)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any, authenticated bool) error {
	var (
		resp *http.Response
		err  error
	)
	if authenticated {
		resp, err = c.Do(ctx, method, path, in)
	} else {
		resp, err = c.DoUnauthenticated(ctx, method, path, in)
	}
	if err != nil {
		return err
	}

	if err := DecodeResponse(resp, out); err != nil {
		c.logger.Debug("request returned error",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return err
	}
	return nil
}
