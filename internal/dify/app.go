package dify

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// GetAppInfo returns the name and description of the application.
func (c *Client) GetAppInfo(ctx context.Context) (*AppInfo, error) {
	var out AppInfo
	if err := c.doJSON(ctx, "GetAppInfo", http.MethodGet, "/info", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAppParameters returns the input form and feature switches.
func (c *Client) GetAppParameters(ctx context.Context) (*AppParameters, error) {
	var out AppParameters
	if err := c.doJSON(ctx, "GetAppParameters", http.MethodGet, "/parameters", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Connect validates the credentials before chatting by fetching the app
// info and parameters concurrently. Info is required; a parameters failure
// is logged and leaves Parameters nil.
func (c *Client) Connect(ctx context.Context) (*Connection, error) {
	var conn Connection
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		info, err := c.GetAppInfo(gctx)
		if err != nil {
			return fmt.Errorf("failed to fetch app info: %w", err)
		}
		conn.Info = info
		return nil
	})
	g.Go(func() error {
		params, err := c.GetAppParameters(gctx)
		if err != nil {
			c.logger.Warn("Failed to fetch app parameters", "error", err)
			return nil
		}
		conn.Parameters = params
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &conn, nil
}
