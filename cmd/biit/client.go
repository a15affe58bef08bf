// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bioimageit/biit-runtime/services/runtime"
)

// hostClient talks to a running `biit serve` over its HTTP API.
type hostClient struct {
	base string
	http *http.Client
}

func newHostClient(addr string, client *http.Client) *hostClient {
	if client == nil {
		client = http.DefaultClient
	}
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &hostClient{base: strings.TrimRight(base, "/"), http: client}
}

// wsURL is the pub/sub endpoint of the host.
func (c *hostClient) wsURL() string {
	u := c.base + "/ws"
	if strings.HasPrefix(u, "https://") {
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	return "ws://" + strings.TrimPrefix(u, "http://")
}

// startResponse is the body of POST /v1/services/:name/start.
type startResponse struct {
	Started bool                  `json:"started"`
	Status  runtime.ServiceStatus `json:"status"`
}

func (c *hostClient) ListServices(ctx context.Context) ([]runtime.ServiceStatus, error) {
	var out []runtime.ServiceStatus
	err := c.do(ctx, http.MethodGet, "/v1/services", &out)
	return out, err
}

func (c *hostClient) GetService(ctx context.Context, name string) (*runtime.ServiceStatus, error) {
	var out runtime.ServiceStatus
	if err := c.do(ctx, http.MethodGet, "/v1/services/"+url.PathEscape(name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *hostClient) StartService(ctx context.Context, name string, wait bool) (*startResponse, error) {
	path := "/v1/services/" + url.PathEscape(name) + "/start"
	if wait {
		path += "?wait=true"
	}
	var out startResponse
	if err := c.do(ctx, http.MethodPost, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *hostClient) StopService(ctx context.Context, name string) (*runtime.ServiceStatus, error) {
	var out runtime.ServiceStatus
	if err := c.do(ctx, http.MethodPost, "/v1/services/"+url.PathEscape(name)+"/stop", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends a bodiless request and decodes a 2xx JSON response into out.
// Other statuses become errors carrying the body's "error" field.
func (c *hostClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("host unreachable at %s (is `biit serve` running?): %w", c.base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
