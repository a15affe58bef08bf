// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPClient abstracts the HTTP client used by HTTPProber.
//
// *http.Client satisfies it; tests substitute a stub.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Prober checks whether a service is ready.
type Prober interface {
	// Probe returns nil when url answers HTTP 200.
	Probe(ctx context.Context, url string) error
}

// HTTPProber probes with a GET request and expects status 200.
type HTTPProber struct {
	client HTTPClient
}

// NewHTTPProber creates a prober. A nil client uses http.DefaultClient.
func NewHTTPProber(client HTTPClient) *HTTPProber {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProber{client: client}
}

// Probe performs one GET against url.
//
// # Inputs
//
//   - ctx: Bounds the request. Callers set a per-probe deadline.
//   - url: Readiness endpoint.
//
// # Outputs
//
//   - error: nil on HTTP 200; otherwise the transport error or the
//     unexpected status.
func (p *HTTPProber) Probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
	}
	return nil
}

var _ Prober = (*HTTPProber)(nil)
