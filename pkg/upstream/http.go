// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/walker77/paygate-mcp-sub009/pkg/networking"
)

// DefaultHTTPTimeout bounds one upstream round trip.
const DefaultHTTPTimeout = 30 * time.Second

// maxResponseBytes caps how much of an upstream response is read.
const maxResponseBytes = 16 << 20

// HTTPTransport forwards JSON-RPC over HTTP POST. It accepts both plain JSON
// responses and single-message SSE streams, which streamable-HTTP servers use
// for call responses.
type HTTPTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithHTTPTimeout overrides the round-trip timeout.
func WithHTTPTimeout(d time.Duration) HTTPOption {
	return func(t *HTTPTransport) {
		if d > 0 {
			t.client.Timeout = d
		}
	}
}

// WithHeaders adds static headers (e.g. upstream auth) to every request.
func WithHeaders(h map[string]string) HTTPOption {
	return func(t *HTTPTransport) {
		for k, v := range h {
			t.headers[k] = v
		}
	}
}

// NewHTTPTransport creates a transport that POSTs to url.
func NewHTTPTransport(url string, opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		url:     url,
		headers: make(map[string]string),
		client: networking.NewHTTPClientBuilder().
			WithTimeout(DefaultHTTPTimeout).
			WithPrivateIPs(true).
			Build(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send posts body and returns the correlated response message.
func (t *HTTPTransport) Send(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, errUpstream("failed to build upstream request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errUpstream("upstream request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errUpstream(fmt.Sprintf("upstream returned status %d", resp.StatusCode), nil)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return firstSSEMessage(resp.Body)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errUpstream("failed to read upstream response", err)
	}
	return data, nil
}

// Close is a no-op; the transport holds no per-connection state.
func (*HTTPTransport) Close() error { return nil }

// firstSSEMessage extracts the first data payload from an event stream. The
// upstream answers a single call with a single event, so the first complete
// data block is the response.
func firstSSEMessage(r io.Reader) ([]byte, error) {
	scanner := bufio.NewScanner(io.LimitReader(r, maxResponseBytes))
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)

	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "" && len(data) > 0:
			return []byte(strings.Join(data, "\n")), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errUpstream("failed to read upstream event stream", err)
	}
	if len(data) > 0 {
		return []byte(strings.Join(data, "\n")), nil
	}
	return nil, errUpstream("upstream event stream contained no message", nil)
}
