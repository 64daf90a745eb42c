// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walker77/paygate-mcp-sub009/pkg/errors"
)

func TestHTTPTransportJSONResponse(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Contains(t, r.Header.Get("Accept"), "text/event-stream")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	t.Cleanup(srv.Close)

	tr := NewHTTPTransport(srv.URL)
	resp, err := tr.Send(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, string(resp))
}

func TestHTTPTransportSSEResponse(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n\n"))
	}))
	t.Cleanup(srv.Close)

	tr := NewHTTPTransport(srv.URL)
	resp, err := tr.Send(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, string(resp))
}

func TestHTTPTransportMultilineSSEData(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"a\":\ndata: 1}\n\n"))
	}))
	t.Cleanup(srv.Close)

	tr := NewHTTPTransport(srv.URL)
	resp, err := tr.Send(context.Background(), []byte(`{"id":1}`))
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":\n1}", string(resp))
}

func TestHTTPTransportStatusError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	tr := NewHTTPTransport(srv.URL)
	_, err := tr.Send(context.Background(), []byte(`{"id":1}`))
	require.Error(t, err)
	assert.True(t, errors.IsUpstream(err))
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPTransportCustomHeaders(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	tr := NewHTTPTransport(srv.URL, WithHeaders(map[string]string{"Authorization": "Bearer tok"}))
	_, err := tr.Send(context.Background(), []byte(`{"id":1}`))
	require.NoError(t, err)
}

func TestHTTPTransportTimeout(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(time.Second)
	}))
	t.Cleanup(srv.Close)

	tr := NewHTTPTransport(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.Send(ctx, []byte(`{"id":1}`))
	require.Error(t, err)
	assert.True(t, errors.IsUpstream(err))
}

// The stdio tests use cat(1): it echoes each request line back verbatim, so
// the response carries the request's own ID.
func TestStdioTransportEcho(t *testing.T) {
	t.Parallel()
	tr, err := NewStdioTransport("cat", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	body := []byte(`{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	resp, err := tr.Send(context.Background(), body)
	require.NoError(t, err)
	assert.Equal(t, string(body), string(resp))
}

func TestStdioTransportNotification(t *testing.T) {
	t.Parallel()
	notified := make(chan []byte, 1)
	tr, err := NewStdioTransport("cat", nil, WithNotificationHandler(func(msg []byte) {
		select {
		case notified <- msg:
		default:
		}
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	// No ID: written fire-and-forget, echoed back as an upstream notification.
	body := []byte(`{"jsonrpc":"2.0","method":"notifications/progress"}`)
	resp, err := tr.Send(context.Background(), body)
	require.NoError(t, err)
	assert.Nil(t, resp)

	select {
	case msg := <-notified:
		assert.Equal(t, string(body), string(msg))
	case <-time.After(5 * time.Second):
		t.Fatal("notification was not delivered")
	}
}

func TestStdioTransportDuplicateID(t *testing.T) {
	t.Parallel()
	// sleep never answers, keeping the first request in flight.
	tr, err := NewStdioTransport("sleep", []string{"60"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	firstDone := make(chan error, 1)
	go func() {
		_, err := tr.Send(ctx, []byte(`{"id":1,"method":"a"}`))
		firstDone <- err
	}()

	// Wait for the first request to be registered as pending.
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.pending) == 1
	}, 5*time.Second, time.Millisecond)

	_, err = tr.Send(context.Background(), []byte(`{"id":1,"method":"b"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	cancel()
	require.Error(t, <-firstDone)
}

func TestStdioTransportSendAfterClose(t *testing.T) {
	t.Parallel()
	tr, err := NewStdioTransport("cat", nil)
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	_, err = tr.Send(context.Background(), []byte(`{"id":1}`))
	require.Error(t, err)
	assert.True(t, errors.IsUpstream(err))
}
