// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// writeSSEResponse writes one JSON-RPC response as a single SSE frame and
// closes the stream.
func writeSSEResponse(w http.ResponseWriter, payload []byte) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// handleStream serves GET /mcp: a long-lived notification channel for the
// session. The first frame is a notifications/initialized event carrying the
// session id; afterwards the stream carries keep-alive comments and any
// server-to-client notifications until the client disconnects.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if !acceptsSSE(r) {
		http.Error(w, "GET /mcp requires Accept: text/event-stream", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	keyID := h.resolveCredential(r)
	sess, created := h.resolveSession(w, r, keyID)
	if !created {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(SessionHeader, sess.ID)
	w.WriteHeader(http.StatusOK)

	initialized, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/initialized",
		"params":  map[string]string{"sessionId": sess.ID},
	})
	fmt.Fprintf(w, "event: message\ndata: %s\n\n", initialized)
	flusher.Flush()

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	// The session record outlives a client disconnect; only the stream ends.
	for {
		select {
		case <-r.Context().Done():
			return
		case frame, open := <-sess.Notifications():
			if !open {
				// Session destroyed or evicted: tell the client and close.
				fmt.Fprint(w, "event: shutdown\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", frame)
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}
