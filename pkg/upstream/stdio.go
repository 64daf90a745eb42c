// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/walker77/paygate-mcp-sub009/pkg/logger"
)

// maxLineBytes caps one newline-delimited JSON-RPC message from the
// subprocess.
const maxLineBytes = 16 << 20

// StdioTransport runs the upstream server as a subprocess and speaks
// newline-delimited JSON-RPC over its stdin/stdout. Responses are matched to
// callers by request ID; messages without an ID are notifications and go to
// the notification callback.
type StdioTransport struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan []byte
	closed  bool

	// onNotify receives upstream notifications; may be nil.
	onNotify func([]byte)

	done chan struct{}
}

// StdioOption configures a StdioTransport.
type StdioOption func(*StdioTransport)

// WithNotificationHandler sets the callback for upstream notifications.
func WithNotificationHandler(fn func([]byte)) StdioOption {
	return func(t *StdioTransport) {
		t.onNotify = fn
	}
}

// NewStdioTransport starts command with args as the upstream server.
func NewStdioTransport(command string, args []string, opts ...StdioOption) (*StdioTransport, error) {
	cmd := exec.Command(command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errUpstream("failed to open upstream stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errUpstream("failed to open upstream stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errUpstream("failed to open upstream stderr", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errUpstream(fmt.Sprintf("failed to start upstream command %s", command), err)
	}

	t := &StdioTransport{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[string]chan []byte),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	go t.readLoop(stdout)
	go drainStderr(stderr)
	return t, nil
}

// Send writes body to the subprocess and waits for the response with the same
// ID. A request without an ID is a notification: it is written and Send
// returns immediately with no response.
func (t *StdioTransport) Send(ctx context.Context, body []byte) ([]byte, error) {
	id := gjson.GetBytes(body, "id")
	if !id.Exists() {
		if err := t.write(body); err != nil {
			return nil, err
		}
		return nil, nil
	}

	ch := make(chan []byte, 1)
	key := id.Raw

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errUpstream("upstream transport is closed", nil)
	}
	if _, exists := t.pending[key]; exists {
		t.mu.Unlock()
		return nil, errUpstream(fmt.Sprintf("duplicate in-flight request id %s", key), nil)
	}
	t.pending[key] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
	}()

	if err := t.write(body); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errUpstream("upstream exited before responding", nil)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, errUpstream("upstream response timed out", ctx.Err())
	case <-t.done:
		return nil, errUpstream("upstream exited before responding", nil)
	}
}

func (t *StdioTransport) write(body []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(body, '\n')); err != nil {
		return errUpstream("failed to write to upstream", err)
	}
	return nil
}

func (t *StdioTransport) readLoop(stdout io.Reader) {
	defer close(t.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg := make([]byte, len(line))
		copy(msg, line)

		id := gjson.GetBytes(msg, "id")
		if !id.Exists() || id.Type == gjson.Null {
			if t.onNotify != nil {
				t.onNotify(msg)
			}
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[id.Raw]
		t.mu.Unlock()
		if !ok {
			logger.Debugf("Dropping upstream response with unknown id %s", id.Raw)
			continue
		}
		// Buffered; at most one response per pending ID.
		ch <- msg
	}
	if err := scanner.Err(); err != nil {
		logger.Warnf("Upstream stdout read failed: %v", err)
	}
}

// drainStderr forwards the subprocess's stderr into the log.
func drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		logger.Debugf("upstream: %s", logger.SanitizeField(scanner.Text()))
	}
}

// Close terminates the subprocess: stdin is closed so the server can exit
// cleanly, and the process is killed if it lingers.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	_ = t.stdin.Close()

	exited := make(chan error, 1)
	go func() { exited <- t.cmd.Wait() }()

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		if err := t.cmd.Process.Kill(); err != nil {
			logger.Warnf("Failed to kill upstream process: %v", err)
		}
		<-exited
	}
	return nil
}
