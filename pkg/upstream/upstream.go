// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream provides the JSON-RPC transports the proxy forwards tool
// calls over: a remote HTTP endpoint or a stdio subprocess. Either way a
// request goes up and exactly one response, correlated by ID, comes back.
package upstream

import (
	"context"

	"github.com/walker77/paygate-mcp-sub009/pkg/errors"
)

// Transport forwards one raw JSON-RPC request and returns the raw response.
// Implementations are safe for concurrent use.
type Transport interface {
	// Send forwards body and returns the correlated response message.
	Send(ctx context.Context, body []byte) ([]byte, error)
	// Close releases the transport's resources.
	Close() error
}

// errUpstream wraps a transport failure in the shared taxonomy.
func errUpstream(msg string, cause error) error {
	return errors.NewUpstreamError(msg, cause)
}
