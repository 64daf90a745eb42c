// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"golang.org/x/exp/jsonrpc2"

	"github.com/walker77/paygate-mcp-sub009/pkg/logger"
)

// JSON-RPC error codes on the /mcp surface.
const (
	CodeParseError     int64 = -32700
	CodeInvalidRequest int64 = -32600
	CodeMethodNotFound int64 = -32601
	CodeInvalidParams  int64 = -32602
	CodeInternalError  int64 = -32603
	// CodePaymentRequired is the custom code carried by every gate denial.
	CodePaymentRequired int64 = -32402
)

// Methods that bypass the gate.
const (
	methodInitialize = "initialize"
	methodToolsList  = "tools/list"
	methodToolsCall  = "tools/call"
	methodPing       = "ping"
)

// errorResponse encodes a JSON-RPC error response for the given request ID.
func errorResponse(id jsonrpc2.ID, code int64, message string) []byte {
	resp, err := jsonrpc2.NewResponse(id, nil, jsonrpc2.NewError(code, message))
	if err != nil {
		logger.Errorf("Failed to build JSON-RPC error response: %v", err)
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	data, err := jsonrpc2.EncodeMessage(resp)
	if err != nil {
		logger.Errorf("Failed to encode JSON-RPC error response: %v", err)
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return data
}

// parseRequest decodes body into a JSON-RPC request. Notifications decode to
// a request with an empty ID.
func parseRequest(body []byte) (*jsonrpc2.Request, error) {
	msg, err := jsonrpc2.DecodeMessage(body)
	if err != nil {
		return nil, err
	}
	req, ok := msg.(*jsonrpc2.Request)
	if !ok {
		return nil, jsonrpc2.NewError(CodeInvalidRequest, "expected a request message")
	}
	return req, nil
}
