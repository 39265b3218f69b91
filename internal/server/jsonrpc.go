package server

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/loykin/plugind/internal/ctlerr"
)

const jsonrpcVersion = "2.0"

// JSON-RPC 2.0 protocol error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcNotification carries events to websocket subscribers.
type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type errorData struct {
	Code string `json:"code"`
}

// methodName accepts both "activate" and designators like "Controller.1.activate".
func methodName(m string) string {
	if i := strings.LastIndexByte(m, '.'); i >= 0 {
		return m[i+1:]
	}
	return m
}

// serveRPC decodes and runs one request. ok is false for notifications, which get no reply.
func (r *Router) serveRPC(ctx context.Context, body []byte) (resp rpcResponse, ok bool) {
	resp = rpcResponse{JSONRPC: jsonrpcVersion, ID: json.RawMessage("null")}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		resp.Error = &rpcError{Code: codeParseError, Message: "parse error: " + err.Error()}
		return resp, true
	}
	if len(req.ID) > 0 {
		resp.ID = req.ID
	}
	if req.JSONRPC != jsonrpcVersion || strings.TrimSpace(req.Method) == "" {
		resp.Error = &rpcError{Code: codeInvalidRequest, Message: "invalid request"}
		return resp, true
	}
	res, err := r.disp.Invoke(ctx, methodName(req.Method), req.Params)
	if err != nil {
		resp.Error = &rpcError{
			Code:    ctlerr.WireCode(err),
			Message: err.Error(),
			Data:    errorData{Code: string(ctlerr.CodeOf(err))},
		}
	} else {
		resp.Result = res
	}
	return resp, len(req.ID) > 0
}
