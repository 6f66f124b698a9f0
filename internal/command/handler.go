// Package command implements control plane command handling.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/wlanrx/internal/core"
	"firestige.xyz/wlanrx/internal/diag"
	"firestige.xyz/wlanrx/internal/dispatch"
	"firestige.xyz/wlanrx/internal/rx"
)

// Version is reported by daemon_status.
const Version = "0.1.0"

// defaultCallTimeout bounds suspend and owner flush when the caller gives
// no timeout.
const defaultCallTimeout = 5 * time.Second

// Controller is the receive path as seen by the control plane.
type Controller interface {
	Stats() rx.Stats
	Suspend(ctx context.Context) error
	Resume() error
	Flush(ringID int, reason dispatch.FlushReason) error
	FlushOwner(ctx context.Context, owner core.OwnerID) (int, error)
	SetAffinity(cpus []int) error
	Rekey(mac core.MAC, tid uint8) error
	RemovePeer(mac core.MAC) error
	Trace(drain bool) []diag.Record
}

// CommandHandler handles control plane commands.
type CommandHandler struct {
	rx           Controller
	shutdownFunc func() // Called by daemon_shutdown to trigger graceful stop
	startTime    int64  // Unix timestamp of daemon start for uptime calc
	node         string
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(ctrl Controller, node string) *CommandHandler {
	return &CommandHandler{
		rx:        ctrl,
		startTime: time.Now().Unix(),
		node:      node,
	}
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"` // e.g., "rx_stats", "peer_rekey"
	Params json.RawMessage `json:"params"` // command-specific parameters
	ID     string          `json:"id"`     // request ID for tracking
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`               // matches request ID
	Result interface{} `json:"result,omitempty"` // success result
	Error  *ErrorInfo  `json:"error,omitempty"`  // error info if failed
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error
)

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	slog.Debug("handling command", "method", cmd.Method, "id", cmd.ID)

	switch cmd.Method {
	case "rx_stats":
		return Response{ID: cmd.ID, Result: h.rx.Stats()}
	case "rx_suspend":
		return h.handleSuspend(ctx, cmd)
	case "rx_resume":
		return h.handleResume(cmd)
	case "rx_flush":
		return h.handleFlush(cmd)
	case "rx_flush_owner":
		return h.handleFlushOwner(ctx, cmd)
	case "rx_affinity":
		return h.handleAffinity(cmd)
	case "peer_rekey":
		return h.handlePeerRekey(cmd)
	case "peer_remove":
		return h.handlePeerRemove(cmd)
	case "trace_dump":
		return h.handleTraceDump(cmd)
	case "daemon_status":
		return h.handleDaemonStatus(cmd)
	case "daemon_shutdown":
		return h.handleDaemonShutdown(cmd)
	default:
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", cmd.Method))
	}
}

func errorResponse(id string, code int, msg string) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: msg}}
}

// failure maps a receive path error to a response. Caller mistakes are
// reported as invalid params.
func failure(id, op string, err error) Response {
	code := ErrCodeInternalError
	switch {
	case errors.Is(err, core.ErrPeerNotFound),
		errors.Is(err, core.ErrInvalidRing),
		errors.Is(err, core.ErrConfigInvalid):
		code = ErrCodeInvalidParams
	}
	return errorResponse(id, code, fmt.Sprintf("%s failed: %v", op, err))
}

// decodeParams unmarshals optional params into v.
func decodeParams(cmd Command, v any) *Response {
	if len(cmd.Params) == 0 || string(cmd.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(cmd.Params, v); err != nil {
		resp := errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
		return &resp
	}
	return nil
}

// TimeoutParams bounds a blocking command.
type TimeoutParams struct {
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

func (p TimeoutParams) context(parent context.Context) (context.Context, context.CancelFunc) {
	d := defaultCallTimeout
	if p.TimeoutMS > 0 {
		d = time.Duration(p.TimeoutMS) * time.Millisecond
	}
	return context.WithTimeout(parent, d)
}

func (h *CommandHandler) handleSuspend(ctx context.Context, cmd Command) Response {
	var params TimeoutParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	ctx, cancel := params.context(ctx)
	defer cancel()

	if err := h.rx.Suspend(ctx); err != nil {
		return failure(cmd.ID, "suspend", err)
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"state": core.StateSuspended}}
}

func (h *CommandHandler) handleResume(cmd Command) Response {
	if err := h.rx.Resume(); err != nil {
		return failure(cmd.ID, "resume", err)
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"state": core.StateRunning}}
}

// FlushParams represents parameters for rx_flush.
type FlushParams struct {
	Ring   *int   `json:"ring"`             // nil = every ring
	Reason string `json:"reason,omitempty"` // default low_throughput
}

func (h *CommandHandler) handleFlush(cmd Command) Response {
	var params FlushParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	reason := dispatch.FlushReason(params.Reason)
	if reason == "" {
		reason = dispatch.FlushLowThroughput
	}

	var rings []int
	if params.Ring != nil {
		rings = []int{*params.Ring}
	} else {
		for i := range h.rx.Stats().Dispatch.Workers {
			rings = append(rings, i)
		}
	}
	for _, r := range rings {
		if err := h.rx.Flush(r, reason); err != nil {
			return failure(cmd.ID, fmt.Sprintf("flush ring %d", r), err)
		}
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"rings": rings, "reason": reason}}
}

// FlushOwnerParams represents parameters for rx_flush_owner.
type FlushOwnerParams struct {
	Owner uint32 `json:"owner"`
	TimeoutParams
}

func (h *CommandHandler) handleFlushOwner(ctx context.Context, cmd Command) Response {
	var params FlushOwnerParams
	if len(cmd.Params) == 0 {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "owner is required")
	}
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	ctx, cancel := params.context(ctx)
	defer cancel()

	n, err := h.rx.FlushOwner(ctx, core.OwnerID(params.Owner))
	if err != nil {
		return failure(cmd.ID, "flush owner", err)
	}
	slog.Info("flow owner flushed", "owner", params.Owner, "dropped", n)
	return Response{ID: cmd.ID, Result: map[string]interface{}{"owner": params.Owner, "dropped": n}}
}

// AffinityParams represents parameters for rx_affinity.
type AffinityParams struct {
	CPUs []int `json:"cpus"`
}

func (h *CommandHandler) handleAffinity(cmd Command) Response {
	var params AffinityParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	if err := h.rx.SetAffinity(params.CPUs); err != nil {
		return failure(cmd.ID, "set affinity", err)
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"cpus": params.CPUs}}
}

// PeerParams identifies a peer and optionally one of its TIDs.
type PeerParams struct {
	Peer string `json:"peer"`
	TID  *int   `json:"tid,omitempty"` // nil = every TID
}

func (p PeerParams) mac() (core.MAC, error) {
	if p.Peer == "" {
		return core.MAC{}, fmt.Errorf("peer is required")
	}
	return core.ParseMAC(p.Peer)
}

func (h *CommandHandler) handlePeerRekey(cmd Command) Response {
	var params PeerParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	mac, err := params.mac()
	if err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, err.Error())
	}

	tids := make([]int, 0, core.NumTIDs)
	if params.TID != nil {
		if *params.TID < 0 || *params.TID >= core.NumTIDs {
			return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("tid %d out of range", *params.TID))
		}
		tids = append(tids, *params.TID)
	} else {
		for tid := 0; tid < core.NumTIDs; tid++ {
			tids = append(tids, tid)
		}
	}
	for _, tid := range tids {
		if err := h.rx.Rekey(mac, uint8(tid)); err != nil {
			return failure(cmd.ID, "rekey", err)
		}
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"peer": mac, "tids": tids}}
}

func (h *CommandHandler) handlePeerRemove(cmd Command) Response {
	var params PeerParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	mac, err := params.mac()
	if err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, err.Error())
	}
	if err := h.rx.RemovePeer(mac); err != nil {
		return failure(cmd.ID, "remove peer", err)
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"peer": mac, "status": "removed"}}
}

// TraceParams represents parameters for trace_dump.
type TraceParams struct {
	Drain bool `json:"drain,omitempty"`
}

func (h *CommandHandler) handleTraceDump(cmd Command) Response {
	var params TraceParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	records := h.rx.Trace(params.Drain)
	return Response{ID: cmd.ID, Result: map[string]interface{}{"records": records, "count": len(records)}}
}

// handleDaemonStatus returns daemon status information.
func (h *CommandHandler) handleDaemonStatus(cmd Command) Response {
	st := h.rx.Stats()
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"version":    Version,
			"node":       h.node,
			"uptime_sec": time.Now().Unix() - h.startTime,
			"state":      st.State,
			"rings":      len(st.Dispatch.Workers),
			"peers":      st.Peers,
		},
	}
}

// handleDaemonShutdown triggers graceful daemon shutdown via the registered callback.
func (h *CommandHandler) handleDaemonShutdown(cmd Command) Response {
	if h.shutdownFunc == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "shutdown handler not registered")
	}

	slog.Info("daemon_shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc() // Non-blocking: let the response be sent first

	return Response{
		ID:     cmd.ID,
		Result: map[string]interface{}{"status": "shutting_down"},
	}
}
