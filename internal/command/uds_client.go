package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"firestige.xyz/wlanrx/internal/diag"
	"firestige.xyz/wlanrx/internal/rx"
)

var requestSeq atomic.Uint64

// UDSClient is a JSON-RPC client over Unix Domain Socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// RemoteError is a JSON-RPC error returned by the daemon.
type RemoteError struct {
	Method string
	*ErrorInfo
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s (code %d)", e.Method, e.Message, e.Code)
}

// rawResponse keeps the result undecoded so callers can pick its type.
type rawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// Call sends a command and waits for response.
func (c *UDSClient) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	raw, err := c.roundTrip(ctx, method, params)
	if err != nil {
		return nil, err
	}
	resp := &Response{ID: fmt.Sprintf("%v", raw.ID), Error: raw.Error}
	if len(raw.Result) > 0 {
		var v interface{}
		if err := json.Unmarshal(raw.Result, &v); err != nil {
			return nil, fmt.Errorf("failed to parse result: %w", err)
		}
		resp.Result = v
	}
	return resp, nil
}

// CallInto sends a command and decodes its result into out. A daemon side
// failure is returned as *RemoteError.
func (c *UDSClient) CallInto(ctx context.Context, method string, params, out interface{}) error {
	raw, err := c.roundTrip(ctx, method, params)
	if err != nil {
		return err
	}
	if raw.Error != nil {
		return &RemoteError{Method: method, ErrorInfo: raw.Error}
	}
	if out == nil || len(raw.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

func (c *UDSClient) roundTrip(ctx context.Context, method string, params interface{}) (*rawResponse, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}

	reqID := fmt.Sprintf("req-%d-%d", time.Now().UnixNano(), requestSeq.Add(1))
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 16*maxRequestSize)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed without response")
	}

	var resp rawResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if got := fmt.Sprintf("%v", resp.ID); got != reqID {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, got)
	}
	return &resp, nil
}

// Stats fetches rx_stats.
func (c *UDSClient) Stats(ctx context.Context) (*rx.Stats, error) {
	var st rx.Stats
	if err := c.CallInto(ctx, "rx_stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Suspend parks the receive path, waiting at most timeout.
func (c *UDSClient) Suspend(ctx context.Context, timeout time.Duration) error {
	return c.CallInto(ctx, "rx_suspend", TimeoutParams{TimeoutMS: int(timeout / time.Millisecond)}, nil)
}

// Resume restarts a suspended receive path.
func (c *UDSClient) Resume(ctx context.Context) error {
	return c.CallInto(ctx, "rx_resume", nil, nil)
}

// Flush requests a coalescer flush on one ring, or every ring when ring is nil.
func (c *UDSClient) Flush(ctx context.Context, ring *int, reason string) error {
	return c.CallInto(ctx, "rx_flush", FlushParams{Ring: ring, Reason: reason}, nil)
}

// FlushOwner drops everything queued for owner and returns how many
// batches were dropped.
func (c *UDSClient) FlushOwner(ctx context.Context, owner uint32) (int, error) {
	var out struct {
		Dropped int `json:"dropped"`
	}
	if err := c.CallInto(ctx, "rx_flush_owner", FlushOwnerParams{Owner: owner}, &out); err != nil {
		return 0, err
	}
	return out.Dropped, nil
}

// SetAffinity pins the dispatch workers to cpus.
func (c *UDSClient) SetAffinity(ctx context.Context, cpus []int) error {
	return c.CallInto(ctx, "rx_affinity", AffinityParams{CPUs: cpus}, nil)
}

// Rekey suppresses replay checks for the next frame of peer on tid, or on
// every TID when tid is nil.
func (c *UDSClient) Rekey(ctx context.Context, peer string, tid *int) error {
	return c.CallInto(ctx, "peer_rekey", PeerParams{Peer: peer, TID: tid}, nil)
}

// RemovePeer forgets a peer.
func (c *UDSClient) RemovePeer(ctx context.Context, peer string) error {
	return c.CallInto(ctx, "peer_remove", PeerParams{Peer: peer}, nil)
}

// Trace fetches the replay trace, optionally draining it.
func (c *UDSClient) Trace(ctx context.Context, drain bool) ([]diag.Record, error) {
	var out struct {
		Records []diag.Record `json:"records"`
	}
	if err := c.CallInto(ctx, "trace_dump", TraceParams{Drain: drain}, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// Status returns daemon_status.
func (c *UDSClient) Status(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.CallInto(ctx, "daemon_status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Shutdown asks the daemon to stop.
func (c *UDSClient) Shutdown(ctx context.Context) error {
	return c.CallInto(ctx, "daemon_shutdown", nil, nil)
}

// Ping checks that the daemon answers.
func (c *UDSClient) Ping(ctx context.Context) error {
	_, err := c.Status(ctx)
	return err
}
