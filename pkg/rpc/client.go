package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"foreman/pkg/approval"
	"foreman/pkg/coordinator"
	"foreman/pkg/protocol"
)

// Client calls a foreman server. Every call uses its own connection.
type Client struct {
	path string
}

// NewClient returns a client for the server listening on socketPath.
func NewClient(socketPath string) *Client {
	return &Client{path: socketPath}
}

// rawResponse defers decoding of the result.
type rawResponse struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error"`
	Code   string          `json:"code"`
	Result json.RawMessage `json:"result"`
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, fmt.Errorf("connect to foreman server at %s: %w", c.path, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return conn, nil
}

func writeRequest(conn net.Conn, op string, args any) error {
	req := Request{Op: op}
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("marshal %s args: %w", op, err)
		}
		req.Args = data
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", op, err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("send %s: %w", op, err)
	}
	return nil
}

func readResponse(scanner *bufio.Scanner, op string) (rawResponse, error) {
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return rawResponse{}, fmt.Errorf("read %s response: %w", op, err)
		}
		return rawResponse{}, fmt.Errorf("no response to %s", op)
	}
	var resp rawResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return rawResponse{}, fmt.Errorf("unmarshal %s response: %w", op, err)
	}
	if !resp.OK {
		return resp, &RemoteError{Op: op, Code: resp.Code, Message: resp.Error}
	}
	return resp, nil
}

// Call sends one request and decodes its result into out, which may be nil.
func (c *Client) Call(ctx context.Context, op string, args, out any) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := writeRequest(conn, op, args); err != nil {
		return err
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	resp, err := readResponse(scanner, op)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", op, err)
	}
	return nil
}

// Subscribe streams events to fn until ctx is cancelled, the server goes
// away or fn returns an error. Cancellation is not reported as an error.
func (c *Client) Subscribe(ctx context.Context, sessionID string, fn func(protocol.Event) error) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := writeRequest(conn, OpSubscribe, SubscribeArgs{SessionID: sessionID}); err != nil {
		return err
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	if _, err := readResponse(scanner, OpSubscribe); err != nil {
		return err
	}

	for scanner.Scan() {
		var ev protocol.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("read events: %w", err)
	}
	return nil
}

// ListSessions returns every session summary.
func (c *Client) ListSessions(ctx context.Context) ([]protocol.Summary, error) {
	var out []protocol.Summary
	err := c.Call(ctx, OpSessionList, nil, &out)
	return out, err
}

// GetSession returns one session with its log tail.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*coordinator.SessionView, error) {
	var out coordinator.SessionView
	if err := c.Call(ctx, OpSessionGet, SessionArgs{SessionID: sessionID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSession starts a new session.
func (c *Client) CreateSession(ctx context.Context, req coordinator.CreateRequest) (*coordinator.SessionView, error) {
	var out coordinator.SessionView
	if err := c.Call(ctx, OpSessionCreate, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Replan re-triggers planning.
func (c *Client) Replan(ctx context.Context, sessionID string) (*coordinator.SessionView, error) {
	var out coordinator.SessionView
	if err := c.Call(ctx, OpSessionReplan, SessionArgs{SessionID: sessionID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Resume nudges every target of a session.
func (c *Client) Resume(ctx context.Context, sessionID, source string) (coordinator.ResumeResult, error) {
	var out coordinator.ResumeResult
	err := c.Call(ctx, OpSessionResume, ResumeArgs{SessionID: sessionID, Source: source}, &out)
	return out, err
}

// SendInput types text into one target.
func (c *Client) SendInput(ctx context.Context, req coordinator.SendRequest) (coordinator.SendResult, error) {
	var out coordinator.SendResult
	err := c.Call(ctx, OpSessionSend, req, &out)
	return out, err
}

// ResolveApproval answers one approval.
func (c *Client) ResolveApproval(ctx context.Context, args ResolveArgs) (approval.Resolution, error) {
	var out approval.Resolution
	err := c.Call(ctx, OpResolve, args, &out)
	return out, err
}

// ResolveBatch answers several approvals in order.
func (c *Client) ResolveBatch(ctx context.Context, sessionID string, items []coordinator.ResolveItem) (coordinator.BatchResult, error) {
	var out coordinator.BatchResult
	err := c.Call(ctx, OpResolveBatch, ResolveBatchArgs{SessionID: sessionID, Items: items}, &out)
	return out, err
}

// StopSession stops a session and its terminals.
func (c *Client) StopSession(ctx context.Context, sessionID string) error {
	return c.Call(ctx, OpSessionStop, SessionArgs{SessionID: sessionID}, nil)
}
