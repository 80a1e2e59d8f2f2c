package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"foreman/pkg/approval"
	"foreman/pkg/coordinator"
	"foreman/pkg/protocol"
)

// Service is the operation surface served over the socket.
// *coordinator.Coordinator implements it.
type Service interface {
	ListSessions(ctx context.Context) ([]protocol.Summary, error)
	GetSession(ctx context.Context, sessionID string) (*coordinator.SessionView, error)
	CreateSession(ctx context.Context, req coordinator.CreateRequest) (*coordinator.SessionView, error)
	Replan(ctx context.Context, sessionID string) (*coordinator.SessionView, error)
	Resume(ctx context.Context, sessionID, source string) (coordinator.ResumeResult, error)
	SendInput(ctx context.Context, req coordinator.SendRequest) (coordinator.SendResult, error)
	ResolveApproval(ctx context.Context, sessionID, approvalID string, choice int, instruction string) (approval.Resolution, error)
	ResolveBatch(ctx context.Context, sessionID string, items []coordinator.ResolveItem) coordinator.BatchResult
	StopSession(ctx context.Context, sessionID string) error
	Subscribe(sessionID string) (<-chan protocol.Event, func())
}

var _ Service = (*coordinator.Coordinator)(nil)

// Server answers socket requests against a Service.
type Server struct {
	svc  Service
	path string
	log  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a server bound to socketPath once Serve is called.
func NewServer(svc Service, socketPath string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{svc: svc, path: socketPath, log: log}
}

// Serve listens on the socket and blocks until ctx is cancelled. The socket
// file is owner-only and removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := cleanStaleSocket(s.path); err != nil {
		return err
	}
	ln, err := net.Listen("unix", s.path) //nolint:noctx // UDS bind is instant
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("listening", "socket", s.path)

	go s.acceptLoop(ctx, ln)

	<-ctx.Done()
	_ = ln.Close()
	s.wg.Wait()
	_ = os.Remove(s.path)
	return nil
}

// Listening reports whether Serve has bound the socket.
func (s *Server) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn answers line-delimited requests until the client hangs up.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Unblock the scanner on shutdown.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = enc.Encode(failure(&protocol.ValidationError{Field: "request", Reason: err.Error()}))
			continue
		}
		if req.Op == OpSubscribe {
			s.stream(ctx, conn, enc, req)
			return
		}
		resp := s.handle(ctx, req)
		if !resp.OK {
			s.log.Debug("request failed", "op", req.Op, "err", resp.Error)
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func decodeArgs(req Request, v any) error {
	if len(req.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Args, v); err != nil {
		return &protocol.ValidationError{Field: "args", Reason: err.Error()}
	}
	return nil
}

func reply(result any, err error) Response {
	if err != nil {
		return failure(err)
	}
	return Response{OK: true, Result: result}
}

// handle runs one request. Every error is folded into the response.
func (s *Server) handle(ctx context.Context, req Request) Response {
	switch req.Op {
	case OpSessionList:
		list, err := s.svc.ListSessions(ctx)
		if list == nil {
			list = []protocol.Summary{}
		}
		return reply(list, err)

	case OpSessionGet:
		var a SessionArgs
		if err := decodeArgs(req, &a); err != nil {
			return failure(err)
		}
		return reply(s.svc.GetSession(ctx, a.SessionID))

	case OpSessionCreate:
		var a coordinator.CreateRequest
		if err := decodeArgs(req, &a); err != nil {
			return failure(err)
		}
		return reply(s.svc.CreateSession(ctx, a))

	case OpSessionReplan:
		var a SessionArgs
		if err := decodeArgs(req, &a); err != nil {
			return failure(err)
		}
		return reply(s.svc.Replan(ctx, a.SessionID))

	case OpSessionResume:
		var a ResumeArgs
		if err := decodeArgs(req, &a); err != nil {
			return failure(err)
		}
		return reply(s.svc.Resume(ctx, a.SessionID, a.Source))

	case OpSessionSend:
		var a coordinator.SendRequest
		if err := decodeArgs(req, &a); err != nil {
			return failure(err)
		}
		return reply(s.svc.SendInput(ctx, a))

	case OpResolve:
		var a ResolveArgs
		if err := decodeArgs(req, &a); err != nil {
			return failure(err)
		}
		return reply(s.svc.ResolveApproval(ctx, a.SessionID, a.ApprovalID, a.Choice, a.Instruction))

	case OpResolveBatch:
		var a ResolveBatchArgs
		if err := decodeArgs(req, &a); err != nil {
			return failure(err)
		}
		return reply(s.svc.ResolveBatch(ctx, a.SessionID, a.Items), nil)

	case OpSessionStop:
		var a SessionArgs
		if err := decodeArgs(req, &a); err != nil {
			return failure(err)
		}
		err := s.svc.StopSession(ctx, a.SessionID)
		return reply(StopResult{SessionID: a.SessionID, Stopped: err == nil}, err)

	default:
		return failure(&protocol.ValidationError{Field: "op", Reason: fmt.Sprintf("unknown operation %q", req.Op)})
	}
}

// stream acknowledges a subscription and then writes events until the
// client disconnects or the server stops.
func (s *Server) stream(ctx context.Context, conn net.Conn, enc *json.Encoder, req Request) {
	var a SubscribeArgs
	if err := decodeArgs(req, &a); err != nil {
		_ = enc.Encode(failure(err))
		return
	}
	events, cancel := s.svc.Subscribe(a.SessionID)
	defer cancel()

	if err := enc.Encode(Response{OK: true, Result: a}); err != nil {
		return
	}

	// The client sends nothing more; a read returning means it hung up.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		_, _ = io.Copy(io.Discard, conn)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
		}
	}
}
