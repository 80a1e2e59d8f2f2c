// Package coordinator owns the lifecycle of every session: it starts the
// terminals, runs one planning job and one output watcher per session,
// dispatches plans, forwards supervisor directives, and exposes the
// operation surface used by the CLI and the socket server.
//
// Each session is guarded by its own mutex. Watcher ticks only try the lock
// and skip a tick when another operation holds it; every other mutation
// waits for it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"foreman/pkg/approval"
	"foreman/pkg/dispatch"
	"foreman/pkg/eventbus"
	"foreman/pkg/planner"
	"foreman/pkg/protocol"
	"foreman/pkg/terminal"
)

// Store is the persistence the coordinator needs. *store.Store implements it.
type Store interface {
	CreateSession(ctx context.Context, sess *protocol.Session) error
	GetSession(ctx context.Context, id string) (*protocol.Session, error)
	SaveSession(ctx context.Context, sess *protocol.Session) error
	UpdateSession(ctx context.Context, id string, fn func(*protocol.Session) error) (*protocol.Session, error)
	ListSessionIDs(ctx context.Context) ([]string, error)
	ListSessions(ctx context.Context) ([]protocol.Summary, error)
	AppendEvent(ctx context.Context, sessionID string, typ protocol.EventType, payload any) (protocol.Event, error)
	ReadLogTail(ctx context.Context, sessionID string, limit int) ([]protocol.Event, error)
}

// Config configures a Coordinator.
type Config struct {
	SupervisorCommand string
	WorkerCommand     string
	Runtime           string        // terminal preference: hybrid, tmux or subprocess
	WatchInterval     time.Duration // default 2s
	MaxRetries        int           // extra planning attempts
	AllowFallback     bool
	Policy            protocol.ApprovalPolicy
	Planner           planner.Config
	Logger            *slog.Logger
}

// Coordinator manages sessions. It is safe for concurrent use.
type Coordinator struct {
	store    Store
	rt       terminal.Runtime
	bus      *eventbus.Bus
	planner  *planner.Planner
	dispatch *dispatch.Engine
	broker   *approval.Broker
	cfg      Config
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	watchers map[string]context.CancelFunc
	jobs     map[string]struct{}

	// nowFunc, afterFunc and newID allow tests to control time and ids.
	nowFunc   func() time.Time
	afterFunc func(d time.Duration, f func())
	newID     func() string
}

// New creates a Coordinator. Call Start before serving requests and Close
// when done.
func New(st Store, rt terminal.Runtime, bus *eventbus.Bus, cfg Config) *Coordinator {
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = 2 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg.Planner.Logger = cfg.Logger
	cfg.Planner.MaxRetries = cfg.MaxRetries

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:    st,
		rt:       rt,
		bus:      bus,
		cfg:      cfg,
		log:      cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		locks:    make(map[string]*sync.Mutex),
		watchers: make(map[string]context.CancelFunc),
		jobs:     make(map[string]struct{}),
		nowFunc:  time.Now,
		afterFunc: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
		newID: func() string { return uuid.New().String()[:8] },
	}
	c.planner = planner.New(rt, c, cfg.Planner)
	c.dispatch = dispatch.New(rt, c, 0)
	c.broker = approval.New(rt, c, c.planner, cfg.Logger)
	return c
}

// Start forwards terminal output to the event bus and recovers sessions
// left running by a previous process.
func (c *Coordinator) Start(ctx context.Context) error {
	c.wg.Add(1)
	go c.forwardOutput()
	return c.Recover(ctx)
}

// Close stops every watcher and waits for background work to finish.
// Terminals are left running so a later process can re-attach.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// Bus returns the event bus sessions publish to.
func (c *Coordinator) Bus() *eventbus.Bus { return c.bus }

// Subscribe streams live events of one session, or of every session when
// sessionID is empty, until cancel is called.
func (c *Coordinator) Subscribe(sessionID string) (<-chan protocol.Event, func()) {
	return c.bus.Subscribe(sessionID)
}

// Record appends an event to the session log and publishes it. Failures are
// logged, never returned.
func (c *Coordinator) Record(ctx context.Context, sessionID string, typ protocol.EventType, payload any) {
	ev, err := c.store.AppendEvent(ctx, sessionID, typ, payload)
	if err != nil {
		c.log.Warn("append event failed", "session", sessionID, "type", typ, "err", err)
		ev = protocol.Event{Type: typ, SessionID: sessionID, Payload: payload, At: c.nowFunc()}
	}
	ev.Payload = payload
	c.bus.Publish(ev)
}

// publish emits a live-only event.
func (c *Coordinator) publish(sessionID string, typ protocol.EventType, payload any) {
	c.bus.Publish(protocol.Event{Type: typ, SessionID: sessionID, Payload: payload, At: c.nowFunc()})
}

// snapshot publishes the current view of a session.
func (c *Coordinator) snapshot(ctx context.Context, sessionID string) {
	view, err := c.GetSession(ctx, sessionID)
	if err != nil {
		c.log.Debug("snapshot skipped", "session", sessionID, "err", err)
		return
	}
	c.publish(sessionID, protocol.EventSessionUpdated, view)
}

// outputPayload is the body of a worker-log event.
type outputPayload struct {
	TargetID string   `json:"targetId"`
	Lines    []string `json:"lines"`
	LastLine string   `json:"lastLine"`
}

func (c *Coordinator) forwardOutput() {
	defer c.wg.Done()
	out := c.rt.Output()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-out:
			if !ok {
				return
			}
			c.publish(ev.SessionID, protocol.EventWorkerLog, outputPayload{
				TargetID: ev.TargetID,
				Lines:    ev.Lines,
				LastLine: ev.LastLine,
			})
		}
	}
}

// lock returns the mutex guarding one session.
func (c *Coordinator) lock(sessionID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[sessionID] = l
	}
	return l
}

// update runs a read-modify-write on a session under its lock.
func (c *Coordinator) update(ctx context.Context, sessionID string, fn func(*protocol.Session) error) (*protocol.Session, error) {
	l := c.lock(sessionID)
	l.Lock()
	defer l.Unlock()
	return c.store.UpdateSession(ctx, sessionID, fn)
}

// claimPlanning registers a planning job. It fails when one is running.
func (c *Coordinator) claimPlanning(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.jobs[sessionID]; busy {
		return &protocol.PlanningBusyError{SessionID: sessionID}
	}
	c.jobs[sessionID] = struct{}{}
	return nil
}

func (c *Coordinator) releasePlanning(sessionID string) {
	c.mu.Lock()
	delete(c.jobs, sessionID)
	c.mu.Unlock()
}

// PlanningBusy reports whether a planning job is in flight for a session.
func (c *Coordinator) PlanningBusy(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, busy := c.jobs[sessionID]
	return busy
}

// SessionView is a session with its recent event log attached.
type SessionView struct {
	*protocol.Session
	LogTail []protocol.Event `json:"logTail"`
}

// ListSessions returns summaries of every session, newest first.
func (c *Coordinator) ListSessions(ctx context.Context) ([]protocol.Summary, error) {
	return c.store.ListSessions(ctx)
}

// GetSession returns a session and its log tail.
func (c *Coordinator) GetSession(ctx context.Context, sessionID string) (*SessionView, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	tail, err := c.store.ReadLogTail(ctx, sessionID, protocol.LogTailLimit)
	if err != nil {
		return nil, fmt.Errorf("read log tail: %w", err)
	}
	return &SessionView{Session: sess, LogTail: tail}, nil
}

func (c *Coordinator) getLive(ctx context.Context, sessionID string) (*protocol.Session, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == protocol.SessionStopped {
		return nil, &protocol.SessionStoppedError{SessionID: sessionID}
	}
	return sess, nil
}

// isNotFound reports whether err is a missing session.
func isNotFound(err error) bool {
	var nf *protocol.SessionNotFoundError
	return errors.As(err, &nf)
}
