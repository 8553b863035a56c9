package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"taskpilot/internal/agent"
	"taskpilot/internal/eventbus"
	logx "taskpilot/pkg/logx"
)

const (
	maxFrameBytes = 1 << 20
	sendQueue     = 32
	helloTimeout  = 5 * time.Second
	writeTimeout  = 10 * time.Second
)

// remoteConn is one attached worker agent. It implements agent.Invoker, so
// registering the connection itself is what makes the agent dispatchable.
type remoteConn struct {
	name        string
	version     string
	caps        []string
	connectedAt time.Time

	log  logx.Logger
	bus  eventbus.Bus
	conn *websocket.Conn
	lim  *rate.Limiter

	pongWait time.Duration

	send   chan frame
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan frame
	closed  bool
}

func newRemoteConn(log logx.Logger, bus eventbus.Bus, conn *websocket.Conn, hello frame, cfg Config) *remoteConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &remoteConn{
		name:        hello.Agent,
		version:     hello.Version,
		caps:        hello.Capabilities,
		connectedAt: time.Now(),
		log:         log.With(logx.String("agent", hello.Agent)),
		bus:         bus,
		conn:        conn,
		lim:         rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		pongWait:    cfg.PongTimeout,
		send:        make(chan frame, sendQueue),
		ctx:         ctx,
		cancel:      cancel,
		pending:     map[string]chan frame{},
	}
}

// Invoke satisfies agent.Invoker by round-tripping one task_request frame.
func (rc *remoteConn) Invoke(ctx context.Context, inv agent.Invocation) (any, error) {
	req := frame{
		Type:     frameRequest,
		ID:       uuid.NewString(),
		TaskID:   inv.TaskID,
		TaskName: inv.TaskName,
		Category: inv.Category,
		Config:   inv.Config,
		Payload:  inv.Payload,
	}
	if dl, ok := ctx.Deadline(); ok {
		req.TimeoutMS = time.Until(dl).Milliseconds()
	}

	res, err := rc.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.Error != "" {
		return nil, fmt.Errorf("remote agent %q: %s", rc.name, res.Error)
	}
	return res.Result, nil
}

// dispatch parks the caller on the pending map until the matching result
// frame, the caller's context, or the connection ends.
func (rc *remoteConn) dispatch(ctx context.Context, req frame) (frame, error) {
	reply := make(chan frame, 1)
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return frame{}, ErrAgentGone
	}
	rc.pending[req.ID] = reply
	rc.mu.Unlock()
	defer rc.forget(req.ID)

	select {
	case rc.send <- req:
	case <-rc.ctx.Done():
		return frame{}, ErrAgentGone
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}

	select {
	case res := <-reply:
		return res, nil
	case <-rc.ctx.Done():
		return frame{}, ErrAgentGone
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

func (rc *remoteConn) forget(id string) {
	rc.mu.Lock()
	delete(rc.pending, id)
	rc.mu.Unlock()
}

// resolve hands a result frame to its waiting dispatcher. Results for
// abandoned dispatches (caller timed out first) are dropped.
func (rc *remoteConn) resolve(f frame) {
	rc.mu.Lock()
	ch := rc.pending[f.ID]
	delete(rc.pending, f.ID)
	rc.mu.Unlock()
	if ch == nil {
		rc.log.Debug("unmatched task_result", logx.String("id", f.ID))
		return
	}
	ch <- f
}

func (rc *remoteConn) pendingCount() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.pending)
}

// close tears the connection down once. Pending dispatchers unblock through
// the connection context.
func (rc *remoteConn) close() {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	rc.closed = true
	rc.mu.Unlock()
	rc.cancel()

	_ = rc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = rc.conn.Close()
}

// readPump consumes frames until the connection drops. Result frames settle
// dispatches; event frames feed the bus and may fire triggered tasks.
func (rc *remoteConn) readPump() {
	defer rc.close()

	rc.conn.SetReadLimit(maxFrameBytes)
	_ = rc.conn.SetReadDeadline(time.Now().Add(rc.pongWait))
	rc.conn.SetPongHandler(func(string) error {
		return rc.conn.SetReadDeadline(time.Now().Add(rc.pongWait))
	})

	for {
		var f frame
		if err := rc.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				rc.log.Debug("channel read failed", logx.Err(err))
			}
			return
		}
		switch f.Type {
		case frameResult:
			rc.resolve(f)
		case frameEvent:
			if f.Event == "" {
				continue
			}
			rc.bus.Publish(eventbus.Event{Type: f.Event, Data: f.Payload})
		default:
			rc.log.Debug("channel frame ignored", logx.String("type", f.Type))
		}
	}
}

// writePump owns all data writes. Frames pass the rate limiter; keepalive
// pings do not.
func (rc *remoteConn) writePump(ping time.Duration) {
	ticker := time.NewTicker(ping)
	defer ticker.Stop()
	defer rc.close()

	for {
		select {
		case <-rc.ctx.Done():
			return
		case <-ticker.C:
			if err := rc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case f := <-rc.send:
			if err := rc.lim.Wait(rc.ctx); err != nil {
				return
			}
			_ = rc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := rc.conn.WriteJSON(f); err != nil {
				rc.log.Debug("channel write failed", logx.Err(err))
				return
			}
		}
	}
}
