package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"taskpilot/internal/agent"
	"taskpilot/internal/eventbus"
	rtsup "taskpilot/internal/runtime/supervisor"
	logx "taskpilot/pkg/logx"
)

// Service accepts worker-agent websocket connections and keeps them
// dispatchable through the agent registry for as long as they stay attached.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	reg *agent.Registry

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}

	cmu   sync.Mutex
	conns map[string]*remoteConn

	upgrader websocket.Upgrader
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, reg *agent.Registry) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		log:   log,
		bus:   bus,
		reg:   reg,
		conns: map[string]*remoteConn{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr reports the bound listen address, empty while the server is down.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Apply installs cfg and starts/stops/restarts the endpoint as needed. Safe
// to call during hot-reload. Existing connections keep the limits they were
// accepted with; a restart drops them and agents reconnect.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	if !cfg.Enabled {
		if running {
			s.Stop(ctx)
		}
		return
	}
	if !running {
		s.Start(ctx)
		return
	}
	if prev != cfg {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	// Start is idempotent.
	for {
		s.mu.Lock()
		// If stopping, wait for it to finish before restarting.
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
				// loop
			case <-ctx.Done():
				return
			}
			continue
		}
		if s.sup != nil {
			s.mu.Unlock()
			return
		}
		cur := s.cfg
		if !cur.Enabled {
			s.mu.Unlock()
			return
		}

		s.sup = rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log.With(logx.String("comp", "channel"))),
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		// Run the endpoint under a restart loop so a bind hiccup heals.
		sup.GoRestart("ws.serve", func(c context.Context) error {
			return s.serveOnce(c)
		},
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	ln := s.ln
	sup := s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)

		// Connections must drop first: handlers block in their read pumps
		// and Shutdown waits for handlers to return.
		s.closeConns()
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		if ln != nil {
			_ = ln.Close()
		}
		if sup != nil {
			sup.Cancel()
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.ln = nil
		s.srv = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("channel stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	cur := s.cfg
	log := s.log
	s.mu.Unlock()

	if !cur.Enabled {
		return context.Canceled
	}

	// Safety: a non-loopback bind without a token exposes dispatch to the
	// network.
	if cur.Token == "" && !isLoopbackAddr(cur.Addr) {
		log.Error("channel refused to start: non-loopback addr requires token",
			logx.String("addr", cur.Addr),
		)
		return errors.New("channel refused to start: insecure bind")
	}

	ln, err := net.Listen("tcp", cur.Addr)
	if err != nil {
		log.Error("channel listen failed", logx.String("addr", cur.Addr), logx.Any("err", err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	mux := http.NewServeMux()
	mux.HandleFunc(cur.Path, s.withAuth(cur.Token, func(w http.ResponseWriter, r *http.Request) {
		s.handleWS(w, r, cur)
	}))

	srv := &http.Server{
		Handler: mux,
		// Write timeout stays 0: websocket connections are long-lived.
		ReadHeaderTimeout: 5 * time.Second,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.closeConns()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	log.Info("channel started",
		logx.String("addr", ln.Addr().String()),
		logx.String("path", cur.Path),
		logx.Bool("token_set", cur.Token != ""),
	)

	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("channel server exited unexpectedly")
	}
	return err
}

// handleWS owns one connection: upgrade, handshake, pumps, detach.
func (s *Service) handleWS(w http.ResponseWriter, r *http.Request, cur Config) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("channel upgrade failed", logx.Any("err", err))
		return
	}

	rc, err := s.handshake(conn, cur)
	if err != nil {
		s.log.Warn("channel handshake failed", logx.Any("err", err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	s.attach(rc)
	defer s.detach(rc)

	go rc.writePump(cur.PongTimeout * 9 / 10)
	rc.readPump()
}

func (s *Service) handshake(conn *websocket.Conn, cur Config) (*remoteConn, error) {
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))

	var hello frame
	if err := conn.ReadJSON(&hello); err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != frameHello || strings.TrimSpace(hello.Agent) == "" {
		return nil, fmt.Errorf("expected hello frame with agent, got %q", hello.Type)
	}
	hello.Agent = strings.TrimSpace(hello.Agent)

	rc := newRemoteConn(s.log, s.bus, conn, hello, cur)

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(frame{Type: frameWelcome, Agent: rc.name}); err != nil {
		return nil, fmt.Errorf("write welcome: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})
	return rc, nil
}

// attach makes the connection dispatchable. A reconnect for the same agent
// type replaces the previous connection.
func (s *Service) attach(rc *remoteConn) {
	s.cmu.Lock()
	old := s.conns[rc.name]
	s.conns[rc.name] = rc
	s.cmu.Unlock()
	if old != nil {
		s.log.Info("channel agent replaced", logx.String("agent", rc.name))
		old.close()
	}

	s.reg.Register(rc.name, rc)
	s.log.Info("channel agent connected",
		logx.String("agent", rc.name),
		logx.String("version", rc.version),
		logx.Any("capabilities", rc.caps),
	)
}

func (s *Service) detach(rc *remoteConn) {
	rc.close()
	s.cmu.Lock()
	if s.conns[rc.name] == rc {
		delete(s.conns, rc.name)
	}
	s.cmu.Unlock()

	// Compare-based deregistration: a replaced connection must not remove
	// its successor's registration.
	s.reg.Deregister(rc.name, rc)
	s.log.Info("channel agent disconnected", logx.String("agent", rc.name))
}

func (s *Service) closeConns() {
	s.cmu.Lock()
	conns := make([]*remoteConn, 0, len(s.conns))
	for _, rc := range s.conns {
		conns = append(conns, rc)
	}
	s.cmu.Unlock()
	for _, rc := range conns {
		rc.close()
	}
}

// Dispatch sends one invocation straight to a connected agent. Task
// execution normally resolves agents through the registry; this is the
// direct path for operational probes.
func (s *Service) Dispatch(ctx context.Context, agentName string, inv agent.Invocation) (any, error) {
	s.cmu.Lock()
	rc := s.conns[agentName]
	s.cmu.Unlock()
	if rc == nil {
		return nil, fmt.Errorf("agent %q: %w", agentName, ErrAgentGone)
	}
	return rc.Invoke(ctx, inv)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	snap := Snapshot{Enabled: cfg.Enabled}
	if cfg.Enabled {
		snap.Addr = cfg.Addr
		snap.Path = cfg.Path
	}

	s.cmu.Lock()
	for _, rc := range s.conns {
		snap.Agents = append(snap.Agents, AgentInfo{
			Name:         rc.name,
			Version:      rc.version,
			Capabilities: rc.caps,
			ConnectedAt:  rc.connectedAt,
			Pending:      rc.pendingCount(),
		})
	}
	s.cmu.Unlock()

	sort.Slice(snap.Agents, func(i, j int) bool { return snap.Agents[i].Name < snap.Agents[j].Name })
	return snap
}

func (s *Service) withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
