package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"taskpilot/internal/eventbus"
	rtsup "taskpilot/internal/runtime/supervisor"
	"taskpilot/internal/task/engine"
	"taskpilot/internal/taskdef"
	logx "taskpilot/pkg/logx"
)

const (
	fetchWait     = 5 * time.Second
	fetchErrPause = time.Second
	setupTimeout  = 10 * time.Second

	// redeliverDelay spaces redeliveries of failed or deferred dispatches.
	redeliverDelay = 30 * time.Second
)

// Service consumes dispatch messages from a durable JetStream consumer and
// runs them through the execution engine, one engine attempt per delivery.
// The whole session (connect, stream, consumer, fetch loop) runs under a
// restarting supervisor so a broker outage degrades to retries instead of
// taking the process down.
type Service struct {
	mu        sync.Mutex
	cfg       Config
	running   bool
	connected bool
	sup       *rtsup.Supervisor

	log logx.Logger
	bus eventbus.Bus
	eng *engine.Service

	tmu   sync.Mutex
	tasks *taskdef.TaskSet

	handled   uint64
	completed uint64
	requeued  uint64
	abandoned uint64
	malformed uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, eng *engine.Service, tasks *taskdef.TaskSet) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		log:   log,
		bus:   bus,
		eng:   eng,
		tasks: tasks,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// SetTasks swaps the descriptor set used to resolve incoming task ids.
func (s *Service) SetTasks(ts *taskdef.TaskSet) {
	s.tmu.Lock()
	s.tasks = ts
	s.tmu.Unlock()
}

// Apply installs a new config. Any material change restarts the session;
// everything connection-shaped lives in it.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	same := s.cfg == cfg
	s.cfg = cfg
	s.mu.Unlock()
	if same {
		return
	}
	s.Stop(ctx)
	if cfg.Enabled {
		s.Start(ctx)
	}
}

// Start launches the supervised consume session. With the bridge disabled it
// is a no-op. Start never dials synchronously: broker trouble surfaces as
// session restarts, not as a startup failure.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		s.log.Debug("queue bridge disabled")
		return
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "queue"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.running = true
	s.mu.Unlock()

	sup.GoRestart("consume", s.session, rtsup.WithPublishFirstError(true))

	s.log.Info("queue bridge started",
		logx.String("url", cfg.URL),
		logx.String("stream", cfg.Stream),
		logx.String("subject", cfg.Subject),
		logx.String("durable", cfg.Durable),
		logx.Int("max_concurrent", cfg.MaxConcurrent),
	)
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("queue bridge stop timed out", logx.Any("err", ctx.Err()))
		return
	}
	s.log.Info("queue bridge stopped")
}

// session owns one broker connection end to end. Returning an error hands
// control back to the supervisor, which restarts with backoff.
func (s *Service) session(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	conn, err := nats.Connect(cfg.URL,
		nats.Name("taskpilot-queue"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer conn.Close()

	cons, err := s.ensureConsumer(ctx, conn, cfg)
	if err != nil {
		return err
	}

	s.setConnected(true)
	defer s.setConnected(false)
	s.log.Info("queue consumer ready",
		logx.String("stream", cfg.Stream),
		logx.String("durable", cfg.Durable),
	)

	// In-flight handlers must settle their acks before the connection goes
	// away. Defers run LIFO, so the wait precedes the close.
	var wg sync.WaitGroup
	defer wg.Wait()

	sem := make(chan struct{}, cfg.MaxConcurrent)
	for {
		// Take a slot first so we never fetch more than we can handle.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sem <- struct{}{}:
		}

		msgs, err := cons.Fetch(1, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Debug("queue fetch failed", logx.Err(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(fetchErrPause):
			}
			continue
		}

		got := false
		for msg := range msgs.Messages() {
			got = true
			wg.Add(1)
			go func(m jetstream.Msg) {
				defer wg.Done()
				defer func() { <-sem }()
				s.handle(ctx, m)
			}(msg)
		}
		if !got {
			<-sem
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			s.log.Warn("queue fetch error", logx.Err(err))
		}
	}
}

// ensureConsumer looks the stream up and creates it when missing; an
// operator-provisioned stream is used as-is. The durable consumer is always
// created/updated so config changes (AckWait) take effect.
func (s *Service) ensureConsumer(ctx context.Context, conn *nats.Conn, cfg Config) (jetstream.Consumer, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	sctx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	stream, err := js.Stream(sctx, cfg.Stream)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		stream, err = js.CreateStream(sctx, jetstream.StreamConfig{
			Name:      cfg.Stream,
			Subjects:  []string{cfg.Subject},
			Retention: jetstream.WorkQueuePolicy,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("stream %q: %w", cfg.Stream, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(sctx, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		// The handler terms exhausted messages itself; the server never
		// gives up on redelivery.
		MaxDeliver: -1,
	})
	if err != nil {
		return nil, fmt.Errorf("consumer %q: %w", cfg.Durable, err)
	}
	return cons, nil
}

func (s *Service) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	connected := s.connected
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:   cfg.Enabled,
		Connected: connected,
		Handled:   atomic.LoadUint64(&s.handled),
		Completed: atomic.LoadUint64(&s.completed),
		Requeued:  atomic.LoadUint64(&s.requeued),
		Abandoned: atomic.LoadUint64(&s.abandoned),
		Malformed: atomic.LoadUint64(&s.malformed),
	}
	if cfg.Enabled {
		snap.Stream = cfg.Stream
		snap.Subject = cfg.Subject
		snap.Durable = cfg.Durable
	}
	return snap
}
