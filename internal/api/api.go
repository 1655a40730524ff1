// Package api wires QuestPipe together and serves its HTTP surface.
//
// Run owns the process lifecycle: the state directory lock, the store, the
// chat transport, the background loops and graceful shutdown on SIGINT/SIGTERM.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/QuestPipe/internal/flow"
	"github.com/BTreeMap/QuestPipe/internal/lockfile"
	"github.com/BTreeMap/QuestPipe/internal/messaging"
	"github.com/BTreeMap/QuestPipe/internal/reminder"
	"github.com/BTreeMap/QuestPipe/internal/scheduler"
	"github.com/BTreeMap/QuestPipe/internal/store"
	"github.com/BTreeMap/QuestPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/QuestPipe/internal/whatsapp"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"golang.org/x/sync/errgroup"
)

// Messaging backends.
const (
	BackendWhatsApp = "whatsapp"
	BackendTwilio   = "twilio"
)

const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 30 * time.Second
	// DefaultInboundRetentionDays is how long inbound message IDs are kept for dedup.
	DefaultInboundRetentionDays = 7
	// InboundRetention is DefaultInboundRetentionDays as a duration.
	InboundRetention = DefaultInboundRetentionDays * 24 * time.Hour
	// purgeSchedule runs the inbound dedup purge once a night.
	purgeSchedule = "17 3 * * *"
)

// Opts holds the server configuration.
type Opts struct {
	Addr             string
	StateDir         string
	Backend          string
	ReminderInterval time.Duration
	JobPollInterval  time.Duration
	RedisURL         string
	ShutdownTimeout  time.Duration
	InboundRetention time.Duration
}

// Option defines a configuration option for the server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithStateDir sets the directory that is locked for the process lifetime.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// WithMessagingBackend selects BackendWhatsApp or BackendTwilio.
func WithMessagingBackend(backend string) Option {
	return func(o *Opts) { o.Backend = backend }
}

// WithReminderInterval sets the deadline scan period.
func WithReminderInterval(d time.Duration) Option {
	return func(o *Opts) { o.ReminderInterval = d }
}

// WithJobPollInterval sets how often durable jobs are polled.
func WithJobPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.JobPollInterval = d }
}

// WithRedisURL keeps deadline notice flags in Redis instead of memory.
func WithRedisURL(url string) Option {
	return func(o *Opts) { o.RedisURL = url }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// WithInboundRetentionDays sets how many days inbound message IDs are kept.
// Non-positive values keep the default.
func WithInboundRetentionDays(days int) Option {
	return func(o *Opts) {
		if days > 0 {
			o.InboundRetention = time.Duration(days) * 24 * time.Hour
		}
	}
}

func buildOpts(opts []Option) Opts {
	cfg := Opts{
		Addr:             DefaultAddr,
		Backend:          BackendWhatsApp,
		ReminderInterval: reminder.DefaultInterval,
		ShutdownTimeout:  DefaultShutdownTimeout,
		InboundRetention: InboundRetention,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Server holds every running component.
type Server struct {
	opts      Opts
	store     store.Store
	msg       messaging.Service
	bot       *flow.Bot
	responses *messaging.ResponseHandler
	reminders *reminder.Scheduler
	daily     *reminder.DailyReminder
	jobs      *store.JobRunner
	webhook   http.HandlerFunc
	now       func() time.Time
}

// NewServer assembles the components over st and msg.
func NewServer(ctx context.Context, st store.Store, msg messaging.Service, opts ...Option) (*Server, error) {
	cfg := buildOpts(opts)

	var ledger reminder.Ledger = reminder.NewMemoryLedger()
	if cfg.RedisURL != "" {
		rl, err := reminder.OpenRedisLedger(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("open redis notice ledger: %w", err)
		}
		slog.Info("Server.NewServer: using Redis notice ledger")
		ledger = rl
	}
	reminders := reminder.NewScheduler(st, msg,
		reminder.WithLedger(ledger),
		reminder.WithInterval(cfg.ReminderInterval))

	jobs := store.NewJobRunner(st, cfg.JobPollInterval)
	meditation := flow.NewMeditation(st, st, msg, nil)
	meditation.RegisterJobHandlers(jobs)

	bot := flow.NewBot(st,
		flow.WithWatcher(reminders),
		flow.WithMeditation(meditation))

	s := &Server{
		opts:      cfg,
		store:     st,
		msg:       msg,
		bot:       bot,
		reminders: reminders,
		daily:     reminder.NewDailyReminder(st, msg),
		jobs:      jobs,
		now:       time.Now,
		responses: messaging.NewResponseHandler(msg, bot,
			messaging.WithDedup(st),
			messaging.WithUserStore(st)),
	}
	if tw, ok := msg.(*messaging.TwilioService); ok {
		s.webhook = tw.TwilioWebhookHandler
	}
	return s, nil
}

// Serve runs the HTTP server and background loops until ctx is cancelled
// or one of them fails.
func (s *Server) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := s.msg.Start(gctx); err != nil {
		return fmt.Errorf("start messaging service: %w", err)
	}
	if err := s.jobs.RecoverStaleJobs(); err != nil {
		slog.Warn("Server.Serve: stale job recovery failed", "error", err)
	}

	cron := scheduler.NewScheduler()
	if err := cron.AddJob(scheduler.EveryMinute, func() { s.checkDaily(gctx) }); err != nil {
		cron.Stop()
		return fmt.Errorf("schedule daily reminders: %w", err)
	}
	if err := cron.AddJob(purgeSchedule, s.purgeInbound); err != nil {
		cron.Stop()
		return fmt.Errorf("schedule inbound purge: %w", err)
	}

	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error { return s.reminders.Run(gctx) })
	g.Go(func() error {
		s.jobs.Run(gctx)
		return nil
	})
	g.Go(func() error { return s.responses.Run(gctx) })
	g.Go(func() error {
		slog.Info("Server.Serve: HTTP listening", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		cron.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	slog.Info("Server.Serve: stopped", "error", err)
	return err
}

func (s *Server) checkDaily(ctx context.Context) {
	if err := s.daily.Check(ctx, s.now()); err != nil && ctx.Err() == nil {
		slog.Error("Server.checkDaily: daily reminder check failed", "error", err)
	}
}

func (s *Server) purgeInbound() {
	n, err := s.store.PurgeInboundBefore(s.now().Add(-s.opts.InboundRetention))
	if err != nil {
		slog.Error("Server.purgeInbound: purge failed", "error", err)
		return
	}
	slog.Debug("Server.purgeInbound: purged inbound records", "count", n)
}

// newMessagingService builds the chat transport for the configured backend.
func newMessagingService(ctx context.Context, backend string, waOpts []whatsapp.Option, twOpts []twiliowhatsapp.Option) (messaging.Service, func(), error) {
	switch backend {
	case BackendTwilio:
		client, err := twiliowhatsapp.NewClient(twOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		return messaging.NewTwilioService(client), func() {}, nil
	case BackendWhatsApp, "":
		client, err := whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown messaging backend %q", backend)
}

// Run starts QuestPipe and blocks until a shutdown signal or a fatal error.
func Run(waOpts []whatsapp.Option, twOpts []twiliowhatsapp.Option, storeOpts []store.Option, apiOpts []Option) error {
	cfg := buildOpts(apiOpts)

	if cfg.StateDir != "" {
		lock, err := lockfile.Acquire(cfg.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.New(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg, closeTransport, err := newMessagingService(ctx, cfg.Backend, waOpts, twOpts)
	if err != nil {
		return err
	}
	defer closeTransport()
	defer msg.Stop()

	srv, err := NewServer(ctx, st, msg, apiOpts...)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"questpipe": func(shutdownCtx context.Context) error {
			slog.Info("Run: graceful shutdown initiated")
			cancel()
			select {
			case err := <-serveErr:
				return err
			case <-shutdownCtx.Done():
				return shutdownCtx.Err()
			}
		},
	})

	select {
	case code := <-wait:
		if code != 0 {
			return fmt.Errorf("shutdown finished with exit code %d", code)
		}
		return nil
	case err := <-serveErr:
		cancel()
		return err
	}
}
