// Package lifecycle wires the monitor together and owns its startup and
// shutdown order. Terminate and reload requests reach the controller as
// commands on its control channel.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"positionwatch/config"
	"positionwatch/internal/channel"
	"positionwatch/internal/dashboard"
	"positionwatch/internal/errs"
	"positionwatch/internal/metrics"
	"positionwatch/logger"
	"positionwatch/models"
	"positionwatch/notifier"
	"positionwatch/processor"
	"positionwatch/reader"
	"positionwatch/writer"
)

// Command is a control message for the controller.
type Command int

const (
	CommandTerminate Command = iota + 1
	CommandReload
)

func (c Command) String() string {
	switch c {
	case CommandTerminate:
		return "terminate"
	case CommandReload:
		return "reload"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// Providers builds the token provider and the optional snapshot source of an
// account. A nil SnapshotSource disables cold resume for that account.
type Providers func(account config.AccountConfig) (reader.TokenProvider, reader.SnapshotSource, error)

// Options overrides the collaborators the controller would otherwise build
// from configuration.
type Options struct {
	Sink      notifier.Sink
	Transport reader.Transport
	Providers Providers
	// Signals makes Run translate SIGINT, SIGTERM and SIGUSR1 into commands.
	Signals bool
}

// Controller runs one monitor instance from startup to shutdown.
type Controller struct {
	cfg     *config.Config
	opts    Options
	log     *logger.Log
	control chan Command
	closing atomic.Bool

	accounts []config.AccountConfig
	routes   map[string]string
	labelled bool

	store      *processor.Store
	tracker    *processor.Tracker
	aggregator *writer.Aggregator
	hub        *channel.SummaryHub
	journal    *writer.Journal
	kafka      *writer.KafkaPublisher
	dashboard  *dashboard.Server
	dashCancel context.CancelFunc
	dashDone   chan struct{}

	mu       sync.RWMutex
	sessions []*reader.SessionManager
	diagWG   sync.WaitGroup
}

func NewController(cfg *config.Config, opts Options) (*Controller, error) {
	accounts := cfg.EnabledAccounts()
	if len(accounts) == 0 {
		return nil, errs.FatalConfiguration("start", errors.New("no account enabled"))
	}

	if opts.Sink == nil {
		opts.Sink = notifier.New(cfg.Telegram)
	}
	if opts.Transport == nil {
		opts.Transport = reader.WebsocketTransport{
			HandshakeTimeout: cfg.Session.HandshakeTimeout,
			PingInterval:     cfg.Session.PingInterval,
			ReadTimeout:      cfg.Session.ReadTimeout,
		}
	}
	if opts.Providers == nil {
		opts.Providers = binanceProviders(cfg.Session.HandshakeTimeout)
	}

	routes := make(map[string]string, len(accounts))
	for _, a := range accounts {
		routes[a.Name] = a.Route
	}

	return &Controller{
		cfg:      cfg,
		opts:     opts,
		log:      logger.GetLogger(),
		control:  make(chan Command, 1),
		accounts: accounts,
		routes:   routes,
		labelled: len(accounts) > 1,
	}, nil
}

// Send queues cmd for Run. It reports false when a command is already
// pending or shutdown has begun.
func (c *Controller) Send(cmd Command) bool {
	if c.closing.Load() {
		return false
	}
	select {
	case c.control <- cmd:
		return true
	default:
		return false
	}
}

func (c *Controller) Terminate() bool     { return c.Send(CommandTerminate) }
func (c *Controller) RequestReload() bool { return c.Send(CommandReload) }

// Run builds and starts every component, waits for a command or for ctx to
// end, then shuts down in order. It returns the command that ended the run.
func (c *Controller) Run(ctx context.Context) (Command, error) {
	log := c.log.WithComponent("lifecycle")
	metrics.Init()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.opts.Signals {
		stop := c.watchSignals()
		defer stop()
	}

	if err := c.build(runCtx); err != nil {
		if c.journal != nil {
			c.journal.Stop(context.Background())
		}
		c.closeOutputs()
		return CommandTerminate, err
	}
	if err := c.startSessions(runCtx); err != nil {
		c.closing.Store(true)
		shutdownErr := c.shutdown(CommandTerminate)
		return CommandTerminate, errors.Join(err, shutdownErr)
	}

	if !c.cfg.Lifecycle.DisableNotices {
		c.notify(writer.FormatStartNotice(c.cfg.App.Name, c.cfg.App.Version, c.accountNames(), time.Now()))
	}
	log.WithField("accounts", c.accountNames()).Info("monitor started")

	var cmd Command
	select {
	case <-ctx.Done():
		cmd = CommandTerminate
	case cmd = <-c.control:
	}
	c.closing.Store(true)
	log.WithField("command", cmd.String()).Info("shutdown requested")

	return cmd, c.shutdown(cmd)
}

func (c *Controller) build(ctx context.Context) error {
	c.store = processor.NewStore()
	c.tracker = processor.NewTracker(c.store)
	c.hub = channel.NewSummaryHub(c.cfg.Channels.SummaryBuffer)
	c.hub.StartMetricsReporting(ctx, c.cfg.Logging.ReportInterval)

	c.aggregator = writer.NewAggregator(c.cfg.Aggregator, c.deliverSummary)
	c.aggregator.Subscribe(c.hub.Publish)
	c.tracker.SetLateFill(c.aggregator.AttachRealized)

	if c.cfg.Tracker.Diagnostics {
		c.tracker.SetDiagnostics(c.deliverDiagnostic)
	}

	if c.cfg.Journal.Enabled {
		journal, err := writer.NewJournal(c.cfg)
		if err != nil {
			return fmt.Errorf("create journal: %w", err)
		}
		if err := journal.Start(ctx); err != nil {
			return err
		}
		c.journal = journal
	}

	if c.cfg.Storage.Kafka.Enabled {
		summaries, _ := c.hub.Subscribe()
		kp, err := writer.NewKafkaPublisher(c.cfg.Storage.Kafka, summaries)
		if err != nil {
			return fmt.Errorf("create kafka publisher: %w", err)
		}
		if err := kp.Start(ctx); err != nil {
			return err
		}
		c.kafka = kp
	}

	if c.cfg.Dashboard.Enabled {
		srv, err := dashboard.NewServer(c.cfg.Dashboard, c.log, c)
		if err != nil {
			return fmt.Errorf("create dashboard: %w", err)
		}
		summaries, _ := c.hub.Subscribe()
		srv.Consume(summaries)

		dashCtx, dashCancel := context.WithCancel(context.WithoutCancel(ctx))
		c.dashboard, c.dashCancel, c.dashDone = srv, dashCancel, make(chan struct{})
		go func() {
			defer close(c.dashDone)
			if err := srv.Run(dashCtx, c.cfg.App.Name); err != nil {
				c.log.WithComponent("dashboard").WithError(err).Error("dashboard stopped")
			}
		}()
	}
	return nil
}

func (c *Controller) startSessions(ctx context.Context) error {
	for _, account := range c.accounts {
		tokens, snapshots, err := c.opts.Providers(account)
		if err != nil {
			return fmt.Errorf("account %s: %w", account.Name, err)
		}
		session := reader.NewSessionManager(account, c.cfg.Session, tokens, c.opts.Transport, c.feed)
		if snapshots != nil && !account.DisableColdResume {
			session.SetColdResume(snapshots, c.tracker.ResetAccount, c.resync)
		}

		c.mu.Lock()
		c.sessions = append(c.sessions, session)
		c.mu.Unlock()

		if err := session.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// shutdown stops inbound traffic, drains aggregation, closes sessions and
// releases their tokens, in that order.
func (c *Controller) shutdown(cmd Command) error {
	log := c.log.WithComponent("lifecycle")
	timeout := c.cfg.Lifecycle.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sessions := c.sessionList()
	var errList []error

	for _, s := range sessions {
		s.StopInbound()
	}
	log.WithField("sessions", len(sessions)).Info("inbound stopped")

	grace := c.cfg.Lifecycle.DrainGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	drainCtx, drainCancel := context.WithTimeout(ctx, grace)
	if err := c.aggregator.FlushAll(drainCtx); err != nil {
		errList = append(errList, fmt.Errorf("drain aggregation buffers: %w", err))
	}
	if !waitGroup(drainCtx, &c.diagWG) {
		log.Warn("diagnostic deliveries still in flight after drain grace")
	}
	drainCancel()

	forEach(sessions, func(s *reader.SessionManager) {
		if err := s.Close(ctx); err != nil {
			log.WithError(err).Warn("session did not close in time")
		}
	})
	log.Info("sessions closed")

	if c.journal != nil {
		c.journal.Stop(ctx)
	}

	var releaseMu sync.Mutex
	forEach(sessions, func(s *reader.SessionManager) {
		if err := s.Release(ctx); err != nil {
			releaseMu.Lock()
			errList = append(errList, fmt.Errorf("release %s: %w", s.Account(), err))
			releaseMu.Unlock()
		}
	})
	log.Info("session tokens released")

	if !c.cfg.Lifecycle.DisableNotices {
		c.notifyWith(ctx, writer.FormatStopNotice(c.cfg.App.Name, cmd.String(), time.Now()))
	}

	c.closeOutputs()
	log.WithField("command", cmd.String()).Info("shutdown complete")
	return errors.Join(errList...)
}

// closeOutputs releases everything downstream of the aggregator.
func (c *Controller) closeOutputs() {
	if c.aggregator != nil {
		c.aggregator.Close()
	}
	if c.hub != nil {
		c.hub.Close()
	}
	if c.kafka != nil {
		c.kafka.Stop()
	}
	if c.dashCancel != nil {
		c.dashCancel()
		<-c.dashDone
	}
}

func (c *Controller) sessionList() []*reader.SessionManager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*reader.SessionManager(nil), c.sessions...)
}

// Sessions reports the status of every session.
func (c *Controller) Sessions() []reader.SessionStatus {
	sessions := c.sessionList()
	out := make([]reader.SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	return out
}

// Positions returns the open positions of account, or of every account when
// account is empty.
func (c *Controller) Positions(account string) []models.PositionSnapshot {
	if c.store == nil {
		return nil
	}
	if account == "" {
		return c.store.All()
	}
	return c.store.Positions(account)
}

func (c *Controller) accountNames() []string {
	names := make([]string, 0, len(c.accounts))
	for _, a := range c.accounts {
		names = append(names, a.Name)
	}
	return names
}

func (c *Controller) label(account string) string {
	if c.labelled {
		return account
	}
	return ""
}

func (c *Controller) deliverSummary(ctx context.Context, s models.SummaryEvent) error {
	return c.opts.Sink.Deliver(ctx, writer.FormatSummary(s, c.label(s.Key.Account)), c.routes[s.Key.Account])
}

// deliverDiagnostic sends one unaggregated change event straight to the sink.
func (c *Controller) deliverDiagnostic(ev models.PositionChangeEvent) {
	route := c.cfg.Tracker.DiagnosticsRoute
	if route == "" {
		route = c.routes[ev.Key.Account]
	}
	text := writer.FormatChange(ev, c.label(ev.Key.Account))

	c.diagWG.Add(1)
	go func() {
		defer c.diagWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.deliveryTimeout())
		defer cancel()
		if err := c.opts.Sink.Deliver(ctx, text, route); err != nil {
			c.log.WithComponent("tracker").WithError(err).WithField("key", ev.Key.String()).Warn("diagnostic delivery failed")
		}
	}()
}

func (c *Controller) notify(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.deliveryTimeout())
	defer cancel()
	c.notifyWith(ctx, text)
}

func (c *Controller) notifyWith(ctx context.Context, text string) {
	if err := c.opts.Sink.Deliver(ctx, text, ""); err != nil {
		c.log.WithComponent("lifecycle").WithError(err).Warn("failed to send notice")
	}
}

func (c *Controller) deliveryTimeout() time.Duration {
	if c.cfg.Telegram.Timeout > 0 {
		return c.cfg.Telegram.Timeout
	}
	return 10 * time.Second
}

func forEach(sessions []*reader.SessionManager, fn func(*reader.SessionManager)) {
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *reader.SessionManager) {
			defer wg.Done()
			fn(s)
		}(s)
	}
	wg.Wait()
}

// waitGroup waits for wg and reports false if ctx ended first.
func waitGroup(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
