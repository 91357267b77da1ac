// Package app wires the parley subsystems into running programs.
//
// [App] is the CLI side: New connects the store, the audio backend, the
// negotiation client and the channel dialer, and hands them to a
// [SessionManager]; Run drives one session; Shutdown tears everything down in
// reverse order. [NewBroker] is the server side: it turns the upstream config
// into a failover group of session minters behind the negotiation endpoint.
//
// For testing, inject doubles via functional options (WithStore, WithDevices,
// etc.). When an option is not provided, New creates the real implementation
// from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/governor"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/negotiate"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/internal/store/memstore"
	"github.com/MrWong99/parley/internal/store/postgres"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/device"
	"github.com/MrWong99/parley/pkg/realtime"
)

// App owns every long-lived dependency of the CLI.
type App struct {
	cfg *config.Config

	store      store.Store
	devices    Devices
	negotiator Negotiator
	dialer     realtime.Dialer
	display    Display
	metrics    *observe.Metrics
	govOpts    []governor.Option

	sessions *SessionManager

	// closers are called in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of opening one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithDevices injects audio devices instead of opening the default ones.
func WithDevices(d Devices) Option {
	return func(a *App) { a.devices = d }
}

// WithNegotiator injects a negotiator instead of a broker client.
func WithNegotiator(n Negotiator) Option {
	return func(a *App) { a.negotiator = n }
}

// WithDialer injects a channel dialer instead of the websocket dialer.
func WithDialer(d realtime.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithDisplay sets the display surface.
func WithDisplay(d Display) Option {
	return func(a *App) { a.display = d }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGovernorOptions passes options to every session's governor.
func WithGovernorOptions(opts ...governor.Option) Option {
	return func(a *App) { a.govOpts = append(a.govOpts, opts...) }
}

// New creates an App by wiring all subsystems together. On error, anything
// already opened is closed again.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		_ = a.Shutdown(ctx)
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initDevices(); err != nil {
		_ = a.Shutdown(ctx)
		return nil, fmt.Errorf("app: init audio: %w", err)
	}
	if a.negotiator == nil {
		a.negotiator = negotiate.NewClient(cfg.Negotiation.Endpoint, negotiate.WithTimeout(cfg.Negotiation.Timeout))
	}
	if a.dialer == nil {
		a.dialer = realtime.NewDialer()
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Devices:         a.devices,
		Negotiator:      a.negotiator,
		Dialer:          a.dialer,
		Store:           a.store,
		Display:         a.display,
		Metrics:         a.metrics,
		SetupTimeout:    cfg.Negotiation.Timeout,
		FrameQueue:      cfg.Audio.FrameQueue,
		Prebuffer:       cfg.Audio.Prebuffer,
		GovernorOptions: a.govOpts,
	})
	return a, nil
}

// initStore opens the configured store unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	switch a.cfg.Store.Backend {
	case config.StorePostgres:
		pg, err := postgres.NewStore(ctx, a.cfg.Store.PostgresDSN)
		if err != nil {
			return err
		}
		if err := postgres.Migrate(ctx, pg.Pool()); err != nil {
			pg.Close()
			return err
		}
		a.store = pg
	default:
		ms := memstore.New()
		if id := a.cfg.Account.ID; id != "" {
			ms.PutProfile(store.Profile{ID: id, Tier: governor.TierFree})
		}
		slog.Info("using in-memory store; usage is not persisted across runs")
		a.store = ms
	}
	a.closers = append(a.closers, func() error {
		a.store.Close()
		return nil
	})
	return nil
}

// initDevices opens the miniaudio backend unless devices were injected.
func (a *App) initDevices() error {
	if a.devices != nil {
		return nil
	}
	dctx, err := device.NewContext()
	if err != nil {
		return err
	}
	a.devices = &defaultDevices{ctx: dctx, period: a.cfg.Audio.CapturePeriodFrames}
	a.closers = append(a.closers, dctx.Close)
	return nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Store returns the store in use.
func (a *App) Store() store.Store { return a.store }

// Run starts one session for the configured account and blocks until it
// ends on its own or ctx is cancelled, then stops it. A session that ended on
// its own returns the cause from [SessionManager.Ended]; cancellation
// returns nil.
func (a *App) Run(ctx context.Context, topic *negotiate.Topic) error {
	if a.cfg.Account.ID == "" {
		return errors.New("app: account.id is not configured")
	}
	if _, err := a.sessions.Start(ctx, StartRequest{AccountID: a.cfg.Account.ID, Topic: topic}); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-a.sessions.Done():
	}
	stopErr := a.sessions.Stop(context.WithoutCancel(ctx))
	return errors.Join(a.sessions.Ended(), stopErr)
}

// Shutdown stops any active session and releases every subsystem in reverse
// order. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error
		if a.sessions != nil {
			if err := a.sessions.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

// defaultDevices opens the system default microphone and speaker.
type defaultDevices struct {
	ctx    *device.Context
	period int
}

func (d *defaultDevices) CaptureSource() (audio.CaptureSource, error) {
	return device.NewCapture(d.ctx, d.period), nil
}

func (d *defaultDevices) OpenOutput() (audio.Output, error) {
	return device.OpenPlayback(d.ctx)
}

// HealthChecks returns readiness checks for the CLI's local status endpoint.
func (a *App) HealthChecks() []health.Checker {
	return []health.Checker{
		health.PingCheck("store", a.store),
		health.BreakerCheck("store_writes", a.sessions.writer.Breaker()),
	}
}
