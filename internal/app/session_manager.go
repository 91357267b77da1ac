package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/governor"
	"github.com/MrWong99/parley/internal/negotiate"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/realtime"
)

var (
	// ErrAlreadyActive is returned by [SessionManager.Start] while another
	// session is starting or running.
	ErrAlreadyActive = errors.New("app: a session is already active")

	// ErrConnectionLost is the end cause of a session whose channel closed
	// or broke underneath it. It wraps the channel's own reason.
	ErrConnectionLost = errors.New("app: connection to the conversation service lost")
)

// Notices shown when a session is ended for the learner.
const (
	NoticeTimeUp         = "Your time is up! The conversation will now end."
	NoticeConnectionLost = "Error during listening. Please try again."
)

// Display is everything the learner sees of a session: the conversation
// surface plus the usage clock and forced-termination notices.
type Display interface {
	conversation.Display

	// ShowUsage receives the governor's snapshot once a second.
	ShowUsage(s governor.State)

	// Notify shows a message that must not be overwritten by the live line.
	Notify(text string)
}

// DefaultSetupTimeout bounds negotiation plus channel setup.
const DefaultSetupTimeout = 120 * time.Second

// turnFlushTimeout bounds how long teardown waits for queued turn writes.
const turnFlushTimeout = 2 * time.Second

// Devices opens the local audio endpoints for one session. Each call returns
// a fresh, not yet acquired handle.
type Devices interface {
	CaptureSource() (audio.CaptureSource, error)
	OpenOutput() (audio.Output, error)
}

// Negotiator obtains a channel URL and credential. [negotiate.Client]
// implements it.
type Negotiator interface {
	Negotiate(ctx context.Context, topic *negotiate.Topic) (negotiate.Session, error)
}

// StartRequest describes the session to start.
type StartRequest struct {
	AccountID string

	// Topic, when set, makes the assistant open the conversation about it.
	Topic *negotiate.Topic
}

// SessionInfo is a snapshot of the active session.
type SessionInfo struct {
	Active    bool
	SessionID string
	AccountID string
	Topic     string
	StartedAt time.Time
	Usage     governor.State
	Turns     int
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	Devices    Devices
	Negotiator Negotiator
	Dialer     realtime.Dialer
	Store      store.Store

	// Display receives live transcript, usage and turn updates. May be nil.
	Display Display

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// SetupTimeout defaults to [DefaultSetupTimeout].
	SetupTimeout time.Duration

	// FrameQueue is the capture queue capacity; zero uses the capture default.
	FrameQueue int

	// Prebuffer is the playback prebuffer; zero uses the playback default.
	Prebuffer int

	// GovernorOptions are appended to every session's governor, after the
	// manager's own options.
	GovernorOptions []governor.Option
}

// SessionManager owns the lifecycle of voice sessions. At most one session
// is active at a time. All exported methods are safe for concurrent use.
type SessionManager struct {
	cfg     SessionManagerConfig
	writer  *store.TurnWriter
	metrics *observe.Metrics

	mu       sync.Mutex
	starting bool
	current  *liveSession
	lastEnd  error
}

// liveSession is everything one running session holds. Teardown happens once.
type liveSession struct {
	id        string
	accountID string
	topic     string
	startedAt time.Time

	channel  realtime.Session
	pipeline *capture.Pipeline
	player   *playback.Scheduler
	machine  *conversation.Machine
	gov      *governor.Governor

	cancel context.CancelFunc
	group  *errgroup.Group

	// Guarded by SessionManager.mu. stopping is set by whichever of end or
	// Stop gets there first; cause is only set by end.
	stopping bool
	cause    error

	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = DefaultSetupTimeout
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &SessionManager{
		cfg:     cfg,
		metrics: m,
		writer:  store.NewTurnWriter(cfg.Store, store.WithWriterMetrics(m)),
	}
}

// Start acquires the microphone, negotiates and opens the channel, opens the
// output device, checks the quota, and begins streaming. Anything acquired
// before a failure is released in reverse order before Start returns.
func (sm *SessionManager) Start(ctx context.Context, req StartRequest) (SessionInfo, error) {
	sm.mu.Lock()
	if sm.starting || sm.current != nil {
		sm.mu.Unlock()
		return SessionInfo{}, ErrAlreadyActive
	}
	sm.starting = true
	sm.mu.Unlock()
	defer func() {
		sm.mu.Lock()
		sm.starting = false
		sm.mu.Unlock()
	}()

	ctx, span := observe.StartSpan(ctx, "session.start")
	defer span.End()
	log := observe.Logger(ctx)

	ls, err := sm.acquire(ctx, req)
	if err != nil {
		span.RecordError(err)
		sm.metrics.RecordSessionStart(ctx, startStatus(err))
		log.Warn("session start failed", "account_id", req.AccountID, "err", err)
		return SessionInfo{}, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	ls.cancel = cancel
	ls.group = g

	// Published before the goroutines start so an immediate end finds it.
	sm.mu.Lock()
	sm.current = ls
	sm.lastEnd = nil
	sm.mu.Unlock()
	sm.metrics.RecordSessionStart(ctx, "ok")
	sm.metrics.ActiveSessions.Add(ctx, 1)

	g.Go(func() error { return sm.eventLoop(gctx, ls) })
	g.Go(func() error { return sm.pump(gctx, ls) })
	g.Go(func() error { return ls.gov.Run(gctx) })
	log.Info("session started", "session_id", ls.id, "account_id", ls.accountID, "topic", ls.topic)
	return sm.info(ls), nil
}

// acquire performs the ordered setup. On error everything already acquired
// has been released.
func (sm *SessionManager) acquire(ctx context.Context, req StartRequest) (_ *liveSession, err error) {
	var release []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(release) - 1; i >= 0; i-- {
			release[i]()
		}
	}()

	ls := &liveSession{accountID: req.AccountID, done: make(chan struct{})}
	if req.Topic != nil {
		ls.topic = req.Topic.Title
	}

	// Microphone first: without it there is nothing to negotiate for.
	src, err := sm.cfg.Devices.CaptureSource()
	if err != nil {
		return nil, fmt.Errorf("app: %w: %w", capture.ErrAcquire, err)
	}
	var capOpts []capture.Option
	if sm.cfg.FrameQueue > 0 {
		capOpts = append(capOpts, capture.WithQueueSize(sm.cfg.FrameQueue))
	}
	ls.pipeline = capture.New(src, append(capOpts, capture.WithMetrics(sm.metrics))...)
	if err := ls.pipeline.Start(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	release = append(release, func() { logClose("capture", ls.pipeline.Stop()) })

	setupCtx, cancel := context.WithTimeout(ctx, sm.cfg.SetupTimeout)
	defer cancel()

	neg, err := sm.cfg.Negotiator.Negotiate(setupCtx, req.Topic)
	if err != nil {
		return nil, sm.setupErr(setupCtx, "negotiate", err)
	}
	ls.channel, err = sm.cfg.Dialer.Dial(setupCtx, neg.WebsocketURL, neg.EphemeralToken)
	if err != nil {
		return nil, sm.setupErr(setupCtx, "open channel", err)
	}
	release = append(release, func() { logClose("channel", ls.channel.Close()) })

	out, err := sm.cfg.Devices.OpenOutput()
	if err != nil {
		return nil, fmt.Errorf("app: open output: %w", err)
	}
	var playOpts []playback.Option
	if sm.cfg.Prebuffer > 0 {
		playOpts = append(playOpts, playback.WithPrebuffer(sm.cfg.Prebuffer))
	}
	ls.player = playback.New(out, append(playOpts, playback.WithMetrics(sm.metrics))...)
	release = append(release, func() { logClose("playback", ls.player.Close()) })

	govOpts := []governor.Option{
		governor.WithMetrics(sm.metrics),
		governor.WithOnExhausted(func() {
			go sm.end(ls, fmt.Errorf("app: %w", governor.ErrQuotaExhausted))
		}),
	}
	if sm.cfg.Display != nil {
		govOpts = append(govOpts, governor.WithOnTick(sm.cfg.Display.ShowUsage))
	}
	ls.gov = governor.New(sm.cfg.Store, append(govOpts, sm.cfg.GovernorOptions...)...)
	st, err := ls.gov.Start(ctx, req.AccountID, ls.topic)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	ls.id = st.SessionID
	ls.startedAt = st.StartedAt

	opts := []conversation.Option{
		conversation.WithSink(sm.writer, ls.id, ls.accountID),
		conversation.WithMetrics(sm.metrics),
		conversation.WithErrorHook(func(e realtime.ProtocolError) {
			slog.Warn("session: service reported an error",
				"session_id", ls.id, "type", e.Type, "code", e.Code, "message", e.Message)
		}),
	}
	if sm.cfg.Display != nil {
		opts = append(opts, conversation.WithDisplay(sm.cfg.Display))
	}
	if ls.topic != "" {
		opts = append(opts, conversation.WithTopic(ls.topic))
	}
	ls.machine = conversation.New(ls.channel, ls.player, opts...)
	return ls, nil
}

func (sm *SessionManager) setupErr(setupCtx context.Context, step string, err error) error {
	if errors.Is(setupCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("app: %s: timed out after %s: %w", step, sm.cfg.SetupTimeout, err)
	}
	return fmt.Errorf("app: %s: %w", step, err)
}

// eventLoop feeds inbound events to the machine in receipt order. When the
// channel closes for any reason the session ends.
func (sm *SessionManager) eventLoop(ctx context.Context, ls *liveSession) error {
	events := ls.channel.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ls.channel.Done():
			sm.drain(ctx, ls, events)
			go sm.end(ls, lostConnection(ls.channel.Err()))
			return nil
		case ev, ok := <-events:
			if !ok {
				go sm.end(ls, lostConnection(ls.channel.Err()))
				return nil
			}
			if err := ls.machine.Handle(ctx, ev); err != nil {
				go sm.end(ls, lostConnection(err))
				return nil
			}
		}
	}
}

// drain handles events that were already buffered when the channel closed.
func (sm *SessionManager) drain(ctx context.Context, ls *liveSession, events <-chan realtime.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = ls.machine.Handle(ctx, ev)
		default:
			return
		}
	}
}

func lostConnection(err error) error {
	if err == nil {
		return ErrConnectionLost
	}
	return fmt.Errorf("%w: %w", ErrConnectionLost, err)
}

// pump forwards captured frames to the channel.
func (sm *SessionManager) pump(ctx context.Context, ls *liveSession) error {
	frames := ls.pipeline.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if err := ls.channel.SendAudio(ctx, f); err != nil {
				if errors.Is(err, realtime.ErrClosed) || ctx.Err() != nil {
					return nil
				}
				slog.Debug("session: send audio failed", "session_id", ls.id, "err", err)
			}
		}
	}
}

// end is the internal stop trigger used by the governor and the event loop.
// cause is kept for [SessionManager.Ended]. A cause that shows up once
// teardown has begun, such as the channel closing because Stop closed it, is
// ignored.
func (sm *SessionManager) end(ls *liveSession, cause error) {
	sm.mu.Lock()
	if ls.stopping {
		sm.mu.Unlock()
		return
	}
	ls.stopping = true
	ls.cause = cause
	sm.mu.Unlock()

	if errors.Is(cause, governor.ErrQuotaExhausted) {
		slog.Info("session ending", "session_id", ls.id, "reason", cause)
		if sm.cfg.Display != nil {
			sm.cfg.Display.Notify(NoticeTimeUp)
		}
	} else {
		slog.Warn("session ending", "session_id", ls.id, "reason", cause)
	}
	if err := sm.stop(context.Background(), ls); err != nil {
		slog.Warn("session: teardown finished with errors", "session_id", ls.id, "err", err)
	}
}

// Stop ends the active session. It is idempotent: with no active session, or
// on a session that is already stopping, it returns without side effects.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	ls := sm.current
	sm.mu.Unlock()
	if ls == nil {
		return nil
	}
	return sm.stop(ctx, ls)
}

func (sm *SessionManager) stop(ctx context.Context, ls *liveSession) error {
	ls.stopOnce.Do(func() {
		sm.mu.Lock()
		ls.stopping = true
		sm.mu.Unlock()

		ls.stopErr = sm.teardown(ctx, ls)

		sm.mu.Lock()
		if sm.current == ls {
			sm.current = nil
		}
		sm.lastEnd = ls.cause
		sm.mu.Unlock()

		sm.metrics.ActiveSessions.Add(ctx, -1)
		close(ls.done)
	})
	return ls.stopErr
}

// teardown releases the session in order: channel, microphone, output,
// accounting, goroutines.
func (sm *SessionManager) teardown(ctx context.Context, ls *liveSession) error {
	var errs []error
	if err := ls.channel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	if err := ls.pipeline.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := ls.player.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close output: %w", err))
	}
	ls.machine.Close()
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), turnFlushTimeout)
	if err := sm.writer.Flush(flushCtx); err != nil {
		slog.Warn("session: turns still queued at teardown", "session_id", ls.id, "err", err)
	}
	cancel()
	if err := ls.gov.Finalize(ctx); err != nil {
		errs = append(errs, err)
	}
	ls.cancel()
	if err := ls.group.Wait(); err != nil {
		errs = append(errs, err)
	}

	slog.Info("session stopped", "session_id", ls.id, "turns", len(ls.machine.Turns()))
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("app: stop session %s: %w", ls.id, err)
	}
	return nil
}

// Ended reports why the most recent session ended on its own: an error
// wrapping [governor.ErrQuotaExhausted] or [ErrConnectionLost]. It is nil
// while a session runs and after one was ended through Stop.
func (sm *SessionManager) Ended() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.lastEnd
}

// Close stops the active session and the background turn writer.
func (sm *SessionManager) Close(ctx context.Context) error {
	err := sm.Stop(ctx)
	sm.writer.Close()
	return err
}

// Done returns a channel closed when the active session has ended. With no
// active session the returned channel is already closed.
func (sm *SessionManager) Done() <-chan struct{} {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.current == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sm.current.done
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current != nil
}

// Info returns a snapshot of the active session. Returns the zero value if no
// session is active.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	ls := sm.current
	sm.mu.Unlock()
	if ls == nil {
		return SessionInfo{}
	}
	return sm.info(ls)
}

// Turns returns the active session's turn log.
func (sm *SessionManager) Turns() []conversation.Turn {
	sm.mu.Lock()
	ls := sm.current
	sm.mu.Unlock()
	if ls == nil {
		return nil
	}
	return ls.machine.Turns()
}

func (sm *SessionManager) info(ls *liveSession) SessionInfo {
	return SessionInfo{
		Active:    true,
		SessionID: ls.id,
		AccountID: ls.accountID,
		Topic:     ls.topic,
		StartedAt: ls.startedAt,
		Usage:     ls.gov.State(),
		Turns:     len(ls.machine.Turns()),
	}
}

func startStatus(err error) string {
	switch {
	case errors.Is(err, capture.ErrAcquire):
		return "mic_denied"
	case errors.Is(err, governor.ErrLimitReached):
		return "limit_reached"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func logClose(what string, err error) {
	if err != nil {
		slog.Warn("session: release failed", "resource", what, "err", err)
	}
}
