// Package app wires the Verbly client subsystems into a running tutoring
// session: credential caching, the live dialogue connection, the audio
// capture and playback pipelines, and usage metering.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Start opens the session, and Stop tears everything down and
// finalizes the usage record. For testing, inject doubles via functional
// options (WithSource, WithLedger, WithDevice, WithSink).
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/verbly-ai/verbly/internal/config"
	"github.com/verbly-ai/verbly/internal/observe"
	"github.com/verbly-ai/verbly/internal/store"
	"github.com/verbly-ai/verbly/internal/token"
	"github.com/verbly-ai/verbly/internal/usage"
	"github.com/verbly-ai/verbly/pkg/audio"
	"github.com/verbly-ai/verbly/pkg/live"
)

// defaultExpiryMinutes is the credential lifetime requested from the
// provisioning server.
const defaultExpiryMinutes = 30

// App owns all subsystem lifetimes for one learner's voice session.
// All exported methods are safe for concurrent use.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	source   token.Source
	cache    *token.Cache
	handles  *live.HandleStore
	manager  *live.Manager
	capture  *audio.Capture
	playback *audio.Playback
	recorder *usage.Recorder
	ledger   usage.Ledger

	device   audio.Device
	sink     audio.Sink
	liveOpts []live.Option
	onText   func(string)
	onTool   live.ToolCallHandler

	mu     sync.Mutex
	active bool

	// closers are called in reverse order during Stop.
	closers []func() error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSource injects a credential source instead of creating a provisioning
// client from config.
func WithSource(s token.Source) Option {
	return func(a *App) { a.source = s }
}

// WithLedger injects a usage ledger instead of creating one from config.
func WithLedger(l usage.Ledger) Option {
	return func(a *App) { a.ledger = l }
}

// WithDevice injects a capture device instead of the synthetic default.
func WithDevice(d audio.Device) Option {
	return func(a *App) { a.device = d }
}

// WithSink injects a playback sink instead of the discarding default.
func WithSink(s audio.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithLiveOptions appends options for the underlying session manager.
// Used in tests to point at a local mock service.
func WithLiveOptions(opts ...live.Option) Option {
	return func(a *App) { a.liveOpts = append(a.liveOpts, opts...) }
}

// WithTranscript registers a callback receiving each text part of the
// model's responses.
func WithTranscript(fn func(string)) Option {
	return func(a *App) { a.onText = fn }
}

// WithToolHandler registers the handler for model-requested function calls.
func WithToolHandler(fn live.ToolCallHandler) Option {
	return func(a *App) { a.onTool = fn }
}

// New creates an App by wiring all subsystems together. Initialisation is
// synchronous: the provisioning client, usage ledger, resumption-handle
// store, audio pipelines, and session manager are all constructed here, but
// no network connection is opened until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initCredentials(); err != nil {
		return nil, fmt.Errorf("app: init credentials: %w", err)
	}
	if err := a.initLedger(ctx); err != nil {
		return nil, fmt.Errorf("app: init ledger: %w", err)
	}
	a.initHandles()
	a.initAudio()
	a.initManager()

	return a, nil
}

// initCredentials sets up the credential source and cache.
func (a *App) initCredentials() error {
	if a.source == nil {
		client, err := token.NewClient(a.cfg.Session.ProvisionerURL)
		if err != nil {
			return err
		}
		a.source = client
	}
	a.cache = token.NewCache(a.source)
	return nil
}

// initLedger selects the durable ledger when a DSN is configured and the
// in-memory one otherwise.
func (a *App) initLedger(ctx context.Context) error {
	if a.ledger == nil {
		if dsn := a.cfg.Usage.PostgresDSN; dsn != "" {
			st, err := usage.NewStore(ctx, dsn)
			if err != nil {
				return err
			}
			a.ledger = st
			a.closers = append(a.closers, func() error { st.Close(); return nil })
		} else {
			a.ledger = usage.NewMemoryLedger()
		}
	}
	a.recorder = usage.NewRecorder(a.ledger)
	return nil
}

// initHandles sets up resumption-handle persistence, file-backed when a
// state path is configured.
func (a *App) initHandles() {
	var kv live.KeyValue
	if path := a.cfg.Session.StatePath; path != "" {
		kv = store.NewFile(path)
	} else {
		kv = store.NewMemory()
	}
	a.handles = live.NewHandleStore(kv)
}

// initAudio sets up the capture and playback pipelines.
func (a *App) initAudio() {
	if a.device == nil {
		a.device = audio.NewSyntheticDevice(48000, 2)
	}
	if a.sink == nil {
		a.sink = discardSink{}
	}
	a.capture = audio.NewCapture(a.device)
	a.playback = audio.NewPlayback(a.sink)
}

// initManager sets up the live session manager with handlers fanning events
// out to playback, metering, and the transcript callback.
func (a *App) initManager() {
	tokens := &credentialSource{
		cache: a.cache,
		req: token.Request{
			SubjectID:              a.cfg.Session.SubjectID,
			PromptContext:          a.cfg.Session.Instructions,
			RequestedExpiryMinutes: defaultExpiryMinutes,
			LockConfiguration:      true,
		},
	}

	opts := []live.Option{
		live.WithInstructions(a.cfg.Session.Instructions),
		live.WithHandlers(a.handlers()),
	}
	if d := a.cfg.Session.ReconnectDelay; d > 0 {
		opts = append(opts, live.WithReconnectDelay(d))
	}
	opts = append(opts, a.liveOpts...)

	a.manager = live.NewManager(tokens, a.handles, opts...)
}

// handlers builds the event callbacks. They run on the manager's internal
// goroutines and never call back into the manager.
func (a *App) handlers() live.Handlers {
	ctx := context.Background()
	var connects atomic.Int64
	return live.Handlers{
		OnState: func(s live.State) {
			slog.Debug("session state", "state", s.String())
			if s == live.StateConnected && connects.Add(1) > 1 {
				a.metrics.SessionReconnects.Add(ctx, 1)
			}
		},
		OnAudio: func(pcm []byte) {
			a.playback.Enqueue(audio.Frame{
				Data:       pcm,
				SampleRate: audio.PlaybackRate,
				Channels:   1,
			})
			a.metrics.RecordAudioFrame(ctx, "playback")
		},
		OnText: func(text string) {
			if a.onText != nil {
				a.onText(text)
			}
		},
		OnUsage: func(u live.Usage) {
			a.recorder.Observe(u)
			a.metrics.RecordUsage(ctx, u.InputUnits, u.OutputUnits)
		},
		OnToolCall: a.onTool,
		OnError: func(err error) {
			slog.Warn("session error", "err", err)
		},
	}
}

// Start opens the live session and begins streaming captured audio.
// Returns an error if the session is already running or the connection
// cannot be established.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active {
		return fmt.Errorf("app: session already running")
	}

	_, resumed := a.handles.Load()
	a.recorder.Start()

	began := time.Now()
	if err := a.manager.Connect(ctx); err != nil {
		a.metrics.RecordConnect(ctx, "error", resumed, time.Since(began).Seconds())
		return fmt.Errorf("app: connect: %w", err)
	}
	a.metrics.RecordConnect(ctx, "ok", resumed, time.Since(began).Seconds())

	if err := a.startCapture(); err != nil {
		a.manager.Disconnect()
		return fmt.Errorf("app: start capture: %w", err)
	}

	a.active = true
	a.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("session started",
		"subject_id", a.cfg.Session.SubjectID,
		"resumed", resumed,
	)
	return nil
}

// startCapture begins pushing microphone frames into the live connection.
func (a *App) startCapture() error {
	ctx := context.Background()
	return a.capture.Start(func(f audio.Frame) {
		if err := a.manager.SendAudio(f.Data); err != nil {
			slog.Warn("send audio", "err", err)
			return
		}
		a.metrics.RecordAudioFrame(ctx, "capture")
	})
}

// Pause suspends the session: the microphone is released and the connection
// closed with the resumption handle persisted for a later Resume.
func (a *App) Pause() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active {
		return fmt.Errorf("app: no session running")
	}
	a.capture.Stop()
	if err := a.manager.Pause(); err != nil {
		return fmt.Errorf("app: pause: %w", err)
	}
	slog.Info("session paused", "subject_id", a.cfg.Session.SubjectID)
	return nil
}

// Resume reopens a paused session with a fresh credential and restarts the
// microphone.
func (a *App) Resume(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active {
		return fmt.Errorf("app: no session running")
	}
	if err := a.manager.Resume(ctx); err != nil {
		return fmt.Errorf("app: resume: %w", err)
	}
	if err := a.startCapture(); err != nil {
		return fmt.Errorf("app: restart capture: %w", err)
	}
	slog.Info("session resumed", "subject_id", a.cfg.Session.SubjectID)
	return nil
}

// SendText submits a typed learner message into the conversation. Dropped
// silently when the session is not connected.
func (a *App) SendText(text string) error {
	return a.manager.SendText(text)
}

// Usage returns the running in-session totals.
func (a *App) Usage() usage.Totals {
	return a.recorder.Snapshot()
}

// TotalsFor returns the accumulated usage for the configured learner in the
// given bucket ("2026-W35" or "2026-08").
func (a *App) TotalsFor(ctx context.Context, bucket string) (usage.Totals, error) {
	return a.ledger.TotalsFor(ctx, a.cfg.Session.SubjectID, bucket)
}

// Stop ends the session, finalizes the usage record, and releases all
// resources. Stop on a stopped App is a no-op.
func (a *App) Stop(ctx context.Context) (usage.SessionRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active {
		return usage.SessionRecord{}, nil
	}

	a.capture.Stop()
	if err := a.manager.Disconnect(); err != nil {
		slog.Warn("disconnect", "err", err)
	}

	rec, err := a.recorder.Finalize(ctx, a.cfg.Session.SubjectID)
	if err != nil {
		slog.Warn("finalize usage", "err", err)
	}

	for i := len(a.closers) - 1; i >= 0; i-- {
		if cerr := a.closers[i](); cerr != nil {
			slog.Warn("closer error", "index", i, "err", cerr)
		}
	}

	a.active = false
	a.metrics.ActiveSessions.Add(ctx, -1)
	slog.Info("session stopped",
		"subject_id", a.cfg.Session.SubjectID,
		"duration", rec.Duration,
		"total_units", rec.TotalUnits,
		"cost_usd", rec.CostUSD,
	)
	return rec, err
}

// credentialSource adapts the token cache to the session manager's
// credential interface.
type credentialSource struct {
	cache *token.Cache
	req   token.Request
}

func (s *credentialSource) Token(ctx context.Context) (string, error) {
	cred, err := s.cache.Credential(ctx, s.req, false)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

func (s *credentialSource) Invalidate() { s.cache.Clear() }

// discardSink drops decoded audio. Default for headless runs where nothing
// is attached to the speaker output.
type discardSink struct{}

func (discardSink) Play(time.Time, []float32) {}
