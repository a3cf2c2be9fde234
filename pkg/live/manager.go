// Package live maintains the bidirectional voice session with the Gemini Live
// API on behalf of a tutoring client.
//
// [Manager] owns the WebSocket connection lifecycle: it acquires an ephemeral
// credential, dials the BidiGenerateContent endpoint, presents a stored
// resumption handle so a rejoining learner keeps their conversation context,
// and recovers from unexpected transport loss with a single delayed reconnect.
// Inbound traffic is decoded into the closed [Event] union and fanned out to
// the registered [Handlers].
package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview"
	defaultVoice   = "Aoede"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	// defaultReconnectDelay is the fixed pause before the single automatic
	// reconnection attempt after an unexpected transport loss.
	defaultReconnectDelay = 2 * time.Second

	dialTimeout       = 15 * time.Second
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// State is the session lifecycle state.
type State int

const (
	// StateDisconnected means no transport exists. This is both the initial
	// state and the state after a transport loss or Disconnect.
	StateDisconnected State = iota

	// StateConnecting means a dial plus setup handshake is in flight.
	StateConnecting

	// StateConnected means the setup handshake was acknowledged and the
	// session accepts audio and text.
	StateConnected

	// StatePaused means the learner suspended the session deliberately.
	// Automatic reconnection is disabled until Resume.
	StatePaused
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// TokenProvider supplies the ephemeral access token used to authenticate a
// dial. Invalidate drops any cached token so the next Token call mints a
// fresh one; the manager invalidates before every reconnect and resume.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// ToolCallHandler is invoked for each function call requested by the model.
// It returns the result serialized as JSON.
type ToolCallHandler func(name string, argsJSON string) (resultJSON string, err error)

// Handlers receives decoded session events. All callbacks are optional and
// are invoked from the manager's internal goroutines; they must not call back
// into the Manager and must not block.
type Handlers struct {
	// OnState is invoked after every lifecycle transition.
	OnState func(State)

	// OnAudio receives one decoded model audio chunk (24 kHz s16le mono).
	OnAudio func(pcm []byte)

	// OnText receives a text part of a model turn.
	OnText func(text string)

	// OnTurnComplete fires when the model finishes a response turn.
	OnTurnComplete func()

	// OnInterrupted fires when the learner spoke over the model and the
	// service truncated the response. Playback should flush queued audio.
	OnInterrupted func()

	// OnCloseNotice fires when the service announces the connection will be
	// torn down in the given duration.
	OnCloseNotice func(timeLeft time.Duration)

	// OnUsage receives each unit-consumption delta as reported.
	OnUsage func(Usage)

	// OnToolCall handles model-requested function invocations. The manager
	// sends the response back on the session transport.
	OnToolCall ToolCallHandler

	// OnError receives transport and in-band service errors. Delivery is
	// informational; recovery is the manager's job.
	OnError func(error)
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Manager.
type Option func(*Manager)

// WithModel sets the model requested in the setup message.
func WithModel(model string) Option {
	return func(m *Manager) { m.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(m *Manager) { m.baseURL = url }
}

// WithVoice sets the prebuilt voice requested in the setup message.
func WithVoice(voice string) Option {
	return func(m *Manager) { m.voice = voice }
}

// WithInstructions sets the system instruction sent in the setup message.
func WithInstructions(text string) Option {
	return func(m *Manager) { m.instructions = text }
}

// WithReconnectDelay overrides the fixed delay before the automatic
// reconnection attempt.
func WithReconnectDelay(d time.Duration) Option {
	return func(m *Manager) { m.reconnectDelay = d }
}

// WithHandlers registers the event callbacks.
func WithHandlers(h Handlers) Option {
	return func(m *Manager) { m.handlers = h }
}

// ── Manager ────────────────────────────────────────────────────────────────────

// Manager drives the session lifecycle. All transitions are serialized: a
// Pause issued while Connect is in flight blocks until the connect completes,
// so observers never see interleaved half-transitions.
type Manager struct {
	tokens  TokenProvider
	handles *HandleStore

	model          string
	baseURL        string
	voice          string
	instructions   string
	reconnectDelay time.Duration
	handlers       Handlers

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	sessCtx       context.Context
	sessCancel    context.CancelFunc
	gen           int // incremented on every deliberate close; stale loops compare against it
	wantReconnect bool
	retryTimer    *time.Timer
	retrySeq      int
	lastHandle    string
}

// NewManager creates a Manager. tokens supplies dial credentials and handles
// persists resumption handles across sessions.
func NewManager(tokens TokenProvider, handles *HandleStore, opts ...Option) *Manager {
	m := &Manager{
		tokens:         tokens,
		handles:        handles,
		model:          defaultModel,
		baseURL:        defaultBaseURL,
		voice:          defaultVoice,
		reconnectDelay: defaultReconnectDelay,
		wantReconnect:  true,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes a session. It acquires a credential, dials, presents a
// stored resumption handle if one is still valid, and returns once the
// service acknowledges the setup message. Valid only from the disconnected
// state.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateDisconnected {
		return fmt.Errorf("live: connect: session is %s", m.state)
	}
	m.wantReconnect = true
	return m.connectLocked(ctx)
}

// connectLocked performs the dial and setup handshake. Caller holds m.mu and
// has verified state is disconnected.
func (m *Manager) connectLocked(ctx context.Context) error {
	m.setStateLocked(StateConnecting)

	token, err := m.tokens.Token(ctx)
	if err != nil {
		m.setStateLocked(StateDisconnected)
		return fmt.Errorf("live: credential: %w", err)
	}

	handle, resuming := m.handles.Load()

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent?access_token=%s",
		m.baseURL, token,
	)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		m.setStateLocked(StateDisconnected)
		return fmt.Errorf("live: dial: %w", err)
	}

	if err := m.handshake(ctx, conn, handle); err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		m.setStateLocked(StateDisconnected)
		return err
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	m.conn = conn
	m.sessCtx = sessCtx
	m.sessCancel = sessCancel
	m.gen++
	gen := m.gen
	m.setStateLocked(StateConnected)

	slog.Info("live session established",
		"model", m.model,
		"resumed", resuming)

	go m.receiveLoop(conn, sessCtx, gen)
	go m.keepaliveLoop(conn, sessCtx)

	return nil
}

// handshake sends the setup message and waits for the service to acknowledge
// it with setupComplete.
func (m *Manager) handshake(ctx context.Context, conn *websocket.Conn, handle string) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", m.model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
			// Always request resumption updates; include the prior handle
			// only when continuing a conversation.
			SessionResumption: &sessionResumption{Handle: handle},
		},
	}
	if m.instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: m.instructions}},
		}
	}
	if m.voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: m.voice},
			},
		}
	}

	if err := writeJSON(ctx, conn, msg); err != nil {
		return fmt.Errorf("live: setup: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("live: setup ack: %w", err)
		}
		var sm serverMessage
		if err := json.Unmarshal(data, &sm); err != nil {
			continue
		}
		if sm.Error != nil {
			return fmt.Errorf("live: setup rejected: %s", sm.Error.Message)
		}
		if sm.SetupComplete != nil {
			return nil
		}
	}
}

// Pause suspends the session deliberately: the resumption handle is
// persisted, the cached credential dropped, automatic reconnection disabled
// and the transport closed. Pausing an already paused session is a no-op.
func (m *Manager) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StatePaused {
		return nil
	}

	m.wantReconnect = false
	m.cancelRetryLocked()

	if m.lastHandle != "" {
		if err := m.handles.Save(m.lastHandle); err != nil {
			slog.Warn("persisting resumption handle on pause failed", "error", err)
		}
	}
	m.tokens.Invalidate()
	m.closeConnLocked("paused")
	m.setStateLocked(StatePaused)

	slog.Info("live session paused", "had_handle", m.lastHandle != "")
	return nil
}

// Resume reopens a paused session. The stored handle, if still valid, is
// presented so the conversation continues where it left off; the credential
// is re-minted because the old one may have expired while paused.
func (m *Manager) Resume(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StatePaused {
		return fmt.Errorf("live: resume: session is %s", m.state)
	}

	m.wantReconnect = true
	m.tokens.Invalidate()
	m.setStateLocked(StateDisconnected)
	return m.connectLocked(ctx)
}

// Disconnect tears the session down and disables reconnection. Idempotent.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.wantReconnect = false
	m.cancelRetryLocked()
	m.closeConnLocked("session closed")
	if m.state != StateDisconnected {
		m.setStateLocked(StateDisconnected)
	}
	return nil
}

// SendAudio delivers one captured PCM chunk (16 kHz, s16le, mono) to the
// model. When the session is not connected the chunk is dropped silently:
// capture keeps running across reconnects and pauses, and stale audio from
// those gaps must not error or queue.
func (m *Manager) SendAudio(pcm []byte) error {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return nil
	}
	conn, ctx := m.conn, m.sessCtx
	m.mu.Unlock()

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: "audio/pcm;rate=16000", Data: base64.StdEncoding.EncodeToString(pcm)},
			},
		},
	}
	return writeJSON(ctx, conn, msg)
}

// SendText injects a user text turn. Dropped silently when not connected,
// matching SendAudio.
func (m *Manager) SendText(text string) error {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return nil
	}
	conn, ctx := m.conn, m.sessCtx
	m.mu.Unlock()

	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentTurn{
				{Role: "user", Parts: []part{{Text: text}}},
			},
			TurnComplete: true,
		},
	}
	return writeJSON(ctx, conn, msg)
}

// ── Internal machinery ─────────────────────────────────────────────────────────

// setStateLocked updates state and notifies. Caller holds m.mu.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.handlers.OnState != nil {
		m.handlers.OnState(s)
	}
}

// closeConnLocked closes the transport deliberately. Bumping gen makes the
// receive loop's eventual read error read as stale, so a deliberate close
// never schedules a reconnect. Caller holds m.mu.
func (m *Manager) closeConnLocked(reason string) {
	if m.conn == nil {
		return
	}
	m.gen++
	m.sessCancel()
	m.conn.Close(websocket.StatusNormalClosure, reason)
	m.conn = nil
	m.sessCtx = nil
	m.sessCancel = nil
}

// cancelRetryLocked invalidates any scheduled reconnection attempt. Caller
// holds m.mu.
func (m *Manager) cancelRetryLocked() {
	m.retrySeq++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// receiveLoop reads and dispatches inbound messages until the transport
// fails or the session is closed deliberately.
func (m *Manager) receiveLoop(conn *websocket.Conn, ctx context.Context, gen int) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.handleTransportLoss(gen, err)
			return
		}

		events, err := decodeEvents(data)
		if err != nil {
			continue // skip malformed frames
		}
		for _, ev := range events {
			m.dispatch(conn, ctx, ev)
		}
	}
}

// handleTransportLoss reacts to an unexpected connection drop: clear the
// credential cache (the token may be the reason the service hung up), then
// schedule exactly one reconnection attempt after the fixed delay.
func (m *Manager) handleTransportLoss(gen int, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		// A deliberate close or a newer session superseded this loop.
		m.mu.Unlock()
		return
	}

	slog.Warn("live transport lost", "error", cause)
	m.conn = nil
	m.sessCancel()
	m.sessCtx = nil
	m.sessCancel = nil
	m.setStateLocked(StateDisconnected)

	if m.wantReconnect {
		m.tokens.Invalidate()
		m.retrySeq++
		seq := m.retrySeq
		m.retryTimer = time.AfterFunc(m.reconnectDelay, func() { m.retry(seq) })
		slog.Info("reconnect scheduled", "delay", m.reconnectDelay)
	}
	m.mu.Unlock()

	if m.handlers.OnError != nil {
		m.handlers.OnError(fmt.Errorf("live: transport lost: %w", cause))
	}
}

// retry runs the single scheduled reconnection attempt. A Pause or
// Disconnect issued between scheduling and firing advances retrySeq, which
// voids the attempt.
func (m *Manager) retry(seq int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seq != m.retrySeq || !m.wantReconnect || m.state != StateDisconnected {
		return
	}
	m.retryTimer = nil

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if err := m.connectLocked(ctx); err != nil {
		slog.Error("reconnect failed", "error", err)
		if m.handlers.OnError != nil {
			m.handlers.OnError(err)
		}
	}
}

// dispatch routes one decoded event to the registered handlers. The switch
// is exhaustive over the Event union.
func (m *Manager) dispatch(conn *websocket.Conn, ctx context.Context, ev Event) {
	switch ev := ev.(type) {
	case EventResumption:
		if !ev.Resumable || ev.Handle == "" {
			return
		}
		m.mu.Lock()
		m.lastHandle = ev.Handle
		m.mu.Unlock()
		if err := m.handles.Save(ev.Handle); err != nil {
			slog.Warn("persisting resumption handle failed", "error", err)
		}

	case EventCloseNotice:
		slog.Info("service announced connection close", "time_left", ev.TimeLeft)
		if m.handlers.OnCloseNotice != nil {
			m.handlers.OnCloseNotice(ev.TimeLeft)
		}

	case EventContent:
		for _, chunk := range ev.Audio {
			if m.handlers.OnAudio != nil {
				m.handlers.OnAudio(chunk)
			}
		}
		for _, text := range ev.Text {
			if m.handlers.OnText != nil {
				m.handlers.OnText(text)
			}
		}
		if ev.Interrupted && m.handlers.OnInterrupted != nil {
			m.handlers.OnInterrupted()
		}
		if ev.TurnComplete && m.handlers.OnTurnComplete != nil {
			m.handlers.OnTurnComplete()
		}

	case EventUsage:
		if m.handlers.OnUsage != nil {
			m.handlers.OnUsage(ev.Delta)
		}

	case EventToolCall:
		m.handleToolCall(conn, ctx, ev)

	case EventError:
		slog.Warn("service reported error", "code", ev.Code, "message", ev.Message)
		if m.handlers.OnError != nil {
			m.handlers.OnError(fmt.Errorf("live: service error %d: %s", ev.Code, ev.Message))
		}
	}
}

// handleToolCall invokes the registered tool handler and sends the response
// back on the session transport.
func (m *Manager) handleToolCall(conn *websocket.Conn, ctx context.Context, ev EventToolCall) {
	if m.handlers.OnToolCall == nil {
		return
	}

	argsJSON, err := json.Marshal(ev.Args)
	if err != nil {
		return
	}
	result, callErr := m.handlers.OnToolCall(ev.Name, string(argsJSON))
	if callErr != nil {
		result = fmt.Sprintf(`{"error": %q}`, callErr.Error())
	}

	var respObj map[string]any
	if jsonErr := json.Unmarshal([]byte(result), &respObj); jsonErr != nil {
		respObj = map[string]any{"output": result}
	}

	resp := toolResponseMessage{
		ToolResponse: toolResponse{
			FunctionResponses: []functionResponse{
				{ID: ev.ID, Name: ev.Name, Response: respObj},
			},
		},
	}
	_ = writeJSON(ctx, conn, resp) // best-effort; ignore write errors after close
}

// keepaliveLoop sends WebSocket pings so intermediaries keep the long-lived
// connection open.
func (m *Manager) keepaliveLoop(conn *websocket.Conn, ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, keepaliveTimeout)
			_ = conn.Ping(pingCtx)
			cancel()
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("live: marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
