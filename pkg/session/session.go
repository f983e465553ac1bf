package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumiedu/lumi-live/pkg/audio"
	"github.com/lumiedu/lumi-live/pkg/playback"
)

const (
	// DefaultModel is the live conversation model.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"
	// DefaultVoice is the tutor's prebuilt voice.
	DefaultVoice = "Aoede"

	// DefaultMaxRetries bounds automatic reconnects after transient failures.
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the fixed delay between reconnect attempts.
	DefaultRetryDelay = 2 * time.Second
	// DefaultGraceDelay is how long after the handshake the session waits
	// before going live and releasing the greeting turn.
	DefaultGraceDelay = 500 * time.Millisecond

	// truncationMarker is appended to an assistant utterance cut off by a
	// barge-in.
	truncationMarker = "..."
)

// Player is the playback surface the session drives with model speech.
type Player interface {
	Enqueue(pcm []byte)
	Interrupt()
	IsSpeaking() bool
}

// Store persists the transcript and learning stats across sessions. Writes
// are best-effort; the session logs and continues on failure.
type Store interface {
	LoadMessages(ctx context.Context) ([]Message, error)
	LoadStats(ctx context.Context) (LearningStats, bool, error)
	SaveMessage(ctx context.Context, msg Message) error
	UpdateMessage(ctx context.Context, msg Message) error
	SaveStats(ctx context.Context, stats LearningStats) error
}

// TextMode selects how SendText is delivered.
type TextMode int

const (
	// TextChat is an ordinary typed user turn.
	TextChat TextMode = iota
	// TextInstruction is a hidden supervisor directive; the model adjusts
	// its behavior without reading the text aloud.
	TextInstruction
)

// Config wires a Session's collaborators.
type Config struct {
	Profile   Profile
	Transport Transport
	Player    Player
	Tools     []ToolHandler
	Logger    zerolog.Logger

	// Chime, when set, plays feedback cues after tool executions.
	Chime func(kind playback.ChimeKind)
	// Store, when set, loads the transcript at construction and persists
	// commits fire-and-forget.
	Store Store

	Model string
	Voice string

	MaxRetries int
	RetryDelay time.Duration
	GraceDelay time.Duration

	// OnLive observes the live flag; used to gate the capture pipeline.
	OnLive func(live bool)
	// OnState observes connection state transitions.
	OnState func(state State)
	// OnStats observes learning stats overwrites.
	OnStats func(stats LearningStats)
}

// Session is the stateful orchestrator of one live tutoring conversation. It
// owns the connection lifecycle, the transcript, the learning stats, and tool
// dispatch. All exported methods are safe for concurrent use.
type Session struct {
	cfg   Config
	log   zerolog.Logger
	tools map[string]ToolHandler

	mu    sync.Mutex
	state State
	// epoch fences asynchronous completions: every connect attempt bumps
	// it, and stale timers, dials and event loops check it before touching
	// session state. A half-finished connect can never resurrect a session
	// that was torn down underneath it.
	epoch       uint64
	conn        Conn
	retries     int
	retryTimer  *time.Timer
	graceTimer  *time.Timer
	live        bool
	muted       bool
	videoActive bool

	messages  []Message
	stats     LearningStats
	inputBuf  strings.Builder
	outputBuf strings.Builder
}

// New builds a session and, when a store is configured, loads the persisted
// transcript and stats.
func New(cfg Config) *Session {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.GraceDelay <= 0 {
		cfg.GraceDelay = DefaultGraceDelay
	}
	s := &Session{
		cfg:   cfg,
		log:   cfg.Logger,
		tools: make(map[string]ToolHandler, len(cfg.Tools)),
		state: StateDisconnected,
		stats: DefaultStats(),
	}
	for _, h := range cfg.Tools {
		s.tools[h.Name()] = h
	}
	if cfg.Store != nil {
		ctx := context.Background()
		if msgs, err := cfg.Store.LoadMessages(ctx); err != nil {
			s.log.Warn().Err(err).Msg("failed to load persisted transcript")
		} else {
			s.messages = msgs
		}
		if stats, ok, err := cfg.Store.LoadStats(ctx); err != nil {
			s.log.Warn().Err(err).Msg("failed to load persisted stats")
		} else if ok {
			s.stats = stats
		}
	}
	return s
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Live reports whether the handshake grace period has elapsed and outbound
// media is flowing.
func (s *Session) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Messages returns a snapshot of the transcript.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Stats returns the current learning stats.
func (s *Session) Stats() LearningStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// IsSpeaking reports whether tutor audio is currently playing.
func (s *Session) IsSpeaking() bool {
	if s.cfg.Player == nil {
		return false
	}
	return s.cfg.Player.IsSpeaking()
}

// Muted reports the microphone gate.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// SetMuted gates the microphone.
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

// VideoActive reports whether video streaming is enabled.
func (s *Session) VideoActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoActive
}

// SetVideoActive toggles video streaming. Frames flow only while the session
// is also connected and live.
func (s *Session) SetVideoActive(active bool) {
	s.mu.Lock()
	s.videoActive = active
	s.mu.Unlock()
}

// StreamingVideo reports whether the video sampler should ship frames right
// now: video toggled on, connection up, grace period elapsed.
func (s *Session) StreamingVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoActive && s.state == StateConnected && s.live
}

// Connect starts the connection sequence. It is a no-op unless the session
// is Disconnected or in Error.
func (s *Session) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return
	}
	s.epoch++
	epoch := s.epoch
	s.retries = 0
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	go s.establish(ctx, epoch)
}

func (s *Session) establish(ctx context.Context, epoch uint64) {
	cfg := OpenConfig{
		Model:             s.cfg.Model,
		Voice:             s.cfg.Voice,
		SystemInstruction: SystemInstruction(s.cfg.Profile),
		Tools:             DefaultToolDeclarations(),
		Transcription:     true,
	}
	conn, err := s.cfg.Transport.Open(ctx, cfg)

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		s.failOrRetryLocked(ctx, epoch, err)
		s.mu.Unlock()
		return
	}
	s.conn = conn
	s.retries = 0
	s.setStateLocked(StateConnected)
	s.graceTimer = time.AfterFunc(s.cfg.GraceDelay, func() { s.goLive(epoch) })
	s.mu.Unlock()

	s.log.Info().Str("model", s.cfg.Model).Msg("session connected")
	go s.eventLoop(ctx, epoch, conn)
}

// goLive flips the live flag after the grace delay and releases the greeting
// turn so the tutor has something to respond to without speaking first.
func (s *Session) goLive(epoch uint64) {
	s.mu.Lock()
	if epoch != s.epoch || s.conn == nil {
		s.mu.Unlock()
		return
	}
	s.live = true
	conn := s.conn
	s.mu.Unlock()

	if s.cfg.OnLive != nil {
		s.cfg.OnLive(true)
	}
	if err := conn.SendText(Greeting(s.cfg.Profile), true); err != nil {
		s.log.Warn().Err(err).Msg("failed to send greeting")
	}
}

// failOrRetryLocked decides what a failure means: fatal error state, or a
// scheduled reconnect. Caller holds s.mu.
func (s *Session) failOrRetryLocked(ctx context.Context, epoch uint64, err error) {
	serr := Classify(err)
	switch {
	case serr.Type == ErrPermission || serr.Type == ErrAuthentication:
		s.log.Error().Err(serr).Msg("connection rejected")
		s.appendLocked(NewMessage(RoleSystem, "Connection rejected: "+serr.Message))
		s.teardownLocked()
		s.setStateLocked(StateError)
	case serr.IsRetryable() && s.retries < s.cfg.MaxRetries:
		s.retries++
		attempt := s.retries
		s.log.Warn().Err(serr).Int("attempt", attempt).Int("max", s.cfg.MaxRetries).
			Msg("connection lost, retrying")
		s.teardownLocked()
		s.setStateLocked(StateConnecting)
		s.retryTimer = time.AfterFunc(s.cfg.RetryDelay, func() {
			s.mu.Lock()
			stale := epoch != s.epoch
			s.mu.Unlock()
			if stale {
				return
			}
			s.establish(ctx, epoch)
		})
	default:
		s.log.Error().Err(serr).Msg("connection failed")
		s.appendLocked(NewMessage(RoleSystem, "Connection error: "+serr.Message))
		s.teardownLocked()
		s.setStateLocked(StateError)
	}
}

// teardownLocked releases the connection-scoped resources. Caller holds s.mu.
func (s *Session) teardownLocked() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	if s.conn != nil {
		conn := s.conn
		s.conn = nil
		go func() { _ = conn.Close() }()
	}
	wasLive := s.live
	s.live = false
	s.inputBuf.Reset()
	s.outputBuf.Reset()
	if s.cfg.Player != nil {
		s.cfg.Player.Interrupt()
	}
	if wasLive && s.cfg.OnLive != nil {
		go s.cfg.OnLive(false)
	}
}

// Disconnect tears the session down. Idempotent and callable from any state,
// including concurrently with an in-flight connect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.epoch++
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.teardownLocked()
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()
	s.log.Info().Msg("session disconnected")
}

func (s *Session) eventLoop(ctx context.Context, epoch uint64, conn Conn) {
	for ev := range conn.Events() {
		live := true
		switch ev := ev.(type) {
		case *AudioChunkEvent:
			// The tutor responding is the user's turn boundary; their
			// transcript may never get an explicit one.
			live = s.withEpoch(epoch, func() {
				s.commitInputLocked()
				if s.cfg.Player != nil {
					s.cfg.Player.Enqueue(ev.Data)
				}
			})
		case *InputTranscriptEvent:
			live = s.withEpoch(epoch, func() {
				s.inputBuf.WriteString(ev.Text)
			})
		case *OutputTranscriptEvent:
			live = s.withEpoch(epoch, func() {
				s.commitInputLocked()
				s.outputBuf.WriteString(ev.Text)
			})
		case *TurnCompleteEvent:
			live = s.withEpoch(epoch, func() {
				s.commitInputLocked()
				s.commitOutputLocked("")
			})
		case *InterruptedEvent:
			live = s.withEpoch(epoch, func() {
				if s.cfg.Player != nil {
					s.cfg.Player.Interrupt()
				}
				s.commitOutputLocked(truncationMarker)
			})
			if live {
				s.log.Debug().Msg("model speech interrupted")
			}
		case *ToolCallEvent:
			if live = s.withEpoch(epoch, func() {}); live {
				go s.dispatchTools(ctx, conn, ev.Calls)
			}
		case *ErrorEvent:
			serr := Classify(ev.Err)
			live = s.withEpoch(epoch, func() {
				s.log.Warn().Err(serr).Msg("session error")
				s.appendLocked(NewMessage(RoleSystem, "Error: "+serr.Message))
			})
		case *ClosedEvent:
			s.handleClosed(ctx, epoch, ev.Err)
			return
		}
		if !live {
			return
		}
	}
}

// withEpoch runs fn under the session lock only while the event's epoch is
// still current, so a concurrent Disconnect can never interleave between the
// staleness check and the mutation. A false return means the connection was
// superseded.
func (s *Session) withEpoch(epoch uint64, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return false
	}
	fn()
	return true
}

func (s *Session) handleClosed(ctx context.Context, epoch uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return
	}
	if err == nil {
		// Clean server-side close; nothing to retry.
		s.teardownLocked()
		s.setStateLocked(StateDisconnected)
		return
	}
	s.failOrRetryLocked(ctx, epoch, err)
}

// commitInputLocked finalizes a buffered user utterance. It also runs the
// moment the tutor starts responding, since that turn boundary may be the
// only one the user's speech ever gets.
func (s *Session) commitInputLocked() {
	text := strings.TrimSpace(s.inputBuf.String())
	s.inputBuf.Reset()
	if text == "" {
		return
	}
	s.appendLocked(NewMessage(RoleUser, text))
}

func (s *Session) commitOutputLocked(marker string) {
	text := strings.TrimSpace(s.outputBuf.String())
	s.outputBuf.Reset()
	if text == "" {
		return
	}
	s.appendLocked(NewMessage(RoleAssistant, text+marker))
}

func (s *Session) dispatchTools(ctx context.Context, conn Conn, calls []FunctionCall) {
	resps := make([]ToolResponse, 0, len(calls))
	for _, call := range calls {
		handler, ok := s.tools[call.Name]
		var result map[string]any
		if !ok {
			s.log.Warn().Str("tool", call.Name).Msg("unknown tool requested")
			result = map[string]any{"error": fmt.Sprintf("unknown tool: %s", call.Name)}
		} else {
			result = handler.Call(ctx, s, call)
		}
		resps = append(resps, ToolResponse{ID: call.ID, Name: call.Name, Result: result})
	}
	if err := conn.SendToolResponse(resps); err != nil {
		s.log.Warn().Err(err).Msg("failed to send tool responses")
	}
}

// SendText submits typed text. Chat mode records a user message and a full
// user turn; instruction mode sends a hidden supervisor directive.
func (s *Session) SendText(text string, mode TextMode) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return NewInvalidRequestError("empty text")
	}
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return NewConnectionError("session is not connected")
	}
	switch mode {
	case TextInstruction:
		s.appendLocked(NewMessage(RoleSystem, "(Director) "+text))
	default:
		s.appendLocked(NewMessage(RoleUser, text))
	}
	s.mu.Unlock()

	wire := text
	if mode == TextInstruction {
		wire = directorPrefix + text
	}
	return conn.SendText(wire, true)
}

// SendImage forwards an uploaded still image (worksheet, assignment) to the
// model and records it in the transcript.
func (s *Session) SendImage(mimeType, base64Data string) error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return NewConnectionError("session is not connected")
	}
	msg := NewMessage(RoleUser, "[Image uploaded]")
	msg.ImageData = fmt.Sprintf("data:%s;base64,%s", mimeType, base64Data)
	s.appendLocked(msg)
	s.mu.Unlock()

	return conn.SendMedia(audio.MediaBlob{MIMEType: mimeType, Data: base64Data})
}

// SendMedia streams one realtime blob (audio block or video frame). Frames
// sent while the session is not live are dropped silently.
func (s *Session) SendMedia(blob audio.MediaBlob) error {
	s.mu.Lock()
	conn := s.conn
	live := s.live
	s.mu.Unlock()
	if conn == nil || !live {
		return nil
	}
	return conn.SendMedia(blob)
}

// ToggleFavorite flips the favorite flag of a committed message.
func (s *Session) ToggleFavorite(id string) bool {
	return s.toggle(id, func(m *Message) { m.IsFavorite = !m.IsFavorite })
}

// ToggleFlag flips the flagged-for-review flag of a committed message.
func (s *Session) ToggleFlag(id string) bool {
	return s.toggle(id, func(m *Message) { m.IsFlagged = !m.IsFlagged })
}

func (s *Session) toggle(id string, mutate func(*Message)) bool {
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			mutate(&s.messages[i])
			msg := s.messages[i]
			s.mu.Unlock()
			s.persistUpdate(msg)
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// Post appends an arbitrary message to the transcript. Tool executors use it
// for status and result messages.
func (s *Session) Post(msg Message) {
	s.mu.Lock()
	s.appendLocked(msg)
	s.mu.Unlock()
}

// SetStats overwrites the learning stats wholesale.
func (s *Session) SetStats(stats LearningStats) {
	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()
	if s.cfg.OnStats != nil {
		s.cfg.OnStats(stats)
	}
	if s.cfg.Store != nil {
		go func() {
			if err := s.cfg.Store.SaveStats(context.Background(), stats); err != nil {
				s.log.Warn().Err(err).Msg("failed to persist stats")
			}
		}()
	}
}

// PlayChime plays a feedback cue if one is configured.
func (s *Session) PlayChime(kind playback.ChimeKind) {
	if s.cfg.Chime != nil {
		s.cfg.Chime(kind)
	}
}

// Profile returns the learner profile the session was built with.
func (s *Session) Profile() Profile { return s.cfg.Profile }

func (s *Session) appendLocked(msg Message) {
	s.messages = append(s.messages, msg)
	if s.cfg.Store != nil {
		go func() {
			if err := s.cfg.Store.SaveMessage(context.Background(), msg); err != nil {
				s.log.Warn().Err(err).Msg("failed to persist message")
			}
		}()
	}
}

func (s *Session) persistUpdate(msg Message) {
	if s.cfg.Store == nil {
		return
	}
	go func() {
		if err := s.cfg.Store.UpdateMessage(context.Background(), msg); err != nil {
			s.log.Warn().Err(err).Msg("failed to persist message update")
		}
	}()
}

func (s *Session) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.state = state
	if s.cfg.OnState != nil {
		go s.cfg.OnState(state)
	}
}
