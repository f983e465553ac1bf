package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumiedu/lumi-live/pkg/audio"
)

type sentText struct {
	text         string
	turnComplete bool
}

type fakeConn struct {
	events chan Event

	mu        sync.Mutex
	texts     []sentText
	media     []audio.MediaBlob
	toolResps []ToolResponse
	closed    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan Event, 64)}
}

func (c *fakeConn) Events() <-chan Event { return c.events }

func (c *fakeConn) SendText(text string, turnComplete bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, sentText{text, turnComplete})
	return nil
}

func (c *fakeConn) SendMedia(blob audio.MediaBlob) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.media = append(c.media, blob)
	return nil
}

func (c *fakeConn) SendToolResponse(resps []ToolResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolResps = append(c.toolResps, resps...)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeConn) sentTexts() []sentText {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentText(nil), c.texts...)
}

func (c *fakeConn) sentMedia() []audio.MediaBlob {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.MediaBlob(nil), c.media...)
}

func (c *fakeConn) responses() []ToolResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ToolResponse(nil), c.toolResps...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// emit delivers an event as if it came off the wire.
func (c *fakeConn) emit(ev Event) { c.events <- ev }

type fakeTransport struct {
	mu    sync.Mutex
	conns []*fakeConn
	errs  []error // consumed first, one per Open call
	opens int
	last  OpenConfig
}

func (t *fakeTransport) Open(_ context.Context, cfg OpenConfig) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens++
	t.last = cfg
	if len(t.errs) > 0 {
		err := t.errs[0]
		t.errs = t.errs[1:]
		return nil, err
	}
	conn := newFakeConn()
	t.conns = append(t.conns, conn)
	return conn, nil
}

func (t *fakeTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

func (t *fakeTransport) conn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[i]
}

func (t *fakeTransport) lastConfig() OpenConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

type fakePlayer struct {
	mu         sync.Mutex
	chunks     [][]byte
	interrupts int
}

func (p *fakePlayer) Enqueue(pcm []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = append(p.chunks, pcm)
}

func (p *fakePlayer) Interrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interrupts++
}

func (p *fakePlayer) IsSpeaking() bool { return false }

func (p *fakePlayer) interruptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupts
}

func (p *fakePlayer) chunkCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chunks)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func testProfile() Profile {
	return Profile{
		Name:            "Maya",
		Grade:           "5th grade",
		FavoriteSubject: "science",
		StruggleTopic:   "fractions",
		LearningStyle:   StyleVisual,
	}
}

func newTestSession(t *testing.T, mutate func(*Config)) (*Session, *fakeTransport, *fakePlayer) {
	t.Helper()
	transport := &fakeTransport{}
	player := &fakePlayer{}
	cfg := Config{
		Profile:    testProfile(),
		Transport:  transport,
		Player:     player,
		Logger:     zerolog.Nop(),
		RetryDelay: 5 * time.Millisecond,
		GraceDelay: 5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s := New(cfg)
	t.Cleanup(s.Disconnect)
	return s, transport, player
}

func connectLive(t *testing.T, s *Session, transport *fakeTransport) *fakeConn {
	t.Helper()
	s.Connect(context.Background())
	waitFor(t, func() bool { return s.State() == StateConnected })
	waitFor(t, s.Live)
	return transport.conn(0)
}

func messagesByRole(s *Session, role Role) []Message {
	var out []Message
	for _, m := range s.Messages() {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

func TestSession_ConnectSendsGreetingAfterGrace(t *testing.T) {
	t.Parallel()

	s, transport, _ := newTestSession(t, nil)
	conn := connectLive(t, s, transport)

	waitFor(t, func() bool { return len(conn.sentTexts()) == 1 })
	greeting := conn.sentTexts()[0]
	if greeting.text != "Hello! I am Maya." {
		t.Fatalf("greeting=%q", greeting.text)
	}
	if !greeting.turnComplete {
		t.Fatal("greeting not marked as a complete turn")
	}

	cfg := transport.lastConfig()
	if cfg.Model != DefaultModel || cfg.Voice != DefaultVoice {
		t.Fatalf("open config model=%q voice=%q", cfg.Model, cfg.Voice)
	}
	if len(cfg.Tools) != 2 {
		t.Fatalf("declared %d tools, want 2", len(cfg.Tools))
	}
	if cfg.SystemInstruction == "" {
		t.Fatal("no system instruction")
	}
}

func TestSession_ConnectWhileConnectingIsNoop(t *testing.T) {
	t.Parallel()

	s, transport, _ := newTestSession(t, nil)
	connectLive(t, s, transport)
	s.Connect(context.Background())
	time.Sleep(20 * time.Millisecond)
	if transport.openCount() != 1 {
		t.Fatalf("open called %d times, want 1", transport.openCount())
	}
}

func TestSession_CleanTurns(t *testing.T) {
	t.Parallel()

	s, transport, _ := newTestSession(t, nil)
	conn := connectLive(t, s, transport)

	conn.emit(&InputTranscriptEvent{Text: "2 plus "})
	conn.emit(&InputTranscriptEvent{Text: "2"})
	conn.emit(&TurnCompleteEvent{})
	waitFor(t, func() bool { return len(messagesByRole(s, RoleUser)) == 1 })
	if got := messagesByRole(s, RoleUser)[0].Text; got != "2 plus 2" {
		t.Fatalf("user message %q", got)
	}

	conn.emit(&OutputTranscriptEvent{Text: "four"})
	conn.emit(&TurnCompleteEvent{})
	waitFor(t, func() bool { return len(messagesByRole(s, RoleAssistant)) == 1 })
	if got := messagesByRole(s, RoleAssistant)[0].Text; got != "four" {
		t.Fatalf("assistant message %q", got)
	}
}

func TestSession_EarlyCommitOnModelResponse(t *testing.T) {
	t.Parallel()

	s, transport, _ := newTestSession(t, nil)
	conn := connectLive(t, s, transport)

	// The model starts answering before the user's turn-complete arrives.
	conn.emit(&InputTranscriptEvent{Text: "what is gravity"})
	conn.emit(&OutputTranscriptEvent{Text: "Gravity is"})
	waitFor(t, func() bool { return len(messagesByRole(s, RoleUser)) == 1 })

	msgs := s.Messages()
	if msgs[0].Role != RoleUser || msgs[0].Text != "what is gravity" {
		t.Fatalf("first message %+v, want committed user turn", msgs[0])
	}

	conn.emit(&TurnCompleteEvent{})
	waitFor(t, func() bool { return len(messagesByRole(s, RoleAssistant)) == 1 })
	if got := messagesByRole(s, RoleAssistant)[0].Text; got != "Gravity is" {
		t.Fatalf("assistant message %q", got)
	}
}

func TestSession_AudioChunkAlsoTriggersEarlyCommit(t *testing.T) {
	t.Parallel()

	s, transport, player := newTestSession(t, nil)
	conn := connectLive(t, s, transport)

	conn.emit(&InputTranscriptEvent{Text: "hello"})
	conn.emit(&AudioChunkEvent{Data: []byte{1, 2, 3, 4}})
	waitFor(t, func() bool { return len(messagesByRole(s, RoleUser)) == 1 })
	waitFor(t, func() bool { return player.chunkCount() == 1 })
}

func TestSession_InterruptCommitsTruncatedOutput(t *testing.T) {
	t.Parallel()

	s, transport, player := newTestSession(t, nil)
	conn := connectLive(t, s, transport)

	conn.emit(&OutputTranscriptEvent{Text: "The mitochondria is"})
	conn.emit(&InterruptedEvent{})
	waitFor(t, func() bool { return len(messagesByRole(s, RoleAssistant)) == 1 })

	if got := messagesByRole(s, RoleAssistant)[0].Text; got != "The mitochondria is..." {
		t.Fatalf("truncated message %q", got)
	}
	if player.interruptCount() == 0 {
		t.Fatal("player was not interrupted")
	}
}

func TestSession_InterruptWithEmptyBufferAddsNothing(t *testing.T) {
	t.Parallel()

	s, transport, _ := newTestSession(t, nil)
	conn := connectLive(t, s, transport)

	conn.emit(&InterruptedEvent{})
	time.Sleep(20 * time.Millisecond)
	if n := len(messagesByRole(s, RoleAssistant)); n != 0 {
		t.Fatalf("%d assistant messages after empty interrupt, want 0", n)
	}
}

type recordingTool struct {
	name   string
	mu     sync.Mutex
	calls  []FunctionCall
	result map[string]any
}

func (h *recordingTool) Name() string { return h.name }

func (h *recordingTool) Call(_ context.Context, _ *Session, call FunctionCall) map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call)
	return h.result
}

func TestSession_ToolDispatchAnswersEveryCall(t *testing.T) {
	t.Parallel()

	tool := &recordingTool{name: ToolUpdateProgress, result: map[string]any{"result": "ok"}}
	s, transport, _ := newTestSession(t, func(cfg *Config) {
		cfg.Tools = []ToolHandler{tool}
	})
	conn := connectLive(t, s, transport)

	conn.emit(&ToolCallEvent{Calls: []FunctionCall{
		{ID: "call-1", Name: ToolUpdateProgress, Args: map[string]any{"score": 80.0}},
		{ID: "call-2", Name: "no_such_tool"},
	}})
	waitFor(t, func() bool { return len(conn.responses()) == 2 })

	byID := map[string]ToolResponse{}
	for _, r := range conn.responses() {
		byID[r.ID] = r
	}
	if r, ok := byID["call-1"]; !ok || r.Result["result"] != "ok" {
		t.Fatalf("call-1 response %+v", byID["call-1"])
	}
	if r, ok := byID["call-2"]; !ok || r.Result["error"] == nil {
		t.Fatalf("call-2 response %+v, want unknown-tool error", byID["call-2"])
	}
}

func TestSession_RetryBudgetExhaustionIsFatal(t *testing.T) {
	t.Parallel()

	transportErr := errors.New("websocket: connection refused")
	s, transport, _ := newTestSession(t, func(cfg *Config) {
		cfg.MaxRetries = 3
	})
	transport.errs = []error{transportErr, transportErr, transportErr, transportErr}

	s.Connect(context.Background())
	waitFor(t, func() bool { return s.State() == StateError })

	// Initial attempt plus three retries.
	if got := transport.openCount(); got != 4 {
		t.Fatalf("open called %d times, want 4", got)
	}
	time.Sleep(30 * time.Millisecond)
	if got := transport.openCount(); got != 4 {
		t.Fatalf("retries continued after error state: %d opens", got)
	}
	if len(messagesByRole(s, RoleSystem)) == 0 {
		t.Fatal("no system message for terminal error")
	}
}

func TestSession_PermissionErrorIsFatalWithoutRetry(t *testing.T) {
	t.Parallel()

	s, transport, _ := newTestSession(t, nil)
	transport.errs = []error{errors.New("401 unauthenticated: bad api key")}

	s.Connect(context.Background())
	waitFor(t, func() bool { return s.State() == StateError })
	if transport.openCount() != 1 {
		t.Fatalf("open called %d times, want 1 (no retry)", transport.openCount())
	}
	if len(messagesByRole(s, RoleSystem)) == 0 {
		t.Fatal("no system message for rejected connection")
	}
}

func TestSession_ReconnectsAfterMidSessionDrop(t *testing.T) {
	t.Parallel()

	s, transport, _ := newTestSession(t, nil)
	conn := connectLive(t, s, transport)

	conn.emit(&ClosedEvent{Err: errors.New("websocket: abnormal closure")})
	waitFor(t, func() bool { return transport.openCount() == 2 })
	waitFor(t, func() bool { return s.State() == StateConnected })
}

func TestSession_DisconnectDuringConnectWins(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	transport := &blockingTransport{release: release}
	s := New(Config{
		Profile:    testProfile(),
		Transport:  transport,
		Player:     &fakePlayer{},
		Logger:     zerolog.Nop(),
		GraceDelay: time.Millisecond,
	})

	s.Connect(context.Background())
	waitFor(t, func() bool { return s.State() == StateConnecting })
	s.Disconnect()
	close(release) // dial completes after teardown

	waitFor(t, func() bool { return transport.conn() != nil && transport.conn().isClosed() })
	if s.State() != StateDisconnected {
		t.Fatalf("state=%v after disconnect, want disconnected", s.State())
	}
	if s.Live() {
		t.Fatal("stale connect resurrected the live flag")
	}
}

type blockingTransport struct {
	release chan struct{}
	mu      sync.Mutex
	c       *fakeConn
}

func (t *blockingTransport) Open(context.Context, OpenConfig) (Conn, error) {
	<-t.release
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c = newFakeConn()
	return t.c, nil
}

func (t *blockingTransport) conn() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c
}

func TestSession_DisconnectIsIdempotent(t *testing.T) {
	t.Parallel()

	s, transport, _ := newTestSession(t, nil)
	conn := connectLive(t, s, transport)

	s.Disconnect()
	s.Disconnect()
	if !conn.isClosed() {
		t.Fatal("connection not closed")
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state=%v", s.State())
	}
}

func TestSession_SendTextModes(t *testing.T) {
	t.Parallel()

	s, transport, _ := newTestSession(t, nil)
	conn := connectLive(t, s, transport)
	waitFor(t, func() bool { return len(conn.sentTexts()) == 1 }) // greeting

	if err := s.SendText("help me with math", TextChat); err != nil {
		t.Fatalf("chat send: %v", err)
	}
	if err := s.SendText("give him a hint", TextInstruction); err != nil {
		t.Fatalf("instruction send: %v", err)
	}

	texts := conn.sentTexts()
	if texts[1].text != "help me with math" || !texts[1].turnComplete {
		t.Fatalf("chat wire text %+v", texts[1])
	}
	if texts[2].text != "[DIRECTOR]: give him a hint" {
		t.Fatalf("instruction wire text %q", texts[2].text)
	}

	users := messagesByRole(s, RoleUser)
	if len(users) != 1 || users[0].Text != "help me with math" {
		t.Fatalf("user messages %+v", users)
	}
	sys := messagesByRole(s, RoleSystem)
	if len(sys) != 1 || sys[0].Text != "(Director) give him a hint" {
		t.Fatalf("system messages %+v", sys)
	}
}

func TestSession_SendTextWhileDisconnected(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSession(t, nil)
	err := s.SendText("hello", TextChat)
	var serr *Error
	if !errors.As(err, &serr) || serr.Type != ErrConnection {
		t.Fatalf("err=%v, want connection error", err)
	}
}

func TestSession_SendImageRecordsAndForwards(t *testing.T) {
	t.Parallel()

	s, transport, _ := newTestSession(t, nil)
	conn := connectLive(t, s, transport)

	if err := s.SendImage("image/png", "aGVsbG8="); err != nil {
		t.Fatalf("send image: %v", err)
	}
	media := conn.sentMedia()
	if len(media) != 1 || media[0].MIMEType != "image/png" {
		t.Fatalf("media %+v", media)
	}
	users := messagesByRole(s, RoleUser)
	if len(users) != 1 || users[0].ImageData != "data:image/png;base64,aGVsbG8=" {
		t.Fatalf("image message %+v", users)
	}
}

func TestSession_SendMediaDroppedUntilLive(t *testing.T) {
	t.Parallel()

	s, transport, _ := newTestSession(t, func(cfg *Config) {
		cfg.GraceDelay = time.Hour // hold the grace period open
	})
	s.Connect(context.Background())
	waitFor(t, func() bool { return s.State() == StateConnected })

	if err := s.SendMedia(audio.MediaBlob{MIMEType: audio.InputMIMEType, Data: "AAAA"}); err != nil {
		t.Fatalf("send media: %v", err)
	}
	if n := len(transport.conn(0).sentMedia()); n != 0 {
		t.Fatalf("%d blobs sent before live, want 0", n)
	}
}

func TestSession_Toggles(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSession(t, nil)
	s.Post(NewMessage(RoleAssistant, "Nice work!"))
	id := s.Messages()[0].ID

	if !s.ToggleFavorite(id) {
		t.Fatal("toggle favorite failed")
	}
	if !s.Messages()[0].IsFavorite {
		t.Fatal("favorite not set")
	}
	if !s.ToggleFavorite(id) {
		t.Fatal("second toggle failed")
	}
	if s.Messages()[0].IsFavorite {
		t.Fatal("favorite not cleared")
	}

	if !s.ToggleFlag(id) || !s.Messages()[0].IsFlagged {
		t.Fatal("flag toggle failed")
	}
	if s.ToggleFavorite("missing-id") {
		t.Fatal("toggle on unknown id reported success")
	}
}

func TestSession_StatsDefaultAndOverwrite(t *testing.T) {
	t.Parallel()

	var got []LearningStats
	var mu sync.Mutex
	s, _, _ := newTestSession(t, func(cfg *Config) {
		cfg.OnStats = func(st LearningStats) {
			mu.Lock()
			got = append(got, st)
			mu.Unlock()
		}
	})

	if st := s.Stats(); st.ComprehensionScore != 50 || st.Difficulty != DifficultyBeginner {
		t.Fatalf("default stats %+v", st)
	}
	s.SetStats(LearningStats{ComprehensionScore: 82, Difficulty: DifficultyAdvanced})
	if st := s.Stats(); st.ComprehensionScore != 82 || st.Difficulty != DifficultyAdvanced {
		t.Fatalf("stats after overwrite %+v", st)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("OnStats fired %d times, want 1", len(got))
	}
}

func TestSession_StreamingVideoGates(t *testing.T) {
	t.Parallel()

	s, transport, _ := newTestSession(t, nil)
	if s.StreamingVideo() {
		t.Fatal("streaming while disconnected")
	}
	s.SetVideoActive(true)
	if s.StreamingVideo() {
		t.Fatal("streaming without a connection")
	}
	connectLive(t, s, transport)
	if !s.StreamingVideo() {
		t.Fatal("not streaming while live with video on")
	}
	s.SetVideoActive(false)
	if s.StreamingVideo() {
		t.Fatal("streaming after video toggled off")
	}
}

func TestSession_SupersededEventCannotTouchTranscript(t *testing.T) {
	t.Parallel()

	s, transport, _ := newTestSession(t, nil)
	conn := connectLive(t, s, transport)

	conn.emit(&InputTranscriptEvent{Text: "what is "})
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.inputBuf.Len() > 0
	})

	// Supersede the connection the way Disconnect does, but leave the old
	// conn's channel open so its event loop is still draining.
	s.mu.Lock()
	s.epoch++
	s.inputBuf.Reset()
	s.mu.Unlock()

	conn.emit(&InputTranscriptEvent{Text: "ghost"})
	conn.emit(&TurnCompleteEvent{})

	// The stale delta must be dropped and the loop must exit before the
	// turn-complete; nothing may reach the buffers or the transcript.
	time.Sleep(20 * time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inputBuf.Len() != 0 {
		t.Fatalf("stale delta leaked into the input buffer: %q", s.inputBuf.String())
	}
	for _, msg := range s.messages {
		if msg.Role == RoleUser {
			t.Fatalf("stale turn committed: %q", msg.Text)
		}
	}
}
