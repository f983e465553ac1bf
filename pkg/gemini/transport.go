package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lumiedu/lumi-live/pkg/audio"
	"github.com/lumiedu/lumi-live/pkg/session"
)

const (
	// DefaultEndpoint is the BidiGenerateContent websocket endpoint.
	DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	defaultConnectTimeout = 15 * time.Second
	eventBufferSize       = 256
)

// Transport dials Gemini live sessions. It implements session.Transport.
type Transport struct {
	// APIKey authenticates the websocket upgrade.
	APIKey string
	// Endpoint overrides DefaultEndpoint; used by tests.
	Endpoint string
	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer
	Logger zerolog.Logger
}

// Open implements session.Transport: dial, send the setup frame, wait for
// setupComplete, then hand the socket to a read loop.
func (t *Transport) Open(ctx context.Context, cfg session.OpenConfig) (session.Conn, error) {
	if t.APIKey == "" {
		return nil, session.NewAuthenticationError("missing API key")
	}
	endpoint := t.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	wsURL := endpoint + "?key=" + t.APIKey

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	ws, resp, err := dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, session.NewAuthenticationError("websocket dial rejected: invalid API key")
			case http.StatusForbidden:
				return nil, session.NewPermissionError("websocket dial rejected: access denied")
			}
			return nil, &session.TransportError{Op: "dial", URL: endpoint,
				Err: fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)}
		}
		return nil, &session.TransportError{Op: "dial", URL: endpoint, Err: err}
	}

	if err := ws.WriteJSON(clientMessage{Setup: buildSetup(cfg)}); err != nil {
		_ = ws.Close()
		return nil, &session.TransportError{Op: "setup", URL: endpoint, Err: err}
	}

	// The service acks the setup frame before any content flows.
	_ = ws.SetReadDeadline(time.Now().Add(defaultConnectTimeout))
	var first serverMessage
	if err := ws.ReadJSON(&first); err != nil {
		_ = ws.Close()
		return nil, &session.TransportError{Op: "handshake", URL: endpoint, Err: err}
	}
	_ = ws.SetReadDeadline(time.Time{})
	if first.SetupComplete == nil {
		_ = ws.Close()
		return nil, session.NewAPIError("handshake did not return setupComplete")
	}

	c := &Conn{
		ws:     ws,
		log:    t.Logger,
		events: make(chan session.Event, eventBufferSize),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func buildSetup(cfg session.OpenConfig) *setup {
	s := &setup{
		Model: "models/" + cfg.Model,
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: &speechConfig{
				VoiceConfig: &voiceConfig{
					PrebuiltVoiceConfig: &prebuiltVoiceConfig{VoiceName: cfg.Voice},
				},
			},
		},
	}
	if cfg.SystemInstruction != "" {
		s.SystemInstruction = &content{Parts: []part{{Text: cfg.SystemInstruction}}}
	}
	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, 0, len(cfg.Tools))
		for _, td := range cfg.Tools {
			var params json.RawMessage
			if td.Parameters != nil {
				params, _ = json.Marshal(td.Parameters)
			}
			decls = append(decls, functionDeclaration{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  params,
			})
		}
		s.Tools = []tool{{FunctionDeclarations: decls}}
	}
	if cfg.Transcription {
		s.InputAudioTranscription = &struct{}{}
		s.OutputAudioTranscription = &struct{}{}
	}
	return s
}

// Conn is one live websocket connection. It implements session.Conn.
type Conn struct {
	ws  *websocket.Conn
	log zerolog.Logger

	events chan session.Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

// Events implements session.Conn.
func (c *Conn) Events() <-chan session.Event { return c.events }

// SendText implements session.Conn.
func (c *Conn) SendText(text string, turnComplete bool) error {
	return c.sendJSON(clientMessage{ClientContent: &clientContent{
		Turns:        []content{{Role: "user", Parts: []part{{Text: text}}}},
		TurnComplete: turnComplete,
	}})
}

// SendMedia implements session.Conn.
func (c *Conn) SendMedia(blob audio.MediaBlob) error {
	return c.sendJSON(clientMessage{RealtimeInput: &realtimeInput{
		MediaChunks: []inlineData{{MIMEType: blob.MIMEType, Data: blob.Data}},
	}})
}

// SendToolResponse implements session.Conn.
func (c *Conn) SendToolResponse(resps []session.ToolResponse) error {
	frs := make([]functionResponse, 0, len(resps))
	for _, r := range resps {
		frs = append(frs, functionResponse{ID: r.ID, Name: r.Name, Response: r.Result})
	}
	return c.sendJSON(clientMessage{ToolResponse: &toolResponse{FunctionResponses: frs}})
}

func (c *Conn) sendJSON(v any) error {
	if c.closed.Load() {
		return session.NewConnectionError("live connection is closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// Close implements session.Conn with a best-effort close handshake.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	<-c.done
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		var msg serverMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if c.closed.Load() ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.emit(&session.ClosedEvent{})
			} else {
				c.emit(&session.ClosedEvent{Err: err})
			}
			return
		}
		c.translate(&msg)
	}
}

// translate fans one server message out into session events. Transcript
// deltas go first so a buffered user utterance can be committed before the
// model's own audio arrives from the same frame.
func (c *Conn) translate(msg *serverMessage) {
	if sc := msg.ServerContent; sc != nil {
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			c.emit(&session.InputTranscriptEvent{Text: sc.InputTranscription.Text})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			c.emit(&session.OutputTranscriptEvent{Text: sc.OutputTranscription.Text})
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil || p.InlineData.Data == "" {
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					c.log.Warn().Err(err).Msg("undecodable audio part dropped")
					continue
				}
				c.emit(&session.AudioChunkEvent{Data: pcm})
			}
		}
		if sc.Interrupted {
			c.emit(&session.InterruptedEvent{})
		}
		if sc.TurnComplete {
			c.emit(&session.TurnCompleteEvent{})
		}
	}
	if tc := msg.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
		calls := make([]session.FunctionCall, 0, len(tc.FunctionCalls))
		for _, fc := range tc.FunctionCalls {
			calls = append(calls, session.FunctionCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
		c.emit(&session.ToolCallEvent{Calls: calls})
	}
	if msg.GoAway != nil {
		c.emit(&session.ErrorEvent{Err: session.NewAPIError("server is closing the connection: " + msg.GoAway.TimeLeft)})
	}
}

func (c *Conn) emit(ev session.Event) {
	select {
	case c.events <- ev:
	default:
		// Do not deadlock the read loop if the consumer stopped draining.
		c.log.Warn().Str("event", ev.EventType()).Msg("event dropped, consumer backlogged")
	}
}
