package session

import (
	"context"

	"github.com/lumiedu/lumi-live/pkg/audio"
)

// Event is the interface for everything a live connection can report.
type Event interface {
	// EventType returns the event type string for logging.
	EventType() string
}

// AudioChunkEvent carries one chunk of model speech as raw PCM16 bytes at
// the output sample rate.
type AudioChunkEvent struct {
	Data []byte
}

func (e *AudioChunkEvent) EventType() string { return "audio.chunk" }

// InputTranscriptEvent is a delta of the learner's speech transcription.
type InputTranscriptEvent struct {
	Text string
}

func (e *InputTranscriptEvent) EventType() string { return "transcript.input" }

// OutputTranscriptEvent is a delta of the tutor's speech transcription.
type OutputTranscriptEvent struct {
	Text string
}

func (e *OutputTranscriptEvent) EventType() string { return "transcript.output" }

// TurnCompleteEvent marks the end of a model turn.
type TurnCompleteEvent struct{}

func (e *TurnCompleteEvent) EventType() string { return "turn.complete" }

// InterruptedEvent is emitted when the learner barges in over model speech.
type InterruptedEvent struct{}

func (e *InterruptedEvent) EventType() string { return "turn.interrupted" }

// FunctionCall is one tool invocation requested by the model.
type FunctionCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolCallEvent carries a batch of tool invocations.
type ToolCallEvent struct {
	Calls []FunctionCall
}

func (e *ToolCallEvent) EventType() string { return "tool.call" }

// ClosedEvent is the final event on a connection; Err is nil on clean close.
type ClosedEvent struct {
	Err error
}

func (e *ClosedEvent) EventType() string { return "connection.closed" }

// ErrorEvent reports a non-fatal upstream error.
type ErrorEvent struct {
	Err error
}

func (e *ErrorEvent) EventType() string { return "connection.error" }

// Schema is a minimal JSON-schema node for tool parameter declarations.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

// ToolDeclaration advertises one callable function to the model.
type ToolDeclaration struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parameters  *Schema `json:"parameters,omitempty"`
}

// ToolResponse answers one FunctionCall by id.
type ToolResponse struct {
	ID     string
	Name   string
	Result map[string]any
}

// OpenConfig is everything a transport needs to establish a live connection.
type OpenConfig struct {
	Model             string
	Voice             string
	SystemInstruction string
	Tools             []ToolDeclaration
	// Transcription enables server-side transcription of both audio
	// directions.
	Transcription bool
}

// Conn is an established live connection. Events delivers upstream traffic
// in arrival order and is closed after a ClosedEvent.
type Conn interface {
	Events() <-chan Event
	// SendText submits a text part; turnComplete marks it as a full user
	// turn the model should answer.
	SendText(text string, turnComplete bool) error
	// SendMedia streams one realtime audio or video blob.
	SendMedia(blob audio.MediaBlob) error
	// SendToolResponse answers outstanding tool calls.
	SendToolResponse(resps []ToolResponse) error
	Close() error
}

// Transport opens live connections; implementations wrap a specific wire
// protocol.
type Transport interface {
	Open(ctx context.Context, cfg OpenConfig) (Conn, error)
}
