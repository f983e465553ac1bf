// Package session orchestrates a live tutoring conversation: connection
// lifecycle with retry, the chat transcript, learning stats, and dispatch of
// model tool calls.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry in the session transcript.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	// ImageData carries a base64 data URL when the message is a generated
	// illustration rather than text.
	ImageData  string `json:"image_data,omitempty"`
	IsFavorite bool   `json:"is_favorite,omitempty"`
	IsFlagged  bool   `json:"is_flagged,omitempty"`
}

// NewMessage builds a transcript message with a fresh id and timestamp.
func NewMessage(role Role, text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	}
}

// Difficulty is the coarse level shown on the learner dashboard.
type Difficulty string

const (
	DifficultyBeginner     Difficulty = "Beginner"
	DifficultyIntermediate Difficulty = "Intermediate"
	DifficultyAdvanced     Difficulty = "Advanced"
)

// ValidDifficulty reports whether d is one of the known levels.
func ValidDifficulty(d Difficulty) bool {
	switch d {
	case DifficultyBeginner, DifficultyIntermediate, DifficultyAdvanced:
		return true
	}
	return false
}

// LearningStats is the model-maintained view of learner progress.
type LearningStats struct {
	ComprehensionScore int        `json:"comprehension_score"`
	Difficulty         Difficulty `json:"difficulty"`
	LastUpdateReason   string     `json:"last_update_reason,omitempty"`
}

// DefaultStats is where every new session starts.
func DefaultStats() LearningStats {
	return LearningStats{ComprehensionScore: 50, Difficulty: DifficultyBeginner}
}

// LearningStyle is how the learner best absorbs material; it steers the
// tutor's analogies.
type LearningStyle string

const (
	StyleVisual   LearningStyle = "visual"
	StyleAuditory LearningStyle = "auditory"
	StyleHandsOn  LearningStyle = "hands-on"
)

// Profile describes the learner and shapes the tutor's persona and level.
type Profile struct {
	Name            string        `json:"name"`
	Grade           string        `json:"grade"`
	FavoriteSubject string        `json:"favorite_subject"`
	StruggleTopic   string        `json:"struggle_topic"`
	LearningStyle   LearningStyle `json:"learning_style"`
}

// State is the connection lifecycle of a session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)
