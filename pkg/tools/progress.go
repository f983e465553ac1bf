package tools

import (
	"context"
	"math"

	"github.com/rs/zerolog"

	"github.com/lumiedu/lumi-live/pkg/playback"
	"github.com/lumiedu/lumi-live/pkg/session"
)

// ProgressUpdater executes update_student_progress calls: it overwrites the
// learning stats wholesale and plays a short notification cue.
type ProgressUpdater struct {
	log zerolog.Logger
}

// NewProgressUpdater wires the executor.
func NewProgressUpdater(log zerolog.Logger) *ProgressUpdater {
	return &ProgressUpdater{log: log}
}

// Name implements session.ToolHandler.
func (p *ProgressUpdater) Name() string { return session.ToolUpdateProgress }

// Call implements session.ToolHandler.
func (p *ProgressUpdater) Call(_ context.Context, sess *session.Session, call session.FunctionCall) map[string]any {
	score, ok := numericArg(call.Args["score"])
	if !ok {
		p.log.Warn().Str("id", call.ID).Interface("args", call.Args).Msg("progress update without a score")
		return map[string]any{"error": "score must be a number between 0 and 100"}
	}
	difficulty, _ := call.Args["difficulty"].(string)
	if !session.ValidDifficulty(session.Difficulty(difficulty)) {
		p.log.Warn().Str("id", call.ID).Str("difficulty", difficulty).Msg("progress update with unknown difficulty")
		return map[string]any{"error": `difficulty must be one of "Beginner", "Intermediate", "Advanced"`}
	}
	reason, _ := call.Args["reason"].(string)

	sess.SetStats(session.LearningStats{
		ComprehensionScore: clampScore(score),
		Difficulty:         session.Difficulty(difficulty),
		LastUpdateReason:   reason,
	})
	sess.PlayChime(playback.ChimeNotification)
	p.log.Debug().Int("score", clampScore(score)).Str("difficulty", difficulty).
		Str("reason", reason).Msg("learning stats updated")
	return map[string]any{"result": "Dashboard updated."}
}

// numericArg accepts the number representations JSON decoding can produce.
func numericArg(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func clampScore(score float64) int {
	if math.IsNaN(score) {
		return 0
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return int(math.Round(score))
}
