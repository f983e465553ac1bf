package session

import "context"

// Tool names the model can invoke.
const (
	ToolGenerateImage  = "generate_educational_image"
	ToolUpdateProgress = "update_student_progress"
)

// DefaultToolDeclarations advertises the tutoring toolset.
func DefaultToolDeclarations() []ToolDeclaration {
	return []ToolDeclaration{
		{
			Name:        ToolGenerateImage,
			Description: "Generates a visual aid. Use this PROACTIVELY when explaining physical objects, scientific concepts, math geometry, or history.",
			Parameters: &Schema{
				Type: "object",
				Properties: map[string]*Schema{
					"prompt": {
						Type:        "string",
						Description: `A highly detailed, descriptive prompt for the image generator. Include style (e.g. "photorealistic", "colorful cartoon diagram", "labeled scientific illustration"), colors, and key elements.`,
					},
				},
				Required: []string{"prompt"},
			},
		},
		{
			Name:        ToolUpdateProgress,
			Description: "Updates the student's understanding score and difficulty level based on their recent responses. Call this frequently to keep the dashboard in sync.",
			Parameters: &Schema{
				Type: "object",
				Properties: map[string]*Schema{
					"score": {
						Type:        "number",
						Description: "Current estimated understanding score (0-100) based on correctness and confidence.",
					},
					"difficulty": {
						Type:        "string",
						Description: `The difficulty level. MUST be one of: "Beginner", "Intermediate", "Advanced".`,
					},
					"reason": {
						Type:        "string",
						Description: `Brief reason for the update (e.g. "Correctly identified photosynthesis process", "Seemed confused by fractions").`,
					},
				},
				Required: []string{"score", "difficulty", "reason"},
			},
		},
	}
}

// ToolHandler executes one named tool. The returned result map becomes the
// function response payload; a handler must always produce a result so the
// model is never left waiting on a call id.
type ToolHandler interface {
	Name() string
	Call(ctx context.Context, sess *Session, call FunctionCall) map[string]any
}
