// Package tools implements the executors behind the session's tool
// declarations: educational image generation and learner progress updates.
package tools

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/lumiedu/lumi-live/pkg/playback"
	"github.com/lumiedu/lumi-live/pkg/session"
)

const (
	// ImageModel generates the educational illustrations.
	ImageModel = "gemini-2.5-flash-image"
	// ImageAspectRatio is the hint sent with every generation request.
	ImageAspectRatio = "16:9"

	promptPrefix = "Educational illustration, clear, high-contrast, simple background: "
)

// GenerateFunc produces one image for a prompt, returning the raw bytes and
// their mime type.
type GenerateFunc func(ctx context.Context, prompt string) ([]byte, string, error)

// NewGenAIGenerator adapts a genai client into a GenerateFunc targeting the
// image model with the fixed aspect-ratio hint.
func NewGenAIGenerator(client *genai.Client) GenerateFunc {
	return func(ctx context.Context, prompt string) ([]byte, string, error) {
		resp, err := client.Models.GenerateContent(ctx, ImageModel, genai.Text(prompt),
			&genai.GenerateContentConfig{
				ImageConfig: &genai.ImageConfig{AspectRatio: ImageAspectRatio},
			})
		if err != nil {
			return nil, "", err
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, p := range cand.Content.Parts {
				if p.InlineData != nil && len(p.InlineData.Data) > 0 {
					mime := p.InlineData.MIMEType
					if mime == "" {
						mime = "image/png"
					}
					return p.InlineData.Data, mime, nil
				}
			}
		}
		return nil, "", fmt.Errorf("no image data returned from model")
	}
}

// ImageGenerator executes generate_educational_image calls. Failures are
// absorbed: a user-visible system message explains what went wrong and the
// model is told to apologize, but the session keeps going.
type ImageGenerator struct {
	generate GenerateFunc
	log      zerolog.Logger
}

// NewImageGenerator wires the executor around a generation backend.
func NewImageGenerator(generate GenerateFunc, log zerolog.Logger) *ImageGenerator {
	return &ImageGenerator{generate: generate, log: log}
}

// Name implements session.ToolHandler.
func (g *ImageGenerator) Name() string { return session.ToolGenerateImage }

// Call implements session.ToolHandler.
func (g *ImageGenerator) Call(ctx context.Context, sess *session.Session, call session.FunctionCall) map[string]any {
	prompt, _ := call.Args["prompt"].(string)
	if prompt == "" {
		g.log.Warn().Str("id", call.ID).Msg("image call without a prompt")
		sess.Post(session.NewMessage(session.RoleSystem, "Image generation failed."))
		return map[string]any{"result": "Image generation failed. Apologize to the user."}
	}

	sess.Post(session.NewMessage(session.RoleSystem, fmt.Sprintf("Drawing: %q...", prompt)))

	data, mime, err := g.generate(ctx, promptPrefix+prompt)
	if err != nil {
		serr := session.Classify(err)
		g.log.Warn().Err(serr).Str("id", call.ID).Msg("image generation failed")
		var errMsg string
		switch serr.Type {
		case session.ErrRateLimit:
			errMsg = "Image quota exceeded. Try again later."
		case session.ErrPermission, session.ErrAuthentication:
			errMsg = "Permission denied for Image Generation. Check API Key billing/permissions."
		default:
			errMsg = "Image generation failed."
		}
		sess.Post(session.NewMessage(session.RoleSystem, errMsg))
		return map[string]any{"result": "Image generation failed. Apologize to the user."}
	}

	msg := session.NewMessage(session.RoleAssistant, "Here is a visualization for: "+prompt)
	msg.ImageData = fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
	sess.Post(msg)
	sess.PlayChime(playback.ChimeSuccess)
	return map[string]any{"result": "Image displayed."}
}
